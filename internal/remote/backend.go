package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"keysynth/internal/event"
	"keysynth/internal/xkb"
)

// wheelUnit is the discrete scroll value of one wheel notch.
const wheelUnit = 120

const releaseTimeout = time.Second

// Backend injects input through a remote Session. Keys go through a
// synthesized keymap that is uploaded whenever it grows.
type Backend struct {
	s *Session

	mu        sync.Mutex
	keymap    *xkb.Synthesizer
	published int
	held      map[event.Key]uint32
}

// Open establishes a session through broker and wraps it.
func Open(ctx context.Context, broker Broker, appName string) (*Backend, error) {
	s := NewSession(broker, appName)
	if err := s.Establish(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return NewBackend(s), nil
}

// NewBackend wraps an established session.
func NewBackend(s *Session) *Backend {
	return &Backend{
		s:         s,
		keymap:    xkb.New(),
		published: -1,
		held:      make(map[event.Key]uint32),
	}
}

func (b *Backend) Name() string { return "remote" }

// Session returns the underlying session.
func (b *Backend) Session() *Session { return b.s }

// Prepare adds the symbols of keys to the keymap and uploads it once.
func (b *Backend) Prepare(ctx context.Context, keys []event.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		if k.Kind() == event.KindRaw {
			continue
		}
		if _, _, err := b.keymap.Resolve(k.Keysym()); err != nil {
			return fmt.Errorf("resolve %v: %w", k, err)
		}
	}
	return b.upload(ctx)
}

func (b *Backend) upload(ctx context.Context) error {
	if b.keymap.Generation() == b.published {
		return nil
	}
	if err := b.s.Keymap(ctx, b.keymap.Keymap()); err != nil {
		return err
	}
	b.published = b.keymap.Generation()
	log.Printf("Remote: uploaded keymap with %d symbols", len(b.keymap.Symbols()))
	return nil
}

func (b *Backend) keycode(k event.Key) (uint32, error) {
	if k.Kind() == event.KindRaw {
		if k.Code() < xkb.MinKeycode || k.Code() > xkb.MaxKeycode {
			return 0, fmt.Errorf("keycode %d out of range", k.Code())
		}
		return k.Code(), nil
	}
	kc, _, err := b.keymap.Resolve(k.Keysym())
	if err != nil {
		return 0, fmt.Errorf("resolve %v: %w", k, err)
	}
	return kc, nil
}

func (b *Backend) Key(ctx context.Context, k event.Key, dir event.Direction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	kc, ok := b.held[k]
	if !ok || dir != event.Release {
		var err error
		if kc, err = b.keycode(k); err != nil {
			return err
		}
	}
	if err := b.upload(ctx); err != nil {
		return err
	}
	code := kc - xkb.MinKeycode
	if dir != event.Release {
		if err := b.s.Key(ctx, code, true); err != nil {
			return err
		}
	}
	if dir == event.Press {
		b.held[k] = kc
		return nil
	}
	delete(b.held, k)
	return b.s.Key(ctx, code, false)
}

func (b *Backend) Button(ctx context.Context, btn event.Button, dir event.Direction) error {
	if btn.IsScroll() {
		if dir == event.Release {
			return nil
		}
		switch btn {
		case event.ScrollUp:
			return b.Scroll(ctx, event.Vertical, -1)
		case event.ScrollDown:
			return b.Scroll(ctx, event.Vertical, 1)
		case event.ScrollLeft:
			return b.Scroll(ctx, event.Horizontal, -1)
		default:
			return b.Scroll(ctx, event.Horizontal, 1)
		}
	}
	code, ok := btn.EvdevCode()
	if !ok {
		return fmt.Errorf("remote: unsupported button %v", btn)
	}
	if dir != event.Release {
		if err := b.s.Button(ctx, code, true); err != nil {
			return err
		}
	}
	if dir != event.Press {
		return b.s.Button(ctx, code, false)
	}
	return nil
}

func (b *Backend) Move(ctx context.Context, x, y int32, c event.Coordinate) error {
	if c == event.Rel {
		return b.s.MoveRelative(ctx, float32(x), float32(y))
	}
	return b.s.MoveAbsolute(ctx, float32(x), float32(y))
}

func (b *Backend) Scroll(ctx context.Context, axis event.Axis, amount int32) error {
	if amount == 0 {
		return nil
	}
	if axis == event.Horizontal {
		return b.s.ScrollDiscrete(ctx, amount*wheelUnit, 0)
	}
	return b.s.ScrollDiscrete(ctx, 0, amount*wheelUnit)
}

// DisplaySize is the bounding box of the regions the devices cover.
func (b *Backend) DisplaySize(ctx context.Context) (int, int, error) {
	var w, h uint32
	for _, r := range b.s.Regions() {
		w = max(w, r.X+r.Width)
		h = max(h, r.Y+r.Height)
	}
	if w == 0 || h == 0 {
		return 0, 0, fmt.Errorf("remote: no device regions: %w", errors.ErrUnsupported)
	}
	return int(w), int(h), nil
}

func (b *Backend) Location(ctx context.Context) (int, int, error) {
	return 0, 0, errors.ErrUnsupported
}

// Close releases held keys and ends the session.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	var errs []error
	for k, kc := range b.held {
		if b.s.State() == Connected {
			errs = append(errs, b.s.Key(ctx, kc-xkb.MinKeycode, false))
		}
		delete(b.held, k)
	}
	errs = append(errs, b.s.Close())
	return errors.Join(errs...)
}
