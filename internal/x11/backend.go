// Package x11 injects input on X11 through the XTEST extension. Symbols the
// keyboard layout lacks are bound on the fly by a resolver.
package x11

import (
	"context"
	"errors"
	"fmt"
	"log"

	"keysynth/internal/event"
	"keysynth/internal/keysym"
	"keysynth/internal/resolver"
)

// evdevOffset converts a Linux input event code to an X keycode.
const evdevOffset = 8

var ErrInvalidKeycode = errors.New("keycode out of range")

type Backend struct {
	srv  server
	res  *resolver.Resolver
	held map[event.Key]uint8
}

// Open connects to display, or to $DISPLAY when it is empty.
func Open(display string) (*Backend, error) {
	x, err := dial(display)
	if err != nil {
		return nil, err
	}
	b, err := newBackend(x)
	if err != nil {
		x.Close()
		return nil, err
	}
	log.Printf("X11: connected, keycodes %d..%d, %d free", x.min, x.max, b.res.Free())
	return b, nil
}

func newBackend(srv server) (*Backend, error) {
	res, err := resolver.New(srv)
	if err != nil {
		return nil, err
	}
	return &Backend{srv: srv, res: res, held: make(map[event.Key]uint8)}, nil
}

func (b *Backend) Name() string { return "x11" }

// drain applies pending mapping notifications before the mapping is used.
func (b *Backend) drain() error {
	ch, overflow := b.srv.Notifications()
	if overflow.Swap(false) {
		return b.res.Invalidate()
	}
	for {
		select {
		case n := <-ch:
			if _, err := b.res.HandleMappingNotify(n.first, n.count); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (b *Backend) Key(ctx context.Context, k event.Key, dir event.Direction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dir == event.Release {
		if kc, ok := b.held[k]; ok {
			delete(b.held, k)
			b.res.Unpin(kc)
			return b.srv.FakeInput(keyRelease, kc, 0, 0)
		}
	}
	if err := b.drain(); err != nil {
		return err
	}
	kc, level, err := b.keycode(k)
	if err != nil {
		return err
	}

	switch dir {
	case event.Press:
		if err := b.press(kc, level); err != nil {
			return err
		}
		// a repeated press is pinned once, matching the single release
		if _, ok := b.held[k]; !ok {
			b.res.Pin(kc)
			b.held[k] = kc
		}
		return nil
	case event.Release:
		return b.srv.FakeInput(keyRelease, kc, 0, 0)
	}
	if err := b.press(kc, level); err != nil {
		return err
	}
	return b.srv.FakeInput(keyRelease, kc, 0, 0)
}

// press sends a key press, holding Shift around it for level 1 symbols
// unless a Shift key is already down.
func (b *Backend) press(kc uint8, level int) error {
	if level == 0 || b.shiftHeld() {
		return b.srv.FakeInput(keyPress, kc, 0, 0)
	}
	shift, err := b.res.Resolve(keysym.ShiftL)
	if err != nil {
		return fmt.Errorf("resolve Shift: %w", err)
	}
	if err := b.srv.FakeInput(keyPress, shift.Keycode, 0, 0); err != nil {
		return err
	}
	err = b.srv.FakeInput(keyPress, kc, 0, 0)
	return errors.Join(err, b.srv.FakeInput(keyRelease, shift.Keycode, 0, 0))
}

func (b *Backend) shiftHeld() bool {
	for k := range b.held {
		if k.Modifier() == event.ModShift {
			return true
		}
	}
	return false
}

func (b *Backend) keycode(k event.Key) (uint8, int, error) {
	switch k.Kind() {
	case event.KindRaw:
		if k.Code() < evdevOffset || k.Code() > 255 {
			return 0, 0, fmt.Errorf("%w: %d", ErrInvalidKeycode, k.Code())
		}
		return uint8(k.Code()), 0, nil
	case event.KindLayout:
		code, _ := k.EvdevCode()
		return uint8(code + evdevOffset), 0, nil
	}
	bind, err := b.res.Resolve(k.Keysym())
	if err != nil {
		return 0, 0, fmt.Errorf("resolve %v: %w", k, err)
	}
	return bind.Keycode, bind.Level, nil
}

func (b *Backend) Button(ctx context.Context, btn event.Button, dir event.Direction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	detail := btn.XButton()
	if dir != event.Release {
		if err := b.srv.FakeInput(buttonPress, detail, 0, 0); err != nil {
			return err
		}
	}
	if dir != event.Press {
		return b.srv.FakeInput(buttonRelease, detail, 0, 0)
	}
	return nil
}

func (b *Backend) Move(ctx context.Context, x, y int32, c event.Coordinate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var relative byte
	if c == event.Rel {
		relative = 1
	}
	return b.srv.FakeInput(motionNotify, relative, int16(x), int16(y))
}

// Scroll clicks the wheel buttons once per notch.
func (b *Backend) Scroll(ctx context.Context, axis event.Axis, amount int32) error {
	btn := event.ScrollDown
	switch {
	case axis == event.Vertical && amount < 0:
		btn = event.ScrollUp
	case axis == event.Horizontal && amount < 0:
		btn = event.ScrollLeft
	case axis == event.Horizontal:
		btn = event.ScrollRight
	}
	if amount < 0 {
		amount = -amount
	}
	for range amount {
		if err := b.Button(ctx, btn, event.Click); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) DisplaySize(ctx context.Context) (int, int, error) {
	w, h := b.srv.ScreenSize()
	return w, h, nil
}

func (b *Backend) Location(ctx context.Context) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	return b.srv.Pointer()
}

// Close releases held keys, unbinds dynamic keycodes and disconnects.
func (b *Backend) Close() error {
	var errs []error
	for k, kc := range b.held {
		errs = append(errs, b.srv.FakeInput(keyRelease, kc, 0, 0))
		b.res.Unpin(kc)
		delete(b.held, k)
	}
	errs = append(errs, b.res.Release(), b.srv.Close())
	return errors.Join(errs...)
}
