// Package dispatch exposes one synchronous input façade over whichever
// backend was selected at start-up.
//
// A Dispatcher is meant for a single input-issuing goroutine. Callers that
// share one must serialize their calls.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"keysynth/internal/event"
	"keysynth/internal/markup"
)

var ErrNotHeld = errors.New("dispatch: release without a matching press")

// Backend is the capability set every input backend implements.
type Backend interface {
	Name() string
	Key(ctx context.Context, k event.Key, dir event.Direction) error
	Button(ctx context.Context, b event.Button, dir event.Direction) error
	Move(ctx context.Context, x, y int32, c event.Coordinate) error
	Scroll(ctx context.Context, axis event.Axis, amount int32) error
	DisplaySize(ctx context.Context) (int, int, error)
	Location(ctx context.Context) (int, int, error)
	Close() error
}

// TextPreparer is implemented by backends that transfer whole keymaps. They
// get every symbol of a sequence up front so the keymap changes once.
type TextPreparer interface {
	Prepare(ctx context.Context, keys []event.Key) error
}

type Options struct {
	// Delay is waited before a key that already occurred in the current
	// chunk of events.
	Delay time.Duration
	// Timeout bounds every single backend call.
	Timeout time.Duration
}

type Dispatcher struct {
	b    Backend
	opts Options
	pace *pacer

	keys    []event.Key
	buttons []event.Button
	mods    event.ModifierState
}

func New(b Backend, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Dispatcher{b: b, opts: opts, pace: newPacer(opts.Delay)}
}

// SetOptions applies new pacing and timeout settings to later calls.
func (d *Dispatcher) SetOptions(opts Options) {
	if opts.Timeout <= 0 {
		opts.Timeout = d.opts.Timeout
	}
	d.opts = opts
	d.pace.delay = opts.Delay
}

// Backend returns the name of the active backend.
func (d *Dispatcher) Backend() string { return d.b.Name() }

// Modifiers returns the modifiers the dispatcher currently holds.
func (d *Dispatcher) Modifiers() event.ModifierState { return d.mods }

// Held returns the keys currently held, oldest first.
func (d *Dispatcher) Held() []event.Key { return slices.Clone(d.keys) }

func (d *Dispatcher) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	err := fn(ctx)
	d.pace.mark()
	return err
}

func (d *Dispatcher) Key(ctx context.Context, k event.Key, dir event.Direction) error {
	held := slices.Contains(d.keys, k)
	if dir == event.Release && !held {
		return fmt.Errorf("%w: %v", ErrNotHeld, k)
	}
	if err := d.pace.wait(ctx, k); err != nil {
		return err
	}
	if err := d.call(ctx, func(ctx context.Context) error { return d.b.Key(ctx, k, dir) }); err != nil {
		return err
	}
	switch dir {
	case event.Press:
		if !held {
			d.keys = append(d.keys, k)
		}
		d.mods = d.mods.Press(k.Modifier())
	case event.Release:
		d.keys = slices.DeleteFunc(d.keys, func(h event.Key) bool { return h == k })
		d.mods = d.mods.Release(k.Modifier())
	}
	return nil
}

func (d *Dispatcher) Button(ctx context.Context, btn event.Button, dir event.Direction) error {
	if !btn.Valid() {
		return fmt.Errorf("dispatch: invalid button %d", btn)
	}
	held := slices.Contains(d.buttons, btn)
	if dir == event.Release && !held {
		return fmt.Errorf("%w: %v", ErrNotHeld, btn)
	}
	if err := d.call(ctx, func(ctx context.Context) error { return d.b.Button(ctx, btn, dir) }); err != nil {
		return err
	}
	switch dir {
	case event.Press:
		if !held && !btn.IsScroll() {
			d.buttons = append(d.buttons, btn)
		}
	case event.Release:
		d.buttons = slices.DeleteFunc(d.buttons, func(h event.Button) bool { return h == btn })
	}
	return nil
}

func (d *Dispatcher) Move(ctx context.Context, x, y int32, c event.Coordinate) error {
	return d.call(ctx, func(ctx context.Context) error { return d.b.Move(ctx, x, y, c) })
}

func (d *Dispatcher) Scroll(ctx context.Context, axis event.Axis, amount int32) error {
	return d.call(ctx, func(ctx context.Context) error { return d.b.Scroll(ctx, axis, amount) })
}

func (d *Dispatcher) DisplaySize(ctx context.Context) (w, h int, err error) {
	err = d.call(ctx, func(ctx context.Context) error {
		w, h, err = d.b.DisplaySize(ctx)
		return err
	})
	return w, h, err
}

func (d *Dispatcher) Location(ctx context.Context) (x, y int, err error) {
	err = d.call(ctx, func(ctx context.Context) error {
		x, y, err = d.b.Location(ctx)
		return err
	})
	return x, y, err
}

// Text parses markup and runs the resulting actions. Nothing is sent when
// the markup does not parse.
func (d *Dispatcher) Text(ctx context.Context, s string) error {
	actions, err := markup.Parse(s)
	if err != nil {
		return err
	}
	return d.Run(ctx, actions)
}

// Run performs actions in order. When one fails, whatever the run left
// pressed is released again before the error is returned.
func (d *Dispatcher) Run(ctx context.Context, actions []event.Action) error {
	if p, ok := d.b.(TextPreparer); ok {
		if keys := symbolKeys(actions); len(keys) > 0 {
			if err := d.call(ctx, func(ctx context.Context) error { return p.Prepare(ctx, keys) }); err != nil {
				return err
			}
		}
	}

	keysBefore := slices.Clone(d.keys)
	buttonsBefore := slices.Clone(d.buttons)
	for i, a := range actions {
		if err := d.do(ctx, a); err != nil {
			d.releaseNew(ctx, keysBefore, buttonsBefore)
			return fmt.Errorf("action %d (%v): %w", i, a, err)
		}
	}
	return nil
}

func (d *Dispatcher) do(ctx context.Context, a event.Action) error {
	switch a := a.(type) {
	case event.KeyAction:
		return d.Key(ctx, a.Key, a.Direction)
	case event.ButtonAction:
		return d.Button(ctx, a.Button, a.Direction)
	case event.MoveAction:
		return d.Move(ctx, a.X, a.Y, a.Coordinate)
	case event.ScrollAction:
		return d.Scroll(ctx, a.Axis, a.Amount)
	case event.PauseAction:
		return sleep(ctx, a.Duration)
	}
	return fmt.Errorf("dispatch: unknown action %T", a)
}

func (d *Dispatcher) releaseNew(ctx context.Context, keys []event.Key, buttons []event.Button) {
	ctx = context.WithoutCancel(ctx)
	for i := len(d.keys) - 1; i >= 0; i-- {
		if k := d.keys[i]; !slices.Contains(keys, k) {
			if err := d.Key(ctx, k, event.Release); err != nil {
				log.Printf("Dispatch: release %v: %v", k, err)
			}
		}
	}
	for i := len(d.buttons) - 1; i >= 0; i-- {
		if b := d.buttons[i]; !slices.Contains(buttons, b) {
			if err := d.Button(ctx, b, event.Release); err != nil {
				log.Printf("Dispatch: release %v: %v", b, err)
			}
		}
	}
}

// ReleaseAll releases every key and button the dispatcher holds, newest
// first. It keeps going after a failure and returns all errors.
func (d *Dispatcher) ReleaseAll(ctx context.Context) error {
	var errs []error
	for len(d.keys) > 0 {
		k := d.keys[len(d.keys)-1]
		if err := d.Key(ctx, k, event.Release); err != nil {
			errs = append(errs, err)
			d.keys = d.keys[:len(d.keys)-1]
			d.mods = d.mods.Release(k.Modifier())
		}
	}
	for len(d.buttons) > 0 {
		b := d.buttons[len(d.buttons)-1]
		if err := d.Button(ctx, b, event.Release); err != nil {
			errs = append(errs, err)
			d.buttons = d.buttons[:len(d.buttons)-1]
		}
	}
	return errors.Join(errs...)
}

// Close releases everything held and closes the backend.
func (d *Dispatcher) Close() error {
	err := d.ReleaseAll(context.Background())
	log.Printf("Dispatch: closing %s backend", d.b.Name())
	return errors.Join(err, d.b.Close())
}

// symbolKeys lists the distinct keys of actions that need a keysym.
func symbolKeys(actions []event.Action) []event.Key {
	var keys []event.Key
	for _, a := range actions {
		ka, ok := a.(event.KeyAction)
		if !ok || ka.Key.Kind() == event.KindRaw || slices.Contains(keys, ka.Key) {
			continue
		}
		keys = append(keys, ka.Key)
	}
	return keys
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
