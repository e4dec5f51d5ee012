//go:build linux

package wayland

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"slices"
	"time"

	"keysynth/internal/event"
	"keysynth/internal/xkb"
)

// ErrMissingGlobals means the compositor does not offer the virtual input
// protocols.
var ErrMissingGlobals = errors.New("wayland: compositor lacks virtual keyboard or pointer")

const (
	ifaceSeat       = "wl_seat"
	ifaceOutput     = "wl_output"
	ifaceKeyboardMg = "zwp_virtual_keyboard_manager_v1"
	ifacePointerMg  = "zwlr_virtual_pointer_manager_v1"
)

// Request and event opcodes of the objects used here.
const (
	registryBind      = 0
	registryGlobal    = 0
	outputEventMode   = 1
	outputModeCurrent = 0x1

	keyboardMgCreate = 0
	keyboardKeymap   = 0
	keyboardKey      = 1
	keyboardMods     = 2
	keyboardDestroy  = 3

	pointerMgCreate     = 0
	pointerMotion       = 0
	pointerMotionAbs    = 1
	pointerButton       = 2
	pointerFrame        = 4
	pointerAxisSource   = 5
	pointerAxisDiscrete = 7
	pointerDestroy      = 8

	keymapFormatXKB    = 1
	axisVertical       = 0
	axisHorizontal     = 1
	axisSourceWheel    = 0
	scrollStepPerNotch = 15.0

	stateReleased uint32 = 0
	statePressed  uint32 = 1
)

type global struct {
	name    uint32
	version uint32
}

type Backend struct {
	c       *client
	globals map[string]global

	seat       uint32
	output     uint32
	keyboardMg uint32
	keyboard   uint32
	pointer    uint32

	width, height int

	keymap    *xkb.Synthesizer
	published int

	start     time.Time
	lastStamp uint32

	held      map[event.Key]uint32
	depressed event.ModifierState
	locked    event.ModifierState
}

// Open connects to the named Wayland display, or to $WAYLAND_DISPLAY when
// name is empty.
func Open(ctx context.Context, name string) (*Backend, error) {
	c, err := dial(name)
	if err != nil {
		return nil, err
	}
	b, err := newBackend(ctx, c)
	if err != nil {
		c.close()
		return nil, err
	}
	log.Printf("Wayland: connected, output %dx%d", b.width, b.height)
	return b, nil
}

func newBackend(ctx context.Context, c *client) (*Backend, error) {
	b := &Backend{
		c:         c,
		globals:   make(map[string]global),
		keymap:    xkb.New(),
		published: -1,
		start:     time.Now(),
		held:      make(map[event.Key]uint32),
	}
	registry := c.newID(b.handleRegistry)
	if err := c.send(newRequest(displayID, displayGetRegistry).uint(registry)); err != nil {
		return nil, err
	}
	if err := c.roundtrip(ctx); err != nil {
		return nil, err
	}

	kbMg, okKb := b.globals[ifaceKeyboardMg]
	ptrMg, okPtr := b.globals[ifacePointerMg]
	seat, okSeat := b.globals[ifaceSeat]
	if !okKb || !okPtr || !okSeat {
		return nil, ErrMissingGlobals
	}

	bind := func(g global, iface string, version uint32, h handler) (uint32, error) {
		id := c.newID(h)
		r := newRequest(registry, registryBind).uint(g.name).string(iface).uint(min(version, g.version)).uint(id)
		return id, c.send(r)
	}
	var (
		err        error
		ptrManager uint32
	)
	if b.seat, err = bind(seat, ifaceSeat, 1, nil); err != nil {
		return nil, err
	}
	if out, ok := b.globals[ifaceOutput]; ok {
		if b.output, err = bind(out, ifaceOutput, 2, b.handleOutput); err != nil {
			return nil, err
		}
	}
	if b.keyboardMg, err = bind(kbMg, ifaceKeyboardMg, 1, nil); err != nil {
		return nil, err
	}
	if ptrManager, err = bind(ptrMg, ifacePointerMg, 1, nil); err != nil {
		return nil, err
	}

	b.pointer = c.newID(nil)
	if err := c.send(newRequest(ptrManager, pointerMgCreate).uint(b.seat).uint(b.pointer)); err != nil {
		return nil, err
	}
	if err := c.roundtrip(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) handleRegistry(opcode uint16, a *args) error {
	if opcode != registryGlobal {
		return nil
	}
	name, iface, version := a.uint(), a.string(), a.uint()
	if a.err != nil {
		return a.err
	}
	if _, seen := b.globals[iface]; !seen {
		b.globals[iface] = global{name: name, version: version}
	}
	return nil
}

func (b *Backend) handleOutput(opcode uint16, a *args) error {
	if opcode != outputEventMode {
		return nil
	}
	flags, w, h := a.uint(), a.int(), a.int()
	if a.err != nil {
		return a.err
	}
	if flags&outputModeCurrent != 0 {
		b.width, b.height = int(w), int(h)
	}
	return nil
}

func (b *Backend) Name() string { return "wayland" }

// stamp returns a strictly increasing millisecond timestamp.
func (b *Backend) stamp() uint32 {
	t := uint32(time.Since(b.start).Milliseconds())
	if t <= b.lastStamp {
		t = b.lastStamp + 1
	}
	b.lastStamp = t
	return t
}

// Prepare adds the symbols of keys to the keymap and publishes it once, so
// that typing them later does not replace the keyboard mid-sequence.
func (b *Backend) Prepare(ctx context.Context, keys []event.Key) error {
	for _, k := range keys {
		if k.Kind() == event.KindRaw {
			continue
		}
		if _, _, err := b.keymap.Resolve(k.Keysym()); err != nil {
			return fmt.Errorf("resolve %v: %w", k, err)
		}
	}
	if err := b.publish(); err != nil {
		return err
	}
	return b.c.roundtrip(ctx)
}

// publish sends the current keymap on a fresh virtual keyboard if it changed
// since the last publication.
func (b *Backend) publish() error {
	if b.keyboard != 0 && b.keymap.Generation() == b.published {
		return nil
	}
	region, err := b.keymap.Publish()
	if err != nil {
		return err
	}
	defer region.Close()

	if b.keyboard != 0 {
		if err := b.c.send(newRequest(b.keyboard, keyboardDestroy)); err != nil {
			return err
		}
	}
	b.keyboard = b.c.newID(nil)
	if err := b.c.send(newRequest(b.keyboardMg, keyboardMgCreate).uint(b.seat).uint(b.keyboard)); err != nil {
		return err
	}
	r := newRequest(b.keyboard, keyboardKeymap).uint(keymapFormatXKB).fd(int(region.Fd())).uint(region.Size)
	if err := b.c.send(r); err != nil {
		return err
	}
	b.published = b.keymap.Generation()
	// The new keyboard has not seen the presses of keys still held, and
	// their releases will go to it.
	held := slices.Sorted(maps.Values(b.held))
	for _, kc := range slices.Compact(held) {
		if err := b.sendKey(kc, statePressed); err != nil {
			return err
		}
	}
	if b.depressed != 0 || b.locked != 0 {
		return b.sendModifiers()
	}
	return nil
}

func (b *Backend) sendModifiers() error {
	r := newRequest(b.keyboard, keyboardMods).uint(uint32(b.depressed)).uint(0).uint(uint32(b.locked)).uint(0)
	return b.c.send(r)
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
	kc, ok := b.held[k]
	if !ok || dir != event.Release {
		var err error
		if kc, err = b.keycode(k); err != nil {
			return err
		}
	}
	if err := b.publish(); err != nil {
		return err
	}
	if dir != event.Release {
		if err := b.sendKey(kc, statePressed); err != nil {
			return err
		}
		if err := b.updateModifiers(k, true); err != nil {
			return err
		}
	}
	if dir == event.Press {
		b.held[k] = kc
	}
	if dir != event.Press {
		delete(b.held, k)
		if err := b.sendKey(kc, stateReleased); err != nil {
			return err
		}
		if err := b.updateModifiers(k, false); err != nil {
			return err
		}
	}
	return b.c.roundtrip(ctx)
}

func (b *Backend) sendKey(kc, state uint32) error {
	return b.c.send(newRequest(b.keyboard, keyboardKey).uint(b.stamp()).uint(kc - xkb.MinKeycode).uint(state))
}

// updateModifiers tells the compositor about modifier changes; the virtual
// keyboard does not derive them from key events.
func (b *Backend) updateModifiers(k event.Key, down bool) error {
	bit := k.Modifier()
	if bit == 0 {
		return nil
	}
	switch {
	case bit == event.ModLock || bit == event.ModNumLock:
		if !down {
			return nil
		}
		if b.locked.Has(bit) {
			b.locked = b.locked.Release(bit)
		} else {
			b.locked = b.locked.Press(bit)
		}
	case down:
		b.depressed = b.depressed.Press(bit)
	default:
		b.depressed = b.depressed.Release(bit)
	}
	return b.sendModifiers()
}

func (b *Backend) Button(ctx context.Context, btn event.Button, dir event.Direction) error {
	if btn.IsScroll() {
		if dir == event.Release {
			return nil
		}
		amount := int32(1)
		if btn == event.ScrollUp || btn == event.ScrollLeft {
			amount = -1
		}
		axis := event.Vertical
		if btn == event.ScrollLeft || btn == event.ScrollRight {
			axis = event.Horizontal
		}
		return b.Scroll(ctx, axis, amount)
	}
	code, ok := btn.EvdevCode()
	if !ok {
		return fmt.Errorf("wayland: unsupported button %v", btn)
	}
	if dir != event.Release {
		if err := b.c.send(newRequest(b.pointer, pointerButton).uint(b.stamp()).uint(code).uint(statePressed)); err != nil {
			return err
		}
	}
	if dir != event.Press {
		if err := b.c.send(newRequest(b.pointer, pointerButton).uint(b.stamp()).uint(code).uint(stateReleased)); err != nil {
			return err
		}
	}
	return b.frame(ctx)
}

func (b *Backend) frame(ctx context.Context) error {
	if err := b.c.send(newRequest(b.pointer, pointerFrame)); err != nil {
		return err
	}
	return b.c.roundtrip(ctx)
}

func (b *Backend) Move(ctx context.Context, x, y int32, c event.Coordinate) error {
	var r *request
	if c == event.Rel {
		r = newRequest(b.pointer, pointerMotion).uint(b.stamp()).fixed(float64(x)).fixed(float64(y))
	} else {
		if b.width <= 0 || b.height <= 0 {
			return fmt.Errorf("wayland: absolute motion needs an output size")
		}
		x, y = max(0, min(x, int32(b.width-1))), max(0, min(y, int32(b.height-1)))
		r = newRequest(b.pointer, pointerMotionAbs).uint(b.stamp()).uint(uint32(x)).uint(uint32(y)).
			uint(uint32(b.width)).uint(uint32(b.height))
	}
	if err := b.c.send(r); err != nil {
		return err
	}
	return b.frame(ctx)
}

func (b *Backend) Scroll(ctx context.Context, axis event.Axis, amount int32) error {
	if amount == 0 {
		return nil
	}
	wlAxis := uint32(axisVertical)
	if axis == event.Horizontal {
		wlAxis = axisHorizontal
	}
	if err := b.c.send(newRequest(b.pointer, pointerAxisSource).uint(axisSourceWheel)); err != nil {
		return err
	}
	r := newRequest(b.pointer, pointerAxisDiscrete).uint(b.stamp()).uint(wlAxis).
		fixed(scrollStepPerNotch * float64(amount)).int(amount)
	if err := b.c.send(r); err != nil {
		return err
	}
	return b.frame(ctx)
}

func (b *Backend) DisplaySize(ctx context.Context) (int, int, error) {
	if b.width <= 0 || b.height <= 0 {
		return 0, 0, fmt.Errorf("wayland: no output mode known: %w", errors.ErrUnsupported)
	}
	return b.width, b.height, nil
}

// Location is not available: the virtual pointer protocol has no way to
// read the cursor back.
func (b *Backend) Location(ctx context.Context) (int, int, error) {
	return 0, 0, errors.ErrUnsupported
}

func (b *Backend) Close() error {
	var errs []error
	for k, kc := range b.held {
		errs = append(errs, b.sendKey(kc, stateReleased))
		delete(b.held, k)
	}
	if b.keyboard != 0 {
		errs = append(errs, b.c.send(newRequest(b.keyboard, keyboardDestroy)))
	}
	errs = append(errs, b.c.send(newRequest(b.pointer, pointerDestroy)))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	errs = append(errs, b.c.roundtrip(ctx), b.c.close())
	return errors.Join(errs...)
}
