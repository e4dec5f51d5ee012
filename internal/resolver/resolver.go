// Package resolver finds or creates a keycode for any keysym on display
// servers whose keyboard mapping is fixed but can be queried and changed.
//
// Symbols present in the live mapping are used where they are. Others are
// written into keycodes that have no symbols at all, and those dynamic
// bindings are recycled least recently used first when the free keycodes run
// out. A keycode that is currently held down is pinned and never recycled.
package resolver

import (
	"container/list"
	"errors"
	"fmt"
	"log"

	"keysynth/internal/keysym"
)

var (
	ErrNoFreeKeycode = errors.New("no free keycode")
	ErrMappingRace   = errors.New("keyboard mapping changed concurrently")
	ErrNoSymbol      = errors.New("character has no keysym")
)

// Mapping is the display server side of keyboard mapping negotiation.
type Mapping interface {
	// KeyboardMapping returns the full current mapping.
	KeyboardMapping() (Table, error)
	// KeycodeMapping returns the current symbols of a single keycode.
	KeycodeMapping(kc uint8) ([]keysym.Keysym, error)
	// ChangeMapping replaces the symbols of a single keycode.
	ChangeMapping(kc uint8, syms []keysym.Keysym) error
}

// Binding locates a keysym. Level 1 means the key must be typed with Shift.
type Binding struct {
	Keycode uint8
	Level   int
	Dynamic bool
}

type slot struct {
	sym     keysym.Keysym
	keycode uint8
}

// Resolver is not safe for concurrent use.
type Resolver struct {
	m     Mapping
	table Table

	static map[keysym.Keysym]Binding

	// Dynamic bindings, most recently resolved at the front.
	lru       *list.List
	bySym     map[keysym.Keysym]*list.Element
	byKeycode map[uint8]*list.Element

	free    []uint8
	pins    map[uint8]int
	pending map[uint8]int
}

func New(m Mapping) (*Resolver, error) {
	r := &Resolver{
		m:         m,
		lru:       list.New(),
		bySym:     make(map[keysym.Keysym]*list.Element),
		byKeycode: make(map[uint8]*list.Element),
		pins:      make(map[uint8]int),
		pending:   make(map[uint8]int),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve returns a keycode that produces ks, binding one if necessary.
func (r *Resolver) Resolve(ks keysym.Keysym) (Binding, error) {
	if ks == keysym.NoSymbol {
		return Binding{}, ErrNoSymbol
	}
	if b, ok := r.static[ks]; ok {
		return b, nil
	}
	if e, ok := r.bySym[ks]; ok {
		r.lru.MoveToFront(e)
		return Binding{Keycode: e.Value.(*slot).keycode, Dynamic: true}, nil
	}

	kc, err := r.take()
	if err != nil {
		return Binding{}, err
	}
	if err := r.write(kc, ks); err != nil {
		return Binding{}, err
	}
	e := r.lru.PushFront(&slot{sym: ks, keycode: kc})
	r.bySym[ks] = e
	r.byKeycode[kc] = e
	return Binding{Keycode: kc, Dynamic: true}, nil
}

// take returns a keycode to bind, evicting if no keycode is free.
func (r *Resolver) take() (uint8, error) {
	if len(r.free) > 0 {
		kc := r.free[0]
		r.free = r.free[1:]
		return kc, nil
	}
	for e := r.lru.Back(); e != nil; e = e.Prev() {
		s := e.Value.(*slot)
		if r.pins[s.keycode] == 0 {
			r.evict(e)
			return s.keycode, nil
		}
	}
	return 0, ErrNoFreeKeycode
}

// evict forgets a dynamic binding. The keycode keeps its symbols until it is
// rebound.
func (r *Resolver) evict(e *list.Element) {
	s := e.Value.(*slot)
	if r.pins[s.keycode] > 0 {
		panic(fmt.Sprintf("resolver: evicting pinned keycode %d", s.keycode))
	}
	r.lru.Remove(e)
	delete(r.bySym, s.sym)
	delete(r.byKeycode, s.keycode)
}

func (r *Resolver) write(kc uint8, ks keysym.Keysym) error {
	syms := []keysym.Keysym{ks, ks}
	if err := r.m.ChangeMapping(kc, syms); err != nil {
		r.free = append(r.free, kc)
		return fmt.Errorf("bind %v to keycode %d: %w", ks, kc, err)
	}
	r.pending[kc]++
	got, err := r.m.KeycodeMapping(kc)
	if err != nil {
		return fmt.Errorf("verify keycode %d: %w", kc, err)
	}
	if len(got) == 0 || got[0] != ks {
		log.Printf("Resolver: keycode %d was rebound by another client", kc)
		return fmt.Errorf("%w: keycode %d", ErrMappingRace, kc)
	}
	r.table.Set(kc, syms)
	return nil
}

// Pin marks kc as held down. Pins nest.
func (r *Resolver) Pin(kc uint8) { r.pins[kc]++ }

// Unpin undoes one Pin.
func (r *Resolver) Unpin(kc uint8) {
	if r.pins[kc] <= 1 {
		delete(r.pins, kc)
		return
	}
	r.pins[kc]--
}

// Pinned reports whether kc is held down.
func (r *Resolver) Pinned(kc uint8) bool { return r.pins[kc] > 0 }

// HandleMappingNotify processes a keyboard mapping change notification for
// count keycodes starting at first. Notifications caused by our own writes
// are ignored; anything else invalidates the cache. It reports whether the
// cache was invalidated.
func (r *Resolver) HandleMappingNotify(first, count uint8) (bool, error) {
	if count == 1 && r.pending[first] > 0 {
		r.pending[first]--
		if r.pending[first] == 0 {
			delete(r.pending, first)
		}
		return false, nil
	}
	return true, r.Invalidate()
}

// Invalidate drops every cached binding and reloads the mapping. Dynamic
// keycodes that still hold the symbol we wrote are kept, in their previous
// recency order.
func (r *Resolver) Invalidate() error {
	old := make([]*slot, 0, r.lru.Len())
	for e := r.lru.Front(); e != nil; e = e.Next() {
		old = append(old, e.Value.(*slot))
	}
	r.lru.Init()
	clear(r.bySym)
	clear(r.byKeycode)
	clear(r.pending)

	table, err := r.m.KeyboardMapping()
	if err != nil {
		return fmt.Errorf("reload keyboard mapping: %w", err)
	}
	r.table = table
	for _, s := range old {
		levels := table.Levels(s.keycode)
		if len(levels) > 0 && levels[0] == s.sym && (len(levels) < 2 || levels[1] == s.sym) {
			e := r.lru.PushBack(s)
			r.bySym[s.sym] = e
			r.byKeycode[s.keycode] = e
		}
	}
	r.index()
	log.Printf("Resolver: mapping reloaded, kept %d of %d dynamic bindings", r.lru.Len(), len(old))
	return nil
}

func (r *Resolver) reload() error {
	table, err := r.m.KeyboardMapping()
	if err != nil {
		return fmt.Errorf("load keyboard mapping: %w", err)
	}
	r.table = table
	r.index()
	return nil
}

// index rebuilds the static lookup and the free list from the table.
// Level 0 wins over level 1, lower keycodes over higher ones.
func (r *Resolver) index() {
	r.static = make(map[keysym.Keysym]Binding)
	r.free = r.free[:0]
	for level := 0; level < 2 && level < r.table.PerKeycode; level++ {
		for kc := int(r.table.Min); kc <= int(r.table.Max); kc++ {
			if _, mine := r.byKeycode[uint8(kc)]; mine {
				continue
			}
			levels := r.table.Levels(uint8(kc))
			if levels == nil || levels[level] == keysym.NoSymbol {
				continue
			}
			ks := levels[level]
			if _, seen := r.static[ks]; !seen {
				r.static[ks] = Binding{Keycode: uint8(kc), Level: level}
			}
		}
	}
	for kc := int(r.table.Min); kc <= int(r.table.Max); kc++ {
		if _, mine := r.byKeycode[uint8(kc)]; !mine && r.table.Unused(uint8(kc)) {
			r.free = append(r.free, uint8(kc))
		}
	}
}

// Len returns the number of dynamic bindings.
func (r *Resolver) Len() int { return r.lru.Len() }

// Free returns the number of unused keycodes still available.
func (r *Resolver) Free() int { return len(r.free) }

// Release writes NoSymbol back into every dynamic keycode. It is meant for
// shutdown; the resolver must not be used afterwards.
func (r *Resolver) Release() error {
	var errs []error
	for e := r.lru.Front(); e != nil; e = e.Next() {
		s := e.Value.(*slot)
		if err := r.m.ChangeMapping(s.keycode, []keysym.Keysym{keysym.NoSymbol, keysym.NoSymbol}); err != nil {
			errs = append(errs, fmt.Errorf("unbind keycode %d: %w", s.keycode, err))
		}
	}
	r.lru.Init()
	clear(r.bySym)
	clear(r.byKeycode)
	return errors.Join(errs...)
}
