// Package xkb synthesizes complete XKB keymaps for protocols that transfer a
// keymap as a whole instead of editing a live mapping.
//
// Every symbol gets its own keycode, assigned in order from 8 to 255. A
// keycode is never reassigned, so each generated keymap contains every
// symbol of the ones before it.
package xkb

import (
	"bytes"
	"fmt"

	"keysynth/internal/keysym"
	"keysynth/internal/resolver"
)

const (
	MinKeycode = 8
	MaxKeycode = 255
)

// Synthesizer is not safe for concurrent use.
type Synthesizer struct {
	syms       []keysym.Keysym
	index      map[keysym.Keysym]uint32
	generation int
	cached     []byte
}

func New() *Synthesizer {
	return &Synthesizer{index: make(map[keysym.Keysym]uint32)}
}

// Resolve returns the XKB keycode of ks. added is true when ks was not in
// the keymap before, in which case the keymap must be republished before
// the keycode is used.
func (s *Synthesizer) Resolve(ks keysym.Keysym) (kc uint32, added bool, err error) {
	if ks == keysym.NoSymbol {
		return 0, false, resolver.ErrNoSymbol
	}
	if kc, ok := s.index[ks]; ok {
		return kc, false, nil
	}
	if len(s.syms) > MaxKeycode-MinKeycode {
		return 0, false, fmt.Errorf("%w: keymap holds %d symbols", resolver.ErrNoFreeKeycode, len(s.syms))
	}
	kc = uint32(MinKeycode + len(s.syms))
	s.syms = append(s.syms, ks)
	s.index[ks] = kc
	s.generation++
	s.cached = nil
	return kc, true, nil
}

// Lookup returns the keycode of ks without adding it.
func (s *Synthesizer) Lookup(ks keysym.Keysym) (uint32, bool) {
	kc, ok := s.index[ks]
	return kc, ok
}

// Symbols returns the symbols in keycode order.
func (s *Synthesizer) Symbols() []keysym.Keysym {
	return append([]keysym.Keysym(nil), s.syms...)
}

// Generation counts the symbols added so far. It changes exactly when the
// keymap text changes.
func (s *Synthesizer) Generation() int { return s.generation }

// Keymap returns the keymap in XKB text format, terminated by a NUL byte.
func (s *Synthesizer) Keymap() []byte {
	if s.cached == nil {
		s.cached = s.render()
	}
	return s.cached
}

func (s *Synthesizer) render() []byte {
	var b bytes.Buffer
	b.WriteString("xkb_keymap {\n")

	b.WriteString("xkb_keycodes \"keysynth\" {\n")
	fmt.Fprintf(&b, "minimum = %d;\nmaximum = %d;\n", MinKeycode, MaxKeycode)
	for kc := MinKeycode; kc <= MaxKeycode; kc++ {
		fmt.Fprintf(&b, "<I%d> = %d;\n", kc, kc)
	}
	b.WriteString("};\n")

	b.WriteString("xkb_types \"keysynth\" { include \"complete\" };\n")
	b.WriteString("xkb_compat \"keysynth\" { include \"complete\" };\n")

	b.WriteString("xkb_symbols \"keysynth\" {\n")
	mods := make(map[string][]uint32)
	var order []string
	for i, ks := range s.syms {
		kc := uint32(MinKeycode + i)
		fmt.Fprintf(&b, "key <I%d> { [ %s ] };\n", kc, ks.Name())
		if m := modifierOf(ks); m != "" {
			if _, ok := mods[m]; !ok {
				order = append(order, m)
			}
			mods[m] = append(mods[m], kc)
		}
	}
	for _, m := range order {
		fmt.Fprintf(&b, "modifier_map %s {", m)
		for i, kc := range mods[m] {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, " <I%d>", kc)
		}
		b.WriteString(" };\n")
	}
	b.WriteString("};\n")

	b.WriteString("};\n")
	b.WriteByte(0)
	return b.Bytes()
}

func modifierOf(ks keysym.Keysym) string {
	switch ks {
	case keysym.ShiftL, keysym.ShiftR:
		return "Shift"
	case keysym.CapsLock, keysym.ShiftLock:
		return "Lock"
	case keysym.ControlL, keysym.ControlR:
		return "Control"
	case keysym.AltL, keysym.AltR, keysym.MetaL, keysym.MetaR:
		return "Mod1"
	case keysym.NumLock:
		return "Mod2"
	case keysym.SuperL, keysym.SuperR:
		return "Mod4"
	case keysym.ISOLevel3Shift, keysym.ModeSwitch:
		return "Mod5"
	}
	return ""
}
