package resolver

import "keysynth/internal/keysym"

// Table is a snapshot of a keyboard mapping: PerKeycode symbols for every
// keycode from Min to Max inclusive.
type Table struct {
	Min, Max   uint8
	PerKeycode int
	Syms       []keysym.Keysym
}

// Levels returns the symbols bound to kc, or nil if kc is out of range.
func (t *Table) Levels(kc uint8) []keysym.Keysym {
	if kc < t.Min || kc > t.Max || t.PerKeycode <= 0 {
		return nil
	}
	i := int(kc-t.Min) * t.PerKeycode
	if i+t.PerKeycode > len(t.Syms) {
		return nil
	}
	return t.Syms[i : i+t.PerKeycode]
}

// Set replaces the symbols of kc, padding with NoSymbol.
func (t *Table) Set(kc uint8, syms []keysym.Keysym) {
	levels := t.Levels(kc)
	for i := range levels {
		levels[i] = keysym.NoSymbol
		if i < len(syms) {
			levels[i] = syms[i]
		}
	}
}

// Unused reports whether every level of kc is NoSymbol.
func (t *Table) Unused(kc uint8) bool {
	levels := t.Levels(kc)
	if levels == nil {
		return false
	}
	for _, s := range levels {
		if s != keysym.NoSymbol {
			return false
		}
	}
	return true
}
