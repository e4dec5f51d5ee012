package event

import "strings"

// ModifierState is the set of modifiers the engine itself holds down, using
// the XKB modifier mask layout. It is never read back from the system.
type ModifierState uint8

const (
	ModShift   ModifierState = 0x01
	ModLock    ModifierState = 0x02
	ModControl ModifierState = 0x04
	ModAlt     ModifierState = 0x08 // Mod1
	ModNumLock ModifierState = 0x10 // Mod2
	ModSuper   ModifierState = 0x40 // Mod4
	ModAltGr   ModifierState = 0x80 // Mod5
)

func (m ModifierState) Press(bit ModifierState) ModifierState   { return m | bit }
func (m ModifierState) Release(bit ModifierState) ModifierState { return m &^ bit }
func (m ModifierState) Has(bit ModifierState) bool              { return bit != 0 && m&bit == bit }

func (m ModifierState) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for _, e := range []struct {
		bit  ModifierState
		name string
	}{
		{ModShift, "Shift"},
		{ModLock, "Lock"},
		{ModControl, "Control"},
		{ModAlt, "Alt"},
		{ModNumLock, "NumLock"},
		{ModSuper, "Super"},
		{ModAltGr, "AltGr"},
	} {
		if m.Has(e.bit) {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "+")
}
