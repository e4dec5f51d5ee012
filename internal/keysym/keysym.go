// Package keysym holds X keysym values and the conversions between runes,
// keysyms and the symbolic names used in XKB keymap text.
package keysym

import "fmt"

// Keysym is a layout-independent symbol identifier as defined by the X
// protocol and shared by XKB.
type Keysym uint32

// NoSymbol marks an unused keycode level.
const NoSymbol Keysym = 0

// unicodeOffset is added to a codepoint outside Latin-1 to form its keysym.
const unicodeOffset = 0x01000000

// Function and modifier keysyms (X11/keysymdef.h).
const (
	BackSpace       Keysym = 0xff08
	Tab             Keysym = 0xff09
	Linefeed        Keysym = 0xff0a
	Clear           Keysym = 0xff0b
	Return          Keysym = 0xff0d
	Pause           Keysym = 0xff13
	ScrollLock      Keysym = 0xff14
	SysReq          Keysym = 0xff15
	Escape          Keysym = 0xff1b
	Kanji           Keysym = 0xff21
	Hangul          Keysym = 0xff31
	HangulHanja     Keysym = 0xff34
	Home            Keysym = 0xff50
	Left            Keysym = 0xff51
	Up              Keysym = 0xff52
	Right           Keysym = 0xff53
	Down            Keysym = 0xff54
	PageUp          Keysym = 0xff55
	PageDown        Keysym = 0xff56
	End             Keysym = 0xff57
	Begin           Keysym = 0xff58
	Select          Keysym = 0xff60
	Print           Keysym = 0xff61
	Execute         Keysym = 0xff62
	Insert          Keysym = 0xff63
	Undo            Keysym = 0xff65
	Redo            Keysym = 0xff66
	Menu            Keysym = 0xff67
	Find            Keysym = 0xff68
	Cancel          Keysym = 0xff69
	Help            Keysym = 0xff6a
	Break           Keysym = 0xff6b
	ModeSwitch      Keysym = 0xff7e
	NumLock         Keysym = 0xff7f
	KPEnter         Keysym = 0xff8d
	F1              Keysym = 0xffbe
	F35             Keysym = 0xffe0
	ShiftL          Keysym = 0xffe1
	ShiftR          Keysym = 0xffe2
	ControlL        Keysym = 0xffe3
	ControlR        Keysym = 0xffe4
	CapsLock        Keysym = 0xffe5
	ShiftLock       Keysym = 0xffe6
	MetaL           Keysym = 0xffe7
	MetaR           Keysym = 0xffe8
	AltL            Keysym = 0xffe9
	AltR            Keysym = 0xffea
	SuperL          Keysym = 0xffeb
	SuperR          Keysym = 0xffec
	ISOLevel3Shift  Keysym = 0xfe03
	Delete          Keysym = 0xffff
	Space           Keysym = 0x0020
	AudioLowerVol   Keysym = 0x1008ff11
	AudioMute       Keysym = 0x1008ff12
	AudioRaiseVol   Keysym = 0x1008ff13
	AudioPlay       Keysym = 0x1008ff14
	AudioStop       Keysym = 0x1008ff15
	AudioPrev       Keysym = 0x1008ff16
	AudioNext       Keysym = 0x1008ff17
	MonBrightnessUp Keysym = 0x1008ff02
	MonBrightnessDn Keysym = 0x1008ff03
)

// F returns the keysym of function key n (1..35).
func F(n int) Keysym {
	if n < 1 || n > 35 {
		return NoSymbol
	}
	return F1 + Keysym(n-1)
}

// FromRune converts a codepoint to its keysym. Control characters with a
// keyboard meaning map to their function keysym; other control characters
// have no keysym.
func FromRune(r rune) Keysym {
	switch r {
	case '\n', '\r':
		return Return
	case '\t':
		return Tab
	case '\b':
		return BackSpace
	case 0x1b:
		return Escape
	case 0x7f:
		return Delete
	}
	switch {
	case r < 0x20, r >= 0x80 && r < 0xa0:
		return NoSymbol
	case r < 0x100:
		return Keysym(r)
	case r > 0x10ffff:
		return NoSymbol
	}
	return Keysym(r) | unicodeOffset
}

// Rune is the inverse of FromRune for printable keysyms. ok is false when the
// keysym does not stand for a single character.
func (k Keysym) Rune() (rune, bool) {
	switch {
	case k >= 0x20 && k < 0x7f, k >= 0xa0 && k < 0x100:
		return rune(k), true
	case k&0xff000000 == unicodeOffset:
		r := rune(k &^ unicodeOffset)
		if r >= 0x100 && r <= 0x10ffff {
			return r, true
		}
	}
	return 0, false
}

// Name returns the name XKB uses for the keysym in a symbols section.
// Printable characters are written in the U+hex form libxkbcommon accepts for
// any codepoint; everything else falls back to the numeric form.
func (k Keysym) Name() string {
	if n, ok := names[k]; ok {
		return n
	}
	if k >= F1 && k <= F35 {
		return fmt.Sprintf("F%d", k-F1+1)
	}
	if r, ok := k.Rune(); ok {
		return fmt.Sprintf("U%04X", r)
	}
	return fmt.Sprintf("0x%08x", uint32(k))
}

func (k Keysym) String() string {
	return k.Name()
}

var names = map[Keysym]string{
	NoSymbol:        "NoSymbol",
	BackSpace:       "BackSpace",
	Tab:             "Tab",
	Linefeed:        "Linefeed",
	Clear:           "Clear",
	Return:          "Return",
	Pause:           "Pause",
	ScrollLock:      "Scroll_Lock",
	SysReq:          "Sys_Req",
	Escape:          "Escape",
	Kanji:           "Kanji",
	Hangul:          "Hangul",
	HangulHanja:     "Hangul_Hanja",
	Home:            "Home",
	Left:            "Left",
	Up:              "Up",
	Right:           "Right",
	Down:            "Down",
	PageUp:          "Prior",
	PageDown:        "Next",
	End:             "End",
	Begin:           "Begin",
	Select:          "Select",
	Print:           "Print",
	Execute:         "Execute",
	Insert:          "Insert",
	Undo:            "Undo",
	Redo:            "Redo",
	Menu:            "Menu",
	Find:            "Find",
	Cancel:          "Cancel",
	Help:            "Help",
	Break:           "Break",
	ModeSwitch:      "Mode_switch",
	NumLock:         "Num_Lock",
	KPEnter:         "KP_Enter",
	ShiftL:          "Shift_L",
	ShiftR:          "Shift_R",
	ControlL:        "Control_L",
	ControlR:        "Control_R",
	CapsLock:        "Caps_Lock",
	ShiftLock:       "Shift_Lock",
	MetaL:           "Meta_L",
	MetaR:           "Meta_R",
	AltL:            "Alt_L",
	AltR:            "Alt_R",
	SuperL:          "Super_L",
	SuperR:          "Super_R",
	ISOLevel3Shift:  "ISO_Level3_Shift",
	Delete:          "Delete",
	Space:           "space",
	AudioLowerVol:   "XF86AudioLowerVolume",
	AudioMute:       "XF86AudioMute",
	AudioRaiseVol:   "XF86AudioRaiseVolume",
	AudioPlay:       "XF86AudioPlay",
	AudioStop:       "XF86AudioStop",
	AudioPrev:       "XF86AudioPrev",
	AudioNext:       "XF86AudioNext",
	MonBrightnessUp: "XF86MonBrightnessUp",
	MonBrightnessDn: "XF86MonBrightnessDown",
}
