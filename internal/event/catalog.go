package event

import (
	"fmt"
	"sort"
	"strings"

	"keysynth/internal/keysym"
)

type specialEntry struct {
	name string
	sym  keysym.Keysym
	mod  ModifierState
}

type layoutEntry struct {
	name  string
	evdev uint32
	sym   keysym.Keysym
}

// specialKeys is indexed by the upper-cased name; aliases share the canonical
// name of their first spelling.
var specialKeys = map[string]specialEntry{}

// layoutKeys is indexed by the upper-cased physical position name.
var layoutKeys = map[string]layoutEntry{}

func special(sym keysym.Keysym, mod ModifierState, names ...string) {
	e := specialEntry{name: names[0], sym: sym, mod: mod}
	for _, n := range names {
		specialKeys[strings.ToUpper(n)] = e
	}
}

func layout(name string, evdev uint32, r rune) {
	layoutKeys[strings.ToUpper(name)] = layoutEntry{name: name, evdev: evdev, sym: keysym.FromRune(r)}
}

func init() {
	special(keysym.ShiftL, ModShift, "Shift", "LShift")
	special(keysym.ShiftR, ModShift, "RShift")
	special(keysym.ControlL, ModControl, "Control", "Ctrl", "LControl", "LCtrl")
	special(keysym.ControlR, ModControl, "RControl", "RCtrl")
	special(keysym.AltL, ModAlt, "Alt", "LAlt", "Option")
	special(keysym.AltR, ModAlt, "RAlt")
	special(keysym.ISOLevel3Shift, ModAltGr, "AltGr")
	special(keysym.SuperL, ModSuper, "Super", "Meta", "Win", "Windows", "Command", "Cmd", "LSuper")
	special(keysym.SuperR, ModSuper, "RSuper")
	special(keysym.CapsLock, ModLock, "CapsLock")
	special(keysym.NumLock, ModNumLock, "NumLock")
	special(keysym.ShiftLock, 0, "ShiftLock")

	special(keysym.Return, 0, "Enter", "Return")
	special(keysym.Tab, 0, "Tab")
	special(keysym.Space, 0, "Space")
	special(keysym.BackSpace, 0, "Backspace", "BS")
	special(keysym.Delete, 0, "Delete", "Del")
	special(keysym.Escape, 0, "Escape", "Esc")
	special(keysym.Home, 0, "Home")
	special(keysym.End, 0, "End")
	special(keysym.PageUp, 0, "PageUp", "PgUp")
	special(keysym.PageDown, 0, "PageDown", "PgDn")
	special(keysym.Up, 0, "Up", "UpArrow")
	special(keysym.Down, 0, "Down", "DownArrow")
	special(keysym.Left, 0, "Left", "LeftArrow")
	special(keysym.Right, 0, "Right", "RightArrow")
	special(keysym.Insert, 0, "Insert", "Ins")
	special(keysym.Print, 0, "Print", "PrintScreen", "PrtSc")
	special(keysym.Pause, 0, "Pause")
	special(keysym.Break, 0, "Break")
	special(keysym.ScrollLock, 0, "ScrollLock")
	special(keysym.Menu, 0, "Menu", "LMenu")
	special(keysym.Help, 0, "Help")
	special(keysym.Find, 0, "Find")
	special(keysym.Undo, 0, "Undo")
	special(keysym.Redo, 0, "Redo")
	special(keysym.Cancel, 0, "Cancel")
	special(keysym.Select, 0, "Select")
	special(keysym.Execute, 0, "Execute")
	special(keysym.Clear, 0, "Clear")
	special(keysym.Begin, 0, "Begin")
	special(keysym.Linefeed, 0, "Linefeed")
	special(keysym.SysReq, 0, "SysReq")
	special(keysym.ModeSwitch, 0, "ModeChange", "ScriptSwitch")
	special(keysym.Kanji, 0, "Kanji")
	special(keysym.Hangul, 0, "Hangul")
	special(keysym.HangulHanja, 0, "Hanja")
	special(keysym.KPEnter, 0, "NumpadEnter")
	special(keysym.AudioRaiseVol, 0, "VolumeUp")
	special(keysym.AudioLowerVol, 0, "VolumeDown")
	special(keysym.AudioMute, 0, "VolumeMute")
	special(keysym.AudioPlay, 0, "MediaPlayPause")
	special(keysym.AudioStop, 0, "MediaStop")
	special(keysym.AudioPrev, 0, "MediaPrevTrack")
	special(keysym.AudioNext, 0, "MediaNextTrack")
	special(keysym.MonBrightnessUp, 0, "BrightnessUp")
	special(keysym.MonBrightnessDn, 0, "BrightnessDown")
	for n := 1; n <= 35; n++ {
		special(keysym.F(n), 0, fmt.Sprintf("F%d", n))
	}

	letters := "abcdefghijklmnopqrstuvwxyz"
	letterCodes := []uint32{
		30, 48, 46, 32, 18, 33, 34, 35, 23, 36,
		37, 38, 50, 49, 24, 25, 16, 19, 31, 20,
		22, 47, 17, 45, 21, 44,
	}
	for i, r := range letters {
		layout(fmt.Sprintf("Key%c", r-'a'+'A'), letterCodes[i], r)
	}
	for d := 1; d <= 9; d++ {
		layout(fmt.Sprintf("Digit%d", d), uint32(d+1), rune('0'+d))
	}
	layout("Digit0", 11, '0')
	layout("Minus", 12, '-')
	layout("Equal", 13, '=')
	layout("BracketLeft", 26, '[')
	layout("BracketRight", 27, ']')
	layout("Semicolon", 39, ';')
	layout("Quote", 40, '\'')
	layout("Backquote", 41, '`')
	layout("Backslash", 43, '\\')
	layout("Comma", 51, ',')
	layout("Period", 52, '.')
	layout("Slash", 53, '/')
	layout("IntlBackslash", 86, '<')
}

// SpecialNames lists the canonical special key names in sorted order.
func SpecialNames() []string {
	return canonical(func(yield func(string)) {
		for _, e := range specialKeys {
			yield(e.name)
		}
	})
}

// LayoutNames lists the layout key names in sorted order.
func LayoutNames() []string {
	return canonical(func(yield func(string)) {
		for _, e := range layoutKeys {
			yield(e.name)
		}
	})
}

func canonical(each func(yield func(string))) []string {
	seen := make(map[string]bool)
	var out []string
	each(func(n string) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	})
	sort.Strings(out)
	return out
}
