// Package event defines the canonical input model: keys, buttons,
// coordinates, directions and the actions built from them.
package event

import (
	"errors"
	"fmt"
	"strings"

	"keysynth/internal/keysym"
)

// ErrInvalidKey is returned when a layout or special key name is not part of
// the catalog.
var ErrInvalidKey = errors.New("invalid key")

// KeyKind tags the active variant of a Key.
type KeyKind uint8

const (
	KindUnicode KeyKind = iota
	KindLayout
	KindRaw
	KindSpecial
)

func (k KeyKind) String() string {
	switch k {
	case KindUnicode:
		return "Unicode"
	case KindLayout:
		return "Layout"
	case KindRaw:
		return "Raw"
	case KindSpecial:
		return "Special"
	}
	return fmt.Sprintf("KeyKind(%d)", uint8(k))
}

// Key is a closed tagged variant. Exactly one of the payload fields is
// meaningful, selected by kind. Keys are comparable and usable as map keys.
type Key struct {
	kind KeyKind
	r    rune
	name string
	code uint32
}

// Unicode returns the key that types r.
func Unicode(r rune) Key {
	return Key{kind: KindUnicode, r: r}
}

// Raw returns a key addressed by a platform keycode.
func Raw(code uint32) Key {
	return Key{kind: KindRaw, code: code}
}

// Layout returns the key at a physical position, such as "KeyA" or "Digit1".
func Layout(name string) (Key, error) {
	e, ok := layoutKeys[strings.ToUpper(name)]
	if !ok {
		return Key{}, fmt.Errorf("%w: layout key %q", ErrInvalidKey, name)
	}
	return Key{kind: KindLayout, name: e.name}, nil
}

// Special returns a named non-printable key, such as "Shift" or "F5".
func Special(name string) (Key, error) {
	e, ok := specialKeys[strings.ToUpper(name)]
	if !ok {
		return Key{}, fmt.Errorf("%w: special key %q", ErrInvalidKey, name)
	}
	return Key{kind: KindSpecial, name: e.name}, nil
}

// MustSpecial is Special for names known at compile time.
func MustSpecial(name string) Key {
	k, err := Special(name)
	if err != nil {
		panic(err)
	}
	return k
}

func (k Key) Kind() KeyKind { return k.kind }

// Rune returns the codepoint of a Unicode key.
func (k Key) Rune() rune { return k.r }

// Name returns the canonical catalog name of a Layout or Special key.
func (k Key) Name() string { return k.name }

// Code returns the keycode of a Raw key.
func (k Key) Code() uint32 { return k.code }

// Keysym converts the key to its symbol. Raw keys have no symbol.
func (k Key) Keysym() keysym.Keysym {
	switch k.kind {
	case KindUnicode:
		return keysym.FromRune(k.r)
	case KindLayout:
		return layoutKeys[strings.ToUpper(k.name)].sym
	case KindSpecial:
		return specialKeys[strings.ToUpper(k.name)].sym
	}
	return keysym.NoSymbol
}

// Modifier returns the modifier bit the key toggles, or zero.
func (k Key) Modifier() ModifierState {
	if k.kind != KindSpecial {
		return 0
	}
	return specialKeys[strings.ToUpper(k.name)].mod
}

// EvdevCode returns the Linux input event code of a Layout key.
func (k Key) EvdevCode() (uint32, bool) {
	if k.kind != KindLayout {
		return 0, false
	}
	return layoutKeys[strings.ToUpper(k.name)].evdev, true
}

func (k Key) String() string {
	switch k.kind {
	case KindUnicode:
		return fmt.Sprintf("Unicode(%q)", k.r)
	case KindRaw:
		return fmt.Sprintf("Raw(%d)", k.code)
	}
	return fmt.Sprintf("%s(%s)", k.kind, k.name)
}

// IsSpecialName reports whether name is in the special key catalog.
func IsSpecialName(name string) bool {
	_, ok := specialKeys[strings.ToUpper(name)]
	return ok
}

// IsLayoutName reports whether name is in the layout key catalog.
func IsLayoutName(name string) bool {
	_, ok := layoutKeys[strings.ToUpper(name)]
	return ok
}
