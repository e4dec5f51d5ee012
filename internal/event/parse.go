package event

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ParseKey accepts a special key name, a layout key name, or a single
// character.
func ParseKey(s string) (Key, error) {
	if k, err := Special(s); err == nil {
		return k, nil
	}
	if k, err := Layout(s); err == nil {
		return k, nil
	}
	if r, size := utf8.DecodeRuneInString(s); size == len(s) && r != utf8.RuneError {
		return Unicode(r), nil
	}
	return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
}

// ParseDirection accepts press, release and click. The empty string is a
// click.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "", "click":
		return Click, nil
	case "press", "down":
		return Press, nil
	case "release", "up":
		return Release, nil
	}
	return Click, fmt.Errorf("unknown direction %q", s)
}

// ParseButton accepts the button names String returns, in any case.
func ParseButton(s string) (Button, error) {
	for b, name := range buttonNames {
		if strings.EqualFold(name, s) {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown button %q", s)
}
