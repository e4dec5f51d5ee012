package xkb

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"keysynth/internal/keysym"
	"keysynth/internal/resolver"
)

func TestResolveAssignsInOrder(t *testing.T) {
	s := New()
	for i, r := range []rune{'a', '€', 'a'} {
		kc, added, err := s.Resolve(keysym.FromRune(r))
		if err != nil {
			t.Fatal(err)
		}
		switch i {
		case 0:
			if kc != 8 || !added {
				t.Errorf("Expected keycode 8 added, got %d %v", kc, added)
			}
		case 1:
			if kc != 9 || !added {
				t.Errorf("Expected keycode 9 added, got %d %v", kc, added)
			}
		case 2:
			if kc != 8 || added {
				t.Errorf("Expected existing keycode 8, got %d %v", kc, added)
			}
		}
	}
	if s.Generation() != 2 {
		t.Errorf("Expected generation 2, got %d", s.Generation())
	}
}

func TestKeymapText(t *testing.T) {
	s := New()
	s.Resolve(keysym.FromRune('€'))
	s.Resolve(keysym.ShiftL)
	s.Resolve(keysym.Return)

	km := s.Keymap()
	if km[len(km)-1] != 0 {
		t.Fatal("keymap must be NUL terminated")
	}
	if bytes.IndexByte(km[:len(km)-1], 0) >= 0 {
		t.Fatal("keymap must contain a single NUL")
	}
	text := string(km)
	for _, want := range []string{
		"xkb_keymap {",
		"<I255> = 255;",
		"key <I8> { [ U20AC ] };",
		"key <I9> { [ Shift_L ] };",
		"key <I10> { [ Return ] };",
		"modifier_map Shift { <I9> };",
		"include \"complete\"",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("keymap missing %q", want)
		}
	}
}

func TestKeymapMonotonic(t *testing.T) {
	s := New()
	var prev []string
	for _, r := range "hello wörld ☺" {
		s.Resolve(keysym.FromRune(r))
		lines := symbolLines(string(s.Keymap()))
		for _, l := range prev {
			if !containsLine(lines, l) {
				t.Fatalf("line %q dropped after adding %q", l, r)
			}
		}
		prev = lines
	}
}

func symbolLines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if strings.HasPrefix(l, "key <") {
			out = append(out, l)
		}
	}
	return out
}

func containsLine(lines []string, l string) bool {
	for _, x := range lines {
		if x == l {
			return true
		}
	}
	return false
}

func TestExhaustion(t *testing.T) {
	s := New()
	for i := 0; i <= MaxKeycode-MinKeycode; i++ {
		if _, _, err := s.Resolve(keysym.Keysym(0x01000100 + i)); err != nil {
			t.Fatalf("symbol %d: %v", i, err)
		}
	}
	gen := s.Generation()
	if _, _, err := s.Resolve(keysym.FromRune('☺')); !errors.Is(err, resolver.ErrNoFreeKeycode) {
		t.Errorf("Expected ErrNoFreeKeycode, got %v", err)
	}
	if s.Generation() != gen {
		t.Error("a failed resolve must not change the keymap")
	}
	if kc, _, err := s.Resolve(keysym.Keysym(0x01000100)); err != nil || kc != MinKeycode {
		t.Errorf("existing symbols must still resolve, got %d, %v", kc, err)
	}
}
