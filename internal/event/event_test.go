package event

import (
	"errors"
	"testing"

	"keysynth/internal/keysym"
)

func TestSpecialCatalog(t *testing.T) {
	tests := []struct {
		name string
		want string
		sym  keysym.Keysym
		mod  ModifierState
	}{
		{"shift", "Shift", keysym.ShiftL, ModShift},
		{"CTRL", "Control", keysym.ControlL, ModControl},
		{"Enter", "Enter", keysym.Return, 0},
		{"return", "Enter", keysym.Return, 0},
		{"f5", "F5", keysym.F(5), 0},
		{"AltGr", "AltGr", keysym.ISOLevel3Shift, ModAltGr},
		{"win", "Super", keysym.SuperL, ModSuper},
	}

	for _, tt := range tests {
		k, err := Special(tt.name)
		if err != nil {
			t.Fatalf("Special(%q): %v", tt.name, err)
		}
		if k.Kind() != KindSpecial {
			t.Errorf("Special(%q).Kind() = %v", tt.name, k.Kind())
		}
		if k.Name() != tt.want {
			t.Errorf("Special(%q).Name() = %q, want %q", tt.name, k.Name(), tt.want)
		}
		if k.Keysym() != tt.sym {
			t.Errorf("Special(%q).Keysym() = %v, want %v", tt.name, k.Keysym(), tt.sym)
		}
		if k.Modifier() != tt.mod {
			t.Errorf("Special(%q).Modifier() = %v, want %v", tt.name, k.Modifier(), tt.mod)
		}
	}
}

func TestUnknownNames(t *testing.T) {
	if _, err := Special("FOOBAR"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Special(FOOBAR) error = %v, want ErrInvalidKey", err)
	}
	if _, err := Layout("KeyAA"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Layout(KeyAA) error = %v, want ErrInvalidKey", err)
	}
	if _, err := Layout("Shift"); !errors.Is(err, ErrInvalidKey) {
		t.Error("special names must not be accepted as layout keys")
	}
}

func TestLayoutCatalog(t *testing.T) {
	k, err := Layout("keyq")
	if err != nil {
		t.Fatal(err)
	}
	if k.Name() != "KeyQ" {
		t.Errorf("Expected canonical name KeyQ, got %q", k.Name())
	}
	if code, ok := k.EvdevCode(); !ok || code != 16 {
		t.Errorf("Expected evdev code 16, got %d (%v)", code, ok)
	}
	if k.Keysym() != keysym.FromRune('q') {
		t.Errorf("Expected keysym q, got %v", k.Keysym())
	}

	d, _ := Layout("Digit0")
	if code, _ := d.EvdevCode(); code != 11 {
		t.Errorf("Expected Digit0 evdev code 11, got %d", code)
	}
	if len(LayoutNames()) != 26+10+12 {
		t.Errorf("Expected 48 layout keys, got %d", len(LayoutNames()))
	}
}

func TestKeyEquality(t *testing.T) {
	a, _ := Special("shift")
	b, _ := Special("LShift")
	if a != b {
		t.Errorf("aliases should produce equal keys: %v != %v", a, b)
	}
	if Unicode('a') == Raw('a') {
		t.Error("keys with different tags must differ")
	}
	if Raw(38).Keysym() != keysym.NoSymbol {
		t.Error("raw keys have no keysym")
	}
}

func TestModifierState(t *testing.T) {
	var m ModifierState
	m = m.Press(ModShift).Press(ModControl)
	if !m.Has(ModShift) || !m.Has(ModControl) || m.Has(ModAlt) {
		t.Errorf("unexpected state %v", m)
	}
	m = m.Release(ModShift)
	if m.Has(ModShift) {
		t.Error("shift should be released")
	}
	if m.String() != "Control" {
		t.Errorf("Expected Control, got %q", m.String())
	}
}

func TestButtons(t *testing.T) {
	if Left.XButton() != 1 || Right.XButton() != 3 || ScrollDown.XButton() != 5 || Forward.XButton() != 9 {
		t.Error("X button numbers out of order")
	}
	if code, ok := Back.EvdevCode(); !ok || code != BtnBack {
		t.Errorf("Back evdev code = %#x", code)
	}
	if _, ok := ScrollUp.EvdevCode(); ok {
		t.Error("scroll buttons have no evdev code")
	}
	if !ScrollLeft.IsScroll() || Left.IsScroll() {
		t.Error("IsScroll mismatch")
	}
	if Button(0).Valid() || Button(10).Valid() {
		t.Error("out of range buttons should be invalid")
	}
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		in   string
		want Key
	}{
		{"shift", MustSpecial("Shift")},
		{"F5", MustSpecial("F5")},
		{"a", Unicode('a')},
		{"€", Unicode('€')},
	}
	for _, tt := range tests {
		got, err := ParseKey(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseKey(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if k, err := ParseKey("keya"); err != nil || k.Kind() != KindLayout || k.Name() != "KeyA" {
		t.Errorf("Expected layout KeyA, got %v %v", k, err)
	}
	for _, bad := range []string{"", "ab", "NotAKey"} {
		if _, err := ParseKey(bad); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ParseKey(%q): expected ErrInvalidKey, got %v", bad, err)
		}
	}
}

func TestParseDirectionAndButton(t *testing.T) {
	if d, err := ParseDirection(""); err != nil || d != Click {
		t.Errorf("Expected Click, got %v %v", d, err)
	}
	if d, err := ParseDirection("Press"); err != nil || d != Press {
		t.Errorf("Expected Press, got %v %v", d, err)
	}
	if _, err := ParseDirection("hold"); err == nil {
		t.Error("Expected an error for an unknown direction")
	}
	if b, err := ParseButton("scrollup"); err != nil || b != ScrollUp {
		t.Errorf("Expected ScrollUp, got %v %v", b, err)
	}
	if _, err := ParseButton("thumb"); err == nil {
		t.Error("Expected an error for an unknown button")
	}
}
