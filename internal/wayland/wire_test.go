package wayland

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestRequestEncoding(t *testing.T) {
	b := newRequest(7, 3).uint(42).string("wl_seat").fixed(-1.5).bytes()

	// header + uint + (len + "wl_seat\0") + fixed
	if len(b) != 8+4+4+8+4 {
		t.Fatalf("Expected 28 bytes, got %d", len(b))
	}
	h, err := parseHeader(b)
	if err != nil {
		t.Fatal(err)
	}
	if h.object != 7 || h.opcode != 3 || int(h.size) != len(b) {
		t.Errorf("unexpected header %+v", h)
	}

	a := &args{b: b[headerSize:]}
	if v := a.uint(); v != 42 {
		t.Errorf("Expected 42, got %d", v)
	}
	if s := a.string(); s != "wl_seat" {
		t.Errorf("Expected wl_seat, got %q", s)
	}
	if v := a.int(); v != -384 {
		t.Errorf("Expected fixed -1.5 as -384, got %d", v)
	}
	if a.err != nil {
		t.Fatal(a.err)
	}
	a.uint()
	if !errors.Is(a.err, ErrShortMessage) {
		t.Errorf("Expected ErrShortMessage, got %v", a.err)
	}
}

func TestStringPadding(t *testing.T) {
	for _, s := range []string{"", "abc", "abcd"} {
		b := newRequest(1, 0).string(s).bytes()
		if len(b)%4 != 0 {
			t.Errorf("string %q not padded: %d bytes", s, len(b))
		}
		if n := binary.NativeEndian.Uint32(b[8:]); int(n) != len(s)+1 {
			t.Errorf("string %q length field %d", s, n)
		}
	}
}

func TestParseHeaderRejectsBadSize(t *testing.T) {
	b := newRequest(1, 0).bytes()
	binary.NativeEndian.PutUint16(b[6:], 6)
	if _, err := parseHeader(b); err == nil {
		t.Error("Expected an error for a size below the header size")
	}
	if _, err := parseHeader(b[:4]); !errors.Is(err, ErrShortMessage) {
		t.Errorf("Expected ErrShortMessage, got %v", err)
	}
}
