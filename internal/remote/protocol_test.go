package remote

import (
	"bytes"
	"errors"
	"testing"
)

func TestMessageLayout(t *testing.T) {
	m := Message{Object: 0x0102, Opcode: 3, Seq: 7, Body: new(Encoder).String("ab").Body()}
	got := m.Encode()
	want := []byte{
		0x02, 0x01, 0, 0, 0, 0, 0, 0, // object
		28, 0, 0, 0, // length
		3, 0, 0, 0, // opcode
		7, 0, 0, 0, // seq
		2, 0, 0, 0, 'a', 'b', 0, 0, // padded string
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Expected % x, got % x", want, got)
	}

	back, err := ReadMessage(bytes.NewReader(got))
	if err != nil {
		t.Fatal(err)
	}
	if back.Object != m.Object || back.Opcode != 3 || back.Seq != 7 {
		t.Errorf("Expected header to survive, got %+v", back)
	}
	if s := NewDecoder(back.Body).String(); s != "ab" {
		t.Errorf("Expected ab, got %q", s)
	}
}

func TestReadMessageBadLength(t *testing.T) {
	for _, length := range []byte{0, HeaderSize - 1} {
		hdr := make([]byte, HeaderSize)
		hdr[8] = length
		_, err := ReadMessage(bytes.NewReader(hdr))
		var pe *ProtocolError
		if !errors.As(err, &pe) || !errors.Is(err, ErrMalformed) {
			t.Errorf("length %d: expected malformed protocol error, got %v", length, err)
		}
	}
}

func TestDecoderTruncated(t *testing.T) {
	d := NewDecoder([]byte{1, 0, 0, 0, 9, 0, 0, 0, 'x'})
	if v := d.Uint32(); v != 1 {
		t.Errorf("Expected 1, got %d", v)
	}
	if s := d.String(); s != "" {
		t.Errorf("Expected empty string on truncation, got %q", s)
	}
	if !errors.Is(d.Err(), ErrMalformed) {
		t.Errorf("Expected ErrMalformed, got %v", d.Err())
	}
	// the first failure sticks
	d.Uint64()
	if !errors.Is(d.Err(), ErrMalformed) {
		t.Errorf("Expected sticky error, got %v", d.Err())
	}
}
