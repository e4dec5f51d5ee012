// Package wayland drives wlroots compositors through the virtual keyboard
// and virtual pointer protocols, speaking the Wayland wire format directly.
package wayland

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var ErrShortMessage = errors.New("wayland: short message")

const headerSize = 8

// request builds one outgoing message. File descriptors travel out of band.
type request struct {
	buf []byte
	fds []int
}

func newRequest(object uint32, opcode uint16) *request {
	r := &request{buf: make([]byte, headerSize, 64)}
	binary.NativeEndian.PutUint32(r.buf[0:], object)
	binary.NativeEndian.PutUint16(r.buf[4:], opcode)
	return r
}

func (r *request) uint(v uint32) *request {
	r.buf = binary.NativeEndian.AppendUint32(r.buf, v)
	return r
}

func (r *request) int(v int32) *request {
	return r.uint(uint32(v))
}

// fixed appends a 24.8 signed fixed point number.
func (r *request) fixed(v float64) *request {
	return r.int(int32(math.Round(v * 256)))
}

func (r *request) string(s string) *request {
	r.uint(uint32(len(s) + 1))
	r.buf = append(r.buf, s...)
	r.buf = append(r.buf, 0)
	for len(r.buf)%4 != 0 {
		r.buf = append(r.buf, 0)
	}
	return r
}

func (r *request) fd(fd int) *request {
	r.fds = append(r.fds, fd)
	return r
}

// bytes finalizes the size field.
func (r *request) bytes() []byte {
	binary.NativeEndian.PutUint16(r.buf[6:], uint16(len(r.buf)))
	return r.buf
}

type header struct {
	object uint32
	opcode uint16
	size   uint16
}

func parseHeader(b []byte) (header, error) {
	if len(b) < headerSize {
		return header{}, ErrShortMessage
	}
	h := header{
		object: binary.NativeEndian.Uint32(b[0:]),
		opcode: binary.NativeEndian.Uint16(b[4:]),
		size:   binary.NativeEndian.Uint16(b[6:]),
	}
	if h.size < headerSize || h.size%4 != 0 {
		return header{}, fmt.Errorf("wayland: bad message size %d", h.size)
	}
	return h, nil
}

// args reads event arguments. The first failure sticks in err.
type args struct {
	b   []byte
	err error
}

func (a *args) uint() uint32 {
	if a.err != nil {
		return 0
	}
	if len(a.b) < 4 {
		a.err = ErrShortMessage
		return 0
	}
	v := binary.NativeEndian.Uint32(a.b)
	a.b = a.b[4:]
	return v
}

func (a *args) int() int32 {
	return int32(a.uint())
}

func (a *args) string() string {
	n := int(a.uint())
	if a.err != nil || n == 0 {
		return ""
	}
	padded := (n + 3) &^ 3
	if len(a.b) < padded {
		a.err = ErrShortMessage
		return ""
	}
	s := string(a.b[:n-1])
	a.b = a.b[padded:]
	return s
}
