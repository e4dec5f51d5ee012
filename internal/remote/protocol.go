package remote

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Header: [object(8)] [length(4)] [opcode(4)] [seq(4)] = 20 bytes, little
// endian. length counts the whole message including the header.
const HeaderSize = 20

// MaxMessageSize bounds a single message; a keymap is the largest payload.
const MaxMessageSize = 1 << 20

// HandshakeObject is the well-known object every connection starts with.
const HandshakeObject uint64 = 0

// ProtocolVersion is the only version this client speaks.
const ProtocolVersion uint32 = 1

// Client-allocated object ids live above this base so they never collide
// with ids the server allocates.
const clientIDBase uint64 = 0xff00000000000000

// Context types sent in the handshake.
const ContextSender uint32 = 1

// Opcodes per interface. Requests go client to server, events server to
// client.
//
//	handshake   req:  version(u32) name(str) context_type(u32) finish()
//	            ev:   version(u32) connection(u64 id, u32 version)
//	connection  req:  sync(u64 callback) disconnect()
//	            ev:   disconnected(u32 reason, str explanation) seat(u64 id, u32 version)
//	callback    ev:   done(u32 seq)
//	seat        req:  bind(u64 capabilities)
//	            ev:   name(str) capability(u64 mask, str interface) done() device(u64 id, u32 version)
//	device      req:  start_emulating(u32 seq) stop_emulating() frame(u64 usec)
//	            ev:   name(str) interface(u64 id, str interface, u32 version)
//	                  region(u32 x, u32 y, u32 w, u32 h, f32 scale) done()
//	                  resumed(u32 serial) paused(u32 serial) destroyed(u32 serial)
//	pointer     req:  motion_relative(f32 dx, f32 dy)
//	pointer_absolute req: motion_absolute(f32 x, f32 y)
//	button      req:  button(u32 code, u32 state)
//	scroll      req:  scroll(f32 dx, f32 dy) scroll_discrete(i32 dx, i32 dy)
//	keyboard    req:  key(u32 code, u32 state) keymap(u32 type, blob)
//	            ev:   keymap(u32 type, blob)
const (
	HandshakeVersion     uint32 = 0
	HandshakeName        uint32 = 1
	HandshakeContextType uint32 = 2
	HandshakeFinish      uint32 = 3

	HandshakeEventVersion    uint32 = 0
	HandshakeEventConnection uint32 = 1

	ConnectionSync       uint32 = 0
	ConnectionDisconnect uint32 = 1

	ConnectionEventDisconnected uint32 = 0
	ConnectionEventSeat         uint32 = 1

	CallbackEventDone uint32 = 0

	SeatBind uint32 = 0

	SeatEventName       uint32 = 0
	SeatEventCapability uint32 = 1
	SeatEventDone       uint32 = 2
	SeatEventDevice     uint32 = 3

	DeviceStartEmulating uint32 = 0
	DeviceStopEmulating  uint32 = 1
	DeviceFrame          uint32 = 2

	DeviceEventName      uint32 = 0
	DeviceEventInterface uint32 = 1
	DeviceEventRegion    uint32 = 2
	DeviceEventDone      uint32 = 3
	DeviceEventResumed   uint32 = 4
	DeviceEventPaused    uint32 = 5
	DeviceEventDestroyed uint32 = 6

	PointerMotionRelative uint32 = 0
	PointerMotionAbsolute uint32 = 0
	ButtonButton          uint32 = 0
	ScrollScroll          uint32 = 0
	ScrollDiscrete        uint32 = 1
	KeyboardKey           uint32 = 0
	KeyboardKeymap        uint32 = 1

	KeyboardEventKeymap uint32 = 0
)

// Interface names announced by device.interface events.
const (
	InterfacePointer         = "pointer"
	InterfacePointerAbsolute = "pointer_absolute"
	InterfaceButton          = "button"
	InterfaceScroll          = "scroll"
	InterfaceKeyboard        = "keyboard"
	InterfaceTouch           = "touch"
)

// Capability bits used in seat.capability and seat.bind.
const (
	CapPointer uint64 = 1 << iota
	CapPointerAbsolute
	CapKeyboard
	CapTouch
	CapButton
	CapScroll
)

// KeymapTypeXKB marks an XKB text keymap blob.
const KeymapTypeXKB uint32 = 1

// Key and button states.
const (
	StateReleased uint32 = 0
	StatePressed  uint32 = 1
)

// Message is one frame on the wire.
type Message struct {
	Object uint64
	Opcode uint32
	Seq    uint32
	Body   []byte
}

// Encode serializes m including its header.
func (m *Message) Encode() []byte {
	buf := make([]byte, HeaderSize, HeaderSize+len(m.Body))
	binary.LittleEndian.PutUint64(buf[0:8], m.Object)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(HeaderSize+len(m.Body)))
	binary.LittleEndian.PutUint32(buf[12:16], m.Opcode)
	binary.LittleEndian.PutUint32(buf[16:20], m.Seq)
	return append(buf, m.Body...)
}

// ReadMessage reads exactly one message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(hdr[8:12])
	if length < HeaderSize || length > MaxMessageSize {
		return nil, &ProtocolError{Err: ErrMalformed, Detail: fmt.Sprintf("message length %d", length)}
	}
	m := &Message{
		Object: binary.LittleEndian.Uint64(hdr[0:8]),
		Opcode: binary.LittleEndian.Uint32(hdr[12:16]),
		Seq:    binary.LittleEndian.Uint32(hdr[16:20]),
		Body:   make([]byte, length-HeaderSize),
	}
	if _, err := io.ReadFull(r, m.Body); err != nil {
		return nil, err
	}
	return m, nil
}

// Encoder appends arguments to a message body.
type Encoder struct {
	buf []byte
}

func (e *Encoder) Uint32(v uint32) *Encoder {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
	return e
}

func (e *Encoder) Int32(v int32) *Encoder { return e.Uint32(uint32(v)) }

func (e *Encoder) Uint64(v uint64) *Encoder {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
	return e
}

func (e *Encoder) Float32(v float32) *Encoder { return e.Uint32(math.Float32bits(v)) }

// Bytes writes a length-prefixed blob padded to four bytes.
func (e *Encoder) Bytes(b []byte) *Encoder {
	e.Uint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
	for len(e.buf)%4 != 0 {
		e.buf = append(e.buf, 0)
	}
	return e
}

func (e *Encoder) String(s string) *Encoder { return e.Bytes([]byte(s)) }

func (e *Encoder) Body() []byte { return e.buf }

// Decoder reads arguments from a message body. The first failure sticks.
type Decoder struct {
	b   []byte
	err error
}

func NewDecoder(body []byte) *Decoder { return &Decoder{b: body} }

func (d *Decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if len(d.b) < n {
		d.err = &ProtocolError{Err: ErrMalformed, Detail: "truncated message"}
		return false
	}
	return true
}

func (d *Decoder) Uint32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.b)
	d.b = d.b[4:]
	return v
}

func (d *Decoder) Int32() int32 { return int32(d.Uint32()) }

func (d *Decoder) Uint64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.b)
	d.b = d.b[8:]
	return v
}

func (d *Decoder) Float32() float32 { return math.Float32frombits(d.Uint32()) }

func (d *Decoder) Bytes() []byte {
	n := int(d.Uint32())
	padded := (n + 3) &^ 3
	if n < 0 || !d.need(padded) {
		return nil
	}
	b := append([]byte(nil), d.b[:n]...)
	d.b = d.b[padded:]
	return b
}

func (d *Decoder) String() string { return string(d.Bytes()) }

// Err returns the first decoding failure.
func (d *Decoder) Err() error { return d.err }
