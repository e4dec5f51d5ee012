// Package remote drives a privileged input emulation service over a
// permission-scoped connection obtained from a desktop broker.
//
// A Session moves through Unconnected, AwaitingPermission, ConnectedNoDevice
// and Connected. Input calls need Connected and fail with ErrNotReady before
// it. Once torn down, by Close, by the broker, or by a transport or protocol
// error, the session is Closed for good and every call fails with
// ErrSessionClosed.
//
// A background goroutine reads server messages; it and the callers share a
// single mutex over the state, the device table and the pending
// acknowledgments. Every input call ends with a connection sync and blocks
// until the matching callback arrives or its context ends.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"
)

type State int

const (
	Unconnected State = iota
	AwaitingPermission
	ConnectedNoDevice
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "Unconnected"
	case AwaitingPermission:
		return "AwaitingPermission"
	case ConnectedNoDevice:
		return "ConnectedNoDevice"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Region is the part of the desktop an absolute pointer device covers.
type Region struct {
	X, Y          uint32
	Width, Height uint32
	Scale         float32
}

// wantedCaps is what this client binds when the seat offers it.
const wantedCaps = CapPointer | CapPointerAbsolute | CapKeyboard | CapButton | CapScroll

type objectKind int

const (
	kindHandshake objectKind = iota
	kindConnection
	kindSeat
	kindDevice
	kindCallback
	kindInterface
)

type object struct {
	kind   objectKind
	iface  string
	device *device
}

type device struct {
	id         uint64
	name       string
	interfaces map[string]uint64
	regions    []Region
	done       bool
	resumed    bool
	emulating  bool
}

type pendingAck struct {
	seq  uint32
	done chan error
}

// link is one transport. Goroutines started for a link stop acting once the
// session has moved on to another link or none.
type link struct {
	conn net.Conn
	stop chan struct{}
}

type Session struct {
	broker Broker
	name   string
	start  time.Time

	mu         sync.Mutex
	state      State
	cause      error
	link       *link
	token      string
	seq        uint32
	nextID     uint64
	objects    map[uint64]*object
	connection uint64
	seatCaps   uint64
	devices    map[uint64]*device
	pending    map[uint64]*pendingAck
	keymap     []byte

	ready     chan struct{}
	readyShut bool
	closed    chan struct{}

	// cancelWait aborts a permission request that is still pending
	cancelWait context.CancelFunc
}

// NewSession returns an Unconnected session that will ask broker for access
// and introduce itself to the server as name.
func NewSession(broker Broker, name string) *Session {
	s := &Session{
		broker: broker,
		name:   name,
		start:  time.Now(),
		closed: make(chan struct{}),
	}
	s.resetLocked()
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Token returns the restore token of the last grant.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// ServerKeymap returns the keymap the server announced for its keyboard, if
// any.
func (s *Session) ServerKeymap() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keymap
}

// Establish asks the broker for access and waits until the server offers a
// usable device. When ctx ends first the outstanding work is cancelled, the
// session returns to Unconnected and ErrTimeout is reported.
func (s *Session) Establish(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Closed:
		s.mu.Unlock()
		return s.closedErr()
	case Connected:
		s.mu.Unlock()
		return nil
	case AwaitingPermission, ConnectedNoDevice:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("remote: establish while %v", st)
	}
	s.state = AwaitingPermission
	wctx, cancel := context.WithCancel(ctx)
	s.cancelWait = cancel
	s.mu.Unlock()
	log.Println("Remote: requesting access from broker")

	grant, err := s.broker.Start(wctx)
	s.mu.Lock()
	s.cancelWait = nil
	closed := s.state == Closed
	s.mu.Unlock()
	cancel()
	if err != nil {
		if closed {
			return s.closedErr()
		}
		s.reset(nil)
		if errors.Is(err, ErrPermissionDenied) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: waiting for permission: %w", ErrTimeout, ctx.Err())
		}
		return err
	}

	s.mu.Lock()
	if s.state != AwaitingPermission {
		s.mu.Unlock()
		grant.Conn.Close()
		return s.closedErr()
	}
	l := &link{conn: grant.Conn, stop: make(chan struct{})}
	s.link = l
	s.token = grant.Token
	s.state = ConnectedNoDevice
	ready := s.ready
	go s.receive(l)
	if grant.Revoked != nil {
		go s.watch(l, grant.Revoked)
	}
	err = s.handshakeLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	log.Println("Remote: connected, waiting for devices")

	select {
	case <-ready:
		log.Println("Remote: device ready")
		return nil
	case <-s.closed:
		return s.closedErr()
	case <-ctx.Done():
		s.reset(l)
		return fmt.Errorf("%w: waiting for devices: %w", ErrTimeout, ctx.Err())
	}
}

func (s *Session) handshakeLocked(ctx context.Context) error {
	s.objects[HandshakeObject] = &object{kind: kindHandshake}
	steps := []struct {
		op   uint32
		body []byte
	}{
		{HandshakeVersion, new(Encoder).Uint32(ProtocolVersion).Body()},
		{HandshakeName, new(Encoder).String(s.name).Body()},
		{HandshakeContextType, new(Encoder).Uint32(ContextSender).Body()},
		{HandshakeFinish, nil},
	}
	for _, st := range steps {
		if _, err := s.writeLocked(ctx, HandshakeObject, st.op, st.body); err != nil {
			return err
		}
	}
	return nil
}

// reset returns to Unconnected after a failed or abandoned Establish. l is
// the link to drop, if one was set up.
func (s *Session) reset(l *link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed || s.link != l {
		return
	}
	if l != nil {
		close(l.stop)
		l.conn.Close()
	}
	s.resetLocked()
}

func (s *Session) resetLocked() {
	s.state = Unconnected
	s.link = nil
	s.nextID = clientIDBase
	s.objects = make(map[uint64]*object)
	s.devices = make(map[uint64]*device)
	s.pending = make(map[uint64]*pendingAck)
	s.seatCaps = 0
	s.connection = 0
	s.ready = make(chan struct{})
	s.readyShut = false
}

// Close disconnects and tears the session down. It is safe to call more
// than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return nil
	}
	if s.link != nil && s.connection != 0 {
		s.writeLocked(context.Background(), s.connection, ConnectionDisconnect, nil)
	}
	s.closeLocked(ErrSessionClosed)
	return nil
}

// teardown closes the session because of something that happened on l.
func (s *Session) teardown(l *link, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != l || s.state == Closed {
		return
	}
	s.closeLocked(cause)
}

func (s *Session) closeLocked(cause error) {
	if s.state == Closed {
		return
	}
	if !errors.Is(cause, ErrSessionClosed) {
		log.Printf("Remote: session failed: %v", cause)
	} else {
		log.Printf("Remote: session closed: %v", cause)
	}
	s.state = Closed
	s.cause = cause
	if s.cancelWait != nil {
		s.cancelWait()
		s.cancelWait = nil
	}
	if s.link != nil {
		close(s.link.stop)
		s.link.conn.Close()
		s.link = nil
	}
	for id, p := range s.pending {
		p.done <- cause
		delete(s.pending, id)
	}
	s.devices = make(map[uint64]*device)
	close(s.closed)
}

func (s *Session) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedErrLocked()
}

func (s *Session) closedErrLocked() error {
	switch {
	case s.cause == nil:
		return ErrSessionClosed
	case errors.Is(s.cause, ErrSessionClosed):
		return s.cause
	}
	return fmt.Errorf("%w: %w", ErrSessionClosed, s.cause)
}

func (s *Session) watch(l *link, revoked <-chan struct{}) {
	select {
	case <-revoked:
		s.teardown(l, fmt.Errorf("%w: revoked by broker", ErrSessionClosed))
	case <-l.stop:
	}
}

func (s *Session) receive(l *link) {
	for {
		m, err := ReadMessage(l.conn)
		if err != nil {
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				err = fmt.Errorf("%w: read: %v", ErrSessionClosed, err)
			}
			s.teardown(l, err)
			return
		}
		s.mu.Lock()
		if s.link != l {
			s.mu.Unlock()
			return
		}
		err = s.handle(m)
		if err != nil {
			s.closeLocked(err)
		}
		s.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// handle applies one server message. It runs with mu held.
func (s *Session) handle(m *Message) error {
	obj, ok := s.objects[m.Object]
	if !ok {
		return unexpected("message for unknown object %#x", m.Object)
	}
	d := NewDecoder(m.Body)
	var err error
	switch obj.kind {
	case kindHandshake:
		err = s.handleHandshake(m.Opcode, d)
	case kindConnection:
		err = s.handleConnection(m.Opcode, d)
	case kindSeat:
		err = s.handleSeat(m.Object, m.Opcode, d)
	case kindDevice:
		err = s.handleDevice(obj.device, m.Opcode, d)
	case kindCallback:
		err = s.handleCallback(m.Object, m.Opcode, d)
	case kindInterface:
		err = s.handleInterface(obj, m.Opcode, d)
	}
	if err != nil {
		return err
	}
	return d.Err()
}

func (s *Session) handleHandshake(op uint32, d *Decoder) error {
	switch op {
	case HandshakeEventVersion:
		if v := d.Uint32(); d.Err() == nil && v < ProtocolVersion {
			return unexpected("server protocol version %d", v)
		}
	case HandshakeEventConnection:
		id, _ := d.Uint64(), d.Uint32()
		if d.Err() != nil {
			return d.Err()
		}
		delete(s.objects, HandshakeObject)
		s.connection = id
		s.objects[id] = &object{kind: kindConnection}
	default:
		return unexpected("handshake opcode %d", op)
	}
	return nil
}

func (s *Session) handleConnection(op uint32, d *Decoder) error {
	switch op {
	case ConnectionEventDisconnected:
		reason, explanation := d.Uint32(), d.String()
		if d.Err() != nil {
			return d.Err()
		}
		return fmt.Errorf("%w: server disconnected (reason %d): %s", ErrSessionClosed, reason, explanation)
	case ConnectionEventSeat:
		id, _ := d.Uint64(), d.Uint32()
		if d.Err() != nil {
			return d.Err()
		}
		s.objects[id] = &object{kind: kindSeat}
	default:
		return unexpected("connection opcode %d", op)
	}
	return nil
}

func (s *Session) handleSeat(seat uint64, op uint32, d *Decoder) error {
	switch op {
	case SeatEventName:
		log.Printf("Remote: seat %q", d.String())
	case SeatEventCapability:
		mask, iface := d.Uint64(), d.String()
		if d.Err() == nil && mask&wantedCaps != 0 {
			log.Printf("Remote: seat offers %s", iface)
			s.seatCaps |= mask
		}
	case SeatEventDone:
		caps := s.seatCaps & wantedCaps
		if caps == 0 {
			return unexpected("seat offers no usable capability")
		}
		if _, err := s.writeLocked(context.Background(), seat, SeatBind, new(Encoder).Uint64(caps).Body()); err != nil {
			return err
		}
	case SeatEventDevice:
		id, _ := d.Uint64(), d.Uint32()
		if d.Err() != nil {
			return d.Err()
		}
		dev := &device{id: id, interfaces: make(map[string]uint64)}
		s.devices[id] = dev
		s.objects[id] = &object{kind: kindDevice, device: dev}
	default:
		return unexpected("seat opcode %d", op)
	}
	return nil
}

func (s *Session) handleDevice(dev *device, op uint32, d *Decoder) error {
	switch op {
	case DeviceEventName:
		dev.name = d.String()
	case DeviceEventInterface:
		id, iface, _ := d.Uint64(), d.String(), d.Uint32()
		if d.Err() != nil {
			return d.Err()
		}
		dev.interfaces[iface] = id
		s.objects[id] = &object{kind: kindInterface, iface: iface, device: dev}
	case DeviceEventRegion:
		r := Region{X: d.Uint32(), Y: d.Uint32(), Width: d.Uint32(), Height: d.Uint32(), Scale: d.Float32()}
		if d.Err() == nil {
			dev.regions = append(dev.regions, r)
		}
	case DeviceEventDone:
		dev.done = true
		log.Printf("Remote: device %q with %d interfaces", dev.name, len(dev.interfaces))
	case DeviceEventResumed:
		d.Uint32()
		dev.resumed = true
	case DeviceEventPaused:
		d.Uint32()
		dev.resumed = false
		dev.emulating = false
	case DeviceEventDestroyed:
		d.Uint32()
		for _, id := range dev.interfaces {
			delete(s.objects, id)
		}
		delete(s.objects, dev.id)
		delete(s.devices, dev.id)
	default:
		return unexpected("device opcode %d", op)
	}
	s.updateStateLocked()
	return nil
}

func (s *Session) handleCallback(id uint64, op uint32, d *Decoder) error {
	if op != CallbackEventDone {
		return unexpected("callback opcode %d", op)
	}
	seq := d.Uint32()
	if d.Err() != nil {
		return d.Err()
	}
	delete(s.objects, id)
	p, ok := s.pending[id]
	if !ok {
		// the caller gave up waiting
		return nil
	}
	delete(s.pending, id)
	if seq != p.seq {
		err := unexpected("acknowledgment %d for request %d", seq, p.seq)
		p.done <- err
		return err
	}
	p.done <- nil
	return nil
}

func (s *Session) handleInterface(obj *object, op uint32, d *Decoder) error {
	if obj.iface == InterfaceKeyboard && op == KeyboardEventKeymap {
		_, blob := d.Uint32(), d.Bytes()
		s.keymap = blob
		return nil
	}
	return unexpected("%s opcode %d", obj.iface, op)
}

func (s *Session) updateStateLocked() {
	if s.state != ConnectedNoDevice && s.state != Connected {
		return
	}
	s.state = ConnectedNoDevice
	for _, dev := range s.devices {
		if dev.done && dev.resumed {
			s.state = Connected
			break
		}
	}
	if s.state == Connected && !s.readyShut {
		s.readyShut = true
		close(s.ready)
	}
}

// writeLocked sends one request and returns its sequence number. A failed
// write tears the session down.
func (s *Session) writeLocked(ctx context.Context, object uint64, opcode uint32, body []byte) (uint32, error) {
	if s.link == nil {
		return 0, ErrSessionClosed
	}
	s.seq++
	m := Message{Object: object, Opcode: opcode, Seq: s.seq, Body: body}
	deadline, _ := ctx.Deadline()
	s.link.conn.SetWriteDeadline(deadline)
	if _, err := s.link.conn.Write(m.Encode()); err != nil {
		err = fmt.Errorf("%w: write: %v", ErrSessionClosed, err)
		s.closeLocked(err)
		return 0, err
	}
	return s.seq, nil
}

func (s *Session) newIDLocked() uint64 {
	s.nextID++
	return s.nextID
}

// deviceLocked picks the first ready device offering iface.
func (s *Session) deviceLocked(iface string) (*device, uint64, error) {
	switch s.state {
	case Closed:
		return nil, 0, s.closedErrLocked()
	case Connected:
	default:
		return nil, 0, fmt.Errorf("%w: %v", ErrNotReady, s.state)
	}
	ids := make([]uint64, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		dev := s.devices[id]
		if obj, ok := dev.interfaces[iface]; ok && dev.done && dev.resumed {
			return dev, obj, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: no device with %s", ErrNotReady, iface)
}

// emit sends one input request on the device offering iface, optionally
// followed by a frame, then waits for the server to acknowledge it.
func (s *Session) emit(ctx context.Context, iface string, opcode uint32, body []byte, frame bool) error {
	s.mu.Lock()
	dev, obj, err := s.deviceLocked(iface)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !dev.emulating {
		if _, err := s.writeLocked(ctx, dev.id, DeviceStartEmulating, new(Encoder).Uint32(s.seq+1).Body()); err != nil {
			s.mu.Unlock()
			return err
		}
		dev.emulating = true
	}
	if _, err := s.writeLocked(ctx, obj, opcode, body); err != nil {
		s.mu.Unlock()
		return err
	}
	if frame {
		usec := uint64(time.Since(s.start).Microseconds())
		if _, err := s.writeLocked(ctx, dev.id, DeviceFrame, new(Encoder).Uint64(usec).Body()); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	id, p, err := s.syncLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.wait(ctx, id, p)
}

func (s *Session) syncLocked(ctx context.Context) (uint64, *pendingAck, error) {
	id := s.newIDLocked()
	s.objects[id] = &object{kind: kindCallback}
	seq, err := s.writeLocked(ctx, s.connection, ConnectionSync, new(Encoder).Uint64(id).Body())
	if err != nil {
		return 0, nil, err
	}
	p := &pendingAck{seq: seq, done: make(chan error, 1)}
	s.pending[id] = p
	return id, p, nil
}

func (s *Session) wait(ctx context.Context, id uint64, p *pendingAck) error {
	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		select {
		case err := <-p.done:
			return err
		default:
		}
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

// Sync waits until the server has processed every request sent so far.
func (s *Session) Sync(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Closed {
		err := s.closedErrLocked()
		s.mu.Unlock()
		return err
	}
	if s.state != Connected && s.state != ConnectedNoDevice {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNotReady, s.state)
	}
	id, p, err := s.syncLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.wait(ctx, id, p)
}

func (s *Session) MoveRelative(ctx context.Context, dx, dy float32) error {
	return s.emit(ctx, InterfacePointer, PointerMotionRelative, new(Encoder).Float32(dx).Float32(dy).Body(), true)
}

func (s *Session) MoveAbsolute(ctx context.Context, x, y float32) error {
	return s.emit(ctx, InterfacePointerAbsolute, PointerMotionAbsolute, new(Encoder).Float32(x).Float32(y).Body(), true)
}

// Button sends a pointer button using its Linux input event code.
func (s *Session) Button(ctx context.Context, code uint32, pressed bool) error {
	return s.emit(ctx, InterfaceButton, ButtonButton, new(Encoder).Uint32(code).Uint32(state(pressed)).Body(), true)
}

func (s *Session) Scroll(ctx context.Context, dx, dy float32) error {
	return s.emit(ctx, InterfaceScroll, ScrollScroll, new(Encoder).Float32(dx).Float32(dy).Body(), true)
}

// ScrollDiscrete scrolls in wheel units of 120 per notch.
func (s *Session) ScrollDiscrete(ctx context.Context, dx, dy int32) error {
	return s.emit(ctx, InterfaceScroll, ScrollDiscrete, new(Encoder).Int32(dx).Int32(dy).Body(), true)
}

// Key sends a key using its Linux input event code.
func (s *Session) Key(ctx context.Context, code uint32, pressed bool) error {
	return s.emit(ctx, InterfaceKeyboard, KeyboardKey, new(Encoder).Uint32(code).Uint32(state(pressed)).Body(), true)
}

// Keymap uploads an XKB keymap for the keyboard device.
func (s *Session) Keymap(ctx context.Context, blob []byte) error {
	return s.emit(ctx, InterfaceKeyboard, KeyboardKeymap, new(Encoder).Uint32(KeymapTypeXKB).Bytes(blob).Body(), false)
}

// Regions returns the regions of every ready device.
func (s *Session) Regions() []Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Region
	for _, dev := range s.devices {
		if dev.done && dev.resumed {
			out = append(out, dev.regions...)
		}
	}
	return out
}

func state(pressed bool) uint32 {
	if pressed {
		return StatePressed
	}
	return StateReleased
}
