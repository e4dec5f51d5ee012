//go:build linux

package wayland

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrNoCompositor means no Wayland socket could be found.
var ErrNoCompositor = errors.New("wayland: no compositor socket")

const displayID = 1

// wl_display opcodes.
const (
	displaySync        = 0
	displayGetRegistry = 1

	displayEventError    = 0
	displayEventDeleteID = 1
)

type handler func(opcode uint16, a *args) error

// ProtocolError is a fatal error reported by the compositor.
type ProtocolError struct {
	Object  uint32
	Code    uint32
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wayland: protocol error on object %d, code %d: %s", e.Object, e.Code, e.Message)
}

// client is a single threaded Wayland connection. Events are only read
// inside roundtrip.
type client struct {
	conn     *net.UnixConn
	next     uint32
	handlers map[uint32]handler
	in       []byte
	oob      []byte
	fatal    error
}

// socketPath resolves a display name the way libwayland does.
func socketPath(name string) (string, error) {
	if name == "" {
		name = os.Getenv("WAYLAND_DISPLAY")
	}
	if name == "" {
		name = "wayland-0"
	}
	if filepath.IsAbs(name) {
		return name, nil
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return "", fmt.Errorf("%w: XDG_RUNTIME_DIR is not set", ErrNoCompositor)
	}
	return filepath.Join(dir, name), nil
}

func dial(name string) (*client, error) {
	path, err := socketPath(name)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCompositor, err)
	}
	return newClient(conn), nil
}

func newClient(conn *net.UnixConn) *client {
	c := &client{
		conn:     conn,
		next:     displayID + 1,
		handlers: make(map[uint32]handler),
		oob:      make([]byte, unix.CmsgSpace(28*4)),
	}
	c.handlers[displayID] = c.handleDisplay
	return c
}

func (c *client) handleDisplay(opcode uint16, a *args) error {
	switch opcode {
	case displayEventError:
		e := &ProtocolError{Object: a.uint(), Code: a.uint(), Message: a.string()}
		if a.err != nil {
			return a.err
		}
		return e
	case displayEventDeleteID:
		id := a.uint()
		delete(c.handlers, id)
	}
	return a.err
}

// newID allocates an object id. h receives the object's events and may be
// nil for objects without events.
func (c *client) newID(h handler) uint32 {
	id := c.next
	c.next++
	if h == nil {
		h = func(uint16, *args) error { return nil }
	}
	c.handlers[id] = h
	return id
}

func (c *client) send(r *request) error {
	if c.fatal != nil {
		return c.fatal
	}
	var oob []byte
	if len(r.fds) > 0 {
		oob = unix.UnixRights(r.fds...)
	}
	if _, _, err := c.conn.WriteMsgUnix(r.bytes(), oob, nil); err != nil {
		c.fatal = fmt.Errorf("wayland: write: %w", err)
		return c.fatal
	}
	return nil
}

// roundtrip blocks until the compositor has processed every request sent so
// far, dispatching events meanwhile.
func (c *client) roundtrip(ctx context.Context) error {
	done := false
	id := c.newID(func(opcode uint16, a *args) error {
		done = true
		return nil
	})
	if err := c.send(newRequest(displayID, displaySync).uint(id)); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	for !done {
		if err := c.dispatch(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
	return nil
}

// dispatch reads once from the socket and handles every complete message.
func (c *client) dispatch() error {
	if c.fatal != nil {
		return c.fatal
	}
	buf := make([]byte, 4096)
	n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, c.oob)
	if err != nil {
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			c.fatal = fmt.Errorf("wayland: read: %w", err)
		}
		return err
	}
	closeFds(c.oob[:oobn])
	c.in = append(c.in, buf[:n]...)

	for len(c.in) >= headerSize {
		h, err := parseHeader(c.in)
		if err != nil {
			c.fatal = err
			return err
		}
		if len(c.in) < int(h.size) {
			break
		}
		a := &args{b: c.in[headerSize:h.size]}
		if fn, ok := c.handlers[h.object]; ok {
			if err := fn(h.opcode, a); err != nil {
				c.fatal = err
				return err
			}
		}
		c.in = c.in[h.size:]
	}
	return nil
}

// closeFds closes descriptors the compositor passed along with events; the
// objects this client binds never need them.
func closeFds(oob []byte) {
	if len(oob) == 0 {
		return
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return
	}
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.Close(fd)
		}
	}
}

func (c *client) close() error {
	return c.conn.Close()
}
