// Package portal obtains remote input access through the desktop's
// RemoteDesktop portal on the session bus.
package portal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"keysynth/internal/remote"
)

const (
	busName       = "org.freedesktop.portal.Desktop"
	objectPath    = dbus.ObjectPath("/org/freedesktop/portal/desktop")
	remoteDesktop = "org.freedesktop.portal.RemoteDesktop"
	requestIface  = "org.freedesktop.portal.Request"
	sessionIface  = "org.freedesktop.portal.Session"
)

// Device types for SelectDevices.
const (
	DeviceKeyboard    uint32 = 1
	DevicePointer     uint32 = 2
	DeviceTouchscreen uint32 = 4
)

// Persist modes for SelectDevices.
const (
	PersistNone      uint32 = 0
	PersistTransient uint32 = 1
	PersistPermanent uint32 = 2
)

// Request response codes.
const (
	responseSuccess   uint32 = 0
	responseCancelled uint32 = 1
	responseOther     uint32 = 2
)

var ErrNoFD = errors.New("portal: no file descriptor returned")

type Options struct {
	Persist      uint32
	RestoreToken string
}

// Broker implements remote.Broker on the RemoteDesktop portal.
type Broker struct {
	conn *dbus.Conn
	opts Options

	mu      sync.Mutex
	counter int
	done    chan struct{}
	closed  bool
}

// New connects to the session bus.
func New(opts Options) (*Broker, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("portal: connect session bus: %w", err)
	}
	return &Broker{conn: conn, opts: opts, done: make(chan struct{})}, nil
}

// Close stops watching sessions and disconnects from the bus.
func (b *Broker) Close() error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	b.mu.Unlock()
	return b.conn.Close()
}

func (b *Broker) token(kind string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counter++
	return handleToken(kind, os.Getpid(), b.counter)
}

// handleToken builds a token that is a valid object path element.
func handleToken(kind string, pid, n int) string {
	return fmt.Sprintf("keysynth_%s_%d_%d", kind, pid, n)
}

// requestPath predicts the Request object the portal creates for token.
func requestPath(sender, token string) dbus.ObjectPath {
	s := strings.ReplaceAll(strings.TrimPrefix(sender, ":"), ".", "_")
	return dbus.ObjectPath(fmt.Sprintf("%s/request/%s/%s", objectPath, s, token))
}

func responseError(code uint32) error {
	switch code {
	case responseSuccess:
		return nil
	case responseCancelled:
		return fmt.Errorf("%w: cancelled by user", remote.ErrPermissionDenied)
	case responseOther:
		return fmt.Errorf("%w: request ended", remote.ErrPermissionDenied)
	}
	return fmt.Errorf("%w: response code %d", remote.ErrPermissionDenied, code)
}

// Start runs CreateSession, SelectDevices, Start and ConnectToEIS. When ctx
// ends first the outstanding request and the session are closed.
func (b *Broker) Start(ctx context.Context) (remote.Grant, error) {
	desktop := b.conn.Object(busName, objectPath)

	res, err := b.request(ctx, "CreateSession", func(token string) []any {
		return []any{map[string]dbus.Variant{
			"handle_token":         dbus.MakeVariant(token),
			"session_handle_token": dbus.MakeVariant(b.token("session")),
		}}
	})
	if err != nil {
		return remote.Grant{}, err
	}
	handle, _ := res["session_handle"].Value().(string)
	if handle == "" {
		return remote.Grant{}, fmt.Errorf("portal: CreateSession returned no session")
	}
	session := dbus.ObjectPath(handle)
	log.Printf("Portal: created session %s", session)

	ok := false
	defer func() {
		if !ok {
			b.closeSession(session)
		}
	}()

	_, err = b.request(ctx, "SelectDevices", func(token string) []any {
		opts := map[string]dbus.Variant{
			"handle_token": dbus.MakeVariant(token),
			"types":        dbus.MakeVariant(DeviceKeyboard | DevicePointer),
			"persist_mode": dbus.MakeVariant(b.opts.Persist),
		}
		if b.opts.RestoreToken != "" {
			opts["restore_token"] = dbus.MakeVariant(b.opts.RestoreToken)
		}
		return []any{session, opts}
	})
	if err != nil {
		return remote.Grant{}, err
	}

	res, err = b.request(ctx, "Start", func(token string) []any {
		return []any{session, "", map[string]dbus.Variant{"handle_token": dbus.MakeVariant(token)}}
	})
	if err != nil {
		return remote.Grant{}, err
	}
	restore, _ := res["restore_token"].Value().(string)
	if devices, _ := res["devices"].Value().(uint32); devices&(DeviceKeyboard|DevicePointer) == 0 {
		return remote.Grant{}, fmt.Errorf("%w: no keyboard or pointer granted", remote.ErrPermissionDenied)
	}

	var fd dbus.UnixFD
	call := desktop.CallWithContext(ctx, remoteDesktop+".ConnectToEIS", 0, session, map[string]dbus.Variant{})
	if err := call.Store(&fd); err != nil {
		if ctx.Err() != nil {
			return remote.Grant{}, ctx.Err()
		}
		return remote.Grant{}, fmt.Errorf("portal: ConnectToEIS: %w", err)
	}
	if fd < 0 {
		return remote.Grant{}, ErrNoFD
	}
	conn, err := fileConn(int(fd))
	if err != nil {
		return remote.Grant{}, err
	}

	ok = true
	log.Println("Portal: access granted")
	return remote.Grant{Conn: conn, Token: restore, Revoked: b.watch(session)}, nil
}

func fileConn(fd int) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), "eis")
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("portal: wrap EIS socket: %w", err)
	}
	return conn, nil
}

// request calls a portal method that answers through a Request object and
// waits for its Response signal.
func (b *Broker) request(ctx context.Context, method string, args func(token string) []any) (map[string]dbus.Variant, error) {
	names := b.conn.Names()
	if len(names) == 0 {
		return nil, fmt.Errorf("portal: no unique bus name")
	}
	token := b.token("request")
	path := requestPath(names[0], token)

	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
	}
	if err := b.conn.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("portal: subscribe %s: %w", method, err)
	}
	defer b.conn.RemoveMatchSignal(match...)
	signals := make(chan *dbus.Signal, 8)
	b.conn.Signal(signals)
	defer b.conn.RemoveSignal(signals)

	var handle dbus.ObjectPath
	call := b.conn.Object(busName, objectPath).CallWithContext(ctx, remoteDesktop+"."+method, 0, args(token)...)
	if err := call.Store(&handle); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("portal: %s: %w", method, err)
	}
	if handle != path {
		// older portals pick their own path
		path = handle
	}

	for {
		select {
		case sig := <-signals:
			if sig.Path != path || sig.Name != requestIface+".Response" {
				continue
			}
			code, results, err := parseResponse(sig.Body)
			if err != nil {
				return nil, err
			}
			if err := responseError(code); err != nil {
				return nil, fmt.Errorf("%s: %w", method, err)
			}
			return results, nil
		case <-ctx.Done():
			log.Printf("Portal: cancelling %s", method)
			b.conn.Object(busName, path).Call(requestIface+".Close", 0)
			return nil, ctx.Err()
		}
	}
}

func parseResponse(body []any) (uint32, map[string]dbus.Variant, error) {
	if len(body) != 2 {
		return 0, nil, fmt.Errorf("portal: malformed response with %d values", len(body))
	}
	code, ok := body[0].(uint32)
	results, ok2 := body[1].(map[string]dbus.Variant)
	if !ok || !ok2 {
		return 0, nil, fmt.Errorf("portal: malformed response %v", body)
	}
	return code, results, nil
}

func (b *Broker) closeSession(session dbus.ObjectPath) {
	if call := b.conn.Object(busName, session).Call(sessionIface+".Close", 0); call.Err != nil {
		log.Printf("Portal: close session: %v", call.Err)
	}
}

// watch returns a channel closed when the portal closes session.
func (b *Broker) watch(session dbus.ObjectPath) <-chan struct{} {
	revoked := make(chan struct{})
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(session),
		dbus.WithMatchInterface(sessionIface),
		dbus.WithMatchMember("Closed"),
	}
	if err := b.conn.AddMatchSignal(match...); err != nil {
		log.Printf("Portal: cannot watch session: %v", err)
		return revoked
	}
	signals := make(chan *dbus.Signal, 8)
	b.conn.Signal(signals)
	go func() {
		defer b.conn.RemoveSignal(signals)
		for {
			select {
			case sig, ok := <-signals:
				if !ok {
					close(revoked)
					return
				}
				if sig.Path == session && sig.Name == sessionIface+".Closed" {
					log.Println("Portal: session closed by the desktop")
					close(revoked)
					return
				}
			case <-b.done:
				return
			}
		}
	}()
	return revoked
}
