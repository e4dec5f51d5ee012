package x11

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
	"github.com/jezek/xgb/xtest"

	"keysynth/internal/keysym"
	"keysynth/internal/resolver"
)

// XTest fake input event types.
const (
	keyPress      = xproto.KeyPress
	keyRelease    = xproto.KeyRelease
	buttonPress   = xproto.ButtonPress
	buttonRelease = xproto.ButtonRelease
	motionNotify  = xproto.MotionNotify
)

// mappingNotify is a keyboard mapping change reported by the server.
type mappingNotify struct {
	first, count uint8
}

// server is the part of the X connection the backend uses.
type server interface {
	resolver.Mapping
	FakeInput(typ, detail byte, x, y int16) error
	ScreenSize() (width, height int)
	Pointer() (x, y int, err error)
	// Notifications yields keyboard mapping changes. overflow is set when
	// some were dropped.
	Notifications() (ch <-chan mappingNotify, overflow *atomic.Bool)
	Close() error
}

type xconn struct {
	c      *xgb.Conn
	root   xproto.Window
	width  int
	height int
	min    xproto.Keycode
	max    xproto.Keycode

	notify   chan mappingNotify
	overflow atomic.Bool
}

func dial(display string) (*xconn, error) {
	c, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, fmt.Errorf("connect to X display %q: %w", display, err)
	}
	if err := xtest.Init(c); err != nil {
		c.Close()
		return nil, fmt.Errorf("XTEST extension: %w", err)
	}
	setup := xproto.Setup(c)
	screen := setup.DefaultScreen(c)
	x := &xconn{
		c:      c,
		root:   screen.Root,
		width:  int(screen.WidthInPixels),
		height: int(screen.HeightInPixels),
		min:    setup.MinKeycode,
		max:    setup.MaxKeycode,
		notify: make(chan mappingNotify, 64),
	}
	go x.readLoop()
	return x, nil
}

func (x *xconn) readLoop() {
	for {
		ev, xerr := x.c.WaitForEvent()
		if ev == nil && xerr == nil {
			log.Println("X11: connection closed")
			return
		}
		if xerr != nil {
			log.Printf("X11: error: %v", xerr)
			continue
		}
		mn, ok := ev.(xproto.MappingNotifyEvent)
		if !ok || mn.Request != xproto.MappingKeyboard {
			continue
		}
		select {
		case x.notify <- mappingNotify{first: uint8(mn.FirstKeycode), count: mn.Count}:
		default:
			x.overflow.Store(true)
		}
	}
}

func (x *xconn) Notifications() (<-chan mappingNotify, *atomic.Bool) {
	return x.notify, &x.overflow
}

func (x *xconn) KeyboardMapping() (resolver.Table, error) {
	count := byte(int(x.max) - int(x.min) + 1)
	reply, err := xproto.GetKeyboardMapping(x.c, x.min, count).Reply()
	if err != nil {
		return resolver.Table{}, fmt.Errorf("GetKeyboardMapping: %w", err)
	}
	return resolver.Table{
		Min:        uint8(x.min),
		Max:        uint8(x.max),
		PerKeycode: int(reply.KeysymsPerKeycode),
		Syms:       fromX(reply.Keysyms),
	}, nil
}

func (x *xconn) KeycodeMapping(kc uint8) ([]keysym.Keysym, error) {
	reply, err := xproto.GetKeyboardMapping(x.c, xproto.Keycode(kc), 1).Reply()
	if err != nil {
		return nil, fmt.Errorf("GetKeyboardMapping(%d): %w", kc, err)
	}
	return fromX(reply.Keysyms), nil
}

func (x *xconn) ChangeMapping(kc uint8, syms []keysym.Keysym) error {
	xs := make([]xproto.Keysym, len(syms))
	for i, s := range syms {
		xs[i] = xproto.Keysym(s)
	}
	err := xproto.ChangeKeyboardMappingChecked(x.c, 1, xproto.Keycode(kc), byte(len(xs)), xs).Check()
	if err != nil {
		return fmt.Errorf("ChangeKeyboardMapping(%d): %w", kc, err)
	}
	return nil
}

func (x *xconn) FakeInput(typ, detail byte, px, py int16) error {
	return xtest.FakeInputChecked(x.c, typ, detail, 0, x.root, px, py, 0).Check()
}

func (x *xconn) ScreenSize() (int, int) {
	return x.width, x.height
}

func (x *xconn) Pointer() (int, int, error) {
	reply, err := xproto.QueryPointer(x.c, x.root).Reply()
	if err != nil {
		return 0, 0, fmt.Errorf("QueryPointer: %w", err)
	}
	return int(reply.RootX), int(reply.RootY), nil
}

func (x *xconn) Close() error {
	x.c.Close()
	return nil
}

func fromX(xs []xproto.Keysym) []keysym.Keysym {
	out := make([]keysym.Keysym, len(xs))
	for i, s := range xs {
		out[i] = keysym.Keysym(s)
	}
	return out
}
