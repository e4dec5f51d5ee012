//go:build linux

package wayland

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"keysynth/internal/event"
)

// fakeCompositor answers just enough of the protocol to drive a Backend.
type fakeCompositor struct {
	conn    *net.UnixConn
	globals []string

	mu      sync.Mutex
	log     []string
	keymaps []string
	objects map[uint32]string
	fds     []int
}

func socketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	wrap := func(fd int) *net.UnixConn {
		f := os.NewFile(uintptr(fd), "wayland-test")
		defer f.Close()
		c, err := net.FileConn(f)
		if err != nil {
			t.Fatal(err)
		}
		return c.(*net.UnixConn)
	}
	return wrap(fds[0]), wrap(fds[1])
}

func startCompositor(t *testing.T, globals ...string) (*client, *fakeCompositor) {
	t.Helper()
	cc, sc := socketPair(t)
	f := &fakeCompositor{conn: sc, globals: globals, objects: map[uint32]string{1: "wl_display"}}
	go f.serve()
	t.Cleanup(func() {
		cc.Close()
		sc.Close()
	})
	return newClient(cc), f
}

func allGlobals() []string {
	return []string{ifaceSeat, ifaceOutput, ifaceKeyboardMg, ifacePointerMg}
}

func (f *fakeCompositor) record(format string, a ...any) {
	f.log = append(f.log, fmt.Sprintf(format, a...))
}

func (f *fakeCompositor) take() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.log
	f.log = nil
	return out
}

func (f *fakeCompositor) send(r *request) {
	f.conn.Write(r.bytes())
}

func (f *fakeCompositor) serve() {
	var in []byte
	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(4*4))
	for {
		n, oobn, _, _, err := f.conn.ReadMsgUnix(buf, oob)
		if err != nil {
			return
		}
		if oobn > 0 {
			msgs, _ := unix.ParseSocketControlMessage(oob[:oobn])
			for _, m := range msgs {
				fds, _ := unix.ParseUnixRights(&m)
				f.fds = append(f.fds, fds...)
			}
		}
		in = append(in, buf[:n]...)
		for len(in) >= headerSize {
			h, err := parseHeader(in)
			if err != nil || len(in) < int(h.size) {
				break
			}
			f.mu.Lock()
			f.handle(h, &args{b: in[headerSize:h.size]})
			f.mu.Unlock()
			in = in[h.size:]
		}
	}
}

func (f *fakeCompositor) handle(h header, a *args) {
	switch iface := f.objects[h.object]; iface {
	case "wl_display":
		id := a.uint()
		if h.opcode == displayGetRegistry {
			f.objects[id] = "wl_registry"
			for i, g := range f.globals {
				f.send(newRequest(id, registryGlobal).uint(uint32(i + 1)).string(g).uint(1))
			}
			return
		}
		f.send(newRequest(id, 0).uint(0))
		f.send(newRequest(displayID, displayEventDeleteID).uint(id))
	case "wl_registry":
		a.uint()
		name, _, id := a.string(), a.uint(), a.uint()
		f.objects[id] = name
		if name == ifaceOutput {
			f.send(newRequest(id, outputEventMode).uint(outputModeCurrent).int(1920).int(1080).int(60000))
		}
	case ifaceKeyboardMg:
		a.uint()
		f.objects[a.uint()] = "keyboard"
	case ifacePointerMg:
		a.uint()
		f.objects[a.uint()] = "pointer"
	case "keyboard":
		switch h.opcode {
		case keyboardKeymap:
			a.uint()
			size := a.uint()
			fd := f.fds[0]
			f.fds = f.fds[1:]
			file := os.NewFile(uintptr(fd), "keymap")
			text := make([]byte, size)
			file.ReadAt(text, 0)
			file.Close()
			f.keymaps = append(f.keymaps, string(text))
			f.record("keymap")
		case keyboardKey:
			a.uint()
			f.record("key %d %d", a.uint(), a.uint())
		case keyboardMods:
			f.record("mods %d %d", a.uint(), a.uint()+a.uint())
		case keyboardDestroy:
			f.record("keyboard destroy")
		}
	case "pointer":
		switch h.opcode {
		case pointerMotion:
			a.uint()
			f.record("motion %d %d", a.int()/256, a.int()/256)
		case pointerMotionAbs:
			a.uint()
			f.record("abs %d %d %d %d", a.uint(), a.uint(), a.uint(), a.uint())
		case pointerButton:
			a.uint()
			f.record("button %#x %d", a.uint(), a.uint())
		case pointerFrame:
			f.record("frame")
		case pointerAxisSource:
			f.record("source %d", a.uint())
		case pointerAxisDiscrete:
			a.uint()
			f.record("discrete %d %d %d", a.uint(), a.int()/256, a.int())
		case pointerDestroy:
			f.record("pointer destroy")
		}
	}
}

func expectLog(t *testing.T, f *fakeCompositor, want ...string) {
	t.Helper()
	got := f.take()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBackendKeys(t *testing.T) {
	ctx := testContext(t)
	c, f := startCompositor(t, allGlobals()...)
	b, err := newBackend(ctx, c)
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Key(ctx, event.Unicode('a'), event.Click); err != nil {
		t.Fatal(err)
	}
	expectLog(t, f, "keymap", "key 0 1", "key 0 0")

	shift := event.MustSpecial("Shift")
	if err := b.Key(ctx, shift, event.Press); err != nil {
		t.Fatal(err)
	}
	if err := b.Key(ctx, event.Unicode('a'), event.Click); err != nil {
		t.Fatal(err)
	}
	if err := b.Key(ctx, shift, event.Release); err != nil {
		t.Fatal(err)
	}
	expectLog(t, f,
		"keyboard destroy", "keymap", "key 1 1", "mods 1 0",
		"key 0 1", "key 0 0",
		"key 1 0", "mods 0 0",
	)

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.keymaps) != 2 {
		t.Fatalf("Expected 2 keymaps, got %d", len(f.keymaps))
	}
	if !strings.Contains(f.keymaps[0], "key <I8> { [ U0061 ] };") {
		t.Error("first keymap lacks the a key")
	}
	if !strings.Contains(f.keymaps[1], "key <I8> { [ U0061 ] };") || !strings.Contains(f.keymaps[1], "modifier_map Shift { <I9> };") {
		t.Error("second keymap must extend the first")
	}
	if !strings.HasSuffix(f.keymaps[1], "\x00") {
		t.Error("keymap must be NUL terminated")
	}
}

func TestRepublishKeepsHeldKeys(t *testing.T) {
	ctx := testContext(t)
	c, f := startCompositor(t, allGlobals()...)
	b, err := newBackend(ctx, c)
	if err != nil {
		t.Fatal(err)
	}

	shift := event.MustSpecial("Shift")
	if err := b.Key(ctx, shift, event.Press); err != nil {
		t.Fatal(err)
	}
	expectLog(t, f, "keymap", "key 0 1", "mods 1 0")

	// b grows the keymap while Shift is down
	if err := b.Key(ctx, event.Unicode('b'), event.Click); err != nil {
		t.Fatal(err)
	}
	if err := b.Key(ctx, shift, event.Release); err != nil {
		t.Fatal(err)
	}
	expectLog(t, f,
		"keyboard destroy", "keymap", "key 0 1", "mods 1 0",
		"key 1 1", "key 1 0",
		"key 0 0", "mods 0 0",
	)
}

func TestBackendPrepare(t *testing.T) {
	ctx := testContext(t)
	c, f := startCompositor(t, allGlobals()...)
	b, err := newBackend(ctx, c)
	if err != nil {
		t.Fatal(err)
	}

	keys := []event.Key{event.Unicode('x'), event.Unicode('€'), event.Unicode('x')}
	if err := b.Prepare(ctx, keys); err != nil {
		t.Fatal(err)
	}
	for _, k := range keys {
		if err := b.Key(ctx, k, event.Click); err != nil {
			t.Fatal(err)
		}
	}
	expectLog(t, f, "keymap", "key 0 1", "key 0 0", "key 1 1", "key 1 0", "key 0 1", "key 0 0")
}

func TestBackendPointer(t *testing.T) {
	ctx := testContext(t)
	c, f := startCompositor(t, allGlobals()...)
	b, err := newBackend(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if w, h, err := b.DisplaySize(ctx); err != nil || w != 1920 || h != 1080 {
		t.Errorf("Expected 1920x1080, got %dx%d (%v)", w, h, err)
	}

	b.Move(ctx, 10, 20, event.Abs)
	b.Move(ctx, 5, -5, event.Rel)
	b.Button(ctx, event.Left, event.Click)
	b.Scroll(ctx, event.Vertical, 2)
	b.Button(ctx, event.ScrollLeft, event.Click)
	expectLog(t, f,
		"abs 10 20 1920 1080", "frame",
		"motion 5 -5", "frame",
		"button 0x110 1", "button 0x110 0", "frame",
		"source 0", "discrete 0 30 2", "frame",
		"source 0", "discrete 1 -15 -1", "frame",
	)

	if _, _, err := b.Location(ctx); !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("Expected ErrUnsupported, got %v", err)
	}
}

func TestMissingGlobals(t *testing.T) {
	ctx := testContext(t)
	c, _ := startCompositor(t, ifaceSeat, ifaceOutput, ifaceKeyboardMg)
	if _, err := newBackend(ctx, c); !errors.Is(err, ErrMissingGlobals) {
		t.Errorf("Expected ErrMissingGlobals, got %v", err)
	}
}

func TestSocketPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	t.Setenv("WAYLAND_DISPLAY", "wayland-1")

	tests := []struct {
		name string
		want string
	}{
		{"", "/run/user/1000/wayland-1"},
		{"wayland-5", "/run/user/1000/wayland-5"},
		{"/tmp/sock", "/tmp/sock"},
	}
	for _, tt := range tests {
		got, err := socketPath(tt.name)
		if err != nil || got != tt.want {
			t.Errorf("socketPath(%q) = %q, %v; want %q", tt.name, got, err, tt.want)
		}
	}
}
