package x11

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"keysynth/internal/event"
	"keysynth/internal/keysym"
	"keysynth/internal/resolver"
)

type fakeServer struct {
	table    resolver.Table
	sent     []string
	notify   chan mappingNotify
	overflow atomic.Bool
}

func newFakeServer() *fakeServer {
	t := resolver.Table{Min: 8, Max: 63, PerKeycode: 2, Syms: make([]keysym.Keysym, 56*2)}
	t.Set(38, []keysym.Keysym{keysym.FromRune('a'), keysym.FromRune('A')})
	t.Set(50, []keysym.Keysym{keysym.ShiftL})
	t.Set(62, []keysym.Keysym{keysym.ShiftR})
	t.Set(36, []keysym.Keysym{keysym.Return})
	for kc := uint8(9); kc < 36; kc++ {
		t.Set(kc, []keysym.Keysym{keysym.Keysym(0x1008fe00 + uint32(kc))})
	}
	return &fakeServer{table: t, notify: make(chan mappingNotify, 4)}
}

func (f *fakeServer) KeyboardMapping() (resolver.Table, error) {
	c := f.table
	c.Syms = append([]keysym.Keysym(nil), f.table.Syms...)
	return c, nil
}

func (f *fakeServer) KeycodeMapping(kc uint8) ([]keysym.Keysym, error) {
	return append([]keysym.Keysym(nil), f.table.Levels(kc)...), nil
}

func (f *fakeServer) ChangeMapping(kc uint8, syms []keysym.Keysym) error {
	f.table.Set(kc, syms)
	f.sent = append(f.sent, fmt.Sprintf("map %d %v", kc, syms[0]))
	return nil
}

func (f *fakeServer) FakeInput(typ, detail byte, x, y int16) error {
	names := map[byte]string{keyPress: "kp", keyRelease: "kr", buttonPress: "bp", buttonRelease: "br", motionNotify: "mv"}
	if typ == motionNotify {
		f.sent = append(f.sent, fmt.Sprintf("mv %d %d,%d", detail, x, y))
	} else {
		f.sent = append(f.sent, fmt.Sprintf("%s %d", names[typ], detail))
	}
	return nil
}

func (f *fakeServer) ScreenSize() (int, int)     { return 1920, 1080 }
func (f *fakeServer) Pointer() (int, int, error) { return 10, 20, nil }
func (f *fakeServer) Close() error               { return nil }

func (f *fakeServer) Notifications() (<-chan mappingNotify, *atomic.Bool) {
	return f.notify, &f.overflow
}

func newTestBackend(t *testing.T) (*Backend, *fakeServer) {
	t.Helper()
	srv := newFakeServer()
	b, err := newBackend(srv)
	if err != nil {
		t.Fatal(err)
	}
	return b, srv
}

func expectSent(t *testing.T, srv *fakeServer, want ...string) {
	t.Helper()
	if fmt.Sprint(srv.sent) != fmt.Sprint(want) {
		t.Errorf("Expected %v, got %v", want, srv.sent)
	}
	srv.sent = nil
}

func TestKeyClick(t *testing.T) {
	b, srv := newTestBackend(t)
	ctx := context.Background()

	if err := b.Key(ctx, event.Unicode('a'), event.Click); err != nil {
		t.Fatal(err)
	}
	expectSent(t, srv, "kp 38", "kr 38")

	if err := b.Key(ctx, event.Unicode('A'), event.Click); err != nil {
		t.Fatal(err)
	}
	expectSent(t, srv, "kp 50", "kp 38", "kr 50", "kr 38")

	if err := b.Key(ctx, event.MustSpecial("Shift"), event.Press); err != nil {
		t.Fatal(err)
	}
	if err := b.Key(ctx, event.Unicode('A'), event.Click); err != nil {
		t.Fatal(err)
	}
	if err := b.Key(ctx, event.MustSpecial("Shift"), event.Release); err != nil {
		t.Fatal(err)
	}
	expectSent(t, srv, "kp 50", "kp 38", "kr 38", "kr 50")
}

func TestDynamicBinding(t *testing.T) {
	b, srv := newTestBackend(t)
	ctx := context.Background()

	if err := b.Key(ctx, event.Unicode('€'), event.Click); err != nil {
		t.Fatal(err)
	}
	// keycode 8 is the first one with no symbols
	expectSent(t, srv, "map 8 U20AC", "kp 8", "kr 8")

	srv.notify <- mappingNotify{first: 8, count: 1}
	if err := b.Key(ctx, event.Unicode('€'), event.Click); err != nil {
		t.Fatal(err)
	}
	expectSent(t, srv, "kp 8", "kr 8")
}

func TestHeldKeyIsPinned(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	if err := b.Key(ctx, event.Unicode('€'), event.Press); err != nil {
		t.Fatal(err)
	}
	kc := b.held[event.Unicode('€')]
	if !b.res.Pinned(kc) {
		t.Fatalf("keycode %d should be pinned while held", kc)
	}
	if err := b.Key(ctx, event.Unicode('€'), event.Release); err != nil {
		t.Fatal(err)
	}
	if b.res.Pinned(kc) {
		t.Errorf("keycode %d should be unpinned after release", kc)
	}
}

func TestRepeatedPressPinsOnce(t *testing.T) {
	b, srv := newTestBackend(t)
	ctx := context.Background()
	euro := event.Unicode('€')

	for i := 0; i < 2; i++ {
		if err := b.Key(ctx, euro, event.Press); err != nil {
			t.Fatal(err)
		}
	}
	kc := b.held[euro]
	if err := b.Key(ctx, euro, event.Release); err != nil {
		t.Fatal(err)
	}
	expectSent(t, srv, "map 8 U20AC", "kp 8", "kp 8", "kr 8")
	if b.res.Pinned(kc) {
		t.Errorf("Expected keycode %d unpinned after release, got pinned", kc)
	}
	if len(b.held) != 0 {
		t.Errorf("Expected nothing held, got %v", b.held)
	}
}

func TestLayoutAndRaw(t *testing.T) {
	b, srv := newTestBackend(t)
	ctx := context.Background()

	q, _ := event.Layout("KeyQ")
	if err := b.Key(ctx, q, event.Click); err != nil {
		t.Fatal(err)
	}
	if err := b.Key(ctx, event.Raw(38), event.Press); err != nil {
		t.Fatal(err)
	}
	expectSent(t, srv, "kp 24", "kr 24", "kp 38")

	if err := b.Key(ctx, event.Raw(3), event.Click); err == nil {
		t.Error("Expected an error for keycode 3")
	}
}

func TestPointer(t *testing.T) {
	b, srv := newTestBackend(t)
	ctx := context.Background()

	b.Move(ctx, 100, 200, event.Abs)
	b.Move(ctx, -5, 5, event.Rel)
	b.Button(ctx, event.Right, event.Click)
	b.Scroll(ctx, event.Vertical, -2)
	b.Scroll(ctx, event.Horizontal, 1)
	expectSent(t, srv,
		"mv 0 100,200", "mv 1 -5,5",
		"bp 3", "br 3",
		"bp 4", "br 4", "bp 4", "br 4",
		"bp 7", "br 7",
	)

	w, h, _ := b.DisplaySize(ctx)
	x, y, _ := b.Location(ctx)
	if w != 1920 || h != 1080 || x != 10 || y != 20 {
		t.Errorf("unexpected settings %dx%d at %d,%d", w, h, x, y)
	}
}

func TestCloseReleasesHeldKeys(t *testing.T) {
	b, srv := newTestBackend(t)
	ctx := context.Background()

	b.Key(ctx, event.MustSpecial("Ctrl"), event.Press)
	b.Key(ctx, event.Unicode('€'), event.Press)
	srv.sent = nil

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if !srv.table.Unused(8) {
		t.Error("dynamic keycode 8 should be unbound on close")
	}
	if len(b.held) != 0 {
		t.Errorf("Expected no held keys, got %d", len(b.held))
	}
}
