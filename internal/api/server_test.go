package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"keysynth/internal/config"
	"keysynth/internal/dispatch"
	"keysynth/internal/event"
	"keysynth/internal/protocol"
)

type fakeBackend struct {
	mu  sync.Mutex
	log []string

	// when set, Key signals entered and waits for gate
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeBackend) record(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, s)
	return nil
}

func (f *fakeBackend) entries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Key(ctx context.Context, k event.Key, dir event.Direction) error {
	if f.gate != nil && dir == event.Press {
		f.entered <- struct{}{}
		<-f.gate
	}
	return f.record(fmt.Sprintf("key %v %v", k, dir))
}

func (f *fakeBackend) Button(ctx context.Context, b event.Button, dir event.Direction) error {
	return f.record(fmt.Sprintf("button %v %v", b, dir))
}

func (f *fakeBackend) Move(ctx context.Context, x, y int32, c event.Coordinate) error {
	return f.record(fmt.Sprintf("move %d %d %v", x, y, c))
}

func (f *fakeBackend) Scroll(ctx context.Context, axis event.Axis, amount int32) error {
	return f.record(fmt.Sprintf("scroll %v %d", axis, amount))
}

func (f *fakeBackend) DisplaySize(ctx context.Context) (int, int, error) {
	return 1920, 1080, nil
}

func (f *fakeBackend) Location(ctx context.Context) (int, int, error) {
	return 0, 0, errors.ErrUnsupported
}

func (f *fakeBackend) Close() error { return f.record("close") }

func newTestServer(t *testing.T, token string) (*Server, *fakeBackend, *httptest.Server) {
	t.Helper()
	f := &fakeBackend{}
	d := dispatch.New(f, dispatch.Options{Timeout: time.Second})
	s := NewServer(config.APIConfig{Token: token}, d)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.wsMgr.stop()
	})
	return s, f, ts
}

func post(t *testing.T, url, token, body string) (*http.Response, protocol.ResultPayload) {
	t.Helper()
	req, _ := http.NewRequest("POST", url, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var res protocol.ResultPayload
	json.NewDecoder(resp.Body).Decode(&res)
	return resp, res
}

func TestAuth(t *testing.T) {
	_, _, ts := newTestServer(t, "secret")

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected health without a token, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without a token, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/status?token=secret")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st protocol.StatusPayload
	json.NewDecoder(resp.Body).Decode(&st)
	if resp.StatusCode != http.StatusOK || st.Backend != "fake" || st.Width != 1920 {
		t.Errorf("Expected the status, got %d %+v", resp.StatusCode, st)
	}
}

func TestTextEndpoint(t *testing.T) {
	_, f, ts := newTestServer(t, "")

	resp, res := post(t, ts.URL+"/api/text", "", `{"text":"hi"}`)
	if resp.StatusCode != http.StatusOK || !res.OK {
		t.Fatalf("Expected success, got %d %+v", resp.StatusCode, res)
	}
	if got := f.entries(); len(got) != 2 {
		t.Errorf("Expected two key events, got %q", got)
	}
}

func TestParseErrorTouchesNothing(t *testing.T) {
	_, f, ts := newTestServer(t, "")

	resp, res := post(t, ts.URL+"/api/text", "", `{"text":"ab{FOOBAR}"}`)
	if resp.StatusCode != http.StatusBadRequest || res.OK || res.Error == "" {
		t.Errorf("Expected a bad request, got %d %+v", resp.StatusCode, res)
	}
	resp, _ = post(t, ts.URL+"/api/command", "", `{"type":"key","payload":{"key":"NoSuchKey","direction":"press"}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected a bad request for an unknown key, got %d", resp.StatusCode)
	}
	resp, _ = post(t, ts.URL+"/api/command", "", `{"type":"explode"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected a bad request for an unknown type, got %d", resp.StatusCode)
	}
	if got := f.entries(); len(got) != 0 {
		t.Errorf("Expected no backend calls, got %q", got)
	}
}

func TestCommandsAndRelease(t *testing.T) {
	s, f, ts := newTestServer(t, "")

	post(t, ts.URL+"/api/command", "", `{"type":"key","payload":{"key":"Shift","direction":"press"}}`)
	post(t, ts.URL+"/api/command", "", `{"type":"move","payload":{"x":5,"y":-3,"relative":true}}`)
	post(t, ts.URL+"/api/command", "", `{"type":"scroll","payload":{"amount":2}}`)

	st := s.Status(context.Background())
	if len(st.Held) != 1 || st.Modifiers != "Shift" {
		t.Errorf("Expected Shift held, got %+v", st)
	}

	resp, res := post(t, ts.URL+"/api/release", "", "")
	if resp.StatusCode != http.StatusOK || !res.OK {
		t.Fatalf("Expected release to succeed, got %d %+v", resp.StatusCode, res)
	}
	if st := s.Status(context.Background()); len(st.Held) != 0 {
		t.Errorf("Expected nothing held, got %v", st.Held)
	}

	shift := event.MustSpecial("Shift")
	want := []string{
		fmt.Sprintf("key %v %v", shift, event.Press),
		fmt.Sprintf("move 5 -3 %v", event.Rel),
		fmt.Sprintf("scroll %v 2", event.Vertical),
		fmt.Sprintf("key %v %v", shift, event.Release),
	}
	if got := f.entries(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Expected %q, got %q", want, got)
	}

	resp, _ = post(t, ts.URL+"/api/command", "", `{"type":"key","payload":{"key":"a","direction":"release"}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected releasing an unheld key to be a bad request, got %d", resp.StatusCode)
	}
}

func TestWebSocketClient(t *testing.T) {
	_, f, ts := newTestServer(t, "secret")
	addr := strings.TrimPrefix(ts.URL, "http://")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := Dial(ctx, addr, "wrong"); err == nil {
		t.Fatal("Expected a wrong token to be rejected")
	}

	c, err := Dial(ctx, addr, "secret")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	statuses := make(chan protocol.StatusPayload, 4)
	c.OnStatus(func(st protocol.StatusPayload) { statuses <- st })

	if _, err := c.Send(ctx, protocol.TypeButton, protocol.ButtonPayload{Button: "left", Direction: "press"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Send(ctx, protocol.TypeKey, protocol.KeyPayload{Key: "Control", Direction: "press"}); err != nil {
		t.Fatal(err)
	}
	select {
	case st := <-statuses:
		if st.Backend != "fake" {
			t.Errorf("Expected status from the fake backend, got %+v", st)
		}
	case <-ctx.Done():
		t.Fatal("Expected a status broadcast")
	}

	if _, err := c.Send(ctx, protocol.TypeText, protocol.TextPayload{Text: "{UNCLOSED"}); err == nil {
		t.Error("Expected a parse error result")
	}
	st, err := c.Send(ctx, protocol.TypeStatus, nil)
	if err != nil || st == nil || st.Modifiers != "Control" {
		t.Errorf("Expected Control in the status, got %+v (%v)", st, err)
	}
	if got := f.entries(); len(got) != 2 {
		t.Errorf("Expected two backend calls, got %q", got)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://127.0.0.1:18081", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "http://127.0.0.1:18081/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := checkOrigin(r); got != tt.want {
			t.Errorf("Origin %q: expected %v, got %v", tt.origin, tt.want, got)
		}
	}
}

func TestCloseWaitsForRunningCommand(t *testing.T) {
	f := &fakeBackend{entered: make(chan struct{}), gate: make(chan struct{})}
	s := NewServer(config.APIConfig{}, dispatch.New(f, dispatch.Options{Timeout: 5 * time.Second}))
	ctx := context.Background()
	shift := event.MustSpecial("Shift")

	msg, _ := protocol.NewMessage(protocol.TypeKey, "", protocol.KeyPayload{Key: "Shift", Direction: "press"})
	go s.Execute(ctx, msg)
	<-f.entered

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case <-closed:
		t.Fatal("Expected Close to wait for the running command")
	case <-time.After(50 * time.Millisecond):
	}
	close(f.gate)
	if err := <-closed; err != nil {
		t.Fatal(err)
	}

	want := []string{
		fmt.Sprintf("key %v %v", shift, event.Press),
		fmt.Sprintf("key %v %v", shift, event.Release),
		"close",
	}
	if got := f.entries(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Expected %q, got %q", want, got)
	}
	if _, err := s.Execute(ctx, msg); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
}
