package portal

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"

	"keysynth/internal/remote"
)

func TestRequestPath(t *testing.T) {
	got := requestPath(":1.42", "keysynth_request_7_1")
	want := dbus.ObjectPath("/org/freedesktop/portal/desktop/request/1_42/keysynth_request_7_1")
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
	if !got.IsValid() {
		t.Errorf("Expected a valid object path, got %s", got)
	}
}

func TestHandleToken(t *testing.T) {
	a := handleToken("session", 100, 1)
	b := handleToken("session", 100, 2)
	if a == b {
		t.Errorf("Expected distinct tokens, got %s twice", a)
	}
	if p := dbus.ObjectPath("/x/" + a); !p.IsValid() {
		t.Errorf("Expected token usable in a path, got %s", a)
	}
}

func TestResponseError(t *testing.T) {
	if err := responseError(0); err != nil {
		t.Errorf("Expected success, got %v", err)
	}
	for _, code := range []uint32{1, 2, 9} {
		if err := responseError(code); !errors.Is(err, remote.ErrPermissionDenied) {
			t.Errorf("code %d: expected ErrPermissionDenied, got %v", code, err)
		}
	}
}

func TestParseResponse(t *testing.T) {
	results := map[string]dbus.Variant{"session_handle": dbus.MakeVariant("/s/1")}
	code, got, err := parseResponse([]any{uint32(0), results})
	if err != nil || code != 0 || got["session_handle"].Value() != "/s/1" {
		t.Errorf("Expected parsed response, got %d %v %v", code, got, err)
	}
	if _, _, err := parseResponse([]any{"bad"}); err == nil {
		t.Error("Expected an error for a malformed body")
	}
	if _, _, err := parseResponse([]any{int32(0), results}); err == nil {
		t.Error("Expected an error for a mistyped code")
	}
}
