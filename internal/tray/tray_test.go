package tray

import (
	"context"
	"testing"
	"time"

	"keysynth/internal/protocol"
)

type fakeController struct {
	held     []string
	releases int
}

func (f *fakeController) Status(ctx context.Context) protocol.StatusPayload {
	return protocol.StatusPayload{Backend: "x11", Held: f.held}
}

func (f *fakeController) ReleaseAll(ctx context.Context) error {
	f.releases++
	f.held = nil
	return nil
}

func TestStatusTitle(t *testing.T) {
	if got := statusTitle(protocol.StatusPayload{Backend: "remote"}); got != "Backend: remote" {
		t.Errorf("Expected plain backend title, got %q", got)
	}
	got := statusTitle(protocol.StatusPayload{Backend: "x11", Held: []string{"Special(Shift)", "Unicode('a')"}})
	if got != "Backend: x11 (holding Special(Shift), Unicode('a'))" {
		t.Errorf("Expected held keys in the title, got %q", got)
	}
}

func TestAttachMenu(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := New("test")
	ctrl := &fakeController{held: []string{"Special(Shift)"}}
	quit := false
	Attach(ctx, tr, ctrl, time.Hour, func() { quit = true })

	var titles []string
	var release, exit *MenuItem
	for _, it := range tr.items {
		if it == nil {
			continue
		}
		titles = append(titles, it.Title)
		switch it.Title {
		case "Release held keys":
			release = it
		case "Quit":
			exit = it
		}
	}
	if len(titles) != 3 || !tr.items[0].Disabled {
		t.Fatalf("Expected status, release and quit items, got %q", titles)
	}
	if titles[0] != "Backend: x11 (holding Special(Shift))" {
		t.Errorf("Expected the initial status, got %q", titles[0])
	}

	release.Callback()
	if ctrl.releases != 1 || tr.items[0].Title != "Backend: x11" {
		t.Errorf("Expected a release and a refreshed status, got %d %q", ctrl.releases, tr.items[0].Title)
	}
	exit.Callback()
	if !quit {
		t.Error("Expected Quit to call the quit function")
	}
}
