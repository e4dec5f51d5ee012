// Package tray provides system tray functionality using getlantern/systray.
package tray

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"keysynth/internal/protocol"

	"github.com/getlantern/systray"
)

// MenuItem represents a menu item
type MenuItem struct {
	ID       int
	Title    string
	Disabled bool
	Callback func()
	item     *systray.MenuItem
}

// Tray manages the system tray icon and menu
type Tray struct {
	mu      sync.Mutex
	items   []*MenuItem
	onReady func()
	onExit  func()
	readyCh chan struct{}
	quitCh  chan struct{}
}

// New creates a new system tray
func New(tooltip string) *Tray {
	t := &Tray{
		items:   make([]*MenuItem, 0),
		readyCh: make(chan struct{}),
		quitCh:  make(chan struct{}),
	}

	t.onReady = func() {
		systray.SetTitle("keysynth")
		systray.SetTooltip(tooltip)
		systray.SetIcon(getIcon())
		close(t.readyCh)
	}

	t.onExit = func() {
		close(t.quitCh)
	}

	return t
}

// AddMenuItem adds a menu item to the tray
func (t *Tray) AddMenuItem(title string, callback func()) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := len(t.items)
	t.items = append(t.items, &MenuItem{ID: id, Title: title, Callback: callback})
	return id
}

// AddLabel adds a disabled item whose title can be changed with SetTitle
func (t *Tray) AddLabel(title string) int {
	id := t.AddMenuItem(title, nil)
	t.items[id].Disabled = true
	return id
}

// AddSeparator adds a separator to the menu
func (t *Tray) AddSeparator() {
	t.mu.Lock()
	t.items = append(t.items, nil) // nil indicates separator
	t.mu.Unlock()
}

// SetTitle changes the title of a menu item
func (t *Tray) SetTitle(id int, title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.items) || t.items[id] == nil {
		return
	}
	t.items[id].Title = title
	if t.items[id].item != nil {
		t.items[id].item.SetTitle(title)
	}
}

// Run starts the tray event loop (blocks)
func (t *Tray) Run() {
	systray.Run(t.setupMenu, t.onExit)
}

// Done is closed once the tray has exited
func (t *Tray) Done() <-chan struct{} { return t.quitCh }

// setupMenu is called when systray is ready
func (t *Tray) setupMenu() {
	t.onReady()
	<-t.readyCh

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, menuItem := range t.items {
		if menuItem == nil {
			systray.AddSeparator()
			continue
		}
		item := systray.AddMenuItem(menuItem.Title, "")
		menuItem.item = item
		if menuItem.Disabled {
			item.Disable()
		}

		// Handle clicks in goroutine
		if menuItem.Callback != nil {
			go func(mi *MenuItem) {
				for {
					select {
					case <-mi.item.ClickedCh:
						mi.Callback()
					case <-t.quitCh:
						return
					}
				}
			}(menuItem)
		}
	}
}

// Stop stops the tray
func (t *Tray) Stop() {
	systray.Quit()
}

// Controller is what the tray menu drives.
type Controller interface {
	Status(ctx context.Context) protocol.StatusPayload
	ReleaseAll(ctx context.Context) error
}

// Attach builds the keysynth menu: a status line, release and quit. The
// status line refreshes every interval until ctx ends.
func Attach(ctx context.Context, t *Tray, ctrl Controller, interval time.Duration, quit func()) {
	status := t.AddLabel(statusTitle(ctrl.Status(ctx)))
	t.AddSeparator()
	t.AddMenuItem("Release held keys", func() {
		if err := ctrl.ReleaseAll(ctx); err != nil {
			log.Printf("Tray: release failed: %v", err)
		}
		t.SetTitle(status, statusTitle(ctrl.Status(ctx)))
	})
	t.AddSeparator()
	t.AddMenuItem("Quit", quit)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.SetTitle(status, statusTitle(ctrl.Status(ctx)))
			case <-ctx.Done():
				return
			case <-t.quitCh:
				return
			}
		}
	}()
}

func statusTitle(st protocol.StatusPayload) string {
	title := "Backend: " + st.Backend
	if len(st.Held) > 0 {
		title += fmt.Sprintf(" (holding %s)", strings.Join(st.Held, ", "))
	}
	return title
}

// getIcon returns a placeholder icon (valid 16x16 ICO)
func getIcon() []byte {
	icon := make([]byte, 1118)
	// ICO Header
	copy(icon[0:6], []byte{0x00, 0x00, 0x01, 0x00, 0x01, 0x00})
	// Icon Directory
	copy(icon[6:22], []byte{
		0x10, 0x10, 0x00, 0x00, 0x01, 0x00, 0x20, 0x00,
		0x48, 0x04, 0x00, 0x00, // 1024 pixels + 40 header + 32 mask
		0x16, 0x00, 0x00, 0x00, // Offset
	})
	// DIB Header
	copy(icon[22:62], []byte{
		0x28, 0x00, 0x00, 0x00, // Size
		0x10, 0x00, 0x00, 0x00, // Width
		0x20, 0x00, 0x00, 0x00, // Height (16 * 2 for icon)
		0x01, 0x00, // Planes
		0x20, 0x00, // BPP
		0x00, 0x00, 0x00, 0x00, // Compression
		0x00, 0x04, 0x00, 0x00, // Image Size
	})
	// Keyboard glyph: opaque white rows 5..10, columns 2..13 (bottom-up)
	for y := 5; y <= 10; y++ {
		for x := 2; x <= 13; x++ {
			off := 62 + (y*16+x)*4
			copy(icon[off:off+4], []byte{0xff, 0xff, 0xff, 0xff})
		}
	}
	return icon
}
