package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"keysynth/internal/config"
	"keysynth/internal/portal"
	"keysynth/internal/remote"
	"keysynth/internal/wayland"
	"keysynth/internal/x11"
)

var ErrNoBackend = errors.New("dispatch: no display server found")

// Openers for each backend. Tests replace them.
var (
	openX11 = func(ctx context.Context, cfg *config.Config) (Backend, error) {
		return x11.Open(cfg.X11.Display)
	}
	openWayland = func(ctx context.Context, cfg *config.Config) (Backend, error) {
		return wayland.Open(ctx, cfg.Wayland.Display)
	}
	openRemote = func(ctx context.Context, cfg *config.Config) (Backend, error) {
		return OpenRemote(ctx, cfg)
	}
)

// candidates returns the backends to try, in order, for cfg and the
// session environment.
func candidates(cfg *config.Config, getenv func(string) string) ([]string, error) {
	if cfg.Backend != config.BackendAuto {
		return []string{cfg.Backend}, nil
	}
	switch {
	case getenv("WAYLAND_DISPLAY") != "" || getenv("XDG_SESSION_TYPE") == "wayland":
		return []string{config.BackendWayland, config.BackendRemote}, nil
	case getenv("DISPLAY") != "" || getenv("XDG_SESSION_TYPE") == "x11":
		return []string{config.BackendX11}, nil
	}
	return nil, ErrNoBackend
}

// Select opens exactly one backend. With backend auto a Wayland session
// falls back to the remote backend when the compositor lacks the virtual
// input protocols.
func Select(ctx context.Context, cfg *config.Config) (Backend, error) {
	names, err := candidates(cfg, os.Getenv)
	if err != nil {
		return nil, err
	}
	for i, name := range names {
		b, err := open(ctx, name, cfg)
		if err == nil {
			log.Printf("Dispatch: using %s backend", b.Name())
			return b, nil
		}
		if i+1 < len(names) && errors.Is(err, wayland.ErrMissingGlobals) {
			log.Printf("Dispatch: %s unavailable (%v), trying %s", name, err, names[i+1])
			continue
		}
		return nil, fmt.Errorf("%s backend: %w", name, err)
	}
	return nil, ErrNoBackend
}

func open(ctx context.Context, name string, cfg *config.Config) (Backend, error) {
	switch name {
	case config.BackendX11:
		return openX11(ctx, cfg)
	case config.BackendWayland:
		return openWayland(ctx, cfg)
	case config.BackendRemote:
		return openRemote(ctx, cfg)
	}
	return nil, fmt.Errorf("%w: %q", config.ErrInvalidConfig, name)
}

// RemoteBackend is the remote backend together with the portal broker
// that granted it.
type RemoteBackend struct {
	*remote.Backend
	broker *portal.Broker
}

// Token returns the restore token the portal handed out, if any.
func (b *RemoteBackend) Token() string { return b.Session().Token() }

func (b *RemoteBackend) Close() error {
	return errors.Join(b.Backend.Close(), b.broker.Close())
}

// OpenRemote asks the desktop portal for access and establishes a remote
// session within the configured establish timeout.
func OpenRemote(ctx context.Context, cfg *config.Config) (*RemoteBackend, error) {
	broker, err := portal.New(portal.Options{
		Persist:      persistMode(cfg.Remote.Persist),
		RestoreToken: cfg.Remote.RestoreToken,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Remote.EstablishTimeout)
	defer cancel()
	b, err := remote.Open(ctx, broker, cfg.Remote.AppName)
	if err != nil {
		broker.Close()
		return nil, err
	}
	return &RemoteBackend{Backend: b, broker: broker}, nil
}

func persistMode(s string) uint32 {
	switch s {
	case config.PersistTransient:
		return portal.PersistTransient
	case config.PersistPermanent:
		return portal.PersistPermanent
	}
	return portal.PersistNone
}
