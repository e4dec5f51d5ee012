//go:build !linux

package wayland

import (
	"context"
	"errors"

	"keysynth/internal/event"
)

var (
	ErrNoCompositor   = errors.New("wayland: no compositor socket")
	ErrMissingGlobals = errors.New("wayland: compositor lacks virtual keyboard or pointer")
)

// Backend is unavailable on this platform.
type Backend struct{}

func Open(ctx context.Context, name string) (*Backend, error) {
	return nil, errors.ErrUnsupported
}

func (b *Backend) Name() string { return "wayland" }

func (b *Backend) Prepare(ctx context.Context, keys []event.Key) error {
	return errors.ErrUnsupported
}

func (b *Backend) Key(ctx context.Context, k event.Key, dir event.Direction) error {
	return errors.ErrUnsupported
}

func (b *Backend) Button(ctx context.Context, btn event.Button, dir event.Direction) error {
	return errors.ErrUnsupported
}

func (b *Backend) Move(ctx context.Context, x, y int32, c event.Coordinate) error {
	return errors.ErrUnsupported
}

func (b *Backend) Scroll(ctx context.Context, axis event.Axis, amount int32) error {
	return errors.ErrUnsupported
}

func (b *Backend) DisplaySize(ctx context.Context) (int, int, error) {
	return 0, 0, errors.ErrUnsupported
}

func (b *Backend) Location(ctx context.Context) (int, int, error) {
	return 0, 0, errors.ErrUnsupported
}

func (b *Backend) Close() error { return nil }
