//go:build linux

package xkb

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Publish copies the current keymap into a fresh sealed memfd.
func (s *Synthesizer) Publish() (*Region, error) {
	text := s.Keymap()
	if len(text) > RegionSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrKeymapTooLarge, len(text))
	}

	fd, err := unix.MemfdCreate("keysynth-keymap", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	f := os.NewFile(uintptr(fd), "keysynth-keymap")
	if err := fill(fd, text); err != nil {
		f.Close()
		return nil, err
	}
	return &Region{file: f, Size: uint32(len(text))}, nil
}

func fill(fd int, text []byte) error {
	if err := unix.Ftruncate(fd, RegionSize); err != nil {
		return fmt.Errorf("ftruncate: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, RegionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	copy(mem, text)
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	seals := unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE | unix.F_SEAL_SEAL
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, seals); err != nil {
		return fmt.Errorf("seal keymap: %w", err)
	}
	return nil
}
