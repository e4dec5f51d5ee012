package xkb

import (
	"errors"
	"os"
)

// RegionSize is the fixed capacity of a published keymap region.
const RegionSize = 64 << 10

var ErrKeymapTooLarge = errors.New("keymap larger than region")

// Region is a read-only shared memory file holding one keymap. Size is the
// keymap length including the terminating NUL; the file itself is
// RegionSize bytes.
type Region struct {
	file *os.File
	Size uint32
}

func (r *Region) Fd() uintptr { return r.file.Fd() }

func (r *Region) File() *os.File { return r.file }

func (r *Region) Close() error { return r.file.Close() }
