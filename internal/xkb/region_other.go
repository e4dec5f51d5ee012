//go:build !linux

package xkb

import "errors"

func (s *Synthesizer) Publish() (*Region, error) {
	return nil, errors.ErrUnsupported
}
