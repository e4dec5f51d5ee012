package dispatch

import (
	"context"
	"time"

	"keysynth/internal/event"
)

// minGap separates keys that did not occur yet in the current chunk.
const minGap = time.Millisecond

// pacer spaces key events. Receivers may coalesce a key that repeats too
// quickly, so a key already seen in the current chunk waits out the full
// delay since the last event and starts a new chunk.
type pacer struct {
	delay time.Duration
	chunk map[event.Key]struct{}
	last  time.Time
	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

func newPacer(delay time.Duration) *pacer {
	return &pacer{
		delay: delay,
		chunk: make(map[event.Key]struct{}),
		sleep: sleep,
		now:   time.Now,
	}
}

func (p *pacer) wait(ctx context.Context, k event.Key) error {
	d := minGap
	if _, seen := p.chunk[k]; seen {
		d = p.delay - p.now().Sub(p.last)
		clear(p.chunk)
	}
	p.chunk[k] = struct{}{}
	return p.sleep(ctx, d)
}

// mark records that an event was just sent.
func (p *pacer) mark() { p.last = p.now() }
