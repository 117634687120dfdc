package consistency

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultSchedule is the delay between polls. The last step repeats until
// the wait times out.
var DefaultSchedule = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	500 * time.Millisecond,
}

// steppedBackOff walks a fixed list of delays and then holds the last one.
type steppedBackOff struct {
	steps []time.Duration
	next  int
}

var _ backoff.BackOff = (*steppedBackOff)(nil)

func newSteppedBackOff(steps []time.Duration) *steppedBackOff {
	if len(steps) == 0 {
		steps = DefaultSchedule
	}
	return &steppedBackOff{steps: append([]time.Duration(nil), steps...)}
}

func (b *steppedBackOff) NextBackOff() time.Duration {
	d := b.steps[b.next]
	if b.next < len(b.steps)-1 {
		b.next++
	}
	return d
}

func (b *steppedBackOff) Reset() { b.next = 0 }
