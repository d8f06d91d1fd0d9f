package publisher

import (
	"fmt"
	"math"

	"github.com/zsiec/moqpub/internal/bmff"
)

// MaxPriority is the priority of a group starting at time zero.
const MaxPriority = math.MaxUint32

// Priority maps a decode timestamp to a group priority that falls as
// media time advances, so earlier groups win when a transport sheds
// load. Timestamps beyond MaxPriority milliseconds (about 49.7 days)
// fail with ErrPriorityOverflow.
func Priority(ts uint64, timescale uint32) (uint32, error) {
	if timescale == 0 {
		return 0, fmt.Errorf("%w: zero timescale", bmff.ErrMalformedBox)
	}
	scale := uint64(timescale)
	secs := ts / scale
	if secs > MaxPriority/1000 {
		return 0, fmt.Errorf("%w: %d ticks at timescale %d", ErrPriorityOverflow, ts, timescale)
	}
	ms := secs*1000 + (ts%scale)*1000/scale
	if ms > MaxPriority {
		return 0, fmt.Errorf("%w: %d ticks at timescale %d", ErrPriorityOverflow, ts, timescale)
	}
	return MaxPriority - uint32(ms), nil
}
