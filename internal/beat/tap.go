package beat

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	maxTaps = 8
	minTaps = 4
	// TapResetAfter clears the tap buffer when the user stops tapping.
	TapResetAfter = 2500 * time.Millisecond
)

// TapTempo turns manual taps into a BPM using the median tap interval.
type TapTempo struct {
	mu   sync.Mutex
	taps []time.Time
	now  func() time.Time
}

// NewTapTempo creates an empty tap buffer.
func NewTapTempo() *TapTempo {
	return &TapTempo{now: time.Now}
}

// Tap records a tap now.
func (t *TapTempo) Tap() (float64, bool) {
	return t.TapAt(t.now())
}

// TapAt records a tap at the given time. Once at least four taps are buffered
// it returns the BPM of the median interval.
func (t *TapTempo) TapAt(at time.Time) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if k := len(t.taps); k > 0 && at.Sub(t.taps[k-1]) > TapResetAfter {
		t.taps = t.taps[:0]
	}
	t.taps = append(t.taps, at)
	if len(t.taps) > maxTaps {
		t.taps = append(t.taps[:0], t.taps[len(t.taps)-maxTaps:]...)
	}
	if len(t.taps) < minTaps {
		return 0, false
	}

	intervals := make([]float64, 0, len(t.taps)-1)
	for i := 1; i < len(t.taps); i++ {
		intervals = append(intervals, float64(t.taps[i].Sub(t.taps[i-1]))/float64(time.Millisecond))
	}
	sort.Float64s(intervals)
	mid := len(intervals) / 2
	med := intervals[mid]
	if len(intervals)%2 == 0 {
		med = (intervals[mid-1] + intervals[mid]) / 2
	}
	if med <= 0 {
		return 0, false
	}
	return math.Round(60000 / med), true
}

// Clear drops all buffered taps.
func (t *TapTempo) Clear() {
	t.mu.Lock()
	t.taps = t.taps[:0]
	t.mu.Unlock()
}

// Count returns the number of buffered taps.
func (t *TapTempo) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.taps)
}
