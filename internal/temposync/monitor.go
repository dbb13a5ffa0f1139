package temposync

import (
	"sync"
	"time"
)

const (
	// NoStableThreshold is the confidence below which the tempo is treated as unstable.
	NoStableThreshold = 0.35
	// NoStableAfter is how long confidence must stay low while playing before flagging it.
	NoStableAfter = 2500 * time.Millisecond
)

// StabilityMonitor debounces the "no stable tempo detected" message.
type StabilityMonitor struct {
	mu       sync.Mutex
	lowSince time.Time
	flagged  bool
}

func NewStabilityMonitor() *StabilityMonitor {
	return &StabilityMonitor{}
}

// Observe feeds a snapshot taken at now and returns whether the flag is set.
func (m *StabilityMonitor) Observe(s State, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.PlaybackState != Playing || s.Confidence >= NoStableThreshold {
		m.lowSince = time.Time{}
		m.flagged = false
		return false
	}
	if m.lowSince.IsZero() {
		m.lowSince = now
	}
	m.flagged = now.Sub(m.lowSince) > NoStableAfter
	return m.flagged
}

// Check re-evaluates the timer without a new snapshot.
func (m *StabilityMonitor) Check(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lowSince.IsZero() {
		return false
	}
	m.flagged = now.Sub(m.lowSince) > NoStableAfter
	return m.flagged
}

// NoStable returns the last computed flag.
func (m *StabilityMonitor) NoStable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flagged
}
