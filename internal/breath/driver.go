package breath

import (
	"context"
	"sync"
	"time"
)

// PatternSource supplies the pattern to follow; it is read on every tick so
// tempo changes take effect mid-cycle.
type PatternSource interface {
	TempoPattern() Pattern
}

// Option configures a Driver.
type Option func(*Driver)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// Driver advances a breath cycle from a monotonic start time.
type Driver struct {
	src PatternSource
	now func() time.Time

	mu      sync.Mutex
	start   time.Time
	running bool
}

// NewDriver creates a stopped driver reading patterns from src.
func NewDriver(src PatternSource, opts ...Option) *Driver {
	d := &Driver{src: src, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start (re)starts the cycle at inhale.
func (d *Driver) Start() {
	d.mu.Lock()
	d.start = d.now()
	d.running = true
	d.mu.Unlock()
}

// Stop halts the cycle; Current reports false until Start is called again.
func (d *Driver) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Running reports whether the cycle is started.
func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Current returns the phase at the current clock reading.
func (d *Driver) Current() (State, bool) {
	d.mu.Lock()
	running, start := d.running, d.start
	d.mu.Unlock()
	if !running {
		return State{}, false
	}
	return Compute(d.src.TempoPattern(), d.now().Sub(start).Seconds())
}

// Run polls every interval and calls fn whenever the phase changes.
// It blocks until ctx is cancelled.
func (d *Driver) Run(ctx context.Context, every time.Duration, fn func(State)) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var last Phase
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			st, ok := d.Current()
			if !ok {
				last = ""
				continue
			}
			if st.Phase != last {
				last = st.Phase
				fn(st)
			}
		}
	}
}
