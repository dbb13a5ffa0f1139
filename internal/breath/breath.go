// Package breath turns a four-phase breathing pattern and a clock into the
// current phase and progress consumed by visual and audio cues.
package breath

import (
	"errors"
	"math"
)

// Phase is one segment of a breath cycle.
type Phase string

const (
	Inhale     Phase = "inhale"
	HoldTop    Phase = "holdTop"
	Exhale     Phase = "exhale"
	HoldBottom Phase = "holdBottom"
)

// progressEpsilon guards against zero-length phases.
const progressEpsilon = 1e-4

// ErrBenchmarkRequired is returned when tempo sync is enabled without a usable benchmark.
var ErrBenchmarkRequired = errors.New("breath: benchmark required for tempo sync")

// Pattern holds phase durations in seconds.
type Pattern struct {
	Inhale     float64 `json:"inhale" yaml:"inhale"`
	HoldTop    float64 `json:"holdTop" yaml:"holdTop"`
	Exhale     float64 `json:"exhale" yaml:"exhale"`
	HoldBottom float64 `json:"holdBottom" yaml:"holdBottom"`
}

// Total is the full cycle length.
func (p Pattern) Total() float64 {
	return p.Inhale + p.HoldTop + p.Exhale + p.HoldBottom
}

// Scale multiplies every phase by f.
func (p Pattern) Scale(f float64) Pattern {
	return Pattern{
		Inhale:     p.Inhale * f,
		HoldTop:    p.HoldTop * f,
		Exhale:     p.Exhale * f,
		HoldBottom: p.HoldBottom * f,
	}
}

// Valid reports whether all four durations are positive finite numbers.
func (p Pattern) Valid() bool {
	for _, d := range []float64{p.Inhale, p.HoldTop, p.Exhale, p.HoldBottom} {
		if math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 {
			return false
		}
	}
	return true
}

// State is the position inside a breath cycle. Progress is in [0,1).
type State struct {
	Phase         Phase   `json:"phase"`
	PhaseProgress float64 `json:"phaseProgress"`
}

// Compute locates elapsed seconds inside the cycle described by p.
// It returns false when the pattern has no usable length.
func Compute(p Pattern, elapsed float64) (State, bool) {
	total := p.Total()
	if !(total > 0) || math.IsInf(total, 0) || math.IsNaN(elapsed) || math.IsInf(elapsed, 0) {
		return State{}, false
	}

	pos := math.Mod(elapsed, total)
	if pos < 0 {
		pos += total
	}

	var st State
	switch {
	case pos < p.Inhale:
		st = State{Inhale, pos / math.Max(p.Inhale, progressEpsilon)}
	case pos < p.Inhale+p.HoldTop:
		st = State{HoldTop, (pos - p.Inhale) / math.Max(p.HoldTop, progressEpsilon)}
	case pos < p.Inhale+p.HoldTop+p.Exhale:
		st = State{Exhale, (pos - p.Inhale - p.HoldTop) / math.Max(p.Exhale, progressEpsilon)}
	default:
		start := p.Inhale + p.HoldTop + p.Exhale
		st = State{HoldBottom, (pos - start) / math.Max(p.HoldBottom, progressEpsilon)}
	}
	if st.PhaseProgress < 0 {
		st.PhaseProgress = 0
	}
	if st.PhaseProgress >= 1 {
		st.PhaseProgress = math.Nextafter(1, 0)
	}
	return st, true
}

// Gate refuses tempo-driven breathing until a valid benchmark exists.
func Gate(enabled bool, benchmark *Pattern) error {
	if !enabled {
		return nil
	}
	if benchmark == nil || !benchmark.Valid() {
		return ErrBenchmarkRequired
	}
	return nil
}
