// Package temposync holds the shared tempo state that the detector, the
// breath driver and the API all read and write.
package temposync

import (
	"errors"
	"math"
	"sync"

	"github.com/satindergrewal/tempobreath/internal/breath"
)

const (
	MinBPM               = 30
	MaxBPM               = 300
	DefaultBPM           = 120
	MinMultiplier        = 1
	MaxMultiplier        = 4
	MaxPhaseSeconds      = 60
	DefaultBeatsPerPhase = 4
)

var ErrBeatsPerPhase = errors.New("temposync: beats per phase must be 2, 4, 8 or 16")

// PlaybackState mirrors the media element lifecycle.
type PlaybackState string

const (
	Idle    PlaybackState = "idle"
	Playing PlaybackState = "playing"
	Paused  PlaybackState = "paused"
	Ended   PlaybackState = "ended"
)

// State is a snapshot of the store.
type State struct {
	Enabled          bool          `json:"enabled"`
	BPM              float64       `json:"bpm"`
	BeatsPerPhase    int           `json:"beatsPerPhase"`
	BreathMultiplier float64       `json:"breathMultiplier"`
	Confidence       float64       `json:"confidence"`
	IsLocked         bool          `json:"isLocked"`
	IsListening      bool          `json:"isListening"`
	PlaybackState    PlaybackState `json:"playbackState"`
	LastBeatAt       *float64      `json:"lastBeatAt"`
	BeatCount        int           `json:"beatCount"`
}

// PhaseDuration is seconds per breath phase, capped at one minute.
func (s State) PhaseDuration() float64 {
	if s.BPM <= 0 {
		return MaxPhaseSeconds
	}
	return math.Min(60/s.BPM*float64(s.BeatsPerPhase)*s.BreathMultiplier, MaxPhaseSeconds)
}

func defaultState() State {
	return State{
		BPM:              DefaultBPM,
		BeatsPerPhase:    DefaultBeatsPerPhase,
		BreathMultiplier: 1,
		PlaybackState:    Idle,
	}
}

// Store is the single owner of tempo state. Every mutation notifies
// subscribers with a fresh snapshot, outside the state lock. Notifications
// are delivered one mutation at a time in mutation order, so a subscriber
// may read the store but must not write to it.
type Store struct {
	notifyMu sync.Mutex // held from mutation through delivery
	mu       sync.Mutex
	state    State

	subMu  sync.Mutex
	subs   map[int]func(State)
	nextID int
}

// NewStore returns a store holding the defaults.
func NewStore() *Store {
	return &Store{state: defaultState(), subs: make(map[int]func(State))}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Store) snapshot() State {
	st := s.state
	if st.LastBeatAt != nil {
		v := *st.LastBeatAt
		st.LastBeatAt = &v
	}
	return st
}

// Subscribe registers fn for change notifications and returns a function
// that removes it.
func (s *Store) Subscribe(fn func(State)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) update(fn func(*State)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	fn(&s.state)
	st := s.snapshot()
	s.mu.Unlock()

	s.subMu.Lock()
	fns := make([]func(State), 0, len(s.subs))
	for _, f := range s.subs {
		fns = append(fns, f)
	}
	s.subMu.Unlock()
	for _, f := range fns {
		f(st)
	}
}

func (s *Store) SetEnabled(v bool) {
	s.update(func(st *State) { st.Enabled = v })
}

// SetBPM clamps to [30,300]. It does not check the lock: manual entry and
// tap tempo always write through, only the detector honours Locked.
func (s *Store) SetBPM(bpm float64) {
	if math.IsNaN(bpm) {
		return
	}
	s.update(func(st *State) { st.BPM = clamp(bpm, MinBPM, MaxBPM) })
}

func (s *Store) SetBeatsPerPhase(n int) error {
	switch n {
	case 2, 4, 8, 16:
	default:
		return ErrBeatsPerPhase
	}
	s.update(func(st *State) { st.BeatsPerPhase = n })
	return nil
}

// SetBreathMultiplier clamps to [1,4].
func (s *Store) SetBreathMultiplier(m float64) {
	if math.IsNaN(m) {
		return
	}
	s.update(func(st *State) { st.BreathMultiplier = clamp(m, MinMultiplier, MaxMultiplier) })
}

func (s *Store) SetLocked(v bool) {
	s.update(func(st *State) { st.IsLocked = v })
}

// SetConfidence clamps to [0,1].
func (s *Store) SetConfidence(c float64) {
	if math.IsNaN(c) {
		return
	}
	s.update(func(st *State) { st.Confidence = clamp(c, 0, 1) })
}

func (s *Store) SetListening(v bool) {
	s.update(func(st *State) { st.IsListening = v })
}

func (s *Store) SetPlaybackState(p PlaybackState) {
	s.update(func(st *State) { st.PlaybackState = p })
}

// MarkBeat records a raw detector beat at atMs.
func (s *Store) MarkBeat(atMs float64) {
	s.update(func(st *State) {
		v := atMs
		st.LastBeatAt = &v
		st.BeatCount++
	})
}

// Locked reports whether detector updates to the BPM are suppressed.
func (s *Store) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsLocked
}

func (s *Store) PhaseDuration() float64 {
	return s.Snapshot().PhaseDuration()
}

// CycleDuration is one inhale/hold/exhale/hold cycle.
func (s *Store) CycleDuration() float64 {
	return 4 * s.PhaseDuration()
}

// TempoPattern is the symmetric pattern derived from the current tempo.
func (s *Store) TempoPattern() breath.Pattern {
	d := s.PhaseDuration()
	return breath.Pattern{Inhale: d, HoldTop: d, Exhale: d, HoldBottom: d}
}

// Reset prepares the store for a freshly loaded file.
func (s *Store) Reset() {
	s.update(func(st *State) {
		st.IsLocked = false
		st.BreathMultiplier = 1
		st.Confidence = 0
		st.IsListening = false
		st.PlaybackState = Idle
		st.LastBeatAt = nil
		st.BeatCount = 0
	})
}

// ResetSession clears the per-playback fields only.
func (s *Store) ResetSession() {
	s.update(func(st *State) {
		st.Confidence = 0
		st.PlaybackState = Idle
		st.LastBeatAt = nil
	})
}

// ResetDetection restores the neutral tempo for a manual re-detection.
func (s *Store) ResetDetection() {
	s.update(func(st *State) {
		st.BPM = DefaultBPM
		st.Confidence = 0
		st.PlaybackState = Idle
		st.LastBeatAt = nil
	})
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
