package temposync

import (
	"errors"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/satindergrewal/tempobreath/internal/breath"
)

// Segments is the number of ramp segments a song is split into.
const Segments = 3

// SegmentCaps scale the user's maximum phase durations in each segment.
var SegmentCaps = [Segments]float64{0.5, 0.75, 0.9}

var ErrInvalidPractice = errors.New("temposync: practice needs a song duration and a valid max pattern")

// PracticeState is a snapshot of a ramp session.
type PracticeState struct {
	Active           bool           `json:"active"`
	ID               string         `json:"id,omitempty"`
	SegmentIndex     int            `json:"segmentIndex"`
	SegmentCap       float64        `json:"segmentCap"`
	SegmentElapsed   float64        `json:"segmentElapsedSec"`
	SegmentDuration  float64        `json:"segmentDurationSec"`
	SegmentBeatCount int            `json:"segmentBeatCount"`
	SegmentBeatTotal int            `json:"segmentBeatTotal"`
	SongDuration     float64        `json:"songDurationSec"`
	Max              breath.Pattern `json:"maxPhaseDurations"`
	Effective        breath.Pattern `json:"effectivePhaseDurations"`
}

// Practice ramps breath durations over a song: the first third runs at half
// the user's maximum, then three quarters, then ninety percent.
type Practice struct {
	mu sync.Mutex
	st PracticeState
}

func NewPractice() *Practice {
	p := &Practice{}
	p.st = idlePractice(breath.Pattern{Inhale: 4, HoldTop: 4, Exhale: 4, HoldBottom: 4})
	return p
}

func idlePractice(limit breath.Pattern) PracticeState {
	return PracticeState{
		SegmentCap: SegmentCaps[0],
		Max:        limit,
		Effective:  limit,
	}
}

func segmentBeats(segment, bpm float64) int {
	return max(1, int(math.Round(segment*bpm/60)))
}

// Start begins a session and returns its id.
func (p *Practice) Start(songDuration float64, limit breath.Pattern, bpm float64) (string, error) {
	if !(songDuration > 0) || math.IsInf(songDuration, 0) || !limit.Valid() {
		return "", ErrInvalidPractice
	}
	seg := songDuration / Segments

	p.mu.Lock()
	defer p.mu.Unlock()
	p.st = PracticeState{
		Active:           true,
		ID:               uuid.NewString(),
		SegmentCap:       SegmentCaps[0],
		SegmentDuration:  seg,
		SegmentBeatTotal: segmentBeats(seg, bpm),
		SongDuration:     songDuration,
		Max:              limit,
		Effective:        limit.Scale(SegmentCaps[0]),
	}
	return p.st.ID, nil
}

// End stops the session, keeping the configured maximum.
func (p *Practice) End() {
	p.mu.Lock()
	p.st = idlePractice(p.st.Max)
	p.mu.Unlock()
}

// UpdateElapsed moves the session to the segment containing elapsed seconds.
// Changing segment resets the beat count.
func (p *Practice) UpdateElapsed(elapsed, bpm float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := &p.st
	if !st.Active || st.SegmentDuration <= 0 || elapsed < 0 {
		return
	}

	idx := min(Segments-1, int(math.Floor(elapsed/st.SegmentDuration)))
	st.SegmentElapsed = elapsed - float64(idx)*st.SegmentDuration
	if idx == st.SegmentIndex {
		return
	}
	st.SegmentIndex = idx
	st.SegmentCap = SegmentCaps[idx]
	st.SegmentBeatCount = 0
	st.SegmentBeatTotal = segmentBeats(st.SegmentDuration, bpm)
	st.Effective = st.Max.Scale(st.SegmentCap)
}

// MarkBeat counts a detected beat in the current segment.
func (p *Practice) MarkBeat() {
	p.mu.Lock()
	if p.st.Active {
		p.st.SegmentBeatCount++
	}
	p.mu.Unlock()
}

// SetMax replaces the user's maximum phase durations.
func (p *Practice) SetMax(limit breath.Pattern) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.st.Max = limit
	if p.st.Active {
		p.st.Effective = limit.Scale(p.st.SegmentCap)
	} else {
		p.st.Effective = limit
	}
}

// UpdateBPM recomputes the expected beats for the current segment.
func (p *Practice) UpdateBPM(bpm float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.st.Active || p.st.SegmentDuration <= 0 {
		return
	}
	p.st.SegmentBeatTotal = segmentBeats(p.st.SegmentDuration, bpm)
}

func (p *Practice) Snapshot() PracticeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st
}

// TempoPattern is the capped pattern for the current segment, so a Practice
// can drive a breath.Driver directly.
func (p *Practice) TempoPattern() breath.Pattern {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.Effective
}

// Attach feeds store beats and tempo changes into the session.
func (p *Practice) Attach(store *Store) func() {
	var mu sync.Mutex
	cur := store.Snapshot()
	lastBeats, lastBPM := cur.BeatCount, cur.BPM
	return store.Subscribe(func(st State) {
		mu.Lock()
		beats := st.BeatCount - lastBeats
		if st.BeatCount < lastBeats {
			beats = 0
		}
		bpmChanged := st.BPM != lastBPM
		lastBeats, lastBPM = st.BeatCount, st.BPM
		mu.Unlock()

		for i := 0; i < beats; i++ {
			p.MarkBeat()
		}
		if bpmChanged {
			p.UpdateBPM(st.BPM)
		}
	})
}
