package beat

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	locked  bool
	bpm     float64
	conf    float64
	beats   []float64
	bpmSets int
}

func (s *fakeSink) Locked() bool            { return s.locked }
func (s *fakeSink) SetBPM(bpm float64)      { s.bpm = bpm; s.bpmSets++ }
func (s *fakeSink) SetConfidence(c float64) { s.conf = c }
func (s *fakeSink) MarkBeat(at float64)     { s.beats = append(s.beats, at) }

// --- EstimateTempo ---

func TestEstimateTempoSteady(t *testing.T) {
	tests := []struct {
		name     string
		interval float64
		want     float64
	}{
		{"120 bpm", 500, 120},
		{"128 bpm", 468.75, 128},
		{"90 bpm", 666.67, 90},
		{"200 bpm", 300, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est, ok := EstimateTempo([]float64{tt.interval, tt.interval, tt.interval, tt.interval})
			require.True(t, ok)
			assert.Equal(t, tt.want, est.BPM)
			assert.InDelta(t, 0, est.Error, 1)
		})
	}
}

func TestEstimateTempoPrefersSlowerOnTie(t *testing.T) {
	// Alternating single and double intervals fit 120 and 60 equally well.
	est, ok := EstimateTempo([]float64{500, 1000, 500, 1000})
	require.True(t, ok)
	assert.Equal(t, 60.0, est.BPM)
}

func TestEstimateTempoMedianFallback(t *testing.T) {
	// No bin repeats, so the median interval (600ms) is used.
	est, ok := EstimateTempo([]float64{400, 600})
	require.True(t, ok)
	assert.Equal(t, 600.0, est.Interval)
	assert.Equal(t, 100.0, est.BPM)
}

func TestEstimateTempoEmpty(t *testing.T) {
	_, ok := EstimateTempo(nil)
	assert.False(t, ok)
}

// --- Detector ---

func feedBeats(d *Detector, start, step float64, n int) *Result {
	var last *Result
	for i := 0; i < n; i++ {
		if r := d.RegisterBeat(start+float64(i)*step, 0.5); r != nil {
			last = r
		}
	}
	return last
}

func TestDetectorStabilizesWithoutOctaveError(t *testing.T) {
	sink := &fakeSink{bpm: 90}
	d := NewDetector(sink, nil)

	res := feedBeats(d, 1000, 500, 10)
	require.NotNil(t, res)
	assert.Equal(t, 120.0, res.BPM)
	assert.GreaterOrEqual(t, res.StableCount, StableBeatsRequired)
	assert.Greater(t, res.Confidence, StableConfidenceThreshold)
	assert.Equal(t, 120.0, sink.bpm, "stabilized estimate must not be 60 or 240")
	assert.InDelta(t, 120, d.RollingBPM(), 0.5)
}

func TestDetectorRequiresStableBeatsBeforePublishing(t *testing.T) {
	sink := &fakeSink{bpm: 90}
	d := NewDetector(sink, nil)

	feedBeats(d, 0, 500, 4) // three estimates, stable count 3
	assert.Zero(t, sink.bpmSets)
	assert.Equal(t, 90.0, sink.bpm)

	d.RegisterBeat(2000, 0.5)
	assert.Equal(t, 1, sink.bpmSets)
	assert.Equal(t, 120.0, sink.bpm)
}

func TestDetectorRespectsLock(t *testing.T) {
	sink := &fakeSink{bpm: 120, locked: true}
	d := NewDetector(sink, nil)

	// 100ms pulses; the debounce keeps every third one, a steady 200 BPM.
	res := feedBeats(d, 0, 100, 40)
	require.NotNil(t, res)
	assert.Equal(t, 200.0, res.BPM)
	assert.True(t, res.Stable)
	assert.Equal(t, 120.0, sink.bpm)
	assert.Zero(t, sink.bpmSets)

	unlocked := &fakeSink{bpm: 120}
	feedBeats(NewDetector(unlocked, nil), 0, 100, 40)
	assert.Equal(t, 200.0, unlocked.bpm)
}

func TestDetectorDebounce(t *testing.T) {
	sink := &fakeSink{}
	d := NewDetector(sink, nil)

	d.RegisterBeat(1000, 1)
	assert.Nil(t, d.RegisterBeat(1150, 1))
	assert.Nil(t, d.RegisterBeat(1200, 1), "exactly MinBeatGapMs is still too close")
	assert.Len(t, d.BeatTimes(), 1)
	assert.Len(t, sink.beats, 1)

	d.RegisterBeat(1201, 1)
	assert.Len(t, d.BeatTimes(), 2)
}

func TestDetectorWindowBounded(t *testing.T) {
	d := NewDetector(&fakeSink{}, nil)
	feedBeats(d, 0, 500, 40)
	times := d.BeatTimes()
	require.Len(t, times, HistorySize)
	assert.Equal(t, 39*500.0, times[len(times)-1])
	for i := 1; i < len(times); i++ {
		assert.Greater(t, times[i], times[i-1])
	}
}

func TestDetectorIgnoresStaleIntervals(t *testing.T) {
	d := NewDetector(&fakeSink{}, nil)
	d.RegisterBeat(0, 1)
	// Longer than MaxBeatGapMs, so there is no usable interval yet.
	assert.Nil(t, d.RegisterBeat(2500, 1))
	assert.Len(t, d.BeatTimes(), 2)
}

func TestDetectorConfidenceTerms(t *testing.T) {
	sink := &fakeSink{}
	d := NewDetector(sink, nil)

	d.RegisterBeat(0, 0)
	res := d.RegisterBeat(500, 0)
	require.NotNil(t, res)
	// one perfect interval: 0.1 + 0.8 * (1 * 1/3)
	assert.InDelta(t, 0.1+0.8/3, res.Confidence, 1e-9)
	assert.InDelta(t, res.Confidence, sink.conf, 1e-9)

	d.RegisterBeat(1000, 1)
	res = d.RegisterBeat(1500, 1)
	require.NotNil(t, res)
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)
}

func TestDetectorResets(t *testing.T) {
	sink := &fakeSink{}
	d := NewDetector(sink, nil)
	feedBeats(d, 0, 500, 6)
	require.Greater(t, d.Confidence(), 0.5)

	d.ResetTracking()
	assert.Empty(t, d.BeatTimes())
	assert.Equal(t, float64(DefaultBPM), d.RollingBPM())
	assert.Greater(t, d.Confidence(), 0.5, "ResetTracking keeps confidence for decay")

	d.Reset()
	assert.Zero(t, d.Confidence())
	assert.Zero(t, sink.conf)

	d.Seed(128, 0.9)
	assert.Equal(t, 128.0, d.RollingBPM())
	assert.Equal(t, 0.9, d.Confidence())
}

func spectrum(level, peak byte) []byte {
	freq := make([]byte, 1024)
	for i := range freq {
		freq[i] = level
	}
	freq[10] = peak
	return freq
}

func TestProcessSilenceGate(t *testing.T) {
	sink := &fakeSink{}
	d := NewDetector(sink, nil)
	d.SetConfidence(0.8)

	assert.Nil(t, d.Process(spectrum(5, 9), 0))
	assert.Zero(t, sink.conf)
	assert.Zero(t, d.Confidence())
	assert.Empty(t, sink.beats)
}

func TestProcessRepeatedFrameHasNoFlux(t *testing.T) {
	sink := &fakeSink{}
	d := NewDetector(sink, nil)

	loud := spectrum(20, 200)
	d.Process(loud, 0)
	require.Len(t, sink.beats, 1)

	// identical spectrum: zero flux, gated
	d.Process(loud, 400)
	assert.Len(t, sink.beats, 1)
}

func TestProcessPulseTrain(t *testing.T) {
	sink := &fakeSink{bpm: 90}
	d := NewDetector(sink, nil)

	quiet := spectrum(5, 5)
	loud := spectrum(20, 200)
	const frameMs = 20
	for now := 0; now <= 6000; now += frameMs {
		if now%500 == 0 {
			d.Process(loud, float64(now))
		} else {
			d.Process(quiet, float64(now))
		}
	}
	assert.Len(t, sink.beats, 13)
	assert.Equal(t, 120.0, sink.bpm)
}

func TestProcessShortSpectrum(t *testing.T) {
	d := NewDetector(&fakeSink{}, nil)
	assert.Nil(t, d.Process([]byte{1, 2}, 0))
}

// --- Offline analysis ---

func clickTrack(bpm float64, seconds, sampleRate int) []float64 {
	out := make([]float64, seconds*sampleRate)
	period := 60 / bpm * float64(sampleRate)
	burst := sampleRate / 25 // 40ms
	for k := 0; ; k++ {
		start := int(math.Round(float64(k) * period))
		if start >= len(out) {
			break
		}
		for i := 0; i < burst && start+i < len(out); i++ {
			env := math.Exp(-float64(i) / float64(burst/4))
			out[start+i] = 0.8 * env * math.Sin(2*math.Pi*60*float64(i)/float64(sampleRate))
		}
	}
	return out
}

func TestAnalyzeTempoClickTrack(t *testing.T) {
	tempo, err := AnalyzeTempo(clickTrack(128, 20, 48000), 48000)
	require.NoError(t, err)
	assert.Equal(t, 128.0, math.Round(tempo))
}

func TestAnalyzeTempoFoldsSlowTracks(t *testing.T) {
	tempo, err := AnalyzeTempo(clickTrack(60, 40, 48000), 48000)
	require.NoError(t, err)
	assert.Equal(t, 120.0, math.Round(tempo))
}

func TestAnalyzeTempoErrors(t *testing.T) {
	_, err := AnalyzeTempo(make([]float64, 100), 48000)
	assert.ErrorIs(t, err, ErrTooShort)

	_, err = AnalyzeTempo(make([]float64, 48000*2), 48000)
	assert.ErrorIs(t, err, ErrNoTempo)

	_, err = AnalyzeTempo(make([]float64, 100), 0)
	assert.ErrorIs(t, err, ErrTooShort)
}

// --- Tap tempo ---

func TestTapTempo(t *testing.T) {
	tap := NewTapTempo()
	base := time.Unix(0, 0)

	for i := 0; i < 3; i++ {
		_, ok := tap.TapAt(base.Add(time.Duration(i) * 500 * time.Millisecond))
		assert.False(t, ok, "fewer than four taps")
	}
	bpm, ok := tap.TapAt(base.Add(1500 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, 120.0, bpm)
}

func TestTapTempoKeepsLastEight(t *testing.T) {
	tap := NewTapTempo()
	base := time.Unix(0, 0)
	at := base
	for i := 0; i < 6; i++ {
		tap.TapAt(at)
		at = at.Add(1000 * time.Millisecond)
	}
	var bpm float64
	for i := 0; i < 8; i++ {
		bpm, _ = tap.TapAt(at)
		at = at.Add(400 * time.Millisecond)
	}
	assert.Equal(t, 8, tap.Count())
	assert.Equal(t, 150.0, bpm)
}

func TestTapTempoResetsAfterPause(t *testing.T) {
	tap := NewTapTempo()
	base := time.Unix(0, 0)
	for i := 0; i < 3; i++ {
		tap.TapAt(base.Add(time.Duration(i) * 500 * time.Millisecond))
	}
	_, ok := tap.TapAt(base.Add(5 * time.Second))
	assert.False(t, ok)
	assert.Equal(t, 1, tap.Count())

	tap.Clear()
	assert.Zero(t, tap.Count())
}
