package beat

import (
	"math"
	"sync"

	"go.uber.org/zap"
)

const (
	MinBeatGapMs = 200
	MaxBeatGapMs = 2000
	HistorySize  = 16

	PeakThresholdMultiplier   = 1.1
	MinAmplitude              = 10
	EnergyFloor               = 10
	FluxFloor                 = 1.2
	PeakProminenceDivisor     = 80
	MinIntervalsForConfidence = 3

	StableConfidenceThreshold = 0.55
	StableBPMTolerance        = 5
	StableBeatsRequired       = 4
	DefaultBPM                = 120

	bassStartBin = 2
	bassEndBin   = 80
	debugEvery   = 30 // frames between debug log lines
)

// Sink receives detector output. Implementations must not call back into the Detector.
type Sink interface {
	Locked() bool
	SetBPM(bpm float64)
	SetConfidence(c float64)
	MarkBeat(atMs float64)
}

// Result describes the tempo estimate produced by a registered beat.
type Result struct {
	BPM         float64
	Confidence  float64
	Stable      bool
	StableCount int
}

// Detector turns per-frame byte spectra into beats, and beats into a BPM and
// confidence. It never panics or returns errors; insufficient data yields nil.
type Detector struct {
	sink Sink
	log  *zap.Logger

	mu             sync.Mutex
	beatTimes      []float64
	rollingBPM     float64
	stableCount    int
	prevBass       []byte
	lastConfidence float64
	frames         int
}

// NewDetector creates a detector publishing to sink.
func NewDetector(sink Sink, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		sink:       sink,
		log:        logger,
		rollingBPM: DefaultBPM,
	}
}

// Reset starts a new detection session and zeroes the published confidence.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetTracking()
	d.lastConfidence = 0
	d.sink.SetConfidence(0)
}

// ResetTracking clears beat history and stability but leaves confidence alone,
// so a caller can decay it.
func (d *Detector) ResetTracking() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetTracking()
}

func (d *Detector) resetTracking() {
	d.beatTimes = d.beatTimes[:0]
	d.stableCount = 0
	d.rollingBPM = DefaultBPM
	for i := range d.prevBass {
		d.prevBass[i] = 0
	}
}

// Seed primes the rolling estimate, e.g. from an offline whole-track analysis.
func (d *Detector) Seed(bpm, confidence float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if bpm > 0 && !math.IsInf(bpm, 0) {
		d.rollingBPM = bpm
	}
	d.lastConfidence = clamp01(confidence)
}

// Confidence returns the last confidence the detector computed or was given.
func (d *Detector) Confidence() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastConfidence
}

// SetConfidence overrides the current confidence and publishes it.
func (d *Detector) SetConfidence(c float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastConfidence = clamp01(c)
	d.sink.SetConfidence(d.lastConfidence)
}

// RollingBPM returns the smoothed tempo estimate.
func (d *Detector) RollingBPM() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rollingBPM
}

// BeatTimes returns a copy of the beat window (ms, oldest first).
func (d *Detector) BeatTimes() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]float64(nil), d.beatTimes...)
}

// Process analyses one frame of byte frequency data taken at nowMs.
func (d *Detector) Process(freq []byte, nowMs float64) *Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	end := min(bassEndBin, len(freq))
	if end <= bassStartBin {
		return nil
	}
	n := end - bassStartBin
	if len(d.prevBass) != n {
		d.prevBass = make([]byte, n)
	}

	var sum, flux float64
	var peak byte
	for i := bassStartBin; i < end; i++ {
		curr := freq[i]
		prev := d.prevBass[i-bassStartBin]
		sum += float64(curr)
		if curr > prev {
			flux += float64(curr - prev)
		}
		if curr > peak {
			peak = curr
		}
		d.prevBass[i-bassStartBin] = curr
	}
	energy := sum / float64(n)
	flux /= float64(n)
	threshold := energy * PeakThresholdMultiplier

	d.frames++
	if d.frames%debugEvery == 0 {
		d.log.Debug("tempo frame",
			zap.Float64("bass_energy", energy),
			zap.Float64("flux", flux),
			zap.Float64("confidence", d.lastConfidence),
			zap.Int("stable", d.stableCount))
	}

	// Quiet passages would otherwise produce phantom beats.
	if energy <= EnergyFloor || flux <= FluxFloor {
		if d.lastConfidence > 0.05 {
			d.lastConfidence = 0
			d.sink.SetConfidence(0)
		}
		return nil
	}

	p := float64(peak)
	if p <= threshold || p <= MinAmplitude {
		return nil
	}
	prominence := clamp01((p - threshold) / PeakProminenceDivisor)
	return d.registerBeat(nowMs, prominence)
}

// RegisterBeat records a beat at nowMs with the given peak prominence in [0,1].
// Beats closer than MinBeatGapMs to the previous one are ignored.
func (d *Detector) RegisterBeat(nowMs, prominence float64) *Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registerBeat(nowMs, clamp01(prominence))
}

func (d *Detector) registerBeat(now, prominence float64) *Result {
	if math.IsNaN(now) {
		return nil
	}
	if k := len(d.beatTimes); k > 0 && now-d.beatTimes[k-1] <= MinBeatGapMs {
		return nil
	}

	d.beatTimes = append(d.beatTimes, now)
	if len(d.beatTimes) > HistorySize {
		d.beatTimes = append(d.beatTimes[:0], d.beatTimes[len(d.beatTimes)-HistorySize:]...)
	}
	// Beat counters see every beat, confident or not.
	d.sink.MarkBeat(now)

	if len(d.beatTimes) < 2 {
		return nil
	}
	var intervals []float64
	for i := 1; i < len(d.beatTimes); i++ {
		iv := d.beatTimes[i] - d.beatTimes[i-1]
		if iv > MinBeatGapMs && iv < MaxBeatGapMs {
			intervals = append(intervals, iv)
		}
	}
	est, ok := EstimateTempo(intervals)
	if !ok {
		return nil
	}

	expected := 60000 / est.BPM
	intervalTerm := math.Max(0, 1-est.Error/expected)
	densityTerm := math.Min(1, float64(len(intervals))/MinIntervalsForConfidence)
	confidence := clamp01(0.10 + 0.80*(intervalTerm*densityTerm) + 0.10*prominence)
	d.lastConfidence = confidence

	if d.stableCount == 0 && len(intervals) >= MinIntervalsForConfidence {
		d.rollingBPM = est.BPM
	}

	stable := math.Abs(est.BPM-d.rollingBPM) <= StableBPMTolerance
	if stable {
		d.stableCount++
		d.rollingBPM = d.rollingBPM*0.85 + est.BPM*0.15
		if d.stableCount >= StableBeatsRequired && confidence > StableConfidenceThreshold && !d.sink.Locked() {
			d.sink.SetBPM(est.BPM)
		}
	} else {
		d.stableCount = 0
		d.rollingBPM = d.rollingBPM*0.75 + est.BPM*0.25
	}
	d.sink.SetConfidence(confidence)

	d.log.Debug("beat",
		zap.Float64("bpm", est.BPM),
		zap.Float64("interval_ms", est.Interval),
		zap.Float64("err_ms", est.Error),
		zap.Float64("confidence", confidence),
		zap.Bool("stable", stable),
		zap.Int("stable_count", d.stableCount))

	return &Result{
		BPM:         est.BPM,
		Confidence:  confidence,
		Stable:      stable,
		StableCount: d.stableCount,
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
