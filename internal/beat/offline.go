package beat

import (
	"errors"
	"math"

	"github.com/satindergrewal/tempobreath/internal/audio"
)

var (
	ErrTooShort = errors.New("beat: audio too short for tempo analysis")
	ErrNoTempo  = errors.New("beat: no detectable beats")
)

// Offline analysis settings.
const (
	offlineLowpassHz    = 150
	offlineMinTempo     = 90
	offlineMaxTempo     = 180
	offlineMinPeaks     = 30
	offlineStartThresh  = 0.9
	offlineMinThresh    = 0.3
	offlineThreshStep   = 0.05
	offlinePeakSpacing  = 0.25 // seconds skipped after each peak
	offlineNeighbours   = 10   // later peaks each peak is paired with
	offlineMinDurationS = 1
)

// AnalyzeTempo estimates the tempo of a whole mono track.
//
// The signal is lowpassed and normalized, peaks are picked at a threshold
// lowered until enough are found, and the intervals between each peak and its
// next ten neighbours are folded into [90, 180] BPM. The most frequent tempo
// group wins; its members are averaged.
func AnalyzeTempo(samples []float64, sampleRate int) (float64, error) {
	if sampleRate <= 0 || len(samples) < sampleRate*offlineMinDurationS {
		return 0, ErrTooShort
	}

	data := append([]float64(nil), samples...)
	audio.NewLowpass(float64(sampleRate), offlineLowpassHz, audio.LowpassQ).ProcessBlock(data)

	var maxAbs float64
	for _, v := range data {
		maxAbs = math.Max(maxAbs, math.Abs(v))
	}
	if maxAbs == 0 {
		return 0, ErrNoTempo
	}
	for i := range data {
		data[i] /= maxAbs
	}

	var peaks []int
	for th := offlineStartThresh; th >= offlineMinThresh-1e-9; th -= offlineThreshStep {
		peaks = peaksAtThreshold(data, th, sampleRate)
		if len(peaks) >= offlineMinPeaks {
			break
		}
	}
	if len(peaks) < 2 {
		return 0, ErrNoTempo
	}

	type group struct {
		count int
		sum   float64
	}
	groups := make(map[int]*group)
	var order []int
	for i, p := range peaks {
		for j := 1; j <= offlineNeighbours && i+j < len(peaks); j++ {
			interval := float64(peaks[i+j]-p) / float64(sampleRate)
			tempo := foldTempo(60 / interval)
			if tempo == 0 {
				continue
			}
			key := int(math.Round(tempo))
			g, ok := groups[key]
			if !ok {
				g = &group{}
				groups[key] = g
				order = append(order, key)
			}
			g.count++
			g.sum += tempo
		}
	}

	var best *group
	for _, key := range order {
		if g := groups[key]; best == nil || g.count > best.count {
			best = g
		}
	}
	if best == nil {
		return 0, ErrNoTempo
	}
	return best.sum / float64(best.count), nil
}

func peaksAtThreshold(data []float64, threshold float64, sampleRate int) []int {
	skip := int(offlinePeakSpacing * float64(sampleRate))
	var peaks []int
	for i := 0; i < len(data); i++ {
		if data[i] > threshold {
			peaks = append(peaks, i)
			i += skip
		}
	}
	return peaks
}

func foldTempo(t float64) float64 {
	if t <= 0 || math.IsInf(t, 0) || math.IsNaN(t) {
		return 0
	}
	for t < offlineMinTempo {
		t *= 2
	}
	for t > offlineMaxTempo {
		t /= 2
	}
	return t
}
