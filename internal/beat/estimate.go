package beat

import (
	"math"
	"sort"
)

const (
	MinBPM = 30
	MaxBPM = 300

	IntervalBinMs = 15
	// Octave candidates within this factor of the best error are considered tied.
	octaveTieTolerance = 1.1
)

// Estimate is a tempo derived from inter-beat intervals.
type Estimate struct {
	BPM      float64 // integer-valued
	Interval float64 // primary interval estimate in ms
	Error    float64 // median absolute timing error of the best-fitting candidate, ms
}

// EstimateTempo picks a BPM from inter-beat intervals (ms).
//
// Intervals are bucketed into 15ms bins; the modal bin's members are averaged
// into the primary interval (the median is used when no bin repeats). The BPM
// and its double and half are scored by median absolute error against the
// intervals, and the lowest BPM within 10% of the best error wins.
func EstimateTempo(intervals []float64) (Estimate, bool) {
	if len(intervals) == 0 {
		return Estimate{}, false
	}

	target := modalInterval(intervals)
	if target <= 0 || math.IsNaN(target) || math.IsInf(target, 0) {
		return Estimate{}, false
	}
	base := math.Round(60000 / target)

	var candidates []float64
	for _, c := range []float64{base, math.Round(base * 2), math.Round(base / 2)} {
		if c < MinBPM || c > MaxBPM {
			continue
		}
		dup := false
		for _, have := range candidates {
			if have == c {
				dup = true
				break
			}
		}
		if !dup {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return Estimate{}, false
	}

	errs := make([]float64, len(candidates))
	best, bestErr := base, math.Inf(1)
	for i, c := range candidates {
		errs[i] = medianAbsError(intervals, 60000/c)
		if errs[i] < bestErr {
			bestErr = errs[i]
			best = c
		}
	}

	// Prefer the slower reading when it explains the intervals about as well.
	tolerance := bestErr * octaveTieTolerance
	for i, c := range candidates {
		if errs[i] <= tolerance && c < best {
			best = c
		}
	}

	return Estimate{BPM: best, Interval: target, Error: bestErr}, true
}

func modalInterval(intervals []float64) float64 {
	type bin struct {
		count int
		sum   float64
	}
	bins := make(map[int]*bin)
	var order []int
	for _, iv := range intervals {
		key := int(math.Round(iv / IntervalBinMs))
		b, ok := bins[key]
		if !ok {
			b = &bin{}
			bins[key] = b
			order = append(order, key)
		}
		b.count++
		b.sum += iv
	}

	// First bin to reach the highest count wins ties.
	var mode *bin
	for _, key := range order {
		if b := bins[key]; mode == nil || b.count > mode.count {
			mode = b
		}
	}
	if mode.count == 1 && len(bins) > 1 {
		return median(intervals)
	}
	return mode.sum / float64(mode.count)
}

func medianAbsError(intervals []float64, expected float64) float64 {
	errs := make([]float64, len(intervals))
	for i, iv := range intervals {
		errs[i] = math.Abs(iv - expected)
	}
	sort.Float64s(errs)
	return errs[len(errs)/2]
}

// median returns the upper median, matching how interval sets are scored.
func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}
