package audio

import "math"

// Biquad is a second-order IIR section in direct form I.
// Coefficients follow the RBJ audio EQ cookbook and are normalized by a0.
type Biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	x1, x2     float64
	y1, y2     float64
}

// NewLowpass returns a lowpass biquad with the given cutoff and Q.
func NewLowpass(sampleRate, cutoff, q float64) *Biquad {
	if q <= 0 {
		q = LowpassQ
	}
	// Keep the cutoff below Nyquist or the coefficients blow up.
	if nyq := sampleRate / 2; cutoff >= nyq {
		cutoff = nyq * 0.99
	}
	w0 := 2 * math.Pi * cutoff / sampleRate
	cosW := math.Cos(w0)
	alpha := math.Sin(w0) / (2 * q)
	a0 := 1 + alpha

	return &Biquad{
		b0: (1 - cosW) / 2 / a0,
		b1: (1 - cosW) / a0,
		b2: (1 - cosW) / 2 / a0,
		a1: -2 * cosW / a0,
		a2: (1 - alpha) / a0,
	}
}

// Process filters one sample.
func (f *Biquad) Process(x float64) float64 {
	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	f.x2, f.x1 = f.x1, x
	f.y2, f.y1 = f.y1, y
	return y
}

// ProcessBlock filters buf in place.
func (f *Biquad) ProcessBlock(buf []float64) {
	for i, x := range buf {
		buf[i] = f.Process(x)
	}
}

// Reset clears the filter history.
func (f *Biquad) Reset() {
	f.x1, f.x2, f.y1, f.y2 = 0, 0, 0, 0
}
