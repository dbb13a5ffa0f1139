package audio

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// attackFloor is the smallest peak, at full scale 1, treated as a transient.
const attackFloor = 1e-3

// Analyser keeps the most recent FFTSize samples of a mono signal and exposes
// byte-scaled frequency and time-domain snapshots of it.
//
// Magnitudes are Blackman-windowed, smoothed over successive reads with the
// smoothing time constant and mapped from [minDecibels, maxDecibels] to [0, 255].
type Analyser struct {
	mu        sync.Mutex
	fftSize   int
	smoothing float64
	minDB     float64
	maxDB     float64

	ring   []float64
	pos    int
	window []float64
	fft    *fourier.FFT
	frame  []float64
	coeffs []complex128
	smooth []float64
}

// NewAnalyser creates an analyser. fftSize must be a power of two.
func NewAnalyser(fftSize int, smoothing float64) *Analyser {
	if fftSize <= 0 || fftSize&(fftSize-1) != 0 {
		fftSize = FFTSize
	}
	a := &Analyser{
		fftSize:   fftSize,
		smoothing: math.Max(0, math.Min(1, smoothing)),
		minDB:     MinDecibels,
		maxDB:     MaxDecibels,
		ring:      make([]float64, fftSize),
		window:    blackman(fftSize),
		fft:       fourier.NewFFT(fftSize),
		frame:     make([]float64, fftSize),
		smooth:    make([]float64, fftSize/2),
	}
	return a
}

// FrequencyBinCount is half the FFT size.
func (a *Analyser) FrequencyBinCount() int {
	return a.fftSize / 2
}

// Write appends samples to the analysis window.
func (a *Analyser) Write(samples []float64) {
	a.mu.Lock()
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos = (a.pos + 1) % a.fftSize
	}
	a.mu.Unlock()
}

// ByteFrequencyData fills dst with the current spectrum. Extra bins in dst are left untouched.
func (a *Analyser) ByteFrequencyData(dst []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.snapshot()
	for i := range a.frame {
		a.frame[i] *= a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)

	n := float64(a.fftSize)
	bins := min(len(dst), len(a.smooth))
	for k := 0; k < len(a.smooth); k++ {
		mag := cmplx.Abs(a.coeffs[k]) / n
		a.smooth[k] = a.smoothing*a.smooth[k] + (1-a.smoothing)*mag
		if k >= bins {
			continue
		}
		db := math.Inf(-1)
		if a.smooth[k] > 0 {
			db = 20 * math.Log10(a.smooth[k])
		}
		scaled := 255 * (db - a.minDB) / (a.maxDB - a.minDB)
		switch {
		case math.IsNaN(scaled) || scaled < 0:
			dst[k] = 0
		case scaled > 255:
			dst[k] = 255
		default:
			dst[k] = byte(scaled)
		}
	}
}

// ByteTimeDomainData fills dst with the waveform, 128 being silence.
func (a *Analyser) ByteTimeDomainData(dst []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.snapshot()
	n := min(len(dst), a.fftSize)
	for i := 0; i < n; i++ {
		v := 128 * (1 + a.frame[i])
		if v < 0 {
			v = 0
		} else if v > 255 {
			v = 255
		}
		dst[i] = byte(v)
	}
}

// snapshot copies the ring buffer into frame in chronological order. Must be called with mu held.
func (a *Analyser) snapshot() {
	for i := range a.frame {
		a.frame[i] = a.ring[(a.pos+i)%a.fftSize]
	}
}

// attack locates the start of the strongest transient in the window: the
// first sample reaching half the window's peak magnitude. It returns how many
// samples before the end of the window that sample lies, or false when the
// window is silent.
func (a *Analyser) attack() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.snapshot()
	var peak float64
	for _, v := range a.frame {
		peak = math.Max(peak, math.Abs(v))
	}
	if peak < attackFloor {
		return 0, false
	}
	for i, v := range a.frame {
		if math.Abs(v) >= peak/2 {
			return a.fftSize - i, true
		}
	}
	return 0, false
}

func blackman(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	return window.Blackman(w)
}
