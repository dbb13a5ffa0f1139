package audio

import "time"

const (
	SampleRate    = 48000
	Channels      = 2
	BitDepth      = 16
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960                  // samples per channel per 20ms frame
	FrameSamples  = FrameSize * Channels // total interleaved samples per frame
	FrameBytes    = FrameSamples * 2     // bytes per frame (int16 = 2 bytes)
)

// Analysis graph defaults (mirrors the Web Audio analyser the UI was tuned against).
const (
	LowpassFrequency      = 1000.0
	LowpassQ              = 0.7071
	FFTSize               = 2048
	FrequencyBinCount     = FFTSize / 2
	SmoothingTimeConstant = 0.5
	MinDecibels           = -100.0
	MaxDecibels           = -30.0
)

// Track identifies a loaded audio file.
type Track struct {
	ID       string
	Name     string
	URL      string // object URL backing the element
	Duration time.Duration
}

// FramesToDuration converts a count of per-channel samples at SampleRate to a duration.
func FramesToDuration(frames int) time.Duration {
	return time.Duration(frames) * time.Second / SampleRate
}
