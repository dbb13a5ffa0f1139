package audio

// Smoothstep returns the smoothstep interpolation for t in [0,1].
// Formula: 3t^2 - 2t^3.
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// CrossfadeFrames blends an outgoing frame into an incoming one. The gain ramps
// along a smoothstep curve from progress `from` at the first sample frame to
// `to` at the last (0 = all outgoing, 1 = all incoming). Frames are interleaved
// stereo and must have the same length.
func CrossfadeFrames(outgoing, incoming []int16, from, to float64) []int16 {
	result := make([]int16, len(outgoing))
	frames := len(outgoing) / Channels
	if frames == 0 {
		return result
	}

	for f := 0; f < frames; f++ {
		progress := from
		if frames > 1 {
			progress = from + (to-from)*float64(f)/float64(frames-1)
		}
		gain := Smoothstep(progress)
		for c := 0; c < Channels; c++ {
			i := f*Channels + c
			mixed := float64(outgoing[i])*(1-gain) + float64(incoming[i])*gain

			// Clip to int16 range
			if mixed > 32767 {
				mixed = 32767
			} else if mixed < -32768 {
				mixed = -32768
			}
			result[i] = int16(mixed)
		}
	}
	return result
}
