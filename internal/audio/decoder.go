package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"path/filepath"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
)

// ErrEmptyAudio is returned when a decoder produced no samples.
var ErrEmptyAudio = errors.New("audio: no samples decoded")

// resampleQuality is the beep resampler quality (1-64, 4 is beep's recommended default).
const resampleQuality = 4

// DecodeBytes decodes an in-memory audio file to interleaved stereo int16 at SampleRate.
// WAV and MP3 are decoded in-process; everything else goes through FFmpeg.
func DecodeBytes(ctx context.Context, name string, data []byte) ([]int16, error) {
	var (
		samples []int16
		err     error
	)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav", ".wave":
		samples, err = decodeWAV(data)
	case ".mp3":
		samples, err = decodeMP3(data)
	default:
		samples, err = decodeFFmpeg(ctx, bytes.NewReader(data), "pipe:0")
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("decode %s: %w", name, ErrEmptyAudio)
	}
	return samples, nil
}

// DecodeFile runs FFmpeg to decode an audio file to raw PCM int16 samples.
// Returns interleaved stereo samples at 48kHz.
func DecodeFile(ctx context.Context, path string) ([]int16, error) {
	samples, err := decodeFFmpeg(ctx, nil, path)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg decode %s: %w", path, err)
	}
	return samples, nil
}

func decodeFFmpeg(ctx context.Context, stdin io.Reader, input string) ([]int16, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", input,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", fmt.Sprint(SampleRate),
		"-ac", fmt.Sprint(Channels),
		"-loglevel", "error",
		"pipe:1",
	)
	cmd.Stdin = stdin

	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	// Ensure even byte count for int16 alignment
	if len(out)%2 != 0 {
		out = out[:len(out)-1]
	}

	samples := make([]int16, len(out)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(out[i*2 : i*2+2]))
	}
	return samples, nil
}

func decodeWAV(data []byte) ([]int16, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, errors.New("invalid wav file")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read wav pcm: %w", err)
	}
	return wavToStereo(buf)
}

func wavToStereo(buf *goaudio.IntBuffer) ([]int16, error) {
	if buf == nil || buf.Format == nil || buf.Format.NumChannels <= 0 {
		return nil, errors.New("wav: missing format")
	}
	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = BitDepth
	}
	scale := math.Pow(2, float64(depth-1))
	nch := buf.Format.NumChannels
	frames := len(buf.Data) / nch

	stereo := make([][2]float64, frames)
	for i := range stereo {
		l := float64(buf.Data[i*nch]) / scale
		r := l
		if nch > 1 {
			r = float64(buf.Data[i*nch+1]) / scale
		}
		stereo[i] = [2]float64{l, r}
	}
	return drain(resampled(sliceStreamer(stereo), beep.SampleRate(buf.Format.SampleRate)))
}

func decodeMP3(data []byte) ([]int16, error) {
	streamer, format, err := mp3.Decode(io.NopCloser(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("open mp3: %w", err)
	}
	defer streamer.Close()

	samples, err := drain(resampled(streamer, format.SampleRate))
	if err != nil {
		return nil, err
	}
	if err := streamer.Err(); err != nil {
		return nil, fmt.Errorf("read mp3: %w", err)
	}
	return samples, nil
}

func sliceStreamer(frames [][2]float64) beep.Streamer {
	pos := 0
	return beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		if pos >= len(frames) {
			return 0, false
		}
		n := copy(samples, frames[pos:])
		pos += n
		return n, true
	})
}

func resampled(s beep.Streamer, from beep.SampleRate) beep.Streamer {
	to := beep.SampleRate(SampleRate)
	if from == to || from <= 0 {
		return s
	}
	return beep.Resample(resampleQuality, from, to, s)
}

// drain pulls a beep streamer to completion and converts it to interleaved int16.
func drain(s beep.Streamer) ([]int16, error) {
	buf := make([][2]float64, 4096)
	var out []int16
	for {
		n, ok := s.Stream(buf)
		for _, fr := range buf[:n] {
			out = append(out, floatToInt16(fr[0]), floatToInt16(fr[1]))
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func floatToInt16(v float64) int16 {
	v *= 32767
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	return int16(v)
}

// SamplesToBytes converts int16 samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// Mono downmixes interleaved stereo int16 to float64 in [-1, 1].
func Mono(samples []int16) []float64 {
	out := make([]float64, len(samples)/Channels)
	for i := range out {
		var sum float64
		for c := 0; c < Channels; c++ {
			sum += float64(samples[i*Channels+c])
		}
		out[i] = sum / Channels / 32768
	}
	return out
}
