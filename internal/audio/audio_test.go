package audio

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// --- Constants ---

func TestConstants(t *testing.T) {
	// 48kHz * 20ms = 960 samples per channel
	if got := SampleRate * int(FrameDuration/time.Millisecond) / 1000; got != FrameSize {
		t.Errorf("FrameSize mismatch: want %d, got %d", got, FrameSize)
	}
	if FrameSamples != FrameSize*Channels {
		t.Errorf("FrameSamples = %d, want %d", FrameSamples, FrameSize*Channels)
	}
	if FrameBytes != FrameSamples*2 {
		t.Errorf("FrameBytes = %d, want %d", FrameBytes, FrameSamples*2)
	}
	if FrequencyBinCount != 1024 {
		t.Errorf("FrequencyBinCount = %d, want 1024", FrequencyBinCount)
	}
}

func TestFramesToDuration(t *testing.T) {
	if got := FramesToDuration(SampleRate); got != time.Second {
		t.Errorf("FramesToDuration(SampleRate) = %v, want 1s", got)
	}
	if got := FramesToDuration(FrameSize); got != FrameDuration {
		t.Errorf("FramesToDuration(FrameSize) = %v, want %v", got, FrameDuration)
	}
}

// --- Smoothstep ---

func TestSmoothstepBoundaries(t *testing.T) {
	tests := []struct {
		input float64
		want  float64
	}{
		{-0.5, 0},
		{0, 0},
		{0.5, 0.5},
		{1, 1},
		{1.5, 1},
	}
	for _, tt := range tests {
		got := Smoothstep(tt.input)
		if got != tt.want {
			t.Errorf("Smoothstep(%v) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestSmoothstepMonotonic(t *testing.T) {
	prev := 0.0
	for i := 1; i <= 100; i++ {
		x := float64(i) / 100.0
		val := Smoothstep(x)
		if val < prev {
			t.Errorf("Smoothstep not monotonic: f(%v)=%v < prev %v", x, val, prev)
		}
		prev = val
	}
}

// --- CrossfadeFrames ---

func TestCrossfadeConstantProgress(t *testing.T) {
	out := []int16{1000, -1000, 1000, -1000}
	in := []int16{3000, -3000, 3000, -3000}

	for i, v := range CrossfadeFrames(out, in, 0, 0) {
		if v != out[i] {
			t.Errorf("progress 0: sample[%d] = %d, want %d", i, v, out[i])
		}
	}
	for i, v := range CrossfadeFrames(out, in, 1, 1) {
		if v != in[i] {
			t.Errorf("progress 1: sample[%d] = %d, want %d", i, v, in[i])
		}
	}
	for i, want := range []int16{2000, -2000, 2000, -2000} {
		if got := CrossfadeFrames(out, in, 0.5, 0.5)[i]; got != want {
			t.Errorf("progress 0.5: sample[%d] = %d, want %d", i, got, want)
		}
	}
}

func TestCrossfadeRampEndpoints(t *testing.T) {
	out := make([]int16, FrameSamples)
	in := make([]int16, FrameSamples)
	for i := range out {
		out[i] = 8000
		in[i] = -8000
	}
	got := CrossfadeFrames(out, in, 0, 1)
	if got[0] != 8000 || got[1] != 8000 {
		t.Errorf("first frame = %d,%d, want outgoing", got[0], got[1])
	}
	if got[len(got)-1] != -8000 {
		t.Errorf("last sample = %d, want incoming", got[len(got)-1])
	}
}

func TestCrossfadeClipping(t *testing.T) {
	out := []int16{32767, -32768}
	in := []int16{32767, -32768}
	got := CrossfadeFrames(out, in, 0.5, 0.5)
	if got[0] != 32767 || got[1] != -32768 {
		t.Errorf("clipping: got %v", got)
	}
}

// --- Sample conversion ---

func TestSamplesToBytes(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 256}
	buf := SamplesToBytes(samples)
	if len(buf) != len(samples)*2 {
		t.Fatalf("SamplesToBytes length = %d, want %d", len(buf), len(samples)*2)
	}
	// 256 = 0x0100 -> bytes [0x00, 0x01]
	idx := 5 * 2
	if buf[idx] != 0x00 || buf[idx+1] != 0x01 {
		t.Errorf("Sample 256 encoded as [%02x, %02x], want [00, 01]", buf[idx], buf[idx+1])
	}
}

func TestMono(t *testing.T) {
	got := Mono([]int16{16384, 16384, -32768, 0})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0] != 0.5 {
		t.Errorf("got[0] = %v, want 0.5", got[0])
	}
	if got[1] != -0.5 {
		t.Errorf("got[1] = %v, want -0.5", got[1])
	}
}

// --- Filter ---

func TestLowpassPassesDC(t *testing.T) {
	f := NewLowpass(SampleRate, LowpassFrequency, LowpassQ)
	var y float64
	for i := 0; i < SampleRate/10; i++ {
		y = f.Process(1)
	}
	if math.Abs(y-1) > 1e-3 {
		t.Errorf("DC gain = %v, want 1", y)
	}
}

func TestLowpassAttenuatesHighFrequency(t *testing.T) {
	f := NewLowpass(SampleRate, LowpassFrequency, LowpassQ)
	buf := sine(10000, 0.8, SampleRate/5)
	f.ProcessBlock(buf)

	// skip the transient
	if r := rms(buf[SampleRate/10:]); r > 0.03 {
		t.Errorf("10kHz RMS after lowpass = %v, want < 0.03", r)
	}
}

// --- Analyser ---

func TestAnalyserPeakBin(t *testing.T) {
	a := NewAnalyser(FFTSize, 0)
	const bin = 43
	freq := float64(bin) * SampleRate / FFTSize
	a.Write(sine(freq, 0.01, FFTSize))

	data := make([]byte, a.FrequencyBinCount())
	a.ByteFrequencyData(data)

	best := 0
	for i := range data {
		if data[i] > data[best] {
			best = i
		}
	}
	if best != bin {
		t.Errorf("peak bin = %d, want %d", best, bin)
	}
	if data[bin] == 0 {
		t.Error("peak bin has zero magnitude")
	}
}

func TestAnalyserSilence(t *testing.T) {
	a := NewAnalyser(FFTSize, SmoothingTimeConstant)
	a.Write(make([]float64, FFTSize))
	data := make([]byte, FrequencyBinCount)
	a.ByteFrequencyData(data)
	for i, v := range data {
		if v != 0 {
			t.Fatalf("silence bin %d = %d, want 0", i, v)
		}
	}

	td := make([]byte, FFTSize)
	a.ByteTimeDomainData(td)
	if td[0] != 128 {
		t.Errorf("silent time-domain sample = %d, want 128", td[0])
	}
}

func TestAnalyserInvalidSizeFallsBack(t *testing.T) {
	a := NewAnalyser(1000, 0.5)
	if a.FrequencyBinCount() != FrequencyBinCount {
		t.Errorf("FrequencyBinCount = %d, want %d", a.FrequencyBinCount(), FrequencyBinCount)
	}
}

// --- Element & graph ---

func TestElementLifecycle(t *testing.T) {
	el := NewElement(make([]int16, FrameSamples*3))
	var events []Event
	for _, ev := range []Event{EventPlay, EventPause, EventEnded, EventSeeking, EventSeeked} {
		ev := ev
		el.On(ev, func() { events = append(events, ev) })
	}

	if !el.Paused() {
		t.Fatal("new element should be paused")
	}
	if el.Step() {
		t.Error("Step rendered while paused")
	}
	if err := el.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	for i := 0; i < 3; i++ {
		if !el.Step() {
			t.Fatalf("Step %d did not render", i)
		}
	}
	if el.Step() {
		t.Error("Step rendered past the end")
	}
	if !el.Ended() || !el.Paused() {
		t.Error("element should be ended and paused")
	}

	want := []Event{EventPlay, EventPause, EventEnded}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %v, want %v", i, events[i], want[i])
		}
	}

	// Playing an ended element restarts it
	if err := el.Play(); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if el.CurrentTime() != 0 {
		t.Errorf("CurrentTime after replay = %v, want 0", el.CurrentTime())
	}
}

func TestElementSeek(t *testing.T) {
	el := NewElement(make([]int16, FrameSamples*100)) // 2s
	var seeking, seeked int
	el.On(EventSeeking, func() { seeking++ })
	el.On(EventSeeked, func() { seeked++ })

	el.SetCurrentTime(1)
	if el.CurrentTime() != 1 {
		t.Errorf("CurrentTime = %v, want 1", el.CurrentTime())
	}
	el.SetCurrentTime(99)
	if el.CurrentTime() != el.Duration() {
		t.Errorf("seek past end = %v, want duration %v", el.CurrentTime(), el.Duration())
	}
	el.SetCurrentTime(-1)
	if el.CurrentTime() != 0 {
		t.Errorf("negative seek = %v, want 0", el.CurrentTime())
	}
	if seeking != 3 || seeked != 3 {
		t.Errorf("seeking=%d seeked=%d, want 3/3", seeking, seeked)
	}
}

func TestElementPlayWithoutMedia(t *testing.T) {
	if err := NewElement(nil).Play(); err != ErrNoMedia {
		t.Errorf("Play on empty element = %v, want ErrNoMedia", err)
	}
}

func TestGraphOnsetResolvesSamples(t *testing.T) {
	g, err := OpenGraph(SampleRate)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	if _, ok := g.Onset(); ok {
		t.Error("Onset on an empty graph reported a transient")
	}

	const start = 1500 // inside the second frame
	samples := make([]int16, FrameSamples*3)
	for i := start; i < start+SampleRate/100; i++ {
		samples[i*Channels] = 16000
		samples[i*Channels+1] = 16000
	}
	el := NewElement(samples)
	if _, err := g.CreateMediaElementSource(el, nil); err != nil {
		t.Fatal(err)
	}
	_ = el.Play()
	for i := 0; i < 3; i++ {
		el.Step()
	}

	at, ok := g.Onset()
	if !ok {
		t.Fatal("Onset found no transient")
	}
	want := float64(start) / SampleRate
	if math.Abs(at-want) > 0.001 {
		t.Errorf("Onset = %.5fs, want %.5fs within 1ms", at, want)
	}
}

func TestGraphRoutesToDestinationAndAnalyser(t *testing.T) {
	g, err := OpenGraph(SampleRate)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	samples := make([]int16, FrameSamples*2)
	for i := range samples {
		samples[i] = 12000
	}
	el := NewElement(samples)
	dest := make(chan []int16, 4)
	src, err := g.CreateMediaElementSource(el, dest)
	if err != nil {
		t.Fatal(err)
	}

	_ = el.Play()
	el.Step()

	select {
	case frame := <-dest:
		if len(frame) != FrameSamples {
			t.Errorf("destination frame length = %d, want %d", len(frame), FrameSamples)
		}
	default:
		t.Error("destination received nothing")
	}
	if g.CurrentTime() < FrameDuration.Seconds() {
		t.Errorf("CurrentTime = %v, want >= one frame", g.CurrentTime())
	}

	if _, err := g.CreateMediaElementSource(el, nil); err != ErrSourceExists {
		t.Errorf("second source = %v, want ErrSourceExists", err)
	}
	if g.SourceCount() != 1 {
		t.Errorf("SourceCount = %d, want 1", g.SourceCount())
	}

	src.Disconnect()
	src.Disconnect()
	if g.SourceCount() != 0 || src.Connected() {
		t.Error("source still connected after Disconnect")
	}
}

func TestGraphClose(t *testing.T) {
	g, _ := OpenGraph(SampleRate)
	el := NewElement(make([]int16, FrameSamples))
	src, _ := g.CreateMediaElementSource(el, nil)

	g.Close()
	if !g.Closed() {
		t.Error("graph not closed")
	}
	if src.Connected() {
		t.Error("Close left a connected source")
	}
	if _, err := g.CreateMediaElementSource(NewElement(nil), nil); err != ErrGraphClosed {
		t.Errorf("source on closed graph = %v, want ErrGraphClosed", err)
	}
	if err := g.Resume(); err != ErrGraphClosed {
		t.Errorf("Resume on closed graph = %v, want ErrGraphClosed", err)
	}
}

func TestGraphSuspendResume(t *testing.T) {
	g, _ := OpenGraph(SampleRate)
	g.Suspend()
	if g.State() != GraphSuspended {
		t.Errorf("State = %v, want suspended", g.State())
	}
	if err := g.Resume(); err != nil || g.State() != GraphRunning {
		t.Errorf("Resume = %v, state %v", err, g.State())
	}
}

// --- Object URLs ---

func TestURLRegistry(t *testing.T) {
	r := NewURLRegistry(t.TempDir())

	u1, err := r.Create([]byte("one"))
	if err != nil {
		t.Fatal(err)
	}
	u2, _ := r.Create([]byte("two"))
	if r.Live() != 2 {
		t.Errorf("Live = %d, want 2", r.Live())
	}

	p, ok := r.Path(u1)
	if !ok {
		t.Fatal("Path not found")
	}
	if data, _ := os.ReadFile(p); string(data) != "one" {
		t.Errorf("blob contents = %q", data)
	}

	if err := r.Revoke(u1); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Error("blob file not removed")
	}
	if err := r.Revoke(u1); err != ErrUnknownURL {
		t.Errorf("double revoke = %v, want ErrUnknownURL", err)
	}
	if err := r.RevokeAll(); err != nil {
		t.Fatal(err)
	}
	if r.Live() != 0 {
		t.Errorf("Live after RevokeAll = %d", r.Live())
	}
	_ = u2
}

// --- Decoding ---

func TestDecodeWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, SampleRate, 16, 1, 1)
	data := make([]int, SampleRate/2)
	for i := range data {
		data[i] = 8192
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	raw, _ := os.ReadFile(path)
	samples, err := DecodeBytes(context.Background(), "tone.wav", raw)
	if err != nil {
		t.Fatalf("DecodeBytes: %v", err)
	}
	if len(samples) != len(data)*Channels {
		t.Fatalf("decoded %d samples, want %d", len(samples), len(data)*Channels)
	}
	// mono input duplicated to both channels, 8192/32768 = 0.25 full scale
	if samples[0] != samples[1] {
		t.Errorf("channels differ: %d vs %d", samples[0], samples[1])
	}
	if d := int(samples[100]) - 8191; d < -2 || d > 2 {
		t.Errorf("sample = %d, want ~8191", samples[100])
	}
}

func TestDecodeInvalidWAV(t *testing.T) {
	if _, err := DecodeBytes(context.Background(), "junk.wav", []byte("not a wav")); err == nil {
		t.Error("expected error for invalid wav")
	}
}

func sine(freq, amp float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/SampleRate)
	}
	return out
}

func rms(buf []float64) float64 {
	var sum float64
	for _, v := range buf {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(buf)))
}
