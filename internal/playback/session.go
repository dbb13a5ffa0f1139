// Package playback owns one tempo detection session: the audio graph, the
// loaded media element, the beat detector and the loop and decay timers.
package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/satindergrewal/tempobreath/internal/audio"
	"github.com/satindergrewal/tempobreath/internal/beat"
	"github.com/satindergrewal/tempobreath/internal/temposync"
)

var (
	ErrDecode = errors.New("playback: decode failed")
	ErrGraph  = errors.New("playback: audio graph unavailable")
	ErrClosed = errors.New("playback: session closed")
)

const (
	DefaultFrameInterval = 16 * time.Millisecond
	LoopPollInterval     = 30 * time.Millisecond
	LoopEpsilon          = 0.05 // seconds before b at which the loop jumps

	DecaySteps    = 8
	DecayInterval = 100 * time.Millisecond

	seedConfidence = 0.9
)

// DecodeFunc turns an uploaded file into interleaved stereo PCM at audio.SampleRate.
type DecodeFunc func(ctx context.Context, name string, data []byte) ([]int16, error)

// AnalyzeFunc estimates the tempo of a whole mono track.
type AnalyzeFunc func(samples []float64, sampleRate int) (float64, error)

// Options configures a Session. Store is required.
type Options struct {
	Logger      *zap.Logger
	Store       *temposync.Store
	URLs        *audio.URLRegistry
	Destination chan<- []int16 // audible output, may be nil
	Decode      DecodeFunc
	Analyze     AnalyzeFunc

	// FrameInterval is the detection frame clock period.
	FrameInterval time.Duration
	// ManualRender leaves element rendering to the caller (Element.Step).
	ManualRender bool
}

// LoopRegion is the A/B loop. B is nil until set.
type LoopRegion struct {
	A      float64  `json:"a"`
	B      *float64 `json:"b"`
	Active bool     `json:"active"`
}

// Session is the tempo detection session. All methods are safe for
// concurrent use. Element listeners take s.mu, so methods that make the
// element emit events are never called with s.mu held.
type Session struct {
	log      *zap.Logger
	store    *temposync.Store
	urls     *audio.URLRegistry
	dest     chan<- []int16
	decode   DecodeFunc
	analyze  AnalyzeFunc
	interval time.Duration
	manual   bool
	detector *beat.Detector
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// playing arms DetectBeat; the frame clock keeps ticking while paused.
	playing      atomic.Bool
	programmatic atomic.Bool

	detectMu sync.Mutex
	freq     []byte

	loopMu sync.Mutex // serialises loop checks so a crossing seeks once
	loadMu sync.Mutex // one LoadAudioFile at a time

	mu        sync.Mutex
	closed    bool
	graph     *audio.Graph
	element   *audio.Element
	source    *audio.Source
	objectURL string
	render    context.CancelFunc
	loop      LoopRegion
	loopTask  *task
	decayTask *task
	detecting bool
}

// New creates a session. No graph is opened until a file is loaded or
// InitializeAudioContext is called.
func New(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.URLs == nil {
		opts.URLs = audio.NewURLRegistry("")
	}
	if opts.Decode == nil {
		opts.Decode = audio.DecodeBytes
	}
	if opts.Analyze == nil {
		opts.Analyze = beat.AnalyzeTempo
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = DefaultFrameInterval
	}
	log := opts.Logger.Named("playback")
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		log:      log,
		store:    opts.Store,
		urls:     opts.URLs,
		dest:     opts.Destination,
		decode:   opts.Decode,
		analyze:  opts.Analyze,
		interval: opts.FrameInterval,
		manual:   opts.ManualRender,
		detector: beat.NewDetector(opts.Store, log.Named("beat")),
		started:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Detector exposes the session's beat detector.
func (s *Session) Detector() *beat.Detector { return s.detector }

// Element returns the loaded media element, or nil.
func (s *Session) Element() *audio.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.element
}

// Graph returns the current audio graph, or nil.
func (s *Session) Graph() *audio.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

// Source returns the element's source node, or nil.
func (s *Session) Source() *audio.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// ObjectURL returns the blob URL of the loaded file.
func (s *Session) ObjectURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objectURL
}

// Loop returns the current loop region.
func (s *Session) Loop() LoopRegion {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.loop
	if l.B != nil {
		b := *l.B
		l.B = &b
	}
	return l
}

// Playing reports whether detection is armed.
func (s *Session) Playing() bool { return s.playing.Load() }

// InitializeAudioContext returns the live graph, opening a new one when
// there is none or the previous one was closed.
func (s *Session) InitializeAudioContext() (*audio.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.graph != nil && !s.graph.Closed() {
		return s.graph, nil
	}
	g, err := audio.OpenGraph(audio.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGraph, err)
	}
	s.graph = g
	s.log.Debug("audio graph opened")
	return g, nil
}

// LoadAudioFile decodes r, seeds the tempo from an offline analysis and
// replaces any previously loaded element. The previous element's source node
// and object URL are released before the new ones take their place. Loads
// are serialised.
func (s *Session) LoadAudioFile(ctx context.Context, name string, r io.Reader) (*audio.Element, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	wasLocked := s.store.Locked()
	s.store.ResetSession()

	g, err := s.InitializeAudioContext()
	if err != nil {
		return nil, err
	}
	if err := g.Resume(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGraph, err)
	}

	samples, err := s.decode(ctx, name, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	tempo, analyzeErr := s.analyze(audio.Mono(samples), audio.SampleRate)
	if analyzeErr != nil {
		s.log.Warn("offline tempo analysis failed", zap.String("file", name), zap.Error(analyzeErr))
	}

	url, err := s.urls.Create(data)
	if err != nil {
		return nil, fmt.Errorf("object url: %w", err)
	}
	s.teardown()

	el := audio.NewElement(samples)
	src, err := g.CreateMediaElementSource(el, s.dest)
	if err != nil {
		s.urls.Revoke(url)
		s.store.Reset()
		return nil, fmt.Errorf("%w: %v", ErrGraph, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		src.Disconnect()
		s.urls.Revoke(url)
		return nil, ErrClosed
	}
	s.element = el
	s.source = src
	s.objectURL = url
	s.mu.Unlock()

	s.playing.Store(false)
	s.detector.Reset()
	s.store.Reset()
	s.store.SetListening(true)
	s.store.SetPlaybackState(temposync.Idle)

	if analyzeErr == nil && !math.IsNaN(tempo) && !math.IsInf(tempo, 0) && tempo > 0 {
		if !wasLocked {
			s.store.SetBPM(math.Round(tempo))
		}
		s.detector.Seed(tempo, seedConfidence)
		s.store.SetConfidence(seedConfidence)
	}

	s.attach(el)
	if !s.manual {
		s.startRender(el)
	}

	s.log.Info("audio loaded",
		zap.String("file", name),
		zap.String("url", url),
		zap.Float64("duration_s", el.Duration()),
		zap.Float64("offline_bpm", tempo))
	return el, nil
}

// teardown stops and releases the current element, source and object URL.
func (s *Session) teardown() {
	s.mu.Lock()
	el, src, url, render := s.element, s.source, s.objectURL, s.render
	s.element, s.source, s.objectURL, s.render = nil, nil, "", nil
	s.mu.Unlock()

	s.stopLoop()
	s.stopDecay()
	if render != nil {
		render()
	}
	if el != nil {
		el.ClearListeners()
		el.Pause()
	}
	if src != nil {
		src.Disconnect()
	}
	if url != "" {
		if err := s.urls.Revoke(url); err != nil {
			s.log.Warn("revoke object url", zap.String("url", url), zap.Error(err))
		}
	}
}

func (s *Session) startRender(el *audio.Element) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.render = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		el.Run(ctx)
	}()
}

// current reports whether el is still the loaded element.
func (s *Session) current(el *audio.Element) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.element == el
}

func (s *Session) attach(el *audio.Element) {
	el.On(audio.EventPlay, func() {
		if !s.current(el) {
			return
		}
		s.playing.Store(true)
		s.store.SetPlaybackState(temposync.Playing)
		s.stopDecay()
		s.detector.ResetTracking()
		s.detector.SetConfidence(0)
		s.updateLoopInterval()
	})
	el.On(audio.EventPause, func() {
		if !s.current(el) {
			return
		}
		s.stopped(temposync.Paused)
	})
	el.On(audio.EventEnded, func() {
		if !s.current(el) {
			return
		}
		s.stopped(temposync.Ended)
	})
	el.On(audio.EventSeeking, func() {
		if !s.current(el) {
			return
		}
		if s.programmatic.Load() {
			// Loop jump: drop the beat history across the seam, keep playing.
			s.detector.ResetTracking()
			s.detector.SetConfidence(0)
			return
		}
		s.playing.Store(false)
		s.store.SetPlaybackState(temposync.Paused)
		s.stopDecay()
		s.detector.ResetTracking()
		s.detector.SetConfidence(0)
		s.updateLoopInterval()
	})
	el.On(audio.EventSeeked, func() {
		if !s.current(el) || el.Paused() {
			return
		}
		s.playing.Store(true)
		s.store.SetPlaybackState(temposync.Playing)
	})
}

func (s *Session) stopped(state temposync.PlaybackState) {
	s.playing.Store(false)
	s.store.SetPlaybackState(state)
	c := s.detector.Confidence()
	s.detector.ResetTracking()
	s.startDecay(c)
	s.updateLoopInterval()
}

// startDecay halves confidence every DecayInterval, reaching zero on the
// last step.
func (s *Session) startDecay(from float64) {
	s.stopDecay()
	t := s.spawn(DecayInterval, func(step int) bool {
		v := 0.0
		if step < DecaySteps {
			v = from / math.Pow(2, float64(step))
		}
		s.detector.SetConfidence(v)
		return step < DecaySteps
	})
	s.mu.Lock()
	s.decayTask = t
	s.mu.Unlock()
}

func (s *Session) stopDecay() {
	s.mu.Lock()
	t := s.decayTask
	s.decayTask = nil
	s.mu.Unlock()
	t.stop()
}

// StartDetection runs the frame clock until ctx is cancelled or the session
// closes. DetectBeat is a no-op on ticks where playback is not armed.
func (s *Session) StartDetection(ctx context.Context) {
	s.mu.Lock()
	if s.detecting || s.closed {
		s.mu.Unlock()
		return
	}
	s.detecting = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.detecting = false
			s.mu.Unlock()
		}()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.DetectBeat()
			}
		}
	}()
}

// DetectBeat analyses the current analyser frame. A beat is stamped with the
// attack inside the analysis window rather than the frame clock, which only
// moves in whole element frames. It returns the detector result when a beat
// produced a tempo estimate.
func (s *Session) DetectBeat() *beat.Result {
	if !s.playing.Load() {
		return nil
	}
	g := s.Graph()
	if g == nil || g.Closed() {
		return nil
	}

	s.detectMu.Lock()
	defer s.detectMu.Unlock()
	an := g.Analyser()
	if len(s.freq) != an.FrequencyBinCount() {
		s.freq = make([]byte, an.FrequencyBinCount())
	}
	an.ByteFrequencyData(s.freq)
	at := s.nowMs()
	if onset, ok := g.Onset(); ok {
		at = onset * 1000
	}
	return s.detector.Process(s.freq, at)
}

// nowMs is the beat clock: the audio graph clock, falling back to the
// element position and then to wall time.
func (s *Session) nowMs() float64 {
	s.mu.Lock()
	g, el := s.graph, s.element
	s.mu.Unlock()
	if g != nil && !g.Closed() {
		return g.CurrentTime() * 1000
	}
	if el != nil {
		return el.CurrentTime() * 1000
	}
	return float64(time.Since(s.started)) / float64(time.Millisecond)
}

// ResumeAudio resumes a suspended graph.
func (s *Session) ResumeAudio() error {
	g := s.Graph()
	if g == nil {
		return nil
	}
	if err := g.Resume(); err != nil {
		return fmt.Errorf("%w: %v", ErrGraph, err)
	}
	return nil
}

// Play resumes the graph and starts the element. Failures are logged and
// returned; the session stays in its non-playing state.
func (s *Session) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	el := s.Element()
	if el == nil {
		s.log.Warn("play without loaded audio")
		return audio.ErrNoMedia
	}
	if err := s.ResumeAudio(); err != nil {
		s.log.Warn("resume audio graph", zap.Error(err))
		return err
	}
	if err := el.Play(); err != nil {
		s.log.Warn("play failed", zap.Error(err))
		return err
	}
	return nil
}

func (s *Session) Pause() {
	if el := s.Element(); el != nil {
		el.Pause()
	}
}

// Stop pauses and rewinds to the start.
func (s *Session) Stop() {
	el := s.Element()
	if el == nil {
		return
	}
	el.Pause()
	el.SetCurrentTime(0)
}

// Seek is a user seek.
func (s *Session) Seek(seconds float64) {
	if el := s.Element(); el != nil {
		el.SetCurrentTime(seconds)
	}
}

// ResetDetection discards the beat history and returns the tempo to its default.
func (s *Session) ResetDetection() {
	s.stopDecay()
	s.detector.Reset()
	s.store.ResetDetection()
	if s.playing.Load() {
		s.store.SetPlaybackState(temposync.Playing)
	}
}

// SetLoopState updates the loop region. A nil a keeps the current start;
// a nil b clears the end.
func (s *Session) SetLoopState(a, b *float64, looping bool) {
	s.mu.Lock()
	if a != nil && !math.IsNaN(*a) {
		s.loop.A = math.Max(0, *a)
	}
	if b != nil && !math.IsNaN(*b) {
		v := *b
		s.loop.B = &v
	} else {
		s.loop.B = nil
	}
	s.loop.Active = looping
	s.mu.Unlock()

	s.updateLoopInterval()
}

// updateLoopInterval runs the loop poller only while looping is requested,
// an end point exists and the element is playing.
func (s *Session) updateLoopInterval() {
	s.mu.Lock()
	el := s.element
	should := s.loop.Active && s.loop.B != nil && el != nil && !s.closed
	running := s.loopTask != nil
	s.mu.Unlock()
	if should {
		should = !el.Paused()
	}

	if !should {
		s.stopLoop()
		return
	}
	if running {
		return
	}
	t := s.spawn(LoopPollInterval, func(int) bool {
		s.CheckLoop()
		return true
	})
	s.mu.Lock()
	if s.loopTask != nil {
		s.mu.Unlock()
		t.stop()
		return
	}
	s.loopTask = t
	s.mu.Unlock()
}

func (s *Session) stopLoop() {
	s.mu.Lock()
	t := s.loopTask
	s.loopTask = nil
	s.mu.Unlock()
	t.stop()
}

// CheckLoop performs one loop poll: once the position reaches b minus
// LoopEpsilon it seeks back to a. Reports whether it seeked.
func (s *Session) CheckLoop() bool {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	s.mu.Lock()
	el, loop := s.element, s.loop
	s.mu.Unlock()
	if el == nil || !loop.Active || loop.B == nil {
		return false
	}
	if el.CurrentTime() < *loop.B-LoopEpsilon {
		return false
	}

	s.programmatic.Store(true)
	el.SeekSeamless(loop.A)
	s.programmatic.Store(false)
	s.log.Debug("loop", zap.Float64("a", loop.A), zap.Float64("b", *loop.B))
	return true
}

// Close cancels every timer and goroutine, disconnects the source node,
// revokes the object URL and closes the graph.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.playing.Store(false)
	s.teardown()
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	g := s.graph
	s.mu.Unlock()
	if g != nil {
		return g.Close()
	}
	return nil
}

// task is a ticker goroutine that can be stopped and waited for.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// spawn calls fn with a 1-based step on every tick until fn returns false,
// the task is stopped or the session closes.
func (s *Session) spawn(every time.Duration, fn func(step int) bool) *task {
	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for step := 1; ; step++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !fn(step) {
					return
				}
			}
		}
	}()
	return t
}

func (t *task) stop() {
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}
