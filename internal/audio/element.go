package audio

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// ErrNoMedia is returned when playing an element without decoded audio.
var ErrNoMedia = errors.New("audio: element has no media")

// Event is a media element lifecycle notification.
type Event int

const (
	EventPlay Event = iota
	EventPause
	EventEnded
	EventSeeking
	EventSeeked
)

func (e Event) String() string {
	switch e {
	case EventPlay:
		return "play"
	case EventPause:
		return "pause"
	case EventEnded:
		return "ended"
	case EventSeeking:
		return "seeking"
	case EventSeeked:
		return "seeked"
	}
	return "unknown"
}

// Element plays decoded PCM at real-time rate, one 20ms frame per tick, into
// its source node. Listeners run synchronously on the goroutine that caused
// the event, never with the element lock held.
type Element struct {
	mu        sync.Mutex
	samples   []int16
	frames    int // total 20ms frames
	pos       int // next frame to render
	paused    bool
	ended     bool
	source    *Source
	seam      []int16 // frame to fade out of after a seamless seek
	listeners map[Event][]func()
}

// NewElement creates a paused element over interleaved stereo samples.
func NewElement(samples []int16) *Element {
	return &Element{
		samples:   samples,
		frames:    len(samples) / FrameSamples,
		paused:    true,
		listeners: make(map[Event][]func()),
	}
}

// On registers fn for ev.
func (e *Element) On(ev Event, fn func()) {
	e.mu.Lock()
	e.listeners[ev] = append(e.listeners[ev], fn)
	e.mu.Unlock()
}

// ClearListeners drops every registered listener.
func (e *Element) ClearListeners() {
	e.mu.Lock()
	e.listeners = make(map[Event][]func())
	e.mu.Unlock()
}

// Duration returns the media length in seconds.
func (e *Element) Duration() float64 {
	return FramesToDuration(e.frames * FrameSize).Seconds()
}

// CurrentTime returns the playback position in seconds.
func (e *Element) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return FramesToDuration(e.pos * FrameSize).Seconds()
}

// Paused reports whether playback is paused (true before the first Play).
func (e *Element) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Ended reports whether playback reached the end of the media.
func (e *Element) Ended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ended
}

// Play starts or resumes playback. An ended element restarts from zero.
func (e *Element) Play() error {
	e.mu.Lock()
	if e.frames == 0 {
		e.mu.Unlock()
		return ErrNoMedia
	}
	if !e.paused {
		e.mu.Unlock()
		return nil
	}
	if e.ended {
		e.pos = 0
		e.ended = false
	}
	e.paused = false
	e.mu.Unlock()

	e.emit(EventPlay)
	return nil
}

// Pause stops playback at the current position.
func (e *Element) Pause() {
	e.mu.Lock()
	if e.paused {
		e.mu.Unlock()
		return
	}
	e.paused = true
	e.mu.Unlock()

	e.emit(EventPause)
}

// SetCurrentTime seeks to t seconds, firing seeking then seeked.
func (e *Element) SetCurrentTime(t float64) {
	e.seek(t, false)
}

// SeekSeamless seeks like SetCurrentTime but fades the next rendered frame
// out of the audio that would have followed, hiding the discontinuity.
func (e *Element) SeekSeamless(t float64) {
	e.seek(t, true)
}

func (e *Element) seek(t float64, seamless bool) {
	e.emit(EventSeeking)

	e.mu.Lock()
	if math.IsNaN(t) || t < 0 {
		t = 0
	}
	pos := int(math.Round(t * SampleRate / FrameSize))
	if pos > e.frames {
		pos = e.frames
	}
	e.seam = nil
	if seamless && e.pos < e.frames {
		e.seam = e.frameAt(e.pos)
	}
	e.pos = pos
	e.ended = false
	e.mu.Unlock()

	e.emit(EventSeeked)
}

// Step renders one frame if playing. Returns false when nothing was rendered.
func (e *Element) Step() bool {
	e.mu.Lock()
	if e.paused {
		e.mu.Unlock()
		return false
	}
	if e.pos >= e.frames {
		e.paused = true
		e.ended = true
		e.mu.Unlock()
		e.emit(EventPause)
		e.emit(EventEnded)
		return false
	}
	frame := e.frameAt(e.pos)
	if e.seam != nil {
		frame = CrossfadeFrames(e.seam, frame, 0, 1)
		e.seam = nil
	}
	e.pos++
	src := e.source
	e.mu.Unlock()

	if src != nil {
		src.writeFrame(frame)
	}
	return true
}

// Run renders frames at real-time rate until ctx is cancelled.
func (e *Element) Run(ctx context.Context) {
	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Step()
		}
	}
}

// frameAt returns frame i. Must be called with mu held.
func (e *Element) frameAt(i int) []int16 {
	return e.samples[i*FrameSamples : (i+1)*FrameSamples]
}

func (e *Element) attach(s *Source) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.source != nil {
		return ErrSourceExists
	}
	e.source = s
	return nil
}

func (e *Element) detach(s *Source) {
	e.mu.Lock()
	if e.source == s {
		e.source = nil
	}
	e.mu.Unlock()
}

func (e *Element) emit(ev Event) {
	e.mu.Lock()
	fns := append([]func(){}, e.listeners[ev]...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
