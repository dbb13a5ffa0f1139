package audio

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrGraphClosed  = errors.New("audio: graph is closed")
	ErrSourceExists = errors.New("audio: element already has a source node")
)

// GraphState mirrors the lifecycle of an audio context.
type GraphState string

const (
	GraphRunning   GraphState = "running"
	GraphSuspended GraphState = "suspended"
	GraphClosed    GraphState = "closed"
)

// Graph owns the analysis chain: source nodes feed a lowpass filter which feeds
// the analyser. Its clock advances with the audio rendered through it.
type Graph struct {
	mu         sync.Mutex
	sampleRate int
	state      GraphState
	filter     *Biquad
	analyser   *Analyser
	mono       []float64
	sources    map[*Source]struct{}

	rendered   int64 // per-channel samples pushed through the graph
	lastRender time.Time
	now        func() time.Time
}

// OpenGraph creates a running graph with the default lowpass and analyser settings.
func OpenGraph(sampleRate int) (*Graph, error) {
	if sampleRate <= 0 {
		return nil, errors.New("audio: sample rate must be positive")
	}
	return &Graph{
		sampleRate: sampleRate,
		state:      GraphRunning,
		filter:     NewLowpass(float64(sampleRate), LowpassFrequency, LowpassQ),
		analyser:   NewAnalyser(FFTSize, SmoothingTimeConstant),
		mono:       make([]float64, FrameSize),
		sources:    make(map[*Source]struct{}),
		now:        time.Now,
	}, nil
}

// Analyser returns the graph's analyser node.
func (g *Graph) Analyser() *Analyser {
	return g.analyser
}

// State returns the current lifecycle state.
func (g *Graph) State() GraphState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Closed reports whether Close has been called.
func (g *Graph) Closed() bool {
	return g.State() == GraphClosed
}

// Suspend pauses the graph clock. Sources keep their connections.
func (g *Graph) Suspend() {
	g.mu.Lock()
	if g.state == GraphRunning {
		g.state = GraphSuspended
	}
	g.mu.Unlock()
}

// Resume restarts a suspended graph.
func (g *Graph) Resume() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case GraphClosed:
		return ErrGraphClosed
	case GraphSuspended:
		g.state = GraphRunning
	}
	return nil
}

// CurrentTime returns the audio clock in seconds. Between rendered frames it
// interpolates with wall time, capped at one frame, so it never runs backwards.
func (g *Graph) CurrentTime() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := float64(g.rendered) / float64(g.sampleRate)
	if g.state == GraphRunning && !g.lastRender.IsZero() {
		since := g.now().Sub(g.lastRender)
		if since > FrameDuration {
			since = FrameDuration
		}
		t += since.Seconds()
	}
	return t
}

// Onset returns the graph time, in seconds, of the attack of the strongest
// transient in the analysis window. Unlike CurrentTime it resolves single
// samples. It reports false while the window is silent.
func (g *Graph) Onset() (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	back, ok := g.analyser.attack()
	if !ok {
		return 0, false
	}
	return float64(g.rendered-int64(back)) / float64(g.sampleRate), true
}

// SourceCount returns the number of connected source nodes.
func (g *Graph) SourceCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sources)
}

// CreateMediaElementSource connects el to the graph. Rendered frames go to
// destination (audible output, may be nil) and to the lowpass/analyser chain.
func (g *Graph) CreateMediaElementSource(el *Element, destination chan<- []int16) (*Source, error) {
	g.mu.Lock()
	if g.state == GraphClosed {
		g.mu.Unlock()
		return nil, ErrGraphClosed
	}
	src := &Source{graph: g, element: el, destination: destination, connected: true}
	g.sources[src] = struct{}{}
	g.mu.Unlock()

	if err := el.attach(src); err != nil {
		src.Disconnect()
		return nil, err
	}
	return src, nil
}

// Close disconnects every source and stops the clock.
func (g *Graph) Close() error {
	g.mu.Lock()
	if g.state == GraphClosed {
		g.mu.Unlock()
		return nil
	}
	g.state = GraphClosed
	sources := make([]*Source, 0, len(g.sources))
	for s := range g.sources {
		sources = append(sources, s)
	}
	g.mu.Unlock()

	for _, s := range sources {
		s.Disconnect()
	}
	return nil
}

func (g *Graph) render(frame []int16) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != GraphRunning {
		return
	}
	n := len(frame) / Channels
	if cap(g.mono) < n {
		g.mono = make([]float64, n)
	}
	mono := g.mono[:n]
	for i := range mono {
		var sum float64
		for c := 0; c < Channels; c++ {
			sum += float64(frame[i*Channels+c])
		}
		mono[i] = sum / Channels / 32768
	}
	g.filter.ProcessBlock(mono)
	g.analyser.Write(mono)
	g.rendered += int64(n)
	g.lastRender = g.now()
}

func (g *Graph) remove(s *Source) {
	g.mu.Lock()
	delete(g.sources, s)
	g.mu.Unlock()
}

// Source routes an element's frames to the destination and into the graph.
type Source struct {
	mu          sync.Mutex
	graph       *Graph
	element     *Element
	destination chan<- []int16
	connected   bool
}

// Connected reports whether the node is still attached to its graph.
func (s *Source) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Disconnect detaches the node from the graph and its element. Safe to call twice.
func (s *Source) Disconnect() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.mu.Unlock()

	s.graph.remove(s)
	s.element.detach(s)
}

func (s *Source) writeFrame(frame []int16) {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return
	}
	if s.destination != nil {
		select {
		case s.destination <- frame:
		default:
			// output backed up, drop the frame rather than stall analysis
		}
	}
	s.graph.render(frame)
}
