// Package server exposes a playback session over HTTP: a JSON control API,
// a websocket state push and the audio streams.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satindergrewal/tempobreath/internal/beat"
	"github.com/satindergrewal/tempobreath/internal/breath"
	"github.com/satindergrewal/tempobreath/internal/playback"
	"github.com/satindergrewal/tempobreath/internal/stream"
	"github.com/satindergrewal/tempobreath/internal/temposync"
)

const (
	DefaultMaxUpload      = 100 << 20
	DefaultBreathInterval = 50 * time.Millisecond
)

// Options configures a Server. Session and Store are required.
type Options struct {
	Logger      *zap.Logger
	Session     *playback.Session
	Store       *temposync.Store
	Practice    *temposync.Practice
	Broadcaster *stream.Broadcaster // mounts /stream and /offer when set

	MaxUploadBytes int64
	AllowOrigin    string
	BreathInterval time.Duration
}

// Server wires the session, the tempo store and the breath driver to HTTP.
type Server struct {
	log      *zap.Logger
	session  *playback.Session
	store    *temposync.Store
	practice *temposync.Practice
	monitor  *temposync.StabilityMonitor
	tap      *beat.TapTempo
	driver   *breath.Driver
	hub      *hub

	bcast  *stream.Broadcaster
	mp3    *stream.HTTPHandler
	webrtc *stream.WebRTCHandler

	maxUpload int64
	origin    string
	interval  time.Duration

	mu        sync.Mutex
	benchmark *breath.Pattern
	detach    func()

	unsubscribe func()
	mux         *http.ServeMux
}

// New builds a server and subscribes it to the store.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Practice == nil {
		opts.Practice = temposync.NewPractice()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUpload
	}
	if opts.AllowOrigin == "" {
		opts.AllowOrigin = "*"
	}
	if opts.BreathInterval <= 0 {
		opts.BreathInterval = DefaultBreathInterval
	}
	log := opts.Logger.Named("server")

	s := &Server{
		log:       log,
		session:   opts.Session,
		store:     opts.Store,
		practice:  opts.Practice,
		monitor:   temposync.NewStabilityMonitor(),
		tap:       beat.NewTapTempo(),
		hub:       newHub(log),
		bcast:     opts.Broadcaster,
		maxUpload: opts.MaxUploadBytes,
		origin:    opts.AllowOrigin,
		interval:  opts.BreathInterval,
	}
	s.driver = breath.NewDriver(breathSource{s})
	if s.bcast != nil {
		s.mp3 = stream.NewHTTPHandler(s.bcast, opts.Logger)
		s.webrtc = stream.NewWebRTCHandler(s.bcast, opts.Logger)
	}
	s.unsubscribe = s.store.Subscribe(s.onState)
	s.mux = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// breathSource follows the practice ramp while a practice session is active
// and the tempo-derived pattern otherwise.
type breathSource struct{ s *Server }

func (b breathSource) TempoPattern() breath.Pattern {
	if b.s.practice.Snapshot().Active {
		return b.s.practice.TempoPattern()
	}
	return b.s.store.TempoPattern()
}

// onState runs after every store mutation.
func (s *Server) onState(st temposync.State) {
	noStable := s.monitor.Observe(st, time.Now())

	breathing := st.Enabled && st.PlaybackState == temposync.Playing
	switch {
	case breathing && !s.driver.Running():
		s.driver.Start()
	case !breathing && s.driver.Running():
		s.driver.Stop()
	}

	s.hub.broadcast(message{Type: "state", State: &st, NoStable: noStable})
}

// Run drives the breath phase push and the practice clock until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.driver.Run(ctx, s.interval, func(st breath.State) {
			s.hub.broadcast(message{Type: "breath", Breath: &st})
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				s.tick(now)
			}
		}
	})
	return g.Wait()
}

// tick advances the practice segment and re-evaluates the stability flag.
func (s *Server) tick(now time.Time) {
	if s.practice.Snapshot().Active {
		if el := s.session.Element(); el != nil {
			s.practice.UpdateElapsed(el.CurrentTime(), s.store.Snapshot().BPM)
		}
	}
	was := s.monitor.NoStable()
	if is := s.monitor.Check(now); is != was {
		st := s.store.Snapshot()
		s.hub.broadcast(message{Type: "state", State: &st, NoStable: is})
	}
}

// Benchmark returns the user's benchmark pattern, or nil.
func (s *Server) Benchmark() *breath.Pattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.benchmark == nil {
		return nil
	}
	b := *s.benchmark
	return &b
}

func (s *Server) endPractice() {
	s.mu.Lock()
	detach := s.detach
	s.detach = nil
	s.mu.Unlock()
	if detach != nil {
		detach()
	}
	s.practice.End()
}

// Close unsubscribes from the store and hangs up every client.
func (s *Server) Close() {
	s.unsubscribe()
	s.endPractice()
	s.driver.Stop()
	s.hub.close()
	if s.webrtc != nil {
		s.webrtc.Close()
	}
}
