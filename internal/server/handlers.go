package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/satindergrewal/tempobreath/internal/breath"
	"github.com/satindergrewal/tempobreath/internal/playback"
)

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/upload", s.post(s.handleUpload))
	mux.HandleFunc("/api/play", s.post(s.handlePlay))
	mux.HandleFunc("/api/pause", s.post(func(w http.ResponseWriter, r *http.Request) {
		s.session.Pause()
		s.ok(w, nil)
	}))
	mux.HandleFunc("/api/stop", s.post(func(w http.ResponseWriter, r *http.Request) {
		s.session.Stop()
		s.ok(w, nil)
	}))
	mux.HandleFunc("/api/seek", s.post(s.handleSeek))
	mux.HandleFunc("/api/loop", s.post(s.handleLoop))
	mux.HandleFunc("/api/reset", s.post(func(w http.ResponseWriter, r *http.Request) {
		s.session.ResetDetection()
		s.ok(w, map[string]any{"state": s.store.Snapshot()})
	}))
	mux.HandleFunc("/api/tempo", s.post(s.handleTempo))
	mux.HandleFunc("/api/tap", s.post(s.handleTap))
	mux.HandleFunc("/api/tap/clear", s.post(func(w http.ResponseWriter, r *http.Request) {
		s.tap.Clear()
		s.ok(w, nil)
	}))
	mux.HandleFunc("/api/benchmark", s.post(s.handleBenchmark))
	mux.HandleFunc("/api/breath", s.handleBreath)
	mux.HandleFunc("/api/practice/start", s.post(s.handlePracticeStart))
	mux.HandleFunc("/api/practice/end", s.post(func(w http.ResponseWriter, r *http.Request) {
		s.endPractice()
		s.ok(w, map[string]any{"practice": s.practice.Snapshot()})
	}))
	mux.HandleFunc("/ws", s.handleWS)

	if s.bcast != nil {
		mux.Handle("/stream", s.mp3)
		mux.Handle("/offer", s.webrtc)
	}
	return mux
}

// post rejects anything but POST.
func (s *Server) post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.origin)
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", s.origin)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("write response", zap.Error(err))
	}
}

func (s *Server) ok(w http.ResponseWriter, extra map[string]any) {
	resp := map[string]any{"ok": true}
	for k, v := range extra {
		resp[k] = v
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.store.Snapshot()
	resp := map[string]any{
		"state":         st,
		"playing":       s.session.Playing(),
		"loop":          s.session.Loop(),
		"objectUrl":     s.session.ObjectURL(),
		"noStable":      s.monitor.NoStable(),
		"phaseDuration": s.store.PhaseDuration(),
		"cycleDuration": s.store.CycleDuration(),
		"benchmark":     s.Benchmark(),
		"practice":      s.practice.Snapshot(),
		"taps":          s.tap.Count(),
		"wsClients":     s.hub.count(),
	}
	if el := s.session.Element(); el != nil {
		resp["position"] = el.CurrentTime()
		resp["duration"] = el.Duration()
	}
	if s.bcast != nil {
		resp["httpListeners"] = s.bcast.ListenerCount()
		resp["webrtcListeners"] = s.webrtc.PeerCount()
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid upload", http.StatusBadRequest)
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	s.endPractice()
	el, err := s.session.LoadAudioFile(r.Context(), hdr.Filename, file)
	if err != nil {
		s.log.Warn("upload", zap.String("file", hdr.Filename), zap.Error(err))
		switch {
		case errors.Is(err, playback.ErrDecode):
			http.Error(w, "could not decode audio", http.StatusUnprocessableEntity)
		case errors.Is(err, playback.ErrClosed):
			http.Error(w, "session closed", http.StatusServiceUnavailable)
		default:
			http.Error(w, "load failed", http.StatusInternalServerError)
		}
		return
	}
	s.ok(w, map[string]any{
		"file":      hdr.Filename,
		"duration":  el.Duration(),
		"objectUrl": s.session.ObjectURL(),
		"state":     s.store.Snapshot(),
	})
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Play(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.ok(w, nil)
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Position *float64 `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Position == nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	s.session.Seek(*req.Position)
	s.ok(w, nil)
}

func (s *Server) handleLoop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		A      *float64 `json:"a"`
		B      *float64 `json:"b"`
		Active bool     `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	s.session.SetLoopState(req.A, req.B, req.Active)
	s.ok(w, map[string]any{"loop": s.session.Loop()})
}

func (s *Server) handleTempo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled          *bool    `json:"enabled"`
		BPM              *float64 `json:"bpm"`
		BeatsPerPhase    *int     `json:"beatsPerPhase"`
		BreathMultiplier *float64 `json:"breathMultiplier"`
		IsLocked         *bool    `json:"isLocked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Enabled != nil {
		if err := breath.Gate(*req.Enabled, s.Benchmark()); err != nil {
			http.Error(w, "set a benchmark before enabling tempo sync", http.StatusPreconditionFailed)
			return
		}
	}
	if req.BeatsPerPhase != nil {
		if err := s.store.SetBeatsPerPhase(*req.BeatsPerPhase); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.BPM != nil {
		s.store.SetBPM(*req.BPM)
	}
	if req.BreathMultiplier != nil {
		s.store.SetBreathMultiplier(*req.BreathMultiplier)
	}
	if req.IsLocked != nil {
		s.store.SetLocked(*req.IsLocked)
	}
	if req.Enabled != nil {
		s.store.SetEnabled(*req.Enabled)
	}
	s.ok(w, map[string]any{"state": s.store.Snapshot()})
}

func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	bpm, ok := s.tap.Tap()
	if ok {
		s.store.SetBPM(bpm)
	}
	resp := map[string]any{"taps": s.tap.Count(), "state": s.store.Snapshot()}
	if ok {
		resp["bpm"] = bpm
	}
	s.ok(w, resp)
}

func (s *Server) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	var p breath.Pattern
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || !p.Valid() {
		http.Error(w, "benchmark needs four positive durations", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.benchmark = &p
	s.mu.Unlock()
	s.practice.SetMax(p)
	s.ok(w, map[string]any{"benchmark": p})
}

func (s *Server) handleBreath(w http.ResponseWriter, r *http.Request) {
	source := "tempo"
	if s.practice.Snapshot().Active {
		source = "practice"
	}
	st, running := s.driver.Current()
	resp := map[string]any{
		"running": running,
		"source":  source,
		"pattern": breathSource{s}.TempoPattern(),
	}
	if running {
		resp["phase"] = st.Phase
		resp["phaseProgress"] = st.PhaseProgress
	}
	s.writeJSON(w, resp)
}

func (s *Server) handlePracticeStart(w http.ResponseWriter, r *http.Request) {
	bench := s.Benchmark()
	if err := breath.Gate(true, bench); err != nil {
		http.Error(w, "set a benchmark before practicing", http.StatusPreconditionFailed)
		return
	}
	el := s.session.Element()
	if el == nil {
		http.Error(w, "no audio loaded", http.StatusConflict)
		return
	}

	s.endPractice()
	id, err := s.practice.Start(el.Duration(), *bench, s.store.Snapshot().BPM)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	detach := s.practice.Attach(s.store)
	s.mu.Lock()
	s.detach = detach
	s.mu.Unlock()

	s.log.Info("practice started", zap.String("id", id))
	s.ok(w, map[string]any{"id": id, "practice": s.practice.Snapshot()})
}
