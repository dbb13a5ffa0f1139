// Package watch loads audio files dropped into a directory into the
// playback session.
package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long a file must stay quiet before it is loaded.
const DefaultDebounce = 500 * time.Millisecond

const pollInterval = 100 * time.Millisecond

// Extensions lists the file types the watcher picks up.
var Extensions = map[string]bool{
	".wav": true, ".wave": true, ".mp3": true,
	".flac": true, ".ogg": true, ".m4a": true, ".aac": true,
}

// LoadFunc loads the file at path.
type LoadFunc func(ctx context.Context, path string) error

// Stats counts watcher activity.
type Stats struct {
	Events int
	Loaded int
	Errors int
	Last   string
}

// Watcher watches one directory. Writes to the same file are coalesced and
// the file is loaded once it has been quiet for the debounce window.
type Watcher struct {
	dir      string
	load     LoadFunc
	log      *zap.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]time.Time
	stats   Stats
}

// New creates a watcher for dir. It does not touch the filesystem until Run.
func New(dir string, load LoadFunc, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:      dir,
		load:     load,
		log:      logger.Named("watch"),
		debounce: DefaultDebounce,
		pending:  make(map[string]time.Time),
	}
}

// SetDebounce changes the quiet window. Call before Run.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Stats returns a copy of the activity counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Run watches until ctx is cancelled. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return err
	}
	w.log.Info("watching", zap.String("dir", w.dir))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if !Extensions[strings.ToLower(filepath.Ext(ev.Name))] {
		return
	}
	w.log.Debug("event", zap.String("path", ev.Name), zap.Stringer("op", ev.Op))
	w.mu.Lock()
	w.pending[ev.Name] = time.Now()
	w.stats.Events++
	w.mu.Unlock()
}

// flush loads every settled file, oldest first, so the newest drop ends up
// as the loaded track.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	type settled struct {
		path string
		at   time.Time
	}
	var ready []settled
	w.mu.Lock()
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			ready = append(ready, settled{path, at})
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()
	sort.Slice(ready, func(i, j int) bool { return ready[i].at.Before(ready[j].at) })

	for _, f := range ready {
		err := w.load(ctx, f.path)
		w.mu.Lock()
		if err != nil {
			w.stats.Errors++
		} else {
			w.stats.Loaded++
			w.stats.Last = f.path
		}
		w.mu.Unlock()
		switch {
		case err == nil:
			w.log.Info("loaded dropped file", zap.String("path", f.path))
		case errors.Is(err, context.Canceled):
			return
		default:
			w.log.Warn("load dropped file", zap.String("path", f.path), zap.Error(err))
		}
	}
}
