package temposync

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Prefs is the user-adjustable subset of State that survives restarts.
type Prefs struct {
	Enabled          bool    `yaml:"enabled"`
	BPM              float64 `yaml:"bpm"`
	BreathMultiplier float64 `yaml:"breathMultiplier"`
	IsLocked         bool    `yaml:"isLocked"`
}

// PrefsOf extracts the persisted fields from a snapshot.
func PrefsOf(s State) Prefs {
	return Prefs{
		Enabled:          s.Enabled,
		BPM:              s.BPM,
		BreathMultiplier: s.BreathMultiplier,
		IsLocked:         s.IsLocked,
	}
}

// DefaultPrefs matches a fresh store.
func DefaultPrefs() Prefs {
	return PrefsOf(defaultState())
}

// LoadPrefs reads prefs from a YAML file. A missing file yields the defaults.
func LoadPrefs(path string) (Prefs, error) {
	p := DefaultPrefs()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("read prefs: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return DefaultPrefs(), fmt.Errorf("parse prefs: %w", err)
	}
	return p, nil
}

// SavePrefs writes prefs atomically via a temp file in the same directory.
func SavePrefs(path string, p Prefs) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create prefs directory: %w", err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal prefs: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write prefs: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename prefs: %w", err)
	}
	return nil
}

// ApplyPrefs loads persisted fields into the store, clamping as the setters do.
func (s *Store) ApplyPrefs(p Prefs) {
	s.SetEnabled(p.Enabled)
	if p.BPM > 0 {
		s.SetBPM(p.BPM)
	}
	if p.BreathMultiplier > 0 {
		s.SetBreathMultiplier(p.BreathMultiplier)
	}
	s.SetLocked(p.IsLocked)
}

// Persist restores prefs from path into store, then saves them back whenever
// the persisted subset changes. The returned function stops saving.
func Persist(store *Store, path string, logger *zap.Logger) (func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p, err := LoadPrefs(path)
	if err != nil {
		return nil, err
	}
	store.ApplyPrefs(p)
	logger.Info("tempo prefs loaded",
		zap.String("path", path),
		zap.Bool("enabled", p.Enabled),
		zap.Float64("bpm", p.BPM),
		zap.Bool("locked", p.IsLocked))

	saved := PrefsOf(store.Snapshot())
	changes := make(chan Prefs, 1)
	done := make(chan struct{})
	unsubscribe := store.Subscribe(func(st State) {
		next := PrefsOf(st)
		// Keep only the newest pending value.
		select {
		case changes <- next:
		default:
			select {
			case <-changes:
			default:
			}
			select {
			case changes <- next:
			default:
			}
		}
	})

	save := func(next Prefs) {
		if next == saved {
			return
		}
		if err := SavePrefs(path, next); err != nil {
			logger.Warn("save tempo prefs", zap.Error(err))
			return
		}
		saved = next
	}

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case <-done:
				select {
				case next := <-changes:
					save(next)
				default:
				}
				return
			case next := <-changes:
				save(next)
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			unsubscribe()
			close(done)
			<-exited
		})
	}
	return stop, nil
}
