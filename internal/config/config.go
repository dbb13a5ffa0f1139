// Package config loads runtime settings from TEMPOBREATH_* environment
// variables. Command-line flags override these in cmd/tempobreath.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	// Server
	Port         int
	MaxUploadMB  int
	StaticOrigin string // Access-Control-Allow-Origin for the JSON API

	// Files
	StateFile string // YAML prefs file; empty disables persistence
	WatchDir  string // drop folder; empty disables the watcher
	TempDir   string // backing store for object URLs

	// Engine
	FrameInterval  time.Duration // analyser frame cadence
	BreathInterval time.Duration // breath phase push cadence

	Verbose bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	return Config{
		Port:         envInt("TEMPOBREATH_PORT", 8080),
		MaxUploadMB:  envInt("TEMPOBREATH_MAX_UPLOAD_MB", 100),
		StaticOrigin: envStr("TEMPOBREATH_ALLOW_ORIGIN", "*"),

		StateFile: envStr("TEMPOBREATH_STATE_FILE", defaultStateFile()),
		WatchDir:  envStr("TEMPOBREATH_WATCH_DIR", ""),
		TempDir:   envStr("TEMPOBREATH_TEMP_DIR", os.TempDir()),

		FrameInterval:  envDuration("TEMPOBREATH_FRAME_INTERVAL_MS", 16*time.Millisecond),
		BreathInterval: envDuration("TEMPOBREATH_BREATH_INTERVAL_MS", 50*time.Millisecond),

		Verbose: envBool("TEMPOBREATH_VERBOSE", false),
	}
}

// MaxUploadBytes is MaxUploadMB in bytes.
func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

func defaultStateFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "tempobreath.yaml"
	}
	return filepath.Join(dir, "tempobreath", "prefs.yaml")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration reads a whole number of milliseconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
