package config

import (
	"os"
	"testing"
	"time"
)

var envVars = []string{
	"TEMPOBREATH_PORT", "TEMPOBREATH_MAX_UPLOAD_MB", "TEMPOBREATH_ALLOW_ORIGIN",
	"TEMPOBREATH_STATE_FILE", "TEMPOBREATH_WATCH_DIR", "TEMPOBREATH_TEMP_DIR",
	"TEMPOBREATH_FRAME_INTERVAL_MS", "TEMPOBREATH_BREATH_INTERVAL_MS",
	"TEMPOBREATH_VERBOSE",
}

func TestLoadDefaults(t *testing.T) {
	for _, k := range envVars {
		os.Unsetenv(k)
	}

	cfg := Load()

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.MaxUploadMB != 100 {
		t.Errorf("MaxUploadMB = %d, want 100", cfg.MaxUploadMB)
	}
	if cfg.MaxUploadBytes() != 100<<20 {
		t.Errorf("MaxUploadBytes = %d, want %d", cfg.MaxUploadBytes(), 100<<20)
	}
	if cfg.StaticOrigin != "*" {
		t.Errorf("StaticOrigin = %q, want '*'", cfg.StaticOrigin)
	}
	if cfg.StateFile == "" {
		t.Error("StateFile should have a default")
	}
	if cfg.WatchDir != "" {
		t.Errorf("WatchDir = %q, want empty default", cfg.WatchDir)
	}
	if cfg.TempDir != os.TempDir() {
		t.Errorf("TempDir = %q, want %q", cfg.TempDir, os.TempDir())
	}
	if cfg.FrameInterval != 16*time.Millisecond {
		t.Errorf("FrameInterval = %v, want 16ms", cfg.FrameInterval)
	}
	if cfg.BreathInterval != 50*time.Millisecond {
		t.Errorf("BreathInterval = %v, want 50ms", cfg.BreathInterval)
	}
	if cfg.Verbose {
		t.Error("Verbose should default to false")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TEMPOBREATH_PORT", "3000")
	t.Setenv("TEMPOBREATH_MAX_UPLOAD_MB", "8")
	t.Setenv("TEMPOBREATH_ALLOW_ORIGIN", "http://localhost:5173")
	t.Setenv("TEMPOBREATH_STATE_FILE", "/tmp/prefs.yaml")
	t.Setenv("TEMPOBREATH_WATCH_DIR", "/tmp/drop")
	t.Setenv("TEMPOBREATH_TEMP_DIR", "/tmp/blobs")
	t.Setenv("TEMPOBREATH_FRAME_INTERVAL_MS", "20")
	t.Setenv("TEMPOBREATH_BREATH_INTERVAL_MS", "100")
	t.Setenv("TEMPOBREATH_VERBOSE", "true")

	cfg := Load()

	if cfg.Port != 3000 {
		t.Errorf("Port = %d, want 3000", cfg.Port)
	}
	if cfg.MaxUploadMB != 8 {
		t.Errorf("MaxUploadMB = %d, want 8", cfg.MaxUploadMB)
	}
	if cfg.StaticOrigin != "http://localhost:5173" {
		t.Errorf("StaticOrigin = %q, want env override", cfg.StaticOrigin)
	}
	if cfg.StateFile != "/tmp/prefs.yaml" {
		t.Errorf("StateFile = %q, want env override", cfg.StateFile)
	}
	if cfg.WatchDir != "/tmp/drop" {
		t.Errorf("WatchDir = %q, want env override", cfg.WatchDir)
	}
	if cfg.TempDir != "/tmp/blobs" {
		t.Errorf("TempDir = %q, want env override", cfg.TempDir)
	}
	if cfg.FrameInterval != 20*time.Millisecond {
		t.Errorf("FrameInterval = %v, want 20ms", cfg.FrameInterval)
	}
	if cfg.BreathInterval != 100*time.Millisecond {
		t.Errorf("BreathInterval = %v, want 100ms", cfg.BreathInterval)
	}
	if !cfg.Verbose {
		t.Error("Verbose should be true")
	}
}

func TestEnvIntInvalidFallsBack(t *testing.T) {
	t.Setenv("TEMPOBREATH_PORT", "not-a-number")
	cfg := Load()
	if cfg.Port != 8080 {
		t.Errorf("Invalid int env should fallback to default: got %d, want 8080", cfg.Port)
	}
}

func TestEnvDurationRejectsNonPositive(t *testing.T) {
	t.Setenv("TEMPOBREATH_FRAME_INTERVAL_MS", "0")
	cfg := Load()
	if cfg.FrameInterval != 16*time.Millisecond {
		t.Errorf("Zero interval should fallback: got %v", cfg.FrameInterval)
	}
}

func TestEnvBoolInvalidFallsBack(t *testing.T) {
	t.Setenv("TEMPOBREATH_VERBOSE", "loud")
	cfg := Load()
	if cfg.Verbose {
		t.Error("Invalid bool env should fallback to false")
	}
}
