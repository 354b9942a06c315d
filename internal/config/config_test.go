package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultSurge_Valid(t *testing.T) {
	if err := DefaultSurge().Validate(); err != nil {
		t.Fatalf("defaults should validate, got %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SurgeConfig)
	}{
		{"max below base", func(c *SurgeConfig) { c.MaxSurgeMultiplier = 0.5 }},
		{"zero jump", func(c *SurgeConfig) { c.MaxSurgeJump = 0 }},
		{"zero min drivers", func(c *SurgeConfig) { c.MinDrivers = 0 }},
		{"zero freshness", func(c *SurgeConfig) { c.DataFreshnessSeconds = 0 }},
		{"drop threshold above one", func(c *SurgeConfig) { c.SurgeDropThreshold = 1.5 }},
		{"resolution too fine", func(c *SurgeConfig) { c.Resolution = 16 }},
		{"no cas retries", func(c *SurgeConfig) { c.CASRetries = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultSurge()
			tt.mutate(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestDurations(t *testing.T) {
	c := DefaultSurge()
	if c.Freshness() != 30*time.Second {
		t.Errorf("freshness = %v", c.Freshness())
	}
	if c.BaselineWindow() != 10*time.Minute {
		t.Errorf("baseline window = %v", c.BaselineWindow())
	}
	if c.Warmup() != 30*time.Second {
		t.Errorf("warmup = %v", c.Warmup())
	}
	if c.MinStepInterval() != time.Second {
		t.Errorf("min step interval = %v", c.MinStepInterval())
	}
}

func TestLoad_FileAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "surge.yaml")
	body := []byte("surge:\n  min_drivers: 7\n  max_surge_multiplier: 2.5\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SURGE_CONFIG_FILE", path)
	t.Setenv("SURGE_MAX_JUMP", "0.1")
	t.Setenv("SURGE_STORE_TIMEOUT", "100ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Surge.MinDrivers != 7 {
		t.Errorf("min drivers from file = %d, want 7", cfg.Surge.MinDrivers)
	}
	if cfg.Surge.MaxSurgeMultiplier != 2.5 {
		t.Errorf("max multiplier from file = %v, want 2.5", cfg.Surge.MaxSurgeMultiplier)
	}
	if cfg.Surge.MaxSurgeJump != 0.1 {
		t.Errorf("max jump from env = %v, want 0.1", cfg.Surge.MaxSurgeJump)
	}
	// Keys missing from the file keep their defaults.
	if cfg.Surge.DataFreshnessSeconds != 30 {
		t.Errorf("freshness = %d, want default 30", cfg.Surge.DataFreshnessSeconds)
	}
	if cfg.Store.Timeout != 100*time.Millisecond {
		t.Errorf("store timeout = %v", cfg.Store.Timeout)
	}
	if cfg.History.Timeout != 2*time.Second {
		t.Errorf("history timeout = %v, want default 2s", cfg.History.Timeout)
	}
}

func TestLoad_InvalidOverlayFails(t *testing.T) {
	t.Setenv("SURGE_MIN_DRIVERS", "0")
	if _, err := Load(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
