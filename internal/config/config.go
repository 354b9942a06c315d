// Package config loads process settings and the surge tuning knobs.
//
// Values are layered: built-in defaults, then an optional YAML file named by
// SURGE_CONFIG_FILE, then SURGE_* environment variables. A .env file in the
// working directory is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate when a tuning knob is out of range.
var ErrInvalidConfig = errors.New("config: invalid surge configuration")

// SurgeConfig holds the tuning knobs shared by the aggregation and pricing
// engine. It is passed by value so no component can mutate another's copy.
type SurgeConfig struct {
	Resolution            int     `yaml:"resolution"`
	MinDrivers            int     `yaml:"min_drivers"`
	MaxSurgeMultiplier    float64 `yaml:"max_surge_multiplier"`
	BaseSurgeMultiplier   float64 `yaml:"base_surge_multiplier"`
	MaxSurgeJump          float64 `yaml:"max_surge_jump"`
	BaselineWindowSeconds int     `yaml:"baseline_window_seconds"`
	DataFreshnessSeconds  int     `yaml:"data_freshness_seconds"`
	WarmupSeconds         int     `yaml:"warmup_seconds"`
	SurgeDropThreshold    float64 `yaml:"surge_drop_threshold"`

	// MinStepIntervalSeconds is the shortest elapsed time between two
	// multiplier steps for the same cell; faster recomputes hold the value.
	MinStepIntervalSeconds float64 `yaml:"min_step_interval_seconds"`
	CASRetries             int     `yaml:"cas_retries"`

	BaseFare   float64 `yaml:"base_fare"`
	PricePerKm float64 `yaml:"price_per_km"`
	Currency   string  `yaml:"currency"`
}

// Freshness returns the presence window as a duration.
func (c SurgeConfig) Freshness() time.Duration {
	return time.Duration(c.DataFreshnessSeconds) * time.Second
}

// BaselineWindow returns the baseline averaging window as a duration.
func (c SurgeConfig) BaselineWindow() time.Duration {
	return time.Duration(c.BaselineWindowSeconds) * time.Second
}

// Warmup returns the warmup period as a duration.
func (c SurgeConfig) Warmup() time.Duration {
	return time.Duration(c.WarmupSeconds) * time.Second
}

// MinStepInterval returns the minimum step interval as a duration.
func (c SurgeConfig) MinStepInterval() time.Duration {
	return time.Duration(c.MinStepIntervalSeconds * float64(time.Second))
}

// Validate checks the knobs for internal consistency.
func (c SurgeConfig) Validate() error {
	switch {
	case c.Resolution < 0 || c.Resolution > 15:
		return fmt.Errorf("%w: resolution %d outside [0,15]", ErrInvalidConfig, c.Resolution)
	case c.MinDrivers < 1:
		return fmt.Errorf("%w: min_drivers must be >= 1", ErrInvalidConfig)
	case c.BaseSurgeMultiplier <= 0:
		return fmt.Errorf("%w: base_surge_multiplier must be positive", ErrInvalidConfig)
	case c.MaxSurgeMultiplier < c.BaseSurgeMultiplier:
		return fmt.Errorf("%w: max_surge_multiplier below base", ErrInvalidConfig)
	case c.MaxSurgeJump <= 0:
		return fmt.Errorf("%w: max_surge_jump must be positive", ErrInvalidConfig)
	case c.DataFreshnessSeconds <= 0:
		return fmt.Errorf("%w: data_freshness_seconds must be positive", ErrInvalidConfig)
	case c.BaselineWindowSeconds <= 0:
		return fmt.Errorf("%w: baseline_window_seconds must be positive", ErrInvalidConfig)
	case c.WarmupSeconds < 0:
		return fmt.Errorf("%w: warmup_seconds must not be negative", ErrInvalidConfig)
	case c.SurgeDropThreshold <= 0 || c.SurgeDropThreshold > 1:
		return fmt.Errorf("%w: surge_drop_threshold outside (0,1]", ErrInvalidConfig)
	case c.CASRetries < 1:
		return fmt.Errorf("%w: cas_retries must be >= 1", ErrInvalidConfig)
	case c.PricePerKm < 0 || c.BaseFare < 0:
		return fmt.Errorf("%w: fares must not be negative", ErrInvalidConfig)
	}
	return nil
}

// DefaultSurge returns the production defaults.
func DefaultSurge() SurgeConfig {
	return SurgeConfig{
		Resolution:             8, // ~0.5 km^2 cells
		MinDrivers:             5,
		MaxSurgeMultiplier:     3.0,
		BaseSurgeMultiplier:    1.0,
		MaxSurgeJump:           0.2,
		BaselineWindowSeconds:  600,
		DataFreshnessSeconds:   30,
		WarmupSeconds:          30,
		SurgeDropThreshold:     0.5,
		MinStepIntervalSeconds: 1,
		CASRetries:             3,
		BaseFare:               10.0,
		PricePerKm:             2.0,
		Currency:               "USD",
	}
}

// Config is the full process configuration.
type Config struct {
	HTTP struct {
		Port string
	}
	Redis struct {
		URL string
	}
	DB struct {
		URL string
	}
	Store struct {
		Timeout time.Duration
	}
	History struct {
		Timeout time.Duration
	}
	Loops struct {
		RecomputeInterval      time.Duration
		BaselineSampleInterval time.Duration
		Concurrency            int
	}
	Ingest struct {
		DriverPingRPS   float64
		DriverPingBurst int
	}
	LogLevel slog.Level
	Surge    SurgeConfig
}

type fileConfig struct {
	Surge *SurgeConfig `yaml:"surge"`
}

// Load builds a Config from defaults, the optional YAML file and the
// environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	cfg.HTTP.Port = envOrDefault("PORT", "8080")
	cfg.Redis.URL = os.Getenv("REDIS_URL")
	cfg.DB.URL = os.Getenv("DATABASE_URL")
	cfg.Store.Timeout = envOrDefaultDuration("SURGE_STORE_TIMEOUT", 250*time.Millisecond)
	cfg.History.Timeout = envOrDefaultDuration("SURGE_HISTORY_TIMEOUT", 2*time.Second)
	cfg.Loops.RecomputeInterval = envOrDefaultDuration("SURGE_RECOMPUTE_INTERVAL", 5*time.Second)
	cfg.Loops.BaselineSampleInterval = envOrDefaultDuration("SURGE_BASELINE_SAMPLE_INTERVAL", 30*time.Second)
	cfg.Loops.Concurrency = envOrDefaultInt("SURGE_LOOP_CONCURRENCY", 16)
	cfg.Ingest.DriverPingRPS = envOrDefaultFloat("SURGE_DRIVER_PING_RPS", 500)
	cfg.Ingest.DriverPingBurst = envOrDefaultInt("SURGE_DRIVER_PING_BURST", 1000)
	cfg.LogLevel = parseLevel(os.Getenv("SURGE_LOG_LEVEL"))

	cfg.Surge = DefaultSurge()
	if path := os.Getenv("SURGE_CONFIG_FILE"); path != "" {
		if err := overlayFile(&cfg.Surge, path); err != nil {
			return Config{}, err
		}
	}
	overlayEnv(&cfg.Surge)

	if err := cfg.Surge.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// overlayFile decodes the surge section of a YAML file on top of sc. Keys
// absent from the file keep their current values.
func overlayFile(sc *SurgeConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	fc := fileConfig{Surge: sc}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func overlayEnv(sc *SurgeConfig) {
	sc.Resolution = envOrDefaultInt("SURGE_RESOLUTION", sc.Resolution)
	sc.MinDrivers = envOrDefaultInt("SURGE_MIN_DRIVERS", sc.MinDrivers)
	sc.MaxSurgeMultiplier = envOrDefaultFloat("SURGE_MAX_MULTIPLIER", sc.MaxSurgeMultiplier)
	sc.BaseSurgeMultiplier = envOrDefaultFloat("SURGE_BASE_MULTIPLIER", sc.BaseSurgeMultiplier)
	sc.MaxSurgeJump = envOrDefaultFloat("SURGE_MAX_JUMP", sc.MaxSurgeJump)
	sc.BaselineWindowSeconds = envOrDefaultInt("SURGE_BASELINE_WINDOW_SECONDS", sc.BaselineWindowSeconds)
	sc.DataFreshnessSeconds = envOrDefaultInt("SURGE_DATA_FRESHNESS_SECONDS", sc.DataFreshnessSeconds)
	sc.WarmupSeconds = envOrDefaultInt("SURGE_WARMUP_SECONDS", sc.WarmupSeconds)
	sc.SurgeDropThreshold = envOrDefaultFloat("SURGE_DROP_THRESHOLD", sc.SurgeDropThreshold)
	sc.MinStepIntervalSeconds = envOrDefaultFloat("SURGE_MIN_STEP_INTERVAL_SECONDS", sc.MinStepIntervalSeconds)
	sc.CASRetries = envOrDefaultInt("SURGE_CAS_RETRIES", sc.CASRetries)
	sc.BaseFare = envOrDefaultFloat("SURGE_BASE_FARE", sc.BaseFare)
	sc.PricePerKm = envOrDefaultFloat("SURGE_PRICE_PER_KM", sc.PricePerKm)
	sc.Currency = envOrDefault("SURGE_CURRENCY", sc.Currency)
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
