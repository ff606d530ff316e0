// Package config loads the estate-sync configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/estate-sync/pkg/logging"
)

const (
	// CheckpointBackendFile keeps checkpoints in JSON files on local disk.
	CheckpointBackendFile = "file"
	// CheckpointBackendRedis keeps checkpoints in Redis sets.
	CheckpointBackendRedis = "redis"

	// BoundaryFormatYAML is a hand-maintained municipality/zip list.
	BoundaryFormatYAML = "yaml"
	// BoundaryFormatShapefile is a postal-code polygon shapefile.
	BoundaryFormatShapefile = "shapefile"
)

// Option configures how a configuration is loaded.
type Option func(*loaderConfig) error

type loaderConfig struct {
	path      string
	overrides []func(*Config)
}

// WithConfigPath loads configuration from a YAML file.
func WithConfigPath(path string) Option {
	return func(lc *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}
		lc.path = realPath
		return nil
	}
}

// WithOverride applies fn after the file has been decoded.
// The CLI uses it for flag and environment overrides.
func WithOverride(fn func(*Config)) Option {
	return func(lc *loaderConfig) error {
		lc.overrides = append(lc.overrides, fn)
		return nil
	}
}

// Config is the root configuration.
type Config struct {
	API         APIConfig        `yaml:"api"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	Planner     PlannerConfig    `yaml:"planner"`
	Workers     int              `yaml:"workers"`
	ItemTimeout time.Duration    `yaml:"item_timeout"`
	Database    DatabaseConfig   `yaml:"database"`
	Redis       RedisConfig      `yaml:"redis"`
	Checkpoint  CheckpointConfig `yaml:"checkpoint"`
	Boundaries  BoundaryConfig   `yaml:"boundaries"`
	Schedule    ScheduleConfig   `yaml:"schedule"`
	Cleanup     CleanupConfig    `yaml:"cleanup"`
	Log         logging.Config   `yaml:"log"`
	HTTP        HTTPConfig       `yaml:"http"`
}

// APIConfig describes the upstream listing API.
type APIConfig struct {
	BaseURL       string        `yaml:"base_url"`
	UserAgent     string        `yaml:"user_agent"`
	PerPage       int           `yaml:"per_page"`
	PageCeiling   int           `yaml:"page_ceiling"`
	Timeout       time.Duration `yaml:"timeout"`
	AddressTypes  []string      `yaml:"address_types"`
	EnrichDetails bool          `yaml:"enrich_details"`
	Retry         RetryConfig   `yaml:"retry"`
}

// RetryConfig bounds the client's retry loop.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// RateLimitConfig is the shared request budget.
type RateLimitConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxWait           time.Duration `yaml:"max_wait"`
}

// PlannerConfig tunes query subdivision.
type PlannerConfig struct {
	Ceiling          int           `yaml:"ceiling"`
	MaxUncoveredRows int           `yaml:"max_uncovered_rows"`
	ProbeConcurrency int           `yaml:"probe_concurrency"`
	CountCacheTTL    time.Duration `yaml:"count_cache_ttl"`
}

// DatabaseConfig is the PostgreSQL connection.
type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// RedisConfig is optional; an empty Addr disables Redis-backed features.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// CheckpointConfig selects where run progress is persisted.
type CheckpointConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

// BoundaryConfig points at municipality/zip reference data.
type BoundaryConfig struct {
	File           string   `yaml:"file"`
	Format         string   `yaml:"format"`
	CenterLat      float64  `yaml:"center_lat"`
	CenterLon      float64  `yaml:"center_lon"`
	RadiusKM       float64  `yaml:"radius_km"`
	Municipalities []string `yaml:"municipalities"`
}

// ScheduleConfig holds the cadence per policy. Zero disables a policy.
type ScheduleConfig struct {
	DiscoverNew   time.Duration `yaml:"discover_new"`
	RefreshActive time.Duration `yaml:"refresh_active"`
	RefreshAll    time.Duration `yaml:"refresh_all"`
	Cleanup       time.Duration `yaml:"cleanup"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	TimeBudget    time.Duration `yaml:"time_budget"`
}

// CleanupConfig tunes the maintenance policy.
type CleanupConfig struct {
	Retention  time.Duration `yaml:"retention"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// HTTPConfig is the status server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration usable against the public API with
// the Copenhagen 60 km scope.
func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL:      "https://api.boligsiden.dk",
			UserAgent:    "estate-sync/0.1",
			PerPage:      50,
			PageCeiling:  10000,
			Timeout:      30 * time.Second,
			AddressTypes: []string{"villa"},
			Retry: RetryConfig{
				MaxAttempts:    5,
				InitialBackoff: time.Second,
				MaxBackoff:     30 * time.Second,
				Multiplier:     2.0,
			},
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             1,
			MaxWait:           30 * time.Second,
		},
		Planner: PlannerConfig{
			Ceiling:          10000,
			ProbeConcurrency: 4,
			CountCacheTTL:    15 * time.Minute,
		},
		Workers:     20,
		ItemTimeout: 30 * time.Minute,
		Database: DatabaseConfig{
			MaxConns: 25,
		},
		Checkpoint: CheckpointConfig{
			Backend: CheckpointBackendFile,
			Dir:     ".estate-sync/checkpoints",
		},
		Boundaries: BoundaryConfig{
			Format:    BoundaryFormatYAML,
			CenterLat: 55.6761,
			CenterLon: 12.5683,
			RadiusKM:  60,
		},
		Schedule: ScheduleConfig{
			DiscoverNew:   24 * time.Hour,
			RefreshActive: 24 * time.Hour,
			RefreshAll:    7 * 24 * time.Hour,
			Cleanup:       7 * 24 * time.Hour,
			PollInterval:  5 * time.Minute,
			TimeBudget:    6 * time.Hour,
		},
		Cleanup: CleanupConfig{
			Retention:  30 * 24 * time.Hour,
			StaleAfter: 14 * 24 * time.Hour,
		},
		Log: logging.Config{
			Level: logging.LevelInfo,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
	}
}

// LoadConfig starts from Default, overlays the YAML file if one is given,
// applies overrides and validates the result.
func LoadConfig(opts ...Option) (*Config, error) {
	lc := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(lc); err != nil {
			return nil, err
		}
	}

	cfg := Default()
	if lc.path != "" {
		data, err := os.ReadFile(lc.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	for _, fn := range lc.overrides {
		fn(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields the pipeline cannot run without.
func (c *Config) Validate() error {
	var errs []error

	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	}
	if c.API.UserAgent == "" {
		errs = append(errs, errors.New("api.user_agent is required"))
	}
	if c.API.PerPage <= 0 {
		errs = append(errs, fmt.Errorf("api.per_page must be > 0 (got %d)", c.API.PerPage))
	}
	if c.API.PageCeiling < c.API.PerPage {
		errs = append(errs, fmt.Errorf("api.page_ceiling must be >= per_page (got %d)", c.API.PageCeiling))
	}
	if c.API.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("api.retry.max_attempts must be >= 1 (got %d)", c.API.Retry.MaxAttempts))
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.requests_per_second must be > 0 (got %v)", c.RateLimit.RequestsPerSecond))
	}
	if c.RateLimit.MaxWait <= 0 {
		errs = append(errs, errors.New("rate_limit.max_wait must be > 0"))
	}
	if c.Planner.Ceiling <= 0 || c.Planner.Ceiling > c.API.PageCeiling {
		errs = append(errs, fmt.Errorf("planner.ceiling must be in (0, %d] (got %d)", c.API.PageCeiling, c.Planner.Ceiling))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1 (got %d)", c.Workers))
	}

	switch c.Checkpoint.Backend {
	case CheckpointBackendFile:
		if c.Checkpoint.Dir == "" {
			errs = append(errs, errors.New("checkpoint.dir is required for the file backend"))
		}
	case CheckpointBackendRedis:
		if !c.Redis.Enabled() {
			errs = append(errs, errors.New("redis.addr is required for the redis checkpoint backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("checkpoint.backend must be %q or %q (got %q)",
			CheckpointBackendFile, CheckpointBackendRedis, c.Checkpoint.Backend))
	}

	switch strings.ToLower(c.Boundaries.Format) {
	case BoundaryFormatYAML, BoundaryFormatShapefile:
	default:
		errs = append(errs, fmt.Errorf("boundaries.format must be %q or %q (got %q)",
			BoundaryFormatYAML, BoundaryFormatShapefile, c.Boundaries.Format))
	}

	return errors.Join(errs...)
}
