package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 10000, cfg.Planner.Ceiling)
	assert.Equal(t, 50, cfg.API.PerPage)
	assert.Equal(t, 20, cfg.Workers)
	assert.Equal(t, []string{"villa"}, cfg.API.AddressTypes)
	assert.InDelta(t, 60.0, cfg.Boundaries.RadiusKM, 0.001)
	assert.Equal(t, CheckpointBackendFile, cfg.Checkpoint.Backend)
}

func TestLoadConfig_FileOverlaysDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
api:
  base_url: http://localhost:9000
  retry:
    max_attempts: 4
    initial_backoff: 250ms
rate_limit:
  requests_per_second: 2.5
workers: 8
redis:
  addr: localhost:6379
checkpoint:
  backend: redis
boundaries:
  file: boundaries.yaml
  municipalities: [Gentofte, Gladsaxe]
schedule:
  refresh_all: 48h
`)

	cfg, err := LoadConfig(WithConfigPath(path))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:9000", cfg.API.BaseURL)
	assert.Equal(t, 4, cfg.API.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.API.Retry.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.API.Retry.MaxBackoff, "untouched nested default kept")
	assert.InDelta(t, 2.5, cfg.RateLimit.RequestsPerSecond, 0.0001)
	assert.Equal(t, 8, cfg.Workers)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, []string{"Gentofte", "Gladsaxe"}, cfg.Boundaries.Municipalities)
	assert.Equal(t, 48*time.Hour, cfg.Schedule.RefreshAll)
	assert.Equal(t, 24*time.Hour, cfg.Schedule.DiscoverNew)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(WithOverride(func(c *Config) {
		c.Workers = 1
		c.Database.DSN = "postgres://localhost/estate"
	}))
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, "postgres://localhost/estate", cfg.Database.DSN)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name:    "invalid yaml",
			content: "workers: [",
			errMsg:  "failed to parse config file",
		},
		{
			name:    "zero workers",
			content: "workers: 0",
			errMsg:  "workers must be >= 1",
		},
		{
			name:    "ceiling above page ceiling",
			content: "planner:\n  ceiling: 20000",
			errMsg:  "planner.ceiling",
		},
		{
			name:    "redis checkpoints without redis",
			content: "checkpoint:\n  backend: redis",
			errMsg:  "redis.addr is required",
		},
		{
			name:    "unknown checkpoint backend",
			content: "checkpoint:\n  backend: s3",
			errMsg:  "checkpoint.backend",
		},
		{
			name:    "unknown boundary format",
			content: "boundaries:\n  format: geojson",
			errMsg:  "boundaries.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadConfig(WithConfigPath(writeConfig(t, tt.content)))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestWithConfigPath_Missing(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(WithConfigPath(""))
	require.Error(t, err)

	_, err = LoadConfig(WithConfigPath(filepath.Join(t.TempDir(), "nope.yaml")))
	require.Error(t, err)
}

func TestLoadConfig_ExampleFile(t *testing.T) {
	cfg, err := LoadConfig(WithConfigPath("../../configs/estate-sync.yaml"))
	require.NoError(t, err)

	assert.Equal(t, CheckpointBackendRedis, cfg.Checkpoint.Backend)
	assert.Equal(t, 168*time.Hour, cfg.Schedule.RefreshAll)
	assert.Equal(t, "configs/boundaries.yaml", cfg.Boundaries.File)
}
