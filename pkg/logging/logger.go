// Package logging configures zerolog for the sync pipeline and hands out
// component-scoped loggers.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel `yaml:"level"`

	// Pretty switches from JSON lines to console output.
	Pretty bool `yaml:"pretty"`

	// Output defaults to os.Stderr.
	Output io.Writer `yaml:"-"`
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// ParseLevel converts a LogLevel to a zerolog.Level, falling back to info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger tagged with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// ForRun derives a logger carrying the run identity.
func ForRun(base zerolog.Logger, runID, policy string) zerolog.Logger {
	return base.With().Str("run_id", runID).Str("policy", policy).Logger()
}

// Nop returns a disabled logger, handy as a Config default.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Log Level Guidelines:
//
// Debug: page fetches, count probes, cache hits, per-record outcomes
// Info: run lifecycle (planned, started, finished), scheduler decisions,
// migrations applied
// Warn: retries, upstream cooldowns, failed work items, duplicate keys
// Error: planning infeasible, store unreachable, checkpoint write failures
//
// Context Fields:
//   - component: package emitting the event
//   - run_id, policy: refresh run identity
//   - item_id, query: work item being processed
//   - page, status_code, error_class, attempt: API client events
//   - address_id: natural key of a record
