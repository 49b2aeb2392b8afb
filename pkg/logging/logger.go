// Package logging provides structured logging configuration using zerolog.
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
	// LevelTrace logs everything, including per-request detail.
	LevelTrace LogLevel = "trace"

	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"

	// LevelOff disables logging.
	LevelOff LogLevel = "off"
)

// verbosityLevels orders levels from quietest to most verbose; info sits at
// index 3.
var verbosityLevels = []LogLevel{LevelOff, LevelError, LevelWarn, LevelInfo, LevelDebug, LevelTrace}

// LevelFromVerbosity maps repeated -v and -q flags to a level, starting
// from info: -v is debug, -vv trace, -q warn, -qq error, -qqq off.
func LevelFromVerbosity(verbose, quiet int) LogLevel {
	i := 3 + verbose - quiet
	if i < 0 {
		i = 0
	}
	if i >= len(verbosityLevels) {
		i = len(verbosityLevels) - 1
	}
	return verbosityLevels[i]
}

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	// Configure output
	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output}
	}

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Trace: Per-request detail
//   - Request URLs and header overrides
//   - Service protection budget after every response
//
// Debug: Detailed information for debugging
//   - Every page fetched (page, page_records, has_next)
//   - Cache operations (hit, revalidation, key, TTL)
//   - Skipped catalog entries
//
// Info: Normal operation events
//   - Identity bootstrap (systemuser, privilege count)
//   - One line per harvested collection (record_count, pages, path)
//   - Walk progress every 50 pages
//   - Run start and summary
//
// Warn: Warning conditions that don't prevent the run
//   - Failed collections (error_kind)
//   - Failed access probes
//   - Low service protection budget
//   - Cache errors (fallback to direct request)
//
// Error: Error conditions that abort the run
//   - Identity bootstrap failure
//   - Catalog fetch failure
//   - Configuration errors
//
// Context Fields:
//   - component: package emitting the line
//   - run_id: harvest run identifier
//   - collection: entity set name
//   - error_kind: failure classification (page_fetch, io, nested_decode, ...)
//   - record_count: records persisted for a collection
//   - granted_access_rights: access probe result
//   - url: request URL
