// Package logging provides the structured logging conventions shared by all
// components: a process-wide zerolog logger, component/trace-scoped child
// loggers, and the context helpers the HTTP and tick layers use to thread a
// trace ID through a request or a monitoring tick.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	defaultLogger zerolog.Logger
	once          sync.Once
)

// Config controls the process-wide logger.
type Config struct {
	Level      string // DEBUG, INFO, WARN, ERROR
	Output     string // "stdout", "stderr", or a file path
	JSONFormat bool
	Component  string
}

// New builds a zerolog.Logger per cfg. When JSONFormat is false the console
// writer is used (handy for local runs); production deployments set
// LOG_JSON=true so log aggregation can parse each line.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "", "stdout":
		output = os.Stdout
	default:
		if f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			output = f
		}
	}

	if !cfg.JSONFormat {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05"}
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(output).With().Timestamp().Logger().Level(parseLevel(cfg.Level))
	if cfg.Component != "" {
		logger = logger.With().Str("component", cfg.Component).Logger()
	}
	return logger
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Default returns the process-wide logger, building a sane stdout/INFO
// fallback the first time it's called before SetDefault runs.
func Default() zerolog.Logger {
	once.Do(func() {
		defaultLogger = New(Config{Level: "INFO", Output: "stdout", JSONFormat: true, Component: "positionbot"})
	})
	return defaultLogger
}

// SetDefault installs l as the process-wide logger.
func SetDefault(l zerolog.Logger) {
	defaultLogger = l
	once.Do(func() {}) // Default() no longer builds its own fallback once this has been set
}

// Component returns a child logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	return Default().With().Str("component", name).Logger()
}

// PositionContext returns a logger pre-tagged with position identity fields,
// used by the position/hedge/strategy packages for per-position log lines.
func PositionContext(positionID, poolAddress string) zerolog.Logger {
	return Component("position").With().
		Str("position_id", positionID).
		Str("pool_address", poolAddress).
		Logger()
}

// PriceContext returns a logger pre-tagged with pool price-fetch fields.
func PriceContext(poolAddress string) zerolog.Logger {
	return Component("priceoracle").With().Str("pool_address", poolAddress).Logger()
}

// HedgeContext returns a logger pre-tagged with hedge-loop fields.
func HedgeContext(positionID string) zerolog.Logger {
	return Component("hedge").With().Str("position_id", positionID).Logger()
}
