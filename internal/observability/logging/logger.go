// Package logging builds the process-wide zerolog logger.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	Level   string // debug, info, warn, error
	Env     string // dev gets a console writer, everything else JSON
	Service string // stamped on every line
}

// New configures the global zerolog level and returns the root logger
// for the process.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
		level = parsed
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if cfg.Env == "dev" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.With().
		Timestamp().
		Str("service", cfg.Service).
		Logger()
}
