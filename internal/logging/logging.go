// Package logging builds the zerolog logger shared by the servers and CLI.
package logging

import (
	"io"
	"os"
	"time"

	"chinotype/internal/config"

	"github.com/rs/zerolog"
)

// New returns a logger writing to stderr at the configured level
func New(cfg config.LogConfig) *zerolog.Logger {
	var out io.Writer = os.Stderr
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &logger
}

// Nop returns a disabled logger for tests and optional collaborators
func Nop() *zerolog.Logger {
	logger := zerolog.Nop()
	return &logger
}
