// Package logging builds the zerolog loggers used across the client.
package logging

import (
	"io"
	"strings"

	"github.com/go-chi/httplog"
	"github.com/rs/zerolog"
)

type Options struct {
	Service string
	// Level is a zerolog level name; empty means info.
	Level   string
	JSON    bool
	Concise bool
	// Output redirects log lines, e.g. to a file while the TUI owns the
	// terminal. Lines written there are always JSON.
	Output io.Writer
}

// New returns a service logger configured the same way as the HTTP request
// logger so both share format and level.
func New(opts Options) zerolog.Logger {
	if opts.Service == "" {
		opts.Service = "chatzone"
	}
	level := strings.ToLower(strings.TrimSpace(opts.Level))
	if _, err := zerolog.ParseLevel(level); err != nil || level == "" {
		level = "info"
	}
	logger := httplog.NewLogger(opts.Service, httplog.Options{
		LogLevel: level,
		JSON:     opts.JSON,
		Concise:  opts.Concise,
	})
	if opts.Output != nil {
		logger = logger.Output(opts.Output)
	}
	return logger
}

// Component tags a logger with the emitting package.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
