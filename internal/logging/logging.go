// Package logging sets up the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
)

// Options configures the logger.
type Options struct {
	Dev     bool
	Service string
	Env     string
}

// Setup builds a JSON slog.Logger, switching to Debug level in dev mode,
// tagged with service/env fields every record inherits.
func Setup(opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Dev {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler).With(
		slog.String("service", opts.Service),
		slog.String("env", opts.Env),
	)
	slog.SetDefault(logger)
	return logger
}
