// Package logger provides structured logging setup for SpecGate.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/specgate/specgate/internal/config"
)

// New creates a *slog.Logger from the given Logging config.
// Output is JSON to stdout with a "service" attribute on every record.
func New(cfg config.Logging) *slog.Logger {
	level := parseLevel(cfg.Level)

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler).With("service", cfg.Service)
}

// NewWithCloser creates a *slog.Logger like New, wrapping the handler in an
// AsyncHandler when cfg.Async is set. The returned Closer flushes buffered
// records on shutdown; in synchronous mode it is a no-op.
func NewWithCloser(cfg config.Logging) (*slog.Logger, Closer) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})

	if !cfg.Async {
		return slog.New(handler).With("service", cfg.Service), nopCloser{}
	}

	async := NewAsyncHandler(handler, 1024, 1)
	return slog.New(async).With("service", cfg.Service), async
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
