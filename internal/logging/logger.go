// Package logging provides the structured logger used throughout the
// daemon, wrapping log/slog with default fields and config-driven level
// and format selection.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config is the logging section of the daemon configuration.
type Config struct {
	Level  string // debug | info | warn | error
	Format string // json | text
	Output string // stdout | stderr
}

// Logger wraps slog.Logger with default fields and is safe for concurrent
// use from multiple goroutines.
type Logger struct {
	*slog.Logger
}

// New builds a Logger from config and an application version, used as a
// default attribute on every record.
func New(cfg Config, version string) *Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "homehubd"),
		slog.String("version", version),
	})

	return &Logger{Logger: slog.New(handler)}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// With returns a child Logger with additional default attributes, e.g.
// logger.With("component", "bus").
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default returns a logger usable before configuration has loaded:
// info level, JSON, stdout.
func Default() *Logger {
	return New(Config{Level: "info", Format: "json", Output: "stdout"}, "dev")
}
