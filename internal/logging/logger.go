// Package logging provides structured logging using Go's slog package.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/m-mizutani/masq"
)

// Config holds logging configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// New creates a logger writing to stderr. Stdout is reserved for command
// output.
func New(cfg Config, opts ...masq.Option) *slog.Logger {
	return NewWithWriter(cfg, os.Stderr, opts...)
}

// NewWithWriter creates a logger with a custom writer. Secret redaction is
// always on; opts extend DefaultRedactOptions.
func NewWithWriter(cfg Config, w io.Writer, opts ...masq.Option) *slog.Logger {
	hopts := &slog.HandlerOptions{
		Level:       ParseLevel(cfg.Level),
		ReplaceAttr: NewReplaceAttr(opts...),
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, hopts)
	} else {
		handler = slog.NewJSONHandler(w, hopts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel converts a string log level to slog.Level. Unknown levels map
// to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
