package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds a JSON or text logger writing to stderr
func NewLogger(cfg LoggerConfig) *slog.Logger {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg LoggerConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel maps a level name to slog; unknown names mean info
func ParseLevel(level string) slog.Level {
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
