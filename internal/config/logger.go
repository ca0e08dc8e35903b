package config

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger from LOG_FORMAT. Dev runs log at debug.
func NewLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.Env == "dev" {
		opts.Level = slog.LevelDebug
	}

	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h)
}
