package main

import (
	"io"
	"log/slog"

	"github.com/kstaniek/go-lpccan/internal/logging"
)

// setupLogger builds the process logger and installs it globally. validate
// has already checked level.
func setupLogger(format, level string, w io.Writer) *slog.Logger {
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	l := logging.New(format, lvl, w).With("app", "lpccan-node")
	logging.Set(l)
	return l
}
