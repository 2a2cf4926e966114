package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// setupLogger builds the process logger. Logs go to stderr so stdout carries
// only the reply. Unknown levels mean info; unknown formats mean JSON.
func setupLogger(level, format string) *slog.Logger {
	return newLogger(os.Stderr, level, format).With(
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl <= slog.LevelDebug}

	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
