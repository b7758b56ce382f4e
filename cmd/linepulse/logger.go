package main

import (
	"io"
	"log/slog"
	"os"
	"runtime"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// newLogger creates the CLI logger: colored text on a terminal, JSON
// otherwise.
func newLogger(level string) *slog.Logger {
	return slog.New(newHandler(os.Stderr, parseLevel(level), isatty.IsTerminal(os.Stderr.Fd())))
}

func newHandler(w io.Writer, level slog.Level, terminal bool) slog.Handler {
	if terminal {
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			NoColor:    runtime.GOOS == "windows",
			TimeFormat: "15:04:05.000",
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}
