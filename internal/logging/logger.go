package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a production-friendly JSON logger writing to stdout unless
// LOG_FORMAT=console is provided to prefer a human-readable output.
// When LOG_FILE is set, output is duplicated into a size-rotated file so
// long-lived processes (worker, chat client) keep a local history.
func New() *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	var out io.Writer = os.Stdout
	if path := os.Getenv("LOG_FILE"); path != "" {
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // MB
			MaxBackups: 3,
		}
		out = io.MultiWriter(os.Stdout, rotator)
	}

	var handler slog.Handler = slog.NewJSONHandler(out, opts)
	if format := os.Getenv("LOG_FORMAT"); format == "console" {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}
