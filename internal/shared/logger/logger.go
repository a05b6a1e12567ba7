package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

func New(app, env, level string) *slog.Logger {
	return NewWriter(os.Stdout, app, env, level)
}

func NewWriter(w io.Writer, app, env, level string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})

	return slog.New(h).With(
		slog.String("app", app),
		slog.String("env", env),
	)
}

// Discard is for tests and tools that must not write logs.
func Discard() *slog.Logger {
	return NewWriter(io.Discard, "test", "test", "error")
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
