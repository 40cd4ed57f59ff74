// Package logging installs the process-wide structured logger.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type contextKey string

const subIDKey contextKey = "sub_id"

// ParseLevel maps debug/warn/error to their slog levels. Anything else is info.
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

// InitLogger installs a JSON logger writing to w as the slog default.
// level is usually the LOG_LEVEL env var.
func InitLogger(w io.Writer, level string) *slog.Logger {
	lvl := ParseLevel(level)
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	slog.Info("logger initialized", "level", lvl.String())
	return logger
}

// WithSubID attaches a subscription id for LoggerFromContext.
func WithSubID(ctx context.Context, subID string) context.Context {
	return context.WithValue(ctx, subIDKey, subID)
}

// SubIDFromContext extracts the subscription id from context
func SubIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(subIDKey).(string); ok {
		return id
	}
	return ""
}

// LoggerFromContext returns the default logger with the subscription id attached
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if id := SubIDFromContext(ctx); id != "" {
		return slog.Default().With("sub_id", id)
	}
	return slog.Default()
}
