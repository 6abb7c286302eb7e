// Package logging builds the process-wide slog handler.
package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// ParseLevel maps a LOG_LEVEL value to a slog.Level, defaulting to info.
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

// NewHandler returns a JSON handler for format "json" and a colorized,
// human-readable tint handler for "text":
//
//	15:04:05.000 INF msg key=value key=value
func NewHandler(out io.Writer, format, level string) slog.Handler {
	lvl := ParseLevel(level)
	if format == "text" {
		return tint.NewHandler(out, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly + ".000",
		})
	}
	return slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl})
}

// Setup installs the handler as the slog default and returns the logger.
func Setup(out io.Writer, format, level string) *slog.Logger {
	logger := slog.New(NewHandler(out, format, level))
	slog.SetDefault(logger)
	return logger
}
