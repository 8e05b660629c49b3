// Package logger builds the shared slog configuration. Services log
// structured JSON to stdout; LOG_LEVEL selects verbosity and
// LOG_FORMAT=text switches to the console encoding for local runs.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns the service-wide logger. Every record carries the
// service name so aggregated streams stay attributable.
func NewLogger(serviceName string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(os.Getenv("LOG_LEVEL"))}

	var handler slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler).With(slog.String("service", serviceName))
}

// ParseLevel maps a LOG_LEVEL value to its slog level, ignoring case.
// Unknown and empty values fall back to info.
func ParseLevel(value string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
