// Package logging wraps slog for structured logging.
package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog for structured logging.
type Logger struct {
	*slog.Logger
}

// New creates a Logger that outputs text or JSON depending on config.
func New(jsonMode bool) *Logger {
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return &Logger{slog.New(handler)}
}

// Component returns a logger with a "component" attribute attached, used
// throughout the core so every WARN+ line is attributable (see spec §7).
func (l *Logger) Component(name string) *slog.Logger {
	return l.Logger.With("component", name)
}

// ShortContainerID truncates a container ID to the conventional 12-char form
// used in log lines, per spec §7.
func ShortContainerID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
