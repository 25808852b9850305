package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string

	// Format is "json" (production) or "text" (development).
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer

	// AddSource includes file:line in records.
	AddSource bool
}

// NewLogger builds a slog.Logger per the config.
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
