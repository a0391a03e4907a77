package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace is the most verbose level. Secrets are only logged at this level.
const LevelTrace = slog.Level(-8)

// ParseLevel maps a config string to an slog level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
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

// New builds the default logger: text output wrapped in a CorrelationHandler.
func New(w io.Writer, level string) *slog.Logger {
	return NewWithLeveler(w, ParseLevel(level))
}

// NewWithLeveler is New with a caller-owned level, e.g. a *slog.LevelVar
// adjusted on config reload.
func NewWithLeveler(w io.Writer, level slog.Leveler) *slog.Logger {
	inner := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	})
	return slog.New(NewCorrelationHandler(inner))
}

// TraceEnabled reports whether logger emits trace records.
func TraceEnabled(ctx context.Context, logger *slog.Logger) bool {
	return logger.Enabled(ctx, LevelTrace)
}
