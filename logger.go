package tierstore

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with tierstore-specific context. It provides
// structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler. If handler is
// nil, uses the default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{Logger: slog.New(handler)}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{Logger: slog.New(handler)}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{Logger: slog.New(handler)}
}

// WithTable adds the table name to the logger.
func (l *Logger) WithTable(name string) *Logger {
	return &Logger{Logger: l.Logger.With("table", name)}
}

// WithTier adds a tier level field to the logger.
func (l *Logger) WithTier(level int) *Logger {
	return &Logger{Logger: l.Logger.With("tier", level)}
}

// LogStartup logs the tier layout chosen at Init.
func (l *Logger) LogStartup(ctx context.Context, kind Kind, tiers int, path string) {
	l.InfoContext(ctx, "storage initialized",
		"kind", kind.String(),
		"tiers", tiers,
		"path", path,
	)
}

// LogCapacity logs the one-time cache capacity computation.
func (l *Logger) LogCapacity(ctx context.Context, allocLen, totalDims, capacity int64) {
	l.InfoContext(ctx, "cache capacity computed",
		"alloc_len", allocLen,
		"total_dims", totalDims,
		"capacity", capacity,
	)
}

// LogEviction logs one eviction batch.
func (l *Logger) LogEviction(ctx context.Context, moved int, resident, capacity int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "eviction batch failed",
			"moved", moved,
			"resident", resident,
			"capacity", capacity,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "eviction batch completed",
			"moved", moved,
			"resident", resident,
			"capacity", capacity,
		)
	}
}

// LogShrink logs a shrink pass.
func (l *Logger) LogShrink(ctx context.Context, policy string, removed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "shrink failed",
			"policy", policy,
			"removed", removed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "shrink completed",
			"policy", policy,
			"removed", removed,
		)
	}
}
