package vectorengine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with engine-specific helpers so operations
// log consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. A nil handler
// falls back to a text handler on stderr at Info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewTextLogger creates a Logger with human-readable output at the
// given level.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewJSONLogger creates a Logger with JSON output at the given level.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, nil))
}

// WithDimension adds a dimension field.
func (l *Logger) WithDimension(dim int) *Logger {
	return &Logger{Logger: l.With("dimension", dim)}
}

// WithCount adds a vector count field.
func (l *Logger) WithCount(count int) *Logger {
	return &Logger{Logger: l.With("count", count)}
}

// LogBuild logs the outcome of a bulk build.
func (l *Logger) LogBuild(ctx context.Context, count, dim int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "build failed", "count", count, "dimension", dim, "error", err)
		return
	}
	l.InfoContext(ctx, "build completed", "count", count, "dimension", dim, "elapsed", elapsed)
}

// LogSave logs a save operation.
func (l *Logger) LogSave(ctx context.Context, path string, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "save failed", "path", path, "error", err)
		return
	}
	l.InfoContext(ctx, "save completed", "path", path, "elapsed", elapsed)
}

// LogLoad logs a load operation.
func (l *Logger) LogLoad(ctx context.Context, path string, count, dim int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "load failed", "path", path, "error", err)
		return
	}
	l.InfoContext(ctx, "load completed", "path", path, "count", count, "dimension", dim)
}

// LogCalibration logs the result of an EF calibration sweep.
func (l *Logger) LogCalibration(ctx context.Context, ef int, recall float64, reached bool) {
	l.InfoContext(ctx, "calibration completed", "ef", ef, "recall", recall, "target_reached", reached)
}
