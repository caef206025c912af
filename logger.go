package admem

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with admem-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	}))
}

// WithName adds the blob name to the logger.
func (l *Logger) WithName(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("blob", name),
	}
}

// LogCreate logs the completion of a blob creation.
func (l *Logger) LogCreate(ctx context.Context, size uint64, arenas int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "create failed",
			"size", size,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "blob created",
			"size", size,
			"arenas", arenas,
		)
	}
}

// LogOpen logs the completion of a blob open.
func (l *Logger) LogOpen(ctx context.Context, arenasLoaded int, incarnation uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "open failed",
			"arenas_loaded", arenasLoaded,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "blob opened",
			"arenas_loaded", arenasLoaded,
			"incarnation", incarnation,
		)
	}
}

// LogCommit logs a transaction commit.
func (l *Logger) LogCommit(ctx context.Context, seq uint64, mutations int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "commit failed",
			"seq", seq,
			"mutations", mutations,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "commit completed",
			"seq", seq,
			"mutations", mutations,
		)
	}
}

// LogFlush logs a metadata flush. Flush failures after a durable commit are
// recoverable through replay and therefore logged as warnings.
func (l *Logger) LogFlush(ctx context.Context, arenas int, err error) {
	if err != nil {
		l.WarnContext(ctx, "metadata flush failed",
			"arenas", arenas,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "metadata flushed",
			"arenas", arenas,
		)
	}
}

// LogReplay logs a WAL replay.
func (l *Logger) LogReplay(ctx context.Context, after uint64, batchesReplayed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "WAL replay failed",
			"after", after,
			"batches_replayed", batchesReplayed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "WAL replay completed",
			"after", after,
			"batches_replayed", batchesReplayed,
		)
	}
}

// LogClose logs a blob close.
func (l *Logger) LogClose(ctx context.Context, committed uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "close failed",
			"committed", committed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "blob closed",
			"committed", committed,
		)
	}
}
