// Package badgerutil holds the Badger plumbing shared by the catalog and the
// badger-backed store.
package badgerutil

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// Logger adapts a *slog.Logger to badger.Logger.
type Logger struct {
	l *slog.Logger
}

var _ badger.Logger = (*Logger)(nil)

// NewLogger wraps l. A nil logger discards everything.
func NewLogger(l *slog.Logger) *Logger {
	return &Logger{l: l}
}

func (b *Logger) log(level slog.Level, format string, args ...interface{}) {
	if b == nil || b.l == nil {
		return
	}
	if !b.l.Enabled(context.Background(), level) {
		return
	}
	b.l.Log(context.Background(), level, strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

// Errorf implements badger.Logger.
func (b *Logger) Errorf(format string, args ...interface{}) { b.log(slog.LevelError, format, args...) }

// Warningf implements badger.Logger.
func (b *Logger) Warningf(format string, args ...interface{}) { b.log(slog.LevelWarn, format, args...) }

// Infof implements badger.Logger.
func (b *Logger) Infof(format string, args ...interface{}) { b.log(slog.LevelInfo, format, args...) }

// Debugf implements badger.Logger.
func (b *Logger) Debugf(format string, args ...interface{}) { b.log(slog.LevelDebug, format, args...) }

// Options returns badger options for path. An empty path opens an in-memory
// database. Writes are always synced.
func Options(path string, l *slog.Logger) badger.Options {
	opts := badger.DefaultOptions(path).WithSyncWrites(true)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	if l == nil {
		opts.Logger = nil
	} else {
		opts = opts.WithLogger(NewLogger(l))
	}
	return opts
}

// Open opens a badger database at path (in memory when path is empty).
func Open(path string, l *slog.Logger) (*badger.DB, error) {
	db, err := badger.Open(Options(path, l))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}
