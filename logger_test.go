package admem

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogger(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	l := NewLogger(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})).WithName("pool")

	l.LogCreate(ctx, 1<<20, 16, nil)
	l.LogCommit(ctx, 7, 3, nil)
	l.LogFlush(ctx, 2, errors.New("disk gone"))
	l.LogReplay(ctx, 4, 2, nil)

	out := buf.String()
	assert.Contains(t, out, "blob=pool")
	assert.Contains(t, out, "blob created")
	assert.Contains(t, out, "seq=7")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "batches_replayed=2")
}

func TestNoopLogger(t *testing.T) {
	l := NoopLogger()
	assert.False(t, l.Enabled(context.Background(), slog.LevelError))
}

func TestWithLoggerWiresBlobLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	_, b, _ := newTestBlob(t, testSize, WithLogger(logger))
	assert.NoError(t, b.Close(context.Background()))

	assert.Contains(t, buf.String(), `"msg":"blob created"`)
	assert.Contains(t, buf.String(), `"msg":"blob closed"`)
	assert.Contains(t, buf.String(), `"blob":"test"`)
}
