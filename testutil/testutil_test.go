package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/hupe1980/admem/store"
	"github.com/hupe1980/admem/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRNG_Deterministic(t *testing.T) {
	a := NewRNG(4711).Sizes(16, 4096)
	b := NewRNG(4711).Sizes(16, 4096)
	assert.Equal(t, a, b)
	for _, s := range a {
		assert.GreaterOrEqual(t, s, uint64(1))
		assert.LessOrEqual(t, s, uint64(4096))
	}

	assert.Equal(t, int64(7), NewRNG(7).Seed())
}

func TestRNG_Workload(t *testing.T) {
	ops := NewRNG(42).Workload(500, 1024, 0.4)
	require.Len(t, ops, 500)
	assert.Equal(t, ops, NewRNG(42).Workload(500, 1024, 0.4))

	live, frees := 0, 0
	for _, op := range ops {
		if op.Free {
			require.Less(t, op.Index, live)
			live--
			frees++
			continue
		}
		assert.GreaterOrEqual(t, op.Size, uint64(1))
		assert.LessOrEqual(t, op.Size, uint64(1024))
		live++
	}
	assert.Positive(t, frees)
}

func TestFaultyStore_AfterTimes(t *testing.T) {
	ctx := context.Background()
	fs := NewFaultyStore(memstore.New(1 << 20))
	fs.AddRule(OpWrite, Fault{After: 1, Times: 1})

	buf := make([]byte, 8)
	r := store.Region{Addr: 0, Size: 8}
	require.NoError(t, fs.Write(ctx, r, buf))
	assert.ErrorIs(t, fs.Write(ctx, r, buf), ErrInjected)
	require.NoError(t, fs.Write(ctx, r, buf))
	assert.Equal(t, 3, fs.Calls(OpWrite))
}

func TestFaultyStore_MatchAndCustomErr(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	fs := NewFaultyStore(memstore.New(1 << 20))
	fs.AddRule(OpRead, Fault{Err: boom, Match: func(r store.Region) bool { return r.Addr >= 4096 }})

	buf := make([]byte, 16)
	require.NoError(t, fs.Read(ctx, store.Region{Addr: 0, Size: 16}, buf))
	assert.ErrorIs(t, fs.Read(ctx, store.Region{Addr: 4096, Size: 16}, buf), boom)

	fs.Clear()
	require.NoError(t, fs.Read(ctx, store.Region{Addr: 4096, Size: 16}, buf))
}

func TestFaultyStore_WAL(t *testing.T) {
	ctx := context.Background()
	inner := memstore.New(1 << 20)
	fs := NewFaultyStore(inner)
	fs.AddRule(OpWALSubmit, Fault{Times: 1})

	seq, err := fs.WALReserve(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, fs.WALSubmit(ctx, &store.Batch{Seq: seq}), ErrInjected)

	seq, err = fs.WALReserve(ctx)
	require.NoError(t, err)
	require.NoError(t, fs.WALSubmit(ctx, &store.Batch{Seq: seq}))

	var seen []uint64
	require.NoError(t, fs.Replay(ctx, 0, func(b *store.Batch) error {
		seen = append(seen, b.Seq)
		return nil
	}))
	assert.Equal(t, []uint64{seq}, seen)
	assert.Equal(t, uint64(1<<20), fs.Size())
}
