// Package storetest provides a conformance suite for store.Store
// implementations.
package storetest

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/hupe1980/admem/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory opens a fresh store of the given size.
type Factory func(t *testing.T, size uint64) store.Store

// Run runs the conformance suite against stores created by open.
func Run(t *testing.T, size uint64, open Factory) {
	t.Helper()

	t.Run("ReadUnwritten", func(t *testing.T) {
		s := open(t, size)
		buf := bytes.Repeat([]byte{0xaa}, 4096)
		require.NoError(t, s.Read(context.Background(), store.Region{Addr: size - 4096, Size: 4096}, buf))
		assert.Equal(t, make([]byte, 4096), buf)
	})

	t.Run("WriteRead", func(t *testing.T) {
		ctx := context.Background()
		s := open(t, size)

		// Spans a 64 KiB boundary.
		r := store.Region{Addr: 64<<10 - 100, Size: 300}
		src := bytes.Repeat([]byte{1, 2, 3}, 100)
		require.NoError(t, s.Write(ctx, r, src))

		dst := make([]byte, r.Size)
		require.NoError(t, s.Read(ctx, r, dst))
		assert.Equal(t, src, dst)

		// Neighbouring bytes stay untouched.
		edge := make([]byte, 1)
		require.NoError(t, s.Read(ctx, store.Region{Addr: r.End(), Size: 1}, edge))
		assert.Equal(t, []byte{0}, edge)
	})

	t.Run("OutOfRange", func(t *testing.T) {
		ctx := context.Background()
		s := open(t, size)
		err := s.Write(ctx, store.Region{Addr: size - 1, Size: 2}, make([]byte, 2))
		assert.ErrorIs(t, err, store.ErrOutOfRange)
		err = s.Read(ctx, store.Region{Addr: 0, Size: 2}, make([]byte, 1))
		assert.ErrorIs(t, err, store.ErrShortBuffer)
	})

	t.Run("Sequence", func(t *testing.T) {
		ctx := context.Background()
		s := open(t, size)

		var last uint64
		for i := 0; i < 5; i++ {
			seq, err := s.WALReserve(ctx)
			require.NoError(t, err)
			assert.Greater(t, seq, last)
			last = seq
		}
	})

	t.Run("SequenceConcurrent", func(t *testing.T) {
		ctx := context.Background()
		s := open(t, size)

		var (
			mu   sync.Mutex
			seen = make(map[uint64]bool)
			wg   sync.WaitGroup
		)
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					seq, err := s.WALReserve(ctx)
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					assert.False(t, seen[seq], "sequence %d repeated", seq)
					seen[seq] = true
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Len(t, seen, 160)
	})

	t.Run("SubmitReplay", func(t *testing.T) {
		ctx := context.Background()
		s := open(t, size)

		var want []*store.Batch
		for i := 0; i < 3; i++ {
			seq, err := s.WALReserve(ctx)
			require.NoError(t, err)
			b := &store.Batch{
				Seq: seq,
				Mutations: []store.Mutation{
					{Kind: store.MutationReserve, Arena: 1, Addr: uint64(i+1) * 64, Size: 64},
				},
			}
			require.NoError(t, s.WALSubmit(ctx, b))
			want = append(want, b)
		}

		rp, ok := s.(store.Replayer)
		if !ok {
			return
		}
		var got []*store.Batch
		require.NoError(t, rp.Replay(ctx, want[0].Seq, func(b *store.Batch) error {
			got = append(got, b)
			return nil
		}))
		require.Len(t, got, 2)
		assert.Equal(t, want[1].Seq, got[0].Seq)
		assert.Equal(t, want[1].Mutations, got[0].Mutations)
		assert.Equal(t, want[2].Mutations, got[1].Mutations)

		cp, ok := s.(store.Checkpointer)
		if !ok {
			return
		}
		require.NoError(t, cp.Checkpoint(ctx, want[2].Seq))
		got = got[:0]
		require.NoError(t, rp.Replay(ctx, 0, func(b *store.Batch) error {
			got = append(got, b)
			return nil
		}))
		assert.Empty(t, got)

		// Sequences keep growing after a checkpoint.
		seq, err := s.WALReserve(ctx)
		require.NoError(t, err)
		assert.Greater(t, seq, want[2].Seq)
	})

	t.Run("Sizer", func(t *testing.T) {
		s := open(t, size)
		if sz, ok := s.(store.Sizer); ok {
			assert.Equal(t, size, sz.Size())
		}
	})
}
