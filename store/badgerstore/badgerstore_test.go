package badgerstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/hupe1980/admem/store"
	"github.com/hupe1980/admem/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, 1<<20, func(t *testing.T, size uint64) store.Store {
		s, err := InMemory(size)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir, 1<<20, func(o *Options) { o.SeqBandwidth = 4 })
	require.NoError(t, err)

	r := store.Region{Addr: PageSize - 10, Size: 2*PageSize + 20}
	src := bytes.Repeat([]byte{7, 9}, int(r.Size/2))
	require.NoError(t, s.Write(ctx, r, src))

	var last uint64
	for range 10 {
		last, err = s.WALReserve(ctx)
		require.NoError(t, err)
		require.NoError(t, s.WALSubmit(ctx, &store.Batch{Seq: last}))
	}
	require.NoError(t, s.Close())

	s, err = Open(dir, 8<<20)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, uint64(1<<20), s.Size())

	dst := make([]byte, r.Size)
	require.NoError(t, s.Read(ctx, r, dst))
	assert.Equal(t, src, dst)

	seq, err := s.WALReserve(ctx)
	require.NoError(t, err)
	assert.Greater(t, seq, last)

	// A sequence at or below the last submitted one is rejected.
	err = s.WALSubmit(ctx, &store.Batch{Seq: last})
	assert.ErrorIs(t, err, store.ErrSequence)

	var seqs []uint64
	require.NoError(t, s.Replay(ctx, 5, func(b *store.Batch) error {
		seqs = append(seqs, b.Seq)
		return nil
	}))
	assert.Len(t, seqs, 5)
	assert.Equal(t, last, seqs[len(seqs)-1])
}

func TestSubmitUnreserved(t *testing.T) {
	s, err := InMemory(1 << 20)
	require.NoError(t, err)
	defer s.Close()

	err = s.WALSubmit(context.Background(), &store.Batch{Seq: 1})
	assert.ErrorIs(t, err, store.ErrSequence)
}

func TestClosed(t *testing.T) {
	s, err := InMemory(1 << 20)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.Write(ctx, store.Region{Size: 1}, []byte{1}), store.ErrClosed)
	_, err = s.WALReserve(ctx)
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.ErrorIs(t, s.Close(), store.ErrClosed)
}
