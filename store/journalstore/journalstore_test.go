package journalstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine/disk"

	"github.com/hupe1980/admem/store"
	"github.com/hupe1980/admem/store/storetest"
)

func newDisk(size, ring uint64) disk.Disk {
	return disk.NewMemDisk(RequiredBlocks(size, ring))
}

func TestConformance(t *testing.T) {
	storetest.Run(t, 1<<20, func(t *testing.T, size uint64) store.Store {
		s, err := New(newDisk(size, 256), size)
		require.NoError(t, err)
		return s
	})
}

func submit(t *testing.T, s *Store, mutations int) uint64 {
	t.Helper()
	ctx := context.Background()
	seq, err := s.WALReserve(ctx)
	require.NoError(t, err)
	b := &store.Batch{Seq: seq}
	for i := range mutations {
		b.Mutations = append(b.Mutations, store.Mutation{Kind: store.MutationReserve, Arena: 1, Addr: uint64(i) * 64, Size: 64})
	}
	require.NoError(t, s.WALSubmit(ctx, b))
	return seq
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	d := newDisk(1<<20, 16)

	s, err := New(d, 1<<20, func(o *Options) { o.RingBlocks = 16 })
	require.NoError(t, err)

	r := store.Region{Addr: BlockSize - 3, Size: 10}
	src := []byte("0123456789")
	require.NoError(t, s.Write(ctx, r, src))

	first := submit(t, s, 1)
	// Spans several ring slots.
	big := submit(t, s, 500)
	require.NoError(t, s.Close())

	s, err = New(d, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), s.Size())

	dst := make([]byte, r.Size)
	require.NoError(t, s.Read(ctx, r, dst))
	assert.Equal(t, src, dst)

	var got []*store.Batch
	require.NoError(t, s.Replay(ctx, 0, func(b *store.Batch) error {
		got = append(got, b)
		return nil
	}))
	require.Len(t, got, 2)
	assert.Equal(t, first, got[0].Seq)
	assert.Equal(t, big, got[1].Seq)
	assert.Len(t, got[1].Mutations, 500)

	seq, err := s.WALReserve(ctx)
	require.NoError(t, err)
	assert.Greater(t, seq, big)
}

func TestRingFullAndCheckpoint(t *testing.T) {
	s, err := New(newDisk(1<<20, 4), 1<<20, func(o *Options) { o.RingBlocks = 4 })
	require.NoError(t, err)

	var last uint64
	for range 4 {
		last = submit(t, s, 1)
	}

	ctx := context.Background()
	seq, err := s.WALReserve(ctx)
	require.NoError(t, err)
	err = s.WALSubmit(ctx, &store.Batch{Seq: seq})
	assert.ErrorIs(t, err, ErrLogFull)

	require.NoError(t, s.Checkpoint(ctx, last-1))
	require.NoError(t, s.WALSubmit(ctx, &store.Batch{Seq: seq}))

	var seqs []uint64
	require.NoError(t, s.Replay(ctx, 0, func(b *store.Batch) error {
		seqs = append(seqs, b.Seq)
		return nil
	}))
	assert.Equal(t, []uint64{last, seq}, seqs)
}

func TestWriteTooLarge(t *testing.T) {
	size := uint64(2 << 20)
	s, err := New(newDisk(size, 8), size, func(o *Options) { o.RingBlocks = 8 })
	require.NoError(t, err)

	buf := bytes.Repeat([]byte{1}, int((MaxTxnBlocks+1)*BlockSize))
	err = s.Write(context.Background(), store.Region{Addr: 0, Size: uint64(len(buf))}, buf)
	assert.ErrorIs(t, err, ErrTxnTooLarge)
}

func TestDiskTooSmall(t *testing.T) {
	_, err := New(disk.NewMemDisk(RequiredBlocks(1<<20, 256)-1), 1<<20)
	assert.ErrorIs(t, err, ErrDiskTooSmall)

	_, err = New(disk.NewMemDisk(10), 1<<20)
	assert.ErrorIs(t, err, ErrDiskTooSmall)
}
