package objstore

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"

	"github.com/hupe1980/admem/blobstore"
	"github.com/hupe1980/admem/internal/cache"
	"github.com/hupe1980/admem/internal/resource"
	"github.com/hupe1980/admem/store"
	"github.com/hupe1980/admem/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, 1<<20, func(t *testing.T, size uint64) store.Store {
		s, err := Open(context.Background(), blobstore.NewMemoryStore(), size)
		require.NoError(t, err)
		return s
	})
}

func TestConformance_CachedAndLimited(t *testing.T) {
	storetest.Run(t, 1<<20, func(t *testing.T, size uint64) store.Store {
		bs := blobstore.NewCachingStore(blobstore.NewMemoryStore(), cache.NewLRUBlockCache(4<<20, nil), 16<<10)
		rc := resource.NewController(resource.Config{MaxConcurrentRequests: 4, IOLimitBytesPerSec: 64 << 20})
		s, err := Open(context.Background(), bs, size, func(o *Options) {
			o.PageSize = 32 << 10
			o.Resources = rc
			o.Cache = cache.NewLRUBlockCache(1<<20, nil)
		})
		require.NoError(t, err)
		return s
	})
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()

	s, err := Open(ctx, bs, 1<<20)
	require.NoError(t, err)

	src := bytes.Repeat([]byte{0x5a}, 1000)
	r := store.Region{Addr: 3 * DefaultPageSize, Size: 1000}
	require.NoError(t, s.Write(ctx, r, src))

	var seq uint64
	for range 3 {
		seq, err = s.WALReserve(ctx)
		require.NoError(t, err)
		require.NoError(t, s.WALSubmit(ctx, &store.Batch{Seq: seq}))
	}
	require.NoError(t, s.Close())

	// Requested size is ignored once a layout exists.
	s, err = Open(ctx, bs, 4<<20)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), s.Size())

	dst := make([]byte, r.Size)
	require.NoError(t, s.Read(ctx, r, dst))
	assert.Equal(t, src, dst)

	next, err := s.WALReserve(ctx)
	require.NoError(t, err)
	assert.Greater(t, next, seq)

	var n int
	require.NoError(t, s.Replay(ctx, 0, func(*store.Batch) error { n++; return nil }))
	assert.Equal(t, 3, n)
}

func TestCheckpointKeepsSequence(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()

	s, err := Open(ctx, bs, 1<<20)
	require.NoError(t, err)
	seq, err := s.WALReserve(ctx)
	require.NoError(t, err)
	require.NoError(t, s.WALSubmit(ctx, &store.Batch{Seq: seq}))
	require.NoError(t, s.Checkpoint(ctx, seq))

	names, err := bs.List(ctx, walPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{checkpointName}, names)

	s, err = Open(ctx, bs, 1<<20)
	require.NoError(t, err)
	next, err := s.WALReserve(ctx)
	require.NoError(t, err)
	assert.Greater(t, next, seq)
}

func TestLayoutMismatch(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()
	_, err := Open(ctx, bs, 1<<20)
	require.NoError(t, err)

	_, err = Open(ctx, bs, 1<<20, func(o *Options) { o.PageSize = 4096 })
	assert.ErrorIs(t, err, ErrLayoutMismatch)

	_, err = Open(ctx, blobstore.NewMemoryStore(), 1<<20, func(o *Options) { o.PageSize = 1000 })
	assert.ErrorIs(t, err, ErrInvalidPageSize)
}

func TestPagesAreSparse(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()
	s, err := Open(ctx, bs, 1<<20)
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, store.Region{Addr: 10, Size: 4}, []byte{1, 2, 3, 4}))
	names, err := bs.List(ctx, pagePrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{pageName(0)}, names)
}

type countingSequencer struct{ n atomic.Uint64 }

func (c *countingSequencer) Next(context.Context) (uint64, error) {
	return c.n.Add(10), nil
}

func TestExternalSequencer(t *testing.T) {
	ctx := context.Background()
	seqr := &countingSequencer{}
	s, err := Open(ctx, blobstore.NewMemoryStore(), 1<<20, func(o *Options) { o.Sequencer = seqr })
	require.NoError(t, err)

	seq, err := s.WALReserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), seq)
	require.NoError(t, s.WALSubmit(ctx, &store.Batch{Seq: seq}))

	err = s.WALSubmit(ctx, &store.Batch{Seq: seq})
	assert.ErrorIs(t, err, store.ErrSequence)
}

func TestClosed(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, blobstore.NewMemoryStore(), 1<<20)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Read(ctx, store.Region{Size: 1}, make([]byte, 1)), store.ErrClosed)
	_, err = s.WALReserve(ctx)
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.ErrorIs(t, s.Close(), store.ErrClosed)
}

func TestPageCache(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()
	pages := cache.NewLRUBlockCache(1<<20, nil)
	s, err := Open(ctx, bs, 1<<20, func(o *Options) { o.Cache = pages })
	require.NoError(t, err)

	r := store.Region{Addr: 100, Size: 8}
	require.NoError(t, s.Write(ctx, r, []byte("abcdefgh")))

	// Served from the page cached by the write, even with the object gone.
	require.NoError(t, bs.Delete(ctx, pageName(0)))
	dst := make([]byte, 8)
	require.NoError(t, s.Read(ctx, r, dst))
	assert.Equal(t, []byte("abcdefgh"), dst)

	hits, _ := pages.Stats()
	assert.Positive(t, hits)
}
