package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/admem/internal/fs"
	"github.com/hupe1980/admem/store"
	"github.com/hupe1980/admem/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, dir string, size uint64, optFns ...func(o *Options)) *Store {
	t.Helper()
	s, err := Open(dir, size, optFns...)
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, 4<<20, func(t *testing.T, size uint64) store.Store {
		s := openStore(t, t.TempDir(), size)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestConformance_Compressed(t *testing.T) {
	storetest.Run(t, 4<<20, func(t *testing.T, size uint64) store.Store {
		s := openStore(t, t.TempDir(), size, func(o *Options) { o.Compress = true })
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func submit(t *testing.T, s *Store, flags store.Flags, addr uint64) uint64 {
	t.Helper()
	ctx := context.Background()
	seq, err := s.WALReserve(ctx)
	require.NoError(t, err)
	require.NoError(t, s.WALSubmit(ctx, &store.Batch{
		Seq:       seq,
		Flags:     flags,
		Mutations: []store.Mutation{{Kind: store.MutationReserve, Arena: 1, Addr: addr, Size: 64}},
	}))
	return seq
}

func replayAll(t *testing.T, s *Store, after uint64) []*store.Batch {
	t.Helper()
	var got []*store.Batch
	require.NoError(t, s.Replay(context.Background(), after, func(b *store.Batch) error {
		got = append(got, b)
		return nil
	}))
	return got
}

func TestReopenRecoversDataAndSequence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openStore(t, dir, 1<<20)
	r := store.Region{Addr: 4096, Size: 5}
	require.NoError(t, s.Write(ctx, r, []byte("hello")))
	submit(t, s, 0, 64)
	last := submit(t, s, store.FlagDeferred, 128)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), store.ErrClosed)

	s = openStore(t, dir, 1<<20)
	defer s.Close()

	buf := make([]byte, 5)
	require.NoError(t, s.Read(ctx, r, buf))
	assert.Equal(t, "hello", string(buf))

	got := replayAll(t, s, 0)
	require.Len(t, got, 2)
	assert.Equal(t, store.FlagDeferred, got[1].Flags)

	seq, err := s.WALReserve(ctx)
	require.NoError(t, err)
	assert.Greater(t, seq, last)
}

func TestCheckpointSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openStore(t, dir, 1<<20)
	first := submit(t, s, 0, 64)
	second := submit(t, s, 0, 128)
	require.NoError(t, s.Checkpoint(ctx, first))

	got := replayAll(t, s, 0)
	require.Len(t, got, 1)
	assert.Equal(t, second, got[0].Seq)

	require.NoError(t, s.Checkpoint(ctx, second))
	require.NoError(t, s.Close())

	// The checkpoint record keeps the counter ahead of truncated batches.
	s = openStore(t, dir, 1<<20)
	defer s.Close()
	assert.Empty(t, replayAll(t, s, 0))
	seq, err := s.WALReserve(ctx)
	require.NoError(t, err)
	assert.Greater(t, seq, second)
}

func TestSubmitRejectsStaleSequence(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir(), 1<<20)
	defer s.Close()

	assert.ErrorIs(t, s.WALSubmit(ctx, &store.Batch{Seq: 7}), store.ErrSequence)

	seq := submit(t, s, 0, 64)
	assert.ErrorIs(t, s.WALSubmit(ctx, &store.Batch{Seq: seq}), store.ErrSequence)
}

func TestLargerDataFileIsKept(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, 2<<20)
	require.NoError(t, s.Close())

	s = openStore(t, dir, 1<<20)
	defer s.Close()
	assert.Equal(t, uint64(2<<20), s.Size())
}

func TestSyncFailureFailsSubmit(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openStore(t, dir, 1<<20)
	require.NoError(t, s.Close())

	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(WALFile, fs.Fault{FailAfterBytes: -1, FailOnSync: true})

	s = openStore(t, dir, 1<<20, func(o *Options) { o.FS = ffs })
	defer s.Close()

	seq, err := s.WALReserve(ctx)
	require.NoError(t, err)
	assert.Error(t, s.WALSubmit(ctx, &store.Batch{Seq: seq}))
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir(), 1<<20)
	require.NoError(t, s.Close())

	r := store.Region{Addr: 0, Size: 1}
	assert.ErrorIs(t, s.Read(ctx, r, make([]byte, 1)), store.ErrClosed)
	assert.ErrorIs(t, s.Write(ctx, r, make([]byte, 1)), store.ErrClosed)
	_, err := s.WALReserve(ctx)
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.ErrorIs(t, s.Checkpoint(ctx, 1), store.ErrClosed)
}

func TestOpenCreatesFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "blob")
	s := openStore(t, dir, 1<<20)
	defer s.Close()

	for _, name := range []string{DataFile, WALFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}
