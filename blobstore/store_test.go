package blobstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/hupe1980/admem/internal/cache"
	ifs "github.com/hupe1980/admem/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("NotFound", func(t *testing.T) {
		_, err := s.Open(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, s.Delete(ctx, "missing"))
	})

	t.Run("PutReadOverwrite", func(t *testing.T) {
		data := bytes.Repeat([]byte("0123456789"), 1000)
		require.NoError(t, s.Put(ctx, "pages/0001", data))

		got, err := ReadAll(ctx, s, "pages/0001")
		require.NoError(t, err)
		assert.Equal(t, data, got)

		b, err := s.Open(ctx, "pages/0001")
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), b.Size())

		buf := make([]byte, 5)
		n, err := b.ReadAt(ctx, buf, 9995)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.Equal(t, "56789", string(buf))

		n, err = b.ReadAt(ctx, make([]byte, 10), 9995)
		assert.Equal(t, 5, n)
		assert.ErrorIs(t, err, io.EOF)

		_, err = b.ReadAt(ctx, buf, 20000)
		assert.ErrorIs(t, err, io.EOF)
		require.NoError(t, b.Close())

		require.NoError(t, s.Put(ctx, "pages/0001", []byte("short")))
		got, err = ReadAll(ctx, s, "pages/0001")
		require.NoError(t, err)
		assert.Equal(t, "short", string(got))
	})

	t.Run("List", func(t *testing.T) {
		for _, name := range []string{"wal/0003", "wal/0001", "wal/0002", "other"} {
			require.NoError(t, s.Put(ctx, name, []byte(name)))
		}
		names, err := s.List(ctx, "wal/")
		require.NoError(t, err)
		assert.Equal(t, []string{"wal/0001", "wal/0002", "wal/0003"}, names)

		require.NoError(t, s.Delete(ctx, "wal/0002"))
		names, err = s.List(ctx, "wal/")
		require.NoError(t, err)
		assert.Equal(t, []string{"wal/0001", "wal/0003"}, names)
	})

	t.Run("Empty", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "empty", nil))
		got, err := ReadAll(ctx, s, "empty")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestLocalStore(t *testing.T) {
	runStoreSuite(t, NewLocalStore(t.TempDir()))
}

func TestLocalStore_FailedPutKeepsOldVersion(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	ffs := ifs.NewFaultyFS(nil)
	s := NewLocalStore(root).WithFileSystem(ffs)

	require.NoError(t, s.Put(ctx, "obj", []byte("v1")))
	ffs.AddRule("obj", ifs.Fault{FailAfterBytes: -1, FailOnSync: true})
	assert.Error(t, s.Put(ctx, "obj", []byte("v2")))

	got, err := ReadAll(ctx, s, "obj")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))

	_, err = os.Stat(filepath.Join(root, "obj"+ifs.TempSuffix))
	assert.True(t, os.IsNotExist(err))
}

func TestCachingStore(t *testing.T) {
	runStoreSuite(t, NewCachingStore(NewMemoryStore(), cache.NewLRUBlockCache(1<<20, nil), 128))
}

type countingStore struct {
	Store
	reads atomic.Int64
}

type countingBlob struct {
	Blob
	reads *atomic.Int64
}

func (s *countingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.Store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingBlob{Blob: b, reads: &s.reads}, nil
}

func (b *countingBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	b.reads.Add(1)
	return b.Blob.ReadAt(ctx, p, off)
}

func TestCachingStore_ServesFromCache(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Store: NewMemoryStore()}
	lru := cache.NewLRUBlockCache(1<<20, nil)
	s := NewCachingStore(inner, lru, 100)

	data := bytes.Repeat([]byte{7}, 1000)
	require.NoError(t, s.Put(ctx, "obj", data))

	b, err := s.Open(ctx, "obj")
	require.NoError(t, err)
	defer b.Close()

	buf := make([]byte, 250)
	_, err = b.ReadAt(ctx, buf, 150) // blocks 1..3
	require.NoError(t, err)
	assert.Equal(t, int64(1), inner.reads.Load())

	_, err = b.ReadAt(ctx, buf, 150)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inner.reads.Load())
	assert.Equal(t, 3, lru.Len())

	// Put invalidates the object's blocks.
	require.NoError(t, s.Put(ctx, "obj", bytes.Repeat([]byte{9}, 1000)))
	assert.Equal(t, 0, lru.Len())

	b2, err := s.Open(ctx, "obj")
	require.NoError(t, err)
	defer b2.Close()
	_, err = b2.ReadAt(ctx, buf, 150)
	require.NoError(t, err)
	assert.Equal(t, byte(9), buf[0])
}
