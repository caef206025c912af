package admem

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine/disk"

	"github.com/hupe1980/admem/blobstore"
	"github.com/hupe1980/admem/store"
	"github.com/hupe1980/admem/store/badgerstore"
	"github.com/hupe1980/admem/store/filestore"
	"github.com/hupe1980/admem/store/journalstore"
	"github.com/hupe1980/admem/store/objstore"
)

const backendSize = 4 << 20

type durableStore interface {
	store.Store
	io.Closer
}

// durableBackends returns openers that reopen the same backing storage on
// every call.
func durableBackends(t *testing.T) map[string]func(t *testing.T) durableStore {
	fileDir, badgerDir := t.TempDir(), t.TempDir()
	d := disk.NewMemDisk(journalstore.RequiredBlocks(backendSize, 64))
	bs := blobstore.NewLocalStore(t.TempDir())

	return map[string]func(t *testing.T) durableStore{
		"filestore": reopenable(func() (durableStore, error) {
			return filestore.Open(fileDir, backendSize)
		}),
		"badgerstore": reopenable(func() (durableStore, error) {
			return badgerstore.Open(badgerDir, backendSize)
		}),
		"journalstore": reopenable(func() (durableStore, error) {
			return journalstore.New(d, backendSize, func(o *journalstore.Options) { o.RingBlocks = 64 })
		}),
		"objstore": reopenable(func() (durableStore, error) {
			return objstore.Open(context.Background(), bs, backendSize)
		}),
	}
}

func reopenable(open func() (durableStore, error)) func(t *testing.T) durableStore {
	return func(t *testing.T) durableStore {
		s, err := open()
		require.NoError(t, err)
		return s
	}
}

func TestDurableBackends(t *testing.T) {
	for name, open := range durableBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			// Every manager stands for a new process with an empty catalog.
			newManager := func() *Manager {
				m, err := NewManager(WithArenaSize(128 << 10))
				require.NoError(t, err)
				return m
			}

			st := open(t)
			b := createBlob(t, newManager(), "blob", st, backendSize)
			kept := commitReserve(t, b, 64)
			freed := commitReserve(t, b, 4096)
			require.NoError(t, b.Close(ctx))
			require.NoError(t, st.Close())

			// Clean reopen.
			st = open(t)
			m := newManager()
			b = openBlob(t, m, "blob", st)
			assert.Equal(t, uint64(backendSize), b.Size())
			info, err := b.Lookup(kept)
			require.NoError(t, err)
			assert.Equal(t, RangeAllocated, info.State)

			// Commit without closing the blob: the batch survives only in the
			// store's log.
			commitFree(t, b, freed)
			require.NoError(t, st.Close())

			st = open(t)
			defer st.Close()
			b = openBlob(t, newManager(), "blob", st)
			info, err = b.Lookup(freed)
			require.NoError(t, err)
			assert.Equal(t, RangeFree, info.State)
			info, err = b.Lookup(kept)
			require.NoError(t, err)
			assert.Equal(t, RangeAllocated, info.State)

			next := commitReserve(t, b, 64)
			assert.NotEqual(t, kept, next)
			require.NoError(t, b.Close(ctx))
		})
	}
}
