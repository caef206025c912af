package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/hupe1980/admem/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCatalogTests(t *testing.T, open func(t *testing.T) Catalog) {
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("CreateGet", func(t *testing.T) {
		c := open(t)
		e := Entry{Name: "a", Size: 256 << 20, ArenaSize: 16 << 20, State: StatePending, Created: created}
		require.NoError(t, c.Create(ctx, e))

		got, err := c.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, e.Name, got.Name)
		assert.Equal(t, e.Size, got.Size)
		assert.Equal(t, e.ArenaSize, got.ArenaSize)
		assert.Equal(t, StatePending, got.State)
		assert.True(t, created.Equal(got.Created))

		assert.ErrorIs(t, c.Create(ctx, e), ErrExists)
	})

	t.Run("Missing", func(t *testing.T) {
		c := open(t)
		_, err := c.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, c.Put(ctx, Entry{Name: "nope"}), ErrNotFound)
		assert.ErrorIs(t, c.Delete(ctx, "nope"), ErrNotFound)
	})

	t.Run("PutDelete", func(t *testing.T) {
		c := open(t)
		require.NoError(t, c.Create(ctx, Entry{Name: "b", Size: 1}))
		require.NoError(t, c.Put(ctx, Entry{Name: "b", Size: 1, State: StateReady}))

		got, err := c.Get(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, StateReady, got.State)

		require.NoError(t, c.Delete(ctx, "b"))
		_, err = c.Get(ctx, "b")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListOrdered", func(t *testing.T) {
		c := open(t)
		for _, n := range []string{"zeta", "alpha", "mid"} {
			require.NoError(t, c.Create(ctx, Entry{Name: n}))
		}
		list, err := c.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "alpha", list[0].Name)
		assert.Equal(t, "mid", list[1].Name)
		assert.Equal(t, "zeta", list[2].Name)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		c := open(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, c.Create(cctx, Entry{Name: "x"}), context.Canceled)
	})
}

func TestMemory(t *testing.T) {
	runCatalogTests(t, func(t *testing.T) Catalog { return NewMemory() })
}

func TestBadger(t *testing.T) {
	runCatalogTests(t, func(t *testing.T) Catalog {
		c, err := OpenBadger("")
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		return c
	})
}

func TestBadger_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	c, err := OpenBadger(dir)
	require.NoError(t, err)
	require.NoError(t, c.Create(ctx, Entry{Name: "pool", Size: 64 << 20, State: StateReady}))
	require.NoError(t, c.Close())

	c, err = OpenBadger(dir, func(o *BadgerOptions) { o.Codec = codec.JSON{} })
	require.NoError(t, err)
	defer c.Close()

	got, err := c.Get(ctx, "pool")
	require.NoError(t, err)
	assert.Equal(t, uint64(64<<20), got.Size)
	assert.Equal(t, StateReady, got.State)
}

func TestNewBadger_DoesNotOwnDB(t *testing.T) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	defer db.Close()

	c := NewBadger(db)
	require.NoError(t, c.Close())
	require.NoError(t, c.Create(context.Background(), Entry{Name: "still-open"}))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "unknown", State(9).String())
}
