package admem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/admem/store"
	"github.com/hupe1980/admem/store/memstore"
)

const testSize = 256 << 20

func newTestBlob(t *testing.T, size uint64, opts ...Option) (*Manager, *Blob, *memstore.Store) {
	t.Helper()
	m, err := NewManager(opts...)
	require.NoError(t, err)
	st := memstore.New(size)
	return m, createBlob(t, m, "test", st, size), st
}

func createBlob(t *testing.T, m *Manager, name string, s store.Store, size uint64) *Blob {
	t.Helper()
	ctx := context.Background()
	b, err := m.PrepareCreate(ctx, name, size)
	require.NoError(t, err)
	require.NoError(t, b.Bind(s))
	require.NoError(t, b.FinishCreate(ctx))
	return b
}

func openBlob(t *testing.T, m *Manager, name string, s store.Store) *Blob {
	t.Helper()
	ctx := context.Background()
	b, err := m.PrepareOpen(ctx, name)
	require.NoError(t, err)
	require.NoError(t, b.Bind(s))
	require.NoError(t, b.FinishOpen(ctx))
	return b
}

func reserve(t *testing.T, b *Blob, size uint64) (uint64, *Action) {
	t.Helper()
	addr, act, err := b.Reserve(ClassAuto, size, ArenaAny)
	require.NoError(t, err)
	require.NotNil(t, act)
	require.NotZero(t, addr)
	return addr, act
}

func commitReserve(t *testing.T, b *Blob, size uint64) uint64 {
	t.Helper()
	addr, act := reserve(t, b, size)
	tx := b.Begin()
	require.NoError(t, tx.Publish(act))
	require.NoError(t, tx.End(context.Background(), CommitSync))
	return addr
}

func commitFree(t *testing.T, b *Blob, addrs ...uint64) {
	t.Helper()
	tx := b.Begin()
	for _, a := range addrs {
		require.NoError(t, tx.Free(a))
	}
	require.NoError(t, tx.End(context.Background(), CommitSync))
}
