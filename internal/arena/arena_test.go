package arena

import (
	"sync"
	"testing"

	"github.com/hupe1980/admem/internal/format"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBase = 1 << 20

func newTestArena(units uint32) *Arena {
	return New(1, 0, 64, units, testBase)
}

func TestReserve_FirstFit(t *testing.T) {
	a := newTestArena(4)

	for i := uint64(0); i < 4; i++ {
		addr, ok := a.Reserve()
		require.True(t, ok)
		assert.Equal(t, testBase+i*64, addr)
	}

	_, ok := a.Reserve()
	assert.False(t, ok)
}

func TestCancel_ReusesAddress(t *testing.T) {
	a := newTestArena(8)

	first, ok := a.Reserve()
	require.True(t, ok)
	drop, err := a.Cancel(first)
	require.NoError(t, err)
	assert.True(t, drop, "unpublished arena without reservations is droppable")

	again, ok := a.Reserve()
	require.True(t, ok)
	assert.Equal(t, first, again)
}

func TestCancel_MergesNeighbours(t *testing.T) {
	a := newTestArena(8)
	a.Publish()

	addrs := make([]uint64, 8)
	for i := range addrs {
		addrs[i], _ = a.Reserve()
	}

	// Return units out of order; the free list must collapse into one run.
	for _, i := range []int{3, 1, 2, 0, 7, 5, 6, 4} {
		drop, err := a.Cancel(addrs[i])
		require.NoError(t, err)
		assert.False(t, drop)
	}
	assert.Equal(t, []run{{0, 8}}, a.free)
}

func TestCancel_Errors(t *testing.T) {
	a := newTestArena(4)

	_, err := a.Cancel(testBase)
	assert.ErrorIs(t, err, ErrNotReserved)

	addr, _ := a.Reserve()
	_, err = a.Cancel(addr + 1)
	assert.ErrorIs(t, err, ErrUnknownAddress)

	_, err = a.Cancel(addr + 64)
	assert.ErrorIs(t, err, ErrNotReserved, "unit was never handed out")
}

func TestApplyReserve_ThenFree(t *testing.T) {
	a := newTestArena(4)
	a.Publish()

	addr, _ := a.Reserve()
	require.NoError(t, a.ApplyReserve(addr))

	st, err := a.State(addr)
	require.NoError(t, err)
	assert.Equal(t, StateAllocated, st)

	// The committed unit is not handed out again.
	next, _ := a.Reserve()
	assert.NotEqual(t, addr, next)
	_, err = a.Cancel(next)
	require.NoError(t, err)

	require.NoError(t, a.StageFree(addr))
	assert.ErrorIs(t, a.StageFree(addr), ErrAlreadyFreeing)
	st, _ = a.State(addr)
	assert.Equal(t, StateFreeing, st)

	require.NoError(t, a.ApplyFree(addr))
	st, _ = a.State(addr)
	assert.Equal(t, StateFree, st)

	again, _ := a.Reserve()
	assert.Equal(t, addr, again)
}

func TestApplyReserve_RejectsFreeUnit(t *testing.T) {
	a := newTestArena(4)
	_, _ = a.Reserve()
	assert.ErrorIs(t, a.ApplyReserve(testBase+64), ErrNotReserved)
}

func TestStageFree_Errors(t *testing.T) {
	a := newTestArena(4)

	addr, _ := a.Reserve()
	assert.ErrorIs(t, a.StageFree(addr), ErrUnknownAddress, "unpublished arena")

	a.Publish()
	assert.ErrorIs(t, a.StageFree(addr), ErrUnknownAddress, "reserved, not allocated")
	assert.ErrorIs(t, a.StageFree(addr+8), ErrUnknownAddress, "unaligned")
	assert.ErrorIs(t, a.StageFree(testBase+64*100), ErrUnknownAddress, "out of range")

	require.NoError(t, a.ApplyReserve(addr))
	require.NoError(t, a.StageFree(addr))
	a.UnstageFree(addr)
	require.NoError(t, a.StageFree(addr))
}

func TestState(t *testing.T) {
	a := newTestArena(4)
	addr, _ := a.Reserve()

	st, err := a.State(addr)
	require.NoError(t, err)
	assert.Equal(t, StateReserved, st)
	assert.Equal(t, "reserved", st.String())

	st, _ = a.State(addr + 64)
	assert.Equal(t, StateFree, st)

	_, err = a.State(addr + 3)
	assert.ErrorIs(t, err, ErrUnknownAddress)
}

func TestSnapshot_RoundTrip(t *testing.T) {
	units := format.UnitsFor(64, format.MinArenaSize)
	a := New(2, 0, 64, units, testBase)
	a.Publish()
	assert.True(t, a.Dirty())

	var addrs []uint64
	for i := 0; i < 70; i++ {
		addr, _ := a.Reserve()
		require.NoError(t, a.ApplyReserve(addr))
		addrs = append(addrs, addr)
	}
	require.NoError(t, a.StageFree(addrs[10]))
	require.NoError(t, a.ApplyFree(addrs[10]))

	buf, gen := a.Snapshot()
	a.MarkFlushed(gen)
	assert.False(t, a.Dirty())

	h, err := format.DecodeArena(buf)
	require.NoError(t, err)
	b, err := FromHeader(h, testBase)
	require.NoError(t, err)

	assert.True(t, b.Published())
	assert.False(t, b.Dirty())
	assert.Equal(t, a.free, b.free)
	used, reserved, free := b.Stats()
	assert.Equal(t, uint32(69), used)
	assert.Equal(t, uint32(0), reserved)
	assert.Equal(t, units-69, free)

	// The freed hole is the first fit.
	addr, _ := b.Reserve()
	assert.Equal(t, addrs[10], addr)
}

func TestFromHeader_Corrupt(t *testing.T) {
	h := &format.ArenaHeader{ID: 1, Unit: 64, Units: 64, Used: 3, Bitmap: []uint64{1}}
	_, err := FromHeader(h, testBase)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestReplay_Idempotent(t *testing.T) {
	a := newTestArena(8)
	a.Publish()
	addr := uint64(testBase + 3*64)

	require.NoError(t, a.ReplayReserve(addr))
	require.NoError(t, a.ReplayReserve(addr))
	assert.Equal(t, []run{{0, 3}, {4, 8}}, a.free)

	require.NoError(t, a.ReplayFree(addr))
	require.NoError(t, a.ReplayFree(addr))
	assert.Equal(t, []run{{0, 8}}, a.free)

	used, _, _ := a.Stats()
	assert.Equal(t, uint32(0), used)
}

func TestReserve_Concurrent(t *testing.T) {
	const units = 4096
	a := newTestArena(units)

	var (
		mu   sync.Mutex
		seen = make(map[uint64]struct{}, units)
		wg   sync.WaitGroup
	)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				addr, ok := a.Reserve()
				if !ok {
					return
				}
				mu.Lock()
				_, dup := seen[addr]
				seen[addr] = struct{}{}
				mu.Unlock()
				assert.False(t, dup, "address %d handed out twice", addr)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, units)
}
