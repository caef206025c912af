package admem

import "fmt"

// Lookup reports the unit containing addr. addr must be the start of a unit
// in a created arena.
func (b *Blob) Lookup(addr uint64) (RangeInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state != stateReady {
		return RangeInfo{}, misuse("lookup on %s blob", b.state)
	}
	a := b.arenaOf(addr)
	if a == nil {
		return RangeInfo{}, fmt.Errorf("%w: %#x", ErrUnknownAddress, addr)
	}
	st, err := a.State(addr)
	if err != nil {
		return RangeInfo{}, translateError(fmt.Errorf("lookup %#x: %w", addr, err))
	}
	return RangeInfo{
		Addr:  addr,
		Size:  uint64(a.Unit()),
		Arena: ArenaID(a.ID()),
		Class: SizeClass(a.Class() + 1),
		State: rangeState(st),
	}, nil
}
