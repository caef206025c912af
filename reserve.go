package admem

import (
	"github.com/hupe1980/admem/internal/arena"
	"github.com/hupe1980/admem/internal/format"
)

// Reserve sets aside one unit of at least size bytes. It performs no I/O and
// the reservation only becomes durable when published in a committed
// transaction.
//
// hint forces a class at least as large as the one size maps to. A non-zero
// arena pins the reservation to that arena if it has space; otherwise any
// arena of the class is used. When the blob is out of space Reserve returns
// (0, nil, nil).
func (b *Blob) Reserve(hint SizeClass, size uint64, arenaID ArenaID) (uint64, *Action, error) {
	b.mu.RLock()
	if b.state != stateReady {
		st := b.state
		b.mu.RUnlock()
		return 0, nil, misuse("reserve on %s blob", st)
	}
	if size == 0 {
		b.mu.RUnlock()
		return 0, nil, misuse("reserve of zero bytes")
	}
	if int(hint) > len(b.hdr.Classes) {
		b.mu.RUnlock()
		return 0, nil, misuse("unknown size class %d", hint)
	}

	cls, ok := format.ClassFor(b.hdr.Classes, size)
	if !ok {
		b.mu.RUnlock()
		b.metrics.RecordReserve(0)
		return 0, nil, nil
	}
	if hint != ClassAuto && int(hint)-1 > cls {
		cls = int(hint) - 1
	}
	class := uint32(cls)

	a, addr, ok := b.reservePinned(class, uint32(arenaID))
	if !ok {
		a, addr, ok = b.reserveAny(class)
	}
	b.mu.RUnlock()

	if !ok {
		a, addr, ok = b.reserveNew(class)
	}
	if !ok {
		b.metrics.RecordReserve(0)
		return 0, nil, nil
	}

	b.metrics.RecordReserve(a.Unit())
	return addr, &Action{
		kind:  actionReserve,
		blob:  b,
		addr:  addr,
		unit:  a.Unit(),
		arena: a.ID(),
		class: class,
	}, nil
}

// reservePinned tries the requested arena. Caller holds b.mu.
func (b *Blob) reservePinned(class, id uint32) (*arena.Arena, uint64, bool) {
	if id == uint32(ArenaAny) || int(id) >= len(b.arenas) {
		return nil, 0, false
	}
	a := b.arenas[id]
	if a == nil || a.Class() != class {
		return nil, 0, false
	}
	addr, ok := a.Reserve()
	return a, addr, ok
}

// reserveAny visits the arenas of class in ascending id order. Caller holds b.mu.
func (b *Blob) reserveAny(class uint32) (*arena.Arena, uint64, bool) {
	it := b.byClass[class].Iterator()
	for it.HasNext() {
		a := b.arenas[it.Next()]
		if addr, ok := a.Reserve(); ok {
			return a, addr, true
		}
	}
	return nil, 0, false
}

// reserveNew creates the lowest unused arena for class. Another goroutine may
// have created one in the meantime, so existing arenas are tried again first.
func (b *Blob) reserveNew(class uint32) (*arena.Arena, uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateReady {
		return nil, 0, false
	}
	if a, addr, ok := b.reserveAny(class); ok {
		return a, addr, true
	}
	if b.freeIDs.IsEmpty() {
		return nil, 0, false
	}
	a := b.newArena(b.freeIDs.Minimum(), class)
	addr, ok := a.Reserve()
	if !ok {
		b.dropArena(a)
		return nil, 0, false
	}
	return a, addr, true
}

// Cancel returns reserved units to their arenas. All actions are validated
// before any is consumed. An arena that was created for these reservations
// and never committed is discarded once its last reservation is cancelled.
//
// A cancelled unit is handed out again by the next reservation that rounds
// to the same class. A smaller request that rounds to a smaller class lands
// elsewhere unless it passes the original class as hint.
func (b *Blob) Cancel(acts ...*Action) error {
	b.mu.RLock()
	if b.state != stateReady {
		st := b.state
		b.mu.RUnlock()
		return misuse("cancel on %s blob", st)
	}
	if err := b.consumeAll(acts); err != nil {
		b.mu.RUnlock()
		return err
	}

	var drop []*arena.Arena
	for _, act := range acts {
		a := b.arenas[act.arena]
		empty, err := a.Cancel(act.addr)
		if err != nil {
			b.mu.RUnlock()
			return translateError(err)
		}
		if empty {
			drop = append(drop, a)
		}
	}
	b.mu.RUnlock()

	b.dropAll(drop)
	b.metrics.RecordCancel(len(acts))
	return nil
}

func (b *Blob) dropAll(list []*arena.Arena) {
	if len(list) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range list {
		b.dropArena(a)
	}
}
