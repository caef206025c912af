package admem

import (
	"sync/atomic"
)

type actionKind uint8

const (
	actionReserve actionKind = iota
	actionFree
)

const (
	actionPending uint32 = iota
	actionConsumed
)

// Action is the single-use token returned by Reserve. It must be handed to
// exactly one of Blob.Cancel or Tx.Publish.
type Action struct {
	kind  actionKind
	blob  *Blob
	addr  uint64
	unit  uint32
	arena uint32
	class uint32
	state atomic.Uint32
}

// Addr returns the reserved address.
func (a *Action) Addr() uint64 { return a.addr }

// Size returns the size of the reserved unit, which may exceed the request.
func (a *Action) Size() uint64 { return uint64(a.unit) }

// Arena returns the arena the unit was taken from.
func (a *Action) Arena() ArenaID { return ArenaID(a.arena) }

// Class returns the size class of the unit.
func (a *Action) Class() SizeClass { return SizeClass(a.class + 1) }

// Consumed reports whether the action was cancelled or published.
func (a *Action) Consumed() bool { return a.state.Load() == actionConsumed }

func (a *Action) consume() bool {
	return a.state.CompareAndSwap(actionPending, actionConsumed)
}

func (a *Action) restore() {
	a.state.Store(actionPending)
}

// consumeAll validates acts as pending reserve actions of b and consumes
// them. Either all are consumed or none.
func (b *Blob) consumeAll(acts []*Action) error {
	for i, a := range acts {
		switch {
		case a == nil:
			return misuse("nil action at %d", i)
		case a.blob != b:
			return misuse("action %#x belongs to another blob", a.addr)
		case a.kind != actionReserve:
			return misuse("action %#x is not a reservation", a.addr)
		case a.Consumed():
			return misuse("action %#x already consumed", a.addr)
		}
	}
	for i, a := range acts {
		if !a.consume() {
			for _, prev := range acts[:i] {
				prev.restore()
			}
			return misuse("action %#x already consumed", a.addr)
		}
	}
	return nil
}
