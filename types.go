package admem

import (
	"fmt"

	"github.com/hupe1980/admem/internal/arena"
	"github.com/hupe1980/admem/store"
)

// SizeClass is a 1-based index into the blob's size-class table.
type SizeClass uint8

// ClassAuto lets Reserve pick the smallest class that fits.
const ClassAuto SizeClass = 0

// ArenaID identifies an arena of a blob. Arena 0 holds the blob header.
type ArenaID uint32

// ArenaAny lets Reserve pick an arena.
const ArenaAny ArenaID = 0

// CommitFlags select how Tx.End waits for durability.
type CommitFlags uint32

const (
	// CommitSync syncs the WAL for this transaction alone.
	CommitSync CommitFlags = 0
	// CommitDeferred allows the store to share a sync with concurrent commits.
	// End still returns only once the batch is durable.
	CommitDeferred CommitFlags = 1 << 0
)

func (f CommitFlags) batchFlags() store.Flags {
	var out store.Flags
	if f&CommitDeferred != 0 {
		out |= store.FlagDeferred
	}
	return out
}

// RangeState is the allocation state of a unit.
type RangeState uint8

const (
	RangeFree RangeState = iota
	RangeReserved
	RangeAllocated
	RangeFreeing
)

func (s RangeState) String() string {
	switch s {
	case RangeFree:
		return "free"
	case RangeReserved:
		return "reserved"
	case RangeAllocated:
		return "allocated"
	case RangeFreeing:
		return "freeing"
	default:
		return fmt.Sprintf("RangeState(%d)", uint8(s))
	}
}

func rangeState(s arena.State) RangeState {
	switch s {
	case arena.StateReserved:
		return RangeReserved
	case arena.StateAllocated:
		return RangeAllocated
	case arena.StateFreeing:
		return RangeFreeing
	default:
		return RangeFree
	}
}

// RangeInfo describes the unit containing an address.
type RangeInfo struct {
	Addr  uint64
	Size  uint64
	Arena ArenaID
	Class SizeClass
	State RangeState
}

// Stats is a point-in-time summary of a blob.
type Stats struct {
	Arenas          int
	PublishedArenas int
	UsedUnits       uint64
	ReservedUnits   uint64
	FreeUnits       uint64
	UsedBytes       uint64
	ReservedBytes   uint64
	Committed       uint64 // last durable WAL sequence applied
	Incarnation     uint64
}
