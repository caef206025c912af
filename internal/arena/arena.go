package arena

import (
	"errors"
	"fmt"
	"math/bits"
	"slices"
	"sort"
	"sync"

	"github.com/hupe1980/admem/internal/format"
)

var (
	// ErrUnknownAddress is returned for an address that is not a unit of the arena
	// or is not in the state the operation expects.
	ErrUnknownAddress = errors.New("arena: unknown address")
	// ErrAlreadyFreeing is returned when a unit is staged for free twice.
	ErrAlreadyFreeing = errors.New("arena: address already staged for free")
	// ErrNotReserved is returned when a unit that is not reserved is cancelled.
	ErrNotReserved = errors.New("arena: address not reserved")
	// ErrCorrupt is returned when a persisted header contradicts itself.
	ErrCorrupt = errors.New("arena: corrupt header")
)

// State is the allocation state of a unit.
type State uint8

const (
	// StateFree units can be reserved.
	StateFree State = iota
	// StateReserved units are held by an uncommitted reservation.
	StateReserved
	// StateAllocated units are durably allocated.
	StateAllocated
	// StateFreeing units are allocated and staged for free in an open transaction.
	StateFreeing
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateReserved:
		return "reserved"
	case StateAllocated:
		return "allocated"
	case StateFreeing:
		return "freeing"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// run is a half-open range of free unit indices.
type run struct {
	start, end uint32
}

// Arena is the in-memory state of one arena.
type Arena struct {
	mu sync.Mutex

	id    uint32
	class uint32
	unit  uint32
	units uint32
	base  uint64 // address of unit 0

	bitmap   []uint64
	used     uint32
	free     []run
	reserved uint32
	freeing  map[uint32]struct{}

	published bool
	gen       uint64 // bumped on every durable change
	flushed   uint64 // gen of the last successful flush
}

// New returns an empty, unpublished arena. base is the address of its first unit.
func New(id, class, unit, units uint32, base uint64) *Arena {
	a := &Arena{
		id:      id,
		class:   class,
		unit:    unit,
		units:   units,
		base:    base,
		bitmap:  make([]uint64, format.BitmapWords(units)),
		free:    []run{{0, units}},
		freeing: make(map[uint32]struct{}),
		gen:     1,
	}
	return a
}

// FromHeader rebuilds a published arena from its persisted header.
func FromHeader(h *format.ArenaHeader, base uint64) (*Arena, error) {
	a := &Arena{
		id:        h.ID,
		class:     h.Class,
		unit:      h.Unit,
		units:     h.Units,
		base:      base,
		bitmap:    append([]uint64(nil), h.Bitmap...),
		freeing:   make(map[uint32]struct{}),
		published: true,
	}
	// Bits past the unit count are ignored.
	if tail := h.Units % 64; tail != 0 {
		a.bitmap[len(a.bitmap)-1] &= (1 << tail) - 1
	}
	if n := popcount(a.bitmap); n != h.Used {
		return nil, fmt.Errorf("%w: arena %d counts %d used units, bitmap has %d", ErrCorrupt, h.ID, h.Used, n)
	}
	a.rebuild()
	return a, nil
}

func (a *Arena) rebuild() {
	a.free = a.free[:0]
	a.used = 0
	var start uint32
	inRun := false
	for u := uint32(0); u < a.units; u++ {
		if a.isSet(u) {
			a.used++
			if inRun {
				a.free = append(a.free, run{start, u})
				inRun = false
			}
			continue
		}
		if !inRun {
			start, inRun = u, true
		}
	}
	if inRun {
		a.free = append(a.free, run{start, a.units})
	}
}

// ID returns the arena id.
func (a *Arena) ID() uint32 { return a.id }

// Class returns the size-class index.
func (a *Arena) Class() uint32 { return a.class }

// Unit returns the unit size in bytes.
func (a *Arena) Unit() uint32 { return a.unit }

// Units returns the number of units.
func (a *Arena) Units() uint32 { return a.units }

// Reserve hands out the lowest free unit.
func (a *Arena) Reserve() (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.free) == 0 {
		return 0, false
	}
	r := &a.free[0]
	u := r.start
	r.start++
	if r.start == r.end {
		a.free = a.free[1:]
	}
	a.reserved++
	return a.addr(u), true
}

// Cancel returns a reserved unit. It reports whether the arena is now
// unpublished and unused, in which case the caller should discard it.
func (a *Arena) Cancel(addr uint64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	u, err := a.index(addr)
	if err != nil {
		return false, err
	}
	if a.reserved == 0 || a.isSet(u) {
		return false, ErrNotReserved
	}
	if err := a.insert(u); err != nil {
		return false, err
	}
	a.reserved--
	return !a.published && a.reserved == 0, nil
}

// ApplyReserve makes a reserved unit durably allocated.
func (a *Arena) ApplyReserve(addr uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	u, err := a.index(addr)
	if err != nil {
		return err
	}
	if a.reserved == 0 || a.isSet(u) {
		return ErrNotReserved
	}
	if i := a.search(u); i < len(a.free) && a.free[i].start <= u {
		return ErrNotReserved
	}
	a.reserved--
	a.set(u)
	return nil
}

// StageFree marks an allocated unit as being freed by an open transaction.
func (a *Arena) StageFree(addr uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	u, err := a.index(addr)
	if err != nil {
		return err
	}
	if !a.published || !a.isSet(u) {
		return ErrUnknownAddress
	}
	if _, ok := a.freeing[u]; ok {
		return ErrAlreadyFreeing
	}
	a.freeing[u] = struct{}{}
	return nil
}

// UnstageFree drops a staged free.
func (a *Arena) UnstageFree(addr uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if u, err := a.index(addr); err == nil {
		delete(a.freeing, u)
	}
}

// ApplyFree clears a staged unit and returns it to the free runs.
func (a *Arena) ApplyFree(addr uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	u, err := a.index(addr)
	if err != nil {
		return err
	}
	if !a.isSet(u) {
		return ErrUnknownAddress
	}
	delete(a.freeing, u)
	a.clear(u)
	return a.insert(u)
}

// ReplayReserve sets the durable bit of a unit if it is not set yet.
func (a *Arena) ReplayReserve(addr uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	u, err := a.index(addr)
	if err != nil {
		return err
	}
	if a.isSet(u) {
		return nil
	}
	a.remove(u)
	a.set(u)
	return nil
}

// ReplayFree clears the durable bit of a unit if it is set.
func (a *Arena) ReplayFree(addr uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	u, err := a.index(addr)
	if err != nil {
		return err
	}
	if !a.isSet(u) {
		return nil
	}
	a.clear(u)
	return a.insert(u)
}

// Publish marks the arena as created durably.
func (a *Arena) Publish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.published {
		a.published = true
		a.gen++
	}
}

// Published reports whether the arena is part of the committed directory.
func (a *Arena) Published() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.published
}

// Droppable reports whether the arena is unpublished and holds no reservations.
func (a *Arena) Droppable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.published && a.reserved == 0
}

// State returns the state of the unit at addr.
func (a *Arena) State(addr uint64) (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	u, err := a.index(addr)
	if err != nil {
		return 0, err
	}
	if a.isSet(u) {
		if _, ok := a.freeing[u]; ok {
			return StateFreeing, nil
		}
		return StateAllocated, nil
	}
	i := a.search(u)
	if i < len(a.free) && a.free[i].start <= u {
		return StateFree, nil
	}
	return StateReserved, nil
}

// Stats returns the used, reserved, and free unit counts.
func (a *Arena) Stats() (used, reserved, free uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.free {
		free += r.end - r.start
	}
	return a.used, a.reserved, free
}

// Dirty reports whether the arena has durable changes that were not flushed.
func (a *Arena) Dirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.published && a.gen != a.flushed
}

// Snapshot encodes the durable state of the arena. The returned generation is
// passed to MarkFlushed once the bytes are persisted.
func (a *Arena) Snapshot() ([]byte, uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return format.EncodeArena(a.header()), a.gen
}

// MarkFlushed records that the snapshot of generation gen is persisted.
func (a *Arena) MarkFlushed(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen > a.flushed {
		a.flushed = gen
	}
}

func (a *Arena) header() *format.ArenaHeader {
	return &format.ArenaHeader{
		ID:     a.id,
		Class:  a.class,
		Unit:   a.unit,
		Units:  a.units,
		Used:   a.used,
		Bitmap: append([]uint64(nil), a.bitmap...),
	}
}

func (a *Arena) addr(u uint32) uint64 {
	return a.base + uint64(u)*uint64(a.unit)
}

func (a *Arena) index(addr uint64) (uint32, error) {
	if addr < a.base {
		return 0, ErrUnknownAddress
	}
	off := addr - a.base
	if off%uint64(a.unit) != 0 || off/uint64(a.unit) >= uint64(a.units) {
		return 0, ErrUnknownAddress
	}
	return uint32(off / uint64(a.unit)), nil
}

func (a *Arena) isSet(u uint32) bool {
	return a.bitmap[u/64]&(1<<(u%64)) != 0
}

func (a *Arena) set(u uint32) {
	a.bitmap[u/64] |= 1 << (u % 64)
	a.used++
	a.gen++
}

func (a *Arena) clear(u uint32) {
	a.bitmap[u/64] &^= 1 << (u % 64)
	a.used--
	a.gen++
}

// search returns the index of the first run that ends after u.
func (a *Arena) search(u uint32) int {
	return sort.Search(len(a.free), func(i int) bool { return a.free[i].end > u })
}

func (a *Arena) insert(u uint32) error {
	i := a.search(u)
	if i < len(a.free) && a.free[i].start <= u {
		return fmt.Errorf("%w: unit %d of arena %d is already free", ErrNotReserved, u, a.id)
	}
	left := i > 0 && a.free[i-1].end == u
	right := i < len(a.free) && a.free[i].start == u+1
	switch {
	case left && right:
		a.free[i-1].end = a.free[i].end
		a.free = slices.Delete(a.free, i, i+1)
	case left:
		a.free[i-1].end = u + 1
	case right:
		a.free[i].start = u
	default:
		a.free = slices.Insert(a.free, i, run{u, u + 1})
	}
	return nil
}

func (a *Arena) remove(u uint32) {
	i := a.search(u)
	if i == len(a.free) || a.free[i].start > u {
		return
	}
	r := a.free[i]
	switch {
	case r.start == u && r.end == u+1:
		a.free = slices.Delete(a.free, i, i+1)
	case r.start == u:
		a.free[i].start++
	case r.end == u+1:
		a.free[i].end--
	default:
		a.free[i].end = u
		a.free = slices.Insert(a.free, i+1, run{u + 1, r.end})
	}
}

func popcount(words []uint64) uint32 {
	var n int
	for _, w := range words {
		n += bits.OnesCount64(w)
	}
	return uint32(n)
}
