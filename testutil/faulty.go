package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/admem/store"
)

// ErrInjected is the default error returned by a triggered Fault.
var ErrInjected = errors.New("injected fault error")

// Op names a store operation that can fail.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpWALReserve
	OpWALSubmit
)

// Fault defines specific failure behavior.
type Fault struct {
	// After lets this many calls succeed before the fault triggers.
	After int
	// Times is how often the fault triggers. 0 means forever.
	Times int
	// Err is returned instead of ErrInjected when set.
	Err error
	// Match restricts the fault to regions it returns true for. Ignored for
	// WAL operations.
	Match func(store.Region) bool
}

type rule struct {
	Fault
	seen  int
	fired int
}

// FaultyStore is a store.Store wrapper that can inject errors.
// Optional capabilities of the wrapped store are passed through.
type FaultyStore struct {
	Store store.Store

	mu    sync.Mutex
	rules map[Op]*rule
	calls map[Op]int
}

var (
	_ store.Store        = (*FaultyStore)(nil)
	_ store.Sizer        = (*FaultyStore)(nil)
	_ store.Replayer     = (*FaultyStore)(nil)
	_ store.Checkpointer = (*FaultyStore)(nil)
)

// NewFaultyStore wraps s.
func NewFaultyStore(s store.Store) *FaultyStore {
	return &FaultyStore{
		Store: s,
		rules: make(map[Op]*rule),
		calls: make(map[Op]int),
	}
}

// AddRule installs a fault for op, replacing any previous one.
func (f *FaultyStore) AddRule(op Op, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[op] = &rule{Fault: fault}
}

// Clear removes all rules.
func (f *FaultyStore) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = make(map[Op]*rule)
}

// Calls returns how often op was invoked, including failed calls.
func (f *FaultyStore) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FaultyStore) check(op Op, r *store.Region) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++

	ru, ok := f.rules[op]
	if !ok {
		return nil
	}
	if r != nil && ru.Match != nil && !ru.Match(*r) {
		return nil
	}
	ru.seen++
	if ru.seen <= ru.After {
		return nil
	}
	if ru.Times > 0 && ru.fired >= ru.Times {
		return nil
	}
	ru.fired++
	if ru.Err != nil {
		return ru.Err
	}
	return ErrInjected
}

// Read implements store.Store.
func (f *FaultyStore) Read(ctx context.Context, r store.Region, dst []byte) error {
	if err := f.check(OpRead, &r); err != nil {
		return err
	}
	return f.Store.Read(ctx, r, dst)
}

// Write implements store.Store.
func (f *FaultyStore) Write(ctx context.Context, r store.Region, src []byte) error {
	if err := f.check(OpWrite, &r); err != nil {
		return err
	}
	return f.Store.Write(ctx, r, src)
}

// WALReserve implements store.Store.
func (f *FaultyStore) WALReserve(ctx context.Context) (uint64, error) {
	if err := f.check(OpWALReserve, nil); err != nil {
		return 0, err
	}
	return f.Store.WALReserve(ctx)
}

// WALSubmit implements store.Store.
func (f *FaultyStore) WALSubmit(ctx context.Context, b *store.Batch) error {
	if err := f.check(OpWALSubmit, nil); err != nil {
		return err
	}
	return f.Store.WALSubmit(ctx, b)
}

// Size implements store.Sizer. It returns 0 if the wrapped store has no size.
func (f *FaultyStore) Size() uint64 {
	if s, ok := f.Store.(store.Sizer); ok {
		return s.Size()
	}
	return 0
}

// Replay implements store.Replayer. Stores without replay support yield no batches.
func (f *FaultyStore) Replay(ctx context.Context, after uint64, fn func(*store.Batch) error) error {
	if r, ok := f.Store.(store.Replayer); ok {
		return r.Replay(ctx, after, fn)
	}
	return nil
}

// Checkpoint implements store.Checkpointer.
func (f *FaultyStore) Checkpoint(ctx context.Context, seq uint64) error {
	if c, ok := f.Store.(store.Checkpointer); ok {
		return c.Checkpoint(ctx, seq)
	}
	return nil
}
