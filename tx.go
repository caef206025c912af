package admem

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/admem/internal/arena"
	"github.com/hupe1980/admem/store"
)

type txState uint8

const (
	txOpen txState = iota
	txCommitting
	txEnded
)

// Tx collects published reservations and frees and commits them as one WAL
// batch. A Tx is used by a single goroutine at a time.
type Tx struct {
	b  *Blob
	mu sync.Mutex

	state    txState
	reserves []*Action
	frees    []*Action
}

// Begin starts a transaction. On a handle that is not ready the returned Tx
// rejects every call with ErrProtocolMisuse.
func (b *Blob) Begin() *Tx {
	tx := &Tx{b: b}
	b.mu.RLock()
	if b.state != stateReady {
		tx.state = txEnded
	}
	b.mu.RUnlock()
	return tx
}

func (tx *Tx) checkOpen() error {
	if tx.state != txOpen {
		return misuse("transaction is not open")
	}
	return nil
}

// Publish adds reservations to the transaction. Either all actions are
// consumed or, on error, none.
func (tx *Tx) Publish(acts ...*Action) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if err := tx.b.consumeAll(acts); err != nil {
		return err
	}
	tx.reserves = append(tx.reserves, acts...)
	return nil
}

// Free stages the allocation at addr for release when the transaction commits.
func (tx *Tx) Free(addr uint64) (err error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkOpen(); err != nil {
		return err
	}
	defer func() { tx.b.metrics.RecordFree(err) }()

	b := tx.b
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state != stateReady {
		return misuse("free on %s blob", b.state)
	}
	a := b.arenaOf(addr)
	if a == nil {
		return fmt.Errorf("%w: %#x", ErrUnknownAddress, addr)
	}
	if err := a.StageFree(addr); err != nil {
		return translateError(fmt.Errorf("free %#x: %w", addr, err))
	}

	act := &Action{
		kind:  actionFree,
		blob:  b,
		addr:  addr,
		unit:  a.Unit(),
		arena: a.ID(),
		class: a.Class(),
	}
	act.state.Store(actionConsumed)
	tx.frees = append(tx.frees, act)
	return nil
}

// End commits the transaction. On success the batch is durable. If the store
// rejects the batch every reservation is cancelled, every staged free is
// dropped and an error wrapping ErrStore is returned. A failure to write
// metadata after the batch is durable is logged and left for the next flush.
func (tx *Tx) End(ctx context.Context, flags CommitFlags) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkOpen(); err != nil {
		return err
	}
	tx.state = txCommitting
	defer func() { tx.state = txEnded }()

	if len(tx.reserves) == 0 && len(tx.frees) == 0 {
		return nil
	}
	return tx.b.commit(ctx, tx.reserves, tx.frees, flags)
}

// Abort ends the transaction without committing. Published reservations are
// cancelled and staged frees are dropped.
func (tx *Tx) Abort() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkOpen(); err != nil {
		return err
	}
	tx.state = txEnded
	tx.b.abort(tx.reserves, tx.frees)
	return nil
}

func (b *Blob) commit(ctx context.Context, reserves, frees []*Action, flags CommitFlags) (err error) {
	b.commitMu.Lock()
	defer b.commitMu.Unlock()

	start := time.Now()
	var (
		seq       uint64
		mutations []store.Mutation
	)
	defer func() {
		b.metrics.RecordCommit(len(mutations), time.Since(start), err)
		b.logger.LogCommit(ctx, seq, len(mutations), err)
	}()

	b.mu.RLock()
	if b.state != stateReady {
		st := b.state
		b.mu.RUnlock()
		b.abort(reserves, frees)
		return misuse("commit on %s blob", st)
	}
	created := b.unpublished(reserves)
	mutations = b.mutations(created, reserves, frees)
	b.mu.RUnlock()

	seq, err = b.st.WALReserve(ctx)
	if err == nil && seq <= b.seq {
		err = fmt.Errorf("%w: got %d after %d", store.ErrSequence, seq, b.seq)
	}
	if err != nil {
		b.abort(reserves, frees)
		return storeError("wal reserve", err)
	}
	batch := &store.Batch{Seq: seq, Flags: flags.batchFlags(), Mutations: mutations}
	if err = b.st.WALSubmit(ctx, batch); err != nil {
		b.abort(reserves, frees)
		return storeError("wal submit", err)
	}

	if err = b.apply(seq, created, reserves, frees); err != nil {
		return err
	}

	if ferr := b.flush(ctx); ferr != nil {
		b.logger.WarnContext(ctx, "metadata left dirty after durable commit", "seq", seq, "error", ferr)
	}
	return nil
}

// unpublished returns the arenas touched by reserves that are not yet part of
// the directory, in id order. Caller holds b.mu.
func (b *Blob) unpublished(reserves []*Action) []*arena.Arena {
	var out []*arena.Arena
	for _, act := range reserves {
		a := b.arenas[act.arena]
		if a.Published() || slices.Contains(out, a) {
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(x, y *arena.Arena) int { return int(x.ID()) - int(y.ID()) })
	return out
}

func (b *Blob) mutations(created []*arena.Arena, reserves, frees []*Action) []store.Mutation {
	out := make([]store.Mutation, 0, len(created)+len(reserves)+len(frees))
	for _, a := range created {
		out = append(out, store.Mutation{
			Kind:  store.MutationArenaCreate,
			Class: uint8(a.Class()),
			Arena: a.ID(),
			Addr:  uint64(a.ID()) * b.hdr.ArenaSize,
			Size:  uint64(a.Unit()),
		})
	}
	for _, act := range reserves {
		out = append(out, store.Mutation{
			Kind:  store.MutationReserve,
			Class: uint8(act.class),
			Arena: act.arena,
			Addr:  act.addr,
			Size:  uint64(act.unit),
		})
	}
	for _, act := range frees {
		out = append(out, store.Mutation{
			Kind:  store.MutationFree,
			Class: uint8(act.class),
			Arena: act.arena,
			Addr:  act.addr,
			Size:  uint64(act.unit),
		})
	}
	return out
}

func (b *Blob) apply(seq uint64, created []*arena.Arena, reserves, frees []*Action) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, a := range created {
		a.Publish()
		b.hdr.Directory[a.ID()] = uint8(a.Class() + 1)
		b.dirty = true
	}
	var errs []error
	for _, act := range reserves {
		if err := b.arenas[act.arena].ApplyReserve(act.addr); err != nil {
			errs = append(errs, fmt.Errorf("apply reserve %#x: %w", act.addr, err))
		}
	}
	for _, act := range frees {
		if err := b.arenas[act.arena].ApplyFree(act.addr); err != nil {
			errs = append(errs, fmt.Errorf("apply free %#x: %w", act.addr, err))
		}
	}
	b.seq = seq
	if len(errs) > 0 {
		return fmt.Errorf("batch %d applied inconsistently: %w", seq, errors.Join(errs...))
	}
	return nil
}

// abort undoes the in-memory effects of a transaction that was not made
// durable.
func (b *Blob) abort(reserves, frees []*Action) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.arenas == nil {
		return
	}
	for _, act := range reserves {
		a := b.arenas[act.arena]
		if a == nil {
			continue
		}
		if empty, err := a.Cancel(act.addr); err == nil && empty {
			b.dropArena(a)
		}
	}
	for _, act := range frees {
		if a := b.arenas[act.arena]; a != nil {
			a.UnstageFree(act.addr)
		}
	}
}
