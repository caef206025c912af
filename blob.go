package admem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/admem/catalog"
	"github.com/hupe1980/admem/internal/arena"
	"github.com/hupe1980/admem/internal/format"
	"github.com/hupe1980/admem/store"
)

type blobState uint8

const (
	statePrepared blobState = iota
	stateReady
	stateFailed
	stateClosed
)

func (s blobState) String() string {
	switch s {
	case statePrepared:
		return "prepared"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	default:
		return "closed"
	}
}

// Blob is a handle to one blob. All methods are safe for concurrent use.
type Blob struct {
	m       *Manager
	name    string
	entry   catalog.Entry
	create  bool
	logger  *Logger
	metrics MetricsCollector

	// unlisted is set while opening a name the catalog does not know.
	unlisted bool

	// mu guards everything below. Arena locks are taken after mu.
	mu      sync.RWMutex
	state   blobState
	st      store.Store
	hdr     *format.Header
	arenas  []*arena.Arena    // indexed by arena id
	byClass []*roaring.Bitmap // arena ids per class, published or not
	freeIDs *roaring.Bitmap   // ids never created
	dirty   bool              // directory changed since the last header write

	// commitMu serializes WAL submission, apply, and metadata writes.
	commitMu sync.Mutex
	// seq is the last applied sequence. Writers hold commitMu and mu.
	seq uint64
}

func newBlob(m *Manager, entry catalog.Entry, create bool) *Blob {
	return &Blob{
		m:       m,
		name:    entry.Name,
		entry:   entry,
		create:  create,
		logger:  m.opts.logger.WithName(entry.Name),
		metrics: m.opts.metricsCollector,
		state:   statePrepared,
	}
}

// Name returns the blob name.
func (b *Blob) Name() string { return b.name }

// Size returns the blob size in bytes. It is 0 for a handle prepared for an
// uncataloged name until FinishOpen has read the header.
func (b *Blob) Size() uint64 { return b.entry.Size }

// Bind attaches the store. It must be called exactly once between the
// prepare and finish steps.
func (b *Blob) Bind(s store.Store) error {
	if s == nil {
		return misuse("nil store")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != statePrepared {
		return misuse("bind on %s blob", b.state)
	}
	if b.st != nil {
		return misuse("store already bound")
	}
	b.st = s
	return nil
}

// FinishCreate writes the initial header and marks the blob ready.
func (b *Blob) FinishCreate(ctx context.Context) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkFinish(true); err != nil {
		return err
	}
	defer func() {
		b.logger.LogCreate(ctx, b.entry.Size, len(b.hdr.Directory), err)
		if err != nil {
			b.fail()
		}
	}()

	if sz, ok := b.st.(store.Sizer); ok && sz.Size() < b.hdr.Size {
		return &SizeMismatchError{Source: "store", Expected: b.hdr.Size, Actual: sz.Size()}
	}
	if err := b.writeHeader(ctx, b.hdr); err != nil {
		return err
	}

	b.entry.State = catalog.StateReady
	if err := b.m.opts.catalog.Put(ctx, b.entry); err != nil {
		return fmt.Errorf("mark %q ready: %w", b.name, err)
	}

	b.initTables()
	b.state = stateReady
	return nil
}

// FinishOpen loads the header and arenas, replays the WAL and marks the blob
// ready.
func (b *Blob) FinishOpen(ctx context.Context) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkFinish(false); err != nil {
		return err
	}
	loaded := 0
	defer func() {
		var inc uint64
		if b.hdr != nil {
			inc = b.hdr.Incarnation
		}
		b.logger.LogOpen(ctx, loaded, inc, err)
		if err != nil {
			b.fail()
		}
	}()

	buf := make([]byte, format.HeaderSize)
	if err := b.st.Read(ctx, store.Region{Addr: 0, Size: format.HeaderSize}, buf); err != nil {
		return storeError("read header", err)
	}
	hdr, err := format.DecodeHeader(buf)
	if err != nil {
		if b.unlisted && isZero(buf) {
			return fmt.Errorf("%w: no blob header in store for %q", ErrNotFound, b.name)
		}
		return &CorruptHeaderError{cause: err}
	}
	if b.unlisted {
		b.entry.Size = hdr.Size
		b.entry.ArenaSize = hdr.ArenaSize
	} else if hdr.Size != b.entry.Size {
		return &SizeMismatchError{Source: "catalog", Expected: hdr.Size, Actual: b.entry.Size}
	}
	if sz, ok := b.st.(store.Sizer); ok && sz.Size() < hdr.Size {
		return &SizeMismatchError{Source: "store", Expected: hdr.Size, Actual: sz.Size()}
	}
	b.hdr = hdr
	b.initTables()

	if loaded, err = b.loadArenas(ctx); err != nil {
		return err
	}
	if err := b.replay(ctx); err != nil {
		return err
	}
	if _, err := b.writeArenas(ctx, b.dirtyArenas()); err != nil {
		return err
	}

	next := *b.hdr
	next.Committed = b.seq
	next.Incarnation++
	if err := b.writeHeader(ctx, &next); err != nil {
		return err
	}
	b.hdr.Committed = next.Committed
	b.hdr.Incarnation = next.Incarnation
	b.dirty = false

	if b.unlisted {
		b.entry.State = catalog.StateReady
		b.entry.Created = time.Now().UTC()
		if err := b.m.opts.catalog.Create(ctx, b.entry); err != nil {
			return fmt.Errorf("register %q: %w", b.name, translateError(err))
		}
		b.unlisted = false
	}
	b.state = stateReady
	return nil
}

func isZero(buf []byte) bool {
	for _, c := range buf {
		if c != 0 {
			return false
		}
	}
	return true
}

func (b *Blob) checkFinish(create bool) error {
	if b.state != statePrepared {
		return misuse("finish on %s blob", b.state)
	}
	if b.create != create {
		if create {
			return misuse("FinishCreate on a blob prepared for open")
		}
		return misuse("FinishOpen on a blob prepared for create")
	}
	if b.st == nil {
		return misuse("no store bound")
	}
	return nil
}

// fail marks the handle unusable and releases it. Caller holds b.mu.
func (b *Blob) fail() {
	b.state = stateFailed
	b.m.release(b)
}

func (b *Blob) initTables() {
	n := len(b.hdr.Directory)
	b.arenas = make([]*arena.Arena, n)
	b.byClass = make([]*roaring.Bitmap, len(b.hdr.Classes))
	for i := range b.byClass {
		b.byClass[i] = roaring.New()
	}
	b.freeIDs = roaring.New()
	b.freeIDs.AddRange(1, uint64(n))
}

// arenaBase returns the address of the first unit of arena id.
func (b *Blob) arenaBase(id uint32) uint64 {
	return uint64(id)*b.hdr.ArenaSize + format.ArenaHeaderSize
}

// newArena creates an empty arena and registers it. Caller holds b.mu.
func (b *Blob) newArena(id, class uint32) *arena.Arena {
	unit := b.hdr.Classes[class]
	a := arena.New(id, class, unit, format.UnitsFor(unit, b.hdr.ArenaSize), b.arenaBase(id))
	b.addArena(a)
	return a
}

func (b *Blob) addArena(a *arena.Arena) {
	b.arenas[a.ID()] = a
	b.byClass[a.Class()].Add(a.ID())
	b.freeIDs.Remove(a.ID())
}

// dropArena discards an unpublished arena without reservations. Caller holds b.mu.
func (b *Blob) dropArena(a *arena.Arena) {
	if b.arenas[a.ID()] != a || !a.Droppable() {
		return
	}
	b.arenas[a.ID()] = nil
	b.byClass[a.Class()].Remove(a.ID())
	b.freeIDs.Add(a.ID())
}

// arenaOf returns the arena containing addr, or nil. Caller holds b.mu.
func (b *Blob) arenaOf(addr uint64) *arena.Arena {
	id := addr / b.hdr.ArenaSize
	if id == 0 || id >= uint64(len(b.arenas)) {
		return nil
	}
	return b.arenas[id]
}

func (b *Blob) loadArenas(ctx context.Context) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	if n := b.m.opts.openConcurrency; n > 0 {
		g.SetLimit(n)
	}

	loaded := make([]*arena.Arena, len(b.hdr.Directory))
	for id := 1; id < len(b.hdr.Directory); id++ {
		d := b.hdr.Directory[id]
		if d == format.DirFree {
			continue
		}
		g.Go(func() error {
			a, err := b.loadArena(gctx, uint32(id), uint32(d-1))
			if err != nil {
				return err
			}
			loaded[id] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	count := 0
	for _, a := range loaded {
		if a != nil {
			b.addArena(a)
			count++
		}
	}
	return count, nil
}

func (b *Blob) loadArena(ctx context.Context, id, class uint32) (*arena.Arena, error) {
	unit := b.hdr.Classes[class]
	units := format.UnitsFor(unit, b.hdr.ArenaSize)
	buf := make([]byte, format.ArenaEncodedLen(units))
	r := store.Region{Addr: uint64(id) * b.hdr.ArenaSize, Size: uint64(len(buf))}
	if err := b.st.Read(ctx, r, buf); err != nil {
		return nil, storeError(fmt.Sprintf("read arena %d", id), err)
	}

	h, err := format.DecodeArena(buf)
	if err != nil {
		return nil, &CorruptHeaderError{Arena: id, cause: err}
	}
	if h.ID != id || h.Class != class || h.Unit != unit || h.Units != units {
		return nil, &CorruptHeaderError{Arena: id, cause: fmt.Errorf("%w: header describes arena %d class %d unit %d x %d",
			format.ErrLayout, h.ID, h.Class, h.Unit, h.Units)}
	}
	a, err := arena.FromHeader(h, b.arenaBase(id))
	if err != nil {
		return nil, &CorruptHeaderError{Arena: id, cause: err}
	}
	return a, nil
}

func (b *Blob) writeHeader(ctx context.Context, h *format.Header) error {
	buf := h.Encode()
	if err := b.st.Write(ctx, store.Region{Addr: 0, Size: uint64(len(buf))}, buf); err != nil {
		return storeError("write header", err)
	}
	return nil
}

// Checkpoint writes all dirty metadata, records the last applied sequence in
// the header and lets the store discard older WAL batches.
func (b *Blob) Checkpoint(ctx context.Context) error {
	b.commitMu.Lock()
	defer b.commitMu.Unlock()

	b.mu.RLock()
	if b.state != stateReady {
		b.mu.RUnlock()
		return misuse("checkpoint on %s blob", b.state)
	}
	b.mu.RUnlock()
	return b.checkpoint(ctx)
}

// checkpoint requires commitMu.
func (b *Blob) checkpoint(ctx context.Context) error {
	n, err := b.flushArenas(ctx)
	b.logger.LogFlush(ctx, n, err)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.hdr.Committed == b.seq && !b.dirty {
		b.mu.Unlock()
	} else {
		next := *b.hdr
		next.Directory = append([]uint8(nil), b.hdr.Directory...)
		next.Committed = b.seq
		b.mu.Unlock()
		if err := b.writeHeader(ctx, &next); err != nil {
			return err
		}
		b.mu.Lock()
		b.hdr.Committed = next.Committed
		b.dirty = false
		b.mu.Unlock()
	}

	if c, ok := b.st.(store.Checkpointer); ok {
		if err := c.Checkpoint(ctx, b.seq); err != nil {
			return storeError("checkpoint", err)
		}
	}
	return nil
}

// Close checkpoints the blob and releases the handle. The handle is released
// even if the checkpoint fails; committed batches are replayed on the next
// open.
func (b *Blob) Close(ctx context.Context) (err error) {
	b.commitMu.Lock()
	defer b.commitMu.Unlock()

	b.mu.Lock()
	switch b.state {
	case stateReady:
	case statePrepared:
		b.state = stateClosed
		b.mu.Unlock()
		b.m.release(b)
		if b.create {
			if err := b.m.opts.catalog.Delete(ctx, b.name); err != nil && !errors.Is(err, catalog.ErrNotFound) {
				return err
			}
		}
		return nil
	default:
		st := b.state
		b.mu.Unlock()
		return misuse("close on %s blob", st)
	}
	b.mu.Unlock()

	err = b.checkpoint(ctx)
	b.logger.LogClose(ctx, b.seq, err)

	b.mu.Lock()
	b.state = stateClosed
	b.arenas = nil
	b.byClass = nil
	b.mu.Unlock()
	b.m.release(b)
	return err
}

// Stats returns a summary of the blob. A handle that is not ready reports
// zero values.
func (b *Blob) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state != stateReady {
		return Stats{}
	}

	s := Stats{Committed: b.seq, Incarnation: b.hdr.Incarnation}
	for _, a := range b.arenas {
		if a == nil {
			continue
		}
		s.Arenas++
		if a.Published() {
			s.PublishedArenas++
		}
		used, reserved, free := a.Stats()
		s.UsedUnits += uint64(used)
		s.ReservedUnits += uint64(reserved)
		s.FreeUnits += uint64(free)
		s.UsedBytes += uint64(used) * uint64(a.Unit())
		s.ReservedBytes += uint64(reserved) * uint64(a.Unit())
	}
	return s
}
