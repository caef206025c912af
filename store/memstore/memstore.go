// Package memstore provides an in-memory store.Store.
//
// The backing region is sparse: pages are only allocated when written, so a
// 256 MiB blob costs a few pages of memory until it is used. Submitted
// batches are kept in memory and can be replayed, which makes the store a
// convenient stand-in for a durable backend in tests.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/admem/store"
)

const pageSize = 64 << 10

// Store is an in-memory store.Store.
type Store struct {
	mu      sync.RWMutex
	size    uint64
	pages   map[uint64][]byte
	next    uint64 // next sequence to hand out
	last    uint64 // highest submitted or invalidated sequence
	log     []*store.Batch
	closed  bool
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.Sizer        = (*Store)(nil)
	_ store.Replayer     = (*Store)(nil)
	_ store.Checkpointer = (*Store)(nil)
)

// New returns an empty store of size bytes.
func New(size uint64) *Store {
	return &Store{
		size:  size,
		pages: make(map[uint64][]byte),
		next:  1,
	}
}

// Size implements store.Sizer.
func (s *Store) Size() uint64 { return s.size }

// Read implements store.Store.
func (s *Store) Read(_ context.Context, r store.Region, dst []byte) error {
	if err := store.CheckRegion(r, dst, s.size); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}

	for off := uint64(0); off < r.Size; {
		addr := r.Addr + off
		idx, in := addr/pageSize, addr%pageSize
		n := min(pageSize-in, r.Size-off)
		if p, ok := s.pages[idx]; ok {
			copy(dst[off:off+n], p[in:in+n])
		} else {
			clear(dst[off : off+n])
		}
		off += n
	}
	return nil
}

// Write implements store.Store. The write is applied under the store lock, so
// concurrent readers never observe a partial region.
func (s *Store) Write(_ context.Context, r store.Region, src []byte) error {
	if err := store.CheckRegion(r, src, s.size); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	for off := uint64(0); off < r.Size; {
		addr := r.Addr + off
		idx, in := addr/pageSize, addr%pageSize
		n := min(pageSize-in, r.Size-off)
		p, ok := s.pages[idx]
		if !ok {
			p = make([]byte, pageSize)
			s.pages[idx] = p
		}
		copy(p[in:in+n], src[off:off+n])
		off += n
	}
	return nil
}

// WALReserve implements store.Store.
func (s *Store) WALReserve(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	seq := s.next
	s.next++
	return seq, nil
}

// WALSubmit implements store.Store. The batch is deep-copied. Sequences must
// be reserved and ascending; a reserved sequence below the last submitted one
// can no longer be used.
func (s *Store) WALSubmit(_ context.Context, b *store.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if b.Seq >= s.next {
		return fmt.Errorf("%w: %d was not reserved", store.ErrSequence, b.Seq)
	}
	if b.Seq <= s.last {
		return fmt.Errorf("%w: %d after %d", store.ErrSequence, b.Seq, s.last)
	}
	s.last = b.Seq
	s.log = append(s.log, cloneBatch(b))
	return nil
}

// Replay implements store.Replayer.
func (s *Store) Replay(_ context.Context, after uint64, fn func(*store.Batch) error) error {
	s.mu.RLock()
	batches := make([]*store.Batch, 0, len(s.log))
	for _, b := range s.log {
		if b.Seq > after {
			batches = append(batches, cloneBatch(b))
		}
	}
	s.mu.RUnlock()

	for _, b := range batches {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint implements store.Checkpointer.
func (s *Store) Checkpoint(_ context.Context, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := 0
	for i < len(s.log) && s.log[i].Seq <= seq {
		i++
	}
	s.log = append(s.log[:0:0], s.log[i:]...)
	return nil
}

// Batches returns copies of the batches that are still in the log.
func (s *Store) Batches() []*store.Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Batch, len(s.log))
	for i, b := range s.log {
		out[i] = cloneBatch(b)
	}
	return out
}

// Close makes every later operation fail with store.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Reopen clears the closed flag, keeping the contents. Together with Close it
// models a process restart against the same durable state: sequences reserved
// before the restart are no longer accepted.
func (s *Store) Reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
	s.last = s.next - 1
}

func cloneBatch(b *store.Batch) *store.Batch {
	c := *b
	c.Mutations = append([]store.Mutation(nil), b.Mutations...)
	return &c
}
