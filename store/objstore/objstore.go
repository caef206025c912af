// Package objstore provides a store.Store on top of a blobstore.Store.
//
// The address space is cut into fixed-size pages, each kept as one
// LZ4-compressed object named pages/<index>. Pages that were never written
// read as zeros. Every submitted batch becomes a zstd-compressed object
// wal/<seq>; a checkpoint records its sequence in wal/CHECKPOINT and deletes
// the batches it covers.
//
// A region that fits inside one page is written atomically, which holds for
// blob and arena headers as long as the page size is at least 32 KiB and
// divides the arena size.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/hupe1980/admem/blobstore"
	"github.com/hupe1980/admem/codec"
	"github.com/hupe1980/admem/internal/cache"
	"github.com/hupe1980/admem/internal/compress"
	"github.com/hupe1980/admem/internal/resource"
	"github.com/hupe1980/admem/store"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPageSize is the size of one page object.
	DefaultPageSize = 64 << 10

	metaName       = "META"
	pagePrefix     = "pages/"
	walPrefix      = "wal/"
	checkpointName = walPrefix + "CHECKPOINT"
)

var (
	// ErrInvalidPageSize is returned for a page size that is not a power of two.
	ErrInvalidPageSize = errors.New("objstore: page size must be a power of two")
	// ErrLayoutMismatch is returned when the objects were written with a different page size.
	ErrLayoutMismatch = errors.New("objstore: layout mismatch")
)

// Sequencer hands out WAL sequence numbers. s3.DDBSequencer implements it.
type Sequencer interface {
	Next(ctx context.Context) (uint64, error)
}

// Options configures a Store.
type Options struct {
	// PageSize is the size of one page object. Default: 64 KiB.
	PageSize int
	// Sequencer replaces the in-process sequence counter.
	Sequencer Sequencer
	// Resources limits request concurrency and IO bandwidth. Optional.
	Resources *resource.Controller
	// Cache keeps decoded pages. Optional.
	Cache cache.BlockCache
	// Codec encodes the layout object. Default: codec.Default.
	Codec codec.Codec
}

type meta struct {
	Size     uint64 `json:"size"`
	PageSize int    `json:"page_size"`
}

// Store is a store.Store over object storage.
type Store struct {
	bs       blobstore.Store
	size     uint64
	pageSize uint64
	seqr     Sequencer
	rc       *resource.Controller
	pages    cache.BlockCache

	// pageMu is held shared by readers and exclusively by writers, so a
	// page is never cached from a fetch that raced with its rewrite.
	pageMu sync.RWMutex

	mu     sync.Mutex
	next   uint64
	last   uint64
	closed bool
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.Sizer        = (*Store)(nil)
	_ store.Replayer     = (*Store)(nil)
	_ store.Checkpointer = (*Store)(nil)
)

// Open opens or initializes the objects in bs as a store of size bytes.
// An existing layout keeps its recorded size, which Size reports.
func Open(ctx context.Context, bs blobstore.Store, size uint64, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{PageSize: DefaultPageSize, Codec: codec.Default}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.PageSize <= 0 || opts.PageSize&(opts.PageSize-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageSize, opts.PageSize)
	}

	m := meta{Size: size, PageSize: opts.PageSize}
	data, err := blobstore.ReadAll(ctx, bs, metaName)
	switch {
	case err == nil:
		var stored meta
		if err := codec.Open(data, &stored); err != nil {
			return nil, fmt.Errorf("objstore: decode layout: %w", err)
		}
		if stored.PageSize != opts.PageSize {
			return nil, fmt.Errorf("%w: page size %d, want %d", ErrLayoutMismatch, stored.PageSize, opts.PageSize)
		}
		m = stored
	case errors.Is(err, blobstore.ErrNotFound):
		sealed, err := codec.Seal(opts.Codec, m)
		if err != nil {
			return nil, err
		}
		if err := bs.Put(ctx, metaName, sealed); err != nil {
			return nil, fmt.Errorf("objstore: write layout: %w", err)
		}
	default:
		return nil, fmt.Errorf("objstore: read layout: %w", err)
	}

	s := &Store{
		bs:       bs,
		size:     m.Size,
		pageSize: uint64(m.PageSize),
		seqr:     opts.Sequencer,
		rc:       opts.Resources,
		pages:    opts.Cache,
	}
	if err := s.recoverSequence(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) recoverSequence(ctx context.Context) error {
	high, err := s.checkpointed(ctx)
	if err != nil {
		return err
	}
	seqs, err := s.walSeqs(ctx)
	if err != nil {
		return err
	}
	if n := len(seqs); n > 0 {
		high = max(high, seqs[n-1])
	}
	s.next = high + 1
	s.last = high
	return nil
}

func (s *Store) checkpointed(ctx context.Context) (uint64, error) {
	data, err := blobstore.ReadAll(ctx, s.bs, checkpointName)
	if errors.Is(err, blobstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("objstore: read checkpoint: %w", err)
	}
	seq, err := strconv.ParseUint(string(data), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("objstore: parse checkpoint: %w", err)
	}
	return seq, nil
}

// walSeqs lists the sequences of the batch objects in ascending order.
func (s *Store) walSeqs(ctx context.Context) ([]uint64, error) {
	names, err := s.bs.List(ctx, walPrefix)
	if err != nil {
		return nil, fmt.Errorf("objstore: list wal: %w", err)
	}
	seqs := make([]uint64, 0, len(names))
	for _, name := range names {
		if name == checkpointName {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimPrefix(name, walPrefix), 16, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	// Fixed-width hex names list in numeric order.
	return seqs, nil
}

func pageName(idx uint64) string { return fmt.Sprintf("%s%016x", pagePrefix, idx) }

func walName(seq uint64) string { return fmt.Sprintf("%s%016x", walPrefix, seq) }

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// Size implements store.Sizer.
func (s *Store) Size() uint64 { return s.size }

// get fetches and decodes an object under the request and IO limits.
func (s *Store) get(ctx context.Context, name string, t compress.Type) ([]byte, error) {
	if err := s.rc.AcquireRequest(ctx); err != nil {
		return nil, err
	}
	defer s.rc.ReleaseRequest()

	data, err := blobstore.ReadAll(ctx, s.bs, name)
	if err != nil {
		return nil, err
	}
	if err := s.rc.AcquireIO(ctx, len(data)); err != nil {
		return nil, err
	}
	return compress.Decompress(data, t)
}

func (s *Store) put(ctx context.Context, name string, raw []byte, t compress.Type) error {
	framed, err := compress.Compress(raw, t)
	if err != nil {
		return err
	}
	if err := s.rc.AcquireRequest(ctx); err != nil {
		return err
	}
	defer s.rc.ReleaseRequest()
	if err := s.rc.AcquireIO(ctx, len(framed)); err != nil {
		return err
	}
	return s.bs.Put(ctx, name, framed)
}

func pageKey(idx uint64) cache.Key {
	return cache.Key{Kind: cache.KindPage, Name: pageName(idx), Offset: idx}
}

func (s *Store) cachePage(ctx context.Context, idx uint64, page []byte) {
	if s.pages != nil {
		s.pages.Set(ctx, pageKey(idx), bytes.Clone(page))
	}
}

// readPage returns a private copy of page idx; missing pages are zero.
// Callers hold pageMu.
func (s *Store) readPage(ctx context.Context, idx uint64) ([]byte, error) {
	page := make([]byte, s.pageSize)
	if s.pages != nil {
		if cached, ok := s.pages.Get(ctx, pageKey(idx)); ok {
			copy(page, cached)
			return page, nil
		}
	}

	data, err := s.get(ctx, pageName(idx), compress.LZ4)
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("objstore: read page %d: %w", idx, err)
	case uint64(len(data)) != s.pageSize:
		return nil, fmt.Errorf("objstore: page %d: %w", idx, compress.ErrCorrupt)
	default:
		copy(page, data)
	}
	s.cachePage(ctx, idx, page)
	return page, nil
}

// Read implements store.Store. Pages are fetched concurrently.
func (s *Store) Read(ctx context.Context, r store.Region, dst []byte) error {
	if err := store.CheckRegion(r, dst, s.size); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	if r.Size == 0 {
		return nil
	}

	s.pageMu.RLock()
	defer s.pageMu.RUnlock()

	first, last := r.Addr/s.pageSize, (r.End()-1)/s.pageSize
	g, gctx := errgroup.WithContext(ctx)
	for idx := first; idx <= last; idx++ {
		g.Go(func() error {
			page, err := s.readPage(gctx, idx)
			if err != nil {
				return err
			}
			base := idx * s.pageSize
			from, to := max(base, r.Addr), min(base+s.pageSize, r.End())
			copy(dst[from-r.Addr:to-r.Addr], page[from-base:to-base])
			return nil
		})
	}
	return g.Wait()
}

// Write implements store.Store.
func (s *Store) Write(ctx context.Context, r store.Region, src []byte) error {
	if err := store.CheckRegion(r, src, s.size); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	if r.Size == 0 {
		return nil
	}

	s.pageMu.Lock()
	defer s.pageMu.Unlock()

	first, last := r.Addr/s.pageSize, (r.End()-1)/s.pageSize
	for idx := first; idx <= last; idx++ {
		base := idx * s.pageSize
		from, to := max(base, r.Addr), min(base+s.pageSize, r.End())

		var page []byte
		if from == base && to == base+s.pageSize {
			page = src[from-r.Addr : to-r.Addr]
		} else {
			var err error
			if page, err = s.readPage(ctx, idx); err != nil {
				return err
			}
			copy(page[from-base:to-base], src[from-r.Addr:to-r.Addr])
		}
		if err := s.put(ctx, pageName(idx), page, compress.LZ4); err != nil {
			if s.pages != nil {
				s.pages.Invalidate(cache.ForName(pageName(idx)))
			}
			return fmt.Errorf("objstore: write page %d: %w", idx, err)
		}
		s.cachePage(ctx, idx, page)
	}
	return nil
}

// WALReserve implements store.Store.
func (s *Store) WALReserve(ctx context.Context) (uint64, error) {
	if s.seqr != nil {
		if err := s.checkOpen(); err != nil {
			return 0, err
		}
		seq, err := s.seqr.Next(ctx)
		if err != nil {
			return 0, err
		}
		s.mu.Lock()
		s.next = max(s.next, seq+1)
		s.mu.Unlock()
		return seq, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	seq := s.next
	s.next++
	return seq, nil
}

// WALSubmit implements store.Store.
func (s *Store) WALSubmit(ctx context.Context, b *store.Batch) error {
	payload, err := b.MarshalBinary()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	if b.Seq <= s.last || b.Seq >= s.next {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d (last %d, next %d)", store.ErrSequence, b.Seq, s.last, s.next)
	}
	s.last = b.Seq
	s.mu.Unlock()

	return s.put(ctx, walName(b.Seq), payload, compress.Zstd)
}

// Replay implements store.Replayer.
func (s *Store) Replay(ctx context.Context, after uint64, fn func(*store.Batch) error) error {
	seqs, err := s.walSeqs(ctx)
	if err != nil {
		return err
	}
	for _, seq := range seqs {
		if seq <= after {
			continue
		}
		data, err := s.get(ctx, walName(seq), compress.Zstd)
		if err != nil {
			return fmt.Errorf("objstore: read batch %d: %w", seq, err)
		}
		b, err := store.DecodeBatch(data)
		if err != nil {
			return err
		}
		if b.Seq != seq {
			return fmt.Errorf("%w: object %d carries batch %d", store.ErrCorruptBatch, seq, b.Seq)
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint implements store.Checkpointer. The marker is written before any
// batch object is deleted, so the sequence never moves backwards.
func (s *Store) Checkpoint(ctx context.Context, seq uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	mark := max(seq, s.next-1)
	s.mu.Unlock()

	if err := s.bs.Put(ctx, checkpointName, []byte(strconv.FormatUint(mark, 16))); err != nil {
		return fmt.Errorf("objstore: write checkpoint: %w", err)
	}

	seqs, err := s.walSeqs(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, n := range seqs {
		if n > seq {
			break
		}
		g.Go(func() error {
			return s.bs.Delete(gctx, walName(n))
		})
	}
	return g.Wait()
}

// Close makes every later operation fail with store.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.closed = true
	return nil
}
