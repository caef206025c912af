// Package badgerstore provides a store.Store backed by a Badger database.
//
// The address space is kept as 4 KiB page keys. A region write touches all of
// its pages in one transaction, so it is atomic. Submitted batches live under
// their own prefix and sequence numbers come from a Badger sequence, which
// stays monotonic across restarts.
package badgerstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/hupe1980/admem/internal/badgerutil"
	"github.com/hupe1980/admem/store"
)

// PageSize is the size of one page key.
const PageSize = 4096

var (
	sizeKey    = []byte("meta/size")
	seqKey     = []byte("meta/seq")
	pagePfx    = []byte("p/")
	walPfx     = []byte("w/")
	errCorrupt = errors.New("badgerstore: corrupt page")
)

// Options configures a Store.
type Options struct {
	// Logger receives Badger's log output. Nil discards it.
	Logger *slog.Logger
	// SeqBandwidth is the number of sequence numbers leased at once.
	// Default: 128.
	SeqBandwidth uint64
}

// Store is a store.Store backed by Badger.
type Store struct {
	db   *badger.DB
	seq  *badger.Sequence
	size uint64

	writeMu sync.Mutex

	mu       sync.Mutex
	reserved uint64 // highest sequence handed out
	last     uint64
	closed   bool
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.Sizer        = (*Store)(nil)
	_ store.Replayer     = (*Store)(nil)
	_ store.Checkpointer = (*Store)(nil)
)

// Open opens or creates a store of size bytes at path. An existing store
// keeps its recorded size.
func Open(path string, size uint64, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{SeqBandwidth: 128}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.SeqBandwidth == 0 {
		opts.SeqBandwidth = 128
	}

	db, err := badgerutil.Open(path, opts.Logger)
	if err != nil {
		return nil, err
	}
	s, err := newStore(db, size, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// InMemory returns a store of size bytes kept in an in-memory database.
func InMemory(size uint64, optFns ...func(o *Options)) (*Store, error) {
	return Open("", size, optFns...)
}

func newStore(db *badger.DB, size uint64, opts Options) (*Store, error) {
	err := db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(sizeKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set(sizeKey, binary.BigEndian.AppendUint64(nil, size))
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("badgerstore: invalid size record of %d bytes", len(val))
			}
			size = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("badgerstore: load size: %w", err)
	}

	seq, err := db.GetSequence(seqKey, opts.SeqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: sequence: %w", err)
	}

	s := &Store{db: db, seq: seq, size: size}
	if s.last, err = s.lastSubmitted(); err != nil {
		_ = seq.Release()
		return nil, err
	}
	return s, nil
}

func pageKey(idx uint64) []byte { return binary.BigEndian.AppendUint64(append([]byte(nil), pagePfx...), idx) }

func walKey(seq uint64) []byte { return binary.BigEndian.AppendUint64(append([]byte(nil), walPfx...), seq) }

func (s *Store) lastSubmitted() (uint64, error) {
	var last uint64
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: walPfx, Reverse: true})
		defer it.Close()
		// Reverse iteration starts at the largest key not above the seek key.
		it.Seek(walKey(^uint64(0)))
		if it.ValidForPrefix(walPfx) {
			last = binary.BigEndian.Uint64(it.Item().Key()[len(walPfx):])
		}
		return nil
	})
	return last, err
}

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

// DB returns the underlying database.
func (s *Store) DB() *badger.DB { return s.db }

func getPage(txn *badger.Txn, idx uint64, dst []byte) error {
	item, err := txn.Get(pageKey(idx))
	if errors.Is(err, badger.ErrKeyNotFound) {
		clear(dst)
		return nil
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		if len(val) != PageSize {
			return fmt.Errorf("%w: page %d has %d bytes", errCorrupt, idx, len(val))
		}
		copy(dst, val)
		return nil
	})
}

// Read implements store.Store. All pages are read from one snapshot.
func (s *Store) Read(_ context.Context, r store.Region, dst []byte) error {
	if err := store.CheckRegion(r, dst, s.size); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	page := make([]byte, PageSize)
	return s.db.View(func(txn *badger.Txn) error {
		for off := uint64(0); off < r.Size; {
			addr := r.Addr + off
			idx, in := addr/PageSize, addr%PageSize
			n := min(PageSize-in, r.Size-off)
			if err := getPage(txn, idx, page); err != nil {
				return err
			}
			copy(dst[off:off+n], page[in:in+n])
			off += n
		}
		return nil
	})
}

// Write implements store.Store.
func (s *Store) Write(_ context.Context, r store.Region, src []byte) error {
	if err := store.CheckRegion(r, src, s.size); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		for off := uint64(0); off < r.Size; {
			addr := r.Addr + off
			idx, in := addr/PageSize, addr%PageSize
			n := min(PageSize-in, r.Size-off)

			page := make([]byte, PageSize)
			if n < PageSize {
				if err := getPage(txn, idx, page); err != nil {
					return err
				}
			}
			copy(page[in:in+n], src[off:off+n])
			if err := txn.Set(pageKey(idx), page); err != nil {
				return fmt.Errorf("badgerstore: write page %d: %w", idx, err)
			}
			off += n
		}
		return nil
	})
}

// WALReserve implements store.Store. Badger sequences start at zero, which is
// never handed out.
func (s *Store) WALReserve(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	n, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("badgerstore: next sequence: %w", err)
	}
	seq := n + 1
	s.reserved = max(s.reserved, seq)
	return seq, nil
}

// WALSubmit implements store.Store. Writes are synced, so the batch is
// durable when Update returns.
func (s *Store) WALSubmit(_ context.Context, b *store.Batch) error {
	payload, err := b.MarshalBinary()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	if b.Seq <= s.last || b.Seq > s.reserved {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d (last %d, reserved %d)", store.ErrSequence, b.Seq, s.last, s.reserved)
	}
	s.last = b.Seq
	s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(walKey(b.Seq), payload)
	})
}

// Replay implements store.Replayer.
func (s *Store) Replay(ctx context.Context, after uint64, fn func(*store.Batch) error) error {
	var batches []*store.Batch
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: walPfx, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Seek(walKey(after + 1)); it.ValidForPrefix(walPfx); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			seq := binary.BigEndian.Uint64(item.Key()[len(walPfx):])
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			b, err := store.DecodeBatch(data)
			if err != nil {
				return err
			}
			if b.Seq != seq {
				return fmt.Errorf("%w: key %d carries batch %d", store.ErrCorruptBatch, seq, b.Seq)
			}
			batches = append(batches, b)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// fn runs outside the read transaction.
	for _, b := range batches {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint implements store.Checkpointer.
func (s *Store) Checkpoint(_ context.Context, seq uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: walPfx})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(walPfx); it.Next() {
			k := it.Item().KeyCopy(nil)
			if binary.BigEndian.Uint64(k[len(walPfx):]) > seq {
				break
			}
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Close releases the leased sequence range and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.closed = true
	return errors.Join(s.seq.Release(), s.db.Close())
}
