// Package filestore provides a store.Store backed by a local directory.
//
// The blob's address space lives in a sparse data file that is memory-mapped
// read-write. Batches go to a write-ahead log next to it. Batches submitted
// with store.FlagDeferred share a group fsync; all others are synced
// individually before WALSubmit returns.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/hupe1980/admem/internal/fs"
	"github.com/hupe1980/admem/internal/mmap"
	"github.com/hupe1980/admem/internal/wal"
	"github.com/hupe1980/admem/store"
)

const (
	// DataFile is the name of the data file inside the store directory.
	DataFile = "blob.dat"
	// WALFile is the name of the write-ahead log inside the store directory.
	WALFile = "wal.log"
)

// Options configures a Store.
type Options struct {
	// FS is used for the write-ahead log. Defaults to fs.Default.
	FS fs.FileSystem
	// Compress frames WAL payloads with zstd.
	Compress bool
}

// Store is a store.Store over a memory-mapped file and a WAL.
type Store struct {
	mu   sync.RWMutex
	data *mmap.Mapping
	log  *wal.WAL

	seqMu sync.Mutex
	next  uint64 // next sequence to hand out
	last  uint64 // last submitted sequence

	closed bool
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.Sizer        = (*Store)(nil)
	_ store.Replayer     = (*Store)(nil)
	_ store.Checkpointer = (*Store)(nil)
)

// Open opens or creates a store of size bytes in dir. The sequence counter
// resumes after the highest sequence found in the log.
func Open(dir string, size uint64, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{FS: fs.Default}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.FS == nil {
		opts.FS = fs.Default
	}

	if err := opts.FS.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	data, err := mmap.OpenWritable(filepath.Join(dir, DataFile), int64(size))
	if err != nil {
		return nil, fmt.Errorf("filestore: map data file: %w", err)
	}
	// Headers are touched at arena granularity, never sequentially.
	_ = data.Advise(mmap.AccessRandom)

	log, err := wal.Open(opts.FS, filepath.Join(dir, WALFile), func(o *wal.Options) {
		o.Durability = wal.DurabilitySync
		o.Compress = opts.Compress
	})
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("filestore: open wal: %w", err)
	}

	s := &Store{data: data, log: log}
	if err := s.recoverSequence(); err != nil {
		log.Close()
		data.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) recoverSequence() error {
	var high, last uint64
	err := s.scan(func(rec *wal.Record) error {
		high = max(high, rec.LSN)
		if rec.Type == wal.RecordTypeBatch {
			last = max(last, rec.LSN)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.next = high + 1
	s.last = max(last, high)
	return nil
}

func (s *Store) scan(fn func(*wal.Record) error) error {
	r, err := s.log.Reader()
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("filestore: read wal: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Size implements store.Sizer.
func (s *Store) Size() uint64 { return uint64(s.data.Size()) }

// Read implements store.Store.
func (s *Store) Read(_ context.Context, r store.Region, dst []byte) error {
	if err := store.CheckRegion(r, dst, s.Size()); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	_, err := s.data.ReadAt(dst, int64(r.Addr))
	return err
}

// Write implements store.Store. The bytes are msynced before it returns.
func (s *Store) Write(_ context.Context, r store.Region, src []byte) error {
	if err := store.CheckRegion(r, src, s.Size()); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	_, err := s.data.WriteAt(src, int64(r.Addr))
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return s.data.SyncRange(int64(r.Addr), int64(r.Size))
}

// WALReserve implements store.Store.
func (s *Store) WALReserve(_ context.Context) (uint64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	seq := s.next
	s.next++
	return seq, nil
}

// WALSubmit implements store.Store.
func (s *Store) WALSubmit(_ context.Context, b *store.Batch) error {
	payload, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	rec := &wal.Record{Type: wal.RecordTypeBatch, LSN: b.Seq, Payload: payload}

	s.seqMu.Lock()
	if s.closed {
		s.seqMu.Unlock()
		return store.ErrClosed
	}
	if b.Seq <= s.last || b.Seq >= s.next {
		s.seqMu.Unlock()
		return fmt.Errorf("%w: %d (last %d, next %d)", store.ErrSequence, b.Seq, s.last, s.next)
	}
	s.last = b.Seq

	if b.Flags&store.FlagDeferred == 0 {
		defer s.seqMu.Unlock()
		return s.log.AppendSync(rec)
	}

	// Ordering is fixed once the record is buffered; the fsync is shared.
	offset, err := s.log.AppendAsync(rec)
	s.seqMu.Unlock()
	if err != nil {
		return err
	}
	return s.log.WaitFor(offset)
}

// Replay implements store.Replayer.
func (s *Store) Replay(ctx context.Context, after uint64, fn func(*store.Batch) error) error {
	return s.scan(func(rec *wal.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec.Type != wal.RecordTypeBatch || rec.LSN <= after {
			return nil
		}
		b, err := store.DecodeBatch(rec.Payload)
		if err != nil {
			return err
		}
		if b.Seq != rec.LSN {
			return fmt.Errorf("%w: record %d carries batch %d", store.ErrCorruptBatch, rec.LSN, b.Seq)
		}
		return fn(b)
	})
}

// Checkpoint implements store.Checkpointer. The log is rewritten to hold a
// checkpoint record followed by the batches newer than seq.
func (s *Store) Checkpoint(_ context.Context, seq uint64) error {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	s.mu.RLock()
	err := s.data.Sync()
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	keep := []*wal.Record{{Type: wal.RecordTypeCheckpoint, LSN: s.next - 1}}
	err = s.scan(func(rec *wal.Record) error {
		if rec.Type == wal.RecordTypeBatch && rec.LSN > seq {
			keep = append(keep, rec)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.log.Truncate(keep...)
}

// Close syncs and closes the data file and the log.
func (s *Store) Close() error {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.closed = true

	return errors.Join(s.log.Close(), s.data.Sync(), s.data.Close())
}
