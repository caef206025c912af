package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hupe1980/admem/internal/fs"
)

// Durability controls the durability guarantees of Append.
type Durability int

const (
	// DurabilityAsync relies on OS page cache. Fast but risky.
	DurabilityAsync Durability = iota
	// DurabilitySync makes Append wait for a group fsync.
	DurabilitySync
)

const (
	walMagic      = "ADMEMWAL" // 8 bytes
	walVersion    = 1          // 4 bytes
	walHeaderSize = 12
)

var (
	ErrIncompatibleVersion = errors.New("incompatible WAL version")
	ErrInvalidHeader       = errors.New("invalid WAL header")
)

// Options configures a WAL.
type Options struct {
	Durability Durability
	// Compress frames record payloads with zstd.
	Compress bool
}

// DefaultOptions returns group-commit durability without compression.
func DefaultOptions() Options {
	return Options{Durability: DurabilitySync}
}

// WAL manages the write-ahead log file.
type WAL struct {
	mu   sync.Mutex
	fs   fs.FileSystem
	file fs.File
	cw   *countingWriter
	path string
	opts Options

	// Group commit state
	syncedOffset int64      // Offset known to be fsync'd
	syncing      bool       // Syncer is inside file.Sync
	syncCond     *sync.Cond // Signals the syncer that there is data to sync
	doneCond     *sync.Cond // Signals waiters that a sync completed
	closed       bool
	lastErr      error // Terminal error encountered by background syncer
	wg           sync.WaitGroup
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func (cw *countingWriter) Flush() error {
	return cw.w.Flush()
}

// Open opens or creates a WAL at the given path. A torn record at the tail
// of an existing log is cut off before new records are appended.
func Open(fsys fs.FileSystem, path string, optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if fsys == nil {
		fsys = fs.Default
	}

	end, err := recoverTail(fsys, path)
	if err != nil {
		return nil, err
	}

	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	offset := end
	if offset == 0 {
		if err := writeHeader(f); err != nil {
			f.Close()
			return nil, err
		}
		offset = walHeaderSize
	}

	w := &WAL{
		fs:           fsys,
		file:         f,
		cw:           &countingWriter{w: bufio.NewWriter(f), n: offset},
		path:         path,
		opts:         opts,
		syncedOffset: offset,
	}
	w.syncCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	if opts.Durability == DurabilitySync {
		w.wg.Add(1)
		go w.runSyncer()
	}

	return w, nil
}

func writeHeader(f fs.File) error {
	header := make([]byte, walHeaderSize)
	copy(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], uint32(walVersion))
	if _, err := f.Write(header); err != nil {
		return err
	}
	return f.Sync()
}

func checkHeader(f fs.File, size int64) error {
	if size < walHeaderSize {
		return fmt.Errorf("%w: file too small (%d < %d)", ErrInvalidHeader, size, walHeaderSize)
	}
	header := make([]byte, walHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return err
	}
	if string(header[0:8]) != walMagic {
		return fmt.Errorf("%w: invalid magic %q", ErrInvalidHeader, header[0:8])
	}
	if ver := binary.LittleEndian.Uint32(header[8:12]); ver != walVersion {
		return fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, walVersion)
	}
	return nil
}

// recoverTail validates an existing log and returns the offset just past the
// last intact record, truncating anything after it. Zero means no log.
func recoverTail(fsys fs.FileSystem, path string) (int64, error) {
	stat, err := fsys.Stat(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && stat.Size() == 0) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if err := checkHeader(f, stat.Size()); err != nil {
		return 0, err
	}
	if _, err := f.Seek(walHeaderSize, io.SeekStart); err != nil {
		return 0, err
	}

	r := &Reader{f: f, r: bufio.NewReader(f), offset: walHeaderSize}
	for {
		_, err := r.Next()
		if err == nil {
			continue
		}
		if err == io.EOF {
			return r.offset, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrInvalidCRC) || errors.Is(err, ErrRecordTooLarge) {
			break
		}
		return 0, err
	}

	if err := fsys.Truncate(path, r.offset); err != nil {
		return 0, err
	}
	return r.offset, nil
}

// Size returns the current size of the WAL in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cw.n
}

func (w *WAL) runSyncer() {
	defer w.wg.Done()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		for w.cw.n <= w.syncedOffset && !w.closed {
			w.syncCond.Wait()
		}

		if w.closed && w.cw.n <= w.syncedOffset {
			return
		}

		target := w.cw.n
		file := w.file

		w.syncing = true
		w.mu.Unlock()
		err := file.Sync()
		w.mu.Lock()
		w.syncing = false

		if err != nil {
			w.lastErr = fmt.Errorf("wal sync failed: %w", err)
			w.doneCond.Broadcast()
			return
		}

		if target > w.syncedOffset {
			w.syncedOffset = target
		}
		w.doneCond.Broadcast()
	}
}

// Append writes a record to the WAL.
// It respects the configured durability mode.
func (w *WAL) Append(rec *Record) error {
	offset, err := w.AppendAsync(rec)
	if err != nil {
		return err
	}
	if w.opts.Durability == DurabilitySync {
		return w.WaitFor(offset)
	}
	return nil
}

// AppendSync writes a record and fsyncs it before returning, regardless
// of the configured durability mode.
func (w *WAL) AppendSync(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.write(rec); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.lastErr = fmt.Errorf("wal sync failed: %w", err)
		w.doneCond.Broadcast()
		return w.lastErr
	}
	if w.cw.n > w.syncedOffset {
		w.syncedOffset = w.cw.n
	}
	w.doneCond.Broadcast()
	return nil
}

// AppendAsync writes a record to the WAL buffer but does not wait for sync.
// It returns the file offset of the end of the record.
func (w *WAL) AppendAsync(rec *Record) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.write(rec); err != nil {
		return 0, err
	}

	if w.opts.Durability == DurabilitySync {
		w.syncCond.Signal()
	}
	return w.cw.n, nil
}

// write encodes and flushes rec. Caller holds w.mu.
func (w *WAL) write(rec *Record) error {
	if w.closed {
		return os.ErrClosed
	}
	if w.lastErr != nil {
		return w.lastErr
	}

	buf, err := rec.encode(w.opts.Compress)
	if err != nil {
		return err
	}
	if _, err := w.cw.Write(buf); err != nil {
		return err
	}
	return w.cw.Flush()
}

// WaitFor waits until the WAL is synced up to the given offset.
func (w *WAL) WaitFor(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.syncedOffset < offset && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if w.closed && w.syncedOffset < offset {
		return os.ErrClosed
	}
	return nil
}

// Sync ensures all buffered writes are committed to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	if w.lastErr != nil {
		return w.lastErr
	}

	if err := w.cw.Flush(); err != nil {
		return err
	}

	if w.opts.Durability == DurabilityAsync {
		if err := w.file.Sync(); err != nil {
			return err
		}
		w.syncedOffset = w.cw.n
		return nil
	}

	target := w.cw.n
	w.syncCond.Signal()
	for w.syncedOffset < target && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	return w.lastErr
}

// Truncate atomically replaces the log with one holding only keep, in
// order. It is used after a checkpoint to drop records already reflected
// in persisted state.
func (w *WAL) Truncate(keep ...*Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if err := w.cw.Flush(); err != nil {
		return err
	}
	for w.syncing {
		w.doneCond.Wait()
	}

	var size int64
	err := fs.ReplaceFile(w.fs, w.path, func(f fs.File) (err error) {
		size, err = writeLog(f, keep, w.opts.Compress)
		return err
	})
	if err != nil {
		return err
	}

	nf, err := w.fs.OpenFile(w.path, os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		w.lastErr = fmt.Errorf("wal reopen failed: %w", err)
		return w.lastErr
	}
	_ = w.file.Close()
	w.file = nf
	w.cw = &countingWriter{w: bufio.NewWriter(nf), n: size}
	w.syncedOffset = size
	w.doneCond.Broadcast()
	return nil
}

func writeLog(f fs.File, recs []*Record, compressPayload bool) (int64, error) {
	header := make([]byte, walHeaderSize)
	copy(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], uint32(walVersion))
	bw := bufio.NewWriter(f)
	cw := &countingWriter{w: bw}
	if _, err := cw.Write(header); err != nil {
		return 0, err
	}
	for _, rec := range recs {
		buf, err := rec.encode(compressPayload)
		if err != nil {
			return 0, err
		}
		if _, err := cw.Write(buf); err != nil {
			return 0, err
		}
	}
	return cw.n, cw.Flush()
}

// Close closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()
		return os.ErrClosed
	}

	if err := w.cw.Flush(); err != nil {
		w.closed = true
		w.syncCond.Signal()
		w.mu.Unlock()
		w.wg.Wait()
		w.file.Close()
		return err
	}

	w.closed = true
	w.syncCond.Signal() // Wake up syncer to exit
	w.mu.Unlock()

	w.wg.Wait()

	return w.file.Close()
}

// Reader returns a reader for replaying the WAL.
// The caller is responsible for closing the returned reader.
func (w *WAL) Reader() (*Reader, error) {
	w.mu.Lock()
	if err := w.cw.Flush(); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	w.mu.Unlock()

	f, err := w.fs.OpenFile(w.path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(walHeaderSize, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &Reader{f: f, r: bufio.NewReader(f), offset: walHeaderSize}, nil
}

// Reader iterates over WAL records.
type Reader struct {
	f      fs.File
	r      *bufio.Reader
	offset int64
}

// Next reads the next record. Returns io.EOF when done.
func (r *Reader) Next() (*Record, error) {
	rec, n, err := Decode(r.r)
	if err == nil {
		r.offset += n
	}
	return rec, err
}

// Offset returns the current valid offset in the WAL.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.f.Close()
}
