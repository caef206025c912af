// Package journalstore provides a store.Store on a block device journaled by
// go-journal.
//
// Disk layout, in 4 KiB blocks:
//
//	[0, LogBlocks)           go-journal log
//	LogBlocks                superblock
//	[ring, ring+RingBlocks)  batch ring
//	[data, ...)              the store's address space
//
// Every Write and every WALSubmit is a single journal transaction, so both
// are atomic and durable once they return.
package journalstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mit-pdos/go-journal/addr"
	"github.com/mit-pdos/go-journal/txn"
	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/hupe1980/admem/store"
)

const (
	// BlockSize is the size of a disk block.
	BlockSize = disk.BlockSize
	// LogBlocks is the number of blocks reserved for the journal.
	LogBlocks = 513

	superBlock = LogBlocks
	superMagic = 0x61646d656d6a726e // "admemjrn"

	recordHeader = 16
	// MaxTxnBlocks bounds the blocks a single Write may touch.
	MaxTxnBlocks = 256
)

var (
	// ErrDiskTooSmall is returned when the disk cannot hold the layout.
	ErrDiskTooSmall = errors.New("journalstore: disk too small")
	// ErrLogFull is returned when the batch ring has no room. A checkpoint frees it.
	ErrLogFull = errors.New("journalstore: batch ring full")
	// ErrTxnTooLarge is returned when a transaction does not fit the journal.
	ErrTxnTooLarge = errors.New("journalstore: transaction too large")
	// ErrCorrupt is returned for an unreadable superblock or ring record.
	ErrCorrupt = errors.New("journalstore: corrupt disk")
)

// Options configures a Store.
type Options struct {
	// RingBlocks is the size of the batch ring. Default: 256.
	RingBlocks uint64
	// SeqLease is how many sequence numbers are persisted ahead at once.
	// Default: 64.
	SeqLease uint64
}

// RequiredBlocks returns the disk size in blocks needed for a store of size
// bytes with a ring of ringBlocks.
func RequiredBlocks(size, ringBlocks uint64) uint64 {
	return LogBlocks + 1 + ringBlocks + (size+BlockSize-1)/BlockSize
}

type superblock struct {
	size       uint64
	ringBlocks uint64
	head       uint64 // first live ring slot (monotonic)
	tail       uint64 // next free ring slot (monotonic)
	lastSeq    uint64
	leased     uint64 // sequences up to here may have been handed out
}

func (sb *superblock) encode() []byte {
	enc := marshal.NewEnc(BlockSize)
	enc.PutInt(superMagic)
	enc.PutInt(sb.size)
	enc.PutInt(sb.ringBlocks)
	enc.PutInt(sb.head)
	enc.PutInt(sb.tail)
	enc.PutInt(sb.lastSeq)
	enc.PutInt(sb.leased)
	return enc.Finish()
}

// decodeSuperblock reports false for a disk that was never initialized.
func decodeSuperblock(b []byte) (*superblock, bool) {
	dec := marshal.NewDec(b)
	if dec.GetInt() != superMagic {
		return nil, false
	}
	return &superblock{
		size:       dec.GetInt(),
		ringBlocks: dec.GetInt(),
		head:       dec.GetInt(),
		tail:       dec.GetInt(),
		lastSeq:    dec.GetInt(),
		leased:     dec.GetInt(),
	}, true
}

type record struct {
	pos   uint64 // first ring slot
	slots uint64
	seq   uint64
}

// Store is a store.Store on a journaled disk.
type Store struct {
	log      *txn.Log
	size     uint64
	ringBase uint64
	dataBase uint64
	lease    uint64

	writeMu sync.Mutex

	mu      sync.Mutex // guards sb, records, next, closed
	sb      superblock
	records []record
	next    uint64
	closed  bool
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.Sizer        = (*Store)(nil)
	_ store.Replayer     = (*Store)(nil)
	_ store.Checkpointer = (*Store)(nil)
)

func blockAddr(blk uint64) addr.Addr { return addr.Addr{Blkno: blk, Off: 0} }

// New recovers the journal on d and opens the store on it, formatting the
// disk if it has no superblock. An existing store keeps its recorded size and
// ring. The caller keeps ownership of d.
func New(d disk.Disk, size uint64, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{RingBlocks: 256, SeqLease: 64}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.RingBlocks == 0 || opts.SeqLease == 0 {
		return nil, fmt.Errorf("journalstore: ring blocks and sequence lease must be positive")
	}
	if d.Size() <= superBlock {
		return nil, fmt.Errorf("%w: %d blocks", ErrDiskTooSmall, d.Size())
	}

	s := &Store{log: txn.Init(d), lease: opts.SeqLease}

	tx := txn.Begin(s.log)
	sb, ok := decodeSuperblock(tx.ReadBuf(blockAddr(superBlock), BlockSize*8))
	tx.ReleaseAll()
	if !ok {
		sb = &superblock{size: size, ringBlocks: opts.RingBlocks}
	}
	if need := RequiredBlocks(sb.size, sb.ringBlocks); d.Size() < need {
		return nil, fmt.Errorf("%w: %d blocks, need %d", ErrDiskTooSmall, d.Size(), need)
	}
	if !ok {
		if err := s.commitSuper(txn.Begin(s.log), sb); err != nil {
			return nil, err
		}
	}

	s.sb = *sb
	s.size = sb.size
	s.ringBase = superBlock + 1
	s.dataBase = s.ringBase + sb.ringBlocks
	s.next = sb.leased + 1
	if err := s.loadRing(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) commitSuper(tx *txn.Txn, sb *superblock) error {
	tx.OverWrite(blockAddr(superBlock), BlockSize*8, sb.encode())
	if !tx.Commit() {
		return ErrTxnTooLarge
	}
	return nil
}

func (s *Store) ringBlock(pos uint64) uint64 { return s.ringBase + pos%s.sb.ringBlocks }

// loadRing indexes the live records between head and tail.
func (s *Store) loadRing() error {
	tx := txn.Begin(s.log)
	defer tx.ReleaseAll()

	for pos := s.sb.head; pos < s.sb.tail; {
		dec := marshal.NewDec(tx.ReadBuf(blockAddr(s.ringBlock(pos)), BlockSize*8))
		seq, n := dec.GetInt(), dec.GetInt()
		slots := (recordHeader + n + BlockSize - 1) / BlockSize
		if seq == 0 || pos+slots > s.sb.tail {
			return fmt.Errorf("%w: ring record at slot %d", ErrCorrupt, pos)
		}
		s.records = append(s.records, record{pos: pos, slots: slots, seq: seq})
		pos += slots
	}
	return nil
}

// Size implements store.Sizer.
func (s *Store) Size() uint64 { return s.size }

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// Read implements store.Store.
func (s *Store) Read(_ context.Context, r store.Region, dst []byte) error {
	if err := store.CheckRegion(r, dst, s.size); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx := txn.Begin(s.log)
	defer tx.ReleaseAll()
	for off := uint64(0); off < r.Size; {
		a := r.Addr + off
		blk, in := a/BlockSize, a%BlockSize
		n := min(BlockSize-in, r.Size-off)
		buf := tx.ReadBuf(blockAddr(s.dataBase+blk), BlockSize*8)
		copy(dst[off:off+n], buf[in:in+n])
		off += n
	}
	return nil
}

// Write implements store.Store.
func (s *Store) Write(_ context.Context, r store.Region, src []byte) error {
	if err := store.CheckRegion(r, src, s.size); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	if r.Size == 0 {
		return nil
	}
	if first, last := r.Addr/BlockSize, (r.End()-1)/BlockSize; last-first+1 > MaxTxnBlocks {
		return fmt.Errorf("%w: %s spans %d blocks", ErrTxnTooLarge, r, last-first+1)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx := txn.Begin(s.log)
	for off := uint64(0); off < r.Size; {
		a := r.Addr + off
		blk, in := a/BlockSize, a%BlockSize
		n := min(BlockSize-in, r.Size-off)

		ba := blockAddr(s.dataBase + blk)
		block := make([]byte, BlockSize)
		if n < BlockSize {
			copy(block, tx.ReadBuf(ba, BlockSize*8))
		}
		copy(block[in:in+n], src[off:off+n])
		tx.OverWrite(ba, BlockSize*8, block)
		off += n
	}
	if !tx.Commit() {
		return fmt.Errorf("%w: write %s", ErrTxnTooLarge, r)
	}
	return nil
}

// WALReserve implements store.Store. Sequence numbers are leased in chunks
// so a restart never hands out a number twice.
func (s *Store) WALReserve(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	if s.next > s.sb.leased {
		sb := s.sb
		sb.leased = s.next + s.lease - 1
		if err := s.commitSuper(txn.Begin(s.log), &sb); err != nil {
			return 0, err
		}
		s.sb = sb
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if b.Seq <= s.sb.lastSeq || b.Seq >= s.next {
		return fmt.Errorf("%w: %d (last %d, next %d)", store.ErrSequence, b.Seq, s.sb.lastSeq, s.next)
	}

	n := uint64(len(payload))
	slots := (recordHeader + n + BlockSize - 1) / BlockSize
	if slots > MaxTxnBlocks-1 {
		return fmt.Errorf("%w: batch of %d bytes", ErrTxnTooLarge, n)
	}
	if s.sb.tail+slots-s.sb.head > s.sb.ringBlocks {
		return ErrLogFull
	}

	enc := marshal.NewEnc(slots * BlockSize)
	enc.PutInt(b.Seq)
	enc.PutInt(n)
	enc.PutBytes(payload)
	buf := enc.Finish()

	sb := s.sb
	tx := txn.Begin(s.log)
	for i := range slots {
		tx.OverWrite(blockAddr(s.ringBlock(sb.tail+i)), BlockSize*8, buf[i*BlockSize:(i+1)*BlockSize])
	}
	rec := record{pos: sb.tail, slots: slots, seq: b.Seq}
	sb.tail += slots
	sb.lastSeq = b.Seq
	if err := s.commitSuper(tx, &sb); err != nil {
		return err
	}
	s.sb = sb
	s.records = append(s.records, rec)
	return nil
}

func (s *Store) readRecord(tx *txn.Txn, rec record) (*store.Batch, error) {
	buf := make([]byte, 0, rec.slots*BlockSize)
	for i := range rec.slots {
		buf = append(buf, tx.ReadBuf(blockAddr(s.ringBlock(rec.pos+i)), BlockSize*8)...)
	}
	dec := marshal.NewDec(buf)
	seq, n := dec.GetInt(), dec.GetInt()
	if seq != rec.seq || recordHeader+n > uint64(len(buf)) {
		return nil, fmt.Errorf("%w: ring record %d", ErrCorrupt, rec.seq)
	}
	return store.DecodeBatch(dec.GetBytes(n))
}

// Replay implements store.Replayer.
func (s *Store) Replay(ctx context.Context, after uint64, fn func(*store.Batch) error) error {
	s.mu.Lock()
	recs := append([]record(nil), s.records...)
	s.mu.Unlock()

	var batches []*store.Batch
	tx := txn.Begin(s.log)
	for _, rec := range recs {
		if rec.seq <= after {
			continue
		}
		if err := ctx.Err(); err != nil {
			tx.ReleaseAll()
			return err
		}
		b, err := s.readRecord(tx, rec)
		if err != nil {
			tx.ReleaseAll()
			return err
		}
		batches = append(batches, b)
	}
	tx.ReleaseAll()

	for _, b := range batches {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint implements store.Checkpointer. It frees the ring slots of every
// record up to seq.
func (s *Store) Checkpoint(_ context.Context, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	i := 0
	for i < len(s.records) && s.records[i].seq <= seq {
		i++
	}
	if i == 0 {
		return nil
	}
	sb := s.sb
	if i == len(s.records) {
		sb.head = sb.tail
	} else {
		sb.head = s.records[i].pos
	}
	if err := s.commitSuper(txn.Begin(s.log), &sb); err != nil {
		return err
	}
	s.sb = sb
	s.records = append(s.records[:0], s.records[i:]...)
	return nil
}

// Close makes every later operation fail with store.ErrClosed. Committed
// transactions are already durable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.closed = true
	return nil
}
