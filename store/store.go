package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is returned for a region that does not fit the store.
	ErrOutOfRange = errors.New("store: region out of range")
	// ErrShortBuffer is returned when a buffer does not match the region size.
	ErrShortBuffer = errors.New("store: buffer does not match region size")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
	// ErrSequence is returned when a batch carries a sequence that was not reserved
	// or is not newer than the last submitted one.
	ErrSequence = errors.New("store: invalid sequence")
)

// Region is a byte range of the blob address space.
type Region struct {
	Addr uint64
	Size uint64
}

// End returns the first address after the region.
func (r Region) End() uint64 { return r.Addr + r.Size }

func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Addr, r.End())
}

// Store is the persistence collaborator of a blob.
type Store interface {
	// Read fills dst with the bytes of r. len(dst) must equal r.Size.
	Read(ctx context.Context, r Region, dst []byte) error
	// Write persists src at r. The write must be atomic with respect to r.
	Write(ctx context.Context, r Region, src []byte) error
	// WALReserve returns a sequence number that was never returned before.
	WALReserve(ctx context.Context) (uint64, error)
	// WALSubmit durably records b. It must not return before b survives a crash.
	WALSubmit(ctx context.Context, b *Batch) error
}

// Sizer is implemented by stores that know the size of their backing region.
type Sizer interface {
	Size() uint64
}

// Replayer is implemented by stores that can return submitted batches.
type Replayer interface {
	// Replay calls fn for every durable batch with a sequence greater than
	// after, in ascending sequence order.
	Replay(ctx context.Context, after uint64, fn func(*Batch) error) error
}

// Checkpointer is implemented by stores that can discard old batches.
type Checkpointer interface {
	// Checkpoint reports that all batches up to and including seq are
	// reflected in persisted metadata.
	Checkpoint(ctx context.Context, seq uint64) error
}

// CheckRegion validates a region and buffer against a store of size bytes.
func CheckRegion(r Region, buf []byte, size uint64) error {
	if uint64(len(buf)) != r.Size {
		return fmt.Errorf("%w: %d bytes for %s", ErrShortBuffer, len(buf), r)
	}
	if r.End() < r.Addr || r.End() > size {
		return fmt.Errorf("%w: %s beyond %#x", ErrOutOfRange, r, size)
	}
	return nil
}
