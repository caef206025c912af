package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/admem/internal/hash"
)

var (
	// ErrCorruptBatch is returned when a batch fails to decode.
	ErrCorruptBatch = errors.New("store: corrupt batch")
)

// MutationKind identifies a metadata change carried by a batch.
type MutationKind uint8

const (
	// MutationArenaCreate dedicates an arena to a size class.
	MutationArenaCreate MutationKind = 1
	// MutationReserve marks a unit allocated.
	MutationReserve MutationKind = 2
	// MutationFree marks a unit free.
	MutationFree MutationKind = 3
)

func (k MutationKind) String() string {
	switch k {
	case MutationArenaCreate:
		return "arena-create"
	case MutationReserve:
		return "reserve"
	case MutationFree:
		return "free"
	default:
		return fmt.Sprintf("MutationKind(%d)", uint8(k))
	}
}

// Mutation is one change in a batch.
type Mutation struct {
	Kind  MutationKind
	Class uint8
	Arena uint32
	Addr  uint64
	Size  uint64
}

// Flags negotiate durability with the store.
type Flags uint32

const (
	// FlagDeferred lets the store batch the sync with concurrent submissions.
	FlagDeferred Flags = 1 << iota
)

// Batch is the unit of WAL submission.
type Batch struct {
	Seq       uint64
	Flags     Flags
	Mutations []Mutation
}

const (
	batchHeaderSize = 4 + 8 + 4 + 4
	mutationSize    = 1 + 1 + 4 + 8 + 8
	maxMutations    = 1 << 20
)

// EncodedLen returns the size of the binary encoding of b.
func (b *Batch) EncodedLen() int {
	return batchHeaderSize + len(b.Mutations)*mutationSize
}

// MarshalBinary encodes b.
// Format:
// [CRC32C: 4] [Seq: 8] [Flags: 4] [Count: 4] then Count x
// [Kind: 1] [Class: 1] [Arena: 4] [Addr: 8] [Size: 8]
// The checksum covers everything after itself.
func (b *Batch) MarshalBinary() ([]byte, error) {
	if len(b.Mutations) > maxMutations {
		return nil, fmt.Errorf("%w: %d mutations", ErrCorruptBatch, len(b.Mutations))
	}
	buf := make([]byte, b.EncodedLen())
	binary.LittleEndian.PutUint64(buf[4:], b.Seq)
	binary.LittleEndian.PutUint32(buf[12:], uint32(b.Flags))
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(b.Mutations)))

	off := batchHeaderSize
	for _, m := range b.Mutations {
		buf[off] = byte(m.Kind)
		buf[off+1] = m.Class
		binary.LittleEndian.PutUint32(buf[off+2:], m.Arena)
		binary.LittleEndian.PutUint64(buf[off+6:], m.Addr)
		binary.LittleEndian.PutUint64(buf[off+14:], m.Size)
		off += mutationSize
	}
	binary.LittleEndian.PutUint32(buf[0:], hash.CRC32C(buf[4:]))
	return buf, nil
}

// UnmarshalBinary decodes data into b.
func (b *Batch) UnmarshalBinary(data []byte) error {
	if len(data) < batchHeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrCorruptBatch, len(data))
	}
	if sum := binary.LittleEndian.Uint32(data[0:]); sum != hash.CRC32C(data[4:]) {
		return fmt.Errorf("%w: checksum mismatch", ErrCorruptBatch)
	}
	n := binary.LittleEndian.Uint32(data[16:])
	if n > maxMutations || len(data) != batchHeaderSize+int(n)*mutationSize {
		return fmt.Errorf("%w: %d mutations in %d bytes", ErrCorruptBatch, n, len(data))
	}

	b.Seq = binary.LittleEndian.Uint64(data[4:])
	b.Flags = Flags(binary.LittleEndian.Uint32(data[12:]))
	b.Mutations = make([]Mutation, n)

	off := batchHeaderSize
	for i := range b.Mutations {
		m := &b.Mutations[i]
		m.Kind = MutationKind(data[off])
		m.Class = data[off+1]
		m.Arena = binary.LittleEndian.Uint32(data[off+2:])
		m.Addr = binary.LittleEndian.Uint64(data[off+6:])
		m.Size = binary.LittleEndian.Uint64(data[off+14:])
		switch m.Kind {
		case MutationArenaCreate, MutationReserve, MutationFree:
		default:
			return fmt.Errorf("%w: mutation kind %d", ErrCorruptBatch, m.Kind)
		}
		off += mutationSize
	}
	return nil
}

// DecodeBatch is a convenience wrapper around UnmarshalBinary.
func DecodeBatch(data []byte) (*Batch, error) {
	b := new(Batch)
	if err := b.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return b, nil
}
