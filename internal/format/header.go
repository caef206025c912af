package format

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/admem/internal/hash"
)

const (
	// BlobMagic identifies a blob header.
	BlobMagic = 0xbabecafe
	// Version is the current layout version.
	Version = 1

	// DirFree marks an arena id that was never created.
	DirFree = 0
	// DirHeader marks arena 0, which holds the blob header.
	DirHeader = 0xff
)

// Header is the decoded blob header.
type Header struct {
	Size        uint64
	ArenaSize   uint64
	Classes     []uint32
	Committed   uint64
	Incarnation uint64
	// Directory has one entry per arena id: DirFree, DirHeader, or class index + 1.
	Directory []uint8
}

// NewHeader lays out an empty blob of size bytes.
func NewHeader(size, arenaSize uint64, classes []uint32) (*Header, error) {
	if err := ValidateArenaSize(arenaSize); err != nil {
		return nil, err
	}
	if err := ValidateClasses(classes, arenaSize); err != nil {
		return nil, err
	}
	n := size / arenaSize
	if n < 2 {
		return nil, fmt.Errorf("%w: %d bytes holds no data arena (arena size %d)", ErrInvalidSize, size, arenaSize)
	}
	if n > MaxArenas {
		return nil, fmt.Errorf("%w: %d arenas exceed the directory capacity %d", ErrInvalidSize, n, MaxArenas)
	}

	h := &Header{
		Size:      size,
		ArenaSize: arenaSize,
		Classes:   append([]uint32(nil), classes...),
		Directory: make([]uint8, n),
	}
	h.Directory[0] = DirHeader
	return h, nil
}

// Arenas returns the number of arena ids, including the header arena.
func (h *Header) Arenas() int { return len(h.Directory) }

// EncodedLen is the number of bytes Encode produces.
func (h *Header) EncodedLen() int {
	return headerFixed + len(h.Directory)
}

// Encode serializes the header including its checksum.
func (h *Header) Encode() []byte {
	buf := make([]byte, h.EncodedLen())
	binary.LittleEndian.PutUint32(buf[0:], BlobMagic)
	binary.LittleEndian.PutUint32(buf[4:], Version)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(h.Classes)))
	binary.LittleEndian.PutUint64(buf[16:], h.Size)
	binary.LittleEndian.PutUint64(buf[24:], h.ArenaSize)
	binary.LittleEndian.PutUint32(buf[32:], ArenaHeaderSize)
	binary.LittleEndian.PutUint32(buf[36:], uint32(len(h.Directory)))
	binary.LittleEndian.PutUint64(buf[40:], h.Committed)
	binary.LittleEndian.PutUint64(buf[48:], h.Incarnation)
	for i, c := range h.Classes {
		binary.LittleEndian.PutUint32(buf[64+4*i:], c)
	}
	copy(buf[headerFixed:], h.Directory)
	binary.LittleEndian.PutUint32(buf[8:], hash.CRC32CMasked(buf, 8))
	return buf
}

// DecodeHeader parses and validates a blob header.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < headerFixed {
		return nil, ErrShortBuffer
	}
	if m := binary.LittleEndian.Uint32(buf[0:]); m != BlobMagic {
		return nil, fmt.Errorf("%w: %#x", ErrBadMagic, m)
	}
	if v := binary.LittleEndian.Uint32(buf[4:]); v != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, v)
	}

	n := int(binary.LittleEndian.Uint32(buf[36:]))
	if n < 2 || n > MaxArenas {
		return nil, fmt.Errorf("%w: directory length %d", ErrLayout, n)
	}
	if len(buf) < headerFixed+n {
		return nil, ErrShortBuffer
	}
	sum := binary.LittleEndian.Uint32(buf[8:])
	if got := hash.CRC32CMasked(buf[:headerFixed+n], 8); got != sum {
		return nil, fmt.Errorf("%w: header crc %#x, want %#x", ErrChecksum, got, sum)
	}

	h := &Header{
		Size:        binary.LittleEndian.Uint64(buf[16:]),
		ArenaSize:   binary.LittleEndian.Uint64(buf[24:]),
		Committed:   binary.LittleEndian.Uint64(buf[40:]),
		Incarnation: binary.LittleEndian.Uint64(buf[48:]),
	}
	if hs := binary.LittleEndian.Uint32(buf[32:]); hs != ArenaHeaderSize {
		return nil, fmt.Errorf("%w: arena header size %d", ErrLayout, hs)
	}
	if err := ValidateArenaSize(h.ArenaSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLayout, err)
	}
	if h.Size/h.ArenaSize != uint64(n) {
		return nil, fmt.Errorf("%w: %d arenas for size %d", ErrLayout, n, h.Size)
	}

	nc := int(binary.LittleEndian.Uint32(buf[12:]))
	if nc == 0 || nc > MaxClasses {
		return nil, fmt.Errorf("%w: %d size classes", ErrLayout, nc)
	}
	h.Classes = make([]uint32, nc)
	for i := range h.Classes {
		h.Classes[i] = binary.LittleEndian.Uint32(buf[64+4*i:])
	}
	if err := ValidateClasses(h.Classes, h.ArenaSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLayout, err)
	}

	h.Directory = append([]uint8(nil), buf[headerFixed:headerFixed+n]...)
	if h.Directory[0] != DirHeader {
		return nil, fmt.Errorf("%w: arena 0 is not the header arena", ErrLayout)
	}
	for id, d := range h.Directory[1:] {
		if d != DirFree && int(d) > nc {
			return nil, fmt.Errorf("%w: arena %d has class %d", ErrLayout, id+1, d)
		}
	}
	return h, nil
}
