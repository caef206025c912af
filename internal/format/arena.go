package format

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/admem/internal/hash"
)

// ArenaMagic identifies an arena header.
const ArenaMagic = 0xcafe

// ArenaHeader is the decoded header of one arena.
type ArenaHeader struct {
	ID     uint32
	Class  uint32
	Unit   uint32
	Units  uint32
	Used   uint32
	Bitmap []uint64
}

// BitmapWords returns the number of 64-bit words needed for units bits.
func BitmapWords(units uint32) int {
	return int((units + 63) / 64)
}

// ArenaEncodedLen is the number of header bytes that are meaningful for units.
func ArenaEncodedLen(units uint32) int {
	return arenaFixed + 8*BitmapWords(units)
}

// EncodeArena serializes an arena header including its checksum.
func EncodeArena(h *ArenaHeader) []byte {
	buf := make([]byte, ArenaEncodedLen(h.Units))
	binary.LittleEndian.PutUint32(buf[0:], ArenaMagic)
	binary.LittleEndian.PutUint32(buf[8:], h.ID)
	binary.LittleEndian.PutUint32(buf[12:], h.Class)
	binary.LittleEndian.PutUint32(buf[16:], h.Unit)
	binary.LittleEndian.PutUint32(buf[20:], h.Units)
	binary.LittleEndian.PutUint32(buf[24:], h.Used)
	for i, w := range h.Bitmap {
		binary.LittleEndian.PutUint64(buf[arenaFixed+8*i:], w)
	}
	binary.LittleEndian.PutUint32(buf[4:], hash.CRC32CMasked(buf, 4))
	return buf
}

// DecodeArena parses and validates an arena header.
func DecodeArena(buf []byte) (*ArenaHeader, error) {
	if len(buf) < arenaFixed {
		return nil, ErrShortBuffer
	}
	if m := binary.LittleEndian.Uint32(buf[0:]); m != ArenaMagic {
		return nil, fmt.Errorf("%w: arena magic %#x", ErrBadMagic, m)
	}
	h := &ArenaHeader{
		ID:    binary.LittleEndian.Uint32(buf[8:]),
		Class: binary.LittleEndian.Uint32(buf[12:]),
		Unit:  binary.LittleEndian.Uint32(buf[16:]),
		Units: binary.LittleEndian.Uint32(buf[20:]),
		Used:  binary.LittleEndian.Uint32(buf[24:]),
	}
	if h.Units == 0 || h.Units > MaxUnits || h.Used > h.Units {
		return nil, fmt.Errorf("%w: arena %d has %d/%d units", ErrLayout, h.ID, h.Used, h.Units)
	}
	n := ArenaEncodedLen(h.Units)
	if len(buf) < n {
		return nil, ErrShortBuffer
	}
	sum := binary.LittleEndian.Uint32(buf[4:])
	if got := hash.CRC32CMasked(buf[:n], 4); got != sum {
		return nil, fmt.Errorf("%w: arena %d crc %#x, want %#x", ErrChecksum, h.ID, got, sum)
	}
	h.Bitmap = make([]uint64, BitmapWords(h.Units))
	for i := range h.Bitmap {
		h.Bitmap[i] = binary.LittleEndian.Uint64(buf[arenaFixed+8*i:])
	}
	return h, nil
}
