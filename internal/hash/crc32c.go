package hash

import (
	"hash"
	"hash/crc32"
)

// crc32cTable is pre-computed for CRC32-Castagnoli polynomial.
// Computing this once avoids repeated MakeTable calls.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

var zeroWord [4]byte

// CRC32C computes the CRC32-Castagnoli checksum of data.
// Uses hardware acceleration when available (SSE4.2, ARM CRC).
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// NewCRC32C returns a new CRC32-Castagnoli hash.Hash32.
func NewCRC32C() hash.Hash32 {
	return crc32.New(crc32cTable)
}

// CRC32CMasked computes the checksum of data as if the 4 bytes at off were zero.
// Headers that embed their own checksum use it to verify in place.
func CRC32CMasked(data []byte, off int) uint32 {
	if off < 0 || off+4 > len(data) {
		return CRC32C(data)
	}
	crc := crc32.Update(0, crc32cTable, data[:off])
	crc = crc32.Update(crc, crc32cTable, zeroWord[:])
	return crc32.Update(crc, crc32cTable, data[off+4:])
}
