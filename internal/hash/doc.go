// Package hash provides the checksums used by every persisted admem structure.
//
// # CRC32-Castagnoli (CRC32C)
//
// Blob headers, arena headers, WAL batches, and compressed pages are all
// protected with CRC32C:
//
//   - Hardware acceleration on x86 (SSE4.2) and ARM (CRC extension)
//   - Industry standard (iSCSI, Btrfs, RocksDB, LevelDB)
//
// # Usage
//
// For one-shot checksums:
//
//	checksum := hash.CRC32C(data)
//
// For headers that store their checksum inline:
//
//	binary.LittleEndian.PutUint32(buf[8:], hash.CRC32CMasked(buf, 8))
package hash
