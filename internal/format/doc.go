// Package format defines the durable on-store layout of an admem blob.
//
// A blob is cut into fixed-size arenas. Arena 0 holds the blob header:
//
//	0      u32  magic 0xbabecafe
//	4      u32  layout version
//	8      u32  CRC32C (field zeroed)
//	12     u32  number of size classes
//	16     u64  blob size
//	24     u64  arena size
//	32     u32  arena header size
//	36     u32  directory length (arena count)
//	40     u64  committed WAL sequence
//	48     u64  incarnation
//	64     [32]u32 size-class table
//	192    [n]u8   arena directory
//
// Every other created arena starts with a 32 KiB arena header followed by
// its data units:
//
//	0      u32  magic 0xcafe
//	4      u32  CRC32C (field zeroed)
//	8      u32  arena id
//	12     u32  class index
//	16     u32  unit size
//	20     u32  unit count
//	24     u32  used units
//	64     used-bitmap, one bit per unit
//
// All integers are little endian.
package format
