// Package mmap provides memory-mapped file access.
//
// A blob's data file is mapped read-write and shared, so metadata writes
// land in the page cache directly and [Mapping.Sync] makes them durable:
//
//	m, err := mmap.OpenWritable("blob.dat", size)
//	if err != nil { ... }
//	defer m.Close()
//
//	m.WriteAt(header, 0)
//	m.Sync()
//
// Read-only mappings come from [Open]. Only unix platforms are supported.
//
// Mapping and Region are safe for concurrent access to disjoint ranges.
// Close is idempotent, but callers must ensure no goroutine touches Bytes()
// after Close returns.
package mmap
