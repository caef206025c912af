// Package store defines the contract between the allocator and the
// persistence layer that backs a blob.
//
// A Store provides four operations: byte-range Read and Write, plus
// WALReserve and WALSubmit for the write-ahead log. The allocator never
// persists anything except through these calls.
//
// Stores may additionally implement:
//
//   - [Sizer] to report the size of the backing region, checked on open.
//   - [Replayer] to hand submitted batches back after a restart.
//   - [Checkpointer] to learn that batches up to a sequence are reflected in
//     the persisted metadata and may be discarded.
//
// Implementations live in the sub-packages memstore, filestore, objstore,
// badgerstore, and journalstore.
package store
