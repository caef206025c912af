// Package admem provides a crash-consistent space allocator for persistent
// memory blobs.
//
// A blob is a fixed-size, byte-addressable region living on a store.Store.
// admem carves it into arenas dedicated to size classes and hands out
// single-unit allocations through a two-phase protocol: callers reserve
// space in memory, then publish or free it inside a transaction that is
// made durable through the store's write-ahead log.
//
// # Quick Start
//
//	ctx := context.Background()
//	m, _ := admem.NewManager()
//
//	b, _ := m.PrepareCreate(ctx, "pool", 256<<20)
//	_ = b.Bind(memstore.New(256 << 20))
//	_ = b.FinishCreate(ctx)
//
//	addr, act, _ := b.Reserve(admem.ClassAuto, 100, admem.ArenaAny)
//	// ... write the object at addr ...
//	tx := b.Begin()
//	_ = tx.Publish(act)
//	_ = tx.End(ctx, admem.CommitSync)
//
// # Durability Model
//
// Reserve and Cancel never touch the store. Tx.End assigns a WAL sequence,
// submits the batch, applies it in memory and then writes the affected arena
// headers. If the metadata write fails the batch is still durable and is
// replayed by FinishOpen.
//
// # Stores
//
// Backends live under store/: memstore (tests), filestore (mmap + local WAL),
// objstore (S3/MinIO via blobstore), badgerstore and journalstore.
package admem
