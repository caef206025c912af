// Package blobstore provides object storage used by store/objstore.
//
// A Store is a flat namespace of immutable objects that supports whole
// object writes and ranged reads. Implementations must be safe for
// concurrent use.
//
// # Built-in Implementations
//
//   - MemoryStore: in-memory, for tests
//   - LocalStore: local file system, atomic writes via temp file + rename
//   - CachingStore: block-level LRU read cache in front of another Store
//   - s3.Store: Amazon S3
//   - minio.Store: MinIO and other S3-compatible services
//
// # Custom Implementations
//
//	type Store interface {
//	    Open(ctx, name) (Blob, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore
