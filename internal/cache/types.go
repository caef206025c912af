package cache

import "context"

// Kind separates key spaces.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindBlock        // fixed-size block of a blobstore object
	KindPage         // decoded objstore page
)

// Key identifies a cached block.
type Key struct {
	Kind Kind
	// Name is the object the block belongs to.
	Name string
	// Offset is a logical block identifier (byte offset or block index).
	Offset uint64
}

// BlockCache is a byte-oriented block cache.
// Returned slices must be treated as read-only.
type BlockCache interface {
	// Get returns a cached block. ok=false if missing.
	Get(ctx context.Context, key Key) (b []byte, ok bool)
	// Set caches a block. The cache retains b; callers must not modify it.
	Set(ctx context.Context, key Key, b []byte)
	// Invalidate removes entries matching the predicate.
	Invalidate(predicate func(key Key) bool)
	// Close releases any resources.
	Close() error
	// Stats returns cache statistics.
	Stats() (hits, misses int64)
}

// ForName returns a predicate matching every block of the named object.
func ForName(name string) func(Key) bool {
	return func(k Key) bool { return k.Name == name }
}
