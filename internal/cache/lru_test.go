package cache

import (
	"context"
	"testing"

	"github.com/hupe1980/admem/internal/resource"
	"github.com/stretchr/testify/assert"
)

func TestLRU_Basic(t *testing.T) {
	ctx := context.Background()
	c := NewLRUBlockCache(30, nil)

	a := Key{Kind: KindBlock, Name: "a"}
	b := Key{Kind: KindBlock, Name: "b"}
	d := Key{Kind: KindBlock, Name: "d"}

	c.Set(ctx, a, make([]byte, 10))
	c.Set(ctx, b, make([]byte, 10))
	_, ok := c.Get(ctx, a) // a is now most recent
	assert.True(t, ok)

	c.Set(ctx, d, make([]byte, 15)) // evicts b
	_, ok = c.Get(ctx, b)
	assert.False(t, ok)
	_, ok = c.Get(ctx, a)
	assert.True(t, ok)
	assert.Equal(t, int64(25), c.Size())
	assert.Equal(t, 2, c.Len())

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}

func TestLRU_EdgeCases(t *testing.T) {
	ctx := context.Background()
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 100})
	c := NewLRUBlockCache(50, rc)
	k := Key{Kind: KindPage, Name: "p", Offset: 1}

	c.Set(ctx, k, make([]byte, 60))
	_, ok := c.Get(ctx, k)
	assert.False(t, ok, "block larger than capacity is not cached")

	c.Set(ctx, k, make([]byte, 10))
	assert.Equal(t, int64(10), c.Size())
	c.Set(ctx, k, make([]byte, 20))
	assert.Equal(t, int64(20), c.Size())
	c.Set(ctx, k, make([]byte, 5))
	assert.Equal(t, int64(5), c.Size())
	assert.Equal(t, int64(5), rc.MemoryUsage())

	// Growth the controller refuses keeps the old value.
	rc2 := resource.NewController(resource.Config{MemoryLimitBytes: 10})
	c2 := NewLRUBlockCache(50, rc2)
	c2.Set(ctx, k, make([]byte, 8))
	c2.Set(ctx, k, make([]byte, 12))
	v, ok := c2.Get(ctx, k)
	assert.True(t, ok)
	assert.Len(t, v, 8)

	// A new block the controller refuses is dropped.
	c2.Set(ctx, Key{Name: "other"}, make([]byte, 4))
	_, ok = c2.Get(ctx, Key{Name: "other"})
	assert.False(t, ok)

	assert.NoError(t, c2.Close())
	assert.Equal(t, int64(0), rc2.MemoryUsage())
}

func TestLRU_Invalidate(t *testing.T) {
	ctx := context.Background()
	c := NewLRUBlockCache(1<<10, nil)
	for i := uint64(0); i < 4; i++ {
		c.Set(ctx, Key{Kind: KindBlock, Name: "x", Offset: i}, []byte{1})
		c.Set(ctx, Key{Kind: KindBlock, Name: "y", Offset: i}, []byte{1})
	}

	c.Invalidate(ForName("x"))
	assert.Equal(t, 4, c.Len())
	_, ok := c.Get(ctx, Key{Kind: KindBlock, Name: "y", Offset: 3})
	assert.True(t, ok)
}
