package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/partkit/internal/layout"
)

func TestLocalCacheServesRecentFrees(t *testing.T) {
	tc := NewLocalCache()
	r, _ := newTestRoot(t, Config{ThreadCache: tc})

	a := mustAlloc(t, r, 48)
	span := r.spanOf(a)
	liveBefore := span.numAllocated()

	// The free lands in the cache; the span never sees it.
	r.Free(a)
	assert.Equal(t, liveBefore, span.numAllocated())

	// The next same-class allocation is served straight from the cache.
	b := mustAlloc(t, r, 48)
	assert.Equal(t, a, b)
	r.Free(b)
}

func TestLocalCacheBounded(t *testing.T) {
	tc := NewLocalCache()
	r, _ := newTestRoot(t, Config{ThreadCache: tc})

	addrs := make([]uintptr, localCacheSlotsPerBucket+5)
	for i := range addrs {
		addrs[i] = mustAlloc(t, r, 48)
	}
	span := r.spanOf(addrs[0])
	live := span.numAllocated()

	for _, a := range addrs {
		r.Free(a)
	}
	// Only the overflow past the per-bucket bound reached the span.
	assert.Equal(t, live-5, span.numAllocated())

	idx := layout.BucketIndex(48)
	assert.Len(t, tc.stacks[idx], localCacheSlotsPerBucket)
}

func TestLocalCacheSkipsLargeClasses(t *testing.T) {
	tc := NewLocalCache()
	r, _ := newTestRoot(t, Config{ThreadCache: tc})
	for i := 0; i < 16; i++ {
		mustAlloc(t, r, 16384)
	}

	a := mustAlloc(t, r, 16384) // above maxCachedSlotSize
	r.Free(a)
	idx := layout.BucketIndex(16384)
	assert.Empty(t, tc.stacks[idx])
	assert.Equal(t, "empty", spanState(t, r.spanOf(a)))
}

func TestLocalCacheDrain(t *testing.T) {
	tc := NewLocalCache()
	r, _ := newTestRoot(t, Config{ThreadCache: tc})

	a := mustAlloc(t, r, 48)
	b := mustAlloc(t, r, 48)
	span := r.spanOf(a)
	r.Free(a)
	r.Free(b)
	require.Equal(t, 2, span.numAllocated(), "both frees cached")

	tc.Drain(r)
	assert.Zero(t, span.numAllocated())
	for i := range tc.stacks {
		assert.Empty(t, tc.stacks[i])
	}
}

func TestLocalCacheGetMiss(t *testing.T) {
	tc := NewLocalCache()
	_, ok := tc.GetFromCache(0)
	assert.False(t, ok)
}
