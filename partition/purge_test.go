package partition

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/partkit/internal/layout"
)

func TestPurgeDecommitEmptySpans(t *testing.T) {
	r, sim := newTestRoot(t, Config{})
	for i := 0; i < 16; i++ {
		mustAlloc(t, r, 16384)
	}
	a := mustAlloc(t, r, 16384)
	r.Free(a)
	require.NotZero(t, r.emptyDirtyBytes)

	before := sim.Counters().Decommits
	require.NoError(t, r.PurgeMemory(context.Background(), PurgeDecommitEmptySpans))
	assert.Zero(t, r.emptyDirtyBytes)
	assert.Greater(t, sim.Counters().Decommits, before)
	assert.Equal(t, "decommitted", spanState(t, r.spanOf(a)))
}

func TestPurgeDiscardInteriorFreeSlot(t *testing.T) {
	r, sim := newTestRoot(t, Config{})

	// 8192-byte slots: an interior free slot spans two pages, and the page
	// past its freelist entry is discardable.
	a := mustAlloc(t, r, 8192)
	b := mustAlloc(t, r, 8192)
	require.Equal(t, r.spanOf(a), r.spanOf(b))
	r.Free(a)

	s := r.DumpStats()
	var found BucketStats
	for _, bs := range s.Buckets {
		if bs.SlotSize == 8192 {
			found = bs
		}
	}
	assert.Equal(t, uintptr(layout.SystemPageSize), found.DiscardableBytes)

	discards := sim.Counters().Discards
	require.NoError(t, r.PurgeMemory(context.Background(), PurgeDiscardUnusedSystemPages))
	assert.Greater(t, sim.Counters().Discards, discards)
	checkOccupancy(t, r, r.spanOf(b))
	r.Free(b)
}

func TestPurgeDiscardSingleSlotTail(t *testing.T) {
	r, sim := newTestRoot(t, Config{})

	// Raw size 100000 in a 106496-byte slot: the last page is unused.
	a := mustAlloc(t, r, 100000)
	span := r.spanOf(a)
	require.NotZero(t, span.rawSize())

	want := layout.RoundUpToSystemPage(uintptr(106496)) - layout.RoundUpToSystemPage(100000)
	require.NotZero(t, want)
	assert.Equal(t, want, r.purgeSlotSpan(span, false))

	discards := sim.Counters().Discards
	require.NoError(t, r.PurgeMemory(context.Background(), PurgeDiscardUnusedSystemPages))
	assert.Greater(t, sim.Counters().Discards, discards)
	r.Free(a)
}

// The discard walk doubles as list maintenance: spans that changed state
// since the last sweep are refiled, and the remaining active spans end up
// ordered fullest first so emptier ones drain.
func TestPurgeMaintainsAndSortsActiveList(t *testing.T) {
	r, _ := newTestRoot(t, Config{})

	b := &r.buckets[layout.BucketIndex(48)]
	capacity := b.slotsPerSpan()
	spans := make([][]uintptr, 3)
	for i := range spans {
		spans[i] = make([]uintptr, capacity)
		for j := range spans[i] {
			spans[i][j] = mustAlloc(t, r, 48)
		}
	}
	// Free increasing amounts. The first two spans were swept off as full,
	// so their frees reinstate them at the head; the third never left the
	// list and keeps its tail position despite being the emptiest.
	for i := range spans {
		for j := 0; j < capacity/2>>(2-i); j++ {
			r.Free(spans[i][j])
		}
	}

	fullest := r.spanOf(spans[0][capacity-1])
	emptiest := r.spanOf(spans[2][capacity-1])
	r.mu.Lock()
	require.NotSame(t, fullest, b.activeHead, "list starts in reinstatement order")
	r.mu.Unlock()

	require.NoError(t, r.PurgeMemory(context.Background(), PurgeDiscardUnusedSystemPages))

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Same(t, fullest, b.activeHead)
	assert.NotSame(t, emptiest, b.activeHead)
	prev := -1
	for s := b.activeHead; s != nil && !s.isSentinel(); s = s.next {
		n := s.freelistLength(r)
		require.GreaterOrEqual(t, n, prev, "fullest spans must come first")
		prev = n
	}
}

func TestPurgeTruncatesFreeTail(t *testing.T) {
	r, sim := newTestRoot(t, Config{})
	for i := 0; i < 16; i++ {
		mustAlloc(t, r, 16384)
	}

	// 4096-byte slots, four per span. Keep the first, free the tail.
	addrs := make([]uintptr, 4)
	for i := range addrs {
		addrs[i] = mustAlloc(t, r, 4096)
	}
	span := r.spanOf(addrs[0])
	require.Equal(t, 4, span.slotsPerSpan())
	for _, a := range addrs[1:] {
		r.Free(a)
	}

	committed := r.totalCommitted.Load()
	decommits := sim.Counters().Decommits
	require.NoError(t, r.PurgeMemory(context.Background(), PurgeDiscardUnusedSystemPages))

	// Three trailing slots reverted to unprovisioned and left the
	// committed set through the provider.
	assert.Equal(t, 3, span.numUnprovisioned())
	assert.Zero(t, span.freelistHead)
	assert.Equal(t, committed-3*layout.SystemPageSize, r.totalCommitted.Load())
	assert.Greater(t, sim.Counters().Decommits, decommits)
	checkOccupancy(t, r, span)

	// The span still serves allocations by reprovisioning.
	b := mustAlloc(t, r, 4096)
	assert.Equal(t, addrs[1], b)
	r.Free(b)
	r.Free(addrs[0])
}

func TestPurgeResumableCursor(t *testing.T) {
	r, _ := newTestRoot(t, Config{})
	mustAlloc(t, r, 8192)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.PurgeMemory(ctx, PurgeDiscardUnusedSystemPages)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, r.purgeCursor, "canceled before the first bucket")

	require.NoError(t, r.PurgeMemory(context.Background(), PurgeDiscardUnusedSystemPages))
	assert.Zero(t, r.purgeCursor, "full walk wraps the cursor")
	assert.Equal(t, uint64(1), r.purgeGeneration)
}

func TestPurgeAllOnClosedRoot(t *testing.T) {
	r, _ := newTestRoot(t, Config{})
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.PurgeMemory(context.Background(), PurgeAll), ErrClosed)
}
