package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/partkit/internal/layout"
)

func TestComputeSystemPagesPerSlotSpanDeterministic(t *testing.T) {
	// Pure function: same inputs, same geometry, on every call.
	for _, slot := range []uintptr{16, 48, 96, 4096, 8192, 16384, 65536, 106496} {
		for _, prefer := range []bool{false, true} {
			a := ComputeSystemPagesPerSlotSpan(slot, prefer)
			b := ComputeSystemPagesPerSlotSpan(slot, prefer)
			require.Equal(t, a, b, "slot %d prefer %v", slot, prefer)
		}
	}
}

func TestComputeSystemPagesPerSlotSpan(t *testing.T) {
	// Zero-waste runs win the default scan.
	assert.Equal(t, 4, ComputeSystemPagesPerSlotSpan(16, false))
	assert.Equal(t, 4, ComputeSystemPagesPerSlotSpan(4096, false))
	assert.Equal(t, 4, ComputeSystemPagesPerSlotSpan(16384, false))
	assert.Equal(t, 12, ComputeSystemPagesPerSlotSpan(48, false)) // 1024 slots exactly

	// Sizes beyond the longest run become single-slot spans of exactly the
	// slot, page rounded.
	assert.Equal(t, 18, ComputeSystemPagesPerSlotSpan(70000, false))
	assert.Equal(t, 26, ComputeSystemPagesPerSlotSpan(106496, false))
}

func TestComputeSystemPagesPerSlotSpanBounds(t *testing.T) {
	for i := 0; i < layout.NumBuckets; i++ {
		if !layout.ValidBucket(i) {
			continue
		}
		slot := layout.BucketSize(i)
		pages := ComputeSystemPagesPerSlotSpan(slot, false)
		runBytes := uintptr(pages) << layout.SystemPageShift
		require.GreaterOrEqual(t, runBytes, slot, "bucket %d", i)
		if slot <= layout.MaxSystemPagesPerSlotSpan*layout.SystemPageSize {
			require.LessOrEqual(t, pages, layout.MaxSystemPagesPerSlotSpan, "bucket %d", i)
		}
	}
}

func TestPreferSmallSlotSpans(t *testing.T) {
	// The prefer-small policy accepts a single page for 48-byte slots (16
	// bytes of waste is under 2%) where the default policy takes twelve.
	assert.Equal(t, 1, ComputeSystemPagesPerSlotSpan(48, true))

	for i := 0; i < layout.NumBuckets; i++ {
		if !layout.ValidBucket(i) {
			continue
		}
		slot := layout.BucketSize(i)
		small := ComputeSystemPagesPerSlotSpan(slot, true)
		normal := ComputeSystemPagesPerSlotSpan(slot, false)
		require.LessOrEqual(t, small, normal, "bucket %d (slot %d)", i, slot)
	}
}

func TestActiveListSweepFilesSpansByState(t *testing.T) {
	r, _ := newTestRoot(t, Config{})
	// Ballast keeps emptied spans out of the ring trimmer.
	for i := 0; i < 16; i++ {
		mustAlloc(t, r, 16384)
	}

	b := &r.buckets[layout.BucketIndex(48)]
	capacity := b.slotsPerSpan()

	// Build three spans: one full, one emptied, one partially used.
	full := make([]uintptr, capacity)
	for i := range full {
		full[i] = mustAlloc(t, r, 48)
	}
	second := make([]uintptr, capacity)
	for i := range second {
		second[i] = mustAlloc(t, r, 48)
	}
	for _, a := range second {
		r.Free(a)
	}
	partial := mustAlloc(t, r, 48)

	fullSpan := r.spanOf(full[0])
	emptySpan := r.spanOf(second[0])
	partialSpan := r.spanOf(partial)

	assert.Equal(t, 1, b.numFullSpans)
	assert.True(t, fullSpan.markedFull())
	assert.Equal(t, "active", spanState(t, partialSpan))

	// The emptied span was either refiled onto the empty list or reused as
	// the partial span's backing, depending on sweep timing; it must not be
	// lost.
	if emptySpan != partialSpan {
		state := spanState(t, emptySpan)
		assert.Contains(t, []string{"empty", "decommitted"}, state)
	}
}

func TestSortActiveSlotSpans(t *testing.T) {
	r, _ := newTestRoot(t, Config{})
	b := &r.buckets[layout.BucketIndex(48)]

	// Three spans with different fill levels, fullest last.
	capacity := b.slotsPerSpan()
	spans := make([][]uintptr, 3)
	for i := range spans {
		spans[i] = make([]uintptr, capacity)
		for j := range spans[i] {
			spans[i][j] = mustAlloc(t, r, 48)
		}
	}
	// Free decreasing amounts: span 0 mostly free, span 2 barely free.
	for i := range spans {
		for j := 0; j < capacity/2>>i; j++ {
			r.Free(spans[i][j])
		}
	}

	r.mu.Lock()
	b.maintainActiveList()
	b.sortActiveSlotSpans(r)

	// Fullest span (shortest freelist) first.
	prev := -1
	for s := b.activeHead; s != nil && !s.isSentinel(); s = s.next {
		n := s.freelistLength(r)
		require.GreaterOrEqual(t, n, prev)
		prev = n
	}
	r.mu.Unlock()
}

func TestSortFreelistAscending(t *testing.T) {
	r, _ := newTestRoot(t, Config{})

	addrs := make([]uintptr, 20)
	for i := range addrs {
		addrs[i] = mustAlloc(t, r, 48)
	}
	span := r.spanOf(addrs[0])

	// Free in a scrambled order, then straighten.
	for _, i := range []int{7, 2, 19, 0, 11, 5, 13} {
		r.Free(addrs[i])
	}
	require.False(t, span.freelistSorted())

	r.mu.Lock()
	span.sortFreelist(r)
	prev := uintptr(0)
	for e := span.freelistHead; e != 0; e = readFreelistEntry(e, r.key) {
		require.Greater(t, e, prev)
		prev = e
	}
	r.mu.Unlock()
	assert.True(t, span.freelistSorted())
	checkOccupancy(t, r, span)
}
