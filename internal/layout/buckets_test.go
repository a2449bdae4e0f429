package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketSize(t *testing.T) {
	assert.Equal(t, uintptr(16), BucketSize(0))
	// Order 6 subdivides [32, 64) into steps of 4.
	assert.Equal(t, uintptr(32), BucketSize(8))
	assert.Equal(t, uintptr(36), BucketSize(9))
	assert.Equal(t, uintptr(48), BucketSize(12))
	assert.Equal(t, uintptr(MaxBucketedSize), BucketSize(NumBuckets-1))
}

func TestValidBucket(t *testing.T) {
	// Only multiples of the smallest bucket are allocatable classes.
	for i := 0; i < NumBuckets; i++ {
		assert.Equal(t, BucketSize(i)%SmallestBucketSize == 0, ValidBucket(i), "bucket %d", i)
	}
	assert.True(t, ValidBucket(0))
	assert.False(t, ValidBucket(9)) // 36 bytes
	assert.True(t, ValidBucket(12)) // 48 bytes
}

func TestBucketIndexRoundsUpToValidClass(t *testing.T) {
	cases := []struct {
		size uintptr
		slot uintptr
	}{
		{1, 16},
		{8, 16},
		{16, 16},
		{17, 32},
		{32, 32},
		{33, 48}, // 36/40/44 are pseudo classes
		{48, 48},
		{49, 64},
		{100, 112},
		{4096, 4096},
		{4097, 4608},
		{MaxBucketedSize, MaxBucketedSize},
	}
	for _, c := range cases {
		idx := BucketIndex(c.size)
		require.NotEqual(t, SentinelBucketIndex, idx, "size %d", c.size)
		require.True(t, ValidBucket(idx), "size %d -> pseudo bucket %d", c.size, idx)
		assert.Equal(t, c.slot, BucketSize(idx), "size %d", c.size)
		assert.GreaterOrEqual(t, BucketSize(idx), c.size)
	}
}

func TestBucketIndexSentinel(t *testing.T) {
	assert.Equal(t, SentinelBucketIndex, BucketIndex(MaxBucketedSize+1))
	assert.Equal(t, SentinelBucketIndex, BucketIndex(1<<21))
	assert.Equal(t, SentinelBucketIndex, BucketIndex(MaxDirectMappedSize))
}

func TestBucketIndexMonotonic(t *testing.T) {
	prev := BucketIndex(1)
	for size := uintptr(2); size <= 2048; size++ {
		idx := BucketIndex(size)
		require.GreaterOrEqual(t, idx, prev, "size %d", size)
		prev = idx
	}
}
