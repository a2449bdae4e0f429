package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageConstants(t *testing.T) {
	assert.Equal(t, uintptr(4096), uintptr(SystemPageSize))
	assert.Equal(t, uintptr(16384), uintptr(PartitionPageSize))
	assert.Equal(t, uintptr(1<<21), uintptr(SuperPageSize))
	assert.Equal(t, 4, NumSystemPagesPerPartitionPage)
	assert.Equal(t, 128, NumPartitionPagesPerSuperPage)
	assert.Equal(t, 16, MaxSystemPagesPerSlotSpan)
}

func TestBucketConstants(t *testing.T) {
	assert.Equal(t, uintptr(16), uintptr(SmallestBucketSize))
	assert.Equal(t, uintptr(983040), uintptr(MaxBucketedSize))
	assert.Equal(t, 128, NumBuckets)
	assert.Equal(t, NumBuckets, SentinelBucketIndex)
}

func TestRoundUpToSystemPage(t *testing.T) {
	cases := []struct{ in, want uintptr }{
		{0, 0},
		{1, 4096},
		{4095, 4096},
		{4096, 4096},
		{4097, 8192},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, RoundUpToSystemPage(c.in), "RoundUpToSystemPage(%d)", c.in)
	}
}

func TestRoundDownToSystemPage(t *testing.T) {
	assert.Equal(t, uintptr(0), RoundDownToSystemPage(4095))
	assert.Equal(t, uintptr(4096), RoundDownToSystemPage(4096))
	assert.Equal(t, uintptr(4096), RoundDownToSystemPage(8191))
}

func TestRoundUpToPartitionPage(t *testing.T) {
	assert.Equal(t, uintptr(16384), RoundUpToPartitionPage(1))
	assert.Equal(t, uintptr(16384), RoundUpToPartitionPage(16384))
	assert.Equal(t, uintptr(32768), RoundUpToPartitionPage(16385))
}

func TestSuperPageAddressing(t *testing.T) {
	base := uintptr(7) << SuperPageShift
	assert.Equal(t, base, SuperPageBase(base))
	assert.Equal(t, base, SuperPageBase(base+SuperPageSize-1))
	assert.Equal(t, 0, PartitionPageIndex(base))
	assert.Equal(t, 1, PartitionPageIndex(base+PartitionPageSize))
	assert.Equal(t, 127, PartitionPageIndex(base+SuperPageSize-1))

	require.Equal(t, base+SuperPageSize, RoundUpToSuperPage(base+1))
	require.Equal(t, base, RoundUpToSuperPage(base))
}
