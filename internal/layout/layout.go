// Package layout houses the page and bucket geometry for the partition
// allocator. The goal is to keep the raw constants and the size-to-bucket
// arithmetic in one dependency-free place so higher-level packages can
// reason about addresses without re-deriving the layout.
package layout

const (
	// SystemPageShift is log2 of the assumed OS page size. The allocator
	// targets 4 KiB pages; larger-page systems still work, they just see
	// coarser commit granularity than the OS enforces.
	SystemPageShift = 12

	// SystemPageSize is the commit/decommit granularity in bytes.
	SystemPageSize = 1 << SystemPageShift

	// SystemPageOffsetMask masks the offset within a system page.
	SystemPageOffsetMask = SystemPageSize - 1

	// SystemPageBaseMask masks an address down to its system page base.
	SystemPageBaseMask = ^uintptr(SystemPageOffsetMask)

	// PartitionPageShift is log2 of the partition page size. A partition
	// page is the carve granularity within a super page: slot spans always
	// occupy a whole number of partition pages.
	PartitionPageShift = 14

	// PartitionPageSize is 16 KiB, four system pages.
	PartitionPageSize = 1 << PartitionPageShift

	// PartitionPageOffsetMask masks the offset within a partition page.
	PartitionPageOffsetMask = PartitionPageSize - 1

	// NumSystemPagesPerPartitionPage is the system-page count per partition
	// page.
	NumSystemPagesPerPartitionPage = PartitionPageSize / SystemPageSize

	// SuperPageShift is log2 of the super page size. Super pages are the
	// reservation granularity obtained from the memory provider.
	SuperPageShift = 21

	// SuperPageSize is 2 MiB.
	SuperPageSize = 1 << SuperPageShift

	// SuperPageOffsetMask masks the offset within a super page.
	SuperPageOffsetMask = SuperPageSize - 1

	// SuperPageBaseMask masks an address down to its super page base.
	SuperPageBaseMask = ^uintptr(SuperPageOffsetMask)

	// NumPartitionPagesPerSuperPage is the partition-page count per super
	// page, including the two guard partition pages at either end.
	NumPartitionPagesPerSuperPage = SuperPageSize / PartitionPageSize

	// MaxPartitionPagesPerSlotSpan bounds how many partition pages a single
	// slot span may cover.
	MaxPartitionPagesPerSlotSpan = 4

	// MaxSystemPagesPerSlotSpan bounds the page-run length considered by the
	// slot span geometry search.
	MaxSystemPagesPerSlotSpan = NumSystemPagesPerPartitionPage * MaxPartitionPagesPerSlotSpan

	// MaxSlotsPerSlotSpan is the worst-case slot count in one span (largest
	// span filled with the smallest slot size). Occupancy counters are
	// packed into 13-bit fields, so this must fit in one.
	MaxSlotsPerSlotSpan = PartitionPageSize * MaxPartitionPagesPerSlotSpan / SmallestBucketSize
)

const (
	// NumBucketsPerOrderBits is log2 of the bucket count within one
	// power-of-two size order.
	NumBucketsPerOrderBits = 3

	// NumBucketsPerOrder subdivides each size order into this many evenly
	// spaced size classes.
	NumBucketsPerOrder = 1 << NumBucketsPerOrderBits

	// MinBucketedOrder is the first order served by buckets. Order n serves
	// sizes up to 2^n in classes starting at 2^(n-1), so order 5 makes the
	// smallest class 16 bytes. The floor exists because a free slot must
	// hold a 16-byte freelist entry (pointer plus shadow).
	MinBucketedOrder = 5

	// MaxBucketedOrder is the last bucketed order; larger requests are
	// direct mapped.
	MaxBucketedOrder = 20

	// NumBucketedOrders is the count of orders served by buckets.
	NumBucketedOrders = MaxBucketedOrder - MinBucketedOrder + 1

	// NumBuckets is the size of a root's bucket array, excluding the
	// sentinel.
	NumBuckets = NumBucketedOrders * NumBucketsPerOrder

	// SmallestBucketSize is the slot size of bucket 0.
	SmallestBucketSize = 1 << (MinBucketedOrder - 1)

	// MaxBucketedSize is the largest slot size served by a bucket: the
	// top size class of the top order (983040 bytes).
	MaxBucketedSize = (1 << (MaxBucketedOrder - 1)) +
		((NumBucketsPerOrder - 1) << (MaxBucketedOrder - 1 - NumBucketsPerOrderBits))

	// MaxDirectMappedSize caps direct-mapped requests at 2 GiB. Anything
	// larger is a size-limit violation.
	MaxDirectMappedSize = 1 << 31

	// BitsPerSizeT is the width of a size in bits on 64-bit targets.
	BitsPerSizeT = 64

	// NumBucketLookupEntries sizes the order/sub-order lookup table. One
	// extra slot catches sizes that overflow to a nonexistent order.
	NumBucketLookupEntries = (BitsPerSizeT+1)*NumBucketsPerOrder + 1

	// SentinelBucketIndex tags a size as direct mapped. It is one past the
	// last real bucket.
	SentinelBucketIndex = NumBuckets
)

// Occupancy counters must fit their 13-bit packed fields.
const _ uint = 1<<13 - MaxSlotsPerSlotSpan

// A slot span never outgrows its super page payload.
const _ uint = (NumPartitionPagesPerSuperPage - 2) - MaxPartitionPagesPerSlotSpan

// RoundUpToSystemPage returns n aligned up to the next system page boundary.
//
// Example:
//
//	RoundUpToSystemPage(1)    = 4096
//	RoundUpToSystemPage(4096) = 4096
//	RoundUpToSystemPage(4097) = 8192
func RoundUpToSystemPage(n uintptr) uintptr {
	return (n + SystemPageOffsetMask) & SystemPageBaseMask
}

// RoundDownToSystemPage returns n aligned down to its system page boundary.
func RoundDownToSystemPage(n uintptr) uintptr {
	return n & SystemPageBaseMask
}

// RoundUpToPartitionPage returns n aligned up to the next partition page
// boundary.
func RoundUpToPartitionPage(n uintptr) uintptr {
	return (n + PartitionPageOffsetMask) & ^uintptr(PartitionPageOffsetMask)
}

// RoundUpToSuperPage returns n aligned up to the next super page boundary.
func RoundUpToSuperPage(n uintptr) uintptr {
	return (n + SuperPageOffsetMask) & SuperPageBaseMask
}

// SuperPageBase returns the super page base address containing addr.
func SuperPageBase(addr uintptr) uintptr {
	return addr & SuperPageBaseMask
}

// PartitionPageIndex returns the partition page index of addr within its
// super page.
func PartitionPageIndex(addr uintptr) int {
	return int((addr & SuperPageOffsetMask) >> PartitionPageShift)
}
