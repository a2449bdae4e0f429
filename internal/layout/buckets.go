package layout

import "math/bits"

// Size-to-bucket mapping. A size's order is the position of its highest set
// bit; within an order, the next three bits select one of eight evenly
// spaced size classes. Sizes that land between classes round up to the next
// class, and class sizes that are not multiples of the smallest bucket
// ("pseudo buckets", e.g. 9 or 10 bytes in order 4) are skipped so that the
// lookup always lands on an allocatable class.

var (
	orderIndexShifts   [BitsPerSizeT + 1]uint8
	orderSubIndexMasks [BitsPerSizeT + 1]uintptr
	bucketIndexLookup  [NumBucketLookupEntries]uint16
)

func init() {
	for order := 0; order <= BitsPerSizeT; order++ {
		var shift uint8
		if order >= NumBucketsPerOrderBits+1 {
			shift = uint8(order - (NumBucketsPerOrderBits + 1))
		}
		orderIndexShifts[order] = shift

		var mask uintptr
		if order == BitsPerSizeT {
			mask = ^uintptr(0) >> (NumBucketsPerOrderBits + 1)
		} else {
			mask = ((uintptr(1) << order) - 1) >> (NumBucketsPerOrderBits + 1)
		}
		orderSubIndexMasks[order] = mask
	}

	// Build the lookup table, skipping over pseudo buckets so every entry
	// resolves to a class whose size is a multiple of the smallest bucket.
	entry := 0
	bucket := 0
	for order := 0; order <= BitsPerSizeT; order++ {
		for j := 0; j < NumBucketsPerOrder; j++ {
			switch {
			case order < MinBucketedOrder:
				bucketIndexLookup[entry] = 0
			case order > MaxBucketedOrder:
				bucketIndexLookup[entry] = SentinelBucketIndex
			default:
				valid := bucket
				for BucketSize(valid)%SmallestBucketSize != 0 {
					valid++
				}
				bucketIndexLookup[entry] = uint16(valid)
				bucket++
			}
			entry++
		}
	}
	// Overflow entry for sizes whose rounding carries past the last order.
	bucketIndexLookup[entry] = SentinelBucketIndex
}

// BucketSize returns the slot size of bucket i. Callers must pass
// 0 <= i < NumBuckets.
func BucketSize(i int) uintptr {
	order := MinBucketedOrder + i/NumBucketsPerOrder
	base := uintptr(1) << (order - 1)
	increment := base >> NumBucketsPerOrderBits
	return base + uintptr(i%NumBucketsPerOrder)*increment
}

// ValidBucket reports whether bucket i serves allocations directly. Pseudo
// buckets exist only to keep the order arithmetic regular and must never be
// handed a request.
func ValidBucket(i int) bool {
	return BucketSize(i)%SmallestBucketSize == 0
}

// BucketIndex maps a requested size to its bucket index, or
// SentinelBucketIndex when the size is beyond the largest bucketed class.
func BucketIndex(size uintptr) int {
	order := bits.Len64(uint64(size))
	orderIndex := (size >> orderIndexShifts[order]) & (NumBucketsPerOrder - 1)
	subOrderIndex := size & orderSubIndexMasks[order]
	var carry uintptr
	if subOrderIndex != 0 {
		carry = 1
	}
	return int(bucketIndexLookup[(uintptr(order)<<NumBucketsPerOrderBits)+orderIndex+carry])
}
