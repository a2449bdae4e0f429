package partition

// AllocFlags adjust the behavior of a single allocation.
type AllocFlags uint8

const (
	// AllocReturnNull makes allocation failure return ErrOutOfMemory (or
	// ErrSizeTooLarge) instead of terminating the process.
	AllocReturnNull AllocFlags = 1 << iota

	// AllocZeroFill zeroes the returned slot.
	AllocZeroFill

	// AllocFastPathOnly refuses any path that might block or call into the
	// OS, returning ErrWouldBlock instead. Used by caching layers that must
	// never stall.
	AllocFastPathOnly
)

// PurgeFlags select which reclamation behaviors PurgeMemory performs.
type PurgeFlags uint8

const (
	// PurgeDecommitEmptySpans force-decommits the entire empty-span ring
	// immediately.
	PurgeDecommitEmptySpans PurgeFlags = 1 << iota

	// PurgeDiscardUnusedSystemPages walks buckets with at least
	// system-page-sized slots and discards whole OS pages not backing a
	// live slot. The walk is resumable across calls.
	PurgeDiscardUnusedSystemPages
)

// PurgeAll combines every purge behavior.
const PurgeAll = PurgeDecommitEmptySpans | PurgeDiscardUnusedSystemPages
