package partition

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory indicates the provider could not supply address space
	// or backing pages, even after decommitting the empty-span ring.
	ErrOutOfMemory = errors.New("partition: out of memory")

	// ErrSizeTooLarge indicates a request beyond the largest direct-mappable
	// size.
	ErrSizeTooLarge = errors.New("partition: size exceeds direct map limit")

	// ErrWouldBlock indicates a fast-path-only allocation that would have
	// needed a slow, possibly blocking path.
	ErrWouldBlock = errors.New("partition: allocation requires slow path")

	// ErrBadAlignment indicates an unsupported alignment request.
	ErrBadAlignment = errors.New("partition: unsupported alignment")

	// ErrClosed indicates use of a root after Close.
	ErrClosed = errors.New("partition: root is closed")
)

// errProvisionRaced reports that a commit retry dropped the lock and other
// threads drained the chosen span meanwhile. It never leaves the package;
// the allocation restarts and picks a span again.
var errProvisionRaced = errors.New("partition: span drained during commit retry")

// CorruptionError reports tampered or inconsistent allocator state: a
// freelist shadow mismatch, a double free, or a pointer that does not
// belong to the root. It is delivered by panic and should never be
// recovered; the heap can no longer be trusted.
type CorruptionError struct {
	Reason string
	Addr   uintptr
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("partition: corruption detected: %s (addr %#x)", e.Reason, e.Addr)
}

// OutOfMemoryError is delivered by panic when an allocation without the
// AllocReturnNull flag cannot be satisfied. It carries the counters needed
// for post-mortem analysis.
type OutOfMemoryError struct {
	Requested uintptr
	Committed uintptr
	Allocated uintptr
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("partition: out of memory: requested %d bytes (committed %d, allocated %d)",
		e.Requested, e.Committed, e.Allocated)
}

// corrupt terminates the process on detected corruption.
func corrupt(reason string, addr uintptr) {
	panic(&CorruptionError{Reason: reason, Addr: addr})
}
