// Package sysmem abstracts the virtual-memory primitives the allocator
// needs: reserving address space, committing and decommitting pages within
// a reservation, discarding page contents, and releasing reservations.
//
// Two implementations exist:
//
//   - OS: mmap/mprotect/madvise on Linux, the production provider.
//   - Sim: an in-process provider backed by ordinary heap memory, with
//     deterministic behavior, call counters, and fault injection. Used by
//     tests and as the fallback on platforms without the syscall surface.
//
// All sizes and addresses handed to a Provider must be system-page aligned.
package sysmem

import (
	"errors"
	"unsafe"
)

var (
	// ErrReserveFailed indicates the provider could not reserve address
	// space of the requested size and alignment.
	ErrReserveFailed = errors.New("sysmem: reserve failed")

	// ErrCommitFailed indicates backing pages could not be committed.
	ErrCommitFailed = errors.New("sysmem: commit failed")

	// ErrBadRange indicates an address range outside any live reservation.
	ErrBadRange = errors.New("sysmem: range not within a reservation")
)

// Provider supplies reserved address space and page-granular commit control.
//
// Reserve returns an address aligned to align. hint, when nonzero, asks the
// provider to place the reservation at that exact address; the provider may
// place it elsewhere. Reserved pages are inaccessible until committed.
//
// Commit makes pages readable and writable. Pages committed for the first
// time, or committed again after Decommit, read as zero.
//
// Decommit returns backing pages to the system and makes them inaccessible
// while keeping the address range reserved. Contents are lost.
//
// Discard keeps pages accessible but tells the system their contents are
// disposable; a later read returns either the original bytes or zeroes.
//
// Release unreserves an entire range previously returned by Reserve.
type Provider interface {
	Reserve(hint, size, align uintptr) (uintptr, error)
	Commit(addr, size uintptr) error
	Decommit(addr, size uintptr) error
	Discard(addr, size uintptr) error
	Release(addr, size uintptr) error
}

// Bytes returns the size bytes starting at addr as a slice. The caller is
// responsible for addr being committed memory owned by a live reservation.
func Bytes(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}
