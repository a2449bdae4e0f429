//go:build linux

package sysmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// OS is the production provider, built on anonymous private mappings.
// Reserved ranges are mapped PROT_NONE; Commit flips pages to read-write,
// Decommit drops their backing and flips them back to PROT_NONE, so stray
// touches of uncommitted memory fault.
type OS struct{}

// NewOS returns the mmap-backed provider.
func NewOS() *OS { return &OS{} }

// Default returns the provider used when a configuration supplies none.
func Default() Provider { return NewOS() }

func (o *OS) Reserve(hint, size, align uintptr) (uintptr, error) {
	const prot = unix.PROT_NONE
	const flags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS

	if hint != 0 && hint&(align-1) == 0 {
		p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), size, prot, flags)
		if err == nil {
			if uintptr(p) == hint {
				return hint, nil
			}
			// Placed elsewhere; discard and fall through to the aligned path.
			_ = unix.MunmapPtr(p, size)
		}
	}

	request := size + align
	p, err := unix.MmapPtr(-1, 0, nil, request, prot, flags)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrReserveFailed, err)
	}
	base := uintptr(p)
	aligned := (base + align - 1) &^ (align - 1)
	if head := aligned - base; head != 0 {
		_ = unix.MunmapPtr(unsafe.Pointer(base), head)
	}
	if tail := base + request - (aligned + size); tail != 0 {
		_ = unix.MunmapPtr(unsafe.Pointer(aligned+size), tail)
	}
	return aligned, nil
}

func (o *OS) Commit(addr, size uintptr) error {
	if err := unix.Mprotect(Bytes(addr, size), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	return nil
}

func (o *OS) Decommit(addr, size uintptr) error {
	b := Bytes(addr, size)
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

func (o *OS) Discard(addr, size uintptr) error {
	return unix.Madvise(Bytes(addr, size), unix.MADV_DONTNEED)
}

func (o *OS) Release(addr, size uintptr) error {
	return unix.MunmapPtr(unsafe.Pointer(addr), size)
}
