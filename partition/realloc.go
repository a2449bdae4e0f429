package partition

import (
	"github.com/joshuapare/partkit/internal/layout"
	"github.com/joshuapare/partkit/internal/sysmem"
)

// Realloc resizes an allocation. A nil address allocates; a zero size
// frees. Direct maps resize in place when the new size fits the existing
// reservation within tolerance; bucketed allocations stay put when the new
// request lands in the same capacity. Everything else moves: allocate,
// copy the smaller of the two sizes, free.
func (r *Root) Realloc(addr, newSize uintptr, flags AllocFlags) (uintptr, []byte, error) {
	if addr == 0 {
		return r.Alloc(newSize, flags)
	}
	if newSize == 0 {
		r.Free(addr)
		return 0, nil, nil
	}
	if newSize > layout.MaxDirectMappedSize {
		return r.failAlloc(newSize, flags, ErrSizeTooLarge)
	}

	if v, ok := r.directs.Load(layout.SuperPageBase(addr)); ok {
		dm := v.(*directMapExtent)
		if addr != dm.payload {
			corrupt("realloc of interior direct map pointer", addr)
		}
		if r.reallocDirectInPlace(dm, newSize) {
			return addr, sysmem.Bytes(addr, dm.slotSize), nil
		}
	}

	oldCapacity := r.UsableSize(addr)
	newCapacity := r.AllocationCapacityFromRequestedSize(newSize)
	if oldCapacity == newCapacity {
		// Same capacity class; keep the slot, refresh the raw size where
		// one is stored.
		if span := r.spanOf(addr); span != nil && span.canStoreRawSize() {
			r.mu.Lock()
			span.setRawSize(newSize)
			r.mu.Unlock()
		}
		return addr, sysmem.Bytes(addr, oldCapacity), nil
	}

	newAddr, buf, err := r.Alloc(newSize, flags)
	if err != nil {
		return 0, nil, err
	}
	copySize := oldCapacity
	if newSize < copySize {
		copySize = newSize
	}
	copy(buf, sysmem.Bytes(addr, copySize))
	r.Free(addr)
	return newAddr, buf, nil
}
