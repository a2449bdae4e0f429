package partition

import (
	"github.com/joshuapare/partkit/internal/layout"
)

// directMapExtent is a bespoke single-allocation mapping for requests
// beyond the largest bucketed size. It reuses the slot-span metadata shape
// (a one-slot span with a synthetic bucket) so shared code paths treat it
// uniformly, but bypasses all span-list machinery.
type directMapExtent struct {
	next, prev *directMapExtent

	base        uintptr // reservation base, super-page aligned
	reservation uintptr // total reserved bytes, super-page multiple
	payload     uintptr // first usable byte, one partition page in
	mapSize     uintptr // maximum committable payload bytes
	slotSize    uintptr // currently committed payload bytes
	rawSize     uintptr // exact requested size

	bucket Bucket
	span   SlotSpan
	dead   bool
}

// allocDirect reserves a dedicated mapping sized to the request. The first
// and last partition pages of the reservation stay uncommitted as guards.
func (r *Root) allocDirect(rawSize uintptr, flags AllocFlags) (uintptr, []byte, error) {
	if flags&AllocFastPathOnly != 0 {
		// A direct map always reserves and commits.
		return 0, nil, ErrWouldBlock
	}
	slotSize := layout.RoundUpToSystemPage(rawSize)
	reservation := layout.RoundUpToSuperPage(slotSize + 2*layout.PartitionPageSize)

	base, err := r.mem.Reserve(0, reservation, layout.SuperPageSize)
	if err != nil {
		return r.failAlloc(rawSize, flags, ErrOutOfMemory)
	}

	dm := &directMapExtent{
		base:        base,
		reservation: reservation,
		payload:     base + layout.PartitionPageSize,
		mapSize:     layout.RoundDownToSystemPage(reservation - 2*layout.PartitionPageSize),
		slotSize:    slotSize,
		rawSize:     rawSize,
	}
	dm.bucket = Bucket{slotSize: slotSize, canStoreRawSize: true, valid: true}
	dm.span = SlotSpan{bucket: &dm.bucket, dm: dm, ringIndex: -1}
	dm.span.bits |= spanCanStoreRawSize
	dm.span.setNumAllocated(1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = r.mem.Release(base, reservation)
		return 0, nil, ErrClosed
	}
	if err := r.commitPages(dm.payload, slotSize); err != nil {
		r.mu.Unlock()
		_ = r.mem.Release(base, reservation)
		return r.failAlloc(rawSize, flags, err)
	}
	dm.next = r.directMapList
	if r.directMapList != nil {
		r.directMapList.prev = dm
	}
	r.directMapList = dm
	for b := base; b < base+reservation; b += layout.SuperPageSize {
		r.directs.Store(b, dm)
	}
	r.totalMapped.Add(uint64(reservation))
	r.addAllocated(uint64(slotSize))
	r.mu.Unlock()

	debugLogf("direct map @%#x: %d bytes (reserved %d)", dm.payload, slotSize, reservation)
	return r.finishAlloc(dm.payload, slotSize, flags)
}

// freeDirect unlinks and releases a direct map. The release syscall runs
// after the lock is dropped; by then no lookup can reach the extent.
func (r *Root) freeDirect(dm *directMapExtent, addr uintptr) {
	if addr != dm.payload {
		corrupt("free of interior direct map pointer", addr)
	}
	r.mu.Lock()
	if dm.dead {
		r.mu.Unlock()
		corrupt("double free of direct map", addr)
	}
	dm.dead = true
	if dm.prev != nil {
		dm.prev.next = dm.next
	} else {
		r.directMapList = dm.next
	}
	if dm.next != nil {
		dm.next.prev = dm.prev
	}
	for b := dm.base; b < dm.base+dm.reservation; b += layout.SuperPageSize {
		r.directs.Delete(b)
	}
	r.subCommitted(uint64(dm.slotSize))
	r.subAllocated(uint64(dm.slotSize))
	r.totalMapped.Add(^uint64(dm.reservation) + 1)
	r.mu.Unlock()

	_ = r.mem.Release(dm.base, dm.reservation)
	debugLogf("direct unmap @%#x (%d bytes)", dm.payload, dm.slotSize)
}

// reallocDirectInPlace resizes a direct map inside its own reservation.
// Growth recommits tail pages up to the reservation's capacity. Shrinking
// decommits the tail, but only while the new size stays within the
// configured tolerance of the map's capacity; past that, holding the
// oversized reservation costs more than moving the allocation.
func (r *Root) reallocDirectInPlace(dm *directMapExtent, newRawSize uintptr) bool {
	newSlot := layout.RoundUpToSystemPage(newRawSize)
	if newSlot <= layout.MaxBucketedSize {
		// Too small to stay direct mapped.
		return false
	}

	r.mu.Lock()
	switch {
	case newSlot == dm.slotSize:
		// Capacity unchanged; only the raw size moves.

	case newSlot < dm.slotSize:
		num, den := uintptr(r.cfg.DirectMapShrinkNum), uintptr(r.cfg.DirectMapShrinkDen)
		if newSlot*den < dm.mapSize*num {
			r.mu.Unlock()
			return false
		}
		shrink := dm.slotSize - newSlot
		r.subAllocated(uint64(shrink))
		dm.slotSize = newSlot
		dm.bucket.slotSize = newSlot
		r.decommitPagesScoped(dm.payload+newSlot, shrink)

	case newSlot <= dm.mapSize:
		grow := newSlot - dm.slotSize
		if err := r.commitPages(dm.payload+dm.slotSize, grow); err != nil {
			r.mu.Unlock()
			return false
		}
		r.addAllocated(uint64(grow))
		dm.slotSize = newSlot
		dm.bucket.slotSize = newSlot

	default:
		// Does not fit the reservation.
		r.mu.Unlock()
		return false
	}
	dm.rawSize = newRawSize
	r.mu.Unlock()
	return true
}
