package partition

import (
	"github.com/joshuapare/partkit/internal/layout"
)

// spanBits packs a span's occupancy counters and flags into one word:
//
//	bits  0-12  allocated slot count
//	bits 13-25  unprovisioned slot count
//	bit  26     marked full (dropped from the active list)
//	bit  27     freelist is in ascending address order
//	bit  28     span may record the raw (unrounded) request size
type spanBits uint32

const (
	spanCountBits = 13
	spanCountMask = 1<<spanCountBits - 1

	spanMarkedFull      spanBits = 1 << 26
	spanFreelistSorted  spanBits = 1 << 27
	spanCanStoreRawSize spanBits = 1 << 28
)

// Counter fields must hold the worst-case slot count.
const _ uint = 1<<spanCountBits - layout.MaxSlotsPerSlotSpan

// SlotSpan is the metadata record for one contiguous run of partition pages
// divided into equal-size slots of a single bucket. The record lives in the
// root's metadata arena, never inside the payload it describes.
type SlotSpan struct {
	bucket *Bucket
	next   *SlotSpan

	sp *superPage       // owning super page; nil for the sentinel
	dm *directMapExtent // non-nil only for direct-mapped spans

	freelistHead uintptr // 0 when no free slots

	pageIndex      uint16 // first partition page within the super page
	ringIndex      int16  // empty-ring position, -1 when absent
	ringDirtyBytes uint32 // dirty bytes attributed to the ring entry

	bits spanBits
}

// sentinelSpan stands in for "no active span". It is shared by every bucket
// of every root and is never mutated.
var sentinelSpan = &SlotSpan{ringIndex: -1}

func (s *SlotSpan) isSentinel() bool { return s == sentinelSpan }

func (s *SlotSpan) numAllocated() int {
	return int(s.bits & spanCountMask)
}

func (s *SlotSpan) numUnprovisioned() int {
	return int((s.bits >> spanCountBits) & spanCountMask)
}

func (s *SlotSpan) setNumAllocated(n int) {
	s.bits = (s.bits &^ spanCountMask) | spanBits(n)
}

func (s *SlotSpan) setNumUnprovisioned(n int) {
	s.bits = (s.bits &^ (spanCountMask << spanCountBits)) | spanBits(n)<<spanCountBits
}

func (s *SlotSpan) markedFull() bool         { return s.bits&spanMarkedFull != 0 }
func (s *SlotSpan) freelistSorted() bool     { return s.bits&spanFreelistSorted != 0 }
func (s *SlotSpan) canStoreRawSize() bool    { return s.bits&spanCanStoreRawSize != 0 }
func (s *SlotSpan) setMarkedFull(v bool)     { s.setFlag(spanMarkedFull, v) }
func (s *SlotSpan) setFreelistSorted(v bool) { s.setFlag(spanFreelistSorted, v) }

func (s *SlotSpan) setFlag(f spanBits, v bool) {
	if v {
		s.bits |= f
	} else {
		s.bits &^= f
	}
}

// slotsPerSpan returns the span's total slot capacity.
func (s *SlotSpan) slotsPerSpan() int {
	if s.dm != nil {
		return 1
	}
	return s.bucket.slotsPerSpan()
}

// start returns the address of the span's first slot.
func (s *SlotSpan) start() uintptr {
	if s.dm != nil {
		return s.dm.payload
	}
	return s.sp.base + uintptr(s.pageIndex)<<layout.PartitionPageShift
}

// spanBytes returns the payload bytes spanned (whole system pages times the
// bucket geometry, not rounded up to partition pages).
func (s *SlotSpan) spanBytes() uintptr {
	if s.dm != nil {
		return s.dm.slotSize
	}
	return s.bucket.slotSpanBytes()
}

// provisionedBytes covers every slot that has been handed to the freelist
// or to a caller since the span's creation or last reset.
func (s *SlotSpan) provisionedBytes() uintptr {
	return uintptr(s.slotsPerSpan()-s.numUnprovisioned()) * s.bucket.slotSize
}

// committedBytes is the span's current page footprint: the whole span under
// eager commit, the provisioned prefix rounded up to a page otherwise.
func (s *SlotSpan) committedBytes(eager bool) uintptr {
	if eager {
		return layout.RoundUpToSystemPage(s.spanBytes())
	}
	return layout.RoundUpToSystemPage(s.provisionedBytes())
}

// State predicates. Exactly one holds for any span other than the sentinel.

func (s *SlotSpan) isActive() bool {
	return s.numAllocated() > 0 && (s.freelistHead != 0 || s.numUnprovisioned() > 0)
}

func (s *SlotSpan) isFull() bool {
	return s.numAllocated() == s.slotsPerSpan()
}

func (s *SlotSpan) isEmpty() bool {
	return s.numAllocated() == 0 && s.freelistHead != 0
}

func (s *SlotSpan) isDecommitted() bool {
	return s.numAllocated() == 0 && s.freelistHead == 0 && s.numUnprovisioned() == 0
}

// setRawSize records the exact requested size. Only legal when the bucket
// can store raw sizes (single-slot spans and direct maps).
func (s *SlotSpan) setRawSize(n uintptr) {
	if s.dm != nil {
		s.dm.rawSize = n
		return
	}
	s.sp.pages[int(s.pageIndex)+1].rawSize = n
}

func (s *SlotSpan) rawSize() uintptr {
	if !s.canStoreRawSize() {
		return 0
	}
	if s.dm != nil {
		return s.dm.rawSize
	}
	return s.sp.pages[int(s.pageIndex)+1].rawSize
}

// popForAlloc takes the freelist head for a caller. The decoded next link
// is validated against the span bounds before it becomes the new head; an
// out-of-range or misaligned link is fatal.
func (s *SlotSpan) popForAlloc(r *Root) uintptr {
	slot := s.freelistHead
	next := readFreelistEntry(slot, r.key)
	if next != 0 {
		start := s.start()
		if next < start || next >= start+s.spanBytes() ||
			(next-start)%s.bucket.slotSize != 0 {
			corrupt("freelist entry points outside its span", slot)
		}
	}
	s.freelistHead = next
	s.setNumAllocated(s.numAllocated() + 1)
	clearFreelistEntry(slot)
	return slot
}

// free pushes one slot back and runs the slow path when the span leaves
// the full state or becomes empty. Caller holds the root lock and has
// validated that addr is a slot boundary of this span.
func (s *SlotSpan) free(addr uintptr, r *Root) {
	if addr == s.freelistHead {
		corrupt("double free", addr)
	}
	if s.numAllocated() <= 0 {
		corrupt("free on a span with no live slots", addr)
	}
	if s.freelistHead != 0 {
		s.setFreelistSorted(false)
	}
	writeFreelistEntry(addr, s.freelistHead, r.key)
	s.freelistHead = addr
	s.setNumAllocated(s.numAllocated() - 1)
	if s.markedFull() || s.numAllocated() == 0 {
		s.freeSlowPath(r)
	}
}

// freeSlowPath handles the two structural transitions a free can cause:
// leaving the full state (relink at the head of the active list) and
// becoming empty (park in the root's deferred-decommit ring). Both apply
// to a single-slot span freed from full.
func (s *SlotSpan) freeSlowPath(r *Root) {
	b := s.bucket
	if s.markedFull() {
		s.setMarkedFull(false)
		b.numFullSpans--
		if b.numFullSpans < 0 {
			corrupt("full span count underflow", s.start())
		}
		if b.activeHead.isSentinel() {
			s.next = nil
		} else {
			s.next = b.activeHead
		}
		b.activeHead = s
	}
	if s.numAllocated() == 0 {
		s.registerEmpty(r)
	}
}

// registerEmpty parks the span in the root's empty ring at the write
// cursor, decommitting whatever previously occupied that position, then
// enforces the ring's dirty-byte budget.
func (s *SlotSpan) registerEmpty(r *Root) {
	// Re-registration while still parked: vacate the old position first.
	if s.ringIndex >= 0 {
		r.emptyRing[s.ringIndex] = nil
		r.emptyDirtyBytes -= uintptr(s.ringDirtyBytes)
		s.ringIndex = -1
		s.ringDirtyBytes = 0
	}

	// Evict whatever holds the write cursor. The eviction decommit drops
	// the lock, so the cursor, the slot, and this span are all re-read
	// after it instead of trusted across the window.
	for {
		i := r.emptyRingIndex
		victim := r.emptyRing[i]
		if victim == nil {
			break
		}
		victim.decommitIfPossible(r)
		if s.ringIndex >= 0 || s.numAllocated() != 0 {
			// Another thread parked or reused this span while the lock was
			// dropped; this registration no longer applies.
			return
		}
	}

	i := r.emptyRingIndex
	r.emptyRing[i] = s
	s.ringIndex = int16(i)
	dirty := s.committedBytes(r.cfg.EagerCommit)
	s.ringDirtyBytes = uint32(dirty)
	r.emptyDirtyBytes += dirty
	r.emptyRingIndex = (i + 1) % emptySpanRingSize

	limit := r.emptyRingDirtyLimit()
	if r.emptyDirtyBytes > limit {
		r.shrinkEmptyRing(limit / 2)
	}
}

// decommitIfPossible drops the span's ring membership and decommits it if
// it is still empty. A span parked in the ring may have been reused in the
// meantime; ring membership never implies current emptiness.
func (s *SlotSpan) decommitIfPossible(r *Root) {
	if s.ringIndex >= 0 {
		r.emptyRing[s.ringIndex] = nil
		r.emptyDirtyBytes -= uintptr(s.ringDirtyBytes)
		s.ringIndex = -1
		s.ringDirtyBytes = 0
	}
	if s.isEmpty() {
		s.decommit(r)
	}
}

// decommit releases the span's committed pages. The metadata transitions
// to the decommitted encoding (no freelist, no unprovisioned slots) before
// the lock is dropped for the syscall, so concurrent observers never see a
// half-decommitted span.
func (s *SlotSpan) decommit(r *Root) {
	size := s.committedBytes(r.cfg.EagerCommit)
	addr := s.start()
	s.freelistHead = 0
	s.setNumUnprovisioned(0)
	s.setFreelistSorted(true)
	if size > 0 {
		r.decommitPagesScoped(addr, size)
	}
	debugLogf("decommit span @%#x (%d bytes, slot %d)", addr, size, s.bucket.slotSize)
}

// reset prepares a decommitted span for reuse: every slot becomes
// unprovisioned again and the freelist stays empty until provisioning
// threads it.
func (s *SlotSpan) reset() {
	s.setNumUnprovisioned(s.slotsPerSpan())
	s.setFreelistSorted(true)
	s.next = nil
}

// freelistLength walks the chain, with a hard cap so a corrupted cycle is
// fatal instead of a hang.
func (s *SlotSpan) freelistLength(r *Root) int {
	n := 0
	limit := s.slotsPerSpan()
	for entry := s.freelistHead; entry != 0; entry = readFreelistEntry(entry, r.key) {
		n++
		if n > limit {
			corrupt("freelist longer than its span", s.freelistHead)
		}
	}
	return n
}

// sortFreelist rebuilds the freelist in ascending slot order by scanning a
// bitmap of which provisioned slots are free. Reclamation passes rely on
// sorted freelists to find maximal contiguous free runs.
func (s *SlotSpan) sortFreelist(r *Root) {
	provisioned := s.slotsPerSpan() - s.numUnprovisioned()
	if provisioned == 0 || s.freelistHead == 0 {
		s.setFreelistSorted(true)
		return
	}
	free := make([]bool, provisioned)
	start := s.start()
	slotSize := s.bucket.slotSize
	n := 0
	for entry := s.freelistHead; entry != 0; entry = readFreelistEntry(entry, r.key) {
		idx := (entry - start) / slotSize
		if int(idx) >= provisioned {
			corrupt("freelist entry beyond provisioned slots", entry)
		}
		free[idx] = true
		if n++; n > provisioned {
			corrupt("freelist longer than its span", s.freelistHead)
		}
	}

	var head, prev uintptr
	for i := 0; i < provisioned; i++ {
		if !free[i] {
			continue
		}
		slot := start + uintptr(i)*slotSize
		if head == 0 {
			head = slot
		} else {
			writeFreelistEntry(prev, slot, r.key)
		}
		prev = slot
	}
	writeFreelistEntry(prev, 0, r.key)
	s.freelistHead = head
	s.setFreelistSorted(true)
}
