package partition

import (
	"fmt"
	"sort"

	"github.com/joshuapare/partkit/internal/layout"
)

// Geometry policy knobs. These are tolerances, not invariants: any values
// keep the allocator correct, they just shift the waste/fragmentation
// trade.
const (
	// preferSmallWastePercent caps acceptable intra-run waste for runs of
	// at most one partition page in the prefer-small search.
	preferSmallWastePercent = 2

	// preferSmallLongRunWastePercent caps waste for longer runs.
	preferSmallLongRunWastePercent = 5

	// maxSpansToSort bounds how many active spans one defragmentation pass
	// physically reorders.
	maxSpansToSort = 200

	// smallSortableSlotSize bounds which buckets get their span freelists
	// straightened during purge.
	smallSortableSlotSize = 512
)

// Bucket owns one size class: its geometry, its three span lists, and the
// count of full spans (full spans are deliberately not linked anywhere).
type Bucket struct {
	slotSize            uintptr
	slotSpanSystemPages uint8
	canStoreRawSize     bool
	valid               bool

	activeHead      *SlotSpan // never nil for a valid bucket; sentinel means none
	emptyHead       *SlotSpan
	decommittedHead *SlotSpan
	numFullSpans    int
}

func (b *Bucket) init(slotSize uintptr, preferSmall bool) {
	b.slotSize = slotSize
	b.slotSpanSystemPages = uint8(ComputeSystemPagesPerSlotSpan(slotSize, preferSmall))
	b.activeHead = sentinelSpan
	b.canStoreRawSize = b.slotsPerSpan() == 1
}

// slotSpanBytes returns the usable bytes of one span of this bucket.
func (b *Bucket) slotSpanBytes() uintptr {
	return uintptr(b.slotSpanSystemPages) << layout.SystemPageShift
}

func (b *Bucket) slotsPerSpan() int {
	return int(b.slotSpanBytes() / b.slotSize)
}

// spanPartitionPages returns the whole partition pages one span occupies in
// a super page.
func (b *Bucket) spanPartitionPages() int {
	return int(layout.RoundUpToPartitionPage(b.slotSpanBytes()) >> layout.PartitionPageShift)
}

// ComputeSystemPagesPerSlotSpan decides the page-run length for a slot
// size. It is a pure function of its arguments: the same inputs always
// produce the same geometry.
//
// The default policy scans run lengths from one partition page up to the
// maximum and keeps the one with the lowest waste ratio, charging a small
// penalty for runs that leave part of a partition page unfaulted. The
// prefer-small policy instead accepts the shortest run whose waste stays
// under a few percent, shrinking span footprints at a small waste cost.
func ComputeSystemPagesPerSlotSpan(slotSize uintptr, preferSmall bool) int {
	if slotSize > layout.MaxSystemPagesPerSlotSpan*layout.SystemPageSize {
		// Single-slot span: exactly the slot, rounded up to whole pages.
		return int(layout.RoundUpToSystemPage(slotSize) >> layout.SystemPageShift)
	}

	minPages := int((slotSize + layout.SystemPageSize - 1) >> layout.SystemPageShift)
	if minPages < 1 {
		minPages = 1
	}

	if preferSmall {
		for pages := minPages; pages <= layout.MaxSystemPagesPerSlotSpan; pages++ {
			runBytes := uintptr(pages) << layout.SystemPageShift
			waste := runBytes % slotSize
			tolerance := uintptr(preferSmallWastePercent)
			if pages > layout.NumSystemPagesPerPartitionPage {
				tolerance = preferSmallLongRunWastePercent
			}
			if waste*100 <= runBytes*tolerance {
				return pages
			}
		}
		// No run was tolerably tight; fall through to the best-ratio scan.
	}

	bestWasteNum, bestWasteDen := uintptr(1), uintptr(1)
	bestPages := 0
	for pages := layout.NumSystemPagesPerPartitionPage; pages <= layout.MaxSystemPagesPerSlotSpan; pages++ {
		runBytes := uintptr(pages) << layout.SystemPageShift
		numSlots := runBytes / slotSize
		waste := runBytes - numSlots*slotSize
		// Partial partition pages keep their remainder reserved but
		// unfaulted; charge a token amount per unfaulted page so exact
		// partition-page multiples win ties.
		rem := pages & (layout.NumSystemPagesPerPartitionPage - 1)
		if rem != 0 {
			waste += 8 * uintptr(layout.NumSystemPagesPerPartitionPage-rem)
		}
		if waste*bestWasteDen < bestWasteNum*runBytes {
			bestWasteNum = waste
			bestWasteDen = runBytes
			bestPages = pages
		}
	}
	return bestPages
}

// allocNewSlotSpan carves a fresh span out of the root's current super
// page. Under eager commit the span's pages are committed here; under lazy
// commit provisioning commits them as slots are handed out.
func (b *Bucket) allocNewSlotSpan(r *Root) (*SlotSpan, error) {
	sp, pageIdx, err := r.carveSlotSpan(b)
	if err != nil {
		return nil, err
	}
	span := &SlotSpan{
		bucket:    b,
		sp:        sp,
		pageIndex: uint16(pageIdx),
		ringIndex: -1,
	}
	span.setNumUnprovisioned(b.slotsPerSpan())
	span.setFreelistSorted(true)
	if b.canStoreRawSize {
		span.bits |= spanCanStoreRawSize
	}
	registerSpanMetadata(sp, span, b.spanPartitionPages())

	if r.cfg.EagerCommit {
		if err := r.commitPages(span.start(), layout.RoundUpToSystemPage(b.slotSpanBytes())); err != nil {
			// Hand the pages back to the unused pool; the carve cursor has
			// moved on, so the range is wasted address space, nothing more.
			for i := 0; i < b.spanPartitionPages(); i++ {
				sp.pages[pageIdx+i] = pageMetadata{}
			}
			return nil, err
		}
	}
	return span, nil
}

// provisionMoreSlotsAndAllocOne commits just enough pages to cover one more
// slot, hands that slot straight to the caller, and threads every
// additional whole slot that landed in the committed region onto the
// freelist in ascending order.
//
// A failed commit is retried once after force-decommitting the empty ring.
// The ring decommit drops the root lock, so every snapshot taken before it
// is re-derived afterwards instead of trusted across the window.
func (b *Bucket) provisionMoreSlotsAndAllocOne(r *Root, span *SlotSpan) (uintptr, error) {
	for {
		if span.freelistHead != 0 {
			// A retry window let another thread stock the freelist.
			return span.popForAlloc(r), nil
		}
		numUnprov := span.numUnprovisioned()
		if numUnprov == 0 {
			if span.isFull() {
				// Drained by other threads during a retry window; the
				// caller picks a span again.
				return 0, errProvisionRaced
			}
			corrupt("provisioning a fully provisioned span", span.start())
		}
		spanStart := span.start()
		provisioned := span.slotsPerSpan() - numUnprov
		returnSlot := spanStart + b.slotSize*uintptr(provisioned)

		committedEnd := spanStart + layout.RoundUpToSystemPage(b.slotSpanBytes())
		if !r.cfg.EagerCommit {
			oldEnd := spanStart + layout.RoundUpToSystemPage(b.slotSize*uintptr(provisioned))
			newEnd := spanStart + layout.RoundUpToSystemPage(b.slotSize*uintptr(provisioned+1))
			if newEnd > oldEnd {
				err := r.mem.Commit(oldEnd, newEnd-oldEnd)
				if err != nil {
					debugLogf("commit failed (%v), decommitting empty ring and retrying", err)
					r.shrinkEmptyRing(0)
					if span.numUnprovisioned() != numUnprov {
						// The ring decommit dropped the lock and another
						// thread provisioned here meanwhile.
						continue
					}
					err = r.mem.Commit(oldEnd, newEnd-oldEnd)
				}
				if err != nil {
					return 0, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
				}
				r.addCommitted(uint64(newEnd - oldEnd))
			}
			committedEnd = newEnd
		}

		span.setNumUnprovisioned(numUnprov - 1)
		span.setNumAllocated(span.numAllocated() + 1)

		next := returnSlot + b.slotSize
		var head, prev uintptr
		for next+b.slotSize <= committedEnd && span.numUnprovisioned() > 0 {
			if head == 0 {
				head = next
			} else {
				writeFreelistEntry(prev, next, r.key)
			}
			prev = next
			span.setNumUnprovisioned(span.numUnprovisioned() - 1)
			next += b.slotSize
		}
		if head != 0 {
			writeFreelistEntry(prev, 0, r.key)
			// The freelist was empty, so the threaded run keeps it sorted.
			span.freelistHead = head
		}
		return returnSlot, nil
	}
}

// setNewActiveSlotSpan sweeps the active list for a span that can serve an
// allocation right now. Spans encountered on the way are filed where they
// belong: empty and decommitted spans onto their lists, full spans dropped
// and counted, and active-but-unprovisioned spans set aside and reinserted
// right after the chosen head, preserving their relative order. The sweep
// has these side effects even when it finds nothing.
func (b *Bucket) setNewActiveSlotSpan() bool {
	span := b.activeHead
	if span.isSentinel() {
		return false
	}

	var toProvisionHead, toProvisionTail *SlotSpan
	var next *SlotSpan
	for ; span != nil && !span.isSentinel(); span = next {
		next = span.next
		if span.isActive() {
			if span.freelistHead != 0 {
				break // usable head found; its tail stays linked
			}
			// Unprovisioned slots only; keep for reinsertion in order.
			if toProvisionTail != nil {
				toProvisionTail.next = span
			} else {
				toProvisionHead = span
			}
			toProvisionTail = span
			span.next = nil
		} else if span.isEmpty() {
			span.next = b.emptyHead
			b.emptyHead = span
		} else if span.isDecommitted() {
			span.next = b.decommittedHead
			b.decommittedHead = span
		} else {
			if !span.isFull() {
				corrupt("span in no state during sweep", span.start())
			}
			span.setMarkedFull(true)
			b.numFullSpans++
			span.next = nil
		}
	}

	hasFree := span != nil && !span.isSentinel()
	if hasFree {
		b.activeHead = span
	} else {
		b.activeHead = sentinelSpan
	}
	if toProvisionHead != nil {
		if !hasFree {
			// No freelist anywhere, but provisionable spans remain; the
			// caller serves from them by provisioning.
			b.activeHead = toProvisionHead
		} else {
			toProvisionTail.next = b.activeHead.next
			b.activeHead.next = toProvisionHead
		}
	}
	return hasFree || toProvisionHead != nil
}

// maintainActiveList runs the same redistribution as setNewActiveSlotSpan
// without choosing a serving span. Relative order of remaining active
// spans is preserved; later sort passes rely on that stability.
func (b *Bucket) maintainActiveList() {
	span := b.activeHead
	if span.isSentinel() {
		return
	}
	var newHead, newTail *SlotSpan
	var next *SlotSpan
	for ; span != nil && !span.isSentinel(); span = next {
		next = span.next
		if span.isActive() {
			if newTail != nil {
				newTail.next = span
			} else {
				newHead = span
			}
			newTail = span
			span.next = nil
		} else if span.isEmpty() {
			span.next = b.emptyHead
			b.emptyHead = span
		} else if span.isDecommitted() {
			span.next = b.decommittedHead
			b.decommittedHead = span
		} else {
			span.setMarkedFull(true)
			b.numFullSpans++
			span.next = nil
		}
	}
	if newHead != nil {
		b.activeHead = newHead
	} else {
		b.activeHead = sentinelSpan
	}
}

// sortActiveSlotSpans reorders the first maxSpansToSort active spans so the
// fullest come first: spans with free entries before spans with none, then
// ascending freelist length, then ascending unprovisioned count. Preferring
// full spans steers allocations away from emptier spans, letting them drain
// and become reclaimable.
func (b *Bucket) sortActiveSlotSpans(r *Root) {
	head := b.activeHead
	if head.isSentinel() {
		return
	}
	spans := make([]*SlotSpan, 0, maxSpansToSort)
	overflow := head
	for overflow != nil && !overflow.isSentinel() && len(spans) < maxSpansToSort {
		spans = append(spans, overflow)
		overflow = overflow.next
	}
	type key struct {
		noFree        bool
		freeLen       int
		unprovisioned int
	}
	keys := make(map[*SlotSpan]key, len(spans))
	for _, s := range spans {
		keys[s] = key{
			noFree:        s.freelistHead == 0,
			freeLen:       s.freelistLength(r),
			unprovisioned: s.numUnprovisioned(),
		}
	}
	sort.SliceStable(spans, func(i, j int) bool {
		a, c := keys[spans[i]], keys[spans[j]]
		if a.noFree != c.noFree {
			return !a.noFree
		}
		if a.freeLen != c.freeLen {
			return a.freeLen < c.freeLen
		}
		return a.unprovisioned < c.unprovisioned
	})
	for i := 0; i < len(spans)-1; i++ {
		spans[i].next = spans[i+1]
	}
	spans[len(spans)-1].next = nil
	if overflow != nil && !overflow.isSentinel() {
		spans[len(spans)-1].next = overflow
	}
	b.activeHead = spans[0]
}

// sortSmallerSlotSpanFreeLists straightens unsorted freelists of live
// spans in small buckets so partial-decommit passes see contiguous runs.
func (b *Bucket) sortSmallerSlotSpanFreeLists(r *Root) {
	for span := b.activeHead; span != nil && !span.isSentinel(); span = span.next {
		if span.numAllocated() > 0 && !span.freelistSorted() {
			span.sortFreelist(r)
		}
	}
}

// slowPathAlloc escalates when the active span cannot serve: sweep the
// active list, pull from the empty then decommitted lists, and finally
// carve a brand-new span. AllocFastPathOnly callers bail before any step
// that could call into the OS.
func (b *Bucket) slowPathAlloc(r *Root, flags AllocFlags) (uintptr, error) {
	if b.setNewActiveSlotSpan() {
		span := b.activeHead
		if span.freelistHead != 0 {
			return span.popForAlloc(r), nil
		}
		if flags&AllocFastPathOnly != 0 && !r.cfg.EagerCommit {
			// Provisioning would commit pages.
			return 0, ErrWouldBlock
		}
		return b.provisionMoreSlotsAndAllocOne(r, span)
	}

	var span *SlotSpan
	for b.emptyHead != nil {
		s := b.emptyHead
		b.emptyHead = s.next
		s.next = nil
		if s.freelistHead != 0 || s.numUnprovisioned() > 0 {
			span = s
			break
		}
		// Decommitted while parked on the empty list.
		s.next = b.decommittedHead
		b.decommittedHead = s
	}
	if span == nil && b.decommittedHead != nil {
		if flags&AllocFastPathOnly != 0 {
			return 0, ErrWouldBlock
		}
		s := b.decommittedHead
		b.decommittedHead = s.next
		s.next = nil
		if r.cfg.EagerCommit {
			if err := r.commitPages(s.start(), layout.RoundUpToSystemPage(b.slotSpanBytes())); err != nil {
				// Put it back; the span is still decommitted.
				s.next = b.decommittedHead
				b.decommittedHead = s
				return 0, err
			}
		}
		s.reset()
		span = s
	}
	if span == nil {
		if flags&AllocFastPathOnly != 0 {
			return 0, ErrWouldBlock
		}
		s, err := b.allocNewSlotSpan(r)
		if err != nil {
			return 0, err
		}
		span = s
	}

	if span.freelistHead != 0 {
		b.activeHead = span
		return span.popForAlloc(r), nil
	}
	// The span stays unpublished until its first slot exists: a span with
	// no live slot, no freelist, and pending unprovisioned slots is in no
	// state, and must never be reachable from the active list.
	addr, err := b.provisionMoreSlotsAndAllocOne(r, span)
	if err != nil {
		if span.numAllocated() == 0 {
			// Nothing was committed for it; park it as decommitted so the
			// next allocation can pull it back.
			span.freelistHead = 0
			span.setNumUnprovisioned(0)
			span.setFreelistSorted(true)
			span.next = b.decommittedHead
			b.decommittedHead = span
		}
		return 0, err
	}
	b.activeHead = span
	return addr, nil
}
