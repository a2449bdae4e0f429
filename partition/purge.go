package partition

import (
	"context"

	"github.com/joshuapare/partkit/internal/layout"
)

// PurgeMemory reclaims memory without disturbing live allocations.
// PurgeDecommitEmptySpans drains the deferred-decommit ring immediately;
// PurgeDiscardUnusedSystemPages walks buckets and discards whole OS pages
// not backing a live slot. The bucket walk is resumable: it keeps a cursor,
// and when ctx expires it yields with ctx's error, leaving every touched
// span valid, and a later call picks up where it stopped.
func (r *Root) PurgeMemory(ctx context.Context, flags PurgeFlags) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if flags&PurgeDecommitEmptySpans != 0 {
		r.shrinkEmptyRing(0)
	}
	if flags&PurgeDiscardUnusedSystemPages != 0 {
		return r.purgeBucketsLocked(ctx)
	}
	return nil
}

func (r *Root) purgeBucketsLocked(ctx context.Context) error {
	for processed := 0; processed < layout.NumBuckets; processed++ {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		i := r.purgeCursor
		b := &r.buckets[i]
		if b.valid {
			if b.slotSize <= smallSortableSlotSize {
				b.sortSmallerSlotSpanFreeLists(r)
			}
			if b.slotSize >= layout.SystemPageSize {
				// The walk runs before list maintenance: a full single-slot
				// span still lingering here has a discardable raw-size tail,
				// and maintenance would file it away first. Snapshot the
				// list, a truncation decommit drops the lock and the walk
				// must not chase next links across that.
				var spans []*SlotSpan
				for span := b.activeHead; span != nil && !span.isSentinel(); span = span.next {
					spans = append(spans, span)
				}
				for _, span := range spans {
					r.purgeSlotSpan(span, true)
				}
			}
			// List hygiene: refile spans that changed state since the last
			// sweep, then steer future allocations toward the fullest spans
			// so the emptier ones drain and become reclaimable.
			b.maintainActiveList()
			b.sortActiveSlotSpans(r)
		}
		r.purgeCursor = (i + 1) % layout.NumBuckets
		if r.purgeCursor == 0 {
			r.purgeGeneration++
		}
	}
	return nil
}

// purgeSlotSpan computes, and when discard is set reclaims, the bytes of a
// live span that no allocation is using. With discard false it is a pure
// accounting pass used by the stats dump.
//
// Slots at the tail of the span that are all free get truncated off the
// freelist entirely and revert to unprovisioned, so whole tail pages can
// leave the committed set. Interior free slots large enough to cover whole
// pages have those pages discarded, minus the 16 bytes at the slot start
// holding the freelist entry.
func (r *Root) purgeSlotSpan(span *SlotSpan, discard bool) uintptr {
	slotSize := span.bucket.slotSize
	start := span.start()

	if rawSize := span.rawSize(); rawSize != 0 {
		// Single-slot span with a known exact size: everything past the
		// last used page is discardable.
		used := layout.RoundUpToSystemPage(rawSize)
		if used >= slotSize {
			return 0
		}
		disc := layout.RoundUpToSystemPage(slotSize) - used
		if discard {
			_ = r.mem.Discard(start+used, disc)
		}
		return disc
	}

	if slotSize < layout.SystemPageSize || span.numAllocated() == 0 {
		return 0
	}

	numSlots := span.slotsPerSpan() - span.numUnprovisioned()
	usage := make([]bool, numSlots)
	for i := range usage {
		usage[i] = true
	}
	walked := 0
	for entry := span.freelistHead; entry != 0; entry = readFreelistEntry(entry, r.key) {
		idx := int((entry - start) / slotSize)
		if idx < 0 || idx >= numSlots {
			corrupt("freelist entry beyond provisioned slots", entry)
		}
		usage[idx] = false
		if walked++; walked > numSlots {
			corrupt("freelist longer than its span", span.freelistHead)
		}
	}

	var discardable uintptr
	var decommitBegin, decommitEnd uintptr

	// Truncate all-free tail slots.
	truncated := 0
	for numSlots > 0 && !usage[numSlots-1] {
		truncated++
		numSlots--
	}
	if truncated > 0 {
		begin := layout.RoundUpToSystemPage(start + uintptr(numSlots)*slotSize)
		// The span owns up to the page boundary past its last slot.
		end := layout.RoundUpToSystemPage(start + uintptr(numSlots+truncated)*slotSize)
		if begin < end {
			discardable += end - begin
			if discard {
				span.setNumUnprovisioned(span.numUnprovisioned() + truncated)
				var head, prev uintptr
				for i := 0; i < numSlots; i++ {
					if usage[i] {
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
				if head != 0 {
					writeFreelistEntry(prev, 0, r.key)
				}
				span.freelistHead = head
				span.setFreelistSorted(true)
				if r.cfg.EagerCommit {
					_ = r.mem.Discard(begin, end-begin)
				} else {
					// Under lazy commit the truncated tail leaves the
					// committed region, keeping the provisioned-prefix
					// accounting exact. The scoped decommit drops the lock,
					// so it runs after everything derived from the usage
					// snapshot is done.
					decommitBegin, decommitEnd = begin, end
				}
			}
		}
	}

	// Interior free slots: discard whole pages between the freelist entry
	// and the next slot.
	for i := 0; i < numSlots; i++ {
		if usage[i] {
			continue
		}
		begin := layout.RoundUpToSystemPage(start + uintptr(i)*slotSize + freelistEntrySize)
		end := layout.RoundDownToSystemPage(start + uintptr(i+1)*slotSize)
		if begin < end {
			discardable += end - begin
			if discard {
				_ = r.mem.Discard(begin, end-begin)
			}
		}
	}

	if decommitEnd > decommitBegin {
		// Metadata already shows the tail as unprovisioned.
		r.decommitPagesScoped(decommitBegin, decommitEnd-decommitBegin)
	}
	return discardable
}
