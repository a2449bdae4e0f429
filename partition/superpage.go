package partition

import (
	"fmt"
	"unsafe"

	"github.com/joshuapare/partkit/internal/layout"
)

type pageKind uint8

const (
	pageUnused   pageKind = iota // never carved, or guard-adjacent padding
	pageGuard                    // first/last partition page of a super page
	pageSpanHead                 // first partition page of a slot span
	pageSpanTail                 // continuation page of a slot span
)

// pageMetadata is the per-partition-page record in a super page's metadata
// arena. It is a tagged variant: the span pointer is meaningful only on
// head pages, headOffset only on tail pages, and rawSize only on the page
// following a single-slot span head.
type pageMetadata struct {
	span       *SlotSpan
	rawSize    uintptr
	kind       pageKind
	headOffset uint8 // tail pages: partition pages back to the head
}

// One metadata record per partition page, within a hard byte budget.
const pageMetadataByteBudget = 32

const _ = uint(pageMetadataByteBudget) - uint(unsafe.Sizeof(pageMetadata{}))

// superPage is the arena record for one 2 MiB reservation. The payload
// partition pages sit between two permanently uncommitted guard partition
// pages; the metadata lives here, out of band, found by masking any
// payload address down to the super page base.
type superPage struct {
	base   uintptr
	extent *superPageExtent
	pages  [layout.NumPartitionPagesPerSuperPage]pageMetadata
}

// superPageExtent tracks a run of consecutive super pages so teardown and
// diagnostics can enumerate every reservation the root owns.
type superPageExtent struct {
	next *superPageExtent
	base uintptr
	end  uintptr // one past the last consecutive super page
}

// allocNewSuperPage reserves and carves a fresh super page. Called with the
// root lock held; the reservation syscall itself runs unlocked. Concurrent
// slow paths may each bring in their own super page, in which case the
// later one wins the carve cursors; the loser's tail is wasted address
// space, not a leak, since the extent list still tracks it.
func (r *Root) allocNewSuperPage() (*superPage, error) {
	hint := r.nextSuperPage
	r.mu.Unlock()
	base, err := r.mem.Reserve(hint, layout.SuperPageSize, layout.SuperPageSize)
	r.mu.Lock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	if r.closed {
		r.mu.Unlock()
		_ = r.mem.Release(base, layout.SuperPageSize)
		r.mu.Lock()
		return nil, ErrClosed
	}

	sp := &superPage{base: base}
	sp.pages[0].kind = pageGuard
	sp.pages[layout.NumPartitionPagesPerSuperPage-1].kind = pageGuard

	if r.currentExtent != nil && base == r.currentExtent.end {
		r.currentExtent.end += layout.SuperPageSize
	} else {
		ext := &superPageExtent{base: base, end: base + layout.SuperPageSize}
		if r.currentExtent != nil {
			r.currentExtent.next = ext
		} else {
			r.firstExtent = ext
		}
		r.currentExtent = ext
	}
	sp.extent = r.currentExtent

	r.superPages.Store(base, sp)
	r.nextSuperPage = base + layout.SuperPageSize
	r.nextPartitionPage = base + layout.PartitionPageSize
	r.nextPartitionPageEnd = base + layout.SuperPageSize - layout.PartitionPageSize
	r.totalMapped.Add(layout.SuperPageSize)

	debugLogf("new super page @%#x", base)
	return sp, nil
}

// carveSlotSpan takes the next page run out of the current super page,
// reserving a new super page first when the remainder cannot hold the run.
func (r *Root) carveSlotSpan(b *Bucket) (*superPage, int, error) {
	need := uintptr(b.spanPartitionPages()) << layout.PartitionPageShift
	if r.nextPartitionPage == 0 || r.nextPartitionPage+need > r.nextPartitionPageEnd {
		if _, err := r.allocNewSuperPage(); err != nil {
			return nil, 0, err
		}
	}
	base := r.nextPartitionPage
	r.nextPartitionPage += need
	v, ok := r.superPages.Load(layout.SuperPageBase(base))
	if !ok {
		corrupt("carve cursor outside any super page", base)
	}
	return v.(*superPage), layout.PartitionPageIndex(base), nil
}

// registerSpanMetadata claims the span's partition pages in the arena.
func registerSpanMetadata(sp *superPage, span *SlotSpan, numPartitionPages int) {
	head := int(span.pageIndex)
	sp.pages[head].kind = pageSpanHead
	sp.pages[head].span = span
	for i := 1; i < numPartitionPages; i++ {
		sp.pages[head+i].kind = pageSpanTail
		sp.pages[head+i].span = nil
		sp.pages[head+i].headOffset = uint8(i)
	}
}

// spanOf resolves an address to its slot span through the metadata arena.
// Returns nil when the address is not inside any bucketed payload this
// root owns.
func (r *Root) spanOf(addr uintptr) *SlotSpan {
	v, ok := r.superPages.Load(layout.SuperPageBase(addr))
	if !ok {
		return nil
	}
	sp := v.(*superPage)
	i := layout.PartitionPageIndex(addr)
	m := &sp.pages[i]
	switch m.kind {
	case pageSpanHead:
		return m.span
	case pageSpanTail:
		h := &sp.pages[i-int(m.headOffset)]
		if h.kind != pageSpanHead || h.span == nil {
			corrupt("span tail page without a head", addr)
		}
		return h.span
	default:
		return nil
	}
}
