package partition

import (
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/partkit/internal/layout"
)

// BucketStats is a point-in-time summary of one size class.
type BucketStats struct {
	SlotSize  uintptr
	SpanBytes uintptr

	ActiveSpans      int
	FullSpans        int
	EmptySpans       int
	DecommittedSpans int

	// ActiveBytes counts live slot payloads; ResidentBytes counts the
	// committed footprint behind them. DecommittableBytes is resident memory
	// held only by parked empty spans; DiscardableBytes is whole free pages
	// inside live spans a discard pass would drop.
	ActiveBytes        uintptr
	ResidentBytes      uintptr
	DecommittableBytes uintptr
	DiscardableBytes   uintptr
}

// Stats is a point-in-time snapshot of a root.
type Stats struct {
	TotalMapped    uintptr
	TotalCommitted uintptr
	MaxCommitted   uintptr
	TotalAllocated uintptr
	MaxAllocated   uintptr

	EmptyRingDirtyBytes uintptr

	DirectMapCount int
	DirectMapBytes uintptr

	Buckets []BucketStats
}

// DumpStats walks every span list and produces a consistent snapshot. The
// walk holds the lock; allocation and free traffic pause for its duration.
func (r *Root) DumpStats() *Stats {
	s := &Stats{
		TotalMapped:    uintptr(r.totalMapped.Load()),
		TotalCommitted: uintptr(r.totalCommitted.Load()),
		MaxCommitted:   uintptr(r.maxCommitted.Load()),
		TotalAllocated: uintptr(r.totalAllocated.Load()),
		MaxAllocated:   uintptr(r.maxAllocated.Load()),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return s
	}
	s.EmptyRingDirtyBytes = r.emptyDirtyBytes

	for dm := r.directMapList; dm != nil; dm = dm.next {
		s.DirectMapCount++
		s.DirectMapBytes += dm.slotSize
	}

	for i := range r.buckets {
		b := &r.buckets[i]
		if !b.valid {
			continue
		}
		bs := BucketStats{
			SlotSize:  b.slotSize,
			SpanBytes: b.slotSpanBytes(),
			FullSpans: b.numFullSpans,
		}
		bs.ActiveBytes += uintptr(b.numFullSpans) * uintptr(b.slotsPerSpan()) * b.slotSize
		bs.ResidentBytes += uintptr(b.numFullSpans) * layout.RoundUpToSystemPage(b.slotSpanBytes())

		for span := b.activeHead; span != nil && !span.isSentinel(); span = span.next {
			r.accountSpan(span, &bs)
		}
		for span := b.emptyHead; span != nil; span = span.next {
			r.accountSpan(span, &bs)
		}
		for span := b.decommittedHead; span != nil; span = span.next {
			r.accountSpan(span, &bs)
		}
		if bs.ActiveSpans+bs.FullSpans+bs.EmptySpans+bs.DecommittedSpans > 0 {
			s.Buckets = append(s.Buckets, bs)
		}
	}
	return s
}

// accountSpan classifies one span by its current state, regardless of which
// list it sits on; sweeps are lazy so empty and full spans linger on the
// active list.
func (r *Root) accountSpan(span *SlotSpan, bs *BucketStats) {
	switch {
	case span.isDecommitted():
		bs.DecommittedSpans++
	case span.isEmpty():
		bs.EmptySpans++
		resident := span.committedBytes(r.cfg.EagerCommit)
		bs.ResidentBytes += resident
		bs.DecommittableBytes += resident
	case span.isFull():
		bs.FullSpans++
		bs.ActiveBytes += uintptr(span.numAllocated()) * span.bucket.slotSize
		bs.ResidentBytes += span.committedBytes(r.cfg.EagerCommit)
	default:
		bs.ActiveSpans++
		bs.ActiveBytes += uintptr(span.numAllocated()) * span.bucket.slotSize
		bs.ResidentBytes += span.committedBytes(r.cfg.EagerCommit)
		bs.DiscardableBytes += r.purgeSlotSpan(span, false)
	}
}

// WriteStats renders a snapshot in a fixed-width human-readable layout with
// locale-grouped numbers.
func WriteStats(w io.Writer, s *Stats) error {
	p := message.NewPrinter(language.English)
	if _, err := p.Fprintf(w,
		"mapped %d  committed %d (peak %d)  allocated %d (peak %d)\n",
		s.TotalMapped, s.TotalCommitted, s.MaxCommitted,
		s.TotalAllocated, s.MaxAllocated); err != nil {
		return err
	}
	if _, err := p.Fprintf(w, "empty-ring dirty %d  direct maps %d (%d bytes)\n",
		s.EmptyRingDirtyBytes, s.DirectMapCount, s.DirectMapBytes); err != nil {
		return err
	}
	if len(s.Buckets) == 0 {
		return nil
	}
	if _, err := p.Fprintf(w, "%10s %10s %7s %6s %6s %7s %12s %12s %12s\n",
		"slot", "span", "active", "full", "empty", "decomm",
		"active-b", "resident-b", "discard-b"); err != nil {
		return err
	}
	for _, b := range s.Buckets {
		if _, err := p.Fprintf(w, "%10d %10d %7d %6d %6d %7d %12d %12d %12d\n",
			b.SlotSize, b.SpanBytes, b.ActiveSpans, b.FullSpans, b.EmptySpans,
			b.DecommittedSpans, b.ActiveBytes, b.ResidentBytes,
			b.DiscardableBytes); err != nil {
			return err
		}
	}
	return nil
}
