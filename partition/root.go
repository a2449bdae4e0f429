package partition

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/partkit/internal/layout"
	"github.com/joshuapare/partkit/internal/sysmem"
)

const (
	// emptySpanRingSize is the capacity of the deferred-decommit ring.
	emptySpanRingSize = 128

	// defaultAlignment is the guaranteed alignment of every returned slot.
	defaultAlignment = 16

	// maxCachedSlotSize bounds which bucketed sizes go through an attached
	// ThreadCache.
	maxCachedSlotSize = 1024

	// freedByte fills freed slots when poisoning is enabled.
	freedByte = 0xCD
)

// Root is one allocator instance. All structural state hangs off it: the
// bucket array, super page extents, direct maps, and the empty-span ring.
type Root struct {
	cfg Config
	mem sysmem.Provider

	// key mixes into every freelist pointer. The low bits stay set so no
	// aligned slot address can encode to the list terminator.
	key uint64

	mu     sync.Mutex
	closed bool

	buckets [layout.NumBuckets]Bucket

	// superPages maps super page base -> *superPage; directs maps every
	// super-page-aligned base inside a direct-map reservation to its
	// extent. Both are read without the lock on the free fast path.
	superPages sync.Map
	directs    sync.Map

	firstExtent   *superPageExtent
	currentExtent *superPageExtent

	// Carve cursors into the current super page.
	nextSuperPage        uintptr
	nextPartitionPage    uintptr
	nextPartitionPageEnd uintptr

	directMapList *directMapExtent

	emptyRing       [emptySpanRingSize]*SlotSpan
	emptyRingIndex  int
	emptyDirtyBytes uintptr

	// Resumable purge walk state.
	purgeCursor     int
	purgeGeneration uint64

	// Diagnostic counters, readable without the lock.
	totalMapped    atomic.Uint64
	totalCommitted atomic.Uint64
	maxCommitted   atomic.Uint64
	totalAllocated atomic.Uint64
	maxAllocated   atomic.Uint64
}

// New constructs a root with the given configuration and registers it with
// the configured registry, if any.
func New(cfg Config) (*Root, error) {
	r := &Root{cfg: cfg.withDefaults()}
	r.mem = r.cfg.Provider

	var kb [8]byte
	if _, err := rand.Read(kb[:]); err != nil {
		return nil, fmt.Errorf("partition: obfuscation key: %w", err)
	}
	r.key = binary.LittleEndian.Uint64(kb[:]) | 0x7

	for i := range r.buckets {
		b := &r.buckets[i]
		if !layout.ValidBucket(i) {
			// Pseudo bucket: touching it means the index math broke.
			b.slotSize = layout.BucketSize(i)
			continue
		}
		b.init(layout.BucketSize(i), r.cfg.PreferSmallSlotSpans)
		b.valid = true
	}

	if r.cfg.Registry != nil {
		r.cfg.Registry.register(r)
	}
	debugLogf("new root: %d buckets, prefer-small=%v eager=%v",
		layout.NumBuckets, r.cfg.PreferSmallSlotSpans, r.cfg.EagerCommit)
	return r, nil
}

// Alloc returns a slot of at least size bytes along with a slice over its
// usable capacity. A zero size is served as one byte.
func (r *Root) Alloc(size uintptr, flags AllocFlags) (uintptr, []byte, error) {
	return r.AllocAligned(size, 0, flags)
}

// AllocAligned is Alloc with an explicit alignment. Alignments up to 16 are
// free; larger power-of-two alignments up to the partition page size are
// honored by widening the request to a naturally aligned size class.
func (r *Root) AllocAligned(size, align uintptr, flags AllocFlags) (uintptr, []byte, error) {
	if size == 0 {
		size = 1
	}
	if align > defaultAlignment {
		if align&(align-1) != 0 || align > layout.PartitionPageSize {
			return 0, nil, ErrBadAlignment
		}
		// Power-of-two size classes start on multiples of themselves, so a
		// request widened to a power of two at least align lands aligned.
		if size < align {
			size = align
		}
		if size&(size-1) != 0 {
			size = uintptr(1) << bits.Len64(uint64(size))
		}
	}
	if size > layout.MaxDirectMappedSize {
		return r.failAlloc(size, flags, ErrSizeTooLarge)
	}

	idx := layout.BucketIndex(size)
	if idx == layout.SentinelBucketIndex {
		return r.allocDirect(size, flags)
	}

	if tc := r.cfg.ThreadCache; tc != nil && r.buckets[idx].slotSize <= maxCachedSlotSize {
		if addr, ok := tc.GetFromCache(idx); ok {
			return r.finishAlloc(addr, r.buckets[idx].slotSize, flags)
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, nil, ErrClosed
	}
	addr, err := r.allocFromBucket(idx, size, flags)
	r.mu.Unlock()
	if err != nil {
		return r.failAlloc(size, flags, err)
	}
	return r.finishAlloc(addr, r.buckets[idx].slotSize, flags)
}

// allocFromBucket is the locked core: pop the active span's freelist or
// escalate to the bucket slow path. Counters and raw size update here.
func (r *Root) allocFromBucket(idx int, rawSize uintptr, flags AllocFlags) (uintptr, error) {
	b := &r.buckets[idx]
	if !b.valid {
		corrupt("allocation hit a pseudo bucket", uintptr(idx))
	}

	var addr uintptr
	if span := b.activeHead; span.freelistHead != 0 {
		addr = span.popForAlloc(r)
	} else {
		for {
			a, err := b.slowPathAlloc(r, flags)
			if err == errProvisionRaced {
				continue
			}
			if err != nil {
				return 0, err
			}
			addr = a
			break
		}
	}

	if b.canStoreRawSize {
		if span := r.spanOf(addr); span != nil {
			span.setRawSize(rawSize)
		}
	}
	r.addAllocated(uint64(b.slotSize))
	return addr, nil
}

func (r *Root) finishAlloc(addr, capacity uintptr, flags AllocFlags) (uintptr, []byte, error) {
	buf := sysmem.Bytes(addr, capacity)
	if flags&AllocZeroFill != 0 {
		clear(buf)
	}
	return addr, buf, nil
}

// failAlloc applies the caller's failure policy: surface an error under
// AllocReturnNull (and always for fast-path refusals), terminate otherwise.
func (r *Root) failAlloc(size uintptr, flags AllocFlags, err error) (uintptr, []byte, error) {
	if flags&AllocReturnNull != 0 || err == ErrWouldBlock || err == ErrClosed {
		return 0, nil, err
	}
	r.fatalOOM(size)
	return 0, nil, err // unreachable
}

// fatalOOM runs the diagnostic handler and terminates.
func (r *Root) fatalOOM(size uintptr) {
	if h := r.cfg.OnOutOfMemory; h != nil {
		h(size)
	}
	panic(&OutOfMemoryError{
		Requested: size,
		Committed: uintptr(r.totalCommitted.Load()),
		Allocated: uintptr(r.totalAllocated.Load()),
	})
}

// Free returns a slot to its span. A pointer the root does not own, a
// misaligned pointer, or a second free of a live-once slot is fatal.
func (r *Root) Free(addr uintptr) {
	if addr == 0 {
		return
	}
	if v, ok := r.directs.Load(layout.SuperPageBase(addr)); ok {
		r.freeDirect(v.(*directMapExtent), addr)
		return
	}
	span := r.spanOf(addr)
	if span == nil {
		corrupt("free of address not owned by this root", addr)
	}
	b := span.bucket
	offset := addr - span.start()
	if offset%b.slotSize != 0 || offset >= span.spanBytes() {
		corrupt("free of misaligned slot pointer", addr)
	}

	// Touch the slot before taking the lock; a cold page fault should not
	// serialize other threads.
	if r.cfg.PoisonOnFree {
		buf := sysmem.Bytes(addr, b.slotSize)
		for i := range buf {
			buf[i] = freedByte
		}
	}

	if tc := r.cfg.ThreadCache; tc != nil && b.slotSize <= maxCachedSlotSize {
		if idx := layout.BucketIndex(b.slotSize); tc.MaybePutInCache(addr, idx) {
			return
		}
	}

	r.mu.Lock()
	span.free(addr, r)
	r.subAllocated(uint64(b.slotSize))
	r.mu.Unlock()
}

// UsableSize returns the capacity backing an allocation, always at least
// the requested size.
func (r *Root) UsableSize(addr uintptr) uintptr {
	if addr == 0 {
		return 0
	}
	if v, ok := r.directs.Load(layout.SuperPageBase(addr)); ok {
		return v.(*directMapExtent).slotSize
	}
	span := r.spanOf(addr)
	if span == nil {
		corrupt("usable size of address not owned by this root", addr)
	}
	return span.bucket.slotSize
}

// AllocationCapacityFromRequestedSize returns the capacity a request of
// the given size would receive.
func (r *Root) AllocationCapacityFromRequestedSize(size uintptr) uintptr {
	if size == 0 {
		size = 1
	}
	idx := layout.BucketIndex(size)
	if idx == layout.SentinelBucketIndex {
		return layout.RoundUpToSystemPage(size)
	}
	return r.buckets[idx].slotSize
}

// commitPages commits a range, retrying once after force-decommitting the
// empty ring when the first attempt fails. Called with the lock held; the
// freshly committed pages become reachable the moment the caller threads
// them, so the commit itself stays under the lock. The retry's ring
// decommit can drop the lock, so every caller's range must still be
// private to it: unpublished spans, fresh reservations, or a direct map
// owned by the requesting thread. Provisioning of published spans commits
// inline instead and re-derives its snapshot around the same window.
func (r *Root) commitPages(addr, size uintptr) error {
	err := r.mem.Commit(addr, size)
	if err != nil {
		debugLogf("commit failed (%v), decommitting empty ring and retrying", err)
		r.shrinkEmptyRing(0)
		err = r.mem.Commit(addr, size)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	r.addCommitted(uint64(size))
	return nil
}

// decommitPagesScoped performs the decommit syscall with the lock
// released. Callers transition the affected metadata first, so the state
// other threads can observe while the lock is dropped is already final.
func (r *Root) decommitPagesScoped(addr, size uintptr) {
	r.subCommitted(uint64(size))
	r.mu.Unlock()
	err := r.mem.Decommit(addr, size)
	r.mu.Lock()
	if err != nil {
		debugLogf("decommit @%#x (%d bytes) failed: %v", addr, size, err)
	}
}

// emptyRingDirtyLimit is the budget for dirty bytes held by parked empty
// spans: committed bytes shifted by the configured amount.
func (r *Root) emptyRingDirtyLimit() uintptr {
	return uintptr(r.totalCommitted.Load()) >> r.cfg.EmptyRingShift
}

// shrinkEmptyRing decommits parked spans, oldest first, until the dirty
// total drops to the limit. A zero limit empties the whole ring.
func (r *Root) shrinkEmptyRing(limit uintptr) {
	index := r.emptyRingIndex // write cursor = oldest entry
	start := index
	for r.emptyDirtyBytes > limit {
		if s := r.emptyRing[index]; s != nil {
			s.decommitIfPossible(r)
		}
		index = (index + 1) % emptySpanRingSize
		if index == start {
			break
		}
	}
}

func (r *Root) addCommitted(n uint64) {
	now := r.totalCommitted.Add(n)
	for {
		peak := r.maxCommitted.Load()
		if now <= peak || r.maxCommitted.CompareAndSwap(peak, now) {
			break
		}
	}
}

func (r *Root) subCommitted(n uint64) {
	r.totalCommitted.Add(^n + 1)
}

func (r *Root) addAllocated(n uint64) {
	now := r.totalAllocated.Add(n)
	for {
		peak := r.maxAllocated.Load()
		if now <= peak || r.maxAllocated.CompareAndSwap(peak, now) {
			break
		}
	}
}

func (r *Root) subAllocated(n uint64) {
	r.totalAllocated.Add(^n + 1)
}

// Close tears the root down, unconditionally releasing every reservation
// back to the provider. Live allocations do not block teardown; they are
// reported through the debug log and their memory goes away with the rest.
func (r *Root) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true

	var superBases []uintptr
	r.superPages.Range(func(k, _ any) bool {
		superBases = append(superBases, k.(uintptr))
		return true
	})
	var directMaps []*directMapExtent
	for dm := r.directMapList; dm != nil; dm = dm.next {
		directMaps = append(directMaps, dm)
	}
	live := r.totalAllocated.Load()
	r.directMapList = nil
	r.firstExtent = nil
	r.currentExtent = nil
	r.nextPartitionPage = 0
	r.nextPartitionPageEnd = 0
	for i := range r.emptyRing {
		r.emptyRing[i] = nil
	}
	r.emptyDirtyBytes = 0
	r.mu.Unlock()

	if live > 0 {
		debugLogf("closing root with %d bytes still allocated", live)
	}
	for _, base := range superBases {
		r.superPages.Delete(base)
		_ = r.mem.Release(base, layout.SuperPageSize)
	}
	for _, dm := range directMaps {
		for b := dm.base; b < dm.base+dm.reservation; b += layout.SuperPageSize {
			r.directs.Delete(b)
		}
		_ = r.mem.Release(dm.base, dm.reservation)
	}
	r.totalMapped.Store(0)
	r.totalCommitted.Store(0)
	r.totalAllocated.Store(0)

	if r.cfg.Registry != nil {
		r.cfg.Registry.unregister(r)
	}
	return nil
}
