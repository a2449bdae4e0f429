package sysmem

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/joshuapare/partkit/internal/layout"
)

// SimCounters is a snapshot of provider call counts, used by tests to
// assert syscall-amortization behavior (e.g. that a workload was served
// without new reservations).
type SimCounters struct {
	Reserves  int
	Commits   int
	Decommits int
	Discards  int
	Releases  int

	// CommittedBytes is the current total of committed pages.
	CommittedBytes uintptr
}

type simRegion struct {
	buf       []byte // keeps the backing array alive
	base      uintptr
	size      uintptr
	committed []bool // per system page
}

// Sim is a heap-backed Provider with deterministic behavior. Pages read as
// zero after a fresh commit or a commit following decommit, matching the OS
// provider. Decommitted pages are not hardware-protected; the allocator's
// own bookkeeping is what tests exercise.
type Sim struct {
	mu          sync.Mutex
	regions     map[uintptr]*simRegion
	counters    SimCounters
	failCommits int
}

// NewSim returns an empty simulated provider.
func NewSim() *Sim {
	return &Sim{regions: make(map[uintptr]*simRegion)}
}

// FailCommits makes the next n Commit calls fail with ErrCommitFailed.
func (s *Sim) FailCommits(n int) {
	s.mu.Lock()
	s.failCommits = n
	s.mu.Unlock()
}

// Counters returns a snapshot of the call counters.
func (s *Sim) Counters() SimCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

func (s *Sim) Reserve(hint, size, align uintptr) (uintptr, error) {
	if size == 0 || size&layout.SystemPageOffsetMask != 0 {
		return 0, fmt.Errorf("%w: unaligned size %#x", ErrReserveFailed, size)
	}
	buf := make([]byte, size+align)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	aligned := (base + align - 1) &^ (align - 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Reserves++
	s.regions[aligned] = &simRegion{
		buf:       buf,
		base:      aligned,
		size:      size,
		committed: make([]bool, size>>layout.SystemPageShift),
	}
	return aligned, nil
}

// find returns the region containing [addr, addr+size). Caller holds s.mu.
func (s *Sim) find(addr, size uintptr) (*simRegion, error) {
	for _, r := range s.regions {
		if addr >= r.base && addr+size <= r.base+r.size {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: [%#x, %#x)", ErrBadRange, addr, addr+size)
}

func (s *Sim) Commit(addr, size uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Commits++
	if s.failCommits > 0 {
		s.failCommits--
		return ErrCommitFailed
	}
	r, err := s.find(addr, size)
	if err != nil {
		return err
	}
	first := (addr - r.base) >> layout.SystemPageShift
	last := (addr + size - r.base + layout.SystemPageOffsetMask) >> layout.SystemPageShift
	for p := first; p < last; p++ {
		if !r.committed[p] {
			r.committed[p] = true
			s.counters.CommittedBytes += layout.SystemPageSize
			clear(Bytes(r.base+p<<layout.SystemPageShift, layout.SystemPageSize))
		}
	}
	return nil
}

func (s *Sim) Decommit(addr, size uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Decommits++
	r, err := s.find(addr, size)
	if err != nil {
		return err
	}
	first := (addr - r.base) >> layout.SystemPageShift
	last := (addr + size - r.base + layout.SystemPageOffsetMask) >> layout.SystemPageShift
	for p := first; p < last; p++ {
		if r.committed[p] {
			r.committed[p] = false
			s.counters.CommittedBytes -= layout.SystemPageSize
		}
	}
	return nil
}

func (s *Sim) Discard(addr, size uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Discards++
	if _, err := s.find(addr, size); err != nil {
		return err
	}
	clear(Bytes(addr, size))
	return nil
}

func (s *Sim) Release(addr, size uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Releases++
	r, ok := s.regions[addr]
	if !ok || r.size != size {
		return fmt.Errorf("%w: release [%#x, %#x)", ErrBadRange, addr, addr+size)
	}
	for _, c := range r.committed {
		if c {
			s.counters.CommittedBytes -= layout.SystemPageSize
		}
	}
	delete(s.regions, addr)
	return nil
}
