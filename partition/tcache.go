package partition

import (
	"sync"
	"sync/atomic"

	"github.com/joshuapare/partkit/internal/layout"
)

// ThreadCache fronts the root's lock with a per-caller stash of small
// slots. Both methods must be safe for the caller's own concurrency model;
// the root invokes them outside its lock.
type ThreadCache interface {
	// GetFromCache returns a cached slot of the given bucket, if any.
	GetFromCache(bucketIndex int) (uintptr, bool)

	// MaybePutInCache offers a freed slot. Returning false tells the root
	// to free it for real.
	MaybePutInCache(addr uintptr, bucketIndex int) bool
}

const localCacheSlotsPerBucket = 16

// LocalCache is a bounded per-bucket LIFO stash. Slots it holds are neither
// allocated nor free from the root's point of view: they stay charged to
// their spans until drained or reused.
type LocalCache struct {
	mu       sync.Mutex
	draining atomic.Bool
	stacks   [layout.NumBuckets][]uintptr
}

func NewLocalCache() *LocalCache {
	return &LocalCache{}
}

func (c *LocalCache) GetFromCache(bucketIndex int) (uintptr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stacks[bucketIndex]
	if len(st) == 0 {
		return 0, false
	}
	addr := st[len(st)-1]
	c.stacks[bucketIndex] = st[:len(st)-1]
	return addr, true
}

func (c *LocalCache) MaybePutInCache(addr uintptr, bucketIndex int) bool {
	if c.draining.Load() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stacks[bucketIndex]
	if len(st) >= localCacheSlotsPerBucket {
		return false
	}
	c.stacks[bucketIndex] = append(st, addr)
	return true
}

// Drain frees every stashed slot back to the root. Puts are refused for the
// duration so the frees cannot loop back into the cache.
func (c *LocalCache) Drain(r *Root) {
	c.draining.Store(true)
	defer c.draining.Store(false)

	c.mu.Lock()
	var addrs []uintptr
	for i := range c.stacks {
		addrs = append(addrs, c.stacks[i]...)
		c.stacks[i] = nil
	}
	c.mu.Unlock()

	for _, addr := range addrs {
		r.Free(addr)
	}
}
