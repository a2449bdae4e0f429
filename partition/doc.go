// Package partition implements a security-hardened partition allocator:
// size-class buckets backed by metadata-tracked slot spans carved out of
// 2 MiB super page reservations.
//
// # Overview
//
// A Root is one allocator instance. Requests are mapped to a bucket by
// size; the bucket's active slot span serves slots from an obfuscated
// in-slot free list (fast path) or escalates through empty and decommitted
// span lists, new span carving, and new super page reservation (slow path).
// Requests beyond the largest bucketed size get a dedicated direct-map
// reservation.
//
// # Usage Example
//
//	root, err := partition.New(partition.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer root.Close()
//
//	addr, buf, err := root.Alloc(48, 0)
//	if err != nil {
//	    return err
//	}
//	copy(buf, payload)
//
//	// Later, return the slot.
//	root.Free(addr)
//
// # Slot Spans
//
// A slot span is a run of whole partition pages divided into equal slots of
// one bucket. Every span is in exactly one of four states:
//
//   - active: some slots allocated, and free or unprovisioned slots remain
//   - full: every slot allocated
//   - empty: no slots allocated, free list intact
//   - decommitted: no slots allocated, backing pages returned to the OS
//
// Emptied spans are parked in a fixed-size ring and decommitted lazily so
// bursts of frees do not turn into bursts of syscalls. The total dirty
// bytes held by the ring is bounded by a configurable fraction of committed
// memory.
//
// # Hardening
//
// Free slots chain through their own memory using byte-swapped, key-mixed
// pointers with an inverted shadow word. A stray write, a double free, or
// an out-of-range link is detected on the next touch and terminates the
// process via panic with a *CorruptionError. This is deliberate: a detected
// corruption is a security bug, never a recoverable condition.
//
// # Thread Safety
//
// All Root methods are safe for concurrent use. One mutex guards the
// structural state; reservations, releases, and span decommits run with the
// lock dropped. An optional ThreadCache can short-circuit the lock for
// small hot allocations.
//
// # Related Packages
//
//   - github.com/joshuapare/partkit/internal/layout: page and bucket geometry
//   - github.com/joshuapare/partkit/internal/sysmem: virtual-memory providers
package partition
