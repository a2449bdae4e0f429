package partition

import (
	"github.com/joshuapare/partkit/internal/sysmem"
)

// Config controls a root's policies. The zero value of each field selects
// the default noted on it; DefaultConfig, HardenedConfig, and TestConfig
// are the usual starting points.
type Config struct {
	// Provider supplies reserved address space and page commit control.
	// Nil selects the platform default (mmap on Linux).
	Provider sysmem.Provider

	// Registry, when non-nil, receives this root on construction and drops
	// it on Close, enabling process-wide enumeration and purge.
	Registry *Registry

	// ThreadCache, when non-nil, is consulted before the root lock for
	// small bucketed sizes. The root functions identically without one.
	ThreadCache ThreadCache

	// OnOutOfMemory is invoked with the requested size before a fatal
	// out-of-memory panic. Intended for diagnostic logging; it must not
	// assume it can allocate.
	OnOutOfMemory func(size uintptr)

	// EagerCommit commits a slot span's pages when the span is created
	// instead of as slots are provisioned.
	EagerCommit bool

	// PoisonOnFree fills freed slots with the freed-memory pattern before
	// the lock is taken.
	PoisonOnFree bool

	// PreferSmallSlotSpans biases the span geometry search toward shorter
	// page runs, trading a little intra-span waste for less commit-charge
	// fragmentation.
	PreferSmallSlotSpans bool

	// EmptyRingShift sets the dirty budget for not-yet-decommitted empty
	// spans to committed_bytes >> EmptyRingShift. 0 selects the default of
	// 3 (one eighth of committed bytes).
	EmptyRingShift uint

	// DirectMapShrinkNum/Den set the in-place shrink tolerance for
	// direct-mapped reallocations: shrinking stays in place only while the
	// new size is at least Num/Den of the map's payload capacity. 0/0
	// selects the default 4/5. Num=0 with Den>0 permits any in-place
	// shrink that remains direct-mappable.
	DirectMapShrinkNum int
	DirectMapShrinkDen int
}

// DefaultConfig is the general-purpose configuration: platform provider,
// lazy commit, no poisoning.
func DefaultConfig() Config {
	return Config{}
}

// HardenedConfig trades a little speed for earlier corruption detection:
// freed slots are poisoned and span geometry prefers small spans so stale
// pointers go out of bounds sooner.
func HardenedConfig() Config {
	return Config{
		PoisonOnFree:         true,
		PreferSmallSlotSpans: true,
	}
}

// TestConfig runs the allocator against the given provider, typically a
// *sysmem.Sim, for deterministic tests.
func TestConfig(p sysmem.Provider) Config {
	return Config{Provider: p}
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Provider == nil {
		out.Provider = sysmem.Default()
	}
	if out.EmptyRingShift == 0 {
		out.EmptyRingShift = 3
	}
	if out.DirectMapShrinkNum == 0 && out.DirectMapShrinkDen == 0 {
		out.DirectMapShrinkNum = 4
		out.DirectMapShrinkDen = 5
	}
	if out.DirectMapShrinkDen <= 0 {
		out.DirectMapShrinkDen = 1
	}
	return out
}
