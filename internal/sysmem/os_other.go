//go:build !linux

package sysmem

// Default returns the provider used when a configuration supplies none.
// Platforms without the mmap surface fall back to the heap-backed provider;
// commit accounting still behaves identically, stray touches just are not
// trapped by hardware.
func Default() Provider { return NewSim() }
