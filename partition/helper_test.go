package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/partkit/internal/sysmem"
)

// newTestRoot builds a root over a fresh simulated provider.
func newTestRoot(t *testing.T, cfg Config) (*Root, *sysmem.Sim) {
	t.Helper()
	sim := sysmem.NewSim()
	cfg.Provider = sim
	r, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, sim
}

// mustAlloc allocates with the return-null policy and fails the test on
// error, so an unexpected exhaustion does not take the process down.
func mustAlloc(t *testing.T, r *Root, size uintptr) uintptr {
	t.Helper()
	addr, _, err := r.Alloc(size, AllocReturnNull)
	require.NoError(t, err)
	require.NotZero(t, addr)
	return addr
}

// checkOccupancy asserts that a span's three populations partition its slot
// capacity: every slot is allocated, on the freelist, or unprovisioned.
func checkOccupancy(t *testing.T, r *Root, s *SlotSpan) {
	t.Helper()
	free := s.freelistLength(r)
	assert.Equal(t, s.slotsPerSpan(),
		s.numAllocated()+free+s.numUnprovisioned(),
		"allocated=%d free=%d unprovisioned=%d capacity=%d",
		s.numAllocated(), free, s.numUnprovisioned(), s.slotsPerSpan())
}

// spanState names the one state a span is in, and fails if the states do
// not partition.
func spanState(t *testing.T, s *SlotSpan) string {
	t.Helper()
	states := map[string]bool{
		"active":      s.isActive(),
		"full":        s.isFull(),
		"empty":       s.isEmpty(),
		"decommitted": s.isDecommitted(),
	}
	var name string
	n := 0
	for k, v := range states {
		if v {
			name = k
			n++
		}
	}
	require.Equal(t, 1, n, "span states must be mutually exclusive: %v", states)
	return name
}
