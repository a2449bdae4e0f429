package partition

import (
	"context"
	"sync"
)

// Registry tracks a set of roots so process-wide maintenance can reach all
// of them. A root joins at construction through Config.Registry and leaves
// on Close.
type Registry struct {
	mu    sync.Mutex
	roots map[*Root]struct{}
}

func NewRegistry() *Registry {
	return &Registry{roots: make(map[*Root]struct{})}
}

func (g *Registry) register(r *Root) {
	g.mu.Lock()
	g.roots[r] = struct{}{}
	g.mu.Unlock()
}

func (g *Registry) unregister(r *Root) {
	g.mu.Lock()
	delete(g.roots, r)
	g.mu.Unlock()
}

// Roots returns a snapshot of the registered roots.
func (g *Registry) Roots() []*Root {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Root, 0, len(g.roots))
	for r := range g.roots {
		out = append(out, r)
	}
	return out
}

// PurgeAll runs PurgeMemory over every registered root, stopping early when
// ctx expires. A root closed mid-walk is skipped, not an error.
func (g *Registry) PurgeAll(ctx context.Context, flags PurgeFlags) error {
	for _, r := range g.Roots() {
		if err := r.PurgeMemory(ctx, flags); err != nil {
			if err == ErrClosed {
				continue
			}
			return err
		}
	}
	return nil
}
