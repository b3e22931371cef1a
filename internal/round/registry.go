package round

import (
	"sort"
	"sync"

	"github.com/jason-s-yu/roundhouse/internal/models"
)

// Registry tracks the current round of every (room, game type) key. Each key has its own
// lock, so work on one room never waits on another.
type Registry struct {
	mu      sync.Mutex
	entries map[models.RoundKey]*registryEntry
}

type registryEntry struct {
	op sync.Mutex

	mu      sync.RWMutex
	current *models.Round
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[models.RoundKey]*registryEntry)}
}

func (g *Registry) entry(key models.RoundKey) *registryEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok {
		e = &registryEntry{}
		g.entries[key] = e
	}
	return e
}

// Lock serializes engine operations on key. Call the returned func to unlock.
func (g *Registry) Lock(key models.RoundKey) func() {
	e := g.entry(key)
	e.op.Lock()
	return e.op.Unlock
}

// Current returns a copy of the tracked round for key, or nil.
func (g *Registry) Current(key models.RoundKey) *models.Round {
	e := g.entry(key)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return nil
	}
	return e.current.Clone()
}

// track records r as the current round of its key unless a newer round is already tracked.
func (g *Registry) track(r *models.Round) {
	e := g.entry(r.Key())
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil && e.current.ID != r.ID && e.current.CreatedAt.After(r.CreatedAt) {
		return
	}
	e.current = r.Clone()
}

// Keys returns every tracked key in a stable order.
func (g *Registry) Keys() []models.RoundKey {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]models.RoundKey, 0, len(g.entries))
	for k := range g.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
