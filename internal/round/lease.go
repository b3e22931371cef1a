package round

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/clock"
	"github.com/jason-s-yu/roundhouse/internal/models"
)

// DefaultLeaseTTL is how long a scheduler may go without renewing its driving lease.
const DefaultLeaseTTL = 15 * time.Second

// Leases hands out the right to drive a round key. At most one holder per key at a time;
// a holder that stops renewing loses the key once its TTL runs out.
type Leases interface {
	// Acquire takes the lease on key or renews it if already held, reporting whether it is held.
	Acquire(ctx context.Context, key models.RoundKey, ttl time.Duration) (bool, error)
	// Release gives the lease up if held. Releasing a lease held by someone else is a no-op.
	Release(ctx context.Context, key models.RoundKey) error
}

type localHold struct {
	owner string
	until time.Time
}

type leaseTable struct {
	mu    sync.Mutex
	clock clock.Clock
	held  map[models.RoundKey]localHold
}

// MemoryLeases is an in-process Leases. Holders created with Peer share the table, which
// is enough for several schedulers inside one process.
type MemoryLeases struct {
	table *leaseTable
	owner string
}

// NewMemoryLeases returns a holder on a fresh table. Expiry is measured on clk.
func NewMemoryLeases(clk clock.Clock) *MemoryLeases {
	if clk == nil {
		clk = clock.Real{}
	}
	t := &leaseTable{clock: clk, held: make(map[models.RoundKey]localHold)}
	return &MemoryLeases{table: t, owner: uuid.NewString()}
}

// Peer returns another holder competing for the same keys.
func (m *MemoryLeases) Peer() *MemoryLeases {
	return &MemoryLeases{table: m.table, owner: uuid.NewString()}
}

func (m *MemoryLeases) Acquire(_ context.Context, key models.RoundKey, ttl time.Duration) (bool, error) {
	t := m.table
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	if h, ok := t.held[key]; ok && h.owner != m.owner && now.Before(h.until) {
		return false, nil
	}
	t.held[key] = localHold{owner: m.owner, until: now.Add(ttl)}
	return true, nil
}

func (m *MemoryLeases) Release(_ context.Context, key models.RoundKey) error {
	t := m.table
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.held[key]; ok && h.owner == m.owner {
		delete(t.held, key)
	}
	return nil
}
