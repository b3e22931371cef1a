package admission

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/clock"
	"github.com/jason-s-yu/roundhouse/internal/config"
	"golang.org/x/time/rate"
)

// Memory is a single-process Limiter. Concurrency follows the Redis limiter exactly; attempts
// use a token bucket per source that refills MaxAttempts tokens every Window, so a burst of
// MaxAttempts is allowed and the sustained rate matches the Redis window.
type Memory struct {
	limits config.Admission
	clock  clock.Clock

	mu       sync.Mutex
	leases   map[string]map[string]time.Time // source -> lease id -> expiry
	attempts map[string]*rate.Limiter
}

// NewMemory returns an in-process limiter.
func NewMemory(limits config.Admission, clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Memory{
		limits:   limits,
		clock:    clk,
		leases:   make(map[string]map[string]time.Time),
		attempts: make(map[string]*rate.Limiter),
	}
}

func (m *Memory) Acquire(ctx context.Context, source string) (*Lease, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limits.MaxAttempts > 0 {
		l := m.attempts[source]
		if l == nil {
			l = rate.NewLimiter(rate.Every(m.limits.Window/time.Duration(m.limits.MaxAttempts)), m.limits.MaxAttempts)
			m.attempts[source] = l
		}
		// The server clock drives the bucket so tests can pin it.
		if !l.AllowN(now, 1) {
			return nil, ErrRateLimited
		}
	}

	live := m.leases[source]
	for id, exp := range live {
		if !exp.After(now) {
			delete(live, id)
		}
	}
	if m.limits.MaxConcurrent > 0 && len(live) >= m.limits.MaxConcurrent {
		return nil, ErrTooManyConnections
	}
	if live == nil {
		live = make(map[string]time.Time)
		m.leases[source] = live
	}

	id := uuid.NewString()
	live[id] = now.Add(m.limits.LeaseTTL)
	return &Lease{
		Source: source,
		ID:     id,
		refresh: func(context.Context) error {
			return m.refresh(source, id)
		},
		release: func(context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.leases[source], id)
			if len(m.leases[source]) == 0 {
				delete(m.leases, source)
			}
			return nil
		},
	}, nil
}

func (m *Memory) refresh(source, id string) error {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.leases[source][id]
	if !ok || !exp.After(now) {
		delete(m.leases[source], id)
		return ErrLeaseExpired
	}
	m.leases[source][id] = now.Add(m.limits.LeaseTTL)
	return nil
}

// Active returns the number of unexpired leases held by source.
func (m *Memory) Active(source string) int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, exp := range m.leases[source] {
		if exp.After(now) {
			n++
		}
	}
	return n
}
