// Package admission bounds how many websocket connections a source may hold and how often it
// may try to open new ones.
package admission

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrTooManyConnections means the source already holds its maximum of live connections.
	ErrTooManyConnections = errors.New("too many concurrent connections")
	// ErrRateLimited means the source exceeded its connection attempts for the window.
	ErrRateLimited = errors.New("connection attempts rate limited")
	// ErrLeaseExpired is returned by Refresh when the lease lapsed before it was renewed.
	ErrLeaseExpired = errors.New("connection lease expired")
)

// Limiter admits connections. Every successful Acquire must be paired with Lease.Release.
type Limiter interface {
	Acquire(ctx context.Context, source string) (*Lease, error)
}

// Lease is one admitted connection. Leases expire on their own unless refreshed, so a
// crashed process cannot hold a slot forever.
type Lease struct {
	Source string
	ID     string

	refresh func(ctx context.Context) error
	release func(ctx context.Context) error

	once       sync.Once
	releaseErr error
}

// Refresh extends the lease. Call it on every heartbeat.
func (l *Lease) Refresh(ctx context.Context) error {
	return l.refresh(ctx)
}

// Release frees the slot. Only the first call has an effect.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.releaseErr = l.release(ctx)
	})
	return l.releaseErr
}

// Reason maps an admission error to a short metric label.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrTooManyConnections):
		return "concurrency"
	case errors.Is(err, ErrRateLimited):
		return "rate"
	default:
		return "error"
	}
}
