package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/redis/go-redis/v9"
)

// renewScript extends the lease only while the caller still owns it.
// KEYS: lease key. ARGV: owner, ttl ms.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only if the caller owns it.
// KEYS: lease key. ARGV: owner.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Leases grants per-room driving leases shared by every server instance. A lease is a key
// set with NX and a TTL whose value names the owning process.
type Leases struct {
	rdb    *redis.Client
	prefix string
	owner  string
}

// NewLeases returns a lease holder keyed under prefix (default "round_lease") with a fresh owner id.
func NewLeases(rdb *redis.Client, prefix string) *Leases {
	if prefix == "" {
		prefix = "round_lease"
	}
	return &Leases{rdb: rdb, prefix: prefix, owner: uuid.NewString()}
}

func (l *Leases) key(k models.RoundKey) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, k.Room, k.GameType)
}

// Owner identifies this holder in Redis.
func (l *Leases) Owner() string { return l.owner }

// Acquire takes the lease with SET NX PX, or renews it when this holder already owns it.
func (l *Leases) Acquire(ctx context.Context, k models.RoundKey, ttl time.Duration) (bool, error) {
	key := l.key(k)
	err := l.rdb.SetArgs(ctx, key, l.owner, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("failed to set lease %s: %w", key, err)
	}
	n, err := renewScript.Run(ctx, l.rdb, []string{key}, l.owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %s: %w", key, err)
	}
	return n == 1, nil
}

// Release drops the lease if this holder owns it.
func (l *Leases) Release(ctx context.Context, k models.RoundKey) error {
	key := l.key(k)
	if err := releaseScript.Run(ctx, l.rdb, []string{key}, l.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}
