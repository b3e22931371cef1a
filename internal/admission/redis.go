package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/clock"
	"github.com/jason-s-yu/roundhouse/internal/config"
	"github.com/redis/go-redis/v9"
)

// acquireScript counts the attempt, prunes expired leases and admits atomically.
// KEYS: leases zset, attempts counter.
// ARGV: now ms, expiry ms, max concurrent, lease id, max attempts, window ms, zset ttl ms.
var acquireScript = redis.NewScript(`
local attempts = redis.call('INCR', KEYS[2])
if attempts == 1 then
  redis.call('PEXPIRE', KEYS[2], ARGV[6])
end
if tonumber(ARGV[5]) > 0 and attempts > tonumber(ARGV[5]) then
  return -2
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if tonumber(ARGV[3]) > 0 and redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
  return -1
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[7])
return 1
`)

// refreshScript extends a lease only while it is still live.
// KEYS: leases zset. ARGV: now ms, expiry ms, lease id, zset ttl ms.
var refreshScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[3])
if not score or tonumber(score) <= tonumber(ARGV[1]) then
  redis.call('ZREM', KEYS[1], ARGV[3])
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// Redis is a Limiter shared by every server instance.
type Redis struct {
	rdb    *redis.Client
	limits config.Admission
	clock  clock.Clock
	prefix string
}

// NewRedis returns a limiter keyed under prefix (default "admission").
func NewRedis(rdb *redis.Client, limits config.Admission, clk clock.Clock, prefix string) *Redis {
	if clk == nil {
		clk = clock.Real{}
	}
	if prefix == "" {
		prefix = "admission"
	}
	return &Redis{rdb: rdb, limits: limits, clock: clk, prefix: prefix}
}

func (r *Redis) leasesKey(source string) string { return fmt.Sprintf("%s:%s:leases", r.prefix, source) }
func (r *Redis) attemptsKey(source string) string {
	return fmt.Sprintf("%s:%s:attempts", r.prefix, source)
}

func (r *Redis) keyTTL() time.Duration {
	return 2 * r.limits.LeaseTTL
}

func (r *Redis) Acquire(ctx context.Context, source string) (*Lease, error) {
	now := r.clock.Now()
	id := uuid.NewString()
	key := r.leasesKey(source)

	res, err := acquireScript.Run(ctx, r.rdb,
		[]string{key, r.attemptsKey(source)},
		now.UnixMilli(),
		now.Add(r.limits.LeaseTTL).UnixMilli(),
		r.limits.MaxConcurrent,
		id,
		r.limits.MaxAttempts,
		r.limits.Window.Milliseconds(),
		r.keyTTL().Milliseconds(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("admission script: %w", err)
	}
	switch res {
	case -2:
		return nil, ErrRateLimited
	case -1:
		return nil, ErrTooManyConnections
	}

	return &Lease{
		Source: source,
		ID:     id,
		refresh: func(ctx context.Context) error {
			now := r.clock.Now()
			ok, err := refreshScript.Run(ctx, r.rdb, []string{key},
				now.UnixMilli(), now.Add(r.limits.LeaseTTL).UnixMilli(), id, r.keyTTL().Milliseconds(),
			).Int()
			if err != nil {
				return err
			}
			if ok == 0 {
				return ErrLeaseExpired
			}
			return nil
		},
		release: func(ctx context.Context) error {
			return r.rdb.ZRem(ctx, key, id).Err()
		},
	}, nil
}

// Active returns the number of unexpired leases held by source.
func (r *Redis) Active(ctx context.Context, source string) (int64, error) {
	floor := fmt.Sprintf("(%d", r.clock.Now().UnixMilli())
	return r.rdb.ZCount(ctx, r.leasesKey(source), floor, "+inf").Result()
}
