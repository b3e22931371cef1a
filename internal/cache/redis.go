// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list the historian drains.
const DefaultQueueName = "round_events"

// ConnectRedis opens a client and verifies it with a ping.
func ConnectRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// EventLog appends round lifecycle events to a Redis list for the historian.
type EventLog struct {
	rdb   *redis.Client
	queue string
}

// NewEventLog returns an EventLog pushing to queue (DefaultQueueName if empty).
func NewEventLog(rdb *redis.Client, queue string) *EventLog {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &EventLog{rdb: rdb, queue: queue}
}

// Record serializes rec and pushes it onto the queue. It does not wait for the historian.
func (l *EventLog) Record(ctx context.Context, rec models.RoundEventRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal RoundEventRecord: %w", err)
	}
	if err := l.rdb.RPush(ctx, l.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", l.queue, err)
	}
	return nil
}

// Queue returns the list name.
func (l *EventLog) Queue() string { return l.queue }
