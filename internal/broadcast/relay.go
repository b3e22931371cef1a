// internal/broadcast/relay.go
package broadcast

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultRelayChannel is the pub/sub channel instances share.
const DefaultRelayChannel = "roundhouse:broadcast"

type relayEnvelope struct {
	Origin  string          `json:"origin"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Class   DeliveryClass   `json:"class"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RedisRelay mirrors published messages across server instances over Redis pub/sub. Each
// instance sequences relayed critical messages with its own counters.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	origin  string
	hub     *Hub
	logger  *logrus.Logger
}

// NewRedisRelay wires a relay to hub. Call Run to start consuming.
func NewRedisRelay(rdb *redis.Client, channel string, hub *Hub, logger *logrus.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &RedisRelay{rdb: rdb, channel: channel, origin: uuid.NewString(), hub: hub, logger: logger}
	hub.SetRelay(r)
	return r
}

// Forward publishes a locally originated message.
func (r *RedisRelay) Forward(ctx context.Context, topic, typ string, payload any, class DeliveryClass) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(relayEnvelope{Origin: r.origin, Topic: topic, Type: typ, Class: class, Payload: raw})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, data).Err()
}

// Run consumes relayed messages until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	r.logger.WithField("channel", r.channel).Info("broadcast relay listening")

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return errors.New("relay subscription closed")
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				r.logger.WithError(err).Warn("dropping malformed relay message")
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			r.hub.deliver(env.Topic, env.Type, env.Payload, env.Class)
		}
	}
}
