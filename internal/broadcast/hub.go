// internal/broadcast/hub.go
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/clock"
	"github.com/jason-s-yu/roundhouse/internal/metrics"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/sirupsen/logrus"
)

// SnapshotFunc rebuilds the full state a subscriber should see, from persisted data.
type SnapshotFunc func(ctx context.Context, sub *Subscriber) (any, error)

// Relay forwards locally published messages to other instances.
type Relay interface {
	Forward(ctx context.Context, topic, typ string, payload any, class DeliveryClass) error
}

// Hub fans messages out to subscribers by topic. Critical messages get a per-topic sequence
// number assigned here, so ordering is per hub.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscriber
	topics map[string]map[uuid.UUID]*Subscriber

	seqMu sync.Mutex
	seq   map[string]uint64

	policy    RetryPolicy
	queueSize int
	clock     clock.Clock
	logger    *logrus.Logger
	metrics   *metrics.Metrics

	snapshotMu sync.RWMutex
	snapshot   SnapshotFunc
	relay      Relay
}

// Option customizes a Hub.
type Option func(*Hub)

func WithPolicy(p RetryPolicy) Option         { return func(h *Hub) { h.policy = p } }
func WithQueueSize(n int) Option              { return func(h *Hub) { h.queueSize = n } }
func WithClock(c clock.Clock) Option          { return func(h *Hub) { h.clock = c } }
func WithLogger(l *logrus.Logger) Option      { return func(h *Hub) { h.logger = l } }
func WithMetrics(m *metrics.Metrics) Option   { return func(h *Hub) { h.metrics = m } }
func WithSnapshotFunc(fn SnapshotFunc) Option { return func(h *Hub) { h.snapshot = fn } }

// NewHub returns an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:      make(map[uuid.UUID]*Subscriber),
		topics:    make(map[string]map[uuid.UUID]*Subscriber),
		seq:       make(map[string]uint64),
		policy:    DefaultRetryPolicy(),
		queueSize: 64,
		clock:     clock.Real{},
		logger:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = metrics.NewTest()
	}
	if h.policy.WriteTimeout <= 0 {
		h.policy.WriteTimeout = 3 * time.Second
	}
	return h
}

// SetSnapshotFunc installs the snapshot builder once the engine exists.
func (h *Hub) SetSnapshotFunc(fn SnapshotFunc) {
	h.snapshotMu.Lock()
	h.snapshot = fn
	h.snapshotMu.Unlock()
}

// SetRelay installs cross-instance forwarding.
func (h *Hub) SetRelay(r Relay) {
	h.snapshotMu.Lock()
	h.relay = r
	h.snapshotMu.Unlock()
}

// Register adds a subscriber on conn, subscribes it to topics and starts its writer. The
// first message it receives is a snapshot.
func (h *Hub) Register(ctx context.Context, conn Conn, id models.Identity, source string, topics ...string) *Subscriber {
	sub := newSubscriber(ctx, h, conn, id, source)
	h.mu.Lock()
	h.subs[sub.ID] = sub
	for _, t := range topics {
		h.subscribeLocked(sub, t)
	}
	h.mu.Unlock()

	h.metrics.Subscribers.Inc()
	h.logger.WithFields(logrus.Fields{
		"subscriber": sub.ID,
		"player_id":  id.PlayerID,
		"role":       id.Role,
		"topics":     topics,
	}).Debug("subscriber registered")

	sub.RequestResync()
	go sub.writeLoop()
	return sub
}

// Subscribe adds topic to an existing subscriber.
func (h *Hub) Subscribe(sub *Subscriber, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.ID]; ok {
		h.subscribeLocked(sub, topic)
	}
}

func (h *Hub) subscribeLocked(sub *Subscriber, topic string) {
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[uuid.UUID]*Subscriber)
		h.topics[topic] = set
	}
	set[sub.ID] = sub
	sub.addTopic(topic)
}

// Unregister removes the subscriber and cancels its writer, abandoning pending retries.
// It is safe to call more than once.
func (h *Hub) Unregister(sub *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub.ID]
	if ok {
		delete(h.subs, sub.ID)
		for _, t := range sub.Topics() {
			if set := h.topics[t]; set != nil {
				delete(set, sub.ID)
				if len(set) == 0 {
					delete(h.topics, t)
				}
			}
		}
	}
	h.mu.Unlock()

	sub.cancel()
	if ok {
		h.metrics.Subscribers.Dec()
		h.logger.WithField("subscriber", sub.ID).Debug("subscriber unregistered")
	}
}

// Publish sends a message to every subscriber of topic and forwards it to other instances.
func (h *Hub) Publish(topic, typ string, payload any, class DeliveryClass) Message {
	msg := h.deliver(topic, typ, payload, class)

	h.snapshotMu.RLock()
	relay := h.relay
	h.snapshotMu.RUnlock()
	if relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.policy.WriteTimeout)
		if err := relay.Forward(ctx, topic, typ, payload, class); err != nil {
			h.logger.WithError(err).WithField("topic", topic).Warn("relay forward failed")
		}
		cancel()
	}
	return msg
}

// deliver stamps and enqueues a message for local subscribers only.
func (h *Hub) deliver(topic, typ string, payload any, class DeliveryClass) Message {
	msg := Message{Type: typ, Topic: topic, Timestamp: h.clock.Now().UTC(), Payload: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if class == Critical {
		// Sequencing under the read lock keeps enqueue order equal to sequence order.
		h.seqMu.Lock()
		h.seq[topic]++
		msg.Sequence = h.seq[topic]
		for _, sub := range h.topics[topic] {
			sub.enqueue(msg)
		}
		h.seqMu.Unlock()
		return msg
	}
	for _, sub := range h.topics[topic] {
		sub.enqueue(msg)
	}
	return msg
}

// Resync pushes a fresh snapshot to every subscriber of topic and returns how many.
func (h *Hub) Resync(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.topics[topic] {
		sub.RequestResync()
	}
	return len(h.topics[topic])
}

// Sequence returns the last critical sequence number issued on topic.
func (h *Hub) Sequence(topic string) uint64 {
	h.seqMu.Lock()
	defer h.seqMu.Unlock()
	return h.seq[topic]
}

func (h *Hub) sequences(topics []string) map[string]uint64 {
	h.seqMu.Lock()
	defer h.seqMu.Unlock()
	out := make(map[string]uint64, len(topics))
	for _, t := range topics {
		out[t] = h.seq[t]
	}
	return out
}

// Count returns the number of subscribers on topic.
func (h *Hub) Count(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Subscribers returns a copy of the registered subscribers.
func (h *Hub) Subscribers() []*Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, s)
	}
	return out
}

// Close unregisters every subscriber.
func (h *Hub) Close() {
	for _, s := range h.Subscribers() {
		h.Unregister(s)
	}
}

func (h *Hub) buildSnapshot(ctx context.Context, sub *Subscriber) (any, error) {
	h.snapshotMu.RLock()
	fn := h.snapshot
	h.snapshotMu.RUnlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, sub)
}
