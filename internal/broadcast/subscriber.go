// internal/broadcast/subscriber.go
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/sirupsen/logrus"
)

// Conn is the transport a subscriber writes to. Close carries a human readable reason.
type Conn interface {
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Subscriber is one connection's view of the hub. Its writer goroutine owns all writes to
// the connection, so the read side only ever calls Ack, RequestResync, Touch and Reply.
type Subscriber struct {
	ID          uuid.UUID
	Identity    models.Identity
	Source      string
	ConnectedAt time.Time

	hub  *Hub
	conn Conn

	ctx    context.Context
	cancel context.CancelFunc

	critical   chan Message
	bestEffort chan Message
	replies    chan Message
	ackNotify  chan struct{}
	resync     chan struct{}

	mu        sync.Mutex
	topics    map[string]struct{}
	lastAcked map[string]uint64

	lastSeen atomic.Int64
}

func newSubscriber(ctx context.Context, h *Hub, conn Conn, id models.Identity, source string) *Subscriber {
	ctx, cancel := context.WithCancel(ctx)
	now := h.clock.Now()
	s := &Subscriber{
		ID:          uuid.New(),
		Identity:    id,
		Source:      source,
		ConnectedAt: now,
		hub:         h,
		conn:        conn,
		ctx:         ctx,
		cancel:      cancel,
		critical:    make(chan Message, h.queueSize),
		bestEffort:  make(chan Message, h.queueSize),
		replies:     make(chan Message, h.queueSize),
		ackNotify:   make(chan struct{}, 1),
		resync:      make(chan struct{}, 1),
		topics:      make(map[string]struct{}),
		lastAcked:   make(map[string]uint64),
	}
	s.lastSeen.Store(now.UnixNano())
	return s
}

// Done is closed once the subscriber has been unregistered.
func (s *Subscriber) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Topics returns the subscribed topics.
func (s *Subscriber) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

func (s *Subscriber) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

// Ack records a cumulative acknowledgement: every critical message on topic up to seq.
func (s *Subscriber) Ack(topic string, seq uint64) {
	s.mu.Lock()
	if seq > s.lastAcked[topic] {
		s.lastAcked[topic] = seq
	}
	s.mu.Unlock()
	select {
	case s.ackNotify <- struct{}{}:
	default:
	}
}

// Acked returns the highest sequence acknowledged on topic.
func (s *Subscriber) Acked(topic string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAcked[topic]
}

// RequestResync schedules a snapshot. Multiple requests before it is sent collapse into one.
func (s *Subscriber) RequestResync() {
	select {
	case s.resync <- struct{}{}:
	default:
	}
}

// Touch marks the subscriber as alive.
func (s *Subscriber) Touch() {
	s.lastSeen.Store(s.hub.clock.Now().UnixNano())
}

// LastSeen returns when the subscriber last showed activity.
func (s *Subscriber) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Reply queues a direct answer to this subscriber alone. It blocks while the reply queue is
// full and fails once the subscriber is gone, so a rejection is never dropped silently.
func (s *Subscriber) Reply(typ string, payload any) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	msg := Message{Type: typ, Timestamp: s.hub.clock.Now().UTC(), Payload: payload}
	select {
	case s.replies <- msg:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// enqueue never blocks: a full best-effort queue drops, a full critical queue falls back to
// a snapshot that covers the dropped message.
func (s *Subscriber) enqueue(msg Message) {
	if msg.Critical() {
		select {
		case s.critical <- msg:
		default:
			s.hub.logger.WithFields(logrus.Fields{
				"subscriber": s.ID,
				"topic":      msg.Topic,
				"sequence":   msg.Sequence,
			}).Warn("critical queue full, falling back to snapshot")
			s.RequestResync()
		}
		return
	}
	select {
	case s.bestEffort <- msg:
	default:
		s.hub.metrics.BestEffortDropped.Inc()
	}
}

func (s *Subscriber) writeLoop() {
	log := s.hub.logger.WithField("subscriber", s.ID)
	defer s.hub.Unregister(s)

	for {
		var err error
		select {
		case <-s.ctx.Done():
			return
		case <-s.resync:
			err = s.sendSnapshot()
		case msg := <-s.replies:
			err = s.write(msg)
		case msg := <-s.critical:
			err = s.deliverCritical(msg)
		case msg := <-s.bestEffort:
			err = s.write(msg)
		}
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, context.Canceled):
		case errors.Is(err, ErrDeliveryTimeout):
			s.hub.metrics.DeliveryTimeouts.Inc()
			log.Warn("subscriber stopped acknowledging, disconnecting")
			_ = s.conn.Close("stale subscriber")
		default:
			log.WithError(err).Debug("write failed, disconnecting")
			_ = s.conn.Close("write failed")
		}
		return
	}
}

// deliverCritical writes msg and waits for its acknowledgement, retrying with backoff.
// Best-effort traffic and snapshots keep flowing while it waits.
func (s *Subscriber) deliverCritical(msg Message) error {
	p := s.hub.policy
	for attempt := 1; ; attempt++ {
		if s.Acked(msg.Topic) >= msg.Sequence {
			return nil
		}
		if err := s.write(msg); err != nil {
			return err
		}
		if attempt == 1 {
			s.hub.metrics.CriticalSent.Inc()
		} else {
			s.hub.metrics.CriticalRetries.Inc()
		}

		ok, err := s.awaitAck(msg, p.AckTimeout)
		if ok || err != nil {
			return err
		}
		if attempt >= p.MaxAttempts {
			return ErrDeliveryTimeout
		}
		ok, err = s.awaitAck(msg, p.Backoff(attempt))
		if ok || err != nil {
			return err
		}
	}
}

func (s *Subscriber) awaitAck(msg Message, d time.Duration) (bool, error) {
	expired := make(chan struct{})
	t := s.hub.clock.AfterFunc(d, func() { close(expired) })
	defer t.Stop()

	for {
		if s.Acked(msg.Topic) >= msg.Sequence {
			return true, nil
		}
		select {
		case <-s.ctx.Done():
			return false, s.ctx.Err()
		case <-s.ackNotify:
		case <-s.resync:
			if err := s.sendSnapshot(); err != nil {
				return false, err
			}
		case m := <-s.replies:
			if err := s.write(m); err != nil {
				return false, err
			}
		case m := <-s.bestEffort:
			if err := s.write(m); err != nil {
				return false, err
			}
		case <-expired:
			return false, nil
		}
	}
}

// sendSnapshot writes the current state. Sequences are read before the state is built, and
// once the snapshot is written every critical message up to them counts as delivered.
func (s *Subscriber) sendSnapshot() error {
	seqs := s.hub.sequences(s.Topics())
	state, err := s.hub.buildSnapshot(s.ctx, s)
	if err != nil {
		s.hub.logger.WithError(err).WithField("subscriber", s.ID).Warn("snapshot build failed")
	}
	msg := Message{
		Type:      TypeSnapshot,
		Timestamp: s.hub.clock.Now().UTC(),
		Payload:   Snapshot{Sequences: seqs, State: state},
	}
	if err := s.write(msg); err != nil {
		return err
	}
	s.hub.metrics.Resyncs.Inc()
	for topic, seq := range seqs {
		s.Ack(topic, seq)
	}
	return nil
}

func (s *Subscriber) write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.hub.policy.WriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, data)
}
