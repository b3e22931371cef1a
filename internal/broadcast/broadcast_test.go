package broadcast

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireMessage struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type fakeConn struct {
	out chan wireMessage

	mu     sync.Mutex
	closed string
}

func newFakeConn() *fakeConn {
	return &fakeConn{out: make(chan wireMessage, 256)}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	var m wireMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	select {
	case c.out <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	c.closed = reason
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) next(t *testing.T) wireMessage {
	t.Helper()
	select {
	case m := <-c.out:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return wireMessage{}
	}
}

func (c *fakeConn) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-c.out:
		t.Fatalf("unexpected message %s seq %d", m.Type, m.Sequence)
	case <-time.After(d):
	}
}

func testHub(policy RetryPolicy, opts ...Option) *Hub {
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return NewHub(append([]Option{WithPolicy(policy), WithLogger(logger)}, opts...)...)
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		AckTimeout:   30 * time.Millisecond,
		BaseBackoff:  5 * time.Millisecond,
		MaxBackoff:   20 * time.Millisecond,
		MaxAttempts:  3,
		WriteTimeout: time.Second,
	}
}

var room = models.RoundKey{Room: "main", GameType: "wingo-1m"}

func player() models.Identity {
	return models.Identity{PlayerID: uuid.New(), Role: models.RolePlayer}
}

func TestBackoff(t *testing.T) {
	p := RetryPolicy{BaseBackoff: 250 * time.Millisecond, MaxBackoff: 4 * time.Second}
	assert.Equal(t, 250*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 250*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 500*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 2*time.Second, p.Backoff(4))
	assert.Equal(t, 4*time.Second, p.Backoff(5))
	assert.Equal(t, 4*time.Second, p.Backoff(12))
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "room:main:wingo-1m", RoomTopic(room))
	id := uuid.MustParse("0190a0a0-0000-7000-8000-000000000001")
	assert.Equal(t, "player:0190a0a0-0000-7000-8000-000000000001", PlayerTopic(id))

	key, ok := ParseRoomTopic(RoomTopic(room))
	require.True(t, ok)
	assert.Equal(t, room, key)
	_, ok = ParseRoomTopic(AdminTopic)
	assert.False(t, ok)
	_, ok = ParseRoomTopic("room:main")
	assert.False(t, ok)
}

func TestRegisterSendsSnapshotFirst(t *testing.T) {
	h := testHub(fastPolicy(), WithSnapshotFunc(func(ctx context.Context, sub *Subscriber) (any, error) {
		return map[string]string{"state": "OPEN"}, nil
	}))
	defer h.Close()
	topic := RoomTopic(room)
	h.Publish(topic, TypeRoundOpened, nil, Critical)

	conn := newFakeConn()
	sub := h.Register(context.Background(), conn, player(), "test", topic)

	m := conn.next(t)
	assert.Equal(t, TypeSnapshot, m.Type)
	assert.Zero(t, m.Sequence)

	var snap struct {
		Sequences map[string]uint64 `json:"sequences"`
		State     map[string]string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(m.Payload, &snap))
	assert.Equal(t, uint64(1), snap.Sequences[topic])
	assert.Equal(t, "OPEN", snap.State["state"])
	assert.Eventually(t, func() bool { return sub.Acked(topic) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.Count(topic))
}

func TestCriticalRetriedUntilAcked(t *testing.T) {
	h := testHub(fastPolicy())
	defer h.Close()
	topic := RoomTopic(room)
	conn := newFakeConn()
	sub := h.Register(context.Background(), conn, player(), "test", topic)
	require.Equal(t, TypeSnapshot, conn.next(t).Type)

	msg := h.Publish(topic, TypeRoundLocked, map[string]int{"n": 1}, Critical)
	require.Equal(t, uint64(1), msg.Sequence)

	first := conn.next(t)
	assert.Equal(t, TypeRoundLocked, first.Type)
	assert.Equal(t, uint64(1), first.Sequence)

	retry := conn.next(t)
	assert.Equal(t, uint64(1), retry.Sequence, "unacknowledged message is resent")

	sub.Ack(topic, 1)
	h.Publish(topic, TypeRoundResolved, nil, Critical)
	for {
		m := conn.next(t)
		if m.Sequence == 1 {
			continue
		}
		assert.Equal(t, uint64(2), m.Sequence)
		assert.Equal(t, TypeRoundResolved, m.Type)
		break
	}
	sub.Ack(topic, 2)
	conn.expectNone(t, 80*time.Millisecond)
	assert.Empty(t, conn.closeReason())
}

func TestStaleSubscriberDisconnected(t *testing.T) {
	h := testHub(fastPolicy())
	topic := RoomTopic(room)
	conn := newFakeConn()
	sub := h.Register(context.Background(), conn, player(), "test", topic)
	require.Equal(t, TypeSnapshot, conn.next(t).Type)

	h.Publish(topic, TypeRoundLocked, nil, Critical)
	for i := 0; i < 3; i++ {
		m := conn.next(t)
		assert.Equal(t, uint64(1), m.Sequence)
	}

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not unregistered")
	}
	assert.Equal(t, "stale subscriber", conn.closeReason())
	assert.Equal(t, 0, h.Count(topic))
	conn.expectNone(t, 50*time.Millisecond)
}

func TestBestEffortFlowsWhileAwaitingAck(t *testing.T) {
	p := fastPolicy()
	p.AckTimeout = time.Second
	h := testHub(p)
	defer h.Close()
	topic := RoomTopic(room)
	conn := newFakeConn()
	sub := h.Register(context.Background(), conn, player(), "test", topic)
	require.Equal(t, TypeSnapshot, conn.next(t).Type)

	h.Publish(topic, TypeRoundLocked, nil, Critical)
	require.Equal(t, TypeRoundLocked, conn.next(t).Type)

	h.Publish(topic, TypeTimerTick, map[string]int{"remaining_ms": 1000}, BestEffort)
	tick := conn.next(t)
	assert.Equal(t, TypeTimerTick, tick.Type)
	assert.Zero(t, tick.Sequence)
	sub.Ack(topic, 1)
}

func TestCriticalOverflowFallsBackToSnapshot(t *testing.T) {
	h := testHub(fastPolicy(), WithQueueSize(1))
	sub := newSubscriber(context.Background(), h, newFakeConn(), player(), "test")
	defer sub.cancel()

	sub.enqueue(Message{Type: TypeRoundLocked, Topic: "t", Sequence: 1})
	sub.enqueue(Message{Type: TypeRoundResolved, Topic: "t", Sequence: 2})

	assert.Len(t, sub.critical, 1)
	assert.Len(t, sub.resync, 1, "overflow requests a snapshot")

	sub.enqueue(Message{Type: TypeTimerTick, Topic: "t"})
	sub.enqueue(Message{Type: TypeTimerTick, Topic: "t"})
	assert.Len(t, sub.bestEffort, 1, "best-effort overflow is dropped")
}

func TestResyncSkipsCoveredMessages(t *testing.T) {
	p := fastPolicy()
	p.AckTimeout = time.Second
	h := testHub(p)
	defer h.Close()
	topic := RoomTopic(room)
	conn := newFakeConn()
	sub := h.Register(context.Background(), conn, player(), "test", topic)
	require.Equal(t, TypeSnapshot, conn.next(t).Type)

	h.Publish(topic, TypeRoundLocked, nil, Critical)
	h.Publish(topic, TypeRoundResolved, nil, Critical)
	require.Equal(t, uint64(1), conn.next(t).Sequence)

	assert.Equal(t, 1, h.Resync(topic))
	snap := conn.next(t)
	assert.Equal(t, TypeSnapshot, snap.Type)
	assert.Eventually(t, func() bool { return sub.Acked(topic) == 2 }, time.Second, 5*time.Millisecond)
	conn.expectNone(t, 80*time.Millisecond)
}

func TestSequencesArePerTopic(t *testing.T) {
	h := testHub(fastPolicy())
	a := h.Publish("a", TypeRoundOpened, nil, Critical)
	b := h.Publish("b", TypeRoundOpened, nil, Critical)
	a2 := h.Publish("a", TypeRoundLocked, nil, Critical)
	be := h.Publish("a", TypeTimerTick, nil, BestEffort)

	assert.Equal(t, uint64(1), a.Sequence)
	assert.Equal(t, uint64(1), b.Sequence)
	assert.Equal(t, uint64(2), a2.Sequence)
	assert.Zero(t, be.Sequence)
	assert.Equal(t, uint64(2), h.Sequence("a"))
}

func TestUnregisterIdempotent(t *testing.T) {
	h := testHub(fastPolicy())
	conn := newFakeConn()
	sub := h.Register(context.Background(), conn, player(), "test", AdminTopic)
	h.Unregister(sub)
	h.Unregister(sub)
	assert.Equal(t, 0, h.Count(AdminTopic))
	assert.Empty(t, h.Subscribers())
}

func TestReplyReachesOnlyItsSubscriber(t *testing.T) {
	p := fastPolicy()
	p.AckTimeout = time.Second
	h := testHub(p)
	defer h.Close()
	topic := RoomTopic(room)
	a, b := newFakeConn(), newFakeConn()
	subA := h.Register(context.Background(), a, player(), "test", topic)
	h.Register(context.Background(), b, player(), "test", topic)
	require.Equal(t, TypeSnapshot, a.next(t).Type)
	require.Equal(t, TypeSnapshot, b.next(t).Type)

	// still answered while a critical message waits for its ack
	h.Publish(topic, TypeRoundLocked, nil, Critical)
	require.Equal(t, TypeRoundLocked, a.next(t).Type)
	require.NoError(t, subA.Reply(TypeBetRejected, map[string]string{"reason": "round_closed"}))

	reply := a.next(t)
	assert.Equal(t, TypeBetRejected, reply.Type)
	assert.Empty(t, reply.Topic)
	assert.Zero(t, reply.Sequence)
	assert.JSONEq(t, `{"reason":"round_closed"}`, string(reply.Payload))
	require.Equal(t, TypeRoundLocked, b.next(t).Type)
	b.expectNone(t, 50*time.Millisecond)

	h.Unregister(subA)
	assert.Error(t, subA.Reply(TypePong, nil))
}

func relayNode(t *testing.T, rdb *redis.Client, channel string) (*Hub, *RedisRelay, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	p := fastPolicy()
	p.AckTimeout = time.Second
	h := NewHub(WithPolicy(p), WithLogger(logger))
	t.Cleanup(h.Close)
	r := NewRedisRelay(rdb, channel, h, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return hookHas(hook, "broadcast relay listening") }, 2*time.Second, 5*time.Millisecond)
	return h, r, hook
}

func hookHas(hook *test.Hook, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Message == msg {
			return true
		}
	}
	return false
}

func TestRedisRelay(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	require.NoError(t, rdb.Ping(ctx).Err())

	channel := "roundhouse:broadcast:test:" + uuid.NewString()
	ha, _, _ := relayNode(t, rdb, channel)
	hb, _, hookB := relayNode(t, rdb, channel)
	topic := RoomTopic(room)

	// b has already sequenced two critical messages of its own on the topic.
	hb.deliver(topic, TypeRoundOpened, nil, Critical)
	hb.deliver(topic, TypeRoundLocked, nil, Critical)

	connA, connB := newFakeConn(), newFakeConn()
	ha.Register(ctx, connA, player(), "test", topic)
	hb.Register(ctx, connB, player(), "test", topic)
	require.Equal(t, TypeSnapshot, connA.next(t).Type)
	require.Equal(t, TypeSnapshot, connB.next(t).Type)

	sent := ha.Publish(topic, TypeRoundOpened, map[string]int{"n": 1}, Critical)
	assert.Equal(t, uint64(1), sent.Sequence)

	local := connA.next(t)
	assert.Equal(t, uint64(1), local.Sequence)
	remote := connB.next(t)
	assert.Equal(t, TypeRoundOpened, remote.Type)
	assert.Equal(t, uint64(3), remote.Sequence, "relayed critical messages take the receiving hub's next sequence")
	assert.JSONEq(t, `{"n":1}`, string(remote.Payload))
	assert.Equal(t, uint64(3), hb.Sequence(topic))

	// a ignores its own message coming back over the channel.
	connA.expectNone(t, 100*time.Millisecond)
	assert.Equal(t, uint64(1), ha.Sequence(topic))

	require.NoError(t, rdb.Publish(ctx, channel, "{not json").Err())
	require.Eventually(t, func() bool { return hookHas(hookB, "dropping malformed relay message") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(3), hb.Sequence(topic))

	ha.Publish(topic, TypeTimerTick, map[string]int{"remainingMs": 500}, BestEffort)
	tick := connB.next(t)
	assert.Equal(t, TypeTimerTick, tick.Type, "relay keeps running after a malformed message")
	assert.Zero(t, tick.Sequence)
}
