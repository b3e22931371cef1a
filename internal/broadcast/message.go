// internal/broadcast/message.go
package broadcast

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/models"
)

// DeliveryClass selects how hard the hub tries to deliver a message.
type DeliveryClass int

const (
	// BestEffort messages are sent once and may be dropped; the next snapshot supersedes them.
	BestEffort DeliveryClass = iota
	// Critical messages carry a per-topic sequence number and are retried until acknowledged.
	Critical
)

func (c DeliveryClass) String() string {
	if c == Critical {
		return "critical"
	}
	return "best_effort"
}

// ErrDeliveryTimeout is returned when a critical message is not acknowledged after the
// retry ceiling. The subscriber is treated as stale and disconnected.
var ErrDeliveryTimeout = errors.New("critical message not acknowledged")

// Message types streamed to clients.
const (
	TypeSnapshot      = "snapshot"
	TypeRoundOpened   = "round_opened"
	TypeTimerTick     = "timer_tick"
	TypeRoundLocked   = "round_locked"
	TypeRoundResolved = "round_resolved"
	TypeRoundClosed   = "round_closed"
	TypeRoundAborted  = "round_aborted"
	TypeBetPlaced     = "bet_placed"
	TypeBalance       = "balance_update"
	TypeAdminStats    = "admin_stats"
	TypeAdvisorySet   = "advisory_set"
)

// Reply types answer one inbound request on the connection that sent it.
const (
	TypeBetAccepted = "bet_accepted"
	TypeBetRejected = "bet_rejected"
	TypeAdvisoryAck = "advisory_accepted"
	TypeError       = "error"
	TypePong        = "pong"
)

// Message is the wire envelope. Sequence is set for critical messages only and Timestamp is
// always the server's.
type Message struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	Sequence  uint64    `json:"sequence,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Critical reports whether the message requires acknowledgement.
func (m Message) Critical() bool {
	return m.Sequence > 0
}

// Snapshot is the payload of a snapshot message: the state rebuilt from persisted data plus
// the latest sequence per topic, which acknowledgements continue from.
type Snapshot struct {
	Sequences map[string]uint64 `json:"sequences"`
	State     any               `json:"state,omitempty"`
}

// AdminTopic receives operator traffic and aggregate statistics.
const AdminTopic = "admin"

// RoomTopic is the topic shared by every subscriber of a room and game type.
func RoomTopic(key models.RoundKey) string {
	return "room:" + key.Room + ":" + key.GameType
}

// PlayerTopic carries balance events for one player.
func PlayerTopic(id uuid.UUID) string {
	return "player:" + id.String()
}

// ParseRoomTopic is the inverse of RoomTopic.
func ParseRoomTopic(topic string) (models.RoundKey, bool) {
	rest, ok := strings.CutPrefix(topic, "room:")
	if !ok {
		return models.RoundKey{}, false
	}
	room, gameType, ok := strings.Cut(rest, ":")
	if !ok || room == "" || gameType == "" {
		return models.RoundKey{}, false
	}
	return models.RoundKey{Room: room, GameType: gameType}, true
}
