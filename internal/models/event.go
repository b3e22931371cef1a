package models

import (
	"time"

	"github.com/google/uuid"
)

// RoundEventRecord is one lifecycle event appended to the round timeline.
type RoundEventRecord struct {
	RoundID   uuid.UUID              `json:"round_id"`
	Room      string                 `json:"room"`
	GameType  string                 `json:"game_type"`
	EventType string                 `json:"event_type"`
	ActorID   *uuid.UUID             `json:"actor_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// NewRoundEvent stamps a record for r with the given time.
func NewRoundEvent(r *Round, eventType string, at time.Time, payload map[string]interface{}) RoundEventRecord {
	return RoundEventRecord{
		RoundID:   r.ID,
		Room:      r.Room,
		GameType:  r.GameType,
		EventType: eventType,
		Payload:   payload,
		Timestamp: at.UnixMilli(),
	}
}
