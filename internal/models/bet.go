package models

import (
	"time"

	"github.com/google/uuid"
)

// BetOutcome is written exactly once by settlement (or void on abort).
type BetOutcome string

const (
	BetPending BetOutcome = "pending"
	BetWin     BetOutcome = "win"
	BetLoss    BetOutcome = "loss"
	BetVoid    BetOutcome = "void"
)

// Bet is one player's wager within a round.
type Bet struct {
	ID        uuid.UUID  `json:"id"`
	RoundID   uuid.UUID  `json:"roundId"`
	PlayerID  uuid.UUID  `json:"playerId"`
	Selection Selection  `json:"selection"`
	Amount    int64      `json:"amount"`
	PlacedAt  time.Time  `json:"placedAt"`
	Outcome   BetOutcome `json:"outcome"`
	Payout    int64      `json:"payout"`
}

// Settled reports whether the outcome fields have been written.
func (b *Bet) Settled() bool {
	return b.Outcome != BetPending && b.Outcome != ""
}
