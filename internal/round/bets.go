package round

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/broadcast"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/jason-s-yu/roundhouse/internal/store"
	"github.com/sirupsen/logrus"
)

// Placement is an accepted bet and the player's balance after the debit.
type Placement struct {
	Bet     *models.Bet `json:"bet"`
	Balance int64       `json:"balance"`
}

// BetPlaced is the best-effort room event for an accepted bet.
type BetPlaced struct {
	RoundID   uuid.UUID        `json:"roundId"`
	Selection models.Selection `json:"selection"`
	Amount    int64            `json:"amount"`
	PlacedAt  time.Time        `json:"placedAt"`
}

// BalanceUpdate is sent to the player topic whenever a balance changes.
type BalanceUpdate struct {
	PlayerID uuid.UUID  `json:"playerId"`
	Balance  int64      `json:"balance"`
	Delta    int64      `json:"delta"`
	Reason   string     `json:"reason"`
	RoundID  *uuid.UUID `json:"roundId,omitempty"`
}

// PlaceBet debits amount from the player and records the wager. The placement time comes from
// the server clock inside the ledger transaction; a bet stamped at or after the lock instant
// is rejected with ErrRoundClosed.
func (e *Engine) PlaceBet(ctx context.Context, roundID uuid.UUID, id models.Identity, selection string, amount int64) (*Placement, error) {
	log := e.logger.WithFields(logrus.Fields{"round_id": roundID, "player_id": id.PlayerID})

	sel, err := models.ParseSelection(selection)
	if err != nil {
		e.metrics.BetsRejected.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidSelection, err)
	}
	betID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	bet := &models.Bet{
		ID:        betID,
		RoundID:   roundID,
		PlayerID:  id.PlayerID,
		Selection: sel,
		Amount:    amount,
	}

	var key models.RoundKey
	guard := func(r *models.Round, now time.Time) error {
		key = r.Key()
		if !r.AcceptsBetsAt(now) {
			return fmt.Errorf("%w: round %s is %s, locked at %s, bet stamped %s", ErrRoundClosed,
				r.ID, r.State, r.LockAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		}
		return nil
	}
	balance, err := e.ledger.PlaceBet(ctx, bet, guard)
	if err != nil {
		reason := RejectReason(err)
		e.metrics.BetsRejected.WithLabelValues(reason).Inc()
		log.WithError(err).WithField("reason", reason).Debug("bet rejected")
		return nil, err
	}

	e.metrics.BetsAccepted.WithLabelValues(key.Room, key.GameType).Inc()
	log.WithFields(logrus.Fields{
		"bet_id":    bet.ID,
		"selection": bet.Selection,
		"amount":    bet.Amount,
		"placed_at": bet.PlacedAt,
	}).Info("bet placed")

	actor := id.PlayerID
	e.record(ctx, models.RoundEventRecord{
		RoundID:   roundID,
		Room:      key.Room,
		GameType:  key.GameType,
		EventType: broadcast.TypeBetPlaced,
		ActorID:   &actor,
		Payload: map[string]interface{}{
			"betId":     bet.ID,
			"selection": bet.Selection,
			"amount":    bet.Amount,
		},
		Timestamp: bet.PlacedAt.UnixMilli(),
	})
	e.hub.Publish(broadcast.RoomTopic(key), broadcast.TypeBetPlaced, BetPlaced{
		RoundID:   roundID,
		Selection: bet.Selection,
		Amount:    bet.Amount,
		PlacedAt:  bet.PlacedAt,
	}, broadcast.BestEffort)
	e.publishBalance(id.PlayerID, balance, -bet.Amount, "bet", roundID)
	e.publishStats(ctx, roundID)

	return &Placement{Bet: bet, Balance: balance}, nil
}

// SubmitAdvisory records an administrator's preferred color for an OPEN round. It only biases
// the weighted draw; the outcome is still sampled from recorded entropy.
func (e *Engine) SubmitAdvisory(ctx context.Context, roundID uuid.UUID, id models.Identity, category string) (*models.Round, error) {
	if !id.IsAdmin() {
		return nil, fmt.Errorf("%w: advisory input requires the admin role", ErrForbidden)
	}
	color, ok := models.Selection(category).Color()
	if !ok {
		return nil, fmt.Errorf("%w: advisory category must be a color, got %q", ErrInvalidSelection, category)
	}

	var r *models.Round
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		r, err = tx.LockRound(ctx, roundID, true)
		if err != nil {
			return err
		}
		if now := e.now(); !r.AcceptsBetsAt(now) {
			return fmt.Errorf("%w: advisory input is accepted only while the round is open", ErrRoundClosed)
		}
		admin := id.PlayerID
		r.AdvisoryCategory = string(color)
		r.AdvisoryBy = &admin
		return tx.UpdateRound(ctx, r)
	})
	if err != nil {
		return nil, fmt.Errorf("advisory for round %s: %w", roundID, err)
	}

	e.roundLog(r).WithFields(logrus.Fields{
		"admin_id": id.PlayerID,
		"category": color,
	}).Info("advisory category set")
	admin := id.PlayerID
	rec := models.NewRoundEvent(r, broadcast.TypeAdvisorySet, e.now(), map[string]interface{}{"category": color})
	rec.ActorID = &admin
	e.record(ctx, rec)
	e.hub.Publish(broadcast.AdminTopic, broadcast.TypeAdvisorySet, map[string]any{
		"roundId":  r.ID,
		"room":     r.Room,
		"gameType": r.GameType,
		"category": color,
		"adminId":  admin,
	}, broadcast.Critical)
	return r.Clone(), nil
}
