package round

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/broadcast"
	"github.com/jason-s-yu/roundhouse/internal/events"
	"github.com/jason-s-yu/roundhouse/internal/ledger"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/jason-s-yu/roundhouse/internal/outcome"
	"github.com/jason-s-yu/roundhouse/internal/store"
	"github.com/sirupsen/logrus"
)

// VoidedMessage is shown to players when a round is aborted and refunded.
const VoidedMessage = "round voided"

// Resolution is the result of Resolve.
type Resolution struct {
	Round      *models.Round            `json:"round"`
	Settlement *ledger.SettlementResult `json:"settlement"`
	Stats      *Stats                   `json:"stats,omitempty"`
}

// Resolved is the critical room event carrying the outcome.
type Resolved struct {
	Round RoundView `json:"round"`
	Stats *Stats    `json:"stats,omitempty"`
}

// Aborted is the critical room event for a voided round.
type Aborted struct {
	Round   RoundView `json:"round"`
	Reason  string    `json:"reason"`
	Message string    `json:"message"`
	Refunds int       `json:"refunds"`
}

// Resolve commits an outcome for a LOCKED round (or reuses one committed earlier) and settles
// it. If entropy cannot be read the round is aborted and refunded. If settlement fails the
// round stays LOCKED and is flagged for reconciliation.
func (e *Engine) Resolve(ctx context.Context, roundID uuid.UUID) (*Resolution, error) {
	r, err := e.commitOutcome(ctx, roundID)
	if errors.Is(err, outcome.ErrEntropyUnavailable) {
		e.metrics.EntropyFailures.Inc()
		e.logger.WithError(err).WithField("round_id", roundID).Error("entropy unavailable, voiding round")
		e.alert(ctx, events.AlertEntropyUnavailable, r, "entropy unavailable; round voided", nil)
		if _, aerr := e.Abort(ctx, roundID, "entropy unavailable"); aerr != nil {
			return nil, errors.Join(err, aerr)
		}
		return nil, fmt.Errorf("resolve round %s: %w", roundID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve round %s: %w", roundID, err)
	}

	res, err := e.ledger.Settle(ctx, roundID)
	if err != nil {
		if !errors.Is(err, ledger.ErrAlreadySettling) {
			e.flagForReconcile(ctx, roundID, err)
		}
		return nil, err
	}

	r, err = e.store.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if res.AlreadySettled {
		e.roundLog(r).Info("resolve skipped: round already settled")
		return &Resolution{Round: r.Clone(), Settlement: res}, nil
	}

	now := e.now()
	stats, err := e.Stats(ctx, roundID)
	if err != nil {
		e.logger.WithError(err).WithField("round_id", roundID).Warn("failed to compute round stats")
	}
	e.registry.track(r)
	e.metrics.RoundTransitions.WithLabelValues(string(models.RoundResolved)).Inc()
	e.roundLog(r).WithFields(logrus.Fields{
		"outcome": res.Outcome,
		"proof":   r.AuditProof,
		"paid":    res.TotalPaid,
	}).Info("round resolved")

	e.record(ctx, models.NewRoundEvent(r, broadcast.TypeRoundResolved, now, map[string]interface{}{
		"outcome":    res.Outcome,
		"auditProof": r.AuditProof,
		"wagered":    res.TotalWagered,
		"paid":       res.TotalPaid,
	}))
	e.hub.Publish(broadcast.RoomTopic(r.Key()), broadcast.TypeRoundResolved, Resolved{Round: e.view(r, now), Stats: stats}, broadcast.Critical)

	credited := make(map[uuid.UUID]int64)
	for _, p := range res.Payouts {
		credited[p.PlayerID] += p.Amount
	}
	for _, p := range sortedPlayers(credited) {
		e.publishBalance(p, res.Balances[p], credited[p], "payout", roundID)
	}
	if stats != nil {
		e.hub.Publish(broadcast.AdminTopic, broadcast.TypeAdminStats, stats, broadcast.BestEffort)
	}

	if err := e.publisher.PublishSettled(ctx, events.RoundSettled{
		RoundID:      r.ID,
		Room:         r.Room,
		GameType:     r.GameType,
		Outcome:      res.Outcome,
		Colors:       r.OutcomeColors,
		CommitHash:   r.CommitHash,
		AuditProof:   r.AuditProof,
		TotalWagered: res.TotalWagered,
		TotalPaid:    res.TotalPaid,
		Winners:      len(res.Payouts),
		SettledAt:    now,
	}); err != nil {
		e.logger.WithError(err).WithField("round_id", roundID).Warn("failed to publish settlement event")
	}
	return &Resolution{Round: r.Clone(), Settlement: res, Stats: stats}, nil
}

// commitOutcome draws and persists the outcome of a LOCKED round that has none yet. The round
// stays LOCKED; settlement moves it on.
func (e *Engine) commitOutcome(ctx context.Context, roundID uuid.UUID) (*models.Round, error) {
	var out *models.Round
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		r, err := tx.LockRound(ctx, roundID, true)
		if err != nil {
			return err
		}
		out = r.Clone()
		switch r.State {
		case models.RoundLocked:
		case models.RoundResolved, models.RoundClosed:
			return nil
		default:
			return fmt.Errorf("%w: cannot resolve a %s round", ErrInvalidState, r.State)
		}
		if r.HasOutcome() {
			return nil
		}
		bets, err := tx.ListBets(ctx, roundID)
		if err != nil {
			return err
		}
		res, err := e.gen.Generate(r, bets)
		if err != nil {
			return err
		}
		res.Apply(r)
		out = r.Clone()
		return tx.UpdateRound(ctx, r)
	})
	return out, err
}

func (e *Engine) flagForReconcile(ctx context.Context, roundID uuid.UUID, cause error) {
	log := e.logger.WithError(cause).WithField("round_id", roundID)
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		r, err := tx.LockRound(ctx, roundID, true)
		if err != nil {
			return err
		}
		if r.State != models.RoundLocked || r.NeedsReconcile {
			return nil
		}
		r.NeedsReconcile = true
		return tx.UpdateRound(ctx, r)
	})
	if err != nil {
		log.WithField("flag_error", err).Error("settlement failed and the round could not be flagged")
		return
	}
	log.Error("settlement failed, round left LOCKED for reconciliation")
}

// Abort voids an OPEN or LOCKED round and refunds every wager. Aborting an ABORTED round only
// fills in missing refunds.
func (e *Engine) Abort(ctx context.Context, roundID uuid.UUID, reason string) (*ledger.RefundResult, error) {
	return e.abort(ctx, roundID, reason, "")
}

// AbortIfState aborts only if the round is still in state expect once locked, so a decision
// taken on an earlier read cannot void a round that has moved on since.
func (e *Engine) AbortIfState(ctx context.Context, roundID uuid.UUID, reason string, expect models.RoundState) (*ledger.RefundResult, error) {
	return e.abort(ctx, roundID, reason, expect)
}

func (e *Engine) abort(ctx context.Context, roundID uuid.UUID, reason string, expect models.RoundState) (*ledger.RefundResult, error) {
	var (
		res *ledger.RefundResult
		err error
	)
	if expect == "" {
		res, err = e.ledger.Refund(ctx, roundID, reason)
	} else {
		res, err = e.ledger.RefundIfState(ctx, roundID, reason, expect)
	}
	if err != nil {
		if errors.Is(err, ledger.ErrNotRefundable) || errors.Is(err, ledger.ErrOutcomeCommitted) || errors.Is(err, ledger.ErrStateChanged) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
		}
		return nil, err
	}
	r, err := e.store.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if res.Aborted {
		e.registry.track(r)
		e.metrics.RoundTransitions.WithLabelValues(string(models.RoundAborted)).Inc()
		e.roundLog(r).WithFields(logrus.Fields{"reason": reason, "refunds": len(res.Refunds)}).Warn("round aborted")
		e.record(ctx, models.NewRoundEvent(r, broadcast.TypeRoundAborted, now, map[string]interface{}{
			"reason":  reason,
			"refunds": len(res.Refunds),
		}))
		e.hub.Publish(broadcast.RoomTopic(r.Key()), broadcast.TypeRoundAborted, Aborted{
			Round:   e.view(r, now),
			Reason:  reason,
			Message: VoidedMessage,
			Refunds: len(res.Refunds),
		}, broadcast.Critical)
	}

	refunded := make(map[uuid.UUID]int64)
	for _, p := range res.Refunds {
		refunded[p.PlayerID] += p.Amount
	}
	for _, p := range sortedPlayers(refunded) {
		e.publishBalance(p, res.Balances[p], refunded[p], "refund", roundID)
	}
	if res.Aborted || len(res.Refunds) > 0 {
		e.publishStats(ctx, roundID)
	}
	return res, nil
}

func sortedPlayers(m map[uuid.UUID]int64) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return store.SortIDs(ids)
}
