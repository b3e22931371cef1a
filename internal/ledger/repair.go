package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/jason-s-yu/roundhouse/internal/store"
	"github.com/sirupsen/logrus"
)

// RepairRound fills in payout transactions and bet outcomes missing from a RESOLVED or
// CLOSED round, using the same rules as Settle. Rounds in any other state are left alone.
func (l *Ledger) RepairRound(ctx context.Context, roundID uuid.UUID) (*SettlementResult, error) {
	if !l.settling.tryAcquire(roundID) {
		return nil, ErrAlreadySettling
	}
	defer l.settling.release(roundID)

	res := &SettlementResult{RoundID: roundID}
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		if err := l.lockSettlement(ctx, tx, roundID); err != nil {
			return err
		}
		r, err := tx.LockRound(ctx, roundID, true)
		if err != nil {
			return err
		}
		if (r.State != models.RoundResolved && r.State != models.RoundClosed) || !r.HasOutcome() {
			return nil
		}
		return l.applyOutcome(ctx, tx, r, res)
	})
	if err != nil {
		return nil, fmt.Errorf("repair round %s: %w", roundID, err)
	}
	for _, p := range res.Payouts {
		l.logger.WithFields(logrus.Fields{
			"round_id":  roundID,
			"bet_id":    p.BetID,
			"player_id": p.PlayerID,
			"amount":    p.Amount,
		}).Warn("correction: synthesized missing payout transaction")
	}
	return res, nil
}

// Correction records a balance/transaction-sum disagreement that was reconciled.
type Correction struct {
	PlayerID  uuid.UUID `json:"playerId"`
	Balance   int64     `json:"balance"`
	SumBefore int64     `json:"sumBefore"`
	SumAfter  int64     `json:"sumAfter"`
	Delta     int64     `json:"delta"`
}

// CorrectBalance appends a correction transaction of balance minus transaction sum when the
// two disagree. The stored balance itself is never rewritten. Returns nil when they agree.
func (l *Ledger) CorrectBalance(ctx context.Context, playerID uuid.UUID) (*Correction, error) {
	var c *Correction
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		balances, err := tx.LockBalances(ctx, []uuid.UUID{playerID})
		if err != nil {
			return err
		}
		sum, err := tx.SumTransactions(ctx, playerID)
		if err != nil {
			return err
		}
		bal := balances[playerID]
		if bal == sum {
			return nil
		}
		delta := bal - sum
		memo := fmt.Sprintf("balance %d disagreed with transaction sum %d", bal, sum)
		if _, err := tx.InsertTransaction(ctx, newTx(playerID, delta, models.TxCorrection, l.now(), nil, nil, memo)); err != nil {
			return err
		}
		c = &Correction{PlayerID: playerID, Balance: bal, SumBefore: sum, SumAfter: sum + delta, Delta: delta}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("correct balance %s: %w", playerID, err)
	}
	if c != nil {
		l.logger.WithFields(logrus.Fields{
			"player_id":  c.PlayerID,
			"balance":    c.Balance,
			"sum_before": c.SumBefore,
			"sum_after":  c.SumAfter,
			"delta":      c.Delta,
		}).Warn("correction: balance disagreed with transaction sum")
	}
	return c, nil
}

// CompensateOrphan refunds a bet_debit whose bet row was never written. It reports whether a
// compensating transaction was created.
func (l *Ledger) CompensateOrphan(ctx context.Context, debit *models.Transaction) (bool, error) {
	if debit.Kind != models.TxBetDebit || debit.BetID == nil || debit.Amount >= 0 {
		return false, fmt.Errorf("transaction %s is not a bet debit", debit.ID)
	}
	var inserted bool
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		balances, err := tx.LockBalances(ctx, []uuid.UUID{debit.PlayerID})
		if err != nil {
			return err
		}
		inserted, err = tx.InsertTransaction(ctx, newTx(debit.PlayerID, -debit.Amount, models.TxRefundCredit, l.now(), debit.RoundID, debit.BetID, "orphaned wager debit compensated"))
		if err != nil || !inserted {
			return err
		}
		return tx.SetBalance(ctx, debit.PlayerID, balances[debit.PlayerID]-debit.Amount)
	})
	if err != nil {
		return false, fmt.Errorf("compensate orphan %s: %w", debit.ID, err)
	}
	if inserted {
		l.logger.WithFields(logrus.Fields{
			"transaction_id": debit.ID,
			"player_id":      debit.PlayerID,
			"amount":         -debit.Amount,
		}).Warn("correction: orphaned bet debit refunded")
	}
	return inserted, nil
}
