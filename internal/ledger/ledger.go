// internal/ledger/ledger.go
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/clock"
	"github.com/jason-s-yu/roundhouse/internal/metrics"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/jason-s-yu/roundhouse/internal/store"
	"github.com/sirupsen/logrus"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadySettling   = errors.New("settlement already in progress for this round")
	ErrNoOutcome         = errors.New("round has no committed outcome")
	ErrNotSettleable     = errors.New("round is not in a settleable state")
	ErrNotRefundable     = errors.New("round already resolved; refunds are not possible")
	ErrOutcomeCommitted  = errors.New("round has a committed outcome and must be resolved, not voided")
	ErrStateChanged      = errors.New("round state changed since it was read")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Ledger is the only code path that moves money. Every balance change is paired with an
// append-only Transaction inside the same store transaction.
type Ledger struct {
	store   store.Store
	payouts models.PayoutTable
	policy  WagerPolicy
	clock   clock.Clock
	logger  *logrus.Logger
	metrics *metrics.Metrics

	settling keyedLock
}

// Option customizes a Ledger.
type Option func(*Ledger)

func WithPolicy(p WagerPolicy) Option       { return func(l *Ledger) { l.policy = p } }
func WithClock(c clock.Clock) Option        { return func(l *Ledger) { l.clock = c } }
func WithLogger(lg *logrus.Logger) Option   { return func(l *Ledger) { l.logger = lg } }
func WithMetrics(m *metrics.Metrics) Option { return func(l *Ledger) { l.metrics = m } }

// New builds a Ledger over st using the given payout table.
func New(st store.Store, payouts models.PayoutTable, opts ...Option) *Ledger {
	l := &Ledger{
		store:   st,
		payouts: payouts,
		policy:  AllowAll{},
		clock:   clock.Real{},
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = metrics.NewTest()
	}
	l.settling.held = make(map[uuid.UUID]struct{})
	return l
}

// Payouts exposes the payout table in use.
func (l *Ledger) Payouts() models.PayoutTable { return l.payouts }

func (l *Ledger) now() time.Time {
	return l.clock.Now().UTC().Truncate(time.Microsecond)
}

func newTx(player uuid.UUID, amount int64, kind models.TxKind, at time.Time, roundID, betID *uuid.UUID, memo string) *models.Transaction {
	return &models.Transaction{
		ID:        uuid.Must(uuid.NewV7()),
		PlayerID:  player,
		Amount:    amount,
		Kind:      kind,
		CreatedAt: at,
		RoundID:   roundID,
		BetID:     betID,
		Memo:      memo,
	}
}

// Guard inspects the locked round at the server-stamped placement time.
type Guard func(r *models.Round, now time.Time) error

// PlaceBet debits the wager and persists the bet atomically. The placement time is stamped
// inside the transaction, after the round row is locked, and handed to guard.
func (l *Ledger) PlaceBet(ctx context.Context, bet *models.Bet, guard Guard) (int64, error) {
	if bet.Amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if err := l.policy.ValidateSessionLimits(ctx, bet.PlayerID); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWagerRejected, err)
	}
	if err := l.policy.ValidateWager(ctx, bet.PlayerID, bet.Amount); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWagerRejected, err)
	}

	var balance int64
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		r, err := tx.LockRound(ctx, bet.RoundID, false)
		if err != nil {
			return fmt.Errorf("lock round: %w", err)
		}
		now := l.now()
		if err := guard(r, now); err != nil {
			return err
		}

		balances, err := tx.LockBalances(ctx, []uuid.UUID{bet.PlayerID})
		if err != nil {
			return fmt.Errorf("lock balance: %w", err)
		}
		current := balances[bet.PlayerID]
		if current < bet.Amount {
			return fmt.Errorf("%w: balance %d, wager %d", ErrInsufficientFunds, current, bet.Amount)
		}

		bet.PlacedAt = now
		bet.Outcome = models.BetPending
		bet.Payout = 0
		if err := tx.InsertBet(ctx, bet); err != nil {
			return fmt.Errorf("insert bet: %w", err)
		}
		if _, err := tx.InsertTransaction(ctx, newTx(bet.PlayerID, -bet.Amount, models.TxBetDebit, now, &bet.RoundID, &bet.ID, "wager "+string(bet.Selection))); err != nil {
			return fmt.Errorf("insert debit: %w", err)
		}
		balance = current - bet.Amount
		return tx.SetBalance(ctx, bet.PlayerID, balance)
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Payout is one credit written by settlement or repair.
type Payout struct {
	BetID    uuid.UUID `json:"betId"`
	PlayerID uuid.UUID `json:"playerId"`
	Amount   int64     `json:"amount"`
}

// SettlementResult summarizes a settlement or repair of one round.
type SettlementResult struct {
	RoundID        uuid.UUID           `json:"roundId"`
	Outcome        int                 `json:"outcome"`
	AlreadySettled bool                `json:"alreadySettled"`
	Payouts        []Payout            `json:"payouts"`
	BetsMarked     int                 `json:"betsMarked"`
	TotalWagered   int64               `json:"totalWagered"`
	TotalPaid      int64               `json:"totalPaid"`
	Balances       map[uuid.UUID]int64 `json:"-"`
}

// Settle applies the committed outcome of a LOCKED round to every bet and moves it to
// RESOLVED. Concurrent attempts for the same round fail fast with ErrAlreadySettling; a round
// that is already RESOLVED or CLOSED is reported with AlreadySettled and nothing is written.
func (l *Ledger) Settle(ctx context.Context, roundID uuid.UUID) (*SettlementResult, error) {
	if !l.settling.tryAcquire(roundID) {
		l.metrics.Settlements.WithLabelValues("already_settling").Inc()
		return nil, ErrAlreadySettling
	}
	defer l.settling.release(roundID)

	start := time.Now()
	res := &SettlementResult{RoundID: roundID}
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		if err := l.lockSettlement(ctx, tx, roundID); err != nil {
			return err
		}
		r, err := tx.LockRound(ctx, roundID, true)
		if err != nil {
			return fmt.Errorf("lock round: %w", err)
		}
		switch r.State {
		case models.RoundResolved, models.RoundClosed:
			res.AlreadySettled = true
			if r.HasOutcome() {
				res.Outcome = *r.OutcomeNumber
			}
			return nil
		case models.RoundLocked:
		default:
			return fmt.Errorf("%w: %s", ErrNotSettleable, r.State)
		}
		if !r.HasOutcome() {
			return ErrNoOutcome
		}
		if err := l.applyOutcome(ctx, tx, r, res); err != nil {
			return err
		}
		now := l.now()
		r.State = models.RoundResolved
		r.ResolvedAt = &now
		r.NeedsReconcile = false
		return tx.UpdateRound(ctx, r)
	})
	l.metrics.SettlementDuration.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, ErrAlreadySettling):
		l.metrics.Settlements.WithLabelValues("already_settling").Inc()
		return nil, err
	case err != nil:
		l.metrics.Settlements.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("settle round %s: %w", roundID, err)
	case res.AlreadySettled:
		l.metrics.Settlements.WithLabelValues("already_settled").Inc()
		l.logger.WithField("round_id", roundID).Info("settlement skipped: round already settled")
		return res, nil
	}

	l.metrics.Settlements.WithLabelValues("ok").Inc()
	l.logger.WithFields(logrus.Fields{
		"round_id": roundID,
		"outcome":  res.Outcome,
		"wagered":  res.TotalWagered,
		"paid":     res.TotalPaid,
		"winners":  len(res.Payouts),
	}).Info("round settled")
	return res, nil
}

func (l *Ledger) lockSettlement(ctx context.Context, tx store.Tx, roundID uuid.UUID) error {
	ok, err := tx.TryLockKey(ctx, "settle:"+roundID.String())
	if err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	if !ok {
		return ErrAlreadySettling
	}
	return nil
}

// applyOutcome credits every winning bet that has no payout transaction yet and marks
// every pending bet. Locks are taken round, bets, then balances by ascending player id.
// Re-running it writes nothing new.
func (l *Ledger) applyOutcome(ctx context.Context, tx store.Tx, r *models.Round, res *SettlementResult) error {
	n := *r.OutcomeNumber
	res.Outcome = n

	bets, err := tx.LockBets(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("lock bets: %w", err)
	}
	players := make([]uuid.UUID, 0, len(bets))
	for _, b := range bets {
		players = append(players, b.PlayerID)
	}
	balances, err := tx.LockBalances(ctx, players)
	if err != nil {
		return fmt.Errorf("lock balances: %w", err)
	}

	now := l.now()
	changed := make(map[uuid.UUID]bool)
	for _, b := range bets {
		payout := l.payouts.Payout(b.Selection, n, b.Amount)
		res.TotalWagered += b.Amount
		if payout > 0 {
			inserted, err := tx.InsertTransaction(ctx, newTx(b.PlayerID, payout, models.TxPayoutCredit, now, &r.ID, &b.ID, fmt.Sprintf("won on %s, outcome %d", b.Selection, n)))
			if err != nil {
				return fmt.Errorf("insert payout for bet %s: %w", b.ID, err)
			}
			if inserted {
				balances[b.PlayerID] += payout
				changed[b.PlayerID] = true
				res.Payouts = append(res.Payouts, Payout{BetID: b.ID, PlayerID: b.PlayerID, Amount: payout})
				res.TotalPaid += payout
			}
		}
		if b.Settled() {
			continue
		}
		b.Payout = payout
		b.Outcome = models.BetLoss
		if payout > 0 {
			b.Outcome = models.BetWin
		}
		marked, err := tx.SettleBet(ctx, b)
		if err != nil {
			return fmt.Errorf("mark bet %s: %w", b.ID, err)
		}
		if marked {
			res.BetsMarked++
		}
	}

	for _, p := range store.SortIDs(players) {
		if changed[p] {
			if err := tx.SetBalance(ctx, p, balances[p]); err != nil {
				return fmt.Errorf("update balance %s: %w", p, err)
			}
		}
	}
	res.Balances = balances
	return nil
}

// RefundResult summarizes an abort.
type RefundResult struct {
	RoundID  uuid.UUID           `json:"roundId"`
	Refunds  []Payout            `json:"refunds"`
	Aborted  bool                `json:"aborted"` // the round moved to ABORTED in this call
	Balances map[uuid.UUID]int64 `json:"-"`
}

// Refund voids an OPEN or LOCKED round: it moves to ABORTED and every bet gets its wager back
// as a refund_credit. Calling it again on an ABORTED round only fills in missing refunds.
// A LOCKED round that already carries an outcome is refused with ErrOutcomeCommitted.
func (l *Ledger) Refund(ctx context.Context, roundID uuid.UUID, reason string) (*RefundResult, error) {
	return l.refund(ctx, roundID, reason, "")
}

// RefundIfState is Refund for callers acting on an earlier read: it fails with ErrStateChanged
// unless the locked round is still in state expect.
func (l *Ledger) RefundIfState(ctx context.Context, roundID uuid.UUID, reason string, expect models.RoundState) (*RefundResult, error) {
	return l.refund(ctx, roundID, reason, expect)
}

func (l *Ledger) refund(ctx context.Context, roundID uuid.UUID, reason string, expect models.RoundState) (*RefundResult, error) {
	if !l.settling.tryAcquire(roundID) {
		return nil, ErrAlreadySettling
	}
	defer l.settling.release(roundID)

	res := &RefundResult{RoundID: roundID}
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		if err := l.lockSettlement(ctx, tx, roundID); err != nil {
			return err
		}
		r, err := tx.LockRound(ctx, roundID, true)
		if err != nil {
			return fmt.Errorf("lock round: %w", err)
		}
		if expect != "" && r.State != expect {
			return fmt.Errorf("%w: expected %s, found %s", ErrStateChanged, expect, r.State)
		}
		now := l.now()
		switch r.State {
		case models.RoundOpen, models.RoundLocked:
			if r.HasOutcome() {
				return ErrOutcomeCommitted
			}
			r.State = models.RoundAborted
			r.AbortReason = reason
			r.FinishedAt = &now
			r.NeedsReconcile = false
			if err := tx.UpdateRound(ctx, r); err != nil {
				return err
			}
			res.Aborted = true
		case models.RoundAborted:
		default:
			return fmt.Errorf("%w: %s", ErrNotRefundable, r.State)
		}

		bets, err := tx.LockBets(ctx, roundID)
		if err != nil {
			return fmt.Errorf("lock bets: %w", err)
		}
		players := make([]uuid.UUID, 0, len(bets))
		for _, b := range bets {
			players = append(players, b.PlayerID)
		}
		balances, err := tx.LockBalances(ctx, players)
		if err != nil {
			return fmt.Errorf("lock balances: %w", err)
		}
		changed := make(map[uuid.UUID]bool)
		for _, b := range bets {
			inserted, err := tx.InsertTransaction(ctx, newTx(b.PlayerID, b.Amount, models.TxRefundCredit, now, &roundID, &b.ID, "round voided: "+r.AbortReason))
			if err != nil {
				return fmt.Errorf("insert refund for bet %s: %w", b.ID, err)
			}
			if inserted {
				balances[b.PlayerID] += b.Amount
				changed[b.PlayerID] = true
				res.Refunds = append(res.Refunds, Payout{BetID: b.ID, PlayerID: b.PlayerID, Amount: b.Amount})
			}
			b.Outcome = models.BetVoid
			b.Payout = 0
			if _, err := tx.SettleBet(ctx, b); err != nil {
				return fmt.Errorf("void bet %s: %w", b.ID, err)
			}
		}
		for _, p := range store.SortIDs(players) {
			if changed[p] {
				if err := tx.SetBalance(ctx, p, balances[p]); err != nil {
					return err
				}
			}
		}
		res.Balances = balances
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("refund round %s: %w", roundID, err)
	}
	if res.Aborted || len(res.Refunds) > 0 {
		l.logger.WithFields(logrus.Fields{
			"round_id": roundID,
			"reason":   reason,
			"refunds":  len(res.Refunds),
		}).Warn("round voided and wagers refunded")
	}
	return res, nil
}

// Adjust applies a wallet-driven deposit (positive) or withdrawal (negative).
func (l *Ledger) Adjust(ctx context.Context, playerID uuid.UUID, amount int64, memo string) (int64, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		balances, err := tx.LockBalances(ctx, []uuid.UUID{playerID})
		if err != nil {
			return err
		}
		current := balances[playerID]
		if current+amount < 0 {
			return fmt.Errorf("%w: balance %d, withdrawal %d", ErrInsufficientFunds, current, -amount)
		}
		if _, err := tx.InsertTransaction(ctx, newTx(playerID, amount, models.TxAdjustment, l.now(), nil, nil, memo)); err != nil {
			return err
		}
		balance = current + amount
		return tx.SetBalance(ctx, playerID, balance)
	})
	if err != nil {
		return 0, err
	}
	l.logger.WithFields(logrus.Fields{"player_id": playerID, "amount": amount, "balance": balance}).Info("wallet adjustment applied")
	return balance, nil
}

// keyedLock is a set of held keys; acquisition never blocks.
type keyedLock struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func (k *keyedLock) tryAcquire(id uuid.UUID) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.held[id]; ok {
		return false
	}
	k.held[id] = struct{}{}
	return true
}

func (k *keyedLock) release(id uuid.UUID) {
	k.mu.Lock()
	delete(k.held, id)
	k.mu.Unlock()
}
