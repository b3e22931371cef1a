package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/clock"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/jason-s-yu/roundhouse/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctx    context.Context
	st     *store.Memory
	clk    *clock.Fake
	ledger *Ledger
	hook   *test.Hook
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	f := &fixture{ctx: context.Background(), st: store.NewMemory(), clk: clock.NewFake(t0), hook: hook}
	opts = append([]Option{WithClock(f.clk), WithLogger(logger)}, opts...)
	f.ledger = New(f.st, models.DefaultPayoutTable(), opts...)
	return f
}

func (f *fixture) fund(t *testing.T, player uuid.UUID, amount int64) {
	t.Helper()
	_, err := f.ledger.Adjust(f.ctx, player, amount, "deposit")
	require.NoError(t, err)
}

func (f *fixture) round(t *testing.T, state models.RoundState, outcome *int) *models.Round {
	t.Helper()
	r := &models.Round{
		ID:            uuid.Must(uuid.NewV7()),
		Room:          "main",
		GameType:      "wingo-" + uuid.NewString()[:4],
		State:         state,
		CreatedAt:     f.clk.Now(),
		BettingWindow: 40 * time.Second,
		LockAt:        f.clk.Now().Add(40 * time.Second),
		ServerSeed:    "00",
		CommitHash:    "00",
		OutcomeNumber: outcome,
	}
	require.NoError(t, f.st.WithTx(f.ctx, func(tx store.Tx) error { return tx.InsertRound(f.ctx, r) }))
	return r
}

func (f *fixture) setState(t *testing.T, id uuid.UUID, state models.RoundState, outcome int) {
	t.Helper()
	require.NoError(t, f.st.WithTx(f.ctx, func(tx store.Tx) error {
		r, err := tx.LockRound(f.ctx, id, true)
		if err != nil {
			return err
		}
		r.State = state
		r.OutcomeNumber = &outcome
		return tx.UpdateRound(f.ctx, r)
	}))
}

func openGuard(r *models.Round, now time.Time) error {
	if !r.AcceptsBetsAt(now) {
		return assert.AnError
	}
	return nil
}

func (f *fixture) bet(t *testing.T, r *models.Round, player uuid.UUID, sel string, amount int64) *models.Bet {
	t.Helper()
	b := &models.Bet{ID: uuid.Must(uuid.NewV7()), RoundID: r.ID, PlayerID: player, Selection: models.Selection(sel), Amount: amount}
	_, err := f.ledger.PlaceBet(f.ctx, b, openGuard)
	require.NoError(t, err)
	return b
}

func (f *fixture) balance(t *testing.T, player uuid.UUID) int64 {
	t.Helper()
	b, err := f.st.GetBalance(f.ctx, player)
	require.NoError(t, err)
	return b
}

func (f *fixture) requireConsistent(t *testing.T) {
	t.Helper()
	drifts, err := f.st.BalanceDrifts(f.ctx)
	require.NoError(t, err)
	require.Empty(t, drifts, "every balance must equal its transaction sum")
}

func intp(n int) *int { return &n }

func TestPlaceBetDebitsWager(t *testing.T) {
	f := setup(t)
	player := uuid.New()
	f.fund(t, player, 1000)
	r := f.round(t, models.RoundOpen, nil)

	f.clk.Advance(5 * time.Second)
	b := &models.Bet{ID: uuid.New(), RoundID: r.ID, PlayerID: player, Selection: "red", Amount: 100, PlacedAt: t0.Add(-time.Hour)}
	bal, err := f.ledger.PlaceBet(f.ctx, b, openGuard)
	require.NoError(t, err)
	assert.Equal(t, int64(900), bal)
	assert.Equal(t, t0.Add(5*time.Second), b.PlacedAt, "placement time is stamped by the server")

	bets, _ := f.st.ListBets(f.ctx, r.ID)
	require.Len(t, bets, 1)
	assert.Equal(t, models.BetPending, bets[0].Outcome)

	debits, _ := f.st.ListTransactions(f.ctx, models.TxFilter{RoundID: &r.ID, Kind: models.TxBetDebit})
	require.Len(t, debits, 1)
	assert.Equal(t, int64(-100), debits[0].Amount)
	f.requireConsistent(t)
}

func TestPlaceBetRejections(t *testing.T) {
	f := setup(t, WithPolicy(Limits{Min: 10, Max: 500}))
	player := uuid.New()
	f.fund(t, player, 50)
	r := f.round(t, models.RoundOpen, nil)

	_, err := f.ledger.PlaceBet(f.ctx, &models.Bet{ID: uuid.New(), RoundID: r.ID, PlayerID: player, Selection: "red", Amount: 100}, openGuard)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = f.ledger.PlaceBet(f.ctx, &models.Bet{ID: uuid.New(), RoundID: r.ID, PlayerID: player, Selection: "red", Amount: 5}, openGuard)
	assert.ErrorIs(t, err, ErrWagerRejected)

	_, err = f.ledger.PlaceBet(f.ctx, &models.Bet{ID: uuid.New(), RoundID: r.ID, PlayerID: player, Selection: "red", Amount: 0}, openGuard)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	f.clk.Advance(41 * time.Second)
	_, err = f.ledger.PlaceBet(f.ctx, &models.Bet{ID: uuid.New(), RoundID: r.ID, PlayerID: player, Selection: "red", Amount: 20}, openGuard)
	assert.ErrorIs(t, err, assert.AnError)

	bets, _ := f.st.ListBets(f.ctx, r.ID)
	assert.Empty(t, bets)
	assert.Equal(t, int64(50), f.balance(t, player))
	f.requireConsistent(t)
}

func TestSettleCreditsWinnersExactlyOnce(t *testing.T) {
	f := setup(t)
	alice, bob := uuid.New(), uuid.New()
	f.fund(t, alice, 1000)
	f.fund(t, bob, 1000)
	r := f.round(t, models.RoundOpen, nil)

	f.bet(t, r, alice, "red", 100)
	f.bet(t, r, bob, "green", 50)
	f.bet(t, r, bob, "2", 10)
	f.setState(t, r.ID, models.RoundLocked, 2)

	res, err := f.ledger.Settle(f.ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, res.AlreadySettled)
	assert.Equal(t, 2, res.Outcome)
	assert.Equal(t, int64(160), res.TotalWagered)
	assert.Equal(t, int64(200+90), res.TotalPaid)
	assert.Len(t, res.Payouts, 2)
	assert.Equal(t, 3, res.BetsMarked)

	assert.Equal(t, int64(1100), f.balance(t, alice))
	assert.Equal(t, int64(1030), f.balance(t, bob))

	got, _ := f.st.GetRound(f.ctx, r.ID)
	assert.Equal(t, models.RoundResolved, got.State)
	assert.NotNil(t, got.ResolvedAt)

	bets, _ := f.st.ListBets(f.ctx, r.ID)
	for _, b := range bets {
		assert.True(t, b.Settled())
		if b.Selection == "green" {
			assert.Equal(t, models.BetLoss, b.Outcome)
			assert.Zero(t, b.Payout)
		} else {
			assert.Equal(t, models.BetWin, b.Outcome)
		}
	}

	again, err := f.ledger.Settle(f.ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadySettled)
	payouts, _ := f.st.ListTransactions(f.ctx, models.TxFilter{RoundID: &r.ID, Kind: models.TxPayoutCredit})
	assert.Len(t, payouts, 2)
	f.requireConsistent(t)
}

func TestSettleRequiresLockedRoundWithOutcome(t *testing.T) {
	f := setup(t)

	open := f.round(t, models.RoundOpen, nil)
	_, err := f.ledger.Settle(f.ctx, open.ID)
	assert.ErrorIs(t, err, ErrNotSettleable)

	locked := f.round(t, models.RoundLocked, nil)
	_, err = f.ledger.Settle(f.ctx, locked.ID)
	assert.ErrorIs(t, err, ErrNoOutcome)

	got, _ := f.st.GetRound(f.ctx, locked.ID)
	assert.Equal(t, models.RoundLocked, got.State, "a failed settlement leaves the round locked")
}

func TestConcurrentSettleIsMutuallyExclusive(t *testing.T) {
	f := setup(t)
	player := uuid.New()
	f.fund(t, player, 1000)
	r := f.round(t, models.RoundOpen, nil)
	f.bet(t, r, player, "red", 100)
	f.setState(t, r.ID, models.RoundLocked, 4)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.st.BeforeCommit = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = f.ledger.Settle(f.ctx, r.ID)
	}()

	<-entered
	_, secondErr := f.ledger.Settle(f.ctx, r.ID)
	close(release)
	wg.Wait()

	require.NoError(t, firstErr)
	assert.ErrorIs(t, secondErr, ErrAlreadySettling)

	payouts, _ := f.st.ListTransactions(f.ctx, models.TxFilter{RoundID: &r.ID, Kind: models.TxPayoutCredit})
	assert.Len(t, payouts, 1)
	assert.Equal(t, int64(1100), f.balance(t, player))
	f.requireConsistent(t)
}

func TestRefundReturnsEveryWager(t *testing.T) {
	f := setup(t)
	alice, bob := uuid.New(), uuid.New()
	f.fund(t, alice, 300)
	f.fund(t, bob, 300)
	r := f.round(t, models.RoundOpen, nil)
	f.bet(t, r, alice, "violet", 120)
	f.bet(t, r, alice, "7", 30)
	f.bet(t, r, bob, "green", 300)
	assert.Equal(t, int64(0), f.balance(t, bob))

	res, err := f.ledger.Refund(f.ctx, r.ID, "entropy unavailable")
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Len(t, res.Refunds, 3)
	assert.Equal(t, int64(300), f.balance(t, alice))
	assert.Equal(t, int64(300), f.balance(t, bob))

	got, _ := f.st.GetRound(f.ctx, r.ID)
	assert.Equal(t, models.RoundAborted, got.State)
	assert.Equal(t, "entropy unavailable", got.AbortReason)

	bets, _ := f.st.ListBets(f.ctx, r.ID)
	for _, b := range bets {
		assert.Equal(t, models.BetVoid, b.Outcome)
	}

	again, err := f.ledger.Refund(f.ctx, r.ID, "entropy unavailable")
	require.NoError(t, err)
	assert.False(t, again.Aborted)
	assert.Empty(t, again.Refunds)
	f.requireConsistent(t)
}

func TestRefundRefusesResolvedRound(t *testing.T) {
	f := setup(t)
	r := f.round(t, models.RoundOpen, nil)
	f.setState(t, r.ID, models.RoundLocked, 1)
	_, err := f.ledger.Settle(f.ctx, r.ID)
	require.NoError(t, err)

	_, err = f.ledger.Refund(f.ctx, r.ID, "late abort")
	assert.ErrorIs(t, err, ErrNotRefundable)
}

func TestRefundRefusesCommittedOutcome(t *testing.T) {
	f := setup(t)
	player := uuid.New()
	f.fund(t, player, 100)
	r := f.round(t, models.RoundOpen, nil)
	f.bet(t, r, player, "red", 60)
	f.setState(t, r.ID, models.RoundLocked, 2)

	_, err := f.ledger.Refund(f.ctx, r.ID, "settlement never completed")
	assert.ErrorIs(t, err, ErrOutcomeCommitted)

	got, _ := f.st.GetRound(f.ctx, r.ID)
	assert.Equal(t, models.RoundLocked, got.State)
	assert.Equal(t, int64(40), f.balance(t, player))
	f.requireConsistent(t)
}

func TestRefundIfStateRefusesMovedRound(t *testing.T) {
	f := setup(t)
	r := f.round(t, models.RoundLocked, nil)

	_, err := f.ledger.RefundIfState(f.ctx, r.ID, "round expired while open", models.RoundOpen)
	assert.ErrorIs(t, err, ErrStateChanged)
	got, _ := f.st.GetRound(f.ctx, r.ID)
	assert.Equal(t, models.RoundLocked, got.State)

	res, err := f.ledger.RefundIfState(f.ctx, r.ID, "settlement never completed", models.RoundLocked)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
}

func TestAdjustNeverOverdraws(t *testing.T) {
	f := setup(t)
	player := uuid.New()
	f.fund(t, player, 100)

	_, err := f.ledger.Adjust(f.ctx, player, -150, "withdrawal")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	bal, err := f.ledger.Adjust(f.ctx, player, -40, "withdrawal")
	require.NoError(t, err)
	assert.Equal(t, int64(60), bal)

	_, err = f.ledger.Adjust(f.ctx, player, 0, "noop")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	f.requireConsistent(t)
}
