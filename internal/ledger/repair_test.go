package ledger

import (
	"testing"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/jason-s-yu/roundhouse/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// crashAfterPayouts leaves a CLOSED round whose first k winning bets were credited but whose
// bet rows were never marked, as a settlement that died mid-way would have.
func crashAfterPayouts(t *testing.T, f *fixture, r *models.Round, k int) {
	t.Helper()
	bets, err := f.st.ListBets(f.ctx, r.ID)
	require.NoError(t, err)
	require.NoError(t, f.st.WithTx(f.ctx, func(tx store.Tx) error {
		for _, b := range bets[:k] {
			payout := f.ledger.payouts.Payout(b.Selection, *r.OutcomeNumber, b.Amount)
			bals, err := tx.LockBalances(f.ctx, []uuid.UUID{b.PlayerID})
			if err != nil {
				return err
			}
			if _, err := tx.InsertTransaction(f.ctx, newTx(b.PlayerID, payout, models.TxPayoutCredit, f.clk.Now(), &r.ID, &b.ID, "")); err != nil {
				return err
			}
			if err := tx.SetBalance(f.ctx, b.PlayerID, bals[b.PlayerID]+payout); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestRepairRoundCompletesPartialSettlement(t *testing.T) {
	f := setup(t)
	r := f.round(t, models.RoundOpen, nil)
	var players []uuid.UUID
	for i := 0; i < 5; i++ {
		p := uuid.New()
		players = append(players, p)
		f.fund(t, p, 100)
		f.bet(t, r, p, "green", 100)
	}
	f.setState(t, r.ID, models.RoundClosed, 3)
	crashAfterPayouts(t, f, r, 2)

	missing, _ := f.st.RoundsMissingPayouts(f.ctx)
	assert.Equal(t, []uuid.UUID{r.ID}, missing)

	res, err := f.ledger.RepairRound(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, res.Payouts, 3)
	assert.Equal(t, 5, res.BetsMarked)
	for _, p := range players {
		assert.Equal(t, int64(200), f.balance(t, p))
	}

	again, err := f.ledger.RepairRound(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, again.Payouts)
	assert.Zero(t, again.BetsMarked)

	payouts, _ := f.st.ListTransactions(f.ctx, models.TxFilter{RoundID: &r.ID, Kind: models.TxPayoutCredit})
	assert.Len(t, payouts, 5)
	missing, _ = f.st.RoundsMissingPayouts(f.ctx)
	assert.Empty(t, missing)
	f.requireConsistent(t)
}

func TestRepairRoundIgnoresUnresolvedRounds(t *testing.T) {
	f := setup(t)
	r := f.round(t, models.RoundLocked, nil)
	res, err := f.ledger.RepairRound(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Payouts)
}

func TestCorrectBalanceRecordsDrift(t *testing.T) {
	f := setup(t)
	player := uuid.New()
	f.fund(t, player, 500)

	require.NoError(t, f.st.WithTx(f.ctx, func(tx store.Tx) error {
		return tx.SetBalance(f.ctx, player, 470)
	}))
	drifts, _ := f.st.BalanceDrifts(f.ctx)
	require.Len(t, drifts, 1)

	c, err := f.ledger.CorrectBalance(f.ctx, player)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(470), c.Balance)
	assert.Equal(t, int64(500), c.SumBefore)
	assert.Equal(t, int64(-30), c.Delta)
	assert.Equal(t, int64(470), f.balance(t, player), "the stored balance is not overwritten")

	entry := f.hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, int64(470), entry.Data["balance"])
	assert.Equal(t, int64(500), entry.Data["sum_before"])
	assert.Equal(t, int64(470), entry.Data["sum_after"])

	c, err = f.ledger.CorrectBalance(f.ctx, player)
	require.NoError(t, err)
	assert.Nil(t, c)
	f.requireConsistent(t)
}

func TestCompensateOrphanDebit(t *testing.T) {
	f := setup(t)
	player := uuid.New()
	f.fund(t, player, 100)

	ghostBet := uuid.New()
	require.NoError(t, f.st.WithTx(f.ctx, func(tx store.Tx) error {
		if _, err := tx.InsertTransaction(f.ctx, newTx(player, -40, models.TxBetDebit, f.clk.Now(), nil, &ghostBet, "")); err != nil {
			return err
		}
		return tx.SetBalance(f.ctx, player, 60)
	}))

	orphans, err := f.st.OrphanDebits(f.ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)

	ok, err := f.ledger.CompensateOrphan(f.ctx, orphans[0])
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(100), f.balance(t, player))

	ok, err = f.ledger.CompensateOrphan(f.ctx, orphans[0])
	require.NoError(t, err)
	assert.False(t, ok)

	orphans, _ = f.st.OrphanDebits(f.ctx)
	assert.Empty(t, orphans)
	f.requireConsistent(t)

	_, err = f.ledger.CompensateOrphan(f.ctx, &models.Transaction{ID: uuid.New(), Kind: models.TxAdjustment})
	assert.Error(t, err)
}
