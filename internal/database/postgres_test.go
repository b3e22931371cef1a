package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/jason-s-yu/roundhouse/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connect needs a disposable Postgres; set DATABASE_URL to enable these tests.
func connect(t *testing.T) (context.Context, *Postgres) {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := ConnectDB(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))
	return ctx, NewPostgres(pool)
}

func openRound(key models.RoundKey) *models.Round {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Round{
		ID:            uuid.Must(uuid.NewV7()),
		Room:          key.Room,
		GameType:      key.GameType,
		State:         models.RoundOpen,
		CreatedAt:     now,
		BettingWindow: 40 * time.Second,
		ResultDisplay: 10 * time.Second,
		LockAt:        now.Add(40 * time.Second),
		CommitHash:    "commit",
		ServerSeed:    "seed",
	}
}

func TestPostgresOneActiveRoundPerKey(t *testing.T) {
	ctx, pg := connect(t)
	key := models.RoundKey{Room: "it-" + uuid.NewString(), GameType: "wingo-1m"}

	first := openRound(key)
	require.NoError(t, pg.WithTx(ctx, func(tx store.Tx) error { return tx.InsertRound(ctx, first) }))
	err := pg.WithTx(ctx, func(tx store.Tx) error { return tx.InsertRound(ctx, openRound(key)) })
	assert.ErrorIs(t, err, store.ErrDuplicateActive)

	require.NoError(t, pg.WithTx(ctx, func(tx store.Tx) error {
		r, err := tx.LockRound(ctx, first.ID, true)
		if err != nil {
			return err
		}
		r.State = models.RoundAborted
		r.AbortReason = "test"
		return tx.UpdateRound(ctx, r)
	}))
	assert.NoError(t, pg.WithTx(ctx, func(tx store.Tx) error { return tx.InsertRound(ctx, openRound(key)) }))

	got, err := pg.GetRound(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundAborted, got.State)
	assert.Equal(t, 40*time.Second, got.BettingWindow)
}

func TestPostgresBetTransactionsAreIdempotent(t *testing.T) {
	ctx, pg := connect(t)
	player, betID := uuid.New(), uuid.New()
	roundID := uuid.New()

	var first, second bool
	require.NoError(t, pg.WithTx(ctx, func(tx store.Tx) error {
		var err error
		first, err = tx.InsertTransaction(ctx, &models.Transaction{
			ID: uuid.New(), PlayerID: player, Amount: 20, Kind: models.TxPayoutCredit,
			CreatedAt: time.Now(), RoundID: &roundID, BetID: &betID,
		})
		if err != nil {
			return err
		}
		second, err = tx.InsertTransaction(ctx, &models.Transaction{
			ID: uuid.New(), PlayerID: player, Amount: 20, Kind: models.TxPayoutCredit,
			CreatedAt: time.Now(), RoundID: &roundID, BetID: &betID,
		})
		return err
	}))
	assert.True(t, first)
	assert.False(t, second)

	sum, err := pg.SumTransactions(ctx, player)
	require.NoError(t, err)
	assert.Equal(t, int64(20), sum)
}

func TestPostgresRoundEvents(t *testing.T) {
	ctx, pg := connect(t)
	r := openRound(models.RoundKey{Room: "it-" + uuid.NewString(), GameType: "wingo-1m"})
	at := time.UnixMilli(time.Now().UnixMilli())

	recs := []models.RoundEventRecord{
		models.NewRoundEvent(r, "round_opened", at, nil),
		models.NewRoundEvent(r, "round_locked", at.Add(40*time.Second), map[string]interface{}{"bets": float64(3)}),
	}
	require.NoError(t, pg.InsertRoundEvents(ctx, recs))

	got, err := pg.RoundEvents(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "round_opened", got[0].EventType)
	assert.Equal(t, recs[1].Timestamp, got[1].Timestamp)
	assert.Equal(t, float64(3), got[1].Payload["bets"])
}

func TestPostgresRoundTransactionsAreNotTruncated(t *testing.T) {
	ctx, pg := connect(t)
	roundID := uuid.New()
	const n = 1205
	require.NoError(t, pg.WithTx(ctx, func(tx store.Tx) error {
		at := time.Now()
		for i := 0; i < n; i++ {
			betID := uuid.New()
			if _, err := tx.InsertTransaction(ctx, &models.Transaction{
				ID: uuid.New(), PlayerID: uuid.New(), Amount: -10, Kind: models.TxBetDebit,
				CreatedAt: at.Add(time.Duration(i) * time.Microsecond), RoundID: &roundID, BetID: &betID,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	all, err := pg.ListTransactions(ctx, models.TxFilter{RoundID: &roundID})
	require.NoError(t, err)
	assert.Len(t, all, n, "a zero limit returns every transaction of the round")

	page, err := pg.ListTransactions(ctx, models.TxFilter{RoundID: &roundID, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page, 10)
	assert.Equal(t, all[0].ID, page[0].ID)
}
