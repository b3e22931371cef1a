// Package store defines the persistence contract shared by the round engine, ledger and
// reconciliation daemon. Postgres backs it in production (internal/database); Memory backs
// single-process runs and tests.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateActive is returned when a second non-terminal round is inserted for a key.
	ErrDuplicateActive = errors.New("a non-terminal round already exists for this key")
)

// Reader is the read side available both inside and outside a transaction.
type Reader interface {
	GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error)
	// LatestRound returns the most recently created round for key, or ErrNotFound.
	LatestRound(ctx context.Context, key models.RoundKey) (*models.Round, error)
	ActiveRounds(ctx context.Context, key models.RoundKey) ([]*models.Round, error)
	RoundsInStates(ctx context.Context, states ...models.RoundState) ([]*models.Round, error)

	ListBets(ctx context.Context, roundID uuid.UUID) ([]*models.Bet, error)
	ListTransactions(ctx context.Context, f models.TxFilter) ([]*models.Transaction, error)

	// GetBalance returns 0 for players with no balance row.
	GetBalance(ctx context.Context, playerID uuid.UUID) (int64, error)
	SumTransactions(ctx context.Context, playerID uuid.UUID) (int64, error)

	// Reconciliation scans.
	BalanceDrifts(ctx context.Context) ([]models.BalanceDrift, error)
	RoundsMissingPayouts(ctx context.Context) ([]uuid.UUID, error)
	AbortedRoundsMissingRefunds(ctx context.Context) ([]uuid.UUID, error)
	OrphanDebits(ctx context.Context) ([]*models.Transaction, error)
}

// Tx is one atomic unit of work. Locks are held until the unit commits or rolls back.
// Callers lock rounds before bets, and bets before balances.
type Tx interface {
	Reader

	InsertRound(ctx context.Context, r *models.Round) error
	// LockRound reads a round and locks its row; exclusive selects FOR UPDATE over FOR SHARE.
	LockRound(ctx context.Context, id uuid.UUID, exclusive bool) (*models.Round, error)
	UpdateRound(ctx context.Context, r *models.Round) error
	// TryLockKey takes a transaction-scoped advisory lock, reporting false if another holder has it.
	TryLockKey(ctx context.Context, key string) (bool, error)

	InsertBet(ctx context.Context, b *models.Bet) error
	// LockBets returns every bet of the round ordered by player id, locking the rows.
	LockBets(ctx context.Context, roundID uuid.UUID) ([]*models.Bet, error)
	// SettleBet writes outcome and payout if the bet is still pending, reporting whether it did.
	SettleBet(ctx context.Context, b *models.Bet) (bool, error)

	// LockBalances locks balance rows in ascending player id order, creating missing rows at zero.
	LockBalances(ctx context.Context, playerIDs []uuid.UUID) (map[uuid.UUID]int64, error)
	SetBalance(ctx context.Context, playerID uuid.UUID, balance int64) error
	// InsertTransaction appends t. Kinds unique per bet are inserted at most once; inserted
	// reports false when an equivalent entry already existed.
	InsertTransaction(ctx context.Context, t *models.Transaction) (inserted bool, err error)
}

// Store opens transactions and serves reads.
type Store interface {
	Reader
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// SortIDs orders ids ascending by their byte representation, matching Postgres uuid ordering.
func SortIDs(ids []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sortUUIDs(out)
	return out
}
