// internal/database/postgres.go
package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/jason-s-yu/roundhouse/internal/store"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements store.Store on a pgx pool.
type Postgres struct {
	queries
	pool *pgxpool.Pool
}

// NewPostgres wraps pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{queries: queries{db: pool}, pool: pool}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// WithTx runs fn in a read-committed transaction; row locks taken inside fn serialize
// conflicting units of work.
func (p *Postgres) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(&pgTx{queries{db: tx}})
	})
}

type queries struct {
	db querier
}

type pgTx struct {
	queries
}

const roundColumns = `
	id, room, game_type, state, created_at, betting_window_ms, result_display_ms, lock_at,
	commit_hash, server_seed, outcome_number, entropy, nonce, audit_proof, weights,
	advisory_category, advisory_by, needs_reconcile, abort_reason, resolved_at, finished_at`

func scanRound(row pgx.Row) (*models.Round, error) {
	var (
		r                 models.Round
		windowMs, dispMs  int64
		outcome           *int16
		entropy, proof    *string
		nonce             *int64
		weights           []int32
		advisory, abortRs *string
	)
	err := row.Scan(
		&r.ID, &r.Room, &r.GameType, &r.State, &r.CreatedAt, &windowMs, &dispMs, &r.LockAt,
		&r.CommitHash, &r.ServerSeed, &outcome, &entropy, &nonce, &proof, &weights,
		&advisory, &r.AdvisoryBy, &r.NeedsReconcile, &abortRs, &r.ResolvedAt, &r.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.BettingWindow = time.Duration(windowMs) * time.Millisecond
	r.ResultDisplay = time.Duration(dispMs) * time.Millisecond
	if outcome != nil {
		n := int(*outcome)
		r.OutcomeNumber = &n
		r.OutcomeColors = models.ColorsFor(n)
	}
	if entropy != nil {
		r.Entropy = *entropy
	}
	if nonce != nil {
		r.Nonce = uint64(*nonce)
	}
	if proof != nil {
		r.AuditProof = *proof
	}
	for _, w := range weights {
		r.Weights = append(r.Weights, uint32(w))
	}
	if advisory != nil {
		r.AdvisoryCategory = *advisory
	}
	if abortRs != nil {
		r.AbortReason = *abortRs
	}
	return &r, nil
}

func collectRounds(rows pgx.Rows, err error) ([]*models.Round, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q queries) GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	return scanRound(q.db.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id))
}

func (q queries) LatestRound(ctx context.Context, key models.RoundKey) (*models.Round, error) {
	return scanRound(q.db.QueryRow(ctx, `
		SELECT `+roundColumns+` FROM rounds
		WHERE room = $1 AND game_type = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, key.Room, key.GameType))
}

func (q queries) ActiveRounds(ctx context.Context, key models.RoundKey) ([]*models.Round, error) {
	return collectRounds(q.db.Query(ctx, `
		SELECT `+roundColumns+` FROM rounds
		WHERE room = $1 AND game_type = $2 AND state IN ('OPEN', 'LOCKED', 'RESOLVED')
		ORDER BY created_at`, key.Room, key.GameType))
}

func (q queries) RoundsInStates(ctx context.Context, states ...models.RoundState) ([]*models.Round, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return collectRounds(q.db.Query(ctx, `
		SELECT `+roundColumns+` FROM rounds
		WHERE state = ANY($1)
		ORDER BY created_at`, names))
}

const betColumns = `id, round_id, player_id, selection, amount, placed_at, outcome, payout`

func collectBets(rows pgx.Rows, err error) ([]*models.Bet, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Bet
	for rows.Next() {
		var b models.Bet
		if err := rows.Scan(&b.ID, &b.RoundID, &b.PlayerID, &b.Selection, &b.Amount, &b.PlacedAt, &b.Outcome, &b.Payout); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (q queries) ListBets(ctx context.Context, roundID uuid.UUID) ([]*models.Bet, error) {
	return collectBets(q.db.Query(ctx, `SELECT `+betColumns+` FROM bets WHERE round_id = $1 ORDER BY placed_at, id`, roundID))
}

const txColumns = `id, player_id, amount, kind, created_at, round_id, bet_id, memo`

func collectTransactions(rows pgx.Rows, err error) ([]*models.Transaction, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.PlayerID, &t.Amount, &t.Kind, &t.CreatedAt, &t.RoundID, &t.BetID, &t.Memo); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (q queries) ListTransactions(ctx context.Context, f models.TxFilter) ([]*models.Transaction, error) {
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}
	var kind *string
	if f.Kind != "" {
		k := string(f.Kind)
		kind = &k
	}
	return collectTransactions(q.db.Query(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE ($1::uuid IS NULL OR player_id = $1)
		  AND ($2::uuid IS NULL OR round_id = $2)
		  AND ($3::text IS NULL OR kind = $3)
		ORDER BY created_at, id
		LIMIT $4::bigint`, f.PlayerID, f.RoundID, kind, limit))
}

func (q queries) GetBalance(ctx context.Context, playerID uuid.UUID) (int64, error) {
	var bal int64
	err := q.db.QueryRow(ctx, `SELECT balance FROM balances WHERE player_id = $1`, playerID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return bal, err
}

func (q queries) SumTransactions(ctx context.Context, playerID uuid.UUID) (int64, error) {
	var sum int64
	err := q.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE player_id = $1`, playerID).Scan(&sum)
	return sum, err
}

func (q queries) BalanceDrifts(ctx context.Context) ([]models.BalanceDrift, error) {
	rows, err := q.db.Query(ctx, `
		WITH sums AS (
			SELECT player_id, SUM(amount) AS total FROM transactions GROUP BY player_id
		)
		SELECT COALESCE(b.player_id, s.player_id), COALESCE(b.balance, 0), COALESCE(s.total, 0)
		FROM balances b
		FULL OUTER JOIN sums s ON s.player_id = b.player_id
		WHERE COALESCE(b.balance, 0) <> COALESCE(s.total, 0)
		ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.BalanceDrift
	for rows.Next() {
		var d models.BalanceDrift
		if err := rows.Scan(&d.PlayerID, &d.Balance, &d.TxSum); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func collectIDs(rows pgx.Rows, err error) ([]uuid.UUID, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (q queries) RoundsMissingPayouts(ctx context.Context) ([]uuid.UUID, error) {
	return collectIDs(q.db.Query(ctx, `
		SELECT DISTINCT r.id
		FROM rounds r
		JOIN bets b ON b.round_id = r.id
		WHERE r.state IN ('RESOLVED', 'CLOSED')
		  AND r.outcome_number IS NOT NULL
		  AND (
			b.outcome = 'pending'
			OR (b.payout > 0 AND NOT EXISTS (
				SELECT 1 FROM transactions t WHERE t.kind = 'payout_credit' AND t.bet_id = b.id
			))
		  )`))
}

func (q queries) AbortedRoundsMissingRefunds(ctx context.Context) ([]uuid.UUID, error) {
	return collectIDs(q.db.Query(ctx, `
		SELECT DISTINCT r.id
		FROM rounds r
		JOIN bets b ON b.round_id = r.id
		WHERE r.state = 'ABORTED'
		  AND NOT EXISTS (
			SELECT 1 FROM transactions t WHERE t.kind = 'refund_credit' AND t.bet_id = b.id
		  )`))
}

func (q queries) OrphanDebits(ctx context.Context) ([]*models.Transaction, error) {
	return collectTransactions(q.db.Query(ctx, `
		SELECT `+txColumns+` FROM transactions t
		WHERE t.kind = 'bet_debit'
		  AND t.bet_id IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM bets b WHERE b.id = t.bet_id)
		  AND NOT EXISTS (
			SELECT 1 FROM transactions r WHERE r.kind = 'refund_credit' AND r.bet_id = t.bet_id
		  )
		ORDER BY t.created_at`))
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func roundArgs(r *models.Round) []any {
	var outcome *int16
	if r.OutcomeNumber != nil {
		n := int16(*r.OutcomeNumber)
		outcome = &n
	}
	var nonce *int64
	if r.HasOutcome() {
		n := int64(r.Nonce)
		nonce = &n
	}
	var weights []int32
	for _, w := range r.Weights {
		weights = append(weights, int32(w))
	}
	return []any{
		r.ID, r.Room, r.GameType, r.State, r.CreatedAt, r.BettingWindow.Milliseconds(), r.ResultDisplay.Milliseconds(), r.LockAt,
		r.CommitHash, r.ServerSeed, outcome, nullString(r.Entropy), nonce, nullString(r.AuditProof), weights,
		nullString(r.AdvisoryCategory), r.AdvisoryBy, r.NeedsReconcile, nullString(r.AbortReason), r.ResolvedAt, r.FinishedAt,
	}
}

func (t *pgTx) InsertRound(ctx context.Context, r *models.Round) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO rounds (`+roundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		roundArgs(r)...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return store.ErrDuplicateActive
	}
	return err
}

func (t *pgTx) LockRound(ctx context.Context, id uuid.UUID, exclusive bool) (*models.Round, error) {
	mode := "FOR SHARE"
	if exclusive {
		mode = "FOR UPDATE"
	}
	return scanRound(t.db.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1 `+mode, id))
}

func (t *pgTx) UpdateRound(ctx context.Context, r *models.Round) error {
	args := roundArgs(r)
	tag, err := t.db.Exec(ctx, `
		UPDATE rounds SET
			state = $2, outcome_number = $3, entropy = $4, nonce = $5, audit_proof = $6, weights = $7,
			advisory_category = $8, advisory_by = $9, needs_reconcile = $10, abort_reason = $11,
			resolved_at = $12, finished_at = $13
		WHERE id = $1`,
		args[0], args[3], args[10], args[11], args[12], args[13], args[14],
		args[15], args[16], args[17], args[18], args[19], args[20])
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) TryLockKey(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := t.db.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`, key).Scan(&ok)
	return ok, err
}

func (t *pgTx) InsertBet(ctx context.Context, b *models.Bet) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO bets (`+betColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.RoundID, b.PlayerID, b.Selection, b.Amount, b.PlacedAt, b.Outcome, b.Payout)
	return err
}

func (t *pgTx) LockBets(ctx context.Context, roundID uuid.UUID) ([]*models.Bet, error) {
	return collectBets(t.db.Query(ctx, `
		SELECT `+betColumns+` FROM bets
		WHERE round_id = $1
		ORDER BY player_id, id
		FOR UPDATE`, roundID))
}

func (t *pgTx) SettleBet(ctx context.Context, b *models.Bet) (bool, error) {
	tag, err := t.db.Exec(ctx, `
		UPDATE bets SET outcome = $2, payout = $3
		WHERE id = $1 AND outcome = 'pending'`,
		b.ID, b.Outcome, b.Payout)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) LockBalances(ctx context.Context, playerIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	out := make(map[uuid.UUID]int64, len(playerIDs))
	for _, id := range store.SortIDs(playerIDs) {
		if _, err := t.db.Exec(ctx, `
			INSERT INTO balances (player_id, balance) VALUES ($1, 0)
			ON CONFLICT (player_id) DO NOTHING`, id); err != nil {
			return nil, err
		}
		var bal int64
		if err := t.db.QueryRow(ctx, `SELECT balance FROM balances WHERE player_id = $1 FOR UPDATE`, id).Scan(&bal); err != nil {
			return nil, err
		}
		out[id] = bal
	}
	return out, nil
}

func (t *pgTx) SetBalance(ctx context.Context, playerID uuid.UUID, balance int64) error {
	_, err := t.db.Exec(ctx, `
		UPDATE balances SET balance = $2, updated_at = NOW() WHERE player_id = $1`,
		playerID, balance)
	return err
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *models.Transaction) (bool, error) {
	tag, err := t.db.Exec(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`,
		tr.ID, tr.PlayerID, tr.Amount, tr.Kind, tr.CreatedAt, tr.RoundID, tr.BetID, tr.Memo)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
