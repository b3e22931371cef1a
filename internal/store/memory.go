package store

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/models"
)

// Memory is an in-process Store. Transactions are serialized behind one mutex and
// rolled back through an undo log.
type Memory struct {
	mu sync.Mutex
	d  *memData

	// BeforeCommit, when set, runs inside every transaction after fn succeeds and before the
	// changes become visible. Tests use it to hold a transaction open.
	BeforeCommit func()
}

type betRef struct {
	kind  models.TxKind
	betID uuid.UUID
}

type memData struct {
	rounds   map[uuid.UUID]*models.Round
	roundIDs []uuid.UUID
	bets     map[uuid.UUID]*models.Bet
	betIDs   []uuid.UUID
	txs      []*models.Transaction
	perBet   map[betRef]bool
	balances map[uuid.UUID]int64
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{d: &memData{
		rounds:   make(map[uuid.UUID]*models.Round),
		bets:     make(map[uuid.UUID]*models.Bet),
		perBet:   make(map[betRef]bool),
		balances: make(map[uuid.UUID]int64),
	}}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{d: m.d}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if m.BeforeCommit != nil {
		m.BeforeCommit()
	}
	return nil
}

func (m *Memory) read(fn func(d *memData)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.d)
}

func (m *Memory) GetRound(ctx context.Context, id uuid.UUID) (r *models.Round, err error) {
	m.read(func(d *memData) { r, err = d.getRound(id) })
	return
}

func (m *Memory) LatestRound(ctx context.Context, key models.RoundKey) (r *models.Round, err error) {
	m.read(func(d *memData) { r, err = d.latestRound(key) })
	return
}

func (m *Memory) ActiveRounds(ctx context.Context, key models.RoundKey) (rs []*models.Round, err error) {
	m.read(func(d *memData) { rs = d.activeRounds(key) })
	return
}

func (m *Memory) RoundsInStates(ctx context.Context, states ...models.RoundState) (rs []*models.Round, err error) {
	m.read(func(d *memData) { rs = d.roundsInStates(states) })
	return
}

func (m *Memory) ListBets(ctx context.Context, roundID uuid.UUID) (bs []*models.Bet, err error) {
	m.read(func(d *memData) { bs = d.listBets(roundID) })
	return
}

func (m *Memory) ListTransactions(ctx context.Context, f models.TxFilter) (ts []*models.Transaction, err error) {
	m.read(func(d *memData) { ts = d.listTransactions(f) })
	return
}

func (m *Memory) GetBalance(ctx context.Context, playerID uuid.UUID) (b int64, err error) {
	m.read(func(d *memData) { b = d.balances[playerID] })
	return
}

func (m *Memory) SumTransactions(ctx context.Context, playerID uuid.UUID) (s int64, err error) {
	m.read(func(d *memData) { s = d.sumTransactions(playerID) })
	return
}

func (m *Memory) BalanceDrifts(ctx context.Context) (out []models.BalanceDrift, err error) {
	m.read(func(d *memData) { out = d.balanceDrifts() })
	return
}

func (m *Memory) RoundsMissingPayouts(ctx context.Context) (ids []uuid.UUID, err error) {
	m.read(func(d *memData) { ids = d.roundsMissingPayouts() })
	return
}

func (m *Memory) AbortedRoundsMissingRefunds(ctx context.Context) (ids []uuid.UUID, err error) {
	m.read(func(d *memData) { ids = d.abortedRoundsMissingRefunds() })
	return
}

func (m *Memory) OrphanDebits(ctx context.Context) (ts []*models.Transaction, err error) {
	m.read(func(d *memData) { ts = d.orphanDebits() })
	return
}

// memTx mutates the shared data in place while the store mutex is held.
type memTx struct {
	d    *memData
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	return t.d.getRound(id)
}

func (t *memTx) LatestRound(ctx context.Context, key models.RoundKey) (*models.Round, error) {
	return t.d.latestRound(key)
}

func (t *memTx) ActiveRounds(ctx context.Context, key models.RoundKey) ([]*models.Round, error) {
	return t.d.activeRounds(key), nil
}

func (t *memTx) RoundsInStates(ctx context.Context, states ...models.RoundState) ([]*models.Round, error) {
	return t.d.roundsInStates(states), nil
}

func (t *memTx) ListBets(ctx context.Context, roundID uuid.UUID) ([]*models.Bet, error) {
	return t.d.listBets(roundID), nil
}

func (t *memTx) ListTransactions(ctx context.Context, f models.TxFilter) ([]*models.Transaction, error) {
	return t.d.listTransactions(f), nil
}

func (t *memTx) GetBalance(ctx context.Context, playerID uuid.UUID) (int64, error) {
	return t.d.balances[playerID], nil
}

func (t *memTx) SumTransactions(ctx context.Context, playerID uuid.UUID) (int64, error) {
	return t.d.sumTransactions(playerID), nil
}

func (t *memTx) BalanceDrifts(ctx context.Context) ([]models.BalanceDrift, error) {
	return t.d.balanceDrifts(), nil
}

func (t *memTx) RoundsMissingPayouts(ctx context.Context) ([]uuid.UUID, error) {
	return t.d.roundsMissingPayouts(), nil
}

func (t *memTx) AbortedRoundsMissingRefunds(ctx context.Context) ([]uuid.UUID, error) {
	return t.d.abortedRoundsMissingRefunds(), nil
}

func (t *memTx) OrphanDebits(ctx context.Context) ([]*models.Transaction, error) {
	return t.d.orphanDebits(), nil
}

func (t *memTx) InsertRound(ctx context.Context, r *models.Round) error {
	if !r.State.IsTerminal() && len(t.d.activeRounds(r.Key())) > 0 {
		return ErrDuplicateActive
	}
	t.d.rounds[r.ID] = r.Clone()
	t.d.roundIDs = append(t.d.roundIDs, r.ID)
	t.undo = append(t.undo, func() {
		delete(t.d.rounds, r.ID)
		t.d.roundIDs = t.d.roundIDs[:len(t.d.roundIDs)-1]
	})
	return nil
}

func (t *memTx) LockRound(ctx context.Context, id uuid.UUID, exclusive bool) (*models.Round, error) {
	return t.d.getRound(id)
}

func (t *memTx) UpdateRound(ctx context.Context, r *models.Round) error {
	prev, ok := t.d.rounds[r.ID]
	if !ok {
		return ErrNotFound
	}
	t.d.rounds[r.ID] = r.Clone()
	t.undo = append(t.undo, func() { t.d.rounds[r.ID] = prev })
	return nil
}

func (t *memTx) TryLockKey(ctx context.Context, key string) (bool, error) {
	return true, nil
}

func (t *memTx) InsertBet(ctx context.Context, b *models.Bet) error {
	c := *b
	t.d.bets[b.ID] = &c
	t.d.betIDs = append(t.d.betIDs, b.ID)
	t.undo = append(t.undo, func() {
		delete(t.d.bets, b.ID)
		t.d.betIDs = t.d.betIDs[:len(t.d.betIDs)-1]
	})
	return nil
}

func (t *memTx) LockBets(ctx context.Context, roundID uuid.UUID) ([]*models.Bet, error) {
	bets := t.d.listBets(roundID)
	sort.SliceStable(bets, func(i, j int) bool {
		if c := bytes.Compare(bets[i].PlayerID[:], bets[j].PlayerID[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(bets[i].ID[:], bets[j].ID[:]) < 0
	})
	return bets, nil
}

func (t *memTx) SettleBet(ctx context.Context, b *models.Bet) (bool, error) {
	cur, ok := t.d.bets[b.ID]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Settled() {
		return false, nil
	}
	prev := *cur
	cur.Outcome = b.Outcome
	cur.Payout = b.Payout
	t.undo = append(t.undo, func() { *cur = prev })
	return true, nil
}

func (t *memTx) LockBalances(ctx context.Context, playerIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	out := make(map[uuid.UUID]int64, len(playerIDs))
	for _, id := range SortIDs(playerIDs) {
		bal, ok := t.d.balances[id]
		if !ok {
			t.d.balances[id] = 0
			t.undo = append(t.undo, func() { delete(t.d.balances, id) })
		}
		out[id] = bal
	}
	return out, nil
}

func (t *memTx) SetBalance(ctx context.Context, playerID uuid.UUID, balance int64) error {
	prev, existed := t.d.balances[playerID]
	t.d.balances[playerID] = balance
	t.undo = append(t.undo, func() {
		if existed {
			t.d.balances[playerID] = prev
		} else {
			delete(t.d.balances, playerID)
		}
	})
	return nil
}

func (t *memTx) InsertTransaction(ctx context.Context, tr *models.Transaction) (bool, error) {
	if tr.Kind.UniquePerBet() && tr.BetID != nil {
		ref := betRef{kind: tr.Kind, betID: *tr.BetID}
		if t.d.perBet[ref] {
			return false, nil
		}
		t.d.perBet[ref] = true
		t.undo = append(t.undo, func() { delete(t.d.perBet, ref) })
	}
	c := *tr
	t.d.txs = append(t.d.txs, &c)
	t.undo = append(t.undo, func() { t.d.txs = t.d.txs[:len(t.d.txs)-1] })
	return true, nil
}

func (d *memData) getRound(id uuid.UUID) (*models.Round, error) {
	r, ok := d.rounds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (d *memData) latestRound(key models.RoundKey) (*models.Round, error) {
	for i := len(d.roundIDs) - 1; i >= 0; i-- {
		r := d.rounds[d.roundIDs[i]]
		if r.Key() == key {
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (d *memData) activeRounds(key models.RoundKey) []*models.Round {
	var out []*models.Round
	for _, id := range d.roundIDs {
		r := d.rounds[id]
		if r.Key() == key && !r.State.IsTerminal() {
			out = append(out, r.Clone())
		}
	}
	return out
}

func (d *memData) roundsInStates(states []models.RoundState) []*models.Round {
	var out []*models.Round
	for _, id := range d.roundIDs {
		r := d.rounds[id]
		for _, s := range states {
			if r.State == s {
				out = append(out, r.Clone())
				break
			}
		}
	}
	return out
}

func (d *memData) listBets(roundID uuid.UUID) []*models.Bet {
	var out []*models.Bet
	for _, id := range d.betIDs {
		if b := d.bets[id]; b.RoundID == roundID {
			c := *b
			out = append(out, &c)
		}
	}
	return out
}

func (d *memData) listTransactions(f models.TxFilter) []*models.Transaction {
	var out []*models.Transaction
	for _, tr := range d.txs {
		if f.PlayerID != nil && tr.PlayerID != *f.PlayerID {
			continue
		}
		if f.RoundID != nil && (tr.RoundID == nil || *tr.RoundID != *f.RoundID) {
			continue
		}
		if f.Kind != "" && tr.Kind != f.Kind {
			continue
		}
		c := *tr
		out = append(out, &c)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func (d *memData) sumTransactions(playerID uuid.UUID) int64 {
	var sum int64
	for _, tr := range d.txs {
		if tr.PlayerID == playerID {
			sum += tr.Amount
		}
	}
	return sum
}

func (d *memData) balanceDrifts() []models.BalanceDrift {
	sums := make(map[uuid.UUID]int64)
	for _, tr := range d.txs {
		sums[tr.PlayerID] += tr.Amount
	}
	players := make([]uuid.UUID, 0, len(d.balances)+len(sums))
	for id := range d.balances {
		players = append(players, id)
	}
	for id := range sums {
		players = append(players, id)
	}
	var out []models.BalanceDrift
	for _, id := range SortIDs(players) {
		if d.balances[id] != sums[id] {
			out = append(out, models.BalanceDrift{PlayerID: id, Balance: d.balances[id], TxSum: sums[id]})
		}
	}
	return out
}

func (d *memData) roundsMissingPayouts() []uuid.UUID {
	var out []uuid.UUID
	for _, id := range d.roundIDs {
		r := d.rounds[id]
		if (r.State != models.RoundResolved && r.State != models.RoundClosed) || !r.HasOutcome() {
			continue
		}
		for _, b := range d.listBets(id) {
			if !b.Settled() || (b.Payout > 0 && !d.perBet[betRef{models.TxPayoutCredit, b.ID}]) {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

func (d *memData) abortedRoundsMissingRefunds() []uuid.UUID {
	var out []uuid.UUID
	for _, id := range d.roundIDs {
		if d.rounds[id].State != models.RoundAborted {
			continue
		}
		for _, b := range d.listBets(id) {
			if !d.perBet[betRef{models.TxRefundCredit, b.ID}] {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

func (d *memData) orphanDebits() []*models.Transaction {
	var out []*models.Transaction
	for _, tr := range d.txs {
		if tr.Kind != models.TxBetDebit || tr.BetID == nil {
			continue
		}
		if _, ok := d.bets[*tr.BetID]; ok {
			continue
		}
		if d.perBet[betRef{models.TxRefundCredit, *tr.BetID}] {
			continue
		}
		c := *tr
		out = append(out, &c)
	}
	return out
}

func sortUUIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
}
