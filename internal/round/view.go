package round

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/broadcast"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/jason-s-yu/roundhouse/internal/outcome"
	"github.com/jason-s-yu/roundhouse/internal/store"
)

// RoundView is the public shape of a round. The server seed appears once the round is resolved.
type RoundView struct {
	*models.Round
	ServerSeed  string    `json:"serverSeed,omitempty"`
	RemainingMs int64     `json:"remainingMs"`
	ServerTime  time.Time `json:"serverTime"`
}

func (e *Engine) view(r *models.Round, now time.Time) RoundView {
	c := r.Clone()
	return RoundView{
		Round:       c,
		ServerSeed:  c.RevealedSeed(),
		RemainingMs: c.TimeRemaining(now).Milliseconds(),
		ServerTime:  now,
	}
}

// CategoryStats aggregates the wagers on one selection.
type CategoryStats struct {
	Wagered int64 `json:"wagered"`
	Bets    int   `json:"bets"`
	Bettors int   `json:"bettors"`
}

// Stats are per-category totals for a round, computed from persisted bets.
type Stats struct {
	RoundID      uuid.UUID                          `json:"roundId"`
	Room         string                             `json:"room"`
	GameType     string                             `json:"gameType"`
	State        models.RoundState                  `json:"state"`
	TotalWagered int64                              `json:"totalWagered"`
	Bets         int                                `json:"bets"`
	Bettors      int                                `json:"bettors"`
	Categories   map[models.Selection]CategoryStats `json:"categories"`
}

// Stats recomputes the aggregate statistics of a round from the store.
func (e *Engine) Stats(ctx context.Context, roundID uuid.UUID) (*Stats, error) {
	r, err := e.store.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	bets, err := e.store.ListBets(ctx, roundID)
	if err != nil {
		return nil, err
	}
	return computeStats(r, bets), nil
}

func computeStats(r *models.Round, bets []*models.Bet) *Stats {
	s := &Stats{
		RoundID:    r.ID,
		Room:       r.Room,
		GameType:   r.GameType,
		State:      r.State,
		Categories: make(map[models.Selection]CategoryStats),
	}
	players := make(map[uuid.UUID]bool)
	perCategory := make(map[models.Selection]map[uuid.UUID]bool)
	for _, b := range bets {
		s.TotalWagered += b.Amount
		s.Bets++
		players[b.PlayerID] = true

		c := s.Categories[b.Selection]
		c.Wagered += b.Amount
		c.Bets++
		if perCategory[b.Selection] == nil {
			perCategory[b.Selection] = make(map[uuid.UUID]bool)
		}
		perCategory[b.Selection][b.PlayerID] = true
		c.Bettors = len(perCategory[b.Selection])
		s.Categories[b.Selection] = c
	}
	s.Bettors = len(players)
	return s
}

// Snapshot is the full state of a room as one viewer should see it.
type Snapshot struct {
	Room       string        `json:"room"`
	GameType   string        `json:"gameType"`
	Round      *RoundView    `json:"round,omitempty"`
	ServerTime time.Time     `json:"serverTime"`
	Balance    *int64        `json:"balance,omitempty"`
	Bets       []*models.Bet `json:"bets,omitempty"`
	Stats      *Stats        `json:"stats,omitempty"`
}

// Snapshot rebuilds the latest round of key from persisted data. Players see their balance
// and their own bets; administrators also get aggregate statistics.
func (e *Engine) Snapshot(ctx context.Context, key models.RoundKey, viewer models.Identity) (*Snapshot, error) {
	now := e.now()
	snap := &Snapshot{Room: key.Room, GameType: key.GameType, ServerTime: now}

	r, err := e.store.LatestRound(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		r = nil
	case err != nil:
		return nil, fmt.Errorf("snapshot %s: %w", key, err)
	default:
		v := e.view(r, now)
		snap.Round = &v
	}

	if viewer.PlayerID != uuid.Nil {
		bal, err := e.store.GetBalance(ctx, viewer.PlayerID)
		if err != nil {
			return nil, err
		}
		snap.Balance = &bal
	}
	if r == nil {
		return snap, nil
	}

	bets, err := e.store.ListBets(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	for _, b := range bets {
		if b.PlayerID == viewer.PlayerID {
			snap.Bets = append(snap.Bets, b)
		}
	}
	if viewer.IsAdmin() {
		snap.Stats = computeStats(r, bets)
	}
	return snap, nil
}

// SubscriberSnapshot builds the snapshot a hub subscriber receives on connect and resync: one
// entry per subscribed room, or every known room for an admin on the admin topic alone.
func (e *Engine) SubscriberSnapshot(ctx context.Context, sub *broadcast.Subscriber) (any, error) {
	var keys []models.RoundKey
	for _, t := range sub.Topics() {
		if key, ok := broadcast.ParseRoomTopic(t); ok {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 && sub.Identity.IsAdmin() {
		keys = e.registry.Keys()
	}
	out := make([]*Snapshot, 0, len(keys))
	for _, key := range keys {
		snap, err := e.Snapshot(ctx, key, sub.Identity)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// AuditTrail is everything recorded about a round. Secret inputs are included only once the
// round is resolved or terminal.
type AuditTrail struct {
	Round        *models.Round         `json:"round"`
	ServerSeed   string                `json:"serverSeed,omitempty"`
	Entropy      string                `json:"entropy,omitempty"`
	Nonce        uint64                `json:"nonce,omitempty"`
	Verified     *bool                 `json:"verified,omitempty"`
	VerifyError  string                `json:"verifyError,omitempty"`
	Bets         []*models.Bet         `json:"bets"`
	Transactions []*models.Transaction `json:"transactions"`
}

// Audit returns the round, its bets and every transaction that references it.
func (e *Engine) Audit(ctx context.Context, roundID uuid.UUID) (*AuditTrail, error) {
	r, err := e.store.GetRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("audit round %s: %w", roundID, err)
	}
	bets, err := e.store.ListBets(ctx, roundID)
	if err != nil {
		return nil, err
	}
	id := roundID
	txs, err := e.store.ListTransactions(ctx, models.TxFilter{RoundID: &id})
	if err != nil {
		return nil, err
	}

	trail := &AuditTrail{Round: r.Clone(), Bets: bets, Transactions: txs}
	if seed := r.RevealedSeed(); seed != "" {
		trail.ServerSeed = seed
		if r.HasOutcome() {
			trail.Entropy = r.Entropy
			trail.Nonce = r.Nonce
			ok := true
			if err := outcome.Verify(r); err != nil {
				ok = false
				trail.VerifyError = err.Error()
			}
			trail.Verified = &ok
		}
	}
	return trail, nil
}
