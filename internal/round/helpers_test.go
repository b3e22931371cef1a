package round

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/broadcast"
	"github.com/jason-s-yu/roundhouse/internal/clock"
	"github.com/jason-s-yu/roundhouse/internal/events"
	"github.com/jason-s-yu/roundhouse/internal/ledger"
	"github.com/jason-s-yu/roundhouse/internal/metrics"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/jason-s-yu/roundhouse/internal/outcome"
	"github.com/jason-s-yu/roundhouse/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

var (
	t0      = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mainKey = models.RoundKey{Room: "main", GameType: "wingo-1m"}
	win     = Durations{BettingWindow: 40 * time.Second, ResultDisplay: 10 * time.Second}
)

// starvableEntropy reads crypto/rand until starved.
type starvableEntropy struct {
	starved atomic.Bool
}

func (s *starvableEntropy) Read(p []byte) (int, error) {
	if s.starved.Load() {
		return 0, errors.New("entropy pool exhausted")
	}
	return rand.Read(p)
}

type memRecorder struct {
	mu   sync.Mutex
	recs []models.RoundEventRecord
}

func (r *memRecorder) Record(_ context.Context, rec models.RoundEventRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *memRecorder) types(roundID uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, rec := range r.recs {
		if rec.RoundID == roundID {
			out = append(out, rec.EventType)
		}
	}
	return out
}

func (r *memRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recs)
}

type capturePublisher struct {
	mu      sync.Mutex
	settled []events.RoundSettled
	alerts  []events.Alert
}

func (p *capturePublisher) PublishSettled(_ context.Context, e events.RoundSettled) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settled = append(p.settled, e)
	return nil
}

func (p *capturePublisher) PublishAlert(_ context.Context, a events.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) alertKinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, a := range p.alerts {
		out = append(out, a.Kind)
	}
	return out
}

// flakyStore fails LockBets on demand, which is where settlement first touches bets.
type flakyStore struct {
	*store.Memory
	failBets atomic.Bool
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Memory.WithTx(ctx, func(tx store.Tx) error {
		return fn(&flakyTx{Tx: tx, s: s})
	})
}

type flakyTx struct {
	store.Tx
	s *flakyStore
}

func (t *flakyTx) LockBets(ctx context.Context, roundID uuid.UUID) ([]*models.Bet, error) {
	if t.s.failBets.Load() {
		return nil, errors.New("connection reset by peer")
	}
	return t.Tx.LockBets(ctx, roundID)
}

type fixture struct {
	ctx     context.Context
	st      store.Store
	clk     *clock.Fake
	entropy *starvableEntropy
	ledger  *ledger.Ledger
	hub     *broadcast.Hub
	engine  *Engine
	rec     *memRecorder
	pub     *capturePublisher
	hook    *test.Hook
}

func setup(t *testing.T) *fixture {
	return setupWith(t, store.NewMemory(), clock.NewFake(t0))
}

func setupWith(t *testing.T, st store.Store, clk *clock.Fake) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	m := metrics.NewTest()

	f := &fixture{
		ctx:     context.Background(),
		st:      st,
		clk:     clk,
		entropy: &starvableEntropy{},
		rec:     &memRecorder{},
		pub:     &capturePublisher{},
		hook:    hook,
	}
	f.ledger = ledger.New(st, models.DefaultPayoutTable(), ledger.WithClock(clk), ledger.WithLogger(logger), ledger.WithMetrics(m))
	gen, err := outcome.NewGenerator(outcome.WithEntropySource(f.entropy))
	require.NoError(t, err)
	f.hub = broadcast.NewHub(broadcast.WithLogger(logger), broadcast.WithMetrics(m))
	t.Cleanup(f.hub.Close)
	f.engine = NewEngine(st, f.ledger, gen, f.hub,
		WithClock(clk), WithLogger(logger), WithMetrics(m), WithPublisher(f.pub), WithRecorder(f.rec))
	return f
}

func (f *fixture) player(t *testing.T, deposit int64) models.Identity {
	t.Helper()
	id := models.Identity{PlayerID: uuid.New(), Role: models.RolePlayer}
	if deposit > 0 {
		_, err := f.ledger.Adjust(f.ctx, id.PlayerID, deposit, "deposit")
		require.NoError(t, err)
	}
	return id
}

func (f *fixture) balance(t *testing.T, id models.Identity) int64 {
	t.Helper()
	b, err := f.st.GetBalance(f.ctx, id.PlayerID)
	require.NoError(t, err)
	return b
}

func (f *fixture) open(t *testing.T) *models.Round {
	t.Helper()
	r, err := f.engine.Open(f.ctx, mainKey, win)
	require.NoError(t, err)
	return r
}

func (f *fixture) bet(t *testing.T, r *models.Round, p models.Identity, sel string, amount int64) *models.Bet {
	t.Helper()
	pl, err := f.engine.PlaceBet(f.ctx, r.ID, p, sel, amount)
	require.NoError(t, err)
	return pl.Bet
}

func (f *fixture) round(t *testing.T, id uuid.UUID) *models.Round {
	t.Helper()
	r, err := f.st.GetRound(f.ctx, id)
	require.NoError(t, err)
	return r
}

func (f *fixture) noDrift(t *testing.T) {
	t.Helper()
	drifts, err := f.st.BalanceDrifts(f.ctx)
	require.NoError(t, err)
	require.Empty(t, drifts)
}
