// Package round runs the round state machine: OPEN, LOCKED, RESOLVED, CLOSED, with ABORTED
// reachable from OPEN and LOCKED. Every transition is persisted before it is broadcast.
package round

import (
	"context"
	"errors"
	"fmt"
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
)

// EventRecorder appends lifecycle events to the durable round timeline.
type EventRecorder interface {
	Record(ctx context.Context, rec models.RoundEventRecord) error
}

// Durations configures one round.
type Durations struct {
	BettingWindow time.Duration
	ResultDisplay time.Duration
}

// Engine owns round transitions. It is safe for concurrent use; transitions on one round are
// serialized by the store's row locks.
type Engine struct {
	store    store.Store
	ledger   *ledger.Ledger
	gen      *outcome.Generator
	hub      *broadcast.Hub
	registry *Registry

	clock     clock.Clock
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	publisher events.Publisher
	recorder  EventRecorder
}

// Option customizes an Engine.
type Option func(*Engine)

func WithClock(c clock.Clock) Option          { return func(e *Engine) { e.clock = c } }
func WithLogger(l *logrus.Logger) Option      { return func(e *Engine) { e.logger = l } }
func WithMetrics(m *metrics.Metrics) Option   { return func(e *Engine) { e.metrics = m } }
func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.publisher = p } }
func WithRecorder(r EventRecorder) Option     { return func(e *Engine) { e.recorder = r } }
func WithRegistry(r *Registry) Option         { return func(e *Engine) { e.registry = r } }

// NewEngine wires an engine and installs its snapshot builder on hub.
func NewEngine(st store.Store, l *ledger.Ledger, gen *outcome.Generator, hub *broadcast.Hub, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		ledger:   l,
		gen:      gen,
		hub:      hub,
		registry: NewRegistry(),
		clock:    clock.Real{},
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewTest()
	}
	if e.publisher == nil {
		e.publisher = events.LogPublisher{Logger: e.logger}
	}
	if e.hub == nil {
		e.hub = broadcast.NewHub(broadcast.WithClock(e.clock), broadcast.WithLogger(e.logger), broadcast.WithMetrics(e.metrics))
	}
	e.hub.SetSnapshotFunc(e.SubscriberSnapshot)
	return e
}

// Hub returns the broadcast hub the engine publishes to.
func (e *Engine) Hub() *broadcast.Hub { return e.hub }

// Registry returns the current-round registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Ledger returns the ledger the engine settles through.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Clock returns the server clock.
func (e *Engine) Clock() clock.Clock { return e.clock }

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC().Truncate(time.Microsecond)
}

func (e *Engine) roundLog(r *models.Round) *logrus.Entry {
	return e.logger.WithFields(logrus.Fields{
		"round_id":  r.ID,
		"room":      r.Room,
		"game_type": r.GameType,
		"state":     r.State,
	})
}

// Open starts a new round for key. It fails with ErrConflict while another round of the key
// is not terminal.
func (e *Engine) Open(ctx context.Context, key models.RoundKey, d Durations) (*models.Round, error) {
	if d.BettingWindow <= 0 {
		return nil, fmt.Errorf("betting window must be positive, got %s", d.BettingWindow)
	}
	unlock := e.registry.Lock(key)
	defer unlock()

	active, err := e.store.ActiveRounds(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return nil, fmt.Errorf("%w: round %s is %s for %s", ErrConflict, active[0].ID, active[0].State, key)
	}
	commit, err := e.gen.Commit()
	if err != nil {
		e.metrics.EntropyFailures.Inc()
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now := e.now()
	r := &models.Round{
		ID:            id,
		Room:          key.Room,
		GameType:      key.GameType,
		State:         models.RoundOpen,
		CreatedAt:     now,
		BettingWindow: d.BettingWindow,
		ResultDisplay: d.ResultDisplay,
		LockAt:        now.Add(d.BettingWindow),
		CommitHash:    commit.CommitHash,
		ServerSeed:    commit.ServerSeed,
	}

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		active, err := tx.ActiveRounds(ctx, key)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			return fmt.Errorf("%w: round %s is %s for %s", ErrConflict, active[0].ID, active[0].State, key)
		}
		if err := tx.InsertRound(ctx, r); err != nil {
			if errors.Is(err, store.ErrDuplicateActive) {
				return fmt.Errorf("%w: %s", ErrConflict, key)
			}
			return fmt.Errorf("insert round: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.registry.track(r)
	e.metrics.RoundsOpened.WithLabelValues(r.Room, r.GameType).Inc()
	e.metrics.RoundTransitions.WithLabelValues(string(models.RoundOpen)).Inc()
	e.roundLog(r).WithField("lock_at", r.LockAt).Info("round opened")

	e.record(ctx, models.NewRoundEvent(r, broadcast.TypeRoundOpened, now, map[string]interface{}{
		"lockAt":     r.LockAt,
		"commitHash": r.CommitHash,
	}))
	e.hub.Publish(broadcast.RoomTopic(key), broadcast.TypeRoundOpened, e.view(r, now), broadcast.Critical)
	e.publishStats(ctx, r.ID)
	return r.Clone(), nil
}

// Lock moves an OPEN round to LOCKED. Locking a round that is past OPEN is a logged no-op.
func (e *Engine) Lock(ctx context.Context, roundID uuid.UUID) (*models.Round, error) {
	var (
		r       *models.Round
		changed bool
	)
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		r, err = tx.LockRound(ctx, roundID, true)
		if err != nil {
			return err
		}
		if r.State != models.RoundOpen {
			return nil
		}
		r.State = models.RoundLocked
		changed = true
		return tx.UpdateRound(ctx, r)
	})
	if err != nil {
		return nil, fmt.Errorf("lock round %s: %w", roundID, err)
	}
	if !changed {
		e.roundLog(r).Info("lock skipped: round is no longer open")
		return r.Clone(), nil
	}

	now := e.now()
	e.registry.track(r)
	e.metrics.RoundTransitions.WithLabelValues(string(models.RoundLocked)).Inc()
	e.roundLog(r).Info("round locked")
	e.record(ctx, models.NewRoundEvent(r, broadcast.TypeRoundLocked, now, nil))
	e.hub.Publish(broadcast.RoomTopic(r.Key()), broadcast.TypeRoundLocked, e.view(r, now), broadcast.Critical)
	return r.Clone(), nil
}

// Close moves a RESOLVED round to CLOSED after its result has been on display.
func (e *Engine) Close(ctx context.Context, roundID uuid.UUID) (*models.Round, error) {
	var (
		r       *models.Round
		changed bool
	)
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		r, err = tx.LockRound(ctx, roundID, true)
		if err != nil {
			return err
		}
		switch r.State {
		case models.RoundClosed:
			return nil
		case models.RoundResolved:
		default:
			return fmt.Errorf("%w: cannot close a %s round", ErrInvalidState, r.State)
		}
		now := e.now()
		r.State = models.RoundClosed
		r.FinishedAt = &now
		changed = true
		return tx.UpdateRound(ctx, r)
	})
	if err != nil {
		return nil, fmt.Errorf("close round %s: %w", roundID, err)
	}
	if !changed {
		e.roundLog(r).Debug("close skipped: round already closed")
		return r.Clone(), nil
	}

	now := e.now()
	e.registry.track(r)
	e.metrics.RoundTransitions.WithLabelValues(string(models.RoundClosed)).Inc()
	e.roundLog(r).Info("round closed")
	e.record(ctx, models.NewRoundEvent(r, broadcast.TypeRoundClosed, now, nil))
	e.hub.Publish(broadcast.RoomTopic(r.Key()), broadcast.TypeRoundClosed, e.view(r, now), broadcast.Critical)
	return r.Clone(), nil
}

func (e *Engine) record(ctx context.Context, rec models.RoundEventRecord) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(ctx, rec); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"round_id": rec.RoundID,
			"event":    rec.EventType,
		}).Warn("failed to record round event")
	}
}

func (e *Engine) alert(ctx context.Context, kind string, r *models.Round, msg string, fields map[string]any) {
	a := events.Alert{Kind: kind, Message: msg, Fields: fields, At: e.now()}
	if r != nil {
		id := r.ID
		a.RoundID = &id
		a.Room = r.Room
		a.GameType = r.GameType
	}
	if err := e.publisher.PublishAlert(ctx, a); err != nil {
		e.logger.WithError(err).WithField("kind", kind).Error("failed to publish alert")
	}
}

// publishStats sends aggregate statistics for a round to the admin topic. They are computed
// from persisted bets on every call.
func (e *Engine) publishStats(ctx context.Context, roundID uuid.UUID) {
	stats, err := e.Stats(ctx, roundID)
	if err != nil {
		e.logger.WithError(err).WithField("round_id", roundID).Warn("failed to compute round stats")
		return
	}
	e.hub.Publish(broadcast.AdminTopic, broadcast.TypeAdminStats, stats, broadcast.BestEffort)
}

func (e *Engine) publishBalance(playerID uuid.UUID, balance, delta int64, reason string, roundID uuid.UUID) {
	update := BalanceUpdate{PlayerID: playerID, Balance: balance, Delta: delta, Reason: reason}
	if roundID != uuid.Nil {
		id := roundID
		update.RoundID = &id
	}
	e.hub.Publish(broadcast.PlayerTopic(playerID), broadcast.TypeBalance, update, broadcast.Critical)
}
