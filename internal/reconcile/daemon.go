// Package reconcile repairs what crashes and failed settlements leave behind. Every repair
// goes through the ledger or the round engine, so it is atomic, produces transactions and is
// safe to run next to live traffic.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jason-s-yu/roundhouse/internal/clock"
	"github.com/jason-s-yu/roundhouse/internal/events"
	"github.com/jason-s-yu/roundhouse/internal/ledger"
	"github.com/jason-s-yu/roundhouse/internal/metrics"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/jason-s-yu/roundhouse/internal/round"
	"github.com/jason-s-yu/roundhouse/internal/store"
	"github.com/sirupsen/logrus"
)

// ErrReconciliationConflict marks a finding that cannot be repaired safely and needs an operator.
var ErrReconciliationConflict = errors.New("reconciliation conflict: manual review required")

// Report counts what one pass did.
type Report struct {
	Conflicts   []models.RoundKey `json:"conflicts,omitempty"`
	Resolved    int               `json:"resolved"`
	Aborted     int               `json:"aborted"`
	Closed      int               `json:"closed"`
	Repaired    int               `json:"repaired"`
	Refunded    int               `json:"refunded"`
	Corrected   int               `json:"corrected"`
	Compensated int               `json:"compensated"`
}

// Changes is the number of repairs made, excluding escalations.
func (r *Report) Changes() int {
	return r.Resolved + r.Aborted + r.Closed + r.Repaired + r.Refunded + r.Corrected + r.Compensated
}

// Daemon runs reconciliation passes on an interval.
type Daemon struct {
	store     store.Store
	engine    *round.Engine
	ledger    *ledger.Ledger
	publisher events.Publisher
	clock     clock.Clock
	logger    *logrus.Logger
	metrics   *metrics.Metrics

	interval time.Duration
	grace    time.Duration
}

// Option customizes a Daemon.
type Option func(*Daemon)

func WithClock(c clock.Clock) Option          { return func(d *Daemon) { d.clock = c } }
func WithLogger(l *logrus.Logger) Option      { return func(d *Daemon) { d.logger = l } }
func WithMetrics(m *metrics.Metrics) Option   { return func(d *Daemon) { d.metrics = m } }
func WithPublisher(p events.Publisher) Option { return func(d *Daemon) { d.publisher = p } }

// New returns a daemon. Rounds are only considered stuck once grace has passed beyond the
// point they should have moved on.
func New(st store.Store, e *round.Engine, interval, grace time.Duration, opts ...Option) *Daemon {
	d := &Daemon{
		store:    st,
		engine:   e,
		ledger:   e.Ledger(),
		clock:    e.Clock(),
		logger:   logrus.StandardLogger(),
		interval: interval,
		grace:    grace,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.NewTest()
	}
	if d.publisher == nil {
		d.publisher = events.LogPublisher{Logger: d.logger}
	}
	return d
}

// Run reconciles every interval until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	d.logger.WithFields(logrus.Fields{"interval": d.interval, "grace": d.grace}).Info("reconciler started")

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("reconciler stopped")
			return nil
		case <-ticker.C:
			report, err := d.RunOnce(ctx)
			if err != nil {
				d.logger.WithError(err).Error("reconciliation pass finished with errors")
			}
			if report.Changes() > 0 || len(report.Conflicts) > 0 {
				d.logger.WithFields(logrus.Fields{
					"resolved":    report.Resolved,
					"aborted":     report.Aborted,
					"closed":      report.Closed,
					"repaired":    report.Repaired,
					"refunded":    report.Refunded,
					"corrected":   report.Corrected,
					"compensated": report.Compensated,
					"conflicts":   len(report.Conflicts),
				}).Info("reconciliation pass")
			}
		}
	}
}

// RunOnce performs one pass. Individual failures do not stop the pass; they are joined into
// the returned error alongside a complete report.
func (d *Daemon) RunOnce(ctx context.Context) (*Report, error) {
	d.metrics.ReconcileRuns.Inc()
	report := &Report{}
	var errs []error

	if err := d.stuckRounds(ctx, report); err != nil {
		errs = append(errs, err)
	}
	if err := d.missingPayouts(ctx, report); err != nil {
		errs = append(errs, err)
	}
	if err := d.missingRefunds(ctx, report); err != nil {
		errs = append(errs, err)
	}
	if err := d.balanceDrift(ctx, report); err != nil {
		errs = append(errs, err)
	}
	if err := d.orphans(ctx, report); err != nil {
		errs = append(errs, err)
	}
	return report, errors.Join(errs...)
}

func (d *Daemon) repaired(kind string, n int) {
	if n > 0 {
		d.metrics.ReconcileRepairs.WithLabelValues(kind).Add(float64(n))
	}
}

// stuckRounds escalates keys with several non-terminal rounds and moves single stuck rounds on.
func (d *Daemon) stuckRounds(ctx context.Context, report *Report) error {
	rounds, err := d.store.RoundsInStates(ctx, models.RoundOpen, models.RoundLocked, models.RoundResolved)
	if err != nil {
		return fmt.Errorf("scan non-terminal rounds: %w", err)
	}
	byKey := make(map[models.RoundKey][]*models.Round)
	for _, r := range rounds {
		byKey[r.Key()] = append(byKey[r.Key()], r)
	}
	keys := make([]models.RoundKey, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	now := d.clock.Now()
	var errs []error
	for _, key := range keys {
		rs := byKey[key]
		if len(rs) > 1 {
			d.escalate(ctx, key, rs)
			report.Conflicts = append(report.Conflicts, key)
			continue
		}
		for _, r := range rs {
			if err := d.unstick(ctx, r, now, report); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (d *Daemon) unstick(ctx context.Context, r *models.Round, now time.Time, report *Report) error {
	log := d.logger.WithFields(logrus.Fields{"round_id": r.ID, "room": r.Room, "game_type": r.GameType, "state": r.State})
	var err error
	switch r.State {
	case models.RoundOpen:
		if now.Sub(r.LockAt) <= d.grace {
			return nil
		}
		log.Warn("round left open past its lock instant, voiding")
		if _, err = d.engine.AbortIfState(ctx, r.ID, "round expired while open", models.RoundOpen); err == nil {
			report.Aborted++
			d.repaired("abort", 1)
		}
	case models.RoundLocked:
		if !r.NeedsReconcile && now.Sub(r.LockAt) <= d.grace {
			return nil
		}
		if r.HasOutcome() {
			log.Warn("round stuck locked with a committed outcome, resolving")
			if _, err = d.engine.Resolve(ctx, r.ID); err == nil {
				report.Resolved++
				d.repaired("resolve", 1)
			}
		} else {
			log.Warn("round stuck locked without an outcome, voiding")
			if _, err = d.engine.AbortIfState(ctx, r.ID, "settlement never completed", models.RoundLocked); err == nil {
				report.Aborted++
				d.repaired("abort", 1)
			}
		}
	case models.RoundResolved:
		since := r.LockAt
		if r.ResolvedAt != nil {
			since = *r.ResolvedAt
		}
		if now.Sub(since.Add(r.ResultDisplay)) <= d.grace {
			return nil
		}
		log.Warn("resolved round never closed, closing")
		if _, err = d.engine.Close(ctx, r.ID); err == nil {
			report.Closed++
			d.repaired("close", 1)
		}
	}
	switch {
	case errors.Is(err, ledger.ErrAlreadySettling):
		log.Debug("round is being settled elsewhere, skipping")
		return nil
	case errors.Is(err, ledger.ErrStateChanged), errors.Is(err, ledger.ErrOutcomeCommitted):
		log.WithError(err).Info("round moved on since it was read, leaving it for the next pass")
		return nil
	}
	return err
}

func (d *Daemon) escalate(ctx context.Context, key models.RoundKey, rs []*models.Round) {
	d.metrics.ReconcileEscalations.Inc()
	ids := make([]string, 0, len(rs))
	for _, r := range rs {
		ids = append(ids, fmt.Sprintf("%s:%s", r.ID, r.State))
	}
	d.logger.WithError(ErrReconciliationConflict).WithFields(logrus.Fields{
		"room":      key.Room,
		"game_type": key.GameType,
		"rounds":    ids,
	}).Error("several non-terminal rounds for one key")
	err := d.publisher.PublishAlert(ctx, events.Alert{
		Kind:     events.AlertReconciliationConflict,
		Room:     key.Room,
		GameType: key.GameType,
		Message:  fmt.Sprintf("%d non-terminal rounds for %s", len(rs), key),
		Fields:   map[string]any{"rounds": ids},
		At:       d.clock.Now().UTC(),
	})
	if err != nil {
		d.logger.WithError(err).Error("failed to publish reconciliation alert")
	}
}

func (d *Daemon) missingPayouts(ctx context.Context, report *Report) error {
	ids, err := d.store.RoundsMissingPayouts(ctx)
	if err != nil {
		return fmt.Errorf("scan missing payouts: %w", err)
	}
	var errs []error
	for _, id := range ids {
		res, err := d.ledger.RepairRound(ctx, id)
		if errors.Is(err, ledger.ErrAlreadySettling) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		report.Repaired += len(res.Payouts)
		d.repaired("payout", len(res.Payouts))
	}
	return errors.Join(errs...)
}

func (d *Daemon) missingRefunds(ctx context.Context, report *Report) error {
	ids, err := d.store.AbortedRoundsMissingRefunds(ctx)
	if err != nil {
		return fmt.Errorf("scan missing refunds: %w", err)
	}
	var errs []error
	for _, id := range ids {
		res, err := d.engine.Abort(ctx, id, "")
		if errors.Is(err, ledger.ErrAlreadySettling) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		report.Refunded += len(res.Refunds)
		d.repaired("refund", len(res.Refunds))
	}
	return errors.Join(errs...)
}

func (d *Daemon) balanceDrift(ctx context.Context, report *Report) error {
	drifts, err := d.store.BalanceDrifts(ctx)
	if err != nil {
		return fmt.Errorf("scan balance drift: %w", err)
	}
	var errs []error
	for _, drift := range drifts {
		c, err := d.ledger.CorrectBalance(ctx, drift.PlayerID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if c != nil {
			report.Corrected++
			d.repaired("correction", 1)
		}
	}
	return errors.Join(errs...)
}

func (d *Daemon) orphans(ctx context.Context, report *Report) error {
	debits, err := d.store.OrphanDebits(ctx)
	if err != nil {
		return fmt.Errorf("scan orphan debits: %w", err)
	}
	var errs []error
	for _, tx := range debits {
		ok, err := d.ledger.CompensateOrphan(ctx, tx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			report.Compensated++
			d.repaired("orphan", 1)
		}
	}
	return errors.Join(errs...)
}
