package round

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/broadcast"
	"github.com/jason-s-yu/roundhouse/internal/config"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Tick is the best-effort countdown event. RemainingMs is always computed on the server.
type Tick struct {
	RoundID     uuid.UUID `json:"roundId"`
	RemainingMs int64     `json:"remainingMs"`
	LockAt      time.Time `json:"lockAt"`
	ServerTime  time.Time `json:"serverTime"`
}

// Scheduler is the single timer authority: one goroutine per configured room drives rounds
// through their lifecycle back to back. A room is only driven while this scheduler holds its
// lease, so several processes can run the same room list.
type Scheduler struct {
	engine   *Engine
	rooms    []config.RoomConfig
	tick     time.Duration
	leases   Leases
	leaseTTL time.Duration
	logger   *logrus.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLeases makes the scheduler compete for room keys through l. Without it the scheduler
// assumes it is the only one and uses a private in-process table.
func WithLeases(l Leases, ttl time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.leases = l
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

// NewScheduler returns a scheduler for rooms emitting a countdown tick every tick.
func NewScheduler(e *Engine, rooms []config.RoomConfig, tick time.Duration, opts ...SchedulerOption) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	s := &Scheduler{engine: e, rooms: rooms, tick: tick, leaseTTL: DefaultLeaseTTL, logger: e.logger}
	for _, o := range opts {
		o(s)
	}
	if s.leases == nil {
		s.leases = NewMemoryLeases(e.clock)
	}
	return s
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, rc := range s.rooms {
		rc := rc
		g.Go(func() error {
			s.runRoom(ctx, rc)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) runRoom(ctx context.Context, rc config.RoomConfig) {
	key := rc.Key()
	log := s.logger.WithFields(logrus.Fields{"room": rc.Room, "game_type": rc.GameType})
	log.Info("scheduler started")
	defer log.Info("scheduler stopped")
	defer s.release(key, log)

	d := Durations{BettingWindow: rc.BettingWindow, ResultDisplay: rc.ResultDisplay}
	leader := false
	for ctx.Err() == nil {
		held, err := s.leases.Acquire(ctx, key, s.leaseTTL)
		if err != nil || !held {
			if err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("failed to acquire driving lease")
			}
			if leader {
				log.Warn("driving lease lost")
				leader = false
			}
			_ = s.sleep(ctx, s.tick)
			continue
		}
		if !leader {
			log.Info("driving lease acquired")
			leader = true
		}
		if err := s.cycle(ctx, key, d); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("round cycle interrupted, retrying")
			_ = s.sleep(ctx, s.tick)
		}
	}
}

// cycle opens or adopts one round of key and drives it to a terminal state, renewing the
// lease as it goes. Losing the lease cancels the drive.
func (s *Scheduler) cycle(ctx context.Context, key models.RoundKey, d Durations) error {
	ctx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.renew(ctx, key, cancel)
	}()
	defer wg.Wait()
	defer cancel(nil)

	r, err := s.engine.Open(ctx, key, d)
	if errors.Is(err, ErrConflict) {
		r, err = s.adopt(ctx, key)
	}
	if err == nil {
		err = s.Drive(ctx, r)
	}
	if cause := context.Cause(ctx); errors.Is(cause, ErrLeaseLost) {
		return cause
	}
	return err
}

// renew keeps the lease on key alive until ctx ends, cancelling with ErrLeaseLost if it
// cannot be renewed.
func (s *Scheduler) renew(ctx context.Context, key models.RoundKey, cancel context.CancelCauseFunc) {
	every := s.leaseTTL / 3
	for s.sleep(ctx, every) == nil {
		held, err := s.leases.Acquire(ctx, key, s.leaseTTL)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			cancel(fmt.Errorf("%w: %w", ErrLeaseLost, err))
			return
		}
		if !held {
			cancel(ErrLeaseLost)
			return
		}
	}
}

func (s *Scheduler) release(key models.RoundKey, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.leases.Release(ctx, key); err != nil {
		log.WithError(err).Warn("failed to release driving lease")
	}
}

// adopt picks up the single non-terminal round of key left by an earlier process.
func (s *Scheduler) adopt(ctx context.Context, key models.RoundKey) (*models.Round, error) {
	active, err := s.engine.store.ActiveRounds(ctx, key)
	if err != nil {
		return nil, err
	}
	switch len(active) {
	case 0:
		return nil, fmt.Errorf("no active round to adopt for %s", key)
	case 1:
	default:
		return nil, fmt.Errorf("%w: %d non-terminal rounds for %s", ErrConflict, len(active), key)
	}
	r := active[0]
	s.engine.registry.track(r)
	s.engine.roundLog(r).Info("adopted existing round")
	return r, nil
}

// Drive advances r from its persisted state until it is CLOSED or ABORTED.
func (s *Scheduler) Drive(ctx context.Context, r *models.Round) error {
	for {
		var err error
		switch r.State {
		case models.RoundOpen:
			if err := s.countdown(ctx, r); err != nil {
				return err
			}
			r, err = s.engine.Lock(ctx, r.ID)
		case models.RoundLocked:
			var res *Resolution
			res, err = s.engine.Resolve(ctx, r.ID)
			if errors.Is(err, ErrEntropyUnavailable) {
				return nil
			}
			if err == nil {
				r = res.Round
			}
		case models.RoundResolved:
			until := s.engine.clock.Now().Add(r.ResultDisplay)
			if r.ResolvedAt != nil {
				until = r.ResolvedAt.Add(r.ResultDisplay)
			}
			if err := s.sleep(ctx, until.Sub(s.engine.clock.Now())); err != nil {
				return err
			}
			r, err = s.engine.Close(ctx, r.ID)
		default:
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// countdown publishes ticks until the lock instant.
func (s *Scheduler) countdown(ctx context.Context, r *models.Round) error {
	topic := broadcast.RoomTopic(r.Key())
	for {
		now := s.engine.clock.Now()
		remaining := r.TimeRemaining(now)
		if remaining <= 0 {
			return nil
		}
		s.engine.hub.Publish(topic, broadcast.TypeTimerTick, Tick{
			RoundID:     r.ID,
			RemainingMs: remaining.Milliseconds(),
			LockAt:      r.LockAt,
			ServerTime:  now.UTC(),
		}, broadcast.BestEffort)
		if err := s.sleep(ctx, min(s.tick, remaining)); err != nil {
			return err
		}
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	done := make(chan struct{})
	t := s.engine.clock.AfterFunc(d, func() { close(done) })
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
