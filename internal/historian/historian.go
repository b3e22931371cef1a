// Package historian drains the Redis round-event list and persists it in batches, giving a
// durable timeline of every round next to the ledger.
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Writer persists a batch of events atomically.
type Writer interface {
	InsertRoundEvents(ctx context.Context, recs []models.RoundEventRecord) error
}

// Service encapsulates the Redis + DB logic for capturing round events.
type Service struct {
	rdb        *redis.Client
	writer     Writer
	queue      string
	batchSize  int
	flushDelay time.Duration
	popTimeout time.Duration
	logger     *logrus.Logger

	batchMu sync.Mutex
	batch   []models.RoundEventRecord
}

// New returns a historian popping from queue.
func New(rdb *redis.Client, writer Writer, queue string, batchSize int, flushDelay time.Duration, logger *logrus.Logger) *Service {
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Service{
		rdb:        rdb,
		writer:     writer,
		queue:      queue,
		batchSize:  batchSize,
		flushDelay: flushDelay,
		popTimeout: time.Second,
		logger:     logger,
		batch:      make([]models.RoundEventRecord, 0, batchSize),
	}
}

// Run pops events until ctx is cancelled, flushing whenever the batch fills up and at least
// every flush delay. Whatever is still buffered is flushed on the way out.
func (s *Service) Run(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{"queue": s.queue, "batch_size": s.batchSize}).Info("historian started")
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.flush(flushCtx)
		s.logger.Info("historian stopped")
	}()

	lastFlush := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(lastFlush) >= s.flushDelay {
			s.flush(ctx)
			lastFlush = time.Now()
		}

		// BLPop with a short timeout so that cancellation and the flush delay are honored.
		res, err := s.rdb.BLPop(ctx, s.popTimeout, s.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			s.logger.WithError(err).Error("BLPop failed")
			select {
			case <-ctx.Done():
			case <-time.After(s.popTimeout):
			}
			continue
		}
		// res[0] is the queue name and res[1] the payload.
		if len(res) < 2 {
			continue
		}
		if s.Handle(ctx, []byte(res[1])) {
			lastFlush = time.Now()
		}
	}
}

// Handle decodes one queued payload into the batch. It reports whether the batch was flushed.
// Malformed payloads are logged and dropped.
func (s *Service) Handle(ctx context.Context, payload []byte) bool {
	var rec models.RoundEventRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		s.logger.WithError(err).Warn("invalid round event record")
		return false
	}

	s.batchMu.Lock()
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= s.batchSize
	s.batchMu.Unlock()

	if full {
		s.flush(ctx)
	}
	return full
}

// flush writes the current batch in a single transaction. A failed batch is put back in
// front of newer events and retried on the next flush.
func (s *Service) flush(ctx context.Context) {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	pending := make([]models.RoundEventRecord, len(s.batch))
	copy(pending, s.batch)
	s.batch = s.batch[:0]
	s.batchMu.Unlock()

	if err := s.writer.InsertRoundEvents(ctx, pending); err != nil {
		s.logger.WithError(err).WithField("events", len(pending)).Error("failed to flush round events")
		s.batchMu.Lock()
		s.batch = append(pending, s.batch...)
		s.batchMu.Unlock()
		return
	}
	s.logger.WithField("events", len(pending)).Debug("flushed round events")
}

// Pending returns the number of buffered events.
func (s *Service) Pending() int {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	return len(s.batch)
}
