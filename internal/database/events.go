// internal/database/events.go
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/roundhouse/internal/models"
)

// InsertRoundEvents appends a batch of lifecycle events in one transaction.
func (p *Postgres) InsertRoundEvents(ctx context.Context, recs []models.RoundEventRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range recs {
			payload, err := json.Marshal(rec.Payload)
			if err != nil {
				return fmt.Errorf("encode payload of %s event: %w", rec.EventType, err)
			}
			batch.Queue(`
				INSERT INTO round_events (round_id, room, game_type, event_type, actor_id, payload, occurred_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				rec.RoundID, rec.Room, rec.GameType, rec.EventType, rec.ActorID, payload,
				time.UnixMilli(rec.Timestamp).UTC(),
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// RoundEvents returns the recorded timeline of a round, oldest first.
func (p *Postgres) RoundEvents(ctx context.Context, roundID uuid.UUID) ([]models.RoundEventRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT round_id, room, game_type, event_type, actor_id, payload, occurred_at
		FROM round_events WHERE round_id = $1 ORDER BY occurred_at, id`, roundID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.RoundEventRecord, error) {
		var rec models.RoundEventRecord
		var payload []byte
		var at time.Time
		if err := row.Scan(&rec.RoundID, &rec.Room, &rec.GameType, &rec.EventType, &rec.ActorID, &payload, &at); err != nil {
			return rec, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				return rec, err
			}
		}
		rec.Timestamp = at.UnixMilli()
		return rec, nil
	})
}
