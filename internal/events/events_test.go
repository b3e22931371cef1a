package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	logger, _ := test.NewNullLogger()
	settled, alerts := &captureWriter{}, &captureWriter{}
	p := &KafkaPublisher{settled: settled, alerts: alerts, logger: logger}
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 12, 0, 40, 0, time.UTC)

	id := uuid.New()
	require.NoError(t, p.PublishSettled(ctx, RoundSettled{RoundID: id, Room: "main", GameType: "wingo-1m", Outcome: 5, SettledAt: at}))
	require.Len(t, settled.msgs, 1)
	assert.Equal(t, "main/wingo-1m", string(settled.msgs[0].Key))

	var got RoundSettled
	require.NoError(t, json.Unmarshal(settled.msgs[0].Value, &got))
	assert.Equal(t, id, got.RoundID)
	assert.Equal(t, 5, got.Outcome)

	require.NoError(t, p.PublishAlert(ctx, Alert{Kind: AlertReconciliationConflict, Message: "two active rounds", At: at}))
	require.Len(t, alerts.msgs, 1)
	assert.Equal(t, AlertReconciliationConflict, string(alerts.msgs[0].Key))

	require.NoError(t, p.Close())
	assert.True(t, settled.closed)
	assert.True(t, alerts.closed)
}

func TestKafkaPublisherError(t *testing.T) {
	logger, hook := test.NewNullLogger()
	p := &KafkaPublisher{settled: &captureWriter{err: errors.New("broker down")}, alerts: &captureWriter{}, logger: logger}
	err := p.PublishSettled(context.Background(), RoundSettled{RoundID: uuid.New()})
	assert.Error(t, err)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestLogPublisherAlert(t *testing.T) {
	logger, hook := test.NewNullLogger()
	id := uuid.New()
	p := LogPublisher{Logger: logger}
	require.NoError(t, p.PublishAlert(context.Background(), Alert{
		Kind: AlertEntropyUnavailable, RoundID: &id, Message: "entropy unavailable",
		Fields: map[string]any{"attempts": 3},
	}))
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "ALERT: entropy unavailable", entry.Message)
	assert.Equal(t, id, entry.Data["round_id"])
	assert.Equal(t, 3, entry.Data["attempts"])
}
