package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes settlements and alerts to two topics.
type KafkaPublisher struct {
	settled messageWriter
	alerts  messageWriter
	logger  *logrus.Logger
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
	}
}

// NewKafkaPublisher returns a publisher writing to settledTopic and alertTopic.
func NewKafkaPublisher(brokers []string, settledTopic, alertTopic string, logger *logrus.Logger) *KafkaPublisher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &KafkaPublisher{
		settled: newWriter(brokers, settledTopic),
		alerts:  newWriter(brokers, alertTopic),
		logger:  logger,
	}
}

// PublishSettled is keyed by room/game type so a key's settlements stay ordered.
func (p *KafkaPublisher) PublishSettled(ctx context.Context, e RoundSettled) error {
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(e.Room + "/" + e.GameType),
		Value: value,
		Time:  e.SettledAt,
	}
	if err := p.settled.WriteMessages(ctx, msg); err != nil {
		p.logger.WithError(err).WithField("round_id", e.RoundID).Error("failed to publish settlement")
		return err
	}
	p.logger.WithField("round_id", e.RoundID).Debug("published settlement")
	return nil
}

func (p *KafkaPublisher) PublishAlert(ctx context.Context, a Alert) error {
	value, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := p.alerts.WriteMessages(ctx, kafka.Message{Key: []byte(a.Kind), Value: value, Time: a.At}); err != nil {
		p.logger.WithError(err).WithField("kind", a.Kind).Error("failed to publish alert")
		return err
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	err := p.settled.Close()
	if aerr := p.alerts.Close(); err == nil {
		err = aerr
	}
	return err
}
