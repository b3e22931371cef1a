package events

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogPublisher writes events to the log. It is used when no brokers are configured.
type LogPublisher struct {
	Logger *logrus.Logger
}

func (p LogPublisher) log() *logrus.Logger {
	if p.Logger == nil {
		return logrus.StandardLogger()
	}
	return p.Logger
}

func (p LogPublisher) PublishSettled(_ context.Context, e RoundSettled) error {
	p.log().WithFields(logrus.Fields{
		"round_id": e.RoundID,
		"outcome":  e.Outcome,
		"wagered":  e.TotalWagered,
		"paid":     e.TotalPaid,
	}).Debug("round settled event")
	return nil
}

func (p LogPublisher) PublishAlert(_ context.Context, a Alert) error {
	entry := p.log().WithFields(logrus.Fields{"kind": a.Kind, "room": a.Room, "game_type": a.GameType})
	if a.RoundID != nil {
		entry = entry.WithField("round_id", *a.RoundID)
	}
	for k, v := range a.Fields {
		entry = entry.WithField(k, v)
	}
	entry.Error("ALERT: " + a.Message)
	return nil
}

func (LogPublisher) Close() error { return nil }
