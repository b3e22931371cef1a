// Package events publishes settlement records and operator alerts to downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/models"
)

// Alert kinds.
const (
	AlertReconciliationConflict = "reconciliation_conflict"
	AlertEntropyUnavailable     = "entropy_unavailable"
	AlertSettlementFailed       = "settlement_failed"
)

// RoundSettled is emitted once per successfully settled round.
type RoundSettled struct {
	RoundID      uuid.UUID      `json:"roundId"`
	Room         string         `json:"room"`
	GameType     string         `json:"gameType"`
	Outcome      int            `json:"outcome"`
	Colors       []models.Color `json:"colors"`
	CommitHash   string         `json:"commitHash"`
	AuditProof   string         `json:"auditProof"`
	TotalWagered int64          `json:"totalWagered"`
	TotalPaid    int64          `json:"totalPaid"`
	Winners      int            `json:"winners"`
	SettledAt    time.Time      `json:"settledAt"`
}

// Alert asks an operator to look at something automatic repair will not touch.
type Alert struct {
	Kind     string         `json:"kind"`
	RoundID  *uuid.UUID     `json:"roundId,omitempty"`
	Room     string         `json:"room,omitempty"`
	GameType string         `json:"gameType,omitempty"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
	At       time.Time      `json:"at"`
}

// Publisher delivers events downstream.
type Publisher interface {
	PublishSettled(ctx context.Context, e RoundSettled) error
	PublishAlert(ctx context.Context, a Alert) error
	Close() error
}
