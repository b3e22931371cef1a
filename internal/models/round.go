// internal/models/round.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// RoundState is the lifecycle state of a Round.
type RoundState string

const (
	RoundOpen     RoundState = "OPEN"
	RoundLocked   RoundState = "LOCKED"
	RoundResolved RoundState = "RESOLVED"
	RoundClosed   RoundState = "CLOSED"
	RoundAborted  RoundState = "ABORTED"
)

// NonTerminalStates lists every state a round can still leave.
var NonTerminalStates = []RoundState{RoundOpen, RoundLocked, RoundResolved}

// IsTerminal reports whether no further transition is possible.
func (s RoundState) IsTerminal() bool {
	return s == RoundClosed || s == RoundAborted
}

// CanTransition reports whether s -> to is a legal step. Forward steps never skip a state,
// and only OPEN or LOCKED rounds may be aborted.
func (s RoundState) CanTransition(to RoundState) bool {
	switch s {
	case RoundOpen:
		return to == RoundLocked || to == RoundAborted
	case RoundLocked:
		return to == RoundResolved || to == RoundAborted
	case RoundResolved:
		return to == RoundClosed
	}
	return false
}

// RoundKey identifies one recurring table of rounds.
type RoundKey struct {
	Room     string `json:"room"`
	GameType string `json:"gameType"`
}

func (k RoundKey) String() string {
	return k.Room + "/" + k.GameType
}

// Round is one betting period for a room and game type. Rows are never deleted.
type Round struct {
	ID            uuid.UUID     `json:"id"`
	Room          string        `json:"room"`
	GameType      string        `json:"gameType"`
	State         RoundState    `json:"state"`
	CreatedAt     time.Time     `json:"createdAt"`
	BettingWindow time.Duration `json:"bettingWindow"`
	ResultDisplay time.Duration `json:"resultDisplay"`
	LockAt        time.Time     `json:"lockAt"`

	// CommitHash is sha256(ServerSeed), published when the round opens.
	CommitHash string `json:"commitHash"`
	// ServerSeed stays private until the round is terminal.
	ServerSeed string `json:"-"`

	OutcomeNumber *int     `json:"outcomeNumber,omitempty"`
	OutcomeColors []Color  `json:"outcomeColors,omitempty"`
	Entropy       string   `json:"-"`
	Nonce         uint64   `json:"-"`
	AuditProof    string   `json:"auditProof,omitempty"`
	Weights       []uint32 `json:"weights,omitempty"`

	AdvisoryCategory string     `json:"advisoryCategory,omitempty"`
	AdvisoryBy       *uuid.UUID `json:"advisoryBy,omitempty"`

	NeedsReconcile bool       `json:"needsReconcile"`
	AbortReason    string     `json:"abortReason,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

// Key returns the (room, game type) pair of the round.
func (r *Round) Key() RoundKey {
	return RoundKey{Room: r.Room, GameType: r.GameType}
}

// HasOutcome reports whether an outcome has been committed.
func (r *Round) HasOutcome() bool {
	return r.OutcomeNumber != nil
}

// TimeRemaining is the authoritative countdown, never negative.
func (r *Round) TimeRemaining(now time.Time) time.Duration {
	if r.State != RoundOpen {
		return 0
	}
	if d := r.LockAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// AcceptsBetsAt reports whether a bet stamped at now falls strictly inside the betting window.
func (r *Round) AcceptsBetsAt(now time.Time) bool {
	return r.State == RoundOpen && now.Before(r.LockAt)
}

// Clone returns a deep copy.
func (r *Round) Clone() *Round {
	c := *r
	if r.OutcomeNumber != nil {
		n := *r.OutcomeNumber
		c.OutcomeNumber = &n
	}
	c.OutcomeColors = append([]Color(nil), r.OutcomeColors...)
	c.Weights = append([]uint32(nil), r.Weights...)
	if r.AdvisoryBy != nil {
		id := *r.AdvisoryBy
		c.AdvisoryBy = &id
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// RevealedSeed returns the server seed once the round can no longer change, otherwise "".
func (r *Round) RevealedSeed() string {
	if r.State.IsTerminal() || r.State == RoundResolved {
		return r.ServerSeed
	}
	return ""
}
