package round

import (
	"errors"

	"github.com/jason-s-yu/roundhouse/internal/ledger"
	"github.com/jason-s-yu/roundhouse/internal/outcome"
	"github.com/jason-s-yu/roundhouse/internal/store"
)

var (
	// ErrConflict means a non-terminal round already exists for the room and game type.
	ErrConflict = errors.New("round conflict: a non-terminal round already exists")
	// ErrRoundClosed means the round no longer accepts the action, usually a bet after the lock instant.
	ErrRoundClosed = errors.New("round closed")
	// ErrInvalidSelection means the wager or advisory category is not part of the game.
	ErrInvalidSelection = errors.New("invalid selection")
	// ErrForbidden means the identity lacks the role the action requires.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidState means the round is not in a state the transition starts from.
	ErrInvalidState = errors.New("invalid round state for transition")
	// ErrLeaseLost means another scheduler took over the room while this one was driving it.
	ErrLeaseLost = errors.New("driving lease lost")
	// ErrNotFound means the round does not exist.
	ErrNotFound = store.ErrNotFound
)

// Errors surfaced from the collaborating packages, re-exported so callers need one import.
var (
	ErrInsufficientFunds  = ledger.ErrInsufficientFunds
	ErrWagerRejected      = ledger.ErrWagerRejected
	ErrAlreadySettling    = ledger.ErrAlreadySettling
	ErrEntropyUnavailable = outcome.ErrEntropyUnavailable
)

// RejectReason maps a bet rejection to a short label for clients and metrics.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrRoundClosed):
		return "round_closed"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrWagerRejected):
		return "wager_rejected"
	case errors.Is(err, ErrInvalidSelection), errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
