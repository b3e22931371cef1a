package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrWagerRejected wraps every denial from a WagerPolicy.
var ErrWagerRejected = errors.New("wager rejected")

// WagerPolicy is the hook point for limit and responsible-gambling rules. A non-nil error denies.
type WagerPolicy interface {
	ValidateWager(ctx context.Context, playerID uuid.UUID, amount int64) error
	ValidateSessionLimits(ctx context.Context, playerID uuid.UUID) error
}

// AllowAll accepts every wager.
type AllowAll struct{}

func (AllowAll) ValidateWager(context.Context, uuid.UUID, int64) error  { return nil }
func (AllowAll) ValidateSessionLimits(context.Context, uuid.UUID) error { return nil }

// Limits enforces configured per-wager bounds and delegates session checks to Next.
type Limits struct {
	Min  int64
	Max  int64
	Next WagerPolicy
}

func (l Limits) ValidateWager(ctx context.Context, playerID uuid.UUID, amount int64) error {
	if amount < l.Min {
		return fmt.Errorf("wager %d below minimum %d", amount, l.Min)
	}
	if l.Max > 0 && amount > l.Max {
		return fmt.Errorf("wager %d above maximum %d", amount, l.Max)
	}
	if l.Next != nil {
		return l.Next.ValidateWager(ctx, playerID, amount)
	}
	return nil
}

func (l Limits) ValidateSessionLimits(ctx context.Context, playerID uuid.UUID) error {
	if l.Next != nil {
		return l.Next.ValidateSessionLimits(ctx, playerID)
	}
	return nil
}
