package round

import (
	"context"

	"github.com/google/uuid"
)

// AdjustWallet applies a deposit (positive) or withdrawal (negative) on behalf of the wallet
// collaborator and notifies the player's connections.
func (e *Engine) AdjustWallet(ctx context.Context, playerID uuid.UUID, amount int64, memo string) (int64, error) {
	balance, err := e.ledger.Adjust(ctx, playerID, amount, memo)
	if err != nil {
		return 0, err
	}
	reason := "deposit"
	if amount < 0 {
		reason = "withdrawal"
	}
	e.publishBalance(playerID, balance, amount, reason, uuid.Nil)
	return balance, nil
}
