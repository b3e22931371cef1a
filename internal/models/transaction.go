package models

import (
	"time"

	"github.com/google/uuid"
)

// TxKind classifies a ledger entry.
type TxKind string

const (
	TxBetDebit     TxKind = "bet_debit"
	TxPayoutCredit TxKind = "payout_credit"
	TxRefundCredit TxKind = "refund_credit"
	TxAdjustment   TxKind = "adjustment"
	TxCorrection   TxKind = "correction"
)

// Transaction is an immutable ledger entry. Amount is signed, in minor units.
type Transaction struct {
	ID        uuid.UUID  `json:"id"`
	PlayerID  uuid.UUID  `json:"playerId"`
	Amount    int64      `json:"amount"`
	Kind      TxKind     `json:"kind"`
	CreatedAt time.Time  `json:"createdAt"`
	RoundID   *uuid.UUID `json:"roundId,omitempty"`
	BetID     *uuid.UUID `json:"betId,omitempty"`
	Memo      string     `json:"memo,omitempty"`
}

// UniquePerBet reports whether at most one transaction of this kind may exist per bet.
func (k TxKind) UniquePerBet() bool {
	return k == TxBetDebit || k == TxPayoutCredit || k == TxRefundCredit
}

// TxFilter narrows a transaction query. Zero fields are ignored, so a zero Limit returns
// every match.
type TxFilter struct {
	PlayerID *uuid.UUID
	RoundID  *uuid.UUID
	Kind     TxKind
	Limit    int
}

// BalanceDrift is a player whose stored balance disagrees with their transaction sum.
type BalanceDrift struct {
	PlayerID uuid.UUID `json:"playerId"`
	Balance  int64     `json:"balance"`
	TxSum    int64     `json:"txSum"`
}
