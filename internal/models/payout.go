package models

// BasisPoints expresses a multiplier, 10000 = 1x.
type BasisPoints int64

// PayoutTable holds the return multipliers for each kind of selection.
type PayoutTable struct {
	Color  BasisPoints `json:"color"`
	Split  BasisPoints `json:"split"` // red/green when the outcome is also violet
	Violet BasisPoints `json:"violet"`
	Number BasisPoints `json:"number"`
}

// DefaultPayoutTable returns 2x colors, 1.5x split colors, 4.5x violet and 9x numbers.
func DefaultPayoutTable() PayoutTable {
	return PayoutTable{Color: 20000, Split: 15000, Violet: 45000, Number: 90000}
}

// Payout is the amount credited for a wager on sel of amount when the outcome is n.
// Losing wagers pay zero. Results round down to the minor unit.
func (p PayoutTable) Payout(sel Selection, n int, amount int64) int64 {
	if amount <= 0 || !sel.Covers(n) {
		return 0
	}
	var m BasisPoints
	if _, ok := sel.Number(); ok {
		m = p.Number
	} else {
		c, _ := sel.Color()
		switch {
		case c == Violet:
			m = p.Violet
		case HasColor(n, Violet):
			m = p.Split
		default:
			m = p.Color
		}
	}
	return amount * int64(m) / 10000
}
