package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundStateTransitions(t *testing.T) {
	assert.True(t, RoundOpen.CanTransition(RoundLocked))
	assert.True(t, RoundLocked.CanTransition(RoundResolved))
	assert.True(t, RoundResolved.CanTransition(RoundClosed))
	assert.True(t, RoundOpen.CanTransition(RoundAborted))
	assert.True(t, RoundLocked.CanTransition(RoundAborted))

	assert.False(t, RoundOpen.CanTransition(RoundResolved), "no skipping")
	assert.False(t, RoundLocked.CanTransition(RoundOpen), "no going back")
	assert.False(t, RoundResolved.CanTransition(RoundAborted))
	assert.False(t, RoundClosed.CanTransition(RoundOpen))
	assert.False(t, RoundAborted.CanTransition(RoundOpen))

	assert.True(t, RoundClosed.IsTerminal())
	assert.True(t, RoundAborted.IsTerminal())
	assert.False(t, RoundResolved.IsTerminal())
}

func TestRoundWindow(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	r := &Round{State: RoundOpen, CreatedAt: t0, LockAt: t0.Add(40 * time.Second)}

	assert.True(t, r.AcceptsBetsAt(t0.Add(39*time.Second)))
	assert.False(t, r.AcceptsBetsAt(t0.Add(40*time.Second)), "lock instant itself is closed")
	assert.False(t, r.AcceptsBetsAt(t0.Add(41*time.Second)))

	assert.Equal(t, 15*time.Second, r.TimeRemaining(t0.Add(25*time.Second)))
	assert.Equal(t, time.Duration(0), r.TimeRemaining(t0.Add(45*time.Second)))

	r.State = RoundLocked
	assert.False(t, r.AcceptsBetsAt(t0))
}

func TestColorsAndSelections(t *testing.T) {
	assert.Equal(t, []Color{Red, Violet}, ColorsFor(0))
	assert.Equal(t, []Color{Green, Violet}, ColorsFor(5))
	assert.Equal(t, []Color{Red}, ColorsFor(4))
	assert.Equal(t, []Color{Green}, ColorsFor(7))

	for _, s := range []string{"red", "green", "violet", "0", "9"} {
		_, err := ParseSelection(s)
		require.NoError(t, err, s)
	}
	for _, s := range []string{"", "blue", "10", "-1", "RED"} {
		_, err := ParseSelection(s)
		require.Error(t, err, s)
	}

	assert.True(t, Selection("violet").Covers(0))
	assert.False(t, Selection("violet").Covers(3))
	assert.True(t, Selection("3").Covers(3))
	assert.False(t, Selection("3").Covers(4))
}

func TestPayoutTable(t *testing.T) {
	p := DefaultPayoutTable()

	tests := []struct {
		sel    Selection
		n      int
		amount int64
		want   int64
	}{
		{"red", 2, 100, 200},
		{"red", 0, 100, 150},
		{"red", 3, 100, 0},
		{"green", 5, 100, 150},
		{"green", 9, 100, 200},
		{"violet", 0, 100, 450},
		{"violet", 5, 100, 450},
		{"violet", 6, 100, 0},
		{"7", 7, 100, 900},
		{"7", 8, 100, 0},
		{"red", 2, 0, 0},
		{"red", 0, 3, 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Payout(tt.sel, tt.n, tt.amount), "%s on %d", tt.sel, tt.n)
	}
}
