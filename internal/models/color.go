package models

import (
	"fmt"
	"strconv"
)

// Color is a wager/outcome category.
type Color string

const (
	Red    Color = "red"
	Green  Color = "green"
	Violet Color = "violet"
)

// OutcomeCount is the size of the outcome space (numbers 0..9).
const OutcomeCount = 10

// ColorsFor maps an outcome number to its colors.
func ColorsFor(n int) []Color {
	switch {
	case n == 0:
		return []Color{Red, Violet}
	case n == 5:
		return []Color{Green, Violet}
	case n%2 == 0:
		return []Color{Red}
	default:
		return []Color{Green}
	}
}

// HasColor reports whether outcome n carries color c.
func HasColor(n int, c Color) bool {
	for _, col := range ColorsFor(n) {
		if col == c {
			return true
		}
	}
	return false
}

// Selection is what a bet wagers on: a color name or a single digit.
type Selection string

// ParseSelection validates s.
func ParseSelection(s string) (Selection, error) {
	switch Color(s) {
	case Red, Green, Violet:
		return Selection(s), nil
	}
	if n, err := strconv.Atoi(s); err == nil && len(s) == 1 && n >= 0 && n < OutcomeCount {
		return Selection(s), nil
	}
	return "", fmt.Errorf("invalid selection %q", s)
}

// Number returns the digit for number selections.
func (s Selection) Number() (int, bool) {
	if len(s) != 1 {
		return 0, false
	}
	n, err := strconv.Atoi(string(s))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Color returns the color for color selections.
func (s Selection) Color() (Color, bool) {
	switch Color(s) {
	case Red, Green, Violet:
		return Color(s), true
	}
	return "", false
}

// Covers reports whether an outcome of n wins the selection.
func (s Selection) Covers(n int) bool {
	if num, ok := s.Number(); ok {
		return num == n
	}
	if c, ok := s.Color(); ok {
		return HasColor(n, c)
	}
	return false
}
