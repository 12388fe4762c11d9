// Package money converts between decimal currency strings and integer minor
// units, and computes linear mid-cycle proration.
//
// Every amount is an int64 count of minor units (cents). Nothing in this
// package uses floating point.
package money

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount is returned when a decimal string cannot be parsed.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidCycle is returned when a billing cycle has no days.
	ErrInvalidCycle = errors.New("days in cycle must be greater than zero")
)

const minorUnitsPerMajor = 100

// Interval is a plan billing interval.
type Interval string

const (
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// DaysInInterval returns the number of days used for proration in one cycle
// of the given interval. Unknown intervals return 0.
func DaysInInterval(interval Interval) int {
	switch Interval(strings.ToLower(strings.TrimSpace(string(interval)))) {
	case IntervalWeek:
		return 7
	case IntervalMonth:
		return 30
	case IntervalYear:
		return 365
	default:
		return 0
	}
}

// CycleLength returns the wall-clock length of one cycle of interval.
func CycleLength(interval Interval) time.Duration {
	return time.Duration(DaysInInterval(interval)) * 24 * time.Hour
}

// ToCents parses a decimal major-unit string ("99", "99.5", "-12.345") into
// minor units, rounding half away from zero to the nearest cent.
func ToCents(amount string) (int64, error) {
	trimmed := strings.TrimSpace(amount)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	cents := d.Mul(decimal.NewFromInt(minorUnitsPerMajor)).Round(0)
	if !cents.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, amount)
	}
	return cents.IntPart(), nil
}

// FormatCents renders minor units as a fixed two-decimal major-unit string.
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// Prorate returns the signed adjustment owed when a price changes with
// daysRemaining of daysInCycle left: round((new-old) * remaining / cycle).
// Positive values are a debit owed now, negative values are a credit.
// daysRemaining is clamped to [0, daysInCycle].
func Prorate(oldPriceCents, newPriceCents int64, daysRemaining, daysInCycle int) (int64, error) {
	if daysInCycle <= 0 {
		return 0, ErrInvalidCycle
	}
	if daysRemaining < 0 {
		daysRemaining = 0
	}
	if daysRemaining > daysInCycle {
		daysRemaining = daysInCycle
	}
	delta := newPriceCents - oldPriceCents
	return divRoundHalfAway(delta*int64(daysRemaining), int64(daysInCycle)), nil
}

// DaysRemaining counts whole days from now until periodEnd. A partially
// elapsed day counts as remaining; a period already over returns 0.
func DaysRemaining(now, periodEnd time.Time) int {
	if !periodEnd.After(now) {
		return 0
	}
	const day = 24 * time.Hour
	remaining := periodEnd.Sub(now)
	return int((remaining + day - 1) / day)
}

// divRoundHalfAway divides num by den (den > 0), rounding half away from
// zero. Symmetric rounding keeps Prorate(a,b) == -Prorate(b,a).
func divRoundHalfAway(num, den int64) int64 {
	q := num / den
	r := num % den
	if r < 0 {
		r = -r
	}
	if 2*r >= den {
		if num < 0 {
			q--
		} else {
			q++
		}
	}
	return q
}
