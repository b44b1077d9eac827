// Package money provides minor-unit (cents) arithmetic shared by the
// ledger, escrow, and checkout packages. All amounts in the system are
// signed int64 minor units; this package never deals in floats.
package money

import (
	"errors"
	"fmt"
)

// ErrInvalidCurrency indicates a currency code that is not a plausible
// ISO-4217 code (three uppercase ASCII letters).
var ErrInvalidCurrency = errors.New("invalid currency code")

// RoundHalfUpBps multiplies amount by a basis-point rate (1 bps = 0.01%)
// and rounds the result half-up to the nearest minor unit.
//
// Example: RoundHalfUpBps(100000, 290) = 2900 ($29.00 at 2.9% of $1000.00).
func RoundHalfUpBps(amount, bps int64) int64 {
	if amount < 0 {
		// Fees are only computed on non-negative gross amounts; mirror the
		// sign rather than letting integer division round toward zero.
		return -RoundHalfUpBps(-amount, bps)
	}
	return (amount*bps + 5000) / 10000
}

// ValidCurrency reports whether code looks like an ISO-4217 currency code.
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}
	return true
}

// Format renders a minor-unit amount for logs and feeds, e.g. "USD 12.50"
// or "USD -0.05". Two decimal places, which holds for every currency the
// marketplace settles in.
func Format(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s %s%d.%02d", currency, sign, cents/100, cents%100)
}
