package ledger

import "github.com/shopspring/decimal"

// Epsilon is the tolerance used for all monetary comparisons: 0.01 currency units.
var Epsilon = decimal.New(1, -2)

// WithinEpsilon reports whether a and b differ by at most Epsilon.
func WithinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}

// ExceedsWithTolerance reports whether a is greater than limit by more than Epsilon.
func ExceedsWithTolerance(a, limit decimal.Decimal) bool {
	return a.Sub(limit).GreaterThan(Epsilon)
}

// IsOpen reports whether a balance is still considered outstanding.
// Fully settled documents carry a balance within Epsilon of zero.
func IsOpen(balance decimal.Decimal) bool {
	return balance.GreaterThan(Epsilon)
}
