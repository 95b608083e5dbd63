package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// QtyEpsilon is the tolerance for quantity reconciliation.
var QtyEpsilon = decimal.New(1, -9)

var hundred = decimal.NewFromInt(100)

// WithinEpsilon reports whether a and b differ by at most QtyEpsilon.
func WithinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(QtyEpsilon)
}

// PercentDiff returns |actual - expected| / expected * 100. The second result is false when
// expected is zero and no comparison is possible.
func PercentDiff(actual, expected decimal.Decimal) (decimal.Decimal, bool) {
	if expected.IsZero() {
		return decimal.Zero, false
	}
	return actual.Sub(expected).Abs().DivRound(expected.Abs(), 16).Mul(hundred), true
}

// MaxDecimal returns the larger of a and b.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// DerivePaymentStatus computes payment status from the paid amount. OVERDUE takes precedence
// over PARTIAL once the due date has passed.
func DerivePaymentStatus(total, paid decimal.Decimal, due, now time.Time) PaymentStatus {
	switch {
	case paid.GreaterThanOrEqual(total) && total.IsPositive():
		return PaymentPaid
	case !due.IsZero() && now.After(due):
		return PaymentOverdue
	case paid.IsPositive():
		return PaymentPartial
	default:
		return PaymentPending
	}
}
