package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentDiff(t *testing.T) {
	got, ok := PercentDiff(decimal.RequireFromString("10.20"), decimal.RequireFromString("10.00"))
	require.True(t, ok)
	assert.True(t, got.Equal(decimal.NewFromInt(2)), got.String())

	_, ok = PercentDiff(decimal.NewFromInt(5), decimal.Zero)
	assert.False(t, ok)
}

func TestWithinEpsilon(t *testing.T) {
	assert.True(t, WithinEpsilon(decimal.RequireFromString("100.0000000001"), decimal.NewFromInt(100)))
	assert.False(t, WithinEpsilon(decimal.RequireFromString("100.00001"), decimal.NewFromInt(100)))
}

func TestDerivePaymentStatus(t *testing.T) {
	due := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	before := due.Add(-24 * time.Hour)
	after := due.Add(24 * time.Hour)
	total := decimal.NewFromInt(1000)

	tests := []struct {
		name string
		paid decimal.Decimal
		now  time.Time
		want PaymentStatus
	}{
		{"nothing paid", decimal.Zero, before, PaymentPending},
		{"partially paid", decimal.NewFromInt(400), before, PaymentPartial},
		{"fully paid", total, before, PaymentPaid},
		{"fully paid late", total, after, PaymentPaid},
		{"unpaid past due", decimal.Zero, after, PaymentOverdue},
		{"partial past due", decimal.NewFromInt(400), after, PaymentOverdue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DerivePaymentStatus(total, tt.paid, due, tt.now))
		})
	}
}

func TestBalanceNeverNegative(t *testing.T) {
	inv := VendorInvoice{Total: decimal.NewFromInt(100), PaidAmount: decimal.NewFromInt(40)}
	assert.True(t, inv.Balance().Equal(decimal.NewFromInt(60)))

	inv.PaidAmount = decimal.NewFromInt(120)
	assert.True(t, inv.Balance().IsZero())
}

func TestGRNStatusHelpers(t *testing.T) {
	assert.False(t, GRNStatusInspecting.IsTerminal())
	assert.True(t, GRNStatusPartiallyAccepted.IsTerminal())
	assert.False(t, GRNStatus("DRAFT").IsValid())
	assert.True(t, MatchPartial.Approvable())
	assert.False(t, MatchDiscrepancy.Approvable())
}
