package matching

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/minerp/internal/ledger"
	"github.com/odyssey-erp/minerp/internal/ledger/memstore"
	"github.com/odyssey-erp/minerp/internal/shared"
)

type matchFixture struct {
	svc   *Service
	store *memstore.Store
	po    ledger.PurchaseOrder
	ctx   context.Context
}

func newMatchFixture(t *testing.T) *matchFixture {
	t.Helper()
	store := memstore.New()
	ctx := shared.ContextWithActor(context.Background(), shared.Actor{ID: 5})
	po, err := store.PurchaseOrders().Create(ctx, ledger.PurchaseOrder{Number: "PO-7", VendorID: 2, Status: ledger.POStatusApproved, Currency: "USD",
		Lines: []ledger.PurchaseOrderLine{{ItemRef: "SHOTCRETE", Quantity: d("100"), UnitPrice: d("10.00")}}})
	require.NoError(t, err)
	at := time.Date(2025, 8, 4, 10, 0, 0, 0, time.UTC)
	svc := NewService(store, nil, shared.NewMemoryAuditLog(), nil).WithNow(func() time.Time { return at })
	return &matchFixture{svc: svc, store: store, po: po, ctx: ctx}
}

func (f *matchFixture) invoice(t *testing.T, price string) ledger.VendorInvoice {
	t.Helper()
	poLine := f.po.Lines[0].ID
	inv, err := f.store.Invoices().Create(f.ctx, ledger.VendorInvoice{
		Number: "INV-7", VendorID: 2, POID: &f.po.ID, Currency: "USD", Total: d(price).Mul(d("100")),
		MatchStatus: ledger.MatchPending, PaymentStatus: ledger.PaymentPending,
		Items: []ledger.VendorInvoiceItem{{Description: "shotcrete", Quantity: d("100"), UnitPrice: d(price), TotalPrice: d(price).Mul(d("100")), POLineID: &poLine}},
	})
	require.NoError(t, err)
	return inv
}

func TestMatchInvoiceWritesResult(t *testing.T) {
	f := newMatchFixture(t)
	inv := f.invoice(t, "10.20")

	got, err := f.svc.MatchInvoice(f.ctx, inv.ID, nil)
	require.NoError(t, err)
	require.Equal(t, ledger.MatchMatched, got.MatchStatus)
	require.Equal(t, "2", got.PriceVariance.String())
	require.NotNil(t, got.MatchedAt)

	stored, err := f.store.Invoices().Get(f.ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.MatchMatched, stored.MatchStatus)
	require.Equal(t, "2", stored.Items[0].PriceVariancePct.String())

	tight := decimal.RequireFromString("1.5")
	got, err = f.svc.MatchInvoice(f.ctx, inv.ID, &tight)
	require.NoError(t, err)
	require.Equal(t, ledger.MatchDiscrepancy, got.MatchStatus)
	require.Contains(t, got.DiscrepancyNotes, "exceeds tolerance 1.5%")
}

func TestMatchInvoiceThreeWayWithFinalizedReceipts(t *testing.T) {
	f := newMatchFixture(t)
	inv := f.invoice(t, "10.00")
	lineID := f.po.Lines[0].ID

	_, err := f.store.Receipts().Create(f.ctx, ledger.GoodsReceipt{POID: f.po.ID, Status: ledger.GRNStatusPartiallyAccepted,
		Items: []ledger.GoodsReceiptItem{{POLineID: lineID, ReceivedQty: d("60"), AcceptedQty: d("50"), RejectedQty: d("10")}}})
	require.NoError(t, err)
	_, err = f.store.Receipts().Create(f.ctx, ledger.GoodsReceipt{POID: f.po.ID, Status: ledger.GRNStatusInspecting,
		Items: []ledger.GoodsReceiptItem{{POLineID: lineID, ReceivedQty: d("50")}}})
	require.NoError(t, err)

	got, err := f.svc.MatchInvoice(f.ctx, inv.ID, nil)
	require.NoError(t, err)
	require.Equal(t, ledger.MatchDiscrepancy, got.MatchStatus)
	require.Equal(t, "100", got.QuantityVariance.String())

	_, err = f.store.Receipts().Create(f.ctx, ledger.GoodsReceipt{POID: f.po.ID, Status: ledger.GRNStatusAccepted,
		Items: []ledger.GoodsReceiptItem{{POLineID: lineID, ReceivedQty: d("50"), AcceptedQty: d("50")}}})
	require.NoError(t, err)

	got, err = f.svc.MatchInvoice(f.ctx, inv.ID, nil)
	require.NoError(t, err)
	require.Equal(t, ledger.MatchMatched, got.MatchStatus)
}

func TestMatchInvoiceRejections(t *testing.T) {
	f := newMatchFixture(t)
	inv := f.invoice(t, "10.00")

	negative := decimal.NewFromInt(-1)
	_, err := f.svc.MatchInvoice(f.ctx, inv.ID, &negative)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.MatchInvoice(f.ctx, 404, nil)
	require.ErrorIs(t, err, shared.ErrNotFound)

	inv.Voided = true
	require.NoError(t, f.store.Invoices().Update(f.ctx, inv))
	_, err = f.svc.MatchInvoice(f.ctx, inv.ID, nil)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}
