package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/minerp/internal/ledger"
	"github.com/odyssey-erp/minerp/internal/shared"
)

func TestWithTxRollsBackOnError(t *testing.T) {
	store := New()
	ctx := context.Background()

	po, err := store.PurchaseOrders().Create(ctx, ledger.PurchaseOrder{Number: "PO-1", Status: ledger.POStatusApproved, Currency: "USD",
		Lines: []ledger.PurchaseOrderLine{{ItemRef: "DRILL-BIT", Quantity: decimal.NewFromInt(10), UnitPrice: decimal.NewFromInt(5)}}})
	require.NoError(t, err)
	require.NotZero(t, po.Lines[0].ID)
	require.Equal(t, "USD", po.Lines[0].Currency)

	boom := errors.New("boom")
	err = store.WithTx(ctx, func(ctx context.Context, tx ledger.Repositories) error {
		_, err := tx.Receipts().Create(ctx, ledger.GoodsReceipt{POID: po.ID, Status: ledger.GRNStatusPendingInspection,
			Items: []ledger.GoodsReceiptItem{{POLineID: po.Lines[0].ID, ReceivedQty: decimal.NewFromInt(10)}}})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	list, err := store.Receipts().ListByPO(ctx, po.ID)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestWithTxCommitsAndIsolatesCopies(t *testing.T) {
	now := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	store := New().WithNow(func() time.Time { return now })
	ctx := context.Background()

	var grnID int64
	err := store.WithTx(ctx, func(ctx context.Context, tx ledger.Repositories) error {
		grn, err := tx.Receipts().Create(ctx, ledger.GoodsReceipt{POID: 1, Status: ledger.GRNStatusPendingInspection,
			Items: []ledger.GoodsReceiptItem{{POLineID: 2, ReceivedQty: decimal.NewFromInt(4)}}})
		grnID = grn.ID
		return err
	})
	require.NoError(t, err)

	grn, err := store.Receipts().Get(ctx, grnID)
	require.NoError(t, err)
	require.Equal(t, now, grn.CreatedAt)

	grn.Items[0].AcceptedQty = decimal.NewFromInt(4)
	again, err := store.Receipts().Get(ctx, grnID)
	require.NoError(t, err)
	require.True(t, again.Items[0].AcceptedQty.IsZero())

	item := grn.Items[0]
	item.AcceptedQty = decimal.NewFromInt(3)
	item.RejectedQty = decimal.NewFromInt(1)
	require.NoError(t, store.Receipts().UpdateItems(ctx, []ledger.GoodsReceiptItem{item}))
	again, err = store.Receipts().Get(ctx, grnID)
	require.NoError(t, err)
	require.True(t, again.Items[0].Reconciles())
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := New()
	_, err := store.Invoices().Get(context.Background(), 42)
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = store.Receipts().Get(context.Background(), 42)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestInvoiceListingAndOverdueCandidates(t *testing.T) {
	store := New()
	ctx := context.Background()
	due := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)

	for i, status := range []ledger.PaymentStatus{ledger.PaymentPending, ledger.PaymentPaid, ledger.PaymentPartial, ledger.PaymentOverdue} {
		_, err := store.Invoices().Create(ctx, ledger.VendorInvoice{
			Number:        "INV-" + string(rune('A'+i)),
			VendorID:      int64(i%2 + 1),
			Total:         decimal.NewFromInt(100),
			DueDate:       due,
			MatchStatus:   ledger.MatchPending,
			PaymentStatus: status,
			Items:         []ledger.VendorInvoiceItem{{Description: "x", Quantity: decimal.NewFromInt(1)}},
		})
		require.NoError(t, err)
	}

	vendorOne, err := store.Invoices().List(ctx, ledger.InvoiceFilter{VendorID: 1})
	require.NoError(t, err)
	require.Len(t, vendorOne, 2)
	require.Equal(t, 1, vendorOne[0].Items[0].LineNo)

	paged, err := store.Invoices().List(ctx, ledger.InvoiceFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	require.Equal(t, "INV-B", paged[0].Number)

	candidates, err := store.Invoices().ListOverdueCandidates(ctx, due.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	none, err := store.Invoices().ListOverdueCandidates(ctx, due)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestPaymentReferenceLookup(t *testing.T) {
	store := New()
	ctx := context.Background()
	inv, err := store.Invoices().Create(ctx, ledger.VendorInvoice{Number: "INV-1", Total: decimal.NewFromInt(10)})
	require.NoError(t, err)

	_, err = store.Payments().Create(ctx, ledger.Payment{InvoiceID: inv.ID, Amount: decimal.NewFromInt(4), Method: "TRANSFER", Reference: "TRX-1"})
	require.NoError(t, err)

	exists, err := store.Payments().ReferenceExists(ctx, inv.ID, "TRX-1")
	require.NoError(t, err)
	require.True(t, exists)
	exists, err = store.Payments().ReferenceExists(ctx, inv.ID, "TRX-2")
	require.NoError(t, err)
	require.False(t, exists)

	_, err = store.Payments().Create(ctx, ledger.Payment{InvoiceID: 999, Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestWithTxSerializesTransactions(t *testing.T) {
	store := New()
	ctx := context.Background()

	holding := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- store.WithTx(ctx, func(ctx context.Context, tx ledger.Repositories) error {
			_, err := tx.PurchaseOrders().Create(ctx, ledger.PurchaseOrder{Number: "PO-A", Status: ledger.POStatusApproved, Currency: "USD"})
			close(holding)
			<-release
			return err
		})
	}()
	<-holding

	secondStarted := make(chan struct{})
	secondDone := make(chan error, 1)
	go func() {
		secondDone <- store.WithTx(ctx, func(ctx context.Context, tx ledger.Repositories) error {
			close(secondStarted)
			_, err := tx.Invoices().Create(ctx, ledger.VendorInvoice{Number: "INV-B", Currency: "USD"})
			return err
		})
	}()

	select {
	case <-secondStarted:
		t.Fatal("unrelated transaction ran while another was open")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)

	invoices, err := store.Invoices().List(ctx, ledger.InvoiceFilter{})
	require.NoError(t, err)
	require.Len(t, invoices, 1)
}
