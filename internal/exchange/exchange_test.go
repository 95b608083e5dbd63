package exchange

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/odyssey-erp/minerp/internal/ledger"
	"github.com/odyssey-erp/minerp/internal/ledger/memstore"
	"github.com/odyssey-erp/minerp/internal/payables"
	"github.com/odyssey-erp/minerp/internal/platform/blob"
	"github.com/odyssey-erp/minerp/internal/runner"
	"github.com/odyssey-erp/minerp/internal/shared"
)

type manualDispatcher struct{}

func (manualDispatcher) Dispatch(context.Context, string) error { return nil }

type fixture struct {
	ctx      context.Context
	store    *memstore.Store
	blobs    *blob.LocalStore
	payables *payables.Service
	audit    *shared.MemoryAuditLog
	svc      *Service
	runner   *runner.Runner
	po       ledger.PurchaseOrder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := shared.ContextWithActor(context.Background(), shared.Actor{ID: 11})
	store := memstore.New()
	blobs, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	audit := shared.NewMemoryAuditLog()
	now := func() time.Time { return time.Date(2025, 5, 2, 8, 0, 0, 0, time.UTC) }
	pay := payables.NewService(store, nil, audit, shared.NewMemoryApprovals(), shared.NewMemoryIdempotency(), nil).WithNow(now)
	svc := NewService(store, blobs, pay, audit, pay, nil).WithNow(now)
	r := runner.New(runner.NewMemoryStore(), manualDispatcher{}, nil, nil)
	svc.Register(r)

	po, err := store.PurchaseOrders().Create(ctx, ledger.PurchaseOrder{Number: "PO-55", VendorID: 4, Status: ledger.POStatusApproved, Currency: "AUD",
		Lines: []ledger.PurchaseOrderLine{{ItemRef: "ROCKBOLT", Quantity: decimal.NewFromInt(500), UnitPrice: decimal.RequireFromString("3.25")}}})
	require.NoError(t, err)
	return &fixture{ctx: ctx, store: store, blobs: blobs, payables: pay, audit: audit, svc: svc, runner: r, po: po}
}

func (f *fixture) run(t *testing.T, kind runner.Kind, params any) runner.Job {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	require.NoError(t, f.svc.ValidateParams(kind, raw))
	job, err := f.runner.Submit(f.ctx, runner.SubmitRequest{Kind: kind, Params: raw, ActorID: 11})
	require.NoError(t, err)
	require.NoError(t, f.runner.Execute(f.ctx, job.ID))
	job, err = f.runner.Poll(f.ctx, job.ID)
	require.NoError(t, err)
	return job
}

const importCSV = `invoice_number,vendor_id,po_id,currency,invoice_date,due_date,tax_amount,description,quantity,unit_price,po_line_id
INV-A,4,%PO%,aud,2025-05-01,2025-05-31,10,rock bolts,100,3.25,%LINE%
INV-B,4,,AUD,2025-05-01,2025-06-30,,site cleanup,1,750,
INV-A,4,,,,,,rock bolt plates,100,0.50,%LINE%
`

func importFile(f *fixture) string {
	out := strings.ReplaceAll(importCSV, "%PO%", strconv.FormatInt(f.po.ID, 10))
	return strings.ReplaceAll(out, "%LINE%", strconv.FormatInt(f.po.Lines[0].ID, 10))
}

func TestParseInvoiceCSVGroupsRows(t *testing.T) {
	f := newFixture(t)
	groups, err := ParseInvoiceCSV(strings.NewReader(importFile(f)))
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, "INV-A", groups[0].Input.Number)
	require.Equal(t, 2, groups[0].Row)
	require.Len(t, groups[0].Input.Lines, 2)
	require.Equal(t, "AUD", groups[0].Input.Currency)
	require.NotNil(t, groups[0].Input.POID)
	require.Nil(t, groups[1].Input.POID)
	require.True(t, groups[0].Input.TaxAmount.Equal(decimal.NewFromInt(10)))
}

func TestParseInvoiceCSVReportsRow(t *testing.T) {
	tests := map[string]struct {
		body string
		want string
	}{
		"missing column": {"invoice_number,vendor_id\n", "row 1: missing column currency"},
		"bad quantity": {"invoice_number,vendor_id,currency,invoice_date,due_date,description,quantity,unit_price\n" +
			"INV-1,4,AUD,2025-05-01,2025-05-31,bolts,ten,1\n", "row 2: quantity"},
		"bad date": {"invoice_number,vendor_id,currency,invoice_date,due_date,description,quantity,unit_price\n" +
			"INV-1,4,AUD,2025-05-01,2025-05-31,bolts,1,1\nINV-2,4,AUD,01/05/2025,2025-05-31,bolts,1,1\n", "row 3: invoice_date"},
		"empty": {"", "row 1: empty file"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseInvoiceCSV(strings.NewReader(tc.body))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestImportJobCreatesInvoices(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.blobs.Put(f.ctx, "imports/may.csv", strings.NewReader(importFile(f)), -1, "text/csv"))

	job := f.run(t, KindCSVImport, ImportParams{ObjectKey: "imports/may.csv"})
	require.Equal(t, runner.StatusCompleted, job.Status, job.Error)
	require.Equal(t, int64(2), job.Processed)
	require.Equal(t, int64(2), job.Total)

	invoices, err := f.payables.ListInvoices(f.ctx, ledger.InvoiceFilter{})
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	require.Equal(t, "INV-A", invoices[0].Number)
	require.Equal(t, "385", invoices[0].Total.String())
	require.Equal(t, int64(11), invoices[0].CreatedBy)
}

func TestImportJobFailureKeepsProgress(t *testing.T) {
	f := newFixture(t)
	body := "invoice_number,vendor_id,currency,invoice_date,due_date,description,quantity,unit_price\n" +
		"INV-1,4,AUD,2025-05-01,2025-05-31,bolts,1,1\n" +
		"INV-2,4,AUD,2025-05-01,2025-04-30,bolts,1,1\n"
	require.NoError(t, f.blobs.Put(f.ctx, "imports/bad.csv", strings.NewReader(body), -1, "text/csv"))

	job := f.run(t, KindCSVImport, ImportParams{ObjectKey: "imports/bad.csv"})
	require.Equal(t, runner.StatusFailed, job.Status)
	require.Contains(t, job.Error, "row 3: invoice INV-2")
	require.Contains(t, job.Error, "due_date")
	require.Equal(t, int64(1), job.Processed)
}

func TestImportJobMissingObject(t *testing.T) {
	f := newFixture(t)
	job := f.run(t, KindCSVImport, ImportParams{ObjectKey: "imports/none.csv"})
	require.Equal(t, runner.StatusFailed, job.Status)
	require.Contains(t, job.Error, "not found")
}

func TestValidateParams(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.svc.ValidateParams(KindCSVImport, json.RawMessage(`{}`)), shared.ErrValidation)
	require.ErrorIs(t, f.svc.ValidateParams(KindCSVExport, json.RawMessage(`{"format":"pdf"}`)), shared.ErrValidation)
	require.ErrorIs(t, f.svc.ValidateParams(KindAuditPackage, json.RawMessage(`{"invoice_id":"x"}`)), shared.ErrValidation)
	require.NoError(t, f.svc.ValidateParams(KindCSVExport, nil))
}

func (f *fixture) seedInvoices(t *testing.T) []ledger.VendorInvoice {
	t.Helper()
	require.NoError(t, f.blobs.Put(f.ctx, "imports/seed.csv", strings.NewReader(importFile(f)), -1, "text/csv"))
	job := f.run(t, KindCSVImport, ImportParams{ObjectKey: "imports/seed.csv"})
	require.Equal(t, runner.StatusCompleted, job.Status, job.Error)
	invoices, err := f.payables.ListInvoices(f.ctx, ledger.InvoiceFilter{})
	require.NoError(t, err)
	return invoices
}

func readBlob(t *testing.T, f *fixture, key string) []byte {
	t.Helper()
	rc, err := f.blobs.Get(f.ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	return body
}

func TestExportCSV(t *testing.T) {
	f := newFixture(t)
	f.seedInvoices(t)

	job := f.run(t, KindCSVExport, ExportParams{Format: FormatCSV, VendorID: 4})
	require.Equal(t, runner.StatusCompleted, job.Status, job.Error)
	require.Equal(t, int64(2), job.Processed)
	require.True(t, strings.HasSuffix(job.OutputRef, ".csv"))

	records, err := csv.NewReader(bytes.NewReader(readBlob(t, f, job.OutputRef))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, exportHeader, records[0])
	require.Equal(t, "INV-A", records[1][1])
	require.Equal(t, "385", records[1][7])
	require.Equal(t, "PENDING", records[1][10])
	require.Equal(t, "385", records[1][17])
}

func TestExportXLSX(t *testing.T) {
	f := newFixture(t)
	f.seedInvoices(t)

	job := f.run(t, KindCSVExport, ExportParams{Format: FormatXLSX, MatchStatus: ledger.MatchPending})
	require.Equal(t, runner.StatusCompleted, job.Status, job.Error)

	book, err := excelize.OpenReader(bytes.NewReader(readBlob(t, f, job.OutputRef)))
	require.NoError(t, err)
	defer book.Close()
	rows, err := book.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "number", rows[0][1])
	require.Equal(t, "INV-B", rows[2][1])
}

func TestAuditPackage(t *testing.T) {
	f := newFixture(t)
	invoices := f.seedInvoices(t)
	inv := invoices[0]

	_, err := f.store.Receipts().Create(f.ctx, ledger.GoodsReceipt{Number: "GRN-1", POID: f.po.ID, Status: ledger.GRNStatusAccepted,
		Items: []ledger.GoodsReceiptItem{{POLineID: f.po.Lines[0].ID, ReceivedQty: decimal.NewFromInt(100), AcceptedQty: decimal.NewFromInt(100)}}})
	require.NoError(t, err)

	job := f.run(t, KindAuditPackage, AuditPackageParams{InvoiceID: inv.ID})
	require.Equal(t, runner.StatusCompleted, job.Status, job.Error)
	require.Equal(t, int64(7), job.Processed)

	body := readBlob(t, f, job.OutputRef)
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	docs := make(map[string][]byte)
	for _, file := range zr.File {
		names = append(names, file.Name)
		rc, err := file.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		docs[file.Name] = data
	}
	require.Equal(t, []string{"manifest.json", "invoice.json", "purchase_order.json", "receipts.json", "payments.json", "audit_trail.json", "approvals.json"}, names)

	var gotInvoice ledger.VendorInvoice
	require.NoError(t, json.Unmarshal(docs["invoice.json"], &gotInvoice))
	require.Equal(t, inv.Number, gotInvoice.Number)
	require.True(t, gotInvoice.Total.Equal(inv.Total))

	var receipts []ledger.GoodsReceipt
	require.NoError(t, json.Unmarshal(docs["receipts.json"], &receipts))
	require.Len(t, receipts, 1)

	var trail []shared.AuditLog
	require.NoError(t, json.Unmarshal(docs["audit_trail.json"], &trail))
	require.NotEmpty(t, trail)
	require.Equal(t, "INVOICE_CREATE", trail[0].Action)
}

func TestAuditPackageUnknownInvoice(t *testing.T) {
	f := newFixture(t)
	job := f.run(t, KindAuditPackage, AuditPackageParams{InvoiceID: 999})
	require.Equal(t, runner.StatusFailed, job.Status)
	require.Contains(t, job.Error, "not found")
}
