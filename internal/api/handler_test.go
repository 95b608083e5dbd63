package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/minerp/internal/acceptance"
	"github.com/odyssey-erp/minerp/internal/ledger"
	"github.com/odyssey-erp/minerp/internal/ledger/memstore"
	"github.com/odyssey-erp/minerp/internal/matching"
	"github.com/odyssey-erp/minerp/internal/payables"
	"github.com/odyssey-erp/minerp/internal/runner"
	"github.com/odyssey-erp/minerp/internal/shared"
)

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, string) error { return nil }

type apiFixture struct {
	t      *testing.T
	router http.Handler
	store  *memstore.Store
	po     ledger.PurchaseOrder
}

func newAPIFixture(t *testing.T, params ParamsValidator) *apiFixture {
	t.Helper()
	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := memstore.New()
	audit := shared.NewMemoryAuditLog()
	jobs := runner.New(runner.NewMemoryStore(), noopDispatcher{}, nil, nil).WithNow(clock)
	jobs.Register("noop", func(context.Context, runner.Job, *runner.Progress) (string, error) { return "", nil })

	h := NewHandler(Deps{
		Receipts: acceptance.NewService(store, nil, audit, nil).WithNow(clock),
		Matcher:  matching.NewService(store, nil, audit, nil).WithNow(clock),
		Invoices: payables.NewService(store, nil, audit, shared.NewMemoryApprovals(), shared.NewMemoryIdempotency(), nil).WithNow(clock),
		Jobs:     jobs,
		Params:   params,
	})
	r := chi.NewRouter()
	r.Route("/api", h.MountRoutes)

	po, err := store.PurchaseOrders().Create(context.Background(), ledger.PurchaseOrder{Number: "PO-2025-0100", VendorID: 3, Status: ledger.POStatusApproved, Currency: "USD",
		Lines: []ledger.PurchaseOrderLine{{ItemRef: "DRILL-BIT-45", Quantity: decimal.NewFromInt(100), UnitPrice: decimal.RequireFromString("10.00")}}})
	require.NoError(t, err)
	return &apiFixture{t: t, router: r, store: store, po: po}
}

func (f *apiFixture) do(method, path string, body any, perms ...string) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(f.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderActorID, "42")
	if len(perms) == 0 {
		perms = shared.ReconciliationScopes()
	}
	req.Header.Set(HeaderActorPermissions, strings.Join(perms, ","))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func idOf(t *testing.T, body map[string]any) int64 {
	t.Helper()
	id, ok := body["id"].(float64)
	require.True(t, ok, "missing id in %v", body)
	return int64(id)
}

func (f *apiFixture) acceptedReceipt(accepted, rejected string) map[string]any {
	t := f.t
	rr := f.do(http.MethodPost, "/api/grns", map[string]any{
		"po_id": f.po.ID,
		"lines": []map[string]any{{"po_line_id": f.po.Lines[0].ID, "received_qty": "100"}},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	grn := decodeBody(t, rr)
	grnID := idOf(t, grn)
	itemID := int64(grn["items"].([]any)[0].(map[string]any)["id"].(float64))

	rr = f.do(http.MethodPost, fmt.Sprintf("/api/grns/%d/inspections", grnID), map[string]any{"result": "PASS", "quality_score": "95"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Equal(t, "INSPECTING", decodeBody(t, rr)["status"])

	rr = f.do(http.MethodPost, fmt.Sprintf("/api/grns/%d/accept", grnID), map[string]any{
		"lines": []map[string]any{{"item_id": itemID, "accepted_qty": accepted, "rejected_qty": rejected}},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return decodeBody(t, rr)
}

func (f *apiFixture) createInvoice(qty, price string) int64 {
	rr := f.do(http.MethodPost, "/api/invoices", map[string]any{
		"number":       "INV-881",
		"vendor_id":    3,
		"po_id":        f.po.ID,
		"currency":     "USD",
		"invoice_date": "2025-06-10T00:00:00Z",
		"due_date":     "2025-07-10T00:00:00Z",
		"lines":        []map[string]any{{"description": "drill bits 45mm", "quantity": qty, "unit_price": price, "po_line_id": f.po.Lines[0].ID}},
	})
	require.Equal(f.t, http.StatusCreated, rr.Code, rr.Body.String())
	return idOf(f.t, decodeBody(f.t, rr))
}

func TestReconciliationFlowOverHTTP(t *testing.T) {
	f := newAPIFixture(t, nil)
	grn := f.acceptedReceipt("100", "0")
	require.Equal(t, "ACCEPTED", grn["status"])

	invID := f.createInvoice("100", "10.00")
	base := fmt.Sprintf("/api/invoices/%d", invID)

	rr := f.do(http.MethodPost, base+"/payments", map[string]any{"amount": "100", "method": "EFT"})
	require.Equal(t, http.StatusPreconditionFailed, rr.Code, rr.Body.String())

	rr = f.do(http.MethodPost, base+"/match", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "MATCHED", decodeBody(t, rr)["match_status"])

	rr = f.do(http.MethodPost, base+"/approve", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, true, decodeBody(t, rr)["approved_for_payment"])

	rr = f.do(http.MethodPost, base+"/payments", map[string]any{"amount": "600", "method": "EFT", "reference": "EFT-1"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	body := decodeBody(t, rr)
	require.Equal(t, "PARTIAL", body["payment_status"])
	require.Equal(t, "400", body["balance"])

	rr = f.do(http.MethodPost, base+"/payments", map[string]any{"amount": "500", "method": "EFT", "reference": "EFT-2"})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())
	problem := decodeBody(t, rr)
	require.Equal(t, "400", problem["balance"])
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	rr = f.do(http.MethodPost, base+"/payments", map[string]any{"amount": "400", "method": "EFT", "reference": "EFT-2"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Equal(t, "PAID", decodeBody(t, rr)["payment_status"])

	rr = f.do(http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body = decodeBody(t, rr)
	require.Equal(t, "0", body["balance"])
	require.Len(t, body["payments"], 2)
	require.Len(t, body["approvals"], 1)

	rr = f.do(http.MethodPost, base+"/dispute", map[string]any{"notes": "short shipped"})
	require.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())
}

func TestDiscrepancyBlocksApproval(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.acceptedReceipt("90", "10")
	invID := f.createInvoice("100", "10.00")
	base := fmt.Sprintf("/api/invoices/%d", invID)

	rr := f.do(http.MethodPost, base+"/match", map[string]any{"tolerance_percent": "2"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "DISCREPANCY", decodeBody(t, rr)["match_status"])

	rr = f.do(http.MethodPost, base+"/approve", nil)
	require.Equal(t, http.StatusPreconditionFailed, rr.Code)

	rr = f.do(http.MethodPost, base+"/match", map[string]any{"tolerance_percent": "15"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "MATCHED", decodeBody(t, rr)["match_status"])
}

func TestReceiptErrors(t *testing.T) {
	f := newAPIFixture(t, nil)
	grn := f.acceptedReceipt("100", "0")
	grnID := idOf(t, grn)
	itemID := int64(grn["items"].([]any)[0].(map[string]any)["id"].(float64))

	rr := f.do(http.MethodPost, fmt.Sprintf("/api/grns/%d/accept", grnID), map[string]any{
		"lines": []map[string]any{{"item_id": itemID, "accepted_qty": "100", "rejected_qty": "0"}},
	})
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(http.MethodPost, fmt.Sprintf("/api/grns/%d/reject", grnID), map[string]any{"reason": "damaged"})
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(http.MethodGet, "/api/grns/999", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(http.MethodGet, "/api/grns/abc", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "id", decodeBody(t, rr)["field"])

	rr = f.do(http.MethodPost, "/api/grns", map[string]any{"po_id": f.po.ID, "lines": []map[string]any{}})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "lines", decodeBody(t, rr)["field"])

	rr = f.do(http.MethodPost, "/api/grns", `{"po_id":`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(http.MethodPost, fmt.Sprintf("/api/grns/%d/inspections", grnID), map[string]any{"result": "MAYBE"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAcceptLineMismatchNamesLine(t *testing.T) {
	f := newAPIFixture(t, nil)
	rr := f.do(http.MethodPost, "/api/grns", map[string]any{
		"po_id": f.po.ID,
		"lines": []map[string]any{{"po_line_id": f.po.Lines[0].ID, "received_qty": "100"}},
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	grn := decodeBody(t, rr)
	itemID := int64(grn["items"].([]any)[0].(map[string]any)["id"].(float64))

	rr = f.do(http.MethodPost, fmt.Sprintf("/api/grns/%d/accept", idOf(t, grn)), map[string]any{
		"lines": []map[string]any{{"item_id": itemID, "accepted_qty": "80", "rejected_qty": "10"}},
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	problem := decodeBody(t, rr)
	require.EqualValues(t, 1, problem["line"])
}

func TestAuthorization(t *testing.T) {
	f := newAPIFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/invoices", nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(http.MethodGet, "/api/invoices", nil, shared.PermReceiptView)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(http.MethodGet, "/api/invoices", nil, shared.PermInvoiceView)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestListInvoicesPaginates(t *testing.T) {
	f := newAPIFixture(t, nil)
	for i := 0; i < 3; i++ {
		f.createInvoice("10", "10.00")
	}

	rr := f.do(http.MethodGet, "/api/invoices?per_page=2&vendor_id=3", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	require.Len(t, body["data"], 2)
	pagination := body["pagination"].(map[string]any)
	require.Equal(t, true, pagination["has_more"])

	rr = f.do(http.MethodGet, "/api/invoices?per_page=2&page=2", nil)
	body = decodeBody(t, rr)
	require.Len(t, body["data"], 1)
	require.Equal(t, false, body["pagination"].(map[string]any)["has_more"])

	rr = f.do(http.MethodGet, "/api/invoices?vendor_id=x", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestVoidInvoice(t *testing.T) {
	f := newAPIFixture(t, nil)
	invID := f.createInvoice("100", "10.00")
	base := "/api/invoices/" + strconv.FormatInt(invID, 10)

	rr := f.do(http.MethodPost, base+"/void", map[string]any{"reason": "duplicate submission"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, true, decodeBody(t, rr)["voided"])

	rr = f.do(http.MethodPost, base+"/match", nil)
	require.Equal(t, http.StatusConflict, rr.Code)
}

type rejectingParams struct{}

func (rejectingParams) ValidateParams(kind runner.Kind, _ json.RawMessage) error {
	if kind == "noop" {
		return nil
	}
	return shared.Validation(string(kind), 0, 0, "params", "rejected")
}

func TestJobEndpoints(t *testing.T) {
	f := newAPIFixture(t, rejectingParams{})

	rr := f.do(http.MethodPost, "/api/jobs", map[string]any{"kind": "noop", "params": map[string]any{"x": 1}})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	job := decodeBody(t, rr)
	id := job["id"].(string)
	require.Equal(t, "PENDING", job["status"])
	require.Equal(t, "/api/jobs/"+id, rr.Header().Get("Location"))

	rr = f.do(http.MethodGet, "/api/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.EqualValues(t, 42, decodeBody(t, rr)["actor_id"])

	rr = f.do(http.MethodPost, "/api/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "CANCELLED", decodeBody(t, rr)["status"])

	rr = f.do(http.MethodPost, "/api/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusPreconditionFailed, rr.Code)

	rr = f.do(http.MethodPost, "/api/jobs", map[string]any{"kind": "csv_export"})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(http.MethodPost, "/api/jobs", map[string]any{"params": map[string]any{}})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(http.MethodGet, "/api/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHeaderAuthorizer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderActorID, "7")
	req.Header.Set(HeaderActorName, "inspector")
	req.Header.Set(HeaderActorPermissions, " procurement.grn.inspect , jobs.view")

	actor, err := HeaderAuthorizer{}.Authorize(req, shared.PermReceiptInspect)
	require.NoError(t, err)
	require.Equal(t, int64(7), actor.ID)
	require.Equal(t, []string{shared.PermReceiptInspect, shared.PermJobView}, actor.Permissions)

	req.Header.Set(HeaderActorID, "-1")
	_, err = HeaderAuthorizer{}.Authorize(req, shared.PermReceiptInspect)
	require.Error(t, err)
}
