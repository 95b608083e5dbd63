package api

import (
	"context"
	"net/http"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/minerp/internal/ledger"
	"github.com/odyssey-erp/minerp/internal/payables"
	"github.com/odyssey-erp/minerp/internal/platform/httpx"
	"github.com/odyssey-erp/minerp/internal/shared"
)

const invoiceEntity = "invoice"

func (h *Handler) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	ctx, _, ok := h.authorize(w, r, shared.PermInvoiceCreate)
	if !ok {
		return
	}
	var req payables.CreateInvoiceInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, "create invoice", err)
		return
	}
	inv, err := h.invoices.CreateInvoice(ctx, req)
	if err != nil {
		h.fail(w, r, "create invoice", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newInvoiceResponse(inv))
}

func (h *Handler) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	ctx, _, ok := h.authorize(w, r, shared.PermInvoiceView)
	if !ok {
		return
	}
	q := r.URL.Query()
	vendorID, err := queryInt(r, "vendor_id")
	if err != nil {
		h.fail(w, r, "list invoices", err)
		return
	}
	poID, err := queryInt(r, "po_id")
	if err != nil {
		h.fail(w, r, "list invoices", err)
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	pagination := shared.NewPagination(page, perPage)

	filter := ledger.InvoiceFilter{
		VendorID:      vendorID,
		POID:          poID,
		MatchStatus:   ledger.MatchStatus(q.Get("match_status")),
		PaymentStatus: ledger.PaymentStatus(q.Get("payment_status")),
		Limit:         pagination.Limit(),
		Offset:        pagination.Offset(),
	}
	invoices, err := h.invoices.ListInvoices(ctx, filter)
	if err != nil {
		h.fail(w, r, "list invoices", err)
		return
	}
	invoices = shared.Trim(&pagination, invoices)
	resp := invoiceListResponse{Data: make([]invoiceResponse, 0, len(invoices)), Pagination: pagination}
	for _, inv := range invoices {
		resp.Data = append(resp.Data, newInvoiceResponse(inv))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	ctx, _, ok := h.authorize(w, r, shared.PermInvoiceView)
	if !ok {
		return
	}
	id, err := pathID(r, invoiceEntity)
	if err != nil {
		h.fail(w, r, "get invoice", err)
		return
	}
	inv, err := h.invoices.GetInvoice(ctx, id)
	if err != nil {
		h.fail(w, r, "get invoice", err)
		return
	}
	resp := invoiceDetailResponse{invoiceResponse: newInvoiceResponse(inv)}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		resp.Payments, err = h.invoices.ListPayments(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		resp.Approvals, err = h.invoices.ApprovalHistory(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		h.fail(w, r, "get invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleMatchInvoice(w http.ResponseWriter, r *http.Request) {
	ctx, _, ok := h.authorize(w, r, shared.PermInvoiceMatch)
	if !ok {
		return
	}
	id, err := pathID(r, invoiceEntity)
	if err != nil {
		h.fail(w, r, "match invoice", err)
		return
	}
	var req matchRequest
	if err := h.decodeOptional(r, invoiceEntity, &req); err != nil {
		h.fail(w, r, "match invoice", err)
		return
	}
	inv, err := h.matcher.MatchInvoice(ctx, id, req.TolerancePercent)
	if err != nil {
		h.fail(w, r, "match invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newInvoiceResponse(inv))
}

func (h *Handler) handleApproveInvoice(w http.ResponseWriter, r *http.Request) {
	ctx, _, ok := h.authorize(w, r, shared.PermInvoiceApprove)
	if !ok {
		return
	}
	id, err := pathID(r, invoiceEntity)
	if err != nil {
		h.fail(w, r, "approve invoice", err)
		return
	}
	inv, err := h.invoices.ApproveInvoice(ctx, id)
	if err != nil {
		h.fail(w, r, "approve invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newInvoiceResponse(inv))
}

func (h *Handler) handleDisputeInvoice(w http.ResponseWriter, r *http.Request) {
	h.notesAction(w, r, "dispute invoice", h.invoices.DisputeInvoice)
}

func (h *Handler) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	h.notesAction(w, r, "resolve dispute", h.invoices.ResolveDispute)
}

func (h *Handler) notesAction(w http.ResponseWriter, r *http.Request, op string, action func(ctx context.Context, id int64, notes string) (ledger.VendorInvoice, error)) {
	ctx, _, ok := h.authorize(w, r, shared.PermInvoiceDispute)
	if !ok {
		return
	}
	id, err := pathID(r, invoiceEntity)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	var req notesRequest
	if err := h.decode(r, invoiceEntity, &req); err != nil {
		h.fail(w, r, op, err)
		return
	}
	inv, err := action(ctx, id, req.Notes)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newInvoiceResponse(inv))
}

func (h *Handler) handlePayInvoice(w http.ResponseWriter, r *http.Request) {
	ctx, _, ok := h.authorize(w, r, shared.PermPaymentCreate)
	if !ok {
		return
	}
	id, err := pathID(r, invoiceEntity)
	if err != nil {
		h.fail(w, r, "pay invoice", err)
		return
	}
	var req paymentRequest
	if err := h.decode(r, "payment", &req); err != nil {
		h.fail(w, r, "pay invoice", err)
		return
	}
	inv, err := h.invoices.PayInvoice(ctx, req.input(id))
	if err != nil {
		h.fail(w, r, "pay invoice", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newInvoiceResponse(inv))
}

func (h *Handler) handleVoidInvoice(w http.ResponseWriter, r *http.Request) {
	ctx, _, ok := h.authorize(w, r, shared.PermInvoiceVoid)
	if !ok {
		return
	}
	id, err := pathID(r, invoiceEntity)
	if err != nil {
		h.fail(w, r, "void invoice", err)
		return
	}
	var req reasonRequest
	if err := h.decode(r, invoiceEntity, &req); err != nil {
		h.fail(w, r, "void invoice", err)
		return
	}
	inv, err := h.invoices.VoidInvoice(ctx, id, req.Reason)
	if err != nil {
		h.fail(w, r, "void invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newInvoiceResponse(inv))
}
