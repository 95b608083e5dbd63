// Package api exposes the reconciliation operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/minerp/internal/acceptance"
	"github.com/odyssey-erp/minerp/internal/ledger"
	"github.com/odyssey-erp/minerp/internal/payables"
	"github.com/odyssey-erp/minerp/internal/platform/httpx"
	"github.com/odyssey-erp/minerp/internal/runner"
	"github.com/odyssey-erp/minerp/internal/shared"
)

// ReceiptService is the acceptance surface used by the handler.
type ReceiptService interface {
	GetReceipt(ctx context.Context, id int64) (ledger.GoodsReceipt, error)
	CreateReceipt(ctx context.Context, input acceptance.CreateReceiptInput) (ledger.GoodsReceipt, error)
	RecordInspection(ctx context.Context, grnID int64, input acceptance.InspectionInput) (ledger.GoodsReceipt, error)
	AcceptLines(ctx context.Context, grnID int64, decisions []acceptance.LineDecision) (ledger.GoodsReceipt, error)
	RejectAll(ctx context.Context, grnID int64, reason string) (ledger.GoodsReceipt, error)
}

// MatchService runs invoice matching.
type MatchService interface {
	MatchInvoice(ctx context.Context, invoiceID int64, tolerance *decimal.Decimal) (ledger.VendorInvoice, error)
}

// InvoiceService is the approval and payment surface used by the handler.
type InvoiceService interface {
	CreateInvoice(ctx context.Context, input payables.CreateInvoiceInput) (ledger.VendorInvoice, error)
	GetInvoice(ctx context.Context, id int64) (ledger.VendorInvoice, error)
	ListInvoices(ctx context.Context, filter ledger.InvoiceFilter) ([]ledger.VendorInvoice, error)
	ListPayments(ctx context.Context, invoiceID int64) ([]ledger.Payment, error)
	ApprovalHistory(ctx context.Context, invoiceID int64) ([]shared.ApprovalLog, error)
	ApproveInvoice(ctx context.Context, id int64) (ledger.VendorInvoice, error)
	DisputeInvoice(ctx context.Context, id int64, notes string) (ledger.VendorInvoice, error)
	ResolveDispute(ctx context.Context, id int64, notes string) (ledger.VendorInvoice, error)
	PayInvoice(ctx context.Context, input payables.PayInput) (ledger.VendorInvoice, error)
	VoidInvoice(ctx context.Context, id int64, reason string) (ledger.VendorInvoice, error)
}

// JobService submits and tracks background jobs.
type JobService interface {
	Submit(ctx context.Context, req runner.SubmitRequest) (runner.Job, error)
	Poll(ctx context.Context, id string) (runner.Job, error)
	Cancel(ctx context.Context, id string) (runner.Job, error)
}

// ParamsValidator checks job parameters before submission.
type ParamsValidator interface {
	ValidateParams(kind runner.Kind, raw json.RawMessage) error
}

// Deps groups the collaborators of Handler. Params is optional.
type Deps struct {
	Logger     *slog.Logger
	Receipts   ReceiptService
	Matcher    MatchService
	Invoices   InvoiceService
	Jobs       JobService
	Params     ParamsValidator
	Authorizer Authorizer
}

// Handler serves the reconciliation API.
type Handler struct {
	logger     *slog.Logger
	receipts   ReceiptService
	matcher    MatchService
	invoices   InvoiceService
	jobs       JobService
	params     ParamsValidator
	authorizer Authorizer
	validate   *validator.Validate
}

// NewHandler builds a Handler. A nil Authorizer falls back to HeaderAuthorizer.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authorizer := deps.Authorizer
	if authorizer == nil {
		authorizer = HeaderAuthorizer{}
	}
	return &Handler{
		logger:     logger,
		receipts:   deps.Receipts,
		matcher:    deps.Matcher,
		invoices:   deps.Invoices,
		jobs:       deps.Jobs,
		params:     deps.Params,
		authorizer: authorizer,
		validate:   shared.NewValidator(),
	}
}

// authorize checks permission and returns the request context carrying the actor. On failure
// the response is written and ok is false.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, permission string) (context.Context, shared.Actor, bool) {
	actor, err := h.authorizer.Authorize(r, permission)
	if err != nil {
		h.logger.Warn("request not authorized", slog.String("path", r.URL.Path), slog.String("permission", permission), slog.Any("error", err))
		httpx.RespondError(w, err)
		return nil, shared.Actor{}, false
	}
	return shared.ContextWithActor(r.Context(), actor), actor, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, _ := httpx.StatusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op, slog.String("path", r.URL.Path), slog.Any("error", err))
	} else {
		h.logger.Debug(op, slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(r *http.Request, entity string, dst any) error {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		return err
	}
	return shared.ValidateStruct(h.validate, entity, dst)
}

// decodeOptional is decode for endpoints whose body may be empty.
func (h *Handler) decodeOptional(r *http.Request, entity string, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return shared.ValidateStruct(h.validate, entity, dst)
	}
	return h.decode(r, entity, dst)
}

func pathID(r *http.Request, entity string) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &shared.RuleError{Kind: shared.ErrValidation, Entity: entity, Field: "id", Rule: "must be a positive integer", Detail: raw}
	}
	return id, nil
}

func queryInt(r *http.Request, key string) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, &shared.RuleError{Kind: shared.ErrValidation, Entity: "query", Field: key, Rule: "must be a non-negative integer", Detail: raw}
	}
	return v, nil
}
