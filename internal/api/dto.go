package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/minerp/internal/acceptance"
	"github.com/odyssey-erp/minerp/internal/ledger"
	"github.com/odyssey-erp/minerp/internal/payables"
	"github.com/odyssey-erp/minerp/internal/runner"
	"github.com/odyssey-erp/minerp/internal/shared"
)

type createReceiptRequest struct {
	Number     string               `json:"number" validate:"max=64"`
	POID       int64                `json:"po_id" validate:"required,gt=0"`
	Site       string               `json:"site" validate:"max=128"`
	ReceivedAt *time.Time           `json:"received_at"`
	Lines      []receiptLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type receiptLineRequest struct {
	POLineID    int64           `json:"po_line_id" validate:"required,gt=0"`
	ReceivedQty decimal.Decimal `json:"received_qty"`
	Condition   string          `json:"condition" validate:"max=64"`
}

func (req createReceiptRequest) input() acceptance.CreateReceiptInput {
	in := acceptance.CreateReceiptInput{Number: req.Number, POID: req.POID, Site: req.Site}
	if req.ReceivedAt != nil {
		in.ReceivedAt = *req.ReceivedAt
	}
	for _, line := range req.Lines {
		in.Lines = append(in.Lines, acceptance.ReceiptLineInput{POLineID: line.POLineID, ReceivedQty: line.ReceivedQty, Condition: line.Condition})
	}
	return in
}

type inspectionRequest struct {
	Result       ledger.InspectionResult `json:"result" validate:"required,oneof=PASS FAIL CONDITIONAL"`
	QualityScore decimal.Decimal         `json:"quality_score"`
	Findings     string                  `json:"findings" validate:"max=2000"`
	InspectedAt  *time.Time              `json:"inspected_at"`
}

func (req inspectionRequest) input(actor shared.Actor) acceptance.InspectionInput {
	in := acceptance.InspectionInput{InspectorID: actor.ID, Result: req.Result, QualityScore: req.QualityScore, Findings: req.Findings}
	if req.InspectedAt != nil {
		in.InspectedAt = *req.InspectedAt
	}
	return in
}

type acceptRequest struct {
	Lines []lineDecisionRequest `json:"lines" validate:"required,min=1,dive"`
}

type lineDecisionRequest struct {
	ItemID      int64           `json:"item_id" validate:"required,gt=0"`
	AcceptedQty decimal.Decimal `json:"accepted_qty"`
	RejectedQty decimal.Decimal `json:"rejected_qty"`
	Condition   string          `json:"condition" validate:"max=64"`
}

func (req acceptRequest) decisions() []acceptance.LineDecision {
	out := make([]acceptance.LineDecision, 0, len(req.Lines))
	for _, line := range req.Lines {
		out = append(out, acceptance.LineDecision{ItemID: line.ItemID, AcceptedQty: line.AcceptedQty, RejectedQty: line.RejectedQty, Condition: line.Condition})
	}
	return out
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

type notesRequest struct {
	Notes string `json:"notes" validate:"required,max=2000"`
}

type matchRequest struct {
	TolerancePercent *decimal.Decimal `json:"tolerance_percent"`
}

type paymentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	PaidAt    *time.Time      `json:"paid_at"`
	Method    string          `json:"method" validate:"required,max=32"`
	Reference string          `json:"reference" validate:"max=128"`
	Notes     string          `json:"notes" validate:"max=2000"`
}

func (req paymentRequest) input(invoiceID int64) payables.PayInput {
	in := payables.PayInput{InvoiceID: invoiceID, Amount: req.Amount, Method: req.Method, Reference: req.Reference, Notes: req.Notes}
	if req.PaidAt != nil {
		in.PaidAt = *req.PaidAt
	}
	return in
}

type submitJobRequest struct {
	Kind   runner.Kind     `json:"kind" validate:"required"`
	Params json.RawMessage `json:"params"`
}

// invoiceResponse adds the derived balance to an invoice.
type invoiceResponse struct {
	ledger.VendorInvoice
	Balance decimal.Decimal `json:"balance"`
}

func newInvoiceResponse(inv ledger.VendorInvoice) invoiceResponse {
	return invoiceResponse{VendorInvoice: inv, Balance: inv.Balance()}
}

type invoiceDetailResponse struct {
	invoiceResponse
	Payments  []ledger.Payment     `json:"payments"`
	Approvals []shared.ApprovalLog `json:"approvals"`
}

type invoiceListResponse struct {
	Data       []invoiceResponse `json:"data"`
	Pagination shared.Pagination `json:"pagination"`
}
