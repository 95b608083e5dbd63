package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Purchase order lifecycle statuses.
type POStatus string

const (
	POStatusDraft     POStatus = "DRAFT"
	POStatusApproved  POStatus = "APPROVED"
	POStatusClosed    POStatus = "CLOSED"
	POStatusCancelled POStatus = "CANCELLED"
)

// Goods receipt statuses.
type GRNStatus string

const (
	GRNStatusPendingInspection GRNStatus = "PENDING_INSPECTION"
	GRNStatusInspecting        GRNStatus = "INSPECTING"
	GRNStatusAccepted          GRNStatus = "ACCEPTED"
	GRNStatusPartiallyAccepted GRNStatus = "PARTIALLY_ACCEPTED"
	GRNStatusRejected          GRNStatus = "REJECTED"
)

// IsValid reports whether the status is a known GRN status.
func (s GRNStatus) IsValid() bool {
	switch s {
	case GRNStatusPendingInspection, GRNStatusInspecting, GRNStatusAccepted, GRNStatusPartiallyAccepted, GRNStatusRejected:
		return true
	}
	return false
}

// IsTerminal reports whether no further acceptance action is allowed.
func (s GRNStatus) IsTerminal() bool {
	return s == GRNStatusAccepted || s == GRNStatusPartiallyAccepted || s == GRNStatusRejected
}

// Inspection outcomes.
type InspectionResult string

const (
	InspectionPass        InspectionResult = "PASS"
	InspectionFail        InspectionResult = "FAIL"
	InspectionConditional InspectionResult = "CONDITIONAL"
)

// IsValid reports whether the result is a known inspection outcome.
func (r InspectionResult) IsValid() bool {
	return r == InspectionPass || r == InspectionFail || r == InspectionConditional
}

// Invoice match statuses.
type MatchStatus string

const (
	MatchPending     MatchStatus = "PENDING"
	MatchMatched     MatchStatus = "MATCHED"
	MatchPartial     MatchStatus = "PARTIAL_MATCH"
	MatchDiscrepancy MatchStatus = "DISCREPANCY"
)

// Approvable reports whether an invoice in this match status may be approved for payment.
func (s MatchStatus) Approvable() bool {
	return s == MatchMatched || s == MatchPartial
}

// Invoice payment statuses.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPartial PaymentStatus = "PARTIAL"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentOverdue PaymentStatus = "OVERDUE"
)

// PurchaseOrder is read-only for the reconciliation core.
type PurchaseOrder struct {
	ID        int64               `json:"id"`
	Number    string              `json:"number"`
	VendorID  int64               `json:"vendor_id"`
	Site      string              `json:"site"`
	Status    POStatus            `json:"status"`
	Currency  string              `json:"currency"`
	Lines     []PurchaseOrderLine `json:"lines"`
	CreatedAt time.Time           `json:"created_at"`
}

// Line returns the PO line with the given id.
func (po PurchaseOrder) Line(id int64) (PurchaseOrderLine, bool) {
	for _, line := range po.Lines {
		if line.ID == id {
			return line, true
		}
	}
	return PurchaseOrderLine{}, false
}

// PurchaseOrderLine holds the ordered quantity and agreed price.
type PurchaseOrderLine struct {
	ID          int64           `json:"id"`
	POID        int64           `json:"po_id"`
	ItemRef     string          `json:"item_ref"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Currency    string          `json:"currency"`
}

// GoodsReceipt records goods that physically arrived against a PO.
type GoodsReceipt struct {
	ID              int64              `json:"id"`
	Number          string             `json:"number"`
	POID            int64              `json:"po_id"`
	Site            string             `json:"site"`
	Status          GRNStatus          `json:"status"`
	ReceivedAt      time.Time          `json:"received_at"`
	RejectionReason string             `json:"rejection_reason,omitempty"`
	FinalizedAt     *time.Time         `json:"finalized_at,omitempty"`
	FinalizedBy     *int64             `json:"finalized_by,omitempty"`
	Items           []GoodsReceiptItem `json:"items"`
	Inspections     []Inspection       `json:"inspections"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Item returns a pointer into Items for the given id.
func (g *GoodsReceipt) Item(id int64) *GoodsReceiptItem {
	for i := range g.Items {
		if g.Items[i].ID == id {
			return &g.Items[i]
		}
	}
	return nil
}

// GoodsReceiptItem is a received line referencing a PO line.
type GoodsReceiptItem struct {
	ID          int64           `json:"id"`
	GRNID       int64           `json:"grn_id"`
	POLineID    int64           `json:"po_line_id"`
	ReceivedQty decimal.Decimal `json:"received_qty"`
	AcceptedQty decimal.Decimal `json:"accepted_qty"`
	RejectedQty decimal.Decimal `json:"rejected_qty"`
	Condition   string          `json:"condition,omitempty"`
}

// Reconciles reports whether accepted + rejected equals received within QtyEpsilon.
func (i GoodsReceiptItem) Reconciles() bool {
	return WithinEpsilon(i.AcceptedQty.Add(i.RejectedQty), i.ReceivedQty)
}

// Inspection is an append-only quality check on a GRN.
type Inspection struct {
	ID           int64            `json:"id"`
	GRNID        int64            `json:"grn_id"`
	InspectorID  int64            `json:"inspector_id"`
	Result       InspectionResult `json:"result"`
	QualityScore decimal.Decimal  `json:"quality_score"`
	Findings     string           `json:"findings,omitempty"`
	InspectedAt  time.Time        `json:"inspected_at"`
}

// VendorInvoice owns its items and payment history.
type VendorInvoice struct {
	ID                 int64               `json:"id"`
	Number             string              `json:"number"`
	VendorID           int64               `json:"vendor_id"`
	POID               *int64              `json:"po_id,omitempty"`
	Currency           string              `json:"currency"`
	Subtotal           decimal.Decimal     `json:"subtotal"`
	TaxAmount          decimal.Decimal     `json:"tax_amount"`
	Total              decimal.Decimal     `json:"total"`
	InvoiceDate        time.Time           `json:"invoice_date"`
	DueDate            time.Time           `json:"due_date"`
	MatchStatus        MatchStatus         `json:"match_status"`
	PriceVariance      decimal.Decimal     `json:"price_variance"`
	QuantityVariance   decimal.Decimal     `json:"quantity_variance"`
	DiscrepancyNotes   string              `json:"discrepancy_notes,omitempty"`
	MatchedAt          *time.Time          `json:"matched_at,omitempty"`
	ApprovedForPayment bool                `json:"approved_for_payment"`
	ApprovedAt         *time.Time          `json:"approved_at,omitempty"`
	ApprovedBy         *int64              `json:"approved_by,omitempty"`
	Disputed           bool                `json:"disputed"`
	DisputeNotes       string              `json:"dispute_notes,omitempty"`
	PaymentStatus      PaymentStatus       `json:"payment_status"`
	PaidAmount         decimal.Decimal     `json:"paid_amount"`
	Voided             bool                `json:"voided"`
	VoidedAt           *time.Time          `json:"voided_at,omitempty"`
	VoidReason         string              `json:"void_reason,omitempty"`
	Items              []VendorInvoiceItem `json:"items"`
	CreatedBy          int64               `json:"created_by"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// Balance is the unpaid remainder, never negative.
func (inv VendorInvoice) Balance() decimal.Decimal {
	remaining := inv.Total.Sub(inv.PaidAmount)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// VendorInvoiceItem is an invoice line; only the variance annotation changes after creation.
type VendorInvoiceItem struct {
	ID                  int64           `json:"id"`
	InvoiceID           int64           `json:"invoice_id"`
	LineNo              int             `json:"line_no"`
	Description         string          `json:"description"`
	Quantity            decimal.Decimal `json:"quantity"`
	UnitPrice           decimal.Decimal `json:"unit_price"`
	TotalPrice          decimal.Decimal `json:"total_price"`
	POLineID            *int64          `json:"po_line_id,omitempty"`
	PriceVariancePct    decimal.Decimal `json:"price_variance_pct"`
	QuantityVariancePct decimal.Decimal `json:"quantity_variance_pct"`
	MatchNote           string          `json:"match_note,omitempty"`
}

// Payment is an append-only settlement against an invoice.
type Payment struct {
	ID        int64           `json:"id"`
	InvoiceID int64           `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
	PaidAt    time.Time       `json:"paid_at"`
	Method    string          `json:"method"`
	Reference string          `json:"reference,omitempty"`
	Notes     string          `json:"notes,omitempty"`
	ActorID   int64           `json:"actor_id"`
	CreatedAt time.Time       `json:"created_at"`
}

// InvoiceFilter narrows invoice listings.
type InvoiceFilter struct {
	VendorID      int64
	POID          int64
	MatchStatus   MatchStatus
	PaymentStatus PaymentStatus
	Limit         int
	Offset        int
}
