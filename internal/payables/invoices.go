package payables

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/minerp/internal/ledger"
	"github.com/odyssey-erp/minerp/internal/shared"
)

// CreateInvoiceInput captures a vendor invoice as submitted.
type CreateInvoiceInput struct {
	Number      string             `json:"number" validate:"required,max=64"`
	VendorID    int64              `json:"vendor_id" validate:"required,gt=0"`
	POID        *int64             `json:"po_id" validate:"omitempty,gt=0"`
	Currency    string             `json:"currency" validate:"required,len=3"`
	TaxAmount   decimal.Decimal    `json:"tax_amount"`
	InvoiceDate time.Time          `json:"invoice_date" validate:"required"`
	DueDate     time.Time          `json:"due_date" validate:"required"`
	Lines       []InvoiceLineInput `json:"lines" validate:"required,min=1,dive"`
}

// InvoiceLineInput is one invoice line.
type InvoiceLineInput struct {
	Description string          `json:"description" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	POLineID    *int64          `json:"po_line_id" validate:"omitempty,gt=0"`
}

// CreateInvoice validates and stores a new invoice in PENDING match status.
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (ledger.VendorInvoice, error) {
	if err := shared.ValidateStruct(s.validate, entity, input); err != nil {
		return ledger.VendorInvoice{}, err
	}
	if input.TaxAmount.IsNegative() {
		return ledger.VendorInvoice{}, shared.Validation(entity, 0, 0, "tax_amount", "must not be negative")
	}
	if input.DueDate.Before(input.InvoiceDate) {
		return ledger.VendorInvoice{}, shared.Validation(entity, 0, 0, "due_date", "must not be before invoice_date")
	}

	inv := ledger.VendorInvoice{
		Number:        strings.TrimSpace(input.Number),
		VendorID:      input.VendorID,
		POID:          input.POID,
		Currency:      strings.ToUpper(input.Currency),
		TaxAmount:     input.TaxAmount,
		InvoiceDate:   input.InvoiceDate,
		DueDate:       input.DueDate,
		MatchStatus:   ledger.MatchPending,
		PaidAmount:    decimal.Zero,
		CreatedBy:     shared.ActorFromContext(ctx).ID,
		PaymentStatus: ledger.PaymentPending,
	}
	subtotal := decimal.Zero
	for i, line := range input.Lines {
		lineNo := i + 1
		if !line.Quantity.IsPositive() {
			return ledger.VendorInvoice{}, shared.Validation(entity, 0, lineNo, "quantity", "must be greater than zero")
		}
		if line.UnitPrice.IsNegative() {
			return ledger.VendorInvoice{}, shared.Validation(entity, 0, lineNo, "unit_price", "must not be negative")
		}
		if line.POLineID != nil && input.POID == nil {
			return ledger.VendorInvoice{}, shared.Validation(entity, 0, lineNo, "po_line_id", "requires po_id on the invoice")
		}
		total := line.Quantity.Mul(line.UnitPrice).Round(moneyScale)
		subtotal = subtotal.Add(total)
		inv.Items = append(inv.Items, ledger.VendorInvoiceItem{
			LineNo:      lineNo,
			Description: strings.TrimSpace(line.Description),
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			TotalPrice:  total,
			POLineID:    line.POLineID,
		})
	}
	inv.Subtotal = subtotal
	inv.Total = subtotal.Add(input.TaxAmount)
	if !inv.Total.IsPositive() {
		return ledger.VendorInvoice{}, shared.Validation(entity, 0, 0, "total", "must be greater than zero")
	}
	inv.PaymentStatus = ledger.DerivePaymentStatus(inv.Total, inv.PaidAmount, inv.DueDate, s.now())

	var out ledger.VendorInvoice
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Repositories) error {
		if inv.POID != nil {
			po, err := tx.PurchaseOrders().Get(ctx, *inv.POID)
			if err != nil {
				return err
			}
			if po.Status != ledger.POStatusApproved && po.Status != ledger.POStatusClosed {
				return shared.Precondition("purchase order", po.ID, fmt.Sprintf("status is %s, invoices need an approved order", po.Status))
			}
			if po.VendorID != inv.VendorID {
				return shared.Validation(entity, 0, 0, "vendor_id", "does not match the purchase order vendor")
			}
		}
		created, err := tx.Invoices().Create(ctx, inv)
		if err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return ledger.VendorInvoice{}, err
	}
	s.recordAudit(ctx, "INVOICE_CREATE", out.ID, map[string]any{"number": out.Number, "total": out.Total.String()})
	return out, nil
}
