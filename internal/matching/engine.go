// Package matching compares vendor invoice lines against purchase order lines, and against
// quantities accepted on finalized goods receipts, within a tolerance band.
package matching

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/minerp/internal/ledger"
)

// DefaultTolerance is the tolerance percent applied when the caller omits one.
var DefaultTolerance = decimal.NewFromInt(2)

// storedScale is the number of decimal places persisted for variance percentages.
const storedScale = 4

// Input carries everything Match needs. Accepted maps a PO line id to the quantity accepted on
// finalized goods receipts; lines without an entry are compared two-way.
type Input struct {
	Invoice   ledger.VendorInvoice
	POLines   []ledger.PurchaseOrderLine
	Accepted  map[int64]decimal.Decimal
	Tolerance decimal.Decimal
}

// LineResult is the outcome of one invoice line.
type LineResult struct {
	ItemID              int64
	LineNo              int
	Linked              bool
	PriceVariancePct    decimal.Decimal
	QuantityVariancePct decimal.Decimal
	Exceeds             bool
	Note                string
}

// Result is the outcome of one match run. Variances are unrounded.
type Result struct {
	Status            ledger.MatchStatus
	PriceVariance     decimal.Decimal
	QuantityVariance  decimal.Decimal
	Tolerance         decimal.Decimal
	Lines             []LineResult
	Notes             string
	UninvoicedPOLines []int64
}

// Linked returns how many invoice lines were linked to a PO line.
func (r Result) Linked() int {
	n := 0
	for _, l := range r.Lines {
		if l.Linked {
			n++
		}
	}
	return n
}

// Match evaluates the invoice against its PO lines. It has no side effects.
func Match(in Input) Result {
	res := Result{
		PriceVariance:    decimal.Zero,
		QuantityVariance: decimal.Zero,
		Tolerance:        in.Tolerance,
	}
	poLines := make(map[int64]ledger.PurchaseOrderLine, len(in.POLines))
	for _, line := range in.POLines {
		poLines[line.ID] = line
	}
	invoiced := make(map[int64]bool)

	var notes []string
	exceeded, unlinked := false, 0
	for i, item := range in.Invoice.Items {
		lineNo := item.LineNo
		if lineNo == 0 {
			lineNo = i + 1
		}
		lr := LineResult{ItemID: item.ID, LineNo: lineNo, PriceVariancePct: decimal.Zero, QuantityVariancePct: decimal.Zero}

		switch {
		case in.Invoice.POID == nil:
			lr.Note = fmt.Sprintf("line %d: invoice has no purchase order", lineNo)
		case item.POLineID == nil:
			lr.Note = fmt.Sprintf("line %d: not linked to a purchase order line", lineNo)
		default:
			po, ok := poLines[*item.POLineID]
			if !ok {
				lr.Note = fmt.Sprintf("line %d: PO line %d is not on purchase order %d", lineNo, *item.POLineID, *in.Invoice.POID)
				break
			}
			lr.Linked = true
			invoiced[po.ID] = true
			compareLine(&lr, item, po, in.Accepted, in.Tolerance)
		}

		if !lr.Linked {
			unlinked++
		}
		if lr.Exceeds {
			exceeded = true
		}
		if lr.Note != "" {
			notes = append(notes, lr.Note)
		}
		res.PriceVariance = ledger.MaxDecimal(res.PriceVariance, lr.PriceVariancePct)
		res.QuantityVariance = ledger.MaxDecimal(res.QuantityVariance, lr.QuantityVariancePct)
		res.Lines = append(res.Lines, lr)
	}

	for _, line := range in.POLines {
		if !invoiced[line.ID] {
			res.UninvoicedPOLines = append(res.UninvoicedPOLines, line.ID)
		}
	}
	sort.Slice(res.UninvoicedPOLines, func(i, j int) bool { return res.UninvoicedPOLines[i] < res.UninvoicedPOLines[j] })

	linked := len(res.Lines) - unlinked
	switch {
	case linked == 0:
		res.Status = ledger.MatchDiscrepancy
		notes = append(notes, "no invoice line could be linked to the purchase order")
	case exceeded:
		res.Status = ledger.MatchDiscrepancy
	case unlinked == 0 && len(res.UninvoicedPOLines) == 0:
		res.Status = ledger.MatchMatched
	default:
		res.Status = ledger.MatchPartial
		for _, id := range res.UninvoicedPOLines {
			notes = append(notes, fmt.Sprintf("PO line %d not invoiced", id))
		}
	}
	res.Notes = strings.Join(notes, "; ")
	return res
}

func compareLine(lr *LineResult, item ledger.VendorInvoiceItem, po ledger.PurchaseOrderLine, accepted map[int64]decimal.Decimal, tolerance decimal.Decimal) {
	var problems []string

	if pct, ok := ledger.PercentDiff(item.UnitPrice, po.UnitPrice); ok {
		lr.PriceVariancePct = pct
		if pct.GreaterThan(tolerance) {
			problems = append(problems, fmt.Sprintf("price %s vs PO %s (%s%%)", item.UnitPrice, po.UnitPrice, pct.StringFixed(2)))
		}
	}

	qty := decimal.Zero
	if pct, ok := ledger.PercentDiff(item.Quantity, po.Quantity); ok {
		qty = pct
		if pct.GreaterThan(tolerance) {
			problems = append(problems, fmt.Sprintf("quantity %s vs PO %s (%s%%)", item.Quantity, po.Quantity, pct.StringFixed(2)))
		}
	}
	if received, ok := accepted[po.ID]; ok {
		pct, comparable := ledger.PercentDiff(item.Quantity, received)
		if !comparable && item.Quantity.IsPositive() {
			pct = decimal.NewFromInt(100)
		}
		if pct.GreaterThan(tolerance) {
			problems = append(problems, fmt.Sprintf("quantity %s vs accepted %s (%s%%)", item.Quantity, received, pct.StringFixed(2)))
		}
		qty = ledger.MaxDecimal(qty, pct)
	}
	lr.QuantityVariancePct = qty

	if len(problems) > 0 {
		lr.Exceeds = true
		lr.Note = fmt.Sprintf("line %d: %s exceeds tolerance %s%%", lr.LineNo, strings.Join(problems, ", "), tolerance.String())
	}
}

// Apply writes the result onto the invoice and its items. Previous match fields are
// overwritten, never accumulated.
func (r Result) Apply(inv *ledger.VendorInvoice, at time.Time) {
	inv.MatchStatus = r.Status
	inv.PriceVariance = r.PriceVariance.Round(storedScale)
	inv.QuantityVariance = r.QuantityVariance.Round(storedScale)
	inv.DiscrepancyNotes = r.Notes
	inv.MatchedAt = &at

	for i := range inv.Items {
		if i >= len(r.Lines) {
			break
		}
		l := r.Lines[i]
		inv.Items[i].PriceVariancePct = l.PriceVariancePct.Round(storedScale)
		inv.Items[i].QuantityVariancePct = l.QuantityVariancePct.Round(storedScale)
		inv.Items[i].MatchNote = l.Note
	}
}
