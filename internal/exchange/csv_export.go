package exchange

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/odyssey-erp/minerp/internal/ledger"
	"github.com/odyssey-erp/minerp/internal/runner"
)

const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"

	exportPage  = 200
	exportSheet = "Invoices"
)

// ExportParams configures a csv_export job.
type ExportParams struct {
	Format        string               `json:"format" validate:"omitempty,oneof=csv xlsx"`
	VendorID      int64                `json:"vendor_id" validate:"omitempty,gt=0"`
	MatchStatus   ledger.MatchStatus   `json:"match_status" validate:"omitempty,oneof=PENDING MATCHED PARTIAL_MATCH DISCREPANCY"`
	PaymentStatus ledger.PaymentStatus `json:"payment_status" validate:"omitempty,oneof=PENDING PARTIAL PAID OVERDUE"`
}

var exportHeader = []string{
	"id", "number", "vendor_id", "po_id", "currency", "subtotal", "tax_amount", "total",
	"invoice_date", "due_date", "match_status", "price_variance", "quantity_variance",
	"approved_for_payment", "disputed", "payment_status", "paid_amount", "balance", "voided",
}

func exportRow(inv ledger.VendorInvoice) []string {
	poID := ""
	if inv.POID != nil {
		poID = strconv.FormatInt(*inv.POID, 10)
	}
	return []string{
		strconv.FormatInt(inv.ID, 10),
		inv.Number,
		strconv.FormatInt(inv.VendorID, 10),
		poID,
		inv.Currency,
		inv.Subtotal.String(),
		inv.TaxAmount.String(),
		inv.Total.String(),
		inv.InvoiceDate.Format(dateLayout),
		inv.DueDate.Format(dateLayout),
		string(inv.MatchStatus),
		inv.PriceVariance.String(),
		inv.QuantityVariance.String(),
		strconv.FormatBool(inv.ApprovedForPayment),
		strconv.FormatBool(inv.Disputed),
		string(inv.PaymentStatus),
		inv.PaidAmount.String(),
		inv.Balance().String(),
		strconv.FormatBool(inv.Voided),
	}
}

func (s *Service) runExport(ctx context.Context, job runner.Job, p *runner.Progress) (string, error) {
	var params ExportParams
	if err := decodeParams(s.validate, KindCSVExport, job.Params, &params); err != nil {
		return "", err
	}
	if params.Format == "" {
		params.Format = FormatCSV
	}
	invoices, err := s.collectInvoices(ctx, ledger.InvoiceFilter{VendorID: params.VendorID, MatchStatus: params.MatchStatus, PaymentStatus: params.PaymentStatus})
	if err != nil {
		return "", err
	}
	if err := p.SetTotal(ctx, int64(len(invoices))); err != nil {
		return "", err
	}

	var (
		buf         bytes.Buffer
		contentType string
	)
	switch params.Format {
	case FormatXLSX:
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		err = WriteInvoicesXLSX(ctx, &buf, invoices, p)
	default:
		contentType = "text/csv"
		err = WriteInvoicesCSV(ctx, &buf, invoices, p)
	}
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("exports/invoices-%s.%s", job.ID, params.Format)
	if err := s.blobs.Put(ctx, key, &buf, int64(buf.Len()), contentType); err != nil {
		return "", err
	}
	s.logger.Info("invoices exported", slog.String("job_id", job.ID), slog.String("key", key), slog.Int("invoices", len(invoices)))
	return key, nil
}

func (s *Service) collectInvoices(ctx context.Context, filter ledger.InvoiceFilter) ([]ledger.VendorInvoice, error) {
	var out []ledger.VendorInvoice
	filter.Limit = exportPage
	for {
		page, err := s.store.Invoices().List(ctx, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < exportPage {
			return out, nil
		}
		filter.Offset += exportPage
	}
}

// WriteInvoicesCSV writes the export header and one row per invoice. p may be nil.
func WriteInvoicesCSV(ctx context.Context, w io.Writer, invoices []ledger.VendorInvoice, p *runner.Progress) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()
	if err := writer.Write(exportHeader); err != nil {
		return err
	}
	for _, inv := range invoices {
		if err := step(ctx, p); err != nil {
			return err
		}
		if err := writer.Write(exportRow(inv)); err != nil {
			return err
		}
		if err := done(ctx, p); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteInvoicesXLSX writes the export as a single-sheet workbook. p may be nil.
func WriteInvoicesXLSX(ctx context.Context, w io.Writer, invoices []ledger.VendorInvoice, p *runner.Progress) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return err
	}
	if err := setRow(f, 1, exportHeader); err != nil {
		return err
	}
	for i, inv := range invoices {
		if err := step(ctx, p); err != nil {
			return err
		}
		if err := setRow(f, i+2, exportRow(inv)); err != nil {
			return err
		}
		if err := done(ctx, p); err != nil {
			return err
		}
	}
	return f.Write(w)
}

func setRow(f *excelize.File, row int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return f.SetSheetRow(exportSheet, cell, &cells)
}

func step(ctx context.Context, p *runner.Progress) error {
	if p == nil {
		return ctx.Err()
	}
	return p.Step(ctx)
}

func done(ctx context.Context, p *runner.Progress) error {
	if p == nil {
		return nil
	}
	return p.Done(ctx, 1)
}
