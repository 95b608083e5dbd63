package exchange

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/minerp/internal/payables"
	"github.com/odyssey-erp/minerp/internal/runner"
)

const dateLayout = "2006-01-02"

// ImportParams configures a csv_import job.
type ImportParams struct {
	ObjectKey string `json:"object_key" validate:"required"`
}

var importColumns = []string{"invoice_number", "vendor_id", "currency", "invoice_date", "due_date", "description", "quantity", "unit_price"}

// ImportedInvoice is one invoice assembled from the rows sharing its number.
type ImportedInvoice struct {
	Row   int
	Input payables.CreateInvoiceInput
}

func (s *Service) runImport(ctx context.Context, job runner.Job, p *runner.Progress) (string, error) {
	var params ImportParams
	if err := decodeParams(s.validate, KindCSVImport, job.Params, &params); err != nil {
		return "", err
	}
	rc, err := s.blobs.Get(ctx, params.ObjectKey)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	groups, err := ParseInvoiceCSV(rc)
	if err != nil {
		return "", err
	}
	if err := p.SetTotal(ctx, int64(len(groups))); err != nil {
		return "", err
	}
	ctx = jobContext(ctx, job)
	for _, g := range groups {
		if err := p.Step(ctx); err != nil {
			return "", err
		}
		if _, err := s.invoices.CreateInvoice(ctx, g.Input); err != nil {
			return "", fmt.Errorf("row %d: invoice %s: %w", g.Row, g.Input.Number, err)
		}
		if err := p.Done(ctx, 1); err != nil {
			return "", err
		}
	}
	s.logger.Info("invoices imported", slog.String("job_id", job.ID), slog.String("object_key", params.ObjectKey), slog.Int("invoices", len(groups)))
	return "", nil
}

// ParseInvoiceCSV reads invoice rows and groups them by invoice number in order of first
// appearance. Header fields come from the first row of each invoice. Row numbers are file
// line numbers.
func ParseInvoiceCSV(r io.Reader) ([]ImportedInvoice, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("row 1: empty file")
	}
	if err != nil {
		return nil, fmt.Errorf("row 1: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, col := range header {
		idx[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range importColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("row 1: missing column %s", col)
		}
	}

	var groups []ImportedInvoice
	byNumber := make(map[string]int)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// csv.ParseError carries the line number
			return nil, err
		}
		row, _ := reader.FieldPos(0)
		if blank(record) {
			continue
		}
		get := func(col string) string {
			i, ok := idx[col]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		number := get("invoice_number")
		if number == "" {
			return nil, fmt.Errorf("row %d: invoice_number is required", row)
		}
		line, err := parseLine(get)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		if pos, ok := byNumber[number]; ok {
			if line.POLineID != nil && groups[pos].Input.POID == nil {
				return nil, fmt.Errorf("row %d: po_line_id requires po_id on the first row of invoice %s", row, number)
			}
			groups[pos].Input.Lines = append(groups[pos].Input.Lines, line)
			continue
		}
		input, err := parseHeader(number, get)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		input.Lines = []payables.InvoiceLineInput{line}
		byNumber[number] = len(groups)
		groups = append(groups, ImportedInvoice{Row: row, Input: input})
	}
	return groups, nil
}

func parseHeader(number string, get func(string) string) (payables.CreateInvoiceInput, error) {
	in := payables.CreateInvoiceInput{Number: number, Currency: strings.ToUpper(get("currency"))}
	var err error
	if in.VendorID, err = strconv.ParseInt(get("vendor_id"), 10, 64); err != nil {
		return in, fmt.Errorf("vendor_id: %q is not an integer", get("vendor_id"))
	}
	if raw := get("po_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return in, fmt.Errorf("po_id: %q is not an integer", raw)
		}
		in.POID = &id
	}
	if in.InvoiceDate, err = time.Parse(dateLayout, get("invoice_date")); err != nil {
		return in, fmt.Errorf("invoice_date: %q is not YYYY-MM-DD", get("invoice_date"))
	}
	if in.DueDate, err = time.Parse(dateLayout, get("due_date")); err != nil {
		return in, fmt.Errorf("due_date: %q is not YYYY-MM-DD", get("due_date"))
	}
	if raw := get("tax_amount"); raw != "" {
		if in.TaxAmount, err = decimal.NewFromString(raw); err != nil {
			return in, fmt.Errorf("tax_amount: %q is not a decimal", raw)
		}
	}
	return in, nil
}

func parseLine(get func(string) string) (payables.InvoiceLineInput, error) {
	line := payables.InvoiceLineInput{Description: get("description")}
	var err error
	if line.Quantity, err = decimal.NewFromString(get("quantity")); err != nil {
		return line, fmt.Errorf("quantity: %q is not a decimal", get("quantity"))
	}
	if line.UnitPrice, err = decimal.NewFromString(get("unit_price")); err != nil {
		return line, fmt.Errorf("unit_price: %q is not a decimal", get("unit_price"))
	}
	if raw := get("po_line_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return line, fmt.Errorf("po_line_id: %q is not an integer", raw)
		}
		line.POLineID = &id
	}
	return line, nil
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
