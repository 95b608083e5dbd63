package pgstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/minerp/internal/ledger"
)

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

type invoices struct{ q querier }

const invoiceColumns = `id, number, vendor_id, po_id, currency, subtotal, tax_amount, total, invoice_date, due_date,
match_status, price_variance, quantity_variance, discrepancy_notes, matched_at, approved_for_payment, approved_at, approved_by,
disputed, dispute_notes, payment_status, paid_amount, voided, voided_at, void_reason, created_by, created_at, updated_at`

func scanInvoice(row pgx.Row, inv *ledger.VendorInvoice) error {
	return row.Scan(&inv.ID, &inv.Number, &inv.VendorID, &inv.POID, &inv.Currency, &inv.Subtotal, &inv.TaxAmount, &inv.Total,
		&inv.InvoiceDate, &inv.DueDate, &inv.MatchStatus, &inv.PriceVariance, &inv.QuantityVariance, &inv.DiscrepancyNotes,
		&inv.MatchedAt, &inv.ApprovedForPayment, &inv.ApprovedAt, &inv.ApprovedBy, &inv.Disputed, &inv.DisputeNotes,
		&inv.PaymentStatus, &inv.PaidAmount, &inv.Voided, &inv.VoidedAt, &inv.VoidReason, &inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedAt)
}

func (r invoices) get(ctx context.Context, id int64, lock string) (ledger.VendorInvoice, error) {
	var inv ledger.VendorInvoice
	if err := scanInvoice(r.q.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM vendor_invoices WHERE id=$1`+lock, id), &inv); err != nil {
		return ledger.VendorInvoice{}, notFound(err, "invoice", id)
	}
	if err := r.loadItems(ctx, &inv); err != nil {
		return ledger.VendorInvoice{}, err
	}
	return inv, nil
}

func (r invoices) loadItems(ctx context.Context, inv *ledger.VendorInvoice) error {
	rows, err := r.q.Query(ctx, `SELECT id, invoice_id, line_no, description, quantity, unit_price, total_price, po_line_id,
price_variance_pct, quantity_variance_pct, match_note FROM vendor_invoice_items WHERE invoice_id=$1 ORDER BY line_no, id`, inv.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var it ledger.VendorInvoiceItem
		if err := rows.Scan(&it.ID, &it.InvoiceID, &it.LineNo, &it.Description, &it.Quantity, &it.UnitPrice, &it.TotalPrice,
			&it.POLineID, &it.PriceVariancePct, &it.QuantityVariancePct, &it.MatchNote); err != nil {
			return err
		}
		inv.Items = append(inv.Items, it)
	}
	return rows.Err()
}

func (r invoices) Get(ctx context.Context, id int64) (ledger.VendorInvoice, error) {
	return r.get(ctx, id, "")
}

func (r invoices) GetForUpdate(ctx context.Context, id int64) (ledger.VendorInvoice, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r invoices) list(ctx context.Context, query string, args ...any) ([]ledger.VendorInvoice, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []ledger.VendorInvoice
	for rows.Next() {
		var inv ledger.VendorInvoice
		if err := scanInvoice(rows, &inv); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, inv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := r.loadItems(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r invoices) List(ctx context.Context, filter ledger.InvoiceFilter) ([]ledger.VendorInvoice, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.VendorID != 0 {
		add("vendor_id=$%d", filter.VendorID)
	}
	if filter.POID != 0 {
		add("po_id=$%d", filter.POID)
	}
	if filter.MatchStatus != "" {
		add("match_status=$%d", filter.MatchStatus)
	}
	if filter.PaymentStatus != "" {
		add("payment_status=$%d", filter.PaymentStatus)
	}
	query := `SELECT ` + invoiceColumns + ` FROM vendor_invoices`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}
	return r.list(ctx, query, args...)
}

func (r invoices) Create(ctx context.Context, inv ledger.VendorInvoice) (ledger.VendorInvoice, error) {
	err := r.q.QueryRow(ctx, `INSERT INTO vendor_invoices (number, vendor_id, po_id, currency, subtotal, tax_amount, total,
invoice_date, due_date, match_status, payment_status, paid_amount, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING id, created_at, updated_at`,
		inv.Number, inv.VendorID, inv.POID, inv.Currency, inv.Subtotal, inv.TaxAmount, inv.Total,
		inv.InvoiceDate, inv.DueDate, inv.MatchStatus, inv.PaymentStatus, inv.PaidAmount, inv.CreatedBy).
		Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return ledger.VendorInvoice{}, err
	}
	items := make([]ledger.VendorInvoiceItem, len(inv.Items))
	for i, it := range inv.Items {
		it.InvoiceID = inv.ID
		if it.LineNo == 0 {
			it.LineNo = i + 1
		}
		if err := r.q.QueryRow(ctx, `INSERT INTO vendor_invoice_items (invoice_id, line_no, description, quantity, unit_price, total_price, po_line_id)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`, it.InvoiceID, it.LineNo, it.Description, it.Quantity, it.UnitPrice, it.TotalPrice, it.POLineID).Scan(&it.ID); err != nil {
			return ledger.VendorInvoice{}, fmt.Errorf("insert invoice line %d: %w", it.LineNo, err)
		}
		items[i] = it
	}
	inv.Items = items
	return inv, nil
}

func (r invoices) Update(ctx context.Context, inv ledger.VendorInvoice) error {
	tag, err := r.q.Exec(ctx, `UPDATE vendor_invoices SET match_status=$2, price_variance=$3, quantity_variance=$4,
discrepancy_notes=$5, matched_at=$6, approved_for_payment=$7, approved_at=$8, approved_by=$9, disputed=$10, dispute_notes=$11,
payment_status=$12, paid_amount=$13, voided=$14, voided_at=$15, void_reason=$16, updated_at=NOW() WHERE id=$1`,
		inv.ID, inv.MatchStatus, inv.PriceVariance, inv.QuantityVariance, inv.DiscrepancyNotes, inv.MatchedAt,
		inv.ApprovedForPayment, inv.ApprovedAt, inv.ApprovedBy, inv.Disputed, inv.DisputeNotes,
		inv.PaymentStatus, inv.PaidAmount, inv.Voided, inv.VoidedAt, inv.VoidReason)
	if err != nil {
		return err
	}
	return expectRow(tag, "invoice", inv.ID)
}

func (r invoices) UpdateItems(ctx context.Context, items []ledger.VendorInvoiceItem) error {
	for _, it := range items {
		tag, err := r.q.Exec(ctx, `UPDATE vendor_invoice_items SET price_variance_pct=$3, quantity_variance_pct=$4, match_note=$5
WHERE id=$1 AND invoice_id=$2`, it.ID, it.InvoiceID, it.PriceVariancePct, it.QuantityVariancePct, it.MatchNote)
		if err != nil {
			return err
		}
		if err := expectRow(tag, "invoice item", it.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r invoices) ListOverdueCandidates(ctx context.Context, asOf time.Time) ([]ledger.VendorInvoice, error) {
	return r.list(ctx, `SELECT `+invoiceColumns+` FROM vendor_invoices
WHERE NOT voided AND payment_status NOT IN ('PAID', 'OVERDUE') AND due_date < $1 ORDER BY id`, asOf)
}

type payments struct{ q querier }

func (r payments) ListByInvoice(ctx context.Context, invoiceID int64) ([]ledger.Payment, error) {
	rows, err := r.q.Query(ctx, `SELECT id, invoice_id, amount, paid_at, method, reference, notes, actor_id, created_at
FROM payments WHERE invoice_id=$1 ORDER BY id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Payment
	for rows.Next() {
		var p ledger.Payment
		if err := rows.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.PaidAt, &p.Method, &p.Reference, &p.Notes, &p.ActorID, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r payments) Create(ctx context.Context, p ledger.Payment) (ledger.Payment, error) {
	err := r.q.QueryRow(ctx, `INSERT INTO payments (invoice_id, amount, paid_at, method, reference, notes, actor_id)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at`, p.InvoiceID, p.Amount, p.PaidAt, p.Method, p.Reference, p.Notes, p.ActorID).
		Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return ledger.Payment{}, notFound(err, "invoice", p.InvoiceID)
	}
	return p, nil
}

func (r payments) ReferenceExists(ctx context.Context, invoiceID int64, reference string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE invoice_id=$1 AND reference=$2)`, invoiceID, reference).Scan(&exists)
	return exists, err
}
