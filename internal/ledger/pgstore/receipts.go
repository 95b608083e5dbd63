package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/minerp/internal/ledger"
)

type orders struct{ q querier }

func (r orders) Get(ctx context.Context, id int64) (ledger.PurchaseOrder, error) {
	var po ledger.PurchaseOrder
	err := r.q.QueryRow(ctx, `SELECT id, number, vendor_id, site, status, currency, created_at
FROM purchase_orders WHERE id=$1`, id).Scan(&po.ID, &po.Number, &po.VendorID, &po.Site, &po.Status, &po.Currency, &po.CreatedAt)
	if err != nil {
		return ledger.PurchaseOrder{}, notFound(err, "purchase order", id)
	}
	rows, err := r.q.Query(ctx, `SELECT id, po_id, item_ref, description, quantity, unit_price, currency
FROM purchase_order_lines WHERE po_id=$1 ORDER BY id`, id)
	if err != nil {
		return ledger.PurchaseOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line ledger.PurchaseOrderLine
		if err := rows.Scan(&line.ID, &line.POID, &line.ItemRef, &line.Description, &line.Quantity, &line.UnitPrice, &line.Currency); err != nil {
			return ledger.PurchaseOrder{}, err
		}
		po.Lines = append(po.Lines, line)
	}
	return po, rows.Err()
}

func (r orders) Create(ctx context.Context, po ledger.PurchaseOrder) (ledger.PurchaseOrder, error) {
	err := r.q.QueryRow(ctx, `INSERT INTO purchase_orders (number, vendor_id, site, status, currency)
VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`, po.Number, po.VendorID, po.Site, po.Status, po.Currency).Scan(&po.ID, &po.CreatedAt)
	if err != nil {
		return ledger.PurchaseOrder{}, err
	}
	lines := make([]ledger.PurchaseOrderLine, len(po.Lines))
	for i, line := range po.Lines {
		line.POID = po.ID
		if line.Currency == "" {
			line.Currency = po.Currency
		}
		if err := r.q.QueryRow(ctx, `INSERT INTO purchase_order_lines (po_id, item_ref, description, quantity, unit_price, currency)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`, line.POID, line.ItemRef, line.Description, line.Quantity, line.UnitPrice, line.Currency).Scan(&line.ID); err != nil {
			return ledger.PurchaseOrder{}, err
		}
		lines[i] = line
	}
	po.Lines = lines
	return po, nil
}

type receipts struct{ q querier }

const receiptColumns = `id, number, po_id, site, status, received_at, rejection_reason, finalized_at, finalized_by, created_at, updated_at`

// scanReceipt reads one receiptColumns row. A status outside the GRN lifecycle is rejected so
// the acceptance rules never run against a row written by something else.
func scanReceipt(row pgx.Row) (ledger.GoodsReceipt, error) {
	var grn ledger.GoodsReceipt
	if err := row.Scan(&grn.ID, &grn.Number, &grn.POID, &grn.Site, &grn.Status, &grn.ReceivedAt, &grn.RejectionReason, &grn.FinalizedAt, &grn.FinalizedBy, &grn.CreatedAt, &grn.UpdatedAt); err != nil {
		return ledger.GoodsReceipt{}, err
	}
	if !grn.Status.IsValid() {
		return ledger.GoodsReceipt{}, fmt.Errorf("grn %d: unknown status %q", grn.ID, grn.Status)
	}
	return grn, nil
}

func (r receipts) get(ctx context.Context, id int64, lock string) (ledger.GoodsReceipt, error) {
	grn, err := scanReceipt(r.q.QueryRow(ctx, `SELECT `+receiptColumns+` FROM goods_receipts WHERE id=$1`+lock, id))
	if err != nil {
		return ledger.GoodsReceipt{}, notFound(err, "grn", id)
	}
	if err := r.loadChildren(ctx, &grn); err != nil {
		return ledger.GoodsReceipt{}, err
	}
	return grn, nil
}

func (r receipts) loadChildren(ctx context.Context, grn *ledger.GoodsReceipt) error {
	rows, err := r.q.Query(ctx, `SELECT id, grn_id, po_line_id, received_qty, accepted_qty, rejected_qty, condition
FROM goods_receipt_items WHERE grn_id=$1 ORDER BY id`, grn.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var item ledger.GoodsReceiptItem
		if err := rows.Scan(&item.ID, &item.GRNID, &item.POLineID, &item.ReceivedQty, &item.AcceptedQty, &item.RejectedQty, &item.Condition); err != nil {
			rows.Close()
			return err
		}
		grn.Items = append(grn.Items, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = r.q.Query(ctx, `SELECT id, grn_id, inspector_id, result, quality_score, findings, inspected_at
FROM inspections WHERE grn_id=$1 ORDER BY inspected_at, id`, grn.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var in ledger.Inspection
		if err := rows.Scan(&in.ID, &in.GRNID, &in.InspectorID, &in.Result, &in.QualityScore, &in.Findings, &in.InspectedAt); err != nil {
			return err
		}
		grn.Inspections = append(grn.Inspections, in)
	}
	return rows.Err()
}

func (r receipts) Get(ctx context.Context, id int64) (ledger.GoodsReceipt, error) {
	return r.get(ctx, id, "")
}

func (r receipts) GetForUpdate(ctx context.Context, id int64) (ledger.GoodsReceipt, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r receipts) ListByPO(ctx context.Context, poID int64) ([]ledger.GoodsReceipt, error) {
	rows, err := r.q.Query(ctx, `SELECT `+receiptColumns+` FROM goods_receipts WHERE po_id=$1 ORDER BY id`, poID)
	if err != nil {
		return nil, err
	}
	var out []ledger.GoodsReceipt
	for rows.Next() {
		grn, err := scanReceipt(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, grn)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := r.loadChildren(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r receipts) Create(ctx context.Context, grn ledger.GoodsReceipt) (ledger.GoodsReceipt, error) {
	err := r.q.QueryRow(ctx, `INSERT INTO goods_receipts (number, po_id, site, status, received_at)
VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at, updated_at`, grn.Number, grn.POID, grn.Site, grn.Status, grn.ReceivedAt).
		Scan(&grn.ID, &grn.CreatedAt, &grn.UpdatedAt)
	if err != nil {
		return ledger.GoodsReceipt{}, err
	}
	items := make([]ledger.GoodsReceiptItem, len(grn.Items))
	for i, item := range grn.Items {
		item.GRNID = grn.ID
		if err := r.q.QueryRow(ctx, `INSERT INTO goods_receipt_items (grn_id, po_line_id, received_qty, accepted_qty, rejected_qty, condition)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`, item.GRNID, item.POLineID, item.ReceivedQty, item.AcceptedQty, item.RejectedQty, item.Condition).Scan(&item.ID); err != nil {
			return ledger.GoodsReceipt{}, err
		}
		items[i] = item
	}
	grn.Items = items
	return grn, nil
}

func (r receipts) Update(ctx context.Context, grn ledger.GoodsReceipt) error {
	tag, err := r.q.Exec(ctx, `UPDATE goods_receipts SET status=$2, rejection_reason=$3, finalized_at=$4, finalized_by=$5, updated_at=NOW()
WHERE id=$1`, grn.ID, grn.Status, grn.RejectionReason, grn.FinalizedAt, grn.FinalizedBy)
	if err != nil {
		return err
	}
	return expectRow(tag, "grn", grn.ID)
}

func (r receipts) UpdateItems(ctx context.Context, items []ledger.GoodsReceiptItem) error {
	for _, item := range items {
		tag, err := r.q.Exec(ctx, `UPDATE goods_receipt_items SET accepted_qty=$3, rejected_qty=$4, condition=$5
WHERE id=$1 AND grn_id=$2`, item.ID, item.GRNID, item.AcceptedQty, item.RejectedQty, item.Condition)
		if err != nil {
			return err
		}
		if err := expectRow(tag, "grn item", item.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r receipts) AddInspection(ctx context.Context, in ledger.Inspection) (ledger.Inspection, error) {
	err := r.q.QueryRow(ctx, `INSERT INTO inspections (grn_id, inspector_id, result, quality_score, findings, inspected_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW())) RETURNING id, inspected_at`,
		in.GRNID, in.InspectorID, in.Result, in.QualityScore, in.Findings, nullTime(in.InspectedAt)).Scan(&in.ID, &in.InspectedAt)
	if err != nil {
		return ledger.Inspection{}, err
	}
	return in, nil
}
