package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/odyssey-erp/minerp/internal/ledger"
	"github.com/odyssey-erp/minerp/internal/shared"
)

func clonePO(po ledger.PurchaseOrder) ledger.PurchaseOrder {
	po.Lines = append([]ledger.PurchaseOrderLine(nil), po.Lines...)
	return po
}

func cloneReceipt(grn ledger.GoodsReceipt) ledger.GoodsReceipt {
	grn.Items = append([]ledger.GoodsReceiptItem(nil), grn.Items...)
	grn.Inspections = append([]ledger.Inspection(nil), grn.Inspections...)
	return grn
}

func cloneInvoice(inv ledger.VendorInvoice) ledger.VendorInvoice {
	inv.Items = append([]ledger.VendorInvoiceItem(nil), inv.Items...)
	return inv
}

type orders struct{ repos }

func (r orders) Get(_ context.Context, id int64) (ledger.PurchaseOrder, error) {
	st, done := r.read()
	defer done()
	po, ok := st.orders[id]
	if !ok {
		return ledger.PurchaseOrder{}, shared.NotFound("purchase order", id)
	}
	return clonePO(po), nil
}

func (r orders) Create(_ context.Context, po ledger.PurchaseOrder) (ledger.PurchaseOrder, error) {
	st, done := r.write()
	defer done()
	po = clonePO(po)
	po.ID = st.id()
	if po.CreatedAt.IsZero() {
		po.CreatedAt = r.now()
	}
	for i := range po.Lines {
		po.Lines[i].ID = st.id()
		po.Lines[i].POID = po.ID
		if po.Lines[i].Currency == "" {
			po.Lines[i].Currency = po.Currency
		}
	}
	st.orders[po.ID] = po
	return clonePO(po), nil
}

type receipts struct{ repos }

func (r receipts) Get(_ context.Context, id int64) (ledger.GoodsReceipt, error) {
	st, done := r.read()
	defer done()
	grn, ok := st.receipts[id]
	if !ok {
		return ledger.GoodsReceipt{}, shared.NotFound("grn", id)
	}
	return cloneReceipt(grn), nil
}

func (r receipts) GetForUpdate(ctx context.Context, id int64) (ledger.GoodsReceipt, error) {
	return r.Get(ctx, id)
}

func (r receipts) ListByPO(_ context.Context, poID int64) ([]ledger.GoodsReceipt, error) {
	st, done := r.read()
	defer done()
	var out []ledger.GoodsReceipt
	for _, grn := range st.receipts {
		if grn.POID == poID {
			out = append(out, cloneReceipt(grn))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r receipts) Create(_ context.Context, grn ledger.GoodsReceipt) (ledger.GoodsReceipt, error) {
	st, done := r.write()
	defer done()
	grn = cloneReceipt(grn)
	grn.ID = st.id()
	now := r.now()
	grn.CreatedAt, grn.UpdatedAt = now, now
	for i := range grn.Items {
		grn.Items[i].ID = st.id()
		grn.Items[i].GRNID = grn.ID
	}
	st.receipts[grn.ID] = grn
	return cloneReceipt(grn), nil
}

func (r receipts) Update(_ context.Context, grn ledger.GoodsReceipt) error {
	st, done := r.write()
	defer done()
	stored, ok := st.receipts[grn.ID]
	if !ok {
		return shared.NotFound("grn", grn.ID)
	}
	grn.Items = stored.Items
	grn.Inspections = stored.Inspections
	grn.CreatedAt = stored.CreatedAt
	grn.UpdatedAt = r.now()
	st.receipts[grn.ID] = grn
	return nil
}

func (r receipts) UpdateItems(_ context.Context, items []ledger.GoodsReceiptItem) error {
	st, done := r.write()
	defer done()
	for _, item := range items {
		grn, ok := st.receipts[item.GRNID]
		if !ok {
			return shared.NotFound("grn", item.GRNID)
		}
		target := grn.Item(item.ID)
		if target == nil {
			return shared.NotFound("grn item", item.ID)
		}
		*target = item
		st.receipts[grn.ID] = grn
	}
	return nil
}

func (r receipts) AddInspection(_ context.Context, inspection ledger.Inspection) (ledger.Inspection, error) {
	st, done := r.write()
	defer done()
	grn, ok := st.receipts[inspection.GRNID]
	if !ok {
		return ledger.Inspection{}, shared.NotFound("grn", inspection.GRNID)
	}
	inspection.ID = st.id()
	if inspection.InspectedAt.IsZero() {
		inspection.InspectedAt = r.now()
	}
	grn.Inspections = append(grn.Inspections, inspection)
	st.receipts[grn.ID] = grn
	return inspection, nil
}

type invoices struct{ repos }

func (r invoices) Get(_ context.Context, id int64) (ledger.VendorInvoice, error) {
	st, done := r.read()
	defer done()
	inv, ok := st.invoices[id]
	if !ok {
		return ledger.VendorInvoice{}, shared.NotFound("invoice", id)
	}
	return cloneInvoice(inv), nil
}

func (r invoices) GetForUpdate(ctx context.Context, id int64) (ledger.VendorInvoice, error) {
	return r.Get(ctx, id)
}

func (r invoices) List(_ context.Context, filter ledger.InvoiceFilter) ([]ledger.VendorInvoice, error) {
	st, done := r.read()
	defer done()
	var out []ledger.VendorInvoice
	for _, inv := range st.invoices {
		if filter.VendorID != 0 && inv.VendorID != filter.VendorID {
			continue
		}
		if filter.POID != 0 && (inv.POID == nil || *inv.POID != filter.POID) {
			continue
		}
		if filter.MatchStatus != "" && inv.MatchStatus != filter.MatchStatus {
			continue
		}
		if filter.PaymentStatus != "" && inv.PaymentStatus != filter.PaymentStatus {
			continue
		}
		out = append(out, cloneInvoice(inv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r invoices) Create(_ context.Context, inv ledger.VendorInvoice) (ledger.VendorInvoice, error) {
	st, done := r.write()
	defer done()
	inv = cloneInvoice(inv)
	inv.ID = st.id()
	now := r.now()
	inv.CreatedAt, inv.UpdatedAt = now, now
	for i := range inv.Items {
		inv.Items[i].ID = st.id()
		inv.Items[i].InvoiceID = inv.ID
		if inv.Items[i].LineNo == 0 {
			inv.Items[i].LineNo = i + 1
		}
	}
	st.invoices[inv.ID] = inv
	return cloneInvoice(inv), nil
}

func (r invoices) Update(_ context.Context, inv ledger.VendorInvoice) error {
	st, done := r.write()
	defer done()
	stored, ok := st.invoices[inv.ID]
	if !ok {
		return shared.NotFound("invoice", inv.ID)
	}
	inv.Items = stored.Items
	inv.CreatedAt = stored.CreatedAt
	inv.UpdatedAt = r.now()
	st.invoices[inv.ID] = inv
	return nil
}

func (r invoices) UpdateItems(_ context.Context, items []ledger.VendorInvoiceItem) error {
	st, done := r.write()
	defer done()
	for _, item := range items {
		inv, ok := st.invoices[item.InvoiceID]
		if !ok {
			return shared.NotFound("invoice", item.InvoiceID)
		}
		found := false
		for i := range inv.Items {
			if inv.Items[i].ID == item.ID {
				inv.Items[i] = item
				found = true
				break
			}
		}
		if !found {
			return shared.NotFound("invoice item", item.ID)
		}
		st.invoices[inv.ID] = inv
	}
	return nil
}

func (r invoices) ListOverdueCandidates(_ context.Context, asOf time.Time) ([]ledger.VendorInvoice, error) {
	st, done := r.read()
	defer done()
	var out []ledger.VendorInvoice
	for _, inv := range st.invoices {
		if inv.Voided || inv.PaymentStatus == ledger.PaymentPaid || inv.PaymentStatus == ledger.PaymentOverdue {
			continue
		}
		if inv.DueDate.IsZero() || !inv.DueDate.Before(asOf) {
			continue
		}
		out = append(out, cloneInvoice(inv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type payments struct{ repos }

func (r payments) ListByInvoice(_ context.Context, invoiceID int64) ([]ledger.Payment, error) {
	st, done := r.read()
	defer done()
	return append([]ledger.Payment(nil), st.payments[invoiceID]...), nil
}

func (r payments) Create(_ context.Context, payment ledger.Payment) (ledger.Payment, error) {
	st, done := r.write()
	defer done()
	if _, ok := st.invoices[payment.InvoiceID]; !ok {
		return ledger.Payment{}, shared.NotFound("invoice", payment.InvoiceID)
	}
	payment.ID = st.id()
	payment.CreatedAt = r.now()
	st.payments[payment.InvoiceID] = append(st.payments[payment.InvoiceID], payment)
	return payment, nil
}

func (r payments) ReferenceExists(_ context.Context, invoiceID int64, reference string) (bool, error) {
	st, done := r.read()
	defer done()
	for _, p := range st.payments[invoiceID] {
		if p.Reference == reference {
			return true, nil
		}
	}
	return false, nil
}
