package ledger

import (
	"context"
	"time"
)

// Store is the storage port used by the reconciliation services.
type Store interface {
	Repositories
	// WithTx runs fn inside a single atomic unit. Any error rolls every write back.
	WithTx(ctx context.Context, fn func(context.Context, Repositories) error) error
}

// Repositories groups the per-entity repositories of one unit of work.
type Repositories interface {
	PurchaseOrders() PurchaseOrderRepository
	Receipts() ReceiptRepository
	Invoices() InvoiceRepository
	Payments() PaymentRepository
}

// PurchaseOrderRepository reads purchase orders. Create exists for seeding and imports.
type PurchaseOrderRepository interface {
	Get(ctx context.Context, id int64) (PurchaseOrder, error)
	Create(ctx context.Context, po PurchaseOrder) (PurchaseOrder, error)
}

// ReceiptRepository persists goods receipts, their items and inspections.
type ReceiptRepository interface {
	Get(ctx context.Context, id int64) (GoodsReceipt, error)
	// GetForUpdate reads the receipt and holds it until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id int64) (GoodsReceipt, error)
	ListByPO(ctx context.Context, poID int64) ([]GoodsReceipt, error)
	Create(ctx context.Context, grn GoodsReceipt) (GoodsReceipt, error)
	Update(ctx context.Context, grn GoodsReceipt) error
	UpdateItems(ctx context.Context, items []GoodsReceiptItem) error
	AddInspection(ctx context.Context, inspection Inspection) (Inspection, error)
}

// InvoiceRepository persists vendor invoices and their items.
type InvoiceRepository interface {
	Get(ctx context.Context, id int64) (VendorInvoice, error)
	GetForUpdate(ctx context.Context, id int64) (VendorInvoice, error)
	List(ctx context.Context, filter InvoiceFilter) ([]VendorInvoice, error)
	Create(ctx context.Context, inv VendorInvoice) (VendorInvoice, error)
	Update(ctx context.Context, inv VendorInvoice) error
	UpdateItems(ctx context.Context, items []VendorInvoiceItem) error
	// ListOverdueCandidates returns unpaid, non-voided invoices due before asOf that are not yet OVERDUE.
	ListOverdueCandidates(ctx context.Context, asOf time.Time) ([]VendorInvoice, error)
}

// PaymentRepository appends payments.
type PaymentRepository interface {
	ListByInvoice(ctx context.Context, invoiceID int64) ([]Payment, error)
	Create(ctx context.Context, payment Payment) (Payment, error)
	ReferenceExists(ctx context.Context, invoiceID int64, reference string) (bool, error)
}
