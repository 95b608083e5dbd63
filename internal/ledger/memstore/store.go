// Package memstore keeps ledger entities in process. Transactions work on a copy of the
// whole state that replaces the committed state only when the callback succeeds.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/odyssey-erp/minerp/internal/ledger"
)

type state struct {
	nextID   int64
	orders   map[int64]ledger.PurchaseOrder
	receipts map[int64]ledger.GoodsReceipt
	invoices map[int64]ledger.VendorInvoice
	payments map[int64][]ledger.Payment
}

func newState() *state {
	return &state{
		orders:   make(map[int64]ledger.PurchaseOrder),
		receipts: make(map[int64]ledger.GoodsReceipt),
		invoices: make(map[int64]ledger.VendorInvoice),
		payments: make(map[int64][]ledger.Payment),
	}
}

func (s *state) clone() *state {
	out := newState()
	out.nextID = s.nextID
	for id, po := range s.orders {
		out.orders[id] = clonePO(po)
	}
	for id, grn := range s.receipts {
		out.receipts[id] = cloneReceipt(grn)
	}
	for id, inv := range s.invoices {
		out.invoices[id] = cloneInvoice(inv)
	}
	for id, payments := range s.payments {
		out.payments[id] = append([]ledger.Payment(nil), payments...)
	}
	return out
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store implements ledger.Store in memory.
type Store struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	st   *state
	now  func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{st: newState(), now: time.Now}
}

// WithNow overrides the clock used for CreatedAt/UpdatedAt stamps.
func (s *Store) WithNow(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

// WithTx runs fn against a private copy and commits it when fn returns nil. Transactions run one
// at a time across the whole store, even on unrelated entities.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ledger.Repositories) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	working := s.st.clone()
	s.mu.RUnlock()

	if err := fn(ctx, repos{store: s, tx: working}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.st = working
	s.mu.Unlock()
	return nil
}

func (s *Store) PurchaseOrders() ledger.PurchaseOrderRepository { return orders{repos{store: s}} }
func (s *Store) Receipts() ledger.ReceiptRepository             { return receipts{repos{store: s}} }
func (s *Store) Invoices() ledger.InvoiceRepository             { return invoices{repos{store: s}} }
func (s *Store) Payments() ledger.PaymentRepository             { return payments{repos{store: s}} }

// repos resolves the state to operate on: the transaction copy when tx is set, otherwise the
// committed state under the store locks.
type repos struct {
	store *Store
	tx    *state
}

func (r repos) PurchaseOrders() ledger.PurchaseOrderRepository { return orders{r} }
func (r repos) Receipts() ledger.ReceiptRepository             { return receipts{r} }
func (r repos) Invoices() ledger.InvoiceRepository             { return invoices{r} }
func (r repos) Payments() ledger.PaymentRepository             { return payments{r} }

func (r repos) read() (*state, func()) {
	if r.tx != nil {
		return r.tx, func() {}
	}
	r.store.mu.RLock()
	return r.store.st, r.store.mu.RUnlock
}

func (r repos) write() (*state, func()) {
	if r.tx != nil {
		return r.tx, func() {}
	}
	r.store.txMu.Lock()
	r.store.mu.Lock()
	return r.store.st, func() {
		r.store.mu.Unlock()
		r.store.txMu.Unlock()
	}
}

func (r repos) now() time.Time {
	return r.store.now()
}
