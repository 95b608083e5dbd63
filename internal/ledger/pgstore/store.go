// Package pgstore persists ledger entities in PostgreSQL.
package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/minerp/internal/ledger"
	"github.com/odyssey-erp/minerp/internal/platform/db"
	"github.com/odyssey-erp/minerp/internal/shared"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides PostgreSQL backed persistence.
type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// New constructs a store on top of pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithTx wraps callback in repeatable-read transaction.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ledger.Repositories) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, repos{q: tx})
	})
}

func (s *Store) PurchaseOrders() ledger.PurchaseOrderRepository { return orders{s.pool} }
func (s *Store) Receipts() ledger.ReceiptRepository             { return receipts{s.pool} }
func (s *Store) Invoices() ledger.InvoiceRepository             { return invoices{s.pool} }
func (s *Store) Payments() ledger.PaymentRepository             { return payments{s.pool} }

type repos struct {
	q querier
}

func (r repos) PurchaseOrders() ledger.PurchaseOrderRepository { return orders{r.q} }
func (r repos) Receipts() ledger.ReceiptRepository             { return receipts{r.q} }
func (r repos) Invoices() ledger.InvoiceRepository             { return invoices{r.q} }
func (r repos) Payments() ledger.PaymentRepository             { return payments{r.q} }

func notFound(err error, entity string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return shared.NotFound(entity, id)
	}
	return err
}

func expectRow(tag pgconn.CommandTag, entity string, id int64) error {
	if tag.RowsAffected() == 0 {
		return shared.NotFound(entity, id)
	}
	return nil
}
