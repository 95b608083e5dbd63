package matching

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/minerp/internal/ledger"
	"github.com/odyssey-erp/minerp/internal/shared"
)

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service loads invoice, PO and receipts, runs Match and stores the result.
type Service struct {
	store     ledger.Store
	locks     shared.Locker
	audit     AuditPort
	logger    *slog.Logger
	now       func() time.Time
	tolerance decimal.Decimal
}

// NewService constructs the matching service.
func NewService(store ledger.Store, locks shared.Locker, audit AuditPort, logger *slog.Logger) *Service {
	if locks == nil {
		locks = shared.NewKeyedMutex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, locks: locks, audit: audit, logger: logger, now: time.Now, tolerance: DefaultTolerance}
}

// WithNow overrides the clock, primarily for tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithDefaultTolerance replaces the tolerance used when callers omit one.
func (s *Service) WithDefaultTolerance(pct decimal.Decimal) *Service {
	if !pct.IsNegative() {
		s.tolerance = pct
	}
	return s
}

// MatchInvoice runs the match for one invoice and overwrites its match fields. A nil tolerance
// selects the default.
func (s *Service) MatchInvoice(ctx context.Context, invoiceID int64, tolerance *decimal.Decimal) (ledger.VendorInvoice, error) {
	tol := s.tolerance
	if tolerance != nil {
		tol = *tolerance
	}
	if tol.IsNegative() {
		return ledger.VendorInvoice{}, &shared.RuleError{Kind: shared.ErrValidation, Entity: "invoice", EntityID: invoiceID,
			Field: "tolerance_percent", Rule: "must not be negative", Detail: tol.String()}
	}

	unlock, err := s.locks.Lock(ctx, shared.InvoiceLockKey(invoiceID))
	if err != nil {
		return ledger.VendorInvoice{}, err
	}
	defer unlock()

	var (
		out     ledger.VendorInvoice
		res     Result
		revoked bool
	)
	err = s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Repositories) error {
		inv, err := tx.Invoices().GetForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Voided {
			return shared.InvalidState("invoice", inv.ID, "voided invoices cannot be matched")
		}
		in := Input{Invoice: inv, Tolerance: tol}
		if inv.POID != nil {
			po, err := tx.PurchaseOrders().Get(ctx, *inv.POID)
			if err != nil {
				return err
			}
			in.POLines = po.Lines
			in.Accepted, err = acceptedByPOLine(ctx, tx, po.ID)
			if err != nil {
				return err
			}
		}
		res = Match(in)
		res.Apply(&inv, s.now())
		revoked = revokeApproval(&inv)
		if err := tx.Invoices().Update(ctx, inv); err != nil {
			return err
		}
		if err := tx.Invoices().UpdateItems(ctx, inv.Items); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return ledger.VendorInvoice{}, err
	}

	s.logger.Info("invoice matched",
		slog.Int64("invoice_id", invoiceID),
		slog.String("status", string(res.Status)),
		slog.String("price_variance", out.PriceVariance.String()),
		slog.String("quantity_variance", out.QuantityVariance.String()))
	if revoked {
		s.logger.Warn("payment approval revoked", slog.Int64("invoice_id", invoiceID), slog.String("status", string(res.Status)))
	}
	if s.audit != nil {
		log := shared.AuditLog{ActorID: shared.ActorFromContext(ctx).ID, Action: "INVOICE_MATCH", Entity: "invoice", EntityID: fmt.Sprintf("%d", invoiceID),
			Meta: map[string]any{"status": res.Status, "tolerance": tol.String(), "linked": res.Linked(), "lines": len(res.Lines), "approval_revoked": revoked}}
		if err := s.audit.Record(ctx, log); err != nil {
			s.logger.Warn("record audit", slog.Int64("invoice_id", invoiceID), slog.Any("error", err))
		}
	}
	return out, nil
}

// revokeApproval withdraws payment approval from an unpaid invoice whose match no longer
// qualifies. Paid invoices keep the flag; PayInvoice checks the match status itself.
func revokeApproval(inv *ledger.VendorInvoice) bool {
	if !inv.ApprovedForPayment || inv.MatchStatus.Approvable() || inv.PaidAmount.IsPositive() {
		return false
	}
	inv.ApprovedForPayment = false
	inv.ApprovedAt = nil
	inv.ApprovedBy = nil
	return true
}

// acceptedByPOLine sums accepted quantities of finalized receipts per PO line.
func acceptedByPOLine(ctx context.Context, tx ledger.Repositories, poID int64) (map[int64]decimal.Decimal, error) {
	receipts, err := tx.Receipts().ListByPO(ctx, poID)
	if err != nil {
		return nil, err
	}
	accepted := make(map[int64]decimal.Decimal)
	for _, grn := range receipts {
		if !grn.Status.IsTerminal() {
			continue
		}
		for _, item := range grn.Items {
			accepted[item.POLineID] = accepted[item.POLineID].Add(item.AcceptedQty)
		}
	}
	return accepted, nil
}
