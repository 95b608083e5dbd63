// Package payables gates vendor invoices through approval, dispute and payment.
package payables

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/minerp/internal/ledger"
	"github.com/odyssey-erp/minerp/internal/shared"
)

const (
	entity         = "invoice"
	approvalModule = "AP_INVOICE"
	paymentModule  = "payables.payment"
	moneyScale     = 4
)

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ApprovalPort stores approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

// IdempotencyPort guards payment references across instances.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service orchestrates the invoice approval and payment lifecycle.
type Service struct {
	store       ledger.Store
	locks       shared.Locker
	audit       AuditPort
	approvals   ApprovalPort
	idempotency IdempotencyPort
	validate    *validator.Validate
	logger      *slog.Logger
	now         func() time.Time
}

// NewService constructs the payables service. audit, approvals and idempotency are optional.
func NewService(store ledger.Store, locks shared.Locker, audit AuditPort, approvals ApprovalPort, idem IdempotencyPort, logger *slog.Logger) *Service {
	if locks == nil {
		locks = shared.NewKeyedMutex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		locks:       locks,
		audit:       audit,
		approvals:   approvals,
		idempotency: idem,
		validate:    shared.NewValidator(),
		logger:      logger,
		now:         time.Now,
	}
}

// WithNow overrides the clock, primarily for tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// ApprovalRef returns the approval reference of an invoice.
func ApprovalRef(invoiceID int64) uuid.UUID {
	return shared.ApprovalRef(approvalModule, invoiceID)
}

// GetInvoice returns the invoice with its items.
func (s *Service) GetInvoice(ctx context.Context, id int64) (ledger.VendorInvoice, error) {
	return s.store.Invoices().Get(ctx, id)
}

// ListInvoices returns invoices matching filter.
func (s *Service) ListInvoices(ctx context.Context, filter ledger.InvoiceFilter) ([]ledger.VendorInvoice, error) {
	return s.store.Invoices().List(ctx, filter)
}

// ListPayments returns the payment history of an invoice.
func (s *Service) ListPayments(ctx context.Context, invoiceID int64) ([]ledger.Payment, error) {
	if _, err := s.store.Invoices().Get(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.store.Payments().ListByInvoice(ctx, invoiceID)
}

// ApprovalHistory returns the approval log of an invoice.
func (s *Service) ApprovalHistory(ctx context.Context, invoiceID int64) ([]shared.ApprovalLog, error) {
	if s.approvals == nil {
		return nil, nil
	}
	return s.approvals.List(ctx, approvalModule, ApprovalRef(invoiceID))
}

// ApproveInvoice marks a matched or partially matched invoice as approved for payment.
// Approving an approved invoice returns it unchanged.
func (s *Service) ApproveInvoice(ctx context.Context, id int64) (ledger.VendorInvoice, error) {
	changed := false
	inv, err := s.mutate(ctx, id, func(ctx context.Context, tx ledger.Repositories, inv *ledger.VendorInvoice) error {
		if inv.Voided {
			return shared.InvalidState(entity, inv.ID, "voided invoices cannot be approved")
		}
		if !inv.MatchStatus.Approvable() {
			return shared.Precondition(entity, inv.ID, fmt.Sprintf("match status is %s, must be MATCHED or PARTIAL_MATCH", inv.MatchStatus))
		}
		if inv.ApprovedForPayment {
			return nil
		}
		now := s.now()
		inv.ApprovedForPayment = true
		inv.ApprovedAt = &now
		if actor := shared.ActorFromContext(ctx).ID; actor != 0 {
			inv.ApprovedBy = &actor
		}
		changed = true
		return tx.Invoices().Update(ctx, *inv)
	})
	if err != nil {
		return ledger.VendorInvoice{}, err
	}
	if changed {
		s.recordApproval(ctx, id, shared.ApprovalApprove, fmt.Sprintf("invoice %s approved (%s)", inv.Number, inv.MatchStatus))
		s.recordAudit(ctx, "INVOICE_APPROVE", id, map[string]any{"match_status": inv.MatchStatus})
	}
	return inv, nil
}

// DisputeInvoice flags an unpaid invoice as disputed and appends notes. Approval is untouched.
func (s *Service) DisputeInvoice(ctx context.Context, id int64, notes string) (ledger.VendorInvoice, error) {
	notes = strings.TrimSpace(notes)
	if utf8.RuneCountInString(notes) < 2 {
		return ledger.VendorInvoice{}, shared.Validation(entity, id, 0, "notes", "must be at least 2 characters")
	}
	inv, err := s.mutate(ctx, id, func(ctx context.Context, tx ledger.Repositories, inv *ledger.VendorInvoice) error {
		if inv.Voided {
			return shared.InvalidState(entity, inv.ID, "voided invoices cannot be disputed")
		}
		if inv.PaymentStatus == ledger.PaymentPaid {
			return shared.InvalidState(entity, inv.ID, "paid invoices cannot be disputed")
		}
		inv.Disputed = true
		inv.DisputeNotes = appendNote(inv.DisputeNotes, s.now(), notes)
		return tx.Invoices().Update(ctx, *inv)
	})
	if err != nil {
		return ledger.VendorInvoice{}, err
	}
	s.recordApproval(ctx, id, shared.ApprovalDispute, notes)
	s.recordAudit(ctx, "INVOICE_DISPUTE", id, map[string]any{"notes": notes})
	return inv, nil
}

// ResolveDispute clears the dispute marker and keeps the notes history.
func (s *Service) ResolveDispute(ctx context.Context, id int64, notes string) (ledger.VendorInvoice, error) {
	notes = strings.TrimSpace(notes)
	if utf8.RuneCountInString(notes) < 2 {
		return ledger.VendorInvoice{}, shared.Validation(entity, id, 0, "notes", "must be at least 2 characters")
	}
	inv, err := s.mutate(ctx, id, func(ctx context.Context, tx ledger.Repositories, inv *ledger.VendorInvoice) error {
		if !inv.Disputed {
			return shared.Precondition(entity, inv.ID, "invoice is not disputed")
		}
		inv.Disputed = false
		inv.DisputeNotes = appendNote(inv.DisputeNotes, s.now(), "resolved: "+notes)
		return tx.Invoices().Update(ctx, *inv)
	})
	if err != nil {
		return ledger.VendorInvoice{}, err
	}
	s.recordApproval(ctx, id, shared.ApprovalResolve, notes)
	s.recordAudit(ctx, "INVOICE_DISPUTE_RESOLVE", id, map[string]any{"notes": notes})
	return inv, nil
}

// PayInput describes one payment.
type PayInput struct {
	InvoiceID int64
	Amount    decimal.Decimal
	PaidAt    time.Time
	Method    string
	Reference string
	Notes     string
}

// PayInvoice appends a payment to an approved invoice and recomputes its payment status.
// Payments that would exceed the invoice total fail with an OverpaymentError and change nothing.
func (s *Service) PayInvoice(ctx context.Context, input PayInput) (ledger.VendorInvoice, error) {
	if !input.Amount.IsPositive() {
		return ledger.VendorInvoice{}, &shared.RuleError{Kind: shared.ErrValidation, Entity: entity, EntityID: input.InvoiceID,
			Field: "amount", Rule: "must be greater than zero", Detail: input.Amount.String()}
	}
	method := strings.TrimSpace(input.Method)
	if method == "" {
		return ledger.VendorInvoice{}, shared.Validation(entity, input.InvoiceID, 0, "method", "is required")
	}
	reference := strings.TrimSpace(input.Reference)

	unlock, err := s.locks.Lock(ctx, shared.InvoiceLockKey(input.InvoiceID))
	if err != nil {
		return ledger.VendorInvoice{}, err
	}
	defer unlock()

	key := ""
	if reference != "" && s.idempotency != nil {
		key = fmt.Sprintf("PAY:%d:%s", input.InvoiceID, reference)
		if err := s.idempotency.CheckAndInsert(ctx, key, paymentModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return ledger.VendorInvoice{}, duplicateReference(input.InvoiceID, reference)
			}
			return ledger.VendorInvoice{}, err
		}
	}

	var (
		out     ledger.VendorInvoice
		payment ledger.Payment
	)
	err = s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Repositories) error {
		inv, err := tx.Invoices().GetForUpdate(ctx, input.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Voided {
			return shared.InvalidState(entity, inv.ID, "voided invoices cannot be paid")
		}
		if !inv.ApprovedForPayment {
			return shared.Precondition(entity, inv.ID, "invoice is not approved for payment")
		}
		if !inv.MatchStatus.Approvable() {
			return shared.Precondition(entity, inv.ID, fmt.Sprintf("match status is %s, must be MATCHED or PARTIAL_MATCH", inv.MatchStatus))
		}
		if reference != "" {
			exists, err := tx.Payments().ReferenceExists(ctx, inv.ID, reference)
			if err != nil {
				return err
			}
			if exists {
				return duplicateReference(inv.ID, reference)
			}
		}
		paid := inv.PaidAmount.Add(input.Amount)
		if paid.GreaterThan(inv.Total) {
			return &shared.OverpaymentError{InvoiceID: inv.ID, Total: inv.Total, Paid: inv.PaidAmount, Attempted: input.Amount}
		}
		paidAt := input.PaidAt
		if paidAt.IsZero() {
			paidAt = s.now()
		}
		payment, err = tx.Payments().Create(ctx, ledger.Payment{
			InvoiceID: inv.ID,
			Amount:    input.Amount,
			PaidAt:    paidAt,
			Method:    method,
			Reference: reference,
			Notes:     strings.TrimSpace(input.Notes),
			ActorID:   shared.ActorFromContext(ctx).ID,
		})
		if err != nil {
			return err
		}
		inv.PaidAmount = paid
		inv.PaymentStatus = ledger.DerivePaymentStatus(inv.Total, paid, inv.DueDate, s.now())
		if err := tx.Invoices().Update(ctx, inv); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		if key != "" {
			_ = s.idempotency.Delete(ctx, key)
		}
		return ledger.VendorInvoice{}, err
	}
	s.recordAudit(ctx, "INVOICE_PAY", out.ID, map[string]any{
		"payment_id": payment.ID,
		"amount":     payment.Amount.String(),
		"method":     payment.Method,
		"status":     out.PaymentStatus,
	})
	return out, nil
}

// VoidInvoice voids an invoice that has no payments. Voided invoices refuse every further action.
func (s *Service) VoidInvoice(ctx context.Context, id int64, reason string) (ledger.VendorInvoice, error) {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) < 2 {
		return ledger.VendorInvoice{}, shared.Validation(entity, id, 0, "reason", "must be at least 2 characters")
	}
	inv, err := s.mutate(ctx, id, func(ctx context.Context, tx ledger.Repositories, inv *ledger.VendorInvoice) error {
		if inv.Voided {
			return shared.InvalidState(entity, inv.ID, "invoice already voided")
		}
		if inv.PaidAmount.IsPositive() {
			return shared.Precondition(entity, inv.ID, "invoice has payments, issue a credit note instead")
		}
		now := s.now()
		inv.Voided = true
		inv.VoidedAt = &now
		inv.VoidReason = reason
		inv.ApprovedForPayment = false
		return tx.Invoices().Update(ctx, *inv)
	})
	if err != nil {
		return ledger.VendorInvoice{}, err
	}
	s.recordAudit(ctx, "INVOICE_VOID", id, map[string]any{"reason": reason})
	return inv, nil
}

// RefreshOverdue moves unpaid invoices past their due date to OVERDUE and returns how many
// changed.
func (s *Service) RefreshOverdue(ctx context.Context) (int, error) {
	now := s.now()
	candidates, err := s.store.Invoices().ListOverdueCandidates(ctx, now)
	if err != nil {
		return 0, err
	}
	updated := 0
	var errs []error
	for _, candidate := range candidates {
		changed := false
		_, err := s.mutate(ctx, candidate.ID, func(ctx context.Context, tx ledger.Repositories, inv *ledger.VendorInvoice) error {
			if inv.Voided {
				return nil
			}
			status := ledger.DerivePaymentStatus(inv.Total, inv.PaidAmount, inv.DueDate, now)
			if status == inv.PaymentStatus {
				return nil
			}
			inv.PaymentStatus = status
			changed = true
			return tx.Invoices().Update(ctx, *inv)
		})
		if err != nil {
			s.logger.Error("refresh overdue", slog.Int64("invoice_id", candidate.ID), slog.Any("error", err))
			errs = append(errs, err)
			continue
		}
		if changed {
			updated++
		}
	}
	return updated, errors.Join(errs...)
}

func (s *Service) mutate(ctx context.Context, id int64, fn func(context.Context, ledger.Repositories, *ledger.VendorInvoice) error) (ledger.VendorInvoice, error) {
	unlock, err := s.locks.Lock(ctx, shared.InvoiceLockKey(id))
	if err != nil {
		return ledger.VendorInvoice{}, err
	}
	defer unlock()

	var out ledger.VendorInvoice
	err = s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Repositories) error {
		inv, err := tx.Invoices().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx, &inv); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return ledger.VendorInvoice{}, err
	}
	return out, nil
}

func (s *Service) recordApproval(ctx context.Context, id int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	log := shared.ApprovalLog{Module: approvalModule, RefID: ApprovalRef(id), ActorID: shared.ActorFromContext(ctx).ID, Action: action, Note: note, At: s.now()}
	if err := s.approvals.Record(ctx, log); err != nil {
		s.logger.Warn("record approval", slog.Int64("invoice_id", id), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	log := shared.AuditLog{ActorID: shared.ActorFromContext(ctx).ID, Action: action, Entity: entity, EntityID: fmt.Sprintf("%d", id), Meta: meta}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("record audit", slog.String("action", action), slog.Int64("invoice_id", id), slog.Any("error", err))
	}
}

func duplicateReference(id int64, reference string) error {
	return &shared.RuleError{Kind: shared.ErrValidation, Entity: entity, EntityID: id, Field: "reference",
		Rule: "payment reference already used on this invoice", Detail: reference}
}

func appendNote(existing string, at time.Time, note string) string {
	entry := fmt.Sprintf("[%s] %s", at.UTC().Format(time.RFC3339), note)
	if existing == "" {
		return entry
	}
	return existing + "\n" + entry
}
