// Package exchange implements the long-running job kinds: invoice import, invoice export and
// audit package assembly.
package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/minerp/internal/ledger"
	"github.com/odyssey-erp/minerp/internal/payables"
	"github.com/odyssey-erp/minerp/internal/platform/blob"
	"github.com/odyssey-erp/minerp/internal/runner"
	"github.com/odyssey-erp/minerp/internal/shared"
)

const (
	KindCSVImport    runner.Kind = "csv_import"
	KindCSVExport    runner.Kind = "csv_export"
	KindAuditPackage runner.Kind = "audit_package"
)

// InvoiceCreator creates invoices through the payables workflow.
type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, input payables.CreateInvoiceInput) (ledger.VendorInvoice, error)
}

// AuditSource reads the audit trail of an entity.
type AuditSource interface {
	List(ctx context.Context, entity, entityID string) ([]shared.AuditLog, error)
}

// ApprovalSource reads the approval history of an invoice.
type ApprovalSource interface {
	ApprovalHistory(ctx context.Context, invoiceID int64) ([]shared.ApprovalLog, error)
}

// Service owns the exchange job kinds.
type Service struct {
	store     ledger.Store
	blobs     blob.Store
	invoices  InvoiceCreator
	audit     AuditSource
	approvals ApprovalSource
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the exchange service. audit and approvals are optional.
func NewService(store ledger.Store, blobs blob.Store, invoices InvoiceCreator, audit AuditSource, approvals ApprovalSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		blobs:     blobs,
		invoices:  invoices,
		audit:     audit,
		approvals: approvals,
		validate:  shared.NewValidator(),
		logger:    logger,
		now:       time.Now,
	}
}

// WithNow overrides the clock, primarily for tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Register installs every exchange job kind on r.
func (s *Service) Register(r *runner.Runner) {
	r.Register(KindCSVImport, s.runImport)
	r.Register(KindCSVExport, s.runExport)
	r.Register(KindAuditPackage, s.runAuditPackage)
}

// ValidateParams checks job parameters at submission so malformed jobs are rejected synchronously.
func (s *Service) ValidateParams(kind runner.Kind, raw json.RawMessage) error {
	var target any
	switch kind {
	case KindCSVImport:
		target = &ImportParams{}
	case KindCSVExport:
		target = &ExportParams{}
	case KindAuditPackage:
		target = &AuditPackageParams{}
	default:
		return nil
	}
	return decodeParams(s.validate, kind, raw, target)
}

func decodeParams(v *validator.Validate, kind runner.Kind, raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return &shared.RuleError{Kind: shared.ErrValidation, Entity: string(kind), Field: "params", Rule: "malformed", Detail: err.Error()}
	}
	return shared.ValidateStruct(v, string(kind), target)
}

func jobContext(ctx context.Context, job runner.Job) context.Context {
	return shared.ContextWithActor(ctx, shared.Actor{ID: job.ActorID})
}
