// Package acceptance reconciles received quantities against accepted and rejected quantities
// and drives goods receipt status.
package acceptance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/minerp/internal/ledger"
	"github.com/odyssey-erp/minerp/internal/shared"
)

const entity = "grn"

var maxScore = decimal.NewFromInt(100)

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs the goods receipt state machine.
type Service struct {
	store  ledger.Store
	locks  shared.Locker
	audit  AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the acceptance service.
func NewService(store ledger.Store, locks shared.Locker, audit AuditPort, logger *slog.Logger) *Service {
	if locks == nil {
		locks = shared.NewKeyedMutex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, locks: locks, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock, primarily for tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// InspectionInput describes a quality check.
type InspectionInput struct {
	InspectorID  int64
	Result       ledger.InspectionResult
	QualityScore decimal.Decimal
	Findings     string
	InspectedAt  time.Time
}

// LineDecision carries the accepted and rejected quantity of one receipt item.
type LineDecision struct {
	ItemID      int64
	AcceptedQty decimal.Decimal
	RejectedQty decimal.Decimal
	Condition   string
}

// CreateReceiptInput describes goods arriving against a purchase order.
type CreateReceiptInput struct {
	Number     string
	POID       int64
	Site       string
	ReceivedAt time.Time
	Lines      []ReceiptLineInput
}

// ReceiptLineInput is one received line.
type ReceiptLineInput struct {
	POLineID    int64
	ReceivedQty decimal.Decimal
	Condition   string
}

// GetReceipt returns the receipt with items and inspection history.
func (s *Service) GetReceipt(ctx context.Context, id int64) (ledger.GoodsReceipt, error) {
	return s.store.Receipts().Get(ctx, id)
}

// CreateReceipt records goods received against an approved purchase order.
func (s *Service) CreateReceipt(ctx context.Context, input CreateReceiptInput) (ledger.GoodsReceipt, error) {
	if len(input.Lines) == 0 {
		return ledger.GoodsReceipt{}, shared.Validation(entity, 0, 0, "lines", "at least one line is required")
	}
	var created ledger.GoodsReceipt
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Repositories) error {
		po, err := tx.PurchaseOrders().Get(ctx, input.POID)
		if err != nil {
			return err
		}
		if po.Status != ledger.POStatusApproved {
			return shared.Precondition("purchase order", po.ID, fmt.Sprintf("must be APPROVED to receive goods, is %s", po.Status))
		}
		grn := ledger.GoodsReceipt{
			Number:     input.Number,
			POID:       po.ID,
			Site:       strings.TrimSpace(input.Site),
			Status:     ledger.GRNStatusPendingInspection,
			ReceivedAt: input.ReceivedAt,
		}
		if grn.Number == "" {
			grn.Number = generateNumber("GRN", s.now())
		}
		if grn.Site == "" {
			grn.Site = po.Site
		}
		if grn.ReceivedAt.IsZero() {
			grn.ReceivedAt = s.now()
		}
		for i, line := range input.Lines {
			if _, ok := po.Line(line.POLineID); !ok {
				return &shared.RuleError{Kind: shared.ErrValidation, Entity: entity, Line: i + 1, Field: "po_line_id",
					Rule: "must reference a line of the purchase order", Detail: fmt.Sprintf("po %d has no line %d", po.ID, line.POLineID)}
			}
			if !line.ReceivedQty.IsPositive() {
				return &shared.RuleError{Kind: shared.ErrValidation, Entity: entity, Line: i + 1, Field: "received_qty",
					Rule: "must be greater than zero", Detail: line.ReceivedQty.String()}
			}
			grn.Items = append(grn.Items, ledger.GoodsReceiptItem{
				POLineID:    line.POLineID,
				ReceivedQty: line.ReceivedQty,
				AcceptedQty: decimal.Zero,
				RejectedQty: decimal.Zero,
				Condition:   line.Condition,
			})
		}
		created, err = tx.Receipts().Create(ctx, grn)
		return err
	})
	if err != nil {
		return ledger.GoodsReceipt{}, err
	}
	s.recordAudit(ctx, "GRN_CREATE", created.ID, map[string]any{"number": created.Number, "po_id": created.POID})
	return created, nil
}

// RecordInspection appends an inspection and moves the receipt into INSPECTING. It never
// finalizes the receipt.
func (s *Service) RecordInspection(ctx context.Context, grnID int64, input InspectionInput) (ledger.GoodsReceipt, error) {
	if !input.Result.IsValid() {
		return ledger.GoodsReceipt{}, &shared.RuleError{Kind: shared.ErrValidation, Entity: entity, EntityID: grnID, Field: "result",
			Rule: "must be PASS, FAIL or CONDITIONAL", Detail: string(input.Result)}
	}
	if input.QualityScore.IsNegative() || input.QualityScore.GreaterThan(maxScore) {
		return ledger.GoodsReceipt{}, &shared.RuleError{Kind: shared.ErrValidation, Entity: entity, EntityID: grnID, Field: "quality_score",
			Rule: "must be between 0 and 100", Detail: input.QualityScore.String()}
	}
	inspector := input.InspectorID
	if inspector == 0 {
		inspector = shared.ActorFromContext(ctx).ID
	}
	grn, err := s.mutate(ctx, grnID, func(ctx context.Context, tx ledger.Repositories, grn *ledger.GoodsReceipt) error {
		if grn.Status.IsTerminal() {
			return shared.InvalidState(entity, grn.ID, fmt.Sprintf("cannot inspect a %s receipt", grn.Status))
		}
		inspectedAt := input.InspectedAt
		if inspectedAt.IsZero() {
			inspectedAt = s.now()
		}
		if _, err := tx.Receipts().AddInspection(ctx, ledger.Inspection{
			GRNID:        grn.ID,
			InspectorID:  inspector,
			Result:       input.Result,
			QualityScore: input.QualityScore,
			Findings:     strings.TrimSpace(input.Findings),
			InspectedAt:  inspectedAt,
		}); err != nil {
			return err
		}
		if grn.Status == ledger.GRNStatusPendingInspection {
			grn.Status = ledger.GRNStatusInspecting
			return tx.Receipts().Update(ctx, *grn)
		}
		return nil
	})
	if err != nil {
		return ledger.GoodsReceipt{}, err
	}
	s.recordAudit(ctx, "GRN_INSPECT", grnID, map[string]any{"result": input.Result, "score": input.QualityScore.String()})
	return grn, nil
}

// AcceptLines applies per-line accepted and rejected quantities and finalizes the receipt.
// Either every decision is applied or none is.
func (s *Service) AcceptLines(ctx context.Context, grnID int64, decisions []LineDecision) (ledger.GoodsReceipt, error) {
	if len(decisions) == 0 {
		return ledger.GoodsReceipt{}, shared.Validation(entity, grnID, 0, "lines", "at least one line decision is required")
	}
	grn, err := s.mutate(ctx, grnID, func(ctx context.Context, tx ledger.Repositories, grn *ledger.GoodsReceipt) error {
		if grn.Status.IsTerminal() {
			return shared.InvalidState(entity, grn.ID, fmt.Sprintf("receipt already finalized as %s", grn.Status))
		}
		items, err := applyDecisions(*grn, decisions)
		if err != nil {
			return err
		}
		if err := tx.Receipts().UpdateItems(ctx, items); err != nil {
			return err
		}
		grn.Items = items
		return s.finalize(ctx, tx, grn, DeriveStatus(items))
	})
	if err != nil {
		return ledger.GoodsReceipt{}, err
	}
	s.recordAudit(ctx, "GRN_ACCEPT", grnID, map[string]any{"status": grn.Status, "lines": len(decisions)})
	return grn, nil
}

// RejectAll rejects every received quantity of the receipt.
func (s *Service) RejectAll(ctx context.Context, grnID int64, reason string) (ledger.GoodsReceipt, error) {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) < 2 {
		return ledger.GoodsReceipt{}, shared.Validation(entity, grnID, 0, "reason", "must be at least 2 characters")
	}
	grn, err := s.mutate(ctx, grnID, func(ctx context.Context, tx ledger.Repositories, grn *ledger.GoodsReceipt) error {
		if grn.Status.IsTerminal() {
			return shared.InvalidState(entity, grn.ID, fmt.Sprintf("receipt already finalized as %s", grn.Status))
		}
		items := make([]ledger.GoodsReceiptItem, len(grn.Items))
		for i, item := range grn.Items {
			item.AcceptedQty = decimal.Zero
			item.RejectedQty = item.ReceivedQty
			items[i] = item
		}
		if err := tx.Receipts().UpdateItems(ctx, items); err != nil {
			return err
		}
		grn.Items = items
		grn.RejectionReason = reason
		return s.finalize(ctx, tx, grn, ledger.GRNStatusRejected)
	})
	if err != nil {
		return ledger.GoodsReceipt{}, err
	}
	s.recordAudit(ctx, "GRN_REJECT", grnID, map[string]any{"reason": reason})
	return grn, nil
}

func (s *Service) finalize(ctx context.Context, tx ledger.Repositories, grn *ledger.GoodsReceipt, status ledger.GRNStatus) error {
	now := s.now()
	grn.Status = status
	grn.FinalizedAt = &now
	if actor := shared.ActorFromContext(ctx).ID; actor != 0 {
		grn.FinalizedBy = &actor
	}
	return tx.Receipts().Update(ctx, *grn)
}

// mutate serialises fn per receipt and runs it inside one transaction on a freshly locked row.
func (s *Service) mutate(ctx context.Context, grnID int64, fn func(context.Context, ledger.Repositories, *ledger.GoodsReceipt) error) (ledger.GoodsReceipt, error) {
	unlock, err := s.locks.Lock(ctx, shared.ReceiptLockKey(grnID))
	if err != nil {
		return ledger.GoodsReceipt{}, err
	}
	defer unlock()

	var out ledger.GoodsReceipt
	err = s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Repositories) error {
		grn, err := tx.Receipts().GetForUpdate(ctx, grnID)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx, &grn); err != nil {
			return err
		}
		out, err = tx.Receipts().Get(ctx, grnID)
		return err
	})
	if err != nil {
		return ledger.GoodsReceipt{}, err
	}
	return out, nil
}

func (s *Service) recordAudit(ctx context.Context, action string, grnID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	log := shared.AuditLog{ActorID: shared.ActorFromContext(ctx).ID, Action: action, Entity: entity, EntityID: fmt.Sprintf("%d", grnID), Meta: meta}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("record audit", slog.String("action", action), slog.Int64("grn_id", grnID), slog.Any("error", err))
	}
}

func generateNumber(prefix string, now time.Time) string {
	return fmt.Sprintf("%s-%d", prefix, now.UnixNano())
}
