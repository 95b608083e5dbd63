package exchange

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/minerp/internal/ledger"
	"github.com/odyssey-erp/minerp/internal/runner"
	"github.com/odyssey-erp/minerp/internal/shared"
)

// AuditPackageParams configures an audit_package job.
type AuditPackageParams struct {
	InvoiceID int64 `json:"invoice_id" validate:"required,gt=0"`
}

// AuditPackage is everything an auditor needs to trace one invoice.
type AuditPackage struct {
	Invoice       ledger.VendorInvoice  `json:"invoice"`
	PurchaseOrder *ledger.PurchaseOrder `json:"purchase_order,omitempty"`
	Receipts      []ledger.GoodsReceipt `json:"receipts"`
	Payments      []ledger.Payment      `json:"payments"`
	AuditTrail    []shared.AuditLog     `json:"audit_trail"`
	ReceiptTrail  []shared.AuditLog     `json:"receipt_audit_trail"`
	Approvals     []shared.ApprovalLog  `json:"approvals"`
	GeneratedAt   time.Time             `json:"generated_at"`
}

type packageEntry struct {
	name string
	doc  any
}

func (pkg AuditPackage) entries() []packageEntry {
	manifest := map[string]any{
		"invoice_id":   pkg.Invoice.ID,
		"invoice":      pkg.Invoice.Number,
		"generated_at": pkg.GeneratedAt,
		"receipts":     len(pkg.Receipts),
		"payments":     len(pkg.Payments),
	}
	return []packageEntry{
		{"manifest.json", manifest},
		{"invoice.json", pkg.Invoice},
		{"purchase_order.json", pkg.PurchaseOrder},
		{"receipts.json", pkg.Receipts},
		{"payments.json", pkg.Payments},
		{"audit_trail.json", append(append([]shared.AuditLog{}, pkg.AuditTrail...), pkg.ReceiptTrail...)},
		{"approvals.json", pkg.Approvals},
	}
}

func (s *Service) runAuditPackage(ctx context.Context, job runner.Job, p *runner.Progress) (string, error) {
	var params AuditPackageParams
	if err := decodeParams(s.validate, KindAuditPackage, job.Params, &params); err != nil {
		return "", err
	}
	pkg, err := s.LoadAuditPackage(ctx, params.InvoiceID)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := WriteAuditPackage(ctx, &buf, pkg, p); err != nil {
		return "", err
	}
	key := fmt.Sprintf("audit/invoice-%d/%s.zip", params.InvoiceID, job.ID)
	if err := s.blobs.Put(ctx, key, &buf, int64(buf.Len()), "application/zip"); err != nil {
		return "", err
	}
	s.logger.Info("audit package written", slog.String("job_id", job.ID), slog.Int64("invoice_id", params.InvoiceID), slog.String("key", key))
	return key, nil
}

// LoadAuditPackage gathers the invoice and every related record. Sources are read concurrently.
func (s *Service) LoadAuditPackage(ctx context.Context, invoiceID int64) (AuditPackage, error) {
	inv, err := s.store.Invoices().Get(ctx, invoiceID)
	if err != nil {
		return AuditPackage{}, err
	}
	pkg := AuditPackage{Invoice: inv, GeneratedAt: s.now().UTC()}
	id := strconv.FormatInt(invoiceID, 10)

	g, ctx := errgroup.WithContext(ctx)
	if inv.POID != nil {
		poID := *inv.POID
		g.Go(func() error {
			po, err := s.store.PurchaseOrders().Get(ctx, poID)
			if err != nil {
				return err
			}
			pkg.PurchaseOrder = &po
			return nil
		})
		g.Go(func() error {
			receipts, err := s.store.Receipts().ListByPO(ctx, poID)
			if err != nil {
				return err
			}
			pkg.Receipts = receipts
			if s.audit == nil {
				return nil
			}
			for _, grn := range receipts {
				trail, err := s.audit.List(ctx, "grn", strconv.FormatInt(grn.ID, 10))
				if err != nil {
					return err
				}
				pkg.ReceiptTrail = append(pkg.ReceiptTrail, trail...)
			}
			return nil
		})
	}
	g.Go(func() error {
		payments, err := s.store.Payments().ListByInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		pkg.Payments = payments
		return nil
	})
	if s.audit != nil {
		g.Go(func() error {
			trail, err := s.audit.List(ctx, "invoice", id)
			if err != nil {
				return err
			}
			pkg.AuditTrail = trail
			return nil
		})
	}
	if s.approvals != nil {
		g.Go(func() error {
			approvals, err := s.approvals.ApprovalHistory(ctx, invoiceID)
			if err != nil {
				return err
			}
			pkg.Approvals = approvals
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return AuditPackage{}, err
	}
	return pkg, nil
}

// WriteAuditPackage writes pkg as a zip archive of JSON documents. p may be nil.
func WriteAuditPackage(ctx context.Context, w io.Writer, pkg AuditPackage, p *runner.Progress) error {
	entries := pkg.entries()
	if p != nil {
		if err := p.SetTotal(ctx, int64(len(entries))); err != nil {
			return err
		}
	}
	zw := zip.NewWriter(w)
	for _, entry := range entries {
		if err := step(ctx, p); err != nil {
			zw.Close()
			return err
		}
		f, err := zw.CreateHeader(&zip.FileHeader{Name: entry.name, Method: zip.Deflate, Modified: pkg.GeneratedAt})
		if err != nil {
			zw.Close()
			return err
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entry.doc); err != nil {
			zw.Close()
			return fmt.Errorf("encode %s: %w", entry.name, err)
		}
		if err := done(ctx, p); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}
