package shared

// Procurement reconciliation permissions.
const (
	PermAll = "*"

	PermReceiptView    = "procurement.grn.view"
	PermReceiptCreate  = "procurement.grn.create"
	PermReceiptInspect = "procurement.grn.inspect"
	PermReceiptAccept  = "procurement.grn.accept"

	PermInvoiceView    = "payables.invoice.view"
	PermInvoiceCreate  = "payables.invoice.create"
	PermInvoiceMatch   = "payables.invoice.match"
	PermInvoiceApprove = "payables.invoice.approve"
	PermInvoiceDispute = "payables.invoice.dispute"
	PermInvoiceVoid    = "payables.invoice.void"
	PermPaymentCreate  = "payables.payment.create"

	PermJobSubmit = "jobs.submit"
	PermJobView   = "jobs.view"
)

// ReconciliationScopes lists all permissions of the reconciliation core.
func ReconciliationScopes() []string {
	return []string{
		PermReceiptView,
		PermReceiptCreate,
		PermReceiptInspect,
		PermReceiptAccept,
		PermInvoiceView,
		PermInvoiceCreate,
		PermInvoiceMatch,
		PermInvoiceApprove,
		PermInvoiceDispute,
		PermInvoiceVoid,
		PermPaymentCreate,
		PermJobSubmit,
		PermJobView,
	}
}
