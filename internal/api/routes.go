package api

import "github.com/go-chi/chi/v5"

// MountRoutes registers the reconciliation endpoints below r.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Route("/grns", func(r chi.Router) {
		r.Post("/", h.handleCreateReceipt)
		r.Get("/{id}", h.handleGetReceipt)
		r.Post("/{id}/inspections", h.handleInspectReceipt)
		r.Post("/{id}/accept", h.handleAcceptReceipt)
		r.Post("/{id}/reject", h.handleRejectReceipt)
	})
	r.Route("/invoices", func(r chi.Router) {
		r.Get("/", h.handleListInvoices)
		r.Post("/", h.handleCreateInvoice)
		r.Get("/{id}", h.handleGetInvoice)
		r.Post("/{id}/match", h.handleMatchInvoice)
		r.Post("/{id}/approve", h.handleApproveInvoice)
		r.Post("/{id}/dispute", h.handleDisputeInvoice)
		r.Post("/{id}/dispute/resolve", h.handleResolveDispute)
		r.Post("/{id}/payments", h.handlePayInvoice)
		r.Post("/{id}/void", h.handleVoidInvoice)
	})
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.handleSubmitJob)
		r.Get("/{id}", h.handlePollJob)
		r.Post("/{id}/cancel", h.handleCancelJob)
	})
}
