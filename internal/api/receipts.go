package api

import (
	"net/http"

	"github.com/odyssey-erp/minerp/internal/platform/httpx"
	"github.com/odyssey-erp/minerp/internal/shared"
)

const receiptEntity = "grn"

func (h *Handler) handleCreateReceipt(w http.ResponseWriter, r *http.Request) {
	ctx, _, ok := h.authorize(w, r, shared.PermReceiptCreate)
	if !ok {
		return
	}
	var req createReceiptRequest
	if err := h.decode(r, receiptEntity, &req); err != nil {
		h.fail(w, r, "create receipt", err)
		return
	}
	grn, err := h.receipts.CreateReceipt(ctx, req.input())
	if err != nil {
		h.fail(w, r, "create receipt", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, grn)
}

func (h *Handler) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	ctx, _, ok := h.authorize(w, r, shared.PermReceiptView)
	if !ok {
		return
	}
	id, err := pathID(r, receiptEntity)
	if err != nil {
		h.fail(w, r, "get receipt", err)
		return
	}
	grn, err := h.receipts.GetReceipt(ctx, id)
	if err != nil {
		h.fail(w, r, "get receipt", err)
		return
	}
	httpx.JSON(w, http.StatusOK, grn)
}

func (h *Handler) handleInspectReceipt(w http.ResponseWriter, r *http.Request) {
	ctx, actor, ok := h.authorize(w, r, shared.PermReceiptInspect)
	if !ok {
		return
	}
	id, err := pathID(r, receiptEntity)
	if err != nil {
		h.fail(w, r, "inspect receipt", err)
		return
	}
	var req inspectionRequest
	if err := h.decode(r, "inspection", &req); err != nil {
		h.fail(w, r, "inspect receipt", err)
		return
	}
	grn, err := h.receipts.RecordInspection(ctx, id, req.input(actor))
	if err != nil {
		h.fail(w, r, "inspect receipt", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, grn)
}

func (h *Handler) handleAcceptReceipt(w http.ResponseWriter, r *http.Request) {
	ctx, _, ok := h.authorize(w, r, shared.PermReceiptAccept)
	if !ok {
		return
	}
	id, err := pathID(r, receiptEntity)
	if err != nil {
		h.fail(w, r, "accept receipt", err)
		return
	}
	var req acceptRequest
	if err := h.decode(r, receiptEntity, &req); err != nil {
		h.fail(w, r, "accept receipt", err)
		return
	}
	grn, err := h.receipts.AcceptLines(ctx, id, req.decisions())
	if err != nil {
		h.fail(w, r, "accept receipt", err)
		return
	}
	httpx.JSON(w, http.StatusOK, grn)
}

func (h *Handler) handleRejectReceipt(w http.ResponseWriter, r *http.Request) {
	ctx, _, ok := h.authorize(w, r, shared.PermReceiptAccept)
	if !ok {
		return
	}
	id, err := pathID(r, receiptEntity)
	if err != nil {
		h.fail(w, r, "reject receipt", err)
		return
	}
	var req reasonRequest
	if err := h.decode(r, receiptEntity, &req); err != nil {
		h.fail(w, r, "reject receipt", err)
		return
	}
	grn, err := h.receipts.RejectAll(ctx, id, req.Reason)
	if err != nil {
		h.fail(w, r, "reject receipt", err)
		return
	}
	httpx.JSON(w, http.StatusOK, grn)
}
