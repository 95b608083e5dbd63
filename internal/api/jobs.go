package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/minerp/internal/platform/httpx"
	"github.com/odyssey-erp/minerp/internal/runner"
	"github.com/odyssey-erp/minerp/internal/shared"
)

func (h *Handler) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx, actor, ok := h.authorize(w, r, shared.PermJobSubmit)
	if !ok {
		return
	}
	var req submitJobRequest
	if err := h.decode(r, "job", &req); err != nil {
		h.fail(w, r, "submit job", err)
		return
	}
	if h.params != nil {
		if err := h.params.ValidateParams(req.Kind, req.Params); err != nil {
			h.fail(w, r, "submit job", err)
			return
		}
	}
	job, err := h.jobs.Submit(ctx, runner.SubmitRequest{Kind: req.Kind, Params: req.Params, ActorID: actor.ID})
	if err != nil {
		h.fail(w, r, "submit job", err)
		return
	}
	w.Header().Set("Location", "/api/jobs/"+job.ID)
	httpx.JSON(w, http.StatusAccepted, job)
}

func (h *Handler) handlePollJob(w http.ResponseWriter, r *http.Request) {
	ctx, _, ok := h.authorize(w, r, shared.PermJobView)
	if !ok {
		return
	}
	job, err := h.jobs.Poll(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "poll job", err)
		return
	}
	httpx.JSON(w, http.StatusOK, job)
}

func (h *Handler) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	ctx, _, ok := h.authorize(w, r, shared.PermJobSubmit)
	if !ok {
		return
	}
	job, err := h.jobs.Cancel(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "cancel job", err)
		return
	}
	httpx.JSON(w, http.StatusOK, job)
}
