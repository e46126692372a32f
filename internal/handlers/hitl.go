package handlers

import (
	"errors"
	"net/http"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/hitl"
	"github.com/langorch/backend/internal/workflow"
)

// HITLHandler serves human approval requests raised by interrupted
// workflow executions.
type HITLHandler struct {
	svc *hitl.Service
}

// NewHITLHandler wires the approval endpoints.
func NewHITLHandler(svc *hitl.Service) *HITLHandler {
	return &HITLHandler{svc: svc}
}

// ListApprovals returns the caller's approvals across all statuses, or one
// status when status_filter is set.
// GET /api/v1/hitl/approvals?status_filter=...
func (h *HITLHandler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	skip, limit := pagination(r)

	status := r.URL.Query().Get("status_filter")
	list, err := h.svc.List(r.Context(), p.TenantID, p.UserID, status, limit, skip)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if list == nil {
		list = []database.HITLApproval{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"approvals": list})
}

// ListPending returns only approvals still waiting on a decision.
// GET /api/v1/hitl/approvals/pending
func (h *HITLHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	skip, limit := pagination(r)
	list, err := h.svc.ListPending(r.Context(), p.TenantID, p.UserID, limit, skip)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if list == nil {
		list = []database.HITLApproval{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"approvals": list})
}

// GetApproval returns one approval.
// GET /api/v1/hitl/approvals/{id}
func (h *HITLHandler) GetApproval(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	approval, err := h.svc.Get(r.Context(), p.TenantID, id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, approval)
}

// Respond records the human decision and resumes the parked execution.
// Replays land on 409 without re-running anything.
// POST /api/v1/hitl/approvals/{id}/respond
func (h *HITLHandler) Respond(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var input hitl.RespondInput
	if !decodeJSON(w, r, &input) {
		return
	}

	approval, exec, err := h.svc.Respond(r.Context(), p.TenantID, id, input)
	if err != nil {
		if errors.Is(err, workflow.ErrNotInterrupted) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		if approval != nil {
			// Decision recorded but the resume failed; report both.
			respondJSON(w, http.StatusOK, map[string]interface{}{
				"approval": approval,
				"error":    err.Error(),
			})
			return
		}
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"approval":  approval,
		"execution": exec,
	})
}
