package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/operations"
)

// LLMHandler serves the asynchronous operation engine: summarize, ask and
// transform plus operation polling and cancellation.
type LLMHandler struct {
	engine *operations.Engine
}

// NewLLMHandler wires the LLM operation endpoints.
func NewLLMHandler(engine *operations.Engine) *LLMHandler {
	return &LLMHandler{engine: engine}
}

type summarizeBody struct {
	DocumentID uuid.UUID `json:"document_id"`
	Model      string    `json:"model"`
	MaxLength  int       `json:"max_length"`
	Force      bool      `json:"force"`
}

// Summarize schedules a summary of one document. Cached results replay into
// a fresh operation unless force is set.
// POST /api/v1/llm/documents/summarize
func (h *LLMHandler) Summarize(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body summarizeBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.DocumentID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "document_id is required")
		return
	}

	op, err := h.engine.Summarize(r.Context(), p.TenantID, p.UserID, operations.SummarizeRequest{
		DocumentID: body.DocumentID,
		Model:      body.Model,
		MaxLength:  body.MaxLength,
		Force:      body.Force,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, op)
}

type askBody struct {
	DocumentID uuid.UUID `json:"document_id"`
	Question   string    `json:"question"`
	Model      string    `json:"model"`
	MaxChunks  *int      `json:"max_chunks"`
}

// Ask schedules a question over one document.
// POST /api/v1/llm/documents/ask
func (h *LLMHandler) Ask(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body askBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.DocumentID == uuid.Nil || body.Question == "" {
		respondError(w, http.StatusBadRequest, "document_id and question are required")
		return
	}

	op, err := h.engine.Ask(r.Context(), p.TenantID, p.UserID, operations.AskRequest{
		DocumentID: body.DocumentID,
		Question:   body.Question,
		Model:      body.Model,
		MaxChunks:  body.MaxChunks,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, op)
}

type transformBody struct {
	DocumentID   uuid.UUID `json:"document_id"`
	Instruction  string    `json:"instruction"`
	Model        string    `json:"model"`
	OutputFormat string    `json:"output_format"`
}

// Transform schedules a rewrite of one document.
// POST /api/v1/llm/documents/transform
func (h *LLMHandler) Transform(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body transformBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.DocumentID == uuid.Nil || body.Instruction == "" {
		respondError(w, http.StatusBadRequest, "document_id and instruction are required")
		return
	}

	op, err := h.engine.Transform(r.Context(), p.TenantID, p.UserID, operations.TransformRequest{
		DocumentID:   body.DocumentID,
		Instruction:  body.Instruction,
		Model:        body.Model,
		OutputFormat: body.OutputFormat,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, op)
}

// GetOperation returns one operation for polling.
// GET /api/v1/llm/operations/{id}
func (h *LLMHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	opID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	op, err := h.engine.GetOperation(r.Context(), p.TenantID, opID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, op)
}

// ListOperations returns the tenant's operations, newest first.
// GET /api/v1/llm/operations
func (h *LLMHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	skip, limit := pagination(r)
	ops, err := h.engine.ListOperations(r.Context(), p.TenantID, skip, limit)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if ops == nil {
		ops = []database.LLMOperation{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"operations": ops,
		"skip":       skip,
		"limit":      limit,
	})
}

// CancelOperation cancels a pending or processing operation.
// DELETE /api/v1/llm/operations/{id}
func (h *LLMHandler) CancelOperation(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	opID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.engine.Cancel(r.Context(), p.TenantID, opID); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// LatestSummary returns the most recent completed summary of a document
// without scheduling anything.
// GET /api/v1/llm/documents/{id}/summarize/latest
func (h *LLMHandler) LatestSummary(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	docID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	op, err := h.engine.LatestSummary(r.Context(), p.TenantID, docID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, op)
}
