package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/sessions"
)

// SessionsHandler serves conversation sessions and their document
// attachments.
type SessionsHandler struct {
	svc *sessions.Service
}

// NewSessionsHandler wires the session endpoints.
func NewSessionsHandler(svc *sessions.Service) *SessionsHandler {
	return &SessionsHandler{svc: svc}
}

type createSessionBody struct {
	Title      string     `json:"title"`
	Mode       string     `json:"mode"`
	WorkflowID *uuid.UUID `json:"workflow_id,omitempty"`
}

// Create starts a new conversation thread.
// POST /api/v1/workflows/sessions
func (h *SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body createSessionBody
	if r.ContentLength > 0 && !decodeJSON(w, r, &body) {
		return
	}

	sess, err := h.svc.Create(r.Context(), p.TenantID, p.UserID, body.Title, body.Mode, body.WorkflowID)
	if err != nil {
		if errors.Is(err, sessions.ErrInvalidMode) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

// List returns the tenant's sessions, most recently used first.
// GET /api/v1/workflows/sessions
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	skip, limit := pagination(r)
	list, err := h.svc.List(r.Context(), p.TenantID, limit, skip)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if list == nil {
		list = []database.ConversationSession{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
}

// Get returns one session.
// GET /api/v1/workflows/sessions/{id}
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	sess, err := h.svc.Get(r.Context(), p.TenantID, id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// Messages returns a session's conversation history.
// GET /api/v1/workflows/sessions/{id}/messages
func (h *SessionsHandler) Messages(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	_, limit := pagination(r)
	msgs, err := h.svc.Messages(r.Context(), p.TenantID, id, limit)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if msgs == nil {
		msgs = []database.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

type postMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PostMessage appends a message to the session's history.
// POST /api/v1/workflows/sessions/{id}/messages
func (h *SessionsHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var body postMessageBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Content == "" {
		respondError(w, http.StatusBadRequest, "content is required")
		return
	}

	msg, err := h.svc.AppendMessage(r.Context(), p.TenantID, id, body.Role, body.Content)
	if err != nil {
		if errors.Is(err, sessions.ErrInvalidRole) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}

type setModeBody struct {
	Mode string `json:"mode"`
}

// SetMode switches how subsequent turns are routed.
// PUT /api/v1/sessions/{id}/mode
func (h *SessionsHandler) SetMode(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var body setModeBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := h.svc.SetMode(r.Context(), p.TenantID, id, body.Mode); err != nil {
		if errors.Is(err, sessions.ErrInvalidMode) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"mode": body.Mode})
}

type addDocumentBody struct {
	DocumentID uuid.UUID `json:"document_id"`
}

// AddDocument attaches a completed document to the session.
// POST /api/v1/sessions/{id}/documents
func (h *SessionsHandler) AddDocument(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var body addDocumentBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.DocumentID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "document_id is required")
		return
	}

	added, err := h.svc.AddDocument(r.Context(), p.TenantID, id, body.DocumentID)
	if err != nil {
		if errors.Is(err, sessions.ErrDocumentNotReady) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"added": added})
}

// ListDocuments returns the session's active document attachments.
// GET /api/v1/sessions/{id}/documents
func (h *SessionsHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	docs, err := h.svc.ListDocuments(r.Context(), p.TenantID, id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if docs == nil {
		docs = []database.SessionDocument{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"documents":  docs,
		"total":      len(docs),
	})
}

// RemoveDocument detaches a document from the session.
// DELETE /api/v1/sessions/{id}/documents/{doc_id}
func (h *SessionsHandler) RemoveDocument(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	docID, ok := pathUUID(w, r, "doc_id")
	if !ok {
		return
	}
	if err := h.svc.RemoveDocument(r.Context(), p.TenantID, id, docID); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// GetContext returns the session's retrieval context summary.
// GET /api/v1/sessions/{id}/context
func (h *SessionsHandler) GetContext(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	sc, err := h.svc.GetContext(r.Context(), p.TenantID, id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sc)
}
