package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/events"
	"github.com/langorch/backend/internal/monitoring"
	"github.com/langorch/backend/internal/workflow"
)

// WorkflowsHandler serves workflow execution, SSE streaming, resume and
// definition management.
type WorkflowsHandler struct {
	db       *database.Store
	executor *workflow.Executor
	deps     workflow.NodeDeps
}

// NewWorkflowsHandler wires the workflow endpoints. deps is only used to
// validate definitions at creation time.
func NewWorkflowsHandler(db *database.Store, executor *workflow.Executor, deps workflow.NodeDeps) *WorkflowsHandler {
	return &WorkflowsHandler{db: db, executor: executor, deps: deps}
}

type executeBody struct {
	UserInput  string     `json:"user_input"`
	SessionID  *uuid.UUID `json:"session_id,omitempty"`
	WorkflowID *uuid.UUID `json:"workflow_id,omitempty"`
}

// ensureSession resolves the request's session, creating a fresh auto-mode
// one when no session_id was supplied.
func (h *WorkflowsHandler) ensureSession(r *http.Request, tenantID, userID uuid.UUID, sessionID, workflowID *uuid.UUID) (uuid.UUID, error) {
	if sessionID != nil && *sessionID != uuid.Nil {
		return *sessionID, nil
	}
	sess := &database.ConversationSession{
		TenantID:   tenantID,
		UserID:     userID,
		WorkflowID: workflowID,
		ThreadID:   uuid.NewString(),
		Mode:       database.ModeAuto,
	}
	if err := h.db.CreateSession(r.Context(), sess); err != nil {
		return uuid.Nil, err
	}
	return sess.ID, nil
}

// Execute runs one conversational turn to completion or interruption. A
// session is created on the fly when session_id is absent.
// POST /api/v1/workflows/execute
func (h *WorkflowsHandler) Execute(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body executeBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.UserInput == "" {
		respondError(w, http.StatusBadRequest, "user_input is required")
		return
	}
	sessionID, err := h.ensureSession(r, p.TenantID, p.UserID, body.SessionID, body.WorkflowID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	exec, err := h.executor.Execute(r.Context(), workflow.ExecuteRequest{
		TenantID:   p.TenantID,
		UserID:     p.UserID,
		SessionID:  sessionID,
		WorkflowID: body.WorkflowID,
		Message:    body.UserInput,
	})
	if err != nil {
		if errors.Is(err, workflow.ErrNoDocuments) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		if exec != nil {
			// The execution ran and failed; the row carries the error.
			respondJSON(w, http.StatusOK, exec)
			return
		}
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

// Stream runs one turn pushing CloudEvents over Server-Sent Events as the
// graph advances. EventSource clients authenticate with ?token= since they
// cannot set headers.
// GET /api/v1/workflows/execute/stream?user_input=...&session_id=...
func (h *WorkflowsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	userInput := q.Get("user_input")
	if userInput == "" {
		respondError(w, http.StatusBadRequest, "user_input is required")
		return
	}
	var requested *uuid.UUID
	if raw := q.Get("session_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid session_id")
			return
		}
		requested = &id
	}
	var workflowID *uuid.UUID
	if raw := q.Get("workflow_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid workflow_id")
			return
		}
		workflowID = &id
	}
	sessionID, err := h.ensureSession(r, p.TenantID, p.UserID, requested, workflowID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	monitoring.SSEOpened()
	defer monitoring.SSEClosed()

	sink := func(ev *events.CloudEvent) error {
		frame, err := ev.SSEFormat()
		if err != nil {
			return err
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	exec, err := h.executor.Stream(r.Context(), workflow.ExecuteRequest{
		TenantID:   p.TenantID,
		UserID:     p.UserID,
		SessionID:  sessionID,
		WorkflowID: workflowID,
		Message:    userInput,
	}, sink)
	if err != nil && exec == nil {
		// Nothing was streamed yet; surface the failure as an SSE error frame.
		ev := events.NewCloudEvent(events.TypeWorkflowError, "langorch/workflow", "", map[string]interface{}{
			"error": err.Error(),
		})
		if frame, ferr := ev.SSEFormat(); ferr == nil {
			w.Write(frame)
			flusher.Flush()
		}
	}
}

type resumeBody struct {
	Approved     bool                   `json:"approved"`
	Feedback     string                 `json:"feedback,omitempty"`
	UserResponse map[string]interface{} `json:"user_response,omitempty"`
}

// Resume continues an interrupted execution with a human decision.
// POST /api/v1/workflows/executions/{id}/resume
func (h *WorkflowsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	execID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var body resumeBody
	if !decodeJSON(w, r, &body) {
		return
	}

	exec, err := h.executor.Resume(r.Context(), p.TenantID, execID, workflow.ResumeInput{
		Approved:     body.Approved,
		Feedback:     body.Feedback,
		UserResponse: body.UserResponse,
	})
	if err != nil {
		if errors.Is(err, workflow.ErrNotInterrupted) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		if exec != nil {
			respondJSON(w, http.StatusOK, exec)
			return
		}
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

type resumeSessionBody struct {
	SessionID    uuid.UUID              `json:"session_id"`
	Approved     bool                   `json:"approved"`
	Feedback     string                 `json:"feedback,omitempty"`
	UserResponse map[string]interface{} `json:"user_response,omitempty"`
}

// ResumeSession continues the session's latest interrupted execution. The
// session's thread links it to the execution, so callers never need the
// execution id.
// POST /api/v1/workflows/resume
func (h *WorkflowsHandler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body resumeSessionBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.SessionID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	sess, err := h.db.GetSession(r.Context(), p.TenantID, body.SessionID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	latest, err := h.db.LatestExecutionByThread(r.Context(), p.TenantID, sess.ThreadID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if latest.Status != database.ExecutionInterrupted {
		respondError(w, http.StatusConflict, workflow.ErrNotInterrupted.Error())
		return
	}

	exec, err := h.executor.Resume(r.Context(), p.TenantID, latest.ID, workflow.ResumeInput{
		Approved:     body.Approved,
		Feedback:     body.Feedback,
		UserResponse: body.UserResponse,
	})
	if err != nil {
		if errors.Is(err, workflow.ErrNotInterrupted) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		if exec != nil {
			respondJSON(w, http.StatusOK, exec)
			return
		}
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

// GetExecution returns one execution for polling.
// GET /api/v1/workflows/executions/{id}
func (h *WorkflowsHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	execID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	exec, err := h.db.GetExecution(r.Context(), p.TenantID, execID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

type definitionBody struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description"`
	Nodes       []database.WorkflowNode `json:"nodes"`
	Edges       []database.WorkflowEdge `json:"edges"`
}

// CreateDefinition validates and stores a workflow definition. Structural
// validation runs at creation so execution never sees a broken graph.
// POST /api/v1/workflows/definitions
func (h *WorkflowsHandler) CreateDefinition(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body definitionBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	def := &database.WorkflowDefinition{
		TenantID:    p.TenantID,
		Name:        body.Name,
		Description: body.Description,
		Nodes:       body.Nodes,
		Edges:       body.Edges,
		IsActive:    true,
	}
	if _, err := workflow.Build(def, h.deps); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := h.db.CreateWorkflowDefinition(r.Context(), def); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, def)
}

// ListDefinitions returns the tenant's active definitions.
// GET /api/v1/workflows/definitions
func (h *WorkflowsHandler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	defs, err := h.db.ListWorkflowDefinitions(r.Context(), p.TenantID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if defs == nil {
		defs = []database.WorkflowDefinition{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"definitions": defs})
}

// GetDefinition returns one definition.
// GET /api/v1/workflows/definitions/{id}
func (h *WorkflowsHandler) GetDefinition(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	defID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	def, err := h.db.GetWorkflowDefinition(r.Context(), p.TenantID, defID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, def)
}
