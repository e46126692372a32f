// Package handlers implements the HTTP surface of the backend. Every
// handler resolves the caller through the tenant principal in the request
// context and scopes all data access by it.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/multitenancy"
)

// errorBody is the error envelope all endpoints share.
type errorBody struct {
	Detail string `json:"detail"`
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, errorBody{Detail: detail})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// principal pulls the authenticated caller out of the request context; the
// tenant middleware guarantees it is present on protected routes.
func principal(w http.ResponseWriter, r *http.Request) (multitenancy.Principal, bool) {
	p, err := multitenancy.GetPrincipal(r.Context())
	if err != nil {
		respondError(w, http.StatusUnauthorized, "missing tenant context")
		return multitenancy.Principal{}, false
	}
	return p, true
}

// pathUUID parses a uuid path variable registered with mux.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := mux.Vars(r)[name]
	id, err := uuid.Parse(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// pagination reads skip/limit query parameters with sane bounds.
func pagination(r *http.Request) (skip, limit int) {
	skip, _ = strconv.Atoi(r.URL.Query().Get("skip"))
	if skip < 0 {
		skip = 0
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return skip, limit
}

// respondStoreError maps database sentinels onto HTTP statuses.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, database.ErrAlreadyResponded):
		respondError(w, http.StatusConflict, "approval already responded")
	case errors.Is(err, database.ErrPendingApprovalExists):
		respondError(w, http.StatusConflict, "pending approval already exists")
	case errors.Is(err, database.ErrConcurrentUpdate):
		respondError(w, http.StatusConflict, "concurrent update")
	default:
		slog.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
