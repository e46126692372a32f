package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/providers"
	"github.com/langorch/backend/internal/secrets"
)

// settingsStore is the tenant-config slice of database.Store.
type settingsStore interface {
	GetTenantConfig(ctx context.Context, tenantID uuid.UUID) (*database.TenantConfig, error)
	PutTenantConfig(ctx context.Context, cfg *database.TenantConfig) error
}

// providerRegistry is the slice of providers.Registry the settings
// endpoints need.
type providerRegistry interface {
	Embedder(ctx context.Context, tenantID uuid.UUID) (providers.EmbeddingProvider, error)
	Invalidate(tenantID uuid.UUID)
}

// collectionInfo reports a tenant's existing vector collection dimensions.
// Satisfied by *vectorindex.Index.
type collectionInfo interface {
	Dimensions(ctx context.Context, tenantID uuid.UUID) (int, error)
}

// SettingsHandler serves tenant provider configuration and the secret
// store. Credentials only ever travel request-inward; reads return presence
// flags, never values.
type SettingsHandler struct {
	db       settingsStore
	secrets  *secrets.Store
	registry providerRegistry
	index    collectionInfo
}

// NewSettingsHandler wires the settings endpoints.
func NewSettingsHandler(db settingsStore, sec *secrets.Store, registry providerRegistry, index collectionInfo) *SettingsHandler {
	return &SettingsHandler{db: db, secrets: sec, registry: registry, index: index}
}

// tenantConfig loads the tenant's config row, defaulting to an empty one.
func (h *SettingsHandler) tenantConfig(r *http.Request, tenantID uuid.UUID) (*database.TenantConfig, error) {
	cfg, err := h.db.GetTenantConfig(r.Context(), tenantID)
	if errors.Is(err, database.ErrNotFound) {
		return &database.TenantConfig{TenantID: tenantID}, nil
	}
	return cfg, err
}

// GetEmbeddingProvider returns the tenant's embedding provider selection.
// GET /api/v1/settings/embedding-provider
func (h *SettingsHandler) GetEmbeddingProvider(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	cfg, err := h.tenantConfig(r, p.TenantID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg.Embedding)
}

// PutEmbeddingProvider replaces the tenant's embedding provider selection.
// A selection whose dimensions differ from the tenant's existing vector
// collection is rejected before anything is persisted; re-dimensioning
// means re-ingesting every document.
// PUT /api/v1/settings/embedding-provider
func (h *SettingsHandler) PutEmbeddingProvider(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var sel database.ProviderSelection
	if !decodeJSON(w, r, &sel) {
		return
	}
	if sel.Provider == "" || sel.Model == "" {
		respondError(w, http.StatusBadRequest, "provider and model are required")
		return
	}
	if sel.Dimensions <= 0 {
		respondError(w, http.StatusBadRequest, "dimensions must be positive")
		return
	}

	existing, err := h.index.Dimensions(r.Context(), p.TenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existing != 0 && existing != sel.Dimensions {
		respondError(w, http.StatusConflict, fmt.Sprintf(
			"dimension mismatch: collection has %d, requested %d; re-ingest documents to change dimensions",
			existing, sel.Dimensions))
		return
	}

	cfg, err := h.tenantConfig(r, p.TenantID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	cfg.Embedding = sel
	cfg.UpdatedAt = time.Now().UTC()
	if err := h.db.PutTenantConfig(r.Context(), cfg); err != nil {
		respondStoreError(w, err)
		return
	}
	h.registry.Invalidate(p.TenantID)
	respondJSON(w, http.StatusOK, sel)
}

// GetChatProvider returns the tenant's chat provider selection.
// GET /api/v1/settings/llm-provider
func (h *SettingsHandler) GetChatProvider(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	cfg, err := h.tenantConfig(r, p.TenantID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg.Chat)
}

// PutChatProvider replaces the tenant's chat provider selection.
// PUT /api/v1/settings/llm-provider
func (h *SettingsHandler) PutChatProvider(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var sel database.ProviderSelection
	if !decodeJSON(w, r, &sel) {
		return
	}
	if sel.Provider == "" || sel.Model == "" {
		respondError(w, http.StatusBadRequest, "provider and model are required")
		return
	}

	cfg, err := h.tenantConfig(r, p.TenantID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	cfg.Chat = sel
	cfg.UpdatedAt = time.Now().UTC()
	if err := h.db.PutTenantConfig(r.Context(), cfg); err != nil {
		respondStoreError(w, err)
		return
	}
	h.registry.Invalidate(p.TenantID)
	respondJSON(w, http.StatusOK, sel)
}

type secretBody struct {
	Value string `json:"value"`
}

// PutSecret seals a credential under a tenant-scoped path, for example
// chat-providers/openai.
// PUT /api/v1/settings/secrets/{path}
func (h *SettingsHandler) PutSecret(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	path := strings.TrimSpace(mux.Vars(r)["path"])
	if path == "" {
		respondError(w, http.StatusBadRequest, "secret path is required")
		return
	}
	var body secretBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Value == "" {
		respondError(w, http.StatusBadRequest, "value is required")
		return
	}

	if err := h.secrets.Put(r.Context(), p.TenantID, path, []byte(body.Value)); err != nil {
		respondStoreError(w, err)
		return
	}
	h.registry.Invalidate(p.TenantID)
	respondJSON(w, http.StatusOK, map[string]interface{}{"path": path, "stored": true})
}

// DeleteSecret removes a credential. Deleting a missing path succeeds.
// DELETE /api/v1/settings/secrets/{path}
func (h *SettingsHandler) DeleteSecret(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	path := strings.TrimSpace(mux.Vars(r)["path"])
	if path == "" {
		respondError(w, http.StatusBadRequest, "secret path is required")
		return
	}
	if err := h.secrets.Delete(r.Context(), p.TenantID, path); err != nil {
		respondStoreError(w, err)
		return
	}
	h.registry.Invalidate(p.TenantID)
	respondJSON(w, http.StatusOK, map[string]interface{}{"path": path, "deleted": true})
}

// TestEmbedding resolves the tenant's effective embedding provider and runs
// a probe embed against it, verifying credentials and dimensions end to
// end.
// POST /api/v1/settings/embedding-provider/test
func (h *SettingsHandler) TestEmbedding(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	embedder, err := h.registry.Embedder(r.Context(), p.TenantID)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, providers.ErrNotConfigured) {
			status = http.StatusPreconditionFailed
		}
		respondError(w, status, err.Error())
		return
	}

	start := time.Now()
	if err := providers.Probe(r.Context(), embedder); err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, providers.ErrAuth):
			status = http.StatusUnauthorized
		case errors.Is(err, providers.ErrModelNotFound):
			status = http.StatusNotFound
		}
		respondError(w, status, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"provider":   embedder.Name(),
		"dimensions": embedder.Dimensions(),
		"latency_ms": time.Since(start).Milliseconds(),
		"status":     "ok",
	})
}
