package handlers

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/documents"
)

const maxUploadBytes = 32 << 20

// DocumentsHandler serves the document lifecycle: upload, status, search
// and deletion.
type DocumentsHandler struct {
	db       *database.Store
	pipeline *documents.Pipeline
}

// NewDocumentsHandler wires the document endpoints.
func NewDocumentsHandler(db *database.Store, pipeline *documents.Pipeline) *DocumentsHandler {
	return &DocumentsHandler{db: db, pipeline: pipeline}
}

type uploadBody struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Upload accepts a multipart file or a JSON body and schedules ingest.
// POST /api/v1/documents/upload
func (h *DocumentsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var (
		filename string
		data     []byte
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			respondError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			respondError(w, http.StatusBadRequest, "missing file field")
			return
		}
		defer file.Close()
		data, err = io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
		if err != nil {
			respondError(w, http.StatusBadRequest, "read upload: "+err.Error())
			return
		}
		filename = header.Filename
	} else {
		var body uploadBody
		if !decodeJSON(w, r, &body) {
			return
		}
		filename = body.Filename
		data = []byte(body.Content)
	}

	if filename == "" {
		respondError(w, http.StatusBadRequest, "filename is required")
		return
	}
	if len(data) > maxUploadBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "upload exceeds 32MiB")
		return
	}

	fileType := strings.TrimPrefix(filepath.Ext(filename), ".")
	doc, err := h.pipeline.Ingest(r.Context(), p.TenantID, p.UserID, filename, fileType, data)
	if err != nil {
		if errors.Is(err, documents.ErrUnsupportedType) {
			respondError(w, http.StatusUnsupportedMediaType, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, doc)
}

// List returns the tenant's documents with pagination and an optional
// status filter.
// GET /api/v1/documents?skip=&limit=&status_filter=
func (h *DocumentsHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	skip, limit := pagination(r)
	docs, total, err := h.db.ListDocuments(r.Context(), p.TenantID, skip, limit, r.URL.Query().Get("status_filter"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if docs == nil {
		docs = []database.Document{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
		"total":     total,
		"skip":      skip,
		"limit":     limit,
	})
}

// Get returns one document.
// GET /api/v1/documents/{id}
func (h *DocumentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	doc, err := h.db.GetDocument(r.Context(), p.TenantID, id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

// Delete soft-deletes a document and wipes its chunks and vectors.
// DELETE /api/v1/documents/{id}
func (h *DocumentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.pipeline.Delete(r.Context(), p.TenantID, id); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Chunks returns a document's chunks in index order.
// GET /api/v1/documents/{id}/chunks
func (h *DocumentsHandler) Chunks(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.db.GetDocument(r.Context(), p.TenantID, id); err != nil {
		respondStoreError(w, err)
		return
	}
	chunks, err := h.db.ListChunks(r.Context(), p.TenantID, id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if chunks == nil {
		chunks = []database.Chunk{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": id,
		"chunks":      chunks,
		"total":       len(chunks),
	})
}

type searchBody struct {
	Query          string      `json:"query"`
	Limit          int         `json:"limit"`
	ScoreThreshold float32     `json:"score_threshold"`
	DocumentIDs    []uuid.UUID `json:"document_ids"`
}

// Search runs semantic search across the tenant's indexed chunks.
// POST /api/v1/documents/search
func (h *DocumentsHandler) Search(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body searchBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		respondError(w, http.StatusBadRequest, "query is required")
		return
	}

	matches, err := h.pipeline.Search(r.Context(), p.TenantID, documents.SearchRequest{
		Query:       body.Query,
		TopK:        body.Limit,
		MinScore:    body.ScoreThreshold,
		DocumentIDs: body.DocumentIDs,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}

	results := make([]map[string]interface{}, 0, len(matches))
	for _, m := range matches {
		results = append(results, map[string]interface{}{
			"chunk_id":    m.ChunkID,
			"document_id": m.DocumentID,
			"chunk_index": m.ChunkIndex,
			"content":     m.Content,
			"score":       m.Score,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"query":   body.Query,
		"results": results,
	})
}
