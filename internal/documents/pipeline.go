// Package documents implements the ingest pipeline: parse, chunk, embed,
// index. Ingest is accepted synchronously and processed in the background;
// the document row tracks progress through uploading, processing and
// completed/failed.
package documents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"golang.org/x/sync/semaphore"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/monitoring"
	"github.com/langorch/backend/internal/providers"
	"github.com/langorch/backend/internal/vectorindex"
)

const (
	defaultChunkSize    = 512
	defaultChunkOverlap = 64
	embedBatchSize      = 64
	processTimeout      = 10 * time.Minute
)

// Embedders resolves the embedding path for a tenant. Satisfied by
// *providers.Registry.
type Embedders interface {
	Embedder(ctx context.Context, tenantID uuid.UUID) (providers.EmbeddingProvider, error)
	Embed(ctx context.Context, tenantID uuid.UUID, texts []string) ([][]float32, error)
}

// PipelineConfig tunes the ingest pipeline.
type PipelineConfig struct {
	ChunkSize           int
	ChunkOverlap        int
	MaxConcurrentIngest int64 // per tenant
}

// Pipeline runs document ingest end to end.
type Pipeline struct {
	db        *database.Store
	index     *vectorindex.Index
	embedders Embedders
	parsers   *ParserRegistry
	cfg       PipelineConfig

	mu   sync.Mutex
	sems map[uuid.UUID]*semaphore.Weighted
	wg   sync.WaitGroup
}

// NewPipeline creates the ingest pipeline.
func NewPipeline(db *database.Store, index *vectorindex.Index, embedders Embedders, parsers *ParserRegistry, cfg PipelineConfig) *Pipeline {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = defaultChunkOverlap
	}
	if cfg.MaxConcurrentIngest <= 0 {
		cfg.MaxConcurrentIngest = 4
	}
	return &Pipeline{
		db:        db,
		index:     index,
		embedders: embedders,
		parsers:   parsers,
		cfg:       cfg,
		sems:      make(map[uuid.UUID]*semaphore.Weighted),
	}
}

// Ingest accepts an upload, creates the document row and schedules the
// processing. The returned document is in status uploading; callers poll
// GET /documents/{id} for progress.
func (p *Pipeline) Ingest(ctx context.Context, tenantID, userID uuid.UUID, filename, fileType string, data []byte) (*database.Document, error) {
	// Unsupported types are rejected before any row exists.
	if _, err := p.parsers.For(fileType); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty file %q", filename)
	}

	doc := &database.Document{
		ID:       uuid.New(),
		TenantID: tenantID,
		UserID:   userID,
		Filename: filename,
		FileSize: int64(len(data)),
		FileType: strings.ToLower(strings.TrimPrefix(fileType, ".")),
		Status:   database.DocumentUploading,
	}
	if err := p.db.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// The request context dies with the HTTP request; processing gets
		// its own deadline.
		bg, cancel := context.WithTimeout(context.Background(), processTimeout)
		defer cancel()
		p.process(bg, doc, data)
	}()

	return doc, nil
}

// Wait blocks until all in-flight ingests finish. Used on shutdown.
func (p *Pipeline) Wait() { p.wg.Wait() }

func (p *Pipeline) process(ctx context.Context, doc *database.Document, data []byte) {
	start := time.Now()
	sem := p.tenantSem(doc.TenantID)
	if err := sem.Acquire(ctx, 1); err != nil {
		p.fail(doc, fmt.Errorf("ingest queue: %w", err))
		monitoring.ObserveIngest(database.DocumentFailed, time.Since(start), 0)
		return
	}
	defer sem.Release(1)

	if err := p.db.UpdateDocumentStatus(ctx, doc.TenantID, doc.ID, database.DocumentProcessing, ""); err != nil {
		slog.Error("mark document processing", "document_id", doc.ID, "error", err)
		return
	}

	chunkCount, err := p.buildIndex(ctx, doc, data)
	if err != nil {
		p.rollback(doc)
		p.fail(doc, err)
		monitoring.ObserveIngest(database.DocumentFailed, time.Since(start), 0)
		return
	}

	if err := p.db.MarkDocumentCompleted(ctx, doc.TenantID, doc.ID, chunkCount); err != nil {
		slog.Error("mark document completed", "document_id", doc.ID, "error", err)
		return
	}
	monitoring.ObserveIngest(database.DocumentCompleted, time.Since(start), chunkCount)
	slog.Info("document ingested",
		"tenant_id", doc.TenantID, "document_id", doc.ID, "filename", doc.Filename, "chunks", chunkCount)
}

func (p *Pipeline) buildIndex(ctx context.Context, doc *database.Document, data []byte) (int, error) {
	parser, err := p.parsers.For(doc.FileType)
	if err != nil {
		return 0, err
	}
	content, err := parser.Parse(ctx, doc.Filename, data)
	if err != nil {
		return 0, fmt.Errorf("parse: %w", err)
	}

	pieces, err := p.split(doc, content)
	if err != nil {
		return 0, fmt.Errorf("chunk: %w", err)
	}
	if len(pieces) == 0 {
		return 0, fmt.Errorf("document %q produced no chunks", doc.Filename)
	}

	embedder, err := p.embedders.Embedder(ctx, doc.TenantID)
	if err != nil {
		return 0, fmt.Errorf("resolve embedder: %w", err)
	}
	if err := p.index.EnsureCollection(ctx, doc.TenantID, embedder.Dimensions()); err != nil {
		return 0, err
	}

	chunks := make([]database.Chunk, len(pieces))
	entries := make([]vectorindex.Entry, len(pieces))
	cursor := 0
	for i, piece := range pieces {
		start := strings.Index(content[cursor:], piece)
		if start >= 0 {
			start += cursor
			cursor = start + 1
		} else {
			start = cursor
		}
		chunks[i] = database.Chunk{
			ID:         uuid.New(),
			DocumentID: doc.ID,
			TenantID:   doc.TenantID,
			ChunkIndex: i,
			Content:    piece,
			TokenCount: estimateTokens(piece),
			StartChar:  start,
			EndChar:    start + len(piece),
			Metadata:   database.JSONMap{"filename": doc.Filename},
		}
		entries[i] = vectorindex.Entry{
			ChunkID:    chunks[i].ID,
			DocumentID: doc.ID,
			ChunkIndex: i,
			Content:    piece,
		}
	}

	for lo := 0; lo < len(pieces); lo += embedBatchSize {
		hi := lo + embedBatchSize
		if hi > len(pieces) {
			hi = len(pieces)
		}
		texts := make([]string, hi-lo)
		for i := lo; i < hi; i++ {
			texts[i-lo] = pieces[i]
		}
		vectors, err := p.embedders.Embed(ctx, doc.TenantID, texts)
		if err != nil {
			return 0, fmt.Errorf("embed batch %d: %w", lo/embedBatchSize, err)
		}
		for i, v := range vectors {
			entries[lo+i].Vector = v
		}
	}

	if err := p.db.InsertChunks(ctx, chunks); err != nil {
		return 0, fmt.Errorf("store chunks: %w", err)
	}
	if err := p.index.Upsert(ctx, doc.TenantID, doc.ID, entries); err != nil {
		return 0, fmt.Errorf("index vectors: %w", err)
	}
	return len(chunks), nil
}

func (p *Pipeline) split(doc *database.Document, content string) ([]string, error) {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(p.cfg.ChunkSize),
		textsplitter.WithChunkOverlap(p.cfg.ChunkOverlap),
	)
	docs, err := textsplitter.CreateDocuments(
		splitter,
		[]string{content},
		[]map[string]any{{"document_id": doc.ID.String(), "filename": doc.Filename}},
	)
	if err != nil {
		return nil, err
	}
	pieces := make([]string, 0, len(docs))
	for _, d := range docs {
		if strings.TrimSpace(d.PageContent) == "" {
			continue
		}
		pieces = append(pieces, d.PageContent)
	}
	return pieces, nil
}

// rollback wipes partial chunk rows and vectors so a failed ingest leaves no
// residue behind the failed status.
func (p *Pipeline) rollback(doc *database.Document) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.db.DeleteChunks(ctx, doc.TenantID, doc.ID); err != nil {
		slog.Error("rollback chunks", "document_id", doc.ID, "error", err)
	}
	if err := p.index.DeleteByDocument(ctx, doc.TenantID, doc.ID); err != nil {
		slog.Error("rollback vectors", "document_id", doc.ID, "error", err)
	}
}

func (p *Pipeline) fail(doc *database.Document, cause error) {
	slog.Error("document ingest failed",
		"tenant_id", doc.TenantID, "document_id", doc.ID, "filename", doc.Filename, "error", cause)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.db.UpdateDocumentStatus(ctx, doc.TenantID, doc.ID, database.DocumentFailed, cause.Error()); err != nil {
		slog.Error("mark document failed", "document_id", doc.ID, "error", err)
	}
}

// Delete soft-deletes a document and wipes its chunks and vectors. The row
// stays behind with status deleted; re-uploading the same filename creates a
// fresh document.
func (p *Pipeline) Delete(ctx context.Context, tenantID, documentID uuid.UUID) error {
	if _, err := p.db.GetDocument(ctx, tenantID, documentID); err != nil {
		return err
	}
	if err := p.db.DeleteChunks(ctx, tenantID, documentID); err != nil {
		return err
	}
	if err := p.index.DeleteByDocument(ctx, tenantID, documentID); err != nil {
		return err
	}
	return p.db.UpdateDocumentStatus(ctx, tenantID, documentID, database.DocumentDeleted, "")
}

func (p *Pipeline) tenantSem(tenantID uuid.UUID) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.sems[tenantID]
	if !ok {
		sem = semaphore.NewWeighted(p.cfg.MaxConcurrentIngest)
		p.sems[tenantID] = sem
	}
	return sem
}

// estimateTokens approximates token counts at 4 characters per token.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
