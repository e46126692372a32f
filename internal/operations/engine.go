// Package operations runs the asynchronous LLM operation engine. Requests
// return immediately with a pending operation row; a background task owns the
// row until it writes a terminal status, and clients poll until then.
package operations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/documents"
	"github.com/langorch/backend/internal/monitoring"
	"github.com/langorch/backend/internal/providers"
	"github.com/langorch/backend/internal/vectorindex"
)

const (
	defaultTimeout    = 10 * time.Minute
	defaultMaxLength  = 500
	defaultMaxChunks  = 5
	askMinScore       = 0.5
	summarizeBudget   = 8000 // chars of document content per prompt
	transformBudget   = 8000
	truncationMarker  = "\n\n[Content truncated for performance...]"
	noRelevantAnswer  = "No relevant information found"
	timeoutErrMessage = "timeout"
)

// Store is the persistence contract the engine needs. Satisfied by
// *database.Store.
type Store interface {
	CreateOperation(ctx context.Context, op *database.LLMOperation) error
	GetOperation(ctx context.Context, tenantID, operationID uuid.UUID) (*database.LLMOperation, error)
	ListOperations(ctx context.Context, tenantID uuid.UUID, skip, limit int) ([]database.LLMOperation, error)
	LatestCompletedOperation(ctx context.Context, tenantID, documentID uuid.UUID, opType string) (*database.LLMOperation, error)
	MarkOperationProcessing(ctx context.Context, operationID uuid.UUID) error
	CompleteOperation(ctx context.Context, operationID uuid.UUID, output database.JSONMap, modelUsed string, tokensUsed int, cost float64) error
	FailOperation(ctx context.Context, operationID uuid.UUID, errorMessage string) error
	CancelOperation(ctx context.Context, tenantID, operationID uuid.UUID) error
	GetDocument(ctx context.Context, tenantID, documentID uuid.UUID) (*database.Document, error)
	ListChunks(ctx context.Context, tenantID, documentID uuid.UUID) ([]database.Chunk, error)
}

// Chat issues completions for a tenant. Satisfied by *providers.Registry.
type Chat interface {
	Complete(ctx context.Context, tenantID uuid.UUID, req providers.ChatRequest) (providers.ChatResponse, error)
}

// Searcher runs semantic search for a tenant. Satisfied by
// *documents.Pipeline.
type Searcher interface {
	Search(ctx context.Context, tenantID uuid.UUID, req documents.SearchRequest) ([]vectorindex.Match, error)
}

// Engine schedules and runs LLM operations.
type Engine struct {
	db      Store
	chat    Chat
	search  Searcher
	timeout time.Duration

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates the operation engine. timeout caps each background task;
// zero means the 10 minute default.
func NewEngine(db Store, chat Chat, search Searcher, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Engine{
		db:      db,
		chat:    chat,
		search:  search,
		timeout: timeout,
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
}

// GetOperation returns an operation row for polling.
func (e *Engine) GetOperation(ctx context.Context, tenantID, operationID uuid.UUID) (*database.LLMOperation, error) {
	return e.db.GetOperation(ctx, tenantID, operationID)
}

// ListOperations returns a page of the tenant's operations, newest first.
func (e *Engine) ListOperations(ctx context.Context, tenantID uuid.UUID, skip, limit int) ([]database.LLMOperation, error) {
	return e.db.ListOperations(ctx, tenantID, skip, limit)
}

// LatestSummary returns the most recent completed summarize operation for a
// document.
func (e *Engine) LatestSummary(ctx context.Context, tenantID, documentID uuid.UUID) (*database.LLMOperation, error) {
	return e.db.LatestCompletedOperation(ctx, tenantID, documentID, database.OpSummarize)
}

// Cancel aborts a running operation. The row transitions to failed with a
// cancelled marker; any in-flight provider call is cancelled and its eventual
// response discarded.
func (e *Engine) Cancel(ctx context.Context, tenantID, operationID uuid.UUID) error {
	if err := e.db.CancelOperation(ctx, tenantID, operationID); err != nil {
		return err
	}
	e.mu.Lock()
	cancel, ok := e.cancels[operationID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Wait blocks until all background tasks finish. Used on shutdown.
func (e *Engine) Wait() { e.wg.Wait() }

// task computes an operation's result. It returns the output payload plus
// usage bookkeeping.
type task func(ctx context.Context) (output database.JSONMap, model string, tokens int, err error)

// schedule creates the pending row and starts the single background task that
// owns it.
func (e *Engine) schedule(ctx context.Context, op *database.LLMOperation, run task) (*database.LLMOperation, error) {
	op.Status = database.OperationPending
	if err := e.db.CreateOperation(ctx, op); err != nil {
		return nil, err
	}

	taskCtx, cancel := context.WithTimeout(context.Background(), e.timeout)
	e.mu.Lock()
	e.cancels[op.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.cancels, op.ID)
			e.mu.Unlock()
		}()
		e.run(taskCtx, op, run)
	}()

	return op, nil
}

func (e *Engine) run(ctx context.Context, op *database.LLMOperation, run task) {
	start := time.Now()
	if err := e.db.MarkOperationProcessing(ctx, op.ID); err != nil {
		// Already claimed or cancelled before the task started.
		if !errors.Is(err, database.ErrNotFound) {
			slog.Error("claim operation", "operation_id", op.ID, "error", err)
		}
		return
	}

	output, model, tokens, err := run(ctx)
	if err != nil {
		message := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			message = timeoutErrMessage
		}
		slog.Error("operation failed",
			"tenant_id", op.TenantID, "operation_id", op.ID, "type", op.OperationType, "error", err)
		e.finishFailed(op.ID, message)
		monitoring.ObserveOperation(op.OperationType, database.OperationFailed, time.Since(start))
		return
	}

	// Terminal writes use a fresh context: the task deadline may have just
	// expired and the result must still land.
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.db.CompleteOperation(finishCtx, op.ID, output, model, tokens, estimateCost(model, tokens)); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// Cancelled while the provider call was in flight; discard.
			slog.Info("operation result discarded after cancellation", "operation_id", op.ID)
			return
		}
		slog.Error("complete operation", "operation_id", op.ID, "error", err)
		return
	}
	monitoring.ObserveOperation(op.OperationType, database.OperationCompleted, time.Since(start))
	slog.Info("operation completed",
		"tenant_id", op.TenantID, "operation_id", op.ID, "type", op.OperationType, "tokens", tokens)
}

func (e *Engine) finishFailed(operationID uuid.UUID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.db.FailOperation(ctx, operationID, message); err != nil && !errors.Is(err, database.ErrNotFound) {
		slog.Error("fail operation", "operation_id", operationID, "error", err)
	}
}

// loadDocumentContent joins a document's chunks in order, truncating at the
// given character budget.
func (e *Engine) loadDocumentContent(ctx context.Context, tenantID, documentID uuid.UUID, budget int) (*database.Document, string, error) {
	doc, err := e.db.GetDocument(ctx, tenantID, documentID)
	if err != nil {
		return nil, "", err
	}
	chunks, err := e.db.ListChunks(ctx, tenantID, documentID)
	if err != nil {
		return nil, "", err
	}
	if len(chunks) == 0 {
		return nil, "", fmt.Errorf("document %s has no indexed content", documentID)
	}

	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Content
	}
	content := joinChunks(parts)
	if budget > 0 && len(content) > budget {
		content = content[:budget] + truncationMarker
		slog.Info("document content truncated",
			"tenant_id", tenantID, "document_id", documentID, "budget", budget)
	}
	return doc, content, nil
}
