package operations

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/documents"
	"github.com/langorch/backend/internal/providers"
	"github.com/langorch/backend/internal/vectorindex"
)

// ===== in-memory store =====

type memStore struct {
	mu     sync.Mutex
	ops    map[uuid.UUID]*database.LLMOperation
	docs   map[uuid.UUID]*database.Document
	chunks map[uuid.UUID][]database.Chunk
}

func newMemStore() *memStore {
	return &memStore{
		ops:    make(map[uuid.UUID]*database.LLMOperation),
		docs:   make(map[uuid.UUID]*database.Document),
		chunks: make(map[uuid.UUID][]database.Chunk),
	}
}

func (m *memStore) addDocument(tenantID uuid.UUID, filename string, contents ...string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.docs[id] = &database.Document{ID: id, TenantID: tenantID, Filename: filename, Status: database.DocumentCompleted}
	for i, c := range contents {
		m.chunks[id] = append(m.chunks[id], database.Chunk{
			ID: uuid.New(), DocumentID: id, TenantID: tenantID, ChunkIndex: i, Content: c,
		})
	}
	return id
}

func (m *memStore) CreateOperation(_ context.Context, op *database.LLMOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	op.CreatedAt = time.Now().UTC()
	if op.Status == "" {
		op.Status = database.OperationPending
	}
	clone := *op
	m.ops[op.ID] = &clone
	return nil
}

func (m *memStore) GetOperation(_ context.Context, tenantID, operationID uuid.UUID) (*database.LLMOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[operationID]
	if !ok || op.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	clone := *op
	return &clone, nil
}

func (m *memStore) ListOperations(_ context.Context, tenantID uuid.UUID, skip, limit int) ([]database.LLMOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ops []database.LLMOperation
	for _, op := range m.ops {
		if op.TenantID == tenantID {
			ops = append(ops, *op)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].CreatedAt.After(ops[j].CreatedAt) })
	if skip >= len(ops) {
		return nil, nil
	}
	ops = ops[skip:]
	if limit > 0 && limit < len(ops) {
		ops = ops[:limit]
	}
	return ops, nil
}

func (m *memStore) LatestCompletedOperation(_ context.Context, tenantID, documentID uuid.UUID, opType string) (*database.LLMOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *database.LLMOperation
	for _, op := range m.ops {
		if op.TenantID != tenantID || op.DocumentID == nil || *op.DocumentID != documentID {
			continue
		}
		if op.OperationType != opType || op.Status != database.OperationCompleted {
			continue
		}
		if best == nil || op.CreatedAt.After(best.CreatedAt) ||
			(op.CreatedAt.Equal(best.CreatedAt) && op.ID.String() > best.ID.String()) {
			best = op
		}
	}
	if best == nil {
		return nil, database.ErrNotFound
	}
	clone := *best
	return &clone, nil
}

func (m *memStore) MarkOperationProcessing(_ context.Context, operationID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[operationID]
	if !ok || op.Status != database.OperationPending {
		return database.ErrNotFound
	}
	op.Status = database.OperationProcessing
	return nil
}

func (m *memStore) CompleteOperation(_ context.Context, operationID uuid.UUID, output database.JSONMap, modelUsed string, tokensUsed int, cost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[operationID]
	if !ok || (op.Status != database.OperationPending && op.Status != database.OperationProcessing) {
		return database.ErrNotFound
	}
	now := time.Now().UTC()
	op.Status = database.OperationCompleted
	op.OutputData = output
	op.ModelUsed = modelUsed
	op.TokensUsed = tokensUsed
	op.CostEstimate = cost
	op.CompletedAt = &now
	return nil
}

func (m *memStore) FailOperation(_ context.Context, operationID uuid.UUID, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[operationID]
	if !ok || (op.Status != database.OperationPending && op.Status != database.OperationProcessing) {
		return database.ErrNotFound
	}
	now := time.Now().UTC()
	op.Status = database.OperationFailed
	op.ErrorMessage = errorMessage
	op.CompletedAt = &now
	return nil
}

func (m *memStore) CancelOperation(_ context.Context, tenantID, operationID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[operationID]
	if !ok || op.TenantID != tenantID ||
		(op.Status != database.OperationPending && op.Status != database.OperationProcessing) {
		return database.ErrNotFound
	}
	now := time.Now().UTC()
	op.Status = database.OperationFailed
	op.ErrorMessage = "cancelled"
	if op.OutputData == nil {
		op.OutputData = database.JSONMap{}
	}
	op.OutputData["cancelled"] = true
	op.CompletedAt = &now
	return nil
}

func (m *memStore) GetDocument(_ context.Context, tenantID, documentID uuid.UUID) (*database.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok || doc.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	clone := *doc
	return &clone, nil
}

func (m *memStore) ListChunks(_ context.Context, tenantID, documentID uuid.UUID) ([]database.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]database.Chunk(nil), m.chunks[documentID]...), nil
}

// ===== fake providers =====

type fakeChat struct {
	mu        sync.Mutex
	requests  []providers.ChatRequest
	responses []providers.ChatResponse
	err       error
	block     bool // wait for context cancellation instead of answering
}

func (f *fakeChat) Complete(ctx context.Context, _ uuid.UUID, req providers.ChatRequest) (providers.ChatResponse, error) {
	if f.block {
		<-ctx.Done()
		return providers.ChatResponse{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return providers.ChatResponse{}, f.err
	}
	resp := providers.ChatResponse{Content: "answer", Model: "test-model", PromptTokens: 10, CompletionTokens: 5}
	if len(f.responses) > 0 {
		resp = f.responses[0]
		f.responses = f.responses[1:]
	}
	return resp, nil
}

func (f *fakeChat) calls() []providers.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]providers.ChatRequest(nil), f.requests...)
}

type fakeSearcher struct {
	matches  []vectorindex.Match
	err      error
	lastReq  documents.SearchRequest
	searches int
}

func (f *fakeSearcher) Search(_ context.Context, _ uuid.UUID, req documents.SearchRequest) ([]vectorindex.Match, error) {
	f.lastReq = req
	f.searches++
	return f.matches, f.err
}

func pollTerminal(t *testing.T, e *Engine, tenantID, opID uuid.UUID) *database.LLMOperation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		op, err := e.GetOperation(context.Background(), tenantID, opID)
		require.NoError(t, err)
		if op.Status == database.OperationCompleted || op.Status == database.OperationFailed {
			return op
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("operation never reached a terminal status")
	return nil
}

// ===== summarize =====

func TestSummarizeCompletes(t *testing.T) {
	store := newMemStore()
	chat := &fakeChat{responses: []providers.ChatResponse{{Content: "the summary", Model: "test-model", PromptTokens: 50, CompletionTokens: 20}}}
	engine := NewEngine(store, chat, &fakeSearcher{}, 0)
	tenantID, userID := uuid.New(), uuid.New()
	docID := store.addDocument(tenantID, "report.txt", "first chunk", "second chunk")

	op, err := engine.Summarize(context.Background(), tenantID, userID, SummarizeRequest{DocumentID: docID})
	require.NoError(t, err)
	assert.Equal(t, database.OperationPending, op.Status)

	final := pollTerminal(t, engine, tenantID, op.ID)
	assert.Equal(t, database.OperationCompleted, final.Status)
	assert.Equal(t, "the summary", final.OutputData["summary"])
	assert.Equal(t, false, final.OutputData["cached"])
	assert.Equal(t, 70, final.TokensUsed)
	require.NotNil(t, final.CompletedAt)

	calls := chat.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].System, "approximately 500 words")
	assert.Contains(t, calls[0].Messages[0].Content, "first chunk\n\nsecond chunk")
	assert.Equal(t, float32(0.3), calls[0].Temperature)
	assert.Equal(t, 400, calls[0].MaxTokens)
}

func TestSummarizeTruncatesLongContent(t *testing.T) {
	store := newMemStore()
	chat := &fakeChat{}
	engine := NewEngine(store, chat, &fakeSearcher{}, 0)
	tenantID := uuid.New()
	docID := store.addDocument(tenantID, "big.txt", strings.Repeat("a", 9000))

	op, err := engine.Summarize(context.Background(), tenantID, uuid.New(), SummarizeRequest{DocumentID: docID})
	require.NoError(t, err)
	pollTerminal(t, engine, tenantID, op.ID)

	calls := chat.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Messages[0].Content, truncationMarker)
	assert.NotContains(t, calls[0].Messages[0].Content, strings.Repeat("a", 8001))
}

func TestSummarizeCacheHit(t *testing.T) {
	store := newMemStore()
	chat := &fakeChat{responses: []providers.ChatResponse{{Content: "fresh summary", Model: "test-model"}}}
	engine := NewEngine(store, chat, &fakeSearcher{}, 0)
	tenantID, userID := uuid.New(), uuid.New()
	docID := store.addDocument(tenantID, "report.txt", "content")

	first, err := engine.Summarize(context.Background(), tenantID, userID, SummarizeRequest{DocumentID: docID})
	require.NoError(t, err)
	pollTerminal(t, engine, tenantID, first.ID)

	second, err := engine.Summarize(context.Background(), tenantID, userID, SummarizeRequest{DocumentID: docID})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, database.OperationCompleted, second.Status)
	assert.Equal(t, "fresh summary", second.OutputData["summary"])
	assert.Equal(t, true, second.OutputData["cached"])
	require.NotNil(t, second.CompletedAt)
	assert.Len(t, chat.calls(), 1, "cache hit must not call the provider")
}

func TestSummarizeForceBypassesCache(t *testing.T) {
	store := newMemStore()
	chat := &fakeChat{responses: []providers.ChatResponse{
		{Content: "v1", Model: "test-model"},
		{Content: "v2", Model: "test-model"},
	}}
	engine := NewEngine(store, chat, &fakeSearcher{}, 0)
	tenantID := uuid.New()
	docID := store.addDocument(tenantID, "report.txt", "content")

	first, err := engine.Summarize(context.Background(), tenantID, uuid.New(), SummarizeRequest{DocumentID: docID})
	require.NoError(t, err)
	pollTerminal(t, engine, tenantID, first.ID)

	second, err := engine.Summarize(context.Background(), tenantID, uuid.New(), SummarizeRequest{DocumentID: docID, Force: true})
	require.NoError(t, err)
	final := pollTerminal(t, engine, tenantID, second.ID)
	assert.Equal(t, "v2", final.OutputData["summary"])
	assert.Len(t, chat.calls(), 2)
}

func TestSummarizeMissingDocumentFails(t *testing.T) {
	store := newMemStore()
	engine := NewEngine(store, &fakeChat{}, &fakeSearcher{}, 0)
	tenantID := uuid.New()

	op, err := engine.Summarize(context.Background(), tenantID, uuid.New(), SummarizeRequest{DocumentID: uuid.New()})
	require.NoError(t, err)
	final := pollTerminal(t, engine, tenantID, op.ID)
	assert.Equal(t, database.OperationFailed, final.Status)
	assert.NotEmpty(t, final.ErrorMessage)
}

// ===== ask =====

func TestAskWithMatches(t *testing.T) {
	store := newMemStore()
	chat := &fakeChat{responses: []providers.ChatResponse{{Content: "42", Model: "test-model", PromptTokens: 30, CompletionTokens: 2}}}
	long := strings.Repeat("x", 250)
	searcher := &fakeSearcher{matches: []vectorindex.Match{
		{ChunkIndex: 3, Content: long, Score: 0.91},
		{ChunkIndex: 7, Content: "short", Score: 0.66},
	}}
	engine := NewEngine(store, chat, searcher, 0)
	tenantID := uuid.New()
	docID := store.addDocument(tenantID, "faq.txt", "a", "b")

	op, err := engine.Ask(context.Background(), tenantID, uuid.New(), AskRequest{DocumentID: docID, Question: "what is the answer?"})
	require.NoError(t, err)
	final := pollTerminal(t, engine, tenantID, op.ID)

	assert.Equal(t, database.OperationCompleted, final.Status)
	assert.Equal(t, "42", final.OutputData["answer"])

	sources, ok := final.OutputData["sources"].([]interface{})
	require.True(t, ok)
	require.Len(t, sources, 2)
	firstSource := sources[0].(map[string]interface{})
	assert.Equal(t, long[:200]+"...", firstSource["content_preview"])

	assert.Equal(t, float32(askMinScore), searcher.lastReq.MinScore)
	assert.Equal(t, defaultMaxChunks, searcher.lastReq.TopK)
	assert.Equal(t, []uuid.UUID{docID}, searcher.lastReq.DocumentIDs)

	calls := chat.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Messages[0].Content, "[Chunk 3]:")
	assert.Equal(t, float32(0.7), calls[0].Temperature)
}

func TestAskNoMatches(t *testing.T) {
	store := newMemStore()
	chat := &fakeChat{}
	engine := NewEngine(store, chat, &fakeSearcher{}, 0)
	tenantID := uuid.New()
	docID := store.addDocument(tenantID, "faq.txt", "a")

	op, err := engine.Ask(context.Background(), tenantID, uuid.New(), AskRequest{DocumentID: docID, Question: "anything?"})
	require.NoError(t, err)
	final := pollTerminal(t, engine, tenantID, op.ID)

	assert.Equal(t, database.OperationCompleted, final.Status)
	assert.Equal(t, noRelevantAnswer, final.OutputData["answer"])
	assert.Empty(t, final.OutputData["sources"])
	assert.Empty(t, chat.calls(), "no provider call without context")
}

func TestAskZeroMaxChunksSkipsRetrieval(t *testing.T) {
	store := newMemStore()
	chat := &fakeChat{}
	searcher := &fakeSearcher{matches: []vectorindex.Match{{ChunkIndex: 0, Content: "chunk", Score: 0.9}}}
	engine := NewEngine(store, chat, searcher, 0)
	tenantID := uuid.New()
	docID := store.addDocument(tenantID, "faq.txt", "a")

	zero := 0
	op, err := engine.Ask(context.Background(), tenantID, uuid.New(), AskRequest{
		DocumentID: docID, Question: "anything?", MaxChunks: &zero,
	})
	require.NoError(t, err)
	final := pollTerminal(t, engine, tenantID, op.ID)

	assert.Equal(t, database.OperationCompleted, final.Status)
	assert.Equal(t, noRelevantAnswer, final.OutputData["answer"])
	sources, ok := final.OutputData["sources"].([]interface{})
	require.True(t, ok)
	assert.Empty(t, sources)
	assert.Zero(t, searcher.searches, "explicit zero must not hit the index")
	assert.Empty(t, chat.calls())
}

func TestAskRequiresQuestion(t *testing.T) {
	engine := NewEngine(newMemStore(), &fakeChat{}, &fakeSearcher{}, 0)
	_, err := engine.Ask(context.Background(), uuid.New(), uuid.New(), AskRequest{DocumentID: uuid.New()})
	assert.Error(t, err)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", preview("short", 10))
	assert.Equal(t, "exactly ten", preview("exactly ten", 11))
	assert.Equal(t, "0123456789...", preview("0123456789abcdef", 10))
	// Multibyte content is cut on rune boundaries.
	assert.Equal(t, "özetle...", preview("özetle lütfen", 6))
}

// ===== transform =====

func TestTransformJSONCorrectiveRetry(t *testing.T) {
	store := newMemStore()
	chat := &fakeChat{responses: []providers.ChatResponse{
		{Content: "not json at all", Model: "test-model", PromptTokens: 5, CompletionTokens: 5},
		{Content: "```json\n{\"ok\": true}\n```", Model: "test-model", PromptTokens: 5, CompletionTokens: 5},
	}}
	engine := NewEngine(store, chat, &fakeSearcher{}, 0)
	tenantID := uuid.New()
	docID := store.addDocument(tenantID, "doc.txt", "content")

	op, err := engine.Transform(context.Background(), tenantID, uuid.New(), TransformRequest{
		DocumentID: docID, Instruction: "to json", OutputFormat: "json",
	})
	require.NoError(t, err)
	final := pollTerminal(t, engine, tenantID, op.ID)

	assert.Equal(t, database.OperationCompleted, final.Status)
	assert.JSONEq(t, `{"ok": true}`, final.OutputData["transformed_content"].(string))
	assert.Equal(t, "json", final.OutputData["output_format"])
	assert.Len(t, chat.calls(), 2)
}

func TestTransformJSONFailsAfterRetry(t *testing.T) {
	store := newMemStore()
	chat := &fakeChat{responses: []providers.ChatResponse{
		{Content: "bad"}, {Content: "still bad"},
	}}
	engine := NewEngine(store, chat, &fakeSearcher{}, 0)
	tenantID := uuid.New()
	docID := store.addDocument(tenantID, "doc.txt", "content")

	op, err := engine.Transform(context.Background(), tenantID, uuid.New(), TransformRequest{
		DocumentID: docID, Instruction: "to json", OutputFormat: "json",
	})
	require.NoError(t, err)
	final := pollTerminal(t, engine, tenantID, op.ID)
	assert.Equal(t, database.OperationFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "valid json")
}

func TestTransformWindowsLongDocument(t *testing.T) {
	store := newMemStore()
	chat := &fakeChat{responses: []providers.ChatResponse{
		{Content: "part one", Model: "test-model"},
		{Content: "part two", Model: "test-model"},
	}}
	engine := NewEngine(store, chat, &fakeSearcher{}, 0)
	tenantID := uuid.New()
	docID := store.addDocument(tenantID, "big.txt", strings.Repeat("a", 6000), strings.Repeat("b", 6000))

	op, err := engine.Transform(context.Background(), tenantID, uuid.New(), TransformRequest{
		DocumentID: docID, Instruction: "rewrite",
	})
	require.NoError(t, err)
	final := pollTerminal(t, engine, tenantID, op.ID)

	assert.Equal(t, database.OperationCompleted, final.Status)
	assert.Equal(t, "part one\n\npart two", final.OutputData["transformed_content"])
	assert.Len(t, chat.calls(), 2)
}

func TestTransformRejectsBadFormat(t *testing.T) {
	engine := NewEngine(newMemStore(), &fakeChat{}, &fakeSearcher{}, 0)
	_, err := engine.Transform(context.Background(), uuid.New(), uuid.New(), TransformRequest{
		DocumentID: uuid.New(), Instruction: "x", OutputFormat: "yaml",
	})
	assert.Error(t, err)
}

// ===== lifecycle =====

func TestOperationTimeout(t *testing.T) {
	store := newMemStore()
	chat := &fakeChat{block: true}
	engine := NewEngine(store, chat, &fakeSearcher{}, 50*time.Millisecond)
	tenantID := uuid.New()
	docID := store.addDocument(tenantID, "doc.txt", "content")

	op, err := engine.Summarize(context.Background(), tenantID, uuid.New(), SummarizeRequest{DocumentID: docID})
	require.NoError(t, err)
	final := pollTerminal(t, engine, tenantID, op.ID)
	assert.Equal(t, database.OperationFailed, final.Status)
	assert.Equal(t, timeoutErrMessage, final.ErrorMessage)
}

func TestCancelDiscardsInFlightResult(t *testing.T) {
	store := newMemStore()
	chat := &fakeChat{block: true}
	engine := NewEngine(store, chat, &fakeSearcher{}, time.Minute)
	tenantID := uuid.New()
	docID := store.addDocument(tenantID, "doc.txt", "content")

	op, err := engine.Summarize(context.Background(), tenantID, uuid.New(), SummarizeRequest{DocumentID: docID})
	require.NoError(t, err)

	// Let the task claim the row before cancelling
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		current, err := engine.GetOperation(context.Background(), tenantID, op.ID)
		require.NoError(t, err)
		if current.Status == database.OperationProcessing {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	require.NoError(t, engine.Cancel(context.Background(), tenantID, op.ID))
	engine.Wait()

	final, err := engine.GetOperation(context.Background(), tenantID, op.ID)
	require.NoError(t, err)
	assert.Equal(t, database.OperationFailed, final.Status)
	assert.Equal(t, "cancelled", final.ErrorMessage)
	assert.Equal(t, true, final.OutputData["cancelled"])
}

func TestCancelTerminalOperation(t *testing.T) {
	store := newMemStore()
	engine := NewEngine(store, &fakeChat{}, &fakeSearcher{}, 0)
	tenantID := uuid.New()
	docID := store.addDocument(tenantID, "doc.txt", "content")

	op, err := engine.Summarize(context.Background(), tenantID, uuid.New(), SummarizeRequest{DocumentID: docID})
	require.NoError(t, err)
	pollTerminal(t, engine, tenantID, op.ID)

	err = engine.Cancel(context.Background(), tenantID, op.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

// ===== helpers =====

func TestWindowContent(t *testing.T) {
	windows := windowContent([]string{"aaa", "bbb", "ccc"}, 8)
	assert.Equal(t, []string{"aaa\n\nbbb", "ccc"}, windows)

	single := windowContent([]string{"aaa"}, 100)
	assert.Equal(t, []string{"aaa"}, single)

	// A chunk over budget still becomes its own window
	over := windowContent([]string{strings.Repeat("z", 20)}, 8)
	assert.Len(t, over, 1)
}

func TestAssembleTransformJSONArray(t *testing.T) {
	out, err := assembleTransform([]string{`{"a":1}`, `{"b":2}`}, "json")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"a":1},{"b":2}]`, out)
}

func TestValidJSONStripsFences(t *testing.T) {
	cleaned, ok := validJSON("```json\n{\"a\": 1}\n```")
	assert.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, cleaned)

	_, ok = validJSON("nope")
	assert.False(t, ok)
}

func TestFailedTaskNeverZombies(t *testing.T) {
	store := newMemStore()
	chat := &fakeChat{err: errors.New("provider exploded")}
	engine := NewEngine(store, chat, &fakeSearcher{}, 0)
	tenantID := uuid.New()
	docID := store.addDocument(tenantID, "doc.txt", "content")

	op, err := engine.Summarize(context.Background(), tenantID, uuid.New(), SummarizeRequest{DocumentID: docID})
	require.NoError(t, err)
	engine.Wait()

	final, err := engine.GetOperation(context.Background(), tenantID, op.ID)
	require.NoError(t, err)
	assert.Equal(t, database.OperationFailed, final.Status)
	require.NotNil(t, final.CompletedAt)
}
