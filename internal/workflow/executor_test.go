package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/documents"
	"github.com/langorch/backend/internal/events"
	"github.com/langorch/backend/internal/providers"
	"github.com/langorch/backend/internal/vectorindex"
)

// ----------------------------------------------------------------------------
// fakes

type fakeChat struct {
	mu        sync.Mutex
	responses []providers.ChatResponse
	errs      []error
	requests  []providers.ChatRequest
	deltas    []string
}

func (f *fakeChat) Complete(_ context.Context, _ uuid.UUID, req providers.ChatRequest) (providers.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return providers.ChatResponse{}, err
		}
	}
	if len(f.responses) == 0 {
		return providers.ChatResponse{Content: "ok"}, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

// Stream replays the configured deltas through fn; without deltas it behaves
// like a provider that only produces a final answer.
func (f *fakeChat) Stream(ctx context.Context, tenantID uuid.UUID, req providers.ChatRequest, fn providers.StreamFunc) (providers.ChatResponse, error) {
	f.mu.Lock()
	deltas := append([]string(nil), f.deltas...)
	f.mu.Unlock()
	if len(deltas) == 0 {
		return f.Complete(ctx, tenantID, req)
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	var b strings.Builder
	for _, d := range deltas {
		b.WriteString(d)
		if fn != nil {
			if err := fn(d); err != nil {
				return providers.ChatResponse{}, err
			}
		}
	}
	return providers.ChatResponse{Content: b.String()}, nil
}

type fakeSearch struct {
	matches []vectorindex.Match
	err     error
	lastReq documents.SearchRequest
}

func (f *fakeSearch) Search(_ context.Context, _ uuid.UUID, req documents.SearchRequest) ([]vectorindex.Match, error) {
	f.lastReq = req
	return f.matches, f.err
}

type fakeDocs struct {
	names map[uuid.UUID]string
}

func (f *fakeDocs) GetDocument(_ context.Context, tenantID, documentID uuid.UUID) (*database.Document, error) {
	name, ok := f.names[documentID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &database.Document{ID: documentID, TenantID: tenantID, Filename: name}, nil
}

type memDB struct {
	mu          sync.Mutex
	definitions map[uuid.UUID]*database.WorkflowDefinition
	sessions    map[uuid.UUID]*database.ConversationSession
	messages    map[uuid.UUID][]database.Message
	bridges     map[uuid.UUID][]database.SessionDocument
	executions  map[uuid.UUID]*database.WorkflowExecution
	checkpoints map[string][]database.Checkpoint
	approvals   map[uuid.UUID]*database.HITLApproval
}

func newMemDB() *memDB {
	return &memDB{
		definitions: map[uuid.UUID]*database.WorkflowDefinition{},
		sessions:    map[uuid.UUID]*database.ConversationSession{},
		messages:    map[uuid.UUID][]database.Message{},
		bridges:     map[uuid.UUID][]database.SessionDocument{},
		executions:  map[uuid.UUID]*database.WorkflowExecution{},
		checkpoints: map[string][]database.Checkpoint{},
		approvals:   map[uuid.UUID]*database.HITLApproval{},
	}
}

func (m *memDB) GetWorkflowDefinition(_ context.Context, tenantID, workflowID uuid.UUID) (*database.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.definitions[workflowID]
	if !ok || def.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	return def, nil
}

func (m *memDB) GetSession(_ context.Context, tenantID, sessionID uuid.UUID) (*database.ConversationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	return sess, nil
}

func (m *memDB) ListMessages(_ context.Context, sessionID uuid.UUID, _ int) ([]database.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]database.Message(nil), m.messages[sessionID]...), nil
}

func (m *memDB) ListActiveSessionDocuments(_ context.Context, sessionID uuid.UUID) ([]database.SessionDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []database.SessionDocument
	for _, b := range m.bridges[sessionID] {
		if b.IsActive {
			active = append(active, b)
		}
	}
	return active, nil
}

func (m *memDB) AppendMessage(_ context.Context, msg *database.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.CreatedAt = time.Now().UTC()
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], *msg)
	return nil
}

func (m *memDB) TouchSession(_ context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok {
		sess.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *memDB) CreateExecution(_ context.Context, exec *database.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	if exec.Status == "" {
		exec.Status = database.ExecutionRunning
	}
	exec.StartedAt = time.Now().UTC()
	cp := *exec
	m.executions[exec.ID] = &cp
	return nil
}

func (m *memDB) GetExecution(_ context.Context, tenantID, executionID uuid.UUID) (*database.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok || exec.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	cp := *exec
	return &cp, nil
}

func (m *memDB) UpdateExecutionStatus(_ context.Context, executionID uuid.UUID, status string, output database.JSONMap, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return database.ErrNotFound
	}
	exec.Status = status
	if output != nil {
		exec.OutputData = output
	}
	exec.ErrorMessage = errorMessage
	if status == database.ExecutionCompleted || status == database.ExecutionFailed {
		now := time.Now().UTC()
		exec.CompletedAt = &now
	}
	return nil
}

func (m *memDB) SaveCheckpoint(_ context.Context, cp *database.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.checkpoints[cp.ThreadID] {
		if existing.Step == cp.Step {
			return database.ErrConcurrentUpdate
		}
	}
	cp.CreatedAt = time.Now().UTC()
	m.checkpoints[cp.ThreadID] = append(m.checkpoints[cp.ThreadID], *cp)
	return nil
}

func (m *memDB) LoadLatestCheckpoint(_ context.Context, threadID string) (*database.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cps := m.checkpoints[threadID]
	if len(cps) == 0 {
		return nil, database.ErrNotFound
	}
	latest := cps[0]
	for _, cp := range cps[1:] {
		if cp.Step > latest.Step {
			latest = cp
		}
	}
	return &latest, nil
}

func (m *memDB) CreateApproval(_ context.Context, a *database.HITLApproval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.approvals {
		if existing.ExecutionID == a.ExecutionID && existing.Status == database.ApprovalPending {
			return database.ErrPendingApprovalExists
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = database.ApprovalPending
	}
	a.CreatedAt = time.Now().UTC()
	cp := *a
	m.approvals[a.ID] = &cp
	return nil
}

func (m *memDB) addSession(tenantID uuid.UUID, mode string) *database.ConversationSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := &database.ConversationSession{
		ID:       uuid.New(),
		TenantID: tenantID,
		UserID:   uuid.New(),
		ThreadID: uuid.NewString(),
		Mode:     mode,
	}
	m.sessions[sess.ID] = sess
	return sess
}

func (m *memDB) addBridge(sessionID, documentID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bridges[sessionID] = append(m.bridges[sessionID], database.SessionDocument{
		SessionID: sessionID, DocumentID: documentID, IsActive: true,
	})
}

// ----------------------------------------------------------------------------
// routing

func TestDecideRoute(t *testing.T) {
	cases := []struct {
		name       string
		mode       string
		query      string
		docs       int
		wantRoute  string
		confidence float64
	}{
		{"chat only mode wins", ModeChatOnly, "what does the contract say", 3, RouteDirectChat, 1.0},
		{"rag only mode wins", ModeRAGOnly, "hi", 3, RouteRAG, 1.0},
		{"greeting", ModeAuto, "Hello there", 2, RouteDirectChat, 0.95},
		{"small talk", ModeAuto, "ok thanks a lot", 2, RouteDirectChat, 0.9},
		{"document keyword with docs", ModeAuto, "summarize the file for me", 1, RouteRAG, 0.85},
		{"what does phrasing with docs", ModeAuto, "What does the doc say about X?", 1, RouteRAG, 0.85},
		{"tell me about phrasing with docs", ModeAuto, "tell me about chapter two", 1, RouteRAG, 0.85},
		{"long query with docs", ModeAuto, "compare our two approaches and recommend one", 1, RouteHybrid, 0.6},
		{"short query with docs", ModeAuto, "why", 1, RouteDirectChat, 0.8},
		{"no documents", ModeAuto, "what does the document say", 0, RouteDirectChat, 0.7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := DecideRoute(tc.mode, tc.query, tc.docs)
			assert.Equal(t, tc.wantRoute, d.Route)
			assert.InDelta(t, tc.confidence, d.Confidence, 0.001)
		})
	}
}

func TestEntryRouteCollapsesHybrid(t *testing.T) {
	d := RouteDecision{Route: RouteHybrid}
	assert.Equal(t, RouteRAG, d.EntryRoute())
	d = RouteDecision{Route: RouteDirectChat}
	assert.Equal(t, RouteDirectChat, d.EntryRoute())
}

// ----------------------------------------------------------------------------
// graph compilation

func TestBuildRejectsBrokenDefinitions(t *testing.T) {
	deps := NodeDeps{Chat: &fakeChat{}, Search: &fakeSearch{}}

	cases := []struct {
		name string
		def  *database.WorkflowDefinition
	}{
		{"no start edge", &database.WorkflowDefinition{
			Nodes: []database.WorkflowNode{{ID: "a", Type: "llm"}},
			Edges: []database.WorkflowEdge{{Source: "a", Target: EndNode}},
		}},
		{"two start edges", &database.WorkflowDefinition{
			Nodes: []database.WorkflowNode{{ID: "a", Type: "llm"}, {ID: "b", Type: "llm"}},
			Edges: []database.WorkflowEdge{
				{Source: StartNode, Target: "a"},
				{Source: StartNode, Target: "b"},
				{Source: "a", Target: EndNode},
				{Source: "b", Target: EndNode},
			},
		}},
		{"unknown node type", &database.WorkflowDefinition{
			Nodes: []database.WorkflowNode{{ID: "a", Type: "teleporter"}},
			Edges: []database.WorkflowEdge{{Source: StartNode, Target: "a"}, {Source: "a", Target: EndNode}},
		}},
		{"unreachable node", &database.WorkflowDefinition{
			Nodes: []database.WorkflowNode{{ID: "a", Type: "llm"}, {ID: "b", Type: "llm"}},
			Edges: []database.WorkflowEdge{
				{Source: StartNode, Target: "a"},
				{Source: "a", Target: EndNode},
				{Source: "b", Target: EndNode},
			},
		}},
		{"dead end node", &database.WorkflowDefinition{
			Nodes: []database.WorkflowNode{{ID: "a", Type: "llm"}, {ID: "b", Type: "llm"}, {ID: "c", Type: "llm"}},
			Edges: []database.WorkflowEdge{
				{Source: StartNode, Target: "a"},
				{Source: "a", Target: "b"},
				{Source: "b", Target: "c"},
				{Source: "c", Target: "b"},
			},
		}},
		{"unconditional cycle", &database.WorkflowDefinition{
			Nodes: []database.WorkflowNode{{ID: "a", Type: "llm"}, {ID: "b", Type: "llm"}},
			Edges: []database.WorkflowEdge{
				{Source: StartNode, Target: "a"},
				{Source: "a", Target: "b"},
				{Source: "b", Target: "a"},
				{Source: "b", Target: EndNode, Condition: "default"},
			},
		}},
		{"unknown condition", &database.WorkflowDefinition{
			Nodes: []database.WorkflowNode{{ID: "a", Type: "llm"}},
			Edges: []database.WorkflowEdge{
				{Source: StartNode, Target: "a"},
				{Source: "a", Target: EndNode, Condition: "phase_of_moon"},
			},
		}},
		{"reserved node id", &database.WorkflowDefinition{
			Nodes: []database.WorkflowNode{{ID: EndNode, Type: "llm"}},
			Edges: []database.WorkflowEdge{{Source: StartNode, Target: EndNode}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.def, deps)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func TestBuildAcceptsConditionalCycle(t *testing.T) {
	deps := NodeDeps{Chat: &fakeChat{}, Search: &fakeSearch{}}
	def := &database.WorkflowDefinition{
		Nodes: []database.WorkflowNode{
			{ID: "generator", Type: "rag_generator"},
			{ID: "checker", Type: "hallucination_checker"},
		},
		Edges: []database.WorkflowEdge{
			{Source: StartNode, Target: "generator"},
			{Source: "generator", Target: "checker"},
			{Source: "checker", Target: "generator", Condition: "retry"},
			{Source: "checker", Target: EndNode},
		},
	}
	g, err := Build(def, deps)
	require.NoError(t, err)
	assert.Equal(t, "generator", g.Entry())
}

func TestDefaultDefinitionCompiles(t *testing.T) {
	deps := NodeDeps{Chat: &fakeChat{}, Search: &fakeSearch{}}
	g, err := Build(DefaultDefinition(), deps)
	require.NoError(t, err)
	assert.Equal(t, "router", g.Entry())

	st := &State{Route: RouteDirectChat}
	next, err := g.Next("router", st)
	require.NoError(t, err)
	assert.Equal(t, "chat_generator", next)

	st.Route = RouteRAG
	next, err = g.Next("router", st)
	require.NoError(t, err)
	assert.Equal(t, "retriever", next)
}

// ----------------------------------------------------------------------------
// execution

func collectSink(captured *[]*events.CloudEvent) EventSink {
	return func(ev *events.CloudEvent) error {
		*captured = append(*captured, ev)
		return nil
	}
}

func TestExecuteDirectChat(t *testing.T) {
	db := newMemDB()
	tenantID := uuid.New()
	sess := db.addSession(tenantID, database.ModeChatOnly)
	db.messages[sess.ID] = []database.Message{
		{SessionID: sess.ID, Role: RoleUser, Content: "earlier question"},
		{SessionID: sess.ID, Role: RoleAssistant, Content: "earlier answer"},
	}

	chat := &fakeChat{responses: []providers.ChatResponse{{Content: "hi there"}}}
	exec := NewExecutor(db, NodeDeps{Chat: chat, Search: &fakeSearch{}}, events.NewBus())

	var captured []*events.CloudEvent
	result, err := exec.Stream(context.Background(), ExecuteRequest{
		TenantID:  tenantID,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Message:   "hello again",
	}, collectSink(&captured))
	require.NoError(t, err)
	assert.Equal(t, database.ExecutionCompleted, result.Status)
	assert.Equal(t, "hi there", result.OutputData["generation"])

	// Full history plus the new turn reaches the model.
	require.Len(t, chat.requests, 1)
	require.Len(t, chat.requests[0].Messages, 3)
	assert.Equal(t, "hello again", chat.requests[0].Messages[2].Content)

	// Both turns were persisted.
	msgs := db.messages[sess.ID]
	require.Len(t, msgs, 4)
	assert.Equal(t, RoleUser, msgs[2].Role)
	assert.Equal(t, RoleAssistant, msgs[3].Role)
	assert.Equal(t, "hi there", msgs[3].Content)

	// start, router update, generator update, done.
	require.Len(t, captured, 4)
	assert.Equal(t, events.TypeWorkflowStart, captured[0].Type)
	assert.Equal(t, events.TypeWorkflowUpdate, captured[1].Type)
	assert.Equal(t, events.TypeWorkflowDone, captured[3].Type)
	assert.Equal(t, result.ID.String(), captured[0].Subject)
}

func TestStreamForwardsGenerationDeltas(t *testing.T) {
	db := newMemDB()
	tenantID := uuid.New()
	sess := db.addSession(tenantID, database.ModeChatOnly)

	chat := &fakeChat{deltas: []string{"Net ", "30 ", "days."}}
	exec := NewExecutor(db, NodeDeps{Chat: chat, Search: &fakeSearch{}}, nil)

	var captured []*events.CloudEvent
	result, err := exec.Stream(context.Background(), ExecuteRequest{
		TenantID:  tenantID,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Message:   "when is payment due",
	}, collectSink(&captured))
	require.NoError(t, err)
	assert.Equal(t, database.ExecutionCompleted, result.Status)
	assert.Equal(t, "Net 30 days.", result.OutputData["generation"])

	var deltas []string
	for _, ev := range captured {
		if d, ok := ev.Data["delta"].(string); ok {
			deltas = append(deltas, d)
		}
	}
	assert.Equal(t, []string{"Net ", "30 ", "days."}, deltas)

	// The persisted turn is the assembled text, not the fragments.
	msgs := db.messages[sess.ID]
	assert.Equal(t, "Net 30 days.", msgs[len(msgs)-1].Content)
}

func TestExecuteWithoutSinkDoesNotStream(t *testing.T) {
	db := newMemDB()
	tenantID := uuid.New()
	sess := db.addSession(tenantID, database.ModeChatOnly)

	// Deltas configured, but Execute has no sink attached, so the state
	// never grows a delta consumer and Complete is used instead.
	chat := &fakeChat{deltas: []string{"never "}, responses: []providers.ChatResponse{{Content: "whole answer"}}}
	exec := NewExecutor(db, NodeDeps{Chat: chat, Search: &fakeSearch{}}, nil)

	result, err := exec.Execute(context.Background(), ExecuteRequest{
		TenantID:  tenantID,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Message:   "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "whole answer", result.OutputData["generation"])
}

func TestExecuteRAGPath(t *testing.T) {
	db := newMemDB()
	tenantID := uuid.New()
	sess := db.addSession(tenantID, database.ModeAuto)
	docID := uuid.New()
	db.addBridge(sess.ID, docID)

	search := &fakeSearch{matches: []vectorindex.Match{
		{ChunkID: uuid.New(), DocumentID: docID, ChunkIndex: 0, Content: "payment due in 30 days", Score: 0.91},
	}}
	chat := &fakeChat{responses: []providers.ChatResponse{{Content: "Net 30."}}}
	docs := &fakeDocs{names: map[uuid.UUID]string{docID: "contract.md"}}

	exec := NewExecutor(db, NodeDeps{Chat: chat, Search: search, Docs: docs}, nil)
	result, err := exec.Execute(context.Background(), ExecuteRequest{
		TenantID:  tenantID,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Message:   "summarize the payment terms in the document",
	})
	require.NoError(t, err)
	assert.Equal(t, database.ExecutionCompleted, result.Status)

	assert.Equal(t, []uuid.UUID{docID}, search.lastReq.DocumentIDs)
	assert.Equal(t, 5, search.lastReq.TopK)

	require.Len(t, chat.requests, 1)
	prompt := chat.requests[0].Messages[0].Content
	assert.Contains(t, prompt, "Based on the following documents")
	assert.Contains(t, prompt, "Document 1 (Source: contract.md)")
	assert.Contains(t, prompt, "payment due in 30 days")

	routing, ok := result.OutputData["routing_metadata"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, RouteRAG, routing["route"])
}

func TestExecuteRAGOnlyNeedsDocuments(t *testing.T) {
	db := newMemDB()
	tenantID := uuid.New()
	sess := db.addSession(tenantID, database.ModeRAGOnly)

	exec := NewExecutor(db, NodeDeps{Chat: &fakeChat{}, Search: &fakeSearch{}}, nil)
	_, err := exec.Execute(context.Background(), ExecuteRequest{
		TenantID:  tenantID,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Message:   "what does it say",
	})
	assert.ErrorIs(t, err, ErrNoDocuments)
	assert.Empty(t, db.executions)
}

func TestExecuteCheckpointsEveryNode(t *testing.T) {
	db := newMemDB()
	tenantID := uuid.New()
	sess := db.addSession(tenantID, database.ModeChatOnly)

	exec := NewExecutor(db, NodeDeps{Chat: &fakeChat{}, Search: &fakeSearch{}}, nil)
	_, err := exec.Execute(context.Background(), ExecuteRequest{
		TenantID:  tenantID,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Message:   "hi",
	})
	require.NoError(t, err)

	cps := db.checkpoints[sess.ThreadID]
	require.Len(t, cps, 2)
	assert.Equal(t, 1, cps[0].Step)
	assert.Equal(t, 2, cps[1].Step)
	require.NotNil(t, cps[1].ParentStep)
	assert.Equal(t, 1, *cps[1].ParentStep)

	st, err := DecodeState(cps[1].StateBlob)
	require.NoError(t, err)
	assert.Equal(t, "ok", st.Generation)
}

func TestExecuteNodeFailureMarksExecutionFailed(t *testing.T) {
	db := newMemDB()
	tenantID := uuid.New()
	sess := db.addSession(tenantID, database.ModeChatOnly)

	chat := &fakeChat{errs: []error{errors.New("provider exploded")}}
	exec := NewExecutor(db, NodeDeps{Chat: chat, Search: &fakeSearch{}}, nil)

	var captured []*events.CloudEvent
	result, err := exec.Stream(context.Background(), ExecuteRequest{
		TenantID:  tenantID,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Message:   "hi",
	}, collectSink(&captured))
	require.Error(t, err)
	assert.Equal(t, database.ExecutionFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "provider exploded")

	last := captured[len(captured)-1]
	assert.Equal(t, events.TypeWorkflowError, last.Type)

	// The failing state was still checkpointed.
	latest, err := db.LoadLatestCheckpoint(context.Background(), sess.ThreadID)
	require.NoError(t, err)
	st, err := DecodeState(latest.StateBlob)
	require.NoError(t, err)
	assert.Contains(t, st.Error, "provider exploded")
}

// ----------------------------------------------------------------------------
// interrupts and resume

func approvalDefinition(tenantID uuid.UUID, onReject string) *database.WorkflowDefinition {
	cfg := database.JSONMap{"prompt": "Ship it?"}
	if onReject != "" {
		cfg["on_reject"] = onReject
	}
	return &database.WorkflowDefinition{
		ID:       uuid.New(),
		TenantID: tenantID,
		Name:     "gated-chat",
		Version:  1,
		Nodes: []database.WorkflowNode{
			{ID: "gate", Type: "human_in_loop", Config: cfg},
			{ID: "answer", Type: "llm"},
		},
		Edges: []database.WorkflowEdge{
			{Source: StartNode, Target: "gate"},
			{Source: "gate", Target: "answer"},
			{Source: "answer", Target: EndNode},
		},
		IsActive: true,
	}
}

func TestInterruptAndResumeApproved(t *testing.T) {
	db := newMemDB()
	tenantID := uuid.New()
	sess := db.addSession(tenantID, database.ModeChatOnly)
	def := approvalDefinition(tenantID, "")
	db.definitions[def.ID] = def

	chat := &fakeChat{responses: []providers.ChatResponse{{Content: "shipped"}}}
	exec := NewExecutor(db, NodeDeps{Chat: chat, Search: &fakeSearch{}}, nil)

	var captured []*events.CloudEvent
	result, err := exec.Stream(context.Background(), ExecuteRequest{
		TenantID:   tenantID,
		UserID:     sess.UserID,
		SessionID:  sess.ID,
		WorkflowID: &def.ID,
		Message:    "deploy the release",
	}, collectSink(&captured))
	require.NoError(t, err)
	assert.Equal(t, database.ExecutionInterrupted, result.Status)
	assert.Empty(t, chat.requests)

	// Exactly one pending approval carrying the request payload.
	require.Len(t, db.approvals, 1)
	var approval *database.HITLApproval
	for _, a := range db.approvals {
		approval = a
	}
	assert.Equal(t, result.ID, approval.ExecutionID)
	assert.Equal(t, database.ApprovalPending, approval.Status)
	assert.Equal(t, "Ship it?", approval.Prompt)
	assert.Equal(t, "approval_request", approval.ContextData["type"])

	done := captured[len(captured)-1]
	assert.Equal(t, events.TypeWorkflowDone, done.Type)
	assert.Equal(t, database.ExecutionInterrupted, done.Data["status"])
	assert.Equal(t, approval.ID.String(), done.Data["approval_id"])

	resumed, err := exec.Resume(context.Background(), tenantID, result.ID, ResumeInput{
		Approved: true,
		Feedback: "looks good",
	})
	require.NoError(t, err)
	assert.Equal(t, database.ExecutionCompleted, resumed.Status)
	assert.Equal(t, "shipped", resumed.OutputData["generation"])
	require.Len(t, chat.requests, 1)

	latest, err := db.LoadLatestCheckpoint(context.Background(), sess.ThreadID)
	require.NoError(t, err)
	st, err := DecodeState(latest.StateBlob)
	require.NoError(t, err)
	gate, ok := st.Intermediate["gate"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, gate["approved"])
	assert.Equal(t, "looks good", gate["feedback"])
}

func TestResumeRejectedEndsExecution(t *testing.T) {
	db := newMemDB()
	tenantID := uuid.New()
	sess := db.addSession(tenantID, database.ModeChatOnly)
	def := approvalDefinition(tenantID, "")
	db.definitions[def.ID] = def

	chat := &fakeChat{}
	exec := NewExecutor(db, NodeDeps{Chat: chat, Search: &fakeSearch{}}, nil)

	result, err := exec.Execute(context.Background(), ExecuteRequest{
		TenantID:   tenantID,
		UserID:     sess.UserID,
		SessionID:  sess.ID,
		WorkflowID: &def.ID,
		Message:    "deploy",
	})
	require.NoError(t, err)
	require.Equal(t, database.ExecutionInterrupted, result.Status)

	resumed, err := exec.Resume(context.Background(), tenantID, result.ID, ResumeInput{Approved: false})
	require.NoError(t, err)
	assert.Equal(t, database.ExecutionCompleted, resumed.Status)
	// Rejection skipped generation entirely.
	assert.Empty(t, chat.requests)
	assert.Equal(t, "", resumed.OutputData["generation"])
}

func TestResumeRequiresInterruptedStatus(t *testing.T) {
	db := newMemDB()
	tenantID := uuid.New()
	sess := db.addSession(tenantID, database.ModeChatOnly)

	exec := NewExecutor(db, NodeDeps{Chat: &fakeChat{}, Search: &fakeSearch{}}, nil)
	result, err := exec.Execute(context.Background(), ExecuteRequest{
		TenantID:  tenantID,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Message:   "hi",
	})
	require.NoError(t, err)
	require.Equal(t, database.ExecutionCompleted, result.Status)

	_, err = exec.Resume(context.Background(), tenantID, result.ID, ResumeInput{Approved: true})
	assert.ErrorIs(t, err, ErrNotInterrupted)
}

// ----------------------------------------------------------------------------
// node units

func stepNode(t *testing.T, nodeType string, cfg database.JSONMap, deps NodeDeps, st *State) *StepResult {
	t.Helper()
	n, err := nodeConstructors[nodeType](database.WorkflowNode{ID: nodeType, Type: nodeType, Config: cfg}, deps)
	require.NoError(t, err)
	res, err := n.Step(context.Background(), uuid.New(), st)
	require.NoError(t, err)
	return res
}

func TestRelevanceGraderFiltersDocuments(t *testing.T) {
	chat := &fakeChat{responses: []providers.ChatResponse{
		{Content: "Yes, relevant."},
		{Content: "no"},
	}}
	st := &State{
		Query: "payment terms",
		Documents: []RetrievedDoc{
			{Content: "payment due in 30 days"},
			{Content: "the office dress code"},
		},
	}
	stepNode(t, "relevance_grader", nil, NodeDeps{Chat: chat}, st)

	require.Len(t, st.Documents, 1)
	assert.Equal(t, "payment due in 30 days", st.Documents[0].Content)
	assert.NotEqual(t, "no_context", st.Route)

	require.Len(t, chat.requests, 2)
	assert.Equal(t, float32(0), chat.requests[0].Temperature)
	assert.Equal(t, 10, chat.requests[0].MaxTokens)
	assert.Contains(t, chat.requests[0].Messages[0].Content, "Answer with just 'yes' or 'no'")
}

func TestRelevanceGraderTruncatesLongDocuments(t *testing.T) {
	chat := &fakeChat{responses: []providers.ChatResponse{{Content: "yes"}}}
	long := strings.Repeat("x", 900)
	st := &State{Query: "q", Documents: []RetrievedDoc{{Content: long}}}
	stepNode(t, "relevance_grader", nil, NodeDeps{Chat: chat}, st)

	prompt := chat.requests[0].Messages[0].Content
	assert.Contains(t, prompt, strings.Repeat("x", 500)+"...")
	assert.NotContains(t, prompt, strings.Repeat("x", 501))
}

func TestRelevanceGraderNoSurvivorsSetsNoContext(t *testing.T) {
	chat := &fakeChat{responses: []providers.ChatResponse{{Content: "no"}}}
	st := &State{Query: "q", Documents: []RetrievedDoc{{Content: "irrelevant"}}}
	stepNode(t, "relevance_grader", nil, NodeDeps{Chat: chat}, st)
	assert.Empty(t, st.Documents)
	assert.Equal(t, "no_context", st.Route)
}

func TestRelevanceGraderKeepsDocumentOnProviderError(t *testing.T) {
	chat := &fakeChat{errs: []error{errors.New("down")}}
	st := &State{Query: "q", Documents: []RetrievedDoc{{Content: "keep me"}}}
	stepNode(t, "relevance_grader", nil, NodeDeps{Chat: chat}, st)
	require.Len(t, st.Documents, 1)
}

func TestHallucinationChecker(t *testing.T) {
	cases := []struct {
		name      string
		reply     string
		replyErr  error
		docs      int
		wantScore float64
		wantRetry bool
	}{
		{"grounded", "0.9", nil, 1, 0.9, false},
		{"ungrounded triggers retry", "0.2", nil, 1, 0.2, true},
		{"clamped high", "7", nil, 1, 1.0, false},
		{"clamped low", "-3", nil, 1, 0.0, true},
		{"unparseable defaults", "mostly fine", nil, 1, 0.5, true},
		{"provider error defaults", "", errors.New("down"), 1, 0.5, true},
		{"no documents scores zero", "", nil, 0, 0.0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chat := &fakeChat{responses: []providers.ChatResponse{{Content: tc.reply}}}
			if tc.replyErr != nil {
				chat.errs = []error{tc.replyErr}
			}
			st := &State{Generation: "the answer"}
			for i := 0; i < tc.docs; i++ {
				st.Documents = append(st.Documents, RetrievedDoc{Content: "doc"})
			}
			stepNode(t, "hallucination_checker", nil, NodeDeps{Chat: chat}, st)
			require.NotNil(t, st.HallucinationScore)
			assert.InDelta(t, tc.wantScore, *st.HallucinationScore, 0.001)
			assert.Equal(t, tc.wantRetry, st.Retry)
		})
	}
}

func TestHallucinationCheckerRetriesOnlyOnce(t *testing.T) {
	chat := &fakeChat{responses: []providers.ChatResponse{{Content: "0.1"}, {Content: "0.1"}}}
	st := &State{Generation: "answer", Documents: []RetrievedDoc{{Content: "doc"}}}

	stepNode(t, "hallucination_checker", nil, NodeDeps{Chat: chat}, st)
	assert.True(t, st.Retry)

	// Second low score with retry already spent settles instead of looping.
	stepNode(t, "hallucination_checker", nil, NodeDeps{Chat: chat}, st)
	assert.False(t, st.Retry)
}

func TestRAGGeneratorFallsBackWithoutDocuments(t *testing.T) {
	chat := &fakeChat{responses: []providers.ChatResponse{{Content: "plain answer"}}}
	st := &State{}
	st.AppendMessage(RoleUser, "what is the meaning of life")
	stepNode(t, "rag_generator", nil, NodeDeps{Chat: chat}, st)

	assert.Equal(t, "what is the meaning of life", chat.requests[0].Messages[0].Content)
	assert.Equal(t, "plain answer", st.Generation)
	assert.Equal(t, RoleAssistant, st.Messages[len(st.Messages)-1].Role)
}

func TestRetrieverSkipsWithoutActiveDocuments(t *testing.T) {
	search := &fakeSearch{matches: []vectorindex.Match{{Content: "should not appear"}}}
	st := &State{}
	st.AppendMessage(RoleUser, "query")
	stepNode(t, "retriever", nil, NodeDeps{Chat: &fakeChat{}, Search: search}, st)
	assert.Empty(t, st.Documents)
	assert.Empty(t, search.lastReq.Query)
}

func TestRetrieverHonorsConfig(t *testing.T) {
	docID := uuid.New()
	search := &fakeSearch{}
	st := &State{ActiveDocuments: []uuid.UUID{docID}}
	st.AppendMessage(RoleUser, "find the clause")
	stepNode(t, "retriever", database.JSONMap{"top_k": float64(3), "score_threshold": 0.4}, NodeDeps{Chat: &fakeChat{}, Search: search}, st)

	assert.Equal(t, "find the clause", search.lastReq.Query)
	assert.Equal(t, 3, search.lastReq.TopK)
	assert.InDelta(t, 0.4, float64(search.lastReq.MinScore), 0.001)
	assert.Equal(t, []uuid.UUID{docID}, search.lastReq.DocumentIDs)
}

func TestHumanInLoopInterruptPayload(t *testing.T) {
	st := NewState(uuid.New(), uuid.New(), database.ModeAuto)
	st.AppendMessage(RoleUser, "do the thing")

	n, err := nodeConstructors["human_in_loop"](database.WorkflowNode{ID: "gate", Type: "human_in_loop"}, NodeDeps{})
	require.NoError(t, err)
	res, err := n.Step(context.Background(), uuid.New(), st)
	require.NoError(t, err)
	require.NotNil(t, res.Interrupt)

	payload := res.Interrupt.Payload
	assert.Equal(t, "approval_request", payload["type"])
	assert.Equal(t, "Do you approve this action?", payload["prompt"])
	assert.Equal(t, true, payload["approval_required"])
	summary, ok := payload["state_summary"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 1, summary["messages_count"])
}

func TestHumanInLoopRejectRoutesToConfiguredNode(t *testing.T) {
	rejected := false
	st := &State{Approved: &rejected}
	res := stepNode(t, "human_in_loop", database.JSONMap{"on_reject": "cleanup"}, NodeDeps{}, st)
	assert.Equal(t, "cleanup", res.Goto)
	assert.Nil(t, st.Approved)
}

func TestStateRoundTrip(t *testing.T) {
	score := 0.42
	st := NewState(uuid.New(), uuid.New(), database.ModeAuto)
	st.AppendMessage(RoleUser, "q")
	st.Documents = []RetrievedDoc{{DocumentID: uuid.New(), Content: "c", Score: 0.8}}
	st.HallucinationScore = &score
	st.SetIntermediate("node", map[string]interface{}{"k": "v"})

	blob, err := st.Encode()
	require.NoError(t, err)
	decoded, err := DecodeState(blob)
	require.NoError(t, err)
	assert.Equal(t, st.Messages, decoded.Messages)
	assert.Equal(t, st.Documents, decoded.Documents)
	assert.InDelta(t, score, *decoded.HallucinationScore, 0.0001)
}

func TestEventBusSubjectFanout(t *testing.T) {
	bus := events.NewBus()
	subject := uuid.NewString()
	scoped := bus.Subscribe(subject)
	all := bus.Subscribe("")
	defer bus.Unsubscribe(scoped)
	defer bus.Unsubscribe(all)

	bus.Emit(events.TypeWorkflowStart, eventSource, subject, uuid.NewString(), map[string]interface{}{"n": 1})
	bus.Emit(events.TypeWorkflowStart, eventSource, "other-subject", uuid.NewString(), nil)

	select {
	case ev := <-scoped:
		assert.Equal(t, subject, ev.Subject)
	default:
		t.Fatal("scoped subscriber received nothing")
	}
	assert.Len(t, all, 2)

	ev := events.NewCloudEvent(events.TypeWorkflowUpdate, eventSource, subject, map[string]interface{}{"step": 1})
	frame, err := ev.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(frame), "event: update\n")
	assert.Contains(t, string(frame), fmt.Sprintf(`"type":%q`, events.TypeWorkflowUpdate))
	assert.Contains(t, string(frame), "data: {")
	assert.Contains(t, string(frame), fmt.Sprintf("id: %s\n", ev.ID))
}
