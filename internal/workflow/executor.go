package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/events"
	"github.com/langorch/backend/internal/monitoring"
)

// ============================================================================
// EXECUTOR
// ============================================================================

const (
	executionTimeout = 5 * time.Minute
	maxSteps         = 50
	eventSource      = "langorch/workflow"
)

// ErrNoDocuments rejects a rag_only turn on a session without active
// documents.
var ErrNoDocuments = errors.New("session has no active documents")

// ErrNotInterrupted rejects a resume on an execution that is not waiting.
var ErrNotInterrupted = errors.New("execution is not interrupted")

// Store is the persistence surface the executor needs. Satisfied by
// *database.Store.
type Store interface {
	GetWorkflowDefinition(ctx context.Context, tenantID, workflowID uuid.UUID) (*database.WorkflowDefinition, error)
	GetSession(ctx context.Context, tenantID, sessionID uuid.UUID) (*database.ConversationSession, error)
	ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]database.Message, error)
	ListActiveSessionDocuments(ctx context.Context, sessionID uuid.UUID) ([]database.SessionDocument, error)
	AppendMessage(ctx context.Context, m *database.Message) error
	TouchSession(ctx context.Context, sessionID uuid.UUID) error
	CreateExecution(ctx context.Context, exec *database.WorkflowExecution) error
	GetExecution(ctx context.Context, tenantID, executionID uuid.UUID) (*database.WorkflowExecution, error)
	UpdateExecutionStatus(ctx context.Context, executionID uuid.UUID, status string, output database.JSONMap, errorMessage string) error
	SaveCheckpoint(ctx context.Context, cp *database.Checkpoint) error
	LoadLatestCheckpoint(ctx context.Context, threadID string) (*database.Checkpoint, error)
	CreateApproval(ctx context.Context, a *database.HITLApproval) error
}

// EventSink receives events as they happen during a streamed run, in
// addition to the shared bus.
type EventSink func(*events.CloudEvent) error

// ExecuteRequest is one conversational turn pushed through a workflow.
type ExecuteRequest struct {
	TenantID   uuid.UUID
	UserID     uuid.UUID
	SessionID  uuid.UUID
	WorkflowID *uuid.UUID
	Message    string
}

// ResumeInput carries the human decision back into an interrupted run.
type ResumeInput struct {
	Approved     bool
	Feedback     string
	UserResponse map[string]interface{}
}

// Executor runs compiled workflows over session threads with checkpointing
// after every node.
type Executor struct {
	db      Store
	deps    NodeDeps
	bus     events.Emitter
	timeout time.Duration
}

// NewExecutor wires the executor.
func NewExecutor(db Store, deps NodeDeps, bus events.Emitter) *Executor {
	return &Executor{db: db, deps: deps, bus: bus, timeout: executionTimeout}
}

// Execute runs one turn to completion or interruption and returns the final
// execution row.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*database.WorkflowExecution, error) {
	return e.Stream(ctx, req, nil)
}

// Stream behaves like Execute but also hands every event to sink as it is
// emitted. A sink error aborts delivery but not the run.
func (e *Executor) Stream(ctx context.Context, req ExecuteRequest, sink EventSink) (*database.WorkflowExecution, error) {
	if req.Message == "" {
		return nil, fmt.Errorf("message is required")
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	sess, err := e.db.GetSession(ctx, req.TenantID, req.SessionID)
	if err != nil {
		return nil, err
	}

	bridges, err := e.db.ListActiveSessionDocuments(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if sess.Mode == ModeRAGOnly && len(bridges) == 0 {
		return nil, ErrNoDocuments
	}

	workflowID := req.WorkflowID
	if workflowID == nil {
		workflowID = sess.WorkflowID
	}
	graph, err := e.loadGraph(ctx, req.TenantID, workflowID)
	if err != nil {
		return nil, err
	}

	st, err := e.initState(ctx, sess, bridges, req)
	if err != nil {
		return nil, err
	}

	if err := e.db.AppendMessage(ctx, &database.Message{
		SessionID: sess.ID,
		Role:      RoleUser,
		Content:   req.Message,
	}); err != nil {
		return nil, err
	}

	exec := &database.WorkflowExecution{
		TenantID:   req.TenantID,
		UserID:     req.UserID,
		WorkflowID: workflowID,
		SessionID:  sess.ID,
		ThreadID:   sess.ThreadID,
		InputData:  database.JSONMap{"message": req.Message},
	}
	if err := e.db.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	step := e.lastStep(ctx, sess.ThreadID)

	e.emit(sink, events.TypeWorkflowStart, exec, map[string]interface{}{
		"execution_id": exec.ID.String(),
		"thread_id":    exec.ThreadID,
		"session_id":   sess.ID.String(),
		"node":         graph.Entry(),
		"routing":      st.RoutingMetadata,
	})

	return e.run(ctx, exec, graph, st, graph.Entry(), step, sink)
}

// Resume continues an interrupted execution with the human decision applied.
func (e *Executor) Resume(ctx context.Context, tenantID, executionID uuid.UUID, input ResumeInput) (*database.WorkflowExecution, error) {
	return e.ResumeStream(ctx, tenantID, executionID, input, nil)
}

// ResumeStream is Resume with live event delivery.
func (e *Executor) ResumeStream(ctx context.Context, tenantID, executionID uuid.UUID, input ResumeInput, sink EventSink) (*database.WorkflowExecution, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	exec, err := e.db.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != database.ExecutionInterrupted {
		return nil, fmt.Errorf("%w: status is %s", ErrNotInterrupted, exec.Status)
	}

	graph, err := e.loadGraph(ctx, tenantID, exec.WorkflowID)
	if err != nil {
		return nil, err
	}

	cp, err := e.db.LoadLatestCheckpoint(ctx, exec.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	st, err := DecodeState(cp.StateBlob)
	if err != nil {
		return nil, err
	}

	node, _ := st.Metadata["interrupt_node"].(string)
	if node == "" {
		return nil, fmt.Errorf("checkpoint has no interrupt node")
	}
	delete(st.Metadata, "interrupt_node")

	approved := input.Approved
	st.Approved = &approved
	st.UserFeedback = input.Feedback
	if input.UserResponse != nil {
		st.SetIntermediate("user_response", input.UserResponse)
	}

	if err := e.db.UpdateExecutionStatus(ctx, exec.ID, database.ExecutionRunning, nil, ""); err != nil {
		return nil, err
	}
	exec.Status = database.ExecutionRunning

	e.emit(sink, events.TypeWorkflowStart, exec, map[string]interface{}{
		"execution_id": exec.ID.String(),
		"thread_id":    exec.ThreadID,
		"node":         node,
		"resumed":      true,
		"approved":     approved,
	})

	return e.run(ctx, exec, graph, st, node, cp.Step, sink)
}

// run walks the graph from current, checkpointing after every node.
func (e *Executor) run(ctx context.Context, exec *database.WorkflowExecution, graph *Graph, st *State, current string, step int, sink EventSink) (*database.WorkflowExecution, error) {
	if sink != nil {
		// Generation deltas go to the live stream only; the bus and the
		// checkpoints carry the assembled result.
		st.OnDelta = func(delta string) error {
			ev := events.NewCloudEvent(events.TypeWorkflowUpdate, eventSource, exec.ID.String(), map[string]interface{}{
				"execution_id": exec.ID.String(),
				"delta":        delta,
			})
			ev.TenantID = exec.TenantID.String()
			return sink(ev)
		}
	}

	for hops := 0; hops < maxSteps; hops++ {
		node, ok := graph.Node(current)
		if !ok {
			return e.fail(exec, st, step, sink, fmt.Errorf("unknown node %q", current))
		}

		res, err := node.Step(ctx, exec.TenantID, st)
		if err != nil {
			st.Error = err.Error()
			if _, cpErr := e.checkpoint(ctx, exec.ThreadID, st, step); cpErr != nil {
				slog.Error("checkpoint after node failure", "thread_id", exec.ThreadID, "error", cpErr)
			}
			return e.fail(exec, st, step, sink, fmt.Errorf("node %s: %w", current, err))
		}

		monitoring.ObserveWorkflowStep(node.Type())

		if res.Interrupt != nil {
			st.Metadata["interrupt_node"] = current
		}
		step, err = e.checkpoint(ctx, exec.ThreadID, st, step)
		if err != nil {
			return e.fail(exec, st, step, sink, err)
		}

		e.emit(sink, events.TypeWorkflowUpdate, exec, map[string]interface{}{
			"execution_id":         exec.ID.String(),
			"node":                 current,
			"step":                 step,
			"state":                st.Summary(),
			"intermediate_results": st.Intermediate[current],
		})

		if res.Interrupt != nil {
			return e.interrupt(ctx, exec, node, res.Interrupt, sink)
		}

		next := res.Goto
		if next == "" {
			next, err = graph.Next(current, st)
			if err != nil {
				return e.fail(exec, st, step, sink, err)
			}
		}
		if next == EndNode {
			return e.finish(ctx, exec, st, sink)
		}
		current = next
	}
	return e.fail(exec, st, step, sink, fmt.Errorf("exceeded %d steps without reaching %s", maxSteps, EndNode))
}

func (e *Executor) interrupt(ctx context.Context, exec *database.WorkflowExecution, node Node, ir *InterruptRequest, sink EventSink) (*database.WorkflowExecution, error) {
	approval := &database.HITLApproval{
		ExecutionID: exec.ID,
		TenantID:    exec.TenantID,
		UserID:      exec.UserID,
		Prompt:      ir.Prompt,
		ContextData: database.JSONMap(ir.Payload),
	}
	if err := e.db.CreateApproval(ctx, approval); err != nil {
		return nil, err
	}
	if err := e.db.UpdateExecutionStatus(ctx, exec.ID, database.ExecutionInterrupted, nil, ""); err != nil {
		return nil, err
	}
	exec.Status = database.ExecutionInterrupted
	monitoring.ObserveWorkflowExecution(exec.Status)

	e.emit(sink, events.TypeWorkflowUpdate, exec, map[string]interface{}{
		"execution_id": exec.ID.String(),
		"node":         node.ID(),
		"approval_id":  approval.ID.String(),
		"interrupt":    ir.Payload,
	})
	e.emit(sink, events.TypeWorkflowDone, exec, map[string]interface{}{
		"execution_id": exec.ID.String(),
		"status":       database.ExecutionInterrupted,
		"approval_id":  approval.ID.String(),
	})
	return exec, nil
}

func (e *Executor) finish(ctx context.Context, exec *database.WorkflowExecution, st *State, sink EventSink) (*database.WorkflowExecution, error) {
	if st.Generation != "" {
		meta := database.JSONMap{}
		if st.RoutingMetadata != nil {
			meta["routing"] = st.RoutingMetadata
		}
		if st.HallucinationScore != nil {
			meta["hallucination_score"] = *st.HallucinationScore
		}
		if err := e.db.AppendMessage(ctx, &database.Message{
			SessionID: exec.SessionID,
			Role:      RoleAssistant,
			Content:   st.Generation,
			Metadata:  meta,
		}); err != nil {
			return nil, err
		}
	}
	if err := e.db.TouchSession(ctx, exec.SessionID); err != nil {
		slog.Warn("touch session", "session_id", exec.SessionID, "error", err)
	}

	output := database.JSONMap{
		"generation":       st.Generation,
		"routing_metadata": st.RoutingMetadata,
	}
	if st.HallucinationScore != nil {
		output["hallucination_score"] = *st.HallucinationScore
	}
	if err := e.db.UpdateExecutionStatus(ctx, exec.ID, database.ExecutionCompleted, output, ""); err != nil {
		return nil, err
	}
	exec.Status = database.ExecutionCompleted
	exec.OutputData = output
	monitoring.ObserveWorkflowExecution(exec.Status)

	e.emit(sink, events.TypeWorkflowDone, exec, map[string]interface{}{
		"execution_id": exec.ID.String(),
		"status":       database.ExecutionCompleted,
		"generation":   st.Generation,
	})
	return exec, nil
}

func (e *Executor) fail(exec *database.WorkflowExecution, st *State, step int, sink EventSink, cause error) (*database.WorkflowExecution, error) {
	// The run context may already be dead; the terminal write gets its own.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.db.UpdateExecutionStatus(ctx, exec.ID, database.ExecutionFailed, nil, cause.Error()); err != nil {
		slog.Error("mark execution failed", "execution_id", exec.ID, "error", err)
	}
	exec.Status = database.ExecutionFailed
	exec.ErrorMessage = cause.Error()
	monitoring.ObserveWorkflowExecution(exec.Status)

	e.emit(sink, events.TypeWorkflowError, exec, map[string]interface{}{
		"execution_id": exec.ID.String(),
		"step":         step,
		"error":        cause.Error(),
	})
	return exec, cause
}

// checkpoint appends the next snapshot and returns its step number.
func (e *Executor) checkpoint(ctx context.Context, threadID string, st *State, prev int) (int, error) {
	blob, err := st.Encode()
	if err != nil {
		return prev, err
	}
	cp := &database.Checkpoint{
		ThreadID:  threadID,
		Step:      prev + 1,
		StateBlob: blob,
	}
	if prev > 0 {
		parent := prev
		cp.ParentStep = &parent
	}
	if err := e.db.SaveCheckpoint(ctx, cp); err != nil {
		return prev, fmt.Errorf("save checkpoint: %w", err)
	}
	return cp.Step, nil
}

func (e *Executor) lastStep(ctx context.Context, threadID string) int {
	cp, err := e.db.LoadLatestCheckpoint(ctx, threadID)
	if err != nil {
		return 0
	}
	return cp.Step
}

func (e *Executor) loadGraph(ctx context.Context, tenantID uuid.UUID, workflowID *uuid.UUID) (*Graph, error) {
	def := DefaultDefinition()
	if workflowID != nil {
		loaded, err := e.db.GetWorkflowDefinition(ctx, tenantID, *workflowID)
		if err != nil {
			return nil, err
		}
		def = loaded
	}
	return Build(def, e.deps)
}

// initState seeds graph state from session history, active documents and the
// incoming turn, and records the routing decision for auto mode.
func (e *Executor) initState(ctx context.Context, sess *database.ConversationSession, bridges []database.SessionDocument, req ExecuteRequest) (*State, error) {
	st := NewState(req.TenantID, sess.ID, sess.Mode)

	history, err := e.db.ListMessages(ctx, sess.ID, 0)
	if err != nil {
		return nil, err
	}
	for _, m := range history {
		st.AppendMessage(m.Role, m.Content)
	}
	st.AppendMessage(RoleUser, req.Message)
	st.Query = req.Message

	for _, b := range bridges {
		st.ActiveDocuments = append(st.ActiveDocuments, b.DocumentID)
	}

	d := DecideRoute(sess.Mode, req.Message, len(st.ActiveDocuments))
	st.Route = d.EntryRoute()
	st.RoutingMetadata = map[string]interface{}{
		"route":      d.Route,
		"confidence": d.Confidence,
		"reasoning":  d.Reasoning,
	}
	return st, nil
}

func (e *Executor) emit(sink EventSink, eventType string, exec *database.WorkflowExecution, data map[string]interface{}) {
	event := events.NewCloudEvent(eventType, eventSource, exec.ID.String(), data)
	event.TenantID = exec.TenantID.String()
	if e.bus != nil {
		e.bus.Emit(eventType, eventSource, exec.ID.String(), exec.TenantID.String(), data)
	}
	if sink != nil {
		if err := sink(event); err != nil {
			slog.Warn("event sink", "execution_id", exec.ID, "error", err)
		}
	}
}

// DefaultDefinition is the built-in conversational graph used when a session
// has no workflow attached: route each turn, then either answer directly or
// retrieve and generate over the session's documents.
func DefaultDefinition() *database.WorkflowDefinition {
	return &database.WorkflowDefinition{
		Name:    "unified-chat",
		Version: 1,
		Nodes: []database.WorkflowNode{
			{ID: "router", Type: "router"},
			{ID: "chat_generator", Type: "llm"},
			{ID: "retriever", Type: "retriever"},
			{ID: "rag_generator", Type: "rag_generator"},
		},
		Edges: []database.WorkflowEdge{
			{Source: StartNode, Target: "router"},
			{Source: "router", Target: "chat_generator", Condition: RouteDirectChat},
			{Source: "router", Target: "retriever", Condition: RouteRAG},
			{Source: "retriever", Target: "rag_generator"},
			{Source: "chat_generator", Target: EndNode},
			{Source: "rag_generator", Target: EndNode},
		},
		IsActive: true,
	}
}
