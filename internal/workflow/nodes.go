package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/documents"
	"github.com/langorch/backend/internal/providers"
)

// ============================================================================
// NODE IMPLEMENTATIONS
// ============================================================================

const (
	defaultSystemPrompt     = "You are a helpful assistant."
	defaultApprovalPrompt   = "Do you approve this action?"
	defaultScoreThreshold   = 0.7
	defaultRetrieverTopK    = 5
	defaultGraderSnippetLen = 500
)

type baseNode struct {
	id       string
	nodeType string
	cfg      database.JSONMap
}

func (b baseNode) ID() string   { return b.id }
func (b baseNode) Type() string { return b.nodeType }

func (b baseNode) cfgString(key, def string) string {
	if v, ok := b.cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

func (b baseNode) cfgFloat(key string, def float64) float64 {
	switch v := b.cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func (b baseNode) cfgInt(key string, def int) int {
	switch v := b.cfg[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// ----------------------------------------------------------------------------
// router: classifies the turn when the executor has not already done so and
// records the decision. Conditional edges branch on state.route.

type routerNode struct {
	baseNode
}

func newRouterNode(n database.WorkflowNode, _ NodeDeps) (Node, error) {
	return &routerNode{baseNode{n.ID, n.Type, n.Config}}, nil
}

func (n *routerNode) Step(ctx context.Context, tenantID uuid.UUID, st *State) (*StepResult, error) {
	if st.Route == "" {
		mode, _ := st.Metadata["mode"].(string)
		d := DecideRoute(mode, st.LastUserMessage(), len(st.ActiveDocuments))
		st.Route = d.EntryRoute()
		st.RoutingMetadata = map[string]interface{}{
			"route":      d.Route,
			"confidence": d.Confidence,
			"reasoning":  d.Reasoning,
		}
	}
	st.SetIntermediate(n.id, st.RoutingMetadata)
	return &StepResult{}, nil
}

// ----------------------------------------------------------------------------
// llm: plain conversational generation over the message history.

type llmNode struct {
	baseNode
	chat Chat
}

func newLLMNode(n database.WorkflowNode, deps NodeDeps) (Node, error) {
	if deps.Chat == nil {
		return nil, fmt.Errorf("llm node requires a chat provider")
	}
	return &llmNode{baseNode{n.ID, n.Type, n.Config}, deps.Chat}, nil
}

func (n *llmNode) Step(ctx context.Context, tenantID uuid.UUID, st *State) (*StepResult, error) {
	req := providers.ChatRequest{
		Model:       n.cfgString("model", ""),
		System:      n.cfgString("system_prompt", defaultSystemPrompt),
		Temperature: float32(n.cfgFloat("temperature", 0.7)),
		MaxTokens:   n.cfgInt("max_tokens", 0),
	}
	for _, m := range st.Messages {
		req.Messages = append(req.Messages, providers.ChatMessage{Role: m.Role, Content: m.Content})
	}
	resp, err := generate(ctx, n.chat, tenantID, req, st)
	if err != nil {
		return nil, fmt.Errorf("llm node: %w", err)
	}
	st.AppendMessage(RoleAssistant, resp.Content)
	st.Generation = resp.Content
	return &StepResult{}, nil
}

// generate runs a user-facing completion, streaming it when the state has a
// delta consumer attached. Grader calls stay on Complete; their output is
// internal.
func generate(ctx context.Context, chat Chat, tenantID uuid.UUID, req providers.ChatRequest, st *State) (providers.ChatResponse, error) {
	if st.OnDelta != nil {
		return chat.Stream(ctx, tenantID, req, st.OnDelta)
	}
	return chat.Complete(ctx, tenantID, req)
}

// ----------------------------------------------------------------------------
// retriever: semantic search over the session's active documents.

type retrieverNode struct {
	baseNode
	search Searcher
	docs   DocResolver
}

func newRetrieverNode(n database.WorkflowNode, deps NodeDeps) (Node, error) {
	if deps.Search == nil {
		return nil, fmt.Errorf("retriever node requires a searcher")
	}
	return &retrieverNode{baseNode{n.ID, n.Type, n.Config}, deps.Search, deps.Docs}, nil
}

func (n *retrieverNode) Step(ctx context.Context, tenantID uuid.UUID, st *State) (*StepResult, error) {
	query := st.Query
	if query == "" {
		query = st.LastUserMessage()
	}
	if query == "" || len(st.ActiveDocuments) == 0 {
		st.Documents = nil
		st.SetIntermediate(n.id, map[string]interface{}{"retrieved": 0})
		return &StepResult{}, nil
	}

	matches, err := n.search.Search(ctx, tenantID, documents.SearchRequest{
		Query:       query,
		TopK:        n.cfgInt("top_k", defaultRetrieverTopK),
		MinScore:    float32(n.cfgFloat("score_threshold", defaultScoreThreshold)),
		DocumentIDs: st.ActiveDocuments,
	})
	if err != nil {
		return nil, fmt.Errorf("retriever node: %w", err)
	}

	names := map[uuid.UUID]string{}
	st.Documents = st.Documents[:0]
	for _, m := range matches {
		filename, ok := names[m.DocumentID]
		if !ok && n.docs != nil {
			if doc, err := n.docs.GetDocument(ctx, tenantID, m.DocumentID); err == nil {
				filename = doc.Filename
			}
			names[m.DocumentID] = filename
		}
		st.Documents = append(st.Documents, RetrievedDoc{
			ChunkID:    m.ChunkID,
			DocumentID: m.DocumentID,
			ChunkIndex: m.ChunkIndex,
			Filename:   filename,
			Content:    m.Content,
			Score:      m.Score,
		})
	}
	st.Query = query
	st.SetIntermediate(n.id, map[string]interface{}{"retrieved": len(st.Documents)})
	return &StepResult{}, nil
}

// ----------------------------------------------------------------------------
// relevance_grader: per-document yes/no relevance filter.

type relevanceGraderNode struct {
	baseNode
	chat Chat
}

func newRelevanceGraderNode(n database.WorkflowNode, deps NodeDeps) (Node, error) {
	if deps.Chat == nil {
		return nil, fmt.Errorf("relevance_grader node requires a chat provider")
	}
	return &relevanceGraderNode{baseNode{n.ID, n.Type, n.Config}, deps.Chat}, nil
}

func (n *relevanceGraderNode) Step(ctx context.Context, tenantID uuid.UUID, st *State) (*StepResult, error) {
	if len(st.Documents) == 0 {
		return &StepResult{}, nil
	}
	query := st.Query
	if query == "" {
		query = st.LastUserMessage()
	}

	kept := st.Documents[:0]
	for _, doc := range st.Documents {
		snippet := doc.Content
		if len(snippet) > defaultGraderSnippetLen {
			snippet = snippet[:defaultGraderSnippetLen] + "..."
		}
		prompt := fmt.Sprintf(
			"Grade the relevance of this document to the query.\n\nQuery: %s\n\nDocument: %s\n\nIs this document relevant to answering the query? Answer with just 'yes' or 'no'.",
			query, snippet,
		)
		resp, err := n.chat.Complete(ctx, tenantID, providers.ChatRequest{
			Model:       n.cfgString("model", ""),
			Messages:    []providers.ChatMessage{{Role: RoleUser, Content: prompt}},
			Temperature: 0,
			MaxTokens:   10,
		})
		if err != nil {
			// Grading is best-effort: keep the document when the grader is
			// unavailable rather than starving generation.
			kept = append(kept, doc)
			continue
		}
		if strings.Contains(strings.ToLower(resp.Content), "yes") {
			kept = append(kept, doc)
		}
	}
	graded := len(st.Documents)
	st.Documents = kept
	st.SetIntermediate(n.id, map[string]interface{}{
		"graded": graded,
		"kept":   len(kept),
	})
	if len(kept) == 0 {
		st.Route = "no_context"
	}
	return &StepResult{}, nil
}

// ----------------------------------------------------------------------------
// rag_generator: grounded answer over the retrieved documents.

type ragGeneratorNode struct {
	baseNode
	chat Chat
}

func newRAGGeneratorNode(n database.WorkflowNode, deps NodeDeps) (Node, error) {
	if deps.Chat == nil {
		return nil, fmt.Errorf("rag_generator node requires a chat provider")
	}
	return &ragGeneratorNode{baseNode{n.ID, n.Type, n.Config}, deps.Chat}, nil
}

func (n *ragGeneratorNode) Step(ctx context.Context, tenantID uuid.UUID, st *State) (*StepResult, error) {
	query := st.Query
	if query == "" {
		query = st.LastUserMessage()
	}

	prompt := query
	if len(st.Documents) > 0 {
		parts := make([]string, 0, len(st.Documents))
		for i, doc := range st.Documents {
			parts = append(parts, fmt.Sprintf("Document %d (Source: %s):\n%s", i+1, doc.Filename, doc.Content))
		}
		st.Context = strings.Join(parts, "\n\n")
		prompt = fmt.Sprintf(
			"Based on the following documents, answer the user's question.\nUse only information from the provided documents. If the answer cannot be found in the documents, say so.\n\nDocuments:\n%s\n\nQuestion: %s\n\nAnswer:",
			st.Context, query,
		)
	}

	resp, err := generate(ctx, n.chat, tenantID, providers.ChatRequest{
		Model:       n.cfgString("model", ""),
		System:      n.cfgString("system_prompt", defaultSystemPrompt),
		Messages:    []providers.ChatMessage{{Role: RoleUser, Content: prompt}},
		Temperature: float32(n.cfgFloat("temperature", 0.7)),
		MaxTokens:   n.cfgInt("max_tokens", 0),
	}, st)
	if err != nil {
		return nil, fmt.Errorf("rag_generator node: %w", err)
	}

	st.AppendMessage(RoleAssistant, resp.Content)
	st.Generation = resp.Content
	st.SetIntermediate(n.id, map[string]interface{}{"documents_used": len(st.Documents)})
	return &StepResult{}, nil
}

// ----------------------------------------------------------------------------
// hallucination_checker: grades how grounded the generation is and arranges a
// single retry of the generator when the score falls under the threshold.

type hallucinationCheckerNode struct {
	baseNode
	chat Chat
}

func newHallucinationCheckerNode(n database.WorkflowNode, deps NodeDeps) (Node, error) {
	if deps.Chat == nil {
		return nil, fmt.Errorf("hallucination_checker node requires a chat provider")
	}
	return &hallucinationCheckerNode{baseNode{n.ID, n.Type, n.Config}, deps.Chat}, nil
}

func (n *hallucinationCheckerNode) Step(ctx context.Context, tenantID uuid.UUID, st *State) (*StepResult, error) {
	score := n.grade(ctx, tenantID, st)
	st.HallucinationScore = &score
	st.SetIntermediate(n.id, map[string]interface{}{"score": score})

	threshold := n.cfgFloat("threshold", defaultScoreThreshold)
	if score < threshold && !st.Retry {
		st.Retry = true
	} else {
		st.Retry = false
	}
	return &StepResult{}, nil
}

func (n *hallucinationCheckerNode) grade(ctx context.Context, tenantID uuid.UUID, st *State) float64 {
	if len(st.Documents) == 0 {
		return 0.0
	}
	parts := make([]string, 0, len(st.Documents))
	for _, doc := range st.Documents {
		parts = append(parts, doc.Content)
	}
	prompt := fmt.Sprintf(
		"Check if the answer is grounded in the provided documents.\n\nDocuments:\n%s\n\nAnswer: %s\n\nHow well is the answer supported by the documents? Respond with just a number between 0.0 and 1.0.",
		strings.Join(parts, "\n\n"), st.Generation,
	)
	resp, err := n.chat.Complete(ctx, tenantID, providers.ChatRequest{
		Model:       n.cfgString("model", ""),
		Messages:    []providers.ChatMessage{{Role: RoleUser, Content: prompt}},
		Temperature: 0,
		MaxTokens:   10,
	})
	if err != nil {
		return 0.5
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(resp.Content), 64)
	if err != nil {
		return 0.5
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// ----------------------------------------------------------------------------
// human_in_loop: suspends the execution until an approver answers.

type humanInLoopNode struct {
	baseNode
}

func newHumanInLoopNode(n database.WorkflowNode, _ NodeDeps) (Node, error) {
	return &humanInLoopNode{baseNode{n.ID, n.Type, n.Config}}, nil
}

func (n *humanInLoopNode) Step(ctx context.Context, tenantID uuid.UUID, st *State) (*StepResult, error) {
	if st.Approved == nil {
		prompt := n.cfgString("prompt", defaultApprovalPrompt)
		payload := map[string]interface{}{
			"type":              "approval_request",
			"prompt":            prompt,
			"approval_required": true,
			"state_summary":     st.Summary(),
			"metadata": map[string]interface{}{
				"tenant_id":  st.Metadata["tenant_id"],
				"session_id": st.Metadata["session_id"],
			},
		}
		return &StepResult{Interrupt: &InterruptRequest{Prompt: prompt, Payload: payload}}, nil
	}

	approved := *st.Approved
	st.SetIntermediate(n.id, map[string]interface{}{
		"approved": approved,
		"feedback": st.UserFeedback,
	})
	if !approved {
		target := n.cfgString("on_reject", EndNode)
		st.Approved = nil
		return &StepResult{Goto: target}, nil
	}
	st.Approved = nil
	return &StepResult{}, nil
}
