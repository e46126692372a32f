package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/documents"
	"github.com/langorch/backend/internal/providers"
	"github.com/langorch/backend/internal/vectorindex"
)

// ============================================================================
// GRAPH COMPILATION
// ============================================================================

// ErrInvalidDefinition wraps all structural validation failures.
var ErrInvalidDefinition = errors.New("invalid workflow definition")

// Chat issues completions for a tenant. Satisfied by *providers.Registry.
type Chat interface {
	Complete(ctx context.Context, tenantID uuid.UUID, req providers.ChatRequest) (providers.ChatResponse, error)
	Stream(ctx context.Context, tenantID uuid.UUID, req providers.ChatRequest, fn providers.StreamFunc) (providers.ChatResponse, error)
}

// Searcher runs semantic search for a tenant. Satisfied by
// *documents.Pipeline.
type Searcher interface {
	Search(ctx context.Context, tenantID uuid.UUID, req documents.SearchRequest) ([]vectorindex.Match, error)
}

// DocResolver looks up document rows so retrieved chunks can carry their
// source filename. Satisfied by *database.Store.
type DocResolver interface {
	GetDocument(ctx context.Context, tenantID, documentID uuid.UUID) (*database.Document, error)
}

// NodeDeps carries the services nodes call out to.
type NodeDeps struct {
	Chat   Chat
	Search Searcher
	Docs   DocResolver
}

// StepResult is what a node hands back to the executor besides mutating the
// state.
type StepResult struct {
	// Interrupt suspends the execution pending a human response.
	Interrupt *InterruptRequest
	// Goto overrides edge resolution with an explicit next node.
	Goto string
}

// InterruptRequest describes a pending human decision.
type InterruptRequest struct {
	Prompt  string
	Payload map[string]interface{}
}

// Node is a single executable graph step.
type Node interface {
	ID() string
	Type() string
	Step(ctx context.Context, tenantID uuid.UUID, st *State) (*StepResult, error)
}

// Graph is a compiled, validated workflow.
type Graph struct {
	nodes map[string]Node
	edges map[string][]database.WorkflowEdge
	entry string
}

// Entry returns the node the single __start__ edge points at.
func (g *Graph) Entry() string { return g.entry }

// Node looks up a compiled node by id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Next resolves the node to run after source. Conditional edges are checked
// in definition order; the first whose predicate holds wins, then the static
// edge. Returning EndNode terminates the walk.
func (g *Graph) Next(source string, st *State) (string, error) {
	var fallback string
	haveFallback := false
	for _, e := range g.edges[source] {
		if e.Condition == "" {
			if !haveFallback {
				fallback = e.Target
				haveFallback = true
			}
			continue
		}
		if evalCondition(e.Condition, st) {
			return e.Target, nil
		}
	}
	if haveFallback {
		return fallback, nil
	}
	return "", fmt.Errorf("no edge out of node %q matches current state", source)
}

// evalCondition interprets an edge predicate against the state. The builder
// rejects unknown predicates, so execution never sees one.
func evalCondition(cond string, st *State) bool {
	switch cond {
	case RouteDirectChat, RouteRAG, RouteHybrid, "no_context":
		return st.Route == cond
	case "approved":
		return st.Approved != nil && *st.Approved
	case "rejected":
		return st.Approved != nil && !*st.Approved
	case "retry":
		return st.Retry
	case "no_retry":
		return !st.Retry
	case "default":
		return true
	default:
		return false
	}
}

var knownConditions = map[string]bool{
	RouteDirectChat: true, RouteRAG: true, RouteHybrid: true, "no_context": true,
	"approved": true, "rejected": true, "retry": true, "no_retry": true, "default": true,
}

// nodeConstructors maps definition node types to their implementations.
var nodeConstructors = map[string]func(database.WorkflowNode, NodeDeps) (Node, error){
	"router":                newRouterNode,
	"llm":                   newLLMNode,
	"retriever":             newRetrieverNode,
	"relevance_grader":      newRelevanceGraderNode,
	"rag_generator":         newRAGGeneratorNode,
	"hallucination_checker": newHallucinationCheckerNode,
	"human_in_loop":         newHumanInLoopNode,
}

// Build compiles and validates a workflow definition.
func Build(def *database.WorkflowDefinition, deps NodeDeps) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]Node, len(def.Nodes)),
		edges: make(map[string][]database.WorkflowEdge),
	}

	for _, n := range def.Nodes {
		if n.ID == StartNode || n.ID == EndNode {
			return nil, fmt.Errorf("%w: node id %q is reserved", ErrInvalidDefinition, n.ID)
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrInvalidDefinition, n.ID)
		}
		construct, ok := nodeConstructors[n.Type]
		if !ok {
			return nil, fmt.Errorf("%w: unknown node type %q", ErrInvalidDefinition, n.Type)
		}
		node, err := construct(n, deps)
		if err != nil {
			return nil, fmt.Errorf("%w: node %q: %v", ErrInvalidDefinition, n.ID, err)
		}
		g.nodes[n.ID] = node
	}

	starts := 0
	for _, e := range def.Edges {
		if e.Source != StartNode {
			if _, ok := g.nodes[e.Source]; !ok {
				return nil, fmt.Errorf("%w: edge source %q is not a node", ErrInvalidDefinition, e.Source)
			}
		}
		if e.Target != EndNode {
			if _, ok := g.nodes[e.Target]; !ok {
				return nil, fmt.Errorf("%w: edge target %q is not a node", ErrInvalidDefinition, e.Target)
			}
		}
		if e.Condition != "" && !knownConditions[e.Condition] {
			return nil, fmt.Errorf("%w: unknown edge condition %q", ErrInvalidDefinition, e.Condition)
		}
		if e.Source == StartNode {
			starts++
			g.entry = e.Target
		}
		g.edges[e.Source] = append(g.edges[e.Source], e)
	}
	if starts != 1 {
		return nil, fmt.Errorf("%w: exactly one %s edge required, found %d", ErrInvalidDefinition, StartNode, starts)
	}
	if g.entry == EndNode {
		return nil, fmt.Errorf("%w: %s cannot point directly at %s", ErrInvalidDefinition, StartNode, EndNode)
	}

	if err := g.validateStructure(); err != nil {
		return nil, err
	}
	return g, nil
}

// validateStructure enforces reachability, termination, and the cycle rule
// (any cycle must contain a conditional edge).
func (g *Graph) validateStructure() error {
	// Forward reachability from the entry node
	reachable := map[string]bool{}
	stack := []string{g.entry}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == EndNode || reachable[id] {
			continue
		}
		reachable[id] = true
		for _, e := range g.edges[id] {
			stack = append(stack, e.Target)
		}
	}
	for id := range g.nodes {
		if !reachable[id] {
			return fmt.Errorf("%w: node %q is unreachable", ErrInvalidDefinition, id)
		}
	}

	// Termination: every reachable node must reach __end__ or an interrupt
	// node. Walk backwards from those anchors.
	incoming := map[string][]string{}
	for src, edges := range g.edges {
		for _, e := range edges {
			incoming[e.Target] = append(incoming[e.Target], src)
		}
	}
	terminating := map[string]bool{}
	var anchors []string
	anchors = append(anchors, incoming[EndNode]...)
	for id, n := range g.nodes {
		if n.Type() == "human_in_loop" {
			anchors = append(anchors, id)
		}
	}
	for len(anchors) > 0 {
		id := anchors[len(anchors)-1]
		anchors = anchors[:len(anchors)-1]
		if id == StartNode || terminating[id] {
			continue
		}
		terminating[id] = true
		anchors = append(anchors, incoming[id]...)
	}
	for id := range g.nodes {
		if reachable[id] && !terminating[id] {
			return fmt.Errorf("%w: node %q cannot reach %s", ErrInvalidDefinition, id, EndNode)
		}
	}

	// Cycle rule: the subgraph of unconditional edges must be acyclic.
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(id string) error
	visit = func(id string) error {
		if id == EndNode {
			return nil
		}
		color[id] = grey
		for _, e := range g.edges[id] {
			if e.Condition != "" {
				continue
			}
			switch color[e.Target] {
			case grey:
				return fmt.Errorf("%w: cycle through %q has no conditional edge", ErrInvalidDefinition, e.Target)
			case white:
				if err := visit(e.Target); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for id := range g.nodes {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
