// Package workflow compiles tenant workflow definitions into executable
// graphs and runs them with checkpointed state, streaming updates and
// human-in-the-loop interrupts.
package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Graph boundary node ids.
const (
	StartNode = "__start__"
	EndNode   = "__end__"
)

// Message roles carried in workflow state.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// StateMessage is one conversation turn inside the graph state.
type StateMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RetrievedDoc is a chunk pulled in by the retriever node.
type RetrievedDoc struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	DocumentID uuid.UUID `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Filename   string    `json:"filename,omitempty"`
	Content    string    `json:"content"`
	Score      float32   `json:"score"`
}

// State is the graph state threaded through nodes and persisted in
// checkpoints. The encoding must stay stable: resume decodes blobs written
// by earlier steps of the same execution.
type State struct {
	Messages        []StateMessage         `json:"messages"`
	Documents       []RetrievedDoc         `json:"documents"`
	ActiveDocuments []uuid.UUID            `json:"active_documents"`
	Context         string                 `json:"context,omitempty"`
	Query           string                 `json:"query,omitempty"`
	Generation      string                 `json:"generation,omitempty"`
	Route           string                 `json:"route,omitempty"`
	RoutingMetadata map[string]interface{} `json:"routing_metadata,omitempty"`

	HallucinationScore *float64 `json:"hallucination_score,omitempty"`
	Approved           *bool    `json:"approved,omitempty"`
	UserFeedback       string   `json:"user_feedback,omitempty"`
	Retry              bool     `json:"retry,omitempty"`

	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Intermediate map[string]interface{} `json:"intermediate_results,omitempty"`
	Error        string                 `json:"error,omitempty"`

	// OnDelta, when set, receives generation text as the provider streams
	// it. Runtime-only: it is never checkpointed.
	OnDelta func(delta string) error `json:"-"`
}

// NewState initialises state for a fresh thread.
func NewState(tenantID, sessionID uuid.UUID, mode string) *State {
	return &State{
		Metadata: map[string]interface{}{
			"tenant_id":  tenantID.String(),
			"session_id": sessionID.String(),
			"mode":       mode,
		},
		Intermediate: map[string]interface{}{},
	}
}

// LastUserMessage returns the most recent user turn, or "".
func (s *State) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// AppendMessage adds a turn to the conversation.
func (s *State) AppendMessage(role, content string) {
	s.Messages = append(s.Messages, StateMessage{Role: role, Content: content})
}

// SetIntermediate records a node's side output.
func (s *State) SetIntermediate(key string, value interface{}) {
	if s.Intermediate == nil {
		s.Intermediate = map[string]interface{}{}
	}
	s.Intermediate[key] = value
}

// Encode serialises the state for a checkpoint blob.
func (s *State) Encode() ([]byte, error) {
	blob, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return blob, nil
}

// DecodeState restores a state from a checkpoint blob.
func DecodeState(blob []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &s, nil
}

// Summary is the compact view shown to approvers and emitted in updates.
func (s *State) Summary() map[string]interface{} {
	return map[string]interface{}{
		"messages_count":  len(s.Messages),
		"documents_count": len(s.Documents),
		"context_length":  len(s.Context),
		"has_generation":  s.Generation != "",
	}
}
