// Package providers adapts external LLM and embedding APIs behind small
// interfaces the task engine and the ingest pipeline consume. Each tenant
// selects its providers in settings; credentials come from the secret store.
package providers

import (
	"context"
	"fmt"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is a single turn in a chat completion request.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatRequest describes one chat completion call.
type ChatRequest struct {
	Model       string // overrides the provider default when set
	System      string
	Messages    []ChatMessage
	Temperature float32
	MaxTokens   int
}

// ChatResponse is the normalized result of a chat completion.
type ChatResponse struct {
	Content          string
	Model            string
	StopReason       string
	PromptTokens     int
	CompletionTokens int
}

// StreamFunc receives each text delta of a streamed completion in order.
// Returning an error aborts the stream.
type StreamFunc func(delta string) error

// ChatProvider produces chat completions.
type ChatProvider interface {
	Name() string
	Complete(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Stream delivers the completion incrementally through fn and returns
	// the fully assembled response once the provider closes the stream.
	Stream(ctx context.Context, req ChatRequest, fn StreamFunc) (ChatResponse, error)
}

// EmbeddingProvider turns text into vectors. Dimensions must be stable for
// the lifetime of a tenant's vector collection.
type EmbeddingProvider interface {
	Name() string
	Dimensions() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Probe verifies that an embedding provider is reachable and returns vectors
// of the advertised dimensions. Used by the settings test endpoint before a
// configuration is persisted.
func Probe(ctx context.Context, e EmbeddingProvider) error {
	vectors, err := e.Embed(ctx, []string{"ping"})
	if err != nil {
		return err
	}
	if len(vectors) != 1 {
		return fmt.Errorf("%w: probe returned %d vectors", ErrTransient, len(vectors))
	}
	if len(vectors[0]) != e.Dimensions() {
		return fmt.Errorf("probe returned %d dimensions, provider advertises %d", len(vectors[0]), e.Dimensions())
	}
	return nil
}
