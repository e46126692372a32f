package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ChatClient captures the subset of the go-openai client used for chat.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (
		*openai.ChatCompletionStream, error)
}

// EmbeddingsClient captures the subset of the go-openai client used for
// embeddings.
type EmbeddingsClient interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (
		openai.EmbeddingResponse, error)
}

// OpenAIChat implements ChatProvider via the OpenAI Chat Completions API.
// With a custom base URL it also fronts any OpenAI-compatible server, which
// is how the Ollama backend is wired.
type OpenAIChat struct {
	chat  ChatClient
	name  string
	model string
}

// NewOpenAIChat builds a chat provider for api.openai.com.
func NewOpenAIChat(apiKey, defaultModel string) (*OpenAIChat, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: openai api key missing", ErrNotConfigured)
	}
	if defaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &OpenAIChat{chat: openai.NewClient(apiKey), name: "openai", model: defaultModel}, nil
}

// NewOllamaChat builds a chat provider against a local Ollama server, which
// speaks the OpenAI wire format. No credential is required.
func NewOllamaChat(baseURL, defaultModel string) (*OpenAIChat, error) {
	if baseURL == "" {
		return nil, errors.New("ollama base url is required")
	}
	if defaultModel == "" {
		return nil, errors.New("default model is required")
	}
	cfg := openai.DefaultConfig("ollama")
	cfg.BaseURL = baseURL
	return &OpenAIChat{chat: openai.NewClientWithConfig(cfg), name: "ollama", model: defaultModel}, nil
}

// NewOpenAIChatWithClient is used by tests to inject a fake client.
func NewOpenAIChatWithClient(client ChatClient, name, defaultModel string) *OpenAIChat {
	return &OpenAIChat{chat: client, name: name, model: defaultModel}
}

func (c *OpenAIChat) Name() string { return c.name }

func (c *OpenAIChat) buildRequest(req ChatRequest) openai.ChatCompletionRequest {
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	return openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

// Complete issues one chat completion and normalizes the response.
func (c *OpenAIChat) Complete(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	resp, err := c.chat.CreateChatCompletion(ctx, c.buildRequest(req))
	if err != nil {
		return ChatResponse{}, mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return ChatResponse{}, fmt.Errorf("%w: empty choices", ErrTransient)
	}

	choice := resp.Choices[0]
	return ChatResponse{
		Content:          choice.Message.Content,
		Model:            resp.Model,
		StopReason:       string(choice.FinishReason),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// Stream issues one streamed chat completion, forwarding each content delta
// to fn. The final usage block requires stream_options.include_usage; servers
// that omit it simply leave the token counts at zero.
func (c *OpenAIChat) Stream(ctx context.Context, req ChatRequest, fn StreamFunc) (ChatResponse, error) {
	request := c.buildRequest(req)
	request.Stream = true
	request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := c.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return ChatResponse{}, mapOpenAIError(err)
	}
	defer stream.Close()

	var resp ChatResponse
	var text strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ChatResponse{}, mapOpenAIError(err)
		}
		if chunk.Model != "" {
			resp.Model = chunk.Model
		}
		if chunk.Usage != nil {
			resp.PromptTokens = chunk.Usage.PromptTokens
			resp.CompletionTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			resp.StopReason = string(choice.FinishReason)
		}
		if choice.Delta.Content == "" {
			continue
		}
		text.WriteString(choice.Delta.Content)
		if fn != nil {
			if err := fn(choice.Delta.Content); err != nil {
				return ChatResponse{}, err
			}
		}
	}

	resp.Content = text.String()
	return resp, nil
}

// OpenAIEmbedder implements EmbeddingProvider via the OpenAI Embeddings API
// (or an OpenAI-compatible server when built with a base URL).
type OpenAIEmbedder struct {
	client EmbeddingsClient
	name   string
	model  string
	dims   int
}

// NewOpenAIEmbedder builds an embedder for api.openai.com.
func NewOpenAIEmbedder(apiKey, model string, dims int) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: openai api key missing", ErrNotConfigured)
	}
	return newEmbedder(openai.NewClient(apiKey), "openai", model, dims)
}

// NewOllamaEmbedder builds an embedder against a local Ollama server.
func NewOllamaEmbedder(baseURL, model string, dims int) (*OpenAIEmbedder, error) {
	if baseURL == "" {
		return nil, errors.New("ollama base url is required")
	}
	cfg := openai.DefaultConfig("ollama")
	cfg.BaseURL = baseURL
	return newEmbedder(openai.NewClientWithConfig(cfg), "ollama", model, dims)
}

// NewOpenAIEmbedderWithClient is used by tests to inject a fake client.
func NewOpenAIEmbedderWithClient(client EmbeddingsClient, name, model string, dims int) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: client, name: name, model: model, dims: dims}
}

func newEmbedder(client EmbeddingsClient, name, model string, dims int) (*OpenAIEmbedder, error) {
	if model == "" {
		return nil, errors.New("embedding model is required")
	}
	if dims <= 0 {
		return nil, errors.New("embedding dimensions must be positive")
	}
	return &OpenAIEmbedder{client: client, name: name, model: model, dims: dims}, nil
}

func (e *OpenAIEmbedder) Name() string    { return e.name }
func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

// Embed returns one vector per input text, in input order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", ErrTransient, len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrTransient, d.Index)
		}
		if len(d.Embedding) != e.dims {
			return nil, fmt.Errorf("embedding dimension %d does not match configured %d", len(d.Embedding), e.dims)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

func mapOpenAIError(err error) error {
	// go-openai does not surface response headers, so 429s from it carry no
	// Retry-After hint and fall back to computed backoff.
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyHTTP(apiErr.HTTPStatusCode, 0, err)
	}
	return err
}
