package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// MessagesClient captures the subset of the Anthropic SDK used here. It is
// satisfied by *sdk.MessageService so tests can pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicChat implements ChatProvider via the Claude Messages API.
type AnthropicChat struct {
	msg   MessagesClient
	model string
}

// NewAnthropicChat builds a chat provider from an API key.
func NewAnthropicChat(apiKey, defaultModel string) (*AnthropicChat, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: anthropic api key missing", ErrNotConfigured)
	}
	if defaultModel == "" {
		return nil, errors.New("default model is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicChat{msg: &client.Messages, model: defaultModel}, nil
}

// NewAnthropicChatWithClient is used by tests to inject a fake client.
func NewAnthropicChatWithClient(msg MessagesClient, defaultModel string) *AnthropicChat {
	return &AnthropicChat{msg: msg, model: defaultModel}
}

func (c *AnthropicChat) Name() string { return "anthropic" }

func (c *AnthropicChat) buildParams(req ChatRequest) (sdk.MessageNewParams, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if len(params.Messages) == 0 {
		return params, errors.New("messages are required")
	}
	return params, nil
}

// Complete issues one Messages.New call and normalizes the response.
func (c *AnthropicChat) Complete(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return ChatResponse{}, err
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return ChatResponse{}, mapAnthropicError(err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return ChatResponse{
		Content:          text,
		Model:            string(msg.Model),
		StopReason:       string(msg.StopReason),
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}, nil
}

// Stream issues one Messages.NewStreaming call, forwarding each text delta
// to fn as it arrives and assembling the final response from the event
// sequence.
func (c *AnthropicChat) Stream(ctx context.Context, req ChatRequest, fn StreamFunc) (ChatResponse, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return ChatResponse{}, err
	}

	stream := c.msg.NewStreaming(ctx, params)
	defer stream.Close()

	var resp ChatResponse
	var text strings.Builder
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case sdk.MessageStartEvent:
			resp.Model = string(ev.Message.Model)
			resp.PromptTokens = int(ev.Message.Usage.InputTokens)
		case sdk.ContentBlockDeltaEvent:
			delta, ok := ev.Delta.AsAny().(sdk.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			text.WriteString(delta.Text)
			if fn != nil {
				if err := fn(delta.Text); err != nil {
					return ChatResponse{}, err
				}
			}
		case sdk.MessageDeltaEvent:
			resp.StopReason = string(ev.Delta.StopReason)
			resp.CompletionTokens = int(ev.Usage.OutputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return ChatResponse{}, mapAnthropicError(err)
	}

	resp.Content = text.String()
	return resp, nil
}

func mapAnthropicError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return classifyHTTP(apiErr.StatusCode, retryAfterHint(apiErr.Response), err)
	}
	return err
}
