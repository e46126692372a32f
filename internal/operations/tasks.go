package operations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/documents"
	"github.com/langorch/backend/internal/providers"
)

// ============================================================================
// SUMMARIZE
// ============================================================================

// SummarizeRequest asks for a document summary.
type SummarizeRequest struct {
	DocumentID uuid.UUID
	Model      string
	MaxLength  int
	Force      bool
}

// Summarize creates a summarize operation. Without force, the most recent
// completed summary for the document is replayed into a fresh row marked
// cached, so the client contract (always a new operation id) holds either way.
func (e *Engine) Summarize(ctx context.Context, tenantID, userID uuid.UUID, req SummarizeRequest) (*database.LLMOperation, error) {
	if req.MaxLength <= 0 {
		req.MaxLength = defaultMaxLength
	}

	op := &database.LLMOperation{
		ID:            uuid.New(),
		TenantID:      tenantID,
		UserID:        userID,
		DocumentID:    &req.DocumentID,
		OperationType: database.OpSummarize,
		InputData: database.JSONMap{
			"model":      req.Model,
			"max_length": req.MaxLength,
			"force":      req.Force,
		},
	}

	if !req.Force {
		cached, err := e.db.LatestCompletedOperation(ctx, tenantID, req.DocumentID, database.OpSummarize)
		switch {
		case err == nil:
			output := database.JSONMap{"cached": true}
			for k, v := range cached.OutputData {
				if k != "cached" {
					output[k] = v
				}
			}
			now := time.Now().UTC()
			op.Status = database.OperationCompleted
			op.OutputData = output
			op.ModelUsed = cached.ModelUsed
			op.CompletedAt = &now
			if err := e.db.CreateOperation(ctx, op); err != nil {
				return nil, err
			}
			return op, nil
		case !errors.Is(err, database.ErrNotFound):
			return nil, err
		}
	}

	return e.schedule(ctx, op, func(taskCtx context.Context) (database.JSONMap, string, int, error) {
		doc, content, err := e.loadDocumentContent(taskCtx, tenantID, req.DocumentID, summarizeBudget)
		if err != nil {
			return nil, "", 0, err
		}

		maxTokens := req.MaxLength
		if maxTokens > 400 {
			maxTokens = 400
		}
		resp, err := e.chat.Complete(taskCtx, tenantID, providers.ChatRequest{
			Model: req.Model,
			System: fmt.Sprintf(
				"You are a document summarization expert. Summarize the following document in approximately %d words. Be concise and focus on the main points.",
				req.MaxLength),
			Messages: []providers.ChatMessage{{
				Role:    providers.RoleUser,
				Content: fmt.Sprintf("Document: %s\n\nContent:\n%s", doc.Filename, content),
			}},
			Temperature: 0.3,
			MaxTokens:   maxTokens,
		})
		if err != nil {
			return nil, "", 0, err
		}
		output := database.JSONMap{"summary": resp.Content, "cached": false}
		return output, resp.Model, resp.PromptTokens + resp.CompletionTokens, nil
	})
}

// ============================================================================
// ASK
// ============================================================================

// AskRequest is a question over one document. MaxChunks nil means the
// default; an explicit zero retrieves nothing.
type AskRequest struct {
	DocumentID uuid.UUID
	Question   string
	Model      string
	MaxChunks  *int
}

// Ask creates an ask operation: embed the question, retrieve the most
// relevant chunks of the document, then answer grounded in them.
func (e *Engine) Ask(ctx context.Context, tenantID, userID uuid.UUID, req AskRequest) (*database.LLMOperation, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, fmt.Errorf("question is required")
	}
	maxChunks := defaultMaxChunks
	if req.MaxChunks != nil {
		maxChunks = *req.MaxChunks
	}

	op := &database.LLMOperation{
		ID:            uuid.New(),
		TenantID:      tenantID,
		UserID:        userID,
		DocumentID:    &req.DocumentID,
		OperationType: database.OpAsk,
		InputData: database.JSONMap{
			"question":   req.Question,
			"model":      req.Model,
			"max_chunks": maxChunks,
		},
	}

	return e.schedule(ctx, op, func(taskCtx context.Context) (database.JSONMap, string, int, error) {
		doc, err := e.db.GetDocument(taskCtx, tenantID, req.DocumentID)
		if err != nil {
			return nil, "", 0, err
		}
		if maxChunks <= 0 {
			return database.JSONMap{
				"answer":  noRelevantAnswer,
				"sources": []interface{}{},
			}, "", 0, nil
		}

		matches, err := e.search.Search(taskCtx, tenantID, documents.SearchRequest{
			Query:       req.Question,
			TopK:        maxChunks,
			MinScore:    askMinScore,
			DocumentIDs: []uuid.UUID{req.DocumentID},
		})
		if err != nil {
			return nil, "", 0, err
		}
		if len(matches) == 0 {
			return database.JSONMap{
				"answer":  noRelevantAnswer,
				"sources": []interface{}{},
			}, "", 0, nil
		}

		contextParts := make([]string, len(matches))
		sources := make([]interface{}, len(matches))
		for i, m := range matches {
			contextParts[i] = fmt.Sprintf("[Chunk %d]:\n%s", m.ChunkIndex, m.Content)
			sources[i] = map[string]interface{}{
				"chunk_index":     m.ChunkIndex,
				"score":           m.Score,
				"content_preview": preview(m.Content, 200),
			}
		}

		resp, err := e.chat.Complete(taskCtx, tenantID, providers.ChatRequest{
			Model:  req.Model,
			System: "You are a helpful assistant. Answer the user's question based on the provided document context. If the answer is not in the context, say so.",
			Messages: []providers.ChatMessage{{
				Role: providers.RoleUser,
				Content: fmt.Sprintf("Document: %s\n\nContext:\n%s\n\nQuestion: %s\n\nAnswer:",
					doc.Filename, joinChunks(contextParts), req.Question),
			}},
			Temperature: 0.7,
		})
		if err != nil {
			return nil, "", 0, err
		}
		output := database.JSONMap{"answer": resp.Content, "sources": sources}
		return output, resp.Model, resp.PromptTokens + resp.CompletionTokens, nil
	})
}

// ============================================================================
// TRANSFORM
// ============================================================================

// TransformRequest rewrites a document according to an instruction.
type TransformRequest struct {
	DocumentID   uuid.UUID
	Instruction  string
	Model        string
	OutputFormat string // text, markdown, json
}

// Transform creates a transform operation. Documents beyond the provider
// input budget are processed in ordered windows and the outputs concatenated
// per the requested format.
func (e *Engine) Transform(ctx context.Context, tenantID, userID uuid.UUID, req TransformRequest) (*database.LLMOperation, error) {
	if strings.TrimSpace(req.Instruction) == "" {
		return nil, fmt.Errorf("instruction is required")
	}
	switch req.OutputFormat {
	case "":
		req.OutputFormat = "text"
	case "text", "markdown", "json":
	default:
		return nil, fmt.Errorf("invalid output_format %q", req.OutputFormat)
	}

	op := &database.LLMOperation{
		ID:            uuid.New(),
		TenantID:      tenantID,
		UserID:        userID,
		DocumentID:    &req.DocumentID,
		OperationType: database.OpTransform,
		InputData: database.JSONMap{
			"instruction":   req.Instruction,
			"model":         req.Model,
			"output_format": req.OutputFormat,
		},
	}

	return e.schedule(ctx, op, func(taskCtx context.Context) (database.JSONMap, string, int, error) {
		doc, err := e.db.GetDocument(taskCtx, tenantID, req.DocumentID)
		if err != nil {
			return nil, "", 0, err
		}
		chunks, err := e.db.ListChunks(taskCtx, tenantID, req.DocumentID)
		if err != nil {
			return nil, "", 0, err
		}
		if len(chunks) == 0 {
			return nil, "", 0, fmt.Errorf("document %s has no indexed content", req.DocumentID)
		}

		parts := make([]string, len(chunks))
		for i, c := range chunks {
			parts[i] = c.Content
		}
		windows := windowContent(parts, transformBudget)

		system := "You are a document transformation assistant. Follow the user's instruction to transform the document."
		switch req.OutputFormat {
		case "markdown":
			system += " Format the output as Markdown."
		case "json":
			system += " Format the output as JSON."
		}

		var (
			outputs     []string
			modelUsed   string
			totalTokens int
		)
		for i, window := range windows {
			resp, err := e.transformWindow(taskCtx, tenantID, req, system, doc.Filename, window)
			if err != nil {
				return nil, "", 0, fmt.Errorf("window %d/%d: %w", i+1, len(windows), err)
			}
			outputs = append(outputs, resp.Content)
			modelUsed = resp.Model
			totalTokens += resp.PromptTokens + resp.CompletionTokens
		}

		transformed, err := assembleTransform(outputs, req.OutputFormat)
		if err != nil {
			return nil, "", 0, err
		}
		output := database.JSONMap{
			"transformed_content": transformed,
			"output_format":       req.OutputFormat,
		}
		return output, modelUsed, totalTokens, nil
	})
}

// transformWindow runs one window through the provider. For JSON output the
// result is validated; one corrective retry is allowed before giving up.
func (e *Engine) transformWindow(ctx context.Context, tenantID uuid.UUID, req TransformRequest, system, filename, window string) (providers.ChatResponse, error) {
	prompt := fmt.Sprintf("Document: %s\n\nContent:\n%s\n\nInstruction: %s", filename, window, req.Instruction)

	resp, err := e.chat.Complete(ctx, tenantID, providers.ChatRequest{
		Model:       req.Model,
		System:      system,
		Messages:    []providers.ChatMessage{{Role: providers.RoleUser, Content: prompt}},
		Temperature: 0.5,
	})
	if err != nil {
		return providers.ChatResponse{}, err
	}
	if req.OutputFormat != "json" {
		return resp, nil
	}

	if cleaned, ok := validJSON(resp.Content); ok {
		resp.Content = cleaned
		return resp, nil
	}

	retry, err := e.chat.Complete(ctx, tenantID, providers.ChatRequest{
		Model:  req.Model,
		System: system + " Your previous output was not valid JSON. Respond with valid JSON only, no prose and no code fences.",
		Messages: []providers.ChatMessage{
			{Role: providers.RoleUser, Content: prompt},
			{Role: providers.RoleAssistant, Content: resp.Content},
			{Role: providers.RoleUser, Content: "That was not valid JSON. Return only the corrected JSON."},
		},
		Temperature: 0.5,
	})
	if err != nil {
		return providers.ChatResponse{}, err
	}
	retry.PromptTokens += resp.PromptTokens
	retry.CompletionTokens += resp.CompletionTokens
	if cleaned, ok := validJSON(retry.Content); ok {
		retry.Content = cleaned
		return retry, nil
	}
	return providers.ChatResponse{}, fmt.Errorf("provider did not produce valid json after retry")
}

// ============================================================================
// HELPERS
// ============================================================================

func joinChunks(parts []string) string {
	return strings.Join(parts, "\n\n")
}

// windowContent packs chunk contents into windows of at most budget chars,
// preserving order and never splitting a chunk.
func windowContent(parts []string, budget int) []string {
	var windows []string
	var current strings.Builder
	for _, part := range parts {
		if current.Len() > 0 && current.Len()+len(part)+2 > budget {
			windows = append(windows, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(part)
	}
	if current.Len() > 0 {
		windows = append(windows, current.String())
	}
	return windows
}

// assembleTransform concatenates window outputs per format. JSON windows are
// wrapped into an array so the final payload stays well-formed.
func assembleTransform(outputs []string, format string) (string, error) {
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	if format != "json" {
		return strings.Join(outputs, "\n\n"), nil
	}
	combined := "[" + strings.Join(outputs, ",") + "]"
	if !json.Valid([]byte(combined)) {
		return "", fmt.Errorf("combined json output is not well-formed")
	}
	return combined, nil
}

// validJSON strips optional markdown fences and reports whether the result
// parses.
func validJSON(s string) (string, bool) {
	cleaned := strings.TrimSpace(s)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
		cleaned = strings.TrimSpace(cleaned)
	}
	return cleaned, json.Valid([]byte(cleaned))
}

func preview(content string, limit int) string {
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit]) + "..."
}

// estimateCost prices known hosted models per 1k tokens; self-hosted models
// cost nothing.
func estimateCost(model string, tokens int) float64 {
	per1k := map[string]float64{
		"gpt-4o":                  0.00625,
		"gpt-4o-mini":             0.000375,
		"claude-3-5-haiku-latest": 0.0024,
	}
	rate, ok := per1k[model]
	if !ok {
		return 0
	}
	return float64(tokens) / 1000 * rate
}
