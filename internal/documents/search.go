package documents

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/langorch/backend/internal/vectorindex"
)

// SearchRequest is a semantic search over a tenant's indexed documents.
type SearchRequest struct {
	Query       string
	TopK        int
	MinScore    float32
	DocumentIDs []uuid.UUID
}

// Search embeds the query and returns the nearest chunks, best first.
func (p *Pipeline) Search(ctx context.Context, tenantID uuid.UUID, req SearchRequest) ([]vectorindex.Match, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	vectors, err := p.embedders.Embed(ctx, tenantID, []string{req.Query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("expected 1 query vector, got %d", len(vectors))
	}
	return p.index.Search(ctx, tenantID, vectors[0], vectorindex.SearchOptions{
		TopK:        req.TopK,
		MinScore:    req.MinScore,
		DocumentIDs: req.DocumentIDs,
	})
}
