// Package vectorindex stores chunk embeddings in Postgres with pgvector.
// Each tenant gets its own table so a search can never cross tenants and a
// collection can be dropped wholesale when a tenant leaves.
package vectorindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"
)

// ErrDimensionMismatch is returned when a vector's length does not match the
// tenant collection's configured dimensions. The caller must not silently
// index a mis-sized vector; similarity scores against it would be garbage.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Entry is one chunk embedding to index.
type Entry struct {
	ChunkID    uuid.UUID
	DocumentID uuid.UUID
	ChunkIndex int
	Content    string
	Vector     []float32
}

// Match is one search hit, scored by cosine similarity in [0, 1].
type Match struct {
	ChunkID    uuid.UUID
	DocumentID uuid.UUID
	ChunkIndex int
	Content    string
	Score      float32
}

// Index manages per-tenant pgvector collections on a shared database.
type Index struct {
	db *sql.DB
}

// New creates the index over an open database handle and ensures the vector
// extension and the collection registry exist.
func New(ctx context.Context, db *sql.DB) (*Index, error) {
	idx := &Index{db: db}
	if _, err := db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return nil, fmt.Errorf("ensure vector extension: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vector_collections (
			tenant_id  UUID PRIMARY KEY,
			dimensions INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return nil, fmt.Errorf("ensure collection registry: %w", err)
	}
	return idx, nil
}

// EnsureCollection creates the tenant's collection if it does not exist.
// If it exists with different dimensions, ErrDimensionMismatch is returned;
// re-dimensioning requires re-embedding every document, so it is an explicit
// admin operation, not something ingest does implicitly.
func (x *Index) EnsureCollection(ctx context.Context, tenantID uuid.UUID, dimensions int) error {
	if dimensions <= 0 {
		return errors.New("dimensions must be positive")
	}

	var existing int
	err := x.db.QueryRowContext(ctx,
		`SELECT dimensions FROM vector_collections WHERE tenant_id = $1`, tenantID).Scan(&existing)
	switch {
	case err == nil:
		if existing != dimensions {
			return fmt.Errorf("%w: collection has %d, requested %d", ErrDimensionMismatch, existing, dimensions)
		}
		return nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to create
	default:
		return fmt.Errorf("check collection: %w", err)
	}

	table := tableName(tenantID)
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			chunk_id    UUID PRIMARY KEY,
			tenant_id   UUID NOT NULL,
			document_id UUID NOT NULL,
			chunk_index INT NOT NULL,
			content     TEXT NOT NULL,
			embedding   vector(%d) NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS %s_document_idx ON %s (document_id);
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM pg_indexes
				WHERE schemaname = current_schema() AND indexname = '%s_embedding_idx'
			) THEN
				EXECUTE 'CREATE INDEX %s_embedding_idx ON %s USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);';
			END IF;
		END
		$$;`,
		table, dimensions, table, table, table, table, table)

	if _, err := x.db.ExecContext(ctx, ddl); err != nil {
		// IVF index creation can fail on tiny tables; exact scan still works.
		if strings.Contains(err.Error(), "ivfflat") {
			slog.Warn("ivfflat index unavailable, falling back to exact scan", "tenant_id", tenantID)
		} else {
			return fmt.Errorf("create collection: %w", err)
		}
	}

	if _, err := x.db.ExecContext(ctx,
		`INSERT INTO vector_collections (tenant_id, dimensions) VALUES ($1, $2)
		 ON CONFLICT (tenant_id) DO NOTHING`, tenantID, dimensions); err != nil {
		return fmt.Errorf("register collection: %w", err)
	}
	slog.Info("vector collection ready", "tenant_id", tenantID, "dimensions", dimensions)
	return nil
}

// Dimensions returns the configured dimensions of the tenant's collection,
// or 0 when no collection exists yet.
func (x *Index) Dimensions(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var dims int
	err := x.db.QueryRowContext(ctx,
		`SELECT dimensions FROM vector_collections WHERE tenant_id = $1`, tenantID).Scan(&dims)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("collection dimensions: %w", err)
	}
	return dims, nil
}

// Upsert replaces the indexed vectors for the entries' document and inserts
// the new ones in a single transaction.
func (x *Index) Upsert(ctx context.Context, tenantID uuid.UUID, documentID uuid.UUID, entries []Entry) error {
	dims, err := x.Dimensions(ctx, tenantID)
	if err != nil {
		return err
	}
	if dims == 0 {
		return fmt.Errorf("no vector collection for tenant %s", tenantID)
	}
	for _, e := range entries {
		if len(e.Vector) != dims {
			return fmt.Errorf("%w: entry %d has %d, collection has %d", ErrDimensionMismatch, e.ChunkIndex, len(e.Vector), dims)
		}
	}

	table := tableName(tenantID)
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1 AND document_id = $2`, table),
		tenantID, documentID); err != nil {
		return fmt.Errorf("clear document vectors: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (chunk_id, tenant_id, document_id, chunk_index, content, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6)`, table))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.ChunkID, tenantID, e.DocumentID, e.ChunkIndex, e.Content, pgvector.NewVector(e.Vector)); err != nil {
			return fmt.Errorf("insert vector for chunk %d: %w", e.ChunkIndex, err)
		}
	}
	return tx.Commit()
}

// SearchOptions narrows a similarity search.
type SearchOptions struct {
	TopK        int
	MinScore    float32
	DocumentIDs []uuid.UUID // when set, only these documents are searched
}

// Search returns the nearest chunks by cosine similarity, best first.
// Results below MinScore are dropped.
func (x *Index) Search(ctx context.Context, tenantID uuid.UUID, vector []float32, opts SearchOptions) ([]Match, error) {
	dims, err := x.Dimensions(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if dims == 0 {
		return nil, nil
	}
	if len(vector) != dims {
		return nil, fmt.Errorf("%w: query has %d, collection has %d", ErrDimensionMismatch, len(vector), dims)
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = 5
	}

	// Tenant isolation is enforced by predicate, not just by table naming.
	table := tableName(tenantID)
	query := fmt.Sprintf(`
		SELECT chunk_id, document_id, chunk_index, content, 1 - (embedding <=> $1) AS score
		FROM %s
		WHERE tenant_id = $2`, table)
	args := []interface{}{pgvector.NewVector(vector), tenantID}
	if len(opts.DocumentIDs) > 0 {
		query += ` AND document_id = ANY($3)`
		args = append(args, pq.Array(opts.DocumentIDs))
	}
	query += fmt.Sprintf(` ORDER BY embedding <=> $1 LIMIT %d`, topK)

	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ChunkID, &m.DocumentID, &m.ChunkIndex, &m.Content, &m.Score); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		if m.Score < opts.MinScore {
			continue
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// DeleteByDocument removes all indexed vectors for a document.
func (x *Index) DeleteByDocument(ctx context.Context, tenantID uuid.UUID, documentID uuid.UUID) error {
	dims, err := x.Dimensions(ctx, tenantID)
	if err != nil {
		return err
	}
	if dims == 0 {
		return nil
	}
	_, err = x.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1 AND document_id = $2`, tableName(tenantID)),
		tenantID, documentID)
	if err != nil {
		return fmt.Errorf("delete document vectors: %w", err)
	}
	return nil
}

// DropCollection removes the tenant's collection and its registry row.
func (x *Index) DropCollection(ctx context.Context, tenantID uuid.UUID) error {
	if _, err := x.db.ExecContext(ctx,
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableName(tenantID))); err != nil {
		return fmt.Errorf("drop collection: %w", err)
	}
	_, err := x.db.ExecContext(ctx,
		`DELETE FROM vector_collections WHERE tenant_id = $1`, tenantID)
	return err
}

// tableName derives the per-tenant table. UUID hex only, so it is always a
// valid identifier and never injectable.
func tableName(tenantID uuid.UUID) string {
	return "vectors_" + strings.ReplaceAll(tenantID.String(), "-", "")
}
