package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// DOCUMENTS & CHUNKS
// ============================================================================

// CreateDocument inserts a document row in uploading status.
func (s *Store) CreateDocument(ctx context.Context, d *Document) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = DocumentUploading
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, tenant_id, user_id, filename, file_path, file_size, file_type, status, chunk_count, error_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.TenantID, d.UserID, d.Filename, d.FilePath, d.FileSize, d.FileType,
		d.Status, d.ChunkCount, d.ErrorMessage, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// GetDocument retrieves a document within a tenant.
func (s *Store) GetDocument(ctx context.Context, tenantID, documentID uuid.UUID) (*Document, error) {
	var d Document
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, user_id, filename, file_path, file_size, file_type, status, chunk_count, error_message, created_at, updated_at
		 FROM documents WHERE id = $1 AND tenant_id = $2`, documentID, tenantID).
		Scan(&d.ID, &d.TenantID, &d.UserID, &d.Filename, &d.FilePath, &d.FileSize, &d.FileType,
			&d.Status, &d.ChunkCount, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &d, nil
}

// ListDocuments returns a page of tenant documents ordered newest first,
// with the total count for pagination.
func (s *Store) ListDocuments(ctx context.Context, tenantID uuid.UUID, skip, limit int, status string) ([]Document, int, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		total int
		args  = []interface{}{tenantID}
		where = `WHERE tenant_id = $1 AND status <> 'deleted'`
	)
	if status != "" {
		where = `WHERE tenant_id = $1 AND status = $2`
		args = append(args, status)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}

	query := fmt.Sprintf(`SELECT id, tenant_id, user_id, filename, file_path, file_size, file_type, status, chunk_count, error_message, created_at, updated_at
		 FROM documents %s ORDER BY created_at DESC OFFSET $%d LIMIT $%d`, where, len(args)+1, len(args)+2)
	args = append(args, skip, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.TenantID, &d.UserID, &d.Filename, &d.FilePath, &d.FileSize, &d.FileType,
			&d.Status, &d.ChunkCount, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, total, rows.Err()
}

// UpdateDocumentStatus transitions a document's status.
func (s *Store) UpdateDocumentStatus(ctx context.Context, tenantID, documentID uuid.UUID, status, errorMessage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = $1, error_message = $2, updated_at = NOW() WHERE id = $3 AND tenant_id = $4`,
		status, errorMessage, documentID, tenantID)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDocumentCompleted records the final chunk count and flips to completed.
func (s *Store) MarkDocumentCompleted(ctx context.Context, tenantID, documentID uuid.UUID, chunkCount int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = $1, chunk_count = $2, error_message = '', updated_at = NOW()
		 WHERE id = $3 AND tenant_id = $4`,
		DocumentCompleted, chunkCount, documentID, tenantID)
	if err != nil {
		return fmt.Errorf("mark document completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertChunks writes all chunks of a document in one transaction.
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert chunks: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO document_chunks (id, document_id, tenant_id, chunk_index, content, token_count, start_char, end_char, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if err != nil {
		return fmt.Errorf("prepare insert chunks: %w", err)
	}
	defer stmt.Close()

	for i := range chunks {
		c := &chunks[i]
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.TenantID, c.ChunkIndex,
			c.Content, c.TokenCount, c.StartChar, c.EndChar, c.Metadata); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.ChunkIndex, err)
		}
	}
	return tx.Commit()
}

// ListChunks returns all chunks of a document in index order.
func (s *Store) ListChunks(ctx context.Context, tenantID, documentID uuid.UUID) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, tenant_id, chunk_index, content, token_count, start_char, end_char, metadata
		 FROM document_chunks WHERE document_id = $1 AND tenant_id = $2 ORDER BY chunk_index`,
		documentID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.TenantID, &c.ChunkIndex, &c.Content,
			&c.TokenCount, &c.StartChar, &c.EndChar, &c.Metadata); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// DeleteChunks removes all chunks of a document. Used by pipeline rollback
// and document deletion.
func (s *Store) DeleteChunks(ctx context.Context, tenantID, documentID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM document_chunks WHERE document_id = $1 AND tenant_id = $2`, documentID, tenantID)
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}
