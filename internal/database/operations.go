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
// LLM OPERATIONS
// ============================================================================

// CreateOperation inserts an operation row.
func (s *Store) CreateOperation(ctx context.Context, op *LLMOperation) error {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	op.CreatedAt = time.Now().UTC()
	if op.Status == "" {
		op.Status = OperationPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO llm_operations (id, tenant_id, user_id, document_id, operation_type, input_data, output_data, model_used, tokens_used, cost_estimate, status, error_message, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		op.ID, op.TenantID, op.UserID, op.DocumentID, op.OperationType, op.InputData, op.OutputData,
		op.ModelUsed, op.TokensUsed, op.CostEstimate, op.Status, op.ErrorMessage, op.CreatedAt, op.CompletedAt)
	if err != nil {
		return fmt.Errorf("create operation: %w", err)
	}
	return nil
}

// GetOperation retrieves an operation within a tenant.
func (s *Store) GetOperation(ctx context.Context, tenantID, operationID uuid.UUID) (*LLMOperation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, user_id, document_id, operation_type, input_data, output_data, model_used, tokens_used, cost_estimate, status, error_message, created_at, completed_at
		 FROM llm_operations WHERE id = $1 AND tenant_id = $2`, operationID, tenantID)
	return scanOperation(row)
}

// ListOperations returns a page of tenant operations, newest first.
func (s *Store) ListOperations(ctx context.Context, tenantID uuid.UUID, skip, limit int) ([]LLMOperation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, user_id, document_id, operation_type, input_data, output_data, model_used, tokens_used, cost_estimate, status, error_message, created_at, completed_at
		 FROM llm_operations WHERE tenant_id = $1 ORDER BY created_at DESC OFFSET $2 LIMIT $3`,
		tenantID, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []LLMOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// LatestCompletedOperation returns the most recent completed operation of the
// given type for a document. Ties on created_at break by id lexicographically.
func (s *Store) LatestCompletedOperation(ctx context.Context, tenantID, documentID uuid.UUID, opType string) (*LLMOperation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, user_id, document_id, operation_type, input_data, output_data, model_used, tokens_used, cost_estimate, status, error_message, created_at, completed_at
		 FROM llm_operations
		 WHERE tenant_id = $1 AND document_id = $2 AND operation_type = $3 AND status = $4
		 ORDER BY created_at DESC, id::text DESC LIMIT 1`,
		tenantID, documentID, opType, OperationCompleted)
	return scanOperation(row)
}

// MarkOperationProcessing flips pending → processing. Returns ErrNotFound if
// the row was already claimed or is terminal, so only one task runs it.
func (s *Store) MarkOperationProcessing(ctx context.Context, operationID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE llm_operations SET status = $1 WHERE id = $2 AND status = $3`,
		OperationProcessing, operationID, OperationPending)
	if err != nil {
		return fmt.Errorf("mark operation processing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteOperation writes output, usage, and completed_at in one statement.
// The first terminal transition wins; later writers see ErrNotFound.
func (s *Store) CompleteOperation(ctx context.Context, operationID uuid.UUID, output JSONMap, modelUsed string, tokensUsed int, cost float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE llm_operations
		 SET status = $1, output_data = $2, model_used = $3, tokens_used = $4, cost_estimate = $5, completed_at = NOW()
		 WHERE id = $6 AND status IN ($7, $8)`,
		OperationCompleted, output, modelUsed, tokensUsed, cost,
		operationID, OperationPending, OperationProcessing)
	if err != nil {
		return fmt.Errorf("complete operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailOperation marks an operation failed with an error message.
func (s *Store) FailOperation(ctx context.Context, operationID uuid.UUID, errorMessage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE llm_operations SET status = $1, error_message = $2, completed_at = NOW()
		 WHERE id = $3 AND status IN ($4, $5)`,
		OperationFailed, errorMessage, operationID, OperationPending, OperationProcessing)
	if err != nil {
		return fmt.Errorf("fail operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelOperation marks a non-terminal operation failed with a cancelled
// marker. Terminal operations are left untouched and ErrNotFound is returned.
func (s *Store) CancelOperation(ctx context.Context, tenantID, operationID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE llm_operations
		 SET status = $1, error_message = 'cancelled',
		     output_data = COALESCE(output_data, '{}'::jsonb) || '{"cancelled": true}'::jsonb,
		     completed_at = NOW()
		 WHERE id = $2 AND tenant_id = $3 AND status IN ($4, $5)`,
		OperationFailed, operationID, tenantID, OperationPending, OperationProcessing)
	if err != nil {
		return fmt.Errorf("cancel operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*LLMOperation, error) {
	var op LLMOperation
	err := row.Scan(&op.ID, &op.TenantID, &op.UserID, &op.DocumentID, &op.OperationType,
		&op.InputData, &op.OutputData, &op.ModelUsed, &op.TokensUsed, &op.CostEstimate,
		&op.Status, &op.ErrorMessage, &op.CreatedAt, &op.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan operation: %w", err)
	}
	return &op, nil
}
