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
// HITL APPROVALS
// ============================================================================

// CreateApproval inserts a pending approval. The partial unique index on
// pending rows enforces at most one pending approval per execution.
func (s *Store) CreateApproval(ctx context.Context, a *HITLApproval) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = ApprovalPending
	}
	a.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hitl_approvals (id, execution_id, tenant_id, user_id, prompt, context_data, status, user_response, created_at, responded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.ExecutionID, a.TenantID, a.UserID, a.Prompt, a.ContextData,
		a.Status, a.UserResponse, a.CreatedAt, a.RespondedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPendingApprovalExists
		}
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

// GetApproval retrieves an approval within a tenant.
func (s *Store) GetApproval(ctx context.Context, tenantID, approvalID uuid.UUID) (*HITLApproval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, execution_id, tenant_id, user_id, prompt, context_data, status, user_response, created_at, responded_at
		 FROM hitl_approvals WHERE id = $1 AND tenant_id = $2`, approvalID, tenantID)
	return scanApproval(row)
}

// ListApprovals returns tenant approvals for a user, newest first,
// optionally filtered by status.
func (s *Store) ListApprovals(ctx context.Context, tenantID, userID uuid.UUID, status string, limit, offset int) ([]HITLApproval, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		args  = []interface{}{tenantID, userID}
		where = `WHERE tenant_id = $1 AND user_id = $2`
	)
	if status != "" {
		where += ` AND status = $3`
		args = append(args, status)
	}
	query := fmt.Sprintf(`SELECT id, execution_id, tenant_id, user_id, prompt, context_data, status, user_response, created_at, responded_at
		 FROM hitl_approvals %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []HITLApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, *a)
	}
	return approvals, rows.Err()
}

// RespondApproval atomically flips a pending approval to its terminal
// status. Replayed responses fail with ErrAlreadyResponded.
func (s *Store) RespondApproval(ctx context.Context, tenantID, approvalID uuid.UUID, status string, response JSONMap) (*HITLApproval, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE hitl_approvals SET status = $1, user_response = $2, responded_at = NOW()
		 WHERE id = $3 AND tenant_id = $4 AND status = $5
		 RETURNING id, execution_id, tenant_id, user_id, prompt, context_data, status, user_response, created_at, responded_at`,
		status, response, approvalID, tenantID, ApprovalPending)
	a, err := scanApproval(row)
	if errors.Is(err, ErrNotFound) {
		// Distinguish a replay from a genuinely missing row.
		if _, getErr := s.GetApproval(ctx, tenantID, approvalID); getErr == nil {
			return nil, ErrAlreadyResponded
		}
		return nil, ErrNotFound
	}
	return a, err
}

func scanApproval(row rowScanner) (*HITLApproval, error) {
	var a HITLApproval
	err := row.Scan(&a.ID, &a.ExecutionID, &a.TenantID, &a.UserID, &a.Prompt, &a.ContextData,
		&a.Status, &a.UserResponse, &a.CreatedAt, &a.RespondedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	return &a, nil
}
