package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// WORKFLOW DEFINITIONS & EXECUTIONS
// ============================================================================

// CreateWorkflowDefinition inserts a definition row.
func (s *Store) CreateWorkflowDefinition(ctx context.Context, def *WorkflowDefinition) error {
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	if def.Version <= 0 {
		def.Version = 1
	}
	def.CreatedAt = time.Now().UTC()
	nodes, err := json.Marshal(def.Nodes)
	if err != nil {
		return fmt.Errorf("encode workflow nodes: %w", err)
	}
	edges, err := json.Marshal(def.Edges)
	if err != nil {
		return fmt.Errorf("encode workflow edges: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, tenant_id, name, version, description, nodes, edges, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		def.ID, def.TenantID, def.Name, def.Version, def.Description, nodes, edges, def.IsActive, def.CreatedAt)
	if err != nil {
		return fmt.Errorf("create workflow definition: %w", err)
	}
	return nil
}

// GetWorkflowDefinition retrieves a definition within a tenant.
func (s *Store) GetWorkflowDefinition(ctx context.Context, tenantID, workflowID uuid.UUID) (*WorkflowDefinition, error) {
	var (
		def          WorkflowDefinition
		nodes, edges []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, version, description, nodes, edges, is_active, created_at
		 FROM workflow_definitions WHERE id = $1 AND tenant_id = $2`, workflowID, tenantID).
		Scan(&def.ID, &def.TenantID, &def.Name, &def.Version, &def.Description, &nodes, &edges, &def.IsActive, &def.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow definition: %w", err)
	}
	if err := json.Unmarshal(nodes, &def.Nodes); err != nil {
		return nil, fmt.Errorf("decode workflow nodes: %w", err)
	}
	if err := json.Unmarshal(edges, &def.Edges); err != nil {
		return nil, fmt.Errorf("decode workflow edges: %w", err)
	}
	return &def, nil
}

// ListWorkflowDefinitions returns the tenant's active definitions.
func (s *Store) ListWorkflowDefinitions(ctx context.Context, tenantID uuid.UUID) ([]WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, version, description, nodes, edges, is_active, created_at
		 FROM workflow_definitions WHERE tenant_id = $1 AND is_active = TRUE ORDER BY created_at DESC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list workflow definitions: %w", err)
	}
	defer rows.Close()

	var defs []WorkflowDefinition
	for rows.Next() {
		var (
			def          WorkflowDefinition
			nodes, edges []byte
		)
		if err := rows.Scan(&def.ID, &def.TenantID, &def.Name, &def.Version, &def.Description,
			&nodes, &edges, &def.IsActive, &def.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow definition: %w", err)
		}
		if err := json.Unmarshal(nodes, &def.Nodes); err != nil {
			return nil, fmt.Errorf("decode workflow nodes: %w", err)
		}
		if err := json.Unmarshal(edges, &def.Edges); err != nil {
			return nil, fmt.Errorf("decode workflow edges: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// CreateExecution inserts a workflow execution in running status.
func (s *Store) CreateExecution(ctx context.Context, exec *WorkflowExecution) error {
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	if exec.Status == "" {
		exec.Status = ExecutionRunning
	}
	exec.StartedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (id, tenant_id, user_id, workflow_id, session_id, thread_id, status, input_data, output_data, error_message, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		exec.ID, exec.TenantID, exec.UserID, exec.WorkflowID, exec.SessionID, exec.ThreadID,
		exec.Status, exec.InputData, exec.OutputData, exec.ErrorMessage, exec.StartedAt, exec.CompletedAt)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution within a tenant.
func (s *Store) GetExecution(ctx context.Context, tenantID, executionID uuid.UUID) (*WorkflowExecution, error) {
	var exec WorkflowExecution
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, user_id, workflow_id, session_id, thread_id, status, input_data, output_data, error_message, started_at, completed_at
		 FROM workflow_executions WHERE id = $1 AND tenant_id = $2`, executionID, tenantID).
		Scan(&exec.ID, &exec.TenantID, &exec.UserID, &exec.WorkflowID, &exec.SessionID, &exec.ThreadID,
			&exec.Status, &exec.InputData, &exec.OutputData, &exec.ErrorMessage, &exec.StartedAt, &exec.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return &exec, nil
}

// LatestExecutionByThread returns the most recent execution on a thread.
func (s *Store) LatestExecutionByThread(ctx context.Context, tenantID uuid.UUID, threadID string) (*WorkflowExecution, error) {
	var exec WorkflowExecution
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, user_id, workflow_id, session_id, thread_id, status, input_data, output_data, error_message, started_at, completed_at
		 FROM workflow_executions WHERE tenant_id = $1 AND thread_id = $2 ORDER BY started_at DESC LIMIT 1`,
		tenantID, threadID).
		Scan(&exec.ID, &exec.TenantID, &exec.UserID, &exec.WorkflowID, &exec.SessionID, &exec.ThreadID,
			&exec.Status, &exec.InputData, &exec.OutputData, &exec.ErrorMessage, &exec.StartedAt, &exec.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest execution by thread: %w", err)
	}
	return &exec, nil
}

// UpdateExecutionStatus transitions an execution and optionally records
// output or an error message. Terminal transitions set completed_at.
func (s *Store) UpdateExecutionStatus(ctx context.Context, executionID uuid.UUID, status string, output JSONMap, errorMessage string) error {
	var completedAt interface{}
	if status == ExecutionCompleted || status == ExecutionFailed {
		completedAt = time.Now().UTC()
	}
	var out interface{}
	if output != nil {
		out = output
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_executions SET status = $1, output_data = COALESCE($2, output_data), error_message = $3, completed_at = $4
		 WHERE id = $5`,
		status, out, errorMessage, completedAt, executionID)
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
