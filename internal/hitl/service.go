// Package hitl exposes pending human approvals and feeds responses back
// into interrupted workflow executions.
package hitl

import (
	"context"

	"github.com/google/uuid"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/workflow"
)

// Store is the approval persistence surface. Satisfied by *database.Store.
type Store interface {
	GetApproval(ctx context.Context, tenantID, approvalID uuid.UUID) (*database.HITLApproval, error)
	ListApprovals(ctx context.Context, tenantID, userID uuid.UUID, status string, limit, offset int) ([]database.HITLApproval, error)
	RespondApproval(ctx context.Context, tenantID, approvalID uuid.UUID, status string, response database.JSONMap) (*database.HITLApproval, error)
}

// Resumer continues an interrupted execution. Satisfied by
// *workflow.Executor.
type Resumer interface {
	Resume(ctx context.Context, tenantID, executionID uuid.UUID, input workflow.ResumeInput) (*database.WorkflowExecution, error)
}

// RespondInput is the human decision on a pending approval.
type RespondInput struct {
	Approved bool                   `json:"approved"`
	Feedback string                 `json:"feedback,omitempty"`
	Response map[string]interface{} `json:"response,omitempty"`
}

// Service mediates between the approval table and the workflow executor.
type Service struct {
	db      Store
	resumer Resumer
}

// NewService wires the approval service.
func NewService(db Store, resumer Resumer) *Service {
	return &Service{db: db, resumer: resumer}
}

// Get returns one approval within a tenant.
func (s *Service) Get(ctx context.Context, tenantID, approvalID uuid.UUID) (*database.HITLApproval, error) {
	return s.db.GetApproval(ctx, tenantID, approvalID)
}

// ListPending returns a user's open approvals, newest first.
func (s *Service) ListPending(ctx context.Context, tenantID, userID uuid.UUID, limit, offset int) ([]database.HITLApproval, error) {
	return s.db.ListApprovals(ctx, tenantID, userID, database.ApprovalPending, limit, offset)
}

// List returns a user's approvals with an optional status filter.
func (s *Service) List(ctx context.Context, tenantID, userID uuid.UUID, status string, limit, offset int) ([]database.HITLApproval, error) {
	return s.db.ListApprovals(ctx, tenantID, userID, status, limit, offset)
}

// Respond records the decision exactly once, then resumes the parked
// execution with it. A replayed response fails with
// database.ErrAlreadyResponded before touching the workflow.
func (s *Service) Respond(ctx context.Context, tenantID, approvalID uuid.UUID, input RespondInput) (*database.HITLApproval, *database.WorkflowExecution, error) {
	status := database.ApprovalRejected
	if input.Approved {
		status = database.ApprovalApproved
	}
	response := database.JSONMap{"approved": input.Approved}
	if input.Feedback != "" {
		response["feedback"] = input.Feedback
	}
	for k, v := range input.Response {
		response[k] = v
	}

	approval, err := s.db.RespondApproval(ctx, tenantID, approvalID, status, response)
	if err != nil {
		return nil, nil, err
	}

	exec, err := s.resumer.Resume(ctx, tenantID, approval.ExecutionID, workflow.ResumeInput{
		Approved:     input.Approved,
		Feedback:     input.Feedback,
		UserResponse: input.Response,
	})
	if err != nil {
		return approval, nil, err
	}
	return approval, exec, nil
}
