package hitl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/workflow"
)

type memStore struct {
	mu        sync.Mutex
	approvals map[uuid.UUID]*database.HITLApproval
}

func newMemStore() *memStore {
	return &memStore{approvals: map[uuid.UUID]*database.HITLApproval{}}
}

func (m *memStore) add(tenantID, userID uuid.UUID, status string) *database.HITLApproval {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := &database.HITLApproval{
		ID:          uuid.New(),
		ExecutionID: uuid.New(),
		TenantID:    tenantID,
		UserID:      userID,
		Prompt:      "Do you approve this action?",
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}
	m.approvals[a.ID] = a
	return a
}

func (m *memStore) GetApproval(_ context.Context, tenantID, approvalID uuid.UUID) (*database.HITLApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[approvalID]
	if !ok || a.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) ListApprovals(_ context.Context, tenantID, userID uuid.UUID, status string, _, _ int) ([]database.HITLApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.HITLApproval
	for _, a := range m.approvals {
		if a.TenantID != tenantID || a.UserID != userID {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (m *memStore) RespondApproval(_ context.Context, tenantID, approvalID uuid.UUID, status string, response database.JSONMap) (*database.HITLApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[approvalID]
	if !ok || a.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	if a.Status != database.ApprovalPending {
		return nil, database.ErrAlreadyResponded
	}
	a.Status = status
	a.UserResponse = response
	now := time.Now().UTC()
	a.RespondedAt = &now
	cp := *a
	return &cp, nil
}

type fakeResumer struct {
	calls []workflow.ResumeInput
	execs []uuid.UUID
	err   error
}

func (f *fakeResumer) Resume(_ context.Context, _ uuid.UUID, executionID uuid.UUID, input workflow.ResumeInput) (*database.WorkflowExecution, error) {
	f.calls = append(f.calls, input)
	f.execs = append(f.execs, executionID)
	if f.err != nil {
		return nil, f.err
	}
	return &database.WorkflowExecution{ID: executionID, Status: database.ExecutionCompleted}, nil
}

func TestRespondApprovesAndResumes(t *testing.T) {
	db := newMemStore()
	resumer := &fakeResumer{}
	svc := NewService(db, resumer)

	tenantID := uuid.New()
	userID := uuid.New()
	pending := db.add(tenantID, userID, database.ApprovalPending)

	approval, exec, err := svc.Respond(context.Background(), tenantID, pending.ID, RespondInput{
		Approved: true,
		Feedback: "go ahead",
		Response: map[string]interface{}{"user_response": "deploy"},
	})
	require.NoError(t, err)
	assert.Equal(t, database.ApprovalApproved, approval.Status)
	assert.Equal(t, true, approval.UserResponse["approved"])
	assert.Equal(t, "go ahead", approval.UserResponse["feedback"])
	assert.Equal(t, "deploy", approval.UserResponse["user_response"])
	assert.NotNil(t, approval.RespondedAt)

	require.Len(t, resumer.calls, 1)
	assert.True(t, resumer.calls[0].Approved)
	assert.Equal(t, "go ahead", resumer.calls[0].Feedback)
	assert.Equal(t, pending.ExecutionID, resumer.execs[0])
	assert.Equal(t, database.ExecutionCompleted, exec.Status)
}

func TestRespondRejection(t *testing.T) {
	db := newMemStore()
	resumer := &fakeResumer{}
	svc := NewService(db, resumer)

	tenantID := uuid.New()
	pending := db.add(tenantID, uuid.New(), database.ApprovalPending)

	approval, _, err := svc.Respond(context.Background(), tenantID, pending.ID, RespondInput{Approved: false})
	require.NoError(t, err)
	assert.Equal(t, database.ApprovalRejected, approval.Status)
	require.Len(t, resumer.calls, 1)
	assert.False(t, resumer.calls[0].Approved)
}

func TestRespondReplayFailsBeforeResume(t *testing.T) {
	db := newMemStore()
	resumer := &fakeResumer{}
	svc := NewService(db, resumer)

	tenantID := uuid.New()
	answered := db.add(tenantID, uuid.New(), database.ApprovalApproved)

	_, _, err := svc.Respond(context.Background(), tenantID, answered.ID, RespondInput{Approved: true})
	assert.ErrorIs(t, err, database.ErrAlreadyResponded)
	assert.Empty(t, resumer.calls)
}

func TestRespondTenantScoped(t *testing.T) {
	db := newMemStore()
	svc := NewService(db, &fakeResumer{})

	pending := db.add(uuid.New(), uuid.New(), database.ApprovalPending)
	_, _, err := svc.Respond(context.Background(), uuid.New(), pending.ID, RespondInput{Approved: true})
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestListPendingFiltersStatusAndUser(t *testing.T) {
	db := newMemStore()
	svc := NewService(db, &fakeResumer{})

	tenantID := uuid.New()
	userID := uuid.New()
	db.add(tenantID, userID, database.ApprovalPending)
	db.add(tenantID, userID, database.ApprovalApproved)
	db.add(tenantID, uuid.New(), database.ApprovalPending)

	pending, err := svc.ListPending(context.Background(), tenantID, userID, 50, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, database.ApprovalPending, pending[0].Status)

	all, err := svc.List(context.Background(), tenantID, userID, "", 50, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
