package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// DATA MODELS - All rows carry tenant_id; every query narrows by it
// ============================================================================

// JSONMap is a JSONB column helper.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", src)
	}
	if len(b) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(b, m)
}

// Tenant is the root of isolation. Created and deleted externally.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Slug      string    `json:"slug"`
	Settings  JSONMap   `json:"settings"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// User is the principal of operations. Created externally.
type User struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Email    string    `json:"email"`
	Role     string    `json:"role"` // super_admin | tenant_admin | user
	IsActive bool      `json:"is_active"`
}

// APIKey authenticates a tenant principal. Format: lo_<key_id>.<secret>,
// only the bcrypt hash of the secret is stored.
type APIKey struct {
	KeyID     string     `json:"key_id"`
	TenantID  uuid.UUID  `json:"tenant_id"`
	UserID    uuid.UUID  `json:"user_id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"key_hash"`
	IsActive  bool       `json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ProviderSelection is the non-secret half of a provider configuration.
// API keys live only in the secret store.
type ProviderSelection struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
}

// TenantConfig holds the per-tenant embedding and chat provider selections.
type TenantConfig struct {
	TenantID  uuid.UUID         `json:"tenant_id"`
	Embedding ProviderSelection `json:"embedding"`
	Chat      ProviderSelection `json:"chat"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Document statuses. Transitions are monotonic except deleted, which may
// occur from any terminal state.
const (
	DocumentUploading  = "uploading"
	DocumentProcessing = "processing"
	DocumentCompleted  = "completed"
	DocumentFailed     = "failed"
	DocumentDeleted    = "deleted"
)

// Document is an uploaded file and the owner of its chunks and vectors.
type Document struct {
	ID           uuid.UUID `json:"id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	UserID       uuid.UUID `json:"user_id"`
	Filename     string    `json:"filename"`
	FilePath     string    `json:"file_path"`
	FileSize     int64     `json:"file_size"`
	FileType     string    `json:"file_type"`
	Status       string    `json:"status"`
	ChunkCount   int       `json:"chunk_count"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Chunk is a contiguous token-bounded slice of a document.
type Chunk struct {
	ID         uuid.UUID `json:"id"`
	DocumentID uuid.UUID `json:"document_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	StartChar  int       `json:"start_char"`
	EndChar    int       `json:"end_char"`
	Metadata   JSONMap   `json:"metadata,omitempty"`
}

// LLMOperation statuses.
const (
	OperationPending    = "pending"
	OperationProcessing = "processing"
	OperationCompleted  = "completed"
	OperationFailed     = "failed"
)

// LLMOperation operation types.
const (
	OpSummarize = "summarize"
	OpAsk       = "ask"
	OpTransform = "transform"
)

// LLMOperation is an asynchronous summarize/ask/transform run.
// output_data is populated iff status is completed; completed_at is set iff
// the status is terminal.
type LLMOperation struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	UserID        uuid.UUID  `json:"user_id"`
	DocumentID    *uuid.UUID `json:"document_id,omitempty"`
	OperationType string     `json:"operation_type"`
	InputData     JSONMap    `json:"input_data"`
	OutputData    JSONMap    `json:"output_data,omitempty"`
	ModelUsed     string     `json:"model_used,omitempty"`
	TokensUsed    int        `json:"tokens_used"`
	CostEstimate  float64    `json:"cost_estimate"`
	Status        string     `json:"status"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Session modes.
const (
	ModeAuto     = "auto"
	ModeChatOnly = "chat_only"
	ModeRAGOnly  = "rag_only"
)

// ConversationSession is a durable conversation thread.
type ConversationSession struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	UserID     uuid.UUID  `json:"user_id"`
	WorkflowID *uuid.UUID `json:"workflow_id,omitempty"`
	ThreadID   string     `json:"thread_id"`
	Title      string     `json:"title"`
	Mode       string     `json:"mode"`
	Metadata   JSONMap    `json:"metadata,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Message is an append-only conversation entry, ordered by created_at.
type Message struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Role      string    `json:"role"` // user | assistant | system
	Content   string    `json:"content"`
	Metadata  JSONMap   `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionDocument bridges a session to a document it may consult.
// Removed by flipping is_active, never deleted.
type SessionDocument struct {
	SessionID  uuid.UUID `json:"session_id"`
	DocumentID uuid.UUID `json:"document_id"`
	AddedAt    time.Time `json:"added_at"`
	IsActive   bool      `json:"is_active"`
}

// WorkflowNode is one declarative graph node.
type WorkflowNode struct {
	ID     string  `json:"id"`
	Type   string  `json:"type"`
	Config JSONMap `json:"config,omitempty"`
}

// WorkflowEdge connects two nodes, optionally guarded by a condition.
type WorkflowEdge struct {
	Source    string            `json:"source"`
	Target    string            `json:"target"`
	Condition string            `json:"condition,omitempty"`
	Mapping   map[string]string `json:"mapping,omitempty"`
}

// WorkflowDefinition is a declarative node/edge graph owned by a tenant.
type WorkflowDefinition struct {
	ID          uuid.UUID      `json:"id"`
	TenantID    uuid.UUID      `json:"tenant_id"`
	Name        string         `json:"name"`
	Version     int            `json:"version"`
	Description string         `json:"description,omitempty"`
	Nodes       []WorkflowNode `json:"nodes"`
	Edges       []WorkflowEdge `json:"edges"`
	IsActive    bool           `json:"is_active"`
	CreatedAt   time.Time      `json:"created_at"`
}

// WorkflowExecution statuses.
const (
	ExecutionRunning     = "running"
	ExecutionInterrupted = "interrupted"
	ExecutionCompleted   = "completed"
	ExecutionFailed      = "failed"
)

// WorkflowExecution is one run of a workflow over a session thread.
type WorkflowExecution struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	UserID       uuid.UUID  `json:"user_id"`
	WorkflowID   *uuid.UUID `json:"workflow_id,omitempty"`
	SessionID    uuid.UUID  `json:"session_id"`
	ThreadID     string     `json:"thread_id"`
	Status       string     `json:"status"`
	InputData    JSONMap    `json:"input_data,omitempty"`
	OutputData   JSONMap    `json:"output_data,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Checkpoint is one append-only snapshot of graph state. step strictly
// increases within a thread_id.
type Checkpoint struct {
	ThreadID   string    `json:"thread_id"`
	Step       int       `json:"step"`
	StateBlob  []byte    `json:"state_blob"`
	ParentStep *int      `json:"parent_step,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// HITLApproval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// HITLApproval parks a workflow execution on a human decision.
// At most one pending approval exists per execution.
type HITLApproval struct {
	ID           uuid.UUID  `json:"id"`
	ExecutionID  uuid.UUID  `json:"execution_id"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	UserID       uuid.UUID  `json:"user_id"`
	Prompt       string     `json:"prompt"`
	ContextData  JSONMap    `json:"context_data,omitempty"`
	Status       string     `json:"status"`
	UserResponse JSONMap    `json:"user_response,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	RespondedAt  *time.Time `json:"responded_at,omitempty"`
}
