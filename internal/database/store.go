package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	_ "github.com/lib/pq" // Postgres driver
)

// ============================================================================
// POSTGRES STORE - CRUD operations for all tables
// ============================================================================

var (
	// ErrNotFound is returned when an entity does not exist in the caller's
	// tenant. Cross-tenant reads are indistinguishable from missing rows.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentUpdate is returned when two writers contend on the same
	// checkpoint thread/step.
	ErrConcurrentUpdate = errors.New("concurrent update")

	// ErrPendingApprovalExists is returned when an execution already has a
	// pending approval.
	ErrPendingApprovalExists = errors.New("pending approval already exists")

	// ErrAlreadyResponded is returned on replayed approval responses.
	ErrAlreadyResponded = errors.New("approval already responded")
)

// Store wraps a Postgres connection with typed operations for every entity.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies connectivity.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	slog.Info("Postgres connected")
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection. Used by tests.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for adapters that share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close shuts down the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates all tables if they do not exist. Per-tenant vector tables
// are managed by the vector index adapter.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS tenants (
	id UUID PRIMARY KEY,
	slug TEXT NOT NULL UNIQUE,
	settings JSONB NOT NULL DEFAULT '{}',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL REFERENCES tenants(id),
	email TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'user',
	is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS api_keys (
	key_id TEXT PRIMARY KEY,
	tenant_id UUID NOT NULL REFERENCES tenants(id),
	user_id UUID NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	key_hash TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS tenant_configs (
	tenant_id UUID PRIMARY KEY REFERENCES tenants(id),
	embedding JSONB NOT NULL DEFAULT '{}',
	chat JSONB NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tenant_secrets (
	tenant_id UUID NOT NULL,
	path TEXT NOT NULL,
	ciphertext BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, path)
);

CREATE TABLE IF NOT EXISTS documents (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	user_id UUID NOT NULL,
	filename TEXT NOT NULL,
	file_path TEXT NOT NULL DEFAULT '',
	file_size BIGINT NOT NULL DEFAULT 0,
	file_type TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'uploading',
	chunk_count INT NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS documents_tenant_idx ON documents (tenant_id, created_at DESC);

CREATE TABLE IF NOT EXISTS document_chunks (
	id UUID PRIMARY KEY,
	document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	tenant_id UUID NOT NULL,
	chunk_index INT NOT NULL,
	content TEXT NOT NULL,
	token_count INT NOT NULL DEFAULT 0,
	start_char INT NOT NULL DEFAULT 0,
	end_char INT NOT NULL DEFAULT 0,
	metadata JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS document_chunks_doc_idx ON document_chunks (document_id, chunk_index);

CREATE TABLE IF NOT EXISTS llm_operations (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	user_id UUID NOT NULL,
	document_id UUID,
	operation_type TEXT NOT NULL,
	input_data JSONB NOT NULL DEFAULT '{}',
	output_data JSONB,
	model_used TEXT NOT NULL DEFAULT '',
	tokens_used INT NOT NULL DEFAULT 0,
	cost_estimate DOUBLE PRECISION NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS llm_operations_tenant_idx ON llm_operations (tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS llm_operations_doc_idx ON llm_operations (tenant_id, document_id, operation_type, status);

CREATE TABLE IF NOT EXISTS conversation_sessions (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	user_id UUID NOT NULL,
	workflow_id UUID,
	thread_id TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL DEFAULT 'New Conversation',
	mode TEXT NOT NULL DEFAULT 'auto',
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS conversation_sessions_tenant_idx ON conversation_sessions (tenant_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id UUID PRIMARY KEY,
	session_id UUID NOT NULL REFERENCES conversation_sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS messages_session_idx ON messages (session_id, created_at);

CREATE TABLE IF NOT EXISTS session_documents (
	session_id UUID NOT NULL REFERENCES conversation_sessions(id) ON DELETE CASCADE,
	document_id UUID NOT NULL,
	added_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (session_id, document_id)
);

CREATE TABLE IF NOT EXISTS workflow_definitions (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	name TEXT NOT NULL,
	version INT NOT NULL DEFAULT 1,
	description TEXT NOT NULL DEFAULT '',
	nodes JSONB NOT NULL DEFAULT '[]',
	edges JSONB NOT NULL DEFAULT '[]',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS workflow_executions (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	user_id UUID NOT NULL,
	workflow_id UUID,
	session_id UUID NOT NULL,
	thread_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'running',
	input_data JSONB NOT NULL DEFAULT '{}',
	output_data JSONB,
	error_message TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS workflow_executions_thread_idx ON workflow_executions (thread_id, started_at DESC);

CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id TEXT NOT NULL,
	step INT NOT NULL,
	state_blob BYTEA NOT NULL,
	parent_step INT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (thread_id, step)
);

CREATE TABLE IF NOT EXISTS hitl_approvals (
	id UUID PRIMARY KEY,
	execution_id UUID NOT NULL,
	tenant_id UUID NOT NULL,
	user_id UUID NOT NULL,
	prompt TEXT NOT NULL,
	context_data JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'pending',
	user_response JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	responded_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS hitl_approvals_pending_idx
	ON hitl_approvals (execution_id) WHERE status = 'pending';
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
