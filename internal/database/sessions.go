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
// CONVERSATION SESSIONS, MESSAGES, SESSION DOCUMENTS
// ============================================================================

// CreateSession inserts a conversation session with a fresh thread id.
func (s *Store) CreateSession(ctx context.Context, sess *ConversationSession) error {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	if sess.ThreadID == "" {
		sess.ThreadID = fmt.Sprintf("%s:%s", sess.TenantID, sess.ID)
	}
	if sess.Title == "" {
		sess.Title = "New Conversation"
	}
	if sess.Mode == "" {
		sess.Mode = ModeAuto
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_sessions (id, tenant_id, user_id, workflow_id, thread_id, title, mode, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.TenantID, sess.UserID, sess.WorkflowID, sess.ThreadID,
		sess.Title, sess.Mode, sess.Metadata, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session within a tenant.
func (s *Store) GetSession(ctx context.Context, tenantID, sessionID uuid.UUID) (*ConversationSession, error) {
	var sess ConversationSession
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, user_id, workflow_id, thread_id, title, mode, metadata, created_at, updated_at
		 FROM conversation_sessions WHERE id = $1 AND tenant_id = $2`, sessionID, tenantID).
		Scan(&sess.ID, &sess.TenantID, &sess.UserID, &sess.WorkflowID, &sess.ThreadID,
			&sess.Title, &sess.Mode, &sess.Metadata, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns a page of tenant sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]ConversationSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, user_id, workflow_id, thread_id, title, mode, metadata, created_at, updated_at
		 FROM conversation_sessions WHERE tenant_id = $1 ORDER BY updated_at DESC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []ConversationSession
	for rows.Next() {
		var sess ConversationSession
		if err := rows.Scan(&sess.ID, &sess.TenantID, &sess.UserID, &sess.WorkflowID, &sess.ThreadID,
			&sess.Title, &sess.Mode, &sess.Metadata, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionMode changes the session routing mode.
func (s *Store) UpdateSessionMode(ctx context.Context, tenantID, sessionID uuid.UUID, mode string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversation_sessions SET mode = $1, updated_at = NOW() WHERE id = $2 AND tenant_id = $3`,
		mode, sessionID, tenantID)
	if err != nil {
		return fmt.Errorf("update session mode: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchSession bumps updated_at so recently used sessions sort first.
func (s *Store) TouchSession(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversation_sessions SET updated_at = NOW() WHERE id = $1`, sessionID)
	return err
}

// AppendMessage appends a message to a session.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.SessionID, m.Role, m.Content, m.Metadata, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns session messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, metadata, created_at
		 FROM messages WHERE session_id = $1 ORDER BY created_at LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UpsertSessionDocument adds a document to a session or reactivates an
// inactive bridge. Returns true when the bridge was newly added or revived.
func (s *Store) UpsertSessionDocument(ctx context.Context, sessionID, documentID uuid.UUID) (bool, error) {
	var wasActive sql.NullBool
	err := s.db.QueryRowContext(ctx,
		`SELECT is_active FROM session_documents WHERE session_id = $1 AND document_id = $2`,
		sessionID, documentID).Scan(&wasActive)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("check session document: %w", err)
	}
	if wasActive.Valid && wasActive.Bool {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_documents (session_id, document_id, added_at, is_active)
		 VALUES ($1, $2, NOW(), TRUE)
		 ON CONFLICT (session_id, document_id) DO UPDATE SET is_active = TRUE, added_at = NOW()`,
		sessionID, documentID)
	if err != nil {
		return false, fmt.Errorf("upsert session document: %w", err)
	}
	return true, nil
}

// DeactivateSessionDocument soft-removes a document from a session.
func (s *Store) DeactivateSessionDocument(ctx context.Context, sessionID, documentID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE session_documents SET is_active = FALSE WHERE session_id = $1 AND document_id = $2`,
		sessionID, documentID)
	if err != nil {
		return fmt.Errorf("deactivate session document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveSessionDocuments returns active bridges, most recently added first.
func (s *Store) ListActiveSessionDocuments(ctx context.Context, sessionID uuid.UUID) ([]SessionDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, document_id, added_at, is_active
		 FROM session_documents WHERE session_id = $1 AND is_active = TRUE ORDER BY added_at DESC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session documents: %w", err)
	}
	defer rows.Close()

	var bridges []SessionDocument
	for rows.Next() {
		var sd SessionDocument
		if err := rows.Scan(&sd.SessionID, &sd.DocumentID, &sd.AddedAt, &sd.IsActive); err != nil {
			return nil, fmt.Errorf("scan session document: %w", err)
		}
		bridges = append(bridges, sd)
	}
	return bridges, rows.Err()
}
