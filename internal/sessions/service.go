// Package sessions manages conversation threads and the documents attached
// to them.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/infra"
)

const contextTTL = 30 * time.Second

// ErrDocumentNotReady rejects attaching a document that has not finished
// processing.
var ErrDocumentNotReady = errors.New("document is not ready")

// ErrInvalidMode rejects unknown session modes.
var ErrInvalidMode = errors.New("invalid session mode")

// ErrInvalidRole rejects message roles outside user, assistant and system.
var ErrInvalidRole = errors.New("invalid message role")

// Store is the persistence surface the service needs. Satisfied by
// *database.Store.
type Store interface {
	CreateSession(ctx context.Context, sess *database.ConversationSession) error
	GetSession(ctx context.Context, tenantID, sessionID uuid.UUID) (*database.ConversationSession, error)
	ListSessions(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]database.ConversationSession, error)
	UpdateSessionMode(ctx context.Context, tenantID, sessionID uuid.UUID, mode string) error
	ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]database.Message, error)
	AppendMessage(ctx context.Context, msg *database.Message) error
	UpsertSessionDocument(ctx context.Context, sessionID, documentID uuid.UUID) (bool, error)
	DeactivateSessionDocument(ctx context.Context, sessionID, documentID uuid.UUID) error
	ListActiveSessionDocuments(ctx context.Context, sessionID uuid.UUID) ([]database.SessionDocument, error)
	GetDocument(ctx context.Context, tenantID, documentID uuid.UUID) (*database.Document, error)
}

// DocumentRef is one attached document in a session context view.
type DocumentRef struct {
	ID         uuid.UUID `json:"id"`
	Filename   string    `json:"filename"`
	ChunkCount int       `json:"chunk_count"`
}

// Context is the per-session view the workflow surface exposes: which mode
// the next turn will use and which documents retrieval can reach.
type Context struct {
	SessionID       uuid.UUID     `json:"session_id"`
	Mode            string        `json:"mode"`
	ActiveDocuments []DocumentRef `json:"active_documents"`
	TotalDocuments  int           `json:"total_documents"`
	TotalChunks     int           `json:"total_chunks"`
}

// Service wraps session persistence with mode validation, document
// attachment rules and a short-lived context cache.
type Service struct {
	db    Store
	cache infra.Cache
}

// NewService wires the session service.
func NewService(db Store, cache infra.Cache) *Service {
	if cache == nil {
		cache = infra.NewMemoryCache()
	}
	return &Service{db: db, cache: cache}
}

func validMode(mode string) bool {
	switch mode {
	case database.ModeAuto, database.ModeChatOnly, database.ModeRAGOnly:
		return true
	}
	return false
}

// Create starts a new conversation thread.
func (s *Service) Create(ctx context.Context, tenantID, userID uuid.UUID, title, mode string, workflowID *uuid.UUID) (*database.ConversationSession, error) {
	if mode == "" {
		mode = database.ModeAuto
	}
	if !validMode(mode) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMode, mode)
	}
	sess := &database.ConversationSession{
		TenantID:   tenantID,
		UserID:     userID,
		WorkflowID: workflowID,
		ThreadID:   uuid.NewString(),
		Title:      title,
		Mode:       mode,
	}
	if err := s.db.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns a session within a tenant.
func (s *Service) Get(ctx context.Context, tenantID, sessionID uuid.UUID) (*database.ConversationSession, error) {
	return s.db.GetSession(ctx, tenantID, sessionID)
}

// List returns a tenant's sessions, most recently used first.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]database.ConversationSession, error) {
	return s.db.ListSessions(ctx, tenantID, limit, offset)
}

// Messages returns a session's history after checking tenant ownership.
func (s *Service) Messages(ctx context.Context, tenantID, sessionID uuid.UUID, limit int) ([]database.Message, error) {
	if _, err := s.db.GetSession(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	return s.db.ListMessages(ctx, sessionID, limit)
}

// AppendMessage records a message in a session's history after checking
// tenant ownership.
func (s *Service) AppendMessage(ctx context.Context, tenantID, sessionID uuid.UUID, role, content string) (*database.Message, error) {
	switch role {
	case "user", "assistant", "system":
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidRole, role)
	}
	if _, err := s.db.GetSession(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	msg := &database.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
	}
	if err := s.db.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// SetMode switches how subsequent turns are routed.
func (s *Service) SetMode(ctx context.Context, tenantID, sessionID uuid.UUID, mode string) error {
	if !validMode(mode) {
		return fmt.Errorf("%w: %s", ErrInvalidMode, mode)
	}
	if err := s.db.UpdateSessionMode(ctx, tenantID, sessionID, mode); err != nil {
		return err
	}
	s.invalidate(ctx, sessionID)
	return nil
}

// AddDocument attaches a completed, tenant-owned document to a session.
// Returns true when the attachment is new or revived.
func (s *Service) AddDocument(ctx context.Context, tenantID, sessionID, documentID uuid.UUID) (bool, error) {
	if _, err := s.db.GetSession(ctx, tenantID, sessionID); err != nil {
		return false, err
	}
	doc, err := s.db.GetDocument(ctx, tenantID, documentID)
	if err != nil {
		return false, err
	}
	if doc.Status != database.DocumentCompleted {
		return false, fmt.Errorf("%w: status is %s", ErrDocumentNotReady, doc.Status)
	}
	added, err := s.db.UpsertSessionDocument(ctx, sessionID, documentID)
	if err != nil {
		return false, err
	}
	s.invalidate(ctx, sessionID)
	return added, nil
}

// RemoveDocument detaches a document from a session. The bridge row stays
// around inactive.
func (s *Service) RemoveDocument(ctx context.Context, tenantID, sessionID, documentID uuid.UUID) error {
	if _, err := s.db.GetSession(ctx, tenantID, sessionID); err != nil {
		return err
	}
	if err := s.db.DeactivateSessionDocument(ctx, sessionID, documentID); err != nil {
		return err
	}
	s.invalidate(ctx, sessionID)
	return nil
}

// ListDocuments returns the session's active document attachments.
func (s *Service) ListDocuments(ctx context.Context, tenantID, sessionID uuid.UUID) ([]database.SessionDocument, error) {
	if _, err := s.db.GetSession(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	return s.db.ListActiveSessionDocuments(ctx, sessionID)
}

// GetContext assembles the session's retrieval context, served from cache
// for up to 30 seconds.
func (s *Service) GetContext(ctx context.Context, tenantID, sessionID uuid.UUID) (*Context, error) {
	key := contextKey(sessionID)
	if blob, err := s.cache.Get(ctx, key); err == nil {
		var cached Context
		if err := json.Unmarshal(blob, &cached); err == nil {
			return &cached, nil
		}
	}

	sess, err := s.db.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	bridges, err := s.db.ListActiveSessionDocuments(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sc := &Context{SessionID: sessionID, Mode: sess.Mode, ActiveDocuments: []DocumentRef{}}
	for _, b := range bridges {
		doc, err := s.db.GetDocument(ctx, tenantID, b.DocumentID)
		if err != nil {
			// A document deleted after attachment just drops out of the view.
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			return nil, err
		}
		sc.ActiveDocuments = append(sc.ActiveDocuments, DocumentRef{
			ID:         doc.ID,
			Filename:   doc.Filename,
			ChunkCount: doc.ChunkCount,
		})
		sc.TotalChunks += doc.ChunkCount
	}
	sc.TotalDocuments = len(sc.ActiveDocuments)

	if blob, err := json.Marshal(sc); err == nil {
		if err := s.cache.Set(ctx, key, blob, contextTTL); err != nil {
			slog.Warn("cache session context", "session_id", sessionID, "error", err)
		}
	}
	return sc, nil
}

func (s *Service) invalidate(ctx context.Context, sessionID uuid.UUID) {
	if err := s.cache.Del(ctx, contextKey(sessionID)); err != nil {
		slog.Warn("invalidate session context", "session_id", sessionID, "error", err)
	}
}

func contextKey(sessionID uuid.UUID) string {
	return "session-context:" + sessionID.String()
}
