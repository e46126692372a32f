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
// TENANTS, USERS, API KEYS, TENANT CONFIG, SECRETS
// ============================================================================

// GetTenant retrieves a tenant by ID.
func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	var t Tenant
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, settings, is_active, created_at FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Slug, &t.Settings, &t.IsActive, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

// CreateTenant inserts a tenant row. Exposed for bootstrap and tests; tenant
// lifecycle is otherwise managed externally.
func (s *Store) CreateTenant(ctx context.Context, t *Tenant) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, slug, settings, is_active, created_at) VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Slug, t.Settings, t.IsActive, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

// GetUser retrieves a user within a tenant.
func (s *Store) GetUser(ctx context.Context, tenantID, userID uuid.UUID) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, email, role, is_active FROM users WHERE id = $1 AND tenant_id = $2`,
		userID, tenantID).
		Scan(&u.ID, &u.TenantID, &u.Email, &u.Role, &u.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// CreateUser inserts a user row. Exposed for bootstrap and tests.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, tenant_id, email, role, is_active) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.TenantID, u.Email, u.Role, u.IsActive)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// CreateAPIKey persists an API key row (hash only).
func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_id, tenant_id, user_id, name, key_hash, is_active, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		k.KeyID, k.TenantID, k.UserID, k.Name, k.KeyHash, k.IsActive, k.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// GetAPIKey looks up an API key by its public key id.
func (s *Store) GetAPIKey(ctx context.Context, keyID string) (*APIKey, error) {
	var k APIKey
	err := s.db.QueryRowContext(ctx,
		`SELECT key_id, tenant_id, user_id, name, key_hash, is_active, expires_at
		 FROM api_keys WHERE key_id = $1`, keyID).
		Scan(&k.KeyID, &k.TenantID, &k.UserID, &k.Name, &k.KeyHash, &k.IsActive, &k.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &k, nil
}

// GetTenantConfig returns the tenant's provider selections, or ErrNotFound
// when the tenant never configured providers.
func (s *Store) GetTenantConfig(ctx context.Context, tenantID uuid.UUID) (*TenantConfig, error) {
	var (
		cfg            TenantConfig
		embRaw, chatRaw []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, embedding, chat, updated_at FROM tenant_configs WHERE tenant_id = $1`,
		tenantID).
		Scan(&cfg.TenantID, &embRaw, &chatRaw, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant config: %w", err)
	}
	if err := json.Unmarshal(embRaw, &cfg.Embedding); err != nil {
		return nil, fmt.Errorf("decode embedding selection: %w", err)
	}
	if err := json.Unmarshal(chatRaw, &cfg.Chat); err != nil {
		return nil, fmt.Errorf("decode chat selection: %w", err)
	}
	return &cfg, nil
}

// PutTenantConfig upserts the tenant's provider selections.
func (s *Store) PutTenantConfig(ctx context.Context, cfg *TenantConfig) error {
	embRaw, err := json.Marshal(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("encode embedding selection: %w", err)
	}
	chatRaw, err := json.Marshal(cfg.Chat)
	if err != nil {
		return fmt.Errorf("encode chat selection: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenant_configs (tenant_id, embedding, chat, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (tenant_id) DO UPDATE SET embedding = $2, chat = $3, updated_at = NOW()`,
		cfg.TenantID, embRaw, chatRaw)
	if err != nil {
		return fmt.Errorf("put tenant config: %w", err)
	}
	return nil
}

// GetSecret reads an encrypted secret value for a tenant path.
func (s *Store) GetSecret(ctx context.Context, tenantID uuid.UUID, path string) ([]byte, error) {
	var ciphertext []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT ciphertext FROM tenant_secrets WHERE tenant_id = $1 AND path = $2`,
		tenantID, path).Scan(&ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return ciphertext, nil
}

// PutSecret upserts an encrypted secret value.
func (s *Store) PutSecret(ctx context.Context, tenantID uuid.UUID, path string, ciphertext []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_secrets (tenant_id, path, ciphertext, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (tenant_id, path) DO UPDATE SET ciphertext = $3, updated_at = NOW()`,
		tenantID, path, ciphertext)
	if err != nil {
		return fmt.Errorf("put secret: %w", err)
	}
	return nil
}

// DeleteSecret removes a secret path for a tenant.
func (s *Store) DeleteSecret(ctx context.Context, tenantID uuid.UUID, path string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tenant_secrets WHERE tenant_id = $1 AND path = $2`, tenantID, path)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}
