package multitenancy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/langorch/backend/internal/database"
)

// ============================================================================
// MULTI-TENANT SUPPORT - Persistent & Scalable
// ============================================================================

// Principal is the authenticated caller of a request.
type Principal struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
}

// TenantManager manages tenants and API keys via the database.
type TenantManager struct {
	db *database.Store
}

// NewTenantManager creates a new persistent tenant manager.
func NewTenantManager(db *database.Store) *TenantManager {
	return &TenantManager{db: db}
}

// LoadTenant validates and loads a tenant, ensuring it is active.
func (tm *TenantManager) LoadTenant(ctx context.Context, tenantID uuid.UUID) (*database.Tenant, error) {
	tenant, err := tm.db.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.IsActive {
		return nil, errors.New("tenant is inactive")
	}
	return tenant, nil
}

// ============================================================================
// API KEY MANAGEMENT
// ============================================================================

// CreateAPIKey creates a new API key with format: lo_<id>.<secret>
func (tm *TenantManager) CreateAPIKey(ctx context.Context, tenantID, userID uuid.UUID, name string) (*database.APIKey, string, error) {
	idBytes := make([]byte, 8)
	rand.Read(idBytes)
	keyID := hex.EncodeToString(idBytes) // 16 chars

	secretBytes := make([]byte, 24)
	rand.Read(secretBytes)
	secret := hex.EncodeToString(secretBytes) // 48 chars

	fullKey := fmt.Sprintf("lo_%s.%s", keyID, secret)

	// Only the secret part is hashed. The ID is used for lookup.
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	apiKey := &database.APIKey{
		KeyID:    keyID,
		TenantID: tenantID,
		UserID:   userID,
		Name:     name,
		KeyHash:  string(secretHash),
		IsActive: true,
	}
	if err := tm.db.CreateAPIKey(ctx, apiKey); err != nil {
		return nil, "", err
	}
	return apiKey, fullKey, nil
}

// ValidateAPIKey validates an API key and returns the caller principal.
// Key format: lo_<key_id>.<secret>
func (tm *TenantManager) ValidateAPIKey(ctx context.Context, fullKey string) (*Principal, error) {
	if !strings.HasPrefix(fullKey, "lo_") {
		return nil, errors.New("invalid key format")
	}
	parts := strings.Split(strings.TrimPrefix(fullKey, "lo_"), ".")
	if len(parts) != 2 {
		return nil, errors.New("invalid key format")
	}
	keyID, secret := parts[0], parts[1]

	apiKey, err := tm.db.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, errors.New("invalid api key")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(apiKey.KeyHash), []byte(secret)); err != nil {
		return nil, errors.New("invalid api key secret")
	}
	if !apiKey.IsActive {
		return nil, errors.New("api key inactive")
	}
	if apiKey.ExpiresAt != nil && time.Now().After(*apiKey.ExpiresAt) {
		return nil, errors.New("api key expired")
	}

	if _, err := tm.LoadTenant(ctx, apiKey.TenantID); err != nil {
		return nil, err
	}
	return &Principal{TenantID: apiKey.TenantID, UserID: apiKey.UserID}, nil
}

// ============================================================================
// CONTEXT HELPERS
// ============================================================================

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal adds the authenticated principal to context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal extracts the principal from context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok || p.TenantID == uuid.Nil {
		return Principal{}, errors.New("tenant context missing")
	}
	return p, nil
}

// GetTenantID extracts the tenant ID from context.
func GetTenantID(ctx context.Context) (uuid.UUID, error) {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	return p.TenantID, nil
}
