// Package secrets stores tenant-scoped provider credentials encrypted at rest.
//
// Values are sealed with XChaCha20-Poly1305 under a process-wide master key
// and persisted as ciphertext rows. Reads are memoized for a short TTL so the
// hot path (provider resolution on every LLM call) does not hammer the
// database. Only ciphertext ever enters the cache.
package secrets

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/infra"
)

// ErrNotFound is returned when no secret exists at the requested path.
var ErrNotFound = errors.New("secret not found")

const cacheTTL = 60 * time.Second

// Path helpers. Provider credentials live under fixed prefixes so the
// settings API and the provider registry agree on layout.

// EmbeddingProviderPath returns the secret path for an embedding provider.
func EmbeddingProviderPath(name string) string {
	return "embedding-providers/" + name
}

// ChatProviderPath returns the secret path for a chat provider.
func ChatProviderPath(name string) string {
	return "chat-providers/" + name
}

// Backend is the persistence contract the store needs. Satisfied by
// *database.Store.
type Backend interface {
	GetSecret(ctx context.Context, tenantID uuid.UUID, path string) ([]byte, error)
	PutSecret(ctx context.Context, tenantID uuid.UUID, path string, ciphertext []byte) error
	DeleteSecret(ctx context.Context, tenantID uuid.UUID, path string) error
}

// Store reads and writes encrypted tenant secrets.
type Store struct {
	db    Backend
	aead  cipher.AEAD
	cache infra.Cache
}

// NewStore creates a secret store. masterKeyHex must decode to 32 bytes.
// cache may be a Redis adapter or the in-memory fallback.
func NewStore(db Backend, masterKeyHex string, cache infra.Cache) (*Store, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if cache == nil {
		cache = infra.NewMemoryCache()
	}
	return &Store{db: db, aead: aead, cache: cache}, nil
}

// Put encrypts and stores a secret value at the given path.
func (s *Store) Put(ctx context.Context, tenantID uuid.UUID, path string, value []byte) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	// Ciphertext layout: nonce || sealed. The tenant ID and path are bound
	// as additional data so a row cannot be replayed across tenants.
	sealed := s.aead.Seal(nonce, nonce, value, s.aad(tenantID, path))

	if err := s.db.PutSecret(ctx, tenantID, path, sealed); err != nil {
		return err
	}
	s.cache.Del(ctx, s.cacheKey(tenantID, path))
	return nil
}

// Get decrypts and returns the secret at the given path.
func (s *Store) Get(ctx context.Context, tenantID uuid.UUID, path string) ([]byte, error) {
	key := s.cacheKey(tenantID, path)

	sealed, err := s.cache.Get(ctx, key)
	if err != nil {
		sealed, err = s.db.GetSecret(ctx, tenantID, path)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		s.cache.Set(ctx, key, sealed, cacheTTL)
	}

	return s.open(tenantID, path, sealed)
}

// Delete removes the secret at the given path. Deleting a missing secret is
// not an error.
func (s *Store) Delete(ctx context.Context, tenantID uuid.UUID, path string) error {
	if err := s.db.DeleteSecret(ctx, tenantID, path); err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}
	return s.cache.Del(ctx, s.cacheKey(tenantID, path))
}

func (s *Store) open(tenantID uuid.UUID, path string, sealed []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return nil, errors.New("ciphertext too short")
	}
	nonce, box := sealed[:ns], sealed[ns:]
	plain, err := s.aead.Open(nil, nonce, box, s.aad(tenantID, path))
	if err != nil {
		return nil, fmt.Errorf("decrypt secret %s: %w", path, err)
	}
	return plain, nil
}

func (s *Store) aad(tenantID uuid.UUID, path string) []byte {
	return []byte(tenantID.String() + ":" + path)
}

func (s *Store) cacheKey(tenantID uuid.UUID, path string) string {
	return "secrets:" + tenantID.String() + ":" + path
}
