package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/secrets"
)

type stubConfigSource struct {
	cfg *database.TenantConfig
	err error
}

func (s *stubConfigSource) GetTenantConfig(_ context.Context, _ uuid.UUID) (*database.TenantConfig, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.cfg, nil
}

type stubSecretSource struct {
	values map[string][]byte
	gets   int
}

func (s *stubSecretSource) Get(_ context.Context, _ uuid.UUID, path string) ([]byte, error) {
	s.gets++
	v, ok := s.values[path]
	if !ok {
		return nil, secrets.ErrNotFound
	}
	return v, nil
}

func testDefaults() Defaults {
	return Defaults{
		Chat:      database.ProviderSelection{Provider: "ollama", Model: "llama3.2"},
		Embedding: database.ProviderSelection{Provider: "ollama", Model: "nomic-embed-text", Dimensions: 768},
	}
}

func TestChatSelectionFallsBackToDefaults(t *testing.T) {
	registry := NewRegistry(
		&stubConfigSource{err: database.ErrNotFound},
		&stubSecretSource{},
		testDefaults(),
	)

	sel, err := registry.ChatSelection(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, "ollama", sel.Provider)
	assert.Equal(t, "llama3.2", sel.Model)
}

func TestChatSelectionUsesTenantConfig(t *testing.T) {
	registry := NewRegistry(
		&stubConfigSource{cfg: &database.TenantConfig{
			Chat: database.ProviderSelection{Provider: "anthropic", Model: "claude-3-5-haiku-latest"},
		}},
		&stubSecretSource{},
		testDefaults(),
	)

	sel, err := registry.ChatSelection(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, "anthropic", sel.Provider)
}

func TestEmbeddingSelectionEmptyProviderFallsBack(t *testing.T) {
	registry := NewRegistry(
		&stubConfigSource{cfg: &database.TenantConfig{}},
		&stubSecretSource{},
		testDefaults(),
	)

	sel, err := registry.EmbeddingSelection(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, "ollama", sel.Provider)
	assert.Equal(t, 768, sel.Dimensions)
}

func TestChatMissingCredential(t *testing.T) {
	registry := NewRegistry(
		&stubConfigSource{cfg: &database.TenantConfig{
			Chat: database.ProviderSelection{Provider: "openai", Model: "gpt-4o-mini"},
		}},
		&stubSecretSource{},
		testDefaults(),
	)

	_, err := registry.Chat(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestChatUnknownProvider(t *testing.T) {
	registry := NewRegistry(
		&stubConfigSource{cfg: &database.TenantConfig{
			Chat: database.ProviderSelection{Provider: "mystery", Model: "m"},
		}},
		&stubSecretSource{},
		testDefaults(),
	)

	_, err := registry.Chat(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestChatInstanceCaching(t *testing.T) {
	secretSource := &stubSecretSource{values: map[string][]byte{
		secrets.ChatProviderPath("openai"): []byte("sk-test"),
	}}
	registry := NewRegistry(
		&stubConfigSource{cfg: &database.TenantConfig{
			Chat: database.ProviderSelection{Provider: "openai", Model: "gpt-4o-mini"},
		}},
		secretSource,
		testDefaults(),
	)
	tenantID := uuid.New()

	first, err := registry.Chat(context.Background(), tenantID)
	require.NoError(t, err)
	second, err := registry.Chat(context.Background(), tenantID)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, secretSource.gets, "cached instance should not re-read the credential")

	registry.Invalidate(tenantID)
	third, err := registry.Chat(context.Background(), tenantID)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, secretSource.gets)
}

func TestWithRetryTransientThenSuccess(t *testing.T) {
	registry := NewRegistry(&stubConfigSource{err: database.ErrNotFound}, &stubSecretSource{}, testDefaults())

	attempts := 0
	err := registry.withRetry(context.Background(), "test-transient", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return ErrTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	registry := NewRegistry(&stubConfigSource{err: database.ErrNotFound}, &stubSecretSource{}, testDefaults())

	attempts := 0
	err := registry.withRetry(context.Background(), "test-permanent", func(context.Context) error {
		attempts++
		return ErrAuth
	})
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, 1, attempts)
}

func TestBackoffDelayHonorsRetryAfter(t *testing.T) {
	rl := &RateLimitError{RetryAfter: 7 * time.Second, Err: errors.New("429")}
	assert.Equal(t, 7*time.Second, backoffDelay(2, fmt.Errorf("wrapped: %w", rl)))

	// Without a hint, the jittered exponential schedule applies.
	d := backoffDelay(1, ErrTransient)
	assert.GreaterOrEqual(t, d, retryBase)
	assert.Less(t, d, retryBase+retryBase/4+time.Millisecond)
}

func TestWithRetryExhaustion(t *testing.T) {
	registry := NewRegistry(&stubConfigSource{err: database.ErrNotFound}, &stubSecretSource{}, testDefaults())

	attempts := 0
	err := registry.withRetry(context.Background(), "test-exhausted", func(context.Context) error {
		attempts++
		return errors.Join(ErrTransient, errors.New("boom"))
	})
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, retryAttempts, attempts)
}
