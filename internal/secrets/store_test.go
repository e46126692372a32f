package secrets

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/infra"
)

type fakeBackend struct {
	rows map[string][]byte
	gets int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rows: make(map[string][]byte)}
}

func (f *fakeBackend) key(tenantID uuid.UUID, path string) string {
	return tenantID.String() + "/" + path
}

func (f *fakeBackend) GetSecret(_ context.Context, tenantID uuid.UUID, path string) ([]byte, error) {
	f.gets++
	v, ok := f.rows[f.key(tenantID, path)]
	if !ok {
		return nil, database.ErrNotFound
	}
	return v, nil
}

func (f *fakeBackend) PutSecret(_ context.Context, tenantID uuid.UUID, path string, ciphertext []byte) error {
	f.rows[f.key(tenantID, path)] = ciphertext
	return nil
}

func (f *fakeBackend) DeleteSecret(_ context.Context, tenantID uuid.UUID, path string) error {
	delete(f.rows, f.key(tenantID, path))
	return nil
}

func testKey() string {
	return hex.EncodeToString(make([]byte, 32))
}

func TestStoreRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	store, err := NewStore(backend, testKey(), infra.NewMemoryCache())
	require.NoError(t, err)

	tenantID := uuid.New()
	path := ChatProviderPath("openai")

	require.NoError(t, store.Put(context.Background(), tenantID, path, []byte("sk-test-123")))

	got, err := store.Get(context.Background(), tenantID, path)
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-test-123"), got)

	// Stored row must not contain the plaintext
	for _, row := range backend.rows {
		assert.NotContains(t, string(row), "sk-test-123")
	}
}

func TestStoreGetMissing(t *testing.T) {
	store, err := NewStore(newFakeBackend(), testKey(), infra.NewMemoryCache())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), uuid.New(), EmbeddingProviderPath("ollama"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreReadMemoization(t *testing.T) {
	backend := newFakeBackend()
	store, err := NewStore(backend, testKey(), infra.NewMemoryCache())
	require.NoError(t, err)

	tenantID := uuid.New()
	path := ChatProviderPath("anthropic")
	require.NoError(t, store.Put(context.Background(), tenantID, path, []byte("ak-1")))

	for i := 0; i < 3; i++ {
		_, err := store.Get(context.Background(), tenantID, path)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, backend.gets, "repeated reads should hit the cache")
}

func TestStorePutInvalidatesCache(t *testing.T) {
	backend := newFakeBackend()
	store, err := NewStore(backend, testKey(), infra.NewMemoryCache())
	require.NoError(t, err)

	tenantID := uuid.New()
	path := ChatProviderPath("openai")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, tenantID, path, []byte("old")))
	got, err := store.Get(ctx, tenantID, path)
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), got)

	require.NoError(t, store.Put(ctx, tenantID, path, []byte("new")))
	got, err = store.Get(ctx, tenantID, path)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestStoreTenantIsolation(t *testing.T) {
	backend := newFakeBackend()
	store, err := NewStore(backend, testKey(), infra.NewMemoryCache())
	require.NoError(t, err)

	tenantA := uuid.New()
	tenantB := uuid.New()
	path := ChatProviderPath("openai")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, tenantA, path, []byte("a-secret")))

	// Replay tenant A's ciphertext row under tenant B: decryption must fail
	// because the tenant ID is bound as additional data.
	backend.rows[backend.key(tenantB, path)] = backend.rows[backend.key(tenantA, path)]
	_, err = store.Get(ctx, tenantB, path)
	assert.Error(t, err)
}

func TestStoreDelete(t *testing.T) {
	store, err := NewStore(newFakeBackend(), testKey(), infra.NewMemoryCache())
	require.NoError(t, err)

	tenantID := uuid.New()
	path := EmbeddingProviderPath("openai")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, tenantID, path, []byte("v")))
	require.NoError(t, store.Delete(ctx, tenantID, path))

	_, err = store.Get(ctx, tenantID, path)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op
	assert.NoError(t, store.Delete(ctx, tenantID, path))
}

func TestNewStoreRejectsBadKey(t *testing.T) {
	_, err := NewStore(newFakeBackend(), "not-hex", infra.NewMemoryCache())
	assert.Error(t, err)

	_, err = NewStore(newFakeBackend(), hex.EncodeToString(make([]byte, 16)), infra.NewMemoryCache())
	assert.Error(t, err)
}
