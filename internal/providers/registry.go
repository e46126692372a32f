package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/langorch/backend/internal/circuitbreaker"
	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/monitoring"
	"github.com/langorch/backend/internal/secrets"
)

// ============================================================================
// PROVIDER REGISTRY - Tenant-scoped provider resolution
// ============================================================================

const (
	instanceTTL   = 60 * time.Second
	retryAttempts = 3
	retryBase     = 250 * time.Millisecond
)

// DefaultOllamaBaseURL is used when a tenant selects ollama without a base
// URL override.
const DefaultOllamaBaseURL = "http://localhost:11434/v1"

// ConfigSource yields per-tenant provider selections. Satisfied by
// *database.Store.
type ConfigSource interface {
	GetTenantConfig(ctx context.Context, tenantID uuid.UUID) (*database.TenantConfig, error)
}

// SecretSource yields decrypted provider credentials. Satisfied by
// *secrets.Store.
type SecretSource interface {
	Get(ctx context.Context, tenantID uuid.UUID, path string) ([]byte, error)
}

// Defaults are the provider selections used when a tenant has not configured
// its own.
type Defaults struct {
	Chat      database.ProviderSelection
	Embedding database.ProviderSelection
}

// Registry resolves the chat and embedding providers for a tenant, caching
// constructed instances briefly so credential and config reads stay off the
// hot path. All completion and embedding traffic funnels through here, which
// is where retries and circuit breaking are applied.
type Registry struct {
	configs  ConfigSource
	secrets  SecretSource
	defaults Defaults
	breakers *circuitbreaker.Manager

	mu    sync.RWMutex
	cache map[string]registryEntry
}

type registryEntry struct {
	chat     ChatProvider
	embedder EmbeddingProvider
	expires  time.Time
}

// NewRegistry creates a provider registry.
func NewRegistry(configs ConfigSource, secretSource SecretSource, defaults Defaults) *Registry {
	return &Registry{
		configs:  configs,
		secrets:  secretSource,
		defaults: defaults,
		breakers: circuitbreaker.NewManager(circuitbreaker.DefaultConfig("providers")),
		cache:    make(map[string]registryEntry),
	}
}

// ChatSelection returns the effective chat provider selection for a tenant.
func (r *Registry) ChatSelection(ctx context.Context, tenantID uuid.UUID) (database.ProviderSelection, error) {
	cfg, err := r.configs.GetTenantConfig(ctx, tenantID)
	if errors.Is(err, database.ErrNotFound) {
		return r.defaults.Chat, nil
	}
	if err != nil {
		return database.ProviderSelection{}, err
	}
	if cfg.Chat.Provider == "" {
		return r.defaults.Chat, nil
	}
	return cfg.Chat, nil
}

// EmbeddingSelection returns the effective embedding provider selection for
// a tenant.
func (r *Registry) EmbeddingSelection(ctx context.Context, tenantID uuid.UUID) (database.ProviderSelection, error) {
	cfg, err := r.configs.GetTenantConfig(ctx, tenantID)
	if errors.Is(err, database.ErrNotFound) {
		return r.defaults.Embedding, nil
	}
	if err != nil {
		return database.ProviderSelection{}, err
	}
	if cfg.Embedding.Provider == "" {
		return r.defaults.Embedding, nil
	}
	return cfg.Embedding, nil
}

// Chat returns the chat provider for a tenant, building it if needed.
func (r *Registry) Chat(ctx context.Context, tenantID uuid.UUID) (ChatProvider, error) {
	sel, err := r.ChatSelection(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	key := r.cacheKey(tenantID, "chat", sel)

	if entry, ok := r.lookup(key); ok && entry.chat != nil {
		return entry.chat, nil
	}

	provider, err := r.buildChat(ctx, tenantID, sel)
	if err != nil {
		return nil, err
	}
	r.store(key, registryEntry{chat: provider, expires: time.Now().Add(instanceTTL)})
	return provider, nil
}

// Embedder returns the embedding provider for a tenant, building it if
// needed.
func (r *Registry) Embedder(ctx context.Context, tenantID uuid.UUID) (EmbeddingProvider, error) {
	sel, err := r.EmbeddingSelection(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	key := r.cacheKey(tenantID, "embedding", sel)

	if entry, ok := r.lookup(key); ok && entry.embedder != nil {
		return entry.embedder, nil
	}

	embedder, err := r.buildEmbedder(ctx, tenantID, sel)
	if err != nil {
		return nil, err
	}
	r.store(key, registryEntry{embedder: embedder, expires: time.Now().Add(instanceTTL)})
	return embedder, nil
}

// Complete resolves the tenant's chat provider and issues the request with
// retries and circuit breaking.
func (r *Registry) Complete(ctx context.Context, tenantID uuid.UUID, req ChatRequest) (ChatResponse, error) {
	provider, err := r.Chat(ctx, tenantID)
	if err != nil {
		return ChatResponse{}, err
	}

	start := time.Now()
	var resp ChatResponse
	err = r.withRetry(ctx, "chat:"+provider.Name(), func(ctx context.Context) error {
		var callErr error
		resp, callErr = provider.Complete(ctx, req)
		return callErr
	})
	monitoring.ObserveProviderCall(provider.Name(), "chat", outcome(err), time.Since(start))
	return resp, err
}

// Stream resolves the tenant's chat provider and streams the completion
// through fn. The call runs under the circuit breaker but is never retried:
// replaying a partly delivered stream would hand the consumer duplicate
// deltas.
func (r *Registry) Stream(ctx context.Context, tenantID uuid.UUID, req ChatRequest, fn StreamFunc) (ChatResponse, error) {
	provider, err := r.Chat(ctx, tenantID)
	if err != nil {
		return ChatResponse{}, err
	}

	name := "chat:" + provider.Name()
	breaker := r.breakers.GetOrCreate(name, circuitbreaker.DefaultConfig(name))

	start := time.Now()
	var resp ChatResponse
	_, err = breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		var callErr error
		resp, callErr = provider.Stream(ctx, req, fn)
		return nil, callErr
	})
	monitoring.ObserveProviderCall(provider.Name(), "chat_stream", outcome(err), time.Since(start))
	return resp, err
}

// Embed resolves the tenant's embedding provider and embeds the texts with
// retries and circuit breaking.
func (r *Registry) Embed(ctx context.Context, tenantID uuid.UUID, texts []string) ([][]float32, error) {
	embedder, err := r.Embedder(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var vectors [][]float32
	err = r.withRetry(ctx, "embed:"+embedder.Name(), func(ctx context.Context) error {
		var callErr error
		vectors, callErr = embedder.Embed(ctx, texts)
		return callErr
	})
	monitoring.ObserveProviderCall(embedder.Name(), "embedding", outcome(err), time.Since(start))
	return vectors, err
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// BreakerHealth reports the circuit breaker states of every provider this
// registry has called, for the health endpoint.
func (r *Registry) BreakerHealth() (string, map[string]string) {
	return r.breakers.Health()
}

// Invalidate drops cached provider instances for a tenant. Called after the
// tenant changes its provider settings or credentials.
func (r *Registry) Invalidate(tenantID uuid.UUID) {
	prefix := tenantID.String() + ":"
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.cache {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(r.cache, key)
		}
	}
}

// ============================================================================
// INTERNALS
// ============================================================================

func (r *Registry) buildChat(ctx context.Context, tenantID uuid.UUID, sel database.ProviderSelection) (ChatProvider, error) {
	switch sel.Provider {
	case "openai":
		key, err := r.credential(ctx, tenantID, secrets.ChatProviderPath("openai"))
		if err != nil {
			return nil, err
		}
		return NewOpenAIChat(key, sel.Model)
	case "anthropic":
		key, err := r.credential(ctx, tenantID, secrets.ChatProviderPath("anthropic"))
		if err != nil {
			return nil, err
		}
		return NewAnthropicChat(key, sel.Model)
	case "ollama":
		baseURL := sel.BaseURL
		if baseURL == "" {
			baseURL = DefaultOllamaBaseURL
		}
		return NewOllamaChat(baseURL, sel.Model)
	default:
		return nil, fmt.Errorf("unknown chat provider %q", sel.Provider)
	}
}

func (r *Registry) buildEmbedder(ctx context.Context, tenantID uuid.UUID, sel database.ProviderSelection) (EmbeddingProvider, error) {
	switch sel.Provider {
	case "openai":
		key, err := r.credential(ctx, tenantID, secrets.EmbeddingProviderPath("openai"))
		if err != nil {
			return nil, err
		}
		return NewOpenAIEmbedder(key, sel.Model, sel.Dimensions)
	case "ollama":
		baseURL := sel.BaseURL
		if baseURL == "" {
			baseURL = DefaultOllamaBaseURL
		}
		return NewOllamaEmbedder(baseURL, sel.Model, sel.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", sel.Provider)
	}
}

func (r *Registry) credential(ctx context.Context, tenantID uuid.UUID, path string) (string, error) {
	value, err := r.secrets.Get(ctx, tenantID, path)
	if errors.Is(err, secrets.ErrNotFound) {
		return "", fmt.Errorf("%w: no credential at %s", ErrNotConfigured, path)
	}
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// withRetry runs fn through the named circuit breaker, retrying transient
// failures with jittered exponential backoff.
func (r *Registry) withRetry(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	breaker := r.breakers.GetOrCreate(name, circuitbreaker.DefaultConfig(name))

	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, lastErr)
			slog.Debug("retrying provider call",
				"breaker", name, "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		_, err := breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("provider call failed after %d attempts: %w", retryAttempts, lastErr)
}

// backoffDelay computes the wait before the given attempt (1-based). A
// provider-supplied Retry-After hint takes precedence over the computed
// backoff.
func backoffDelay(attempt int, lastErr error) time.Duration {
	var rl *RateLimitError
	if errors.As(lastErr, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	delay := retryBase << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}

func (r *Registry) cacheKey(tenantID uuid.UUID, kind string, sel database.ProviderSelection) string {
	return tenantID.String() + ":" + kind + ":" + sel.Provider + ":" + sel.Model +
		":" + sel.BaseURL + ":" + strconv.Itoa(sel.Dimensions)
}

func (r *Registry) lookup(key string) (registryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[key]
	if !ok || time.Now().After(entry.expires) {
		return registryEntry{}, false
	}
	return entry, true
}

func (r *Registry) store(key string, entry registryEntry) {
	r.mu.Lock()
	r.cache[key] = entry
	r.mu.Unlock()
}
