package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantsConfig holds per-tenant overrides keyed by tenant id.
type TenantsConfig struct {
	Tenants map[string]TenantOverride `yaml:"tenants"`
}

// TenantOverride is the subset of configuration a tenant may override.
// Provider credentials never live here; those go through the secret store.
type TenantOverride struct {
	Ingest    IngestConfig    `yaml:"ingest"`
	Providers ProvidersConfig `yaml:"providers"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// Manager resolves the effective configuration for a tenant by layering
// overrides on top of the global config.
type Manager struct {
	mu      sync.RWMutex
	global  *Config
	tenants map[string]TenantOverride
}

// NewManager loads the global config and, when present, the tenants file.
func NewManager(globalPath, tenantsPath string) (*Manager, error) {
	global, err := Load(globalPath)
	if err != nil {
		return nil, err
	}

	m := &Manager{global: global, tenants: map[string]TenantOverride{}}
	if tenantsPath == "" {
		return m, nil
	}

	raw, err := os.ReadFile(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	var tc TenantsConfig
	if err := yaml.Unmarshal([]byte(os.Expand(string(raw), os.Getenv)), &tc); err != nil {
		return nil, err
	}
	if tc.Tenants != nil {
		m.tenants = tc.Tenants
	}
	return m, nil
}

// NewManagerFromConfig wraps an already loaded config without tenant
// overrides.
func NewManagerFromConfig(global *Config) *Manager {
	return &Manager{global: global, tenants: map[string]TenantOverride{}}
}

// Global returns the base configuration.
func (m *Manager) Global() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// Get returns the effective config for a tenant.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.global
	override, ok := m.tenants[tenantID]
	if !ok {
		return &effective
	}

	if override.Ingest.ChunkSize != 0 {
		effective.Ingest.ChunkSize = override.Ingest.ChunkSize
	}
	if override.Ingest.ChunkOverlap != 0 {
		effective.Ingest.ChunkOverlap = override.Ingest.ChunkOverlap
	}
	if override.Ingest.MaxConcurrentIngest != 0 {
		effective.Ingest.MaxConcurrentIngest = override.Ingest.MaxConcurrentIngest
	}
	if override.Providers.ChatProvider != "" {
		effective.Providers.ChatProvider = override.Providers.ChatProvider
	}
	if override.Providers.ChatModel != "" {
		effective.Providers.ChatModel = override.Providers.ChatModel
	}
	if override.Providers.EmbeddingProvider != "" {
		effective.Providers.EmbeddingProvider = override.Providers.EmbeddingProvider
	}
	if override.Providers.EmbeddingModel != "" {
		effective.Providers.EmbeddingModel = override.Providers.EmbeddingModel
	}
	if override.Providers.EmbeddingDimensions != 0 {
		effective.Providers.EmbeddingDimensions = override.Providers.EmbeddingDimensions
	}
	if override.Providers.OllamaBaseURL != "" {
		effective.Providers.OllamaBaseURL = override.Providers.OllamaBaseURL
	}
	if override.RateLimit.MaxCallsPerMinute != 0 {
		effective.RateLimit = override.RateLimit
	}
	return &effective
}

// SetOverride replaces a tenant's override at runtime.
func (m *Manager) SetOverride(tenantID string, override TenantOverride) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[tenantID] = override
}
