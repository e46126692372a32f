// Package config loads server configuration from YAML with environment
// variable expansion and optional per-tenant overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Providers ProvidersConfig `yaml:"providers"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	Env            string   `yaml:"env"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SecretsConfig struct {
	// MasterKey is the hex-encoded 32-byte key sealing tenant credentials.
	// Usually set as ${SECRETS_MASTER_KEY}.
	MasterKey string `yaml:"master_key"`
}

type IngestConfig struct {
	ChunkSize           int `yaml:"chunk_size"`
	ChunkOverlap        int `yaml:"chunk_overlap"`
	MaxConcurrentIngest int `yaml:"max_concurrent_ingest"`
}

type ProvidersConfig struct {
	ChatProvider        string `yaml:"chat_provider"`
	ChatModel           string `yaml:"chat_model"`
	EmbeddingProvider   string `yaml:"embedding_provider"`
	EmbeddingModel      string `yaml:"embedding_model"`
	EmbeddingDimensions int    `yaml:"embedding_dimensions"`
	OllamaBaseURL       string `yaml:"ollama_base_url"`
}

type RateLimitConfig struct {
	MaxCallsPerMinute int `yaml:"max_calls_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

// Default returns the configuration used when no file is supplied: a local
// single-node setup talking to Ollama.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			Env:            "development",
			AllowedOrigins: []string{"*"},
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{
			Addr: os.Getenv("REDIS_ADDR"),
		},
		Secrets: SecretsConfig{
			MasterKey: os.Getenv("SECRETS_MASTER_KEY"),
		},
		Ingest: IngestConfig{
			ChunkSize:           512,
			ChunkOverlap:        64,
			MaxConcurrentIngest: 4,
		},
		Providers: ProvidersConfig{
			ChatProvider:        "ollama",
			ChatModel:           "llama3.2",
			EmbeddingProvider:   "ollama",
			EmbeddingModel:      "nomic-embed-text",
			EmbeddingDimensions: 768,
			OllamaBaseURL:       "http://localhost:11434/v1",
		},
		RateLimit: RateLimitConfig{
			MaxCallsPerMinute: 600,
		},
	}
}

// Load reads a YAML config file, expanding ${VAR} references from the
// environment, and fills unset fields from Default.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.Expand(string(raw), os.Getenv)

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = d.Server.AllowedOrigins
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = d.Database.MaxOpenConns
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = d.Database.MaxIdleConns
	}
	if c.Ingest.ChunkSize == 0 {
		c.Ingest.ChunkSize = d.Ingest.ChunkSize
	}
	if c.Ingest.ChunkOverlap == 0 {
		c.Ingest.ChunkOverlap = d.Ingest.ChunkOverlap
	}
	if c.Ingest.MaxConcurrentIngest == 0 {
		c.Ingest.MaxConcurrentIngest = d.Ingest.MaxConcurrentIngest
	}
	if c.Providers.ChatProvider == "" {
		c.Providers = d.Providers
	}
	if c.Providers.OllamaBaseURL == "" {
		c.Providers.OllamaBaseURL = d.Providers.OllamaBaseURL
	}
	if c.RateLimit.MaxCallsPerMinute == 0 {
		c.RateLimit.MaxCallsPerMinute = d.RateLimit.MaxCallsPerMinute
	}
}
