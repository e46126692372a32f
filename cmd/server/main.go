package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/langorch/backend/internal/api"
	"github.com/langorch/backend/internal/config"
	"github.com/langorch/backend/internal/database"
	"github.com/langorch/backend/internal/documents"
	"github.com/langorch/backend/internal/events"
	"github.com/langorch/backend/internal/handlers"
	"github.com/langorch/backend/internal/hitl"
	"github.com/langorch/backend/internal/infra"
	"github.com/langorch/backend/internal/middleware"
	"github.com/langorch/backend/internal/multitenancy"
	"github.com/langorch/backend/internal/operations"
	"github.com/langorch/backend/internal/providers"
	"github.com/langorch/backend/internal/secrets"
	"github.com/langorch/backend/internal/sessions"
	"github.com/langorch/backend/internal/vectorindex"
	"github.com/langorch/backend/internal/workflow"
)

func main() {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Server.Env)

	if err := run(cfg); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return config.Load(path)
	}
	return config.Default(), nil
}

func setupLogging(env string) {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	store, err := database.Open(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	index, err := vectorindex.New(ctx, store.DB())
	if err != nil {
		return err
	}

	// Cache: Redis when configured, in-process otherwise.
	var cache infra.Cache = infra.NewMemoryCache()
	if cfg.Redis.Addr != "" {
		rc, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Warn("redis unavailable, using in-memory cache", "addr", cfg.Redis.Addr, "error", err)
		} else {
			cache = rc
			defer rc.Close()
		}
	}

	secretStore, err := secrets.NewStore(store, cfg.Secrets.MasterKey, cache)
	if err != nil {
		return err
	}

	registry := providers.NewRegistry(store, secretStore, providers.Defaults{
		Chat: database.ProviderSelection{
			Provider: cfg.Providers.ChatProvider,
			Model:    cfg.Providers.ChatModel,
			BaseURL:  cfg.Providers.OllamaBaseURL,
		},
		Embedding: database.ProviderSelection{
			Provider:   cfg.Providers.EmbeddingProvider,
			Model:      cfg.Providers.EmbeddingModel,
			Dimensions: cfg.Providers.EmbeddingDimensions,
			BaseURL:    cfg.Providers.OllamaBaseURL,
		},
	})

	// Core services
	pipeline := documents.NewPipeline(store, index, registry, documents.NewParserRegistry(), documents.PipelineConfig{
		ChunkSize:           cfg.Ingest.ChunkSize,
		ChunkOverlap:        cfg.Ingest.ChunkOverlap,
		MaxConcurrentIngest: int64(cfg.Ingest.MaxConcurrentIngest),
	})
	engine := operations.NewEngine(store, registry, pipeline, 0)
	bus := events.NewBus()
	deps := workflow.NodeDeps{Chat: registry, Search: pipeline, Docs: store}
	executor := workflow.NewExecutor(store, deps, bus)
	sessionSvc := sessions.NewService(store, cache)
	hitlSvc := hitl.NewService(store, executor)

	// HTTP surface
	tenants := multitenancy.NewTenantManager(store)
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: cfg.RateLimit.MaxCallsPerMinute,
		BurstSize:         cfg.RateLimit.BurstSize,
	})
	srv := api.NewServer(cfg.Server, tenants, limiter, api.Handlers{
		Documents: handlers.NewDocumentsHandler(store, pipeline),
		LLM:       handlers.NewLLMHandler(engine),
		Workflows: handlers.NewWorkflowsHandler(store, executor, deps),
		Sessions:  handlers.NewSessionsHandler(sessionSvc),
		HITL:      handlers.NewHITLHandler(hitlSvc),
		Settings:  handlers.NewSettingsHandler(store, secretStore, registry, index),
		Health:    registry,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}

	// Let in-flight background work land before closing the database.
	pipeline.Wait()
	engine.Wait()
	return nil
}
