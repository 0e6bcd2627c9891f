package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"courseportal.dev/consult/internal/api"
	"courseportal.dev/consult/internal/config"
	"courseportal.dev/consult/internal/core"
	"courseportal.dev/consult/internal/logging"
	"courseportal.dev/consult/internal/retrieval"
	"courseportal.dev/consult/internal/store"
)

// backend is what the server needs from a storage driver.
type backend interface {
	store.SessionStore
	store.KnowledgeWriter
}

func main() {
	ingestFile := flag.String("ingest", "", "Ingest a markdown file into the knowledge base and exit")
	poolKind := flag.String("pool", "course", "Knowledge pool for -ingest: course or project")
	groupID := flag.String("group", "", "Project group id for -pool project")
	flag.Parse()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.IsDevelopment())
	if cfg.EnvFileMissing {
		logger.Info().Msg("no .env file found, relying on environment variables")
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	if cfg.TraceStdout {
		shutdown, err := setupTracing()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to set up tracing")
		}
		defer shutdown(context.Background())
	}

	db, searcher, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.DatabaseBackend).Msg("failed to initialize database")
	}
	defer db.Close()

	embedder, err := newEmbedder(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize embedder")
	}
	defer embedder.Close()

	if *ingestFile != "" {
		pool := store.CoursePool()
		if *poolKind == string(store.PoolProject) {
			if *groupID == "" {
				logger.Fatal().Msg("-group is required for the project pool")
			}
			pool = store.ProjectPool(*groupID)
		}

		logger.Info().Str("file", *ingestFile).Str("pool", pool.String()).Msg("starting knowledge ingestion")
		ingester := retrieval.NewIngester(embedder, db, retrieval.DefaultIngestPace, logger)
		n, err := ingester.IngestFile(ctx, *ingestFile, pool)
		if err != nil {
			logger.Fatal().Err(err).Msg("knowledge ingestion failed")
		}
		logger.Info().Int("chunks", n).Msg("knowledge ingestion complete")
		return
	}

	prompts, err := config.LoadPrompts(cfg.PromptsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load prompts")
	}

	helper := retrieval.NewHelper(embedder, searcher, cfg.RAGResultLimit, cfg.RAGThreshold, logger)

	var web core.WebSearch
	if cfg.WebSearchURL != "" {
		web = retrieval.NewWebSearcher(cfg.WebSearchURL, cfg.WebSearchAPIKey, cfg.RAGResultLimit)
	}

	limits := core.Limits{
		MaxMessages:     cfg.MaxMessages,
		MaxContentBytes: cfg.MaxContentBytes,
	}
	validator := core.NewRequestValidator(limits)
	gateway := core.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.ChatModel, logger)

	proxy, err := core.NewChatProxy(db, helper, web, gateway, validator, prompts, core.ProxyOptions{
		Ceiling:          cfg.SessionMessageCeiling,
		HeuristicEnabled: cfg.RAGHeuristic,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize chat proxy")
	}

	titles := core.NewGatewayTitleGenerator(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.TitleModel)
	chatService := core.NewChatService(db, titles, validator, cfg.SessionMessageCeiling, logger)

	limiter, closeLimiter := newLimiter(ctx, cfg, logger)
	defer closeLimiter()

	apiHandler := api.NewAPIHandler(proxy, chatService, db, api.HandlerOptions{
		JWTSecret:     cfg.JWTSecret,
		StreamTimeout: cfg.StreamTimeout,
		EmbedderReady: helper.Ready,
	}, logger)
	router := api.NewRouter(apiHandler, api.RouterOptions{
		Limiter:        limiter,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxBodyBytes:   api.BodyLimit(limits),
	}, logger)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.StreamTimeout + 15*time.Second, // streams run up to StreamTimeout
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", serverAddr).Str("backend", cfg.DatabaseBackend).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Str("addr", serverAddr).Msg("could not listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	chatService.Wait()
	logger.Info().Msg("server exited gracefully")
}

// openStore returns the session store and the vector searcher for the
// configured backend. SQLite searches an in-memory index, Postgres uses pgvector.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (backend, retrieval.Searcher, error) {
	switch cfg.DatabaseBackend {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg, nil
	default:
		lite, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		index, err := retrieval.NewMemoryIndex(ctx, lite, logger)
		if err != nil {
			lite.Close()
			return nil, nil, err
		}
		return lite, index, nil
	}
}

func newEmbedder(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (retrieval.Embedder, error) {
	if cfg.EmbeddingProvider == "openai" {
		return retrieval.NewOpenAIEmbedder(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.EmbeddingModel), nil
	}
	return retrieval.NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel, logger)
}

// newLimiter prefers the shared Redis window and falls back to a per-process
// limiter when Redis is not configured or unreachable.
func newLimiter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (api.Limiter, func()) {
	local := api.NewLocalLimiter(cfg.RateLimitPerMinute, time.Minute)
	if cfg.RedisURL == "" {
		return local, func() {}
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("invalid REDIS_URL, using local rate limiter")
		return local, func() {}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable, using local rate limiter")
		client.Close()
		return local, func() {}
	}

	logger.Info().Msg("connected to redis")
	return api.NewRedisLimiter(client, cfg.RateLimitPerMinute, time.Minute), func() { client.Close() }
}

func setupTracing() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
