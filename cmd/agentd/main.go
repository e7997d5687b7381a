package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/cot-agent/internal/agent"
	"github.com/nidhogg/cot-agent/internal/api"
	"github.com/nidhogg/cot-agent/internal/cache"
	"github.com/nidhogg/cot-agent/internal/config"
	"github.com/nidhogg/cot-agent/internal/cot"
	"github.com/nidhogg/cot-agent/internal/embedding"
	"github.com/nidhogg/cot-agent/internal/mcp"
	"github.com/nidhogg/cot-agent/internal/plugin"
	"github.com/nidhogg/cot-agent/internal/provider"
	"github.com/nidhogg/cot-agent/internal/rag"
	pgstore "github.com/nidhogg/cot-agent/internal/store"
	"github.com/nidhogg/cot-agent/internal/trace"
	"github.com/nidhogg/cot-agent/internal/vectorstore"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/agent.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting cot agent...", zap.String("config", cfgPath))

	ctx := context.Background()

	shutdownTracing, err := trace.Init(ctx, trace.Config{
		Enabled:      cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	}, logger)
	if err != nil {
		logger.Warn("tracing unavailable", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	// Initialize provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		switch pc.Type {
		case "openai", "":
			router.Register(provider.NewOpenAIProvider(pc, logger), pc.Models...)
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}
	if cfg.Model.ProviderID != "" {
		router.SetDefault(cfg.Model.ProviderID)
	}

	opts := api.Options{Checks: map[string]api.Pinger{}}
	builderCfg := agent.Config{
		Models: func(name string) cot.Model {
			return provider.NewStreamModel(router, name).WithSampling(cfg.Model.Temperature, cfg.Model.MaxTokens)
		},
		DefaultModel: cfg.Model.Name,
		MaxLoop:      cfg.Model.MaxLoop,
		Budget:       cfg.Prompt,
		TopK:         cfg.Knowledge.TopK,
		Logger:       logger,
	}

	// Initialize PostgreSQL store
	var pg *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, cfg.Server.MigrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pg = ps
			opts.Sink = ps
			opts.History = ps
			opts.Checks["postgres"] = ps
			builderCfg.History = ps
		}
	}

	// Schema cache for link tools
	var schemaCache plugin.SchemaCache
	var rdb *cache.Redis
	if cfg.Database.Redis.URL != "" {
		r, rErr := cache.NewRedis(ctx, cfg.Database.Redis.URL, logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, running without schema cache", zap.Error(rErr))
		} else {
			rdb = r
			schemaCache = r
			opts.Checks["redis"] = r
		}
	}

	if cfg.Link.VersionsURL != "" {
		builderCfg.Links = plugin.NewLinkFactory(plugin.LinkConfig{
			AppID:       cfg.Link.AppID,
			UID:         cfg.Link.UID,
			VersionsURL: cfg.Link.VersionsURL,
			RunURL:      cfg.Link.RunURL,
			Timeout:     cfg.Link.Timeout(),
		}, schemaCache, cfg.Link.CacheTTL(), logger)
	}
	if cfg.Workflow.Endpoint != "" {
		builderCfg.Workflows = plugin.NewWorkflowFactory(plugin.WorkflowConfig{
			Endpoint:  cfg.Workflow.Endpoint,
			SchemaURL: cfg.Workflow.SchemaURL,
			APIKey:    cfg.Workflow.APIKey,
			AppID:     cfg.Workflow.AppID,
		}, logger)
	}

	// Initialize MCP clients
	var mcpClients []*mcp.Client
	for _, sc := range cfg.MCP.Servers {
		c := mcp.NewClient(sc.Name, sc.URL, logger)
		if err := c.Connect(ctx); err != nil {
			logger.Warn("MCP server unavailable", zap.String("name", sc.Name), zap.Error(err))
			continue
		}
		mcpClients = append(mcpClients, c)
		builderCfg.MCP = append(builderCfg.MCP, c)
	}

	// Knowledge retrieval over Qdrant
	var qdrant *vectorstore.Client
	if cfg.Database.Qdrant.Host != "" {
		qc, qErr := vectorstore.NewClient(vectorstore.QdrantConfig{Host: cfg.Database.Qdrant.Host, Port: cfg.Database.Qdrant.Port})
		if qErr != nil {
			logger.Warn("Qdrant unavailable, running without knowledge", zap.Error(qErr))
		} else if embedder, eErr := embedding.New(cfg.Embedding, &http.Client{Timeout: 30 * time.Second}); eErr != nil {
			logger.Warn("embedding provider unavailable", zap.Error(eErr))
			qc.Close()
		} else {
			retriever := rag.NewRetriever(embedder, qc, cfg.Knowledge.Collection, logger)
			if iErr := retriever.Init(ctx); iErr != nil {
				logger.Warn("knowledge collection not ready", zap.Error(iErr))
			}
			qdrant = qc
			builderCfg.Retriever = retriever
			opts.Indexer = retriever
		}
	}

	builder, err := agent.NewBuilder(builderCfg)
	if err != nil {
		logger.Fatal("invalid agent config", zap.Error(err))
	}
	handler := api.NewHandler(builder, opts, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("cot agent listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down cot agent...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	for _, mc := range mcpClients {
		mc.Close()
	}
	if qdrant != nil {
		qdrant.Close()
	}
	if rdb != nil {
		rdb.Close()
	}
	if pg != nil {
		pg.Close()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewDevelopmentConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
