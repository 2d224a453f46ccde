// Package app wires the configured backends into a ready Service. The HTTP
// server and the CLI share it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mikeboe/product-recommender/pkg/agent"
	"github.com/mikeboe/product-recommender/pkg/checkpoint"
	"github.com/mikeboe/product-recommender/pkg/clients"
	"github.com/mikeboe/product-recommender/pkg/config"
	"github.com/mikeboe/product-recommender/pkg/database"
	"github.com/mikeboe/product-recommender/pkg/embeddings"
	"github.com/mikeboe/product-recommender/pkg/memory"
	"github.com/mikeboe/product-recommender/pkg/server"
	"github.com/mikeboe/product-recommender/pkg/splitter"
	"github.com/mikeboe/product-recommender/pkg/vectorstore"
	"google.golang.org/genai"
)

// App owns the service and the connections behind it.
type App struct {
	Service *server.Service
	DB      *database.PostgresDB

	closers []func()
}

// New connects every backend named by cfg. A database is optional unless
// the postgres checkpoint backend is selected; without one, run history and
// findings memory are disabled.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	agentCfg, err := cfg.AgentConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid agent configuration: %w", err)
	}
	if err := checkpoint.ValidateBackend(cfg.CheckpointBackend); err != nil {
		return nil, err
	}

	llm, err := clients.GoogleAi(ctx, cfg.GoogleApiKey, cfg.AnalysisModel)
	if err != nil {
		return nil, err
	}
	genaiClient, err := clients.GenAI(ctx, cfg.GoogleApiKey)
	if err != nil {
		return nil, err
	}

	a := &App{}
	if cfg.DatabaseURL != "" {
		db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.DB = db
		a.closers = append(a.closers, db.Close)

		if err := db.InitSchema(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	checkpoints, err := a.checkpointStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	stages := agent.NewStages(llm, agent.NewGeminiSearcher(genaiClient), nil)
	var findings *memory.Findings
	if a.DB != nil {
		findings, err = a.findingsMemory(ctx, cfg, genaiClient)
		if err != nil {
			a.Close()
			return nil, err
		}
		stages.Memory = findings
	}

	var runs server.RunStore
	if a.DB != nil {
		runs = a.DB
	}
	a.Service = server.NewService(agent.NewGraph(stages), checkpoints, runs, agentCfg, logger)
	if findings != nil {
		a.Service.Findings = findings
	}

	logger.Info("Service ready",
		"checkpoints", cfg.CheckpointBackend,
		"run_history", runs != nil,
		"findings_memory", findings != nil,
		"mode", agentCfg.Mode,
		"max_search_queries", agentCfg.MaxSearchQueries,
		"max_search_loops", agentCfg.MaxSearchLoops,
	)
	return a, nil
}

func (a *App) checkpointStore(ctx context.Context, cfg *config.Config) (checkpoint.Store, error) {
	switch cfg.CheckpointBackend {
	case checkpoint.BackendPostgres:
		if a.DB == nil {
			return nil, fmt.Errorf("checkpoint backend %q requires DATABASE_URL", cfg.CheckpointBackend)
		}
		return checkpoint.NewPostgresStore(a.DB.Pool), nil
	case checkpoint.BackendRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("checkpoint backend %q requires REDIS_URL", cfg.CheckpointBackend)
		}
		store, err := checkpoint.NewRedisStore(ctx, cfg.RedisURL, cfg.CheckpointTTL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		return store, nil
	default:
		return checkpoint.NewMemoryStore(), nil
	}
}

func (a *App) findingsMemory(ctx context.Context, cfg *config.Config, client *genai.Client) (*memory.Findings, error) {
	store, err := vectorstore.NewPGVectorStore(a.DB.Pool, cfg.FindingsCollection)
	if err != nil {
		return nil, err
	}
	if err := a.DB.InitFindingsSchema(ctx, cfg.FindingsCollection, embeddings.DefaultDimension); err != nil {
		return nil, fmt.Errorf("failed to initialize findings table: %w", err)
	}
	embedder := embeddings.NewGoogleEmbedder(client, cfg.EmbeddingModel, embeddings.DefaultDimension)
	textSplitter := splitter.NewRecursiveCharacterTextSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	return memory.NewFindings(store, embedder, textSplitter), nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
