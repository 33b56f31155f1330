package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql

	"github.com/fernfax/foracle-v2-self-sub004/internal/agent"
	"github.com/fernfax/foracle-v2-self-sub004/internal/audit"
	"github.com/fernfax/foracle-v2-self-sub004/internal/chat"
	"github.com/fernfax/foracle-v2-self-sub004/internal/chunker"
	"github.com/fernfax/foracle-v2-self-sub004/internal/config"
	"github.com/fernfax/foracle-v2-self-sub004/internal/embeddings"
	"github.com/fernfax/foracle-v2-self-sub004/internal/finance"
	"github.com/fernfax/foracle-v2-self-sub004/internal/health"
	"github.com/fernfax/foracle-v2-self-sub004/internal/llm"
	"github.com/fernfax/foracle-v2-self-sub004/internal/ratelimit"
	"github.com/fernfax/foracle-v2-self-sub004/internal/retrieval"
	"github.com/fernfax/foracle-v2-self-sub004/internal/retry"
	"github.com/fernfax/foracle-v2-self-sub004/internal/threads"
	"github.com/fernfax/foracle-v2-self-sub004/internal/tools"
	"github.com/fernfax/foracle-v2-self-sub004/internal/usage"
	"github.com/fernfax/foracle-v2-self-sub004/internal/vectorstore"
)

// app holds the wired components shared by serve, ask and ingest.
type app struct {
	chat      *chat.Service
	retrieval *retrieval.Service
	audit     audit.Log
	limiter   *ratelimit.Limiter
	llm       llm.Client
	health    *health.Monitor

	closers []func() error
	logger  *slog.Logger
}

// openDB opens a SQLite database in WAL mode. Each store gets its own
// file so a slow writer in one never blocks another.
func openDB(dataDir, name string) (*sql.DB, error) {
	path := filepath.Join(dataDir, name)
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

func retryConfig(c config.RetryConfig) retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxRetries = c.MaxRetries
	rc.BaseDelay = c.BaseDelay
	rc.MaxDelay = c.MaxDelay
	return rc
}

// newApp opens every store and builds the provider clients, tool
// registry, agent loop and chat service from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	a = &app{logger: logger, health: health.NewMonitor(0, 0, logger)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	open := func(name string) (*sql.DB, error) {
		db, err := openDB(cfg.DataDir, name)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.health.Add(name, db.PingContext)
		return db, nil
	}

	// --- Stores ---

	financeDB, err := open("finance.db")
	if err != nil {
		return nil, err
	}
	financeStore, err := finance.NewStore(financeDB)
	if err != nil {
		return nil, fmt.Errorf("finance store: %w", err)
	}

	assistantDB, err := open("assistant.db")
	if err != nil {
		return nil, err
	}
	threadStore, err := threads.NewStore(assistantDB)
	if err != nil {
		return nil, fmt.Errorf("thread store: %w", err)
	}
	quotaStore, err := ratelimit.NewSQLiteQuotaStore(assistantDB)
	if err != nil {
		return nil, fmt.Errorf("quota store: %w", err)
	}
	auditLog, err := audit.NewSQLiteLog(assistantDB)
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}
	a.audit = auditLog
	usageStore, err := usage.NewStore(assistantDB)
	if err != nil {
		return nil, fmt.Errorf("usage store: %w", err)
	}

	var vectors vectorstore.Store
	switch cfg.VectorStore.Driver {
	case "postgres":
		vectors, err = vectorstore.NewPostgresStore(ctx, cfg.VectorStore.DSN, cfg.Embeddings.Dimensions, logger)
		if err != nil {
			return nil, fmt.Errorf("vector store: %w", err)
		}
	default:
		vectorDB, err := open("vectors.db")
		if err != nil {
			return nil, err
		}
		vectors, err = vectorstore.NewSQLiteStore(vectorDB, logger)
		if err != nil {
			return nil, fmt.Errorf("vector store: %w", err)
		}
	}
	a.closers = append(a.closers, vectors.Close)

	// --- Providers ---

	embedder, err := embeddings.New(embeddings.Config{
		Provider:          cfg.Embeddings.Provider,
		BaseURL:           cfg.Embeddings.BaseURL,
		APIKey:            cfg.Embeddings.APIKey,
		Model:             cfg.Embeddings.Model,
		Dimensions:        cfg.Embeddings.Dimensions,
		RequestsPerSecond: cfg.Embeddings.RequestsPerSecond,
		Burst:             cfg.Embeddings.Burst,
		Retry:             retryConfig(cfg.Embeddings.Retry),
	}, logger)
	if err != nil {
		return nil, err
	}

	a.llm = llm.NewRetryingClient(
		llm.NewResponsesClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, logger),
		retryConfig(cfg.LLM.Retry),
		logger,
	)
	a.health.Add("llm", a.llm.Ping)

	// --- Retrieval and tools ---

	a.retrieval = retrieval.NewService(vectors, embedder, chunker.Config{
		Size:    cfg.Chunking.Size,
		Overlap: cfg.Chunking.Overlap,
	}, logger)

	executor := tools.NewExecutor(financeStore, cfg.Location(), tools.WithKnowledgeBase(a.retrieval))
	registry, err := tools.NewDefaultRegistry(executor, auditLog, cfg.Tools.Timeout, logger)
	if err != nil {
		return nil, fmt.Errorf("tool registry: %w", err)
	}

	// --- Agent and chat ---

	loopOpts := []agent.Option{agent.WithUsageRecorder(usageStore)}
	if cfg.Retrieval.Enabled {
		provider := retrieval.NewContextProvider(a.retrieval,
			vectorstore.SearchOptions{Limit: cfg.Retrieval.Limit, MinSimilarity: cfg.Retrieval.MinSimilarity},
			retrieval.ContextOptions{MaxLength: cfg.Retrieval.MaxContextLength},
			logger,
		)
		loopOpts = append(loopOpts, agent.WithContextProvider(provider))
	}
	loop := agent.NewLoop(a.llm, registry, agent.Config{
		Model:         cfg.LLM.Model,
		MaxIterations: cfg.LLM.MaxIterations,
		Pricing:       cfg.Pricing,
	}, logger, loopOpts...)

	a.limiter = ratelimit.NewLimiter(ratelimit.Config{
		DailyLimit:  cfg.RateLimit.DailyLimit,
		BurstMax:    cfg.RateLimit.BurstMax,
		BurstWindow: cfg.RateLimit.BurstWindow,
		Location:    cfg.Location(),
	}, quotaStore, ratelimit.WithLogger(logger))

	a.chat = chat.NewService(threadStore, a.limiter, loop, cfg.LLM.RequestTimeout, logger,
		chat.WithDefaultStyle(cfg.LLM.Style),
	)

	logger.Info("assistant ready",
		"tools", len(registry.Declarations()),
		"max_iterations", cfg.LLM.MaxIterations,
		"daily_limit", cfg.RateLimit.DailyLimit,
		"retrieval", cfg.Retrieval.Enabled,
	)
	return a, nil
}

func (a *app) newJanitor(cfg *config.Config, logger *slog.Logger) (*ratelimit.Janitor, error) {
	return ratelimit.NewJanitor(a.limiter, cfg.RateLimit.JanitorSchedule, logger)
}

// Close releases stores in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("close failed", "error", err)
		return err
	}
	return nil
}
