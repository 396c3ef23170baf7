// Package app wires configuration into running components.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/evidraft/internal/breaker"
	"github.com/raphaelgruber/evidraft/internal/config"
	"github.com/raphaelgruber/evidraft/internal/db"
	"github.com/raphaelgruber/evidraft/internal/evidence"
	"github.com/raphaelgruber/evidraft/internal/generator"
	"github.com/raphaelgruber/evidraft/internal/llm"
	"github.com/raphaelgruber/evidraft/internal/metrics"
	"github.com/raphaelgruber/evidraft/internal/models"
	"github.com/raphaelgruber/evidraft/internal/quality"
	"github.com/raphaelgruber/evidraft/internal/queue"
	"github.com/raphaelgruber/evidraft/internal/ratelimit"
	"github.com/raphaelgruber/evidraft/internal/records"
	"github.com/raphaelgruber/evidraft/internal/server"
	"github.com/raphaelgruber/evidraft/internal/service"
	"github.com/raphaelgruber/evidraft/internal/worker"
)

// App holds the components shared by the API, workers and admin commands.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Store   *queue.Store
	Records *records.Store
	Breaker *breaker.Breaker
	Metrics *metrics.Collector
	Jobs    *service.JobService

	redis    *redis.Client
	surreal  *db.Client
	embedder *llm.Embedder
}

// New opens the job store and builds the job service. LLM and evidence
// components are created lazily by the commands that need them.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := queue.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	rec, err := records.NewStore(store.DB())
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Store:   store,
		Records: rec,
		Metrics: metrics.NewCollector(),
	}
	a.Breaker = breaker.New(breaker.Settings{
		Name:      "generation",
		Threshold: uint32(cfg.BreakerThreshold),
		Window:    cfg.BreakerWindow,
		Cooldown:  cfg.BreakerCooldown,
		OnStateChange: func(_, to breaker.State) {
			metrics.SetBreakerState(string(to))
		},
		Logger: logger,
	})

	opts := service.Options{
		Breaker:     a.Breaker,
		Collector:   a.Metrics,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger,
	}
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter := ratelimit.New(a.redis, cfg.RateLimitCapacity, cfg.RateLimitRefill)
		if err := limiter.Ping(ctx); err != nil {
			logger.Warn("rate limiter unreachable, submissions are not throttled until it recovers",
				"addr", cfg.RedisAddr, "error", err)
		}
		opts.Limiter = limiter
	}
	a.Jobs = service.NewJobService(store, rec, opts)
	return a, nil
}

// Close releases every open connection.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.surreal != nil {
		errs = append(errs, a.surreal.Close(ctx))
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.Store.Close())
	return errors.Join(errs...)
}

// Embedder returns the configured embedding client.
func (a *App) Embedder() (*llm.Embedder, error) {
	if a.embedder == nil {
		e, err := llm.NewEmbedder(a.Config, a.Metrics)
		if err != nil {
			return nil, fmt.Errorf("init embedder: %w", err)
		}
		a.embedder = e
	}
	return a.embedder, nil
}

// Surreal connects to the evidence database and ensures its schema.
func (a *App) Surreal(ctx context.Context) (*db.Client, error) {
	if a.surreal != nil {
		return a.surreal, nil
	}
	cfg := a.Config
	client, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("connect to evidence database: %w", err)
	}
	if err := client.InitSchema(ctx, cfg.EmbedDimension); err != nil {
		client.Close(ctx)
		return nil, err
	}
	a.surreal = client
	return client, nil
}

// EvidenceIndex builds the configured evidence index. The memory index is
// filled from the seed file, embedding chunks that carry no vector.
func (a *App) EvidenceIndex(ctx context.Context) (evidence.Index, error) {
	switch a.Config.EvidenceIndex {
	case config.IndexMemory:
		idx := evidence.NewMemoryIndex()
		if a.Config.EvidenceSeedFile == "" {
			a.Logger.Warn("memory evidence index has no seed file, every section will generate without evidence")
			return idx, nil
		}
		chunks, err := a.loadChunks(ctx, a.Config.EvidenceSeedFile)
		if err != nil {
			return nil, err
		}
		idx.Add(chunks...)
		a.Logger.Info("evidence index loaded", "backend", config.IndexMemory, "chunks", idx.Len())
		return idx, nil
	default:
		client, err := a.Surreal(ctx)
		if err != nil {
			return nil, err
		}
		return evidence.NewSurrealIndex(client, a.Config.OverFetch), nil
	}
}

func (a *App) loadChunks(ctx context.Context, path string) ([]models.EvidenceChunk, error) {
	chunks, err := evidence.LoadChunkFile(path)
	if err != nil {
		return nil, err
	}
	embedder, err := a.Embedder()
	if err != nil {
		return nil, err
	}
	if err := evidence.EmbedMissing(ctx, embedder, chunks); err != nil {
		return nil, err
	}
	return chunks, nil
}

// LoadChunks writes the chunks of a seed file into the SurrealDB index.
func (a *App) LoadChunks(ctx context.Context, path string) (int, error) {
	if a.Config.EvidenceIndex != config.IndexSurreal {
		return 0, fmt.Errorf("chunks load needs the %s index; the %s index reads EVIDRAFT_EVIDENCE_SEED_FILE at startup",
			config.IndexSurreal, a.Config.EvidenceIndex)
	}
	chunks, err := a.loadChunks(ctx, path)
	if err != nil {
		return 0, err
	}
	client, err := a.Surreal(ctx)
	if err != nil {
		return 0, err
	}
	for _, c := range chunks {
		if err := client.QueryUpsertChunk(ctx, c); err != nil {
			return 0, err
		}
	}
	return len(chunks), nil
}

// Workers builds cfg.WorkerConcurrency workers sharing one pipeline and
// one circuit breaker.
func (a *App) Workers(ctx context.Context) ([]*worker.Worker, error) {
	cfg := a.Config

	strategies, err := evidence.LoadStrategies(cfg.StrategiesFile, cfg.DefaultMaxChunks)
	if err != nil {
		return nil, err
	}
	index, err := a.EvidenceIndex(ctx)
	if err != nil {
		return nil, err
	}
	embedder, err := a.Embedder()
	if err != nil {
		return nil, err
	}
	model, err := llm.NewModel(ctx, cfg, a.Metrics)
	if err != nil {
		return nil, fmt.Errorf("init model: %w", err)
	}

	weights := evidence.DefaultWeights()
	weights.Similarity = cfg.RankWeights.Similarity
	weights.Quality = cfg.RankWeights.Quality
	weights.Relevance = cfg.RankWeights.Relevance
	weights.Recency = cfg.RankWeights.Recency
	weights.HalfLife = cfg.RecencyHalfLife

	collector := evidence.NewCollector(index, embedder, strategies, evidence.CollectorConfig{
		Weights:     weights,
		Parallelism: cfg.MaxParallelRetrievals,
	}, a.Metrics, a.Logger)
	gen := generator.New(model, a.Breaker, generator.Config{
		Timeout:                 cfg.GenerationTimeout,
		MaxEvidenceChars:        cfg.MaxEvidenceChars,
		MaxContextChars:         cfg.MaxContextChars,
		PhraseCopyLimit:         cfg.PhraseCopyLimit,
		NoEvidenceConfidenceCap: cfg.NoEvidenceConfidenceCap,
	}, a.Logger)
	pipeline := worker.NewPipeline(a.Records, collector, gen,
		quality.New(cfg.CopyNGramSize, cfg.CopyRiskCeiling), model.Model(), a.Logger)

	host, _ := os.Hostname()
	workers := make([]*worker.Worker, 0, cfg.WorkerConcurrency)
	for range cfg.WorkerConcurrency {
		workers = append(workers, worker.New(a.Store, pipeline.Processors(), a.Breaker, worker.Config{
			Owner:             fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
			PollInterval:      cfg.PollInterval,
			ClaimTimeout:      cfg.ClaimTimeout,
			BackoffInitial:    cfg.BackoffInitial,
			BackoffMax:        cfg.BackoffMax,
			BackoffMultiplier: cfg.BackoffMultiplier,
			BackoffJitter:     cfg.BackoffJitter,
		}, a.Metrics, a.Logger))
	}
	return workers, nil
}

// RunOptions selects what Run starts.
type RunOptions struct {
	API     bool
	Workers bool
	Sweeper bool
}

// Run starts the selected components and blocks until ctx is done or one
// of them fails.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	var workers []*worker.Worker
	if opts.Workers {
		var err error
		if workers, err = a.Workers(ctx); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if opts.API {
		srv := server.New(a.Jobs, server.Config{
			LongPollMax: a.Config.LongPollMax,
			PollEvery:   500 * time.Millisecond,
		}, a.Logger)
		g.Go(func() error { return srv.Run(ctx, a.Config.ListenAddr) })
	}
	if opts.Sweeper {
		sweeper := worker.NewSweeper(a.Store, a.Config.SweepInterval, a.Logger)
		g.Go(func() error { return sweeper.Run(ctx) })
	}
	for _, w := range workers {
		g.Go(func() error { return w.Run(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
