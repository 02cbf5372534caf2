// Refinery — an autonomous pipeline that crawls automotive diagnostic
// documents, distills them into a structured DTC knowledge base, and
// supervises its own quality. One binary runs any combination of roles.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/dtcforge/refinery/pkg/auditor"
	"github.com/dtcforge/refinery/pkg/cleanup"
	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/database"
	"github.com/dtcforge/refinery/pkg/healer"
	"github.com/dtcforge/refinery/pkg/llm"
	"github.com/dtcforge/refinery/pkg/monitor"
	"github.com/dtcforge/refinery/pkg/orchestrator"
	"github.com/dtcforge/refinery/pkg/pipeline"
	"github.com/dtcforge/refinery/pkg/queue"
	"github.com/dtcforge/refinery/pkg/researcher"
	"github.com/dtcforge/refinery/pkg/services"
	"github.com/dtcforge/refinery/pkg/storage"
	"github.com/dtcforge/refinery/pkg/verifier"
	"github.com/dtcforge/refinery/pkg/version"
)

const (
	dependencyRetries = 30
	dependencyDelay   = 2 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// worker is anything main can start and stop.
type worker interface {
	Start()
	Stop(ctx context.Context) error
}

// resolveWorkerID determines this process's identity for task claims.
// Priority: WORKER_ID env > HOSTNAME env > "local".
func resolveWorkerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	envPath := flag.String("env", "", "path to a .env file (default: ./.env when present)")
	roleList := flag.String("roles", "all", "comma-separated roles to run")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	if *envPath != "" {
		if err := godotenv.Load(*envPath); err != nil {
			slog.Error("Failed to load env file", "path", *envPath, "error", err)
			os.Exit(1)
		}
	}

	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	roles, err := parseRoles(*roleList)
	if err != nil {
		logger.Error("Invalid roles", "error", err)
		os.Exit(1)
	}
	workerID := resolveWorkerID()
	logger.Info("Starting refinery",
		"version", version.Full(),
		"worker_id", workerID,
		"roles", strings.Join(roles, ","))

	ctx := context.Background()

	// 2. Wait for dependencies, then connect
	if err := database.WaitReady(ctx, cfg.Database, dependencyRetries, dependencyDelay); err != nil {
		logger.Error("Database never became ready", "error", err)
		os.Exit(1)
	}
	pool, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	q, err := waitForRedis(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Error("Redis never became ready", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := q.Close(); err != nil {
			logger.Error("Error closing queue client", "error", err)
		}
	}()
	logger.Info("Connected to database and queue")

	// 3. Migrations and object storage
	if err := database.RunMigrations(cfg.Database.URL); err != nil {
		logger.Error("Migrations failed", "error", err)
		os.Exit(1)
	}
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		logger.Error("Failed to connect to object storage", "error", err)
		os.Exit(1)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		logger.Error("Failed to ensure bucket", "error", err)
		os.Exit(1)
	}

	// 4. Build the requested workers
	pipelineWorkers, controlWorkers, err := buildWorkers(ctx, cfg, pool, q, store, roles, workerID, logger)
	if err != nil {
		logger.Error("Failed to build workers", "error", err)
		os.Exit(1)
	}
	if len(pipelineWorkers)+len(controlWorkers) == 0 {
		logger.Error("No workers selected", "roles", *roleList)
		os.Exit(1)
	}

	// 5. Start everything
	for _, w := range pipelineWorkers {
		w.Start()
	}
	for _, w := range controlWorkers {
		w.Start()
	}
	logger.Info("Refinery started",
		"pipeline_workers", len(pipelineWorkers),
		"control_workers", len(controlWorkers))

	// 6. Wait for a shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("Shutdown signal received", "signal", sig.String())

	// 7. Staged shutdown: stop feeding the pipeline first, control
	// plane second, so in-flight documents finish their stage.
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	stopAll(shutdownCtx, pipelineWorkers, logger)
	stopAll(shutdownCtx, controlWorkers, logger)
	logger.Info("Shutdown complete")
}

func stopAll(ctx context.Context, workers []worker, logger *slog.Logger) {
	for _, w := range workers {
		if err := w.Stop(ctx); err != nil {
			logger.Warn("Worker did not stop cleanly", "error", err)
		}
	}
}

// waitForRedis pings until the queue answers or the retry budget runs
// out.
func waitForRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*queue.Client, error) {
	var lastErr error
	for attempt := 1; attempt <= dependencyRetries; attempt++ {
		q, err := queue.New(ctx, cfg)
		if err == nil {
			return q, nil
		}
		lastErr = err
		logger.Info("Waiting for redis", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dependencyDelay):
		}
	}
	return nil, lastErr
}

// stageRoles maps the single-stage role names to their pipeline stage.
var stageRoles = map[string]config.Stage{
	"crawl":    config.StageCrawling,
	"chunk":    config.StageChunking,
	"embed":    config.StageEmbedding,
	"evaluate": config.StageEvaluating,
	"extract":  config.StageExtracting,
	"resolve":  config.StageResolving,
}

var controlRoles = map[string]bool{
	"orchestrator": true,
	"auditor":      true,
	"researcher":   true,
	"monitor":      true,
	"healer":       true,
	"verifier":     true,
}

// parseRoles validates and expands the -roles flag. "pipeline" expands
// to the six stages plus the sweeper; "all" to everything.
func parseRoles(raw string) ([]string, error) {
	set := map[string]bool{}
	for _, role := range strings.Split(raw, ",") {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		switch {
		case role == "all":
			for r := range stageRoles {
				set[r] = true
			}
			set["sweeper"] = true
			for r := range controlRoles {
				set[r] = true
			}
		case role == "pipeline":
			for r := range stageRoles {
				set[r] = true
			}
			set["sweeper"] = true
		case role == "sweeper" || controlRoles[role]:
			set[role] = true
		default:
			if _, ok := stageRoles[role]; !ok {
				return nil, fmt.Errorf("unknown role %q", role)
			}
			set[role] = true
		}
	}
	roles := make([]string, 0, len(set))
	for r := range set {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles, nil
}

// buildWorkers constructs the workers for the selected roles, split
// into the pipeline group (stopped first) and the control group.
func buildWorkers(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, q *queue.Client, store *storage.Store, roles []string, workerID string, logger *slog.Logger) (pipelineWorkers, controlWorkers []worker, err error) {
	selected := map[string]bool{}
	for _, r := range roles {
		selected[r] = true
	}

	docs := services.NewDocumentService(pool)
	pipe := services.NewPipelineService(pool)
	refined := services.NewRefinedService(pool)
	crawls := services.NewCrawlService(pool)
	ollama := llm.NewOllamaClient(cfg.LLM)
	searx := researcher.NewSearxClient(cfg.Search)

	addStage := func(role string, handler pipeline.Handler) {
		if selected[role] {
			pipelineWorkers = append(pipelineWorkers,
				pipeline.NewWorker(handler, q, logger, cfg.Pipeline.PollTimeout))
		}
	}
	addStage("crawl", pipeline.NewCrawlHandler(cfg.Pipeline, q, docs, pipe, crawls, store, cfg.Storage.Bucket, logger))
	addStage("chunk", pipeline.NewChunkHandler(cfg.Pipeline, q, docs, pipe, store, logger))
	addStage("embed", pipeline.NewEmbedHandler(cfg.Pipeline, q, docs, pipe, ollama, logger))
	addStage("evaluate", pipeline.NewEvaluateHandler(cfg.Pipeline, q, docs, pipe, refined, ollama, searx, logger))
	addStage("extract", pipeline.NewExtractHandler(cfg.Pipeline, q, docs, pipe, refined, ollama, logger))
	addStage("resolve", pipeline.NewResolveHandler(cfg.Pipeline, q, pool, docs, pipe, refined, logger))
	if selected["sweeper"] {
		pipelineWorkers = append(pipelineWorkers, pipeline.NewSweeper(cfg.Pipeline, q, pipe, logger))
		controlWorkers = append(controlWorkers, cleanup.NewService(cfg.Retention, pool, logger))
	}

	tasks := services.NewTaskService(pool)
	reports := services.NewReportService(pool)

	if selected["orchestrator"] {
		observer := orchestrator.NewObserver(cfg.Orchestrator, q, docs, tasks, reports)
		controlWorkers = append(controlWorkers,
			orchestrator.NewWorker(cfg.Orchestrator, q, observer, tasks, workerID, logger))
	}
	if selected["auditor"] {
		controlWorkers = append(controlWorkers,
			auditor.NewWorker(cfg.Auditor, pool, q, docs, reports, logger))
	}
	if selected["researcher"] {
		research := services.NewResearchService(pool)
		controlWorkers = append(controlWorkers,
			researcher.NewWorker(cfg.Researcher, q, searx, ollama, crawls, research, refined, logger))
	}
	if selected["monitor"] {
		probes := map[string]string{
			"backend":  strings.TrimRight(cfg.Monitor.BackendURL, "/") + "/health",
			"llm":      cfg.LLM.ReasonURL,
			"embedder": cfg.LLM.EmbedURL,
		}
		controlWorkers = append(controlWorkers,
			monitor.NewWorker(cfg.Monitor, pool, q, docs, probes, logger))
	}
	if selected["healer"] {
		controlWorkers = append(controlWorkers,
			healer.NewWorker(cfg.Healer, pool, q, ollama, nil, logger))
	}
	if selected["verifier"] {
		if len(cfg.Verifier.APIKeys) == 0 {
			logger.Warn("Verifier selected but no API keys configured, skipping")
		} else {
			keys, err := llm.NewKeyManager(ctx, q.Redis(), cfg.Verifier.APIKeys, cfg.Verifier.BudgetFraction)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to initialize key manager: %w", err)
			}
			controlWorkers = append(controlWorkers,
				verifier.NewWorker(cfg.Verifier, pool, keys, logger))
		}
	}
	return pipelineWorkers, controlWorkers, nil
}
