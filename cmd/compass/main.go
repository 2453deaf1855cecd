// Package main is the entry point for the compass pipeline: raw shopping
// ingestion, reconciliation into offers and pattern suggestion.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/marketcompass/compass/internal/config"
	"github.com/marketcompass/compass/internal/database"
	"github.com/marketcompass/compass/internal/kv"
	"github.com/marketcompass/compass/internal/logging"
	"github.com/marketcompass/compass/internal/repository"
	"github.com/marketcompass/compass/internal/service"
	"github.com/marketcompass/compass/internal/worker"
)

const usage = `Usage: compass <command> [flags]

Commands:
  migrate           apply database migrations and exit
  ingest            run one shopping search into the raw buffer
  reconcile         run one reconcile pass over the raw buffer
  suggest-patterns  run one pattern-suggestion pass
  worker            run the periodic background worker
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logger := logging.New()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := database.MigrateWithLogger(db, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	if os.Args[1] == "migrate" {
		logger.Info("migrations applied")
		return
	}

	ctx := context.Background()
	store := connectStore(ctx, cfg, logger)
	defer func() { _ = store.Close() }()

	repos := repository.NewRepositories(db)
	services, err := service.NewServices(cfg, repos, store, logger)
	if err != nil {
		logger.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "ingest":
		runIngest(ctx, services, logger, os.Args[2:])
	case "reconcile":
		runReconcile(ctx, cfg, services, logger, os.Args[2:])
	case "suggest-patterns":
		runSuggest(ctx, services, logger, os.Args[2:])
	case "worker":
		runWorker(cfg, services, logger)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

// connectStore returns the Redis-backed store, falling back to the
// in-process store when Redis is unreachable. The fallback loses
// cross-worker locking, so it is only suitable for single-process runs.
func connectStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) kv.Store {
	store, err := kv.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn("redis unavailable, using in-process cache", "error", err)
		return kv.NewMemory()
	}
	return store
}

func runIngest(ctx context.Context, services *service.Services, logger *slog.Logger, args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	query := fs.String("query", "", "shopping search query (required)")
	country := fs.String("country", "us", "two-letter market code (gl)")
	_ = fs.Parse(args)

	stats, err := services.Ingest.IngestRaw(ctx, *query, *country)
	if err != nil {
		logger.Error("ingest failed", "error", err)
		os.Exit(1)
	}
	printJSON(stats)
}

func runReconcile(ctx context.Context, cfg *config.Config, services *service.Services, logger *slog.Logger, args []string) {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	limit := fs.Int("limit", cfg.ReconcileLimit, "maximum raw rows to process")
	country := fs.String("country", "", "restrict to one market code")
	dryRun := fs.Bool("dry-run", false, "compute stats without writing")
	_ = fs.Parse(args)

	stats, debug, err := services.Reconcile.Reconcile(ctx, *limit, *country, *dryRun)
	if err != nil {
		logger.Error("reconcile failed", "error", err)
		os.Exit(1)
	}
	printJSON(map[string]any{"stats": stats, "debug": debug})
}

func runSuggest(ctx context.Context, services *service.Services, logger *slog.Logger, args []string) {
	fs := flag.NewFlagSet("suggest-patterns", flag.ExitOnError)
	sampleLimit := fs.Int("sample-limit", 500, "recent raw rows to sample")
	batches := fs.Int("batches", 2, "LLM batches")
	itemsPerBatch := fs.Int("items-per-batch", 40, "rows per LLM batch")
	forceRefresh := fs.Bool("force-refresh", false, "bypass the result cache")
	_ = fs.Parse(args)

	if services.Suggest == nil {
		logger.Error("pattern suggestion requires LLM_ENABLED=true")
		os.Exit(1)
	}
	result, err := services.Suggest.SuggestPatterns(ctx, *sampleLimit, *batches, *itemsPerBatch, *forceRefresh)
	if err != nil {
		logger.Error("pattern suggestion failed", "error", err)
		os.Exit(1)
	}
	printJSON(result)
}

func runWorker(cfg *config.Config, services *service.Services, logger *slog.Logger) {
	w := worker.New(services, cfg.ReconcileInterval, cfg.SuggestInterval, cfg.ReconcileLimit, logger)
	w.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	w.Stop()
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
