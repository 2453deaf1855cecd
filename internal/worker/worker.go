// Package worker runs the periodic background jobs: reconcile passes,
// pattern-suggestion runs and debug-capture cleanup.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/marketcompass/compass/internal/service"
)

// debugCleanupInterval is how often old debug captures are pruned.
const debugCleanupInterval = 24 * time.Hour

// Suggester defaults for scheduled runs; manual runs pick their own.
const (
	scheduledSampleLimit   = 500
	scheduledLLMBatches    = 2
	scheduledItemsPerBatch = 40
)

// Worker drives the periodic pipeline jobs until stopped.
type Worker struct {
	services          *service.Services
	reconcileInterval time.Duration
	suggestInterval   time.Duration
	reconcileLimit    int
	logger            *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a worker.
func New(services *service.Services, reconcileInterval, suggestInterval time.Duration, reconcileLimit int, logger *slog.Logger) *Worker {
	return &Worker{
		services:          services,
		reconcileInterval: reconcileInterval,
		suggestInterval:   suggestInterval,
		reconcileLimit:    reconcileLimit,
		logger:            logger,
		stop:              make(chan struct{}),
	}
}

// Start launches the background loops.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.reconcileLoop()

	if w.services.Suggest != nil {
		w.wg.Add(1)
		go w.suggestLoop()
	}
	if w.services.Storage.IsEnabled() {
		w.wg.Add(1)
		go w.cleanupLoop()
	}
	w.logger.Info("worker started",
		"reconcile_interval", w.reconcileInterval,
		"suggest_interval", w.suggestInterval,
		"reconcile_limit", w.reconcileLimit,
	)
}

// Stop signals all loops and waits for them to finish.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) reconcileLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			stats, _, err := w.services.Reconcile.Reconcile(context.Background(), w.reconcileLimit, "", false)
			if err != nil {
				w.logger.Error("scheduled reconcile failed", "error", err)
				continue
			}
			w.logger.Info("scheduled reconcile done",
				"scanned", stats.Scanned,
				"created_offers", stats.CreatedOffers,
				"errors", stats.Errors,
			)
		}
	}
}

func (w *Worker) suggestLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.suggestInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			result, err := w.services.Suggest.SuggestPatterns(context.Background(),
				scheduledSampleLimit, scheduledLLMBatches, scheduledItemsPerBatch, false)
			if err != nil {
				if errors.Is(err, service.ErrSuggestInProgress) {
					w.logger.Info("pattern suggestion skipped, another worker owns it")
					continue
				}
				w.logger.Error("scheduled pattern suggestion failed", "error", err)
				continue
			}
			w.logger.Info("scheduled pattern suggestion done",
				"run_id", result.RunID,
				"sample_size", result.SampleSize,
				"cached", result.Cached,
			)
		}
	}
}

func (w *Worker) cleanupLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(debugCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			deleted, err := w.services.Storage.CleanupDebugCaptures(context.Background())
			if err != nil {
				w.logger.Error("debug capture cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				w.logger.Info("debug captures pruned", "deleted", deleted)
			}
		}
	}
}
