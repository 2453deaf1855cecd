package service

import (
	"log/slog"

	"github.com/marketcompass/compass/internal/config"
	"github.com/marketcompass/compass/internal/fx"
	"github.com/marketcompass/compass/internal/kv"
	"github.com/marketcompass/compass/internal/llm"
	"github.com/marketcompass/compass/internal/provider"
	"github.com/marketcompass/compass/internal/repository"
)

// Services holds all service implementations.
type Services struct {
	Storage   *StorageService
	Fx        *fx.Service
	Provider  *provider.Client
	LLM       *llm.Client
	Matcher   *MatcherService
	Ingest    *IngestService
	Reconcile *ReconcileService
	Suggest   *SuggestService
}

// NewServices wires all services against one config, repository set and
// cache/lock store.
func NewServices(cfg *config.Config, repos *repository.Repositories, store kv.Store, logger *slog.Logger) (*Services, error) {
	storage, err := NewStorageService(cfg, logger)
	if err != nil {
		return nil, err
	}

	fxService := fx.New(cfg.FxBaseURL, cfg.OpenExchangeRatesKey, cfg.FxCacheTTL, cfg.FxTimeout, store, logger)
	providerClient := provider.NewClient(cfg.ShoppingBaseURL, cfg.ShoppingAPIKey, cfg.ShoppingCacheTTL, cfg.DetailCacheTTL, cfg.ProviderTimeout, store, logger)

	var llmClient *llm.Client
	var matcher *MatcherService
	var suggest *SuggestService
	if cfg.LLMEnabled {
		llmClient = llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout)
		matcher = NewMatcherService(llmClient, store, storage, cfg.LLMParseCacheTTL, logger)
		suggest = NewSuggestService(repos, llmClient, store, storage, cfg.PatternSuggestMaxConcurrency, cfg.SuggestCacheTTL, cfg.SuggestBatchTimeout, logger)
	}

	return &Services{
		Storage:   storage,
		Fx:        fxService,
		Provider:  providerClient,
		LLM:       llmClient,
		Matcher:   matcher,
		Ingest:    NewIngestService(providerClient, repos, storage, cfg.DebugCaptureEnabled, logger),
		Reconcile: NewReconcileService(repos, fxService, matcher, cfg.LLMEnabled, cfg.LLMMaxCallsPerReconcile, cfg.LLMMaxFractionPerReconcile, logger),
		Suggest:   suggest,
	}, nil
}
