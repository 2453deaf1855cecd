package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/marketcompass/compass/internal/keys"
	"github.com/marketcompass/compass/internal/models"
	"github.com/marketcompass/compass/internal/parser"
	"github.com/marketcompass/compass/internal/patterns"
	"github.com/marketcompass/compass/internal/provider"
	"github.com/marketcompass/compass/internal/repository"
)

// SourceShopping is the source tag on raw rows produced by the shopping
// search path.
const SourceShopping = "serpapi_shopping"

// IngestService pulls shopping search results into the raw buffer. It
// never creates offers or links SKUs; that is the reconciler's job.
type IngestService struct {
	provider     *provider.Client
	repos        *repository.Repositories
	storage      *StorageService
	captureDebug bool
	logger       *slog.Logger
}

// NewIngestService creates a new ingest service.
func NewIngestService(client *provider.Client, repos *repository.Repositories, storage *StorageService, captureDebug bool, logger *slog.Logger) *IngestService {
	return &IngestService{
		provider:     client,
		repos:        repos,
		storage:      storage,
		captureDebug: captureDebug,
		logger:       logger,
	}
}

// IngestRaw runs one shopping search for query in market countryCode and
// upserts every usable result into the raw buffer. Accessory noise and
// priceless rows are dropped before they ever reach the database.
func (s *IngestService) IngestRaw(ctx context.Context, query, countryCode string) (*models.IngestStats, error) {
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if !provider.ValidCountry(countryCode) {
		return nil, fmt.Errorf("unknown country code %q", countryCode)
	}

	hl := provider.SearchLanguage(countryCode)
	requestKey := keys.RequestKey(query, countryCode, hl, "")

	stats := &models.IngestStats{Query: query, CountryCode: countryCode}

	results, cacheHit, err := s.provider.SearchShopping(ctx, query, countryCode, hl, "", true)
	if err != nil {
		return nil, fmt.Errorf("shopping search failed: %w", err)
	}
	stats.Fetched = len(results)
	stats.CacheHit = cacheHit

	if s.captureDebug && !cacheHit && s.storage != nil {
		if payload, err := json.Marshal(results); err == nil {
			s.storage.StoreDebugCapture(ctx, DebugCapture{
				ID:      ulid.Make().String(),
				Kind:    "shopping",
				Key:     requestKey,
				Payload: payload,
			})
		}
	}

	bundle, err := s.loadBundle(ctx)
	if err != nil {
		return nil, err
	}

	for _, item := range results {
		link := item.BestLink()
		if item.Title == "" || link == "" || item.ExtractedPrice <= 0 {
			stats.SkippedNoise++
			continue
		}
		if !parser.MentionsIPhone(item.Title) || parser.IsNoise(item.Title) {
			stats.SkippedNoise++
			continue
		}

		currency := provider.ResolveCurrency(item, countryCode)

		extract := parser.Extract(item.Title)
		parsedJSON, err := json.Marshal(models.ParsedAttrs{
			Model:            extract.Model,
			Storage:          extract.Storage,
			Color:            extract.Color,
			Condition:        extract.Condition,
			Confidence:       string(extract.Confidence),
			MatchedModel:     extract.MatchedModel,
			MatchedStorage:   extract.MatchedStorage,
			MatchedColor:     extract.MatchedColor,
			MatchedCondition: extract.MatchedCondition,
		})
		if err != nil {
			return nil, fmt.Errorf("encode parsed attrs: %w", err)
		}
		flagsJSON, err := json.Marshal(models.RawOfferFlags{
			IsMultiVariant: patterns.DetectMultiVariant(item.Title),
			IsContract:     bundle.DetectIsContract(item.Title, link),
		})
		if err != nil {
			return nil, fmt.Errorf("encode flags: %w", err)
		}

		raw := &models.RawOffer{
			Source:           SourceShopping,
			SourceRequestKey: requestKey,
			CountryCode:      countryCode,
			Title:            item.Title,
			MerchantName:     item.Source,
			ProductLink:      link,
			ProductLinkHash:  keys.LinkHash(link),
			PriceLocal:       item.ExtractedPrice,
			Currency:         currency,
			ParsedAttrsJSON:  jsonPtr(parsedJSON),
			FlagsJSON:        jsonPtr(flagsJSON),
		}
		if item.ProductID != "" {
			raw.SourceProductID = &item.ProductID
		}
		if item.DetailToken != "" {
			raw.DetailToken = &item.DetailToken
		}
		if item.SecondHand != "" {
			raw.SecondHandCondition = &item.SecondHand
		}
		if item.Thumbnail != "" {
			raw.Thumbnail = &item.Thumbnail
		}

		result, err := s.repos.RawOffer.Upsert(ctx, raw)
		if err != nil {
			s.logger.Error("raw offer upsert failed", "title", item.Title, "error", err)
			continue
		}
		if result.Inserted {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}

	s.logger.Info("ingest complete",
		"query", query,
		"country", countryCode,
		"fetched", stats.Fetched,
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"skipped_noise", stats.SkippedNoise,
		"cache_hit", stats.CacheHit,
	)
	return stats, nil
}

// loadBundle merges the admin-managed pattern phrases with the defaults.
func (s *IngestService) loadBundle(ctx context.Context) (*patterns.Bundle, error) {
	phrases, err := s.repos.Pattern.ListEnabledPhrases(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pattern phrases: %w", err)
	}
	return patterns.NewBundle(phrases), nil
}

func jsonPtr(data []byte) *string {
	s := string(data)
	return &s
}
