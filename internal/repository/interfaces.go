// Package repository defines repository interfaces for data access.
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/marketcompass/compass/internal/models"
)

// SkuRepository defines methods for Golden SKU catalog access.
type SkuRepository interface {
	Create(ctx context.Context, sku *models.GoldenSku) error
	GetByID(ctx context.Context, id string) (*models.GoldenSku, error)
	GetBySkuKey(ctx context.Context, skuKey string) (*models.GoldenSku, error)
	// ListByModelCondition returns active catalog rows for one
	// (model, condition) pair, ordered by sku_key for a stable candidate
	// fingerprint. storage narrows the set further when non-empty.
	ListByModelCondition(ctx context.Context, model, condition, storage string, limit int) ([]*models.GoldenSku, error)
	ListActive(ctx context.Context) ([]*models.GoldenSku, error)
}

// MerchantRepository defines methods for merchant data access.
type MerchantRepository interface {
	// GetOrCreate returns the merchant with the given normalized name,
	// lazily creating it with the given tier. The tier is only applied
	// on creation; an existing merchant keeps whatever tier it has.
	GetOrCreate(ctx context.Context, normalizedName, displayName string, tier models.MerchantTier) (*models.Merchant, error)
	GetByNormalizedName(ctx context.Context, normalizedName string) (*models.Merchant, error)
	Update(ctx context.Context, merchant *models.Merchant) error
}

// RawOfferUpsertResult reports what an upsert did.
type RawOfferUpsertResult struct {
	ID       string
	Inserted bool // false means an existing row was refreshed
}

// RawOfferRepository defines methods for the raw buffer.
type RawOfferRepository interface {
	// Upsert inserts or refreshes a raw row keyed by
	// (source, country, source_product_id) when the product id is set,
	// else (source, country, product_link_hash). Updates never touch
	// matched_sku_id or match_confidence.
	Upsert(ctx context.Context, raw *models.RawOffer) (RawOfferUpsertResult, error)
	GetByID(ctx context.Context, id string) (*models.RawOffer, error)
	// ListUnmatched returns rows with no SKU linkage, oldest first.
	// countryCode filters when non-empty.
	ListUnmatched(ctx context.Context, limit int, countryCode string) ([]*models.RawOffer, error)
	// ListRecent returns the most recently ingested rows for sampling.
	ListRecent(ctx context.Context, limit int) ([]*models.RawOffer, error)
	// UpdateDecision records a reconcile outcome on one row.
	UpdateDecision(ctx context.Context, id string, parsedAttrsJSON, flagsJSON, reasonCodesJSON *string, matchedSkuID *string, matchConfidence *float64) error
}

// OfferRepository defines methods for promoted offers.
type OfferRepository interface {
	Create(ctx context.Context, offer *models.Offer) error
	GetByDedupKey(ctx context.Context, dedupKey string) (*models.Offer, error)
	GetByID(ctx context.Context, id string) (*models.Offer, error)
	// RefreshPrices updates the price fields of an existing offer found
	// again under the same dedup key.
	RefreshPrices(ctx context.Context, id string, priceLocal, priceUSD, finalEffectivePrice float64, formattedLocalPrice string) error
	ListBySku(ctx context.Context, skuID string, limit int) ([]*models.Offer, error)
}

// PatternRepository defines methods for pattern phrases and suggestions.
type PatternRepository interface {
	ListEnabledPhrases(ctx context.Context) ([]models.PatternPhrase, error)
	CreatePhrase(ctx context.Context, phrase *models.PatternPhrase) error
	// UpsertSuggestion records one scored phrase: *_last fields are
	// overwritten, *_max fields only ever grow.
	UpsertSuggestion(ctx context.Context, s *models.PatternSuggestion) error
	ListSuggestions(ctx context.Context, kind models.PatternKind, limit int) ([]*models.PatternSuggestion, error)
}

// Repositories holds all repository implementations.
type Repositories struct {
	Sku      SkuRepository
	Merchant MerchantRepository
	RawOffer RawOfferRepository
	Offer    OfferRepository
	Pattern  PatternRepository
}

// NewRepositories creates all repositories backed by the given database.
func NewRepositories(db *sql.DB) *Repositories {
	return &Repositories{
		Sku:      NewSQLiteSkuRepository(db),
		Merchant: NewSQLiteMerchantRepository(db),
		RawOffer: NewSQLiteRawOfferRepository(db),
		Offer:    NewSQLiteOfferRepository(db),
		Pattern:  NewSQLitePatternRepository(db),
	}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloatPtr(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
