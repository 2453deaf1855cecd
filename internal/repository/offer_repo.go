package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/marketcompass/compass/internal/models"
)

// SQLiteOfferRepository implements OfferRepository for SQLite.
type SQLiteOfferRepository struct {
	db *sql.DB
}

// NewSQLiteOfferRepository creates a new SQLite offer repository.
func NewSQLiteOfferRepository(db *sql.DB) *SQLiteOfferRepository {
	return &SQLiteOfferRepository{db: db}
}

const offerColumns = `id, sku_id, merchant_id, dedup_key, country_code,
	country_name, city, price_local, currency, price_usd,
	final_effective_price, formatted_local_price, shop_name, trust_score,
	trust_reasons_json, availability, condition, sim_info, warranty_info,
	restriction_info, provider_link, merchant_url, detail_token,
	unknown_shipping, unknown_refund, source, match_confidence,
	match_reason_codes_json, created_at, updated_at`

func (r *SQLiteOfferRepository) Create(ctx context.Context, offer *models.Offer) error {
	if offer.ID == "" {
		offer.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	if offer.CreatedAt.IsZero() {
		offer.CreatedAt = now
	}
	offer.UpdatedAt = now

	query := `
		INSERT INTO offers (` + offerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		offer.ID,
		offer.SkuID,
		nullStringPtr(offer.MerchantID),
		offer.DedupKey,
		offer.CountryCode,
		offer.CountryName,
		nullStringPtr(offer.City),
		offer.PriceLocal,
		offer.Currency,
		offer.PriceUSD,
		offer.FinalEffectivePrice,
		offer.FormattedLocalPrice,
		offer.ShopName,
		offer.TrustScore,
		offer.TrustReasonsJSON,
		offer.Availability,
		offer.Condition,
		nullStringPtr(offer.SimInfo),
		nullStringPtr(offer.WarrantyInfo),
		nullStringPtr(offer.RestrictionInfo),
		offer.ProviderLink,
		nullStringPtr(offer.MerchantURL),
		nullStringPtr(offer.DetailToken),
		offer.UnknownShipping,
		offer.UnknownRefund,
		offer.Source,
		offer.MatchConfidence,
		offer.MatchReasonCodesJSON,
		offer.CreatedAt.Format(time.RFC3339),
		offer.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	return nil
}

func (r *SQLiteOfferRepository) GetByDedupKey(ctx context.Context, dedupKey string) (*models.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE dedup_key = ?`
	offer, err := scanOfferRow(r.db.QueryRowContext(ctx, query, dedupKey).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return offer, err
}

func (r *SQLiteOfferRepository) GetByID(ctx context.Context, id string) (*models.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE id = ?`
	offer, err := scanOfferRow(r.db.QueryRowContext(ctx, query, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return offer, err
}

func (r *SQLiteOfferRepository) RefreshPrices(ctx context.Context, id string, priceLocal, priceUSD, finalEffectivePrice float64, formattedLocalPrice string) error {
	query := `
		UPDATE offers SET price_local = ?, price_usd = ?,
			final_effective_price = ?, formatted_local_price = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, query,
		priceLocal, priceUSD, finalEffectivePrice, formattedLocalPrice,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to refresh offer prices: %w", err)
	}
	return nil
}

func (r *SQLiteOfferRepository) ListBySku(ctx context.Context, skuID string, limit int) ([]*models.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE sku_id = ? ORDER BY price_usd ASC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, skuID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query offers: %w", err)
	}
	defer rows.Close()

	var offers []*models.Offer
	for rows.Next() {
		offer, err := scanOfferRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		offers = append(offers, offer)
	}
	return offers, rows.Err()
}

func scanOfferRow(scan func(...any) error) (*models.Offer, error) {
	var offer models.Offer
	var merchantID, city, simInfo, warrantyInfo, restrictionInfo sql.NullString
	var merchantURL, detailToken sql.NullString
	var createdAt, updatedAt string

	err := scan(
		&offer.ID, &offer.SkuID, &merchantID, &offer.DedupKey, &offer.CountryCode,
		&offer.CountryName, &city, &offer.PriceLocal, &offer.Currency, &offer.PriceUSD,
		&offer.FinalEffectivePrice, &offer.FormattedLocalPrice, &offer.ShopName, &offer.TrustScore,
		&offer.TrustReasonsJSON, &offer.Availability, &offer.Condition, &simInfo, &warrantyInfo,
		&restrictionInfo, &offer.ProviderLink, &merchantURL, &detailToken,
		&offer.UnknownShipping, &offer.UnknownRefund, &offer.Source, &offer.MatchConfidence,
		&offer.MatchReasonCodesJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	offer.MerchantID = stringPtr(merchantID)
	offer.City = stringPtr(city)
	offer.SimInfo = stringPtr(simInfo)
	offer.WarrantyInfo = stringPtr(warrantyInfo)
	offer.RestrictionInfo = stringPtr(restrictionInfo)
	offer.MerchantURL = stringPtr(merchantURL)
	offer.DetailToken = stringPtr(detailToken)
	offer.CreatedAt = parseTime(createdAt)
	offer.UpdatedAt = parseTime(updatedAt)
	return &offer, nil
}
