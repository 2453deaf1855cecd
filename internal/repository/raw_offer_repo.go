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

// SQLiteRawOfferRepository implements RawOfferRepository for SQLite.
type SQLiteRawOfferRepository struct {
	db *sql.DB
}

// NewSQLiteRawOfferRepository creates a new SQLite raw-offer repository.
func NewSQLiteRawOfferRepository(db *sql.DB) *SQLiteRawOfferRepository {
	return &SQLiteRawOfferRepository{db: db}
}

const rawOfferColumns = `id, source, source_request_key, source_product_id,
	country_code, title, merchant_name, product_link, product_link_hash,
	detail_token, second_hand_condition, thumbnail, price_local, currency,
	parsed_attrs_json, flags_json, match_reason_codes_json,
	matched_sku_id, match_confidence, ingested_at, updated_at`

func (r *SQLiteRawOfferRepository) Upsert(ctx context.Context, raw *models.RawOffer) (RawOfferUpsertResult, error) {
	existingID, err := r.findExisting(ctx, raw)
	if err != nil {
		return RawOfferUpsertResult{}, err
	}
	now := time.Now().UTC().Format(time.RFC3339)

	if existingID != "" {
		// Refresh the verbatim provider fields and the request key;
		// matched_sku_id/match_confidence belong to the reconciler and
		// are never touched here.
		query := `
			UPDATE raw_offers SET source_request_key = ?, title = ?,
				merchant_name = ?, product_link = ?, product_link_hash = ?,
				detail_token = ?, second_hand_condition = ?, thumbnail = ?,
				price_local = ?, currency = ?, parsed_attrs_json = ?,
				flags_json = ?, updated_at = ?
			WHERE id = ?
		`
		_, err := r.db.ExecContext(ctx, query,
			raw.SourceRequestKey,
			raw.Title,
			raw.MerchantName,
			raw.ProductLink,
			raw.ProductLinkHash,
			nullStringPtr(raw.DetailToken),
			nullStringPtr(raw.SecondHandCondition),
			nullStringPtr(raw.Thumbnail),
			raw.PriceLocal,
			raw.Currency,
			nullStringPtr(raw.ParsedAttrsJSON),
			nullStringPtr(raw.FlagsJSON),
			now,
			existingID,
		)
		if err != nil {
			return RawOfferUpsertResult{}, fmt.Errorf("failed to update raw offer: %w", err)
		}
		raw.ID = existingID
		return RawOfferUpsertResult{ID: existingID, Inserted: false}, nil
	}

	if raw.ID == "" {
		raw.ID = ulid.Make().String()
	}
	query := `
		INSERT INTO raw_offers (` + rawOfferColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		raw.ID,
		raw.Source,
		raw.SourceRequestKey,
		nullStringPtr(raw.SourceProductID),
		raw.CountryCode,
		raw.Title,
		raw.MerchantName,
		raw.ProductLink,
		raw.ProductLinkHash,
		nullStringPtr(raw.DetailToken),
		nullStringPtr(raw.SecondHandCondition),
		nullStringPtr(raw.Thumbnail),
		raw.PriceLocal,
		raw.Currency,
		nullStringPtr(raw.ParsedAttrsJSON),
		nullStringPtr(raw.FlagsJSON),
		nullStringPtr(raw.MatchReasonCodesJSON),
		nullStringPtr(raw.MatchedSkuID),
		nullFloatPtr(raw.MatchConfidence),
		now,
		now,
	)
	if err != nil {
		return RawOfferUpsertResult{}, fmt.Errorf("failed to insert raw offer: %w", err)
	}
	return RawOfferUpsertResult{ID: raw.ID, Inserted: true}, nil
}

// findExisting resolves the row identity: product id when present, link
// hash otherwise.
func (r *SQLiteRawOfferRepository) findExisting(ctx context.Context, raw *models.RawOffer) (string, error) {
	var id string
	var err error
	if raw.SourceProductID != nil && *raw.SourceProductID != "" {
		err = r.db.QueryRowContext(ctx,
			`SELECT id FROM raw_offers WHERE source = ? AND country_code = ? AND source_product_id = ?`,
			raw.Source, raw.CountryCode, *raw.SourceProductID,
		).Scan(&id)
	} else {
		err = r.db.QueryRowContext(ctx,
			`SELECT id FROM raw_offers WHERE source = ? AND country_code = ? AND product_link_hash = ?`,
			raw.Source, raw.CountryCode, raw.ProductLinkHash,
		).Scan(&id)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up raw offer: %w", err)
	}
	return id, nil
}

func (r *SQLiteRawOfferRepository) GetByID(ctx context.Context, id string) (*models.RawOffer, error) {
	query := `SELECT ` + rawOfferColumns + ` FROM raw_offers WHERE id = ?`
	raw, err := scanRawOfferRow(r.db.QueryRowContext(ctx, query, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return raw, err
}

func (r *SQLiteRawOfferRepository) ListUnmatched(ctx context.Context, limit int, countryCode string) ([]*models.RawOffer, error) {
	query := `SELECT ` + rawOfferColumns + ` FROM raw_offers WHERE matched_sku_id IS NULL`
	args := []any{}
	if countryCode != "" {
		query += ` AND country_code = ?`
		args = append(args, countryCode)
	}
	query += ` ORDER BY ingested_at ASC LIMIT ?`
	args = append(args, limit)
	return r.queryRawOffers(ctx, query, args...)
}

func (r *SQLiteRawOfferRepository) ListRecent(ctx context.Context, limit int) ([]*models.RawOffer, error) {
	query := `SELECT ` + rawOfferColumns + ` FROM raw_offers ORDER BY ingested_at DESC LIMIT ?`
	return r.queryRawOffers(ctx, query, limit)
}

func (r *SQLiteRawOfferRepository) UpdateDecision(ctx context.Context, id string, parsedAttrsJSON, flagsJSON, reasonCodesJSON *string, matchedSkuID *string, matchConfidence *float64) error {
	query := `
		UPDATE raw_offers SET
			parsed_attrs_json = COALESCE(?, parsed_attrs_json),
			flags_json = COALESCE(?, flags_json),
			match_reason_codes_json = COALESCE(?, match_reason_codes_json),
			matched_sku_id = COALESCE(?, matched_sku_id),
			match_confidence = COALESCE(?, match_confidence),
			updated_at = ?
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, query,
		nullStringPtr(parsedAttrsJSON),
		nullStringPtr(flagsJSON),
		nullStringPtr(reasonCodesJSON),
		nullStringPtr(matchedSkuID),
		nullFloatPtr(matchConfidence),
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update raw offer decision: %w", err)
	}
	return nil
}

func (r *SQLiteRawOfferRepository) queryRawOffers(ctx context.Context, query string, args ...any) ([]*models.RawOffer, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw offers: %w", err)
	}
	defer rows.Close()

	var raws []*models.RawOffer
	for rows.Next() {
		raw, err := scanRawOfferRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		raws = append(raws, raw)
	}
	return raws, rows.Err()
}

func scanRawOfferRow(scan func(...any) error) (*models.RawOffer, error) {
	var raw models.RawOffer
	var sourceProductID, detailToken, secondHand, thumbnail sql.NullString
	var parsedAttrs, flags, reasonCodes, matchedSkuID sql.NullString
	var matchConfidence sql.NullFloat64
	var ingestedAt, updatedAt string

	err := scan(
		&raw.ID, &raw.Source, &raw.SourceRequestKey, &sourceProductID,
		&raw.CountryCode, &raw.Title, &raw.MerchantName, &raw.ProductLink,
		&raw.ProductLinkHash, &detailToken, &secondHand, &thumbnail,
		&raw.PriceLocal, &raw.Currency, &parsedAttrs, &flags, &reasonCodes,
		&matchedSkuID, &matchConfidence, &ingestedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	raw.SourceProductID = stringPtr(sourceProductID)
	raw.DetailToken = stringPtr(detailToken)
	raw.SecondHandCondition = stringPtr(secondHand)
	raw.Thumbnail = stringPtr(thumbnail)
	raw.ParsedAttrsJSON = stringPtr(parsedAttrs)
	raw.FlagsJSON = stringPtr(flags)
	raw.MatchReasonCodesJSON = stringPtr(reasonCodes)
	raw.MatchedSkuID = stringPtr(matchedSkuID)
	raw.MatchConfidence = floatPtr(matchConfidence)
	raw.IngestedAt = parseTime(ingestedAt)
	raw.UpdatedAt = parseTime(updatedAt)
	return &raw, nil
}
