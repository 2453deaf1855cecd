package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/marketcompass/compass/internal/models"
)

// SQLiteMerchantRepository implements MerchantRepository for SQLite.
type SQLiteMerchantRepository struct {
	db *sql.DB
}

// NewSQLiteMerchantRepository creates a new SQLite merchant repository.
func NewSQLiteMerchantRepository(db *sql.DB) *SQLiteMerchantRepository {
	return &SQLiteMerchantRepository{db: db}
}

const merchantColumns = `id, normalized_name, display_name, tier,
	is_verified, is_blacklisted, has_physical_store, created_at, updated_at`

func (r *SQLiteMerchantRepository) GetOrCreate(ctx context.Context, normalizedName, displayName string, tier models.MerchantTier) (*models.Merchant, error) {
	existing, err := r.GetByNormalizedName(ctx, normalizedName)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	merchant := &models.Merchant{
		ID:             ulid.Make().String(),
		NormalizedName: normalizedName,
		DisplayName:    displayName,
		Tier:           tier,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	query := `
		INSERT INTO merchants (` + merchantColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		merchant.ID,
		merchant.NormalizedName,
		merchant.DisplayName,
		merchant.Tier,
		merchant.IsVerified,
		merchant.IsBlacklisted,
		merchant.HasPhysicalStore,
		merchant.CreatedAt.Format(time.RFC3339),
		merchant.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		// Another worker may have created it between the read and the
		// insert; the unique name makes the re-read authoritative.
		if strings.Contains(err.Error(), "UNIQUE") {
			return r.GetByNormalizedName(ctx, normalizedName)
		}
		return nil, fmt.Errorf("failed to create merchant: %w", err)
	}
	return merchant, nil
}

func (r *SQLiteMerchantRepository) GetByNormalizedName(ctx context.Context, normalizedName string) (*models.Merchant, error) {
	query := `SELECT ` + merchantColumns + ` FROM merchants WHERE normalized_name = ?`
	row := r.db.QueryRowContext(ctx, query, normalizedName)

	var m models.Merchant
	var createdAt, updatedAt string
	err := row.Scan(
		&m.ID, &m.NormalizedName, &m.DisplayName, &m.Tier,
		&m.IsVerified, &m.IsBlacklisted, &m.HasPhysicalStore, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get merchant: %w", err)
	}
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

func (r *SQLiteMerchantRepository) Update(ctx context.Context, merchant *models.Merchant) error {
	merchant.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE merchants SET display_name = ?, tier = ?, is_verified = ?,
			is_blacklisted = ?, has_physical_store = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, query,
		merchant.DisplayName,
		merchant.Tier,
		merchant.IsVerified,
		merchant.IsBlacklisted,
		merchant.HasPhysicalStore,
		merchant.UpdatedAt.Format(time.RFC3339),
		merchant.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update merchant: %w", err)
	}
	return nil
}
