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

// SQLiteSkuRepository implements SkuRepository for SQLite.
type SQLiteSkuRepository struct {
	db *sql.DB
}

// NewSQLiteSkuRepository creates a new SQLite SKU repository.
func NewSQLiteSkuRepository(db *sql.DB) *SQLiteSkuRepository {
	return &SQLiteSkuRepository{db: db}
}

const skuColumns = `id, sku_key, model, storage, color, condition,
	sim_variant, lock_state, region_variant, display_name, msrp_usd,
	is_active, created_at, updated_at`

func (r *SQLiteSkuRepository) Create(ctx context.Context, sku *models.GoldenSku) error {
	if sku.ID == "" {
		sku.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	if sku.CreatedAt.IsZero() {
		sku.CreatedAt = now
	}
	sku.UpdatedAt = now

	query := `
		INSERT INTO golden_skus (` + skuColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		sku.ID,
		sku.SkuKey,
		sku.Model,
		sku.Storage,
		sku.Color,
		sku.Condition,
		nullStringPtr(sku.SimVariant),
		nullStringPtr(sku.LockState),
		nullStringPtr(sku.RegionVariant),
		sku.DisplayName,
		nullFloatPtr(sku.MsrpUSD),
		sku.IsActive,
		sku.CreatedAt.Format(time.RFC3339),
		sku.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create sku: %w", err)
	}
	return nil
}

func (r *SQLiteSkuRepository) GetByID(ctx context.Context, id string) (*models.GoldenSku, error) {
	query := `SELECT ` + skuColumns + ` FROM golden_skus WHERE id = ?`
	return r.scanSku(r.db.QueryRowContext(ctx, query, id))
}

func (r *SQLiteSkuRepository) GetBySkuKey(ctx context.Context, skuKey string) (*models.GoldenSku, error) {
	query := `SELECT ` + skuColumns + ` FROM golden_skus WHERE sku_key = ?`
	return r.scanSku(r.db.QueryRowContext(ctx, query, skuKey))
}

func (r *SQLiteSkuRepository) ListByModelCondition(ctx context.Context, model, condition, storage string, limit int) ([]*models.GoldenSku, error) {
	query := `SELECT ` + skuColumns + ` FROM golden_skus
		WHERE model = ? AND condition = ? AND is_active = 1`
	args := []any{model, condition}
	if storage != "" {
		query += ` AND storage = ?`
		args = append(args, storage)
	}
	query += ` ORDER BY sku_key LIMIT ?`
	args = append(args, limit)

	return r.querySkus(ctx, query, args...)
}

func (r *SQLiteSkuRepository) ListActive(ctx context.Context) ([]*models.GoldenSku, error) {
	query := `SELECT ` + skuColumns + ` FROM golden_skus WHERE is_active = 1 ORDER BY sku_key`
	return r.querySkus(ctx, query)
}

func (r *SQLiteSkuRepository) querySkus(ctx context.Context, query string, args ...any) ([]*models.GoldenSku, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query skus: %w", err)
	}
	defer rows.Close()

	var skus []*models.GoldenSku
	for rows.Next() {
		sku, err := scanSkuFromRows(rows)
		if err != nil {
			return nil, err
		}
		skus = append(skus, sku)
	}
	return skus, rows.Err()
}

func (r *SQLiteSkuRepository) scanSku(row *sql.Row) (*models.GoldenSku, error) {
	sku, err := scanSkuRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sku, err
}

func scanSkuFromRows(rows *sql.Rows) (*models.GoldenSku, error) {
	return scanSkuRow(rows.Scan)
}

func scanSkuRow(scan func(...any) error) (*models.GoldenSku, error) {
	var sku models.GoldenSku
	var simVariant, lockState, regionVariant sql.NullString
	var msrp sql.NullFloat64
	var createdAt, updatedAt string

	err := scan(
		&sku.ID, &sku.SkuKey, &sku.Model, &sku.Storage, &sku.Color, &sku.Condition,
		&simVariant, &lockState, &regionVariant, &sku.DisplayName, &msrp,
		&sku.IsActive, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sku.SimVariant = stringPtr(simVariant)
	sku.LockState = stringPtr(lockState)
	sku.RegionVariant = stringPtr(regionVariant)
	sku.MsrpUSD = floatPtr(msrp)
	sku.CreatedAt = parseTime(createdAt)
	sku.UpdatedAt = parseTime(updatedAt)
	return &sku, nil
}
