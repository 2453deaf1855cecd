package repository

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/marketcompass/compass/internal/database/migrations"
	"github.com/marketcompass/compass/internal/models"
)

// setupTestDB creates an in-memory SQLite database, runs migrations and
// registers cleanup.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}

	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

// setupTestRepos creates all repositories over a test database.
func setupTestRepos(t *testing.T) *Repositories {
	t.Helper()
	return NewRepositories(setupTestDB(t))
}

// newTestSku builds a catalog row from a pre-composed sku_key's parts.
func newTestSku(skuKey, model, storage, color, condition string) *models.GoldenSku {
	return &models.GoldenSku{
		SkuKey:      skuKey,
		Model:       model,
		Storage:     storage,
		Color:       color,
		Condition:   condition,
		DisplayName: skuKey,
		IsActive:    true,
	}
}

// newTestRaw builds a minimal raw offer for one product id.
func newTestRaw(source, country, productID, title string, price float64, currency string) *models.RawOffer {
	raw := &models.RawOffer{
		Source:           source,
		SourceRequestKey: "req-test",
		CountryCode:      country,
		Title:            title,
		MerchantName:     "Test Shop",
		ProductLink:      "https://shop.example/" + productID,
		ProductLinkHash:  "hash-" + productID,
		PriceLocal:       price,
		Currency:         currency,
		IngestedAt:       time.Now().UTC(),
	}
	if productID != "" {
		raw.SourceProductID = &productID
	}
	return raw
}
