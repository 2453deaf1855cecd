package repository

import (
	"context"
	"strings"
	"testing"

	"github.com/marketcompass/compass/internal/models"
)

func newTestOffer(skuID, dedupKey string) *models.Offer {
	return &models.Offer{
		SkuID:                skuID,
		DedupKey:             dedupKey,
		CountryCode:          "us",
		CountryName:          "United States",
		PriceLocal:           999,
		Currency:             "USD",
		PriceUSD:             999,
		FinalEffectivePrice:  999,
		FormattedLocalPrice:  "$999.00",
		ShopName:             "Apple",
		TrustScore:           95,
		TrustReasonsJSON:     `["TIER_OFFICIAL"]`,
		Availability:         "in_stock",
		Condition:            "new",
		ProviderLink:         "https://shop.example/a",
		Source:               "reconcile",
		MatchConfidence:      1.0,
		MatchReasonCodesJSON: `["DETERMINISTIC_SKU_MATCH"]`,
	}
}

func TestOfferCreateAndGet(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	sku := newTestSku("iphone-16-pro-256gb-black-new", "iphone-16-pro", "256gb", "black", "new")
	if err := repos.Sku.Create(ctx, sku); err != nil {
		t.Fatal(err)
	}

	offer := newTestOffer(sku.ID, "apple:999.00:USD:abcd1234")
	if err := repos.Offer.Create(ctx, offer); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if offer.ID == "" {
		t.Error("ID not assigned")
	}

	got, err := repos.Offer.GetByDedupKey(ctx, "apple:999.00:USD:abcd1234")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != offer.ID {
		t.Fatalf("GetByDedupKey = %+v", got)
	}
	if got.SkuID != sku.ID || got.TrustScore != 95 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	missing, err := repos.Offer.GetByDedupKey(ctx, "absent:1.00:USD")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for unknown dedup key")
	}
}

func TestOfferDedupKeyUnique(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	sku := newTestSku("iphone-16-pro-256gb-black-new", "iphone-16-pro", "256gb", "black", "new")
	if err := repos.Sku.Create(ctx, sku); err != nil {
		t.Fatal(err)
	}

	if err := repos.Offer.Create(ctx, newTestOffer(sku.ID, "apple:999.00:USD:abcd1234")); err != nil {
		t.Fatal(err)
	}
	err := repos.Offer.Create(ctx, newTestOffer(sku.ID, "apple:999.00:USD:abcd1234"))
	if err == nil {
		t.Fatal("duplicate dedup key must be rejected")
	}
	if !strings.Contains(err.Error(), "UNIQUE") {
		t.Errorf("expected uniqueness error, got %v", err)
	}
}

func TestOfferRefreshPrices(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	sku := newTestSku("iphone-16-pro-256gb-black-new", "iphone-16-pro", "256gb", "black", "new")
	if err := repos.Sku.Create(ctx, sku); err != nil {
		t.Fatal(err)
	}
	offer := newTestOffer(sku.ID, "apple:999.00:USD:abcd1234")
	if err := repos.Offer.Create(ctx, offer); err != nil {
		t.Fatal(err)
	}

	if err := repos.Offer.RefreshPrices(ctx, offer.ID, 949, 949, 949, "$949.00"); err != nil {
		t.Fatal(err)
	}

	got, err := repos.Offer.GetByID(ctx, offer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PriceUSD != 949 || got.FormattedLocalPrice != "$949.00" {
		t.Errorf("refresh not applied: %+v", got)
	}
}
