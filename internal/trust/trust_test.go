package trust

import (
	"strings"
	"testing"

	"github.com/marketcompass/compass/internal/models"
)

func TestTierFor(t *testing.T) {
	tests := []struct {
		name     string
		expected models.MerchantTier
	}{
		{"Apple Store", models.TierOfficial},
		{"apple", models.TierOfficial},
		{"  Bic Camera  ", models.TierVerified},
		{"YODOBASHI", models.TierVerified},
		{"MediaMarkt", models.TierVerified},
		{"Amazon", models.TierMarketplace},
		{"eBay", models.TierMarketplace},
		{"Random Phone Shop", models.TierUnknown},
		{"", models.TierUnknown},
	}
	for _, tt := range tests {
		if got := TierFor(tt.name); got != tt.expected {
			t.Errorf("TierFor(%q) = %s, want %s", tt.name, got, tt.expected)
		}
	}
}

func TestScoreBases(t *testing.T) {
	tests := []struct {
		tier     models.MerchantTier
		expected int
		code     string
	}{
		{models.TierOfficial, 95, "TIER_OFFICIAL"},
		{models.TierVerified, 85, "TIER_VERIFIED"},
		{models.TierMarketplace, 60, "TIER_MARKETPLACE"},
		{models.TierUnknown, 40, "TIER_UNKNOWN"},
		{models.MerchantTier("garbage"), 40, "TIER_UNKNOWN"},
	}
	for _, tt := range tests {
		score, reasons := Score(tt.tier, Signals{})
		if score != tt.expected {
			t.Errorf("Score(%s) = %d, want %d", tt.tier, score, tt.expected)
		}
		if len(reasons) != 1 || reasons[0] != tt.code {
			t.Errorf("Score(%s) reasons = %v, want [%s]", tt.tier, reasons, tt.code)
		}
	}
}

func TestScoreAdjustments(t *testing.T) {
	score, reasons := Score(models.TierVerified, Signals{
		MissingShipping: true,
		MissingWarranty: true,
		VerifiedStock:   true,
	})
	// 85 - 10 - 10 + 5
	if score != 70 {
		t.Errorf("score = %d, want 70", score)
	}
	want := []string{"TIER_VERIFIED", "MISSING_SHIPPING", "MISSING_WARRANTY", "VERIFIED_STOCK"}
	if strings.Join(reasons, ",") != strings.Join(want, ",") {
		t.Errorf("reasons = %v, want %v", reasons, want)
	}
}

func TestScoreClampsLow(t *testing.T) {
	score, reasons := Score(models.TierUnknown, Signals{
		MissingShipping:     true,
		MissingWarranty:     true,
		MissingReturnPolicy: true,
		PriceAnomaly:        true,
	})
	if score != 0 {
		t.Errorf("score = %d, want 0", score)
	}
	if reasons[len(reasons)-1] != "CLAMPED" {
		t.Errorf("expected trailing CLAMPED, got %v", reasons)
	}
}

func TestScoreClampsHigh(t *testing.T) {
	score, reasons := Score(models.TierOfficial, Signals{
		VerifiedStock:      true,
		HasPhysicalAddress: true,
	})
	if score != 100 {
		t.Errorf("score = %d, want 100", score)
	}
	if reasons[len(reasons)-1] != "CLAMPED" {
		t.Errorf("expected trailing CLAMPED, got %v", reasons)
	}
}

// Reason lists always begin with exactly one TIER_* code.
func TestScoreTierCodeFirst(t *testing.T) {
	for _, tier := range []models.MerchantTier{
		models.TierOfficial, models.TierVerified, models.TierMarketplace, models.TierUnknown,
	} {
		_, reasons := Score(tier, Signals{PriceAnomaly: true})
		if !strings.HasPrefix(reasons[0], "TIER_") {
			t.Errorf("first reason %q is not a tier code", reasons[0])
		}
		for _, r := range reasons[1:] {
			if strings.HasPrefix(r, "TIER_") {
				t.Errorf("extra tier code %q", r)
			}
		}
	}
}
