// Package trust scores merchants for offer ranking. Scoring is a pure
// function over the merchant tier and per-offer signals.
package trust

import (
	"strings"

	"github.com/marketcompass/compass/internal/models"
)

// Base scores per merchant tier.
const (
	baseOfficial    = 95
	baseVerified    = 85
	baseMarketplace = 60
	baseUnknown     = 40
)

// knownMerchants seeds the tier for merchants recognized by name when
// they are first created. Everyone else starts UNKNOWN until promoted
// by admin action.
var knownMerchants = map[string]models.MerchantTier{
	"apple store": models.TierOfficial,
	"apple":       models.TierOfficial,
	"bic camera":  models.TierVerified,
	"yodobashi":   models.TierVerified,
	"mediamarkt":  models.TierVerified,
	"saturn":      models.TierVerified,
	"best buy":    models.TierVerified,
	"fortress hk": models.TierVerified,
	"sharaf dg":   models.TierVerified,
	"amazon":      models.TierMarketplace,
	"ebay":        models.TierMarketplace,
}

// TierFor returns the tier for a merchant display name,
// case-insensitively. Unrecognized merchants are UNKNOWN.
func TierFor(name string) models.MerchantTier {
	if tier, ok := knownMerchants[strings.ToLower(strings.TrimSpace(name))]; ok {
		return tier
	}
	return models.TierUnknown
}

// Signals are the per-offer facts that adjust the tier base score.
type Signals struct {
	MissingShipping     bool
	MissingWarranty     bool
	MissingReturnPolicy bool
	PriceAnomaly        bool
	VerifiedStock       bool
	HasPhysicalAddress  bool
}

// Score computes the trust score for a merchant tier and signal set.
// The returned reason codes always start with exactly one TIER_* code;
// CLAMPED is appended when the raw score fell outside [0,100].
func Score(tier models.MerchantTier, signals Signals) (int, []string) {
	var score int
	var tierCode string
	switch tier {
	case models.TierOfficial:
		score, tierCode = baseOfficial, "TIER_OFFICIAL"
	case models.TierVerified:
		score, tierCode = baseVerified, "TIER_VERIFIED"
	case models.TierMarketplace:
		score, tierCode = baseMarketplace, "TIER_MARKETPLACE"
	default:
		score, tierCode = baseUnknown, "TIER_UNKNOWN"
	}
	reasons := []string{tierCode}

	if signals.MissingShipping {
		score -= 10
		reasons = append(reasons, "MISSING_SHIPPING")
	}
	if signals.MissingWarranty {
		score -= 10
		reasons = append(reasons, "MISSING_WARRANTY")
	}
	if signals.MissingReturnPolicy {
		score -= 5
		reasons = append(reasons, "MISSING_RETURN_POLICY")
	}
	if signals.PriceAnomaly {
		score -= 20
		reasons = append(reasons, "PRICE_ANOMALY")
	}
	if signals.VerifiedStock {
		score += 5
		reasons = append(reasons, "VERIFIED_STOCK")
	}
	if signals.HasPhysicalAddress {
		score += 5
		reasons = append(reasons, "HAS_PHYSICAL_ADDRESS")
	}

	if score < 0 {
		score = 0
		reasons = append(reasons, "CLAMPED")
	} else if score > 100 {
		score = 100
		reasons = append(reasons, "CLAMPED")
	}
	return score, reasons
}
