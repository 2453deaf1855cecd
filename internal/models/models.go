// Package models defines the domain models for the application.
package models

import "time"

// ========================================
// Golden SKU catalog
// ========================================

// MerchantTier classifies how much we trust a merchant by default.
type MerchantTier string

const (
	TierOfficial    MerchantTier = "OFFICIAL"
	TierVerified    MerchantTier = "VERIFIED"
	TierMarketplace MerchantTier = "MARKETPLACE"
	TierUnknown     MerchantTier = "UNKNOWN"
)

// GoldenSku is one curated canonical product configuration. The catalog is
// read-mostly; entries are never auto-created from ingestion.
type GoldenSku struct {
	ID      string `json:"id"`
	SkuKey  string `json:"sku_key"` // UNIQUE, derived from the attributes below
	Model   string `json:"model"`
	Storage string `json:"storage"`
	Color   string `json:"color"`
	// Condition is part of the key: the same hardware new vs refurbished is
	// a different SKU with a different market price.
	Condition string `json:"condition"`

	SimVariant    *string `json:"sim_variant,omitempty"`
	LockState     *string `json:"lock_state,omitempty"`
	RegionVariant *string `json:"region_variant,omitempty"`

	DisplayName string   `json:"display_name"`
	MsrpUSD     *float64 `json:"msrp_usd,omitempty"`
	IsActive    bool     `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Merchant is lazily created the first time an offer references it.
type Merchant struct {
	ID               string       `json:"id"`
	NormalizedName   string       `json:"normalized_name"` // UNIQUE
	DisplayName      string       `json:"display_name"`
	Tier             MerchantTier `json:"tier"`
	IsVerified       bool         `json:"is_verified"`
	IsBlacklisted    bool         `json:"is_blacklisted"`
	HasPhysicalStore bool         `json:"has_physical_store"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// ========================================
// Raw buffer
// ========================================

// RawOffer preserves one provider result row verbatim, before SKU linkage.
// Created by the provider ingest path; mutated only by the reconciler
// (reason codes, flags, LLM attempt snapshot, match linkage); never deleted
// by the core.
type RawOffer struct {
	ID               string  `json:"id"`
	Source           string  `json:"source"`             // e.g. "serpapi_shopping"
	SourceRequestKey string  `json:"source_request_key"` // fingerprint of the producing query
	SourceProductID  *string `json:"source_product_id,omitempty"`
	CountryCode      string  `json:"country_code"`

	Title           string  `json:"title"`
	MerchantName    string  `json:"merchant_name"`
	ProductLink     string  `json:"product_link"`
	ProductLinkHash string  `json:"product_link_hash"`
	DetailToken     *string `json:"detail_token,omitempty"` // provider product-detail API token

	SecondHandCondition *string `json:"second_hand_condition,omitempty"`
	Thumbnail           *string `json:"thumbnail,omitempty"`

	PriceLocal float64 `json:"price_local"`
	Currency   string  `json:"currency"` // ISO-4217

	// JSON side-cars, persisted as TEXT columns.
	ParsedAttrsJSON      *string `json:"parsed_attrs_json,omitempty"`
	FlagsJSON            *string `json:"flags_json,omitempty"`
	MatchReasonCodesJSON *string `json:"match_reason_codes_json,omitempty"`

	MatchedSkuID    *string  `json:"matched_sku_id,omitempty"`
	MatchConfidence *float64 `json:"match_confidence,omitempty"`

	IngestedAt time.Time `json:"ingested_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RawOfferFlags is the decoded form of RawOffer.FlagsJSON.
type RawOfferFlags struct {
	IsMultiVariant bool `json:"is_multi_variant"`
	IsContract     bool `json:"is_contract"`
}

// ParsedAttrs is the decoded form of RawOffer.ParsedAttrsJSON: the
// deterministic extractor snapshot plus the LLM attempt evidence. The LLM
// fields survive re-parses; writers merge instead of overwriting.
type ParsedAttrs struct {
	Model      string `json:"model,omitempty"`
	Storage    string `json:"storage,omitempty"`
	Color      string `json:"color,omitempty"`
	Condition  string `json:"condition,omitempty"`
	Confidence string `json:"confidence,omitempty"`

	MatchedModel     string `json:"matched_model,omitempty"`
	MatchedStorage   string `json:"matched_storage,omitempty"`
	MatchedColor     string `json:"matched_color,omitempty"`
	MatchedCondition string `json:"matched_condition,omitempty"`

	// LLM attempt evidence. LLMAttempted=true means a call was made (or
	// definitively decided) for this row; later runs reuse it and never
	// call again.
	LLMAttempted             bool            `json:"llm_attempted,omitempty"`
	LLMCandidatesCount       int             `json:"llm_candidates_count,omitempty"`
	LLMCandidatesFingerprint string          `json:"llm_candidates_fingerprint,omitempty"`
	LLMChosenSkuKey          string          `json:"llm_chosen_sku_key,omitempty"`
	LLMMatchConfidence       *float64        `json:"llm_match_confidence,omitempty"`
	LLM                      *LLMMatchResult `json:"llm,omitempty"`
}

// ========================================
// Promoted offers
// ========================================

// Offer is a promoted, SKU-linked, dedup-keyed, USD-priced row ready for
// the ranking layer. Created only by the reconciler.
type Offer struct {
	ID         string  `json:"id"`
	SkuID      string  `json:"sku_id"`
	MerchantID *string `json:"merchant_id,omitempty"`
	DedupKey   string  `json:"dedup_key"` // UNIQUE

	CountryCode string  `json:"country_code"`
	CountryName string  `json:"country_name"`
	City        *string `json:"city,omitempty"`

	PriceLocal          float64 `json:"price_local"`
	Currency            string  `json:"currency"`
	PriceUSD            float64 `json:"price_usd"`
	FinalEffectivePrice float64 `json:"final_effective_price"`
	FormattedLocalPrice string  `json:"formatted_local_price"`

	ShopName         string  `json:"shop_name"`
	TrustScore       int     `json:"trust_score"`
	TrustReasonsJSON string  `json:"trust_reasons_json"`
	Availability     string  `json:"availability"`
	Condition        string  `json:"condition"`
	SimInfo          *string `json:"sim_info,omitempty"`
	WarrantyInfo     *string `json:"warranty_info,omitempty"`
	RestrictionInfo  *string `json:"restriction_info,omitempty"`

	ProviderLink string  `json:"provider_link"`
	MerchantURL  *string `json:"merchant_url,omitempty"`
	DetailToken  *string `json:"detail_token,omitempty"`

	UnknownShipping bool `json:"unknown_shipping"`
	UnknownRefund   bool `json:"unknown_refund"`

	Source               string  `json:"source"` // "reconcile"
	MatchConfidence      float64 `json:"match_confidence"`
	MatchReasonCodesJSON string  `json:"match_reason_codes_json"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ========================================
// Pattern phrases and suggestions
// ========================================

// PatternKind partitions literal phrases by what they detect.
type PatternKind string

const (
	PatternContract             PatternKind = "contract"
	PatternConditionNew         PatternKind = "condition_new"
	PatternConditionUsed        PatternKind = "condition_used"
	PatternConditionRefurbished PatternKind = "condition_refurbished"
)

// PatternKinds lists every kind in a stable order.
var PatternKinds = []PatternKind{
	PatternContract,
	PatternConditionNew,
	PatternConditionUsed,
	PatternConditionRefurbished,
}

// PatternPhrase is one admin-curated literal phrase. Phrases are stored
// lowercased and matched as substrings, never as regexes.
type PatternPhrase struct {
	ID        string      `json:"id"`
	Kind      PatternKind `json:"kind"`
	Phrase    string      `json:"phrase"`
	IsEnabled bool        `json:"is_enabled"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// PatternSuggestion is one LLM-proposed phrase, scored against the raw
// buffer. Promoted to PatternPhrase by admin action, never automatically.
type PatternSuggestion struct {
	ID     string      `json:"id"`
	Kind   PatternKind `json:"kind"`
	Phrase string      `json:"phrase"`

	MatchCountLast    int      `json:"match_count_last"`
	MatchCountMax     int      `json:"match_count_max"`
	LLMConfidenceLast *float64 `json:"llm_confidence_last,omitempty"`
	LLMConfidenceMax  *float64 `json:"llm_confidence_max,omitempty"`
	SampleSizeLast    int      `json:"sample_size_last"`

	ExamplesJSON string  `json:"examples_json"`
	LastRunID    *string `json:"last_run_id,omitempty"`

	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// ========================================
// LLM results
// ========================================

// LLMMatchChoice is the match object inside an LLM matcher response.
type LLMMatchChoice struct {
	SkuKey          string  `json:"sku_key"`
	MatchConfidence float64 `json:"match_confidence"`
	Reason          string  `json:"reason,omitempty"`
}

// LLMMatchResult is the full validated payload of one candidate-set
// matcher call.
type LLMMatchResult struct {
	IsAccessory bool            `json:"is_accessory"`
	IsBundle    bool            `json:"is_bundle"`
	IsContract  bool            `json:"is_contract"`
	Match       *LLMMatchChoice `json:"match,omitempty"`
}

// ========================================
// Reason codes
// ========================================

// Match reason codes form a closed set; every scanned raw row ends a
// reconcile pass with at least one of these recorded.
const (
	ReasonMissingTitle          = "MISSING_TITLE"
	ReasonSkipMultiVariant      = "SKIP_MULTI_VARIANT"
	ReasonSkipContract          = "SKIP_CONTRACT"
	ReasonMissingRequiredAttrs  = "MISSING_REQUIRED_ATTRS"
	ReasonSkuNotInCatalog       = "SKU_NOT_IN_CATALOG"
	ReasonFxUnavailable         = "FX_UNAVAILABLE"
	ReasonDedupKeyConflict      = "DEDUP_KEY_CONFLICT"
	ReasonDedupMatchExisting    = "DEDUP_MATCH_EXISTING_OFFER"
	ReasonDeterministicSkuMatch = "DETERMINISTIC_SKU_MATCH"
	ReasonLLMMatch              = "LLM_MATCH"
	ReasonLLMMatchExistingOffer = "LLM_MATCH_EXISTING_OFFER"
)

// ========================================
// Run results
// ========================================

// ReconcileStats summarizes one reconcile invocation.
type ReconcileStats struct {
	Scanned             int `json:"scanned"`
	CreatedOffers       int `json:"created_offers"`
	UpdatedRawMatches   int `json:"updated_raw_matches"`
	MatchedExisting     int `json:"matched_existing_offer"`
	SkippedMissingTitle int `json:"skipped_missing_title"`
	SkippedMultiVariant int `json:"skipped_multi_variant"`
	SkippedContract     int `json:"skipped_contract"`
	SkippedMissingAttrs int `json:"skipped_missing_attrs"`
	SkippedNotInCatalog int `json:"skipped_not_in_catalog"`
	SkippedFx           int `json:"skipped_fx"`
	DedupConflicts      int `json:"dedup_conflicts"`
	Errors              int `json:"errors"`

	LLMBudget        int `json:"llm_budget"`
	LLMExternalCalls int `json:"llm_external_calls"`
	LLMReused        int `json:"llm_reused"`
	LLMSkippedBudget int `json:"llm_skipped_budget"`

	DryRun bool `json:"dry_run"`
}

// ReconcileDebug carries bounded samples for operator inspection.
type ReconcileDebug struct {
	CreatedOfferIDs   []string `json:"created_offer_ids"`
	MatchedRawIDs     []string `json:"matched_raw_ids"`
	ReasonCodeSamples []string `json:"reason_code_samples"` // first <=25
}

// IngestStats summarizes one raw ingestion call.
type IngestStats struct {
	Query        string `json:"query"`
	CountryCode  string `json:"country_code"`
	Fetched      int    `json:"fetched"`
	Inserted     int    `json:"inserted"`
	Updated      int    `json:"updated"`
	SkippedNoise int    `json:"skipped_noise"`
	CacheHit     bool   `json:"cache_hit"`
}

// SuggestedPhrase is one scored phrase in a suggester result.
type SuggestedPhrase struct {
	Phrase        string   `json:"phrase"`
	MatchCount    int      `json:"match_count"`
	LLMConfidence *float64 `json:"llm_confidence,omitempty"`
	Examples      []string `json:"examples"` // up to 3
}

// SuggestResult is the full outcome of one pattern-suggestion run.
type SuggestResult struct {
	RunID       string                            `json:"run_id"`
	SampleSize  int                               `json:"sample_size"`
	Cached      bool                              `json:"cached"`
	Batches     int                               `json:"batches"`
	BatchErrors int                               `json:"batch_errors"`
	Phrases     map[PatternKind][]SuggestedPhrase `json:"phrases"`
}
