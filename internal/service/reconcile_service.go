package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strings"

	"github.com/marketcompass/compass/internal/fx"
	"github.com/marketcompass/compass/internal/keys"
	"github.com/marketcompass/compass/internal/models"
	"github.com/marketcompass/compass/internal/parser"
	"github.com/marketcompass/compass/internal/patterns"
	"github.com/marketcompass/compass/internal/provider"
	"github.com/marketcompass/compass/internal/repository"
	"github.com/marketcompass/compass/internal/trust"
)

// Reconcile batch bounds.
const (
	MinReconcileLimit = 1
	MaxReconcileLimit = 5000
)

// maxDebugSamples bounds every ReconcileDebug slice.
const maxDebugSamples = 25

// candidateLimit caps the candidate set handed to the LLM matcher.
const candidateLimit = 50

// ReconcileService walks the raw buffer and promotes rows into offers.
// Rows are processed strictly sequentially; the LLM call and the initial
// FX fetch are the only outbound suspension points.
type ReconcileService struct {
	repos       *repository.Repositories
	fx          *fx.Service
	matcher     *MatcherService
	llmEnabled  bool
	maxCalls    int
	maxFraction float64
	logger      *slog.Logger
}

// NewReconcileService creates a new reconcile service.
func NewReconcileService(repos *repository.Repositories, fxService *fx.Service, matcher *MatcherService, llmEnabled bool, maxCalls int, maxFraction float64, logger *slog.Logger) *ReconcileService {
	return &ReconcileService{
		repos:       repos,
		fx:          fxService,
		matcher:     matcher,
		llmEnabled:  llmEnabled,
		maxCalls:    maxCalls,
		maxFraction: maxFraction,
		logger:      logger,
	}
}

// runState carries everything one invocation shares across rows.
type runState struct {
	stats  *models.ReconcileStats
	debug  *models.ReconcileDebug
	rates  *fx.Rates
	bundle *patterns.Bundle
	budget int
	dryRun bool
}

// Reconcile processes up to limit unmatched raw rows, oldest first.
// countryCode filters when non-empty. With dryRun set, stats are computed
// but nothing is written. Per-row failures are counted; the run never
// aborts on them.
func (s *ReconcileService) Reconcile(ctx context.Context, limit int, countryCode string, dryRun bool) (*models.ReconcileStats, *models.ReconcileDebug, error) {
	if limit < MinReconcileLimit {
		limit = MinReconcileLimit
	}
	if limit > MaxReconcileLimit {
		limit = MaxReconcileLimit
	}

	rc := &runState{
		stats:  &models.ReconcileStats{DryRun: dryRun},
		debug:  &models.ReconcileDebug{},
		budget: s.llmBudget(limit),
		dryRun: dryRun,
	}
	rc.stats.LLMBudget = rc.budget

	// One FX snapshot for the whole run. An outage here is not fatal:
	// USD rows still promote, non-USD rows skip with FX_UNAVAILABLE.
	rates, err := s.fx.GetLatest(ctx, false)
	if err != nil {
		s.logger.Warn("fx unavailable for this run", "error", err)
	} else {
		rc.rates = rates
	}

	phrases, err := s.repos.Pattern.ListEnabledPhrases(ctx)
	if err != nil {
		return nil, nil, err
	}
	rc.bundle = patterns.NewBundle(phrases)

	rows, err := s.repos.RawOffer.ListUnmatched(ctx, limit, countryCode)
	if err != nil {
		return nil, nil, err
	}

	for _, raw := range rows {
		s.processRow(ctx, rc, raw)
	}

	s.logger.Info("reconcile complete",
		"scanned", rc.stats.Scanned,
		"created_offers", rc.stats.CreatedOffers,
		"matched_existing", rc.stats.MatchedExisting,
		"llm_external_calls", rc.stats.LLMExternalCalls,
		"llm_budget", rc.budget,
		"errors", rc.stats.Errors,
		"dry_run", dryRun,
	)
	return rc.stats, rc.debug, nil
}

// llmBudget computes the per-invocation external-call ceiling.
func (s *ReconcileService) llmBudget(limit int) int {
	if !s.llmEnabled {
		return 0
	}
	fractional := int(math.Floor(float64(limit) * s.maxFraction))
	if s.maxCalls < fractional {
		return s.maxCalls
	}
	return fractional
}

func (s *ReconcileService) processRow(ctx context.Context, rc *runState, raw *models.RawOffer) {
	rc.stats.Scanned++

	parsed := decodeParsedAttrs(raw.ParsedAttrsJSON)
	flags := decodeFlags(raw.FlagsJSON)

	title := strings.TrimSpace(raw.Title)
	if title == "" {
		rc.stats.SkippedMissingTitle++
		s.finalize(ctx, rc, raw, parsed, flags, []string{models.ReasonMissingTitle}, nil, 0)
		return
	}

	flags.IsMultiVariant = patterns.DetectMultiVariant(title)
	if flags.IsMultiVariant {
		rc.stats.SkippedMultiVariant++
		s.finalize(ctx, rc, raw, parsed, flags, []string{models.ReasonSkipMultiVariant}, nil, 0)
		return
	}

	// A past LLM attempt that flagged the row as a contract sticks.
	flags.IsContract = rc.bundle.DetectIsContract(title, raw.ProductLink) ||
		(parsed.LLM != nil && parsed.LLM.IsContract)
	if flags.IsContract {
		rc.stats.SkippedContract++
		s.finalize(ctx, rc, raw, parsed, flags, []string{models.ReasonSkipContract}, nil, 0)
		return
	}

	extract := parser.Extract(title)
	condition := s.resolveCondition(rc, raw, extract)
	mergeExtract(parsed, extract, condition)

	if extract.Model != "" && extract.Storage != "" && extract.Color != "" {
		skuKey := keys.ComposeSkuKey(keys.SkuAttributes{
			Model:     extract.Model,
			Storage:   extract.Storage,
			Color:     extract.Color,
			Condition: condition,
		})
		sku, err := s.repos.Sku.GetBySkuKey(ctx, skuKey)
		if err != nil {
			s.rowError(ctx, rc, raw, parsed, flags, "sku lookup failed", err)
			return
		}
		if sku != nil {
			s.promote(ctx, rc, raw, parsed, flags, sku, 1.0,
				models.ReasonDeterministicSkuMatch, models.ReasonDedupMatchExisting)
			return
		}
		// Complete attrs but no catalog row under the composed key: one
		// LLM fallback scoped to (model, condition, storage).
		if llmSku, conf := s.llmChoice(ctx, rc, raw, parsed, extract.Model, condition, extract.Storage); llmSku != nil {
			s.promote(ctx, rc, raw, parsed, flags, llmSku, conf,
				models.ReasonLLMMatch, models.ReasonLLMMatchExistingOffer)
			return
		}
		rc.stats.SkippedNotInCatalog++
		s.finalize(ctx, rc, raw, parsed, flags, []string{models.ReasonSkuNotInCatalog}, nil, 0)
		return
	}

	if extract.Model != "" {
		if llmSku, conf := s.llmChoice(ctx, rc, raw, parsed, extract.Model, condition, extract.Storage); llmSku != nil {
			s.promote(ctx, rc, raw, parsed, flags, llmSku, conf,
				models.ReasonLLMMatch, models.ReasonLLMMatchExistingOffer)
			return
		}
	}

	rc.stats.SkippedMissingAttrs++
	s.finalize(ctx, rc, raw, parsed, flags, []string{models.ReasonMissingRequiredAttrs}, nil, 0)
}

// resolveCondition picks the row condition. An explicit provider
// second_hand_condition wins; otherwise the stronger of the parser result
// and the pattern-engine hint (refurbished > used > new).
func (s *ReconcileService) resolveCondition(rc *runState, raw *models.RawOffer, extract parser.Result) string {
	if raw.SecondHandCondition != nil && strings.TrimSpace(*raw.SecondHandCondition) != "" {
		return normalizeSecondHand(*raw.SecondHandCondition)
	}
	condition := extract.Condition
	if hint, _ := rc.bundle.DetectConditionHint(raw.Title, raw.ProductLink); hint != "" {
		condition = strongerCondition(condition, hint)
	}
	return condition
}

var conditionRank = map[string]int{"new": 0, "used": 1, "refurbished": 2}

func strongerCondition(a, b string) string {
	if conditionRank[b] > conditionRank[a] {
		return b
	}
	return a
}

// normalizeSecondHand maps the provider's free-text condition field onto
// the closed condition set. Unknown non-empty values default to "new";
// loosening that needs an explicit policy change.
func normalizeSecondHand(raw string) string {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "refurb"), strings.Contains(lower, "renewed"),
		strings.Contains(lower, "reconditioned"), strings.Contains(lower, "cpo"):
		return "refurbished"
	case strings.Contains(lower, "used"), strings.Contains(lower, "pre-owned"),
		strings.Contains(lower, "preowned"), strings.Contains(lower, "second hand"):
		return "used"
	default:
		return "new"
	}
}

// mergeExtract writes the deterministic snapshot into the persisted attrs
// without losing the LLM attempt evidence.
func mergeExtract(parsed *models.ParsedAttrs, extract parser.Result, condition string) {
	parsed.Model = extract.Model
	parsed.Storage = extract.Storage
	parsed.Color = extract.Color
	parsed.Condition = condition
	parsed.Confidence = string(extract.Confidence)
	parsed.MatchedModel = extract.MatchedModel
	parsed.MatchedStorage = extract.MatchedStorage
	parsed.MatchedColor = extract.MatchedColor
	parsed.MatchedCondition = extract.MatchedCondition
}

// llmChoice resolves a SKU through the candidate-set matcher. A persisted
// earlier attempt is always reused instead of calling again. Returns nil
// when there is no usable choice.
func (s *ReconcileService) llmChoice(ctx context.Context, rc *runState, raw *models.RawOffer, parsed *models.ParsedAttrs, model, condition, storage string) (*models.GoldenSku, float64) {
	if !s.llmEnabled || s.matcher == nil {
		return nil, 0
	}

	if parsed.LLMAttempted {
		rc.stats.LLMReused++
		if parsed.LLMChosenSkuKey == "" {
			return nil, 0
		}
		sku, err := s.repos.Sku.GetBySkuKey(ctx, parsed.LLMChosenSkuKey)
		if err != nil || sku == nil {
			return nil, 0
		}
		conf := 0.0
		if parsed.LLMMatchConfidence != nil {
			conf = *parsed.LLMMatchConfidence
		}
		return sku, conf
	}

	if rc.stats.LLMExternalCalls >= rc.budget {
		rc.stats.LLMSkippedBudget++
		return nil, 0
	}

	candidates, err := s.repos.Sku.ListByModelCondition(ctx, model, condition, storage, candidateLimit)
	if err != nil {
		s.logger.Error("candidate listing failed", "raw_id", raw.ID, "error", err)
		return nil, 0
	}
	if len(candidates) == 0 {
		return nil, 0
	}
	candidateKeys := make([]string, len(candidates))
	bySkuKey := make(map[string]*models.GoldenSku, len(candidates))
	for i, c := range candidates {
		candidateKeys[i] = c.SkuKey
		bySkuKey[c.SkuKey] = c
	}

	outcome := s.matcher.AskMatch(ctx, MatchRequest{
		Title:               raw.Title,
		SecondHandCondition: derefString(raw.SecondHandCondition),
		MerchantName:        raw.MerchantName,
		Candidates:          candidateKeys,
	})
	if outcome.Deferred {
		// Another worker owns this call; retry on a later pass.
		return nil, 0
	}
	if outcome.FromCache {
		rc.stats.LLMReused++
	} else {
		rc.stats.LLMExternalCalls++
	}

	parsed.LLMAttempted = true
	parsed.LLMCandidatesCount = len(candidateKeys)
	parsed.LLMCandidatesFingerprint = outcome.CandidatesFingerprint
	parsed.LLM = outcome.Result

	if outcome.Result == nil || outcome.Result.Match == nil {
		return nil, 0
	}
	conf := outcome.Result.Match.MatchConfidence
	parsed.LLMChosenSkuKey = outcome.Result.Match.SkuKey
	parsed.LLMMatchConfidence = &conf
	return bySkuKey[outcome.Result.Match.SkuKey], conf
}

// promote converts the price, resolves the dedup key and either links the
// raw row to an existing offer or creates a new one.
func (s *ReconcileService) promote(ctx context.Context, rc *runState, raw *models.RawOffer, parsed *models.ParsedAttrs, flags *models.RawOfferFlags, sku *models.GoldenSku, confidence float64, createdReason, existingReason string) {
	if strings.ToUpper(raw.Currency) != "USD" && rc.rates == nil {
		rc.stats.SkippedFx++
		s.finalize(ctx, rc, raw, parsed, flags, []string{models.ReasonFxUnavailable}, nil, 0)
		return
	}
	priceUSD, err := s.fx.ConvertToUSD(ctx, raw.PriceLocal, raw.Currency, rc.rates)
	if err != nil {
		rc.stats.SkippedFx++
		s.finalize(ctx, rc, raw, parsed, flags, []string{models.ReasonFxUnavailable}, nil, 0)
		return
	}

	dedupKey := keys.ComposeDedupKey(raw.MerchantName, raw.PriceLocal, raw.Currency, raw.ProductLink)
	formatted := provider.FormatLocalPrice(raw.PriceLocal, raw.Currency)

	existing, err := s.repos.Offer.GetByDedupKey(ctx, dedupKey)
	if err != nil {
		s.rowError(ctx, rc, raw, parsed, flags, "dedup lookup failed", err)
		return
	}
	if existing != nil {
		s.linkOrConflict(ctx, rc, raw, parsed, flags, sku, existing, confidence, existingReason, priceUSD, formatted)
		return
	}

	merchant, err := s.repos.Merchant.GetOrCreate(ctx, keys.Normalize(raw.MerchantName), raw.MerchantName, trust.TierFor(raw.MerchantName))
	if err != nil {
		s.rowError(ctx, rc, raw, parsed, flags, "merchant resolve failed", err)
		return
	}

	// Shopping rows never carry shipping/warranty/return information.
	signals := trust.Signals{
		MissingShipping:     true,
		MissingWarranty:     true,
		MissingReturnPolicy: true,
		HasPhysicalAddress:  merchant.HasPhysicalStore,
	}
	if sku.MsrpUSD != nil && *sku.MsrpUSD > 0 && priceUSD < *sku.MsrpUSD*0.4 {
		signals.PriceAnomaly = true
	}
	score, trustReasons := trust.Score(merchant.Tier, signals)

	reasons := []string{createdReason}
	offer := &models.Offer{
		SkuID:                sku.ID,
		MerchantID:           &merchant.ID,
		DedupKey:             dedupKey,
		CountryCode:          raw.CountryCode,
		CountryName:          provider.CountryName(raw.CountryCode),
		PriceLocal:           raw.PriceLocal,
		Currency:             strings.ToUpper(raw.Currency),
		PriceUSD:             priceUSD,
		FinalEffectivePrice:  priceUSD,
		FormattedLocalPrice:  formatted,
		ShopName:             raw.MerchantName,
		TrustScore:           score,
		TrustReasonsJSON:     mustJSON(trustReasons),
		Availability:         "unknown",
		Condition:            sku.Condition,
		ProviderLink:         raw.ProductLink,
		DetailToken:          raw.DetailToken,
		UnknownShipping:      true,
		UnknownRefund:        true,
		Source:               "reconcile",
		MatchConfidence:      confidence,
		MatchReasonCodesJSON: mustJSON(reasons),
	}

	if !rc.dryRun {
		if err := s.repos.Offer.Create(ctx, offer); err != nil {
			// Lost a race on dedup_key uniqueness: re-read and treat as
			// a dedup match.
			raced, lookupErr := s.repos.Offer.GetByDedupKey(ctx, dedupKey)
			if lookupErr != nil || raced == nil {
				s.rowError(ctx, rc, raw, parsed, flags, "offer create failed", err)
				return
			}
			s.logger.Warn("offer create raced on dedup key", "dedup_key", dedupKey)
			s.linkOrConflict(ctx, rc, raw, parsed, flags, sku, raced, confidence, existingReason, priceUSD, formatted)
			return
		}
	}

	rc.stats.CreatedOffers++
	if len(rc.debug.CreatedOfferIDs) < maxDebugSamples && offer.ID != "" {
		rc.debug.CreatedOfferIDs = append(rc.debug.CreatedOfferIDs, offer.ID)
	}
	s.finalize(ctx, rc, raw, parsed, flags, reasons, &sku.ID, confidence)
}

// linkOrConflict handles an existing offer under the row's dedup key.
func (s *ReconcileService) linkOrConflict(ctx context.Context, rc *runState, raw *models.RawOffer, parsed *models.ParsedAttrs, flags *models.RawOfferFlags, sku *models.GoldenSku, existing *models.Offer, confidence float64, existingReason string, priceUSD float64, formatted string) {
	if existing.SkuID != sku.ID {
		rc.stats.DedupConflicts++
		s.finalize(ctx, rc, raw, parsed, flags, []string{models.ReasonDedupKeyConflict}, nil, 0)
		return
	}

	if !rc.dryRun {
		if err := s.repos.Offer.RefreshPrices(ctx, existing.ID, raw.PriceLocal, priceUSD, priceUSD, formatted); err != nil {
			s.logger.Error("price refresh failed", "offer_id", existing.ID, "error", err)
		}
	}
	rc.stats.MatchedExisting++
	s.finalize(ctx, rc, raw, parsed, flags, []string{existingReason}, &sku.ID, confidence)
}

// finalize persists the row outcome. Every scanned row passes through
// here exactly once, so match_reason_codes_json is always set.
func (s *ReconcileService) finalize(ctx context.Context, rc *runState, raw *models.RawOffer, parsed *models.ParsedAttrs, flags *models.RawOfferFlags, reasons []string, matchedSkuID *string, confidence float64) {
	if len(rc.debug.ReasonCodeSamples) < maxDebugSamples {
		rc.debug.ReasonCodeSamples = append(rc.debug.ReasonCodeSamples, strings.Join(reasons, ","))
	}

	var confPtr *float64
	if matchedSkuID != nil {
		rc.stats.UpdatedRawMatches++
		confPtr = &confidence
		if len(rc.debug.MatchedRawIDs) < maxDebugSamples {
			rc.debug.MatchedRawIDs = append(rc.debug.MatchedRawIDs, raw.ID)
		}
	}

	if rc.dryRun {
		return
	}

	parsedJSON := mustJSON(parsed)
	flagsJSON := mustJSON(flags)
	reasonsJSON := mustJSON(reasons)
	err := s.repos.RawOffer.UpdateDecision(ctx, raw.ID, &parsedJSON, &flagsJSON, &reasonsJSON, matchedSkuID, confPtr)
	if err != nil {
		rc.stats.Errors++
		s.logger.Error("raw decision write failed", "raw_id", raw.ID, "error", err)
	}
}

// rowError counts a per-row failure and still records the outcome the row
// had reached so far.
func (s *ReconcileService) rowError(ctx context.Context, rc *runState, raw *models.RawOffer, parsed *models.ParsedAttrs, flags *models.RawOfferFlags, msg string, err error) {
	rc.stats.Errors++
	s.logger.Error(msg, "raw_id", raw.ID, "error", err)
	s.finalize(ctx, rc, raw, parsed, flags, []string{models.ReasonMissingRequiredAttrs}, nil, 0)
}

func decodeParsedAttrs(raw *string) *models.ParsedAttrs {
	parsed := &models.ParsedAttrs{}
	if raw != nil && *raw != "" {
		if err := json.Unmarshal([]byte(*raw), parsed); err != nil {
			return &models.ParsedAttrs{}
		}
	}
	return parsed
}

func decodeFlags(raw *string) *models.RawOfferFlags {
	flags := &models.RawOfferFlags{}
	if raw != nil && *raw != "" {
		if err := json.Unmarshal([]byte(*raw), flags); err != nil {
			return &models.RawOfferFlags{}
		}
	}
	return flags
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
