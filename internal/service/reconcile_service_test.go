package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/marketcompass/compass/internal/fx"
	"github.com/marketcompass/compass/internal/keys"
	"github.com/marketcompass/compass/internal/kv"
	"github.com/marketcompass/compass/internal/models"
	"github.com/marketcompass/compass/internal/repository"
)

func newReconciler(repos *repository.Repositories, fxSvc *fx.Service, matcher *MatcherService, llmEnabled bool, maxCalls int, maxFraction float64) *ReconcileService {
	return NewReconcileService(repos, fxSvc, matcher, llmEnabled, maxCalls, maxFraction, testLogger())
}

func newRaw(productID, country, title, merchant, link string, price float64, currency string) *models.RawOffer {
	raw := &models.RawOffer{
		CountryCode:     country,
		Title:           title,
		MerchantName:    merchant,
		ProductLink:     link,
		ProductLinkHash: keys.LinkHash(link),
		PriceLocal:      price,
		Currency:        currency,
	}
	if productID != "" {
		raw.SourceProductID = &productID
	}
	return raw
}

func rawReasons(t *testing.T, repos *repository.Repositories, id string) []string {
	t.Helper()
	raw, err := repos.RawOffer.GetByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if raw.MatchReasonCodesJSON == nil {
		t.Fatalf("raw %s has no reason codes", id)
	}
	var reasons []string
	if err := json.Unmarshal([]byte(*raw.MatchReasonCodesJSON), &reasons); err != nil {
		t.Fatal(err)
	}
	return reasons
}

func TestReconcileDeterministicHappyPath(t *testing.T) {
	repos := setupTestRepos(t)
	store := kv.NewMemory()
	fxSvc := newFxService(t, store, usdRatesHandler(map[string]float64{"EUR": 0.9}))
	svc := newReconciler(repos, fxSvc, nil, false, 0, 0)

	sku := newCatalogSku(t, repos, "iphone-16-pro-max-256gb-desert-new", "iphone-16-pro-max", "256gb", "desert", "new")
	raw := seedRaw(t, repos, newRaw("p1", "us", "Apple iPhone 16 Pro Max 256GB Desert Titanium", "Apple", "https://x/y", 1499, "USD"))

	stats, debug, err := svc.Reconcile(context.Background(), 10, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.CreatedOffers != 1 || stats.UpdatedRawMatches != 1 || stats.LLMExternalCalls != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	wantKey := keys.ComposeDedupKey("Apple", 1499.00, "USD", "https://x/y")
	offer, err := repos.Offer.GetByDedupKey(context.Background(), wantKey)
	if err != nil {
		t.Fatal(err)
	}
	if offer == nil {
		t.Fatalf("no offer under dedup key %s", wantKey)
	}
	if offer.SkuID != sku.ID || offer.PriceUSD != 1499.00 || offer.MatchConfidence != 1.0 {
		t.Errorf("offer = %+v", offer)
	}
	if offer.MatchReasonCodesJSON != `["DETERMINISTIC_SKU_MATCH"]` {
		t.Errorf("reason codes = %s", offer.MatchReasonCodesJSON)
	}
	if offer.Source != "reconcile" {
		t.Errorf("source = %s", offer.Source)
	}

	linked, err := repos.RawOffer.GetByID(context.Background(), raw.ID)
	if err != nil {
		t.Fatal(err)
	}
	if linked.MatchedSkuID == nil || *linked.MatchedSkuID != sku.ID {
		t.Error("raw not linked to sku")
	}
	if len(debug.CreatedOfferIDs) != 1 {
		t.Errorf("debug samples = %+v", debug)
	}

	// Second pass: the row is linked, nothing to do.
	again, _, err := svc.Reconcile(context.Background(), 10, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if again.Scanned != 0 || again.CreatedOffers != 0 {
		t.Errorf("second pass stats = %+v", again)
	}
}

func TestReconcileMultiVariantSkip(t *testing.T) {
	repos := setupTestRepos(t)
	store := kv.NewMemory()
	fxSvc := newFxService(t, store, usdRatesHandler(nil))
	svc := newReconciler(repos, fxSvc, nil, false, 0, 0)

	raw := seedRaw(t, repos, newRaw("p1", "us", "iPhone 16 Pro 256GB / 512GB / 1TB — all colors", "Shop", "https://x/mv", 999, "USD"))

	stats, _, err := svc.Reconcile(context.Background(), 10, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.SkippedMultiVariant != 1 || stats.CreatedOffers != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := rawReasons(t, repos, raw.ID); got[0] != models.ReasonSkipMultiVariant {
		t.Errorf("reasons = %v", got)
	}
}

func TestReconcileContractSkip(t *testing.T) {
	repos := setupTestRepos(t)
	store := kv.NewMemory()
	fxSvc := newFxService(t, store, usdRatesHandler(map[string]float64{"EUR": 0.9}))
	svc := newReconciler(repos, fxSvc, nil, false, 0, 0)

	raw := seedRaw(t, repos, newRaw("p1", "de", "Apple iPhone 16 Pro mit Vertrag — monatlich 29,99€", "Telekom Shop", "https://x/de", 29.99, "EUR"))

	stats, _, err := svc.Reconcile(context.Background(), 10, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.SkippedContract != 1 || stats.CreatedOffers != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := rawReasons(t, repos, raw.ID); got[0] != models.ReasonSkipContract {
		t.Errorf("reasons = %v", got)
	}
}

func TestReconcileLLMCandidateMatch(t *testing.T) {
	repos := setupTestRepos(t)
	store := kv.NewMemory()
	fxSvc := newFxService(t, store, usdRatesHandler(nil))

	var llmCalls int64
	client := newLLMClient(t, chatHandler(func(r *http.Request) string {
		atomic.AddInt64(&llmCalls, 1)
		return `{"is_accessory":false,"is_bundle":false,"is_contract":false,` +
			`"match":{"sku_key":"iphone-17-pro-256gb-deep-blue-new","match_confidence":0.8}}`
	}))
	matcher := NewMatcherService(client, store, nil, kv.TTLLLMParse, testLogger())
	svc := newReconciler(repos, fxSvc, matcher, true, 25, 0.1)

	sku := newCatalogSku(t, repos, "iphone-17-pro-256gb-deep-blue-new", "iphone-17-pro", "256gb", "deep-blue", "new")
	raw := seedRaw(t, repos, newRaw("p1", "us", "iPhone 17 Pro 256GB", "Shop", "https://x/17", 1099, "USD"))

	stats, _, err := svc.Reconcile(context.Background(), 10, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.LLMBudget != 1 {
		t.Errorf("budget = %d, want min(25, floor(10*0.1)) = 1", stats.LLMBudget)
	}
	if stats.CreatedOffers != 1 || stats.LLMExternalCalls != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if atomic.LoadInt64(&llmCalls) != 1 {
		t.Errorf("llm server calls = %d", llmCalls)
	}

	offer, err := repos.Offer.GetByDedupKey(context.Background(), keys.ComposeDedupKey("Shop", 1099, "USD", "https://x/17"))
	if err != nil || offer == nil {
		t.Fatalf("offer lookup: %v %v", offer, err)
	}
	if offer.SkuID != sku.ID || offer.MatchConfidence != 0.8 {
		t.Errorf("offer = %+v", offer)
	}
	if offer.MatchReasonCodesJSON != `["LLM_MATCH"]` {
		t.Errorf("reason codes = %s", offer.MatchReasonCodesJSON)
	}

	linked, err := repos.RawOffer.GetByID(context.Background(), raw.ID)
	if err != nil {
		t.Fatal(err)
	}
	var parsed models.ParsedAttrs
	if err := json.Unmarshal([]byte(*linked.ParsedAttrsJSON), &parsed); err != nil {
		t.Fatal(err)
	}
	if !parsed.LLMAttempted || parsed.LLMChosenSkuKey != sku.SkuKey {
		t.Errorf("parsed attrs = %+v", parsed)
	}
}

func TestReconcileLLMBudgetExhaustion(t *testing.T) {
	repos := setupTestRepos(t)
	store := kv.NewMemory()
	fxSvc := newFxService(t, store, usdRatesHandler(nil))

	var llmCalls int64
	client := newLLMClient(t, chatHandler(func(r *http.Request) string {
		atomic.AddInt64(&llmCalls, 1)
		return `{"is_accessory":false,"is_bundle":false,"is_contract":false,"match":null}`
	}))
	matcher := NewMatcherService(client, store, nil, kv.TTLLLMParse, testLogger())
	svc := newReconciler(repos, fxSvc, matcher, true, 25, 0.1)

	newCatalogSku(t, repos, "iphone-16-128gb-black-new", "iphone-16", "128gb", "black", "new")
	seedRaw(t, repos, newRaw("p1", "us", "iPhone 16 128GB great deal", "A", "https://x/a", 700, "USD"))
	seedRaw(t, repos, newRaw("p2", "us", "iPhone 16 128GB super deal", "B", "https://x/b", 710, "USD"))

	stats, _, err := svc.Reconcile(context.Background(), 10, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.LLMExternalCalls != 1 || stats.LLMSkippedBudget != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.SkippedMissingAttrs != 2 {
		t.Errorf("skipped_missing_attrs = %d, want 2 (no match either way)", stats.SkippedMissingAttrs)
	}
	if atomic.LoadInt64(&llmCalls) != 1 {
		t.Errorf("llm server calls = %d", llmCalls)
	}
}

func TestReconcileLLMAttemptReused(t *testing.T) {
	repos := setupTestRepos(t)
	store := kv.NewMemory()
	fxSvc := newFxService(t, store, usdRatesHandler(nil))

	var llmCalls int64
	client := newLLMClient(t, chatHandler(func(r *http.Request) string {
		atomic.AddInt64(&llmCalls, 1)
		return `{"is_accessory":false,"is_bundle":false,"is_contract":false,"match":null}`
	}))
	matcher := NewMatcherService(client, store, nil, kv.TTLLLMParse, testLogger())
	svc := newReconciler(repos, fxSvc, matcher, true, 25, 0.5)

	newCatalogSku(t, repos, "iphone-16-128gb-black-new", "iphone-16", "128gb", "black", "new")
	seedRaw(t, repos, newRaw("p1", "us", "iPhone 16 128GB bargain", "A", "https://x/a", 700, "USD"))

	first, _, err := svc.Reconcile(context.Background(), 10, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if first.LLMExternalCalls != 1 {
		t.Fatalf("first stats = %+v", first)
	}

	// The null outcome is persisted; the second run reuses it instead of
	// calling again.
	second, _, err := svc.Reconcile(context.Background(), 10, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if second.LLMExternalCalls != 0 || second.LLMReused != 1 {
		t.Fatalf("second stats = %+v", second)
	}
	if atomic.LoadInt64(&llmCalls) != 1 {
		t.Errorf("llm server calls = %d", llmCalls)
	}
}

func TestReconcileFxOutageThenRecovery(t *testing.T) {
	repos := setupTestRepos(t)
	store := kv.NewMemory()

	newCatalogSku(t, repos, "iphone-16-pro-256gb-black-new", "iphone-16-pro", "256gb", "black", "new")
	raw := seedRaw(t, repos, newRaw("p1", "jp", "iPhone 16 Pro 256GB Black", "Bic Camera", "https://x/jp", 159800, "JPY"))

	broken := newFxService(t, store, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	svc := newReconciler(repos, broken, nil, false, 0, 0)

	stats, _, err := svc.Reconcile(context.Background(), 10, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.SkippedFx != 1 || stats.CreatedOffers != 0 {
		t.Fatalf("outage stats = %+v", stats)
	}
	if got := rawReasons(t, repos, raw.ID); got[0] != models.ReasonFxUnavailable {
		t.Errorf("reasons = %v", got)
	}

	healthy := newFxService(t, store, usdRatesHandler(map[string]float64{"JPY": 150}))
	svc = newReconciler(repos, healthy, nil, false, 0, 0)

	stats, _, err = svc.Reconcile(context.Background(), 10, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.CreatedOffers != 1 {
		t.Fatalf("recovery stats = %+v", stats)
	}
	offer, err := repos.Offer.GetByDedupKey(context.Background(), keys.ComposeDedupKey("Bic Camera", 159800, "JPY", "https://x/jp"))
	if err != nil || offer == nil {
		t.Fatalf("offer lookup: %v %v", offer, err)
	}
	if offer.PriceUSD != 1065.33 {
		t.Errorf("price_usd = %v, want 1065.33", offer.PriceUSD)
	}
	if !strings.Contains(offer.FormattedLocalPrice, "159,800") {
		t.Errorf("formatted price = %s", offer.FormattedLocalPrice)
	}
}

func TestReconcileDedupAcrossRuns(t *testing.T) {
	repos := setupTestRepos(t)
	store := kv.NewMemory()
	fxSvc := newFxService(t, store, usdRatesHandler(nil))
	svc := newReconciler(repos, fxSvc, nil, false, 0, 0)

	sku := newCatalogSku(t, repos, "iphone-16-pro-max-256gb-desert-new", "iphone-16-pro-max", "256gb", "desert", "new")
	newCatalogSku(t, repos, "iphone-16-pro-max-512gb-desert-new", "iphone-16-pro-max", "512gb", "desert", "new")

	seedRaw(t, repos, newRaw("p1", "us", "Apple iPhone 16 Pro Max 256GB Desert Titanium", "Apple", "https://x/y", 1499, "USD"))
	if _, _, err := svc.Reconcile(context.Background(), 10, "", false); err != nil {
		t.Fatal(err)
	}

	// Same merchant/price/currency/link seen again from another market:
	// same dedup key, same sku, so the raw links to the existing offer.
	sameSku := seedRaw(t, repos, newRaw("p2", "ca", "Apple iPhone 16 Pro Max 256GB Desert Titanium", "Apple", "https://x/y", 1499, "USD"))
	stats, _, err := svc.Reconcile(context.Background(), 10, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.MatchedExisting != 1 || stats.CreatedOffers != 0 || stats.UpdatedRawMatches != 1 {
		t.Fatalf("same-sku stats = %+v", stats)
	}
	linked, err := repos.RawOffer.GetByID(context.Background(), sameSku.ID)
	if err != nil {
		t.Fatal(err)
	}
	if linked.MatchedSkuID == nil || *linked.MatchedSkuID != sku.ID {
		t.Error("raw not linked to existing offer's sku")
	}
	if got := rawReasons(t, repos, sameSku.ID); got[0] != models.ReasonDedupMatchExisting {
		t.Errorf("reasons = %v", got)
	}

	// Same dedup key but the title resolves to a different sku: conflict,
	// no link.
	conflict := seedRaw(t, repos, newRaw("p3", "gb", "Apple iPhone 16 Pro Max 512GB Desert Titanium", "Apple", "https://x/y", 1499, "USD"))
	stats, _, err = svc.Reconcile(context.Background(), 10, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.DedupConflicts != 1 || stats.CreatedOffers != 0 {
		t.Fatalf("conflict stats = %+v", stats)
	}
	unlinked, err := repos.RawOffer.GetByID(context.Background(), conflict.ID)
	if err != nil {
		t.Fatal(err)
	}
	if unlinked.MatchedSkuID != nil {
		t.Error("conflicting raw must not be linked")
	}
	if got := rawReasons(t, repos, conflict.ID); got[0] != models.ReasonDedupKeyConflict {
		t.Errorf("reasons = %v", got)
	}
}

func TestReconcileDryRunWritesNothing(t *testing.T) {
	repos := setupTestRepos(t)
	store := kv.NewMemory()
	fxSvc := newFxService(t, store, usdRatesHandler(nil))
	svc := newReconciler(repos, fxSvc, nil, false, 0, 0)

	newCatalogSku(t, repos, "iphone-16-pro-max-256gb-desert-new", "iphone-16-pro-max", "256gb", "desert", "new")
	raw := seedRaw(t, repos, newRaw("p1", "us", "Apple iPhone 16 Pro Max 256GB Desert Titanium", "Apple", "https://x/y", 1499, "USD"))

	stats, _, err := svc.Reconcile(context.Background(), 10, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if !stats.DryRun || stats.CreatedOffers != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	offer, err := repos.Offer.GetByDedupKey(context.Background(), keys.ComposeDedupKey("Apple", 1499, "USD", "https://x/y"))
	if err != nil {
		t.Fatal(err)
	}
	if offer != nil {
		t.Error("dry run must not create offers")
	}
	unlinked, err := repos.RawOffer.GetByID(context.Background(), raw.ID)
	if err != nil {
		t.Fatal(err)
	}
	if unlinked.MatchedSkuID != nil || unlinked.MatchReasonCodesJSON != nil {
		t.Error("dry run must not mutate raw rows")
	}
}

func TestReconcileMissingTitleAndAttrs(t *testing.T) {
	repos := setupTestRepos(t)
	store := kv.NewMemory()
	fxSvc := newFxService(t, store, usdRatesHandler(nil))
	svc := newReconciler(repos, fxSvc, nil, false, 0, 0)

	empty := seedRaw(t, repos, newRaw("p1", "us", "", "Shop", "https://x/empty", 100, "USD"))
	noModel := seedRaw(t, repos, newRaw("p2", "us", "Smartphone 256GB Black amazing", "Shop", "https://x/nm", 500, "USD"))

	stats, _, err := svc.Reconcile(context.Background(), 10, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.SkippedMissingTitle != 1 || stats.SkippedMissingAttrs != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := rawReasons(t, repos, empty.ID); got[0] != models.ReasonMissingTitle {
		t.Errorf("reasons = %v", got)
	}
	if got := rawReasons(t, repos, noModel.ID); got[0] != models.ReasonMissingRequiredAttrs {
		t.Errorf("reasons = %v", got)
	}
}

func TestReconcileSkuNotInCatalog(t *testing.T) {
	repos := setupTestRepos(t)
	store := kv.NewMemory()
	fxSvc := newFxService(t, store, usdRatesHandler(nil))
	svc := newReconciler(repos, fxSvc, nil, false, 0, 0)

	raw := seedRaw(t, repos, newRaw("p1", "us", "Apple iPhone 15 128GB Blue", "Shop", "https://x/15", 599, "USD"))

	stats, _, err := svc.Reconcile(context.Background(), 10, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.SkippedNotInCatalog != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := rawReasons(t, repos, raw.ID); got[0] != models.ReasonSkuNotInCatalog {
		t.Errorf("reasons = %v", got)
	}
}

func TestReconcileSecondHandConditionWins(t *testing.T) {
	repos := setupTestRepos(t)
	store := kv.NewMemory()
	fxSvc := newFxService(t, store, usdRatesHandler(nil))
	svc := newReconciler(repos, fxSvc, nil, false, 0, 0)

	sku := newCatalogSku(t, repos, "iphone-16-128gb-black-refurbished", "iphone-16", "128gb", "black", "refurbished")
	raw := newRaw("p1", "us", "Apple iPhone 16 128GB Black", "Shop", "https://x/refurb", 549, "USD")
	cond := "Refurbished - Excellent"
	raw.SecondHandCondition = &cond
	seedRaw(t, repos, raw)

	stats, _, err := svc.Reconcile(context.Background(), 10, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.CreatedOffers != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	offers, err := repos.Offer.ListBySku(context.Background(), sku.ID, 10)
	if err != nil || len(offers) != 1 {
		t.Fatalf("offers = %v, err %v", offers, err)
	}
	if offers[0].Condition != "refurbished" {
		t.Errorf("condition = %s", offers[0].Condition)
	}
}

func TestReconcileKnownMerchantTier(t *testing.T) {
	repos := setupTestRepos(t)
	store := kv.NewMemory()
	fxSvc := newFxService(t, store, usdRatesHandler(nil))
	svc := newReconciler(repos, fxSvc, nil, false, 0, 0)

	newCatalogSku(t, repos, "iphone-16-pro-max-256gb-desert-new", "iphone-16-pro-max", "256gb", "desert", "new")
	seedRaw(t, repos, newRaw("p1", "us", "Apple iPhone 16 Pro Max 256GB Desert Titanium", "Apple Store", "https://x/official", 1199, "USD"))
	seedRaw(t, repos, newRaw("p2", "us", "Apple iPhone 16 Pro Max 256GB Desert Titanium", "Some Reseller", "https://x/reseller", 1099, "USD"))

	stats, _, err := svc.Reconcile(context.Background(), 10, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.CreatedOffers != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	official, err := repos.Merchant.GetByNormalizedName(context.Background(), "apple-store")
	if err != nil || official == nil {
		t.Fatalf("merchant = %v, err %v", official, err)
	}
	if official.Tier != models.TierOfficial {
		t.Errorf("Apple Store tier = %s, want OFFICIAL", official.Tier)
	}
	reseller, err := repos.Merchant.GetByNormalizedName(context.Background(), "some-reseller")
	if err != nil || reseller == nil {
		t.Fatalf("merchant = %v, err %v", reseller, err)
	}
	if reseller.Tier != models.TierUnknown {
		t.Errorf("reseller tier = %s, want UNKNOWN", reseller.Tier)
	}

	offer, err := repos.Offer.GetByDedupKey(context.Background(), keys.ComposeDedupKey("Apple Store", 1199, "USD", "https://x/official"))
	if err != nil || offer == nil {
		t.Fatalf("offer = %v, err %v", offer, err)
	}
	// 95 - 10 shipping - 10 warranty - 5 return policy
	if offer.TrustScore != 70 {
		t.Errorf("trust score = %d, want 70", offer.TrustScore)
	}
	if !strings.Contains(offer.TrustReasonsJSON, "TIER_OFFICIAL") {
		t.Errorf("trust reasons = %s", offer.TrustReasonsJSON)
	}
}
