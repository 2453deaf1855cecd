package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/marketcompass/compass/internal/keys"
	"github.com/marketcompass/compass/internal/kv"
	"github.com/marketcompass/compass/internal/llm"
	"github.com/marketcompass/compass/internal/models"
)

const matcherSystemPrompt = `You match a product listing to a catalog SKU.
You are given a listing title (any language), an optional condition, an
optional merchant name, and a list of candidate sku_key values.
Respond with JSON only, exactly this shape:
{"is_accessory": bool, "is_bundle": bool, "is_contract": bool,
 "match": {"sku_key": "<one of the candidates>", "match_confidence": 0.0-1.0, "reason": "<short>"}}
Rules:
- sku_key MUST be exactly one of the provided candidates. Never invent one.
- If no candidate fits, or the listing is an accessory, bundle or carrier
  contract, set "match" to null.
- match_confidence reflects how certain the attribute evidence is.`

// MatchRequest is one candidate-set matching call.
type MatchRequest struct {
	Title               string
	SecondHandCondition string
	MerchantName        string
	Candidates          []string // sku_keys, already scoped and stably ordered
}

// MatchOutcome is the result of AskMatch. Exactly one of Deferred,
// Result-nil ("none") or Result-set holds.
type MatchOutcome struct {
	// Deferred means another worker holds the single-flight lock; the
	// caller should retry on a later run without marking the attempt.
	Deferred bool
	// FromCache means no external call was made.
	FromCache bool
	// Result is nil when the model declined or produced an invalid
	// answer. Result.Match may still be nil for a valid "no match".
	Result *models.LLMMatchResult

	CandidatesFingerprint string
}

// MatcherService performs cached, lock-protected LLM candidate-set
// matching. The model may only choose from the enumerated candidates.
type MatcherService struct {
	client   *llm.Client
	store    kv.Store
	storage  *StorageService
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewMatcherService creates a new matcher service.
func NewMatcherService(client *llm.Client, store kv.Store, storage *StorageService, cacheTTL time.Duration, logger *slog.Logger) *MatcherService {
	return &MatcherService{client: client, store: store, storage: storage, cacheTTL: cacheTTL, logger: logger}
}

// CandidatesFingerprint hashes an ordered candidate list. The fingerprint
// is part of the cache key, so a changed catalog means a fresh call.
func CandidatesFingerprint(candidates []string) string {
	return keys.HashKey(candidates...)
}

// AskMatch runs the full matcher contract: cache, single-flight lock,
// re-check, call, validate. It never returns an error for upstream or
// output failures; those all collapse to a nil Result.
func (s *MatcherService) AskMatch(ctx context.Context, req MatchRequest) MatchOutcome {
	fingerprint := CandidatesFingerprint(req.Candidates)
	outcome := MatchOutcome{CandidatesFingerprint: fingerprint}

	cacheKey := kv.PrefixLLMParse + keys.HashKey(req.Title, req.SecondHandCondition, req.MerchantName, fingerprint)

	if result, ok := s.readCache(ctx, cacheKey, req.Candidates); ok {
		outcome.FromCache = true
		outcome.Result = result
		return outcome
	}

	lockName := keys.ShortHash(cacheKey, 40)
	acquired, err := s.store.AcquireLock(ctx, lockName, kv.TTLLockShort)
	if err != nil {
		s.logger.Warn("matcher lock error", "error", err)
	}
	if !acquired {
		outcome.Deferred = true
		return outcome
	}
	defer func() {
		if err := s.store.ReleaseLock(ctx, lockName); err != nil {
			s.logger.Warn("matcher lock release failed", "error", err)
		}
	}()

	// Another worker may have filled the cache while we waited.
	if result, ok := s.readCache(ctx, cacheKey, req.Candidates); ok {
		outcome.FromCache = true
		outcome.Result = result
		return outcome
	}

	outcome.Result = s.call(ctx, req, cacheKey)
	return outcome
}

// readCache returns (result, true) when a cached payload exists and still
// validates against the current candidates. An invalid cached payload is
// a miss: the catalog may have changed since it was written.
func (s *MatcherService) readCache(ctx context.Context, cacheKey string, candidates []string) (*models.LLMMatchResult, bool) {
	raw, err := s.store.Get(ctx, cacheKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.logger.Warn("matcher cache read failed", "error", err)
		}
		return nil, false
	}
	result := parseMatchPayload(raw, candidates)
	if result == nil {
		return nil, false
	}
	return result, true
}

func (s *MatcherService) call(ctx context.Context, req MatchRequest, cacheKey string) *models.LLMMatchResult {
	var user strings.Builder
	fmt.Fprintf(&user, "Title: %s\n", req.Title)
	if req.SecondHandCondition != "" {
		fmt.Fprintf(&user, "Condition: %s\n", req.SecondHandCondition)
	}
	if req.MerchantName != "" {
		fmt.Fprintf(&user, "Merchant: %s\n", req.MerchantName)
	}
	user.WriteString("Candidates:\n")
	for _, c := range req.Candidates {
		fmt.Fprintf(&user, "- %s\n", c)
	}

	zero := 0.0
	content, err := s.client.Chat(ctx, []llm.Message{
		{Role: "system", Content: matcherSystemPrompt},
		{Role: "user", Content: user.String()},
	}, llm.Options{Temperature: &zero, JSONMode: true})
	if err != nil {
		s.logger.Warn("matcher llm call failed", "error", err)
		return nil
	}

	if s.storage != nil {
		s.storage.StoreDebugCapture(ctx, DebugCapture{
			ID:      ulid.Make().String(),
			Kind:    "llm_match",
			Key:     cacheKey,
			Payload: json.RawMessage(mustJSONString(content)),
		})
	}

	// The raw payload is cached even when it fails validation: the
	// attempt happened and must not be repeated.
	if err := s.store.Set(ctx, cacheKey, content, s.cacheTTL); err != nil {
		s.logger.Warn("matcher cache write failed", "error", err)
	}

	return parseMatchPayload(content, req.Candidates)
}

// parseMatchPayload extracts and validates a matcher response. Returns
// nil for unparseable output or a sku_key outside the candidate set.
func parseMatchPayload(content string, candidates []string) *models.LLMMatchResult {
	object, err := llm.ExtractFirstJSONObject(content)
	if err != nil {
		return nil
	}
	var result models.LLMMatchResult
	if err := json.Unmarshal([]byte(object), &result); err != nil {
		return nil
	}
	if result.Match != nil {
		valid := false
		for _, c := range candidates {
			if result.Match.SkuKey == c {
				valid = true
				break
			}
		}
		if !valid {
			return nil
		}
		if result.Match.MatchConfidence < 0 {
			result.Match.MatchConfidence = 0
		}
		if result.Match.MatchConfidence > 1 {
			result.Match.MatchConfidence = 1
		}
	}
	return &result
}

func mustJSONString(s string) []byte {
	data, err := json.Marshal(s)
	if err != nil {
		return []byte(`""`)
	}
	return data
}
