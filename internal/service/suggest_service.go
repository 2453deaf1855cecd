package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/marketcompass/compass/internal/keys"
	"github.com/marketcompass/compass/internal/kv"
	"github.com/marketcompass/compass/internal/llm"
	"github.com/marketcompass/compass/internal/models"
	"github.com/marketcompass/compass/internal/patterns"
	"github.com/marketcompass/compass/internal/repository"
)

// Suggester input bounds.
const (
	MinSampleLimit   = 50
	MaxSampleLimit   = 2000
	MinLLMBatches    = 1
	MaxLLMBatches    = 4
	MinItemsPerBatch = 20
	MaxItemsPerBatch = 80
)

// Merge/score caps per pattern kind.
const (
	maxMergedPerKind = 30
	maxKeptPerKind   = 25
	maxExamples      = 3
)

// fingerprintRows is how many sample rows feed the cache fingerprint.
const fingerprintRows = 100

const suggestSystemPrompt = `You propose literal detection phrases for product listings.
Given listing titles and URLs in many languages, respond with JSON only:
{"contract": [{"phrase": "...", "confidence": 0.0-1.0}, ...],
 "condition_new": [...], "condition_used": [...], "condition_refurbished": [...]}
Rules:
- "contract" phrases indicate carrier contracts, installment plans or
  monthly payments.
- condition phrases indicate new/used/refurbished listings.
- Phrases must be short literal substrings that actually occur in the
  provided data, lowercase, 2-80 characters. Never propose regexes.`

// ErrSuggestInProgress is returned when another worker holds the
// suggestion lock for the same sample.
var ErrSuggestInProgress = errors.New("pattern suggestion already in progress")

type suggestProposal struct {
	Phrase     string  `json:"phrase"`
	Confidence float64 `json:"confidence"`
}

type suggestBatchPayload struct {
	Contract             []suggestProposal `json:"contract"`
	ConditionNew         []suggestProposal `json:"condition_new"`
	ConditionUsed        []suggestProposal `json:"condition_used"`
	ConditionRefurbished []suggestProposal `json:"condition_refurbished"`
}

func (p suggestBatchPayload) byKind() map[models.PatternKind][]suggestProposal {
	return map[models.PatternKind][]suggestProposal{
		models.PatternContract:             p.Contract,
		models.PatternConditionNew:         p.ConditionNew,
		models.PatternConditionUsed:        p.ConditionUsed,
		models.PatternConditionRefurbished: p.ConditionRefurbished,
	}
}

type sampleRow struct {
	title    string
	link     string
	haystack string // lower(title) + "\n" + lower(url hint)
}

// SuggestService proposes new pattern phrases from recent raw titles,
// scores them against the actual sample and persists them for admin
// review. Nothing is ever auto-promoted to an active phrase.
type SuggestService struct {
	repos          *repository.Repositories
	client         *llm.Client
	store          kv.Store
	storage        *StorageService
	maxConcurrency int64
	cacheTTL       time.Duration
	batchTimeout   time.Duration
	logger         *slog.Logger
}

// NewSuggestService creates a new pattern suggestion service.
func NewSuggestService(repos *repository.Repositories, client *llm.Client, store kv.Store, storage *StorageService, maxConcurrency int, cacheTTL, batchTimeout time.Duration, logger *slog.Logger) *SuggestService {
	return &SuggestService{
		repos:          repos,
		client:         client,
		store:          store,
		storage:        storage,
		maxConcurrency: int64(maxConcurrency),
		cacheTTL:       cacheTTL,
		batchTimeout:   batchTimeout,
		logger:         logger,
	}
}

// SuggestPatterns runs one suggestion pass: sample, fan out to the LLM in
// bounded-concurrent batches, merge, score, persist. The run succeeds as
// long as at least one batch succeeded.
func (s *SuggestService) SuggestPatterns(ctx context.Context, sampleLimit, llmBatches, itemsPerBatch int, forceRefresh bool) (*models.SuggestResult, error) {
	sampleLimit = clampInt(sampleLimit, MinSampleLimit, MaxSampleLimit)
	llmBatches = clampInt(llmBatches, MinLLMBatches, MaxLLMBatches)
	itemsPerBatch = clampInt(itemsPerBatch, MinItemsPerBatch, MaxItemsPerBatch)

	rows, err := s.repos.RawOffer.ListRecent(ctx, sampleLimit)
	if err != nil {
		return nil, fmt.Errorf("sample raw offers: %w", err)
	}
	if len(rows) == 0 {
		return &models.SuggestResult{
			RunID:   ulid.Make().String(),
			Phrases: map[models.PatternKind][]models.SuggestedPhrase{},
		}, nil
	}

	sample := make([]sampleRow, len(rows))
	for i, row := range rows {
		sample[i] = sampleRow{
			title:    row.Title,
			link:     row.ProductLink,
			haystack: strings.ToLower(row.Title) + "\n" + strings.ToLower(urlHint(row.ProductLink)),
		}
	}

	cacheKey := kv.PrefixSuggest + sampleFingerprint(sample)

	if !forceRefresh {
		if cached, ok := s.readCached(ctx, cacheKey); ok {
			return cached, nil
		}
	}

	acquired, err := s.store.AcquireLock(ctx, cacheKey, kv.TTLLockLong)
	if err != nil {
		s.logger.Warn("suggest lock error", "error", err)
	}
	if !acquired {
		return nil, ErrSuggestInProgress
	}
	defer func() {
		if err := s.store.ReleaseLock(ctx, cacheKey); err != nil {
			s.logger.Warn("suggest lock release failed", "error", err)
		}
	}()

	if !forceRefresh {
		if cached, ok := s.readCached(ctx, cacheKey); ok {
			return cached, nil
		}
	}

	batches := splitBatches(sample, llmBatches, itemsPerBatch)
	merged, batchErrors := s.fanOut(ctx, batches)
	if batchErrors == len(batches) {
		return nil, fmt.Errorf("all %d suggestion batches failed", len(batches))
	}

	runID := ulid.Make().String()
	result := &models.SuggestResult{
		RunID:       runID,
		SampleSize:  len(sample),
		Batches:     len(batches),
		BatchErrors: batchErrors,
		Phrases:     make(map[models.PatternKind][]models.SuggestedPhrase, len(models.PatternKinds)),
	}

	for _, kind := range models.PatternKinds {
		scored := scorePhrases(merged[kind], sample)
		result.Phrases[kind] = scored
		for _, phrase := range scored {
			suggestion := &models.PatternSuggestion{
				Kind:              kind,
				Phrase:            phrase.Phrase,
				MatchCountLast:    phrase.MatchCount,
				LLMConfidenceLast: phrase.LLMConfidence,
				SampleSizeLast:    len(sample),
				ExamplesJSON:      mustJSON(phrase.Examples),
				LastRunID:         &runID,
			}
			if err := s.repos.Pattern.UpsertSuggestion(ctx, suggestion); err != nil {
				s.logger.Error("suggestion upsert failed", "kind", kind, "phrase", phrase.Phrase, "error", err)
			}
		}
	}

	if err := kv.SetJSON(ctx, s.store, cacheKey, result, s.cacheTTL); err != nil {
		s.logger.Warn("suggest cache write failed", "error", err)
	}

	s.logger.Info("pattern suggestion complete",
		"run_id", runID,
		"sample_size", len(sample),
		"batches", len(batches),
		"batch_errors", batchErrors,
	)
	return result, nil
}

func (s *SuggestService) readCached(ctx context.Context, cacheKey string) (*models.SuggestResult, bool) {
	var cached models.SuggestResult
	err := kv.GetJSON(ctx, s.store, cacheKey, &cached)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.logger.Warn("suggest cache read failed", "error", err)
		}
		return nil, false
	}
	if cached.Phrases == nil {
		return nil, false
	}
	cached.Cached = true
	return &cached, true
}

// fanOut runs the batches concurrently under the semaphore and merges the
// proposals. Returns the merged proposals per kind and the failed-batch
// count.
func (s *SuggestService) fanOut(ctx context.Context, batches [][]sampleRow) (map[models.PatternKind][]suggestProposal, int) {
	sem := semaphore.NewWeighted(s.maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	merged := make(map[models.PatternKind][]suggestProposal, len(models.PatternKinds))
	batchErrors := 0

	for i, batch := range batches {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			batchErrors++
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(index int, batch []sampleRow) {
			defer wg.Done()
			defer sem.Release(1)

			payload, err := s.suggestBatch(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				batchErrors++
				s.logger.Warn("suggestion batch failed", "batch", index, "error", err)
				return
			}
			for kind, proposals := range payload.byKind() {
				merged[kind] = append(merged[kind], proposals...)
			}
		}(i, batch)
	}
	wg.Wait()

	for kind := range merged {
		merged[kind] = dedupeProposals(merged[kind])
	}
	return merged, batchErrors
}

// suggestBatch sends one batch of titles/links to the LLM and parses the
// strict-JSON proposal payload.
func (s *SuggestService) suggestBatch(ctx context.Context, batch []sampleRow) (*suggestBatchPayload, error) {
	batchCtx, cancel := context.WithTimeout(ctx, s.batchTimeout)
	defer cancel()

	var user strings.Builder
	user.WriteString("Listings:\n")
	for _, row := range batch {
		fmt.Fprintf(&user, "- title: %s\n  url: %s\n", row.title, row.link)
	}

	zero := 0.0
	content, err := s.client.Chat(batchCtx, []llm.Message{
		{Role: "system", Content: suggestSystemPrompt},
		{Role: "user", Content: user.String()},
	}, llm.Options{Temperature: &zero, JSONMode: true})
	if err != nil {
		return nil, err
	}

	if s.storage != nil {
		s.storage.StoreDebugCapture(ctx, DebugCapture{
			ID:      ulid.Make().String(),
			Kind:    "llm_suggest",
			Key:     keys.ShortHash(user.String(), 16),
			Payload: json.RawMessage(mustJSONString(content)),
		})
	}

	object, err := llm.ExtractFirstJSONObject(content)
	if err != nil {
		return nil, err
	}
	var payload suggestBatchPayload
	if err := json.Unmarshal([]byte(object), &payload); err != nil {
		return nil, fmt.Errorf("decode suggestion payload: %w", err)
	}
	return &payload, nil
}

// splitBatches partitions the sample into count evenly-spaced batches so
// every batch sees the whole recency range, not one contiguous slice.
func splitBatches(sample []sampleRow, count, itemsPerBatch int) [][]sampleRow {
	batches := make([][]sampleRow, 0, count)
	for b := 0; b < count; b++ {
		var batch []sampleRow
		for i := b; i < len(sample) && len(batch) < itemsPerBatch; i += count {
			batch = append(batch, sample[i])
		}
		if len(batch) > 0 {
			batches = append(batches, batch)
		}
	}
	return batches
}

// dedupeProposals lowercases, bounds and dedupes proposals, keeping the
// maximum confidence seen per phrase, capped at maxMergedPerKind.
func dedupeProposals(proposals []suggestProposal) []suggestProposal {
	index := make(map[string]int)
	var out []suggestProposal
	for _, p := range proposals {
		phrase := strings.ToLower(strings.TrimSpace(p.Phrase))
		if len(phrase) < patterns.MinPhraseLen || len(phrase) > patterns.MaxPhraseLen {
			continue
		}
		if i, ok := index[phrase]; ok {
			if p.Confidence > out[i].Confidence {
				out[i].Confidence = p.Confidence
			}
			continue
		}
		if len(out) == maxMergedPerKind {
			continue
		}
		index[phrase] = len(out)
		out = append(out, suggestProposal{Phrase: phrase, Confidence: p.Confidence})
	}
	return out
}

// scorePhrases counts literal substring hits for each proposal against
// the sample haystacks, drops zero-hit phrases and keeps the top
// maxKeptPerKind by match count.
func scorePhrases(proposals []suggestProposal, sample []sampleRow) []models.SuggestedPhrase {
	var scored []models.SuggestedPhrase
	for _, p := range proposals {
		count := 0
		var examples []string
		for _, row := range sample {
			if strings.Contains(row.haystack, p.Phrase) {
				count++
				if len(examples) < maxExamples {
					examples = append(examples, row.title)
				}
			}
		}
		if count == 0 {
			continue
		}
		conf := p.Confidence
		scored = append(scored, models.SuggestedPhrase{
			Phrase:        p.Phrase,
			MatchCount:    count,
			LLMConfidence: &conf,
			Examples:      examples,
		})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].MatchCount > scored[j].MatchCount
	})
	if len(scored) > maxKeptPerKind {
		scored = scored[:maxKeptPerKind]
	}
	return scored
}

// sampleFingerprint hashes the first fingerprintRows titles+links so the
// same recent sample maps to the same cache entry.
func sampleFingerprint(sample []sampleRow) string {
	n := len(sample)
	if n > fingerprintRows {
		n = fingerprintRows
	}
	parts := make([]string, 0, n)
	for _, row := range sample[:n] {
		parts = append(parts, row.title+"|"+row.link)
	}
	return keys.HashKey(parts...)
}

// urlHint reduces a product URL to host+path+query for matching.
func urlHint(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	hint := u.Host + u.Path
	if u.RawQuery != "" {
		hint += "?" + u.RawQuery
	}
	return hint
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
