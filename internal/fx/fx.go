// Package fx fetches and caches USD-base exchange rates and converts local
// prices to USD.
package fx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/marketcompass/compass/internal/kv"
)

// Error is the typed failure every FX operation surfaces. The reconciler
// maps any Error to a per-row skip, never a run abort.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fx %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Rates is one upstream snapshot. Rates are units of CCY per 1 USD.
type Rates struct {
	Base      string             `json:"base"`
	Timestamp int64              `json:"timestamp"`
	Rates     map[string]float64 `json:"rates"`
}

// Service fetches rates from an OpenExchangeRates-compatible upstream and
// caches them in the KV store.
type Service struct {
	baseURL  string
	apiKey   string
	cacheTTL time.Duration
	client   *http.Client
	store    kv.Store
	logger   *slog.Logger
}

// New creates an FX service. baseURL is the API root without a trailing
// slash, e.g. "https://openexchangerates.org/api".
func New(baseURL, apiKey string, cacheTTL, timeout time.Duration, store kv.Store, logger *slog.Logger) *Service {
	return &Service{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		apiKey:   apiKey,
		cacheTTL: cacheTTL,
		client:   &http.Client{Timeout: timeout},
		store:    store,
		logger:   logger,
	}
}

const cacheKey = kv.PrefixFxRates + "usd"

// GetLatest returns the current USD-base rates, cache-first. forceRefresh
// bypasses the cache read (the result is still written back).
func (s *Service) GetLatest(ctx context.Context, forceRefresh bool) (*Rates, error) {
	if !forceRefresh {
		var cached Rates
		err := kv.GetJSON(ctx, s.store, cacheKey, &cached)
		if err == nil && cached.Base == "USD" && len(cached.Rates) > 0 {
			return &cached, nil
		}
		if err != nil && !errors.Is(err, kv.ErrNotFound) {
			s.logger.Warn("fx cache read failed", "error", err)
		}
	}

	rates, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if err := kv.SetJSON(ctx, s.store, cacheKey, rates, s.cacheTTL); err != nil {
		s.logger.Warn("fx cache write failed", "error", err)
	}
	return rates, nil
}

func (s *Service) fetch(ctx context.Context) (*Rates, error) {
	endpoint := fmt.Sprintf("%s/latest.json?app_id=%s", s.baseURL, url.QueryEscape(s.apiKey))

	var rates *Rates
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("upstream status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("upstream status %d: %s", resp.StatusCode, truncate(body, 200)))
		}

		var parsed Rates
		if err := json.Unmarshal(body, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		if parsed.Base != "USD" {
			return backoff.Permanent(fmt.Errorf("unexpected base %q", parsed.Base))
		}
		if len(parsed.Rates) == 0 {
			return backoff.Permanent(errors.New("empty rates"))
		}
		if _, ok := parsed.Rates["USD"]; !ok {
			parsed.Rates["USD"] = 1.0
		}
		rates = &parsed
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, &Error{Op: "fetch", Err: err}
	}
	return rates, nil
}

// ConvertToUSD converts a local amount using the given rates, rounded to
// one cent. When the currency is missing or its rate is non-positive, the
// cache is refreshed once before giving up.
func (s *Service) ConvertToUSD(ctx context.Context, amount float64, currency string, rates *Rates) (float64, error) {
	ccy := strings.ToUpper(strings.TrimSpace(currency))
	if ccy == "USD" {
		return round2(amount), nil
	}

	if rates == nil {
		var err error
		rates, err = s.GetLatest(ctx, false)
		if err != nil {
			return 0, err
		}
	}

	rate, ok := rates.Rates[ccy]
	if !ok || rate <= 0 {
		refreshed, err := s.GetLatest(ctx, true)
		if err != nil {
			return 0, err
		}
		rate, ok = refreshed.Rates[ccy]
		if !ok || rate <= 0 {
			return 0, &Error{Op: "convert", Err: fmt.Errorf("no rate for %s", ccy)}
		}
	}
	return round2(amount / rate), nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
