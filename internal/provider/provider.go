// Package provider wraps the paid shopping search API: cache-first search
// and product-detail calls, result parsing for both organic and ads
// arrays, and currency resolution for extracted prices.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/marketcompass/compass/internal/keys"
	"github.com/marketcompass/compass/internal/kv"
)

// APIError is a non-2xx response from the shopping API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("shopping api status %d: %s", e.StatusCode, e.Body)
}

// AlternativePrice is the secondary price block some results carry. Its
// currency is only ever used as a last resort: the number it describes may
// not be the primary extracted price.
type AlternativePrice struct {
	Price    float64 `json:"extracted_price,omitempty"`
	Currency string  `json:"currency,omitempty"`
}

// ShoppingResult is one parsed row from a shopping search, organic or ad.
type ShoppingResult struct {
	ProductID        string            `json:"product_id,omitempty"`
	Title            string            `json:"title"`
	ExtractedPrice   float64           `json:"extracted_price"`
	Price            string            `json:"price,omitempty"` // formatted string, e.g. "¥159,800"
	Currency         string            `json:"currency,omitempty"`
	Source           string            `json:"source,omitempty"` // merchant name
	ProductLink      string            `json:"product_link,omitempty"`
	Link             string            `json:"link,omitempty"`
	DetailToken      string            `json:"serpapi_product_api,omitempty"`
	ImmersiveToken   string            `json:"serpapi_immersive_product_api,omitempty"`
	Thumbnail        string            `json:"thumbnail,omitempty"`
	SecondHand       string            `json:"second_hand_condition,omitempty"`
	AlternativePrice *AlternativePrice `json:"alternative_price,omitempty"`
}

// BestLink returns the result's product URL, preferring product_link.
func (r ShoppingResult) BestLink() string {
	if r.ProductLink != "" {
		return r.ProductLink
	}
	return r.Link
}

// Seller is one online seller from a product-detail response.
type Seller struct {
	Name       string `json:"name"`
	Link       string `json:"link"`
	TotalPrice string `json:"total_price"`
}

// DetailResult is a parsed product-detail response.
type DetailResult struct {
	ProductID string   `json:"product_id"`
	Sellers   []Seller `json:"sellers"`
}

type shoppingResponse struct {
	ShoppingResults       []ShoppingResult `json:"shopping_results"`
	InlineShoppingResults []ShoppingResult `json:"inline_shopping_results"`
}

type detailResponse struct {
	SellersResults struct {
		OnlineSellers []Seller `json:"online_sellers"`
	} `json:"sellers_results"`
}

// Client calls the shopping API with a KV cache in front of every request.
type Client struct {
	baseURL     string
	apiKey      string
	shoppingTTL time.Duration
	detailTTL   time.Duration
	httpClient  *http.Client
	store       kv.Store
	logger      *slog.Logger
}

// NewClient creates a shopping API client.
func NewClient(baseURL, apiKey string, shoppingTTL, detailTTL, timeout time.Duration, store kv.Store, logger *slog.Logger) *Client {
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		apiKey:      apiKey,
		shoppingTTL: shoppingTTL,
		detailTTL:   detailTTL,
		httpClient:  &http.Client{Timeout: timeout},
		store:       store,
		logger:      logger,
	}
}

// SearchShopping runs a shopping search for query in market gl. Results
// are cache-keyed by the query fingerprint; cached reports cacheHit=true.
func (c *Client) SearchShopping(ctx context.Context, query, gl, hl, location string, useCache bool) ([]ShoppingResult, bool, error) {
	if hl == "" {
		hl = "en"
	}
	cacheKey := kv.PrefixShopping + keys.ShortHash(query+"|"+gl+"|"+hl+"|"+location, 16)

	if useCache {
		var cached []ShoppingResult
		err := kv.GetJSON(ctx, c.store, cacheKey, &cached)
		if err == nil {
			return cached, true, nil
		}
		if !errors.Is(err, kv.ErrNotFound) {
			c.logger.Warn("shopping cache read failed", "error", err)
		}
	}

	params := url.Values{}
	params.Set("engine", "google_shopping")
	params.Set("q", query)
	params.Set("gl", gl)
	params.Set("hl", hl)
	if location != "" {
		params.Set("location", location)
	}
	params.Set("api_key", c.apiKey)

	body, err := c.get(ctx, c.baseURL+"?"+params.Encode())
	if err != nil {
		return nil, false, err
	}

	var parsed shoppingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false, fmt.Errorf("decode shopping response: %w", err)
	}

	results := make([]ShoppingResult, 0, len(parsed.ShoppingResults)+len(parsed.InlineShoppingResults))
	results = append(results, parsed.ShoppingResults...)
	for _, ad := range parsed.InlineShoppingResults {
		// Ads rows often carry no product_id; synthesize a stable one
		// from the link so upserts stay idempotent.
		if ad.ProductID == "" && ad.BestLink() != "" {
			ad.ProductID = keys.ShortHash(ad.BestLink(), 16)
		}
		results = append(results, ad)
	}

	if err := kv.SetJSON(ctx, c.store, cacheKey, results, c.shoppingTTL); err != nil {
		c.logger.Warn("shopping cache write failed", "error", err)
	}
	return results, false, nil
}

// GetDetail fetches the seller list for one product id. Returns nil when
// the product has no usable sellers.
func (c *Client) GetDetail(ctx context.Context, productID string, useCache bool) (*DetailResult, error) {
	cacheKey := kv.PrefixDetail + productID

	if useCache {
		var cached DetailResult
		err := kv.GetJSON(ctx, c.store, cacheKey, &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, kv.ErrNotFound) {
			c.logger.Warn("detail cache read failed", "error", err)
		}
	}

	params := url.Values{}
	params.Set("engine", "google_product")
	params.Set("product_id", productID)
	params.Set("api_key", c.apiKey)

	body, err := c.get(ctx, c.baseURL+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var parsed detailResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode detail response: %w", err)
	}

	result := &DetailResult{ProductID: productID}
	for _, seller := range parsed.SellersResults.OnlineSellers {
		if !strings.HasPrefix(seller.Link, "https://") {
			continue
		}
		result.Sellers = append(result.Sellers, seller)
	}
	if len(result.Sellers) == 0 {
		return nil, nil
	}

	if err := kv.SetJSON(ctx, c.store, cacheKey, result, c.detailTTL); err != nil {
		c.logger.Warn("detail cache write failed", "error", err)
	}
	return result, nil
}

// get performs one GET with bounded retries on 429/5xx and network errors.
// 4xx responses are permanent.
func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return &APIError{StatusCode: resp.StatusCode, Body: truncate(data, 200)}
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(&APIError{StatusCode: resp.StatusCode, Body: truncate(data, 200)})
		}
		body = data
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return body, nil
}

func truncate(data []byte, n int) string {
	if len(data) > n {
		return string(data[:n]) + "..."
	}
	return string(data)
}
