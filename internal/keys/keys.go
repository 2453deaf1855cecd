// Package keys contains the stable normalization and key composition rules
// shared by the whole pipeline: sku_key composition, offer dedup keys,
// request fingerprints and link hashes. All functions are deterministic;
// the same input always yields a byte-identical output.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var (
	spacesUnderscores = regexp.MustCompile(`[\s_]+`)
	nonKeyChars       = regexp.MustCompile(`[^a-z0-9-]`)
	repeatedHyphens   = regexp.MustCompile(`-+`)
	storagePattern    = regexp.MustCompile(`^(\d+)\s*(gb|tb)`)
)

// Normalize lowercases a value and reduces it to [a-z0-9-] with single
// hyphens as separators. Used for every key component.
func Normalize(value string) string {
	if value == "" {
		return ""
	}
	result := strings.ToLower(strings.TrimSpace(value))
	result = spacesUnderscores.ReplaceAllString(result, "-")
	result = nonKeyChars.ReplaceAllString(result, "")
	result = repeatedHyphens.ReplaceAllString(result, "-")
	return strings.Trim(result, "-")
}

// SkuAttributes holds the normalized attributes a sku_key is composed from.
type SkuAttributes struct {
	Model     string // e.g. "iphone-16-pro"
	Storage   string // e.g. "256gb"
	Color     string // e.g. "black"
	Condition string // e.g. "new", "refurbished"

	// Optional variant components, appended in this order when present.
	SimVariant    string // e.g. "esim-only", "dual-sim"
	LockState     string // e.g. "unlocked", "carrier-locked"
	RegionVariant string // e.g. "us", "eu", "jp"
}

// ComposeSkuKey computes the stable SKU key from normalized attributes.
//
// Format: {model}-{storage}-{color}-{condition}[-{sim}][-{lock}][-{region}]
// Empty parts are dropped. A missing condition defaults to "new".
func ComposeSkuKey(attrs SkuAttributes) string {
	condition := attrs.Condition
	if condition == "" {
		condition = "new"
	}

	parts := []string{
		Normalize(attrs.Model),
		Normalize(attrs.Storage),
		Normalize(attrs.Color),
		Normalize(condition),
	}
	if attrs.SimVariant != "" {
		parts = append(parts, Normalize(attrs.SimVariant))
	}
	if attrs.LockState != "" {
		parts = append(parts, Normalize(attrs.LockState))
	}
	if attrs.RegionVariant != "" {
		parts = append(parts, Normalize(attrs.RegionVariant))
	}

	nonEmpty := parts[:0]
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "-")
}

// ComposeDedupKey computes the offer deduplication key.
//
// Format: {merchant_normalized}:{price:2dp}:{CURRENCY}[:first-8(sha256(url))]
func ComposeDedupKey(merchant string, price float64, currency string, url string) string {
	parts := []string{
		Normalize(merchant),
		fmt.Sprintf("%.2f", price),
		strings.ToUpper(currency),
	}
	if url != "" {
		sum := sha256.Sum256([]byte(url))
		parts = append(parts, hex.EncodeToString(sum[:])[:8])
	}
	return strings.Join(parts, ":")
}

// NormalizeStorage normalizes storage values (e.g. "256 GB" -> "256gb").
func NormalizeStorage(raw string) string {
	normalized := strings.ReplaceAll(strings.ToLower(raw), " ", "")
	if m := storagePattern.FindStringSubmatch(normalized); m != nil {
		return m[1] + m[2]
	}
	return normalized
}

// colorAliases maps known marketing color names to their canonical form.
var colorAliases = map[string]string{
	"space gray":       "gray",
	"space grey":       "gray",
	"natural titanium": "natural",
	"white titanium":   "white",
	"black titanium":   "black",
	"blue titanium":    "blue",
	"desert titanium":  "desert",
}

// NormalizeColor maps known color aliases to canonical names, falling back
// to plain normalization.
func NormalizeColor(raw string) string {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := colorAliases[normalized]; ok {
		return canonical
	}
	return Normalize(normalized)
}

// RequestKey computes the stable fingerprint of a provider query:
// first 64 hex chars of sha256 over the query parameters.
func RequestKey(query, gl, hl, location string) string {
	sum := sha256.Sum256([]byte(query + "|" + gl + "|" + hl + "|" + location))
	return hex.EncodeToString(sum[:])[:64]
}

// LinkHash computes the short product-link hash used for raw-offer identity:
// first 32 hex chars of sha256 over the URL.
func LinkHash(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])[:32]
}

// HashKey computes a short stable hash over the given parts, NUL-separated.
// Used for cache and lock keys (first 40 hex chars of sha256).
func HashKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:40]
}

// ShortHash computes the first n hex chars of sha256 over s. Used for
// provider cache keys (n=16) and synthesized ad product ids.
func ShortHash(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	full := hex.EncodeToString(sum[:])
	if n > len(full) {
		n = len(full)
	}
	return full[:n]
}
