// Package parser extracts Golden SKU attributes (model, storage, color,
// condition) from free-text product titles.
//
// Extraction is deterministic and regex-based. The pattern tables are
// ordered from most specific to least specific and the first match wins;
// the ordering is load-bearing ("pro max" must be tested before "pro",
// year-suffixed SE strings before the generic SE) and is locked by tests.
//
// The parser never fails: a title that yields nothing comes back with an
// empty model and LOW confidence.
package parser

import (
	"regexp"

	"github.com/marketcompass/compass/internal/keys"
)

// Confidence rates how complete an extraction is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"   // model + storage + color
	ConfidenceMedium Confidence = "medium" // model + one of storage/color
	ConfidenceLow    Confidence = "low"    // no model
)

// Result is the outcome of extracting attributes from one title.
type Result struct {
	Model     string // normalized, e.g. "iphone-16-pro"; empty if not found
	Storage   string // normalized, e.g. "256gb"; empty if not found
	Color     string // normalized, e.g. "deep-blue"; empty if not found
	Condition string // always set; defaults to "new"

	Confidence Confidence
	RawTitle   string

	// Raw matched substrings, kept for the parsed-attrs snapshot.
	MatchedModel     string
	MatchedStorage   string
	MatchedColor     string
	MatchedCondition string
}

type pattern struct {
	re  *regexp.Regexp
	tag string
}

// Model patterns, most specific first within each family. Newest families
// first so e.g. "iPhone 17 Pro vs iPhone 16 Pro" resolves to the leading
// model mentioned.
var modelPatterns = []pattern{
	// iPhone 17 series
	{regexp.MustCompile(`(?i)iphone\s*17\s*pro\s*max`), "iphone-17-pro-max"},
	{regexp.MustCompile(`(?i)iphone\s*17\s*pro`), "iphone-17-pro"},
	{regexp.MustCompile(`(?i)iphone\s*17\s*air`), "iphone-17-air"},
	{regexp.MustCompile(`(?i)iphone\s*17`), "iphone-17"},
	// iPhone 16 series
	{regexp.MustCompile(`(?i)iphone\s*16\s*pro\s*max`), "iphone-16-pro-max"},
	{regexp.MustCompile(`(?i)iphone\s*16\s*pro`), "iphone-16-pro"},
	{regexp.MustCompile(`(?i)iphone\s*16\s*plus`), "iphone-16-plus"},
	{regexp.MustCompile(`(?i)iphone\s*16\s*e`), "iphone-16e"},
	{regexp.MustCompile(`(?i)iphone\s*16`), "iphone-16"},
	// iPhone 15 series
	{regexp.MustCompile(`(?i)iphone\s*15\s*pro\s*max`), "iphone-15-pro-max"},
	{regexp.MustCompile(`(?i)iphone\s*15\s*pro`), "iphone-15-pro"},
	{regexp.MustCompile(`(?i)iphone\s*15\s*plus`), "iphone-15-plus"},
	{regexp.MustCompile(`(?i)iphone\s*15`), "iphone-15"},
	// iPhone 14 series
	{regexp.MustCompile(`(?i)iphone\s*14\s*pro\s*max`), "iphone-14-pro-max"},
	{regexp.MustCompile(`(?i)iphone\s*14\s*pro`), "iphone-14-pro"},
	{regexp.MustCompile(`(?i)iphone\s*14\s*plus`), "iphone-14-plus"},
	{regexp.MustCompile(`(?i)iphone\s*14`), "iphone-14"},
	// iPhone 13 series
	{regexp.MustCompile(`(?i)iphone\s*13\s*pro\s*max`), "iphone-13-pro-max"},
	{regexp.MustCompile(`(?i)iphone\s*13\s*pro`), "iphone-13-pro"},
	{regexp.MustCompile(`(?i)iphone\s*13\s*mini`), "iphone-13-mini"},
	{regexp.MustCompile(`(?i)iphone\s*13`), "iphone-13"},
	// SE generations: year/generation-suffixed strings before the generic SE
	{regexp.MustCompile(`(?i)iphone\s*se\s*(?:3|3rd\s*gen(?:eration)?|\(?\s*2022\s*\)?)`), "iphone-se-3"},
	{regexp.MustCompile(`(?i)iphone\s*se\s*(?:2|2nd\s*gen(?:eration)?|\(?\s*2020\s*\)?)`), "iphone-se-2"},
	{regexp.MustCompile(`(?i)iphone\s*se`), "iphone-se"},
}

var storagePattern = regexp.MustCompile(`(?i)(\d+)\s*(gb|tb)`)

// validStorages whitelists real iPhone storage options; anything else in a
// title (battery mAh, RAM) is ignored.
var validStorages = map[string]bool{
	"64gb": true, "128gb": true, "256gb": true,
	"512gb": true, "1tb": true, "2tb": true,
}

// Color patterns, specific-to-generic. Compound names ("deep blue",
// "space black", titanium finishes) must come before the single-word
// colors they contain.
var colorPatterns = []pattern{
	// Titanium finishes (iPhone 15/16 Pro)
	{regexp.MustCompile(`(?i)natural\s*titanium`), "natural"},
	{regexp.MustCompile(`(?i)white\s*titanium`), "white"},
	{regexp.MustCompile(`(?i)black\s*titanium`), "black"},
	{regexp.MustCompile(`(?i)blue\s*titanium`), "blue"},
	{regexp.MustCompile(`(?i)desert\s*titanium`), "desert"},
	// iPhone 16/17 palette
	{regexp.MustCompile(`(?i)space\s*black`), "space-black"},
	{regexp.MustCompile(`(?i)cosmic\s*orange`), "cosmic-orange"},
	{regexp.MustCompile(`(?i)mist\s*blue`), "mist-blue"},
	{regexp.MustCompile(`(?i)deep\s*blue|深藍|深蓝`), "deep-blue"},
	{regexp.MustCompile(`(?i)sky\s*blue`), "sky-blue"},
	{regexp.MustCompile(`(?i)cloud\s*white`), "cloud-white"},
	{regexp.MustCompile(`(?i)light\s*gold`), "light-gold"},
	{regexp.MustCompile(`(?i)\bultramarine\b`), "ultramarine"},
	{regexp.MustCompile(`(?i)\bteal\b`), "teal"},
	{regexp.MustCompile(`(?i)\bsage\b`), "sage"},
	{regexp.MustCompile(`(?i)\blavender\b|ラベンダー`), "lavender"},
	// Dark/light neutrals
	{regexp.MustCompile(`(?i)space\s*gr[ae]y|スペースグレイ`), "gray"},
	{regexp.MustCompile(`(?i)\bmidnight\b|ミッドナイト`), "midnight"},
	{regexp.MustCompile(`(?i)\bstarlight\b|スターライト`), "starlight"},
	// Product RED
	{regexp.MustCompile(`(?i)\(?product\)?\s*red`), "red"},
	// Basics with DE/FR/JP/KR/ZH/AR synonyms
	{regexp.MustCompile(`(?i)\b(black|noir|schwarz)\b|ブラック|블랙|黑色|أسود`), "black"},
	{regexp.MustCompile(`(?i)\b(white|blanc|weiss)\b|ホワイト|화이트|白色|أبيض`), "white"},
	{regexp.MustCompile(`(?i)\b(blue|bleu|blau)\b|ブルー|블루|藍色|蓝色|أزرق`), "blue"},
	{regexp.MustCompile(`(?i)\b(pink|rose|rosa)\b|ピンク|핑크|粉色|وردي`), "pink"},
	{regexp.MustCompile(`(?i)\b(gold|or)\b|ゴールド|골드|金色|ذهبي`), "gold"},
	{regexp.MustCompile(`(?i)\b(silver|argent|silber)\b|シルバー|실버|銀色|银色|فضي`), "silver"},
	{regexp.MustCompile(`(?i)\b(purple|violet|lila)\b|パープル|퍼플|紫色|بنفسجي`), "purple"},
	{regexp.MustCompile(`(?i)\b(green|vert|gr[üu]n)\b|グリーン|그린|綠色|绿色|أخضر`), "green"},
	{regexp.MustCompile(`(?i)\b(yellow|jaune|gelb)\b|イエロー|옐로우|黃色|黄色|أصفر`), "yellow"},
	{regexp.MustCompile(`(?i)\b(red|rouge|rot)\b|レッド|레드|紅色|红色|أحمر`), "red"},
	{regexp.MustCompile(`(?i)\bnatural\b|ナチュラル`), "natural"},
	{regexp.MustCompile(`(?i)\bdesert\b|デザート`), "desert"},
}

// Condition patterns. Refurbished is tested before used before new:
// "renewed" contains "new", and mixed hints must resolve conservatively.
var conditionPatterns = []pattern{
	{regexp.MustCompile(`(?i)\b(refurbished|refurb|renewed|reconditioned|certified\s*pre-?owned|cpo)\b|generalüberholt|reconditionn[ée]|整備済み?|リファービッシュ|리퍼|翻新|مجدد`), "refurbished"},
	{regexp.MustCompile(`(?i)\b(used|pre-?owned|second\s*hand|secondhand)\b|gebraucht|d'occasion|occasion|中古|중고|二手|مستعمل`), "used"},
	{regexp.MustCompile(`(?i)\b(new|brand\s*new|sealed|bnib)\b|\bneu\b|\bneuf\b|新品|새제품|全新|جديد`), "new"},
}

// Accessory keywords. A hit means the title is about an accessory or a
// different product line, not a phone.
var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bcases?\b`),
	regexp.MustCompile(`(?i)\bcovers?\b`),
	regexp.MustCompile(`(?i)\bprotectors?\b`),
	regexp.MustCompile(`(?i)\bscreen\s*protect`),
	regexp.MustCompile(`(?i)\bchargers?\b`),
	regexp.MustCompile(`(?i)\bcables?\b`),
	regexp.MustCompile(`(?i)\badapters?\b`),
	regexp.MustCompile(`(?i)\bstand\b`),
	regexp.MustCompile(`(?i)\bholder\b`),
	regexp.MustCompile(`(?i)\btempered\s*glass\b`),
	regexp.MustCompile(`(?i)\bfilm\b`),
	regexp.MustCompile(`(?i)\bskin\b`),
	regexp.MustCompile(`(?i)\bwallet\b`),
	regexp.MustCompile(`(?i)\bpouch\b`),
	regexp.MustCompile(`(?i)\bbattery\s*pack\b`),
	regexp.MustCompile(`(?i)\bpower\s*bank\b`),
	regexp.MustCompile(`(?i)\bearbuds\b`),
	regexp.MustCompile(`(?i)\bairpods\b`),
	regexp.MustCompile(`(?i)\bheadphones?\b`),
	regexp.MustCompile(`(?i)\bwatch\b`),
	regexp.MustCompile(`(?i)\bipad\b`),
	regexp.MustCompile(`(?i)\bmacbook\b|\bmac\b`),
	// JP
	regexp.MustCompile(`ケース|フィルム|充電器|ケーブル|保護ガラス`),
	// KR
	regexp.MustCompile(`케이스|충전기|필름|보호필름`),
	// ZH
	regexp.MustCompile(`保護殼|保护壳|充電器|充电器|保護貼|保护膜|鋼化膜|钢化膜`),
	// DE
	regexp.MustCompile(`(?i)h[üu]lle|schutzfolie|ladeger[äa]t|ladekabel|panzerglas`),
	// FR
	regexp.MustCompile(`(?i)\bcoque\b|\b[ée]tui\b|\bchargeur\b|\bc[âa]ble\b`),
	// AR
	regexp.MustCompile(`غطاء|حافظة|شاحن|كابل`),
}

var iphonePattern = regexp.MustCompile(`(?i)iphone|アイフォン|アイフォーン|아이폰`)

// ExtractModel returns the normalized model tag or "".
func ExtractModel(title string) (string, string) {
	for _, p := range modelPatterns {
		if m := p.re.FindString(title); m != "" {
			return p.tag, m
		}
	}
	return "", ""
}

// ExtractStorage scans all storage-looking tokens and returns the first
// that is a real iPhone storage option, or "".
func ExtractStorage(title string) (string, string) {
	for _, m := range storagePattern.FindAllStringSubmatch(title, -1) {
		token := keys.NormalizeStorage(m[1] + m[2])
		if validStorages[token] {
			return token, m[0]
		}
	}
	return "", ""
}

// ExtractColor returns the normalized color tag or "".
func ExtractColor(title string) (string, string) {
	for _, p := range colorPatterns {
		if m := p.re.FindString(title); m != "" {
			return p.tag, m
		}
	}
	return "", ""
}

// ExtractCondition returns the detected condition, defaulting to "new".
func ExtractCondition(title string) (string, string) {
	for _, p := range conditionPatterns {
		if m := p.re.FindString(title); m != "" {
			return p.tag, m
		}
	}
	return "new", ""
}

// Extract runs all extractors over a title and rates the result.
func Extract(title string) Result {
	model, matchedModel := ExtractModel(title)
	storage, matchedStorage := ExtractStorage(title)
	color, matchedColor := ExtractColor(title)
	condition, matchedCondition := ExtractCondition(title)

	return Result{
		Model:            model,
		Storage:          storage,
		Color:            color,
		Condition:        condition,
		Confidence:       computeConfidence(model, storage, color),
		RawTitle:         title,
		MatchedModel:     matchedModel,
		MatchedStorage:   matchedStorage,
		MatchedColor:     matchedColor,
		MatchedCondition: matchedCondition,
	}
}

func computeConfidence(model, storage, color string) Confidence {
	if model == "" {
		return ConfidenceLow
	}
	found := 0
	if storage != "" {
		found++
	}
	if color != "" {
		found++
	}
	switch found {
	case 2:
		return ConfidenceHigh
	case 1:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// IsNoise reports whether a title looks like an accessory or non-phone
// product (case, charger, AirPods, iPad, ...).
func IsNoise(title string) bool {
	for _, re := range noisePatterns {
		if re.MatchString(title) {
			return true
		}
	}
	return false
}

// MentionsIPhone reports whether a title refers to an iPhone at all,
// including Japanese and Korean spellings.
func MentionsIPhone(title string) bool {
	return iphonePattern.MatchString(title)
}
