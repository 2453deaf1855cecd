// Package patterns detects contract/plan listings and condition hints from
// literal phrases. Phrases are admin-curated rows merged with compiled-in
// defaults; they are matched as lowercase substrings, never as regexes.
package patterns

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/marketcompass/compass/internal/models"
)

// Phrase length bounds. Anything outside is dropped at merge time.
const (
	MinPhraseLen = 2
	MaxPhraseLen = 80
)

// MaxConditionMatches caps how many matched phrases a condition hint
// reports.
const MaxConditionMatches = 5

// defaultPhrases are the compiled-in detectors, EN plus DE/FR/JA/KO/ZH/AR.
var defaultPhrases = map[models.PatternKind][]string{
	models.PatternContract: {
		"with contract",
		"on contract",
		"w/ contract",
		"with plan",
		"installment",
		"per month",
		"/month",
		"/mo.",
		"monthly payment",
		"trade-in required",
		"upgrade program",
		"mit vertrag",
		"inkl. vertrag",
		"mit tarif",
		"monatlich",
		"avec forfait",
		"avec abonnement",
		"par mois",
		"分割払い",
		"月々",
		"毎月",
		"機種変更",
		"乗り換え",
		"할부",
		"약정",
		"월 납부",
		"合约",
		"合約",
		"分期",
		"月供",
		"بالتقسيط",
		"مع عقد",
	},
	models.PatternConditionNew: {
		"brand new",
		"new sealed",
		"factory sealed",
		"bnib",
		"neu & ovp",
		"neuf sous blister",
		"新品未開封",
		"未開封",
		"새제품",
		"미개봉",
		"全新未拆",
		"全新",
		"جديد",
	},
	models.PatternConditionUsed: {
		"used",
		"pre-owned",
		"preowned",
		"second hand",
		"secondhand",
		"open box",
		"gebraucht",
		"d'occasion",
		"occasion",
		"中古",
		"美品",
		"중고",
		"二手",
		"مستعمل",
	},
	models.PatternConditionRefurbished: {
		"refurbished",
		"refurb",
		"renewed",
		"reconditioned",
		"certified pre-owned",
		"cpo",
		"generalüberholt",
		"reconditionné",
		"整備済み",
		"整備済",
		"リファービッシュ",
		"리퍼",
		"리퍼비시",
		"翻新",
		"官翻",
		"مجدد",
	},
}

// Bundle is the merged set of enabled phrases grouped by kind, in stable
// order (admin phrases first, then defaults, deduped).
type Bundle struct {
	phrases map[models.PatternKind][]string
}

// NewBundle merges admin-managed phrases with the compiled-in defaults.
// Insertion order is preserved; duplicates (after lowercasing/trimming) and
// out-of-bounds phrases are dropped.
func NewBundle(adminPhrases []models.PatternPhrase) *Bundle {
	merged := make(map[models.PatternKind][]string, len(models.PatternKinds))
	seen := make(map[models.PatternKind]map[string]bool, len(models.PatternKinds))
	for _, kind := range models.PatternKinds {
		seen[kind] = make(map[string]bool)
	}

	add := func(kind models.PatternKind, phrase string) {
		p := strings.ToLower(strings.TrimSpace(phrase))
		if len(p) < MinPhraseLen || len(p) > MaxPhraseLen {
			return
		}
		if seen[kind] == nil || seen[kind][p] {
			return
		}
		seen[kind][p] = true
		merged[kind] = append(merged[kind], p)
	}

	for _, row := range adminPhrases {
		if !row.IsEnabled {
			continue
		}
		add(row.Kind, row.Phrase)
	}
	for _, kind := range models.PatternKinds {
		for _, p := range defaultPhrases[kind] {
			add(kind, p)
		}
	}

	return &Bundle{phrases: merged}
}

// DefaultBundle returns a bundle with only the compiled-in phrases.
func DefaultBundle() *Bundle {
	return NewBundle(nil)
}

// Phrases returns the merged phrase list for one kind.
func (b *Bundle) Phrases(kind models.PatternKind) []string {
	return b.phrases[kind]
}

// haystack builds the lowercased search text: title plus the URL's
// host+path+query on a second line.
func haystack(title, rawURL string) string {
	var hint string
	if rawURL != "" {
		if u, err := url.Parse(rawURL); err == nil {
			hint = u.Host + u.Path
			if u.RawQuery != "" {
				hint += "?" + u.RawQuery
			}
		} else {
			hint = rawURL
		}
	}
	return strings.ToLower(title) + "\n" + strings.ToLower(hint)
}

// DetectIsContract reports whether the title or URL hint matches any
// contract phrase.
func (b *Bundle) DetectIsContract(title, rawURL string) bool {
	hay := haystack(title, rawURL)
	for _, phrase := range b.phrases[models.PatternContract] {
		if strings.Contains(hay, phrase) {
			return true
		}
	}
	return false
}

// DetectConditionHint finds the strongest condition signal in the title or
// URL hint. Priority: refurbished > used > new, so an unclear secondhand
// listing is never promoted as new. Returns the condition ("" when nothing
// matched) and up to MaxConditionMatches matched phrases.
func (b *Bundle) DetectConditionHint(title, rawURL string) (string, []string) {
	hay := haystack(title, rawURL)

	ordered := []struct {
		kind      models.PatternKind
		condition string
	}{
		{models.PatternConditionRefurbished, "refurbished"},
		{models.PatternConditionUsed, "used"},
		{models.PatternConditionNew, "new"},
	}
	for _, entry := range ordered {
		var matched []string
		for _, phrase := range b.phrases[entry.kind] {
			if strings.Contains(hay, phrase) {
				matched = append(matched, phrase)
				if len(matched) == MaxConditionMatches {
					break
				}
			}
		}
		if len(matched) > 0 {
			return entry.condition, matched
		}
	}
	return "", nil
}

var (
	storageToken = regexp.MustCompile(`(?i)(\d+)\s*(gb|tb)`)

	// Enumeration markers for listings covering several variants at once.
	variantEnumerations = []string{
		"all colors",
		"all colours",
		"all sizes",
		"various colors",
		"various colours",
		"choose color",
		"choose your",
		"alle farben",
		"toutes couleurs",
		"全色",
		"カラー選択",
		"색상 선택",
		"全配色",
	}

	realStorages = map[string]bool{
		"64gb": true, "128gb": true, "256gb": true,
		"512gb": true, "1tb": true, "2tb": true,
	}
)

// DetectMultiVariant reports whether a title covers multiple product
// variants at once (two or more distinct storage options, or an explicit
// "all colors" style enumeration). Such listings have no single price per
// SKU and are never promoted.
func DetectMultiVariant(title string) bool {
	lower := strings.ToLower(title)
	for _, marker := range variantEnumerations {
		if strings.Contains(lower, marker) {
			return true
		}
	}

	distinct := make(map[string]bool)
	for _, m := range storageToken.FindAllStringSubmatch(title, -1) {
		token := strings.ToLower(m[1] + m[2])
		if realStorages[token] {
			distinct[token] = true
		}
	}
	return len(distinct) >= 2
}
