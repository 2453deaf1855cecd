package provider

import (
	"fmt"
	"strings"
)

// countryNames maps gl codes to display names for promoted offers.
var countryNames = map[string]string{
	"us": "United States", "ca": "Canada", "mx": "Mexico", "br": "Brazil",
	"gb": "United Kingdom", "uk": "United Kingdom", "ie": "Ireland",
	"de": "Germany", "fr": "France", "it": "Italy", "es": "Spain",
	"nl": "Netherlands", "be": "Belgium", "at": "Austria", "pt": "Portugal",
	"fi": "Finland", "gr": "Greece", "ch": "Switzerland", "se": "Sweden",
	"no": "Norway", "dk": "Denmark", "pl": "Poland", "cz": "Czechia",
	"hu": "Hungary", "tr": "Turkey",
	"jp": "Japan", "kr": "South Korea", "cn": "China", "hk": "Hong Kong",
	"tw": "Taiwan", "sg": "Singapore", "my": "Malaysia", "th": "Thailand",
	"vn": "Vietnam", "ph": "Philippines", "id": "Indonesia", "in": "India",
	"au": "Australia", "nz": "New Zealand",
	"ae": "United Arab Emirates", "sa": "Saudi Arabia", "kw": "Kuwait",
	"bh": "Bahrain", "om": "Oman", "jo": "Jordan", "il": "Israel",
	"qa": "Qatar", "eg": "Egypt", "za": "South Africa",
}

// CountryName returns the display name for a gl code, falling back to the
// uppercased code.
func CountryName(gl string) string {
	if name, ok := countryNames[strings.ToLower(gl)]; ok {
		return name
	}
	return strings.ToUpper(gl)
}

// CountryCurrency returns the default currency for a gl code, or "USD".
func CountryCurrency(gl string) string {
	if ccy, ok := countryToCurrency[strings.ToLower(gl)]; ok {
		return ccy
	}
	return "USD"
}

// zeroDecimalCurrencies have no minor unit in everyday pricing.
var zeroDecimalCurrencies = map[string]bool{
	"JPY": true, "KRW": true, "VND": true, "IDR": true, "HUF": true,
}

var currencySymbols = map[string]string{
	"USD": "$", "EUR": "€", "GBP": "£", "JPY": "¥", "CNY": "¥",
	"KRW": "₩", "INR": "₹", "ILS": "₪", "HKD": "HK$", "SGD": "S$",
	"AUD": "A$", "CAD": "C$", "NZD": "NZ$", "BRL": "R$", "CHF": "CHF ",
	"AED": "AED ", "SAR": "SAR ", "KWD": "KWD ", "BHD": "BHD ",
	"OMR": "OMR ", "JOD": "JOD ",
}

// FormatLocalPrice renders a local price for display: grouped thousands,
// currency symbol (or ISO prefix), and no decimals for zero-decimal
// currencies.
func FormatLocalPrice(amount float64, currency string) string {
	ccy := strings.ToUpper(currency)
	symbol, ok := currencySymbols[ccy]
	if !ok {
		symbol = ccy + " "
	}
	if zeroDecimalCurrencies[ccy] {
		return symbol + groupThousands(fmt.Sprintf("%.0f", amount))
	}
	formatted := fmt.Sprintf("%.2f", amount)
	dot := strings.IndexByte(formatted, '.')
	return symbol + groupThousands(formatted[:dot]) + formatted[dot:]
}

func groupThousands(digits string) string {
	neg := strings.HasPrefix(digits, "-")
	if neg {
		digits = digits[1:]
	}
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

// SearchLanguage picks the hl parameter for a gl code: native language for
// markets where English queries return poor coverage, English elsewhere.
var searchLanguages = map[string]string{
	"jp": "ja", "kr": "ko", "cn": "zh-cn", "tw": "zh-tw",
	"de": "de", "fr": "fr", "at": "de", "ch": "de",
	"es": "es", "it": "it", "br": "pt", "mx": "es",
	"sa": "ar", "ae": "ar", "kw": "ar", "bh": "ar", "om": "ar",
	"jo": "ar", "eg": "ar", "qa": "ar",
}

// SearchLanguage returns the hl value to use for a gl code.
func SearchLanguage(gl string) string {
	if hl, ok := searchLanguages[strings.ToLower(gl)]; ok {
		return hl
	}
	return "en"
}

// ValidCountry reports whether gl is a market we know how to query.
func ValidCountry(gl string) bool {
	_, ok := countryNames[strings.ToLower(gl)]
	return ok
}
