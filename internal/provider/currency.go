package provider

import "strings"

// symbolToISO maps price symbols/prefixes to ISO-4217 codes. Longer
// symbols are matched before shorter ones so "HK$" never resolves as "$".
var symbolOrder = []string{
	"HK$", "S$", "A$", "C$", "NZ$", "R$", "US$",
	"AED", "SAR", "KWD", "BHD", "OMR", "JOD",
	"$", "€", "£", "¥", "₪", "₩", "₹",
}

var symbolToISO = map[string]string{
	"US$": "USD",
	"HK$": "HKD",
	"S$":  "SGD",
	"A$":  "AUD",
	"C$":  "CAD",
	"NZ$": "NZD",
	"R$":  "BRL",
	"AED": "AED",
	"SAR": "SAR",
	"KWD": "KWD",
	"BHD": "BHD",
	"OMR": "OMR",
	"JOD": "JOD",
	"$":   "USD",
	"€":   "EUR",
	"£":   "GBP",
	"¥":   "JPY", // overridden to CNY when gl=cn
	"₪":   "ILS",
	"₩":   "KRW",
	"₹":   "INR",
}

// countryToCurrency infers a currency from the provider's gl country code.
var countryToCurrency = map[string]string{
	"us": "USD", "ca": "CAD", "mx": "MXN", "br": "BRL",
	"gb": "GBP", "uk": "GBP", "ie": "EUR", "de": "EUR", "fr": "EUR",
	"it": "EUR", "es": "EUR", "nl": "EUR", "be": "EUR", "at": "EUR",
	"pt": "EUR", "fi": "EUR", "gr": "EUR",
	"ch": "CHF", "se": "SEK", "no": "NOK", "dk": "DKK", "pl": "PLN",
	"cz": "CZK", "hu": "HUF", "tr": "TRY", "ru": "RUB",
	"jp": "JPY", "kr": "KRW", "cn": "CNY", "hk": "HKD", "tw": "TWD",
	"sg": "SGD", "my": "MYR", "th": "THB", "vn": "VND", "ph": "PHP",
	"id": "IDR", "in": "INR", "au": "AUD", "nz": "NZD",
	"ae": "AED", "sa": "SAR", "kw": "KWD", "bh": "BHD", "om": "OMR",
	"jo": "JOD", "il": "ILS", "qa": "QAR", "eg": "EGP", "za": "ZAR",
}

// normalizeCurrencySymbol resolves a currency field that may hold either an
// ISO code or a symbol. gl disambiguates "¥" between JPY and CNY.
func normalizeCurrencySymbol(raw, gl string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if len(value) == 3 && value == strings.ToUpper(value) && !strings.ContainsAny(value, "$€£¥₪₩₹") {
		return value
	}
	for _, sym := range symbolOrder {
		if strings.HasPrefix(value, sym) || value == sym {
			iso := symbolToISO[sym]
			if sym == "¥" && strings.ToLower(gl) == "cn" {
				return "CNY"
			}
			return iso
		}
	}
	return ""
}

// leadingSymbolCurrency extracts a currency from the leading symbol of a
// formatted price string like "¥159,800" or "HK$6,899".
func leadingSymbolCurrency(price, gl string) string {
	value := strings.TrimSpace(price)
	for _, sym := range symbolOrder {
		if strings.HasPrefix(value, sym) {
			if sym == "¥" && strings.ToLower(gl) == "cn" {
				return "CNY"
			}
			return symbolToISO[sym]
		}
	}
	return ""
}

// ResolveCurrency determines the ISO currency for one shopping result.
// Precedence, first non-empty wins:
//  1. the item's currency field (symbol or ISO),
//  2. the leading symbol of the formatted price string,
//  3. the gl country's default currency,
//  4. the alternative price's currency (last resort: it may describe a
//     different number than the primary extracted price),
//  5. "USD".
func ResolveCurrency(item ShoppingResult, gl string) string {
	if ccy := normalizeCurrencySymbol(item.Currency, gl); ccy != "" {
		return ccy
	}
	if ccy := leadingSymbolCurrency(item.Price, gl); ccy != "" {
		return ccy
	}
	if ccy, ok := countryToCurrency[strings.ToLower(gl)]; ok {
		return ccy
	}
	if item.AlternativePrice != nil {
		if ccy := normalizeCurrencySymbol(item.AlternativePrice.Currency, gl); ccy != "" {
			return ccy
		}
	}
	return "USD"
}
