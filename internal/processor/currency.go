package processor

import "strings"

// CurrencyAuto asks the processor to use the currency found on the receipt.
const CurrencyAuto = "AUTO"

// BaseCurrency is the reference currency totals are converted into.
const BaseCurrency = "USD"

// Supported lists the currencies a receipt may request or resolve to.
var Supported = []string{CurrencyAuto, "USD", "EUR", "CHF", "RUB"}

var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"₽": "RUB",
}

// NormalizeCurrency maps a detected currency code or symbol onto a supported
// ISO code, or returns "" when it is not one of them.
func NormalizeCurrency(c string) string {
	s := strings.ToUpper(strings.TrimSpace(c))
	if iso, ok := currencySymbols[s]; ok {
		return iso
	}
	switch s {
	case "USD", "EUR", "CHF", "RUB":
		return s
	}
	return ""
}

// IsSupported reports whether c is an accepted requested currency.
func IsSupported(c string) bool {
	c = strings.ToUpper(c)
	for _, s := range Supported {
		if s == c {
			return true
		}
	}
	return false
}

// resolveCurrency picks the currency a result is booked in: the requested
// one, or for AUTO the detected one falling back to BaseCurrency.
func resolveCurrency(requested, detected string) string {
	r := strings.ToUpper(strings.TrimSpace(requested))
	if r == "" || r == CurrencyAuto {
		if detected != "" {
			return detected
		}
		return BaseCurrency
	}
	return r
}

// usdFactor returns the conversion factor for currency; unknown currencies
// convert 1:1.
func usdFactor(rates map[string]float64, currency string) float64 {
	if currency == BaseCurrency {
		return 1
	}
	if f, ok := rates[currency]; ok && f > 0 {
		return f
	}
	return 1
}
