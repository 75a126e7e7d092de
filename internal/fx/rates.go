package fx

import "github.com/shopspring/decimal"

// Zero-decimal ISO 4217 currencies. Everything else uses two decimal places.
var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {},
	"CLP": {},
	"DJF": {},
	"GNF": {},
	"JPY": {},
	"KMF": {},
	"KRW": {},
	"PYG": {},
	"RWF": {},
	"UGX": {},
	"VND": {},
	"VUV": {},
	"XAF": {},
	"XOF": {},
	"XPF": {},
}

func currencyExponent(code string) int32 {
	if _, ok := zeroDecimalCurrencies[code]; ok {
		return 0
	}
	return 2
}

// builtinFallbackRates is the last-resort static table used when neither the
// provider nor the configured fallback rates can serve a target.
var builtinFallbackRates = map[string]map[string]decimal.Decimal{
	"USD": {
		"EUR": decimal.NewFromFloat(0.92),
		"GBP": decimal.NewFromFloat(0.79),
		"JPY": decimal.NewFromFloat(150.0),
		"CAD": decimal.NewFromFloat(1.36),
		"AUD": decimal.NewFromFloat(1.52),
		"INR": decimal.NewFromFloat(83.0),
		"BRL": decimal.NewFromFloat(5.0),
	},
	"EUR": {
		"USD": decimal.NewFromFloat(1.087),
		"GBP": decimal.NewFromFloat(0.858),
	},
}
