package client

import (
	"github.com/transfer/orchestrator/pkg/decimal"
)

// currencyScale maps ISO currency codes to their minor-unit exponent.
// Codes not listed use two decimal places.
var currencyScale = map[string]int{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
	"TND": 3,
}

// FormatAmount renders a minor-unit amount as the decimal string the
// payment and payout providers expect, e.g. 1050 USD -> "10.5",
// 1050 JPY -> "1050".
func FormatAmount(minor int64, currency string) string {
	scale, ok := currencyScale[currency]
	if !ok {
		scale = 2
	}
	return decimal.FromIntWithScale(minor, scale).String()
}
