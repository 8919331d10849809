package payment

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimal lists currencies whose minor unit equals the major unit.
var zeroDecimal = map[string]bool{
	"JPY": true,
	"KRW": true,
	"VND": true,
}

// NormalizeCurrency upper-cases and trims an ISO 4217 code.
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// MinorUnitExponent returns the number of decimal places for currency.
func MinorUnitExponent(currency string) int32 {
	if zeroDecimal[NormalizeCurrency(currency)] {
		return 0
	}
	return 2
}

// FormatMajor renders an amount in minor units as a major-unit decimal string,
// e.g. 1050 USD -> "10.50", 1000 JPY -> "1000".
func FormatMajor(amount int64, currency string) string {
	exp := MinorUnitExponent(currency)
	return decimal.New(amount, -exp).StringFixed(exp)
}

// ParseMajor converts a major-unit decimal string into minor units. Values with
// more precision than the currency allows are rejected rather than rounded.
func ParseMajor(value, currency string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", value, err)
	}
	minor := d.Shift(MinorUnitExponent(currency))
	if !minor.IsInteger() {
		return 0, fmt.Errorf("amount %q has more precision than %s allows", value, NormalizeCurrency(currency))
	}
	return minor.IntPart(), nil
}

type currencySet map[string]struct{}

func newCurrencySet(codes ...string) currencySet {
	set := make(currencySet, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return set
}

func (s currencySet) has(currency string) bool {
	_, ok := s[NormalizeCurrency(currency)]
	return ok
}
