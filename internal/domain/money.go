package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxAmount is the largest amount, in major units, accepted for a single intent or refund.
var MaxAmount = decimal.RequireFromString("999999.99")

// zeroDecimalCurrencies are charged in whole units by processors; their minor unit is the major unit.
var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {}, "MGA": {},
	"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

func init() {
	// Amounts travel as JSON numbers (49.99), not strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// NormalizeCurrency upper-cases and trims an ISO 4217 code.
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// MinorUnitExponent returns the number of fractional digits a currency carries.
func MinorUnitExponent(currency string) int32 {
	if _, ok := zeroDecimalCurrencies[NormalizeCurrency(currency)]; ok {
		return 0
	}
	return 2
}

// ValidateCurrency checks for a three letter alphabetic code.
func ValidateCurrency(currency string) error {
	code := NormalizeCurrency(currency)
	if len(code) != 3 {
		return fmt.Errorf("currency must be a 3-letter ISO 4217 code, got %q", currency)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return fmt.Errorf("currency must be a 3-letter ISO 4217 code, got %q", currency)
		}
	}
	return nil
}

// ValidateAmount enforces amount > 0, amount <= MaxAmount and the currency's precision.
func ValidateAmount(amount decimal.Decimal, currency string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be greater than zero")
	}
	if amount.GreaterThan(MaxAmount) {
		return fmt.Errorf("amount must not exceed %s", MaxAmount.StringFixed(2))
	}
	exp := MinorUnitExponent(currency)
	if !amount.Equal(amount.Truncate(exp)) {
		return fmt.Errorf("amount has more than %d decimal places for %s", exp, NormalizeCurrency(currency))
	}
	return nil
}

// ToMinor converts a major-unit amount into the processor's minor unit (cents for USD).
// It fails rather than rounds when the amount carries more precision than the currency.
func ToMinor(amount decimal.Decimal, currency string) (int64, error) {
	exp := MinorUnitExponent(currency)
	shifted := amount.Shift(exp)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("amount %s cannot be represented in minor units of %s", amount.String(), NormalizeCurrency(currency))
	}
	return shifted.IntPart(), nil
}

// FromMinor converts a processor minor-unit amount back into major units.
func FromMinor(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -MinorUnitExponent(currency))
}
