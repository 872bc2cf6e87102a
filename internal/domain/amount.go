package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits every ledger amount carries.
const AmountScale int32 = 18

// BpsDenominator converts basis points to a fraction.
const BpsDenominator = 10000

// MaxRateBps caps borrower rate ceilings when none is given.
const MaxRateBps int64 = 10000

// ParseAmount parses a decimal string into a strictly positive amount that fits
// the ledger scale. field names the input for the ValidationError.
func ParseAmount(field, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, NewValidationError(field, "is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, NewValidationError(field, "not a decimal number")
	}
	return d, CheckAmount(field, d)
}

// CheckAmount rejects non-positive amounts and amounts finer than AmountScale.
func CheckAmount(field string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return NewValidationError(field, "must be greater than zero")
	}
	if !d.Equal(d.Truncate(AmountScale)) {
		return NewValidationError(field, "more than 18 fractional digits")
	}
	return nil
}
