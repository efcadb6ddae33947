// Package units converts between decimal native-currency amounts and integer wei.
package units

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals is the minor-unit scale of the native currency.
const Decimals = 18

var (
	// ErrNegativeAmount is returned for amounts below zero.
	ErrNegativeAmount = errors.New("negative amount")

	// ErrTooPrecise is returned when an amount has more than Decimals fractional digits.
	ErrTooPrecise = errors.New("amount exceeds 18 decimal places")
)

// ParseEther parses a decimal string such as "0.25" into wei.
func ParseEther(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// FromDecimal converts a decimal amount into wei, rejecting lossy conversions.
func FromDecimal(d decimal.Decimal) (*big.Int, error) {
	if d.IsNegative() {
		return nil, ErrNegativeAmount
	}
	shifted := d.Shift(Decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, ErrTooPrecise
	}
	return shifted.BigInt(), nil
}

// ToDecimal converts wei into a decimal amount.
func ToDecimal(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -Decimals)
}

// FormatEther renders wei with the given number of fractional digits.
func FormatEther(wei *big.Int, places int32) string {
	return ToDecimal(wei).StringFixed(places)
}

// ToFloat returns the approximate float value of a wei amount, for display only.
func ToFloat(wei *big.Int) float64 {
	f, _ := ToDecimal(wei).Float64()
	return f
}

// FromFloat converts a float amount to wei, rounding up to the next wei.
func FromFloat(v float64) (*big.Int, error) {
	return FromDecimal(decimal.NewFromFloat(v).Shift(Decimals).Ceil().Shift(-Decimals))
}
