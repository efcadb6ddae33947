// Package slippage derives the worst acceptable execution price for trades
// against a live bonding-curve price.
package slippage

import (
	"errors"
	"math/big"
)

// ErrInvalidSlippage is returned for a negative tolerance.
var ErrInvalidSlippage = errors.New("invalid slippage: tolerance must be >= 0")

var hundred = big.NewInt(100)

// BuyBound returns current + current*pct/100 + 1.
// The extra wei absorbs truncation of the integer division.
func BuyBound(current *big.Int, pct int64) (*big.Int, error) {
	if pct < 0 {
		return nil, ErrInvalidSlippage
	}
	p := nonNil(current)
	bound := new(big.Int).Add(p, delta(p, pct))
	return bound.Add(bound, big.NewInt(1)), nil
}

// SellBound returns current - current*pct/100, never below zero.
func SellBound(current *big.Int, pct int64) (*big.Int, error) {
	if pct < 0 {
		return nil, ErrInvalidSlippage
	}
	p := nonNil(current)
	bound := new(big.Int).Sub(p, delta(p, pct))
	if bound.Sign() < 0 {
		bound.SetInt64(0)
	}
	return bound, nil
}

func delta(p *big.Int, pct int64) *big.Int {
	d := new(big.Int).Mul(p, big.NewInt(pct))
	return d.Quo(d, hundred)
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
