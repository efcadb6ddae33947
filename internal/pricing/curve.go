// Package pricing models the geometric bonding curve used by listings.
//
// Float functions are for previews only. Amounts passed to state-changing
// calls come from DepositWei, which works in integer wei.
package pricing

import "math"

// Curve describes an ascending geometric price schedule.
type Curve struct {
	StartPrice float64 // price of the first unit
	FinalPrice float64 // price of the last unit
	Units      int64   // number of units on the curve
}

// StepFactor returns the constant ratio between consecutive unit prices:
// (final/start)^(1/(units-1)). Degenerate curves have a factor of 1.
func (c Curve) StepFactor() float64 {
	if c.Units <= 1 || c.StartPrice <= 0 {
		return 1
	}
	return math.Pow(c.FinalPrice/c.StartPrice, 1/float64(c.Units-1))
}

// PriceStep is the absolute increase from the first to the second unit.
func (c Curve) PriceStep() float64 {
	r := c.StepFactor()
	if r == 1 {
		return 0
	}
	return c.StartPrice * (r - 1)
}

// TotalReturn is the cumulative proceeds of selling every unit on the curve.
func (c Curve) TotalReturn() float64 {
	return GeometricSum(c.StartPrice, c.StepFactor(), c.Units)
}

// PreMintCost is the cost of the first n units. n is capped at Units.
func (c Curve) PreMintCost(n int64) float64 {
	if n > c.Units {
		n = c.Units
	}
	return GeometricSum(c.StartPrice, c.StepFactor(), n)
}

// RequiredDeposit is fee + PreMintCost(n).
func (c Curve) RequiredDeposit(fee float64, n int64) float64 {
	return fee + c.PreMintCost(n)
}

// UnitPrice returns the price of the i-th unit (0-based).
func (c Curve) UnitPrice(i int64) float64 {
	return c.StartPrice * math.Pow(c.StepFactor(), float64(i))
}

// GeometricSum returns a + a*r + ... + a*r^(n-1).
func GeometricSum(a, r float64, n int64) float64 {
	if n <= 0 {
		return 0
	}
	if r == 1 {
		return a * float64(n)
	}
	return a * (math.Pow(r, float64(n)) - 1) / (r - 1)
}
