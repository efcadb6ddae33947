package pricing

import (
	"errors"
	"math"
	"math/big"
)

// ErrInvalidCurve is returned for curves the ledger would reject.
var ErrInvalidCurve = errors.New("invalid curve parameters")

// fixedScale is the fixed-point scale used for the step factor (1e36).
var fixedScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(36), nil)

const maxNewtonIterations = 200

// DepositWei returns fee + the cost of the first preMint units, in wei.
// The unit prices are summed in fixed point and the sum is rounded up once,
// so the result is never below the exact value of the curve.
func DepositWei(startWei, finalWei *big.Int, units, preMint uint64, feeWei *big.Int) (*big.Int, error) {
	if startWei == nil || finalWei == nil || startWei.Sign() < 0 || finalWei.Sign() < 0 {
		return nil, ErrInvalidCurve
	}
	if preMint > units {
		return nil, ErrInvalidCurve
	}

	total := new(big.Int)
	if feeWei != nil {
		total.Set(feeWei)
	}
	if preMint == 0 {
		return total, nil
	}

	ratio, err := stepFactorFixed(startWei, finalWei, units)
	if err != nil {
		return nil, err
	}

	powSum := new(big.Int)
	pow := new(big.Int).Set(fixedScale)
	for i := uint64(0); i < preMint; i++ {
		powSum.Add(powSum, pow)
		pow = ceilDiv(pow.Mul(pow, ratio), fixedScale)
	}
	return total.Add(total, ceilDiv(powSum.Mul(powSum, startWei), fixedScale)), nil
}

// UnitPricesWei returns the first n unit prices in wei. Unit i is
// start*ratio^i rounded up on its own, so rounding does not carry over.
func UnitPricesWei(startWei, finalWei *big.Int, units, n uint64) ([]*big.Int, error) {
	if startWei == nil || finalWei == nil || startWei.Sign() < 0 {
		return nil, ErrInvalidCurve
	}
	if n > units {
		n = units
	}
	ratio, err := stepFactorFixed(startWei, finalWei, units)
	if err != nil {
		return nil, err
	}
	prices := make([]*big.Int, 0, n)
	pow := new(big.Int).Set(fixedScale)
	for i := uint64(0); i < n; i++ {
		prices = append(prices, ceilDiv(new(big.Int).Mul(startWei, pow), fixedScale))
		pow = ceilDiv(pow.Mul(pow, ratio), fixedScale)
	}
	return prices, nil
}

// stepFactorFixed computes (final/start)^(1/(units-1)) scaled by fixedScale,
// rounded up by one ulp.
func stepFactorFixed(startWei, finalWei *big.Int, units uint64) (*big.Int, error) {
	if units <= 1 || startWei.Sign() == 0 {
		return new(big.Int).Set(fixedScale), nil
	}
	if finalWei.Cmp(startWei) < 0 {
		return nil, ErrInvalidCurve
	}
	if finalWei.Cmp(startWei) == 0 {
		return new(big.Int).Set(fixedScale), nil
	}

	k := units - 1
	// q = final/start in fixed point, rounded up
	q := ceilDiv(new(big.Int).Mul(finalWei, fixedScale), startWei)
	if k == 1 {
		return q.Add(q, big.NewInt(1)), nil
	}

	x := newtonSeed(startWei, finalWei, k)
	kBig := new(big.Int).SetUint64(k)
	kMinus1 := new(big.Int).SetUint64(k - 1)

	for i := 0; i < maxNewtonIterations; i++ {
		// y = ((k-1)*x + q*S/x^(k-1)) / k
		p := powFixed(x, k-1)
		if p.Sign() == 0 {
			break
		}
		t := new(big.Int).Mul(q, fixedScale)
		t.Quo(t, p)
		y := new(big.Int).Mul(kMinus1, x)
		y.Add(y, t)
		y.Quo(y, kBig)
		if y.Cmp(x) >= 0 {
			break
		}
		x = y
	}
	return x.Add(x, big.NewInt(1)), nil
}

// newtonSeed returns a float estimate of the root, nudged above the true value
// so integer Newton iterations descend onto it.
func newtonSeed(startWei, finalWei *big.Int, k uint64) *big.Int {
	ratio, _ := new(big.Float).Quo(new(big.Float).SetInt(finalWei), new(big.Float).SetInt(startWei)).Float64()
	est := math.Pow(ratio, 1/float64(k)) * (1 + 1e-9)
	seed, _ := new(big.Float).Mul(big.NewFloat(est), new(big.Float).SetInt(fixedScale)).Int(nil)
	if seed.Cmp(fixedScale) <= 0 {
		seed = new(big.Int).Mul(fixedScale, big.NewInt(2))
	}
	return seed
}

// powFixed raises a fixed-point value to an integer power.
func powFixed(x *big.Int, e uint64) *big.Int {
	result := new(big.Int).Set(fixedScale)
	base := new(big.Int).Set(x)
	for e > 0 {
		if e&1 == 1 {
			result.Mul(result, base)
			result.Quo(result, fixedScale)
		}
		e >>= 1
		if e > 0 {
			base.Mul(base, base)
			base.Quo(base, fixedScale)
		}
	}
	return result
}

func ceilDiv(a, b *big.Int) *big.Int {
	q, m := new(big.Int).QuoRem(a, b, new(big.Int))
	if m.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
