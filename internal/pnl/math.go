package pnl

import (
	"fmt"
	"math/big"
)

// All percentage math runs on integers scaled by 10^30. Amounts and
// prices never pass through floating point.
var (
	scaleFactor = new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)

	// scale(30) down to the 6-fractional-digit percent representation
	percentReduce = new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)
)

// Percent is a percentage in fixed point with 6 fractional digits
// (micro-percent). 12166666 renders as "12.166666".
type Percent int64

func (p Percent) String() string {
	v := int64(p)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/1_000_000, v%1_000_000)
}

// scaledDiv returns num*10^30/den, truncated. Division by zero is the
// caller's bug; den must be nonzero.
func scaledDiv(num, den *big.Int) *big.Int {
	scaled := new(big.Int).Mul(num, scaleFactor)
	return scaled.Quo(scaled, den)
}

// divRoundHalfEven divides num by den rounding half to even. Used when
// reducing scaled values back to display precision.
func divRoundHalfEven(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() == 0 {
		return q
	}

	negative := (num.Sign() < 0) != (den.Sign() < 0)
	twice := new(big.Int).Lsh(new(big.Int).Abs(r), 1)
	absDen := new(big.Int).Abs(den)

	switch twice.Cmp(absDen) {
	case 1:
		bumpAwayFromZero(q, negative)
	case 0:
		// Exact half: round to the even neighbor.
		if q.Bit(0) == 1 {
			bumpAwayFromZero(q, negative)
		}
	}
	return q
}

func bumpAwayFromZero(q *big.Int, negative bool) {
	if negative {
		q.Sub(q, big.NewInt(1))
	} else {
		q.Add(q, big.NewInt(1))
	}
}

// toPercent reduces a 10^30-scaled percentage to micro-percent. The
// reduction truncates, matching the integer-division rule used
// throughout the percentage pipeline.
func toPercent(scaled *big.Int) Percent {
	reduced := new(big.Int).Quo(scaled, percentReduce)
	return Percent(reduced.Int64())
}
