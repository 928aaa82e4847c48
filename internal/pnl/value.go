package pnl

import (
	"math/big"
)

// q96 and q128 are the fixed-point bases used by Uniswap V3 sqrt
// prices and fee-growth accumulators.
var (
	q96  = new(big.Int).Lsh(big.NewInt(1), 96)
	q128 = new(big.Int).Lsh(big.NewInt(1), 128)
	q256 = new(big.Int).Lsh(big.NewInt(1), 256)
)

// PositionState is the current on-chain state of one position. The
// sqrt ratios at the range bounds come from the caller's price-math
// helper; this package only consumes them.
type PositionState struct {
	Liquidity         *big.Int
	TickLower         int32
	TickUpper         int32
	CurrentTick       int32
	SqrtPriceX96      *big.Int
	SqrtRatioLowerX96 *big.Int
	SqrtRatioUpperX96 *big.Int
}

// AmountsForLiquidity decomposes the position's liquidity into token
// amounts using the standard in-range/out-of-range split. All math is
// arbitrary precision.
func AmountsForLiquidity(st PositionState) (amount0, amount1 *big.Int) {
	amount0 = new(big.Int)
	amount1 = new(big.Int)
	if st.Liquidity == nil || st.Liquidity.Sign() == 0 {
		return amount0, amount1
	}

	lower, upper, price := st.SqrtRatioLowerX96, st.SqrtRatioUpperX96, st.SqrtPriceX96

	switch {
	case price.Cmp(lower) <= 0:
		// Entirely token0.
		amount0 = amount0Delta(st.Liquidity, lower, upper)
	case price.Cmp(upper) >= 0:
		// Entirely token1.
		amount1 = amount1Delta(st.Liquidity, lower, upper)
	default:
		amount0 = amount0Delta(st.Liquidity, price, upper)
		amount1 = amount1Delta(st.Liquidity, lower, price)
	}
	return amount0, amount1
}

// amount0Delta = L * (upper - lower) * Q96 / (upper * lower)
func amount0Delta(liquidity, lower, upper *big.Int) *big.Int {
	num := new(big.Int).Sub(upper, lower)
	num.Mul(num, liquidity)
	num.Mul(num, q96)
	den := new(big.Int).Mul(upper, lower)
	return num.Quo(num, den)
}

// amount1Delta = L * (upper - lower) / Q96
func amount1Delta(liquidity, lower, upper *big.Int) *big.Int {
	num := new(big.Int).Sub(upper, lower)
	num.Mul(num, liquidity)
	return num.Quo(num, q96)
}

// FeeState carries the NFPM positions() read plus the pool's current
// fee-growth-inside accumulators for the position's range.
type FeeState struct {
	FeeGrowthInside0X128     *big.Int // current, from the pool
	FeeGrowthInside1X128     *big.Int
	FeeGrowthInside0LastX128 *big.Int // snapshot, from positions()
	FeeGrowthInside1LastX128 *big.Int
	TokensOwed0              *big.Int
	TokensOwed1              *big.Int
}

// UnclaimedFees computes the fees accrued but not yet collected, per
// token. The accumulators are modular over 2^256, so the delta wraps.
func UnclaimedFees(liquidity *big.Int, fs FeeState) (fees0, fees1 *big.Int) {
	fees0 = feesOwed(liquidity, fs.FeeGrowthInside0X128, fs.FeeGrowthInside0LastX128, fs.TokensOwed0)
	fees1 = feesOwed(liquidity, fs.FeeGrowthInside1X128, fs.FeeGrowthInside1LastX128, fs.TokensOwed1)
	return fees0, fees1
}

func feesOwed(liquidity, current, last, owed *big.Int) *big.Int {
	delta := new(big.Int).Sub(current, last)
	if delta.Sign() < 0 {
		delta.Add(delta, q256)
	}
	accrued := delta.Mul(delta, liquidity)
	accrued.Quo(accrued, q128)
	if owed != nil {
		accrued.Add(accrued, owed)
	}
	return accrued
}
