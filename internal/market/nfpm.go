package market

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"strings"

	"positionscan/internal/models"
)

// positionsSelector is the 4-byte selector of the NonfungiblePosition-
// Manager positions(uint256) view.
const positionsSelector = "0x99fbab88"

var two256 = new(big.Int).Lsh(big.NewInt(1), 256)

// PositionInfo is the slice of the positions() return the calculator
// needs: the range, live liquidity, fee-growth snapshots and the
// tokensOwed accumulators.
type PositionInfo struct {
	TickLower                int32
	TickUpper                int32
	Liquidity                *big.Int
	FeeGrowthInside0LastX128 *big.Int
	FeeGrowthInside1LastX128 *big.Int
	TokensOwed0              *big.Int
	TokensOwed1              *big.Int
}

// PositionInfo reads positions(tokenID) from the chain's position
// manager at the head block. Head state moves, so the read is never
// cached.
func (s *Source) PositionInfo(ctx context.Context, chain models.Chain, nfpm, tokenID string) (PositionInfo, error) {
	ep, ok := s.endpoints[chain]
	if !ok {
		return PositionInfo{}, fmt.Errorf("no price endpoint for chain %s", chain)
	}

	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok || id.Sign() < 0 {
		return PositionInfo{}, fmt.Errorf("invalid token id %q", tokenID)
	}
	arg := make([]byte, 32)
	id.FillBytes(arg)

	params := url.Values{}
	params.Set("module", "proxy")
	params.Set("action", "eth_call")
	params.Set("to", strings.ToLower(nfpm))
	params.Set("data", positionsSelector+fmt.Sprintf("%x", arg))
	params.Set("tag", "latest")
	if ep.APIKey != "" {
		params.Set("apikey", ep.APIKey)
	}

	raw, err := s.call(ctx, ep.URL, params)
	if err != nil {
		return PositionInfo{}, err
	}
	// nonce, operator, token0, token1, fee, tickLower, tickUpper,
	// liquidity, feeGrowthInside{0,1}Last, tokensOwed{0,1}
	if len(raw) < 12*32 {
		return PositionInfo{}, fmt.Errorf("positions() returned %d bytes, want %d", len(raw), 12*32)
	}
	word := func(i int) *big.Int {
		return new(big.Int).SetBytes(raw[i*32 : (i+1)*32])
	}

	return PositionInfo{
		TickLower:                wordToInt32(word(5)),
		TickUpper:                wordToInt32(word(6)),
		Liquidity:                word(7),
		FeeGrowthInside0LastX128: word(8),
		FeeGrowthInside1LastX128: word(9),
		TokensOwed0:              word(10),
		TokensOwed1:              word(11),
	}, nil
}

// wordToInt32 interprets a 256-bit word as a sign-extended small
// integer (the int24 ticks arrive this way).
func wordToInt32(w *big.Int) int32 {
	if w.Bit(255) == 1 {
		w = new(big.Int).Sub(w, two256)
	}
	return int32(w.Int64())
}
