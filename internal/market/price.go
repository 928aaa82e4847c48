package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/time/rate"

	"positionscan/internal/models"
)

// ErrNoPrice means the pool returned no usable price for the requested
// block. Callers decide whether that aborts a valuation or skips it.
var ErrNoPrice = errors.New("no price available")

// slot0Selector is the 4-byte selector of the pool's slot0() view. The
// first return word is sqrtPriceX96.
const slot0Selector = "0x3850c7bd"

const requestTimeout = 10 * time.Second

// Endpoint is one chain's explorer proxy endpoint.
type Endpoint struct {
	URL    string
	APIKey string
}

// Source reads Uniswap V3 pool prices through the explorer's eth_call
// proxy, the same surface the log client uses. Historical reads pin the
// call to a block tag; results are immutable and cached for the
// process lifetime.
type Source struct {
	endpoints  map[models.Chain]Endpoint
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *priceCache

	// Pools where token0 is the quote token. Default assumes token1.
	quoteToken0 map[string]bool
}

func New(endpoints map[models.Chain]Endpoint) *Source {
	return &Source{
		endpoints:   endpoints,
		httpClient:  &http.Client{Timeout: requestTimeout},
		limiter:     rate.NewLimiter(rate.Limit(5), 5),
		cache:       newPriceCache(),
		quoteToken0: make(map[string]bool),
	}
}

// UseToken0Quote marks a pool whose quote token is token0.
func (s *Source) UseToken0Quote(pool string) {
	s.quoteToken0[strings.ToLower(pool)] = true
}

// SqrtPriceAt returns the pool's sqrtPriceX96 at the given block.
// block 0 means the chain head; head reads are never cached.
func (s *Source) SqrtPriceAt(ctx context.Context, chain models.Chain, pool string, block uint64) (*big.Int, error) {
	key := fmt.Sprintf("%s/%s@%d", chain, strings.ToLower(pool), block)
	if block > 0 {
		if p, ok := s.cache.get(key); ok {
			return p, nil
		}
	}

	ep, ok := s.endpoints[chain]
	if !ok {
		return nil, fmt.Errorf("no price endpoint for chain %s", chain)
	}

	tag := "latest"
	if block > 0 {
		tag = hexutil.EncodeUint64(block)
	}
	params := url.Values{}
	params.Set("module", "proxy")
	params.Set("action", "eth_call")
	params.Set("to", strings.ToLower(pool))
	params.Set("data", slot0Selector)
	params.Set("tag", tag)
	if ep.APIKey != "" {
		params.Set("apikey", ep.APIKey)
	}

	raw, err := s.call(ctx, ep.URL, params)
	if err != nil {
		return nil, err
	}
	if len(raw) < 32 {
		return nil, fmt.Errorf("%w: slot0 returned %d bytes", ErrNoPrice, len(raw))
	}

	sqrtPrice := new(big.Int).SetBytes(raw[:32])
	if sqrtPrice.Sign() == 0 {
		return nil, fmt.Errorf("%w: pool %s at block %d", ErrNoPrice, pool, block)
	}
	if block > 0 {
		s.cache.put(key, sqrtPrice)
	}
	return sqrtPrice, nil
}

var q192 = new(big.Int).Lsh(big.NewInt(1), 192)

// QuoteValue values an (amount0, amount1) pair in smallest quote units
// at the pool's price for the block. With sqrtPriceX96 = sqrt(p) * 2^96
// the token0 price in token1 terms is sqrtPrice^2 / 2^192.
func (s *Source) QuoteValue(ctx context.Context, chain models.Chain, pool string, block uint64, amount0, amount1 *big.Int) (*big.Int, error) {
	sqrtPrice, err := s.SqrtPriceAt(ctx, chain, pool, block)
	if err != nil {
		return nil, err
	}

	priceNum := new(big.Int).Mul(sqrtPrice, sqrtPrice)
	if s.quoteToken0[strings.ToLower(pool)] {
		// value = amount0 + amount1 * 2^192 / sqrtPrice^2
		converted := new(big.Int).Mul(amount1, q192)
		converted.Quo(converted, priceNum)
		return converted.Add(converted, amount0), nil
	}
	// value = amount1 + amount0 * sqrtPrice^2 / 2^192
	converted := priceNum.Mul(priceNum, amount0)
	converted.Quo(converted, q192)
	return converted.Add(converted, amount1), nil
}

// proxyResponse is the explorer's JSON-RPC proxy envelope.
type proxyResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Source) call(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "positionscan/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("price source status %s", resp.Status)
	}

	var envelope proxyResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding price response: %w", err)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("price source: %s", envelope.Error.Message)
	}

	var hexData string
	if err := json.Unmarshal(envelope.Result, &hexData); err != nil {
		return nil, fmt.Errorf("decoding price result: %w", err)
	}
	return hexutil.Decode(hexData)
}
