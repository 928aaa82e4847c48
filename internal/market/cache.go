package market

import (
	"math/big"
	"sync"
)

// priceCache memoizes historical sqrt prices keyed by chain/pool@block.
// A pinned block's price never changes, so there is no expiry; maxSize
// bounds memory on long backfills by evicting arbitrary entries.
type priceCache struct {
	mu      sync.RWMutex
	prices  map[string]*big.Int
	maxSize int
}

func newPriceCache() *priceCache {
	return &priceCache{
		prices:  make(map[string]*big.Int),
		maxSize: 100_000,
	}
}

func (c *priceCache) get(key string) (*big.Int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[key]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(p), true
}

func (c *priceCache) put(key string, price *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prices) >= c.maxSize {
		for k := range c.prices {
			delete(c.prices, k)
			break
		}
	}
	c.prices[key] = new(big.Int).Set(price)
}
