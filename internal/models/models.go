package models

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Chain identifies one of the supported EVM networks.
type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainArbitrum Chain = "arbitrum"
	ChainBase     Chain = "base"
)

// AllChains lists every chain the indexer knows how to scan.
var AllChains = []Chain{ChainEthereum, ChainArbitrum, ChainBase}

func (c Chain) Valid() bool {
	switch c {
	case ChainEthereum, ChainArbitrum, ChainBase:
		return true
	}
	return false
}

// EventKind is the canonical NFPM event type.
type EventKind string

const (
	EventIncreaseLiquidity EventKind = "INCREASE_LIQUIDITY"
	EventDecreaseLiquidity EventKind = "DECREASE_LIQUIDITY"
	EventCollect           EventKind = "COLLECT"
)

// EventSource distinguishes indexer-written rows from user-entered ones.
// Only onchain rows are ever written or deleted by the scanner.
type EventSource string

const (
	SourceOnchain EventSource = "onchain"
	SourceManual  EventSource = "manual"
)

// PositionStatus tracks the position lifecycle.
type PositionStatus string

const (
	PositionActive PositionStatus = "active"
	PositionClosed PositionStatus = "closed"
)

// Log is a raw contract log as returned by the block explorer API,
// normalized to binary types.
type Log struct {
	Chain       Chain          `json:"chain"`
	Address     common.Address `json:"address"`
	BlockNumber uint64         `json:"block_number"`
	BlockHash   common.Hash    `json:"block_hash"`
	Timestamp   time.Time      `json:"timestamp"`
	TxHash      common.Hash    `json:"transaction_hash"`
	TxIndex     uint32         `json:"transaction_index"`
	LogIndex    uint32         `json:"log_index"`
	Topics      []common.Hash  `json:"topics"`
	Data        []byte         `json:"data"`
	Removed     bool           `json:"removed"`
}

// PositionEvent represents the 'position_events' table.
// Amounts are decimal strings; uint256 values never pass through floats.
type PositionEvent struct {
	ID             int64       `json:"id"`
	Chain          Chain       `json:"chain"`
	NFTTokenID     string      `json:"nft_token_id"`
	Kind           EventKind   `json:"kind"`
	BlockNumber    uint64      `json:"block_number"`
	TxIndex        uint32      `json:"transaction_index"`
	LogIndex       uint32      `json:"log_index"`
	TxHash         string      `json:"transaction_hash"`
	BlockTimestamp time.Time   `json:"block_timestamp"`
	Source         EventSource `json:"source"`
	Amount0        string      `json:"amount0"`
	Amount1        string      `json:"amount1"`
	LiquidityDelta string      `json:"liquidity_delta,omitempty"` // empty for COLLECT
	Recipient      string      `json:"recipient,omitempty"`       // COLLECT only
	Quarantined    bool        `json:"quarantined"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Before reports whether e sorts before other in canonical
// (blockNumber, transactionIndex, logIndex) order.
func (e *PositionEvent) Before(other *PositionEvent) bool {
	if e.BlockNumber != other.BlockNumber {
		return e.BlockNumber < other.BlockNumber
	}
	if e.TxIndex != other.TxIndex {
		return e.TxIndex < other.TxIndex
	}
	return e.LogIndex < other.LogIndex
}

// Position represents the 'positions' table.
type Position struct {
	ID          int64          `json:"id"`
	UserID      int64          `json:"user_id"`
	Chain       Chain          `json:"chain"`
	NFTTokenID  string         `json:"nft_token_id"`
	PoolAddress string         `json:"pool_address"`
	TickLower   int32          `json:"tick_lower"`
	TickUpper   int32          `json:"tick_upper"`
	Liquidity   string         `json:"liquidity"` // decimal string, authoritative after each fold
	Status      PositionStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Watermark represents the 'block_scanner_watermarks' table.
type Watermark struct {
	Chain               Chain     `json:"chain"`
	LastProcessedHeight uint64    `json:"last_processed_height"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// CapitalPeriod is one interval during which a position's deposited
// capital was constant. An open period has a nil EndTime.
type CapitalPeriod struct {
	PositionID     int64      `json:"position_id"`
	EventID        int64      `json:"event_id"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	CostBasisQuote *big.Int   `json:"cost_basis_quote"` // smallest quote units, signed
}

// DurationSeconds returns the period length in whole seconds, using
// asOf for an open period.
func (p *CapitalPeriod) DurationSeconds(asOf time.Time) int64 {
	end := asOf
	if p.EndTime != nil {
		end = *p.EndTime
	}
	secs := int64(end.Sub(p.StartTime) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// Weight is durationDays x costBasis, kept in quote-seconds to stay in
// integer math. Ratios between weights are identical either way.
func (p *CapitalPeriod) Weight(asOf time.Time) *big.Int {
	secs := big.NewInt(p.DurationSeconds(asOf))
	if p.CostBasisQuote == nil || p.CostBasisQuote.Sign() <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Mul(secs, p.CostBasisQuote)
}

// FeeDistribution is one COLLECT's fee value allocated to a single
// capital period, proportional to period weight.
type FeeDistribution struct {
	PositionID    int64    `json:"position_id"`
	CollectID     int64    `json:"collect_event_id"`
	PeriodEventID int64    `json:"period_event_id"`
	AmountQuote   *big.Int `json:"amount_quote"`
}

// ParseAmount parses a non-negative decimal amount string into a big.Int.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}
