package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"positionscan/internal/models"
)

// ErrLedgerInvariant reports events that would drive liquidity
// negative. The offending events are kept but flagged, and excluded
// from every fold.
var ErrLedgerInvariant = errors.New("ledger invariant violated")

// CloseToleranceBlocks is how far after the zeroing DECREASE a COLLECT
// may land and still close the position.
const CloseToleranceBlocks = 128

// Pricer values a raw (amount0, amount1) pair in smallest quote units
// at a given block. Implementations must be pure with respect to their
// inputs; the ledger treats the price at a block as a fixed fact.
type Pricer interface {
	QuoteValue(ctx context.Context, chain models.Chain, pool string, block uint64, amount0, amount1 *big.Int) (*big.Int, error)
}

// FoldResult is the outcome of replaying a position's events.
type FoldResult struct {
	Liquidity   *big.Int
	Status      models.PositionStatus
	Quarantined []int // indexes into the input slice
}

// Fold replays events in canonical order and returns the running
// liquidity and lifecycle status. Events already quarantined are
// skipped; an event that would drive liquidity negative is added to
// Quarantined and not applied. Returns ErrLedgerInvariant when any
// event was quarantined.
func Fold(events []*models.PositionEvent) (FoldResult, error) {
	ordered := sortedCopy(events)

	res := FoldResult{
		Liquidity: new(big.Int),
		Status:    models.PositionActive,
	}

	var zeroedAt uint64
	zeroed := false

	for _, item := range ordered {
		ev := item.ev
		if ev.Quarantined {
			continue
		}
		switch ev.Kind {
		case models.EventIncreaseLiquidity:
			delta, err := models.ParseAmount(ev.LiquidityDelta)
			if err != nil {
				res.Quarantined = append(res.Quarantined, item.idx)
				continue
			}
			res.Liquidity.Add(res.Liquidity, delta)
			res.Status = models.PositionActive
			zeroed = false

		case models.EventDecreaseLiquidity:
			delta, err := models.ParseAmount(ev.LiquidityDelta)
			if err != nil {
				res.Quarantined = append(res.Quarantined, item.idx)
				continue
			}
			if delta.Cmp(res.Liquidity) > 0 {
				// Applying would go negative.
				res.Quarantined = append(res.Quarantined, item.idx)
				continue
			}
			res.Liquidity.Sub(res.Liquidity, delta)
			if res.Liquidity.Sign() == 0 {
				zeroed = true
				zeroedAt = ev.BlockNumber
			}

		case models.EventCollect:
			if zeroed && res.Liquidity.Sign() == 0 && ev.BlockNumber >= zeroedAt && ev.BlockNumber-zeroedAt <= CloseToleranceBlocks {
				res.Status = models.PositionClosed
			}
		}
	}

	if len(res.Quarantined) > 0 {
		return res, fmt.Errorf("%w: %d event(s) quarantined", ErrLedgerInvariant, len(res.Quarantined))
	}
	return res, nil
}

// ValuedCollect is a COLLECT event with its fees valued in quote units
// at the event's block.
type ValuedCollect struct {
	EventID     int64
	BlockNumber uint64
	Time        time.Time
	FeeQuote    *big.Int
}

// Ledger is the reconstructed capital history of one position.
type Ledger struct {
	Liquidity *big.Int
	Status    models.PositionStatus
	Periods   []models.CapitalPeriod
	Collects  []ValuedCollect

	// Event-time valuations feeding realized PnL.
	IncreasedQuote *big.Int // sum of INCREASE values
	DecreasedQuote *big.Int // sum of DECREASE values
	CostBasisQuote *big.Int // running net contributed capital
}

// Build replays a position's events into capital periods, valuing each
// liquidity change and collect at its block's pool price. Quarantined
// events are skipped. Events must belong to a single position.
func Build(ctx context.Context, positionID int64, pool string, events []*models.PositionEvent, pricer Pricer) (*Ledger, error) {
	fold, foldErr := Fold(events)
	if foldErr != nil && !errors.Is(foldErr, ErrLedgerInvariant) {
		return nil, foldErr
	}
	skip := make(map[int]bool, len(fold.Quarantined))
	for _, idx := range fold.Quarantined {
		skip[idx] = true
	}

	led := &Ledger{
		Liquidity:      fold.Liquidity,
		Status:         fold.Status,
		IncreasedQuote: new(big.Int),
		DecreasedQuote: new(big.Int),
		CostBasisQuote: new(big.Int),
	}

	ordered := sortedCopy(events)
	var open *models.CapitalPeriod

	closeOpen := func(at time.Time) {
		if open == nil {
			return
		}
		end := at
		open.EndTime = &end
		led.Periods = append(led.Periods, *open)
		open = nil
	}

	for _, item := range ordered {
		ev := item.ev
		if ev.Quarantined || skip[item.idx] {
			continue
		}

		switch ev.Kind {
		case models.EventIncreaseLiquidity, models.EventDecreaseLiquidity:
			amount0, err := models.ParseAmount(ev.Amount0)
			if err != nil {
				return nil, fmt.Errorf("event %d: %w", ev.ID, err)
			}
			amount1, err := models.ParseAmount(ev.Amount1)
			if err != nil {
				return nil, fmt.Errorf("event %d: %w", ev.ID, err)
			}
			value, err := pricer.QuoteValue(ctx, ev.Chain, pool, ev.BlockNumber, amount0, amount1)
			if err != nil {
				return nil, fmt.Errorf("pricing event %d at block %d: %w", ev.ID, ev.BlockNumber, err)
			}

			if ev.Kind == models.EventIncreaseLiquidity {
				led.IncreasedQuote.Add(led.IncreasedQuote, value)
				led.CostBasisQuote.Add(led.CostBasisQuote, value)
			} else {
				led.DecreasedQuote.Add(led.DecreasedQuote, value)
				led.CostBasisQuote.Sub(led.CostBasisQuote, value)
			}

			closeOpen(ev.BlockTimestamp)
			open = &models.CapitalPeriod{
				PositionID:     positionID,
				EventID:        ev.ID,
				StartTime:      ev.BlockTimestamp,
				CostBasisQuote: new(big.Int).Set(led.CostBasisQuote),
			}

		case models.EventCollect:
			amount0, err := models.ParseAmount(ev.Amount0)
			if err != nil {
				return nil, fmt.Errorf("event %d: %w", ev.ID, err)
			}
			amount1, err := models.ParseAmount(ev.Amount1)
			if err != nil {
				return nil, fmt.Errorf("event %d: %w", ev.ID, err)
			}
			fee, err := pricer.QuoteValue(ctx, ev.Chain, pool, ev.BlockNumber, amount0, amount1)
			if err != nil {
				return nil, fmt.Errorf("pricing collect %d at block %d: %w", ev.ID, ev.BlockNumber, err)
			}
			led.Collects = append(led.Collects, ValuedCollect{
				EventID:     ev.ID,
				BlockNumber: ev.BlockNumber,
				Time:        ev.BlockTimestamp,
				FeeQuote:    fee,
			})
		}
	}

	if open != nil {
		led.Periods = append(led.Periods, *open)
	}

	return led, foldErr
}

type indexedEvent struct {
	ev  *models.PositionEvent
	idx int
}

func sortedCopy(events []*models.PositionEvent) []indexedEvent {
	out := make([]indexedEvent, len(events))
	for i, ev := range events {
		out[i] = indexedEvent{ev: ev, idx: i}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ev.Before(out[j].ev)
	})
	return out
}
