package pnl

import (
	"math/big"
	"sort"
	"time"

	"positionscan/internal/ledger"
	"positionscan/internal/models"
)

// annualizeFactor converts a per-second fee return into a yearly
// percentage: seconds per year times 100.
var annualizeFactor = big.NewInt(365 * 86400 * 100)

// AllocateFees splits each COLLECT's quote value across the capital
// periods overlapping the window since the previous COLLECT,
// proportional to period weight (duration times cost basis). Division
// remainders go to the heaviest period so the per-collect totals are
// conserved exactly.
func AllocateFees(positionID int64, periods []models.CapitalPeriod, collects []ledger.ValuedCollect, asOf time.Time) []models.FeeDistribution {
	ordered := make([]ledger.ValuedCollect, len(collects))
	copy(ordered, collects)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Time.Before(ordered[j].Time) })

	var out []models.FeeDistribution
	var prev time.Time // zero for the first collect: window opens at position start
	for _, c := range ordered {
		out = append(out, allocateOne(positionID, periods, c, prev, asOf)...)
		prev = c.Time
	}
	return out
}

func allocateOne(positionID int64, periods []models.CapitalPeriod, c ledger.ValuedCollect, prev, asOf time.Time) []models.FeeDistribution {
	if c.FeeQuote == nil || c.FeeQuote.Sign() == 0 {
		return nil
	}

	type share struct {
		eventID int64
		weight  *big.Int
	}
	var shares []share
	total := new(big.Int)
	for i := range periods {
		w := overlapWeight(&periods[i], prev, c.Time, asOf)
		if w.Sign() <= 0 {
			continue
		}
		shares = append(shares, share{eventID: periods[i].EventID, weight: w})
		total.Add(total, w)
	}
	if len(shares) == 0 {
		return nil
	}

	out := make([]models.FeeDistribution, 0, len(shares))
	allocated := new(big.Int)
	heaviest := 0
	for i, s := range shares {
		if s.weight.Cmp(shares[heaviest].weight) > 0 {
			heaviest = i
		}
		amount := new(big.Int).Mul(c.FeeQuote, s.weight)
		amount.Quo(amount, total)
		allocated.Add(allocated, amount)
		out = append(out, models.FeeDistribution{
			PositionID:    positionID,
			CollectID:     c.EventID,
			PeriodEventID: s.eventID,
			AmountQuote:   amount,
		})
	}
	if rem := new(big.Int).Sub(c.FeeQuote, allocated); rem.Sign() > 0 {
		out[heaviest].AmountQuote.Add(out[heaviest].AmountQuote, rem)
	}
	return out
}

// overlapWeight is the period's weight restricted to the half-open
// window (from, to]. Periods with no deposited capital carry no weight.
func overlapWeight(p *models.CapitalPeriod, from, to, asOf time.Time) *big.Int {
	if p.CostBasisQuote == nil || p.CostBasisQuote.Sign() <= 0 {
		return new(big.Int)
	}
	start := p.StartTime
	if from.After(start) {
		start = from
	}
	end := asOf
	if p.EndTime != nil {
		end = *p.EndTime
	}
	if to.Before(end) {
		end = to
	}
	secs := int64(end.Sub(start) / time.Second)
	if secs <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Mul(big.NewInt(secs), p.CostBasisQuote)
}

// aprScaled annualizes a period's fee return, keeping the result at
// the 10^30 working scale.
func aprScaled(fees, costBasis *big.Int, durationSeconds int64) *big.Int {
	scaled := scaledDiv(fees, costBasis)
	scaled.Mul(scaled, annualizeFactor)
	return scaled.Quo(scaled, big.NewInt(durationSeconds))
}

// PeriodAPR is one capital period's annualized fee return.
type PeriodAPR struct {
	EventID         int64
	StartTime       time.Time
	EndTime         *time.Time
	DurationSeconds int64
	CostBasisQuote  *big.Int
	FeesQuote       *big.Int
	APR             Percent
}

// Report is the full profitability picture of one position, every
// amount in smallest quote units.
type Report struct {
	Status             models.PositionStatus
	Liquidity          *big.Int
	CurrentValueQuote  *big.Int
	UnclaimedFeesQuote *big.Int
	CollectedFeesQuote *big.Int
	CostBasisQuote     *big.Int
	RealizedPnLQuote   *big.Int
	TotalPnLQuote      *big.Int
	APR                Percent
	Periods            []PeriodAPR
	Distributions      []models.FeeDistribution
}

// BuildReport assembles the PnL and APR report from a reconstructed
// ledger plus the position's current on-chain valuation. currentValue
// and unclaimedFees are zero for a closed position.
func BuildReport(positionID int64, led *ledger.Ledger, currentValue, unclaimedFees *big.Int, asOf time.Time) *Report {
	if currentValue == nil {
		currentValue = new(big.Int)
	}
	if unclaimedFees == nil {
		unclaimedFees = new(big.Int)
	}

	collected := new(big.Int)
	for _, c := range led.Collects {
		collected.Add(collected, c.FeeQuote)
	}

	realized := new(big.Int).Sub(led.DecreasedQuote, led.IncreasedQuote)

	// Total = realized + collected + unclaimed + (current value - cost basis).
	total := new(big.Int).Add(realized, collected)
	total.Add(total, unclaimedFees)
	total.Add(total, currentValue)
	total.Sub(total, led.CostBasisQuote)

	rep := &Report{
		Status:             led.Status,
		Liquidity:          led.Liquidity,
		CurrentValueQuote:  currentValue,
		UnclaimedFeesQuote: unclaimedFees,
		CollectedFeesQuote: collected,
		CostBasisQuote:     led.CostBasisQuote,
		RealizedPnLQuote:   realized,
		TotalPnLQuote:      total,
		Distributions:      AllocateFees(positionID, led.Periods, led.Collects, asOf),
	}

	feesByPeriod := make(map[int64]*big.Int)
	for _, d := range rep.Distributions {
		sum, ok := feesByPeriod[d.PeriodEventID]
		if !ok {
			sum = new(big.Int)
			feesByPeriod[d.PeriodEventID] = sum
		}
		sum.Add(sum, d.AmountQuote)
	}

	// Position APR is the weight-proportional average of the active
	// periods' annualized returns.
	weightSum := new(big.Int)
	weightedAPR := new(big.Int)
	for _, p := range led.Periods {
		secs := p.DurationSeconds(asOf)
		fees, ok := feesByPeriod[p.EventID]
		if !ok {
			fees = new(big.Int)
		}

		entry := PeriodAPR{
			EventID:         p.EventID,
			StartTime:       p.StartTime,
			EndTime:         p.EndTime,
			DurationSeconds: secs,
			CostBasisQuote:  p.CostBasisQuote,
			FeesQuote:       fees,
		}
		if secs > 0 && p.CostBasisQuote != nil && p.CostBasisQuote.Sign() > 0 {
			scaled := aprScaled(fees, p.CostBasisQuote, secs)
			entry.APR = toPercent(scaled)

			w := p.Weight(asOf)
			weightSum.Add(weightSum, w)
			weightedAPR.Add(weightedAPR, new(big.Int).Mul(scaled, w))
		}
		rep.Periods = append(rep.Periods, entry)
	}
	if weightSum.Sign() > 0 {
		rep.APR = toPercent(weightedAPR.Quo(weightedAPR, weightSum))
	}

	return rep
}
