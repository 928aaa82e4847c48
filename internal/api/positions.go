package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/big"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"positionscan/internal/ledger"
	"positionscan/internal/models"
	"positionscan/internal/pnl"
)

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	chain := models.Chain(r.URL.Query().Get("chain"))
	if chain != "" && !chain.Valid() {
		writeError(w, http.StatusBadRequest, "unknown chain")
		return
	}

	positions, err := s.repo.ListPositions(r.Context(), chain)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	})
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	chain := models.Chain(vars["chain"])
	if !chain.Valid() {
		writeError(w, http.StatusBadRequest, "unknown chain")
		return
	}
	tokenID := vars["tokenId"]

	pos, err := s.repo.GetPosition(r.Context(), chain, tokenID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pos == nil {
		writeError(w, http.StatusNotFound, "position not tracked")
		return
	}

	events, err := s.repo.EventsForToken(r.Context(), chain, tokenID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]interface{}{
		"position": pos,
		"events":   events,
	}

	if pos.PoolAddress == "" {
		resp["report"] = nil
		resp["report_note"] = "pool not resolved yet"
		json.NewEncoder(w).Encode(resp)
		return
	}

	report, err := s.buildPositionReport(r.Context(), pos, events)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	resp["report"] = report

	json.NewEncoder(w).Encode(resp)
}

// buildPositionReport replays the stored events into a priced ledger
// and joins it with the position's live on-chain state.
func (s *Server) buildPositionReport(ctx context.Context, pos *models.Position, events []*models.PositionEvent) (*reportJSON, error) {
	led, foldErr := ledger.Build(ctx, pos.ID, pos.PoolAddress, events, s.prices)
	if led == nil {
		return nil, foldErr
	}
	quarantined := errors.Is(foldErr, ledger.ErrLedgerInvariant)

	currentValue := new(big.Int)
	unclaimed := new(big.Int)
	if pos.Status == models.PositionActive {
		cv, uf, err := s.valueOnChain(ctx, pos)
		if err != nil {
			// Valuation is best effort; the historical report still stands.
			log.Printf("[api] chain=%s token=%s: on-chain valuation failed: %v", pos.Chain, pos.NFTTokenID, err)
		} else {
			currentValue, unclaimed = cv, uf
		}
	}

	rep := pnl.BuildReport(pos.ID, led, currentValue, unclaimed, time.Now().UTC())
	return marshalReport(rep, quarantined), nil
}

// valueOnChain reads the position's live NFPM state and values both the
// deposited amounts and the collectable fees at the pool's head price.
// The fee-growth deltas need tick-level pool reads the explorer proxy
// does not expose, so tokensOwed is the collectable floor.
func (s *Server) valueOnChain(ctx context.Context, pos *models.Position) (currentValue, unclaimed *big.Int, err error) {
	cc, ok := s.cfg.Chains[pos.Chain]
	if !ok {
		return nil, nil, errors.New("chain not configured")
	}

	info, err := s.prices.PositionInfo(ctx, pos.Chain, cc.NFPMAddress, pos.NFTTokenID)
	if err != nil {
		return nil, nil, err
	}

	lower, err := pnl.SqrtRatioAtTick(info.TickLower)
	if err != nil {
		return nil, nil, err
	}
	upper, err := pnl.SqrtRatioAtTick(info.TickUpper)
	if err != nil {
		return nil, nil, err
	}
	sqrtPrice, err := s.prices.SqrtPriceAt(ctx, pos.Chain, pos.PoolAddress, 0)
	if err != nil {
		return nil, nil, err
	}

	amount0, amount1 := pnl.AmountsForLiquidity(pnl.PositionState{
		Liquidity:         info.Liquidity,
		TickLower:         info.TickLower,
		TickUpper:         info.TickUpper,
		SqrtPriceX96:      sqrtPrice,
		SqrtRatioLowerX96: lower,
		SqrtRatioUpperX96: upper,
	})
	currentValue, err = s.prices.QuoteValue(ctx, pos.Chain, pos.PoolAddress, 0, amount0, amount1)
	if err != nil {
		return nil, nil, err
	}

	fees0, fees1 := pnl.UnclaimedFees(info.Liquidity, pnl.FeeState{
		FeeGrowthInside0X128:     info.FeeGrowthInside0LastX128,
		FeeGrowthInside1X128:     info.FeeGrowthInside1LastX128,
		FeeGrowthInside0LastX128: info.FeeGrowthInside0LastX128,
		FeeGrowthInside1LastX128: info.FeeGrowthInside1LastX128,
		TokensOwed0:              info.TokensOwed0,
		TokensOwed1:              info.TokensOwed1,
	})
	unclaimed, err = s.prices.QuoteValue(ctx, pos.Chain, pos.PoolAddress, 0, fees0, fees1)
	if err != nil {
		return nil, nil, err
	}
	return currentValue, unclaimed, nil
}

type reportJSON struct {
	Status               string       `json:"status"`
	Liquidity            string       `json:"liquidity"`
	CurrentValueQuote    string       `json:"current_value_quote"`
	UnclaimedFeesQuote   string       `json:"unclaimed_fees_quote"`
	CollectedFeesQuote   string       `json:"collected_fees_quote"`
	CostBasisQuote       string       `json:"cost_basis_quote"`
	RealizedPnLQuote     string       `json:"realized_pnl_quote"`
	TotalPnLQuote        string       `json:"total_pnl_quote"`
	APRPercent           string       `json:"apr_percent"`
	HasQuarantinedEvents bool         `json:"has_quarantined_events"`
	Periods              []periodJSON `json:"periods"`
}

type periodJSON struct {
	EventID         int64      `json:"event_id"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
	CostBasisQuote  string     `json:"cost_basis_quote"`
	FeesQuote       string     `json:"fees_quote"`
	APRPercent      string     `json:"apr_percent"`
}

func marshalReport(rep *pnl.Report, quarantined bool) *reportJSON {
	out := &reportJSON{
		Status:               string(rep.Status),
		Liquidity:            bigString(rep.Liquidity),
		CurrentValueQuote:    bigString(rep.CurrentValueQuote),
		UnclaimedFeesQuote:   bigString(rep.UnclaimedFeesQuote),
		CollectedFeesQuote:   bigString(rep.CollectedFeesQuote),
		CostBasisQuote:       bigString(rep.CostBasisQuote),
		RealizedPnLQuote:     bigString(rep.RealizedPnLQuote),
		TotalPnLQuote:        bigString(rep.TotalPnLQuote),
		APRPercent:           rep.APR.String(),
		HasQuarantinedEvents: quarantined,
		Periods:              make([]periodJSON, 0, len(rep.Periods)),
	}
	for _, p := range rep.Periods {
		out.Periods = append(out.Periods, periodJSON{
			EventID:         p.EventID,
			StartTime:       p.StartTime,
			EndTime:         p.EndTime,
			DurationSeconds: p.DurationSeconds,
			CostBasisQuote:  bigString(p.CostBasisQuote),
			FeesQuote:       bigString(p.FeesQuote),
			APRPercent:      p.APR.String(),
		})
	}
	return out
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
