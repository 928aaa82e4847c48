package api

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"positionscan/internal/config"
	"positionscan/internal/eventbus"
	"positionscan/internal/ingester"
	"positionscan/internal/models"
	"positionscan/internal/pnl"
)

type stubStatus struct{}

func (stubStatus) Statuses() []ingester.ChainStatus {
	return []ingester.ChainStatus{{Chain: models.ChainArbitrum, Tip: 200, Watermark: 136, Lag: 64}}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{APIPort: 0, Chains: map[models.Chain]*config.ChainConfig{}}
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	return NewServer(cfg, nil, stubStatus{}, nil, bus)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestCORSPreflights(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("OPTIONS", "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestListPositionsRejectsUnknownChain(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/positions?chain=dogechain", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetPositionRejectsUnknownChain(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/positions/dogechain/123", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMarshalReportFormatsAmounts(t *testing.T) {
	end := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	rep := &pnl.Report{
		Status:             models.PositionActive,
		Liquidity:          big.NewInt(600),
		CurrentValueQuote:  big.NewInt(1_000_000),
		UnclaimedFeesQuote: big.NewInt(10),
		CollectedFeesQuote: big.NewInt(50),
		CostBasisQuote:     big.NewInt(900_000),
		RealizedPnLQuote:   big.NewInt(-900_000),
		TotalPnLQuote:      big.NewInt(-799_940),
		APR:                pnl.Percent(12166666),
		Periods: []pnl.PeriodAPR{{
			EventID:         7,
			EndTime:         &end,
			DurationSeconds: 86400,
			CostBasisQuote:  big.NewInt(900_000),
			FeesQuote:       big.NewInt(50),
			APR:             pnl.Percent(2027777),
		}},
	}

	got := marshalReport(rep, true)
	if got.APRPercent != "12.166666" {
		t.Errorf("apr = %q", got.APRPercent)
	}
	if got.RealizedPnLQuote != "-900000" {
		t.Errorf("realized = %q", got.RealizedPnLQuote)
	}
	if !got.HasQuarantinedEvents {
		t.Error("expected quarantine flag")
	}
	if len(got.Periods) != 1 || got.Periods[0].FeesQuote != "50" {
		t.Errorf("periods = %+v", got.Periods)
	}
}
