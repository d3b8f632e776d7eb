package api

import (
	"math"
	"time"

	"evbacktest/internal/domain"
	"evbacktest/internal/store"
	"evbacktest/internal/strategy"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BacktestRequest is the body of POST /api/v1/backtest and of the gRPC
// Backtest call. When Bars is empty the series is read from the bar store for
// Symbol in [Start, End]. Omitted numeric fields take the server's configured
// backtest defaults; the costs are pointers so an explicit zero cost can
// override a configured one.
type BacktestRequest struct {
	Symbol           string    `json:"symbol" binding:"required"`
	Market           string    `json:"market,omitempty"`
	Start            string    `json:"start,omitempty"` // YYYY-MM-DD
	End              string    `json:"end,omitempty"`   // YYYY-MM-DD
	Bars             []BarJSON `json:"bars,omitempty"`
	Strategy         string    `json:"strategy" binding:"required"`
	InitialAmount    float64   `json:"initial_amount,omitempty"`
	FixedCost        *float64  `json:"fixed_cost,omitempty"`
	ProportionalCost *float64  `json:"proportional_cost,omitempty"`
	SMAWindow        int       `json:"sma_window,omitempty"`
	Threshold        float64   `json:"threshold,omitempty"`
	IncludeFills     bool      `json:"include_fills,omitempty"`
}

// SweepRequest is the body of POST /api/v1/backtest/sweep and of the gRPC
// Sweep call.
type SweepRequest struct {
	BacktestRequest
	SMAWindows []int     `json:"sma_windows"`
	Thresholds []float64 `json:"thresholds"`
	Workers    int       `json:"workers,omitempty"`
}

// BarJSON is one daily bar.
type BarJSON struct {
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open,omitempty"`
	High       float64   `json:"high,omitempty"`
	Low        float64   `json:"low,omitempty"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume,omitempty"`
	TradeCount int64     `json:"trade_count,omitempty"`
	VWAP       float64   `json:"vwap,omitempty"`
}

// BarsResponse is the body of GET /api/v1/bars.
type BarsResponse struct {
	Symbol string    `json:"symbol"`
	Market string    `json:"market"`
	Bars   []BarJSON `json:"bars"`
}

// FillJSON is one executed order.
type FillJSON struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Units     float64   `json:"units"`
	Price     float64   `json:"price"`
	Notional  float64   `json:"notional"`
	Cost      float64   `json:"cost"`
	Cash      float64   `json:"cash"`
	Holdings  float64   `json:"holdings"`
	NetWealth float64   `json:"net_wealth"`
	Position  string    `json:"position"`
}

// RunJSON is a backtest run summary, with fills when requested.
type RunJSON struct {
	ID                string     `json:"id"`
	Symbol            string     `json:"symbol"`
	Market            string     `json:"market,omitempty"`
	Strategy          string     `json:"strategy"`
	InitialAmount     float64    `json:"initial_amount"`
	FixedCost         float64    `json:"fixed_cost"`
	ProportionalCost  float64    `json:"proportional_cost"`
	SMAWindow         int        `json:"sma_window"`
	Threshold         float64    `json:"threshold"`
	Bars              int        `json:"bars"`
	Start             time.Time  `json:"start"`
	End               time.Time  `json:"end"`
	FinalCash         float64    `json:"final_cash"`
	NetPerformancePct float64    `json:"net_performance_pct"`
	Trades            int        `json:"trade_count"`
	Degenerate        bool       `json:"degenerate"`
	SignalMean        *float64   `json:"signal_mean,omitempty"`
	SignalStd         *float64   `json:"signal_std,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	Fills             []FillJSON `json:"fills,omitempty"`
}

// RunsResponse is the body of GET /api/v1/runs.
type RunsResponse struct {
	Runs []RunJSON `json:"runs"`
}

// SweepResponse is the body of POST /api/v1/backtest/sweep, best run first.
type SweepResponse struct {
	Results []RunJSON `json:"results"`
}

// StrategiesRequest is the (empty) gRPC Strategies request.
type StrategiesRequest struct{}

// StrategiesResponse is the body of GET /api/v1/strategies.
type StrategiesResponse struct {
	Strategies []string `json:"strategies"`
}

// finite maps NaN and Inf to nil; encoding/json rejects them.
func finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func barsToDomain(symbol string, in []BarJSON) []domain.Bar {
	out := make([]domain.Bar, len(in))
	for i, b := range in {
		out[i] = domain.Bar{
			Symbol:     symbol,
			Timestamp:  b.Timestamp.UTC(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		}
	}
	return out
}

func barsFromDomain(in []domain.Bar) []BarJSON {
	out := make([]BarJSON, len(in))
	for i, b := range in {
		out[i] = BarJSON{
			Timestamp:  b.Timestamp,
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		}
	}
	return out
}

// runFromResult builds the response for a fresh run. Signal statistics are
// only known at run time.
func runFromResult(res *strategy.Result, withFills bool) RunJSON {
	rec := res.Record()
	if !withFills {
		rec.Fills = nil
	}
	out := runFromRecord(rec)
	out.SignalMean = finite(res.SignalMean)
	out.SignalStd = finite(res.SignalStd)
	return out
}

func runFromRecord(rec *store.RunRecord) RunJSON {
	out := RunJSON{
		ID:                rec.ID,
		Symbol:            rec.Symbol,
		Market:            rec.Market,
		Strategy:          rec.Strategy,
		InitialAmount:     rec.InitialAmount,
		FixedCost:         rec.FixedCost,
		ProportionalCost:  rec.ProportionalCost,
		SMAWindow:         rec.SMAWindow,
		Threshold:         rec.Threshold,
		Bars:              rec.Bars,
		Start:             rec.Start,
		End:               rec.End,
		FinalCash:         rec.FinalCash,
		NetPerformancePct: rec.NetPerformancePct,
		Trades:            rec.Trades,
		Degenerate:        rec.Degenerate,
		CreatedAt:         rec.CreatedAt,
	}
	for _, f := range rec.Fills {
		out.Fills = append(out.Fills, FillJSON{
			Index:     f.Index,
			Timestamp: f.Timestamp,
			Action:    f.Action,
			Units:     f.Units,
			Price:     f.Price,
			Notional:  f.Notional,
			Cost:      f.Cost,
			Cash:      f.Cash,
			Holdings:  f.Holdings,
			NetWealth: f.NetWealth,
			Position:  f.Position,
		})
	}
	return out
}
