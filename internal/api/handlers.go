package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"evbacktest/internal/domain"
	"evbacktest/internal/engine"
	"evbacktest/internal/store"
	"evbacktest/internal/strategy"
)

const (
	codeInvalidRequest = "INVALID_REQUEST"
	codeInvalidConfig  = "INVALID_CONFIG"
	codeNotFound       = "NOT_FOUND"
	codeNoData         = "NO_DATA"
	codeUnavailable    = "UNAVAILABLE"
	codeInternal       = "INTERNAL_ERROR"

	defaultRunsLimit   = 50
	defaultSweepWorker = 4
	defaultLookback    = 10 // years, when no start date is given
)

// errRunStoreUnavailable is reported when the server has no run store.
var errRunStoreUnavailable = errors.New("run history is not configured")

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStrategies handles GET /api/v1/strategies.
func (s *Server) handleStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, StrategiesResponse{Strategies: s.deps.Backtester.Registry().List()})
}

// handleBacktest handles POST /api/v1/backtest.
func (s *Server) handleBacktest(c *gin.Context) {
	var req BacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err)
		return
	}
	out, err := s.backtest(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// handleSweep handles POST /api/v1/backtest/sweep.
func (s *Server) handleSweep(c *gin.Context) {
	var req SweepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err)
		return
	}
	out, err := s.sweep(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// backtest runs and persists one backtest and notifies WebSocket
// subscribers. It serves both the HTTP and the gRPC surface.
func (s *Server) backtest(ctx context.Context, req BacktestRequest) (RunJSON, error) {
	p, err := s.params(req)
	if err != nil {
		return RunJSON{}, err
	}
	series, market, err := s.series(ctx, req)
	if err != nil {
		return RunJSON{}, err
	}
	res, err := s.deps.Backtester.Run(ctx, series, p)
	if err != nil {
		return RunJSON{}, err
	}
	res.Market = market

	if err := s.persist(ctx, res); err != nil {
		return RunJSON{}, err
	}
	out := runFromResult(res, req.IncludeFills)
	summary := out
	summary.Fills = nil
	s.hub.Broadcast(Event{Type: "run", Symbol: out.Symbol, Runs: 1, Run: &summary})
	return out, nil
}

// sweep runs a parameter grid. Sweep results are not persisted.
func (s *Server) sweep(ctx context.Context, req SweepRequest) (SweepResponse, error) {
	base, err := s.params(req.BacktestRequest)
	if err != nil {
		return SweepResponse{}, err
	}
	series, market, err := s.series(ctx, req.BacktestRequest)
	if err != nil {
		return SweepResponse{}, err
	}
	workers := req.Workers
	if workers <= 0 {
		workers = defaultSweepWorker
	}
	grid := strategy.Grid{SMAWindows: req.SMAWindows, Thresholds: req.Thresholds}
	results, err := s.deps.Backtester.Sweep(ctx, series, base, grid, workers)
	if err != nil {
		return SweepResponse{}, err
	}

	out := SweepResponse{Results: make([]RunJSON, len(results))}
	for i, res := range results {
		res.Market = market
		out.Results[i] = runFromResult(res, false)
	}
	s.hub.Broadcast(Event{Type: "sweep", Symbol: series.Symbol(), Runs: len(out.Results), Run: &out.Results[0]})
	return out, nil
}

// handleListRuns handles GET /api/v1/runs?symbol=&strategy=&limit=.
func (s *Server) handleListRuns(c *gin.Context) {
	if s.deps.Runs == nil {
		writeError(c, http.StatusServiceUnavailable, codeUnavailable, errRunStoreUnavailable)
		return
	}
	limit := defaultRunsLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(c, http.StatusBadRequest, codeInvalidRequest, fmt.Errorf("limit %q must be a positive integer", v))
			return
		}
		limit = n
	}

	runs, err := s.deps.Runs.ListRuns(c.Request.Context(), store.RunFilter{
		Symbol:   c.Query("symbol"),
		Strategy: c.Query("strategy"),
		Limit:    limit,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	out := RunsResponse{Runs: make([]RunJSON, len(runs))}
	for i := range runs {
		out.Runs[i] = runFromRecord(&runs[i])
	}
	c.JSON(http.StatusOK, out)
}

// handleGetRun handles GET /api/v1/runs/:id.
func (s *Server) handleGetRun(c *gin.Context) {
	if s.deps.Runs == nil {
		writeError(c, http.StatusServiceUnavailable, codeUnavailable, errRunStoreUnavailable)
		return
	}
	rec, err := s.deps.Runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, runFromRecord(rec))
}

// handleBars handles GET /api/v1/bars?symbol=&market=&start=&end=.
func (s *Server) handleBars(c *gin.Context) {
	symbol := strings.ToUpper(c.Query("symbol"))
	if symbol == "" {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, errors.New("symbol is required"))
		return
	}
	if s.deps.Bars == nil {
		writeError(c, http.StatusServiceUnavailable, codeUnavailable, errors.New("bar store is not configured"))
		return
	}
	market, start, end, err := s.window(c.Query("market"), c.Query("start"), c.Query("end"))
	if err != nil {
		s.fail(c, err)
		return
	}
	bars, err := s.deps.Bars.ReadBars(c.Request.Context(), symbol, market, start, end)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, BarsResponse{Symbol: symbol, Market: market, Bars: barsFromDomain(bars)})
}

// params merges the request with the server defaults.
func (s *Server) params(req BacktestRequest) (strategy.Params, error) {
	d := s.deps.Defaults
	if strings.TrimSpace(req.Symbol) == "" {
		return strategy.Params{}, fmt.Errorf("symbol is required: %w", domain.ErrInvalidConfiguration)
	}
	p := strategy.Params{
		Strategy:      req.Strategy,
		InitialAmount: req.InitialAmount,
		Costs:         engine.CostModel{Fixed: d.FixedCost, Proportional: d.ProportionalCost},
		SMAWindow:     req.SMAWindow,
		Threshold:     req.Threshold,
	}
	if req.FixedCost != nil {
		p.Costs.Fixed = *req.FixedCost
	}
	if req.ProportionalCost != nil {
		p.Costs.Proportional = *req.ProportionalCost
	}
	if p.InitialAmount == 0 {
		p.InitialAmount = d.InitialAmount
	}
	if p.SMAWindow == 0 {
		p.SMAWindow = d.SMAWindow
	}
	if p.Threshold == 0 {
		p.Threshold = d.Threshold
	}
	if !s.deps.Backtester.Registry().Has(p.Strategy) {
		return p, fmt.Errorf("unknown strategy %q: %w", p.Strategy, domain.ErrInvalidConfiguration)
	}
	return p, p.Validate()
}

// series builds the bar series from inline bars or the bar store.
func (s *Server) series(ctx context.Context, req BacktestRequest) (*domain.Series, string, error) {
	symbol := strings.ToUpper(req.Symbol)
	if len(req.Bars) > 0 {
		series, err := domain.NewSeries(symbol, barsToDomain(symbol, req.Bars))
		return series, req.Market, err
	}
	market, start, end, err := s.window(req.Market, req.Start, req.End)
	if err != nil {
		return nil, "", err
	}
	series, err := s.deps.Backtester.LoadSeries(ctx, symbol, market, start, end)
	return series, market, err
}

// window resolves market and the inclusive date range, defaulting from the
// server configuration.
func (s *Server) window(market, start, end string) (string, time.Time, time.Time, error) {
	cfg := s.deps.Defaults
	if market != "" {
		cfg.Market = market
	}
	if start != "" {
		cfg.Start = start
	}
	if end != "" {
		cfg.End = end
	}

	to, err := cfg.EndTime()
	if err != nil {
		return "", time.Time{}, time.Time{}, fmt.Errorf("%w: %w", domain.ErrInvalidConfiguration, err)
	}
	from := to.AddDate(-defaultLookback, 0, 0).Truncate(24 * time.Hour)
	if cfg.Start != "" {
		if from, err = cfg.StartTime(); err != nil {
			return "", time.Time{}, time.Time{}, fmt.Errorf("%w: %w", domain.ErrInvalidConfiguration, err)
		}
	}
	if cfg.Market == "" {
		cfg.Market = domain.MarketUS
	}
	return cfg.Market, from, to, nil
}

// persist saves the run summary and exports its fills when stores are
// configured.
func (s *Server) persist(ctx context.Context, res *strategy.Result) error {
	if s.deps.Runs == nil {
		return nil
	}
	rec := res.Record()
	if err := s.deps.Runs.SaveRun(ctx, rec); err != nil {
		return fmt.Errorf("saving run %s: %w", rec.ID, err)
	}
	if s.deps.Fills != nil {
		if err := s.deps.Fills.WriteFills(ctx, rec.ID, rec.Fills); err != nil {
			return fmt.Errorf("exporting fills of run %s: %w", rec.ID, err)
		}
	}
	return nil
}

// classify maps err to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidConfiguration):
		return http.StatusBadRequest, codeInvalidConfig
	case errors.Is(err, store.ErrRunNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, domain.ErrEmptySeries):
		return http.StatusNotFound, codeNoData
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

// fail writes the error body for err.
func (s *Server) fail(c *gin.Context, err error) {
	status, code := classify(err)
	_ = c.Error(err)
	writeError(c, status, code, err)
}

func writeError(c *gin.Context, status int, code string, err error) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorDetail{Code: code, Message: err.Error()},
	})
}
