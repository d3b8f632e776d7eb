package strategy

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"evbacktest/internal/domain"
	"evbacktest/internal/engine"
	"evbacktest/internal/signal"
	"evbacktest/internal/store"
)

// Params configures one backtest run.
type Params struct {
	Strategy      string
	InitialAmount float64
	Costs         engine.CostModel
	SMAWindow     int
	Threshold     float64
	// Verbose writes the trade journal to the Backtester's output.
	Verbose bool
}

// Validate checks the numeric parameters. Strategy names are checked against
// the registry when the run starts.
func (p Params) Validate() error {
	if !(p.InitialAmount > 0) || math.IsInf(p.InitialAmount, 0) {
		return fmt.Errorf("initial amount %v must be > 0: %w", p.InitialAmount, domain.ErrInvalidConfiguration)
	}
	if p.SMAWindow <= 0 {
		return fmt.Errorf("sma window %d must be > 0: %w", p.SMAWindow, domain.ErrInvalidConfiguration)
	}
	if !(p.Threshold > 0) || math.IsInf(p.Threshold, 0) {
		return fmt.Errorf("threshold %v must be > 0: %w", p.Threshold, domain.ErrInvalidConfiguration)
	}
	if p.Strategy == "" {
		return fmt.Errorf("strategy is required: %w", domain.ErrInvalidConfiguration)
	}
	return p.Costs.Validate()
}

// Result is the outcome of one backtest run.
type Result struct {
	RunID     string
	Symbol    string
	Market    string
	Params    Params
	Report    engine.Report
	Fills     []engine.Fill
	Bars      int
	Start     time.Time
	End       time.Time
	CreatedAt time.Time

	// Signal diagnostics.
	Degenerate    bool
	SignalMean    float64
	SignalStd     float64
	DefinedSignal int
}

// Record converts the result to its stored form.
func (r *Result) Record() *store.RunRecord {
	rec := &store.RunRecord{
		ID:                r.RunID,
		Symbol:            strings.ToUpper(r.Symbol),
		Market:            r.Market,
		Strategy:          r.Params.Strategy,
		InitialAmount:     r.Params.InitialAmount,
		FixedCost:         r.Params.Costs.Fixed,
		ProportionalCost:  r.Params.Costs.Proportional,
		SMAWindow:         r.Params.SMAWindow,
		Threshold:         r.Params.Threshold,
		Bars:              r.Bars,
		Start:             r.Start,
		End:               r.End,
		FinalCash:         r.Report.FinalCash,
		NetPerformancePct: r.Report.NetPerformancePct,
		Trades:            r.Report.Trades,
		Degenerate:        r.Degenerate,
		CreatedAt:         r.CreatedAt,
		Fills:             make([]store.FillRecord, len(r.Fills)),
	}
	for i, f := range r.Fills {
		rec.Fills[i] = store.FillRecord{
			Index:     f.Index,
			Timestamp: f.Timestamp,
			Action:    string(f.Action),
			Units:     f.Units,
			Price:     f.Price,
			Notional:  f.Notional,
			Cost:      f.Cost,
			Cash:      f.Cash,
			Holdings:  f.Holdings,
			NetWealth: f.NetWealth,
			Position:  string(f.Position),
		}
	}
	return rec
}

// Backtester replays a bar series through a registered strategy, executing
// its decisions against a ledger.
type Backtester struct {
	store    store.BarStore
	registry *Registry
	log      *slog.Logger
	out      io.Writer
	now      func() time.Time
}

// NewBacktester creates a Backtester that reads bars from the given store and
// looks up strategies in the provided registry. barStore may be nil when only
// Run and Replay are used.
func NewBacktester(barStore store.BarStore, registry *Registry) *Backtester {
	return &Backtester{
		store:    barStore,
		registry: registry,
		log:      slog.Default().With("component", "backtest"),
		out:      os.Stdout,
		now:      time.Now,
	}
}

// SetLogger replaces the logger.
func (bt *Backtester) SetLogger(l *slog.Logger) { bt.log = l.With("component", "backtest") }

// SetOutput sets where verbose runs write their trade journal.
func (bt *Backtester) SetOutput(w io.Writer) { bt.out = w }

// Registry returns the strategy registry.
func (bt *Backtester) Registry() *Registry { return bt.registry }

// Run backtests series with a fresh ledger.
func (bt *Backtester) Run(ctx context.Context, series *domain.Series, p Params) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	l, err := engine.NewLedger(p.InitialAmount)
	if err != nil {
		return nil, err
	}
	return bt.Replay(ctx, l, series, p)
}

// Replay backtests series on an existing ledger. The ledger is reset to
// p.InitialAmount first, so the result is the same as a fresh Run.
func (bt *Backtester) Replay(ctx context.Context, l *engine.Ledger, series *domain.Series, p Params) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if series == nil || series.Len() == 0 {
		return nil, domain.ErrEmptySeries
	}
	strat, err := bt.registry.New(p.Strategy, p.Threshold)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sig, err := signal.Compute(series.Closes(), p.SMAWindow)
	if err != nil {
		return nil, err
	}
	if err := l.Reset(p.InitialAmount); err != nil {
		return nil, err
	}

	log := bt.log.With("symbol", series.Symbol(), "strategy", strat.Name(), "sma", p.SMAWindow, "threshold", p.Threshold)
	if sig.Degenerate {
		log.Warn("degenerate signal, no entries will trigger", "bars", series.Len(), "defined", sig.Defined())
	}

	var journal engine.Journal = engine.NopJournal{}
	if p.Verbose {
		journal = engine.NewTextJournal(bt.out)
	}
	ex := engine.NewExecutor(p.Costs, journal)
	journal.Begin("mean reversion ("+strat.Name()+")", p.SMAWindow, p.Threshold, p.Costs)

	start := time.Now()
	var fills []engine.Fill
	for i := p.SMAWindow; i < series.Len(); i++ {
		c := series.Candle(i)
		d := strat.Decide(Context{Candle: c, Signal: sig.At(i), Ledger: l.State()})
		if d.IsHold() {
			continue
		}
		fs, err := ex.Apply(l, c, d)
		for _, f := range fs {
			log.Debug("fill", "bar", f.Index, "action", f.Action, "units", f.Units, "price", f.Price, "cash", f.Cash)
		}
		fills = append(fills, fs...)
		if err != nil {
			return nil, fmt.Errorf("%s at bar %d: %w", strat.Name(), i, err)
		}
	}

	report, closing := ex.CloseOut(l, series.Last())
	fills = append(fills, closing)

	first, last := series.Span()
	res := &Result{
		RunID:         uuid.NewString(),
		Symbol:        series.Symbol(),
		Params:        p,
		Report:        report,
		Fills:         fills,
		Bars:          series.Len(),
		Start:         first,
		End:           last,
		CreatedAt:     bt.now().UTC(),
		Degenerate:    sig.Degenerate,
		SignalMean:    sig.Mean,
		SignalStd:     sig.Std,
		DefinedSignal: sig.Defined(),
	}
	log.Info("backtest complete",
		"run_id", res.RunID,
		"final_cash", report.FinalCash,
		"net_performance_pct", report.NetPerformancePct,
		"trades", report.Trades,
		"elapsed", time.Since(start),
	)
	return res, nil
}

// LoadSeries reads bars for symbol in [start, end] from the bar store.
func (bt *Backtester) LoadSeries(ctx context.Context, symbol, market string, start, end time.Time) (*domain.Series, error) {
	if bt.store == nil {
		return nil, errors.New("no bar store configured")
	}
	bars, err := bt.store.ReadBars(ctx, symbol, market, start, end)
	if err != nil {
		return nil, fmt.Errorf("loading bars for %s: %w", symbol, err)
	}
	series, err := domain.NewSeries(strings.ToUpper(symbol), bars)
	if err != nil {
		return nil, fmt.Errorf("%s %s..%s: %w", symbol, start.Format(time.DateOnly), end.Format(time.DateOnly), err)
	}
	return series, nil
}

// RunSymbol loads bars for symbol from the bar store and runs a backtest on
// them.
func (bt *Backtester) RunSymbol(ctx context.Context, symbol, market string, start, end time.Time, p Params) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	series, err := bt.LoadSeries(ctx, symbol, market, start, end)
	if err != nil {
		return nil, err
	}
	res, err := bt.Run(ctx, series, p)
	if err != nil {
		return nil, err
	}
	res.Market = market
	return res, nil
}

// Grid is the parameter space of a sweep.
type Grid struct {
	SMAWindows []int
	Thresholds []float64
}

// Sweep runs base over every (window, threshold) pair of grid using up to
// workers goroutines, each run on its own ledger. Results are sorted by net
// performance, best first. Verbose output is disabled for sweeps.
func (bt *Backtester) Sweep(ctx context.Context, series *domain.Series, base Params, grid Grid, workers int) ([]*Result, error) {
	if len(grid.SMAWindows) == 0 || len(grid.Thresholds) == 0 {
		return nil, fmt.Errorf("sweep grid is empty: %w", domain.ErrInvalidConfiguration)
	}
	if workers <= 0 {
		workers = 1
	}

	jobs := make([]Params, 0, len(grid.SMAWindows)*len(grid.Thresholds))
	for _, w := range grid.SMAWindows {
		for _, thr := range grid.Thresholds {
			p := base
			p.SMAWindow = w
			p.Threshold = thr
			p.Verbose = false
			if err := p.Validate(); err != nil {
				return nil, err
			}
			jobs = append(jobs, p)
		}
	}

	results := make([]*Result, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := bt.Run(gctx, series, p)
			if err != nil {
				return fmt.Errorf("sma=%d thr=%v: %w", p.SMAWindow, p.Threshold, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortStableFunc(results, func(a, b *Result) int {
		return cmp.Compare(b.Report.NetPerformancePct, a.Report.NetPerformancePct)
	})
	bt.log.Info("sweep complete", "symbol", series.Symbol(), "runs", len(results))
	return results, nil
}
