package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"evbacktest/internal/config"
	"evbacktest/internal/domain"
	"evbacktest/internal/engine"
	"evbacktest/internal/store"
	"evbacktest/internal/strategy"
	"evbacktest/internal/strategy/builtins"
	"evbacktest/internal/util"
)

func main() {
	cfg, err := config.LoadOrDefault(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	b := cfg.Backtest

	var (
		csvPath    = flag.String("csv", "", "read bars from a CSV file instead of the bar store")
		symbol     = flag.String("symbol", b.Symbol, "symbol to backtest")
		market     = flag.String("market", b.Market, "market of the stored bars")
		start      = flag.String("start", b.Start, "first date, YYYY-MM-DD")
		end        = flag.String("end", b.End, "last date, YYYY-MM-DD (default today)")
		strat      = flag.String("strategy", b.Strategy, "strategy: "+strings.Join(builtins.NewRegistry().List(), ", "))
		amount     = flag.Float64("amount", b.InitialAmount, "initial cash")
		fixed      = flag.Float64("fixed-cost", b.FixedCost, "fixed cost per trade")
		prop       = flag.Float64("proportional-cost", b.ProportionalCost, "proportional cost per trade (0.01 = 1%)")
		window     = flag.Int("sma", b.SMAWindow, "SMA window in bars")
		threshold  = flag.Float64("threshold", b.Threshold, "entry threshold in standard deviations")
		verbose    = flag.Bool("verbose", b.Verbose, "print every trade")
		fillsOut   = flag.String("fills", "", "write fills to this CSV file")
		save       = flag.Bool("save", false, "save the run to the SQLite run store")
		sweepSMA   = flag.String("sweep-sma", "", "comma-separated SMA windows; runs a sweep")
		sweepThr   = flag.String("sweep-threshold", "", "comma-separated thresholds for -sweep-sma")
		sweepLimit = flag.Int("workers", 4, "sweep workers")
	)
	flag.Parse()

	// stdout carries the trade journal and summary; logs go to stderr.
	logger := util.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ps := store.NewParquetStore(cfg.Storage.DataDir)
	bt := strategy.NewBacktester(ps, builtins.NewRegistry())
	bt.SetLogger(logger)
	bt.SetOutput(os.Stdout)

	costs, err := engine.NewCostModel(*fixed, *prop)
	if err != nil {
		log.Fatalf("invalid costs: %v", err)
	}
	p := strategy.Params{
		Strategy:      *strat,
		InitialAmount: *amount,
		Costs:         costs,
		SMAWindow:     *window,
		Threshold:     *threshold,
		Verbose:       *verbose,
	}

	series, err := loadSeries(ctx, bt, *csvPath, *symbol, *market, *start, *end)
	if err != nil {
		log.Fatalf("loading bars: %v", err)
	}

	if *sweepSMA != "" {
		grid, err := parseGrid(*sweepSMA, *sweepThr, *threshold)
		if err != nil {
			log.Fatalf("parsing sweep grid: %v", err)
		}
		results, err := bt.Sweep(ctx, series, p, grid, *sweepLimit)
		if err != nil {
			log.Fatalf("sweep failed: %v", err)
		}
		printSweep(results)
		return
	}

	res, err := bt.Run(ctx, series, p)
	if err != nil {
		log.Fatalf("backtest failed: %v", err)
	}
	res.Market = *market
	fmt.Printf("%s %s sma=%d threshold=%g: final cash %.2f, net performance %.2f%%, trades %d\n",
		res.Symbol, p.Strategy, p.SMAWindow, p.Threshold,
		res.Report.FinalCash, res.Report.NetPerformancePct, res.Report.Trades)

	rec := res.Record()
	if *fillsOut != "" {
		if err := writeFills(*fillsOut, rec.Fills); err != nil {
			log.Fatalf("writing fills: %v", err)
		}
	}
	if *save {
		if err := saveRun(ctx, cfg, ps, rec); err != nil {
			log.Fatalf("saving run: %v", err)
		}
		slog.Info("run saved", "run_id", rec.ID)
	}
}

func loadSeries(ctx context.Context, bt *strategy.Backtester, csvPath, symbol, market, start, end string) (*domain.Series, error) {
	if symbol == "" {
		return nil, errors.New("-symbol is required")
	}
	if csvPath != "" {
		f, err := os.Open(csvPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		bars, err := store.ReadBarsCSV(f, strings.ToUpper(symbol))
		if err != nil {
			return nil, err
		}
		return domain.NewSeries(strings.ToUpper(symbol), bars)
	}

	window := config.BacktestConfig{Start: start, End: end}
	if window.Start == "" {
		return nil, errors.New("-start is required when reading from the bar store")
	}
	from, err := window.StartTime()
	if err != nil {
		return nil, err
	}
	to, err := window.EndTime()
	if err != nil {
		return nil, err
	}
	return bt.LoadSeries(ctx, symbol, market, from, to)
}

func parseGrid(windows, thresholds string, defaultThreshold float64) (strategy.Grid, error) {
	var g strategy.Grid
	for _, f := range strings.Split(windows, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return g, fmt.Errorf("sma window %q: %w", f, err)
		}
		g.SMAWindows = append(g.SMAWindows, n)
	}
	if thresholds == "" {
		g.Thresholds = []float64{defaultThreshold}
		return g, nil
	}
	for _, f := range strings.Split(thresholds, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return g, fmt.Errorf("threshold %q: %w", f, err)
		}
		g.Thresholds = append(g.Thresholds, v)
	}
	return g, nil
}

func printSweep(results []*strategy.Result) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "sma\tthreshold\tfinal cash\tnet perf %\ttrades\t")
	for _, r := range results {
		fmt.Fprintf(w, "%d\t%g\t%.2f\t%.2f\t%d\t\n",
			r.Params.SMAWindow, r.Params.Threshold, r.Report.FinalCash, r.Report.NetPerformancePct, r.Report.Trades)
	}
	w.Flush()
}

func writeFills(path string, fills []store.FillRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := store.WriteFillsCSV(f, fills); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func saveRun(ctx context.Context, cfg *config.Config, ps *store.ParquetStore, rec *store.RunRecord) error {
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.SaveRun(ctx, rec); err != nil {
		return err
	}
	return ps.WriteFills(ctx, rec.ID, rec.Fills)
}
