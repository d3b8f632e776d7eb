// Package us gathers US equity daily bars from Alpaca into the bar store.
package us

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"golang.org/x/sync/errgroup"

	"evbacktest/internal/config"
	"evbacktest/internal/domain"
	"evbacktest/internal/gather"
	"evbacktest/internal/store"
	"evbacktest/internal/util"
)

var _ gather.Gatherer = (*DailyBarGatherer)(nil)

// BarsClient is the subset of *marketdata.Client the gatherer uses.
type BarsClient interface {
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
}

// NewBarsClient creates an Alpaca market data client from cfg.
func NewBarsClient(cfg config.Alpaca) *marketdata.Client {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	return marketdata.NewClient(opts)
}

// DailyBarGatherer fetches daily OHLCV bars for a configured symbol list and
// merges them into the bar store under the "us" market.
type DailyBarGatherer struct {
	client      BarsClient
	calendar    Calendar
	store       store.BarStore
	progress    string // path of the progress file
	symbols     []string
	feed        string
	startDate   string
	batchSize   int
	maxWorkers  int
	maxAttempts int
	retryDelay  time.Duration
	limiter     *util.RateLimiter
	log         *slog.Logger
}

// NewDailyBarGatherer wires a gatherer. Progress is kept under dataDir.
func NewDailyBarGatherer(client BarsClient, cal Calendar, s store.BarStore, dataDir string, cfg config.GatherConfig, feed string) *DailyBarGatherer {
	return &DailyBarGatherer{
		client:      client,
		calendar:    cal,
		store:       s,
		progress:    filepath.Join(dataDir, domain.MarketUS, ".gather-progress.yaml"),
		symbols:     gather.NormalizeSymbols(cfg.Symbols),
		feed:        feed,
		startDate:   cfg.StartDate,
		batchSize:   max(cfg.BatchSize, 1),
		maxWorkers:  max(cfg.MaxWorkers, 1),
		maxAttempts: max(cfg.MaxAttempts, 1),
		retryDelay:  2 * time.Second,
		limiter:     util.NewRateLimiter(cfg.RateLimitPerMin),
		log:         slog.Default().With("gatherer", "us-daily"),
	}
}

// SetLogger replaces the gatherer's logger.
func (g *DailyBarGatherer) SetLogger(l *slog.Logger) { g.log = l.With("gatherer", g.Name()) }

// Name returns the gatherer identifier.
func (g *DailyBarGatherer) Name() string { return "us-daily" }

// job is a batch of symbols sharing one request window. full jobs request
// the whole history.
type job struct {
	symbols []string
	rng     gather.DateRange
	full    bool
}

// Run fetches every configured symbol up to the calendar's latest finished
// day. Symbols already in the store resume from the day after the last clean
// run; new symbols get full history from the start date. A run that fails any
// batch is not marked completed, so the next run retries it.
func (g *DailyBarGatherer) Run(ctx context.Context) error {
	start, err := time.Parse(time.DateOnly, g.startDate)
	if err != nil {
		return fmt.Errorf("parsing start date %q: %w", g.startDate, err)
	}
	if len(g.symbols) == 0 {
		return fmt.Errorf("%w: no symbols to gather", domain.ErrInvalidConfiguration)
	}

	endDate, err := g.calendar.LatestFinishedDay(ctx)
	if err != nil {
		return fmt.Errorf("determining end date: %w", err)
	}
	endStr := endDate.Format(time.DateOnly)

	tracker, err := loadProgress(g.progress)
	if err != nil {
		return fmt.Errorf("loading progress: %w", err)
	}
	if tracker.IsCompleted(endStr) {
		g.log.Info("already completed", "endDate", endStr)
		return nil
	}
	if err := tracker.Begin(endStr); err != nil {
		return fmt.Errorf("saving progress: %w", err)
	}

	jobs, err := g.plan(ctx, tracker, start, endDate)
	if err != nil {
		return err
	}
	g.log.Info("starting us-daily", "endDate", endStr, "symbols", len(g.symbols), "batches", len(jobs))

	var (
		hits, empty, failed atomic.Int64
		runStart            = time.Now()
		errs                = make([]error, len(jobs))
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.maxWorkers)
	for i, j := range jobs {
		eg.Go(func() error {
			n, missing, err := g.runJob(egCtx, tracker, j)
			if err != nil {
				if egCtx.Err() != nil {
					return egCtx.Err()
				}
				failed.Add(1)
				errs[i] = fmt.Errorf("batch %d/%d: %w", i+1, len(jobs), err)
				g.log.Error("batch failed", "batch", fmt.Sprintf("%d/%d", i+1, len(jobs)), "error", err)
				return nil
			}
			hits.Add(int64(n))
			empty.Add(int64(missing))
			g.log.Info("batch done",
				"batch", fmt.Sprintf("%d/%d", i+1, len(jobs)),
				"hits", n,
				"empty", missing,
				"elapsed", time.Since(runStart).Round(time.Second),
			)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d batches failed: %w", n, len(jobs), errors.Join(errs...))
	}

	if err := tracker.MarkCompleted(endStr); err != nil {
		return fmt.Errorf("marking completed: %w", err)
	}
	g.log.Info("complete",
		"hits", hits.Load(),
		"empty", empty.Load(),
		"elapsed", time.Since(runStart).Round(time.Second),
	)
	return nil
}

// plan splits the symbols into batches: stored symbols resume after the last
// clean run, the rest start from the configured start date. Symbols that
// already came back empty for this end date are skipped.
func (g *DailyBarGatherer) plan(ctx context.Context, tracker *progressTracker, start, end time.Time) ([]job, error) {
	existing, err := g.store.ListSymbols(ctx, domain.MarketUS)
	if err != nil {
		return nil, fmt.Errorf("listing existing symbols: %w", err)
	}
	stored := make(map[string]struct{}, len(existing))
	for _, s := range existing {
		stored[s] = struct{}{}
	}

	resume := start
	if last, err := time.Parse(time.DateOnly, tracker.LastCompleted()); err == nil && last.After(start) {
		resume = last.AddDate(0, 0, 1)
	}

	var known, fresh []string
	for _, s := range g.symbols {
		if tracker.IsTriedEmpty(s) {
			continue
		}
		if _, ok := stored[s]; ok {
			known = append(known, s)
		} else {
			fresh = append(fresh, s)
		}
	}

	var jobs []job
	if !resume.After(end) {
		for _, b := range gather.Batches(known, g.batchSize) {
			jobs = append(jobs, job{symbols: b, rng: gather.DateRange{Start: resume, End: end}})
		}
	}
	for _, b := range gather.Batches(fresh, g.batchSize) {
		jobs = append(jobs, job{symbols: b, rng: gather.DateRange{Start: start, End: end}, full: true})
	}
	return jobs, nil
}

// runJob fetches and stores one batch, returning the symbols with and without
// bars.
func (g *DailyBarGatherer) runJob(ctx context.Context, tracker *progressTracker, j job) (int, int, error) {
	var bars []domain.Bar
	err := util.Retry(ctx, g.maxAttempts, g.retryDelay, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		var err error
		bars, err = g.fetchMultiBars(j.symbols, j.rng)
		return err
	})
	if err != nil {
		return 0, 0, err
	}

	seen := make(map[string]struct{})
	for _, b := range bars {
		seen[b.Symbol] = struct{}{}
	}
	var missing []string
	for _, s := range j.symbols {
		if _, ok := seen[s]; !ok {
			missing = append(missing, s)
		}
	}

	if len(bars) > 0 {
		if err := g.store.WriteBars(ctx, domain.MarketUS, bars); err != nil {
			return 0, 0, fmt.Errorf("writing bars: %w", err)
		}
	}
	// A resumed symbol with no new bars is not empty, only up to date.
	if j.full && len(missing) > 0 {
		if err := tracker.MarkEmpty(missing); err != nil {
			return 0, 0, fmt.Errorf("marking empty: %w", err)
		}
	}
	return len(seen), len(missing), nil
}

// fetchMultiBars fetches daily bars for multiple symbols in a single API call.
func (g *DailyBarGatherer) fetchMultiBars(symbols []string, rng gather.DateRange) ([]domain.Bar, error) {
	multiBars, err := g.client.GetMultiBars(symbols, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     rng.Start,
		End:       rng.End,
		Feed:      marketdata.Feed(g.feed),
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}

	var bars []domain.Bar
	for symbol, alpacaBars := range multiBars {
		for _, ab := range alpacaBars {
			bars = append(bars, domain.Bar{
				Symbol:     strings.ToUpper(symbol),
				Timestamp:  ab.Timestamp.UTC(),
				Open:       ab.Open,
				High:       ab.High,
				Low:        ab.Low,
				Close:      ab.Close,
				Volume:     int64(ab.Volume),
				TradeCount: int64(ab.TradeCount),
				VWAP:       ab.VWAP,
			})
		}
	}
	return bars, nil
}
