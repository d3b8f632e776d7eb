package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"evbacktest/internal/config"
	"evbacktest/internal/gather/us"
	"evbacktest/internal/store"
	"evbacktest/internal/util"
)

func main() {
	symbols := flag.String("symbols", "", "comma-separated symbols, overriding gather.symbols")
	end := flag.String("end", "", "last date to fetch, YYYY-MM-DD (default: latest finished trading day)")
	flag.Parse()

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *symbols != "" {
		cfg.Gather.Symbols = strings.Split(*symbols, ",")
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	var cal us.Calendar = us.NewAlpacaCalendar(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
	if *end != "" {
		day, err := time.Parse(time.DateOnly, *end)
		if err != nil {
			log.Fatalf("parsing -end: %v", err)
		}
		cal = us.StaticCalendar{Day: day}
	}

	pstore := store.NewParquetStore(cfg.Storage.DataDir)
	gatherer := us.NewDailyBarGatherer(
		us.NewBarsClient(cfg.Alpaca),
		cal,
		pstore,
		cfg.Storage.DataDir,
		cfg.Gather,
		cfg.Alpaca.Feed,
	)
	gatherer.SetLogger(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting evbacktest-gather", "symbols", len(cfg.Gather.Symbols), "feed", cfg.Alpaca.Feed)
	if err := gatherer.Run(ctx); err != nil {
		log.Fatalf("gather error: %v", err)
	}
}
