package main

import (
	"context"
	"log"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"

	"evbacktest/internal/api"
	"evbacktest/internal/config"
	"evbacktest/internal/store"
	"evbacktest/internal/strategy"
	"evbacktest/internal/strategy/builtins"
	"evbacktest/internal/util"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)
	if !strings.EqualFold(cfg.Logging.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	ps := store.NewParquetStore(cfg.Storage.DataDir)
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening run store: %v", err)
	}
	defer db.Close()

	bt := strategy.NewBacktester(ps, builtins.NewRegistry())
	bt.SetLogger(logger)

	srv := api.NewServer(cfg.Server.Addr(), cfg.Server.GRPCAddr(), api.Deps{
		Backtester: bt,
		Bars:       ps,
		Runs:       db,
		Fills:      ps,
		Defaults:   cfg.Backtest,
		Logger:     logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting evbacktest-server", "addr", srv.Addr(), "grpcAddr", srv.GRPCAddr(), "dataDir", cfg.Storage.DataDir)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("server error", "error", err)
	}
}
