package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"evbacktest/internal/domain"
)

var envVars = []string{
	"DATA_DIR", "SQLITE_PATH", "ALPACA_API_KEY", "ALPACA_API_SECRET", "ALPACA_BASE_URL",
	"ALPACA_DATA_URL", "LOG_LEVEL", "EVBACKTEST_PORT", "EVBACKTEST_GRPC_PORT", "APCA_API_KEY_ID",
	"APCA_API_SECRET_KEY", "EVBACKTEST_CONFIG",
}

// clearEnv blanks every override so the host environment cannot interfere.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envVars {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "evbacktest.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  data_dir: "/tmp/evbacktest/data"
  sqlite_path: "/tmp/evbacktest/runs.db"
server:
  host: "127.0.0.1"
  port: 9000
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  data_url: "https://data.alpaca.markets"
  feed: "sip"
logging:
  level: "debug"
  format: "text"
gather:
  symbols: [SPY, QQQ]
  start_date: "2021-01-01"
  batch_size: 50
  max_workers: 2
  rate_limit_per_min: 120
  max_attempts: 5
backtest:
  symbol: "SPY"
  market: "us"
  start: "2022-01-01"
  end: "2024-12-31"
  strategy: "long-short"
  initial_amount: 1000
  fixed_cost: 4
  proportional_cost: 0.01
  sma_window: 30
  threshold: 1.5
  verbose: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Storage --
	if cfg.Storage.DataDir != "/tmp/evbacktest/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/tmp/evbacktest/data")
	}
	if cfg.Storage.SQLitePath != "/tmp/evbacktest/runs.db" {
		t.Errorf("Storage.SQLitePath = %q, want %q", cfg.Storage.SQLitePath, "/tmp/evbacktest/runs.db")
	}

	// -- Server --
	if got := cfg.Server.Addr(); got != "127.0.0.1:9000" {
		t.Errorf("Server.Addr() = %q, want %q", got, "127.0.0.1:9000")
	}

	// -- Alpaca --
	if cfg.Alpaca.APIKey != "test-key" || cfg.Alpaca.APISecret != "test-secret" {
		t.Errorf("Alpaca credentials = %q/%q", cfg.Alpaca.APIKey, cfg.Alpaca.APISecret)
	}
	if cfg.Alpaca.Feed != "sip" {
		t.Errorf("Alpaca.Feed = %q, want %q", cfg.Alpaca.Feed, "sip")
	}

	// -- Logging --
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}

	// -- Gather --
	if len(cfg.Gather.Symbols) != 2 || cfg.Gather.Symbols[1] != "QQQ" {
		t.Errorf("Gather.Symbols = %v", cfg.Gather.Symbols)
	}
	if cfg.Gather.BatchSize != 50 || cfg.Gather.MaxWorkers != 2 || cfg.Gather.RateLimitPerMin != 120 || cfg.Gather.MaxAttempts != 5 {
		t.Errorf("Gather = %+v", cfg.Gather)
	}

	// -- Backtest --
	b := cfg.Backtest
	if b.Strategy != "long-short" || b.SMAWindow != 30 || b.Threshold != 1.5 || !b.Verbose {
		t.Errorf("Backtest = %+v", b)
	}
	if b.FixedCost != 4 || b.ProportionalCost != 0.01 || b.InitialAmount != 1000 {
		t.Errorf("Backtest costs/amount = %+v", b)
	}
	start, err := b.StartTime()
	if err != nil || start.Year() != 2022 {
		t.Errorf("StartTime() = %v, %v", start, err)
	}
	end, err := b.EndTime()
	if want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond); err != nil || !end.Equal(want) {
		t.Errorf("EndTime() = %v, %v; want %v", end, err, want)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "backtest:\n  symbol: BTCUSD\n"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.DataDir != "data" || cfg.Storage.SQLitePath != "data/evbacktest.db" {
		t.Errorf("Storage defaults = %+v", cfg.Storage)
	}
	if cfg.Server.Port != 8080 || cfg.Logging.Format != "json" || cfg.Logging.Level != "info" {
		t.Errorf("server/logging defaults = %+v %+v", cfg.Server, cfg.Logging)
	}
	if cfg.Server.GRPCPort != 9090 || cfg.Server.GRPCAddr() != "0.0.0.0:9090" {
		t.Errorf("grpc default = %d (%s)", cfg.Server.GRPCPort, cfg.Server.GRPCAddr())
	}
	b := cfg.Backtest
	if b.Market != domain.MarketUS || b.Strategy != "long-only" || b.InitialAmount != 10000 || b.SMAWindow != 24 || b.Threshold != 2 {
		t.Errorf("Backtest defaults = %+v", b)
	}
	if b.FixedCost != 0 || b.ProportionalCost != 0 {
		t.Errorf("costs should default to zero, got %+v", b)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
`)

	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("EVBACKTEST_PORT", "9191")
	t.Setenv("EVBACKTEST_GRPC_PORT", "9292")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	// api_secret should remain from YAML since no env override was set.
	if cfg.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (from YAML)", cfg.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
	// The sqlite default follows the overridden data dir.
	if cfg.Storage.SQLitePath != "/env/data/evbacktest.db" {
		t.Errorf("Storage.SQLitePath = %q", cfg.Storage.SQLitePath)
	}
	if cfg.Server.Port != 9191 || cfg.Server.GRPCPort != 9292 || cfg.Logging.Level != "warn" {
		t.Errorf("port=%d grpc_port=%d level=%q", cfg.Server.Port, cfg.Server.GRPCPort, cfg.Logging.Level)
	}

	// The SDK names win over the aliases.
	t.Setenv("APCA_API_KEY_ID", "apca-key")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Alpaca.APIKey != "apca-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q", cfg.Alpaca.APIKey, "apca-key")
	}
}

func TestLoadValidation(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"negative cost", "backtest:\n  fixed_cost: -4\n", "backtest.fixed_cost"},
		{"negative proportional", "backtest:\n  proportional_cost: -0.1\n", "backtest.proportional_cost"},
		{"negative amount", "backtest:\n  initial_amount: -1\n", "backtest.initial_amount"},
		{"negative window", "backtest:\n  sma_window: -3\n", "backtest.sma_window"},
		{"bad date", "backtest:\n  start: 01/02/2024\n", "backtest.start"},
		{"bad format", "logging:\n  format: xml\n", "logging.format"},
		{"bad level", "logging:\n  level: loud\n", "unknown log level"},
		{"bad port", "server:\n  port: 70000\n", "server.port"},
		{"bad grpc port", "server:\n  grpc_port: -1\n", "server.grpc_port"},
		{"port collision", "server:\n  port: 9000\n  grpc_port: 9000\n", "collides"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if !errors.Is(err, domain.ErrInvalidConfiguration) {
				t.Fatalf("Load() error = %v, want ErrInvalidConfiguration", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing) returned nil error")
	}
	if _, err := Load(writeConfig(t, "server: [not, a, map]\n")); err == nil {
		t.Error("Load(malformed) returned nil error")
	}
}

func TestLoadOrDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATA_DIR", "/env/data")
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault(missing) returned error: %v", err)
	}
	if cfg.Storage.DataDir != "/env/data" || cfg.Backtest.SMAWindow != 24 {
		t.Errorf("cfg = %+v", cfg)
	}

	if _, err := LoadOrDefault(writeConfig(t, "server: [not, a, map]\n")); err == nil {
		t.Error("LoadOrDefault(malformed) returned nil error")
	}
}

func TestPath(t *testing.T) {
	clearEnv(t)
	if got := Path(); got != DefaultPath {
		t.Errorf("Path() = %q, want %q", got, DefaultPath)
	}
	t.Setenv("EVBACKTEST_CONFIG", "/etc/evbacktest.yaml")
	if got := Path(); got != "/etc/evbacktest.yaml" {
		t.Errorf("Path() = %q, want env value", got)
	}
}
