// Package config loads the evbacktest YAML configuration and applies
// environment overrides and defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"evbacktest/internal/domain"
	"evbacktest/internal/util"
)

// DefaultPath is used when EVBACKTEST_CONFIG is unset.
const DefaultPath = "config/evbacktest.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for evbacktest.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Server   Server         `yaml:"server"`
	Alpaca   Alpaca         `yaml:"alpaca"`
	Logging  Logging        `yaml:"logging"`
	Gather   GatherConfig   `yaml:"gather"`
	Backtest BacktestConfig `yaml:"backtest"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Addr returns host:port of the HTTP listener.
func (s Server) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// GRPCAddr returns host:grpc_port.
func (s Server) GRPCAddr() string {
	return s.Host + ":" + strconv.Itoa(s.GRPCPort)
}

// Alpaca holds credentials and endpoints for the Alpaca APIs. BaseURL is the
// trading endpoint used for the market calendar.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GatherConfig holds parameters for the daily bar gathering job.
type GatherConfig struct {
	Symbols         []string `yaml:"symbols"`
	StartDate       string   `yaml:"start_date"`
	BatchSize       int      `yaml:"batch_size"`
	MaxWorkers      int      `yaml:"max_workers"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
	MaxAttempts     int      `yaml:"max_attempts"`
}

// BacktestConfig holds the parameters of a configured backtest run.
type BacktestConfig struct {
	Symbol           string  `yaml:"symbol"`
	Market           string  `yaml:"market"`
	Start            string  `yaml:"start"`
	End              string  `yaml:"end"`
	Strategy         string  `yaml:"strategy"`
	InitialAmount    float64 `yaml:"initial_amount"`
	FixedCost        float64 `yaml:"fixed_cost"`
	ProportionalCost float64 `yaml:"proportional_cost"`
	SMAWindow        int     `yaml:"sma_window"`
	Threshold        float64 `yaml:"threshold"`
	Verbose          bool    `yaml:"verbose"`
}

// StartTime parses Start as a date.
func (b BacktestConfig) StartTime() (time.Time, error) { return parseDate("backtest.start", b.Start) }

// EndTime returns the last instant of the End date, so bars stamped during
// that day are included. An empty End means today.
func (b BacktestConfig) EndTime() (time.Time, error) {
	day := time.Now().UTC().Truncate(24 * time.Hour)
	if b.End != "" {
		var err error
		if day, err = parseDate("backtest.end", b.End); err != nil {
			return time.Time{}, err
		}
	}
	return day.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the config file path from EVBACKTEST_CONFIG or DefaultPath.
func Path() string {
	if v := os.Getenv("EVBACKTEST_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults with
// environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}
	cfg = &Config{}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("EVBACKTEST_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("EVBACKTEST_GRPC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.GRPCPort = port
		}
	}

	// The SDK's own APCA_* names win over the ALPACA_* aliases.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = cfg.Storage.DataDir + "/evbacktest.db"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 9090
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "iex"
	}

	g := &cfg.Gather
	if g.StartDate == "" {
		g.StartDate = "2020-01-01"
	}
	if g.BatchSize == 0 {
		g.BatchSize = 100
	}
	if g.MaxWorkers == 0 {
		g.MaxWorkers = 4
	}
	if g.RateLimitPerMin == 0 {
		g.RateLimitPerMin = 200
	}
	if g.MaxAttempts == 0 {
		g.MaxAttempts = 3
	}

	b := &cfg.Backtest
	if b.Market == "" {
		b.Market = domain.MarketUS
	}
	if b.Strategy == "" {
		b.Strategy = "long-only"
	}
	if b.InitialAmount == 0 {
		b.InitialAmount = 10000
	}
	if b.SMAWindow == 0 {
		b.SMAWindow = 24
	}
	if b.Threshold == 0 {
		b.Threshold = 2
	}
}

// Validate reports every out-of-range value, joined, wrapped with
// domain.ErrInvalidConfiguration.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		bad("server.port %d out of range", c.Server.Port)
	}
	if c.Server.GRPCPort < 1 || c.Server.GRPCPort > 65535 {
		bad("server.grpc_port %d out of range", c.Server.GRPCPort)
	} else if c.Server.GRPCPort == c.Server.Port {
		bad("server.grpc_port %d collides with server.port", c.Server.GRPCPort)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		bad("logging.format %q must be json or text", c.Logging.Format)
	}
	if _, err := util.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	if _, err := parseDate("gather.start_date", c.Gather.StartDate); err != nil {
		errs = append(errs, err)
	}
	if c.Gather.BatchSize < 1 {
		bad("gather.batch_size %d must be >= 1", c.Gather.BatchSize)
	}
	if c.Gather.MaxWorkers < 1 {
		bad("gather.max_workers %d must be >= 1", c.Gather.MaxWorkers)
	}
	if c.Gather.RateLimitPerMin < 1 {
		bad("gather.rate_limit_per_min %d must be >= 1", c.Gather.RateLimitPerMin)
	}
	if c.Gather.MaxAttempts < 1 {
		bad("gather.max_attempts %d must be >= 1", c.Gather.MaxAttempts)
	}

	b := c.Backtest
	if !(b.InitialAmount > 0) {
		bad("backtest.initial_amount %v must be > 0", b.InitialAmount)
	}
	if b.FixedCost < 0 {
		bad("backtest.fixed_cost %v must be >= 0", b.FixedCost)
	}
	if b.ProportionalCost < 0 {
		bad("backtest.proportional_cost %v must be >= 0", b.ProportionalCost)
	}
	if b.SMAWindow < 1 {
		bad("backtest.sma_window %d must be >= 1", b.SMAWindow)
	}
	if !(b.Threshold > 0) {
		bad("backtest.threshold %v must be > 0", b.Threshold)
	}
	if b.Start != "" {
		if _, err := b.StartTime(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.End != "" {
		if _, err := b.EndTime(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrInvalidConfiguration, errors.Join(errs...))
}

func parseDate(field, s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s %q is not a YYYY-MM-DD date", field, s)
	}
	return t, nil
}
