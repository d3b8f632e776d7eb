package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"evbacktest/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ FillStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore and FillStore using Parquet files on disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for daily bar data.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// FillRow is the Parquet schema for an exported run fill.
type FillRow struct {
	Index     int64   `parquet:"index"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Action    string  `parquet:"action,dict"`
	Units     float64 `parquet:"units"`
	Price     float64 `parquet:"price"`
	Notional  float64 `parquet:"notional"`
	Cost      float64 `parquet:"cost"`
	Cash      float64 `parquet:"cash"`
	Holdings  float64 `parquet:"holdings"`
	NetWealth float64 `parquet:"net_wealth"`
	Position  string  `parquet:"position,dict"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bar data to Parquet files organized by symbol and year,
// merging with whatever is already on disk. Each symbol+year combination
// produces a separate file at:
//
//	<DataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) WriteBars(ctx context.Context, market string, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: strings.ToUpper(b.Symbol), year: b.Timestamp.Year()}
		groups[k] = append(groups[k], BarRecord{
			Symbol:     k.symbol,
			Timestamp:  b.Timestamp.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		})
	}

	for k, records := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := s.barPath(k.symbol, market, k.year)

		existing, err := readParquetFile[BarRecord](path)
		if err != nil {
			return fmt.Errorf("reading existing bars for %s/%d: %w", k.symbol, k.year, err)
		}
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bar data from Parquet files for the given symbol and time
// range. Years with no file are skipped.
func (s *ParquetStore) ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.Year(); year <= end.Year(); year++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := s.barPath(symbol, market, year)

		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			return nil, fmt.Errorf("reading bars for %s/%d: %w", symbol, year, err)
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:     r.Symbol,
				Timestamp:  ts,
				Open:       r.Open,
				High:       r.High,
				Low:        r.Low,
				Close:      r.Close,
				Volume:     r.Volume,
				TradeCount: r.TradeCount,
				VWAP:       r.VWAP,
			})
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data in the given market.
func (s *ParquetStore) ListSymbols(_ context.Context, market string) ([]string, error) {
	dir := filepath.Join(s.DataDir, market, "daily")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// FillStore implementation
// ---------------------------------------------------------------------------

// WriteFills replaces the fill export of a run at:
//
//	<DataDir>/runs/<runID>/fills.parquet
func (s *ParquetStore) WriteFills(_ context.Context, runID string, fills []FillRecord) error {
	if runID == "" {
		return errors.New("write fills: empty run id")
	}
	rows := make([]FillRow, len(fills))
	for i, f := range fills {
		rows[i] = FillRow{
			Index:     int64(f.Index),
			Timestamp: f.Timestamp.UnixMilli(),
			Action:    f.Action,
			Units:     f.Units,
			Price:     f.Price,
			Notional:  f.Notional,
			Cost:      f.Cost,
			Cash:      f.Cash,
			Holdings:  f.Holdings,
			NetWealth: f.NetWealth,
			Position:  f.Position,
		}
	}
	if err := writeParquetFile(s.fillsPath(runID), rows); err != nil {
		return fmt.Errorf("writing fills for run %s: %w", runID, err)
	}
	return nil
}

// ReadFills reads the fill export of a run. A run without an export is
// ErrRunNotFound.
func (s *ParquetStore) ReadFills(_ context.Context, runID string) ([]FillRecord, error) {
	path := s.fillsPath(runID)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("fills for run %s: %w", runID, ErrRunNotFound)
	}
	rows, err := readParquetFile[FillRow](path)
	if err != nil {
		return nil, fmt.Errorf("reading fills for run %s: %w", runID, err)
	}
	out := make([]FillRecord, len(rows))
	for i, r := range rows {
		out[i] = FillRecord{
			Index:     int(r.Index),
			Timestamp: time.UnixMilli(r.Timestamp).UTC(),
			Action:    r.Action,
			Units:     r.Units,
			Price:     r.Price,
			Notional:  r.Notional,
			Cost:      r.Cost,
			Cash:      r.Cash,
			Holdings:  r.Holdings,
			NetWealth: r.NetWealth,
			Position:  r.Position,
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(symbol, market string, year int) string {
	return filepath.Join(s.DataDir, market, "daily", strings.ToUpper(symbol), strconv.Itoa(year)+".parquet")
}

// fillsPath returns the filesystem path for a run's fill export.
// Layout: <dataDir>/runs/<runID>/fills.parquet
func (s *ParquetStore) fillsPath(runID string) string {
	return filepath.Join(s.DataDir, "runs", runID, "fills.parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

// readParquetFile returns the rows of path, or nil if the file does not exist.
func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by (symbol, timestamp), preferring
// new records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
