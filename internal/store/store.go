// Package store defines storage interfaces for bar history and backtest run
// results, with a Parquet implementation for bars and fill exports and a
// SQLite implementation for run records.
package store

import (
	"context"
	"errors"
	"time"

	"evbacktest/internal/domain"
)

// ErrRunNotFound is returned when a run ID has no stored record.
var ErrRunNotFound = errors.New("run not found")

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars under the given market.
	WriteBars(ctx context.Context, market string, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end],
	// ordered by timestamp.
	ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)
}

// FillStore exports the fills of a run.
type FillStore interface {
	WriteFills(ctx context.Context, runID string, fills []FillRecord) error
	ReadFills(ctx context.Context, runID string) ([]FillRecord, error)
}

// RunStore persists backtest run summaries and their fills.
type RunStore interface {
	// SaveRun inserts a run and its fills.
	SaveRun(ctx context.Context, run *RunRecord) error

	// GetRun retrieves a run and its fills by ID.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns returns run summaries, newest first, without fills.
	ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error)
}

// RunRecord is the stored form of one completed backtest.
type RunRecord struct {
	ID                string
	Symbol            string
	Market            string
	Strategy          string
	InitialAmount     float64
	FixedCost         float64
	ProportionalCost  float64
	SMAWindow         int
	Threshold         float64
	Bars              int
	Start             time.Time
	End               time.Time
	FinalCash         float64
	NetPerformancePct float64
	Trades            int
	Degenerate        bool
	CreatedAt         time.Time
	Fills             []FillRecord
}

// FillRecord is the stored form of one executed buy, sell or close-out.
type FillRecord struct {
	Index     int
	Timestamp time.Time
	Action    string
	Units     float64
	Price     float64
	Notional  float64
	Cost      float64
	Cash      float64
	Holdings  float64
	NetWealth float64
	Position  string
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	Symbol   string
	Strategy string
	Limit    int
}
