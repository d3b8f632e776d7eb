// Package domain defines the core value types shared across the backtester:
// bars, candles, bar series, and the position/order enums.
package domain

import (
	"errors"
	"time"
)

// MarketUS identifies the US equity partition of bar storage.
const MarketUS = "us"

var (
	// ErrInvalidConfiguration is returned when a run parameter or config
	// value is out of range. It is raised before any bar is processed.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrEmptySeries is returned when a bar series has no bars.
	ErrEmptySeries = errors.New("empty bar series")
)

// Bar is one OHLCV observation for a symbol.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// Candle is the view of a bar that the execution engine works with: its
// position in the series, its timestamp, and its closing price.
type Candle struct {
	Index     int
	Timestamp time.Time
	Close     float64
}

// PositionSide is the position tag carried by a ledger.
type PositionSide string

const (
	PositionFlat  PositionSide = "flat"
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// OrderSide is the direction of an executed order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)
