package domain

import (
	"fmt"
	"math"
	"time"
)

// Series is an immutable, ordered sequence of bars for one symbol, with the
// per-bar log return precomputed.
type Series struct {
	symbol     string
	bars       []Bar
	logReturns []float64
}

// NewSeries validates bars and builds a Series. Bars must be in strictly
// increasing timestamp order and carry positive closes.
func NewSeries(symbol string, bars []Bar) (*Series, error) {
	if len(bars) == 0 {
		return nil, ErrEmptySeries
	}

	owned := make([]Bar, len(bars))
	copy(owned, bars)

	rets := make([]float64, len(owned))
	for i, b := range owned {
		if !(b.Close > 0) {
			return nil, fmt.Errorf("bar %d (%s): close %v must be > 0: %w",
				i, b.Timestamp.Format(time.DateOnly), b.Close, ErrInvalidConfiguration)
		}
		if i == 0 {
			rets[i] = math.NaN()
			continue
		}
		if !b.Timestamp.After(owned[i-1].Timestamp) {
			return nil, fmt.Errorf("bar %d: timestamp %s not after %s: %w",
				i, b.Timestamp.Format(time.RFC3339), owned[i-1].Timestamp.Format(time.RFC3339), ErrInvalidConfiguration)
		}
		rets[i] = math.Log(b.Close / owned[i-1].Close)
	}

	return &Series{symbol: symbol, bars: owned, logReturns: rets}, nil
}

// Symbol returns the series symbol.
func (s *Series) Symbol() string { return s.symbol }

// Len returns the number of bars.
func (s *Series) Len() int { return len(s.bars) }

// Bar returns the bar at index i.
func (s *Series) Bar(i int) Bar { return s.bars[i] }

// Candle returns the engine view of the bar at index i.
func (s *Series) Candle(i int) Candle {
	b := s.bars[i]
	return Candle{Index: i, Timestamp: b.Timestamp, Close: b.Close}
}

// Last returns the final candle of the series.
func (s *Series) Last() Candle { return s.Candle(len(s.bars) - 1) }

// LogReturn returns ln(close[i]/close[i-1]); NaN at index 0.
func (s *Series) LogReturn(i int) float64 { return s.logReturns[i] }

// Closes returns a copy of the closing prices in series order.
func (s *Series) Closes() []float64 {
	out := make([]float64, len(s.bars))
	for i, b := range s.bars {
		out[i] = b.Close
	}
	return out
}

// Span returns the first and last bar timestamps.
func (s *Series) Span() (start, end time.Time) {
	return s.bars[0].Timestamp, s.bars[len(s.bars)-1].Timestamp
}
