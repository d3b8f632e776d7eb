package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestTypesExist(t *testing.T) {
	bar := Bar{}
	if bar.Symbol != "" {
		t.Error("expected empty Symbol for zero-value Bar")
	}
	if !bar.Timestamp.IsZero() {
		t.Error("expected zero Timestamp for zero-value Bar")
	}
	if bar.Open != 0 || bar.High != 0 || bar.Low != 0 || bar.Close != 0 {
		t.Error("expected zero OHLC values for zero-value Bar")
	}

	if OrderSideBuy != "buy" || OrderSideSell != "sell" {
		t.Errorf("OrderSide constants = %q/%q, want buy/sell", OrderSideBuy, OrderSideSell)
	}
	if PositionFlat != "flat" || PositionLong != "long" || PositionShort != "short" {
		t.Error("PositionSide constants have unexpected values")
	}
	if MarketUS != "us" {
		t.Errorf("MarketUS = %q, want us", MarketUS)
	}
}

func mkBars(closes ...float64) []Bar {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	out := make([]Bar, len(closes))
	for i, c := range closes {
		out[i] = Bar{Symbol: "BTC-USD", Timestamp: t0.AddDate(0, 0, i), Close: c}
	}
	return out
}

func TestNewSeries(t *testing.T) {
	s, err := NewSeries("BTC-USD", mkBars(100, 110, 99))
	if err != nil {
		t.Fatalf("NewSeries: %v", err)
	}
	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}
	if s.Symbol() != "BTC-USD" {
		t.Errorf("Symbol() = %q, want %q", s.Symbol(), "BTC-USD")
	}

	c := s.Candle(1)
	if c.Index != 1 || c.Close != 110 {
		t.Errorf("Candle(1) = %+v, want index 1 close 110", c)
	}
	if last := s.Last(); last.Index != 2 || last.Close != 99 {
		t.Errorf("Last() = %+v, want index 2 close 99", last)
	}

	if !math.IsNaN(s.LogReturn(0)) {
		t.Errorf("LogReturn(0) = %v, want NaN", s.LogReturn(0))
	}
	if got, want := s.LogReturn(1), math.Log(1.1); math.Abs(got-want) > 1e-12 {
		t.Errorf("LogReturn(1) = %v, want %v", got, want)
	}

	closes := s.Closes()
	closes[0] = -1
	if s.Candle(0).Close != 100 {
		t.Error("Closes() must return a copy")
	}
}

func TestNewSeriesRejects(t *testing.T) {
	tests := []struct {
		name string
		bars []Bar
		want error
	}{
		{name: "empty", bars: nil, want: ErrEmptySeries},
		{name: "zero close", bars: mkBars(100, 0), want: ErrInvalidConfiguration},
		{name: "negative close", bars: mkBars(-5), want: ErrInvalidConfiguration},
		{
			name: "out of order",
			bars: func() []Bar {
				b := mkBars(100, 101)
				b[0], b[1] = b[1], b[0]
				return b
			}(),
			want: ErrInvalidConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSeries("X", tt.bars)
			if !errors.Is(err, tt.want) {
				t.Errorf("NewSeries error = %v, want %v", err, tt.want)
			}
		})
	}
}
