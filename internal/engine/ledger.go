package engine

import (
	"fmt"
	"math"

	"evbacktest/internal/domain"
)

// Ledger holds the cash, unit holdings, position tag and trade count of a
// single backtest run. Its fields are only changed by an Executor.
type Ledger struct {
	initial  float64
	cash     float64
	units    float64
	position domain.PositionSide
	trades   int
}

// LedgerState is a read-only snapshot of a Ledger.
type LedgerState struct {
	Initial  float64
	Cash     float64
	Units    float64
	Position domain.PositionSide
	Trades   int
}

// NewLedger creates a flat ledger funded with initial cash.
func NewLedger(initial float64) (*Ledger, error) {
	l := &Ledger{}
	if err := l.Reset(initial); err != nil {
		return nil, err
	}
	return l, nil
}

// Reset returns the ledger to its opening state: cash = initial, no units,
// flat, zero trades. Every field is reset, including units.
func (l *Ledger) Reset(initial float64) error {
	if !(initial > 0) || math.IsInf(initial, 0) {
		return fmt.Errorf("initial amount %v must be > 0: %w", initial, domain.ErrInvalidConfiguration)
	}
	l.initial = initial
	l.cash = initial
	l.units = 0
	l.position = domain.PositionFlat
	l.trades = 0
	return nil
}

func (l *Ledger) Initial() float64              { return l.initial }
func (l *Ledger) Cash() float64                 { return l.cash }
func (l *Ledger) Units() float64                { return l.units }
func (l *Ledger) Position() domain.PositionSide { return l.position }
func (l *Ledger) Trades() int                   { return l.trades }

// NetWealth values the ledger at price: cash plus marked-to-market holdings.
func (l *Ledger) NetWealth(price float64) float64 {
	return l.cash + l.units*price
}

// State returns a snapshot of the ledger.
func (l *Ledger) State() LedgerState {
	return LedgerState{
		Initial:  l.initial,
		Cash:     l.cash,
		Units:    l.units,
		Position: l.position,
		Trades:   l.trades,
	}
}

// Check verifies that the position tag agrees with the sign of the holdings.
// It is meaningful between decisions; while a decision with several orders is
// being applied the two may briefly disagree.
func (l *Ledger) Check() error {
	var want domain.PositionSide
	switch {
	case l.units > 0:
		want = domain.PositionLong
	case l.units < 0:
		want = domain.PositionShort
	default:
		want = domain.PositionFlat
	}
	if l.position != want {
		return fmt.Errorf("ledger holds %v units but is tagged %s", l.units, l.position)
	}
	if l.trades < 0 {
		return fmt.Errorf("negative trade count %d", l.trades)
	}
	return nil
}
