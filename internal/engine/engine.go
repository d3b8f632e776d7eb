// Package engine is the execution core of a backtest: the Ledger that holds
// cash and holdings, and the Executor that applies buys, sells and the final
// close-out to it under a CostModel.
package engine

import (
	"fmt"
	"time"

	"evbacktest/internal/domain"
)

// Action labels an executed fill.
type Action string

const (
	ActionBuy   Action = "buy"
	ActionSell  Action = "sell"
	ActionClose Action = "close"
)

// Fill records one executed buy, sell or close-out and the ledger state right
// after it.
type Fill struct {
	Index     int
	Timestamp time.Time
	Action    Action
	Units     float64
	Price     float64
	Notional  float64
	Cost      float64
	Cash      float64
	Holdings  float64
	NetWealth float64
	Position  domain.PositionSide
}

// Report is the performance summary produced by a close-out.
type Report struct {
	FinalCash         float64
	NetPerformancePct float64
	Trades            int
}

// Executor applies orders to a Ledger. It holds no run state of its own, so
// one Executor may serve any number of ledgers sequentially.
type Executor struct {
	costs   CostModel
	journal Journal
}

// NewExecutor creates an Executor charging the given costs. A nil journal
// discards trade lines.
func NewExecutor(costs CostModel, journal Journal) *Executor {
	if journal == nil {
		journal = NopJournal{}
	}
	return &Executor{costs: costs, journal: journal}
}

// Costs returns the executor's cost model.
func (e *Executor) Costs() CostModel { return e.costs }

// Buy purchases units at the candle's close:
//
//	cash -= units*price*(1+proportional) + fixed
func (e *Executor) Buy(l *Ledger, c domain.Candle, size Size) (Fill, error) {
	units, err := size.unitsAt(c.Close, l.cash)
	if err != nil {
		return Fill{}, fmt.Errorf("buy at bar %d: %w", c.Index, err)
	}
	l.cash -= units*c.Close*(1+e.costs.Proportional) + e.costs.Fixed
	l.units += units
	l.trades++

	f := e.fill(l, c, ActionBuy, units)
	e.journal.Fill(f)
	return f, nil
}

// Sell disposes of units at the candle's close:
//
//	cash += units*price*(1-proportional) - fixed
func (e *Executor) Sell(l *Ledger, c domain.Candle, size Size) (Fill, error) {
	units, err := size.unitsAt(c.Close, l.cash)
	if err != nil {
		return Fill{}, fmt.Errorf("sell at bar %d: %w", c.Index, err)
	}
	l.cash += units*c.Close*(1-e.costs.Proportional) - e.costs.Fixed
	l.units -= units
	l.trades++

	f := e.fill(l, c, ActionSell, units)
	e.journal.Fill(f)
	return f, nil
}

// CloseOut liquidates whatever is held at the candle's close without any
// transaction cost, flattens the ledger and counts one trade, even when the
// ledger was already flat.
func (e *Executor) CloseOut(l *Ledger, c domain.Candle) (Report, Fill) {
	units := l.units
	l.cash += units * c.Close
	l.units = 0
	l.position = domain.PositionFlat
	l.trades++

	f := Fill{
		Index:     c.Index,
		Timestamp: c.Timestamp,
		Action:    ActionClose,
		Units:     units,
		Price:     c.Close,
		Notional:  units * c.Close,
		Cash:      l.cash,
		NetWealth: l.cash,
		Position:  domain.PositionFlat,
	}
	r := Report{
		FinalCash:         l.cash,
		NetPerformancePct: (l.cash - l.initial) / l.initial * 100,
		Trades:            l.trades,
	}
	e.journal.Close(f, r)
	return r, f
}

// Apply executes a decision's orders in order and then moves the ledger to
// the decision's next position. It stops at the first failing order; fills
// already executed are returned alongside the error.
func (e *Executor) Apply(l *Ledger, c domain.Candle, d Decision) ([]Fill, error) {
	fills := make([]Fill, 0, len(d.Orders))
	for _, o := range d.Orders {
		var (
			f   Fill
			err error
		)
		switch o.Side {
		case domain.OrderSideBuy:
			f, err = e.Buy(l, c, o.Size)
		case domain.OrderSideSell:
			f, err = e.Sell(l, c, o.Size)
		default:
			err = fmt.Errorf("bar %d: unknown order side %q", c.Index, o.Side)
		}
		if err != nil {
			return fills, err
		}
		fills = append(fills, f)
	}
	if d.Next != "" {
		l.position = d.Next
		if n := len(fills); n > 0 {
			fills[n-1].Position = d.Next
		}
	}
	return fills, nil
}

func (e *Executor) fill(l *Ledger, c domain.Candle, a Action, units float64) Fill {
	notional := units * c.Close
	return Fill{
		Index:     c.Index,
		Timestamp: c.Timestamp,
		Action:    a,
		Units:     units,
		Price:     c.Close,
		Notional:  notional,
		Cost:      e.costs.Of(notional),
		Cash:      l.cash,
		Holdings:  l.units,
		NetWealth: l.NetWealth(c.Close),
		Position:  l.position,
	}
}
