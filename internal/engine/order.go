package engine

import (
	"errors"
	"fmt"
	"math"

	"evbacktest/internal/domain"
)

// ErrMissingOrderSize is returned when a buy or sell is issued without either
// a unit count or a monetary amount.
var ErrMissingOrderSize = errors.New("missing order size: units or amount required")

type sizeKind uint8

const (
	sizeNone sizeKind = iota
	sizeUnits
	sizeAmount
	sizeAllCash
)

// Size is the requested size of an order: an explicit unit count, a monetary
// amount, or all available cash. The zero Size is "not supplied".
type Size struct {
	kind  sizeKind
	value float64
}

// Units sizes an order by unit count.
func Units(u float64) Size { return Size{kind: sizeUnits, value: u} }

// Amount sizes an order by monetary amount; units are amount / price.
func Amount(a float64) Size { return Size{kind: sizeAmount, value: a} }

// AllCash sizes an order by the ledger's cash balance at execution time.
func AllCash() Size { return Size{kind: sizeAllCash} }

// Empty reports whether the size is missing or an explicit zero unit count
// or amount. Strategies treat both as "not supplied".
func (s Size) Empty() bool {
	switch s.kind {
	case sizeUnits, sizeAmount:
		return s.value == 0
	case sizeAllCash:
		return false
	default:
		return true
	}
}

func (s Size) String() string {
	switch s.kind {
	case sizeUnits:
		return fmt.Sprintf("units=%v", s.value)
	case sizeAmount:
		return fmt.Sprintf("amount=%v", s.value)
	case sizeAllCash:
		return "amount=all"
	default:
		return "none"
	}
}

// unitsAt resolves the size to a unit count at the given price and cash.
func (s Size) unitsAt(price, cash float64) (float64, error) {
	var u float64
	switch s.kind {
	case sizeUnits:
		u = s.value
	case sizeAmount:
		u = s.value / price
	case sizeAllCash:
		u = cash / price
	default:
		return 0, ErrMissingOrderSize
	}
	if math.IsNaN(u) || math.IsInf(u, 0) {
		return 0, fmt.Errorf("order size %s at price %v resolves to %v units", s, price, u)
	}
	return u, nil
}

// Order is a single executor call requested by a strategy.
type Order struct {
	Side domain.OrderSide
	Size Size
}

// Buy returns a buy order of the given size.
func Buy(s Size) Order { return Order{Side: domain.OrderSideBuy, Size: s} }

// Sell returns a sell order of the given size.
func Sell(s Size) Order { return Order{Side: domain.OrderSideSell, Size: s} }

// Decision is what a strategy wants done at one bar: the orders to execute,
// in sequence, and the position tag the ledger moves to afterwards. An empty
// Next leaves the tag unchanged.
type Decision struct {
	Orders []Order
	Next   domain.PositionSide
	Reason string
}

// Hold is the no-op decision.
func Hold() Decision { return Decision{} }

// IsHold reports whether the decision neither trades nor changes position.
func (d Decision) IsHold() bool { return len(d.Orders) == 0 && d.Next == "" }
