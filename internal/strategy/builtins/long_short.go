package builtins

import (
	"evbacktest/internal/domain"
	"evbacktest/internal/engine"
	"evbacktest/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*LongShort)(nil)

// LongShort goes long below -threshold and short above +threshold, and
// exits either side when the signal crosses back through zero.
type LongShort struct {
	threshold float64
}

// NewLongShort creates a LongShort strategy with the given entry threshold.
func NewLongShort(threshold float64) (*LongShort, error) {
	if err := checkThreshold(threshold); err != nil {
		return nil, err
	}
	return &LongShort{threshold: threshold}, nil
}

// Name returns "long-short".
func (s *LongShort) Name() string { return LongShortName }

// Decide makes at most one transition per bar. NaN signals never trigger.
func (s *LongShort) Decide(ctx strategy.Context) engine.Decision {
	sig, st := ctx.Signal, ctx.Ledger
	switch st.Position {
	case domain.PositionFlat:
		switch {
		case sig < -s.threshold:
			return engine.Decision{
				Orders: GoLong(st, 0, engine.Amount(st.Cash)),
				Next:   domain.PositionLong,
				Reason: "signal below -threshold",
			}
		case sig > s.threshold:
			return engine.Decision{
				Orders: GoShort(st, 0, engine.Amount(st.Cash)),
				Next:   domain.PositionShort,
				Reason: "signal above threshold",
			}
		}
	case domain.PositionLong:
		if sig >= 0 {
			return engine.Decision{
				Orders: []engine.Order{engine.Sell(engine.Units(st.Units))},
				Next:   domain.PositionFlat,
				Reason: "signal reverted",
			}
		}
	case domain.PositionShort:
		if sig <= 0 {
			return engine.Decision{
				Orders: []engine.Order{engine.Buy(engine.Units(-st.Units))},
				Next:   domain.PositionFlat,
				Reason: "signal reverted",
			}
		}
	}
	return engine.Hold()
}

// GoLong returns the orders that take a ledger long: cover any short first,
// then buy units if non-zero, otherwise buy amount if it is not empty. A zero
// units or amount counts as not supplied. Pass engine.AllCash() to size by
// the cash left after covering.
func GoLong(st engine.LedgerState, units float64, amount engine.Size) []engine.Order {
	var orders []engine.Order
	if st.Position == domain.PositionShort {
		orders = append(orders, engine.Buy(engine.Units(-st.Units)))
	}
	switch {
	case units != 0:
		orders = append(orders, engine.Buy(engine.Units(units)))
	case !amount.Empty():
		orders = append(orders, engine.Buy(amount))
	}
	return orders
}

// GoShort is the mirror of GoLong: liquidate any long first, then sell units
// or amount.
func GoShort(st engine.LedgerState, units float64, amount engine.Size) []engine.Order {
	var orders []engine.Order
	if st.Position == domain.PositionLong {
		orders = append(orders, engine.Sell(engine.Units(st.Units)))
	}
	switch {
	case units != 0:
		orders = append(orders, engine.Sell(engine.Units(units)))
	case !amount.Empty():
		orders = append(orders, engine.Sell(amount))
	}
	return orders
}
