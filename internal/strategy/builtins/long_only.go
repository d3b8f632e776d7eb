package builtins

import (
	"evbacktest/internal/domain"
	"evbacktest/internal/engine"
	"evbacktest/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*LongOnly)(nil)

// LongOnly buys with all available cash when the signal falls below
// -threshold and sells the whole holding once it recovers to zero or above.
type LongOnly struct {
	threshold float64
}

// NewLongOnly creates a LongOnly strategy with the given entry threshold.
func NewLongOnly(threshold float64) (*LongOnly, error) {
	if err := checkThreshold(threshold); err != nil {
		return nil, err
	}
	return &LongOnly{threshold: threshold}, nil
}

// Name returns "long-only".
func (s *LongOnly) Name() string { return LongOnlyName }

// Decide makes at most one transition per bar. NaN signals never trigger.
func (s *LongOnly) Decide(ctx strategy.Context) engine.Decision {
	sig, st := ctx.Signal, ctx.Ledger
	switch st.Position {
	case domain.PositionFlat:
		if sig < -s.threshold {
			return engine.Decision{
				Orders: []engine.Order{engine.Buy(engine.Amount(st.Cash))},
				Next:   domain.PositionLong,
				Reason: "signal below -threshold",
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
	}
	return engine.Hold()
}
