// Package builtins provides the built-in position strategies that ship with
// evbacktest: long-only and long/short mean reversion.
package builtins

import (
	"fmt"
	"math"

	"evbacktest/internal/domain"
	"evbacktest/internal/strategy"
)

// Strategy names.
const (
	LongOnlyName  = "long-only"
	LongShortName = "long-short"
)

// Register adds every built-in strategy to r.
func Register(r *strategy.Registry) {
	r.Register(LongOnlyName, func(thr float64) (strategy.Strategy, error) { return NewLongOnly(thr) })
	r.Register(LongShortName, func(thr float64) (strategy.Strategy, error) { return NewLongShort(thr) })
}

// NewRegistry returns a registry holding the built-in strategies.
func NewRegistry() *strategy.Registry {
	r := strategy.NewRegistry()
	Register(r)
	return r
}

func checkThreshold(thr float64) error {
	if !(thr > 0) || math.IsInf(thr, 0) {
		return fmt.Errorf("threshold %v must be > 0: %w", thr, domain.ErrInvalidConfiguration)
	}
	return nil
}
