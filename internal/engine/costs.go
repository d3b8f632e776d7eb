package engine

import (
	"fmt"
	"math"

	"evbacktest/internal/domain"
)

// CostModel holds the transaction costs applied to every buy and sell.
// Fixed is a flat fee per trade; Proportional is a fraction of notional
// (0.01 = 1%).
type CostModel struct {
	Fixed        float64
	Proportional float64
}

// NewCostModel validates and returns a CostModel.
func NewCostModel(fixed, proportional float64) (CostModel, error) {
	c := CostModel{Fixed: fixed, Proportional: proportional}
	if err := c.Validate(); err != nil {
		return CostModel{}, err
	}
	return c, nil
}

// Validate rejects negative or non-finite costs.
func (c CostModel) Validate() error {
	if !finiteNonNegative(c.Fixed) {
		return fmt.Errorf("fixed cost %v must be >= 0: %w", c.Fixed, domain.ErrInvalidConfiguration)
	}
	if !finiteNonNegative(c.Proportional) {
		return fmt.Errorf("proportional cost %v must be >= 0: %w", c.Proportional, domain.ErrInvalidConfiguration)
	}
	return nil
}

// Of returns the cost charged on a trade of the given notional.
func (c CostModel) Of(notional float64) float64 {
	return math.Abs(notional)*c.Proportional + c.Fixed
}

func finiteNonNegative(x float64) bool {
	return x >= 0 && !math.IsInf(x, 0)
}
