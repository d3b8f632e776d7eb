// Package signal computes the mean-reversion signal a strategy trades on:
// the simple moving average of closes, the distance of each close from it,
// and that distance standardized over the whole series.
package signal

import (
	"fmt"
	"math"

	"evbacktest/internal/domain"
)

// SMA over the last p closes; the result is aligned to the input with NaN
// for the first p-1 bars.
func SMA(x []float64, p int) ([]float64, error) {
	if p <= 0 {
		return nil, fmt.Errorf("sma window %d must be > 0: %w", p, domain.ErrInvalidConfiguration)
	}
	out := make([]float64, len(x))
	for i := range x {
		if i < p-1 {
			out[i] = math.NaN()
			continue
		}
		// Summed per window rather than rolled so a flat series gives an
		// exactly flat average.
		var sum float64
		for _, v := range x[i-p+1 : i+1] {
			sum += v
		}
		out[i] = sum / float64(p)
	}
	return out, nil
}

// MeanStd returns the mean and sample standard deviation (n-1) of the
// non-NaN values in x, and how many there were. With fewer than two values
// std is NaN.
func MeanStd(x []float64) (mean, std float64, n int) {
	var sum float64
	for _, v := range x {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN(), math.NaN(), 0
	}
	mean = sum / float64(n)
	if n < 2 {
		return mean, math.NaN(), n
	}
	var ss float64
	for _, v := range x {
		if math.IsNaN(v) {
			continue
		}
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(n-1)), n
}
