package signal

import (
	"math"
)

// degenerateEps bounds std relative to the price scale below which the
// series is treated as constant.
const degenerateEps = 1e-12

// MeanReversion holds the per-bar signal series for one price series. All
// slices are aligned to the input closes.
type MeanReversion struct {
	Window     int
	SMA        []float64
	Difference []float64
	// Normalized is (Difference - Mean) / Std. Mean and Std are taken over
	// every defined difference of the series, so each value depends on
	// bars after it.
	Normalized []float64
	Mean       float64
	Std        float64
	// Degenerate is set when Std is zero or undefined. Normalized is then
	// all NaN and no threshold is ever crossed.
	Degenerate bool
}

// Compute builds the mean-reversion signal for closes with an SMA of the
// given window. A window longer than the series is not an error; every value
// is NaN and the signal is degenerate.
func Compute(closes []float64, window int) (*MeanReversion, error) {
	sma, err := SMA(closes, window)
	if err != nil {
		return nil, err
	}

	diff := make([]float64, len(closes))
	var scale float64
	for i, c := range closes {
		diff[i] = c - sma[i]
		scale = math.Max(scale, math.Abs(c))
	}

	mean, std, n := MeanStd(diff)
	mr := &MeanReversion{
		Window:     window,
		SMA:        sma,
		Difference: diff,
		Normalized: make([]float64, len(closes)),
		Mean:       mean,
		Std:        std,
	}

	if n < 2 || math.IsNaN(std) || std <= degenerateEps*math.Max(scale, 1) {
		mr.Degenerate = true
		for i := range mr.Normalized {
			mr.Normalized[i] = math.NaN()
		}
		return mr, nil
	}

	for i, d := range diff {
		mr.Normalized[i] = (d - mean) / std
	}
	return mr, nil
}

// At returns the normalized signal at bar i.
func (m *MeanReversion) At(i int) float64 { return m.Normalized[i] }

// Len returns the number of bars covered.
func (m *MeanReversion) Len() int { return len(m.Normalized) }

// Defined returns the number of bars with a defined normalized value.
func (m *MeanReversion) Defined() int {
	var n int
	for _, v := range m.Normalized {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}
