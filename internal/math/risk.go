package math

import (
	stdmath "math"
)

// RunningStats accumulates mean and variance online (Welford).
type RunningStats struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
}

// Add folds one observation into the accumulator.
func (s RunningStats) Add(x float64) RunningStats {
	s.Count++
	delta := x - s.Mean
	s.Mean += delta / float64(s.Count)
	delta2 := x - s.Mean
	s.M2 += delta * delta2
	return s
}

// StdDev returns the sample standard deviation, 0 with fewer than two observations.
func (s RunningStats) StdDev() float64 {
	if s.Count < 2 {
		return 0
	}
	return stdmath.Sqrt(s.M2 / float64(s.Count-1))
}

// SharpeLike returns mean/stddev of the observed returns, 0 when undefined.
// No risk-free rate and no annualisation.
func (s RunningStats) SharpeLike() float64 {
	sd := s.StdDev()
	if sd < 1e-12 {
		return 0
	}
	return s.Mean / sd
}

// PeriodReturn returns (curr - prev) / prev, or ok=false when prev is not positive.
func PeriodReturn(prev, curr float64) (float64, bool) {
	if prev <= 0 {
		return 0, false
	}
	return (curr - prev) / prev, true
}

// Drawdown returns the fractional decline of equity from peak, in [0, +inf).
func Drawdown(peak, equity float64) float64 {
	if peak <= 0 || equity >= peak {
		return 0
	}
	return (peak - equity) / peak
}
