package anomaly

import (
	"math"
	"sort"
)

// Baseline is the descriptive statistics of one metric series.
type Baseline struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Median float64 `json:"median"`
	Q1     float64 `json:"q1"`
	Q3     float64 `json:"q3"`
	IQR    float64 `json:"iqr"`
}

// baselineOf computes population statistics over the series. Quartiles use
// the median-of-halves convention, middle element excluded for odd lengths.
func baselineOf(series []float64) Baseline {
	n := len(series)
	if n == 0 {
		return Baseline{}
	}

	var sum float64
	for _, v := range series {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range series {
		d := v - mean
		sq += d * d
	}
	stdDev := math.Sqrt(sq / float64(n))

	sorted := append([]float64(nil), series...)
	sort.Float64s(sorted)
	median := medianOf(sorted)
	q1 := medianOf(sorted[:n/2])
	q3 := medianOf(sorted[(n+1)/2:])

	return Baseline{
		Mean:   mean,
		StdDev: stdDev,
		Median: median,
		Q1:     q1,
		Q3:     q3,
		IQR:    q3 - q1,
	}
}

func medianOf(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// zScore is the signed distance of v from the baseline in standard
// deviations. Zero when the series has no spread.
func (b Baseline) zScore(v float64) float64 {
	if b.StdDev == 0 {
		return 0
	}
	return (v - b.Mean) / b.StdDev
}
