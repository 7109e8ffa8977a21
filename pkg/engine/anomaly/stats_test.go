package anomaly

import (
	"math"
	"testing"

	"github.com/stratoform/cartograph/pkg/model"
)

func TestBaselineOf_EvenLength(t *testing.T) {
	b := baselineOf([]float64{1, 2, 3, 4})
	if !approx(b.Mean, 2.5) {
		t.Errorf("Expected mean 2.5, got %v", b.Mean)
	}
	if !approx(b.StdDev, math.Sqrt(1.25)) {
		t.Errorf("Expected population stddev sqrt(1.25), got %v", b.StdDev)
	}
	if !approx(b.Median, 2.5) || !approx(b.Q1, 1.5) || !approx(b.Q3, 3.5) || !approx(b.IQR, 2) {
		t.Errorf("Expected quartiles 1.5/2.5/3.5, got %+v", b)
	}
}

func TestBaselineOf_OddLength(t *testing.T) {
	b := baselineOf([]float64{5, 1, 3, 2, 4})
	if !approx(b.Median, 3) || !approx(b.Q1, 1.5) || !approx(b.Q3, 4.5) || !approx(b.IQR, 3) {
		t.Errorf("Expected median 3 with hinges 1.5/4.5, got %+v", b)
	}
}

func TestZScore_ZeroSpread(t *testing.T) {
	b := baselineOf([]float64{7, 7, 7})
	if got := b.zScore(100); got != 0 {
		t.Errorf("Expected zero z for a flat series, got %v", got)
	}
}

func TestSeverityOf_Tiers(t *testing.T) {
	cases := []struct {
		z    float64
		want model.Severity
	}{
		{2.1, model.SeverityLow},
		{2.5, model.SeverityMedium},
		{2.9, model.SeverityMedium},
		{3.0, model.SeverityHigh},
		{3.9, model.SeverityHigh},
		{4.0, model.SeverityCritical},
		{7.5, model.SeverityCritical},
	}
	for _, tc := range cases {
		if got := severityOf(tc.z); got != tc.want {
			t.Errorf("Expected severity %s for z %v, got %s", tc.want, tc.z, got)
		}
	}
}
