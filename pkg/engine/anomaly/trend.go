package anomaly

import "github.com/stratoform/cartograph/pkg/model"

// CostTrend is the derivative view of the cost series: how fast spend is
// moving and whether the movement itself is growing.
type CostTrend struct {
	CurrentCostMonthly float64 `json:"currentCostMonthly"`
	Velocity           float64 `json:"velocity"`     // $/month per hour
	Acceleration       float64 `json:"acceleration"` // $/month per hour^2
	Projected24h       float64 `json:"projected24h"`
}

// costTrend derives velocity and acceleration from the last snapshots of an
// oldest-first series. Needs at least two points for velocity, three for
// acceleration.
func costTrend(series []*model.Snapshot) *CostTrend {
	if len(series) == 0 {
		return nil
	}
	current := series[len(series)-1]
	trend := &CostTrend{CurrentCostMonthly: current.TotalCostMonthly}
	if len(series) < 2 {
		return trend
	}

	prev := series[len(series)-2]
	hours := current.CreatedAt.Sub(prev.CreatedAt).Hours()
	if hours <= 0 {
		return trend
	}
	trend.Velocity = (current.TotalCostMonthly - prev.TotalCostMonthly) / hours

	if len(series) >= 3 {
		prev2 := series[len(series)-3]
		hoursPrev := prev.CreatedAt.Sub(prev2.CreatedAt).Hours()
		if hoursPrev > 0 {
			prevVelocity := (prev.TotalCostMonthly - prev2.TotalCostMonthly) / hoursPrev
			trend.Acceleration = (trend.Velocity - prevVelocity) / hours
		}
	}

	trend.Projected24h = current.TotalCostMonthly + trend.Velocity*24 + 0.5*trend.Acceleration*24*24
	return trend
}
