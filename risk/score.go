package risk

import "github.com/shopspring/decimal"

// 所有分数统一在 [0, 100] 区间，越高风险越大。
var (
	scoreFloor   = decimal.Zero
	scoreCeiling = decimal.NewFromInt(100)
	hundred      = decimal.NewFromInt(100)
)

// Level 风险等级
type Level string

const (
	LevelVeryLow  Level = "Very Low"
	LevelLow      Level = "Low"
	LevelMedium   Level = "Medium"
	LevelHigh     Level = "High"
	LevelCritical Level = "Critical"
)

// LevelFor 按 80/60/40/20 分档
func LevelFor(score decimal.Decimal) Level {
	switch {
	case score.GreaterThanOrEqual(decimal.NewFromInt(80)):
		return LevelCritical
	case score.GreaterThanOrEqual(decimal.NewFromInt(60)):
		return LevelHigh
	case score.GreaterThanOrEqual(decimal.NewFromInt(40)):
		return LevelMedium
	case score.GreaterThanOrEqual(decimal.NewFromInt(20)):
		return LevelLow
	default:
		return LevelVeryLow
	}
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

func clampScore(v decimal.Decimal) decimal.Decimal {
	return clamp(v, scoreFloor, scoreCeiling)
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func df(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// weightedAverage 按权重求均值，权重和为 0 时返回 fallback。
func weightedAverage(values, weights []decimal.Decimal, fallback decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	totalWeight := decimal.Zero
	for i := range values {
		sum = sum.Add(values[i].Mul(weights[i]))
		totalWeight = totalWeight.Add(weights[i])
	}
	if totalWeight.IsZero() {
		return fallback
	}
	return sum.Div(totalWeight)
}
