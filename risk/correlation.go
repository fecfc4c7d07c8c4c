package risk

import (
	"context"

	"github.com/shopspring/decimal"

	"defi-risk-go/position"
)

// Exposure 参与相关性估计的单协议敞口
type Exposure struct {
	Protocol string
	ValueUSD decimal.Decimal
	Metrics  ProtocolMetrics
}

// CorrelationEstimator 跨协议相关性风险估计，返回 [0, 100] 分数
type CorrelationEstimator interface {
	EstimateCorrelationRisk(ctx context.Context, exposures []Exposure) (decimal.Decimal, error)
}

// DefaultCorrelationScore 固定估计的默认值
const DefaultCorrelationScore = 25

// FixedCorrelation 返回常数，作为没有历史数据时的占位估计
type FixedCorrelation struct {
	Score decimal.Decimal
}

// NewFixedCorrelation 使用默认 25 分
func NewFixedCorrelation() FixedCorrelation {
	return FixedCorrelation{Score: d(DefaultCorrelationScore)}
}

func (f FixedCorrelation) EstimateCorrelationRisk(ctx context.Context, _ []Exposure) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	return clampScore(f.Score), nil
}

// Category 协议类别
type Category string

const (
	CategoryStaking Category = "staking"
	CategoryLending Category = "lending"
	CategoryDEX     Category = "dex"
	CategoryYield   Category = "yield"
	CategoryOther   Category = "other"
)

var defaultCategories = map[string]Category{
	"lido":        CategoryStaking,
	"rocket_pool": CategoryStaking,
	"ether_fi":    CategoryStaking,
	"frax":        CategoryStaking,
	"aave":        CategoryLending,
	"compound":    CategoryLending,
	"uniswap":     CategoryDEX,
	"curve":       CategoryDEX,
	"balancer":    CategoryDEX,
	"beefy":       CategoryYield,
	"yearn":       CategoryYield,
	"convex":      CategoryYield,
}

// FamilyCorrelation 按协议类别给出两两相关系数，以价值份额加权求平均。
// 同类别 SameCategory，跨类别 CrossCategory；单协议组合为 0。
type FamilyCorrelation struct {
	Categories    map[string]Category
	SameCategory  decimal.Decimal
	CrossCategory decimal.Decimal
	// Overrides 特定类别对的系数，键为排序后的 "a|b"
	Overrides map[string]decimal.Decimal
}

// NewFamilyCorrelation 默认：同类 0.8，跨类 0.3，质押/收益聚合与 DEX/收益聚合 0.5
func NewFamilyCorrelation() *FamilyCorrelation {
	return &FamilyCorrelation{
		Categories:    defaultCategories,
		SameCategory:  df(0.8),
		CrossCategory: df(0.3),
		Overrides: map[string]decimal.Decimal{
			pairKey(CategoryStaking, CategoryYield): df(0.5),
			pairKey(CategoryDEX, CategoryYield):     df(0.5),
		},
	}
}

func (f *FamilyCorrelation) EstimateCorrelationRisk(ctx context.Context, exposures []Exposure) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	if len(exposures) < 2 {
		return decimal.Zero, nil
	}
	total := decimal.Zero
	for _, e := range exposures {
		total = total.Add(e.ValueUSD)
	}

	weighted := decimal.Zero
	weightSum := decimal.Zero
	for i := 0; i < len(exposures); i++ {
		for j := i + 1; j < len(exposures); j++ {
			var w decimal.Decimal
			if total.IsZero() {
				w = decimal.NewFromInt(1)
			} else {
				w = exposures[i].ValueUSD.Div(total).Mul(exposures[j].ValueUSD.Div(total))
			}
			rho := f.pairCorrelation(f.category(exposures[i].Protocol), f.category(exposures[j].Protocol))
			weighted = weighted.Add(w.Mul(rho))
			weightSum = weightSum.Add(w)
		}
	}
	if weightSum.IsZero() {
		return decimal.Zero, nil
	}
	return clampScore(weighted.Div(weightSum).Mul(hundred)), nil
}

func (f *FamilyCorrelation) category(protocol string) Category {
	if c, ok := f.Categories[position.Family(protocol)]; ok {
		return c
	}
	return CategoryOther
}

func (f *FamilyCorrelation) pairCorrelation(a, b Category) decimal.Decimal {
	if v, ok := f.Overrides[pairKey(a, b)]; ok {
		return v
	}
	if a == b && a != CategoryOther {
		return f.SameCategory
	}
	return f.CrossCategory
}

func pairKey(a, b Category) string {
	if a > b {
		a, b = b, a
	}
	return string(a) + "|" + string(b)
}
