package risk

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"defi-risk-go/position"
)

// GenericWeights 通用计算器五个子分数的权重，和必须为 1。
type GenericWeights struct {
	Protocol      decimal.Decimal
	SmartContract decimal.Decimal
	Liquidity     decimal.Decimal
	Governance    decimal.Decimal
	Market        decimal.Decimal
}

// DefaultGenericWeights 0.25/0.25/0.20/0.15/0.15
func DefaultGenericWeights() GenericWeights {
	return GenericWeights{
		Protocol:      df(0.25),
		SmartContract: df(0.25),
		Liquidity:     df(0.20),
		Governance:    df(0.15),
		Market:        df(0.15),
	}
}

// Sum 权重和
func (w GenericWeights) Sum() decimal.Decimal {
	return w.Protocol.Add(w.SmartContract).Add(w.Liquidity).Add(w.Governance).Add(w.Market)
}

// Validate 权重非负且和为 1
func (w GenericWeights) Validate() error {
	for _, v := range []decimal.Decimal{w.Protocol, w.SmartContract, w.Liquidity, w.Governance, w.Market} {
		if v.IsNegative() {
			return fmt.Errorf("generic weights must be >= 0, got %s", v)
		}
	}
	if !w.Sum().Equal(decimal.NewFromInt(1)) {
		return fmt.Errorf("generic weights must sum to 1, got %s", w.Sum())
	}
	return nil
}

// 以协议族名为键的静态分档表
var (
	protocolMaturityTiers = map[string]int64{
		"compound": 25, "yearn": 25, "curve": 25, "balancer": 25,
		"convex": 35, "frax": 35, "rocket_pool": 35,
	}
	contractTiers = map[string]int64{
		"compound": 20, "aave": 20, "uniswap": 20, "curve": 20,
		"yearn": 30, "balancer": 30, "convex": 30,
	}
	liquidityAdjustments = map[string]int64{
		"uniswap": -5, "curve": -5, "balancer": -5,
		"compound": 0, "aave": 0,
		"yearn": 5, "convex": 5, "beefy": 5,
	}
	governanceTiers = map[string]int64{
		"compound": 20, "aave": 20, "uniswap": 20,
		"yearn": 30, "curve": 30, "balancer": 30,
	}
	protocolContext = map[string]struct {
		tvlUSD  int64
		ageDays int
	}{
		"aave":     {10_000_000_000, 1200},
		"compound": {3_000_000_000, 1800},
		"curve":    {4_000_000_000, 1100},
		"uniswap":  {5_000_000_000, 1500},
		"yearn":    {500_000_000, 1000},
		"balancer": {1_000_000_000, 900},
		"convex":   {2_000_000_000, 700},
	}
)

const (
	defaultMaturityScore   = 50
	defaultContractScore   = 45
	defaultLiquidityAdjust = 10
	defaultGovernanceScore = 40
	defaultTVLUSD          = 100_000_000
	defaultAgeDays         = 365
)

// GenericCalculator 没有专用计算器的协议使用的保守估算器，按协议族查静态分档表。
type GenericCalculator struct {
	BaseCalculator
	family  string
	weights GenericWeights
}

// NewGenericCalculator 使用默认权重创建
func NewGenericCalculator(protocol string) *GenericCalculator {
	return &GenericCalculator{
		BaseCalculator: BaseCalculator{Protocol: position.NormalizeProtocol(protocol)},
		family:         position.Family(protocol),
		weights:        DefaultGenericWeights(),
	}
}

// NewGenericCalculatorWithWeights 自定义权重，权重非法时返回错误
func NewGenericCalculatorWithWeights(protocol string, w GenericWeights) (*GenericCalculator, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	c := NewGenericCalculator(protocol)
	c.weights = w
	return c, nil
}

func (c *GenericCalculator) SupportedPositionTypes() []position.Kind {
	return []position.Kind{position.KindGeneric, position.KindLiquidity, position.KindSupply, position.KindBorrow, position.KindPool}
}

func (c *GenericCalculator) RiskFactors() []string {
	return []string{"protocol_maturity", "smart_contract", "liquidity", "governance", "market"}
}

func (c *GenericCalculator) ValidatePosition(p position.Position) (bool, error) {
	return validateCommon(c.BaseCalculator, p)
}

func (c *GenericCalculator) CalculateRisk(ctx context.Context, positions []position.Position) (ProtocolMetrics, error) {
	if err := checkBatch(c, positions); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	total := position.TotalValue(positions)
	protocolRisk := tierLookup(protocolMaturityTiers, c.family, defaultMaturityScore)
	contractRisk := tierLookup(contractTiers, c.family, defaultContractScore)
	liquidityRisk := c.liquidityRisk(total)
	governanceRisk := tierLookup(governanceTiers, c.family, defaultGovernanceScore)
	marketRisk := marketRiskByCount(len(positions))

	overall := protocolRisk.Mul(c.weights.Protocol).
		Add(contractRisk.Mul(c.weights.SmartContract)).
		Add(liquidityRisk.Mul(c.weights.Liquidity)).
		Add(governanceRisk.Mul(c.weights.Governance)).
		Add(marketRisk.Mul(c.weights.Market))

	tvl, age := estimateContext(c.family)
	return &GenericMetrics{
		Variant:           FamilyGeneric,
		ProtocolName:      c.ProtocolName(),
		ProtocolRisk:      protocolRisk,
		SmartContractRisk: contractRisk,
		LiquidityRisk:     liquidityRisk,
		GovernanceRisk:    governanceRisk,
		MarketRisk:        marketRisk,
		Overall:           clampScore(overall),
		PositionCount:     len(positions),
		TotalValueUSD:     total,
		EstimatedTVLUSD:   tvl,
		ProtocolAgeDays:   age,
	}, nil
}

// liquidityRisk 按持仓总额分档后叠加协议族调整，限制在 [5, 60]
func (c *GenericCalculator) liquidityRisk(total decimal.Decimal) decimal.Decimal {
	var base decimal.Decimal
	switch {
	case total.GreaterThan(d(1_000_000)):
		base = d(35)
	case total.GreaterThan(d(100_000)):
		base = d(25)
	default:
		base = d(15)
	}
	adj := tierLookup(liquidityAdjustments, c.family, defaultLiquidityAdjust)
	return clamp(base.Add(adj), d(5), d(60))
}

func marketRiskByCount(n int) decimal.Decimal {
	switch {
	case n <= 1:
		return d(40)
	case n <= 3:
		return d(30)
	default:
		return d(20)
	}
}

func tierLookup(table map[string]int64, family string, fallback int64) decimal.Decimal {
	if v, ok := table[family]; ok {
		return d(v)
	}
	return d(fallback)
}

func estimateContext(family string) (decimal.Decimal, int) {
	if c, ok := protocolContext[family]; ok {
		return d(c.tvlUSD), c.ageDays
	}
	return d(defaultTVLUSD), defaultAgeDays
}
