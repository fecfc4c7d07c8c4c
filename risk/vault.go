package risk

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"defi-risk-go/position"
)

// VaultConfig 收益聚合计算器阈值
type VaultConfig struct {
	VeryHighYieldAPY     float64 `yaml:"very_high_yield_apy" validate:"gtfield=HighYieldAPY"`
	HighYieldAPY         float64 `yaml:"high_yield_apy" validate:"gtfield=ModerateYieldAPY"`
	ModerateYieldAPY     float64 `yaml:"moderate_yield_apy" validate:"gtfield=LowYieldAPY"`
	LowYieldAPY          float64 `yaml:"low_yield_apy" validate:"gte=0"`
	LargePositionUSD     float64 `yaml:"large_position_usd" validate:"gtfield=SmallPositionUSD"`
	SmallPositionUSD     float64 `yaml:"small_position_usd" validate:"gte=0"`
	DiversificationBonus float64 `yaml:"diversification_bonus" validate:"gte=0,lte=20"`
	MaxPositionScore     float64 `yaml:"max_position_score" validate:"gt=0,lte=100"`
	NeutralScore         float64 `yaml:"neutral_score" validate:"gte=0,lte=100"`
}

// DefaultVaultConfig 默认阈值
func DefaultVaultConfig() VaultConfig {
	return VaultConfig{
		VeryHighYieldAPY:     200,
		HighYieldAPY:         100,
		ModerateYieldAPY:     50,
		LowYieldAPY:          1,
		LargePositionUSD:     50_000,
		SmallPositionUSD:     100,
		DiversificationBonus: 3,
		MaxPositionScore:     98,
		NeutralScore:         35,
	}
}

// vaultProfile 各协议的静态画像
type vaultProfile struct {
	complexity      int64 // 策略复杂度
	ageAdjust       int64 // 合约年龄修正
	withdrawalDelay int64 // 赎回延迟
	governance      int64
	security        int64
}

var vaultProfiles = map[string]vaultProfile{
	"beefy":  {complexity: 5, ageAdjust: -3, withdrawalDelay: 4, governance: 0, security: 0},
	"yearn":  {complexity: 12, ageAdjust: -3, withdrawalDelay: 2, governance: 0, security: 0},
	"convex": {complexity: 10, ageAdjust: 0, withdrawalDelay: 6, governance: 5, security: 5},
}

var defaultVaultProfile = vaultProfile{complexity: 8, ageAdjust: 5, withdrawalDelay: 8, governance: 10, security: 5}

// 按费率档位（池子类型代理）的修正
var (
	underlyingByTier = map[int]int64{100: 3, 500: 6, 3000: 10}
	apyProxyByTier   = map[int]float64{100: 5, 500: 12, 3000: 25}
	contractByTier   = map[int]int64{100: -5, 500: 0, 3000: 8}
	liquidityByTier  = map[int]int64{100: 0, 500: 3, 3000: 8}
)

const (
	defaultUnderlyingRisk = 8
	defaultAPYProxy       = 15.0
	defaultContractTier   = 5
	defaultLiquidityTier  = 5
)

// VaultCalculator 收益聚合类协议（beefy/yearn/convex）的加权多因子计算器。
// 每个仓位独立计算有界因子并求和，协议分数按仓位价值加权。
type VaultCalculator struct {
	BaseCalculator
	cfg     VaultConfig
	profile vaultProfile
}

// NewVaultCalculator 创建指定协议的 vault 计算器
func NewVaultCalculator(protocol string, cfg VaultConfig) *VaultCalculator {
	name := position.NormalizeProtocol(protocol)
	profile, ok := vaultProfiles[position.Family(name)]
	if !ok {
		profile = defaultVaultProfile
	}
	return &VaultCalculator{
		BaseCalculator: BaseCalculator{Protocol: name},
		cfg:            cfg,
		profile:        profile,
	}
}

func (c *VaultCalculator) SupportedPositionTypes() []position.Kind {
	return []position.Kind{position.KindVault, position.KindFarm, position.KindPool}
}

func (c *VaultCalculator) RiskFactors() []string {
	return []string{
		"strategy_risk",
		"yield_sustainability",
		"position_size",
		"diversification",
		"smart_contract",
		"liquidity",
		"governance",
	}
}

// ValidatePosition 协议不匹配返回 false；缺少池地址为 InvalidPosition
func (c *VaultCalculator) ValidatePosition(p position.Position) (bool, error) {
	ok, err := validateCommon(c.BaseCalculator, p)
	if !ok || err != nil {
		return ok, err
	}
	if strings.TrimSpace(p.PoolAddress) == "" {
		return false, invalidPosition("%s position %s is missing pool address", c.ProtocolName(), p.ID)
	}
	return true, nil
}

func (c *VaultCalculator) CalculateRisk(ctx context.Context, positions []position.Position) (ProtocolMetrics, error) {
	if err := checkBatch(c, positions); err != nil {
		return nil, err
	}

	var (
		weights  = make([]decimal.Decimal, 0, len(positions))
		scores   = make([]decimal.Decimal, 0, len(positions))
		strategy = make([]decimal.Decimal, 0, len(positions))
		yields   = make([]decimal.Decimal, 0, len(positions))
		contract = make([]decimal.Decimal, 0, len(positions))
		liq      = make([]decimal.Decimal, 0, len(positions))
		gov      = make([]decimal.Decimal, 0, len(positions))
		per      = make([]PositionScore, 0, len(positions))
		total    = decimal.Zero
	)

	for _, p := range positions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f := c.positionFactors(p)
		value := p.Value()
		total = total.Add(value)

		weights = append(weights, value)
		scores = append(scores, f.score)
		strategy = append(strategy, f.strategy)
		yields = append(yields, f.yield)
		contract = append(contract, f.contract)
		liq = append(liq, f.liquidity)
		gov = append(gov, f.governance)
		per = append(per, PositionScore{ID: p.ID, ValueUSD: value, Score: f.score})
	}

	neutral := df(c.cfg.NeutralScore)
	return &VaultMetrics{
		Variant:           FamilyVault,
		ProtocolName:      c.ProtocolName(),
		StrategyRisk:      weightedAverage(strategy, weights, decimal.Zero),
		YieldRisk:         weightedAverage(yields, weights, decimal.Zero),
		SmartContractRisk: weightedAverage(contract, weights, decimal.Zero),
		LiquidityRisk:     weightedAverage(liq, weights, decimal.Zero),
		GovernanceRisk:    weightedAverage(gov, weights, decimal.Zero),
		Overall:           clampScore(weightedAverage(scores, weights, neutral)),
		TotalValueUSD:     total,
		Positions:         per,
	}, nil
}

type vaultFactors struct {
	strategy   decimal.Decimal
	yield      decimal.Decimal
	size       decimal.Decimal
	diversity  decimal.Decimal
	contract   decimal.Decimal
	liquidity  decimal.Decimal
	governance decimal.Decimal
	score      decimal.Decimal
}

func (c *VaultCalculator) positionFactors(p position.Position) vaultFactors {
	f := vaultFactors{
		strategy:   c.strategyRisk(p),
		yield:      c.yieldRisk(p),
		size:       c.sizeAdjustment(p),
		diversity:  c.diversificationAdjustment(p),
		contract:   c.contractRisk(p),
		liquidity:  c.liquidityRisk(p),
		governance: d(4 + c.profile.governance + c.profile.security),
	}
	sum := f.strategy.Add(f.yield).Add(f.size).Add(f.diversity).
		Add(f.contract).Add(f.liquidity).Add(f.governance)
	f.score = clamp(sum, decimal.Zero, df(c.cfg.MaxPositionScore))
	return f
}

func (c *VaultCalculator) strategyRisk(p position.Position) decimal.Decimal {
	underlying := int64(defaultUnderlyingRisk)
	if v, ok := underlyingByTier[p.FeeTier]; ok {
		underlying = v
	}
	return d(10 + c.profile.complexity + underlying)
}

// yieldRisk 过高或过低的收益率都视为不可持续
func (c *VaultCalculator) yieldRisk(p position.Position) decimal.Decimal {
	apy := c.estimateAPY(p)
	switch {
	case apy.GreaterThan(df(c.cfg.VeryHighYieldAPY)):
		return d(25)
	case apy.GreaterThan(df(c.cfg.HighYieldAPY)):
		return d(15)
	case apy.LessThan(df(c.cfg.LowYieldAPY)):
		return d(10)
	case apy.GreaterThan(df(c.cfg.ModerateYieldAPY)):
		return d(8)
	default:
		return decimal.Zero
	}
}

func (c *VaultCalculator) estimateAPY(p position.Position) decimal.Decimal {
	if p.APY.Valid {
		return p.APY.Decimal
	}
	if v, ok := apyProxyByTier[p.FeeTier]; ok {
		return df(v)
	}
	return df(defaultAPYProxy)
}

func (c *VaultCalculator) sizeAdjustment(p position.Position) decimal.Decimal {
	value := p.Value()
	switch {
	case value.GreaterThan(df(c.cfg.LargePositionUSD)):
		return d(-2)
	case value.LessThan(df(c.cfg.SmallPositionUSD)):
		return d(5)
	default:
		return decimal.Zero
	}
}

func (c *VaultCalculator) diversificationAdjustment(p position.Position) decimal.Decimal {
	if p.AssetCount() > 2 {
		return df(c.cfg.DiversificationBonus).Neg()
	}
	return decimal.Zero
}

func (c *VaultCalculator) contractRisk(p position.Position) decimal.Decimal {
	tier := int64(defaultContractTier)
	if v, ok := contractByTier[p.FeeTier]; ok {
		tier = v
	}
	return d(15 + c.profile.ageAdjust + tier)
}

func (c *VaultCalculator) liquidityRisk(p position.Position) decimal.Decimal {
	tier := int64(defaultLiquidityTier)
	if v, ok := liquidityByTier[p.FeeTier]; ok {
		tier = v
	}
	return d(5 + c.profile.withdrawalDelay + tier)
}
