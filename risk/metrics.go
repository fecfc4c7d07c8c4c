package risk

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Family 协议风险指标的变体标签
type Family string

const (
	FamilyGeneric Family = "generic"
	FamilyVault   Family = "vault"
	FamilyStaking Family = "staking"
)

// ProtocolMetrics 单协议风险评估结果。每次计算新建，之后只读。
type ProtocolMetrics interface {
	Family() Family
	Protocol() string
	OverallRiskScore() decimal.Decimal
	SubScores() map[string]decimal.Decimal
}

// GenericMetrics 通用计算器输出
type GenericMetrics struct {
	Variant           Family          `json:"family"`
	ProtocolName      string          `json:"protocol"`
	ProtocolRisk      decimal.Decimal `json:"protocol_risk"`
	SmartContractRisk decimal.Decimal `json:"smart_contract_risk"`
	LiquidityRisk     decimal.Decimal `json:"liquidity_risk"`
	GovernanceRisk    decimal.Decimal `json:"governance_risk"`
	MarketRisk        decimal.Decimal `json:"market_risk"`
	Overall           decimal.Decimal `json:"overall_risk_score"`

	PositionCount   int             `json:"position_count"`
	TotalValueUSD   decimal.Decimal `json:"total_value_usd"`
	EstimatedTVLUSD decimal.Decimal `json:"estimated_tvl_usd"`
	ProtocolAgeDays int             `json:"protocol_age_days"`
}

func (m *GenericMetrics) Family() Family                    { return FamilyGeneric }
func (m *GenericMetrics) Protocol() string                  { return m.ProtocolName }
func (m *GenericMetrics) OverallRiskScore() decimal.Decimal { return m.Overall }

func (m *GenericMetrics) SubScores() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"protocol_risk":       m.ProtocolRisk,
		"smart_contract_risk": m.SmartContractRisk,
		"liquidity_risk":      m.LiquidityRisk,
		"governance_risk":     m.GovernanceRisk,
		"market_risk":         m.MarketRisk,
	}
}

// PositionScore 单仓位得分
type PositionScore struct {
	ID       uuid.UUID       `json:"id"`
	ValueUSD decimal.Decimal `json:"value_usd"`
	Score    decimal.Decimal `json:"score"`
}

// VaultMetrics 收益聚合类（vault）计算器输出，因子为按价值加权的平均值
type VaultMetrics struct {
	Variant           Family          `json:"family"`
	ProtocolName      string          `json:"protocol"`
	StrategyRisk      decimal.Decimal `json:"strategy_risk"`
	YieldRisk         decimal.Decimal `json:"yield_risk"`
	SmartContractRisk decimal.Decimal `json:"smart_contract_risk"`
	LiquidityRisk     decimal.Decimal `json:"liquidity_risk"`
	GovernanceRisk    decimal.Decimal `json:"governance_risk"`
	Overall           decimal.Decimal `json:"overall_risk_score"`

	TotalValueUSD decimal.Decimal `json:"total_value_usd"`
	Positions     []PositionScore `json:"positions"`
}

func (m *VaultMetrics) Family() Family                    { return FamilyVault }
func (m *VaultMetrics) Protocol() string                  { return m.ProtocolName }
func (m *VaultMetrics) OverallRiskScore() decimal.Decimal { return m.Overall }

func (m *VaultMetrics) SubScores() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"strategy_risk":       m.StrategyRisk,
		"yield_risk":          m.YieldRisk,
		"smart_contract_risk": m.SmartContractRisk,
		"liquidity_risk":      m.LiquidityRisk,
		"governance_risk":     m.GovernanceRisk,
	}
}

// StakingMetrics 流动性质押计算器输出
type StakingMetrics struct {
	Variant                  Family          `json:"family"`
	ProtocolName             string          `json:"protocol"`
	SlashingRisk             decimal.Decimal `json:"slashing_risk"`
	DepegRisk                decimal.Decimal `json:"depeg_risk"`
	WithdrawalQueueRisk      decimal.Decimal `json:"withdrawal_queue_risk"`
	GovernanceRisk           decimal.Decimal `json:"governance_risk"`
	ValidatorPerformanceRisk decimal.Decimal `json:"validator_performance_risk"`
	LiquidityRisk            decimal.Decimal `json:"liquidity_risk"`
	SmartContractRisk        decimal.Decimal `json:"smart_contract_risk"`

	// RestakingExposureRisk 只有带再质押的协议（ether_fi）才有值
	RestakingExposureRisk decimal.NullDecimal `json:"restaking_exposure_risk"`
	Overall               decimal.Decimal     `json:"overall_risk_score"`

	TotalValueUSD     decimal.Decimal `json:"total_value_usd"`
	PegRatio          decimal.Decimal `json:"peg_ratio"`
	StakingAPY        decimal.Decimal `json:"staking_apy"`
	ValidatorCount    int64           `json:"validator_count"`
	SlashedValidators int64           `json:"slashed_validators"`
}

func (m *StakingMetrics) Family() Family                    { return FamilyStaking }
func (m *StakingMetrics) Protocol() string                  { return m.ProtocolName }
func (m *StakingMetrics) OverallRiskScore() decimal.Decimal { return m.Overall }

func (m *StakingMetrics) SubScores() map[string]decimal.Decimal {
	scores := map[string]decimal.Decimal{
		"slashing_risk":              m.SlashingRisk,
		"depeg_risk":                 m.DepegRisk,
		"withdrawal_queue_risk":      m.WithdrawalQueueRisk,
		"governance_risk":            m.GovernanceRisk,
		"validator_performance_risk": m.ValidatorPerformanceRisk,
		"liquidity_risk":             m.LiquidityRisk,
		"smart_contract_risk":        m.SmartContractRisk,
	}
	if m.RestakingExposureRisk.Valid {
		scores["restaking_exposure_risk"] = m.RestakingExposureRisk.Decimal
	}
	return scores
}

// PortfolioRiskMetrics 组合层面评估结果。失败的协议不会出现在 ProtocolRisks 中。
type PortfolioRiskMetrics struct {
	TotalValueUSD                decimal.Decimal            `json:"total_value_usd"`
	ProtocolRisks                map[string]ProtocolMetrics `json:"protocol_risks"`
	ProtocolValues               map[string]decimal.Decimal `json:"protocol_values"`
	ConcentrationRisk            decimal.Decimal            `json:"concentration_risk"`
	CrossProtocolCorrelationRisk decimal.Decimal            `json:"cross_protocol_correlation_risk"`
	OverallPortfolioRisk         decimal.Decimal            `json:"overall_portfolio_risk"`
	Recommendations              []string                   `json:"recommendations"`
	TopRiskFactors               []string                   `json:"top_risk_factors"`
	FailedProtocols              []string                   `json:"failed_protocols"`
	AssessedAt                   time.Time                  `json:"assessed_at"`
}

// Summary 评估摘要
type Summary struct {
	OverallRiskScore  decimal.Decimal `json:"overall_risk_score"`
	RiskLevel         Level           `json:"risk_level"`
	ProtocolsAnalyzed int             `json:"protocols_analyzed"`
	HighRiskProtocols int             `json:"high_risk_protocols"`
	Recommendations   int             `json:"recommendations"`
	AssessedAt        time.Time       `json:"assessed_at"`
}

// Summary 生成摘要，评分 >= 60 的协议计入高风险
func (p *PortfolioRiskMetrics) Summary() Summary {
	high := 0
	for _, m := range p.ProtocolRisks {
		if m.OverallRiskScore().GreaterThanOrEqual(d(60)) {
			high++
		}
	}
	return Summary{
		OverallRiskScore:  p.OverallPortfolioRisk,
		RiskLevel:         LevelFor(p.OverallPortfolioRisk),
		ProtocolsAnalyzed: len(p.ProtocolRisks),
		HighRiskProtocols: high,
		Recommendations:   len(p.Recommendations),
		AssessedAt:        p.AssessedAt,
	}
}
