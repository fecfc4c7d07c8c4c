package risk

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"defi-risk-go/position"
)

// 内置质押协议档案
const (
	ProtocolLido       = "lido"
	ProtocolRocketPool = "rocket_pool"
	ProtocolEtherFi    = "ether_fi"
)

// ValidatorStats 验证者集合快照
type ValidatorStats struct {
	Total   int64           `json:"total"`
	Active  int64           `json:"active"`
	Slashed int64           `json:"slashed"`
	APY     decimal.Decimal `json:"apy"`

	// Utilization 节点运营者资金利用率，0 表示未知
	Utilization decimal.Decimal `json:"utilization"`
}

// RestakingStats 再质押敞口快照
type RestakingStats struct {
	RestakedETH    decimal.Decimal `json:"restaked_eth"`
	TotalStakedETH decimal.Decimal `json:"total_staked_eth"`
	ActiveAVS      int64           `json:"active_avs"`
}

// StakingDataSource 质押协议链上数据来源，调用可能阻塞，需遵守 ctx。
type StakingDataSource interface {
	ValidatorStats(ctx context.Context) (ValidatorStats, error)
	PegRatio(ctx context.Context) (decimal.Decimal, error)
	WithdrawalQueueETH(ctx context.Context) (decimal.Decimal, error)
}

// RestakingDataSource 带再质押数据的数据源，ether_fi 档案需要
type RestakingDataSource interface {
	RestakingStats(ctx context.Context) (RestakingStats, error)
}

// StaticStakingData 固定快照数据源，用于离线评估和测试
type StaticStakingData struct {
	Stats     ValidatorStats
	Peg       decimal.Decimal
	Queue     decimal.Decimal
	Restaking RestakingStats
}

// DefaultStakingSnapshot 参考快照
func DefaultStakingSnapshot() *StaticStakingData {
	return &StaticStakingData{
		Stats: ValidatorStats{Total: 50_000, Active: 49_800, Slashed: 50, APY: df(4.2)},
		Peg:   df(0.998),
		Queue: d(500),
	}
}

// StakingSnapshotFor 按协议返回参考快照，未知协议使用 lido 快照
func StakingSnapshotFor(protocol string) *StaticStakingData {
	switch position.NormalizeProtocol(protocol) {
	case ProtocolRocketPool:
		return &StaticStakingData{
			Stats: ValidatorStats{Total: 2_920, Active: 2_850, APY: df(4.2), Utilization: df(0.92)},
			Peg:   df(1.004),
		}
	case ProtocolEtherFi:
		return &StaticStakingData{
			Stats: ValidatorStats{Total: 8_500, Active: 8_200, Slashed: 1, APY: df(3.2)},
			Peg:   df(1.002),
			Queue: d(150),
			Restaking: RestakingStats{
				RestakedETH:    d(320_000),
				TotalStakedETH: d(650_000),
				ActiveAVS:      8,
			},
		}
	default:
		return DefaultStakingSnapshot()
	}
}

func (s *StaticStakingData) ValidatorStats(ctx context.Context) (ValidatorStats, error) {
	if err := ctx.Err(); err != nil {
		return ValidatorStats{}, err
	}
	return s.Stats, nil
}

func (s *StaticStakingData) PegRatio(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	return s.Peg, nil
}

func (s *StaticStakingData) WithdrawalQueueETH(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	return s.Queue, nil
}

func (s *StaticStakingData) RestakingStats(ctx context.Context) (RestakingStats, error) {
	if err := ctx.Err(); err != nil {
		return RestakingStats{}, err
	}
	return s.Restaking, nil
}

// StakingConfig 质押计算器阈值，作用于 lido 档案
type StakingConfig struct {
	SlashingRateThreshold float64 `yaml:"slashing_rate_threshold" validate:"gt=0,lt=1"`
	DepegThreshold        float64 `yaml:"depeg_threshold" validate:"gt=0,lt=1"`
	QueueThresholdETH     float64 `yaml:"queue_threshold_eth" validate:"gt=0"`
}

// DefaultStakingConfig 1% 罚没率 / 1% 脱锚 / 1000 ETH 队列
func DefaultStakingConfig() StakingConfig {
	return StakingConfig{
		SlashingRateThreshold: 0.01,
		DepegThreshold:        0.01,
		QueueThresholdETH:     1000,
	}
}

// withDefaults 非正阈值回退到默认值
func (c StakingConfig) withDefaults() StakingConfig {
	def := DefaultStakingConfig()
	if c.SlashingRateThreshold <= 0 {
		c.SlashingRateThreshold = def.SlashingRateThreshold
	}
	if c.DepegThreshold <= 0 {
		c.DepegThreshold = def.DepegThreshold
	}
	if c.QueueThresholdETH <= 0 {
		c.QueueThresholdETH = def.QueueThresholdETH
	}
	return c
}

type stakingWeights struct {
	slashing, depeg, queue, governance, performance, liquidity, contract, restaking decimal.Decimal
}

// stakingProfile 单个质押协议的评分方式
type stakingProfile struct {
	weights     stakingWeights
	governance  decimal.Decimal
	contract    decimal.Decimal
	restaking   bool
	slashing    func(c *StakingCalculator, s ValidatorStats) decimal.Decimal
	depeg       func(c *StakingCalculator, peg decimal.Decimal) decimal.Decimal
	queue       func(c *StakingCalculator, queueETH, positionUSD decimal.Decimal) decimal.Decimal
	performance func(apy decimal.Decimal) decimal.Decimal
	liquidity   func(total decimal.Decimal) decimal.Decimal
}

func fixedQueue(v int64) func(*StakingCalculator, decimal.Decimal, decimal.Decimal) decimal.Decimal {
	return func(*StakingCalculator, decimal.Decimal, decimal.Decimal) decimal.Decimal { return d(v) }
}

func fixedScore(v int64) func(decimal.Decimal) decimal.Decimal {
	return func(decimal.Decimal) decimal.Decimal { return d(v) }
}

var lidoProfile = stakingProfile{
	weights: stakingWeights{
		slashing:    df(0.25),
		depeg:       df(0.20),
		queue:       df(0.15),
		governance:  df(0.15),
		performance: df(0.10),
		liquidity:   df(0.10),
		contract:    df(0.05),
	},
	governance:  d(20),
	contract:    d(15),
	slashing:    (*StakingCalculator).slashingRisk,
	depeg:       (*StakingCalculator).depegRisk,
	queue:       (*StakingCalculator).queueRisk,
	performance: performanceRisk,
	liquidity:   stakingLiquidityRisk,
}

// rocket_pool：节点运营者表现与利用率决定罚没分，rETH 正常应有溢价
var rocketPoolProfile = stakingProfile{
	weights: stakingWeights{
		slashing:    df(0.25),
		depeg:       df(0.20),
		queue:       df(0.10),
		governance:  df(0.15),
		performance: df(0.10),
		liquidity:   df(0.10),
		contract:    df(0.10),
	},
	governance:  d(8),
	contract:    d(6),
	slashing:    rocketPoolSlashingRisk,
	depeg:       rocketPoolDepegRisk,
	queue:       fixedQueue(3),
	performance: fixedScore(5),
	liquidity:   fixedScore(7),
}

// ether_fi：额外的再质押敞口因子权重最高
var etherFiProfile = stakingProfile{
	weights: stakingWeights{
		slashing:    df(0.20),
		depeg:       df(0.18),
		queue:       df(0.08),
		governance:  df(0.12),
		performance: df(0.08),
		liquidity:   df(0.06),
		contract:    df(0.06),
		restaking:   df(0.22),
	},
	governance:  d(10),
	contract:    d(8),
	restaking:   true,
	slashing:    etherFiSlashingRisk,
	depeg:       etherFiDepegRisk,
	queue:       fixedQueue(4),
	performance: fixedScore(6),
	liquidity:   fixedScore(8),
}

func profileFor(protocol string) stakingProfile {
	switch protocol {
	case ProtocolLido:
		return lidoProfile
	case ProtocolRocketPool:
		return rocketPoolProfile
	case ProtocolEtherFi:
		return etherFiProfile
	default:
		return lidoProfile
	}
}

// StakingCalculator 流动性质押协议计算器。rocket_pool、ether_fi 使用各自档案，其余按 lido 评分。
type StakingCalculator struct {
	BaseCalculator
	cfg     StakingConfig
	source  StakingDataSource
	profile stakingProfile
}

// NewStakingCalculator source 为空时使用该协议的参考快照
func NewStakingCalculator(protocol string, cfg StakingConfig, source StakingDataSource) *StakingCalculator {
	name := position.NormalizeProtocol(protocol)
	if source == nil {
		source = StakingSnapshotFor(name)
	}
	return &StakingCalculator{
		BaseCalculator: BaseCalculator{Protocol: name},
		cfg:            cfg.withDefaults(),
		source:         source,
		profile:        profileFor(name),
	}
}

func (c *StakingCalculator) SupportedPositionTypes() []position.Kind {
	return []position.Kind{position.KindStaking, position.KindLiquidity}
}

func (c *StakingCalculator) RiskFactors() []string {
	factors := []string{
		"slashing",
		"depeg",
		"withdrawal_queue",
		"governance",
		"validator_performance",
		"liquidity",
		"smart_contract",
	}
	if c.profile.restaking {
		factors = append(factors, "restaking_exposure")
	}
	return factors
}

func (c *StakingCalculator) ValidatePosition(p position.Position) (bool, error) {
	return validateCommon(c.BaseCalculator, p)
}

func (c *StakingCalculator) CalculateRisk(ctx context.Context, positions []position.Position) (ProtocolMetrics, error) {
	if err := checkBatch(c, positions); err != nil {
		return nil, err
	}

	stats, err := c.source.ValidatorStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch validator stats: %w", err)
	}
	peg, err := c.source.PegRatio(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch peg ratio: %w", err)
	}
	queue, err := c.source.WithdrawalQueueETH(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch withdrawal queue: %w", err)
	}
	var restaking RestakingStats
	if c.profile.restaking {
		rs, ok := c.source.(RestakingDataSource)
		if !ok {
			return nil, fmt.Errorf("%s data source has no restaking stats", c.ProtocolName())
		}
		if restaking, err = rs.RestakingStats(ctx); err != nil {
			return nil, fmt.Errorf("fetch restaking stats: %w", err)
		}
	}

	prof := c.profile
	total := position.TotalValue(positions)
	m := &StakingMetrics{
		Variant:                  FamilyStaking,
		ProtocolName:             c.ProtocolName(),
		SlashingRisk:             prof.slashing(c, stats),
		DepegRisk:                prof.depeg(c, peg),
		WithdrawalQueueRisk:      prof.queue(c, queue, total),
		GovernanceRisk:           prof.governance,
		ValidatorPerformanceRisk: prof.performance(stats.APY),
		LiquidityRisk:            prof.liquidity(total),
		SmartContractRisk:        prof.contract,
		TotalValueUSD:            total,
		PegRatio:                 peg,
		StakingAPY:               stats.APY,
		ValidatorCount:           stats.Total,
		SlashedValidators:        stats.Slashed,
	}
	w := prof.weights
	overall := m.SlashingRisk.Mul(w.slashing).
		Add(m.DepegRisk.Mul(w.depeg)).
		Add(m.WithdrawalQueueRisk.Mul(w.queue)).
		Add(m.GovernanceRisk.Mul(w.governance)).
		Add(m.ValidatorPerformanceRisk.Mul(w.performance)).
		Add(m.LiquidityRisk.Mul(w.liquidity)).
		Add(m.SmartContractRisk.Mul(w.contract))
	if prof.restaking {
		r := restakingRisk(restaking)
		m.RestakingExposureRisk = decimal.NewNullDecimal(r)
		overall = overall.Add(r.Mul(w.restaking))
	}
	m.Overall = clampScore(overall)
	return m, nil
}

// slashingRisk 按罚没率分档，叠加非活跃验证者比例，上限 50
func (c *StakingCalculator) slashingRisk(s ValidatorStats) decimal.Decimal {
	if s.Total <= 0 {
		return d(50)
	}
	total := d(s.Total)
	rate := d(s.Slashed).Div(total)
	threshold := df(c.cfg.SlashingRateThreshold)

	var base decimal.Decimal
	switch {
	case rate.GreaterThan(threshold.Mul(d(2))):
		base = d(40)
	case rate.GreaterThan(threshold):
		base = d(25)
	default:
		base = d(10)
	}
	inactive := decimal.NewFromInt(1).Sub(d(s.Active).Div(total))
	return clamp(base.Add(inactive.Mul(d(20))), decimal.Zero, d(50))
}

// depegRisk 偏离 1:1 越多风险越高，上限 60
func (c *StakingCalculator) depegRisk(peg decimal.Decimal) decimal.Decimal {
	deviation := decimal.NewFromInt(1).Sub(peg).Abs()
	threshold := df(c.cfg.DepegThreshold)
	switch {
	case deviation.GreaterThan(threshold.Mul(d(5))):
		return clamp(d(40).Add(deviation.Mul(d(200))), decimal.Zero, d(60))
	case deviation.GreaterThan(threshold):
		return d(20)
	default:
		return d(5)
	}
}

func (c *StakingCalculator) queueRisk(queueETH, positionUSD decimal.Decimal) decimal.Decimal {
	threshold := df(c.cfg.QueueThresholdETH)
	base := d(5)
	if queueETH.GreaterThan(threshold) {
		base = clamp(d(15).Mul(queueETH.Div(threshold)), decimal.Zero, d(40))
	}
	var sizeAdj decimal.Decimal
	switch {
	case positionUSD.GreaterThan(d(1_000_000)):
		sizeAdj = d(10)
	case positionUSD.GreaterThan(d(100_000)):
		sizeAdj = d(5)
	default:
		sizeAdj = decimal.Zero
	}
	return clamp(base.Add(sizeAdj), decimal.Zero, d(45))
}

func performanceRisk(apy decimal.Decimal) decimal.Decimal {
	switch {
	case apy.LessThan(d(3)):
		return d(25)
	case apy.LessThan(d(4)):
		return d(15)
	default:
		return d(8)
	}
}

func stakingLiquidityRisk(total decimal.Decimal) decimal.Decimal {
	switch {
	case total.GreaterThan(d(10_000_000)):
		return d(30)
	case total.GreaterThan(d(1_000_000)):
		return d(20)
	default:
		return d(10)
	}
}

// activeRatio 活跃验证者占比，总数未知时视为全部活跃
func activeRatio(s ValidatorStats) decimal.Decimal {
	if s.Total <= 0 {
		return decimal.NewFromInt(1)
	}
	return d(s.Active).Div(d(s.Total))
}

// rocketPoolSlashingRisk 按节点在线率分档，利用率过低或过高再加分，上限 30
func rocketPoolSlashingRisk(_ *StakingCalculator, s ValidatorStats) decimal.Decimal {
	perf := activeRatio(s)
	var base decimal.Decimal
	switch {
	case perf.LessThan(df(0.85)):
		base = d(25)
	case perf.LessThan(df(0.92)):
		base = d(15)
	default:
		base = d(8)
	}
	if u := s.Utilization; u.IsPositive() {
		switch {
		case u.LessThan(df(0.7)):
			base = base.Add(d(8))
		case u.GreaterThan(df(0.95)):
			base = base.Add(d(5))
		}
	}
	return decimal.Min(base, d(30))
}

// rocketPoolDepegRisk rETH 折价风险最高，溢价过低或过高次之
func rocketPoolDepegRisk(_ *StakingCalculator, peg decimal.Decimal) decimal.Decimal {
	premium := peg.Sub(decimal.NewFromInt(1))
	switch {
	case premium.LessThan(df(-0.02)):
		return d(25)
	case premium.GreaterThan(df(0.08)):
		return d(20)
	case premium.LessThan(df(0.005)):
		return d(15)
	default:
		return d(5)
	}
}

// etherFiSlashingRisk 按验证者在线率分档，叠加近期罚没次数，上限 25
func etherFiSlashingRisk(_ *StakingCalculator, s ValidatorStats) decimal.Decimal {
	perf := activeRatio(s)
	var base decimal.Decimal
	switch {
	case perf.LessThan(df(0.85)):
		base = d(20)
	case perf.LessThan(df(0.92)):
		base = d(12)
	default:
		base = d(6)
	}
	switch {
	case s.Slashed > 5:
		base = base.Add(d(8))
	case s.Slashed > 2:
		base = base.Add(d(4))
	}
	return decimal.Min(base, d(25))
}

func etherFiDepegRisk(_ *StakingCalculator, peg decimal.Decimal) decimal.Decimal {
	deviation := peg.Sub(decimal.NewFromInt(1)).Abs()
	switch {
	case deviation.GreaterThan(df(0.05)):
		return d(20)
	case deviation.GreaterThan(df(0.02)):
		return d(12)
	case deviation.GreaterThan(df(0.01)):
		return d(8)
	default:
		return d(3)
	}
}

// restakingRisk 再质押占比分档，AVS 数量越多越复杂，上限 30
func restakingRisk(r RestakingStats) decimal.Decimal {
	ratio := decimal.Zero
	if r.TotalStakedETH.IsPositive() {
		ratio = r.RestakedETH.Div(r.TotalStakedETH)
	}
	var base decimal.Decimal
	switch {
	case ratio.GreaterThan(df(0.8)):
		base = d(25)
	case ratio.GreaterThan(df(0.6)):
		base = d(18)
	case ratio.GreaterThan(df(0.4)):
		base = d(12)
	case ratio.GreaterThan(df(0.2)):
		base = d(8)
	default:
		base = d(4)
	}
	switch {
	case r.ActiveAVS > 10:
		base = base.Add(d(5))
	case r.ActiveAVS > 5:
		base = base.Add(d(3))
	}
	return decimal.Min(base, d(30))
}
