package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"defi-risk-go/position"
)

// Weighting 组合均值的加权方式
type Weighting string

const (
	WeightingEqual Weighting = "equal"
	WeightingValue Weighting = "value"
)

// OrchestratorConfig 编排器配置，实例创建后只读
type OrchestratorConfig struct {
	EnableCrossProtocolAnalysis bool      `yaml:"enable_cross_protocol_analysis"`
	ConcentrationRiskThreshold  float64   `yaml:"concentration_risk_threshold" validate:"gt=0,lte=1"`
	CorrelationAnalysisEnabled  bool      `yaml:"correlation_analysis_enabled"`
	MaxConcurrentCalculations   int       `yaml:"max_concurrent_calculations" validate:"gte=1,lte=256"`
	CacheDurationMinutes        int       `yaml:"cache_duration_minutes" validate:"gte=0"`
	Weighting                   Weighting `yaml:"weighting" validate:"omitempty,oneof=equal value"`
}

// DefaultOrchestratorConfig 默认配置
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		EnableCrossProtocolAnalysis: true,
		ConcentrationRiskThreshold:  0.3,
		CorrelationAnalysisEnabled:  true,
		MaxConcurrentCalculations:   10,
		CacheDurationMinutes:        5,
		Weighting:                   WeightingEqual,
	}
}

// 组合分数的惩罚系数与建议阈值
var (
	concentrationPenalty = df(0.30)
	correlationPenalty   = df(0.20)

	highProtocolRisk      = d(70)
	notableProtocolRisk   = d(60)
	highConcentration     = d(30)
	highCorrelation       = d(40)
	minDiversifiedHolding = 3
)

const (
	recConcentration = "Consider diversifying across more protocols to reduce concentration risk"
	recHighRisk      = "High risk detected in %s protocol - consider reducing exposure"
	recDiversify     = "Consider diversifying across more DeFi protocols"

	factorConcentration = "High concentration risk"
	factorProtocol      = "%s protocol risk"
	factorCorrelation   = "Cross-protocol correlation risk"
)

// Recorder 计算过程的指标上报接口
type Recorder interface {
	ObserveProtocolCalculation(protocol string, elapsed time.Duration, err error)
	ObservePortfolio(m *PortfolioRiskMetrics)
	SetRegisteredCalculators(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveProtocolCalculation(string, time.Duration, error) {}
func (nopRecorder) ObservePortfolio(*PortfolioRiskMetrics)                  {}
func (nopRecorder) SetRegisteredCalculators(int)                            {}

// Option 编排器可选项
type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

func WithCorrelationEstimator(e CorrelationEstimator) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.correlation = e
		}
	}
}

func WithClock(c Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// Orchestrator 按协议路由仓位到计算器，并把各协议结果聚合为组合评估。
// 计算器注册只在启动阶段进行；计算器调用不持有注册表锁。
type Orchestrator struct {
	cfg OrchestratorConfig

	mu          sync.RWMutex
	calculators map[string]Calculator

	logger      *zap.Logger
	recorder    Recorder
	correlation CorrelationEstimator
	clock       Clock
}

// NewOrchestrator 创建编排器
func NewOrchestrator(cfg OrchestratorConfig, opts ...Option) *Orchestrator {
	if cfg.MaxConcurrentCalculations <= 0 {
		cfg.MaxConcurrentCalculations = 1
	}
	if cfg.Weighting == "" {
		cfg.Weighting = WeightingEqual
	}
	o := &Orchestrator{
		cfg:         cfg,
		calculators: make(map[string]Calculator),
		logger:      zap.NewNop(),
		recorder:    nopRecorder{},
		correlation: NewFixedCorrelation(),
		clock:       SystemClock,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config 返回配置副本
func (o *Orchestrator) Config() OrchestratorConfig { return o.cfg }

// RegisterCalculator 以小写协议名注册，同名覆盖
func (o *Orchestrator) RegisterCalculator(c Calculator) {
	key := position.NormalizeProtocol(c.ProtocolName())

	o.mu.Lock()
	_, replaced := o.calculators[key]
	o.calculators[key] = c
	n := len(o.calculators)
	o.mu.Unlock()

	o.recorder.SetRegisteredCalculators(n)
	o.logger.Info("risk calculator registered",
		zap.String("protocol", key),
		zap.String("version", c.Version()),
		zap.Bool("replaced", replaced))
}

// SupportedProtocols 已注册协议，按字母序
func (o *Orchestrator) SupportedProtocols() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.calculators))
	for k := range o.calculators {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IsProtocolSupported 大小写不敏感
func (o *Orchestrator) IsProtocolSupported(protocol string) bool {
	_, ok := o.lookup(protocol)
	return ok
}

func (o *Orchestrator) lookup(protocol string) (Calculator, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.calculators[position.NormalizeProtocol(protocol)]
	return c, ok
}

// CalculateProtocolRisk 计算单个协议风险，错误直接返回给调用方。
func (o *Orchestrator) CalculateProtocolRisk(ctx context.Context, protocol string, positions []position.Position) (m ProtocolMetrics, err error) {
	key := position.NormalizeProtocol(protocol)
	start := time.Now()
	defer func() {
		o.recorder.ObserveProtocolCalculation(key, time.Since(start), err)
	}()

	calc, ok := o.lookup(key)
	if !ok {
		return nil, &CalculatorNotFoundError{Protocol: protocol}
	}

	handled := make([]position.Position, 0, len(positions))
	for _, p := range positions {
		if calc.CanHandlePosition(p) {
			handled = append(handled, p)
		}
	}
	if len(handled) == 0 {
		return nil, invalidPosition("no valid positions for protocol %s", key)
	}
	if dropped := len(positions) - len(handled); dropped > 0 {
		o.logger.Warn("positions dropped: protocol mismatch",
			zap.String("protocol", key),
			zap.Int("dropped", dropped),
			zap.Int("kept", len(handled)))
	}

	o.logger.Debug("calculating protocol risk",
		zap.String("protocol", key),
		zap.Int("position_count", len(handled)))

	// 第三方计算器 panic 视为该协议失败，不影响调用方
	if rec := panics.Try(func() { m, err = calc.CalculateRisk(ctx, handled) }); rec != nil {
		m, err = nil, rec.AsError()
	}
	if err != nil {
		return nil, fmt.Errorf("calculate %s risk: %w", key, err)
	}
	return m, nil
}

type protocolResult struct {
	protocol string
	value    decimal.Decimal
	metrics  ProtocolMetrics
	err      error
}

// CalculatePortfolioRisk 按协议分组并发计算，再聚合为组合评估。
// 单协议失败只记录日志并从结果中剔除；ctx 取消时丢弃整个结果并返回 ctx 错误。
func (o *Orchestrator) CalculatePortfolioRisk(ctx context.Context, positions []position.Position) (*PortfolioRiskMetrics, error) {
	groups := position.GroupByProtocol(positions)
	protocols := make([]string, 0, len(groups))
	for k := range groups {
		protocols = append(protocols, k)
	}
	sort.Strings(protocols)

	p := pool.NewWithResults[protocolResult]().WithMaxGoroutines(o.cfg.MaxConcurrentCalculations)
	for _, name := range protocols {
		name, group := name, groups[name]
		p.Go(func() protocolResult {
			m, err := o.CalculateProtocolRisk(ctx, name, group)
			return protocolResult{protocol: name, value: position.TotalValue(group), metrics: m, err: err}
		})
	}
	results := p.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].protocol < results[j].protocol })

	out := &PortfolioRiskMetrics{
		TotalValueUSD:                decimal.Zero,
		ProtocolRisks:                make(map[string]ProtocolMetrics),
		ProtocolValues:               make(map[string]decimal.Decimal),
		ConcentrationRisk:            decimal.Zero,
		CrossProtocolCorrelationRisk: decimal.Zero,
		OverallPortfolioRisk:         decimal.Zero,
		Recommendations:              []string{},
		TopRiskFactors:               []string{},
		FailedProtocols:              []string{},
		AssessedAt:                   o.clock.Now(),
	}

	var succeeded []protocolResult
	for _, r := range results {
		if r.err != nil {
			o.logger.Warn("protocol risk calculation failed",
				zap.String("protocol", r.protocol),
				zap.Int("position_count", len(groups[r.protocol])),
				zap.Error(r.err))
			out.FailedProtocols = append(out.FailedProtocols, r.protocol)
			continue
		}
		succeeded = append(succeeded, r)
		out.ProtocolRisks[r.protocol] = r.metrics
		out.ProtocolValues[r.protocol] = r.value
		out.TotalValueUSD = out.TotalValueUSD.Add(r.value)
	}

	if len(succeeded) == 0 {
		if len(results) > 0 {
			out.Recommendations = o.recommendations(nil, decimal.Zero)
		}
		o.recorder.ObservePortfolio(out)
		return out, nil
	}

	if o.cfg.EnableCrossProtocolAnalysis {
		out.ConcentrationRisk = concentrationRisk(succeeded, out.TotalValueUSD)
		if o.cfg.CorrelationAnalysisEnabled {
			out.CrossProtocolCorrelationRisk = o.correlationRisk(ctx, succeeded)
		}
	}

	out.OverallPortfolioRisk = clampScore(
		o.meanProtocolRisk(succeeded).
			Add(out.ConcentrationRisk.Mul(concentrationPenalty)).
			Add(out.CrossProtocolCorrelationRisk.Mul(correlationPenalty)),
	)
	out.Recommendations = o.recommendations(succeeded, out.ConcentrationRisk)
	out.TopRiskFactors = topRiskFactors(succeeded, out.ConcentrationRisk, out.CrossProtocolCorrelationRisk)

	o.logger.Info("portfolio risk calculated",
		zap.Int("protocols", len(succeeded)),
		zap.Int("failed", len(out.FailedProtocols)),
		zap.String("total_value_usd", out.TotalValueUSD.StringFixed(2)),
		zap.String("risk_score", out.OverallPortfolioRisk.StringFixed(2)))
	o.recorder.ObservePortfolio(out)
	return out, nil
}

// concentrationRisk HHI*100，上限 100；总价值为 0 时无法计算份额，返回 0
func concentrationRisk(results []protocolResult, total decimal.Decimal) decimal.Decimal {
	if !total.IsPositive() {
		return decimal.Zero
	}
	sumSquares := decimal.Zero
	for _, r := range results {
		sumSquares = sumSquares.Add(r.value.Mul(r.value))
	}
	// 单次除法，结果不低于 100/n
	return decimal.Min(sumSquares.Mul(hundred).Div(total.Mul(total)), scoreCeiling)
}

func (o *Orchestrator) correlationRisk(ctx context.Context, results []protocolResult) decimal.Decimal {
	exposures := make([]Exposure, 0, len(results))
	for _, r := range results {
		exposures = append(exposures, Exposure{Protocol: r.protocol, ValueUSD: r.value, Metrics: r.metrics})
	}
	score, err := o.correlation.EstimateCorrelationRisk(ctx, exposures)
	if err != nil {
		o.logger.Warn("correlation estimate failed", zap.Error(err))
		return decimal.Zero
	}
	return clampScore(score)
}

func (o *Orchestrator) meanProtocolRisk(results []protocolResult) decimal.Decimal {
	scores := make([]decimal.Decimal, 0, len(results))
	ones := make([]decimal.Decimal, 0, len(results))
	values := make([]decimal.Decimal, 0, len(results))
	for _, r := range results {
		scores = append(scores, r.metrics.OverallRiskScore())
		ones = append(ones, decimal.NewFromInt(1))
		values = append(values, r.value)
	}
	equal := weightedAverage(scores, ones, decimal.Zero)
	if o.cfg.Weighting == WeightingValue {
		return weightedAverage(scores, values, equal)
	}
	return equal
}

func (o *Orchestrator) recommendations(results []protocolResult, concentration decimal.Decimal) []string {
	recs := []string{}
	if concentration.GreaterThan(df(o.cfg.ConcentrationRiskThreshold).Mul(hundred)) {
		recs = append(recs, recConcentration)
	}
	for _, r := range results {
		if r.metrics.OverallRiskScore().GreaterThan(highProtocolRisk) {
			recs = append(recs, fmt.Sprintf(recHighRisk, r.protocol))
		}
	}
	if len(results) < minDiversifiedHolding {
		recs = append(recs, recDiversify)
	}
	return recs
}

func topRiskFactors(results []protocolResult, concentration, correlation decimal.Decimal) []string {
	factors := []string{}
	if concentration.GreaterThan(highConcentration) {
		factors = append(factors, factorConcentration)
	}
	for _, r := range results {
		if r.metrics.OverallRiskScore().GreaterThan(notableProtocolRisk) {
			factors = append(factors, fmt.Sprintf(factorProtocol, r.protocol))
		}
	}
	if correlation.GreaterThan(highCorrelation) {
		factors = append(factors, factorCorrelation)
	}
	return factors
}

// Statistics 编排器运行信息
type Statistics struct {
	RegisteredCalculators int                `json:"registered_calculators"`
	SupportedProtocols    []string           `json:"supported_protocols"`
	Calculators           []CalculatorInfo   `json:"calculators"`
	Config                OrchestratorConfig `json:"config"`
}

// Statistics 返回注册信息与配置
func (o *Orchestrator) Statistics() Statistics {
	protocols := o.SupportedProtocols()
	infos := make([]CalculatorInfo, 0, len(protocols))
	for _, name := range protocols {
		if c, ok := o.lookup(name); ok {
			infos = append(infos, Describe(c))
		}
	}
	return Statistics{
		RegisteredCalculators: len(protocols),
		SupportedProtocols:    protocols,
		Calculators:           infos,
		Config:                o.cfg,
	}
}
