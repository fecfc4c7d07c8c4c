package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"defi-risk-go/risk"
)

// Monitor Prometheus监控指标收集器，实现 risk.Recorder
type Monitor struct {
	registry *prometheus.Registry

	// 协议计算指标
	calculations          *prometheus.CounterVec
	calculationLatency    *prometheus.HistogramVec
	protocolRiskScore     *prometheus.GaugeVec
	registeredCalculators prometheus.Gauge

	// 组合指标
	assessments       prometheus.Counter
	overallRisk       prometheus.Gauge
	overallRiskDist   prometheus.Histogram
	concentrationRisk prometheus.Gauge
	correlationRisk   prometheus.Gauge
	failedProtocols   prometheus.Counter
	portfolioValue    prometheus.Gauge

	// 任务与告警
	assessmentErrors *prometheus.CounterVec
	lastAssessment   prometheus.Gauge
	alertsSent       *prometheus.CounterVec
	configReloads    *prometheus.CounterVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "defi_risk",
		Subsystem: "engine",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Monitor{
		registry: reg,

		calculations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "protocol_calculations_total",
			Help:      "协议风险计算次数（按结果分类）",
		}, []string{"protocol", "status"}),
		calculationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "protocol_calculation_seconds",
			Help:      "协议风险计算耗时分布（秒）",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"protocol"}),
		protocolRiskScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "protocol_risk_score",
			Help:      "最近一次评估的协议风险分数",
		}, []string{"protocol"}),
		registeredCalculators: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "registered_calculators",
			Help:      "已注册的协议计算器数量",
		}),

		assessments: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "portfolio_assessments_total",
			Help:      "组合评估次数",
		}),
		overallRisk: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "portfolio_overall_risk",
			Help:      "最近一次组合总体风险分数",
		}),
		overallRiskDist: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "portfolio_overall_risk_distribution",
			Help:      "组合总体风险分数分布",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		concentrationRisk: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "portfolio_concentration_risk",
			Help:      "最近一次组合集中度风险（HHI*100）",
		}),
		correlationRisk: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "portfolio_correlation_risk",
			Help:      "最近一次跨协议相关性风险",
		}),
		failedProtocols: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "portfolio_failed_protocols_total",
			Help:      "组合评估中被剔除的协议累计数",
		}),
		portfolioValue: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "portfolio_value_usd",
			Help:      "最近一次评估的组合美元价值",
		}),

		assessmentErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "assessment_errors_total",
			Help:      "评估任务错误数",
		}, []string{"stage"}),
		lastAssessment: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "last_assessment_timestamp_seconds",
			Help:      "最近一次完成评估的 Unix 时间",
		}),
		alertsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "alerts_sent_total",
			Help:      "发送的告警数",
		}, []string{"level"}),
		configReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "config_reloads_total",
			Help:      "配置热更新次数",
		}, []string{"result"}),
	}
}

// CalculationStatus 将计算错误归类为指标标签
func CalculationStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, risk.ErrCalculatorNotFound):
		return "not_found"
	case errors.Is(err, risk.ErrInvalidPosition):
		return "invalid_position"
	case errors.Is(err, risk.ErrValidation):
		return "validation_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// ObserveProtocolCalculation 记录单协议计算结果与耗时
func (m *Monitor) ObserveProtocolCalculation(protocol string, elapsed time.Duration, err error) {
	m.calculations.WithLabelValues(protocol, CalculationStatus(err)).Inc()
	m.calculationLatency.WithLabelValues(protocol).Observe(elapsed.Seconds())
}

// ObservePortfolio 记录组合评估结果
func (m *Monitor) ObservePortfolio(p *risk.PortfolioRiskMetrics) {
	if p == nil {
		return
	}
	overall := p.OverallPortfolioRisk.InexactFloat64()
	m.assessments.Inc()
	m.overallRisk.Set(overall)
	m.overallRiskDist.Observe(overall)
	m.concentrationRisk.Set(p.ConcentrationRisk.InexactFloat64())
	m.correlationRisk.Set(p.CrossProtocolCorrelationRisk.InexactFloat64())
	m.portfolioValue.Set(p.TotalValueUSD.InexactFloat64())
	m.failedProtocols.Add(float64(len(p.FailedProtocols)))
	for protocol, metrics := range p.ProtocolRisks {
		m.protocolRiskScore.WithLabelValues(protocol).Set(metrics.OverallRiskScore().InexactFloat64())
	}
	m.lastAssessment.Set(float64(p.AssessedAt.Unix()))
}

// SetRegisteredCalculators 更新计算器数量
func (m *Monitor) SetRegisteredCalculators(n int) {
	m.registeredCalculators.Set(float64(n))
}

// RecordAssessmentError 记录评估任务在某阶段的失败
func (m *Monitor) RecordAssessmentError(stage string) {
	m.assessmentErrors.WithLabelValues(stage).Inc()
}

// RecordAlert 记录告警发送
func (m *Monitor) RecordAlert(level string) {
	m.alertsSent.WithLabelValues(level).Inc()
}

// RecordConfigReload 记录配置热更新结果
func (m *Monitor) RecordConfigReload(ok bool) {
	result := "ok"
	if !ok {
		result = "rejected"
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
