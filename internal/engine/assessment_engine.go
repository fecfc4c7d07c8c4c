package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"defi-risk-go/infrastructure/alert"
	"defi-risk-go/infrastructure/logger"
	"defi-risk-go/internal/store"
	"defi-risk-go/risk"
)

// EngineState 引擎状态
type EngineState int

const (
	// StateIdle 空闲状态
	StateIdle EngineState = iota
	// StateRunning 运行状态
	StateRunning
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// 评估失败阶段标签
const (
	StageLoadPositions = "load_positions"
	StageAssess        = "assess"
	StageAlert         = "alert"
)

var ErrNoPositions = errors.New("no positions loaded")

// Config 引擎配置
type Config struct {
	PositionsFile string        // 仓位快照文件，为空时只评估已有快照
	Interval      time.Duration // 评估间隔
	Timeout       time.Duration // 单个持有人评估超时
	AlertsEnabled bool
	Thresholds    alert.Thresholds
}

// Metrics 引擎需要的指标接口
type Metrics interface {
	RecordAssessmentError(stage string)
	RecordAlert(level string)
}

// Components 引擎依赖组件
type Components struct {
	Orchestrator *risk.Orchestrator
	Store        *store.PositionStore
	AlertManager *alert.Manager
	Metrics      Metrics
	Logger       *logger.Logger
}

// Report 单个持有人的一次评估结果
type Report struct {
	Owner   string
	Metrics *risk.PortfolioRiskMetrics
	Err     error
}

// AssessmentEngine 周期性评估所有持有人的组合风险
type AssessmentEngine struct {
	config Config

	orchestrator atomic.Pointer[risk.Orchestrator]
	store        *store.PositionStore
	alertMgr     *alert.Manager
	metrics      Metrics
	logger       *logger.Logger

	// 状态
	state EngineState
	mu    sync.RWMutex

	// 控制通道
	stopChan chan struct{}
	doneChan chan struct{}

	// 串行化 RunOnce
	runMu sync.Mutex

	latestMu sync.RWMutex
	latest   map[string]*risk.PortfolioRiskMetrics

	// 统计信息
	stats Statistics
}

// Statistics 引擎统计信息
type Statistics struct {
	StartTime        time.Time
	TotalRuns        int64
	TotalAssessments int64
	TotalErrors      int64
	TotalAlerts      int64
	LastRunTime      time.Time
	LastRunDuration  time.Duration
	mu               sync.RWMutex
}

// New 创建评估引擎
func New(cfg Config, components Components) (*AssessmentEngine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := validateComponents(components); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}

	// 设置默认值
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	e := &AssessmentEngine{
		config:   cfg,
		store:    components.Store,
		alertMgr: components.AlertManager,
		metrics:  components.Metrics,
		logger:   components.Logger,
		state:    StateIdle,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
		latest:   make(map[string]*risk.PortfolioRiskMetrics),
	}
	e.orchestrator.Store(components.Orchestrator)
	return e, nil
}

// SetOrchestrator 替换评估使用的编排器（配置热更新）。进行中的评估继续使用旧实例。
func (e *AssessmentEngine) SetOrchestrator(o *risk.Orchestrator) {
	if o == nil {
		return
	}
	e.orchestrator.Store(o)
	e.logger.Info("Orchestrator swapped", zap.Strings("protocols", o.SupportedProtocols()))
}

// Orchestrator 当前编排器
func (e *AssessmentEngine) Orchestrator() *risk.Orchestrator {
	return e.orchestrator.Load()
}

// Start 启动引擎
func (e *AssessmentEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		return fmt.Errorf("engine already started (state: %s)", e.state)
	}
	// 如果从 StateStopped 复启，需要重建通道
	if e.state == StateStopped {
		e.stopChan = make(chan struct{})
		e.doneChan = make(chan struct{})
	}
	e.state = StateRunning
	e.mu.Unlock()

	e.stats.mu.Lock()
	e.stats.StartTime = time.Now()
	e.stats.mu.Unlock()

	e.logger.Info("Assessment engine starting",
		zap.String("positions_file", e.config.PositionsFile),
		zap.Duration("interval", e.config.Interval),
		zap.Duration("timeout", e.config.Timeout),
		zap.Bool("alerts", e.config.AlertsEnabled))

	go e.run(ctx)
	return nil
}

// Stop 停止引擎（幂等）
func (e *AssessmentEngine) Stop() error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.logger.Info("Assessment engine stopping...")

	select {
	case <-e.stopChan:
	default:
		close(e.stopChan)
	}

	select {
	case <-e.doneChan:
	case <-time.After(10 * time.Second):
		e.logger.Warn("Timeout waiting for engine to stop")
	}

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()

	e.logger.Info("Assessment engine stopped")
	return nil
}

// GetState 当前状态
func (e *AssessmentEngine) GetState() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// run 主循环：启动时立即评估一次，之后按间隔执行
func (e *AssessmentEngine) run(ctx context.Context) {
	e.mu.RLock()
	stop, done := e.stopChan, e.doneChan
	e.mu.RUnlock()
	defer close(done)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	e.tick(ctx, stop)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Context done, stopping engine")
			return
		case <-stop:
			e.logger.Info("Stop signal received")
			return
		case <-ticker.C:
			e.tick(ctx, stop)
		}
	}
}

func (e *AssessmentEngine) tick(ctx context.Context, stop <-chan struct{}) {
	// stop 信号到达时中止正在进行的评估
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	if _, err := e.RunOnce(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("Assessment round failed", zap.Error(err))
	}
}

// RunOnce 执行一轮评估：刷新仓位快照，逐个持有人评估并发送告警。
// 单个持有人失败不影响其他持有人；只有没有任何可评估仓位或 ctx 取消时返回错误。
func (e *AssessmentEngine) RunOnce(ctx context.Context) ([]Report, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	start := time.Now()
	defer func() {
		e.stats.mu.Lock()
		e.stats.TotalRuns++
		e.stats.LastRunTime = start
		e.stats.LastRunDuration = time.Since(start)
		e.stats.mu.Unlock()
	}()

	if e.config.PositionsFile != "" {
		changed, err := e.store.Reload(e.config.PositionsFile)
		if err != nil {
			e.recordError(StageLoadPositions)
			e.logger.LogError(err, map[string]interface{}{"stage": StageLoadPositions, "path": e.config.PositionsFile})
		} else if changed {
			e.logger.Info("Positions reloaded",
				zap.Int("positions", e.store.Len()),
				zap.Int("owners", len(e.store.Owners())))
		}
	}

	owners := e.store.Owners()
	if len(owners) == 0 {
		return nil, ErrNoPositions
	}

	orch := e.orchestrator.Load()
	reports := make([]Report, 0, len(owners))
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		reports = append(reports, e.assessOwner(ctx, orch, owner))
	}
	return reports, nil
}

func (e *AssessmentEngine) assessOwner(ctx context.Context, orch *risk.Orchestrator, owner string) Report {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	positions := e.store.Positions(owner)
	metrics, err := orch.CalculatePortfolioRisk(ctx, positions)
	if err != nil {
		e.recordError(StageAssess)
		e.logger.LogError(err, map[string]interface{}{"stage": StageAssess, "owner": owner})
		return Report{Owner: owner, Err: err}
	}

	e.stats.mu.Lock()
	e.stats.TotalAssessments++
	e.stats.mu.Unlock()

	e.latestMu.Lock()
	e.latest[owner] = metrics
	e.latestMu.Unlock()

	summary := metrics.Summary()
	e.logger.LogAssessment(owner, map[string]interface{}{
		"positions":           len(positions),
		"value_usd":           metrics.TotalValueUSD.StringFixed(2),
		"overall_risk":        metrics.OverallPortfolioRisk.StringFixed(2),
		"risk_level":          string(summary.RiskLevel),
		"concentration_risk":  metrics.ConcentrationRisk.StringFixed(2),
		"correlation_risk":    metrics.CrossProtocolCorrelationRisk.StringFixed(2),
		"protocols_analyzed":  summary.ProtocolsAnalyzed,
		"high_risk_protocols": summary.HighRiskProtocols,
		"failed_protocols":    metrics.FailedProtocols,
	})

	e.sendAlerts(owner, metrics)
	return Report{Owner: owner, Metrics: metrics}
}

func (e *AssessmentEngine) sendAlerts(owner string, metrics *risk.PortfolioRiskMetrics) {
	if !e.config.AlertsEnabled || e.alertMgr == nil {
		return
	}
	for _, a := range alert.Evaluate(owner, metrics, e.config.Thresholds) {
		if a.Level == alert.LevelCritical {
			e.logger.LogRisk("portfolio_risk_critical", map[string]interface{}{
				"owner":        owner,
				"overall_risk": metrics.OverallPortfolioRisk.StringFixed(2),
			})
		}
		if err := e.alertMgr.SendAlert(a); err != nil {
			e.recordError(StageAlert)
			e.logger.Error("Failed to send alert", zap.String("owner", owner), zap.Error(err))
		}
	}
}

// Latest 返回某持有人最近一次成功评估的结果
func (e *AssessmentEngine) Latest(owner string) (*risk.PortfolioRiskMetrics, bool) {
	e.latestMu.RLock()
	defer e.latestMu.RUnlock()
	m, ok := e.latest[owner]
	return m, ok
}

// OnAlertSent 统计已发出的告警，供告警管理器回调
func (e *AssessmentEngine) OnAlertSent(a alert.Alert) {
	e.stats.mu.Lock()
	e.stats.TotalAlerts++
	e.stats.mu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordAlert(string(a.Level))
	}
}

func (e *AssessmentEngine) recordError(stage string) {
	e.stats.mu.Lock()
	e.stats.TotalErrors++
	e.stats.mu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordAssessmentError(stage)
	}
}

// GetStatistics 获取统计信息
func (e *AssessmentEngine) GetStatistics() Statistics {
	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()

	return Statistics{
		StartTime:        e.stats.StartTime,
		TotalRuns:        e.stats.TotalRuns,
		TotalAssessments: e.stats.TotalAssessments,
		TotalErrors:      e.stats.TotalErrors,
		TotalAlerts:      e.stats.TotalAlerts,
		LastRunTime:      e.stats.LastRunTime,
		LastRunDuration:  e.stats.LastRunDuration,
	}
}

func validateConfig(cfg Config) error {
	if cfg.Interval < 0 {
		return fmt.Errorf("interval must be >= 0")
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0")
	}
	if cfg.AlertsEnabled && cfg.Thresholds.Critical < cfg.Thresholds.Warning {
		return fmt.Errorf("critical threshold %.2f below warning %.2f", cfg.Thresholds.Critical, cfg.Thresholds.Warning)
	}
	return nil
}

func validateComponents(c Components) error {
	if c.Orchestrator == nil {
		return fmt.Errorf("orchestrator is required")
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	return nil
}
