package container

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"defi-risk-go/config"
	"defi-risk-go/infrastructure/alert"
	"defi-risk-go/infrastructure/logger"
	"defi-risk-go/infrastructure/monitor"
	"defi-risk-go/internal/engine"
	"defi-risk-go/internal/store"
	"defi-risk-go/risk"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg *config.AppConfig
	mu  sync.RWMutex

	// 基础设施
	logger   *logger.Logger
	monitor  *monitor.Monitor
	alertMgr *alert.Manager

	// 核心服务
	orchestrator *risk.Orchestrator
	store        *store.PositionStore
	engine       *engine.AssessmentEngine

	// HTTP服务器
	metricsServer *http.Server

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 读取配置文件创建Container实例
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewFromConfig(cfg), nil
}

// NewFromConfig 使用已加载的配置创建Container
func NewFromConfig(cfg config.AppConfig) *Container {
	return &Container{
		cfg:       &cfg,
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully",
		zap.String("env", c.cfg.Env),
		zap.Strings("protocols", c.orchestrator.SupportedProtocols()))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	monitorCfg := monitor.DefaultConfig()
	monitorCfg.Namespace = c.cfg.Metrics.Namespace
	c.monitor = monitor.New(monitorCfg)

	channels := []alert.Channel{alert.NewLogChannel("log", c.logger.Logger)}
	if c.cfg.Env == "dev" {
		channels = append(channels, alert.NewConsoleChannel("console"))
	}
	c.alertMgr = alert.NewManager(channels, c.cfg.Alerts.ThrottleInterval)

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildCoreServices() error {
	orch, err := BuildOrchestrator(*c.cfg, c.logger.Logger, c.monitor)
	if err != nil {
		return err
	}
	c.orchestrator = orch
	c.store = store.New(func(event string, fields map[string]interface{}) {
		c.logger.LogRisk(event, fields)
	})

	c.engine, err = engine.New(engine.Config{
		PositionsFile: c.cfg.Engine.PositionsFile,
		Interval:      c.cfg.Engine.Interval,
		Timeout:       c.cfg.Engine.Timeout,
		AlertsEnabled: c.cfg.Alerts.Enabled,
		Thresholds: alert.Thresholds{
			Warning:  c.cfg.Alerts.WarningScore,
			Critical: c.cfg.Alerts.CriticalScore,
		},
	}, engine.Components{
		Orchestrator: orch,
		Store:        c.store,
		AlertManager: c.alertMgr,
		Metrics:      c.monitor,
		Logger:       c.logger,
	})
	if err != nil {
		return fmt.Errorf("create engine failed: %w", err)
	}
	c.alertMgr.OnSent(c.engine.OnAlertSent)

	c.logger.Info("core services built")
	return nil
}

// BuildOrchestrator 按配置注册全部计算器与相关性估计策略
func BuildOrchestrator(cfg config.AppConfig, log *zap.Logger, rec risk.Recorder) (*risk.Orchestrator, error) {
	opts := []risk.Option{
		risk.WithLogger(log),
		risk.WithCorrelationEstimator(correlationEstimator(cfg.Correlation)),
	}
	if rec != nil {
		opts = append(opts, risk.WithRecorder(rec))
	}
	orch := risk.NewOrchestrator(cfg.Orchestrator, opts...)

	for _, p := range cfg.VaultProtocols {
		orch.RegisterCalculator(risk.NewVaultCalculator(p, cfg.Vault))
	}
	for _, p := range cfg.StakingProtocols {
		orch.RegisterCalculator(risk.NewStakingCalculator(p, cfg.Staking, nil))
	}
	for _, p := range cfg.GenericProtocols {
		orch.RegisterCalculator(risk.NewGenericCalculator(p))
	}
	if len(orch.SupportedProtocols()) == 0 {
		return nil, fmt.Errorf("no calculators configured")
	}
	return orch, nil
}

func correlationEstimator(cfg config.CorrelationConfig) risk.CorrelationEstimator {
	if cfg.Strategy == "family" {
		return risk.NewFamilyCorrelation()
	}
	return risk.FixedCorrelation{Score: decimal.NewFromFloat(cfg.FixedScore)}
}

func (c *Container) registerLifecycleComponents() {
	if c.cfg.Metrics.Enabled && c.monitor != nil {
		c.lifecycle.Register(&httpServerComponent{
			name:    "metrics_server",
			handler: c.monitor.Handler(),
			addr:    c.cfg.Metrics.Addr,
			logger:  c.logger,
			server:  &c.metricsServer,
		})
	}
	c.lifecycle.Register(&engineComponent{engine: c.engine})
}

// Reload 应用新配置：重建编排器并原子替换。日志、指标与引擎调度参数需重启生效。
func (c *Container) Reload(cfg config.AppConfig) error {
	orch, err := BuildOrchestrator(cfg, c.logger.Logger, c.monitor)
	if err != nil {
		c.monitor.RecordConfigReload(false)
		return err
	}

	c.mu.Lock()
	c.cfg = &cfg
	c.orchestrator = orch
	c.mu.Unlock()

	c.engine.SetOrchestrator(orch)
	c.monitor.RecordConfigReload(true)
	return nil
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	if err := c.lifecycle.StopAll(); err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
		return err
	}

	stats := c.engine.GetStatistics()
	c.logger.Info("container stopped",
		zap.Int64("runs", stats.TotalRuns),
		zap.Int64("assessments", stats.TotalAssessments),
		zap.Int64("alerts", stats.TotalAlerts),
		zap.Int64("errors", stats.TotalErrors))
	if c.logger != nil {
		_ = c.logger.Close()
	}
	return nil
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Config 当前生效的配置
func (c *Container) Config() config.AppConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *c.cfg
}

// Orchestrator 当前编排器
func (c *Container) Orchestrator() *risk.Orchestrator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orchestrator
}

func (c *Container) Engine() *engine.AssessmentEngine { return c.engine }

func (c *Container) Logger() *logger.Logger { return c.logger }

func (c *Container) Monitor() *monitor.Monitor { return c.monitor }
