package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"defi-risk-go/infrastructure/logger"
	"defi-risk-go/risk"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env     string        `yaml:"env" validate:"required,oneof=dev test staging prod"`
	Log     logger.Config `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`

	Orchestrator risk.OrchestratorConfig `yaml:"orchestrator"`
	Vault        risk.VaultConfig        `yaml:"vault"`
	Staking      risk.StakingConfig      `yaml:"staking"`
	Correlation  CorrelationConfig       `yaml:"correlation"`

	// 各类计算器覆盖的协议，启动时一次性注册
	VaultProtocols   []string `yaml:"vault_protocols" validate:"dive,required"`
	StakingProtocols []string `yaml:"staking_protocols" validate:"dive,required"`
	GenericProtocols []string `yaml:"generic_protocols" validate:"dive,required"`

	Engine    EngineConfig    `yaml:"engine"`
	Alerts    AlertConfig     `yaml:"alerts"`
	HotReload HotReloadConfig `yaml:"hot_reload"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr" validate:"required_if=Enabled true"`
	Namespace string `yaml:"namespace" validate:"required"`
}

// CorrelationConfig 相关性估计策略：fixed 返回常数，family 按协议类别估计
type CorrelationConfig struct {
	Strategy   string  `yaml:"strategy" validate:"oneof=fixed family"`
	FixedScore float64 `yaml:"fixed_score" validate:"gte=0,lte=100"`
}

// EngineConfig 周期评估任务
type EngineConfig struct {
	PositionsFile string        `yaml:"positions_file"`
	Interval      time.Duration `yaml:"interval" validate:"gte=0"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
}

type AlertConfig struct {
	Enabled          bool          `yaml:"enabled"`
	WarningScore     float64       `yaml:"warning_score" validate:"gt=0,lte=100"`
	CriticalScore    float64       `yaml:"critical_score" validate:"gtfield=WarningScore,lte=100"`
	ThrottleInterval time.Duration `yaml:"throttle_interval" validate:"gte=0"`
}

type HotReloadConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Cooldown time.Duration `yaml:"cooldown" validate:"gte=0"`
}

// Default 返回默认配置，Load 在其基础上覆盖 YAML 中出现的字段。
func Default() AppConfig {
	return AppConfig{
		Env: "dev",
		Log: logger.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:   true,
			Addr:      ":9100",
			Namespace: "defi_risk",
		},
		Orchestrator:     risk.DefaultOrchestratorConfig(),
		Vault:            risk.DefaultVaultConfig(),
		Staking:          risk.DefaultStakingConfig(),
		Correlation:      CorrelationConfig{Strategy: "fixed", FixedScore: risk.DefaultCorrelationScore},
		VaultProtocols:   []string{"beefy", "yearn", "convex"},
		StakingProtocols: []string{"lido", "rocket_pool", "ether_fi"},
		GenericProtocols: []string{"uniswap_v3", "aave_v3", "compound_v3", "curve", "balancer"},
		Engine: EngineConfig{
			Interval: time.Minute,
			Timeout:  30 * time.Second,
		},
		Alerts: AlertConfig{
			Enabled:          true,
			WarningScore:     60,
			CriticalScore:    80,
			ThrottleInterval: 15 * time.Minute,
		},
		HotReload: HotReloadConfig{Enabled: true, Cooldown: 5 * time.Second},
	}
}

// Load reads YAML config from path and applies validation.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides deployment fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("RISK_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("RISK_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RISK_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("RISK_POSITIONS_FILE"); v != "" {
		cfg.Engine.PositionsFile = v
	}
	return cfg, Validate(cfg)
}
