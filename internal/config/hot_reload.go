package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	appconfig "defi-risk-go/config"
)

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled      bool          // 是否启用热更新
	CooldownTime time.Duration // 冷却时间，避免频繁更新
}

// DefaultHotReloadConfig 默认热更新配置
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{
		Enabled:      true,
		CooldownTime: 5 * time.Second,
	}
}

// ReloadHandler 接收已通过校验的新配置
type ReloadHandler func(cfg appconfig.AppConfig) error

// Loader 读取并校验配置文件
type Loader func(path string) (appconfig.AppConfig, error)

// HotReloader 配置热更新器：监听配置文件，校验通过后交给处理函数。
// 运行中的编排器配置不可变，处理函数负责重建并替换实例。
type HotReloader struct {
	config     HotReloadConfig
	configPath string
	watcher    *fsnotify.Watcher
	loader     Loader
	logger     *zap.Logger

	mu         sync.RWMutex
	handler    ReloadHandler
	lastReload time.Time
	reloads    int
	failures   int

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewHotReloader 创建热更新器
func NewHotReloader(configPath string, cfg HotReloadConfig, logger *zap.Logger) (*HotReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HotReloader{
		config:     cfg,
		configPath: filepath.Clean(configPath),
		watcher:    watcher,
		loader:     appconfig.LoadWithEnvOverrides,
		logger:     logger,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// SetReloadHandler 设置重载处理函数
func (h *HotReloader) SetReloadHandler(handler ReloadHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// SetLoader 替换配置加载函数
func (h *HotReloader) SetLoader(loader Loader) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loader = loader
}

// Start 启动热更新监听。监听所在目录，兼容编辑器的“写临时文件再改名”保存方式。
func (h *HotReloader) Start(ctx context.Context) error {
	if !h.config.Enabled {
		close(h.doneChan)
		return nil
	}

	if err := h.watcher.Add(filepath.Dir(h.configPath)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	go h.watch(ctx)
	h.logger.Info("config hot reload enabled", zap.String("path", h.configPath))
	return nil
}

// Stop 停止热更新
func (h *HotReloader) Stop() error {
	h.stopOnce.Do(func() { close(h.stopChan) })

	select {
	case <-h.doneChan:
	case <-time.After(1 * time.Second):
		// watch goroutine 可能未启动
	}

	return h.watcher.Close()
}

func (h *HotReloader) watch(ctx context.Context) {
	defer close(h.doneChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != h.configPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				h.handleConfigChange()
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Trigger 手动触发一次重载（如 SIGHUP），同样受冷却时间限制
func (h *HotReloader) Trigger() {
	h.handleConfigChange()
}

// handleConfigChange 加载、校验并应用新配置；失败时保留旧配置
func (h *HotReloader) handleConfigChange() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if time.Since(h.lastReload) < h.config.CooldownTime {
		return
	}

	cfg, err := h.loader(h.configPath)
	if err != nil {
		h.failures++
		h.logger.Warn("config reload rejected", zap.String("path", h.configPath), zap.Error(err))
		return
	}

	if h.handler != nil {
		if err := h.handler(cfg); err != nil {
			h.failures++
			h.logger.Error("failed to apply reloaded config", zap.Error(err))
			return
		}
	}

	h.lastReload = time.Now()
	h.reloads++
	h.logger.Info("config reloaded", zap.String("path", h.configPath), zap.Int("reloads", h.reloads))
}

// GetLastReloadTime 获取最后重载时间
func (h *HotReloader) GetLastReloadTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastReload
}

// Counts 成功与失败的重载次数
func (h *HotReloader) Counts() (reloads, failures int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.reloads, h.failures
}
