package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	appconfig "defi-risk-go/config"
	"defi-risk-go/internal/config"
	"defi-risk-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "riskd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	c, err := container.New(cfgPath)
	if err != nil {
		return err
	}
	if err := c.Build(); err != nil {
		return err
	}
	log := c.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		return err
	}

	// 配置热更新：校验失败或重建失败时保留旧的编排器
	cfg := c.Config()
	reloader, err := config.NewHotReloader(cfgPath, config.HotReloadConfig{
		Enabled:      cfg.HotReload.Enabled,
		CooldownTime: cfg.HotReload.Cooldown,
	}, log.Logger)
	if err != nil {
		_ = c.Stop()
		return err
	}
	reloader.SetLoader(func(path string) (appconfig.AppConfig, error) {
		next, err := appconfig.LoadWithEnvOverrides(path)
		if err != nil {
			c.Monitor().RecordConfigReload(false)
		}
		return next, err
	})
	reloader.SetReloadHandler(c.Reload)
	if err := reloader.Start(ctx); err != nil {
		log.Warn("hot reload disabled", zap.Error(err))
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify ready failed", zap.Error(err))
	} else if sent {
		log.Info("systemd notified ready")
	}

	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go watchdog(ctx, c, interval/2)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		if sig == syscall.SIGHUP {
			log.Info("SIGHUP received, reloading config")
			reloader.Trigger()
			continue
		}
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		break
	}
	signal.Stop(quit)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	_ = reloader.Stop()
	cancel()
	return c.Stop()
}

// watchdog 组件健康时才向 systemd 发送心跳，不健康时由 systemd 重启进程
func watchdog(ctx context.Context, c *container.Container, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(); err != nil {
				c.Logger().Warn("health check failed, skipping watchdog ping", zap.Error(err))
				continue
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
