package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	appconfig "defi-risk-go/config"
)

const validYAML = "env: dev\norchestrator:\n  max_concurrent_calculations: 3\n"

func newTestReloader(t *testing.T, cfg HotReloadConfig) (*HotReloader, string) {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(validYAML), 0644); err != nil {
		t.Fatalf("Failed to create temp config: %v", err)
	}
	reloader, err := NewHotReloader(configPath, cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create hot reloader: %v", err)
	}
	t.Cleanup(func() { reloader.Stop() })
	return reloader, configPath
}

func TestHotReloader_New(t *testing.T) {
	reloader, configPath := newTestReloader(t, DefaultHotReloadConfig())
	if reloader.configPath != configPath {
		t.Errorf("Expected config path %s, got %s", configPath, reloader.configPath)
	}
	if !reloader.GetLastReloadTime().IsZero() {
		t.Error("last reload should be zero before any change")
	}
}

func TestHotReloader_HandleConfigChangeAppliesValidConfig(t *testing.T) {
	reloader, _ := newTestReloader(t, HotReloadConfig{Enabled: true})

	var got appconfig.AppConfig
	reloader.SetReloadHandler(func(cfg appconfig.AppConfig) error {
		got = cfg
		return nil
	})
	reloader.handleConfigChange()

	if got.Orchestrator.MaxConcurrentCalculations != 3 {
		t.Fatalf("handler did not receive loaded config: %+v", got.Orchestrator)
	}
	if reloads, failures := reloader.Counts(); reloads != 1 || failures != 0 {
		t.Errorf("counts = %d/%d", reloads, failures)
	}
}

func TestHotReloader_InvalidConfigKeepsOld(t *testing.T) {
	reloader, configPath := newTestReloader(t, HotReloadConfig{Enabled: true})
	if err := os.WriteFile(configPath, []byte("env: dev\norchestrator:\n  max_concurrent_calculations: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	called := false
	reloader.SetReloadHandler(func(appconfig.AppConfig) error {
		called = true
		return nil
	})
	reloader.handleConfigChange()

	if called {
		t.Fatal("handler must not run for an invalid config")
	}
	if _, failures := reloader.Counts(); failures != 1 {
		t.Errorf("failures = %d, want 1", failures)
	}
}

func TestHotReloader_HandlerErrorCounted(t *testing.T) {
	reloader, _ := newTestReloader(t, HotReloadConfig{Enabled: true})
	reloader.SetReloadHandler(func(appconfig.AppConfig) error { return errors.New("rebuild failed") })
	reloader.handleConfigChange()

	if reloads, failures := reloader.Counts(); reloads != 0 || failures != 1 {
		t.Errorf("counts = %d/%d", reloads, failures)
	}
	if !reloader.GetLastReloadTime().IsZero() {
		t.Error("failed reload must not update last reload time")
	}
}

func TestHotReloader_Cooldown(t *testing.T) {
	reloader, _ := newTestReloader(t, HotReloadConfig{Enabled: true, CooldownTime: time.Hour})
	n := 0
	reloader.SetReloadHandler(func(appconfig.AppConfig) error { n++; return nil })

	reloader.handleConfigChange()
	reloader.handleConfigChange()

	if n != 1 {
		t.Errorf("expected 1 reload within cooldown, got %d", n)
	}
}

func TestHotReloader_WatchesFileWrites(t *testing.T) {
	reloader, configPath := newTestReloader(t, HotReloadConfig{Enabled: true})
	reloader.SetLoader(appconfig.Load)

	applied := make(chan int, 4)
	reloader.SetReloadHandler(func(cfg appconfig.AppConfig) error {
		select {
		case applied <- cfg.Orchestrator.MaxConcurrentCalculations:
		default:
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := reloader.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := os.WriteFile(configPath, []byte("env: dev\norchestrator:\n  max_concurrent_calculations: 7\n"), 0644); err != nil {
		t.Fatal(err)
	}

	// 截断与写入可能产生多个事件，等到最终内容生效即可
	deadline := time.After(3 * time.Second)
	for {
		select {
		case n := <-applied:
			if n == 7 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}

func TestHotReloader_DisabledIsNoop(t *testing.T) {
	reloader, _ := newTestReloader(t, HotReloadConfig{Enabled: false})
	if err := reloader.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := reloader.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
