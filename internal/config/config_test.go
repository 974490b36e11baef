package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rtcom/eventlogger/internal/config"
)

func TestDefaultHonorsEnvHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.EnvHome, dir)

	cfg := config.Default()
	if cfg.Home != dir {
		t.Fatalf("expected Home=%q, got %q", dir, cfg.Home)
	}
	if filepath.Dir(cfg.DBPath) != cfg.ConfigDir {
		t.Fatalf("expected DBPath to live under ConfigDir, got %q vs %q", cfg.DBPath, cfg.ConfigDir)
	}
}

func TestLoadWithNoOverlayFileReturnsDefault(t *testing.T) {
	t.Setenv(config.EnvHome, t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BusyBudgetMS != 2000 {
		t.Fatalf("expected the default busy budget, got %d", cfg.BusyBudgetMS)
	}
}

func TestLoadAppliesTOMLOverlay(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.EnvHome, dir)

	configDir := filepath.Join(dir, ".rtcom-eventlogger")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.toml"), []byte("busy_budget_ms = 5000\n"), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BusyBudgetMS != 5000 {
		t.Fatalf("expected the overlay to raise the busy budget to 5000, got %d", cfg.BusyBudgetMS)
	}
}

func TestEnvPluginPathOverridesDefault(t *testing.T) {
	t.Setenv(config.EnvHome, t.TempDir())
	t.Setenv(config.EnvPluginPath, "/a/plugins"+string(os.PathListSeparator)+"/b/plugins")

	cfg := config.Default()
	if len(cfg.PluginPath) != 2 || cfg.PluginPath[0] != "/a/plugins" {
		t.Fatalf("expected plugin path split from the env var, got %v", cfg.PluginPath)
	}
}
