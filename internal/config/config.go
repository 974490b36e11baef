// Package config resolves where the event-log database, its attachment
// tree, and the plugin search path live on disk, following the same
// environment-variable-then-home-directory fallback chain the teacher
// project uses for its socket and database paths.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const (
	// EnvHome overrides the home directory the store is rooted under.
	EnvHome = "RTCOM_EVENTLOGGER_HOME"
	// EnvPluginPath overrides the built-in plugin discovery search path.
	EnvPluginPath = "RTCOM_EVENTLOGGER_PLUGIN_PATH"

	configDirName  = ".rtcom-eventlogger"
	dbFileName     = "el-v1.db"
	legacyFileName = "el.db"
	attachmentsDir = "attachments"
	configFileName = "config.toml"
)

// Config is the resolved set of paths and tunables the store needs.
type Config struct {
	Home           string
	ConfigDir      string
	DBPath         string
	LegacyDBPath   string
	AttachmentsDir string
	PluginPath     []string

	// BusyBudgetMS is the wall-clock busy-retry budget in milliseconds
	// (spec.md §4.1: 2000ms by default, overridable through the
	// busy_budget_ms key of the config.toml overlay).
	BusyBudgetMS int
}

// fileOverrides is the optional TOML overlay read from
// <config dir>/config.toml, mirroring the config-file precedent set by
// untoldecay-BeadsLog's internal/config package.
type fileOverrides struct {
	BusyBudgetMS int `toml:"busy_budget_ms"`
}

// Default resolves the default configuration from the environment.
func Default() Config {
	home := os.Getenv(EnvHome)
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = h
		}
	}
	configDir := filepath.Join(home, configDirName)
	cfg := Config{
		Home:           home,
		ConfigDir:      configDir,
		DBPath:         filepath.Join(configDir, dbFileName),
		LegacyDBPath:   filepath.Join(configDir, legacyFileName),
		AttachmentsDir: filepath.Join(configDir, attachmentsDir),
		PluginPath:     defaultPluginPath(),
		BusyBudgetMS:   2000,
	}
	if p := os.Getenv(EnvPluginPath); p != "" {
		cfg.PluginPath = filepath.SplitList(p)
	}
	return cfg
}

// Load resolves the default configuration and applies an optional
// config.toml overlay found under the config directory. A missing overlay
// file is not an error.
func Load() (Config, error) {
	cfg := Default()
	path := filepath.Join(cfg.ConfigDir, configFileName)
	var overrides fileOverrides
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if _, err := toml.DecodeFile(path, &overrides); err != nil {
		return cfg, err
	}
	if overrides.BusyBudgetMS > 0 {
		cfg.BusyBudgetMS = overrides.BusyBudgetMS
	}
	return cfg, nil
}

func defaultPluginPath() []string {
	return []string{
		"/usr/lib/rtcom-eventlogger/plugins",
		"/usr/local/lib/rtcom-eventlogger/plugins",
	}
}
