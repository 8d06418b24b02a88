package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

const (
	// ProjectConfigFile is the name of the project-level config file.
	ProjectConfigFile = "overlord.yaml"
	// UserConfigDir is the directory for user-level config.
	UserConfigDir = ".config/overlord"
	// UserConfigFile is the name of the user-level config file.
	UserConfigFile = "config.yaml"
	// DefaultStateSubdir is the state directory under the user home.
	DefaultStateSubdir = ".local/state/overlord"
)

// Environment variables recognized by the loader.
const (
	EnvConfigPath   = "OVERLORD_CONFIG"
	EnvStateDir     = "OVERLORD_STATE_DIR"
	EnvDailyCeiling = "OVERLORD_DAILY_CEILING_USD"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/overlord/config.yaml)
// 3. Project config (overlord.yaml in current or parent directories),
// or the file named by OVERLORD_CONFIG when set
// 4. Environment variable overrides
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		config.Merge(userConfig)
	} else if !os.IsNotExist(err) {
		l.logger.Warn("Failed to load user config",
			slog.String("path", userConfigPath),
			slog.String("error", err.Error()))
	}

	projectConfigPath := os.Getenv(EnvConfigPath)
	if projectConfigPath == "" {
		projectConfigPath = l.findProjectConfig()
	}
	if projectConfigPath != "" {
		projectConfig, err := LoadFromFile(projectConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", projectConfigPath, err)
		}
		l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
		config.Merge(projectConfig)
	} else {
		l.logger.Debug("No project config found")
	}

	l.applyEnv(config)

	if config.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		config.StateDir = filepath.Join(home, DefaultStateSubdir)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// FindConfigPath returns the config file that Load would read, or "".
func (l *Loader) FindConfigPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if p := l.findProjectConfig(); p != "" {
		return p
	}
	if _, err := os.Stat(l.userConfigPath()); err == nil {
		return l.userConfigPath()
	}
	return ""
}

// applyEnv overlays recognized environment variables.
func (l *Loader) applyEnv(config *Config) {
	if dir := os.Getenv(EnvStateDir); dir != "" {
		config.StateDir = dir
	}
	if v := os.Getenv(EnvDailyCeiling); v != "" {
		ceiling, err := strconv.ParseFloat(v, 64)
		if err != nil {
			l.logger.Warn("Ignoring invalid daily ceiling override",
				slog.String("value", v))
		} else {
			config.CostControls.DailyCeilingUSD = ceiling
		}
	}
}

// userConfigPath returns the path to the user-level config file.
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches the current directory and its parents
// for overlord.yaml.
func (l *Loader) findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
