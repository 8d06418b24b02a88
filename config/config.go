// Package config provides configuration loading and management for Overlord.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Role classifies a project's place in the ecosystem.
type Role string

// Known project roles.
const (
	RoleSharedLibrary      Role = "shared-library"
	RolePlatformDeployment Role = "platform-deployment"
	RoleFrontend           Role = "frontend"
	RoleTooling            Role = "tooling"
	RoleProvisioning       Role = "provisioning"
	RolePersonal           Role = "personal"
)

// Valid reports whether the role is a known value.
func (r Role) Valid() bool {
	switch r {
	case RoleSharedLibrary, RolePlatformDeployment, RoleFrontend, RoleTooling, RoleProvisioning, RolePersonal:
		return true
	}
	return false
}

// BranchModel describes the branching convention a project follows.
type BranchModel string

// Known branch models.
const (
	BranchModelDevelopMain BranchModel = "develop-main"
	BranchModelTrunkBased  BranchModel = "trunk-based"
	BranchModelGitflow     BranchModel = "gitflow"
)

// Valid reports whether the branch model is a known value.
func (b BranchModel) Valid() bool {
	switch b {
	case BranchModelDevelopMain, BranchModelTrunkBased, BranchModelGitflow:
		return true
	}
	return false
}

// AutonomyLevel controls how much Overlord may do without asking.
type AutonomyLevel string

// Known autonomy levels.
const (
	AutonomyCautious  AutonomyLevel = "cautious"
	AutonomyProactive AutonomyLevel = "proactive"
	AutonomyScheduled AutonomyLevel = "scheduled"
)

// Valid reports whether the autonomy level is a known value.
func (a AutonomyLevel) Valid() bool {
	switch a {
	case AutonomyCautious, AutonomyProactive, AutonomyScheduled:
		return true
	}
	return false
}

// ProjectConfig describes one managed repository.
type ProjectConfig struct {
	// Path is the repository working copy on disk.
	Path string `yaml:"path"`
	// Remote is the canonical git remote URL.
	Remote string `yaml:"remote"`
	// Role classifies the project (shared-library, frontend, ...).
	Role Role `yaml:"role"`
	// BranchModel is the branching convention (develop-main, trunk-based, gitflow).
	BranchModel BranchModel `yaml:"branch_model"`
	// DependsOn lists upstream project names.
	DependsOn []string `yaml:"depends_on"`
}

// AutonomyConfig controls the approval posture.
type AutonomyConfig struct {
	// Global is the default autonomy level.
	Global AutonomyLevel `yaml:"global"`
	// Overrides maps project name to a per-project level.
	Overrides map[string]AutonomyLevel `yaml:"overrides"`
	// PreApproved maps project name to action patterns that may run
	// unattended under the scheduled level. Patterns use doublestar globs.
	PreApproved map[string][]string `yaml:"pre_approved"`
}

// ScheduleEntry configures one scheduled task.
type ScheduleEntry struct {
	// Cron is a standard 5-field cron expression.
	Cron string `yaml:"cron"`
	// Enabled gates the entry without removing it.
	Enabled bool `yaml:"enabled"`
}

// WorkerConfig configures one worker backend.
type WorkerConfig struct {
	// Enabled gates the worker without removing its config.
	Enabled bool `yaml:"enabled"`
	// BinaryPath is the CLI binary for subprocess workers.
	BinaryPath string `yaml:"binary_path"`
	// DefaultModel is used when no override applies.
	DefaultModel string `yaml:"default_model"`
	// ModelOverrides maps task type to model.
	ModelOverrides map[string]string `yaml:"model_overrides"`
	// Timeout bounds one execution.
	Timeout time.Duration `yaml:"timeout"`
	// Endpoint is the base URL for HTTP workers.
	Endpoint string `yaml:"endpoint"`
	// APIKey is an inline credential. Prefer APIKeyEnv.
	APIKey string `yaml:"api_key"`
	// APIKeyEnv names an environment variable holding the credential.
	APIKeyEnv string `yaml:"api_key_env"`
}

// ResolveAPIKey returns the credential, preferring the environment variable.
func (w WorkerConfig) ResolveAPIKey() string {
	if w.APIKeyEnv != "" {
		if v := os.Getenv(w.APIKeyEnv); v != "" {
			return v
		}
	}
	return w.APIKey
}

// CostControls bounds daily spend.
type CostControls struct {
	// DailyCeilingUSD is the hard daily spend limit. Zero disables.
	DailyCeilingUSD float64 `yaml:"daily_ceiling_usd"`
	// WarningThresholdPct triggers a warning notification at this
	// percentage of the ceiling.
	WarningThresholdPct float64 `yaml:"warning_threshold_pct"`
	// DefaultTaskBudgetTokens is applied to tasks without an explicit budget.
	DefaultTaskBudgetTokens int `yaml:"default_task_budget_tokens"`
}

// Notifications configures out-of-band messages.
type Notifications struct {
	UrgentEnabled bool   `yaml:"urgent_enabled"`
	DigestEnabled bool   `yaml:"digest_enabled"`
	DigestCron    string `yaml:"digest_cron"`
}

// Config is the complete Overlord configuration.
type Config struct {
	// Workspace is the root directory all project paths live under.
	Workspace string `yaml:"workspace"`
	// StateDir holds work_queue.db, proposals.db, mirrors and worktrees.
	// Empty means ~/.local/state/overlord.
	StateDir string `yaml:"state_dir"`

	Projects      map[string]ProjectConfig `yaml:"projects"`
	Autonomy      AutonomyConfig           `yaml:"autonomy"`
	Schedule      map[string]ScheduleEntry `yaml:"schedule"`
	Workers       map[string]WorkerConfig  `yaml:"workers"`
	CostControls  CostControls             `yaml:"cost_controls"`
	Notifications Notifications            `yaml:"notifications"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Autonomy: AutonomyConfig{
			Global: AutonomyCautious,
		},
		Schedule: map[string]ScheduleEntry{
			"scan": {Cron: "0 * * * *", Enabled: true},
		},
		Workers: map[string]WorkerConfig{
			"claude": {
				Enabled:      true,
				BinaryPath:   "claude",
				DefaultModel: "claude-sonnet-4-5",
				Timeout:      15 * time.Minute,
			},
			"local": {
				Enabled:      false,
				Endpoint:     "http://localhost:11434/v1",
				DefaultModel: "qwen2.5-coder:32b",
				Timeout:      10 * time.Minute,
			},
		},
		CostControls: CostControls{
			DailyCeilingUSD:     20.0,
			WarningThresholdPct: 80,
		},
		Notifications: Notifications{
			UrgentEnabled: true,
			DigestCron:    "0 9 * * *",
		},
	}
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	if !c.Autonomy.Global.Valid() {
		return fmt.Errorf("autonomy.global: unknown level %q", c.Autonomy.Global)
	}
	for name, level := range c.Autonomy.Overrides {
		if !level.Valid() {
			return fmt.Errorf("autonomy.overrides.%s: unknown level %q", name, level)
		}
		if _, ok := c.Projects[name]; !ok {
			return fmt.Errorf("autonomy.overrides.%s: unknown project", name)
		}
	}
	for name, p := range c.Projects {
		if p.Path == "" {
			return fmt.Errorf("projects.%s: path is required", name)
		}
		if p.Role != "" && !p.Role.Valid() {
			return fmt.Errorf("projects.%s: unknown role %q", name, p.Role)
		}
		if p.BranchModel != "" && !p.BranchModel.Valid() {
			return fmt.Errorf("projects.%s: unknown branch_model %q", name, p.BranchModel)
		}
		for _, dep := range p.DependsOn {
			if _, ok := c.Projects[dep]; !ok {
				return fmt.Errorf("projects.%s: depends_on unknown project %q", name, dep)
			}
		}
	}
	for name, w := range c.Workers {
		if w.Enabled && w.DefaultModel == "" {
			return fmt.Errorf("workers.%s: default_model is required", name)
		}
	}
	if c.CostControls.DailyCeilingUSD < 0 {
		return fmt.Errorf("cost_controls.daily_ceiling_usd must not be negative")
	}
	if c.CostControls.WarningThresholdPct < 0 || c.CostControls.WarningThresholdPct > 100 {
		return fmt.Errorf("cost_controls.warning_threshold_pct must be between 0 and 100")
	}
	return nil
}

// ProjectNames returns the configured project names in sorted order.
func (c *Config) ProjectNames() []string {
	names := make([]string, 0, len(c.Projects))
	for name := range c.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EffectiveAutonomy resolves the autonomy level for a project,
// falling back to the global level when no override exists.
func (c *Config) EffectiveAutonomy(project string) AutonomyLevel {
	if level, ok := c.Autonomy.Overrides[project]; ok {
		return level
	}
	return c.Autonomy.Global
}

// Merge overlays non-zero fields from other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.Workspace != "" {
		c.Workspace = other.Workspace
	}
	if other.StateDir != "" {
		c.StateDir = other.StateDir
	}
	if len(other.Projects) > 0 {
		if c.Projects == nil {
			c.Projects = make(map[string]ProjectConfig)
		}
		for name, p := range other.Projects {
			c.Projects[name] = p
		}
	}
	if other.Autonomy.Global != "" {
		c.Autonomy.Global = other.Autonomy.Global
	}
	if len(other.Autonomy.Overrides) > 0 {
		if c.Autonomy.Overrides == nil {
			c.Autonomy.Overrides = make(map[string]AutonomyLevel)
		}
		for name, level := range other.Autonomy.Overrides {
			c.Autonomy.Overrides[name] = level
		}
	}
	if len(other.Autonomy.PreApproved) > 0 {
		if c.Autonomy.PreApproved == nil {
			c.Autonomy.PreApproved = make(map[string][]string)
		}
		for name, actions := range other.Autonomy.PreApproved {
			c.Autonomy.PreApproved[name] = actions
		}
	}
	if len(other.Schedule) > 0 {
		if c.Schedule == nil {
			c.Schedule = make(map[string]ScheduleEntry)
		}
		for name, entry := range other.Schedule {
			c.Schedule[name] = entry
		}
	}
	if len(other.Workers) > 0 {
		if c.Workers == nil {
			c.Workers = make(map[string]WorkerConfig)
		}
		for name, w := range other.Workers {
			c.Workers[name] = w
		}
	}
	if other.CostControls.DailyCeilingUSD != 0 {
		c.CostControls.DailyCeilingUSD = other.CostControls.DailyCeilingUSD
	}
	if other.CostControls.WarningThresholdPct != 0 {
		c.CostControls.WarningThresholdPct = other.CostControls.WarningThresholdPct
	}
	if other.CostControls.DefaultTaskBudgetTokens != 0 {
		c.CostControls.DefaultTaskBudgetTokens = other.CostControls.DefaultTaskBudgetTokens
	}
	if other.Notifications.DigestCron != "" || other.Notifications.DigestEnabled || other.Notifications.UrgentEnabled {
		c.Notifications = other.Notifications
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}
