// Package config loads Foreman configuration from the XDG config file and
// environment. The result is a plain value handed to each component
// constructor; nothing in this package is consulted at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Environment variables honored in addition to the config file.
const (
	EnvMaxOrchestrateRuntime = "MAX_AUTO_ORCHESTRATE_RUNTIME_SEC"
	EnvPhantomGracePeriod    = "PHANTOM_GRACE_PERIOD_SEC"
	EnvCheckInInterval       = "ORCHESTRATOR_CHECK_IN_INTERVAL"
	EnvTaskExecutionTimeout  = "TASK_EXECUTION_TIMEOUT"
	EnvDisableReconciliation = "DISABLE_RECONCILIATION"
	EnvEmergencyBypass       = "EMERGENCY_BYPASS"
)

// MinPhantomGrace is the floor for the health monitor grace period. Shorter
// values killed live sessions in the field, so configuration cannot lower it.
const MinPhantomGrace = 4 * time.Hour

// Config holds all Foreman settings.
type Config struct {
	// Root is the installation root holding the store, registry, and locks.
	Root string `mapstructure:"root"`

	// MaxOrchestrateRuntime bounds one end-to-end provisioning run.
	MaxOrchestrateRuntime time.Duration `mapstructure:"max_orchestrate_runtime"`

	// PhantomGrace is the health-monitor grace period for new projects.
	// Clamped to MinPhantomGrace.
	PhantomGrace time.Duration `mapstructure:"phantom_grace"`

	// CheckInInterval is the default cadence for scheduled agent check-ins.
	CheckInInterval time.Duration `mapstructure:"check_in_interval"`

	// TaskTimeout caps a single scheduled-task dispatch.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`

	// SweepInterval is the health monitor cadence.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// MergeInterval is the auto-merge runner cadence.
	MergeInterval time.Duration `mapstructure:"merge_interval"`

	// DisableReconciliation turns off all destructive health-monitor actions.
	DisableReconciliation bool `mapstructure:"disable_reconciliation"`

	// EmergencyBypass is passed through to agent safety hooks.
	EmergencyBypass bool `mapstructure:"emergency_bypass"`

	// AgentCommand launches the interactive agent CLI in each window.
	AgentCommand string `mapstructure:"agent_command"`

	// AgentSkipPermissions adds the operator-required skip-permissions flag.
	AgentSkipPermissions bool `mapstructure:"agent_skip_permissions"`

	// AgentConfigPath is the agent CLI's own config file, read to verify
	// the operator completed onboarding. Empty means the CLI default.
	AgentConfigPath string `mapstructure:"agent_config_path"`

	// ProtectedSessions are tmux sessions automated cleanup must never kill,
	// beyond the built-in operator patterns.
	ProtectedSessions []string `mapstructure:"protected_sessions"`

	// AllowInterrupt permits the messenger to send Ctrl-C during stuck-pane
	// repair. Off by default.
	AllowInterrupt bool `mapstructure:"allow_interrupt"`

	// Plan is the default subscription plan tier (pro, max5, max20, console).
	Plan string `mapstructure:"plan"`

	// NotifyWebhook receives JSON notifications when set.
	NotifyWebhook string `mapstructure:"notify_webhook"`

	// NotifySMTPAddr (host:port), NotifyFrom, and NotifyTo configure email
	// notifications; all three must be set.
	NotifySMTPAddr string   `mapstructure:"notify_smtp_addr"`
	NotifyFrom     string   `mapstructure:"notify_from"`
	NotifyTo       []string `mapstructure:"notify_to"`
}

// DefaultRoot returns the default installation root.
func DefaultRoot() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "foreman")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "foreman")
}

// configDir returns the XDG config directory for foreman.
func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "foreman")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "foreman")
}

// Load reads the config file (if present) and environment, applies defaults,
// and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir())

	setDefaults(v)

	v.SetEnvPrefix("FOREMAN")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if cfg.Root == "" {
		cfg.Root = DefaultRoot()
	}
	if cfg.PhantomGrace < MinPhantomGrace {
		cfg.PhantomGrace = MinPhantomGrace
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_orchestrate_runtime", 2*time.Hour)
	v.SetDefault("phantom_grace", MinPhantomGrace)
	v.SetDefault("check_in_interval", 20*time.Minute)
	v.SetDefault("task_timeout", 30*time.Second)
	v.SetDefault("sweep_interval", 2*time.Minute)
	v.SetDefault("merge_interval", 5*time.Minute)
	v.SetDefault("agent_command", "claude")
	v.SetDefault("agent_skip_permissions", true)
	v.SetDefault("plan", "max5")
}

// applyEnvOverrides honors the legacy un-prefixed environment variables.
// These predate the config file and operators still set them.
func applyEnvOverrides(cfg *Config) {
	if d, ok := envSeconds(EnvMaxOrchestrateRuntime); ok {
		cfg.MaxOrchestrateRuntime = d
	}
	if d, ok := envSeconds(EnvPhantomGracePeriod); ok {
		cfg.PhantomGrace = d
	}
	if d, ok := envSeconds(EnvCheckInInterval); ok {
		cfg.CheckInInterval = d
	}
	if d, ok := envSeconds(EnvTaskExecutionTimeout); ok {
		cfg.TaskTimeout = d
	}
	if isTruthy(os.Getenv(EnvDisableReconciliation)) {
		cfg.DisableReconciliation = true
	}
	if isTruthy(os.Getenv(EnvEmergencyBypass)) {
		cfg.EmergencyBypass = true
	}
}

func envSeconds(key string) (time.Duration, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	var secs int64
	if _, err := fmt.Sscanf(raw, "%d", &secs); err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func isTruthy(s string) bool {
	switch s {
	case "1", "true", "TRUE", "yes", "on":
		return true
	}
	return false
}

// Filesystem layout under Root.

// DBPath returns the durable store location.
func (c *Config) DBPath() string {
	return filepath.Join(c.Root, "foreman.db")
}

// RegistryDir returns the per-project registry root.
func (c *Config) RegistryDir() string {
	return filepath.Join(c.Root, "registry")
}

// ProjectRegistryDir returns the registry directory for one project.
func (c *Config) ProjectRegistryDir(project string) string {
	return filepath.Join(c.RegistryDir(), "projects", project)
}

// LogsDir returns the shared log directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.RegistryDir(), "logs")
}

// FailureLogPath is the append-only failures JSONL stream.
func (c *Config) FailureLogPath() string {
	return filepath.Join(c.LogsDir(), "failures.jsonl")
}

// MessageLogPath is the messenger delivery journal.
func (c *Config) MessageLogPath() string {
	return filepath.Join(c.LogsDir(), "messages.jsonl")
}

// SchedulerLockPath is the scheduler singleton lockfile.
func (c *Config) SchedulerLockPath() string {
	return filepath.Join(c.Root, "scheduler.lock")
}

// SchedulerHeartbeatPath is touched every 10s by the running scheduler.
func (c *Config) SchedulerHeartbeatPath() string {
	return filepath.Join(c.Root, "scheduler.heartbeat")
}

// MergeLockPath is the auto-merge singleton lockfile.
func (c *Config) MergeLockPath() string {
	return filepath.Join(c.Root, "automerge.lock")
}

// TeamFilePath is the optional TOML role-override file.
func (c *Config) TeamFilePath() string {
	return filepath.Join(configDir(), "team.toml")
}
