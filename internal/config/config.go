// Package config handles TreLLM configuration loading and validation.
// Configuration comes from a YAML file (default ~/.trellm/config.yaml),
// overridden by TRELLM_-prefixed environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete TreLLM configuration
type Config struct {
	Trello  TrelloConfig  `mapstructure:"trello"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Polling PollingConfig `mapstructure:"polling"`
	State   StateConfig   `mapstructure:"state"`
	Backoff BackoffConfig `mapstructure:"backoff"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// TrelloConfig holds board credentials and list routing.
type TrelloConfig struct {
	// APIKey and APIToken are the two opaque credentials attached to every call
	APIKey   string `mapstructure:"api_key"`
	APIToken string `mapstructure:"api_token"`
	// BoardID is used to resolve the ready list by name when its id is unset
	BoardID string `mapstructure:"board_id"`
	// TodoListID is the list polled for pending cards
	TodoListID string `mapstructure:"todo_list_id"`
	// ReadyListID is where completed cards are moved (discovered by name if empty)
	ReadyListID string `mapstructure:"ready_to_try_list_id"`
	// DoneBoardID/DoneListID optionally route completed cards to another board
	DoneBoardID string `mapstructure:"done_board_id"`
	DoneListID  string `mapstructure:"done_list_id"`
	// IceboxListID is the holding list for maintenance suggestions
	IceboxListID string `mapstructure:"icebox_list_id"`
}

// MaintenanceConfig controls the periodic per-project maintenance task
type MaintenanceConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Interval is the number of completed tickets between maintenance runs
	Interval int `mapstructure:"interval"`
}

// ProjectConfig is per-project agent configuration
type ProjectConfig struct {
	WorkingDir string `mapstructure:"working_dir"`
	// SessionID optionally seeds the very first invocation for this project
	SessionID   string             `mapstructure:"session_id"`
	Maintenance *MaintenanceConfig `mapstructure:"maintenance"`
}

// AgentConfig controls the coding-agent subprocess
type AgentConfig struct {
	Binary string `mapstructure:"binary"`
	// TimeoutSeconds bounds a standard task invocation
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// MaintenanceTimeoutSeconds bounds a maintenance invocation
	MaintenanceTimeoutSeconds int `mapstructure:"maintenance_timeout_seconds"`
	// SkipPermissions passes --dangerously-skip-permissions to the agent
	SkipPermissions bool                     `mapstructure:"skip_permissions"`
	Projects        map[string]ProjectConfig `mapstructure:"projects"`
}

// PollingConfig controls the dispatch cycle
type PollingConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	// ReprocessSkewSeconds is added to the ledger timestamp before comparing
	// against a card's last-activity time, absorbing clock skew between the
	// tracker and this host. 0 means strict comparison.
	ReprocessSkewSeconds int `mapstructure:"reprocess_skew_seconds"`
}

// StateConfig locates the persisted state document
type StateConfig struct {
	File string `mapstructure:"file"`
}

// BackoffConfig controls the rate/backoff controller
type BackoffConfig struct {
	BaseSeconds    int `mapstructure:"base_seconds"`
	CeilingSeconds int `mapstructure:"ceiling_seconds"`
	HintCapSeconds int `mapstructure:"hint_cap_seconds"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// File receives JSON log lines; empty means stderr
	File string `mapstructure:"file"`
}

// SetDefaults registers default values with viper.
// Call before reading the config file so defaults apply even without one.
func SetDefaults() {
	viper.SetDefault("agent.binary", "claude")
	viper.SetDefault("agent.timeout_seconds", 1200)
	viper.SetDefault("agent.maintenance_timeout_seconds", 600)
	viper.SetDefault("agent.skip_permissions", false)
	viper.SetDefault("polling.interval_seconds", 5)
	viper.SetDefault("polling.reprocess_skew_seconds", 0)
	viper.SetDefault("state.file", "~/.trellm/state.json")
	viper.SetDefault("backoff.base_seconds", 2)
	viper.SetDefault("backoff.ceiling_seconds", 300)
	viper.SetDefault("backoff.hint_cap_seconds", 900)
	viper.SetDefault("logging.level", "INFO")
	viper.SetDefault("logging.file", "")
}

// Load unmarshals the current viper state into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigDir returns the default configuration directory.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".trellm"
	}
	return filepath.Join(home, ".trellm")
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}

// StateFile returns the expanded path of the state document.
func (c *Config) StateFile() string {
	return ExpandPath(c.State.File)
}

// WorkingDir returns the working directory for a project, expanded.
// Empty when the project is not configured.
func (c *Config) WorkingDir(project string) string {
	proj, ok := c.Agent.Projects[project]
	if !ok {
		return ""
	}
	return ExpandPath(proj.WorkingDir)
}

// InitialSessionID returns the config-seeded session id for a project.
func (c *Config) InitialSessionID(project string) string {
	return c.Agent.Projects[project].SessionID
}

// MaintenanceFor returns the maintenance configuration for a project,
// or nil when maintenance is not configured.
func (c *Config) MaintenanceFor(project string) *MaintenanceConfig {
	proj, ok := c.Agent.Projects[project]
	if !ok || proj.Maintenance == nil {
		return nil
	}
	m := *proj.Maintenance
	if m.Interval <= 0 {
		m.Interval = 10
	}
	return &m
}

// ProjectNames returns the set of configured project ids.
func (c *Config) ProjectNames() map[string]bool {
	names := make(map[string]bool, len(c.Agent.Projects))
	for name := range c.Agent.Projects {
		names[name] = true
	}
	return names
}

// TaskTimeout returns the bound for a standard task invocation.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutSeconds) * time.Second
}

// MaintenanceTimeout returns the bound for a maintenance invocation.
func (c *Config) MaintenanceTimeout() time.Duration {
	return time.Duration(c.Agent.MaintenanceTimeoutSeconds) * time.Second
}

// PollInterval returns the inter-cycle sleep duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Polling.IntervalSeconds) * time.Second
}

// ReprocessSkew returns the clock-skew allowance for the reprocessing rule.
func (c *Config) ReprocessSkew() time.Duration {
	return time.Duration(c.Polling.ReprocessSkewSeconds) * time.Second
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Trello.APIKey == "" || c.Trello.APIToken == "" {
		return &MissingFieldError{Field: "trello.api_key / trello.api_token"}
	}
	if c.Trello.TodoListID == "" {
		return &MissingFieldError{Field: "trello.todo_list_id"}
	}
	return nil
}

// MissingFieldError reports absent required configuration.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return "missing required configuration: " + e.Field
}
