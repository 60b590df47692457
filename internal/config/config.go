// Package config loads and validates the AX host configuration.
//
// Configuration comes from a YAML file (default: <data_dir>/config.yaml) with
// environment-variable fallbacks for the few operational knobs that are
// commonly overridden per deployment. Secrets never live in the YAML file;
// they come from the environment and the host .env file only.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/ax/common/environment"
)

// Profile names a bundle of autonomy defaults.
type Profile string

const (
	ProfileParanoid Profile = "paranoid"
	ProfileBalanced Profile = "balanced"
	ProfileYolo     Profile = "yolo"
)

// TaintThreshold returns the maximum tainted-token ratio at which sensitive
// actions are still allowed under this profile.
func (p Profile) TaintThreshold() float64 {
	switch p {
	case ProfileParanoid:
		return 0.10
	case ProfileYolo:
		return 0.60
	default:
		return 0.30
	}
}

// DefaultSensitiveActions is the set of IPC actions gated by the taint budget
// when the config does not override it.
var DefaultSensitiveActions = []string{
	"oauth_call",
	"skill_propose",
	"browser_navigate",
	"scheduler_add_cron",
	"identity_propose",
}

// Sandbox holds the sandbox backend settings.
type Sandbox struct {
	// Type selects the backend: "container" or "subprocess".
	// The subprocess backend provides NO isolation and is dev-only.
	Type string `yaml:"type"`

	// TimeoutSec is the hard per-completion lifetime of an agent process.
	TimeoutSec int `yaml:"timeout_sec"`

	// MemoryMB caps agent memory where the backend supports it.
	MemoryMB int `yaml:"memory_mb"`

	// Command is the agent command vector run inside the sandbox.
	Command []string `yaml:"command"`

	// Image is the container image used by the container backend.
	Image string `yaml:"image"`
}

// Scheduler holds the scheduler settings.
type Scheduler struct {
	// HeartbeatIntervalMin is how often (in minutes) the heartbeat fires
	// inside active hours. Zero disables the heartbeat.
	HeartbeatIntervalMin int `yaml:"heartbeat_interval_min"`

	// ActiveHoursStart/End bound proactive behaviour, in "HH:MM" form.
	ActiveHoursStart string `yaml:"active_hours_start"`
	ActiveHoursEnd   string `yaml:"active_hours_end"`

	// Timezone is the IANA zone name active hours are evaluated in.
	Timezone string `yaml:"timezone"`

	// HintConfidenceThreshold is the minimum confidence for a proactive
	// hint to be dispatched.
	HintConfidenceThreshold float64 `yaml:"hint_confidence_threshold"`

	// HintCooldownSec suppresses identical hints fired within the window.
	HintCooldownSec int `yaml:"hint_cooldown_sec"`

	// HintTokenBudget is the daily token budget for proactive hints.
	HintTokenBudget int `yaml:"hint_token_budget"`
}

// History holds conversation-window settings.
type History struct {
	// MaxTurns is the per-session cap on persisted turns.
	MaxTurns int `yaml:"max_turns"`

	// ThreadContextTurns is how many parent-channel turns are prepended to
	// a thread session's history.
	ThreadContextTurns int `yaml:"thread_context_turns"`

	// ContextWindow is the model context size in tokens, used by the
	// compaction threshold.
	ContextWindow int `yaml:"context_window"`
}

// Upstream holds the upstream LLM API settings. Credentials are NOT here;
// they come from the environment.
type Upstream struct {
	// BaseURL is the upstream API root, e.g. "https://api.anthropic.com".
	BaseURL string `yaml:"base_url"`

	// Model is the default model identifier.
	Model string `yaml:"model"`
}

// Config is the complete host configuration.
type Config struct {
	// DataDir is the single host data directory: queue/conversation
	// databases, workspaces, skills, agent identities, proposals, .env.
	DataDir string `yaml:"data_dir"`

	// Profile selects the autonomy bundle: paranoid, balanced, yolo.
	Profile Profile `yaml:"profile"`

	// AgentID is the default agent identity directory under agents/.
	AgentID string `yaml:"agent_id"`

	// AgentType selects the embedded agent runtime. Types listed in
	// DirectUpstreamTypes get the credential-injecting proxy.
	AgentType string `yaml:"agent_type"`

	// DirectUpstreamTypes are agent types that speak to the upstream API
	// directly (through the proxy) instead of via IPC llm_call.
	DirectUpstreamTypes []string `yaml:"direct_upstream_types"`

	// SensitiveActions overrides DefaultSensitiveActions when non-empty.
	SensitiveActions []string `yaml:"sensitive_actions"`

	// ListenSocket is the UDS path of the local HTTP API.
	ListenSocket string `yaml:"listen_socket"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Sandbox   Sandbox   `yaml:"sandbox"`
	Scheduler Scheduler `yaml:"scheduler"`
	History   History   `yaml:"history"`
	Upstream  Upstream  `yaml:"upstream"`
}

// Default returns a Config populated with the balanced-profile defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir:             filepath.Join(home, ".ax"),
		Profile:             ProfileBalanced,
		AgentID:             "default",
		AgentType:           "ipc",
		DirectUpstreamTypes: []string{"claude-code"},
		LogLevel:            "info",
		LogFormat:           "text",
		Sandbox: Sandbox{
			Type:       "subprocess",
			TimeoutSec: 300,
			MemoryMB:   2048,
			Command:    []string{"ax-agent"},
		},
		Scheduler: Scheduler{
			HeartbeatIntervalMin:    30,
			ActiveHoursStart:        "08:00",
			ActiveHoursEnd:          "22:00",
			Timezone:                "UTC",
			HintConfidenceThreshold: 0.7,
			HintCooldownSec:         3600,
			HintTokenBudget:         20_000,
		},
		History: History{
			MaxTurns:           50,
			ThreadContextTurns: 10,
			ContextWindow:      200_000,
		},
		Upstream: Upstream{
			BaseURL: "https://api.anthropic.com",
			Model:   "claude-sonnet-4-20250514",
		},
	}
}

// Load reads the YAML file at path (when it exists), applies environment
// overrides, validates, and returns the resulting Config.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Missing config file is fine: defaults + env apply.
		default:
			return nil, fmt.Errorf("config read %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets a handful of operational knobs be overridden per deployment
// without editing the YAML file.
func applyEnv(cfg *Config) {
	cfg.DataDir = environment.StringOr("AX_DATA_DIR", cfg.DataDir)
	cfg.Profile = Profile(environment.StringOr("AX_PROFILE", string(cfg.Profile)))
	cfg.ListenSocket = environment.StringOr("AX_LISTEN_SOCKET", cfg.ListenSocket)
	cfg.LogLevel = environment.StringOr("AX_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = environment.StringOr("AX_LOG_FORMAT", cfg.LogFormat)
	cfg.Sandbox.Type = environment.StringOr("AX_SANDBOX_TYPE", cfg.Sandbox.Type)
	cfg.Sandbox.TimeoutSec = environment.IntOr("AX_SANDBOX_TIMEOUT_SEC", cfg.Sandbox.TimeoutSec)
}

// Validate checks the Config for structural correctness. It returns the first
// validation error encountered, or nil if the config is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}

	switch c.Profile {
	case ProfileParanoid, ProfileBalanced, ProfileYolo:
	default:
		return fmt.Errorf("config: profile must be paranoid, balanced or yolo, got %q", c.Profile)
	}

	switch c.Sandbox.Type {
	case "container", "subprocess":
	default:
		return fmt.Errorf("config: sandbox.type must be container or subprocess, got %q", c.Sandbox.Type)
	}
	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("config: sandbox.timeout_sec must be positive")
	}
	if len(c.Sandbox.Command) == 0 {
		return fmt.Errorf("config: sandbox.command must not be empty")
	}

	if c.History.MaxTurns <= 0 {
		return fmt.Errorf("config: history.max_turns must be positive")
	}
	if c.History.ContextWindow <= 0 {
		return fmt.Errorf("config: history.context_window must be positive")
	}

	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("config: scheduler.timezone: %w", err)
	}
	for _, hm := range []string{c.Scheduler.ActiveHoursStart, c.Scheduler.ActiveHoursEnd} {
		if _, err := time.Parse("15:04", hm); err != nil {
			return fmt.Errorf("config: active hours %q must be HH:MM: %w", hm, err)
		}
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("config: upstream.base_url must not be empty")
	}
	return nil
}

// SensitiveActionSet returns the configured (or default) sensitive actions as
// a lookup set.
func (c *Config) SensitiveActionSet() map[string]bool {
	actions := c.SensitiveActions
	if len(actions) == 0 {
		actions = DefaultSensitiveActions
	}
	set := make(map[string]bool, len(actions))
	for _, a := range actions {
		set[a] = true
	}
	return set
}

// Derived filesystem layout under DataDir.

func (c *Config) WorkspacesDir() string { return filepath.Join(c.DataDir, "workspaces") }
func (c *Config) SkillsDir() string     { return filepath.Join(c.DataDir, "skills") }
func (c *Config) AgentsDir() string     { return filepath.Join(c.DataDir, "agents") }
func (c *Config) AgentDir() string      { return filepath.Join(c.AgentsDir(), c.AgentID) }
func (c *Config) EnvFile() string       { return filepath.Join(c.DataDir, ".env") }
func (c *Config) DatabasePath() string  { return filepath.Join(c.DataDir, "ax.db") }

// Socket returns the local HTTP API socket path, defaulting under DataDir.
func (c *Config) Socket() string {
	if c.ListenSocket != "" {
		return c.ListenSocket
	}
	return filepath.Join(c.DataDir, "ax.sock")
}

// DirectUpstream reports whether the configured agent type needs the
// credential-injecting proxy instead of IPC-only LLM access.
func (c *Config) DirectUpstream() bool {
	for _, t := range c.DirectUpstreamTypes {
		if t == c.AgentType {
			return true
		}
	}
	return false
}
