// Package config loads and validates the firmware's YAML configuration:
// one root struct, nested per-subsystem blocks, and an explicit
// Validate/SetDefaults pair rather than a validation library.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the single entry point for all firmware configuration.
type Config struct {
	DataRoot string `yaml:"data_root,omitempty"`
	RunRoot  string `yaml:"run_root,omitempty"`
	RunSock  string `yaml:"run_sock,omitempty"`

	Deadline      DurationConfig `yaml:"deadline,omitempty"`
	MaxPlanSteps  int            `yaml:"max_plan_steps,omitempty"`
	MaxIterations int            `yaml:"max_iterations,omitempty"`

	Store   StoreConfig                  `yaml:"store,omitempty"`
	Network NetworkConfig                `yaml:"network,omitempty"`
	Monitor MonitorConfig                `yaml:"monitor,omitempty"`
	Cleanup CleanupConfig                `yaml:"cleanup,omitempty"`
	Logging LoggingConfig                `yaml:"logging,omitempty"`
	LLMs    map[string]LLMProviderConfig `yaml:"llms,omitempty"`
	Agents  map[string]AgentConfig       `yaml:"agents,omitempty"`
}

// LLMProviderConfig declares one named LLM backend. When api_key_env is
// set, the key is read from that environment variable and api_key is
// ignored; otherwise api_key is used as written.
type LLMProviderConfig struct {
	Type        string  `yaml:"type,omitempty"` // "openai" covers any OpenAI-compatible endpoint
	Model       string  `yaml:"model"`
	Host        string  `yaml:"host,omitempty"`
	APIKey      string  `yaml:"api_key,omitempty"`
	APIKeyEnv   string  `yaml:"api_key_env,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
}

// DurationConfig lets YAML express durations as "5m", "30s", etc.
type DurationConfig struct {
	time.Duration
}

func (d *DurationConfig) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

func (d DurationConfig) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// StoreConfig configures the embedded relational store (S).
type StoreConfig struct {
	Path           string `yaml:"path,omitempty"`
	MigrationsPath string `yaml:"migrations_path,omitempty"`
	MaxOpenConns   int    `yaml:"max_open_conns,omitempty"`
	BusyTimeoutMS  int    `yaml:"busy_timeout_ms,omitempty"`
}

// NetworkConfig configures the Network Allocator (A).
type NetworkConfig struct {
	Subnet     string `yaml:"subnet,omitempty"` // e.g. "10.88.0.0/16"
	BridgeName string `yaml:"bridge_name,omitempty"`
}

// MonitorConfig configures the Process Monitor (M).
type MonitorConfig struct {
	PollInterval      DurationConfig `yaml:"poll_interval,omitempty"`
	MaxConsecutiveErr int            `yaml:"max_consecutive_errors,omitempty"`
}

// CleanupConfig configures the Cleanup Service (C).
type CleanupConfig struct {
	MaxAttempts  int            `yaml:"max_attempts,omitempty"`
	BaseBackoff  DurationConfig `yaml:"base_backoff,omitempty"`
	MaxBackoff   DurationConfig `yaml:"max_backoff,omitempty"`
	PollInterval DurationConfig `yaml:"poll_interval,omitempty"`
}

// LoggingConfig controls the shared slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug|info|warn|error
	Format string `yaml:"format,omitempty"` // text|json
}

// AgentConfig is the agent identity referenced by Orchestrator.execute.
type AgentConfig struct {
	Name         string           `yaml:"name"`
	Description  string           `yaml:"description,omitempty"`
	AllowedTools []string         `yaml:"allowed_tools,omitempty"`
	SystemPrompt string           `yaml:"system_prompt,omitempty"`
	LLM          LLMParams        `yaml:"llm,omitempty"`
	Reflection   ReflectionConfig `yaml:"reflection,omitempty"`
}

// LLMParams selects an agent's LLM. Only Model is read: it names the
// provider registry entry used for the agent's calls. Temperature and
// MaxTokens are parsed but not passed to provider calls; a provider's own
// llms entry sets its sampling parameters.
type LLMParams struct {
	Model       string  `yaml:"model,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
}

// ReflectionConfig controls whether/how the Reflector is invoked.
type ReflectionConfig struct {
	Enabled    bool `yaml:"enabled,omitempty"`
	MaxRetries int  `yaml:"max_retries,omitempty"`
}

// SetDefaults fills unset fields with the firmware's documented defaults.
func (c *Config) SetDefaults() {
	if c.DataRoot == "" {
		c.DataRoot = "/var/lib/aria"
	}
	if c.RunRoot == "" {
		c.RunRoot = "/run/aria"
	}
	if c.RunSock == "" {
		c.RunSock = c.RunRoot + "/aria.sock"
	}
	if c.Deadline.Duration == 0 {
		c.Deadline.Duration = 5 * time.Minute
	}
	if c.MaxPlanSteps == 0 {
		c.MaxPlanSteps = 10
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 5
	}
	if c.Store.Path == "" {
		c.Store.Path = c.DataRoot + "/aria.db"
	}
	if c.Store.MaxOpenConns == 0 {
		c.Store.MaxOpenConns = 1 // sqlite: single-writer, WAL allows concurrent readers
	}
	if c.Store.BusyTimeoutMS == 0 {
		c.Store.BusyTimeoutMS = 5000
	}
	if c.Network.Subnet == "" {
		c.Network.Subnet = "10.88.0.0/16"
	}
	if c.Network.BridgeName == "" {
		c.Network.BridgeName = "aria0"
	}
	if c.Monitor.PollInterval.Duration == 0 {
		c.Monitor.PollInterval.Duration = 250 * time.Millisecond
	}
	if c.Monitor.MaxConsecutiveErr == 0 {
		c.Monitor.MaxConsecutiveErr = 3
	}
	if c.Cleanup.MaxAttempts == 0 {
		c.Cleanup.MaxAttempts = 5
	}
	if c.Cleanup.BaseBackoff.Duration == 0 {
		c.Cleanup.BaseBackoff.Duration = 2 * time.Second
	}
	if c.Cleanup.MaxBackoff.Duration == 0 {
		c.Cleanup.MaxBackoff.Duration = 5 * time.Minute
	}
	if c.Cleanup.PollInterval.Duration == 0 {
		c.Cleanup.PollInterval.Duration = 1 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	for name, agent := range c.Agents {
		if agent.Reflection.MaxRetries == 0 {
			agent.Reflection.MaxRetries = 2
			c.Agents[name] = agent
		}
	}
}

// Validate checks structural invariants. It does not check OS-level
// reachability (sockets, directories); that's the caller's job at startup.
func (c *Config) Validate() error {
	if c.MaxPlanSteps <= 0 {
		return fmt.Errorf("max_plan_steps must be positive")
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive")
	}
	if c.Deadline.Duration <= 0 {
		return fmt.Errorf("deadline must be positive")
	}
	for name, agent := range c.Agents {
		if agent.Name == "" {
			return fmt.Errorf("agent %q: name is required", name)
		}
		if agent.LLM.Model != "" {
			if _, ok := c.LLMs[agent.LLM.Model]; !ok && len(c.LLMs) > 0 {
				return fmt.Errorf("agent %q references undeclared llm %q", name, agent.LLM.Model)
			}
		}
	}
	for name, p := range c.LLMs {
		if p.Model == "" {
			return fmt.Errorf("llm %q: model is required", name)
		}
		switch p.Type {
		case "", "openai":
		default:
			return fmt.Errorf("llm %q: unsupported type %q", name, p.Type)
		}
	}
	return nil
}

// Load reads and parses a YAML config file, applying env overrides and
// defaults, then validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	ApplyEnvOverrides(&c)
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &c, nil
}

// ApplyEnvOverrides applies the ARIA_* environment variables on top of
// whatever the YAML file set.
func ApplyEnvOverrides(c *Config) {
	if v := os.Getenv("ARIA_DATA_ROOT"); v != "" {
		c.DataRoot = v
	}
	if v := os.Getenv("ARIA_RUN_ROOT"); v != "" {
		c.RunRoot = v
	}
	if v := os.Getenv("ARIA_RUN_SOCK"); v != "" {
		c.RunSock = v
	}
	if v := os.Getenv("ARIA_DEADLINE_SECS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Deadline.Duration = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("ARIA_MAX_PLAN_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxPlanSteps = n
		}
	}
}
