package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	var c Config
	c.SetDefaults()

	assert.Equal(t, "/var/lib/aria", c.DataRoot)
	assert.Equal(t, "/run/aria/aria.sock", c.RunSock)
	assert.Equal(t, 5*time.Minute, c.Deadline.Duration)
	assert.Equal(t, 10, c.MaxPlanSteps)
	assert.Equal(t, 5, c.MaxIterations)
	assert.Equal(t, "/var/lib/aria/aria.db", c.Store.Path)
	assert.Equal(t, "10.88.0.0/16", c.Network.Subnet)
	assert.Equal(t, "aria0", c.Network.BridgeName)
	assert.Equal(t, 250*time.Millisecond, c.Monitor.PollInterval.Duration)
	assert.Equal(t, 5, c.Cleanup.MaxAttempts)
}

func TestDefaultsRespectExplicitValues(t *testing.T) {
	c := Config{DataRoot: "/tmp/custom", MaxPlanSteps: 3}
	c.SetDefaults()
	assert.Equal(t, "/tmp/custom", c.DataRoot)
	assert.Equal(t, "/tmp/custom/aria.db", c.Store.Path)
	assert.Equal(t, 3, c.MaxPlanSteps)
}

func TestLoadFullConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aria.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_root: /tmp/aria-test
deadline: 30s
max_plan_steps: 4
network:
  subnet: 10.99.0.0/24
  bridge_name: aria-test0
llms:
  main:
    model: gpt-4o-mini
    api_key_env: OPENAI_API_KEY
    temperature: 0.2
agents:
  assistant:
    name: assistant
    allowed_tools: [echo]
    llm:
      model: main
    reflection:
      enabled: true
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, c.Deadline.Duration)
	assert.Equal(t, 4, c.MaxPlanSteps)
	assert.Equal(t, "10.99.0.0/24", c.Network.Subnet)
	assert.Equal(t, "gpt-4o-mini", c.LLMs["main"].Model)
	agent := c.Agents["assistant"]
	assert.Equal(t, []string{"echo"}, agent.AllowedTools)
	assert.True(t, agent.Reflection.Enabled)
	assert.Equal(t, 2, agent.Reflection.MaxRetries, "defaulted")
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aria.yaml")
	require.NoError(t, os.WriteFile(path, []byte("deadline: soon\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsUndeclaredLLMReference(t *testing.T) {
	c := Config{
		LLMs:   map[string]LLMProviderConfig{"main": {Model: "gpt-4o"}},
		Agents: map[string]AgentConfig{"a": {Name: "a", LLM: LLMParams{Model: "other"}}},
	}
	c.SetDefaults()
	require.Error(t, c.Validate())
}

func TestValidateRejectsUnsupportedProviderType(t *testing.T) {
	c := Config{LLMs: map[string]LLMProviderConfig{"main": {Model: "m", Type: "carrier-pigeon"}}}
	c.SetDefaults()
	require.Error(t, c.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ARIA_DATA_ROOT", "/tmp/env-root")
	t.Setenv("ARIA_DEADLINE_SECS", "10")
	t.Setenv("ARIA_MAX_PLAN_STEPS", "7")

	var c Config
	ApplyEnvOverrides(&c)
	c.SetDefaults()

	assert.Equal(t, "/tmp/env-root", c.DataRoot)
	assert.Equal(t, 10*time.Second, c.Deadline.Duration)
	assert.Equal(t, 7, c.MaxPlanSteps)
	assert.Equal(t, "/tmp/env-root/aria.db", c.Store.Path)
}
