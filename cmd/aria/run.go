package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// RunCmd executes one task against a configured agent and prints the
// result, the direct-execution path that doesn't need a serving process.
type RunCmd struct {
	Agent      string   `help:"Agent name from the config's agents block." required:""`
	Session    string   `help:"Resume an existing session id."`
	Containers bool     `help:"Connect to containerd so container workload steps can run."`
	JSON       bool     `help:"Print the full result as JSON instead of just the response."`
	Task       []string `arg:"" help:"The task to execute."`
}

func (c *RunCmd) Run(cli *CLI) error {
	log := newLogger(cli.LogLevel, cli.LogFormat)
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	agentCfg, ok := cfg.Agents[c.Agent]
	if !ok {
		return fmt.Errorf("agent %q not found in config", c.Agent)
	}

	ctx := context.Background()
	deps, err := buildDeps(ctx, cfg, log, c.Containers)
	if err != nil {
		return err
	}
	defer deps.Close()

	var sessionID *string
	if c.Session != "" {
		sessionID = &c.Session
	}

	result, err := deps.orchestrator.Execute(ctx, strings.Join(c.Task, " "), agentCfg, sessionID)
	if err != nil {
		log.Error("execution failed", "error", err)
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"success":        result.Success,
			"mode":           string(result.Mode),
			"session_id":     result.SessionID,
			"final_response": result.FinalResponse,
			"reason":         result.Reason,
			"metrics": map[string]any{
				"duration_ms":      result.Metrics.DurationMS,
				"step_count":       result.Metrics.StepCount,
				"tool_call_count":  result.Metrics.ToolCallCount,
				"reflection_count": result.Metrics.ReflectionCount,
			},
		})
	}

	fmt.Println(result.FinalResponse)
	if !result.Success {
		return fmt.Errorf("execution did not succeed: %s", result.Reason)
	}
	return nil
}
