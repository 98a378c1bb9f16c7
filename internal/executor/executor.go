// Package executor dispatches one execution step -- tool call, container
// workload, reasoning, or no-op -- and implements single_shot mode's
// tool-selection and short chaining loop.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ariafirmware/aria/internal/errs"
	"github.com/ariafirmware/aria/internal/llm"
	"github.com/ariafirmware/aria/internal/store"
	"github.com/ariafirmware/aria/internal/toolreg"
)

// ContainerEngine is the container surface the Executor needs to run a
// container-workload step. SyncEngineAdapter implements it over a
// *syncengine.Engine, which is what the caller wires in.
type ContainerEngine interface {
	Create(ctx context.Context, p ContainerWorkload) (*store.Container, error)
	Start(ctx context.Context, containerID string) error
	Status(ctx context.Context, containerID string) (*store.Container, error)
	Exec(ctx context.Context, containerID string, command []string, timeoutSeconds *int) (*store.ToolTask, error)
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string) error
}

// ContainerWorkload is the declarative parameters a container-workload
// step's inputs decode into.
type ContainerWorkload struct {
	Name        string
	Image       string
	Command     []string
	Env         map[string]string
	MemLimitMB  *int
	CPULimitPct *float64
	SessionID   *string
	ExecAfter   [][]string // optional commands to run once running, before stop
}

// Result is one step's outcome, returned to the Orchestrator for
// persistence and placeholder resolution.
type Result struct {
	Success  bool
	Output   any
	Error    string
	Model    string
	Tokens   int
	ToolName string
}

// Executor dispatches steps against the tool registry and, optionally,
// a container engine.
type Executor struct {
	tools      *toolreg.Registry
	containers ContainerEngine
	log        *slog.Logger
}

func New(tools *toolreg.Registry, containers ContainerEngine, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{tools: tools, containers: containers, log: log}
}

// isAllowed reports whether toolName is in an agent's allow-list. An
// empty allow-list means "no tools", not "all tools" (fail closed).
func isAllowed(toolName string, allowed []string) bool {
	for _, a := range allowed {
		if a == toolName {
			return true
		}
	}
	return false
}

// DispatchTool runs a tool step: lookup, access check, argument
// validation, invocation.
func (e *Executor) DispatchTool(ctx context.Context, toolName string, args map[string]any, allowedTools []string) (Result, error) {
	if !isAllowed(toolName, allowedTools) {
		return Result{Success: false, Error: errs.ErrToolNotPermitted.Error(), ToolName: toolName},
			fmt.Errorf("tool %s: %w", toolName, errs.ErrToolNotPermitted)
	}
	tool, ok := e.tools.Get(toolName)
	if !ok {
		return Result{Success: false, Error: "unknown tool", ToolName: toolName},
			errs.New(errs.KindValidation, "unknown tool "+toolName, nil)
	}
	if err := toolreg.ValidateArgs(tool.Info(), args); err != nil {
		return Result{Success: false, Error: err.Error(), ToolName: toolName},
			errs.New(errs.KindValidation, "validating tool arguments", err)
	}
	res, err := tool.Execute(ctx, args)
	if err != nil {
		return Result{Success: false, Error: err.Error(), ToolName: toolName},
			errs.New(errs.KindToolExec, "executing tool "+toolName, err)
	}
	return Result{Success: res.Success, Output: res.Output, Error: res.Error, ToolName: toolName}, nil
}

// DispatchContainer runs a container-workload step end to end:
// create -> start -> wait for running -> optional execs -> stop -> remove.
// Teardown runs even when ctx is already cancelled, so a deadline that
// fires mid-workload still stops and removes whatever was spawned.
func (e *Executor) DispatchContainer(ctx context.Context, params map[string]any) (Result, error) {
	if e.containers == nil {
		return Result{}, errs.New(errs.KindDependency, "no container engine configured", nil)
	}
	workload, err := decodeContainerWorkload(params)
	if err != nil {
		return Result{}, errs.New(errs.KindValidation, "decoding container workload parameters", err)
	}

	c, err := e.containers.Create(ctx, workload)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, err
	}
	defer func() {
		teardownCtx := context.WithoutCancel(ctx)
		if err := e.containers.Stop(teardownCtx, c.ID, 10*time.Second); err != nil {
			e.log.Warn("stopping container after workload", "container_id", c.ID, "error", err)
		}
		if err := e.containers.Remove(teardownCtx, c.ID); err != nil {
			e.log.Warn("removing container after workload", "container_id", c.ID, "error", err)
		}
	}()

	if err := e.containers.Start(ctx, c.ID); err != nil {
		return Result{Success: false, Error: err.Error()}, err
	}

	if err := e.waitForRunning(ctx, c.ID); err != nil {
		return Result{Success: false, Error: err.Error()}, err
	}

	execResults := make([]map[string]any, 0, len(workload.ExecAfter))
	for _, cmd := range workload.ExecAfter {
		task, execErr := e.containers.Exec(ctx, c.ID, cmd, nil)
		entry := map[string]any{"command": cmd}
		if execErr != nil {
			entry["error"] = execErr.Error()
		} else {
			entry["stdout"] = task.Stdout
			entry["stderr"] = task.Stderr
			entry["exit_code"] = task.ExitCode
		}
		execResults = append(execResults, entry)
	}

	return Result{
		Success: true,
		Output: map[string]any{
			"container_id": c.ID,
			"execs":        execResults,
		},
	}, nil
}

// waitForRunning polls status until the container reports running or a
// terminal state. The poll is short: the container keeps running
// independently of this wait, so the step never blocks on the workload's
// own lifetime.
func (e *Executor) waitForRunning(ctx context.Context, containerID string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(5 * time.Second)
	for {
		c, err := e.containers.Status(ctx, containerID)
		if err != nil {
			return err
		}
		switch c.State {
		case store.ContainerRunning:
			return nil
		case store.ContainerError, store.ContainerExited:
			return errs.New(errs.KindContainer, "container "+containerID+" did not reach running state", nil)
		}
		if time.Now().After(deadline) {
			return nil // still starting; caller proceeds, exec calls will fail fast if it never comes up
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func decodeContainerWorkload(params map[string]any) (ContainerWorkload, error) {
	var w ContainerWorkload
	image, _ := params["image"].(string)
	w.Image = image
	if name, ok := params["name"].(string); ok {
		w.Name = name
	}
	if rawCmd, ok := params["command"].([]any); ok {
		for _, c := range rawCmd {
			s, ok := c.(string)
			if !ok {
				return w, fmt.Errorf("command entries must be strings")
			}
			w.Command = append(w.Command, s)
		}
	}
	if rawEnv, ok := params["env"].(map[string]any); ok {
		w.Env = make(map[string]string, len(rawEnv))
		for k, v := range rawEnv {
			w.Env[k] = fmt.Sprintf("%v", v)
		}
	}
	if v, ok := params["mem_limit_mb"]; ok {
		n := toInt(v)
		w.MemLimitMB = &n
	}
	if v, ok := params["cpu_limit_pct"]; ok {
		f := toFloat(v)
		w.CPULimitPct = &f
	}
	if rawExecs, ok := params["exec_after"].([]any); ok {
		for _, e := range rawExecs {
			cmdAny, ok := e.([]any)
			if !ok {
				continue
			}
			var cmd []string
			for _, c := range cmdAny {
				if s, ok := c.(string); ok {
					cmd = append(cmd, s)
				}
			}
			w.ExecAfter = append(w.ExecAfter, cmd)
		}
	}
	if image == "" {
		return w, fmt.Errorf("image is required")
	}
	if len(w.Command) == 0 {
		return w, fmt.Errorf("command is required")
	}
	return w, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

// DispatchReasoning runs a reasoning-only step (tool == "none"): it asks
// provider to continue the plan in prose, with no side effects outside
// the returned text.
func (e *Executor) DispatchReasoning(ctx context.Context, systemPrompt, stepDescription string, history []llm.Message, provider llm.Provider) (Result, error) {
	if provider == nil {
		return Result{}, errs.New(errs.KindDependency, "no LLM provider configured for reasoning step", nil)
	}
	messages := make([]llm.Message, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, llm.Message{
		Role:    "user",
		Content: "Continue with the plan. Current step: " + stepDescription,
	})
	text, _, tokens, err := provider.Generate(ctx, messages, nil)
	if err != nil {
		return Result{}, errs.New(errs.KindReasoning, "reasoning step generation failed", err)
	}
	return Result{Success: true, Output: text, Model: provider.ModelName(), Tokens: tokens}, nil
}

// DispatchNoOp returns success immediately.
func (e *Executor) DispatchNoOp(ctx context.Context) (Result, error) {
	return Result{Success: true}, nil
}

// maxChainIterations bounds the multi-tool chaining loop in single_shot
// mode.
const maxChainIterations = 5

// selectionResponse is the JSON shape the LLM is asked to return when
// choosing a tool in single_shot mode.
type selectionResponse struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	Response   string         `json:"response"`
}

// SingleShot presents the full allowed tool catalog, demands a JSON
// reply selecting one tool or returning tool="none" plus a final
// response, and, if the task also trips the multi-tool heuristic, chains
// up to maxChainIterations calls.
func (e *Executor) SingleShot(ctx context.Context, task, systemPrompt string, tools []toolreg.Info, allowedTools []string, provider llm.Provider, chain bool) (Result, int, error) {
	if provider == nil {
		return Result{}, 0, errs.New(errs.KindDependency, "no LLM provider configured", nil)
	}

	history := []llm.Message{
		{Role: "system", Content: selectionPrompt(systemPrompt, tools)},
		{Role: "user", Content: task},
	}

	toolCalls := 0
	maxIter := 1
	if chain {
		maxIter = maxChainIterations
	}

	var last Result
	for i := 0; i < maxIter; i++ {
		text, _, _, err := provider.Generate(ctx, history, nil)
		if err != nil {
			return Result{}, toolCalls, errs.New(errs.KindReasoning, "single_shot generation failed", err)
		}
		sel, err := parseSelection(text)
		if err != nil {
			return Result{Success: true, Output: text}, toolCalls, nil
		}
		if sel.Tool == "" || sel.Tool == "none" {
			return Result{Success: true, Output: sel.Response}, toolCalls, nil
		}

		res, dispatchErr := e.DispatchTool(ctx, sel.Tool, sel.Parameters, allowedTools)
		toolCalls++
		last = res
		if dispatchErr != nil {
			return res, toolCalls, dispatchErr
		}

		history = append(history,
			llm.Message{Role: "assistant", Content: fmt.Sprintf("called %s with %v", sel.Tool, sel.Parameters)},
			llm.Message{Role: "tool", Content: fmt.Sprintf("%v", res.Output)},
		)
	}
	return last, toolCalls, nil
}

func selectionPrompt(systemPrompt string, tools []toolreg.Info) string {
	var b strings.Builder
	if systemPrompt != "" {
		b.WriteString(systemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("Respond with strict JSON: {\"tool\": name_or_none, \"parameters\": {...}} " +
		"to call a tool, or {\"tool\": \"none\", \"response\": text} to answer directly.\n")
	b.WriteString("Available tools:\n")
	for _, t := range tools {
		b.WriteString(fmt.Sprintf("- %s: %s\n", t.Name, t.Description))
	}
	return b.String()
}

func parseSelection(text string) (selectionResponse, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	var sel selectionResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(trimmed)), &sel); err != nil {
		return selectionResponse{}, err
	}
	return sel, nil
}
