// Package orchestrator is the top-level state machine driving one task
// from submission to final response: open the conversation, classify and
// plan, loop the executor over steps with reflection-driven recovery,
// then finalize.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ariafirmware/aria/internal/config"
	"github.com/ariafirmware/aria/internal/conversation"
	"github.com/ariafirmware/aria/internal/errs"
	"github.com/ariafirmware/aria/internal/executor"
	"github.com/ariafirmware/aria/internal/llm"
	"github.com/ariafirmware/aria/internal/observability"
	"github.com/ariafirmware/aria/internal/placeholder"
	"github.com/ariafirmware/aria/internal/planner"
	"github.com/ariafirmware/aria/internal/reflector"
	"github.com/ariafirmware/aria/internal/store"
	"github.com/ariafirmware/aria/internal/toolreg"
)

// Metrics summarizes one execution for the caller.
type Metrics struct {
	DurationMS      int64
	StepCount       int
	ToolCallCount   int
	ReflectionCount int
}

// StepOutcome pairs a persisted step with its reflection, if any.
type StepOutcome struct {
	Step       *store.ExecutionStep
	Reflection *store.Reflection
}

// Result is the Orchestrator's one public return shape, populated even
// when the execution fails.
type Result struct {
	Success       bool
	Mode          planner.Mode
	SessionID     string
	Plan          *store.Plan
	Steps         []StepOutcome
	FinalResponse string
	Metrics       Metrics
	Reason        string
}

// Orchestrator wires the Conversation Manager, Planner, Executor, and
// Reflector against one Store and tool/LLM registries.
type Orchestrator struct {
	store     *store.Store
	cm        *conversation.Manager
	planner   *planner.Planner
	executor  *executor.Executor
	reflector *reflector.Reflector
	tools     *toolreg.Registry
	providers *llm.Registry
	cfg       config.Config
	log       *slog.Logger
}

func New(
	st *store.Store,
	cm *conversation.Manager,
	pl *planner.Planner,
	ex *executor.Executor,
	rf *reflector.Reflector,
	tools *toolreg.Registry,
	providers *llm.Registry,
	cfg config.Config,
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{store: st, cm: cm, planner: pl, executor: ex, reflector: rf, tools: tools, providers: providers, cfg: cfg, log: log}
}

// Execute runs one task-to-response execution for agentCfg. sessionID,
// if non-nil, resumes an existing session.
func (o *Orchestrator) Execute(ctx context.Context, task string, agentCfg config.AgentConfig, sessionID *string) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.execute", attribute.String("agent", agentCfg.Name))
	var execErr error
	defer func() { observability.EndWithError(span, execErr) }()

	start := time.Now()
	if strings.TrimSpace(task) == "" {
		execErr = errs.New(errs.KindValidation, "task must not be empty", nil)
		return Result{Success: false, Reason: "invalid_agent_config"}, execErr
	}

	deadline := o.cfg.Deadline.Duration
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	sess, err := o.cm.Open(execCtx, agentCfg.Name, sessionID)
	if err != nil {
		execErr = errs.New(errs.KindDependency, "opening session", err)
		return Result{Success: false, Reason: "dependency_unavailable"}, execErr
	}
	result := Result{SessionID: sess.ID}

	if _, err := o.cm.RecordTurn(execCtx, sess.ID, store.RoleUser, task, nil); err != nil {
		execErr = errs.New(errs.KindDependency, "recording user turn", err)
		return result, execErr
	}

	provider, ok := o.providers.Get(agentCfg.LLM.Model)
	if !ok {
		result.Reason = "dependency_unavailable"
		o.finalize(execCtx, sess.ID, nil, true, &result)
		execErr = errs.New(errs.KindDependency, "no LLM provider registered for model "+agentCfg.LLM.Model, nil)
		return result, execErr
	}

	toolsInfo := o.catalogFor(agentCfg.AllowedTools)
	mode := o.planner.Classify(task)
	result.Mode = mode

	var anyFailure bool
	switch mode {
	case planner.ModeSingleShot:
		anyFailure = o.runSingleShot(execCtx, task, agentCfg, sess.ID, toolsInfo, provider, &result)
	default:
		anyFailure = o.runPlanned(execCtx, task, agentCfg, sess.ID, toolsInfo, provider, &result)
	}

	o.finalize(execCtx, sess.ID, provider, anyFailure, &result)
	result.Metrics.DurationMS = time.Since(start).Milliseconds()
	result.Success = !anyFailure && result.Reason == ""
	return result, nil
}

func (o *Orchestrator) finalize(ctx context.Context, sessionID string, provider llm.Provider, anyFailure bool, result *Result) {
	turn, err := o.cm.Finalize(ctx, sessionID, provider, anyFailure)
	if err != nil {
		o.log.Warn("finalizing conversation", "session_id", sessionID, "error", err)
		return
	}
	result.FinalResponse = turn.Content
}

func (o *Orchestrator) catalogFor(allowed []string) []toolreg.Info {
	out := make([]toolreg.Info, 0, len(allowed))
	for _, name := range allowed {
		if t, ok := o.tools.Get(name); ok {
			out = append(out, t.Info())
		}
	}
	return out
}

// multiToolMarkers trigger the short chaining loop in single_shot mode.
var multiToolMarkers = []string{"first", "then", "both", "and then"}

func hasMultiToolMarkers(task string) bool {
	lower := strings.ToLower(task)
	for _, m := range multiToolMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// runSingleShot dispatches the single_shot path as one synthetic step,
// returning whether the execution should be considered failed.
func (o *Orchestrator) runSingleShot(ctx context.Context, task string, agentCfg config.AgentConfig, sessionID string, tools []toolreg.Info, provider llm.Provider, result *Result) bool {
	plan, err := o.store.CreatePlan(ctx, sessionID, task, nil, 1.0)
	if err != nil {
		o.log.Warn("recording single_shot plan", "error", err)
	}
	planID := ""
	if plan != nil {
		planID = plan.ID
	}

	step, err := o.store.CreateStep(ctx, sessionID, planID, 1, task, store.StepTool, map[string]any{})
	if err != nil {
		o.log.Warn("recording single_shot step", "error", err)
		return true
	}
	stepStart := time.Now()
	_ = o.store.StartStep(ctx, step.ID, map[string]any{})

	chain := hasMultiToolMarkers(task) && len(agentCfg.AllowedTools) > 0
	res, toolCalls, dispatchErr := o.executor.SingleShot(ctx, task, agentCfg.SystemPrompt, tools, agentCfg.AllowedTools, provider, chain)

	success := dispatchErr == nil && res.Success
	_ = o.store.FinishStep(ctx, step.ID, resultMap(res), success, time.Since(stepStart).Milliseconds())

	result.Metrics.StepCount = 1
	result.Metrics.ToolCallCount = toolCalls
	finalStep, _ := o.store.GetStep(ctx, step.ID)
	result.Steps = append(result.Steps, StepOutcome{Step: finalStep})

	if !success {
		result.Reason = firstFailureReason(dispatchErr)
	}
	return !success
}

// runPlanned generates a plan, then iterates its steps with placeholder
// resolution and reflection-driven recovery.
func (o *Orchestrator) runPlanned(ctx context.Context, task string, agentCfg config.AgentConfig, sessionID string, tools []toolreg.Info, provider llm.Provider, result *Result) bool {
	maxSteps := o.cfg.MaxPlanSteps
	if maxSteps <= 0 {
		maxSteps = 10
	}
	maxIterations := o.cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 5
	}

	planSteps, confidence, err := o.planner.Plan(ctx, task, tools, agentCfg.SystemPrompt, provider, maxSteps)
	if err != nil {
		result.Reason = "planning_failed"
		return true
	}

	plan, err := o.store.CreatePlan(ctx, sessionID, task, planSteps, confidence)
	if err != nil {
		o.log.Warn("recording plan", "error", err)
		result.Reason = "dependency_unavailable"
		return true
	}
	result.Plan = plan

	stepResults := placeholder.StepResults{}
	retries := map[int]int{}
	steps := append([]store.PlanStep(nil), planSteps...)
	// spliced marks steps inserted by modify_plan; only those and retries
	// consume the chaining budget. Plan length itself is already bounded
	// by maxSteps, so ordinary forward dispatch is free.
	spliced := make([]bool, len(steps))

	budgetUsed := 0
	completed := 0
	anyFailure := false

execLoop:
	for position := 0; position < len(steps); {
		if ctx.Err() != nil {
			result.Reason = "timeout"
			anyFailure = true
			break
		}
		if spliced[position] || retries[position] > 0 {
			budgetUsed++
			if budgetUsed > maxIterations {
				result.Reason = "step_budget_exceeded"
				anyFailure = true
				break
			}
		}

		ps := steps[position]
		kind := stepKind(ps.Tool)

		resolvedParams, warnings := placeholder.Resolve(asAny(ps.Parameters), stepResults)
		for _, w := range warnings {
			o.log.Debug("unresolved placeholder", "step", position+1, "placeholder", w.Placeholder, "reason", w.Reason)
		}
		resolvedMap, _ := resolvedParams.(map[string]any)

		step, err := o.store.CreateStep(ctx, sessionID, plan.ID, position+1, ps.Description, kind, ps.Parameters)
		if err != nil {
			o.log.Warn("recording step", "error", err)
			result.Reason = "dependency_unavailable"
			anyFailure = true
			break
		}
		stepStart := time.Now()
		_ = o.store.StartStep(ctx, step.ID, resolvedMap)

		res, dispatchErr := o.dispatch(ctx, kind, ps, resolvedMap, agentCfg, provider)
		success := dispatchErr == nil && res.Success
		_ = o.store.FinishStep(ctx, step.ID, resultMap(res), success, time.Since(stepStart).Milliseconds())
		if kind == store.StepTool {
			result.Metrics.ToolCallCount++
		}
		result.Metrics.StepCount++

		finalStep, _ := o.store.GetStep(ctx, step.ID)
		outcome := StepOutcome{Step: finalStep}

		if success {
			// Placeholders reference the Nth *completed* step, so a retried
			// step occupies one slot no matter how many dispatches it took.
			completed++
			stepResults[completed] = res.Output
			result.Steps = append(result.Steps, outcome)
			position++
			continue
		}

		if !agentCfg.Reflection.Enabled {
			result.Steps = append(result.Steps, outcome)
			result.Reason = firstFailureReason(dispatchErr)
			anyFailure = true
			break
		}

		assessment := o.reflector.Reflect(ctx, provider, ps.Description, res.Output, res.Error, task)
		result.Metrics.ReflectionCount++
		reflection, reflErr := o.store.CreateReflection(ctx, step.ID, assessment.Performance, assessment.Quality, assessment.SuggestedAction, assessment.Reasoning, assessment.Confidence)
		if reflErr == nil {
			_ = o.store.SetStepReflection(ctx, step.ID, reflection.ID)
			outcome.Reflection = reflection
		}
		result.Steps = append(result.Steps, outcome)

		maxRetries := agentCfg.Reflection.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 2
		}

		switch assessment.SuggestedAction {
		case store.ActionContinue:
			position++
		case store.ActionRetry:
			if retries[position] >= maxRetries {
				result.Reason = "execution.tool"
				anyFailure = true
				break execLoop
			}
			retries[position]++
			// position stays the same: the step is redispatched next iteration.
		case store.ActionModifyPlan:
			continuation, planErr := o.splicePlan(ctx, task, ps, res.Error, tools, agentCfg.SystemPrompt, provider, maxSteps-len(steps))
			if planErr != nil || len(continuation) == 0 {
				result.Reason = "planning_failed"
				anyFailure = true
				break execLoop
			}
			steps = append(steps[:position+1], append(continuation, steps[position+1:]...)...)
			flags := make([]bool, len(continuation))
			for i := range flags {
				flags[i] = true
			}
			spliced = append(spliced[:position+1], append(flags, spliced[position+1:]...)...)
			// Retry counts are keyed by position; shift the ones past the
			// insertion point so they keep tracking the same steps.
			shifted := make(map[int]int, len(retries))
			for pos, n := range retries {
				if pos > position {
					pos += len(continuation)
				}
				shifted[pos] = n
			}
			retries = shifted
			position++
		case store.ActionAbort:
			result.Reason = "aborted_by_reflection"
			anyFailure = true
			break execLoop
		}
	}

	return anyFailure
}

// splicePlan asks the Planner for a short continuation after a failed
// step. The continuation is spliced in after the failed index; already
// executed steps and their results stay untouched.
func (o *Orchestrator) splicePlan(ctx context.Context, task string, failed store.PlanStep, failureErr string, tools []toolreg.Info, systemPrompt string, provider llm.Provider, budget int) ([]store.PlanStep, error) {
	if budget <= 0 {
		budget = 2
	}
	continuation := fmt.Sprintf(
		"The original task was: %q. Step %q failed with: %s. Propose up to %d follow-up steps to recover and complete the task.",
		task, failed.Description, failureErr, budget,
	)
	steps, _, err := o.planner.Plan(ctx, continuation, tools, systemPrompt, provider, budget)
	return steps, err
}

func (o *Orchestrator) dispatch(ctx context.Context, kind store.StepKind, ps store.PlanStep, params map[string]any, agentCfg config.AgentConfig, provider llm.Provider) (executor.Result, error) {
	switch kind {
	case store.StepReasoning:
		return o.executor.DispatchReasoning(ctx, agentCfg.SystemPrompt, ps.Description, nil, provider)
	case store.StepContainerWorkload:
		return o.executor.DispatchContainer(ctx, params)
	case store.StepNoOp:
		return o.executor.DispatchNoOp(ctx)
	default:
		return o.executor.DispatchTool(ctx, ps.Tool, params, agentCfg.AllowedTools)
	}
}

func stepKind(tool string) store.StepKind {
	switch tool {
	case "", "none":
		return store.StepReasoning
	case "container_workload":
		return store.StepContainerWorkload
	case "no_op", "noop":
		return store.StepNoOp
	default:
		return store.StepTool
	}
}

func resultMap(res executor.Result) map[string]any {
	return map[string]any{
		"success": res.Success,
		"output":  res.Output,
		"error":   res.Error,
		"tool":    res.ToolName,
		"model":   res.Model,
		"tokens":  res.Tokens,
	}
}

func asAny(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func firstFailureReason(err error) string {
	if err == nil {
		return "execution_failed"
	}
	if errs.Is(err, errs.KindValidation) {
		return "validation"
	}
	if errs.Is(err, errs.KindToolExec) {
		return "execution.tool"
	}
	if errs.Is(err, errs.KindContainer) {
		return "execution.container"
	}
	if errs.Is(err, errs.KindReasoning) {
		return "execution.reasoning"
	}
	if errs.Is(err, errs.KindDependency) {
		return "dependency"
	}
	return "internal"
}
