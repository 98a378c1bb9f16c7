// Package planner classifies a task as simple or multi-step, and for
// multi-step tasks asks an LLM to emit an ordered plan of steps
// referencing tools or reasoning.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/ariafirmware/aria/internal/errs"
	"github.com/ariafirmware/aria/internal/llm"
	"github.com/ariafirmware/aria/internal/store"
	"github.com/ariafirmware/aria/internal/toolreg"
)

// Mode is the classification outcome that routes an execution.
type Mode string

const (
	ModeSingleShot Mode = "single_shot"
	ModePlanned    Mode = "planned"
)

// sequencingCues flag a task as multi-step; length alone (>200 chars) is
// the other heuristic signal.
var sequencingCues = []string{"first", "then", "after", "step 1", "step one", "next,", "finally"}

const lengthThreshold = 200

// defaultConfidence is reported when a plan is synthesized from the
// numbered-line fallback parser, or when the LLM reply omits its own
// confidence.
const defaultConfidence = 0.85

// Planner implements classification and plan generation.
type Planner struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Planner {
	if log == nil {
		log = slog.Default()
	}
	return &Planner{log: log}
}

// Classify applies the cheap routing heuristic. It has no safety role:
// it only picks a path, never gates correctness.
func (p *Planner) Classify(task string) Mode {
	if len(task) > lengthThreshold {
		return ModePlanned
	}
	lower := strings.ToLower(task)
	for _, cue := range sequencingCues {
		if strings.Contains(lower, cue) {
			return ModePlanned
		}
	}
	if stepNPattern.MatchString(lower) {
		return ModePlanned
	}
	return ModeSingleShot
}

var stepNPattern = regexp.MustCompile(`step\s+\d+`)

// Plan asks provider to decompose task into an ordered list of steps,
// given the tool catalog an agent may reference. It tolerates a bare JSON
// array, an object with key "plan" or "steps", and falls back to
// numbered-line parsing if neither JSON shape parses.
func (p *Planner) Plan(ctx context.Context, task string, tools []toolreg.Info, systemPrompt string, provider llm.Provider, maxSteps int) ([]store.PlanStep, float64, error) {
	if provider == nil {
		return nil, 0, errs.New(errs.KindDependency, "no LLM provider configured for planning", nil)
	}

	prompt := buildPlanningPrompt(task, tools, systemPrompt, maxSteps)
	text, _, _, err := provider.Generate(ctx, []llm.Message{{Role: "system", Content: prompt}, {Role: "user", Content: task}}, nil)
	if err != nil {
		return nil, 0, errs.New(errs.KindPlanning, "calling LLM for plan generation", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, 0, errs.New(errs.KindPlanning, "planner LLM returned an empty response", nil)
	}

	steps, confidence, err := parsePlan(text)
	if err != nil {
		p.log.Warn("planner JSON parse failed, falling back to line parsing", "error", err)
		steps = parseNumberedLines(text)
		confidence = defaultConfidence
		if len(steps) == 0 {
			return nil, 0, errs.New(errs.KindPlanning, "could not parse any steps from planner output", err)
		}
	}

	if maxSteps > 0 && len(steps) > maxSteps {
		return nil, 0, errs.New(errs.KindPlanning, fmt.Sprintf("plan has %d steps, exceeds max of %d", len(steps), maxSteps), nil)
	}
	return steps, confidence, nil
}

func buildPlanningPrompt(task string, tools []toolreg.Info, systemPrompt string, maxSteps int) string {
	var b strings.Builder
	if systemPrompt != "" {
		b.WriteString(systemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("You are decomposing a task into an ordered execution plan.\n")
	b.WriteString("Available tools (use the sentinel \"none\" for a reasoning-only step):\n")
	for _, t := range tools {
		b.WriteString(fmt.Sprintf("- %s: %s (params: %s)\n", t.Name, t.Description, paramSummary(t.Parameters)))
	}
	b.WriteString(fmt.Sprintf("\nRespond with strict JSON: either a bare array of steps, or an object "+
		"with a \"plan\" or \"steps\" key holding the array. Each step has "+
		"\"description\", \"tool\", \"parameters\", and \"success_criterion\". "+
		"Plan no more than %d steps.\n", maxSteps))
	b.WriteString("Task: ")
	b.WriteString(task)
	return b.String()
}

func paramSummary(params []toolreg.Parameter) string {
	names := make([]string, 0, len(params))
	for _, p := range params {
		names = append(names, p.Name)
	}
	return strings.Join(names, ", ")
}

// planResponse covers both JSON shapes the LLM may return: a bare array,
// or an object wrapping it under "plan" or "steps".
type planResponse struct {
	Plan       []store.PlanStep `json:"plan"`
	Steps      []store.PlanStep `json:"steps"`
	Confidence float64          `json:"confidence"`
}

func parsePlan(text string) ([]store.PlanStep, float64, error) {
	trimmed := strings.TrimSpace(stripCodeFence(text))

	var arr []store.PlanStep
	if err := json.Unmarshal([]byte(trimmed), &arr); err == nil && len(arr) > 0 {
		return arr, defaultConfidence, nil
	}

	var obj planResponse
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		steps := obj.Plan
		if len(steps) == 0 {
			steps = obj.Steps
		}
		if len(steps) > 0 {
			conf := obj.Confidence
			if conf <= 0 {
				conf = defaultConfidence
			}
			return steps, conf, nil
		}
	}
	return nil, 0, fmt.Errorf("planner output is neither a step array nor a plan/steps object")
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

// numberedLinePattern matches "1. description" or "1) description" lines,
// optionally followed by "[tool: name]" to name a tool.
var numberedLinePattern = regexp.MustCompile(`^\s*(\d+)[.)]\s+(.*)$`)
var toolAnnotationPattern = regexp.MustCompile(`\[tool:\s*([a-zA-Z0-9_]+)\]`)

// parseNumberedLines is the fallback when the LLM doesn't produce valid
// JSON: it extracts description and an optional tool annotation from
// plain numbered lines.
func parseNumberedLines(text string) []store.PlanStep {
	var steps []store.PlanStep
	for _, line := range strings.Split(text, "\n") {
		m := numberedLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if _, err := strconv.Atoi(m[1]); err != nil {
			continue
		}
		desc := m[2]
		tool := "none"
		if tm := toolAnnotationPattern.FindStringSubmatch(desc); tm != nil {
			tool = tm[1]
			desc = strings.TrimSpace(toolAnnotationPattern.ReplaceAllString(desc, ""))
		}
		steps = append(steps, store.PlanStep{
			Description: strings.TrimSpace(desc),
			Tool:        tool,
		})
	}
	return steps
}
