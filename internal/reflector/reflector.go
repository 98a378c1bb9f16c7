// Package reflector critiques a failed or borderline step via an LLM
// "ponder" call and recommends continue/retry/modify_plan/abort. The
// Orchestrator invokes it between steps; it holds no state of its own.
package reflector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ariafirmware/aria/internal/llm"
	"github.com/ariafirmware/aria/internal/store"
)

// Assessment is the Reflector's verdict on one step, mirroring the
// stored Reflection entity minus storage-only fields.
type Assessment struct {
	Performance     string
	Quality         string
	SuggestedAction store.SuggestedAction
	Reasoning       string
	Confidence      float64
}

// Reflector critiques steps via an LLM "ponder" call.
type Reflector struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Reflector {
	if log == nil {
		log = slog.Default()
	}
	return &Reflector{log: log}
}

type reflectionResponse struct {
	Performance     string  `json:"performance"`
	Quality         string  `json:"quality"`
	SuggestedAction string  `json:"suggested_action"`
	Reasoning       string  `json:"reasoning"`
	Confidence      float64 `json:"confidence"`
}

// Reflect asks provider to critique a completed step. Unparseable output
// is treated as suggested_action=abort with low confidence rather than
// erroring out; the Orchestrator always gets an actionable Assessment
// back.
func (r *Reflector) Reflect(ctx context.Context, provider llm.Provider, stepDescription string, stepOutput any, stepErr string, planContext string) Assessment {
	if provider == nil {
		return abortAssessment("no LLM provider available for reflection")
	}

	prompt := buildPonderPrompt(stepDescription, stepOutput, stepErr, planContext)
	text, _, _, err := provider.Generate(ctx, []llm.Message{
		{Role: "system", Content: "You are the ponder step: critique the execution step and recommend a next action."},
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		r.log.Warn("reflection LLM call failed", "error", err)
		return abortAssessment("reflection LLM call failed: " + err.Error())
	}

	var resp reflectionResponse
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(text), "```json"), "```"))
	trimmed = strings.TrimPrefix(trimmed, "```")
	if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
		r.log.Warn("reflection output unparseable", "error", err)
		return abortAssessment("reflector produced unparseable output")
	}

	action := store.SuggestedAction(resp.SuggestedAction)
	switch action {
	case store.ActionContinue, store.ActionRetry, store.ActionModifyPlan, store.ActionAbort:
	default:
		action = store.ActionAbort
	}

	return Assessment{
		Performance:     resp.Performance,
		Quality:         resp.Quality,
		SuggestedAction: action,
		Reasoning:       resp.Reasoning,
		Confidence:      resp.Confidence,
	}
}

func abortAssessment(reason string) Assessment {
	return Assessment{
		Performance:     "unknown",
		Quality:         "unknown",
		SuggestedAction: store.ActionAbort,
		Reasoning:       reason,
		Confidence:      0.1,
	}
}

func buildPonderPrompt(description string, output any, stepErr, planContext string) string {
	var b strings.Builder
	b.WriteString("Step: ")
	b.WriteString(description)
	b.WriteString("\n")
	if stepErr != "" {
		b.WriteString(fmt.Sprintf("Error: %s\n", stepErr))
	} else {
		b.WriteString(fmt.Sprintf("Output: %v\n", output))
	}
	if planContext != "" {
		b.WriteString("Plan context: ")
		b.WriteString(planContext)
		b.WriteString("\n")
	}
	b.WriteString("Respond with strict JSON: {\"performance\": ..., \"quality\": ..., " +
		"\"suggested_action\": \"continue|retry|modify_plan|abort\", \"reasoning\": ..., \"confidence\": 0..1}")
	return b.String()
}
