package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariafirmware/aria/internal/config"
	"github.com/ariafirmware/aria/internal/conversation"
	"github.com/ariafirmware/aria/internal/executor"
	"github.com/ariafirmware/aria/internal/llm"
	"github.com/ariafirmware/aria/internal/planner"
	"github.com/ariafirmware/aria/internal/reflector"
	"github.com/ariafirmware/aria/internal/store"
	"github.com/ariafirmware/aria/internal/toolreg"
)

type fixtureTool struct {
	info    toolreg.Info
	execute func(ctx context.Context, args map[string]any) (toolreg.Result, error)
}

func (f *fixtureTool) Info() toolreg.Info { return f.info }
func (f *fixtureTool) Execute(ctx context.Context, args map[string]any) (toolreg.Result, error) {
	return f.execute(ctx, args)
}

type fixture struct {
	orch      *Orchestrator
	store     *store.Store
	tools     *toolreg.Registry
	providers *llm.Registry
	cfg       config.Config
}

func newFixture(t *testing.T, cfg config.Config, provider llm.Provider, tools ...toolreg.Tool) *fixture {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "aria.db")
	st, err := store.Open(context.Background(), store.Config{Path: dbPath, MaxOpenConns: 1, BusyTimeoutMS: 5000}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	toolRegistry := toolreg.NewRegistry()
	for _, tool := range tools {
		require.NoError(t, toolRegistry.Register(tool.Info().Name, tool))
	}
	providers := llm.NewRegistry()
	require.NoError(t, providers.Register("fake", provider))

	cm := conversation.New(st, nil)
	pl := planner.New(nil)
	ex := executor.New(toolRegistry, nil, nil)
	rf := reflector.New(nil)
	orch := New(st, cm, pl, ex, rf, toolRegistry, providers, cfg, nil)

	return &fixture{orch: orch, store: st, tools: toolRegistry, providers: providers, cfg: cfg}
}

func baseConfig() config.Config {
	var cfg config.Config
	cfg.SetDefaults()
	return cfg
}

func echoAgent() config.AgentConfig {
	return config.AgentConfig{
		Name:         "assistant",
		AllowedTools: []string{"echo"},
		LLM:          config.LLMParams{Model: "fake"},
	}
}

func newEchoTool() *fixtureTool {
	return &fixtureTool{
		info: toolreg.Info{
			Name:        "echo",
			Description: "Echoes a message.",
			Parameters:  []toolreg.Parameter{{Name: "msg", Type: "string", Required: true}},
		},
		execute: func(ctx context.Context, args map[string]any) (toolreg.Result, error) {
			return toolreg.Result{Success: true, Output: map[string]any{"echoed": args["msg"]}}, nil
		},
	}
}

func TestExecuteRejectsEmptyTask(t *testing.T) {
	f := newFixture(t, baseConfig(), &llm.FakeProvider{})

	result, err := f.orch.Execute(context.Background(), "   ", echoAgent(), nil)
	require.Error(t, err)
	assert.False(t, result.Success)
}

func TestSingleShotEchoes(t *testing.T) {
	provider := &llm.FakeProvider{Responses: []string{
		`{"tool":"echo","parameters":{"msg":"hi"}}`,
		"I said hi as requested.",
	}}
	f := newFixture(t, baseConfig(), provider, newEchoTool())

	result, err := f.orch.Execute(context.Background(), "Say hi", echoAgent(), nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, planner.ModeSingleShot, result.Mode)
	assert.Equal(t, 1, result.Metrics.StepCount)
	assert.Equal(t, 1, result.Metrics.ToolCallCount)
	assert.Contains(t, result.FinalResponse, "hi")

	// The session closed completed with the final assistant turn appended.
	sess, err := f.store.GetSession(context.Background(), result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, sess.Status)
	turns, err := f.store.ListTurns(context.Background(), result.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, store.RoleUser, turns[0].Role)
	assert.Equal(t, store.RoleAssistant, turns[1].Role)
}

func TestPlannedChainResolvesPlaceholder(t *testing.T) {
	var savedContent string
	search := &fixtureTool{
		info: toolreg.Info{
			Name:       "search",
			Parameters: []toolreg.Parameter{{Name: "query", Type: "string", Required: true}},
		},
		execute: func(ctx context.Context, args map[string]any) (toolreg.Result, error) {
			return toolreg.Result{Success: true, Output: map[string]any{"top": "aria: agent firmware"}}, nil
		},
	}
	writeFile := &fixtureTool{
		info: toolreg.Info{
			Name: "write_file",
			Parameters: []toolreg.Parameter{
				{Name: "path", Type: "string", Required: true},
				{Name: "content", Type: "string", Required: true},
			},
		},
		execute: func(ctx context.Context, args map[string]any) (toolreg.Result, error) {
			savedContent, _ = args["content"].(string)
			return toolreg.Result{Success: true, Output: map[string]any{"written": args["path"]}}, nil
		},
	}

	provider := &llm.FakeProvider{Responses: []string{
		`[{"description":"search for aria","tool":"search","parameters":{"query":"aria"}},
		  {"description":"save the first result","tool":"write_file","parameters":{"path":"notes.txt","content":"{{step_1_output.top}}"}}]`,
		"Saved the search result to notes.txt.",
	}}

	f := newFixture(t, baseConfig(), provider, search, writeFile)
	agent := config.AgentConfig{
		Name:         "assistant",
		AllowedTools: []string{"search", "write_file"},
		LLM:          config.LLMParams{Model: "fake"},
	}

	result, err := f.orch.Execute(context.Background(), "First search for 'aria', then save the first result to notes.txt.", agent, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, planner.ModePlanned, result.Mode)
	require.NotNil(t, result.Plan)
	require.Len(t, result.Plan.Steps, 2)
	assert.Equal(t, 2, result.Metrics.StepCount)
	assert.Equal(t, 2, result.Metrics.ToolCallCount)

	// The placeholder was resolved against step 1's output before dispatch.
	assert.Equal(t, "aria: agent firmware", savedContent)

	require.Len(t, result.Steps, 2)
	second := result.Steps[1].Step
	assert.Equal(t, "{{step_1_output.top}}", second.Inputs["content"])
	assert.Equal(t, "aria: agent firmware", second.ResolvedInputs["content"])
	assert.Contains(t, result.FinalResponse, "notes.txt")
}

func TestReflectionDrivenRetry(t *testing.T) {
	calls := 0
	flaky := &fixtureTool{
		info: toolreg.Info{Name: "flaky"},
		execute: func(ctx context.Context, args map[string]any) (toolreg.Result, error) {
			calls++
			if calls == 1 {
				return toolreg.Result{}, errors.New("transient failure")
			}
			return toolreg.Result{Success: true, Output: "recovered"}, nil
		},
	}

	provider := &llm.FakeProvider{Responses: []string{
		`[{"description":"call the flaky tool","tool":"flaky","parameters":{}}]`,
		`{"performance":"poor","quality":"low","suggested_action":"retry","reasoning":"transient","confidence":0.7}`,
		"Recovered after a retry.",
	}}

	f := newFixture(t, baseConfig(), provider, flaky)
	agent := config.AgentConfig{
		Name:         "assistant",
		AllowedTools: []string{"flaky"},
		LLM:          config.LLMParams{Model: "fake"},
		Reflection:   config.ReflectionConfig{Enabled: true, MaxRetries: 2},
	}

	// "then" routes to the planned path so reflection applies.
	result, err := f.orch.Execute(context.Background(), "Call the flaky tool, then report.", agent, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, result.Metrics.ReflectionCount, 1)

	// The failed dispatch carries its reflection; the retry does not.
	require.GreaterOrEqual(t, len(result.Steps), 2)
	assert.NotNil(t, result.Steps[0].Reflection)
	assert.Equal(t, store.ActionRetry, result.Steps[0].Reflection.SuggestedAction)
}

func TestReflectionAbortTerminates(t *testing.T) {
	broken := &fixtureTool{
		info: toolreg.Info{Name: "broken"},
		execute: func(ctx context.Context, args map[string]any) (toolreg.Result, error) {
			return toolreg.Result{}, errors.New("permanent failure")
		},
	}
	provider := &llm.FakeProvider{Responses: []string{
		`[{"description":"call broken","tool":"broken","parameters":{}},
		  {"description":"never reached","tool":"broken","parameters":{}}]`,
		`{"suggested_action":"abort","reasoning":"unrecoverable","confidence":0.9}`,
		"Execution aborted.",
	}}

	f := newFixture(t, baseConfig(), provider, broken)
	agent := config.AgentConfig{
		Name:         "assistant",
		AllowedTools: []string{"broken"},
		LLM:          config.LLMParams{Model: "fake"},
		Reflection:   config.ReflectionConfig{Enabled: true},
	}

	result, err := f.orch.Execute(context.Background(), "First call broken, then do more.", agent, nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "aborted_by_reflection", result.Reason)
	assert.Equal(t, 1, result.Metrics.StepCount)
}

func TestLongPlanCompletesUnderDefaultIterationCap(t *testing.T) {
	// A plan longer than max_iterations but within max_plan_steps runs to
	// completion: ordinary forward dispatch never consumes the chaining
	// budget.
	provider := &llm.FakeProvider{Responses: []string{
		`[{"description":"a","tool":"no_op"},{"description":"b","tool":"no_op"},
		  {"description":"c","tool":"no_op"},{"description":"d","tool":"no_op"},
		  {"description":"e","tool":"no_op"},{"description":"f","tool":"no_op"},
		  {"description":"g","tool":"no_op"}]`,
		"All seven steps done.",
	}}
	f := newFixture(t, baseConfig(), provider)
	agent := config.AgentConfig{Name: "assistant", LLM: config.LLMParams{Model: "fake"}}

	result, err := f.orch.Execute(context.Background(), "First a then b then c then d then e then f then g.", agent, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 7, result.Metrics.StepCount)
}

func TestRetryBudgetExceeded(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxIterations = 1

	broken := &fixtureTool{
		info: toolreg.Info{Name: "broken"},
		execute: func(ctx context.Context, args map[string]any) (toolreg.Result, error) {
			return toolreg.Result{}, errors.New("always fails")
		},
	}
	provider := &llm.FakeProvider{Responses: []string{
		`[{"description":"call broken","tool":"broken","parameters":{}}]`,
		`{"suggested_action":"retry","reasoning":"try again","confidence":0.8}`,
		`{"suggested_action":"retry","reasoning":"try again","confidence":0.8}`,
		"Ran out of budget.",
	}}
	f := newFixture(t, cfg, provider, broken)
	agent := config.AgentConfig{
		Name:         "assistant",
		AllowedTools: []string{"broken"},
		LLM:          config.LLMParams{Model: "fake"},
		Reflection:   config.ReflectionConfig{Enabled: true, MaxRetries: 5},
	}

	result, err := f.orch.Execute(context.Background(), "First call broken, then report.", agent, nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "step_budget_exceeded", result.Reason)
	// Original dispatch is free; the first retry consumes the whole budget
	// of 1, and the second retry attempt trips the cap before dispatching.
	assert.Equal(t, 2, result.Metrics.StepCount)
}

func TestDeadlineStopsIssuingSteps(t *testing.T) {
	cfg := baseConfig()
	cfg.Deadline.Duration = 50 * time.Millisecond

	slow := &fixtureTool{
		info: toolreg.Info{Name: "slow"},
		execute: func(ctx context.Context, args map[string]any) (toolreg.Result, error) {
			time.Sleep(150 * time.Millisecond)
			return toolreg.Result{Success: true, Output: "late"}, nil
		},
	}
	provider := &llm.FakeProvider{Responses: []string{
		`[{"description":"slow step","tool":"slow","parameters":{}},
		  {"description":"never dispatched","tool":"slow","parameters":{}}]`,
		"Timed out.",
	}}

	f := newFixture(t, cfg, provider, slow)
	agent := config.AgentConfig{
		Name:         "assistant",
		AllowedTools: []string{"slow"},
		LLM:          config.LLMParams{Model: "fake"},
	}

	start := time.Now()
	result, err := f.orch.Execute(context.Background(), "First slow, then slow again.", agent, nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "timeout", result.Reason)
	assert.Equal(t, 1, result.Metrics.StepCount, "second step must not be issued")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestUnknownProviderFailsDependency(t *testing.T) {
	f := newFixture(t, baseConfig(), &llm.FakeProvider{})
	agent := config.AgentConfig{Name: "assistant", LLM: config.LLMParams{Model: "missing"}}

	result, err := f.orch.Execute(context.Background(), "Say hi", agent, nil)
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "dependency_unavailable", result.Reason)
}

func TestSessionResume(t *testing.T) {
	provider := &llm.FakeProvider{Responses: []string{
		`{"tool":"none","response":"one"}`,
		"First done.",
		`{"tool":"none","response":"two"}`,
		"Second done.",
	}}
	f := newFixture(t, baseConfig(), provider)
	agent := config.AgentConfig{Name: "assistant", LLM: config.LLMParams{Model: "fake"}}

	first, err := f.orch.Execute(context.Background(), "Say one", agent, nil)
	require.NoError(t, err)
	second, err := f.orch.Execute(context.Background(), "Say two", agent, &first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	turns, err := f.store.ListTurns(context.Background(), first.SessionID, 0)
	require.NoError(t, err)
	assert.Len(t, turns, 4)
}

func TestStepKindRouting(t *testing.T) {
	assert.Equal(t, store.StepReasoning, stepKind(""))
	assert.Equal(t, store.StepReasoning, stepKind("none"))
	assert.Equal(t, store.StepContainerWorkload, stepKind("container_workload"))
	assert.Equal(t, store.StepNoOp, stepKind("no_op"))
	assert.Equal(t, store.StepTool, stepKind("echo"))
}
