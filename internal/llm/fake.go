package llm

import "context"

// FakeProvider is a deterministic, in-memory Provider used in tests for
// the Planner/Executor/Reflector, so those packages don't need a live
// LLM backend to exercise their control flow.
type FakeProvider struct {
	Name      string
	Responses []string
	calls     int
	MaxTok    int
	Temp      float64
}

func (f *FakeProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []ToolCall, int, error) {
	if f.calls >= len(f.Responses) {
		return "", nil, 0, nil
	}
	resp := f.Responses[f.calls]
	f.calls++
	return resp, nil, len(resp), nil
}

func (f *FakeProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	text, _, tokens, err := f.Generate(ctx, messages, tools)
	ch := make(chan StreamChunk, 2)
	if err != nil {
		ch <- StreamChunk{Type: "error", Err: err}
		close(ch)
		return ch, nil
	}
	ch <- StreamChunk{Type: "text", Text: text}
	ch <- StreamChunk{Type: "done", Tokens: tokens}
	close(ch)
	return ch, nil
}

func (f *FakeProvider) ModelName() string    { return f.Name }
func (f *FakeProvider) MaxTokens() int       { return f.MaxTok }
func (f *FakeProvider) Temperature() float64 { return f.Temp }
