// Package llm defines the provider-agnostic interface the Planner,
// Executor, and Reflector call through, plus a registry of named
// providers and an OpenAI-compatible HTTP implementation.
package llm

import (
	"context"

	"github.com/ariafirmware/aria/internal/registry"
)

// Message is the universal chat message shape passed to a Provider.
type Message struct {
	Role    string
	Content string
}

// ToolDefinition describes a tool the provider may choose to call,
// mirrored into the prompt/function-calling schema it understands.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a tool invocation the provider requested.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// StreamChunk is one piece of a streaming generation.
type StreamChunk struct {
	Type     string // "text", "tool_call", "done", "error"
	Text     string
	ToolCall *ToolCall
	Tokens   int
	Err      error
}

// Provider is implemented by each concrete LLM backend.
type Provider interface {
	Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (text string, calls []ToolCall, tokens int, err error)
	GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error)
	ModelName() string
	MaxTokens() int
	Temperature() float64
}

// Registry holds named Providers, one per agent config's llm.model.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}
