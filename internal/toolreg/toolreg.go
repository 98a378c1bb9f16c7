// Package toolreg is the Tool Registry: the set of tools available to
// the Executor, each classified primitive or cognitive for access
// control, with JSON-schema-shaped parameter declarations.
package toolreg

import (
	"context"
	"fmt"

	"github.com/ariafirmware/aria/internal/registry"
)

// Classification distinguishes tools that touch the outside world
// (primitive: filesystem, network, container exec) from tools that only
// reason over state already gathered (cognitive: summarize, classify).
// Access control does not read it: an agent's allow-list alone decides
// which tools it may call.
type Classification string

const (
	ClassPrimitive Classification = "primitive"
	ClassCognitive Classification = "cognitive"
)

// Parameter is one entry in a tool's JSON-schema-like parameter list.
type Parameter struct {
	Name        string
	Type        string // "string", "number", "boolean", "object", "array"
	Description string
	Required    bool
	Enum        []string
}

// Info describes a tool for prompt construction and validation, without
// exposing its implementation.
type Info struct {
	Name           string
	Description    string
	Classification Classification
	Parameters     []Parameter
}

// Result is the outcome of a tool invocation.
type Result struct {
	Success  bool
	Output   any
	Error    string
	Metadata map[string]any
}

// Tool is implemented by every registered tool.
type Tool interface {
	Info() Info
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// Registry holds every tool known to the firmware, keyed by name.
type Registry struct {
	*registry.BaseRegistry[Tool]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Tool]()}
}

// ValidateArgs checks that args satisfies a tool's declared parameters:
// every required parameter present, every enum-constrained value one of
// its declared options. It does not check types beyond presence, since
// Go's map[string]any loses the JSON Schema type distinctions Execute
// itself must still validate before acting.
func ValidateArgs(info Info, args map[string]any) error {
	for _, p := range info.Parameters {
		v, present := args[p.Name]
		if p.Required && !present {
			return fmt.Errorf("tool %s: missing required parameter %q", info.Name, p.Name)
		}
		if !present || len(p.Enum) == 0 {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		valid := false
		for _, e := range p.Enum {
			if e == s {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("tool %s: parameter %q value %q not in %v", info.Name, p.Name, s, p.Enum)
		}
	}
	return nil
}
