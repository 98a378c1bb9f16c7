package toolreg

import (
	"context"
	"testing"
)

type echoTool struct{}

func (echoTool) Info() Info {
	return Info{
		Name:           "echo",
		Classification: ClassCognitive,
		Parameters: []Parameter{
			{Name: "text", Type: "string", Required: true},
			{Name: "mode", Type: "string", Enum: []string{"upper", "lower"}},
		},
	}
}

func (echoTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	return Result{Success: true, Output: args["text"]}, nil
}

func TestRegistryRegisterAndList(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("echo", echoTool{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if reg.Count() != 1 {
		t.Errorf("Count() = %d, want 1", reg.Count())
	}
	got, ok := reg.Get("echo")
	if !ok || got.Info().Name != "echo" {
		t.Fatal("expected echo tool to be registered")
	}
}

func TestValidateArgsMissingRequired(t *testing.T) {
	err := ValidateArgs(echoTool{}.Info(), map[string]any{})
	if err == nil {
		t.Fatal("expected error for missing required parameter")
	}
}

func TestValidateArgsEnumViolation(t *testing.T) {
	err := ValidateArgs(echoTool{}.Info(), map[string]any{"text": "hi", "mode": "sideways"})
	if err == nil {
		t.Fatal("expected error for invalid enum value")
	}
}

func TestValidateArgsOK(t *testing.T) {
	err := ValidateArgs(echoTool{}.Info(), map[string]any{"text": "hi", "mode": "upper"})
	if err != nil {
		t.Fatalf("ValidateArgs() error = %v", err)
	}
}
