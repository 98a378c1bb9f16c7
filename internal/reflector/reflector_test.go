package reflector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ariafirmware/aria/internal/llm"
	"github.com/ariafirmware/aria/internal/store"
)

func TestReflectParsesAssessment(t *testing.T) {
	r := New(nil)
	provider := &llm.FakeProvider{Responses: []string{
		`{"performance":"slow","quality":"partial","suggested_action":"retry","reasoning":"transient failure","confidence":0.8}`,
	}}

	got := r.Reflect(context.Background(), provider, "fetch data", nil, "connection reset", "task context")
	assert.Equal(t, store.ActionRetry, got.SuggestedAction)
	assert.Equal(t, "slow", got.Performance)
	assert.Equal(t, 0.8, got.Confidence)
}

func TestReflectToleratesCodeFence(t *testing.T) {
	r := New(nil)
	provider := &llm.FakeProvider{Responses: []string{
		"```json\n{\"suggested_action\":\"continue\",\"confidence\":0.9}\n```",
	}}

	got := r.Reflect(context.Background(), provider, "step", "output", "", "")
	assert.Equal(t, store.ActionContinue, got.SuggestedAction)
}

func TestReflectUnparseableOutputAborts(t *testing.T) {
	r := New(nil)
	provider := &llm.FakeProvider{Responses: []string{"this is not json at all"}}

	got := r.Reflect(context.Background(), provider, "step", nil, "boom", "")
	assert.Equal(t, store.ActionAbort, got.SuggestedAction)
	assert.Less(t, got.Confidence, 0.5)
}

func TestReflectUnknownActionBecomesAbort(t *testing.T) {
	r := New(nil)
	provider := &llm.FakeProvider{Responses: []string{
		`{"suggested_action":"panic","confidence":0.9}`,
	}}

	got := r.Reflect(context.Background(), provider, "step", nil, "boom", "")
	assert.Equal(t, store.ActionAbort, got.SuggestedAction)
}

func TestReflectNilProviderAborts(t *testing.T) {
	r := New(nil)
	got := r.Reflect(context.Background(), nil, "step", nil, "boom", "")
	assert.Equal(t, store.ActionAbort, got.SuggestedAction)
}

func TestPonderPromptCarriesErrorOrOutput(t *testing.T) {
	withErr := buildPonderPrompt("step one", nil, "it broke", "plan")
	assert.Contains(t, withErr, "Error: it broke")
	assert.Contains(t, withErr, "Plan context: plan")

	withOutput := buildPonderPrompt("step one", "fine result", "", "")
	assert.Contains(t, withOutput, "Output: fine result")
}
