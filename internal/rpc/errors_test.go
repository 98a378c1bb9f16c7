package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/ariafirmware/aria/internal/errs"
)

func TestCodeFor(t *testing.T) {
	tests := []struct {
		kind errs.Kind
		want codes.Code
	}{
		{errs.KindValidation, codes.InvalidArgument},
		{errs.KindPlanning, codes.InvalidArgument},
		{errs.KindTimeout, codes.DeadlineExceeded},
		{errs.KindDependency, codes.Unavailable},
		{errs.KindToolExec, codes.FailedPrecondition},
		{errs.KindContainer, codes.FailedPrecondition},
		{errs.KindInternal, codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CodeFor(tt.kind), tt.kind)
	}
}

func TestToStatusCarriesPayload(t *testing.T) {
	fe := errs.New(errs.KindContainer, "exec in dead container", nil).
		WithGuidance("Check container status", "Start the container").
		WithCorrelationID("corr-9")

	st, payload := ToStatus(fe)
	assert.Equal(t, codes.FailedPrecondition, st.Code())
	assert.Contains(t, st.Message(), "exec in dead container")
	assert.Equal(t, errs.CategoryRuntime, payload.Category)
	assert.Equal(t, "Check container status", payload.UserGuidance)
	assert.Equal(t, []string{"Start the container"}, payload.RecoveryActions)
	assert.Equal(t, "corr-9", payload.CorrelationID)
}

func TestStructRoundTrip(t *testing.T) {
	in := map[string]any{"path": "notes.txt", "count": float64(3), "nested": map[string]any{"ok": true}}
	s, err := StructOf(in)
	require.NoError(t, err)
	assert.Equal(t, in, MapOf(s))

	empty, err := StructOf(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
	assert.Nil(t, MapOf(nil))
}
