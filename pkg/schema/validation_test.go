package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_Valid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())

	r.AddWarning("nodes[a]", ErrCodeValidation, "unreachable")
	assert.True(t, r.Valid(), "warnings alone keep the result valid")

	r.AddError("nodes[a].routing[0]", ErrCodeNotFound, "missing target")
	assert.False(t, r.Valid())
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("nodes[a]", ErrCodeValidation, "err1")
	r1.AddWarning("nodes[a]", ErrCodeValidation, "warn1")

	r2 := &ValidationResult{}
	r2.AddError("nodes[b]", ErrCodeNotFound, "err2")
	r2.AddWarning("nodes[b]", ErrCodeValidation, "warn2")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 2)
}

func TestValidationResult_ToError(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddWarning("/", ErrCodeValidation, "just a warning")
		assert.Nil(t, r.ToError())
	})

	t.Run("single error", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddError("nodes[start_node].routing[0]", ErrCodeNotFound, "target ghost not found")

		var fe *FlowError
		require.ErrorAs(t, r.ToError(), &fe)
		assert.Equal(t, ErrCodeValidation, fe.Code)
		assert.Equal(t, "target ghost not found", fe.Message)
		assert.Equal(t, 1, fe.Details["error_count"])
	})

	t.Run("every message kept", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddError("/", ErrCodeNotFound, "missing ghost")
		r.AddError("/", ErrCodeNotFound, "missing phantom")
		r.AddWarning("/", ErrCodeValidation, "warn1")

		err := r.ToError()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "2 errors")
		assert.Contains(t, err.Error(), "ghost")
		assert.Contains(t, err.Error(), "phantom")
		assert.True(t, IsCode(err, ErrCodeValidation))
	})
}

func TestFlowError(t *testing.T) {
	cause := errors.New("disk full")
	err := NewErrorf(ErrCodeNodeFailed, "operation %s failed", "save").WithNode("persist").WithCause(cause)

	assert.Equal(t, "[NODE_FAILED] node persist: operation save failed", err.Error())
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("run: %w", err)
	assert.True(t, IsCode(wrapped, ErrCodeNodeFailed))
	assert.False(t, IsCode(wrapped, ErrCodeConflict))
	assert.False(t, IsCode(cause, ErrCodeNodeFailed))
	assert.Equal(t, "[CONFLICT] busy", NewError(ErrCodeConflict, "busy").Error())
}

func TestActionSpec_Kind(t *testing.T) {
	tests := []struct {
		name   string
		action ActionSpec
		want   string
	}{
		{"goto", ActionSpec{Type: "goto", TargetNodeID: "b"}, ActionTypeGoto},
		{"bare target", ActionSpec{TargetNodeID: "b"}, ActionTypeGoto},
		{"switch", ActionSpec{Operation: "SWITCH", On: "#x"}, OperationSwitch},
		{"invoke", ActionSpec{PrebuiltKey: "echo"}, ActionTypeInvoke},
		{"emit", ActionSpec{Type: "emit", Key: "k", Value: 1}, ActionTypeEmit},
		{"unknown", ActionSpec{Type: "jump"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.action.Kind())
		})
	}
}

func TestStatuses(t *testing.T) {
	assert.True(t, ActivitySucceeded.Terminal())
	assert.True(t, ActivityFailed.Terminal())
	assert.False(t, ActivityPending.Terminal())
	assert.False(t, ActivityRunning.Terminal())

	assert.True(t, Weekly.Valid())
	assert.False(t, Granularity("YEARLY").Valid())
}
