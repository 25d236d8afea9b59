package commbridge

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

func TestInvalidCommandError(t *testing.T) {
	err := NewInvalidCommandError("command type is required")
	assert.Equal(t, "invalid command: command type is required", err.Error())
}

func TestNotRegisteredError(t *testing.T) {
	err := NewNotRegisteredError("model.bogus", []string{"model.a", "model.b"})
	assert.Contains(t, err.Error(), "model.bogus")
	assert.Contains(t, err.Error(), "2 known types")
}

func TestDuplicateResultErrorIsFatalKind(t *testing.T) {
	err := NewDuplicateResultError("cmd-1")
	info := ErrorInfoFrom(err)
	assert.Equal(t, KindDuplicateResult, info.Kind)
	assert.True(t, info.Kind.Fatal())
}

func TestAwaitTimeoutError(t *testing.T) {
	err := NewAwaitTimeoutError("cmd-1", 5*time.Second)
	assert.Contains(t, err.Error(), "cmd-1")
	assert.Contains(t, err.Error(), "5s")
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("disk full")
	err := NewOperationError("extrude failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "extrude failed")
	assert.Contains(t, err.Error(), "disk full")
}

func TestArgumentErrorWithoutCause(t *testing.T) {
	err := NewArgumentError("degree must be positive", nil)
	assert.Equal(t, "argument error: degree must be positive", err.Error())
	assert.Nil(t, errors.Unwrap(err))
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

func TestErrorInfoFromNil(t *testing.T) {
	assert.Nil(t, ErrorInfoFrom(nil))
}

func TestErrorInfoClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"invalid", NewInvalidCommandError("x"), KindInvalidCommand},
		{"not_registered", NewNotRegisteredError("t", nil), KindNotRegistered},
		{"argument", NewArgumentError("x", nil), KindArgumentError},
		{"operation", NewOperationError("x", nil), KindOperationError},
		{"unexpected", NewUnexpectedError("x", "stack"), KindUnexpectedError},
		{"duplicate", NewDuplicateResultError("c"), KindDuplicateResult},
		{"unknown", NewUnknownCommandError("c"), KindUnknownCommand},
		{"timeout", NewAwaitTimeoutError("c", time.Second), KindTimedOut},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			info := ErrorInfoFrom(tc.err)
			require.NotNil(t, info)
			assert.Equal(t, tc.kind, info.Kind)
			assert.NotEmpty(t, info.Message)
		})
	}
}

func TestErrorInfoClassifiesWrappedErrors(t *testing.T) {
	// errors.As must see through fmt.Errorf wrapping.
	wrapped := fmt.Errorf("while executing: %w", NewArgumentError("bad degree", nil))
	info := ErrorInfoFrom(wrapped)
	assert.Equal(t, KindArgumentError, info.Kind)
}

func TestErrorInfoDefaultsToOperationError(t *testing.T) {
	// Plain handler errors classify as operation_error: the envelope was
	// valid and dispatch succeeded, so the host operation is what failed.
	info := ErrorInfoFrom(errors.New("kernel exploded"))
	assert.Equal(t, KindOperationError, info.Kind)
	assert.Equal(t, "kernel exploded", info.Message)
	assert.Equal(t, "*errors.errorString", info.Class)
}

func TestErrorInfoCarriesAvailableTypes(t *testing.T) {
	info := ErrorInfoFrom(NewNotRegisteredError("model.bogus", []string{"model.a"}))
	assert.Equal(t, []string{"model.a"}, info.Available)
}

func TestErrorInfoCarriesStack(t *testing.T) {
	info := ErrorInfoFrom(NewUnexpectedError("panic: nil deref", "goroutine 1 [running]:\nmain.go:10"))
	assert.Contains(t, info.Stack, "goroutine 1")
}

func TestTruncateStack(t *testing.T) {
	short := []byte("short stack")
	assert.Equal(t, "short stack", TruncateStack(short))

	long := []byte(strings.Repeat("x", maxStackBytes+100))
	truncated := TruncateStack(long)
	assert.Contains(t, truncated, "truncated")
	assert.LessOrEqual(t, len(truncated), maxStackBytes+32)
}
