package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrNodeExecution, "node blew up").
		WithCause(root).
		WithNode("fetch").
		WithAttempts(2)

	assert.Equal(t, ErrNodeExecution, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, root)
	assert.Equal(t, "[NODE_EXECUTION_FAILED] node fetch: node blew up: root", err.Error())
}

func TestError_DefaultTransience(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code      ErrorCode
		transient bool
	}{
		{ErrNodeExecution, true},
		{ErrTimeout, true},
		{ErrRateLimited, true},
		{ErrCircuitOpen, true},
		{ErrConfiguration, false},
		{ErrFlowDefinition, false},
		{ErrCircularFlow, false},
		{ErrUnknownTransition, false},
		{ErrNodeInput, false},
		{ErrSerialization, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			assert.Equal(t, tc.transient, NewError(tc.code, "x").Retryable)
		})
	}
}

func TestError_ConfigurationNeverRetryable(t *testing.T) {
	t.Parallel()

	err := ConfigurationError("max_attempts must be > 0").WithRetryable(true)
	assert.False(t, err.Retryable)
	assert.True(t, IsPermanent(err))
}

func TestIsRetryable_ForeignErrors(t *testing.T) {
	t.Parallel()

	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("connection reset")))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", NewError(ErrTimeout, "slow"))))
}

func TestIsCode_WalksNestedErrors(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrTimeout, "slow").WithNode("a")
	outer := RetryExhausted(3, inner)

	assert.True(t, IsCode(outer, ErrRetryExhausted))
	assert.True(t, IsCode(outer, ErrTimeout))
	assert.False(t, IsCode(outer, ErrCircularFlow))

	e, ok := AsError(outer)
	require.True(t, ok)
	assert.Equal(t, 3, e.Attempts)
}

func TestNodeFailed_InheritsTransience(t *testing.T) {
	t.Parallel()

	assert.True(t, NodeFailed("a", errors.New("boom")).Retryable)
	assert.False(t, NodeFailed("a", InputError("a", "missing x")).Retryable)
}
