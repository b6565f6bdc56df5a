package workflow

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow-core/retry"
	"github.com/BaSui01/agentflow-core/types"
)

// ---------------------------------------------------------------------------
// Mock helpers
// ---------------------------------------------------------------------------

func newTestFlow(t *testing.T, nodes ...*GraphNode) *Flow {
	t.Helper()
	f, err := NewFlow("test", nodes, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	return f
}

func runFlow(t *testing.T, f *Flow, opts ...RunOption) *Result {
	t.Helper()
	res, err := f.Run(context.Background(), opts...)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

// constNode returns the same outputs on every call
func constNode(outputs map[string]any) NodeFunc {
	return func(context.Context, types.Values) (types.Values, error) {
		return types.ValuesFromMap(outputs), nil
	}
}

// failNode always fails with err
func failNode(err error) NodeFunc {
	return func(context.Context, types.Values) (types.Values, error) {
		return nil, err
	}
}

// countingNode counts invocations and delegates to fn
type countingNode struct {
	calls atomic.Int32
	fn    NodeFunc
}

func (n *countingNode) Execute(ctx context.Context, inputs types.Values) (types.Values, error) {
	n.calls.Add(1)
	return n.fn(ctx, inputs)
}

// flakyNode fails the first `failures` calls with err
type flakyNode struct {
	failures int32
	err      error
	calls    atomic.Int32
}

func (n *flakyNode) Execute(context.Context, types.Values) (types.Values, error) {
	if c := n.calls.Add(1); c <= n.failures {
		return nil, n.err
	}
	return types.Values{"ok": types.JSON(true)}, nil
}

// blockingNode waits until ctx is done or d elapses
func blockingNode(d time.Duration) NodeFunc {
	return func(ctx context.Context, _ types.Values) (types.Values, error) {
		select {
		case <-time.After(d):
			return types.Values{"done": types.JSON(true)}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func intValue(v types.FlowValue) (int64, error) {
	raw, _ := v.JSONValue()
	switch n := raw.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("not a number: %T", raw)
}

func fastRetry(attempts int) *retry.Policy {
	return &retry.Policy{MaxAttempts: attempts, Strategy: retry.Fixed(time.Millisecond)}
}

func outputOf(t *testing.T, res *Result, id, field string) any {
	t.Helper()
	out, ok := res.Outputs(id)
	require.True(t, ok, "node %s has no outputs", id)
	v, ok := out[field]
	require.True(t, ok, "node %s has no output %s", id, field)
	raw, _ := v.JSONValue()
	return raw
}
