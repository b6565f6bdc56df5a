package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow-core/types"
)

func TestFlowBuilder_Build(t *testing.T) {
	f, err := NewFlowBuilder("built").
		WithLogger(zap.NewNop()).
		AddFunc("A", constNode(map[string]any{"x": 5})).
		Done().
		AddFunc("B", doubleNode("x", "y")).
		DependsOn("A").
		MapInput("x", "{{ nodes.A.outputs.x }}").
		WithRetry(fastRetry(2)).
		WithTimeout(time.Second).
		WithMetadata("owner", "tests").
		Done().
		AddLifecycle("C", resultWriter{}).
		DependsOn("B").
		MapOutput("y", "B", "y").
		Done().
		Build()
	require.NoError(t, err)

	assert.Equal(t, "built", f.Name())
	assert.Equal(t, []string{"A", "B", "C"}, f.Order())

	b, _ := f.Node("B")
	assert.Equal(t, OutputRef{NodeID: "A", Field: "x"}, b.InputMapping["x"])
	assert.Equal(t, 2, b.Retry.MaxAttempts)
	assert.Equal(t, "tests", b.Metadata["owner"])

	res := runFlow(t, f)
	assert.Equal(t, int64(10), res.Context["result"])
}

func TestFlowBuilder_CollectsReferenceErrors(t *testing.T) {
	_, err := NewFlowBuilder("bad").
		AddFunc("A", constNode(nil)).
		MapInput("x", "{{ A.x }}").
		Done().
		Build()

	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
	assert.Contains(t, err.Error(), `node "A" input "x"`)
}

func TestFlowBuilder_CompositeNodes(t *testing.T) {
	f, err := NewFlowBuilder("composite").
		AddFunc("seed", constNode(map[string]any{"items": []any{1, 2}})).
		Done().
		AddMap("each", []*GraphNode{NewNode("double", doubleNode(MapItem, "value"))}, true, 0).
		MapInput(MapInputList, "nodes.seed.outputs.items").
		Done().
		AddWhile("loop", "{{ count }} != 2", 5, []*GraphNode{NewNode("inc", incrementNode())}).
		WithInput("count", 0).
		DependsOn("seed").
		RunIf("{{ seed.items }}").
		WithRateLimit(100, 1).
		WithCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3}).
		Done().
		Build()
	require.NoError(t, err)

	res := runFlow(t, f)
	require.True(t, res.Succeeded(), res.Report())
	assert.Len(t, outputOf(t, res, "each", MapResults), 2)
	assert.Equal(t, int64(2), outputOf(t, res, "loop", "count"))
}
