package dsl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow-core/retry"
	"github.com/BaSui01/agentflow-core/types"
	"github.com/BaSui01/agentflow-core/workflow"
)

func compilePipeline(t *testing.T) (*WorkflowDSL, *workflow.Flow) {
	t.Helper()
	def, err := Parse([]byte(pipelineYAML))
	require.NoError(t, err)
	flow, err := Compile(def, testRegistry(), workflow.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	return def, flow
}

func TestParse_YAML(t *testing.T) {
	def, err := Parse([]byte(pipelineYAML))
	require.NoError(t, err)

	assert.Equal(t, "pipeline", def.Name)
	require.Len(t, def.Nodes, 3)
	assert.Equal(t, []string{"A"}, def.Nodes[1].Deps())
	assert.Equal(t, []string{"B"}, def.Nodes[2].Deps())
	assert.Equal(t, "{{ nodes.A.outputs.x }}", def.Nodes[1].InputMapping["x"])
	assert.Equal(t, "C.result", def.Outputs["result"].From)
	assert.Equal(t, "boolean", def.Inputs["flag"].Type)
}

func TestParse_JSON(t *testing.T) {
	data := `{
	  "name": "json-flow",
	  "nodes": [
	    {"id": "a", "type": "emit", "parameters": {"values": {"x": 1}}},
	    {"id": "b", "type": "scale", "depends_on": ["a"], "input_mapping": {"x": "{{ nodes.a.outputs.x }}"}}
	  ]
	}`
	def, err := Parse([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, "json-flow", def.Name)
	assert.Equal(t, []string{"a"}, def.Nodes[1].Deps())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", "   \n"},
		{"unknown yaml field", "name: x\nnodez: []\n"},
		{"unknown json field", `{"name": "x", "nodez": []}`},
		{"malformed yaml", "name: [unclosed\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrFlowDefinition), err.Error())
		})
	}
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "flow.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(pipelineYAML), 0o644))
	def, err := ParseFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "pipeline", def.Name)

	jsonPath := filepath.Join(dir, "flow.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"name":"j","nodes":[{"id":"a","type":"emit"}]}`), 0o644))
	def, err = ParseFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "j", def.Name)

	_, err = ParseFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestCompile_RunsPipeline(t *testing.T) {
	def, flow := compilePipeline(t)

	inputs, err := ResolveInputs(def, nil)
	require.NoError(t, err)

	res, err := flow.Run(context.Background(), workflow.WithInputs(inputs))
	require.NoError(t, err)
	require.True(t, res.Succeeded(), res.Report())

	assert.Equal(t, []string{"A", "B", "C"}, flow.Order())
	assert.Equal(t, map[string]any{"result": int64(10)}, CollectOutputs(def, res))
}

func TestCompile_GuardFromInput(t *testing.T) {
	def, flow := compilePipeline(t)

	inputs, err := ResolveInputs(def, map[string]string{"flag": "false"})
	require.NoError(t, err)

	res, err := flow.Run(context.Background(), workflow.WithInputs(inputs))
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusSkipped, res.Status("C"))
	assert.Equal(t, map[string]any{"result": nil}, CollectOutputs(def, res))
}

func TestCompile_NodeSettings(t *testing.T) {
	def := &WorkflowDSL{
		Name:          "settings",
		FailurePolicy: "fail_fast",
		Retry:         &RetryDef{MaxAttempts: 2, Strategy: "fixed", Delay: "1ms"},
		Nodes: []NodeDef{{
			ID:             "a",
			Type:           "emit",
			Timeout:        "2s",
			Retry:          &RetryDef{MaxAttempts: 4, Strategy: "linear", Delay: "10ms", Step: "5ms"},
			CircuitBreaker: &CircuitBreakerDef{FailureThreshold: 3, RecoveryTimeout: "1m"},
			RateLimit:      &workflow.RateLimitConfig{RPS: 5, Burst: 1},
			Inputs:         map[string]any{"greeting": "hello {{ name }}"},
			Metadata:       map[string]any{"owner": "ops"},
		}},
	}

	flow, err := Compile(def, testRegistry(), workflow.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	node, ok := flow.Node("a")
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, node.Timeout)
	require.NotNil(t, node.Retry)
	assert.Equal(t, 4, node.Retry.MaxAttempts)
	assert.Equal(t, retry.StrategyLinear, node.Retry.Strategy.Type)
	require.NotNil(t, node.CircuitBreaker)
	assert.Equal(t, 3, node.CircuitBreaker.FailureThreshold)
	assert.Equal(t, time.Minute, node.CircuitBreaker.RecoveryTimeout)
	assert.Equal(t, 5.0, node.RateLimit.RPS)
	assert.Equal(t, "ops", node.Metadata["owner"])

	greeting, ok := node.InitialInputs["greeting"].JSONValue()
	require.True(t, ok)
	assert.Equal(t, "hello {{ name }}", greeting)

	std, ok := node.Type.(workflow.Standard)
	require.True(t, ok)
	typed, ok := std.Node.(workflow.Typed)
	require.True(t, ok)
	assert.Equal(t, "emit", typed.NodeType())
}

func TestCompile_ValidationErrors(t *testing.T) {
	def := &WorkflowDSL{
		Name: "broken",
		Nodes: []NodeDef{
			{ID: "a", Type: "nope"},
			{ID: "b", Type: "scale", DependsOn: []string{"ghost"}},
		},
	}

	_, err := Compile(def, testRegistry())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrFlowDefinition))

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	paths := make([]string, len(verrs))
	for i, e := range verrs {
		paths[i] = e.Path
	}
	assert.Contains(t, paths, "nodes[0].type")
	assert.Contains(t, paths, "nodes[1].depends_on[0]")
}

func TestCompile_Cycle(t *testing.T) {
	def := &WorkflowDSL{
		Name: "cycle",
		Nodes: []NodeDef{
			{ID: "a", Type: "emit", DependsOn: []string{"b"}},
			{ID: "b", Type: "emit", DependsOn: []string{"a"}},
		},
	}

	_, err := Compile(def, testRegistry())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCircularFlow), err.Error())
}

func TestCompile_FactoryError(t *testing.T) {
	def := &WorkflowDSL{
		Name:  "bad-params",
		Nodes: []NodeDef{{ID: "a", Type: "scale", Parameters: map[string]any{"factor": "lots"}}},
	}

	_, err := Compile(def, testRegistry())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfiguration), err.Error())
	assert.Contains(t, err.Error(), "build node a")
}

func TestCompile_MapNode(t *testing.T) {
	data := `
name: fan-out
nodes:
  - id: each
    type: map
    inputs:
      input_list: [1, 2, 3]
    map:
      parallel: true
      max_parallel: 2
      nodes:
        - id: triple
          type: scale
          parameters: {in: item, out: value, factor: 3}
`
	def, err := Parse([]byte(data))
	require.NoError(t, err)
	flow, err := Compile(def, testRegistry(), workflow.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	res, err := flow.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Succeeded(), res.Report())

	out, ok := res.Outputs("each")
	require.True(t, ok)
	raw, _ := out[workflow.MapResults].JSONValue()
	results := raw.([]any)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, map[string]any{"value": int64(3 * (i + 1))}, r.(map[string]any)["triple"])
	}
}

func TestCompile_WhileNode(t *testing.T) {
	data := `
name: loop
nodes:
  - id: grow
    type: while
    inputs:
      x: 1
    while:
      condition: "{{ x }} != 8"
      max_iterations: 10
      nodes:
        - id: step
          type: scale
          parameters: {in: x, out: x, factor: 2}
`
	def, err := Parse([]byte(data))
	require.NoError(t, err)
	flow, err := Compile(def, testRegistry(), workflow.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	res, err := flow.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Succeeded(), res.Report())

	out, _ := res.Outputs("grow")
	x, _ := out["x"].JSONValue()
	assert.Equal(t, int64(8), x)
}
