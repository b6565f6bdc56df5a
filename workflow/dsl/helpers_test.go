package dsl

import (
	"context"
	"fmt"

	"github.com/BaSui01/agentflow-core/types"
	"github.com/BaSui01/agentflow-core/workflow"
)

// emitParams configures the emit node
type emitParams struct {
	Values map[string]any `mapstructure:"values"`
}

// scaleParams configures the scale node
type scaleParams struct {
	In     string `mapstructure:"in"`
	Out    string `mapstructure:"out"`
	Factor int64  `mapstructure:"factor"`
}

func newEmit(params map[string]any) (workflow.Node, error) {
	var p emitParams
	if err := DecodeParams(params, &p); err != nil {
		return nil, err
	}
	return workflow.NodeFunc(func(context.Context, types.Values) (types.Values, error) {
		return types.ValuesFromMap(p.Values), nil
	}), nil
}

func newScale(params map[string]any) (workflow.Node, error) {
	p := scaleParams{In: "x", Out: "y", Factor: 1}
	if err := DecodeParams(params, &p); err != nil {
		return nil, err
	}
	return workflow.NodeFunc(func(_ context.Context, inputs types.Values) (types.Values, error) {
		v, ok := inputs[p.In]
		if !ok {
			return nil, fmt.Errorf("missing input %s", p.In)
		}
		raw, _ := v.JSONValue()
		var n int64
		switch x := raw.(type) {
		case int64:
			n = x
		case int:
			n = int64(x)
		case float64:
			n = int64(x)
		default:
			return nil, fmt.Errorf("input %s is %T", p.In, raw)
		}
		return types.Values{p.Out: types.JSON(n * p.Factor)}, nil
	}), nil
}

func testRegistry() *Registry {
	return NewRegistry().
		MustRegister("emit", newEmit).
		MustRegister("scale", newScale)
}

const pipelineYAML = `
version: "1"
name: pipeline
description: three step pipeline
inputs:
  flag:
    type: boolean
    default: true
nodes:
  - id: A
    type: emit
    parameters:
      values:
        x: 5
  - id: B
    type: scale
    dependencies: [A]
    input_mapping:
      x: "{{ nodes.A.outputs.x }}"
    parameters:
      out: y
      factor: 2
  - id: C
    type: scale
    depends_on: [B]
    run_if: "{{ flag }}"
    input_mapping:
      x: "{{ nodes.B.outputs.y }}"
    parameters:
      out: result
      factor: "1"
outputs:
  result:
    from: C.result
    description: final value
`
