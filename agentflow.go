// Package agentflow provides a top-level entry point that loads a workflow
// definition file, compiles it against a node registry and runs it.
//
// Usage:
//
//	engine := agentflow.New(agentflow.WithLogger(logger))
//	out, err := engine.RunFile(ctx, "pipeline.yaml", map[string]string{"name": "ops"})
//	fmt.Println(out.Outputs["greeting"])
//
// Engines built with [New] know the echo node type; register more through
// [WithRegistry] or [Engine.Registry].
package agentflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow-core/workflow"
	"github.com/BaSui01/agentflow-core/workflow/dsl"
)

// Engine 持有节点注册表与编译时附加的流程选项
type Engine struct {
	registry *dsl.Registry
	logger   *zap.Logger
	flowOpts []workflow.FlowOption
}

// Option configures an [Engine].
type Option func(*Engine)

// WithRegistry 替换节点注册表
func WithRegistry(r *dsl.Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.registry = r
		}
	}
}

// WithLogger sets the logger used by the engine and every compiled flow.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithFlowOptions 追加编译每个流程时使用的选项（记录器、观察者、tracer 等）
func WithFlowOptions(opts ...workflow.FlowOption) Option {
	return func(e *Engine) { e.flowOpts = append(e.flowOpts, opts...) }
}

// New creates an engine. Without [WithRegistry] it uses [NewRegistry].
func New(opts ...Option) *Engine {
	e := &Engine{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	return e
}

// Registry 返回引擎的节点注册表
func (e *Engine) Registry() *dsl.Registry { return e.registry }

// Workflow 是已解析并编译的工作流
type Workflow struct {
	Definition *dsl.WorkflowDSL
	Flow       *workflow.Flow
}

// Output 是一次运行的结果与声明的工作流输出
type Output struct {
	Result  *workflow.Result
	Outputs map[string]any
}

// Load 解析并编译工作流文件
func (e *Engine) Load(path string) (*Workflow, error) {
	def, err := dsl.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return e.compile(def)
}

// LoadBytes 解析并编译 YAML 或 JSON 工作流定义
func (e *Engine) LoadBytes(data []byte) (*Workflow, error) {
	def, err := dsl.Parse(data)
	if err != nil {
		return nil, err
	}
	return e.compile(def)
}

func (e *Engine) compile(def *dsl.WorkflowDSL) (*Workflow, error) {
	opts := append([]workflow.FlowOption{workflow.WithLogger(e.logger)}, e.flowOpts...)
	flow, err := dsl.Compile(def, e.registry, opts...)
	if err != nil {
		return nil, err
	}
	return &Workflow{Definition: def, Flow: flow}, nil
}

// Run 解析原始输入后运行流程。
// 返回的 error 只表示输入或基础设施问题，节点失败体现在 Output.Result 中。
func (w *Workflow) Run(ctx context.Context, raw map[string]string, opts ...workflow.RunOption) (*Output, error) {
	inputs, err := dsl.ResolveInputs(w.Definition, raw)
	if err != nil {
		return nil, err
	}
	runOpts := append([]workflow.RunOption{workflow.WithInputs(inputs)}, opts...)
	res, err := w.Flow.Run(ctx, runOpts...)
	if err != nil {
		return nil, fmt.Errorf("run workflow %q: %w", w.Flow.Name(), err)
	}
	return &Output{Result: res, Outputs: dsl.CollectOutputs(w.Definition, res)}, nil
}

// RunFile 加载并运行工作流文件
func (e *Engine) RunFile(ctx context.Context, path string, raw map[string]string, opts ...workflow.RunOption) (*Output, error) {
	wf, err := e.Load(path)
	if err != nil {
		return nil, err
	}
	return wf.Run(ctx, raw, opts...)
}
