package dsl

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/agentflow-core/types"
	"github.com/BaSui01/agentflow-core/workflow"
)

// Parse 解析 YAML 或 JSON 描述（以 '{' 开头视为 JSON），未知字段报错
func Parse(data []byte) (*WorkflowDSL, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, types.FlowDefinition("workflow description is empty")
	}
	if trimmed[0] == '{' {
		return parseJSON(trimmed)
	}
	return parseYAML(trimmed)
}

// ParseFile 从文件解析 DSL，.json 扩展名按 JSON 解析，其余按 YAML 解析
func ParseFile(filename string) (*WorkflowDSL, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read DSL file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(filename), ".json") {
		return parseJSON(data)
	}
	return parseYAML(data)
}

func parseYAML(data []byte) (*WorkflowDSL, error) {
	var def WorkflowDSL
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
		return nil, types.FlowDefinition("parse YAML").WithCause(err)
	}
	return &def, nil
}

func parseJSON(data []byte) (*WorkflowDSL, error) {
	var def WorkflowDSL
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return nil, types.FlowDefinition("parse JSON").WithCause(err)
	}
	return &def, nil
}

// Compiler 把 DSL 定义编译为可执行的 workflow.Flow
type Compiler struct {
	registry *Registry
	opts     []workflow.FlowOption
}

// NewCompiler 创建编译器，opts 作用于编译出的每个 Flow
func NewCompiler(registry *Registry, opts ...workflow.FlowOption) *Compiler {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Compiler{registry: registry, opts: opts}
}

// Compile 是 NewCompiler(registry, opts...).Compile(def) 的简写
func Compile(def *WorkflowDSL, registry *Registry, opts ...workflow.FlowOption) (*workflow.Flow, error) {
	return NewCompiler(registry, opts...).Compile(def)
}

// Compile 校验定义并构建 Flow。
// 校验错误以 FLOW_DEFINITION_ERROR 返回，可用 errors.As 取出 ValidationErrors。
func (c *Compiler) Compile(def *WorkflowDSL) (*workflow.Flow, error) {
	if errs := NewValidator(c.registry).Validate(def); len(errs) > 0 {
		return nil, types.FlowDefinition(fmt.Sprintf("invalid workflow %q", nameOf(def))).WithCause(errs)
	}

	nodes, err := c.compileNodes(def.Nodes)
	if err != nil {
		return nil, err
	}

	opts := append([]workflow.FlowOption(nil), c.opts...)
	if def.FailurePolicy != "" {
		policy, _ := workflow.ParseFailurePolicy(def.FailurePolicy)
		opts = append(opts, workflow.WithFailurePolicy(policy))
	}
	if def.Retry != nil {
		policy, err := def.Retry.Policy()
		if err != nil {
			return nil, err
		}
		opts = append(opts, workflow.WithDefaultRetry(policy))
	}

	flow, err := workflow.NewFlow(def.Name, nodes, opts...)
	if err != nil {
		return nil, fmt.Errorf("compile workflow %q: %w", def.Name, err)
	}
	return flow, nil
}

func (c *Compiler) compileNodes(defs []NodeDef) ([]*workflow.GraphNode, error) {
	nodes := make([]*workflow.GraphNode, 0, len(defs))
	for i := range defs {
		node, err := c.compileNode(&defs[i])
		if err != nil {
			return nil, fmt.Errorf("build node %s: %w", defs[i].ID, err)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (c *Compiler) compileNode(def *NodeDef) (*workflow.GraphNode, error) {
	node := &workflow.GraphNode{
		ID:           def.ID,
		Dependencies: def.Deps(),
		RunIf:        def.RunIf,
		Metadata:     def.Metadata,
	}

	switch def.Type {
	case NodeTypeMap:
		template, err := c.compileNodes(def.Map.Nodes)
		if err != nil {
			return nil, err
		}
		node.Type = workflow.Map{Template: template, Parallel: def.Map.Parallel, MaxParallel: def.Map.MaxParallel}
	case NodeTypeWhile:
		template, err := c.compileNodes(def.While.Nodes)
		if err != nil {
			return nil, err
		}
		node.Type = workflow.While{Condition: def.While.Condition, MaxIterations: def.While.MaxIterations, Template: template}
	default:
		impl, err := c.registry.Create(def.Type, def.Parameters)
		if err != nil {
			return nil, types.ConfigurationError(err.Error()).WithNode(def.ID).WithCause(err)
		}
		if _, ok := impl.(workflow.Typed); !ok {
			impl = typedNode{Node: impl, typ: def.Type}
		}
		node.Type = workflow.Standard{Node: impl}
	}

	if len(def.InputMapping) > 0 {
		node.InputMapping = make(map[string]workflow.OutputRef, len(def.InputMapping))
		for name, raw := range def.InputMapping {
			ref, err := workflow.ParseOutputRef(raw)
			if err != nil {
				return nil, err
			}
			node.InputMapping[name] = ref
		}
	}
	if len(def.Inputs) > 0 {
		node.InitialInputs = types.ValuesFromMap(def.Inputs)
	}

	if def.Retry != nil {
		policy, err := def.Retry.Policy()
		if err != nil {
			return nil, err
		}
		node.Retry = policy
	}
	if def.Timeout != "" {
		timeout, err := parseDuration("timeout", def.Timeout)
		if err != nil {
			return nil, types.ConfigurationError(err.Error())
		}
		node.Timeout = timeout
	}
	if def.CircuitBreaker != nil {
		cfg, err := def.CircuitBreaker.Config()
		if err != nil {
			return nil, types.ConfigurationError(err.Error())
		}
		node.CircuitBreaker = cfg
	}
	if def.RateLimit != nil {
		rl := *def.RateLimit
		node.RateLimit = &rl
	}
	return node, nil
}

// typedNode 为未实现 Typed 的节点补上 DSL 中声明的类型名
type typedNode struct {
	workflow.Node
	typ string
}

func (n typedNode) NodeType() string { return n.typ }

func nameOf(def *WorkflowDSL) string {
	if def == nil {
		return ""
	}
	return def.Name
}

func sortedNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
