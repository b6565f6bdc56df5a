package dsl

import (
	"fmt"
	"strings"

	"github.com/BaSui01/agentflow-core/workflow"
)

// ValidationError 单条校验错误，Path 指向出错的字段
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors 校验错误列表
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d validation error(s): %s", len(errs), strings.Join(msgs, "; "))
}

// 支持的输入类型
var validInputTypes = map[string]bool{
	"": true, "string": true, "number": true, "integer": true,
	"boolean": true, "object": true, "array": true,
}

// Validator DSL 验证器。Registry 为 nil 时不检查节点类型是否已注册。
type Validator struct {
	registry *Registry
}

// NewValidator 创建验证器
func NewValidator(registry *Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate 验证 DSL 定义，返回全部错误而非首个错误
func (v *Validator) Validate(def *WorkflowDSL) ValidationErrors {
	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if def == nil {
		add("", "workflow definition is nil")
		return errs
	}

	// 基础字段验证
	if strings.TrimSpace(def.Name) == "" {
		add("name", "name is required")
	}
	if _, err := workflow.ParseFailurePolicy(def.FailurePolicy); err != nil {
		add("failure_policy", "unknown failure policy %q", def.FailurePolicy)
	}
	if def.Retry != nil {
		if _, err := def.Retry.Policy(); err != nil {
			add("retry", "%v", err)
		}
	}

	for _, name := range sortedNames(def.Inputs) {
		in := def.Inputs[name]
		path := "inputs." + name
		if !validInputTypes[in.Type] {
			add(path+".type", "unsupported input type %q", in.Type)
			continue
		}
		if in.Default != nil {
			if _, err := coerceDefault(in.Type, in.Default); err != nil {
				add(path+".default", "%v", err)
			}
		}
	}

	ids := v.validateNodes("nodes", def.Nodes, add)

	for _, name := range sortedNames(def.Outputs) {
		path := "outputs." + name + ".from"
		nodeID, _, ok := splitOutputFrom(def.Outputs[name].From)
		if !ok {
			add(path, "expected <node>.<field>, got %q", def.Outputs[name].From)
			continue
		}
		if !ids[nodeID] {
			add(path, "node %q does not exist", nodeID)
		}
	}

	return errs
}

// validateNodes 验证同一作用域内的节点列表，返回该作用域的节点 ID 集合
func (v *Validator) validateNodes(scope string, nodes []NodeDef, add func(path, format string, args ...any)) map[string]bool {
	if len(nodes) == 0 {
		add(scope, "at least one node is required")
	}

	// 收集所有节点 ID
	ids := make(map[string]bool, len(nodes))
	for i, node := range nodes {
		path := fmt.Sprintf("%s[%d].id", scope, i)
		if strings.TrimSpace(node.ID) == "" {
			add(path, "node id is required")
			continue
		}
		if ids[node.ID] {
			add(path, "duplicate node id %q", node.ID)
		}
		ids[node.ID] = true
	}

	for i := range nodes {
		v.validateNode(fmt.Sprintf("%s[%d]", scope, i), &nodes[i], ids, add)
	}
	return ids
}

// validateNode 验证单个节点
func (v *Validator) validateNode(path string, node *NodeDef, ids map[string]bool, add func(path, format string, args ...any)) {
	switch {
	case node.Type == "":
		add(path+".type", "node type is required")
	case v.registry != nil && !v.registry.Has(node.Type):
		add(path+".type", "unknown node type %q", node.Type)
	}

	switch node.Type {
	case NodeTypeMap:
		if node.Map == nil {
			add(path+".map", "map node requires a map definition")
		} else {
			if node.Map.MaxParallel < 0 {
				add(path+".map.max_parallel", "must not be negative")
			}
			v.validateNodes(path+".map.nodes", node.Map.Nodes, add)
		}
	case NodeTypeWhile:
		if node.While == nil {
			add(path+".while", "while node requires a while definition")
		} else {
			if strings.TrimSpace(node.While.Condition) == "" {
				add(path+".while.condition", "condition is required")
			}
			if node.While.MaxIterations <= 0 || node.While.MaxIterations > workflow.WhileMaxLimit {
				add(path+".while.max_iterations", "must be between 1 and %d, got %d", workflow.WhileMaxLimit, node.While.MaxIterations)
			}
			v.validateNodes(path+".while.nodes", node.While.Nodes, add)
		}
	default:
		if node.Map != nil {
			add(path+".map", "only map nodes may carry a map definition")
		}
		if node.While != nil {
			add(path+".while", "only while nodes may carry a while definition")
		}
	}

	// 验证引用的节点存在
	for j, dep := range node.Deps() {
		depPath := fmt.Sprintf("%s.depends_on[%d]", path, j)
		switch {
		case dep == node.ID:
			add(depPath, "node %q depends on itself", dep)
		case !ids[dep]:
			add(depPath, "dependency %q does not exist", dep)
		}
	}
	for _, name := range sortedNames(node.InputMapping) {
		mapPath := path + ".input_mapping." + name
		ref, err := workflow.ParseOutputRef(node.InputMapping[name])
		if err != nil {
			add(mapPath, "malformed reference %q, want {{ nodes.<id>.outputs.<field> }}", node.InputMapping[name])
			continue
		}
		if !ids[ref.NodeID] {
			add(mapPath, "producer %q does not exist", ref.NodeID)
		}
	}

	if node.Retry != nil {
		if _, err := node.Retry.Policy(); err != nil {
			add(path+".retry", "%v", err)
		}
	}
	if node.Timeout != "" {
		if d, err := parseDuration("timeout", node.Timeout); err != nil {
			add(path+".timeout", "%v", err)
		} else if d == 0 {
			add(path+".timeout", "timeout must be positive")
		}
	}
	if node.CircuitBreaker != nil {
		if _, err := node.CircuitBreaker.Config(); err != nil {
			add(path+".circuit_breaker", "%v", err)
		}
	}
	if node.RateLimit != nil && node.RateLimit.RPS <= 0 {
		add(path+".rate_limit.rps", "must be positive")
	}
}

// splitOutputFrom 解析 "<node>.<field>"
func splitOutputFrom(s string) (nodeID, field string, ok bool) {
	nodeID, field, ok = strings.Cut(strings.TrimSpace(s), ".")
	if !ok || nodeID == "" || field == "" {
		return "", "", false
	}
	return nodeID, field, true
}
