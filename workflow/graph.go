package workflow

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/BaSui01/agentflow-core/retry"
	"github.com/BaSui01/agentflow-core/types"
)

// NodeType 是节点能力的封闭集合：Standard、Map、While。
// 调度器只通过 Node 契约调用具体实现，从不向下转型到具体节点。
type NodeType interface {
	Kind() string
	sealed()
}

// Standard 包装一个具体节点实现，多个 GraphNode 可共享同一只读实例
type Standard struct {
	Node Node
}

// Kind 实现 NodeType
func (Standard) Kind() string { return "standard" }
func (Standard) sealed()      {}

// Map 对输入 input_list 中的每个元素运行一次模板子图。
// 每次运行的输入为 item，输出 results 为各次子图上下文快照组成的数组。
type Map struct {
	Template    []*GraphNode
	Parallel    bool
	MaxParallel int // 0 表示不限制
}

// Kind 实现 NodeType
func (Map) Kind() string { return "map" }
func (Map) sealed()      {}

// While 在条件为真时反复运行模板子图。
// 条件是针对循环变量解析的模板；每轮结束后出口节点的输出合并回循环变量。
type While struct {
	Condition     string
	MaxIterations int
	Template      []*GraphNode
}

// Kind 实现 NodeType
func (While) Kind() string { return "while" }
func (While) sealed()      {}

// Map / While 的保留输入输出名
const (
	MapInputList  = "input_list"
	MapItem       = "item"
	MapResults    = "results"
	WhileMaxLimit = 10_000
)

// OutputRef 指向某个生产者节点的某个输出字段
type OutputRef struct {
	NodeID string `json:"node_id" yaml:"node_id"`
	Field  string `json:"field" yaml:"field"`
}

// String 返回模板形式的引用
func (r OutputRef) String() string {
	return fmt.Sprintf("{{ nodes.%s.outputs.%s }}", r.NodeID, r.Field)
}

var outputRefPattern = regexp.MustCompile(`^\{\{\s*nodes\.([^.\s{}]+)\.outputs\.([^\s{}]+)\s*\}\}$`)

// ParseOutputRef 解析 "{{ nodes.<id>.outputs.<field> }}"，也接受省略花括号的写法
func ParseOutputRef(s string) (OutputRef, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{{") {
		s = "{{ " + s + " }}"
	}
	m := outputRefPattern.FindStringSubmatch(s)
	if m == nil {
		return OutputRef{}, types.ConfigurationError(fmt.Sprintf("malformed output reference %q, want {{ nodes.<id>.outputs.<field> }}", s))
	}
	return OutputRef{NodeID: m[1], Field: m[2]}, nil
}

// RateLimitConfig 节点级限流配置
type RateLimitConfig struct {
	RPS   float64 `json:"rps" yaml:"rps"`
	Burst int     `json:"burst" yaml:"burst"`
}

// GraphNode 是图中的声明式单元
type GraphNode struct {
	ID             string
	Type           NodeType
	Dependencies   []string
	InputMapping   map[string]OutputRef
	RunIf          string
	InitialInputs  types.Values
	Retry          *retry.Policy
	Timeout        time.Duration
	CircuitBreaker *CircuitBreakerConfig
	RateLimit      *RateLimitConfig
	Metadata       map[string]any
}

// NewNode 创建包装 Standard 节点的 GraphNode
func NewNode(id string, node Node, dependencies ...string) *GraphNode {
	return &GraphNode{ID: id, Type: Standard{Node: node}, Dependencies: dependencies}
}

// typeName 返回用于日志与诊断的节点类型名
func (n *GraphNode) typeName() string {
	if s, ok := n.Type.(Standard); ok {
		if t, ok := s.Node.(Typed); ok {
			return t.NodeType()
		}
	}
	if n.Type == nil {
		return "unknown"
	}
	return n.Type.Kind()
}

// prerequisites 返回声明依赖与输入映射生产者的并集（保持声明顺序）
func (n *GraphNode) prerequisites() []string {
	seen := make(map[string]bool, len(n.Dependencies)+len(n.InputMapping))
	out := make([]string, 0, len(n.Dependencies)+len(n.InputMapping))
	for _, dep := range n.Dependencies {
		if !seen[dep] {
			seen[dep] = true
			out = append(out, dep)
		}
	}
	for _, name := range sortedKeys(n.InputMapping) {
		producer := n.InputMapping[name].NodeID
		if !seen[producer] {
			seen[producer] = true
			out = append(out, producer)
		}
	}
	return out
}

// dependsOn 判断 id 是否为声明依赖
func (n *GraphNode) dependsOn(id string) bool {
	for _, dep := range n.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}
