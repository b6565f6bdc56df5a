// =============================================================================
// 📦 测试数据工厂 - 流程图与 DSL 样例
// =============================================================================
// 提供预定义的图结构与工作流定义文本，用于测试
// =============================================================================
package fixtures

import (
	"fmt"

	"github.com/BaSui01/agentflow-core/testutil/mocks"
	"github.com/BaSui01/agentflow-core/workflow"
)

// =============================================================================
// 🔀 图结构工厂
// =============================================================================

// Linear 返回依次依赖的链式图，每个节点输出 {"step": 序号}
func Linear(ids ...string) ([]*workflow.GraphNode, map[string]*mocks.MockNode) {
	nodes := make([]*workflow.GraphNode, 0, len(ids))
	mocksByID := make(map[string]*mocks.MockNode, len(ids))
	for i, id := range ids {
		m := mocks.NewMockNode().WithOutputs(map[string]any{"step": i + 1})
		mocksByID[id] = m
		var deps []string
		if i > 0 {
			deps = []string{ids[i-1]}
		}
		nodes = append(nodes, workflow.NewNode(id, m, deps...))
	}
	return nodes, mocksByID
}

// Diamond 返回 a -> (b, c) -> d 的菱形图
func Diamond() ([]*workflow.GraphNode, map[string]*mocks.MockNode) {
	m := map[string]*mocks.MockNode{
		"a": mocks.NewMockNode().WithOutputs(map[string]any{"v": "a"}),
		"b": mocks.NewMockNode().WithOutputs(map[string]any{"v": "b"}),
		"c": mocks.NewMockNode().WithOutputs(map[string]any{"v": "c"}),
		"d": mocks.NewMockNode().WithOutputs(map[string]any{"v": "d"}),
	}
	nodes := []*workflow.GraphNode{
		workflow.NewNode("a", m["a"]),
		workflow.NewNode("b", m["b"], "a"),
		workflow.NewNode("c", m["c"], "a"),
		workflow.NewNode("d", m["d"], "b", "c"),
	}
	return nodes, m
}

// FanOut 返回一个根节点加 width 个并行叶子节点
func FanOut(width int) ([]*workflow.GraphNode, map[string]*mocks.MockNode) {
	m := map[string]*mocks.MockNode{"root": mocks.NewMockNode()}
	nodes := []*workflow.GraphNode{workflow.NewNode("root", m["root"])}
	for i := 0; i < width; i++ {
		id := fmt.Sprintf("leaf%d", i)
		m[id] = mocks.NewMockNode().WithOutputs(map[string]any{"i": i})
		nodes = append(nodes, workflow.NewNode(id, m[id], "root"))
	}
	return nodes, m
}

// =============================================================================
// 📄 DSL 样例
// =============================================================================

// EchoPipelineYAML 只使用 echo 节点的三步流程，输出 greeting
const EchoPipelineYAML = `
version: "1"
name: echo-pipeline
inputs:
  name:
    type: string
    default: world
  loud:
    type: boolean
    default: false
nodes:
  - id: hello
    type: echo
    inputs:
      greeting: "hello {{ name }}"
  - id: relay
    type: echo
    depends_on: [hello]
    input_mapping:
      message: "{{ nodes.hello.outputs.greeting }}"
  - id: shout
    type: echo
    depends_on: [relay]
    run_if: "{{ loud }}"
    parameters:
      values:
        volume: high
outputs:
  greeting:
    from: relay.message
`

// InvalidYAML 语法错误的定义
const InvalidYAML = "name: [unterminated"

// CyclicYAML 含环的定义
const CyclicYAML = `
name: cyclic
nodes:
  - id: a
    type: echo
    depends_on: [b]
  - id: b
    type: echo
    depends_on: [a]
`
