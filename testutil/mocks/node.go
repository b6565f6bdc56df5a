// MockNode 是 workflow.Node 的测试模拟实现。
//
// 支持固定输出、错误注入、前 N 次失败与延迟。
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/agentflow-core/types"
	"github.com/BaSui01/agentflow-core/workflow"
)

// MockNode 记录每次调用的输入并按配置返回
type MockNode struct {
	mu sync.Mutex

	nodeType  string
	outputs   types.Values
	err       error
	failTimes int
	failErr   error
	delay     time.Duration
	fn        func(ctx context.Context, inputs types.Values) (types.Values, error)

	calls []types.Values
}

var (
	_ workflow.Node  = (*MockNode)(nil)
	_ workflow.Typed = (*MockNode)(nil)
)

// NewMockNode 创建返回空输出的 MockNode
func NewMockNode() *MockNode {
	return &MockNode{nodeType: "mock"}
}

// WithType 设置节点类型名
func (m *MockNode) WithType(name string) *MockNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeType = name
	return m
}

// WithOutputs 设置固定输出，值经 types.JSON 规范化
func (m *MockNode) WithOutputs(outputs map[string]any) *MockNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs = types.ValuesFromMap(outputs)
	return m
}

// WithError 每次调用都返回 err
func (m *MockNode) WithError(err error) *MockNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// FailTimes 前 n 次调用返回 err，之后按正常配置返回
func (m *MockNode) FailTimes(n int, err error) *MockNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failTimes = n
	m.failErr = err
	return m
}

// WithDelay 每次调用前等待 d，ctx 取消时提前返回
func (m *MockNode) WithDelay(d time.Duration) *MockNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFunc 使用自定义执行函数，优先于固定输出
func (m *MockNode) WithFunc(fn func(ctx context.Context, inputs types.Values) (types.Values, error)) *MockNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
	return m
}

// NodeType 实现 workflow.Typed
func (m *MockNode) NodeType() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodeType
}

// Execute 实现 workflow.Node
func (m *MockNode) Execute(ctx context.Context, inputs types.Values) (types.Values, error) {
	m.mu.Lock()
	m.calls = append(m.calls, inputs.Clone())
	call := len(m.calls)
	delay, fn, outputs, err := m.delay, m.fn, m.outputs, m.err
	failTimes, failErr := m.failTimes, m.failErr
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if call <= failTimes {
		return nil, failErr
	}
	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, inputs)
	}
	return outputs.Clone(), nil
}

// CallCount 返回调用次数
func (m *MockNode) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Calls 返回每次调用的输入副本
func (m *MockNode) Calls() []types.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Values(nil), m.calls...)
}

// LastInputs 返回最近一次调用的输入，未调用时返回 nil
func (m *MockNode) LastInputs() types.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}
