package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/agentflow-core/workflow"
)

// MockRecorder 在内存中收集运行记录，可注入写入错误
type MockRecorder struct {
	mu    sync.Mutex
	steps map[string][]*workflow.NodeResult
	runs  []*workflow.Result
	err   error
}

var _ workflow.Recorder = (*MockRecorder)(nil)

// NewMockRecorder 创建 MockRecorder
func NewMockRecorder() *MockRecorder {
	return &MockRecorder{steps: make(map[string][]*workflow.NodeResult)}
}

// WithError 之后的每次写入都返回 err（记录仍会保留）
func (r *MockRecorder) WithError(err error) *MockRecorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
	return r
}

// RecordStep 实现 workflow.Recorder
func (r *MockRecorder) RecordStep(_ context.Context, runID string, step *workflow.NodeResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[runID] = append(r.steps[runID], step)
	return r.err
}

// RecordRun 实现 workflow.Recorder
func (r *MockRecorder) RecordRun(_ context.Context, result *workflow.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, result)
	return r.err
}

// Steps 返回某次运行按写入顺序记录的节点 id
func (r *MockRecorder) Steps(runID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.steps[runID]))
	for _, s := range r.steps[runID] {
		ids = append(ids, s.ID)
	}
	return ids
}

// Runs 返回已记录的运行结果
func (r *MockRecorder) Runs() []*workflow.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*workflow.Result(nil), r.runs...)
}

// NodeEvent 一次节点观测
type NodeEvent struct {
	Workflow string
	NodeID   string
	Status   workflow.NodeStatus
	Duration time.Duration
}

// MockObserver 收集 workflow.Observer 事件
type MockObserver struct {
	mu    sync.Mutex
	nodes []NodeEvent
	runs  []bool
}

var _ workflow.Observer = (*MockObserver)(nil)

// ObserveNode 实现 workflow.Observer
func (o *MockObserver) ObserveNode(wf, nodeID string, status workflow.NodeStatus, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nodes = append(o.nodes, NodeEvent{Workflow: wf, NodeID: nodeID, Status: status, Duration: d})
}

// ObserveRun 实现 workflow.Observer
func (o *MockObserver) ObserveRun(_ string, succeeded bool, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, succeeded)
}

// NodeEvents 返回节点事件副本
func (o *MockObserver) NodeEvents() []NodeEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]NodeEvent(nil), o.nodes...)
}

// RunOutcomes 返回每次运行是否成功
func (o *MockObserver) RunOutcomes() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.runs...)
}
