package workflow

import (
	"time"

	"github.com/BaSui01/agentflow-core/state"
)

// Observer 接收节点与运行的终态事件，用于指标采集。
// 实现若同时满足 retry.Observer 与 CircuitBreakerEventHandler，也会收到重试与熔断事件。
type Observer interface {
	ObserveNode(workflow, nodeID string, status NodeStatus, duration time.Duration)
	ObserveRun(workflow string, succeeded bool, duration time.Duration)
}

// StoreObserver 在每次运行结束时接收上下文存储的资源统计。
// 通过 WithObserver 注入的观察者实现该接口即可收到。
type StoreObserver interface {
	ObserveStore(workflow string, stats state.ResourceStats)
}

// ObserverFuncs 以函数字段实现 Observer，未设置的字段忽略
type ObserverFuncs struct {
	Node func(workflow, nodeID string, status NodeStatus, duration time.Duration)
	Run  func(workflow string, succeeded bool, duration time.Duration)
}

// ObserveNode 实现 Observer
func (o ObserverFuncs) ObserveNode(workflow, nodeID string, status NodeStatus, duration time.Duration) {
	if o.Node != nil {
		o.Node(workflow, nodeID, status, duration)
	}
}

// ObserveRun 实现 Observer
func (o ObserverFuncs) ObserveRun(workflow string, succeeded bool, duration time.Duration) {
	if o.Run != nil {
		o.Run(workflow, succeeded, duration)
	}
}

// MultiObserver 依次通知多个观察者
type MultiObserver []Observer

// ObserveNode 实现 Observer
func (m MultiObserver) ObserveNode(workflow, nodeID string, status NodeStatus, duration time.Duration) {
	for _, o := range m {
		o.ObserveNode(workflow, nodeID, status, duration)
	}
}

// ObserveRun 实现 Observer
func (m MultiObserver) ObserveRun(workflow string, succeeded bool, duration time.Duration) {
	for _, o := range m {
		o.ObserveRun(workflow, succeeded, duration)
	}
}

// ObserveStore 转发给实现了 StoreObserver 的成员
func (m MultiObserver) ObserveStore(workflow string, stats state.ResourceStats) {
	for _, o := range m {
		if so, ok := o.(StoreObserver); ok {
			so.ObserveStore(workflow, stats)
		}
	}
}
