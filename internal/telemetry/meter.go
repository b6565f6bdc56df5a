package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/BaSui01/agentflow-core/state"
	"github.com/BaSui01/agentflow-core/workflow"
)

// Meter 返回 flow 指标使用的 Meter，禁用时回退到全局 MeterProvider
func (p *Providers) Meter() metric.Meter {
	if p == nil || p.mp == nil {
		return otel.GetMeterProvider().Meter(InstrumentationName)
	}
	return p.mp.Meter(InstrumentationName)
}

// FlowMeter 把运行、节点终态与上下文存储占用以 OTLP 指标导出，
// 实现 workflow.Observer 与 workflow.StoreObserver
type FlowMeter struct {
	runs         metric.Int64Counter
	runDuration  metric.Float64Histogram
	nodes        metric.Int64Counter
	nodeDuration metric.Float64Histogram
	storePeak    metric.Int64Gauge
	storeDropped metric.Int64Counter
}

var (
	_ workflow.Observer      = (*FlowMeter)(nil)
	_ workflow.StoreObserver = (*FlowMeter)(nil)
)

// NewFlowMeter 在 meter 上注册 flow.* 指标
func NewFlowMeter(meter metric.Meter) (*FlowMeter, error) {
	runs, err := meter.Int64Counter("flow.runs",
		metric.WithDescription("Completed flow runs"))
	if err != nil {
		return nil, err
	}
	runDuration, err := meter.Float64Histogram("flow.run.duration",
		metric.WithDescription("Flow run duration"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	nodes, err := meter.Int64Counter("flow.nodes",
		metric.WithDescription("Settled nodes by terminal status"))
	if err != nil {
		return nil, err
	}
	nodeDuration, err := meter.Float64Histogram("flow.node.duration",
		metric.WithDescription("Node execution duration"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	storePeak, err := meter.Int64Gauge("flow.store.peak_size",
		metric.WithDescription("Peak serialized size of the run's context store"), metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	storeDropped, err := meter.Int64Counter("flow.store.rejected",
		metric.WithDescription("Context store writes rejected by resource limits"))
	if err != nil {
		return nil, err
	}
	return &FlowMeter{
		runs:         runs,
		runDuration:  runDuration,
		nodes:        nodes,
		nodeDuration: nodeDuration,
		storePeak:    storePeak,
		storeDropped: storeDropped,
	}, nil
}

// ObserveRun 实现 workflow.Observer
func (m *FlowMeter) ObserveRun(workflowName string, succeeded bool, duration time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("workflow", workflowName),
		attribute.Bool("succeeded", succeeded),
	)
	m.runs.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, duration.Seconds(), attrs)
}

// ObserveNode 实现 workflow.Observer，跳过的节点只计数
func (m *FlowMeter) ObserveNode(workflowName, nodeID string, status workflow.NodeStatus, duration time.Duration) {
	ctx := context.Background()
	m.nodes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflowName),
		attribute.String("node", nodeID),
		attribute.String("status", string(status)),
	))
	if status != workflow.StatusSkipped {
		m.nodeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String("workflow", workflowName),
			attribute.String("node", nodeID),
		))
	}
}

// ObserveStore 实现 workflow.StoreObserver
func (m *FlowMeter) ObserveStore(workflowName string, stats state.ResourceStats) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("workflow", workflowName))
	m.storePeak.Record(ctx, int64(stats.PeakSize), attrs)
	if stats.Rejected > 0 {
		m.storeDropped.Add(ctx, int64(stats.Rejected), attrs)
	}
}
