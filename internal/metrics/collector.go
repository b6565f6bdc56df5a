// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow-core/retry"
	"github.com/BaSui01/agentflow-core/state"
	"github.com/BaSui01/agentflow-core/types"
	"github.com/BaSui01/agentflow-core/workflow"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。
// 同时实现 workflow.Observer、workflow.StoreObserver、retry.Observer 与
// workflow.CircuitBreakerEventHandler，通过 workflow.WithObserver 注入即可接收全部事件。
type Collector struct {
	// 运行指标
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	// 节点指标
	nodesTotal   *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec

	// 重试指标
	retriesTotal   *prometheus.CounterVec
	retryDelay     *prometheus.HistogramVec
	retryOutcomes  *prometheus.CounterVec
	retryAttempts  *prometheus.HistogramVec
	retryErrorCode *prometheus.CounterVec

	// 熔断器指标
	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec

	// 上下文存储指标
	storeBytes     *prometheus.GaugeVec
	storePeakBytes *prometheus.GaugeVec
	storeEntries   *prometheus.GaugeVec
	storeRejected  *prometheus.CounterVec
	storeEvicted   *prometheus.CounterVec

	// 记录器指标
	recorderWrites *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

var (
	_ workflow.Observer                   = (*Collector)(nil)
	_ retry.Observer                      = (*Collector)(nil)
	_ workflow.CircuitBreakerEventHandler = (*Collector)(nil)
	_ workflow.StoreObserver              = (*Collector)(nil)
)

// NewCollector 创建指标收集器并注册到 reg，reg 为 nil 时使用默认注册表
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 运行指标
	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_runs_total",
			Help:      "Total number of flow runs",
		},
		[]string{"workflow", "status"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flow_run_duration_seconds",
			Help:      "Flow run duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"workflow"},
	)

	// 节点指标
	c.nodesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of settled nodes by terminal status",
		},
		[]string{"workflow", "node", "status"},
	)

	c.nodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_execution_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"workflow", "node"},
	)

	// 重试指标
	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retries scheduled",
		},
		[]string{"operation"},
	)

	c.retryDelay = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_delay_seconds",
			Help:      "Backoff delay before each retry in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"operation"},
	)

	c.retryOutcomes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_outcomes_total",
			Help:      "Final outcome of retried operations",
		},
		[]string{"operation", "outcome"}, // outcome: success, failure
	)

	c.retryAttempts = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_attempts",
			Help:      "Attempts used per retried operation",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		},
		[]string{"operation"},
	)

	c.retryErrorCode = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_errors_total",
			Help:      "Errors that triggered a retry, by error code",
		},
		[]string{"operation", "code"},
	)

	// 熔断器指标
	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"node", "from_state", "to_state"},
	)

	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"node"},
	)

	// 上下文存储指标
	c.storeBytes = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "context_store_bytes",
			Help:      "Serialized size of the context store at the end of the last run",
		},
		[]string{"workflow"},
	)

	c.storePeakBytes = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "context_store_peak_bytes",
			Help:      "Peak serialized size of the context store during the last run",
		},
		[]string{"workflow"},
	)

	c.storeEntries = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "context_store_entries",
			Help:      "Number of keys in the context store at the end of the last run",
		},
		[]string{"workflow"},
	)

	c.storeRejected = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_store_rejected_writes_total",
			Help:      "Total number of context store writes rejected by resource limits",
		},
		[]string{"workflow"},
	)

	c.storeEvicted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_store_evictions_total",
			Help:      "Total number of context store keys evicted by automatic cleanup",
		},
		[]string{"workflow"},
	)

	// 记录器指标
	c.recorderWrites = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_writes_total",
			Help:      "Total number of run recorder writes",
		},
		[]string{"recorder", "status"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🔀 工作流指标记录
// =============================================================================

// ObserveRun 实现 workflow.Observer
func (c *Collector) ObserveRun(workflowName string, succeeded bool, duration time.Duration) {
	status := "success"
	if !succeeded {
		status = "failure"
	}
	c.runsTotal.WithLabelValues(workflowName, status).Inc()
	c.runDuration.WithLabelValues(workflowName).Observe(duration.Seconds())
}

// ObserveNode 实现 workflow.Observer。跳过的节点只计数，不计入耗时分布。
func (c *Collector) ObserveNode(workflowName, nodeID string, status workflow.NodeStatus, duration time.Duration) {
	c.nodesTotal.WithLabelValues(workflowName, nodeID, string(status)).Inc()
	if status != workflow.StatusSkipped {
		c.nodeDuration.WithLabelValues(workflowName, nodeID).Observe(duration.Seconds())
	}
}

// ObserveStore 实现 workflow.StoreObserver
func (c *Collector) ObserveStore(workflowName string, stats state.ResourceStats) {
	c.storeBytes.WithLabelValues(workflowName).Set(float64(stats.CurrentSize))
	c.storePeakBytes.WithLabelValues(workflowName).Set(float64(stats.PeakSize))
	c.storeEntries.WithLabelValues(workflowName).Set(float64(stats.Entries))
	c.storeRejected.WithLabelValues(workflowName).Add(float64(stats.Rejected))
	c.storeEvicted.WithLabelValues(workflowName).Add(float64(stats.Evicted))
}

// =============================================================================
// 🔁 重试指标记录
// =============================================================================

// ObserveRetry 实现 retry.Observer
func (c *Collector) ObserveRetry(operation string, _ int, err error, delay time.Duration) {
	c.retriesTotal.WithLabelValues(operation).Inc()
	c.retryDelay.WithLabelValues(operation).Observe(delay.Seconds())
	c.retryErrorCode.WithLabelValues(operation, errorCode(err)).Inc()
}

// ObserveOutcome 实现 retry.Observer
func (c *Collector) ObserveOutcome(operation string, attempts int, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.retryOutcomes.WithLabelValues(operation, outcome).Inc()
	c.retryAttempts.WithLabelValues(operation).Observe(float64(attempts))
}

// =============================================================================
// ⚡ 熔断器指标记录
// =============================================================================

// OnStateChange 实现 workflow.CircuitBreakerEventHandler
func (c *Collector) OnStateChange(event workflow.CircuitBreakerEvent) {
	c.breakerTransitions.WithLabelValues(event.NodeID, event.OldState.String(), event.NewState.String()).Inc()
	c.breakerState.WithLabelValues(event.NodeID).Set(float64(event.NewState))
	c.logger.Debug("circuit breaker state changed",
		zap.String("node_id", event.NodeID),
		zap.String("from", event.OldState.String()),
		zap.String("to", event.NewState.String()),
		zap.String("reason", event.Reason),
	)
}

// =============================================================================
// 💾 记录器与数据库指标
// =============================================================================

// RecordRecorderWrite 记录一次运行记录器写入
func (c *Collector) RecordRecorderWrite(recorder string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	c.recorderWrites.WithLabelValues(recorder, status).Inc()
}

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// errorCode 返回错误码标签，非分类错误归为 unknown
func errorCode(err error) string {
	if err == nil {
		return "none"
	}
	if code := types.GetErrorCode(err); code != "" {
		return string(code)
	}
	return "unknown"
}
