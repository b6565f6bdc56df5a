package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow-core/retry"
	"github.com/BaSui01/agentflow-core/state"
	"github.com/BaSui01/agentflow-core/types"
	"github.com/BaSui01/agentflow-core/workflow"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("test", reg, zap.NewNop()), reg
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector, _ := newTestCollector(t)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.runsTotal)
	assert.NotNil(t, collector.nodesTotal)
	assert.NotNil(t, collector.retriesTotal)
	assert.NotNil(t, collector.breakerTransitions)
}

func TestCollector_ObserveRunAndNode(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.ObserveRun("etl", true, 200*time.Millisecond)
	collector.ObserveRun("etl", false, time.Second)
	collector.ObserveNode("etl", "load", workflow.StatusCompleted, 10*time.Millisecond)
	collector.ObserveNode("etl", "notify", workflow.StatusSkipped, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.runsTotal.WithLabelValues("etl", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.runsTotal.WithLabelValues("etl", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.nodesTotal.WithLabelValues("etl", "load", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.nodesTotal.WithLabelValues("etl", "notify", "skipped")))

	// 跳过的节点不产生耗时样本
	assert.Equal(t, 1, testutil.CollectAndCount(collector.nodeDuration))
}

func TestCollector_RetryEvents(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.ObserveRetry("fetch", 1, types.NewError(types.ErrTimeout, "slow"), 50*time.Millisecond)
	collector.ObserveRetry("fetch", 2, errors.New("plain"), 100*time.Millisecond)
	collector.ObserveOutcome("fetch", 3, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.retriesTotal.WithLabelValues("fetch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.retryErrorCode.WithLabelValues("fetch", "TIMEOUT_EXCEEDED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.retryErrorCode.WithLabelValues("fetch", "unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.retryOutcomes.WithLabelValues("fetch", "failure")))
}

func TestCollector_CircuitBreakerEvents(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.OnStateChange(workflow.CircuitBreakerEvent{
		NodeID:   "fetch",
		OldState: workflow.CircuitClosed,
		NewState: workflow.CircuitOpen,
		Reason:   "threshold reached",
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.breakerTransitions.WithLabelValues("fetch", "closed", "open")))
	assert.Equal(t, float64(workflow.CircuitOpen), testutil.ToFloat64(collector.breakerState.WithLabelValues("fetch")))
}

func TestCollector_RecorderAndDB(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordRecorderWrite("redis", nil)
	collector.RecordRecorderWrite("redis", errors.New("down"))
	collector.RecordDBConnections("history", 4, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.recorderWrites.WithLabelValues("redis", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.recorderWrites.WithLabelValues("redis", "failure")))
	assert.Equal(t, 4.0, testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("history")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("history")))
}

func TestCollector_ObserveStore(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.ObserveStore("etl", state.ResourceStats{CurrentSize: 120, PeakSize: 300, Entries: 3, Rejected: 2, Evicted: 1})
	collector.ObserveStore("etl", state.ResourceStats{CurrentSize: 80, PeakSize: 90, Entries: 2, Rejected: 1})

	assert.Equal(t, 80.0, testutil.ToFloat64(collector.storeBytes.WithLabelValues("etl")))
	assert.Equal(t, 90.0, testutil.ToFloat64(collector.storePeakBytes.WithLabelValues("etl")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.storeEntries.WithLabelValues("etl")))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.storeRejected.WithLabelValues("etl")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.storeEvicted.WithLabelValues("etl")))
}

// TestCollector_StoreLimitsWiredIntoFlow 存储限制拒绝的写入经调度器上报到指标
func TestCollector_StoreLimitsWiredIntoFlow(t *testing.T) {
	collector, _ := newTestCollector(t)

	flow, err := workflow.NewFlow("bounded", []*workflow.GraphNode{
		workflow.NewNode("big", workflow.NodeFunc(func(context.Context, types.Values) (types.Values, error) {
			return types.Values{"blob": types.JSON(strings.Repeat("x", 128))}, nil
		})),
	}, workflow.WithObserver(collector), workflow.WithStoreLimits(state.Limits{MaxValueSize: 32}))
	require.NoError(t, err)

	res, err := flow.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, res.Status("big"))

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.storeRejected.WithLabelValues("bounded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.storeEntries.WithLabelValues("bounded")))
}

// TestCollector_WiredIntoFlow 通过 WithObserver 一次注入后，运行、节点与重试事件都被采集
func TestCollector_WiredIntoFlow(t *testing.T) {
	collector, reg := newTestCollector(t)

	var calls int
	flaky := workflow.NodeFunc(func(context.Context, types.Values) (types.Values, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("transient")
		}
		return types.Values{"ok": types.JSON(true)}, nil
	})

	flow, err := workflow.NewFlowBuilder("instrumented").
		WithLogger(zap.NewNop()).
		WithOptions(workflow.WithObserver(collector)).
		AddNode("flaky", flaky).
		WithRetry(&retry.Policy{MaxAttempts: 3, Strategy: retry.Fixed(time.Millisecond)}).
		Done().
		Build()
	require.NoError(t, err)

	res, err := flow.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Succeeded())

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.runsTotal.WithLabelValues("instrumented", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.nodesTotal.WithLabelValues("instrumented", "flaky", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.retriesTotal.WithLabelValues("flaky")))

	expected := `
# HELP test_retry_outcomes_total Final outcome of retried operations
# TYPE test_retry_outcomes_total counter
test_retry_outcomes_total{operation="flaky",outcome="success"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_retry_outcomes_total"))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector, _ := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.ObserveNode("wf", "n", workflow.StatusCompleted, time.Millisecond)
			collector.ObserveRun("wf", true, time.Millisecond)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50.0, testutil.ToFloat64(collector.nodesTotal.WithLabelValues("wf", "n", "completed")))
	assert.Equal(t, 50.0, testutil.ToFloat64(collector.runsTotal.WithLabelValues("wf", "success")))
}

func TestCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector("dup", reg, zap.NewNop())

	assert.Panics(t, func() {
		NewCollector("dup", reg, zap.NewNop())
	})
}
