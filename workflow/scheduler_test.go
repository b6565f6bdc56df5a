package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentflow-core/state"
	"github.com/BaSui01/agentflow-core/types"
)

// resultWriter reads input y and writes it to the context under "result"
type resultWriter struct{}

func (resultWriter) Prep(_ context.Context, _ *state.Store, inputs types.Values) (any, error) {
	v, ok := inputs["y"]
	if !ok {
		return nil, errors.New("missing input y")
	}
	raw, _ := v.JSONValue()
	return raw, nil
}

func (resultWriter) Exec(_ context.Context, prep any) (any, error) { return prep, nil }

func (resultWriter) Post(_ context.Context, store *state.Store, _, exec any) (string, error) {
	return "", store.Set("result", exec)
}

func doubleNode(in, out string) NodeFunc {
	return func(_ context.Context, inputs types.Values) (types.Values, error) {
		n, err := intValue(inputs[in])
		if err != nil {
			return nil, err
		}
		return types.Values{out: types.JSON(n * 2)}, nil
	}
}

func pipelineFlow(t *testing.T) *Flow {
	return newTestFlow(t,
		NewNode("A", constNode(map[string]any{"x": 5})),
		&GraphNode{
			ID:           "B",
			Type:         Standard{Node: doubleNode("x", "y")},
			Dependencies: []string{"A"},
			InputMapping: map[string]OutputRef{"x": {NodeID: "A", Field: "x"}},
		},
		&GraphNode{
			ID:           "C",
			Type:         Standard{Node: FromLifecycle(resultWriter{})},
			Dependencies: []string{"B"},
			InputMapping: map[string]OutputRef{"y": {NodeID: "B", Field: "y"}},
		},
	)
}

func TestFlow_Run_Pipeline(t *testing.T) {
	store := state.New()
	res := runFlow(t, pipelineFlow(t), WithStore(store))

	require.True(t, res.Succeeded(), res.Report())
	assert.NoError(t, res.Err())
	assert.Equal(t, []string{"A", "B", "C"}, res.Completed())
	assert.Equal(t, int64(10), res.Context["result"])

	v, ok := store.Get("result")
	require.True(t, ok)
	assert.Equal(t, int64(10), v)

	// 节点输出以节点 id 为键写入上下文
	assert.Equal(t, map[string]any{"y": int64(10)}, res.Context["B"])
	assert.Equal(t, "10", store.ResolveTemplate("{{ nodes.B.outputs.y }}"))
}

func TestFlow_Run_IsRepeatable(t *testing.T) {
	f := pipelineFlow(t)
	for i := 0; i < 3; i++ {
		res := runFlow(t, f)
		assert.Equal(t, int64(10), res.Context["result"])
	}
}

func TestFlow_Run_GuardOnMissingKeySkips(t *testing.T) {
	downstream := &countingNode{fn: constNode(map[string]any{"ran": true})}
	f := newTestFlow(t,
		NewNode("A", constNode(map[string]any{"x": 1})),
		&GraphNode{
			ID:           "guarded",
			Type:         Standard{Node: constNode(nil)},
			Dependencies: []string{"A"},
			RunIf:        "{{ missing_flag }}",
		},
		NewNode("after", downstream, "guarded"),
	)

	res := runFlow(t, f)

	assert.Equal(t, StatusSkipped, res.Status("guarded"))
	assert.Equal(t, SkipGuardFalse, res.Nodes["guarded"].SkipReason)
	assert.Equal(t, StatusCompleted, res.Status("after"))
	assert.Equal(t, int32(1), downstream.calls.Load())
	assert.True(t, res.Succeeded())
	_, stored := res.Context["guarded"]
	assert.False(t, stored)
}

func TestFlow_Run_GuardOnUpstreamOutput(t *testing.T) {
	f := newTestFlow(t,
		NewNode("check", constNode(map[string]any{"ok": true, "status": "ready"})),
		&GraphNode{ID: "yes", Type: Standard{Node: constNode(nil)}, Dependencies: []string{"check"}, RunIf: "{{ nodes.check.outputs.ok }}"},
		&GraphNode{ID: "eq", Type: Standard{Node: constNode(nil)}, Dependencies: []string{"check"}, RunIf: "{{ check.status }} == 'ready'"},
		&GraphNode{ID: "neq", Type: Standard{Node: constNode(nil)}, Dependencies: []string{"check"}, RunIf: "{{ check.status }} != ready"},
	)

	res := runFlow(t, f)

	assert.Equal(t, StatusCompleted, res.Status("yes"))
	assert.Equal(t, StatusCompleted, res.Status("eq"))
	assert.Equal(t, StatusSkipped, res.Status("neq"))
}

func TestFlow_Run_FailForward(t *testing.T) {
	dependent := &countingNode{fn: constNode(nil)}
	f := newTestFlow(t,
		NewNode("A", failNode(types.InputError("", "bad input"))),
		NewNode("B", dependent, "A"),
		NewNode("C", constNode(map[string]any{"v": 1})),
		NewNode("D", constNode(nil), "C"),
	)

	res := runFlow(t, f)

	assert.Equal(t, StatusFailed, res.Status("A"))
	assert.Equal(t, StatusFailed, res.Status("B"))
	assert.True(t, types.IsCode(res.Nodes["B"].Err, types.ErrDependencyNotMet))
	assert.Equal(t, int32(0), dependent.calls.Load())
	assert.Equal(t, []string{"C", "D"}, res.Completed())

	err := res.Err()
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrFlowExecution))
	assert.Contains(t, err.Error(), `node "A"`)
	assert.True(t, types.IsCode(err, types.ErrNodeInput))
}

func TestFlow_Run_FailFastCancelsInFlight(t *testing.T) {
	tail := &countingNode{fn: constNode(nil)}
	f := newTestFlow(t,
		NewNode("A", failNode(errors.New("boom"))),
		NewNode("slow", blockingNode(5*time.Second)),
		NewNode("tail", tail, "slow"),
	)

	start := time.Now()
	res := runFlow(t, f, WithRunFailurePolicy(FailFast))

	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Equal(t, StatusFailed, res.Status("A"))
	assert.Equal(t, StatusFailed, res.Status("slow"))
	assert.True(t, types.IsCode(res.Nodes["slow"].Err, types.ErrCancelled))
	assert.Equal(t, StatusFailed, res.Status("tail"))
	assert.Equal(t, int32(0), tail.calls.Load())
	assert.Contains(t, res.Err().Error(), `node "A"`)
}

func TestFlow_Run_RetryExhaustedDiagnostics(t *testing.T) {
	node := &flakyNode{failures: 10, err: errors.New("connection reset")}
	f := newTestFlow(t, &GraphNode{ID: "flaky", Type: Standard{Node: node}, Retry: fastRetry(3)})

	res := runFlow(t, f, WithInputs(types.Values{"query": types.JSON("hello")}))

	nr := res.Nodes["flaky"]
	require.Equal(t, StatusFailed, nr.Status)
	assert.Equal(t, int32(3), node.calls.Load())
	assert.Equal(t, 3, nr.Attempts)
	assert.Equal(t, types.ErrRetryExhausted, nr.ErrorCode())

	require.NotNil(t, nr.Diagnostics)
	assert.Equal(t, 3, nr.Diagnostics.AttemptCount())
	assert.Equal(t, "flaky", nr.Diagnostics.NodeID)
	assert.Equal(t, res.RunID, nr.Diagnostics.RunID)
	assert.Contains(t, nr.Diagnostics.Inputs, "query")
	assert.Contains(t, nr.Diagnostics.Report(), "connection reset")
	assert.Contains(t, res.Err().Error(), "after 3 attempt(s)")
}

func TestFlow_Run_RetryRecovers(t *testing.T) {
	node := &flakyNode{failures: 2, err: errors.New("temporary")}
	f := newTestFlow(t, &GraphNode{ID: "flaky", Type: Standard{Node: node}, Retry: fastRetry(3)})

	res := runFlow(t, f)

	assert.Equal(t, StatusCompleted, res.Status("flaky"))
	assert.Equal(t, 3, res.Nodes["flaky"].Attempts)
	assert.Nil(t, res.Nodes["flaky"].Diagnostics)
}

func TestFlow_Run_NonRetryableShortCircuits(t *testing.T) {
	node := &countingNode{fn: failNode(types.InputError("", "malformed"))}
	f := newTestFlow(t, &GraphNode{ID: "n", Type: Standard{Node: node}, Retry: fastRetry(5)})

	res := runFlow(t, f)

	assert.Equal(t, int32(1), node.calls.Load())
	assert.Equal(t, types.ErrNodeInput, res.Nodes["n"].ErrorCode())
	assert.Equal(t, "n", res.Nodes["n"].Err.(*types.Error).NodeID)
}

func TestFlow_Run_DefaultRetry(t *testing.T) {
	node := &flakyNode{failures: 1, err: errors.New("temporary")}
	f, err := NewFlow("test", []*GraphNode{NewNode("n", node)}, WithDefaultRetry(fastRetry(2)))
	require.NoError(t, err)

	res := runFlow(t, f)
	assert.Equal(t, StatusCompleted, res.Status("n"))
	assert.Equal(t, 2, res.Nodes["n"].Attempts)
}

func TestFlow_Run_Transition(t *testing.T) {
	router := func(target string) NodeFunc {
		return func(context.Context, types.Values) (types.Values, error) {
			return types.Values{"picked": types.JSON(target), TransitionKey: types.JSON(target)}, nil
		}
	}

	t.Run("branch taken", func(t *testing.T) {
		f := newTestFlow(t,
			NewNode("route", router("left")),
			NewNode("left", constNode(map[string]any{"side": "left"}), "route"),
			NewNode("right", constNode(map[string]any{"side": "right"}), "route"),
			NewNode("join", constNode(nil), "left", "right"),
		)
		res := runFlow(t, f)

		assert.Equal(t, "left", res.Nodes["route"].Transition)
		assert.NotContains(t, res.Nodes["route"].Outputs, TransitionKey)
		assert.Equal(t, StatusCompleted, res.Status("left"))
		assert.Equal(t, StatusSkipped, res.Status("right"))
		assert.Equal(t, SkipBranchNotTaken, res.Nodes["right"].SkipReason)
		assert.Equal(t, StatusCompleted, res.Status("join"))
	})

	t.Run("unknown target", func(t *testing.T) {
		f := newTestFlow(t,
			NewNode("route", router("nowhere")),
			NewNode("left", constNode(nil), "route"),
		)
		res := runFlow(t, f)

		assert.Equal(t, types.ErrUnknownTransition, res.Nodes["route"].ErrorCode())
		assert.Equal(t, StatusFailed, res.Status("left"))
		assert.True(t, types.IsCode(res.Nodes["left"].Err, types.ErrDependencyNotMet))
	})
}

func TestFlow_Run_Timeout(t *testing.T) {
	f := newTestFlow(t, &GraphNode{
		ID:      "slow",
		Type:    Standard{Node: blockingNode(2 * time.Second)},
		Timeout: 20 * time.Millisecond,
	})

	res := runFlow(t, f)

	assert.Equal(t, types.ErrTimeout, res.Nodes["slow"].ErrorCode())
}

func TestFlow_Run_InputResolution(t *testing.T) {
	var (
		mu   sync.Mutex
		seen types.Values
	)
	capture := NodeFunc(func(_ context.Context, in types.Values) (types.Values, error) {
		mu.Lock()
		seen = in.Clone()
		mu.Unlock()
		return nil, nil
	})

	f := newTestFlow(t,
		NewNode("src", constNode(map[string]any{"count": 3, "label": "from-src"})),
		&GraphNode{
			ID:           "sink",
			Type:         Standard{Node: capture},
			Dependencies: []string{"src"},
			InputMapping: map[string]OutputRef{
				"label":   {NodeID: "src", Field: "label"},
				"missing": {NodeID: "src", Field: "absent"},
			},
			InitialInputs: types.Values{
				"label":    types.JSON("initial"),
				"missing":  types.JSON("fallback"),
				"greeting": types.JSON("hello {{ user }}, count={{ src.count }}"),
			},
		},
	)

	res := runFlow(t, f, WithInputs(types.Values{"user": types.JSON("ada"), "label": types.JSON("run")}))
	require.True(t, res.Succeeded(), res.Report())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "from-src", mustJSON(t, seen["label"]))
	assert.Equal(t, "fallback", mustJSON(t, seen["missing"]))
	assert.Equal(t, "hello ada, count=3", mustJSON(t, seen["greeting"]))
	assert.Equal(t, "ada", mustJSON(t, seen["user"]))
}

func TestFlow_Run_MissingMappedOutput(t *testing.T) {
	f := newTestFlow(t,
		NewNode("src", constNode(map[string]any{"a": 1})),
		&GraphNode{
			ID:           "sink",
			Type:         Standard{Node: constNode(nil)},
			Dependencies: []string{"src"},
			InputMapping: map[string]OutputRef{"b": {NodeID: "src", Field: "b"}},
		},
	)

	res := runFlow(t, f)
	assert.Equal(t, types.ErrNodeInput, res.Nodes["sink"].ErrorCode())
}

func TestFlow_Run_OptionalProducerSkipped(t *testing.T) {
	var got types.Values
	f := newTestFlow(t,
		&GraphNode{ID: "maybe", Type: Standard{Node: constNode(map[string]any{"v": 1})}, RunIf: "false"},
		&GraphNode{
			ID: "sink",
			Type: Standard{Node: NodeFunc(func(_ context.Context, in types.Values) (types.Values, error) {
				got = in
				return nil, nil
			})},
			InputMapping: map[string]OutputRef{"v": {NodeID: "maybe", Field: "v"}},
		},
	)

	res := runFlow(t, f)

	assert.Equal(t, StatusSkipped, res.Status("maybe"))
	assert.Equal(t, StatusCompleted, res.Status("sink"))
	assert.NotContains(t, got, "v")
}

func TestFlow_Run_CircuitBreakerOpensAcrossRuns(t *testing.T) {
	node := &countingNode{fn: failNode(errors.New("down"))}
	f := newTestFlow(t, &GraphNode{
		ID:             "svc",
		Type:           Standard{Node: node},
		CircuitBreaker: &CircuitBreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour},
	})

	runFlow(t, f)
	runFlow(t, f)
	res := runFlow(t, f)

	assert.Equal(t, int32(2), node.calls.Load())
	assert.Equal(t, types.ErrCircuitOpen, res.Nodes["svc"].ErrorCode())
	assert.Equal(t, CircuitOpen, f.CircuitStates()["svc"])
}

func TestFlow_Run_RateLimited(t *testing.T) {
	node := &countingNode{fn: constNode(nil)}
	f := newTestFlow(t, &GraphNode{
		ID:        "limited",
		Type:      Standard{Node: node},
		RateLimit: &RateLimitConfig{RPS: 1000, Burst: 1},
	})

	for i := 0; i < 3; i++ {
		res := runFlow(t, f)
		assert.Equal(t, StatusCompleted, res.Status("limited"))
	}
	assert.Equal(t, int32(3), node.calls.Load())
}

func TestFlow_Run_PanicBecomesFailure(t *testing.T) {
	f := newTestFlow(t, NewNode("p", NodeFunc(func(context.Context, types.Values) (types.Values, error) {
		panic("kaboom")
	})))

	res := runFlow(t, f)

	require.Equal(t, StatusFailed, res.Status("p"))
	assert.Contains(t, res.Nodes["p"].Err.Error(), "kaboom")
}

func TestFlow_Run_NonSerializableOutputFails(t *testing.T) {
	f := newTestFlow(t, NewNode("bad", NodeFunc(func(context.Context, types.Values) (types.Values, error) {
		return types.Values{"ch": types.JSON(make(chan int))}, nil
	})))

	res := runFlow(t, f)

	require.Equal(t, StatusFailed, res.Status("bad"))
	assert.True(t, types.IsCode(res.Nodes["bad"].Err, types.ErrSerialization))
}

func TestFlow_Run_ObserverAndHistory(t *testing.T) {
	var (
		mu    sync.Mutex
		nodes = map[string]NodeStatus{}
		runs  int
	)
	obs := ObserverFuncs{
		Node: func(_, nodeID string, status NodeStatus, _ time.Duration) {
			mu.Lock()
			nodes[nodeID] = status
			mu.Unlock()
		},
		Run: func(_ string, _ bool, _ time.Duration) {
			mu.Lock()
			runs++
			mu.Unlock()
		},
	}
	f, err := NewFlow("observed", []*GraphNode{
		NewNode("a", constNode(nil)),
		NewNode("b", failNode(errors.New("x")), "a"),
	}, WithObserver(obs), WithRunIDGenerator(func() string { return "run-1" }))
	require.NoError(t, err)

	res := runFlow(t, f)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, map[string]NodeStatus{"a": StatusCompleted, "b": StatusFailed}, nodes)
	assert.Equal(t, 1, runs)
	assert.Equal(t, []string{"a", "b"}, res.History.Path())
	assert.Equal(t, ExecutionStatusFailed, res.History.Status)
}

func TestFlow_Run_MultipleObservers(t *testing.T) {
	var first, second atomic.Int32
	count := func(c *atomic.Int32) Observer {
		return ObserverFuncs{Run: func(string, bool, time.Duration) { c.Add(1) }}
	}
	f, err := NewFlow("fanout-observers", []*GraphNode{
		NewNode("a", constNode(nil)),
	}, WithObserver(count(&first)), WithObserver(count(&second)), WithObserver(nil))
	require.NoError(t, err)

	runFlow(t, f)
	runFlow(t, f)

	assert.Equal(t, int32(2), first.Load())
	assert.Equal(t, int32(2), second.Load())
}

// storeStatsObserver 收集每次运行结束时的存储统计
type storeStatsObserver struct {
	ObserverFuncs
	mu    sync.Mutex
	stats map[string]state.ResourceStats
}

func (o *storeStatsObserver) ObserveStore(workflow string, stats state.ResourceStats) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stats == nil {
		o.stats = make(map[string]state.ResourceStats)
	}
	o.stats[workflow] = stats
}

func TestFlow_Run_StoreLimitRejectsOutput(t *testing.T) {
	obs := &storeStatsObserver{}
	var runs atomic.Int32
	f, err := NewFlow("limited", []*GraphNode{
		NewNode("small", constNode(map[string]any{"v": "ok"})),
		NewNode("big", constNode(map[string]any{"blob": strings.Repeat("x", 256)})),
		NewNode("after", constNode(nil), "big"),
	},
		WithStoreLimits(state.Limits{MaxValueSize: 64}),
		WithObserver(ObserverFuncs{Run: func(string, bool, time.Duration) { runs.Add(1) }}),
		WithObserver(obs),
	)
	require.NoError(t, err)

	res := runFlow(t, f)

	assert.Equal(t, StatusCompleted, res.Status("small"))
	require.Equal(t, StatusFailed, res.Status("big"))
	e, ok := types.AsError(res.Nodes["big"].Err)
	require.True(t, ok)
	assert.Equal(t, types.ErrContextStore, e.Code)
	assert.Equal(t, "big", e.NodeID)
	assert.False(t, e.Retryable)
	assert.NotContains(t, res.Context, "big")

	assert.Equal(t, StatusFailed, res.Status("after"))
	assert.True(t, types.IsCode(res.Nodes["after"].Err, types.ErrDependencyNotMet))

	assert.Equal(t, int32(1), runs.Load())
	require.Contains(t, obs.stats, "limited")
	assert.Equal(t, 1, obs.stats["limited"].Rejected)
	assert.Equal(t, 1, obs.stats["limited"].Entries)
}

func TestFlow_Run_InputsExceedStoreLimit(t *testing.T) {
	f, err := NewFlow("limited-inputs", []*GraphNode{NewNode("a", constNode(nil))},
		WithStoreLimits(state.Limits{MaxEntries: 1}))
	require.NoError(t, err)

	_, err = f.Run(context.Background(), WithInputs(types.Values{
		"x": types.JSON(1),
		"y": types.JSON(2),
	}))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrContextStore))
}

func TestNewFlow_InvalidStoreLimits(t *testing.T) {
	_, err := NewFlow("bad-limits", []*GraphNode{NewNode("a", constNode(nil))},
		WithStoreLimits(state.Limits{MaxStateSize: 10, MaxValueSize: 20}))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}

func mustJSON(t *testing.T, v types.FlowValue) any {
	t.Helper()
	raw, ok := v.JSONValue()
	require.True(t, ok)
	return raw
}
