package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow-core/types"
	"github.com/BaSui01/agentflow-core/workflow"
)

type writeCounter struct {
	mu       sync.Mutex
	ok, fail int
}

func (w *writeCounter) RecordRecorderWrite(recorder string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.fail++
		return
	}
	w.ok++
}

func runRecorded(t *testing.T, rec workflow.Recorder, runID string) *workflow.Result {
	t.Helper()
	emit := workflow.NodeFunc(func(context.Context, types.Values) (types.Values, error) {
		return types.Values{"x": types.JSON(1)}, nil
	})
	boom := workflow.NodeFunc(func(context.Context, types.Values) (types.Values, error) {
		return nil, errors.New("boom")
	})

	flow, err := workflow.NewFlowBuilder("cached").
		WithLogger(zap.NewNop()).
		WithOptions(
			workflow.WithRecorder(rec),
			workflow.WithRunIDGenerator(func() string { return runID }),
		).
		AddNode("a", emit).Done().
		AddNode("b", boom).DependsOn("a").Done().
		Build()
	require.NoError(t, err)

	res, err := flow.Run(context.Background())
	require.NoError(t, err)
	return res
}

func TestRunRecorder_RecordsRunAndSteps(t *testing.T) {
	mr, manager := setupTestRedis(t)
	counter := &writeCounter{}
	rec := NewRunRecorder(manager, WithWriteObserver(counter))

	res := runRecorded(t, rec, "run-1")
	ctx := context.Background()

	snap, err := rec.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, res.RunID, snap.RunID)
	assert.Equal(t, "cached", snap.Workflow)
	assert.Equal(t, []string{"a", "b"}, snap.Order)
	require.Contains(t, snap.Nodes, "b")
	assert.Equal(t, workflow.StatusFailed, snap.Nodes["b"].Status)
	assert.Equal(t, types.ErrNodeExecution, snap.Nodes["b"].ErrorCode)
	assert.Equal(t, map[string]any{"x": float64(1)}, snap.Nodes["a"].Outputs)

	steps, err := rec.LoadSteps(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, steps, 2)
	assert.Equal(t, workflow.StatusCompleted, steps["a"].Status)
	assert.Contains(t, steps["b"].Error, "boom")

	assert.Equal(t, time.Minute, mr.TTL("test:run:run-1"))
	assert.Equal(t, time.Minute, mr.TTL("test:run:run-1:steps"))

	// 两个节点 + 一次运行
	assert.Equal(t, 3, counter.ok)
	assert.Zero(t, counter.fail)
}

func TestRunRecorder_ListRunsNewestFirstWithLimit(t *testing.T) {
	_, manager := setupTestRedis(t)
	rec := NewRunRecorder(manager, WithHistoryLimit(2))

	for _, id := range []string{"r1", "r2", "r3"} {
		runRecorded(t, rec, id)
		time.Sleep(2 * time.Millisecond)
	}

	ids, err := rec.ListRuns(context.Background(), "cached", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"r3", "r2"}, ids)

	ids, err = rec.ListRuns(context.Background(), "cached", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"r3"}, ids)
}

func TestRunRecorder_Missing(t *testing.T) {
	_, manager := setupTestRedis(t)
	rec := NewRunRecorder(manager)
	ctx := context.Background()

	_, err := rec.LoadRun(ctx, "nope")
	assert.True(t, IsCacheMiss(err))

	_, err = rec.LoadSteps(ctx, "nope")
	assert.True(t, IsCacheMiss(err))
}

func TestRunRecorder_WriteFailureDoesNotFailRun(t *testing.T) {
	_, manager := setupTestRedis(t)
	counter := &writeCounter{}
	rec := NewRunRecorder(manager, WithWriteObserver(counter))
	require.NoError(t, manager.Close())

	res := runRecorded(t, rec, "closed")

	assert.Equal(t, workflow.StatusCompleted, res.Status("a"))
	assert.Equal(t, 3, counter.fail)
}
