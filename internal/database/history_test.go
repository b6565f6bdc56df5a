package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow-core/config"
	"github.com/BaSui01/agentflow-core/types"
	"github.com/BaSui01/agentflow-core/workflow"
)

type writeCounter struct{ ok, fail int }

func (w *writeCounter) RecordRecorderWrite(_ string, err error) {
	if err != nil {
		w.fail++
		return
	}
	w.ok++
}

func newTestHistory(t *testing.T) (*PoolManager, *HistoryRecorder, *writeCounter) {
	t.Helper()
	cfg := config.DefaultDatabaseConfig()
	cfg.Driver = "sqlite"
	cfg.Name = filepath.Join(t.TempDir(), "history.db")
	cfg.MaxOpenConns = 1

	pool, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	counter := &writeCounter{}
	rec, err := NewHistoryRecorder(context.Background(), pool, counter)
	require.NoError(t, err)
	return pool, rec, counter
}

func runHistoryFlow(t *testing.T, rec workflow.Recorder, runID string) *workflow.Result {
	t.Helper()
	emit := workflow.NodeFunc(func(context.Context, types.Values) (types.Values, error) {
		return types.Values{"rows": types.JSON(42)}, nil
	})
	boom := workflow.NodeFunc(func(context.Context, types.Values) (types.Values, error) {
		return nil, errors.New("load failed")
	})

	flow, err := workflow.NewFlowBuilder("etl").
		WithLogger(zap.NewNop()).
		WithOptions(
			workflow.WithRecorder(rec),
			workflow.WithRunIDGenerator(func() string { return runID }),
		).
		AddNode("extract", emit).Done().
		AddNode("load", boom).DependsOn("extract").Done().
		AddNode("report", emit).DependsOn("load").Done().
		Build()
	require.NoError(t, err)

	res, err := flow.Run(context.Background())
	require.NoError(t, err)
	return res
}

func TestHistoryRecorder_RecordsRunWithSteps(t *testing.T) {
	_, rec, counter := newTestHistory(t)

	res := runHistoryFlow(t, rec, "run-1")
	require.False(t, res.Succeeded())

	run, err := rec.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "etl", run.Workflow)
	assert.False(t, run.Succeeded)
	assert.Equal(t, 3, run.NodeCount)
	assert.Equal(t, 2, run.Failed)
	assert.Contains(t, run.Error, "load")

	require.Len(t, run.Steps, 3)
	byNode := make(map[string]*StepRecord)
	for _, s := range run.Steps {
		byNode[s.NodeID] = s
	}
	assert.Equal(t, "completed", byNode["extract"].Status)
	assert.Equal(t, "failed", byNode["load"].Status)
	assert.Equal(t, string(types.ErrNodeExecution), byNode["load"].ErrorCode)
	assert.Equal(t, string(types.ErrDependencyNotMet), byNode["report"].ErrorCode)

	out, err := byNode["extract"].DecodeOutputs()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"rows": float64(42)}, out)

	// 三次 RecordStep + 一次 RecordRun
	assert.Equal(t, 4, counter.ok)
	assert.Zero(t, counter.fail)
}

func TestHistoryRecorder_RecordRunIsIdempotent(t *testing.T) {
	_, rec, _ := newTestHistory(t)
	ctx := context.Background()

	res := runHistoryFlow(t, rec, "same")
	require.NoError(t, rec.RecordRun(ctx, res))

	run, err := rec.GetRun(ctx, "same")
	require.NoError(t, err)
	assert.Len(t, run.Steps, 3)
}

func TestHistoryRecorder_GetRunNotFound(t *testing.T) {
	_, rec, _ := newTestHistory(t)

	_, err := rec.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestHistoryRecorder_ListAndPrune(t *testing.T) {
	pool, rec, _ := newTestHistory(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		runHistoryFlow(t, rec, fmt.Sprintf("r%d", i))
		time.Sleep(2 * time.Millisecond)
	}

	runs, err := rec.ListRuns(ctx, "etl", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r4", runs[0].RunID)
	assert.Equal(t, "r3", runs[1].RunID)

	deleted, err := rec.Prune(ctx, "etl", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	runs, err = rec.ListRuns(ctx, "etl", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r4", runs[0].RunID)

	var steps int64
	require.NoError(t, pool.DB().Model(&StepRecord{}).Count(&steps).Error)
	assert.Equal(t, int64(3), steps)

	deleted, err = rec.Prune(ctx, "etl", 5)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestHistoryRecorder_ClosedPoolDoesNotFailRun(t *testing.T) {
	pool, rec, counter := newTestHistory(t)
	require.NoError(t, pool.Close())

	res := runHistoryFlow(t, rec, "closed")

	assert.Equal(t, workflow.StatusCompleted, res.Status("extract"))
	assert.Equal(t, 4, counter.fail)
}

func TestNewHistoryRecorder_NilPool(t *testing.T) {
	_, err := NewHistoryRecorder(context.Background(), nil, nil)
	assert.Error(t, err)
}
