package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFileRecorder_WritesStepsAndResult(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewFileRecorder(dir)
	require.NoError(t, err)

	f, err := NewFlow("recorded", []*GraphNode{
		NewNode("a", constNode(map[string]any{"x": 1})),
		NewNode("b", failNode(errors.New("nope")), "a"),
	}, WithRecorder(rec), WithLogger(zap.NewNop()), WithRunIDGenerator(func() string { return "run/1" }))
	require.NoError(t, err)

	res := runFlow(t, f)
	runDir := filepath.Join(dir, "run_1")

	data, err := os.ReadFile(filepath.Join(runDir, "a_outputs.json"))
	require.NoError(t, err)
	var step map[string]any
	require.NoError(t, json.Unmarshal(data, &step))
	assert.Equal(t, "completed", step["status"])
	assert.Equal(t, map[string]any{"x": float64(1)}, step["outputs"])

	data, err = os.ReadFile(filepath.Join(runDir, "b_outputs.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &step))
	assert.Equal(t, "failed", step["status"])
	assert.Equal(t, "NODE_EXECUTION_FAILED", step["error_code"])

	data, err = os.ReadFile(filepath.Join(runDir, "result.json"))
	require.NoError(t, err)
	var result map[string]any
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, res.RunID, result["run_id"])
	assert.Equal(t, []any{"a", "b"}, result["order"])

	_, err = os.Stat(filepath.Join(runDir, "result.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

type failingRecorder struct{ calls int }

func (r *failingRecorder) RecordStep(context.Context, string, *NodeResult) error {
	r.calls++
	return errors.New("disk full")
}

func (r *failingRecorder) RecordRun(context.Context, *Result) error {
	r.calls++
	return errors.New("disk full")
}

func TestRecorderFailureDoesNotFailRun(t *testing.T) {
	rec := &failingRecorder{}
	f, err := NewFlow("t", []*GraphNode{NewNode("a", constNode(nil))}, WithRecorder(rec))
	require.NoError(t, err)

	res := runFlow(t, f)

	assert.True(t, res.Succeeded())
	assert.Equal(t, 2, rec.calls)
}

func TestMultiRecorder_JoinsErrors(t *testing.T) {
	ok := HistoryRecorder{Store: NewExecutionHistoryStore(0)}
	multi := MultiRecorder{ok, &failingRecorder{}}

	err := multi.RecordRun(context.Background(), &Result{RunID: "r", History: NewExecutionHistory("r", "wf")})
	assert.ErrorContains(t, err, "disk full")

	_, saved := ok.Store.Get("r")
	assert.True(t, saved)
}

func TestHistoryRecorder(t *testing.T) {
	store := NewExecutionHistoryStore(2)
	f, err := NewFlow("hist", []*GraphNode{NewNode("a", constNode(nil))}, WithRecorder(HistoryRecorder{Store: store}))
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, runFlow(t, f).RunID)
	}

	_, ok := store.Get(ids[0])
	assert.False(t, ok, "oldest run should be evicted")
	assert.Len(t, store.ListByWorkflow("hist"), 2)
	assert.Len(t, store.ListByStatus(ExecutionStatusCompleted), 2)
}
