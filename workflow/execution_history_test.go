package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionHistory_Records(t *testing.T) {
	h := NewExecutionHistory("run-1", "wf")

	a := h.RecordNodeStart("a", "standard")
	h.RecordNodeEnd(a, 2, nil)
	h.RecordNodeSettled("b", "standard", ExecutionStatusSkipped, nil)
	c := h.RecordNodeStart("c", "map")
	h.RecordNodeEnd(c, 1, errors.New("boom"))
	h.Complete(errors.New("boom"))

	assert.Equal(t, []string{"a", "b", "c"}, h.Path())
	assert.Len(t, h.GetNodes(), 3)

	got := h.GetNodeByID("a")
	require.NotNil(t, got)
	assert.Equal(t, ExecutionStatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)

	assert.Equal(t, ExecutionStatusSkipped, h.GetNodeByID("b").Status)
	assert.Equal(t, "boom", h.GetNodeByID("c").Error)
	assert.Equal(t, ExecutionStatusFailed, h.Status)
	assert.Nil(t, h.GetNodeByID("missing"))
}

func TestExecutionHistory_PathExcludesRunning(t *testing.T) {
	h := NewExecutionHistory("run-1", "wf")
	h.RecordNodeStart("a", "standard")
	assert.Empty(t, h.Path())
}

func TestExecutionHistoryStore_Eviction(t *testing.T) {
	s := NewExecutionHistoryStore(2)
	for _, id := range []string{"r1", "r2", "r3"} {
		h := NewExecutionHistory(id, "wf")
		h.Complete(nil)
		s.Save(h)
	}

	_, ok := s.Get("r1")
	assert.False(t, ok)
	_, ok = s.Get("r3")
	assert.True(t, ok)
	assert.Len(t, s.ListByWorkflow("wf"), 2)
	assert.Empty(t, s.ListByWorkflow("other"))
}
