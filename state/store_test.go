package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentflow-core/types"
)

func TestStore_InsertGetOverwrite(t *testing.T) {
	t.Parallel()

	s := New()
	assert.True(t, s.IsEmpty())

	s.Insert("k", 1)
	s.Insert("k", "two")
	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "two", v)
	assert.Equal(t, 1, s.Len())

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	s := New()
	s.Insert("obj", map[string]any{"list": []any{1, 2}})

	v, _ := s.Get("obj")
	v.(map[string]any)["list"].([]any)[0] = "mutated"

	again, _ := s.Get("obj")
	assert.Equal(t, int64(1), again.(map[string]any)["list"].([]any)[0])
}

func TestStore_InsertCopiesInput(t *testing.T) {
	t.Parallel()

	s := New()
	in := map[string]any{"a": "b"}
	s.Insert("m", in)
	in["a"] = "changed"

	v, _ := s.Get("m")
	assert.Equal(t, "b", v.(map[string]any)["a"])
}

func TestStore_SetRejectsUnserializable(t *testing.T) {
	t.Parallel()

	s := New()
	err := s.Set("ch", make(chan int))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrContextStore))

	s.Insert("ch", make(chan int))
	assert.True(t, s.Contains("ch"))
}

func TestStore_RemoveAndKeys(t *testing.T) {
	t.Parallel()

	s := FromMap(map[string]any{"b": 1, "a": 2, "c": 3})
	assert.Equal(t, []string{"a", "b", "c"}, s.Keys())

	old, ok := s.Remove("b")
	assert.True(t, ok)
	assert.Equal(t, int64(1), old)
	assert.False(t, s.Contains("b"))

	_, ok = s.Remove("b")
	assert.False(t, ok)
}

func TestStore_RemoveReturnsCopy(t *testing.T) {
	t.Parallel()

	s := New()
	s.Insert("obj", map[string]any{"list": []any{"a", "b"}})
	s.mu.RLock()
	live := s.data["obj"].(map[string]any)
	s.mu.RUnlock()

	old, ok := s.Remove("obj")
	require.True(t, ok)
	old.(map[string]any)["list"].([]any)[0] = "mutated"
	old.(map[string]any)["extra"] = true

	assert.Equal(t, "a", live["list"].([]any)[0])
	assert.NotContains(t, live, "extra")
}

func TestStore_Lookup(t *testing.T) {
	t.Parallel()

	s := New()
	s.Insert("fetch", map[string]any{"body": map[string]any{"items": []any{"x", "y"}}, "ok": true})
	s.Insert("dotted.key", "exact")

	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"fetch.ok", true, true},
		{"fetch.body.items.1", "y", true},
		{"nodes.fetch.outputs.ok", true, true},
		{"nodes.fetch.outputs.body.items.0", "x", true},
		{"dotted.key", "exact", true},
		{"fetch.missing", nil, false},
		{"fetch.body.items.9", nil, false},
		{"nope", nil, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := s.Lookup(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStore_FlowValues(t *testing.T) {
	t.Parallel()

	s := New()
	s.InsertValue("img", types.File("/a.png", "image/png"))
	v, ok := s.GetValue("img")
	require.True(t, ok)
	assert.Equal(t, types.KindFile, v.Kind())
	assert.Equal(t, "image/png", v.MimeType())
}

func TestStore_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	s := New()
	s.Insert("a", map[string]any{"b": "c"})
	data, err := json.Marshal(s)
	require.NoError(t, err)

	restored := New()
	require.NoError(t, json.Unmarshal(data, restored))
	assert.Equal(t, s.Snapshot(), restored.Snapshot())
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s.Insert(fmt.Sprintf("k%d", i), i)
		}(i)
		go func() {
			defer wg.Done()
			_ = s.Snapshot()
			_ = s.ResolveTemplate("{{k1}}")
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, s.Len())
}

func TestStore_Context(t *testing.T) {
	t.Parallel()

	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	s := New()
	got, ok := FromContext(WithStore(context.Background(), s))
	assert.True(t, ok)
	assert.Same(t, s, got)
}
