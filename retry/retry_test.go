package retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentflow-core/types"
)

// recordingSleeper 记录等待时长而不真正睡眠
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

type countingObserver struct {
	retries  atomic.Int32
	outcomes atomic.Int32
	success  atomic.Bool
}

func (o *countingObserver) ObserveRetry(string, int, error, time.Duration) { o.retries.Add(1) }
func (o *countingObserver) ObserveOutcome(_ string, _ int, success bool) {
	o.outcomes.Add(1)
	o.success.Store(success)
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	v, err := Do(context.Background(), DefaultPolicy(), "op", func(ctx context.Context, attempt int) (string, error) {
		calls.Add(1)
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	obs := &countingObserver{}
	policy := &Policy{MaxAttempts: 3, Strategy: Exponential(10*time.Millisecond, time.Second, 2)}

	v, err := Do(context.Background(), policy, "op", func(ctx context.Context, attempt int) (int, error) {
		if attempt < 2 {
			return 0, errors.New("connection reset")
		}
		return 42, nil
	}, WithSleeper(sleeper.sleep), WithObserver(obs), WithLogger(zap.NewNop()))

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, sleeper.delays)
	assert.Equal(t, int32(2), obs.retries.Load())
	assert.True(t, obs.success.Load())
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	var calls atomic.Int32
	policy := &Policy{MaxAttempts: 4, Strategy: Fixed(time.Millisecond)}

	_, err := Do(context.Background(), policy, "op", func(ctx context.Context, attempt int) (any, error) {
		calls.Add(1)
		return nil, errors.New("still broken")
	}, WithSleeper(sleeper.sleep))

	require.Error(t, err)
	assert.Equal(t, int32(4), calls.Load())
	assert.Len(t, sleeper.delays, 3)

	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrRetryExhausted, e.Code)
	assert.Equal(t, 4, e.Attempts)
	assert.EqualError(t, errors.Unwrap(err), "still broken")
}

func TestDo_FirstWaitUsesBaseDelay(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	policy := &Policy{MaxAttempts: 3, Strategy: Linear(100*time.Millisecond, 50*time.Millisecond)}

	_, err := Do(context.Background(), policy, "op", func(ctx context.Context, attempt int) (any, error) {
		return nil, errors.New("down")
	}, WithSleeper(sleeper.sleep))

	require.Error(t, err)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 150 * time.Millisecond}, sleeper.delays)
	assert.Equal(t, policy.Backoff(0), sleeper.delays[0])
}

func TestDo_NonRetryableShortCircuits(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	perm := types.InputError("n", "missing field")

	_, err := Do(context.Background(), &Policy{MaxAttempts: 5, Strategy: Fixed(0)}, "op",
		func(ctx context.Context, attempt int) (any, error) {
			calls.Add(1)
			return nil, perm
		})

	assert.Same(t, perm, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_AllowListRejectsUnmatched(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	policy := &Policy{MaxAttempts: 5, Strategy: Fixed(0), RetryableErrors: []Pattern{NetworkError}}

	_, err := Do(context.Background(), policy, "op", func(ctx context.Context, attempt int) (any, error) {
		calls.Add(1)
		return nil, errors.New("validation failed")
	})

	assert.EqualError(t, err, "validation failed")
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_InvalidPolicy(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	_, err := Do(context.Background(), &Policy{MaxAttempts: 0}, "op", func(ctx context.Context, attempt int) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
	assert.Zero(t, calls.Load())
}

func TestDo_NilPolicyRunsOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	_, err := Do(context.Background(), nil, "op", func(ctx context.Context, attempt int) (any, error) {
		calls.Add(1)
		return nil, errors.New("x")
	})
	assert.True(t, types.IsCode(err, types.ErrRetryExhausted))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_MaxDurationBudget(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	policy := &Policy{MaxAttempts: 100, Strategy: Fixed(time.Hour), MaxDuration: time.Second}

	_, err := Do(context.Background(), policy, "op", func(ctx context.Context, attempt int) (any, error) {
		calls.Add(1)
		return nil, errors.New("x")
	})

	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrRetryExhausted, e.Code)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_CancelledWhileWaiting(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	policy := &Policy{MaxAttempts: 3, Strategy: Fixed(time.Hour)}

	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, policy, "op", func(ctx context.Context, attempt int) (any, error) {
			return nil, errors.New("x")
		})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.True(t, types.IsCode(err, types.ErrCancelled))
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestDoWithContext_Diagnostics(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	target := Target{WorkflowID: "wf", RunID: "run-1", NodeID: "fetch", NodeType: "http", Operation: "fetch"}
	policy := &Policy{MaxAttempts: 3, Strategy: Linear(time.Millisecond, time.Millisecond)}

	_, diag := DoWithContext(context.Background(), policy, target, func(ctx context.Context, attempt int) (any, error) {
		return nil, types.NewError(types.ErrTimeout, "slow upstream")
	}, WithSleeper(sleeper.sleep))

	require.NotNil(t, diag)
	diag.WithInputs(types.Values{"url": types.JSON("https://x.io")}).
		WithHistory([]string{"start"}).
		WithMetadata("attempt_budget", "3")

	assert.Equal(t, 3, diag.AttemptCount())
	for i, a := range diag.Attempts {
		assert.Equal(t, i+1, a.Number)
		assert.Equal(t, types.ErrTimeout, a.Code)
	}
	assert.Equal(t, time.Millisecond, diag.Attempts[0].Delay)
	assert.Equal(t, 2*time.Millisecond, diag.Attempts[1].Delay)
	assert.Zero(t, diag.Attempts[2].Delay)
	assert.True(t, types.IsCode(diag, types.ErrRetryExhausted))

	chain := diag.Chain()
	require.Len(t, chain, 2)
	assert.Equal(t, "RetryExhausted", chain[0].Type)
	assert.Equal(t, "TimeoutExceeded", chain[1].Type)

	assert.Contains(t, diag.Summary(), `node "fetch" failed after 3 attempt(s)`)
	assert.Contains(t, diag.ChainString(), "#1: [TIMEOUT_EXCEEDED] slow upstream")

	report := diag.Report()
	for _, section := range []string{"ERROR CONTEXT REPORT", "Run ID: run-1", "Failed Node: fetch (http)",
		"ATTEMPTS:", "ERROR CHAIN:", "EXECUTION HISTORY:", "NODE INPUTS:", `url: "https://x.io"`, "METADATA:"} {
		assert.Contains(t, report, section)
	}
}

func TestPermanentAndTransient(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Permanent(nil))
	assert.Nil(t, Transient(nil))

	root := errors.New("root")
	assert.False(t, types.IsRetryable(Permanent(root)))
	assert.True(t, types.IsRetryable(Transient(root)))
	assert.ErrorIs(t, Permanent(root), root)
}

func TestProperty_RetryCountMatchesPolicy(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "max_attempts")
		retryable := rapid.Bool().Draw(t, "retryable")

		var calls int
		policy := &Policy{MaxAttempts: n, Strategy: Fixed(0)}
		_, err := Do(context.Background(), policy, "op", func(ctx context.Context, attempt int) (any, error) {
			calls++
			if retryable {
				return nil, Transient(errors.New("flaky"))
			}
			return nil, Permanent(errors.New("broken"))
		})

		if retryable {
			e, ok := types.AsError(err)
			if !ok || e.Code != types.ErrRetryExhausted || e.Attempts != n || calls != n {
				t.Fatalf("want RETRY_EXHAUSTED{%d} after %d calls, got %v after %d", n, n, err, calls)
			}
			return
		}
		if calls != 1 || types.GetErrorCode(err) != types.ErrNodeExecution {
			t.Fatalf("non-retryable error should stop after one call, got %d calls (%v)", calls, err)
		}
	})
}
