package retry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow-core/types"
)

// Observer 接收重试事件，用于指标采集
type Observer interface {
	// ObserveRetry 在每次重试等待之前调用
	ObserveRetry(operation string, attempt int, err error, delay time.Duration)
	// ObserveOutcome 在操作最终成功或失败后调用
	ObserveOutcome(operation string, attempts int, success bool)
}

// Option 配置执行器
type Option func(*options)

type options struct {
	logger   *zap.Logger
	observer Observer
	onRetry  func(attempt int, err error, delay time.Duration)
	sleep    func(ctx context.Context, d time.Duration) error
}

// WithLogger 设置日志记录器
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver 设置事件观察者
func WithObserver(observer Observer) Option {
	return func(o *options) { o.observer = observer }
}

// OnRetry 设置重试回调
func OnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

// WithSleeper 替换等待实现，测试中用于跳过真实睡眠
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

func buildOptions(opts []Option) *options {
	o := &options{logger: zap.NewNop(), sleep: sleepContext}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Func 是被重试的操作，attempt 从 0 开始
type Func[T any] func(ctx context.Context, attempt int) (T, error)

// Do 按策略执行 fn。
// 不可重试的错误在第一次出现时原样返回；可重试错误耗尽次数或时长预算后返回 RETRY_EXHAUSTED。
func Do[T any](ctx context.Context, policy *Policy, operation string, fn Func[T], opts ...Option) (T, error) {
	v, diag := DoWithContext(ctx, policy, Target{Operation: operation}, fn, opts...)
	if diag != nil {
		return v, diag.Final
	}
	return v, nil
}

// DoWithContext 与 Do 语义相同，最终失败时返回诊断包。
func DoWithContext[T any](ctx context.Context, policy *Policy, target Target, fn Func[T], opts ...Option) (T, *ErrorContext) {
	var zero T
	o := buildOptions(opts)
	if policy == nil {
		policy = NoRetry()
	}
	operation := target.Operation
	if operation == "" {
		operation = target.NodeID
	}
	logger := o.logger.With(zap.String("operation", operation))

	start := time.Now()
	if err := policy.Validate(); err != nil {
		return zero, newErrorContext(target, nil, err, 0)
	}

	var attempts []Attempt
	fail := func(final error) (T, *ErrorContext) {
		if o.observer != nil {
			o.observer.ObserveOutcome(operation, len(attempts), false)
		}
		return zero, newErrorContext(target, attempts, final, time.Since(start))
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			last := attempts[len(attempts)-1]
			delay := policy.Backoff(attempt - 1)

			if policy.MaxDuration > 0 && time.Since(start)+delay > policy.MaxDuration {
				logger.Warn("重试时长预算耗尽",
					zap.Int("attempts", attempt),
					zap.Duration("max_duration", policy.MaxDuration),
					zap.Error(last.Err),
				)
				return fail(types.RetryExhausted(attempt, last.Err))
			}

			attempts[len(attempts)-1].Delay = delay
			logger.Debug("重试中",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(last.Err),
			)
			if o.onRetry != nil {
				o.onRetry(attempt, last.Err, delay)
			}
			if o.observer != nil {
				o.observer.ObserveRetry(operation, attempt, last.Err, delay)
			}

			if err := o.sleep(ctx, delay); err != nil {
				return fail(types.Cancelled(err))
			}
		}

		if err := ctx.Err(); err != nil {
			return fail(types.Cancelled(err))
		}

		attemptStart := time.Now()
		v, err := fn(ctx, attempt)
		if err == nil {
			if attempt > 0 {
				logger.Info("重试成功", zap.Int("attempt", attempt))
			}
			if o.observer != nil {
				o.observer.ObserveOutcome(operation, attempt+1, true)
			}
			return v, nil
		}

		attempts = append(attempts, Attempt{
			Number:   attempt + 1,
			Code:     types.GetErrorCode(err),
			Message:  err.Error(),
			Duration: time.Since(attemptStart),
			Err:      err,
		})

		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(types.Cancelled(ctxErr))
		}
		if !policy.Classify(err) {
			logger.Debug("错误不可重试", zap.Error(err))
			return fail(err)
		}
		if attempt+1 >= policy.MaxAttempts {
			logger.Warn("重试次数耗尽",
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return fail(types.RetryExhausted(attempt+1, err))
		}
	}
}

// sleepContext 等待 d，context 取消时提前返回
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Permanent 将 err 标记为不可重试的节点错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return types.NewError(types.ErrNodeExecution, "permanent failure").WithCause(err).WithRetryable(false)
}

// Transient 将 err 标记为可重试的节点错误
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return types.NewError(types.ErrNodeExecution, "transient failure").WithCause(err).WithRetryable(true)
}
