package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow-core/internal/ctxkeys"
	"github.com/BaSui01/agentflow-core/retry"
	"github.com/BaSui01/agentflow-core/state"
	"github.com/BaSui01/agentflow-core/types"
)

// executeNode 在独立 goroutine 中执行单个节点并生成结果。
// 输出写回上下文由调度循环负责。
func (f *Flow) executeNode(ctx context.Context, rs *runState, node *GraphNode, inputs types.Values) *NodeResult {
	start := time.Now()
	ctx = ctxkeys.WithNodeID(ctx, node.ID)
	ctx = state.WithStore(ctx, rs.store)
	ctx, span := f.tracer.Start(ctx, "flow.node", trace.WithAttributes(
		attribute.String("flow.name", f.name),
		attribute.String("node.id", node.ID),
		attribute.String("node.type", node.typeName()),
	))
	defer span.End()

	outputs, attempts, diag, err := f.invoke(ctx, rs, node, inputs)

	res := &NodeResult{
		ID:          node.ID,
		Type:        node.typeName(),
		StartedAt:   start,
		Duration:    time.Since(start),
		Attempts:    attempts,
		Diagnostics: diag,
	}
	span.SetAttributes(attribute.Int("node.attempts", attempts))
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res
	}
	if outputs, err = normalizeOutputs(outputs); err != nil {
		res.Status = StatusFailed
		res.Err = wrapNodeError(node.ID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res
	}
	res.Status = StatusCompleted
	res.Outputs = outputs
	return res
}

// normalizeOutputs 将 JSON 输出规范化（整数为 int64，浮点为 float64），
// 下游看到的值与上下文存储中的值一致
func normalizeOutputs(outputs types.Values) (types.Values, error) {
	out := make(types.Values, len(outputs))
	for k, v := range outputs {
		raw, ok := v.JSONValue()
		if !ok {
			out[k] = v
			continue
		}
		n, err := types.NormalizeJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", k, err)
		}
		out[k] = types.JSON(n)
	}
	return out, nil
}

// invoke 依次应用限流、熔断、重试，返回输出、尝试次数与诊断
func (f *Flow) invoke(ctx context.Context, rs *runState, node *GraphNode, inputs types.Values) (types.Values, int, *retry.ErrorContext, error) {
	if limiter := f.limiters[node.ID]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, 0, nil, types.Cancelled(ctx.Err())
			}
			return nil, 0, nil, types.NewError(types.ErrRateLimited, "rate limiter wait failed").
				WithNode(node.ID).WithCause(err)
		}
	}

	var breaker *CircuitBreaker
	if node.CircuitBreaker != nil {
		breaker = f.breakers.GetOrCreate(node.ID, node.CircuitBreaker)
		if err := breaker.AllowRequest(); err != nil {
			return nil, 0, nil, wrapNodeError(node.ID, err)
		}
	}

	policy := node.Retry
	if policy == nil {
		if _, ok := node.Type.(Standard); ok {
			policy = f.defaultRetry
		}
	}

	var (
		outputs  types.Values
		attempts int
		diag     *retry.ErrorContext
		err      error
	)
	if policy == nil {
		attempts = 1
		outputs, err = f.attempt(ctx, rs, node, inputs, 0)
	} else {
		target := retry.Target{
			WorkflowID: f.name,
			RunID:      rs.runID,
			NodeID:     node.ID,
			NodeType:   node.typeName(),
			Operation:  node.ID,
		}
		outputs, diag = retry.DoWithContext(ctx, policy, target,
			func(ctx context.Context, attempt int) (types.Values, error) {
				attempts = attempt + 1
				return f.attempt(ctx, rs, node, inputs, attempt)
			},
			retry.WithLogger(rs.logger),
			retry.WithObserver(f.retryObserver),
		)
		if diag != nil {
			diag.WithInputs(inputs).WithHistory(rs.history.Path())
			attempts = diag.AttemptCount()
			err = diag.Final
		}
	}

	if err != nil && ctx.Err() != nil && !types.IsCode(err, types.ErrCancelled) {
		err = types.Cancelled(ctx.Err()).WithCause(err)
	}
	if breaker != nil {
		if err != nil && !types.IsCode(err, types.ErrCancelled) {
			breaker.RecordFailure()
		} else if err == nil {
			breaker.RecordSuccess()
		}
	}
	if err != nil {
		return nil, attempts, diag, wrapNodeError(node.ID, err)
	}
	return outputs, attempts, nil, nil
}

// attempt 执行节点一次，应用超时并把 panic 转换为错误
func (f *Flow) attempt(ctx context.Context, rs *runState, node *GraphNode, inputs types.Values, attempt int) (types.Values, error) {
	ctx = ctxkeys.WithAttempt(ctx, attempt)
	if node.Timeout <= 0 {
		return f.dispatch(ctx, rs, node, inputs.Clone())
	}

	tctx, cancel := context.WithTimeout(ctx, node.Timeout)
	defer cancel()

	type outcome struct {
		outputs types.Values
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		out, err := f.dispatch(tctx, rs, node, inputs.Clone())
		ch <- outcome{out, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, types.Timeout(node.ID, o.err)
		}
		return o.outputs, o.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, types.Cancelled(ctx.Err())
		}
		// 节点未响应取消时直接放弃等待，goroutine 结束后结果被丢弃
		return nil, types.Timeout(node.ID, fmt.Errorf("no result within %s", node.Timeout))
	}
}

// dispatch 按节点类型执行
func (f *Flow) dispatch(ctx context.Context, rs *runState, node *GraphNode, inputs types.Values) (out types.Values, err error) {
	defer func() {
		if r := recover(); r != nil {
			rs.logger.Error("node panicked",
				zap.String("node_id", node.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			out, err = nil, types.NewError(types.ErrNodeExecution, fmt.Sprintf("panic: %v", r)).
				WithNode(node.ID).WithRetryable(false)
		}
	}()

	switch t := node.Type.(type) {
	case Standard:
		out, err = t.Node.Execute(ctx, inputs)
	case Map:
		out, err = f.runMap(ctx, rs, node, t, inputs)
	case While:
		out, err = f.runWhile(ctx, rs, node, t, inputs)
	default:
		err = types.FlowDefinition(fmt.Sprintf("unsupported node type %T", node.Type)).WithNode(node.ID)
	}
	if err == nil && out == nil {
		out = types.Values{}
	}
	return out, err
}

// wrapNodeError 为未分类的错误附加节点信息，保留原有可重试性
func wrapNodeError(nodeID string, err error) error {
	var diag *retry.ErrorContext
	if errors.As(err, &diag) {
		err = diag.Final
	}
	if e, ok := err.(*types.Error); ok {
		if e.NodeID != "" {
			return e
		}
		cp := *e
		cp.NodeID = nodeID
		return &cp
	}
	return types.NodeFailed(nodeID, err)
}
