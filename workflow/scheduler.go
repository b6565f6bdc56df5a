package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow-core/internal/ctxkeys"
	"github.com/BaSui01/agentflow-core/state"
	"github.com/BaSui01/agentflow-core/types"
)

// RunOption 配置单次运行
type RunOption func(*runConfig)

type runConfig struct {
	inputs types.Values
	store  *state.Store
	policy *FailurePolicy
	runID  string
}

// WithInputs 设置运行输入：写入上下文存储，并作为每个节点优先级最低的输入
func WithInputs(inputs types.Values) RunOption {
	return func(c *runConfig) { c.inputs = inputs.Merge(nil) }
}

// WithStore 使用调用方提供的上下文存储
func WithStore(s *state.Store) RunOption {
	return func(c *runConfig) { c.store = s }
}

// WithRunFailurePolicy 覆盖本次运行的失败策略
func WithRunFailurePolicy(p FailurePolicy) RunOption {
	return func(c *runConfig) { c.policy = &p }
}

// WithRunID 指定运行 id
func WithRunID(id string) RunOption {
	return func(c *runConfig) { c.runID = id }
}

// runState 保存一次运行的调度状态，只由调度循环所在的 goroutine 修改
type runState struct {
	flow    *Flow
	runID   string
	store   *state.Store
	inputs  types.Values
	policy  FailurePolicy
	logger  *zap.Logger
	history *ExecutionHistory
	cancel  context.CancelFunc

	unmet     map[string]int
	results   map[string]*NodeResult
	execs     map[string]*NodeExecution
	untaken   map[string]bool
	queue     []string
	running   int
	abortedBy string
	done      chan *NodeResult
}

// Run 执行整张图直到没有 Pending 或 Ready 的节点。
// 节点失败记录在 Result 中，不作为返回错误；返回错误仅表示调用方误用，
// 或运行输入超出了上下文存储的限制。
func (f *Flow) Run(ctx context.Context, opts ...RunOption) (*Result, error) {
	if f == nil {
		return nil, types.FlowDefinition("flow is nil")
	}
	cfg := &runConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.runID == "" {
		cfg.runID = f.newRunID()
	}
	if cfg.store == nil {
		cfg.store = state.New(state.WithLimits(f.storeLimits))
	}
	policy := f.failurePolicy
	if cfg.policy != nil {
		policy = *cfg.policy
	}
	for _, k := range sortedKeys(cfg.inputs) {
		if err := cfg.store.Set(k, cfg.inputs[k].ToContext()); err != nil {
			return nil, err
		}
	}

	ctx = ctxkeys.WithRunID(ctx, cfg.runID)
	ctx = ctxkeys.WithWorkflow(ctx, f.name)
	ctx, span := f.tracer.Start(ctx, "flow.run", trace.WithAttributes(
		attribute.String("flow.name", f.name),
		attribute.String("flow.run_id", cfg.runID),
		attribute.Int("flow.nodes", len(f.order)),
	))
	defer span.End()
	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = ctxkeys.WithTraceID(ctx, sc.TraceID().String())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rs := &runState{
		flow:    f,
		runID:   cfg.runID,
		store:   cfg.store,
		inputs:  cfg.inputs,
		policy:  policy,
		logger:  f.logger.With(zap.String("run_id", cfg.runID)),
		history: NewExecutionHistory(cfg.runID, f.name),
		cancel:  cancel,
		unmet:   make(map[string]int, len(f.order)),
		results: make(map[string]*NodeResult, len(f.order)),
		execs:   make(map[string]*NodeExecution),
		untaken: make(map[string]bool),
		done:    make(chan *NodeResult, len(f.order)),
	}

	rs.logger.Info("starting flow run",
		zap.Int("nodes", len(f.order)),
		zap.String("failure_policy", policy.String()),
	)
	start := time.Now()
	rs.schedule(runCtx)

	result := &Result{
		RunID:     rs.runID,
		Workflow:  f.name,
		StartedAt: start,
		Duration:  time.Since(start),
		Order:     f.Order(),
		Nodes:     rs.results,
		Context:   rs.store.Snapshot(),
		History:   rs.history,
	}
	runErr := result.Err()
	rs.history.Complete(runErr)

	for _, r := range f.recorders {
		if err := r.RecordRun(ctx, result); err != nil {
			rs.logger.Warn("failed to record run", zap.Error(err))
		}
	}
	if f.observer != nil {
		f.observer.ObserveRun(f.name, runErr == nil, result.Duration)
	}
	rs.reportStore()

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "one or more nodes failed")
		rs.logger.Warn("flow run finished with failures",
			zap.Strings("failed", result.Failed()),
			zap.Duration("duration", result.Duration),
		)
	} else {
		span.SetStatus(codes.Ok, "")
		rs.logger.Info("flow run completed",
			zap.Int("completed", len(result.Completed())),
			zap.Int("skipped", len(result.Skipped())),
			zap.Duration("duration", result.Duration),
		)
	}
	return result, nil
}

// schedule 是调度主循环：分发就绪节点，串行提交完成结果，再重新计算就绪集合
func (rs *runState) schedule(ctx context.Context) {
	for _, id := range rs.flow.order {
		rs.unmet[id] = len(rs.flow.nodes[id].prerequisites())
		if rs.unmet[id] == 0 {
			rs.queue = append(rs.queue, id)
		}
	}

	for {
		for len(rs.queue) > 0 {
			id := rs.queue[0]
			rs.queue = rs.queue[1:]
			rs.activate(ctx, id)
		}
		if rs.running == 0 {
			return
		}
		res := <-rs.done
		rs.running--
		rs.commit(res)
	}
}

// activate 处理一个就绪节点：判定失败传播、分支、守卫，解析输入后分发
func (rs *runState) activate(ctx context.Context, id string) {
	node := rs.flow.nodes[id]

	if rs.abortedBy != "" {
		rs.settle(rs.failed(node, types.NewError(types.ErrFlowExecution,
			fmt.Sprintf("run aborted after node %q failed", rs.abortedBy)).WithNode(id).WithRetryable(false)))
		return
	}
	for _, dep := range node.Dependencies {
		if rs.results[dep].Status == StatusFailed {
			rs.settle(rs.failed(node, types.DependencyNotMet(id, dep).WithCause(rs.results[dep].Err)))
			return
		}
	}
	if rs.untaken[id] {
		rs.settle(rs.skipped(node, SkipBranchNotTaken))
		return
	}
	if node.RunIf != "" && !EvaluateGuard(rs.store, node.RunIf) {
		rs.logger.Debug("guard evaluated false, skipping node",
			zap.String("node_id", id),
			zap.String("run_if", node.RunIf),
		)
		rs.settle(rs.skipped(node, SkipGuardFalse))
		return
	}

	inputs, err := rs.resolveInputs(node)
	if err != nil {
		rs.settle(rs.failed(node, err))
		return
	}

	rs.results[id] = &NodeResult{ID: id, Type: node.typeName(), Status: StatusRunning, StartedAt: time.Now()}
	rs.execs[id] = rs.history.RecordNodeStart(id, node.typeName())
	rs.running++
	rs.logger.Debug("dispatching node", zap.String("node_id", id), zap.String("node_type", node.typeName()))

	go func() {
		rs.done <- rs.flow.executeNode(ctx, rs, node, inputs)
	}()
}

// commit 在调度 goroutine 中写回节点结果，保证下游在写回之后才可见
func (rs *runState) commit(res *NodeResult) {
	node := rs.flow.nodes[res.ID]

	if res.Status == StatusCompleted {
		if raw, ok := res.Outputs[TransitionKey]; ok {
			delete(res.Outputs, TransitionKey)
			target, err := rs.applyTransition(node, raw)
			if err != nil {
				res.Status = StatusFailed
				res.Err = err
			}
			res.Transition = target
		}
	}
	if res.Status == StatusCompleted {
		if err := rs.store.Set(res.ID, res.Outputs.ToContext()); err != nil {
			res.Status = StatusFailed
			res.Outputs = nil
			res.Err = storeError(res.ID, err)
		}
	}

	if exec := rs.execs[res.ID]; exec != nil {
		rs.history.RecordNodeEnd(exec, res.Attempts, res.Err)
	}
	if res.Status == StatusFailed {
		rs.logger.Warn("node failed",
			zap.String("node_id", res.ID),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err),
		)
		if rs.policy == FailFast && rs.abortedBy == "" {
			rs.abortedBy = res.ID
			rs.cancel()
		}
	}
	rs.finish(res)
}

// applyTransition 校验显式跳转目标，并将未选中的直接下游标记为跳过
func (rs *runState) applyTransition(node *GraphNode, raw types.FlowValue) (string, error) {
	v, _ := raw.JSONValue()
	target, ok := v.(string)
	if !ok {
		return "", types.UnknownTransition(node.ID, state.Stringify(v))
	}
	if _, exists := rs.flow.nodes[target]; !exists {
		return "", types.UnknownTransition(node.ID, target)
	}
	for _, dep := range rs.flow.dependents[node.ID] {
		if dep != target && rs.flow.nodes[dep].dependsOn(node.ID) {
			rs.untaken[dep] = true
		}
	}
	return target, nil
}

// reportStore 输出存储告警并把资源统计交给观察者
func (rs *runState) reportStore() {
	for _, a := range rs.store.Alerts() {
		rs.logger.Warn("context store alert",
			zap.String("kind", string(a.Kind)),
			zap.String("detail", a.String()),
		)
	}
	if so, ok := rs.flow.observer.(StoreObserver); ok {
		so.ObserveStore(rs.flow.name, rs.store.Stats())
	}
}

func storeError(nodeID string, err error) error {
	if e, ok := types.AsError(err); ok {
		return e.WithNode(nodeID)
	}
	return types.NewError(types.ErrContextStore, err.Error()).WithNode(nodeID).WithCause(err)
}

// settle 记录未经分发直接进入终态的节点
func (rs *runState) settle(res *NodeResult) {
	status := ExecutionStatusFailed
	if res.Status == StatusSkipped {
		status = ExecutionStatusSkipped
	}
	rs.history.RecordNodeSettled(res.ID, res.Type, status, res.Err)
	rs.finish(res)
}

// finish 保存终态结果、通知记录器与观察者，并释放下游
func (rs *runState) finish(res *NodeResult) {
	rs.results[res.ID] = res

	for _, r := range rs.flow.recorders {
		if err := r.RecordStep(context.Background(), rs.runID, res); err != nil {
			rs.logger.Warn("failed to record step", zap.String("node_id", res.ID), zap.Error(err))
		}
	}
	if rs.flow.observer != nil {
		rs.flow.observer.ObserveNode(rs.flow.name, res.ID, res.Status, res.Duration)
	}

	for _, dep := range rs.flow.dependents[res.ID] {
		rs.unmet[dep]--
		if rs.unmet[dep] == 0 {
			rs.queue = append(rs.queue, dep)
		}
	}
}

func (rs *runState) failed(node *GraphNode, err error) *NodeResult {
	return &NodeResult{ID: node.ID, Type: node.typeName(), Status: StatusFailed, Err: err, StartedAt: time.Now()}
}

func (rs *runState) skipped(node *GraphNode, reason SkipReason) *NodeResult {
	return &NodeResult{ID: node.ID, Type: node.typeName(), Status: StatusSkipped, SkipReason: reason, StartedAt: time.Now()}
}

// resolveInputs 组装节点输入，优先级：运行输入 < initial_inputs < 输入映射。
// initial_inputs 中的字符串模板按当前上下文解析。
func (rs *runState) resolveInputs(node *GraphNode) (types.Values, error) {
	inputs := rs.inputs.Clone()
	if inputs == nil {
		inputs = types.Values{}
	}
	for k, v := range node.InitialInputs {
		inputs[k] = rs.resolveValue(v)
	}

	for _, param := range sortedKeys(node.InputMapping) {
		ref := node.InputMapping[param]
		required := node.dependsOn(ref.NodeID)
		_, hasFallback := node.InitialInputs[param]
		producer := rs.results[ref.NodeID]

		switch producer.Status {
		case StatusCompleted:
			if v, ok := producer.Outputs[ref.Field]; ok {
				inputs[param] = v.Clone()
				continue
			}
			if required && !hasFallback {
				return nil, types.InputError(node.ID,
					fmt.Sprintf("output %q not found in node %q", ref.Field, ref.NodeID))
			}
		case StatusSkipped:
			if required && !hasFallback {
				return nil, types.NewError(types.ErrDependencyNotMet,
					fmt.Sprintf("input %q requires output of skipped node %q", param, ref.NodeID)).WithNode(node.ID)
			}
		}
	}
	return inputs, nil
}

// resolveValue 对 JSON 值中的字符串做模板解析
func (rs *runState) resolveValue(v types.FlowValue) types.FlowValue {
	raw, ok := v.JSONValue()
	if !ok {
		return v
	}
	return types.JSON(rs.resolveAny(raw))
}

func (rs *runState) resolveAny(v any) any {
	switch x := v.(type) {
	case string:
		if strings.Contains(x, "{{") {
			return rs.store.ResolveTemplate(x)
		}
		return x
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = rs.resolveAny(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = rs.resolveAny(item)
		}
		return out
	default:
		return v
	}
}
