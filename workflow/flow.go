package workflow

import (
	"cmp"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentflow-core/retry"
	"github.com/BaSui01/agentflow-core/state"
	"github.com/BaSui01/agentflow-core/types"
)

const instrumentationName = "github.com/BaSui01/agentflow-core/workflow"

// FailurePolicy 决定单个节点失败对整次运行的影响
type FailurePolicy int

const (
	// ContinueOnFailure 只让失败节点的下游子树失败，兄弟子树继续执行
	ContinueOnFailure FailurePolicy = iota
	// FailFast 首个失败即取消运行中的节点，其余节点标记为失败
	FailFast
)

func (p FailurePolicy) String() string {
	if p == FailFast {
		return "fail_fast"
	}
	return "continue_on_failure"
}

// ParseFailurePolicy 解析配置中的失败策略
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "continue", "continue_on_failure":
		return ContinueOnFailure, nil
	case "fail_fast", "failfast", "abort":
		return FailFast, nil
	default:
		return ContinueOnFailure, types.ConfigurationError(fmt.Sprintf("unknown failure policy %q", s))
	}
}

// Flow 是经过校验的不可变图，可多次并发运行
type Flow struct {
	name       string
	nodes      map[string]*GraphNode
	order      []string            // 拓扑序
	dependents map[string][]string // 生产者 -> 直接下游（含输入映射），按拓扑序排列
	subflows   map[string]*Flow    // Map / While 节点的模板子图

	logger        *zap.Logger
	observer      Observer
	retryObserver retry.Observer
	tracer        trace.Tracer
	recorders     []Recorder
	failurePolicy FailurePolicy
	defaultRetry  *retry.Policy
	storeLimits   state.Limits
	newRunID      func() string

	breakers *CircuitBreakerRegistry
	limiters map[string]*rate.Limiter
}

// FlowOption 配置 Flow
type FlowOption func(*Flow)

// WithLogger 设置日志记录器
func WithLogger(logger *zap.Logger) FlowOption {
	return func(f *Flow) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithObserver 追加运行观察者（指标采集）。
// o 同时实现 retry.Observer 或 CircuitBreakerEventHandler 时，在未单独设置的情况下一并注入。
func WithObserver(o Observer) FlowOption {
	return func(f *Flow) {
		if o == nil {
			return
		}
		switch existing := f.observer.(type) {
		case nil:
			f.observer = o
		case MultiObserver:
			f.observer = append(slices.Clip(existing), o)
		default:
			f.observer = MultiObserver{existing, o}
		}
		if ro, ok := o.(retry.Observer); ok && f.retryObserver == nil {
			f.retryObserver = ro
		}
		if h, ok := o.(CircuitBreakerEventHandler); ok && f.breakers.eventHandler == nil {
			f.breakers.eventHandler = h
		}
	}
}

// WithRetryObserver 设置重试事件观察者
func WithRetryObserver(o retry.Observer) FlowOption {
	return func(f *Flow) { f.retryObserver = o }
}

// WithTracer 设置 OpenTelemetry tracer，默认使用全局 TracerProvider
func WithTracer(t trace.Tracer) FlowOption {
	return func(f *Flow) {
		if t != nil {
			f.tracer = t
		}
	}
}

// WithRecorder 追加运行记录器
func WithRecorder(r Recorder) FlowOption {
	return func(f *Flow) {
		if r != nil {
			f.recorders = append(f.recorders, r)
		}
	}
}

// WithFailurePolicy 设置默认失败策略
func WithFailurePolicy(p FailurePolicy) FlowOption {
	return func(f *Flow) { f.failurePolicy = p }
}

// WithDefaultRetry 为未配置重试的 Standard 节点设置默认重试策略
func WithDefaultRetry(p *retry.Policy) FlowOption {
	return func(f *Flow) { f.defaultRetry = p.Clone() }
}

// WithStoreLimits 为每次运行新建的上下文存储设置资源限制。
// 节点输出超限时该节点以 CONTEXT_STORE_ERROR 失败。
func WithStoreLimits(l state.Limits) FlowOption {
	return func(f *Flow) { f.storeLimits = l }
}

// WithRunIDGenerator 替换运行 id 生成器
func WithRunIDGenerator(gen func() string) FlowOption {
	return func(f *Flow) {
		if gen != nil {
			f.newRunID = gen
		}
	}
}

// WithCircuitBreakerHandler 设置熔断器状态变更事件处理器
func WithCircuitBreakerHandler(h CircuitBreakerEventHandler) FlowOption {
	return func(f *Flow) { f.breakers.eventHandler = h }
}

// NewFlow 校验节点集合并构建 Flow。
// 构建期错误：重复或空 id、未知依赖（FLOW_DEFINITION_ERROR），
// 非法输入映射或重试策略（CONFIGURATION_ERROR），依赖成环（CIRCULAR_FLOW）。
func NewFlow(name string, nodes []*GraphNode, opts ...FlowOption) (*Flow, error) {
	if name == "" {
		name = "flow"
	}
	f := &Flow{
		name:       name,
		nodes:      make(map[string]*GraphNode, len(nodes)),
		dependents: make(map[string][]string),
		subflows:   make(map[string]*Flow),
		logger:     zap.NewNop(),
		tracer:     otel.Tracer(instrumentationName),
		newRunID:   uuid.NewString,
		breakers:   NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig(), nil, nil),
		limiters:   make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(zap.String("component", "flow"), zap.String("workflow", name))
	f.breakers.logger = f.logger

	if len(nodes) == 0 {
		return nil, types.FlowDefinition(fmt.Sprintf("flow %q has no nodes", name))
	}
	if err := f.storeLimits.Validate(); err != nil {
		return nil, types.ConfigurationError("invalid context store limits").WithCause(err)
	}

	declared := make([]string, 0, len(nodes))
	for i, n := range nodes {
		if n == nil {
			return nil, types.FlowDefinition(fmt.Sprintf("node at index %d is nil", i))
		}
		if n.ID == "" {
			return nil, types.FlowDefinition(fmt.Sprintf("node at index %d has an empty id", i))
		}
		if _, dup := f.nodes[n.ID]; dup {
			return nil, types.FlowDefinition(fmt.Sprintf("duplicate node id %q", n.ID))
		}
		f.nodes[n.ID] = n
		declared = append(declared, n.ID)
	}

	for _, id := range declared {
		if err := f.validateNode(f.nodes[id]); err != nil {
			return nil, err
		}
	}

	order, err := topologicalOrder(declared, f.nodes)
	if err != nil {
		return nil, err
	}
	f.order = order

	position := make(map[string]int, len(order))
	for i, id := range order {
		position[id] = i
	}
	for _, id := range order {
		for _, producer := range f.nodes[id].prerequisites() {
			f.dependents[producer] = append(f.dependents[producer], id)
		}
	}
	for producer := range f.dependents {
		slices.SortFunc(f.dependents[producer], func(a, b string) int {
			return cmp.Compare(position[a], position[b])
		})
	}

	for _, id := range order {
		n := f.nodes[id]
		if n.RateLimit != nil {
			f.limiters[id] = rate.NewLimiter(rate.Limit(n.RateLimit.RPS), max(n.RateLimit.Burst, 1))
		}
		if err := f.compileSubflow(n); err != nil {
			return nil, err
		}
	}

	f.logger.Debug("flow built",
		zap.Int("nodes", len(order)),
		zap.Strings("order", order),
	)
	return f, nil
}

func (f *Flow) validateNode(n *GraphNode) error {
	if n.Type == nil {
		return types.FlowDefinition(fmt.Sprintf("node %q has no type", n.ID))
	}
	switch t := n.Type.(type) {
	case Standard:
		if t.Node == nil {
			return types.FlowDefinition(fmt.Sprintf("node %q has no implementation", n.ID))
		}
	case Map:
		if len(t.Template) == 0 {
			return types.FlowDefinition(fmt.Sprintf("map node %q has an empty template", n.ID))
		}
		if t.MaxParallel < 0 {
			return types.ConfigurationError(fmt.Sprintf("map node %q: max_parallel must not be negative", n.ID))
		}
	case While:
		if len(t.Template) == 0 {
			return types.FlowDefinition(fmt.Sprintf("while node %q has an empty template", n.ID))
		}
		if t.Condition == "" {
			return types.ConfigurationError(fmt.Sprintf("while node %q has no condition", n.ID))
		}
		if t.MaxIterations <= 0 || t.MaxIterations > WhileMaxLimit {
			return types.ConfigurationError(fmt.Sprintf("while node %q: max_iterations must be in [1, %d]", n.ID, WhileMaxLimit))
		}
	}

	for _, dep := range n.Dependencies {
		if dep == n.ID {
			return types.CircularFlow([]string{n.ID})
		}
		if _, ok := f.nodes[dep]; !ok {
			return types.FlowDefinition(fmt.Sprintf("node %q depends on unknown node %q", n.ID, dep))
		}
	}
	for param, ref := range n.InputMapping {
		if ref.NodeID == "" || ref.Field == "" {
			return types.ConfigurationError(fmt.Sprintf("node %q: input %q has an incomplete reference", n.ID, param))
		}
		if ref.NodeID == n.ID {
			return types.CircularFlow([]string{n.ID})
		}
		if _, ok := f.nodes[ref.NodeID]; !ok {
			return types.ConfigurationError(fmt.Sprintf("node %q: input %q references unknown node %q", n.ID, param, ref.NodeID))
		}
	}
	if n.Retry != nil {
		if err := n.Retry.Validate(); err != nil {
			return types.ConfigurationError(fmt.Sprintf("node %q: invalid retry policy", n.ID)).WithCause(err)
		}
	}
	if n.Timeout < 0 {
		return types.ConfigurationError(fmt.Sprintf("node %q: timeout must not be negative", n.ID))
	}
	if n.RateLimit != nil && n.RateLimit.RPS <= 0 {
		return types.ConfigurationError(fmt.Sprintf("node %q: rate limit rps must be positive", n.ID))
	}
	if n.CircuitBreaker != nil && (n.CircuitBreaker.FailureThreshold < 0 || n.CircuitBreaker.RecoveryTimeout < 0) {
		return types.ConfigurationError(fmt.Sprintf("node %q: circuit breaker settings must not be negative", n.ID))
	}
	return nil
}

// compileSubflow 为 Map / While 节点构建模板子图
func (f *Flow) compileSubflow(n *GraphNode) error {
	var template []*GraphNode
	switch t := n.Type.(type) {
	case Map:
		template = t.Template
	case While:
		template = t.Template
	default:
		return nil
	}

	sub, err := NewFlow(f.name+"/"+n.ID, template,
		WithLogger(f.logger),
		WithObserver(f.observer),
		WithRetryObserver(f.retryObserver),
		WithTracer(f.tracer),
		WithFailurePolicy(FailFast),
		WithDefaultRetry(f.defaultRetry),
		WithStoreLimits(f.storeLimits),
	)
	if err != nil {
		return fmt.Errorf("template of node %q: %w", n.ID, err)
	}
	f.subflows[n.ID] = sub
	return nil
}

// topologicalOrder 使用 Kahn 算法计算拓扑序，同层按声明顺序排列。
// 存在环时返回 CIRCULAR_FLOW，列出无法排序的节点。
func topologicalOrder(declared []string, nodes map[string]*GraphNode) ([]string, error) {
	indegree := make(map[string]int, len(declared))
	edges := make(map[string][]string, len(declared))
	for _, id := range declared {
		for _, producer := range nodes[id].prerequisites() {
			indegree[id]++
			edges[producer] = append(edges[producer], id)
		}
	}

	position := make(map[string]int, len(declared))
	for i, id := range declared {
		position[id] = i
	}

	var queue []string
	for _, id := range declared {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(declared))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var released []string
		for _, next := range edges[id] {
			indegree[next]--
			if indegree[next] == 0 {
				released = append(released, next)
			}
		}
		sort.Slice(released, func(i, j int) bool { return position[released[i]] < position[released[j]] })
		queue = append(queue, released...)
	}

	if len(order) != len(declared) {
		var cyclic []string
		for _, id := range declared {
			if indegree[id] > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return nil, types.CircularFlow(cyclic)
	}
	return order, nil
}

// Name 返回流程名
func (f *Flow) Name() string { return f.name }

// Order 返回拓扑序副本
func (f *Flow) Order() []string { return slices.Clone(f.order) }

// Node 返回指定节点
func (f *Flow) Node(id string) (*GraphNode, bool) {
	n, ok := f.nodes[id]
	return n, ok
}

// Len 返回节点数量
func (f *Flow) Len() int { return len(f.nodes) }

// ExitNodes 返回没有任何下游的节点（拓扑序）
func (f *Flow) ExitNodes() []string {
	var exits []string
	for _, id := range f.order {
		if len(f.dependents[id]) == 0 {
			exits = append(exits, id)
		}
	}
	return exits
}

// CircuitStates 返回各节点熔断器状态
func (f *Flow) CircuitStates() map[string]CircuitState {
	return f.breakers.GetAllStates()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
