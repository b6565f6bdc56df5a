package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow-core/internal/ctxkeys"
	"github.com/BaSui01/agentflow-core/state"
	"github.com/BaSui01/agentflow-core/types"
)

// DefaultMaxSteps 是 ActionFlow 默认的最大步数
const DefaultMaxSteps = 1000

// ActionFlow 顺序执行生命周期节点，每一步由上一节点 Post 返回的 next 决定。
// next 为空时运行结束。适合循环式、由节点自行路由的流程。
type ActionFlow struct {
	name     string
	start    string
	nodes    map[string]Node
	maxSteps int
	logger   *zap.Logger
	nodeOpts []LifecycleOption
}

// ActionOption 配置 ActionFlow
type ActionOption func(*ActionFlow)

// WithActionLogger 设置日志记录器
func WithActionLogger(logger *zap.Logger) ActionOption {
	return func(f *ActionFlow) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMaxSteps 设置最大步数，防止节点之间无限跳转
func WithMaxSteps(n int) ActionOption {
	return func(f *ActionFlow) { f.maxSteps = n }
}

// WithActionName 设置流程名称
func WithActionName(name string) ActionOption {
	return func(f *ActionFlow) { f.name = name }
}

// WithNodeOptions 为所有节点应用生命周期选项（例如 Exec 重试）
func WithNodeOptions(opts ...LifecycleOption) ActionOption {
	return func(f *ActionFlow) { f.nodeOpts = append(f.nodeOpts, opts...) }
}

// ActionStep 记录一步执行
type ActionStep struct {
	NodeID   string        `json:"node_id"`
	Next     string        `json:"next,omitempty"`
	Outputs  types.Values  `json:"outputs,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ActionResult 是一次 ActionFlow 运行的结果
type ActionResult struct {
	Steps []ActionStep `json:"steps"`
}

// Path 返回按执行顺序排列的节点 id
func (r *ActionResult) Path() []string {
	path := make([]string, len(r.Steps))
	for i, s := range r.Steps {
		path[i] = s.NodeID
	}
	return path
}

// Last 返回最后一步，没有步骤时返回 nil
func (r *ActionResult) Last() *ActionStep {
	if len(r.Steps) == 0 {
		return nil
	}
	return &r.Steps[len(r.Steps)-1]
}

// NewActionFlow 创建 ActionFlow，start 必须是 nodes 中的节点
func NewActionFlow(start string, nodes map[string]Lifecycle, opts ...ActionOption) (*ActionFlow, error) {
	f := &ActionFlow{
		name:     "action_flow",
		start:    start,
		nodes:    make(map[string]Node, len(nodes)),
		maxSteps: DefaultMaxSteps,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(zap.String("component", "action_flow"), zap.String("workflow", f.name))

	if len(nodes) == 0 {
		return nil, types.FlowDefinition("action flow has no nodes")
	}
	if f.maxSteps <= 0 {
		return nil, types.ConfigurationError("max steps must be positive")
	}
	for id, l := range nodes {
		if id == "" {
			return nil, types.FlowDefinition("action flow node has an empty id")
		}
		if l == nil {
			return nil, types.FlowDefinition(fmt.Sprintf("action flow node %q is nil", id))
		}
		f.nodes[id] = FromLifecycle(l, f.nodeOpts...)
	}
	if _, ok := f.nodes[start]; !ok {
		return nil, types.FlowDefinition(fmt.Sprintf("start node %q not found", start))
	}
	return f, nil
}

// Run 从起始节点开始执行，直到某节点不再返回 next。
// 每步输出以节点 id 为键写入 store；跳转到未知节点返回 UNKNOWN_TRANSITION，
// 超过最大步数返回 FLOW_EXECUTION_FAILED。
func (f *ActionFlow) Run(ctx context.Context, store *state.Store) (*ActionResult, error) {
	if store == nil {
		store = state.New()
	}
	ctx = ctxkeys.WithWorkflow(ctx, f.name)
	ctx = state.WithStore(ctx, store)

	result := &ActionResult{}
	current := f.start
	for current != "" {
		if len(result.Steps) >= f.maxSteps {
			return result, types.NewError(types.ErrFlowExecution,
				fmt.Sprintf("exceeded max steps (%d), last node %q", f.maxSteps, current)).WithRetryable(false)
		}
		if err := ctx.Err(); err != nil {
			return result, types.Cancelled(err)
		}

		start := time.Now()
		outputs, err := f.nodes[current].Execute(ctxkeys.WithNodeID(ctx, current), nil)
		if err != nil {
			f.logger.Warn("action step failed", zap.String("node_id", current), zap.Error(err))
			return result, wrapNodeError(current, err)
		}

		var next string
		if raw, ok := outputs[TransitionKey]; ok {
			delete(outputs, TransitionKey)
			v, _ := raw.JSONValue()
			next, _ = v.(string)
		}
		if err := store.Set(current, outputs.ToContext()); err != nil {
			return result, storeError(current, err)
		}
		result.Steps = append(result.Steps, ActionStep{
			NodeID:   current,
			Next:     next,
			Outputs:  outputs,
			Duration: time.Since(start),
		})
		f.logger.Debug("action step completed", zap.String("node_id", current), zap.String("next", next))

		if next != "" {
			if _, ok := f.nodes[next]; !ok {
				return result, types.UnknownTransition(current, next)
			}
		}
		current = next
	}
	return result, nil
}
