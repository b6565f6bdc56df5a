package workflow

import (
	"context"
	"fmt"

	"github.com/BaSui01/agentflow-core/internal/ctxkeys"
	"github.com/BaSui01/agentflow-core/retry"
	"github.com/BaSui01/agentflow-core/state"
	"github.com/BaSui01/agentflow-core/types"
)

// TransitionKey 是节点输出中保留的显式跳转键。
// 生命周期节点的 Post 返回的下一个节点 id 会写入该键。
const TransitionKey = "$next"

// OutputKey 是非 Values 类型执行结果的默认输出名
const OutputKey = "output"

// Node 是调度器唯一认识的执行契约：命名输入到命名输出
type Node interface {
	Execute(ctx context.Context, inputs types.Values) (types.Values, error)
}

// NodeFunc 将函数适配为 Node
type NodeFunc func(ctx context.Context, inputs types.Values) (types.Values, error)

// Execute 实现 Node
func (f NodeFunc) Execute(ctx context.Context, inputs types.Values) (types.Values, error) {
	return f(ctx, inputs)
}

// Typed 是可选接口，提供节点类型名用于日志与诊断
type Typed interface {
	NodeType() string
}

// Lifecycle 是三阶段节点契约。
// Prep 读取上下文，Exec 做与上下文无关的计算（可单独重试），Post 写回结果并可指定下一个节点。
type Lifecycle interface {
	Prep(ctx context.Context, store *state.Store, inputs types.Values) (any, error)
	Exec(ctx context.Context, prep any) (any, error)
	Post(ctx context.Context, store *state.Store, prep, exec any) (next string, err error)
}

// ExecFallback 是可选接口，Exec 最终失败时调用，可返回替代结果
type ExecFallback interface {
	ExecFallback(ctx context.Context, prep any, err error) (any, error)
}

// LifecycleOption 配置生命周期适配器
type LifecycleOption func(*lifecycleNode)

// WithExecRetry 只对 Exec 阶段重试，Prep 与 Post 各执行一次
func WithExecRetry(policy *retry.Policy, opts ...retry.Option) LifecycleOption {
	return func(n *lifecycleNode) {
		n.policy = policy
		n.retryOpts = opts
	}
}

// WithNodeType 设置适配后节点的类型名
func WithNodeType(name string) LifecycleOption {
	return func(n *lifecycleNode) { n.typeName = name }
}

type lifecycleNode struct {
	impl      Lifecycle
	policy    *retry.Policy
	retryOpts []retry.Option
	typeName  string
}

// FromLifecycle 将三阶段节点适配为单次调用契约。
// 上下文存储取自 ctx（见 state.WithStore），缺失时使用临时存储。
func FromLifecycle(l Lifecycle, opts ...LifecycleOption) Node {
	n := &lifecycleNode{impl: l}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NodeType 实现 Typed
func (n *lifecycleNode) NodeType() string {
	if n.typeName != "" {
		return n.typeName
	}
	if t, ok := n.impl.(Typed); ok {
		return t.NodeType()
	}
	return fmt.Sprintf("%T", n.impl)
}

// Execute 实现 Node
func (n *lifecycleNode) Execute(ctx context.Context, inputs types.Values) (types.Values, error) {
	store, ok := state.FromContext(ctx)
	if !ok {
		store = state.New()
	}

	prep, err := n.impl.Prep(ctx, store, inputs)
	if err != nil {
		return nil, err
	}

	var exec any
	if n.policy != nil {
		exec, err = retry.Do(ctx, n.policy, n.NodeType()+".exec", func(ctx context.Context, _ int) (any, error) {
			return n.impl.Exec(ctx, prep)
		}, n.retryOpts...)
	} else {
		exec, err = n.impl.Exec(ctx, prep)
	}
	if err != nil {
		fb, ok := n.impl.(ExecFallback)
		if !ok {
			return nil, err
		}
		if exec, err = fb.ExecFallback(ctx, prep, err); err != nil {
			return nil, err
		}
	}

	next, err := n.impl.Post(ctx, store, prep, exec)
	if err != nil {
		return nil, err
	}

	outputs, err := ToValues(exec)
	if err != nil {
		return nil, err
	}
	if next != "" {
		outputs[TransitionKey] = types.JSON(next)
	}
	return outputs, nil
}

// ToValues 将任意执行结果转换为命名输出。
// Values 与 map 按键展开，其余值放在 OutputKey 下，nil 返回空集合。
func ToValues(v any) (types.Values, error) {
	switch x := v.(type) {
	case nil:
		return types.Values{}, nil
	case types.Values:
		return x.Clone(), nil
	case map[string]types.FlowValue:
		return types.Values(x).Clone(), nil
	case types.FlowValue:
		return types.Values{OutputKey: x}, nil
	case map[string]any:
		normalized, err := types.NormalizeJSON(x)
		if err != nil {
			return nil, err
		}
		return types.ValuesFromMap(normalized.(map[string]any)), nil
	default:
		normalized, err := types.NormalizeJSON(x)
		if err != nil {
			return nil, err
		}
		return types.Values{OutputKey: types.JSON(normalized)}, nil
	}
}

// RunInfo 是调度器放入节点 ctx 的运行标识
type RunInfo struct {
	RunID    string
	Workflow string
	NodeID   string
	Attempt  int
	TraceID  string
}

// RunInfoFromContext 读取当前节点的运行标识，不在调度器内调用时各字段为零值
func RunInfoFromContext(ctx context.Context) RunInfo {
	var info RunInfo
	info.RunID, _ = ctxkeys.RunID(ctx)
	info.Workflow, _ = ctxkeys.Workflow(ctx)
	info.NodeID, _ = ctxkeys.NodeID(ctx)
	info.Attempt, _ = ctxkeys.Attempt(ctx)
	info.TraceID, _ = ctxkeys.TraceID(ctx)
	return info
}
