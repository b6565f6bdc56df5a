package agentflow

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/agentflow-core/types"
	"github.com/BaSui01/agentflow-core/workflow"
	"github.com/BaSui01/agentflow-core/workflow/dsl"
)

// EchoNodeType 是 echo 节点的 DSL 类型名
const EchoNodeType = "echo"

// echoParams echo 节点参数
type echoParams struct {
	// Values 合并进输出的固定值，覆盖同名输入
	Values map[string]any `mapstructure:"values"`
	// Delay 返回前等待的时长，用于演练超时
	Delay time.Duration `mapstructure:"delay"`
	// Fail 非空时以该消息失败，用于演练重试与失败传播
	Fail string `mapstructure:"fail"`
}

// echoNode 将输入原样输出，用于试运行工作流定义
type echoNode struct {
	params echoParams
}

// NewEchoNode 是 echo 类型的 dsl.Factory
func NewEchoNode(params map[string]any) (workflow.Node, error) {
	var p echoParams
	if err := dsl.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Delay < 0 {
		return nil, types.ConfigurationError("echo delay must not be negative")
	}
	return &echoNode{params: p}, nil
}

// NodeType 实现 workflow.Typed
func (n *echoNode) NodeType() string { return EchoNodeType }

// Execute 实现 workflow.Node
func (n *echoNode) Execute(ctx context.Context, inputs types.Values) (types.Values, error) {
	if n.params.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(n.params.Delay):
		}
	}
	if n.params.Fail != "" {
		return nil, errors.New(n.params.Fail)
	}
	return inputs.Merge(types.ValuesFromMap(n.params.Values)), nil
}

// NewRegistry 返回预注册了 echo 节点的注册表
func NewRegistry() *dsl.Registry {
	return dsl.NewRegistry().MustRegister(EchoNodeType, NewEchoNode)
}
