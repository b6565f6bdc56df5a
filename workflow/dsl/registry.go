package dsl

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/BaSui01/agentflow-core/workflow"
)

// Factory 根据节点参数创建节点实例，参数原样传入
type Factory func(params map[string]any) (workflow.Node, error)

// Registry 节点类型注册表。
// 注册表是显式传入编译器的配置对象，不存在全局注册表。
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register 注册节点类型，重复注册或与内置类型重名时报错
func (r *Registry) Register(nodeType string, factory Factory) error {
	if nodeType == "" {
		return fmt.Errorf("node type name is required")
	}
	if factory == nil {
		return fmt.Errorf("node type %q: factory is nil", nodeType)
	}
	if nodeType == NodeTypeMap || nodeType == NodeTypeWhile {
		return fmt.Errorf("node type %q is built in", nodeType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[nodeType]; exists {
		return fmt.Errorf("node type %q already registered", nodeType)
	}
	r.factories[nodeType] = factory
	return nil
}

// MustRegister 与 Register 相同，失败时 panic，便于初始化代码使用
func (r *Registry) MustRegister(nodeType string, factory Factory) *Registry {
	if err := r.Register(nodeType, factory); err != nil {
		panic(err)
	}
	return r
}

// Has 判断类型是否可用（含内置类型）
func (r *Registry) Has(nodeType string) bool {
	if nodeType == NodeTypeMap || nodeType == NodeTypeWhile {
		return true
	}
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[nodeType]
	return ok
}

// Types 返回已注册的类型名（已排序）
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Create 用注册的工厂创建节点
func (r *Registry) Create(nodeType string, params map[string]any) (workflow.Node, error) {
	r.mu.RLock()
	factory, ok := r.factories[nodeType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown node type %q", nodeType)
	}
	node, err := factory(params)
	if err != nil {
		return nil, fmt.Errorf("create %s node: %w", nodeType, err)
	}
	if node == nil {
		return nil, fmt.Errorf("create %s node: factory returned nil", nodeType)
	}
	return node, nil
}

// DecodeParams 把参数映射解码到结构体，字段按 mapstructure 标签匹配，
// 支持字符串到数值/布尔及 duration 字符串的弱类型转换，未知参数报错。
func DecodeParams(params map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "mapstructure",
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("build parameter decoder: %w", err)
	}
	if err := decoder.Decode(params); err != nil {
		return fmt.Errorf("decode parameters: %w", err)
	}
	return nil
}
