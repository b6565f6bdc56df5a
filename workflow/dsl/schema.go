package dsl

import (
	"fmt"
	"time"

	"github.com/BaSui01/agentflow-core/retry"
	"github.com/BaSui01/agentflow-core/workflow"
)

// 内置节点类型，其余类型由 Registry 解析
const (
	NodeTypeMap   = "map"
	NodeTypeWhile = "while"
)

// WorkflowDSL 工作流 DSL 顶层结构
type WorkflowDSL struct {
	// Version DSL 版本
	Version string `yaml:"version" json:"version"`
	// Name 工作流名称
	Name string `yaml:"name" json:"name"`
	// Description 工作流描述
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Inputs 运行输入声明
	Inputs map[string]InputDef `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// Nodes 节点定义
	Nodes []NodeDef `yaml:"nodes" json:"nodes"`

	// Outputs 对外暴露的输出
	Outputs map[string]OutputDef `yaml:"outputs,omitempty" json:"outputs,omitempty"`

	// FailurePolicy continue_on_failure（默认）或 fail_fast
	FailurePolicy string `yaml:"failure_policy,omitempty" json:"failure_policy,omitempty"`

	// Retry 未单独配置重试的 Standard 节点使用的默认策略
	Retry *RetryDef `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Metadata 元数据
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// InputDef 输入定义
type InputDef struct {
	Type        string `yaml:"type,omitempty" json:"type,omitempty"` // string, number, integer, boolean, object, array
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// OutputDef 输出定义，From 形如 "<node>.<field>"
type OutputDef struct {
	From        string `yaml:"from" json:"from"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// NodeDef 节点定义
type NodeDef struct {
	ID   string `yaml:"id" json:"id"`
	Type string `yaml:"type" json:"type"`

	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	// Dependencies 是 depends_on 的别名
	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`

	// InputMapping 输入名 -> "{{ nodes.<id>.outputs.<field> }}"
	InputMapping map[string]string `yaml:"input_mapping,omitempty" json:"input_mapping,omitempty"`
	// Inputs 初始输入，字符串值在运行时按上下文解析模板
	Inputs map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	RunIf      string         `yaml:"run_if,omitempty" json:"run_if,omitempty"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`

	Retry          *RetryDef                 `yaml:"retry,omitempty" json:"retry,omitempty"`
	Timeout        string                    `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	CircuitBreaker *CircuitBreakerDef        `yaml:"circuit_breaker,omitempty" json:"circuit_breaker,omitempty"`
	RateLimit      *workflow.RateLimitConfig `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`

	Map   *MapDef   `yaml:"map,omitempty" json:"map,omitempty"`
	While *WhileDef `yaml:"while,omitempty" json:"while,omitempty"`

	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Deps 返回 depends_on 与 dependencies 的并集，保持声明顺序
func (n *NodeDef) Deps() []string {
	seen := make(map[string]bool, len(n.DependsOn)+len(n.Dependencies))
	var out []string
	for _, list := range [][]string{n.DependsOn, n.Dependencies} {
		for _, dep := range list {
			if !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
			}
		}
	}
	return out
}

// MapDef Map 节点的模板子图
type MapDef struct {
	Parallel    bool      `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	MaxParallel int       `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
	Nodes       []NodeDef `yaml:"nodes" json:"nodes"`
}

// WhileDef While 节点的条件与模板子图
type WhileDef struct {
	Condition     string    `yaml:"condition" json:"condition"`
	MaxIterations int       `yaml:"max_iterations" json:"max_iterations"`
	Nodes         []NodeDef `yaml:"nodes" json:"nodes"`
}

// RetryDef 重试定义，时长使用 Go duration 字符串（如 "250ms"）
type RetryDef struct {
	MaxAttempts int      `yaml:"max_attempts" json:"max_attempts"`
	Strategy    string   `yaml:"strategy,omitempty" json:"strategy,omitempty"` // fixed, linear, exponential
	Delay       string   `yaml:"delay,omitempty" json:"delay,omitempty"`
	Step        string   `yaml:"step,omitempty" json:"step,omitempty"`
	Multiplier  float64  `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
	MaxDelay    string   `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
	Jitter      bool     `yaml:"jitter,omitempty" json:"jitter,omitempty"`
	RetryOn     []string `yaml:"retry_on,omitempty" json:"retry_on,omitempty"`
	MaxDuration string   `yaml:"max_duration,omitempty" json:"max_duration,omitempty"`
}

// Policy 将定义转换为校验过的重试策略
func (d *RetryDef) Policy() (*retry.Policy, error) {
	delay, err := parseDuration("delay", d.Delay)
	if err != nil {
		return nil, err
	}
	step, err := parseDuration("step", d.Step)
	if err != nil {
		return nil, err
	}
	maxDelay, err := parseDuration("max_delay", d.MaxDelay)
	if err != nil {
		return nil, err
	}
	budget, err := parseDuration("max_duration", d.MaxDuration)
	if err != nil {
		return nil, err
	}

	var strategy retry.Strategy
	switch d.Strategy {
	case "", string(retry.StrategyExponential):
		multiplier := d.Multiplier
		if multiplier == 0 {
			multiplier = 2
		}
		if maxDelay == 0 {
			maxDelay = 30 * time.Second
			if delay > maxDelay {
				maxDelay = delay
			}
		}
		strategy = retry.Exponential(delay, maxDelay, multiplier)
	case string(retry.StrategyFixed):
		strategy = retry.Fixed(delay)
	case string(retry.StrategyLinear):
		strategy = retry.Linear(delay, step)
	default:
		return nil, fmt.Errorf("unknown retry strategy %q", d.Strategy)
	}
	if d.Jitter {
		strategy = strategy.WithJitter()
	}

	return retry.NewPolicyBuilder().
		MaxAttempts(d.MaxAttempts).
		Strategy(strategy).
		RetryOnNamed(d.RetryOn...).
		MaxDuration(budget).
		Build()
}

// CircuitBreakerDef 熔断器定义
type CircuitBreakerDef struct {
	FailureThreshold  int    `yaml:"failure_threshold,omitempty" json:"failure_threshold,omitempty"`
	RecoveryTimeout   string `yaml:"recovery_timeout,omitempty" json:"recovery_timeout,omitempty"`
	HalfOpenMaxTrials int    `yaml:"half_open_max_trials,omitempty" json:"half_open_max_trials,omitempty"`
	SuccessThreshold  int    `yaml:"success_threshold,omitempty" json:"success_threshold,omitempty"`
}

// Config 转换为 workflow.CircuitBreakerConfig，未设置的字段由熔断器补默认值
func (d *CircuitBreakerDef) Config() (*workflow.CircuitBreakerConfig, error) {
	recovery, err := parseDuration("recovery_timeout", d.RecoveryTimeout)
	if err != nil {
		return nil, err
	}
	return &workflow.CircuitBreakerConfig{
		FailureThreshold:           d.FailureThreshold,
		RecoveryTimeout:            recovery,
		HalfOpenMaxTrials:          d.HalfOpenMaxTrials,
		SuccessThresholdInHalfOpen: d.SuccessThreshold,
	}, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %s", field, s)
	}
	return d, nil
}
