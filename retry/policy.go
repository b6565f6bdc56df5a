package retry

import (
	"fmt"
	"time"

	"github.com/BaSui01/agentflow-core/types"
)

// Policy 定义何时以及如何重试
type Policy struct {
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts"` // 总尝试次数，1 表示不重试
	Strategy        Strategy      `json:"strategy" yaml:"strategy"`
	RetryableErrors []Pattern     `json:"retryable_errors,omitempty" yaml:"retryable_errors,omitempty"` // 白名单，为空时由错误自身的瞬时性决定
	MaxDuration     time.Duration `json:"max_duration,omitempty" yaml:"max_duration,omitempty"`         // 总时长预算，0 表示不限
}

// DefaultPolicy 返回默认策略：3 次尝试，指数退避 100ms 起、上限 10s
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts: 3,
		Strategy:    Exponential(100*time.Millisecond, 10*time.Second, 2.0),
	}
}

// NoRetry 返回只尝试一次的策略
func NoRetry() *Policy {
	return &Policy{MaxAttempts: 1, Strategy: Fixed(0)}
}

// Validate 校验策略。max_attempts 必须至少为 1。
func (p *Policy) Validate() error {
	if p == nil {
		return types.ConfigurationError("retry policy is nil")
	}
	if p.MaxAttempts <= 0 {
		return types.ConfigurationError(fmt.Sprintf("max_attempts must be at least 1, got %d", p.MaxAttempts))
	}
	if p.MaxDuration < 0 {
		return types.ConfigurationError("max_duration must not be negative")
	}
	if err := p.Strategy.Validate(); err != nil {
		return err
	}
	for _, pattern := range p.RetryableErrors {
		if err := pattern.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone 返回策略副本
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	cp := *p
	cp.RetryableErrors = append([]Pattern(nil), p.RetryableErrors...)
	return &cp
}

// Backoff 返回第 attempt 次尝试前的等待时间
func (p *Policy) Backoff(attempt int) time.Duration {
	return p.Strategy.Backoff(attempt)
}

// Classify 判断错误在该策略下是否应当重试。
// 永久性错误从不重试；配置了白名单时只重试命中的错误；否则由错误自身的瞬时性决定。
func (p *Policy) Classify(err error) bool {
	if err == nil || types.IsPermanent(err) {
		return false
	}
	if len(p.RetryableErrors) == 0 {
		return true
	}
	for _, pattern := range p.RetryableErrors {
		if pattern.Matches(err) {
			return true
		}
	}
	return false
}

// =============================================================================
// Builder
// =============================================================================

// PolicyBuilder 以链式调用构建 Policy
type PolicyBuilder struct {
	policy Policy
	err    error
}

// NewPolicyBuilder 创建构建器，未设置的字段使用 DefaultPolicy 的值
func NewPolicyBuilder() *PolicyBuilder {
	return &PolicyBuilder{policy: *DefaultPolicy()}
}

// MaxAttempts 设置最大尝试次数
func (b *PolicyBuilder) MaxAttempts(n int) *PolicyBuilder {
	b.policy.MaxAttempts = n
	return b
}

// Strategy 设置退避策略
func (b *PolicyBuilder) Strategy(s Strategy) *PolicyBuilder {
	b.policy.Strategy = s
	return b
}

// RetryOn 追加可重试模式
func (b *PolicyBuilder) RetryOn(patterns ...Pattern) *PolicyBuilder {
	b.policy.RetryableErrors = append(b.policy.RetryableErrors, patterns...)
	return b
}

// RetryOnNamed 按名称追加可重试模式
func (b *PolicyBuilder) RetryOnNamed(names ...string) *PolicyBuilder {
	for _, name := range names {
		p, err := ParsePattern(name)
		if err != nil && b.err == nil {
			b.err = err
			continue
		}
		b.policy.RetryableErrors = append(b.policy.RetryableErrors, p)
	}
	return b
}

// MaxDuration 设置总时长预算
func (b *PolicyBuilder) MaxDuration(d time.Duration) *PolicyBuilder {
	b.policy.MaxDuration = d
	return b
}

// Build 校验并返回策略
func (b *PolicyBuilder) Build() (*Policy, error) {
	if b.err != nil {
		return nil, b.err
	}
	p := b.policy.Clone()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
