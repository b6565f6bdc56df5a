package retry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/BaSui01/agentflow-core/types"
)

// StrategyType 退避策略类型
type StrategyType string

const (
	StrategyFixed       StrategyType = "fixed"
	StrategyLinear      StrategyType = "linear"
	StrategyExponential StrategyType = "exponential"
)

// Strategy 定义两次尝试之间的等待时间
type Strategy struct {
	Type       StrategyType  `json:"type" yaml:"type"`
	Delay      time.Duration `json:"delay" yaml:"delay"`                             // fixed 的固定延迟，linear / exponential 的初始延迟
	Step       time.Duration `json:"step,omitempty" yaml:"step,omitempty"`           // linear 每次增量
	Multiplier float64       `json:"multiplier,omitempty" yaml:"multiplier,omitempty"` // exponential 倍增因子
	MaxDelay   time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`   // exponential 上限
	Jitter     bool          `json:"jitter,omitempty" yaml:"jitter,omitempty"`         // ±25% 随机抖动
}

// Fixed 创建固定延迟策略
func Fixed(delay time.Duration) Strategy {
	return Strategy{Type: StrategyFixed, Delay: delay}
}

// Linear 创建线性退避策略
func Linear(base, step time.Duration) Strategy {
	return Strategy{Type: StrategyLinear, Delay: base, Step: step}
}

// Exponential 创建指数退避策略
func Exponential(base, maxDelay time.Duration, multiplier float64) Strategy {
	return Strategy{Type: StrategyExponential, Delay: base, MaxDelay: maxDelay, Multiplier: multiplier}
}

// WithJitter 返回开启抖动的副本
func (s Strategy) WithJitter() Strategy {
	s.Jitter = true
	return s
}

// Validate 校验策略参数
func (s Strategy) Validate() error {
	if s.Delay < 0 || s.Step < 0 || s.MaxDelay < 0 {
		return types.ConfigurationError("retry delays must not be negative")
	}
	switch s.Type {
	case StrategyFixed, StrategyLinear:
		return nil
	case StrategyExponential:
		if s.Multiplier < 1 {
			return types.ConfigurationError(fmt.Sprintf("exponential multiplier must be >= 1, got %v", s.Multiplier))
		}
		if s.MaxDelay > 0 && s.MaxDelay < s.Delay {
			return types.ConfigurationError("exponential max_delay must be >= initial delay")
		}
		return nil
	default:
		return types.ConfigurationError(fmt.Sprintf("unknown retry strategy %q", s.Type))
	}
}

// Backoff 返回第 attempt 次尝试（从 0 开始）对应的等待时间。
// 执行器从不为第 0 次尝试睡眠。
func (s Strategy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	var delay float64
	switch s.Type {
	case StrategyLinear:
		delay = float64(s.Delay) + float64(s.Step)*float64(attempt)
	case StrategyExponential:
		mult := s.Multiplier
		if mult < 1 {
			mult = 1
		}
		delay = float64(s.Delay) * math.Pow(mult, float64(attempt))
		if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
			delay = float64(s.MaxDelay)
		}
	default:
		delay = float64(s.Delay)
	}

	if s.Jitter && delay > 0 {
		delay += (rand.Float64()*2 - 1) * delay * 0.25
		if s.Type == StrategyExponential && s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
			delay = float64(s.MaxDelay)
		}
	}

	// 溢出保护
	if delay >= math.MaxInt64 || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return time.Duration(math.MaxInt64)
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}
