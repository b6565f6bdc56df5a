package retry

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/BaSui01/agentflow-core/types"
)

// PatternType 可重试错误模式类型
type PatternType string

const (
	PatternErrorType          PatternType = "error_type"
	PatternMessageContains    PatternType = "message_contains"
	PatternNetwork            PatternType = "network"
	PatternTimeout            PatternType = "timeout"
	PatternRateLimit          PatternType = "rate_limit"
	PatternServiceUnavailable PatternType = "service_unavailable"
)

// Pattern 描述一类应当重试的错误
type Pattern struct {
	Type  PatternType `json:"type" yaml:"type"`
	Value string      `json:"value,omitempty" yaml:"value,omitempty"`
}

// ErrorType 匹配错误码、错误类型名或 Go 类型名
func ErrorType(name string) Pattern { return Pattern{Type: PatternErrorType, Value: name} }

// MessageContains 匹配错误消息子串
func MessageContains(text string) Pattern { return Pattern{Type: PatternMessageContains, Value: text} }

// 预定义模式
var (
	NetworkError       = Pattern{Type: PatternNetwork}
	TimeoutError       = Pattern{Type: PatternTimeout}
	RateLimitError     = Pattern{Type: PatternRateLimit}
	ServiceUnavailable = Pattern{Type: PatternServiceUnavailable}
)

// ParsePattern 解析模式名，支持 NetworkError 等命名形式与 "message_contains:text" 形式
func ParsePattern(s string) (Pattern, error) {
	name, arg, hasArg := strings.Cut(strings.TrimSpace(s), ":")
	switch strings.ToLower(strings.ReplaceAll(name, "_", "")) {
	case "networkerror", "network":
		return NetworkError, nil
	case "timeouterror", "timeout":
		return TimeoutError, nil
	case "ratelimiterror", "ratelimit":
		return RateLimitError, nil
	case "serviceunavailable":
		return ServiceUnavailable, nil
	case "errortype":
		if hasArg && arg != "" {
			return ErrorType(arg), nil
		}
	case "messagecontains":
		if hasArg && arg != "" {
			return MessageContains(arg), nil
		}
	}
	return Pattern{}, types.ConfigurationError(fmt.Sprintf("unknown retryable error pattern %q", s))
}

// Validate 校验模式
func (p Pattern) Validate() error {
	switch p.Type {
	case PatternNetwork, PatternTimeout, PatternRateLimit, PatternServiceUnavailable:
		return nil
	case PatternErrorType, PatternMessageContains:
		if p.Value == "" {
			return types.ConfigurationError(fmt.Sprintf("pattern %s requires a value", p.Type))
		}
		return nil
	default:
		return types.ConfigurationError(fmt.Sprintf("unknown pattern type %q", p.Type))
	}
}

// String 实现 fmt.Stringer
func (p Pattern) String() string {
	if p.Value == "" {
		return string(p.Type)
	}
	return fmt.Sprintf("%s:%s", p.Type, p.Value)
}

// Matches 判断错误是否命中该模式
func (p Pattern) Matches(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	switch p.Type {
	case PatternErrorType:
		return matchesErrorType(err, p.Value)
	case PatternMessageContains:
		return strings.Contains(err.Error(), p.Value)
	case PatternNetwork:
		return strings.Contains(msg, "network") || strings.Contains(msg, "connection")
	case PatternTimeout:
		return types.IsCode(err, types.ErrTimeout) ||
			strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
			strings.Contains(msg, "deadline exceeded")
	case PatternRateLimit:
		return types.IsCode(err, types.ErrRateLimited) ||
			strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") ||
			strings.Contains(msg, "429")
	case PatternServiceUnavailable:
		return strings.Contains(msg, "503") || strings.Contains(msg, "unavailable")
	}
	return false
}

// codeNames 错误码对应的类型名
var codeNames = map[types.ErrorCode]string{
	types.ErrNodeExecution:     "NodeExecutionFailed",
	types.ErrNodeInput:         "NodeInputError",
	types.ErrDependencyNotMet:  "DependencyNotMet",
	types.ErrRetryExhausted:    "RetryExhausted",
	types.ErrTimeout:           "TimeoutExceeded",
	types.ErrCircuitOpen:       "CircuitBreakerOpen",
	types.ErrRateLimited:       "RateLimitExceeded",
	types.ErrFlowExecution:     "FlowExecutionFailed",
	types.ErrFlowDefinition:    "FlowDefinitionError",
	types.ErrCircularFlow:      "CircularFlow",
	types.ErrUnknownTransition: "UnknownTransition",
	types.ErrContextStore:      "ContextStoreError",
	types.ErrConfiguration:     "ConfigurationError",
	types.ErrSerialization:     "SerializationError",
	types.ErrCancelled:         "TaskCancelled",
}

func matchesErrorType(err error, name string) bool {
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		if e, ok := cur.(*types.Error); ok {
			if string(e.Code) == name || strings.Contains(codeNames[e.Code], name) {
				return true
			}
			continue
		}
		if t := reflect.TypeOf(cur); t != nil && strings.Contains(t.String(), name) {
			return true
		}
	}
	return false
}
