package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Node error codes
const (
	ErrNodeExecution    ErrorCode = "NODE_EXECUTION_FAILED"
	ErrNodeInput        ErrorCode = "NODE_INPUT_ERROR"
	ErrDependencyNotMet ErrorCode = "DEPENDENCY_NOT_MET"
	ErrNodeSkipped      ErrorCode = "NODE_SKIPPED"
	ErrRetryExhausted   ErrorCode = "RETRY_EXHAUSTED"
	ErrTimeout          ErrorCode = "TIMEOUT_EXCEEDED"
	ErrCircuitOpen      ErrorCode = "CIRCUIT_BREAKER_OPEN"
	ErrRateLimited      ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCancelled        ErrorCode = "TASK_CANCELLED"
)

// Flow error codes
const (
	ErrFlowExecution     ErrorCode = "FLOW_EXECUTION_FAILED"
	ErrFlowDefinition    ErrorCode = "FLOW_DEFINITION_ERROR"
	ErrCircularFlow      ErrorCode = "CIRCULAR_FLOW"
	ErrUnknownTransition ErrorCode = "UNKNOWN_TRANSITION"
)

// Infrastructure error codes
const (
	ErrContextStore  ErrorCode = "CONTEXT_STORE_ERROR"
	ErrConfiguration ErrorCode = "CONFIGURATION_ERROR"
	ErrSerialization ErrorCode = "SERIALIZATION_ERROR"
)

// transientCodes 是默认视为瞬时（可重试）的错误码
var transientCodes = map[ErrorCode]bool{
	ErrNodeExecution: true,
	ErrTimeout:       true,
	ErrCircuitOpen:   true,
	ErrRateLimited:   true,
	ErrContextStore:  true,
}

// IsTransientCode reports the default transience of a code.
func IsTransientCode(code ErrorCode) bool {
	return transientCodes[code]
}

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	NodeID    string    `json:"node_id,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.NodeID != "" {
		prefix = fmt.Sprintf("[%s] node %s:", e.Code, e.NodeID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
// Retryable is initialised from the code's default transience.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: IsTransientCode(code)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides transience. Configuration errors stay permanent.
func (e *Error) WithRetryable(retryable bool) *Error {
	if e.Code == ErrConfiguration {
		retryable = false
	}
	e.Retryable = retryable
	return e
}

// WithNode sets the node the error belongs to.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithAttempts records the number of attempts made.
func (e *Error) WithAttempts(n int) *Error {
	e.Attempts = n
	return e
}

// AsError extracts the first *Error in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode reports whether any *Error in the chain carries code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsRetryable checks if an error is transient.
// Errors outside the taxonomy are transient unless they are cancellations.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return !errors.Is(err, context.Canceled)
}

// IsPermanent is the negation of IsRetryable for non-nil errors.
func IsPermanent(err error) bool {
	return err != nil && !IsRetryable(err)
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// =============================================================================
// Constructors
// =============================================================================

// NodeFailed wraps a node failure. Transience follows the cause when it is
// itself a taxonomy error.
func NodeFailed(nodeID string, cause error) *Error {
	e := NewError(ErrNodeExecution, "execution failed").WithNode(nodeID).WithCause(cause)
	if inner, ok := AsError(cause); ok {
		e.Retryable = inner.Retryable
	}
	return e
}

// InputError reports a missing or malformed node input.
func InputError(nodeID, message string) *Error {
	return NewError(ErrNodeInput, message).WithNode(nodeID)
}

// DependencyNotMet reports a dependency that failed or was skipped.
func DependencyNotMet(nodeID, dependency string) *Error {
	return NewError(ErrDependencyNotMet, fmt.Sprintf("dependency %q did not complete", dependency)).WithNode(nodeID)
}

// RetryExhausted reports that every permitted attempt failed.
func RetryExhausted(attempts int, last error) *Error {
	return NewError(ErrRetryExhausted, fmt.Sprintf("retry exhausted after %d attempts", attempts)).
		WithAttempts(attempts).
		WithCause(last)
}

// CircularFlow reports a dependency cycle.
func CircularFlow(nodes []string) *Error {
	return NewError(ErrCircularFlow, fmt.Sprintf("circular dependency among nodes %v", nodes))
}

// FlowDefinition reports an invalid graph description.
func FlowDefinition(message string) *Error {
	return NewError(ErrFlowDefinition, message)
}

// UnknownTransition reports a transition to a node that does not exist.
func UnknownTransition(nodeID, target string) *Error {
	return NewError(ErrUnknownTransition, fmt.Sprintf("transition to unknown node %q", target)).WithNode(nodeID)
}

// ConfigurationError reports invalid configuration. Never transient.
func ConfigurationError(message string) *Error {
	return NewError(ErrConfiguration, message)
}

// Timeout reports a node that exceeded its time limit.
func Timeout(nodeID string, cause error) *Error {
	return NewError(ErrTimeout, "execution timed out").WithNode(nodeID).WithCause(cause)
}

// Cancelled reports a cancelled execution.
func Cancelled(cause error) *Error {
	return NewError(ErrCancelled, "execution cancelled").WithCause(cause)
}
