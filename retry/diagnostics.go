package retry

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/agentflow-core/types"
)

// Target 标识被重试的操作，用于诊断
type Target struct {
	WorkflowID string
	RunID      string
	NodeID     string
	NodeType   string
	Operation  string
}

// Attempt 记录一次失败的尝试
type Attempt struct {
	Number   int             `json:"number"` // 从 1 开始
	Code     types.ErrorCode `json:"code,omitempty"`
	Message  string          `json:"message"`
	Duration time.Duration   `json:"duration"`
	Delay    time.Duration   `json:"delay,omitempty"` // 本次失败后等待的时长
	Err      error           `json:"-"`
}

// ChainLink 是错误链中的一层
type ChainLink struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorContext 是最终失败时的诊断包，仅用于观测，不参与控制流
type ErrorContext struct {
	WorkflowID       string            `json:"workflow_id,omitempty"`
	RunID            string            `json:"run_id,omitempty"`
	NodeID           string            `json:"node_id"`
	NodeType         string            `json:"node_type,omitempty"`
	Operation        string            `json:"operation,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	Duration         time.Duration     `json:"duration"`
	Attempts         []Attempt         `json:"attempts"`
	Inputs           map[string]string `json:"inputs,omitempty"`
	ExecutionHistory []string          `json:"execution_history,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Final            error             `json:"-"`
}

// newErrorContext 根据目标与尝试记录构建诊断包
func newErrorContext(target Target, attempts []Attempt, final error, elapsed time.Duration) *ErrorContext {
	return &ErrorContext{
		WorkflowID: target.WorkflowID,
		RunID:      target.RunID,
		NodeID:     target.NodeID,
		NodeType:   target.NodeType,
		Operation:  target.Operation,
		Timestamp:  time.Now(),
		Duration:   elapsed,
		Attempts:   attempts,
		Final:      final,
	}
}

// Error 实现 error 接口
func (c *ErrorContext) Error() string {
	return c.Summary()
}

// Unwrap 返回最终错误
func (c *ErrorContext) Unwrap() error {
	return c.Final
}

// WithInputs 记录经过清理的节点输入
func (c *ErrorContext) WithInputs(inputs types.Values) *ErrorContext {
	if len(inputs) == 0 {
		return c
	}
	c.Inputs = make(map[string]string, len(inputs))
	for k, v := range inputs {
		c.Inputs[k] = v.Describe()
	}
	return c
}

// WithHistory 记录失败前已执行的节点
func (c *ErrorContext) WithHistory(history []string) *ErrorContext {
	c.ExecutionHistory = append([]string(nil), history...)
	return c
}

// WithMetadata 追加元数据
func (c *ErrorContext) WithMetadata(key, value string) *ErrorContext {
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	c.Metadata[key] = value
	return c
}

// AttemptCount 返回已进行的尝试次数
func (c *ErrorContext) AttemptCount() int {
	return len(c.Attempts)
}

// Chain 返回最终错误的展开链（外层在前）
func (c *ErrorContext) Chain() []ChainLink {
	var links []ChainLink
	for cur := c.Final; cur != nil; cur = errors.Unwrap(cur) {
		link := ChainLink{Type: errorTypeName(cur), Message: cur.Error()}
		if e, ok := cur.(*types.Error); ok {
			link.Message = e.Message
		}
		links = append(links, link)
	}
	return links
}

// ChainString 以单行形式输出每次尝试的错误
func (c *ErrorContext) ChainString() string {
	parts := make([]string, 0, len(c.Attempts))
	for _, a := range c.Attempts {
		parts = append(parts, fmt.Sprintf("#%d: %s", a.Number, a.Message))
	}
	return strings.Join(parts, " -> ")
}

// Summary 返回单行摘要
func (c *ErrorContext) Summary() string {
	last := "unknown error"
	if c.Final != nil {
		last = c.Final.Error()
	}
	return fmt.Sprintf("node %q failed after %d attempt(s) in %s: %s",
		c.NodeID, len(c.Attempts), c.Duration.Round(time.Millisecond), last)
}

const reportRule = "================================================================"

// Report 返回多段落的可读报告
func (c *ErrorContext) Report() string {
	var b strings.Builder

	b.WriteString(reportRule + "\n")
	b.WriteString("  ERROR CONTEXT REPORT\n")
	b.WriteString(reportRule + "\n")
	if c.WorkflowID != "" {
		fmt.Fprintf(&b, "  Workflow: %s\n", c.WorkflowID)
	}
	if c.RunID != "" {
		fmt.Fprintf(&b, "  Run ID: %s\n", c.RunID)
	}
	nodeType := c.NodeType
	if nodeType == "" {
		nodeType = "unknown"
	}
	fmt.Fprintf(&b, "  Failed Node: %s (%s)\n", c.NodeID, nodeType)
	if c.Operation != "" {
		fmt.Fprintf(&b, "  Operation: %s\n", c.Operation)
	}
	fmt.Fprintf(&b, "  Timestamp: %s\n", c.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "  Duration: %s\n", c.Duration)
	fmt.Fprintf(&b, "  Attempts: %d\n", len(c.Attempts))

	b.WriteString(reportRule + "\n")
	b.WriteString("  ATTEMPTS:\n")
	for _, a := range c.Attempts {
		code := string(a.Code)
		if code == "" {
			code = "error"
		}
		fmt.Fprintf(&b, "    %d. [%s] %s (took %s", a.Number, code, a.Message, a.Duration.Round(time.Microsecond))
		if a.Delay > 0 {
			fmt.Fprintf(&b, ", then waited %s", a.Delay)
		}
		b.WriteString(")\n")
	}

	if chain := c.Chain(); len(chain) > 0 {
		b.WriteString(reportRule + "\n")
		b.WriteString("  ERROR CHAIN:\n")
		for i, link := range chain {
			if i == 0 {
				fmt.Fprintf(&b, "    [Root] %s: %s\n", link.Type, link.Message)
				continue
			}
			fmt.Fprintf(&b, "    %s-> %s: %s\n", strings.Repeat("  ", i), link.Type, link.Message)
		}
	}

	if len(c.ExecutionHistory) > 0 {
		b.WriteString(reportRule + "\n")
		b.WriteString("  EXECUTION HISTORY:\n")
		for i, node := range c.ExecutionHistory {
			fmt.Fprintf(&b, "    %d. %s\n", i+1, node)
		}
	}

	writeSection(&b, "NODE INPUTS", c.Inputs)
	writeSection(&b, "METADATA", c.Metadata)

	b.WriteString(reportRule + "\n")
	return b.String()
}

func writeSection(b *strings.Builder, title string, kv map[string]string) {
	if len(kv) == 0 {
		return
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString(reportRule + "\n")
	fmt.Fprintf(b, "  %s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(b, "    %s: %s\n", k, kv[k])
	}
}

func errorTypeName(err error) string {
	if e, ok := err.(*types.Error); ok {
		if name, ok := codeNames[e.Code]; ok {
			return name
		}
		return string(e.Code)
	}
	return reflect.TypeOf(err).String()
}
