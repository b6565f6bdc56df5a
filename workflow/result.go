package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/agentflow-core/retry"
	"github.com/BaSui01/agentflow-core/types"
)

// NodeStatus 节点状态机：Pending -> Ready -> Running -> {Completed | Failed | Skipped}
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusReady     NodeStatus = "ready"
	StatusRunning   NodeStatus = "running"
	StatusCompleted NodeStatus = "completed"
	StatusFailed    NodeStatus = "failed"
	StatusSkipped   NodeStatus = "skipped"
)

// Terminal 判断是否为终态
func (s NodeStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// SkipReason 说明节点被跳过的原因
type SkipReason string

const (
	SkipGuardFalse     SkipReason = "guard_false"
	SkipBranchNotTaken SkipReason = "branch_not_taken"
)

// NodeResult 是单个节点的终态结果
type NodeResult struct {
	ID          string              `json:"id"`
	Type        string              `json:"type"`
	Status      NodeStatus          `json:"status"`
	Outputs     types.Values        `json:"outputs,omitempty"`
	Err         error               `json:"-"`
	Diagnostics *retry.ErrorContext `json:"diagnostics,omitempty"`
	Attempts    int                 `json:"attempts,omitempty"`
	Transition  string              `json:"transition,omitempty"`
	SkipReason  SkipReason          `json:"skip_reason,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	Duration    time.Duration       `json:"duration"`
}

// ErrorCode 返回失败错误码
func (r *NodeResult) ErrorCode() types.ErrorCode {
	return types.GetErrorCode(r.Err)
}

// MarshalJSON 附带错误消息与错误码
func (r *NodeResult) MarshalJSON() ([]byte, error) {
	type alias NodeResult
	out := struct {
		*alias
		Error     string          `json:"error,omitempty"`
		ErrorCode types.ErrorCode `json:"error_code,omitempty"`
	}{alias: (*alias)(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
		out.ErrorCode = types.GetErrorCode(r.Err)
	}
	return json.Marshal(out)
}

// Result 是一次运行的结果
type Result struct {
	RunID     string                 `json:"run_id"`
	Workflow  string                 `json:"workflow"`
	StartedAt time.Time              `json:"started_at"`
	Duration  time.Duration          `json:"duration"`
	Order     []string               `json:"order"`
	Nodes     map[string]*NodeResult `json:"nodes"`
	Context   map[string]any         `json:"context"`
	History   *ExecutionHistory      `json:"history,omitempty"`
}

// Status 返回节点状态，未知节点返回 pending
func (r *Result) Status(id string) NodeStatus {
	if n, ok := r.Nodes[id]; ok {
		return n.Status
	}
	return StatusPending
}

// Outputs 返回节点输出
func (r *Result) Outputs(id string) (types.Values, bool) {
	n, ok := r.Nodes[id]
	if !ok || n.Status != StatusCompleted {
		return nil, false
	}
	return n.Outputs, true
}

func (r *Result) byStatus(status NodeStatus) []string {
	var ids []string
	for _, id := range r.Order {
		if n, ok := r.Nodes[id]; ok && n.Status == status {
			ids = append(ids, id)
		}
	}
	return ids
}

// Completed 返回成功节点（拓扑序）
func (r *Result) Completed() []string { return r.byStatus(StatusCompleted) }

// Failed 返回失败节点（拓扑序）
func (r *Result) Failed() []string { return r.byStatus(StatusFailed) }

// Skipped 返回跳过节点（拓扑序）
func (r *Result) Skipped() []string { return r.byStatus(StatusSkipped) }

// Succeeded 判断是否没有失败节点
func (r *Result) Succeeded() bool { return len(r.Failed()) == 0 }

// Err 返回首个失败节点（拓扑序）的 FLOW_EXECUTION_FAILED 错误，全部成功时返回 nil。
// 优先选择根因失败，而不是 fail-forward 传播出的 DEPENDENCY_NOT_MET。
func (r *Result) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	culprit := r.Nodes[failed[0]]
	for _, id := range failed {
		if n := r.Nodes[id]; !types.IsCode(n.Err, types.ErrDependencyNotMet) {
			culprit = n
			break
		}
	}

	msg := fmt.Sprintf("node %q failed with %s", culprit.ID, describeCode(culprit.Err))
	if culprit.Diagnostics != nil && culprit.Diagnostics.AttemptCount() > 0 {
		msg += fmt.Sprintf(" after %d attempt(s): %s", culprit.Diagnostics.AttemptCount(), culprit.Diagnostics.ChainString())
	}
	if len(failed) > 1 {
		msg += fmt.Sprintf(" (%d nodes failed)", len(failed))
	}
	return types.NewError(types.ErrFlowExecution, msg).
		WithNode(culprit.ID).
		WithAttempts(culprit.Attempts).
		WithCause(culprit.Err).
		WithRetryable(false)
}

func describeCode(err error) string {
	if code := types.GetErrorCode(err); code != "" {
		return string(code)
	}
	return "error"
}

// Report 返回可读的运行摘要，失败节点附带诊断报告
func (r *Result) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "workflow %s run %s finished in %s\n", r.Workflow, r.RunID, r.Duration.Round(time.Millisecond))
	for _, id := range r.Order {
		n, ok := r.Nodes[id]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "  %-10s %s", n.Status, id)
		switch {
		case n.Err != nil:
			fmt.Fprintf(&b, ": %v", n.Err)
		case n.SkipReason != "":
			fmt.Fprintf(&b, " (%s)", n.SkipReason)
		}
		b.WriteString("\n")
	}
	for _, id := range r.Failed() {
		if d := r.Nodes[id].Diagnostics; d != nil {
			b.WriteString(d.Report())
		}
	}
	return b.String()
}
