package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow-core/types"
	"github.com/BaSui01/agentflow-core/workflow"
)

// =============================================================================
// 📝 Redis 运行快照记录器
// =============================================================================
// 键布局（均带 KeyPrefix）：
//   run:<run_id>          运行结果 JSON
//   run:<run_id>:steps    HASH，node_id -> 节点结果 JSON
//   runs:<workflow>       ZSET，按开始时间索引 run_id
// =============================================================================

// WriteObserver 接收每次写入的结果，metrics.Collector 实现了该接口
type WriteObserver interface {
	RecordRecorderWrite(recorder string, err error)
}

// StepSnapshot 是节点结果的可解码形式
type StepSnapshot struct {
	ID         string              `json:"id"`
	Type       string              `json:"type"`
	Status     workflow.NodeStatus `json:"status"`
	Outputs    map[string]any      `json:"outputs,omitempty"`
	Error      string              `json:"error,omitempty"`
	ErrorCode  types.ErrorCode     `json:"error_code,omitempty"`
	Attempts   int                 `json:"attempts,omitempty"`
	Transition string              `json:"transition,omitempty"`
	SkipReason workflow.SkipReason `json:"skip_reason,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	Duration   time.Duration       `json:"duration"`
}

// RunSnapshot 是运行结果的可解码形式
type RunSnapshot struct {
	RunID     string                   `json:"run_id"`
	Workflow  string                   `json:"workflow"`
	StartedAt time.Time                `json:"started_at"`
	Duration  time.Duration            `json:"duration"`
	Order     []string                 `json:"order"`
	Nodes     map[string]*StepSnapshot `json:"nodes"`
	Context   map[string]any           `json:"context"`
}

// RunRecorder 将运行结果写入 Redis，实现 workflow.Recorder
type RunRecorder struct {
	manager  *Manager
	limit    int
	observer WriteObserver
	logger   *zap.Logger
}

var _ workflow.Recorder = (*RunRecorder)(nil)

// RecorderOption 配置 RunRecorder
type RecorderOption func(*RunRecorder)

// WithHistoryLimit 每个工作流索引中保留的最近运行数，<=0 表示不裁剪
func WithHistoryLimit(n int) RecorderOption {
	return func(r *RunRecorder) { r.limit = n }
}

// WithWriteObserver 设置写入观察者
func WithWriteObserver(o WriteObserver) RecorderOption {
	return func(r *RunRecorder) { r.observer = o }
}

// NewRunRecorder 创建 Redis 运行记录器
func NewRunRecorder(m *Manager, opts ...RecorderOption) *RunRecorder {
	r := &RunRecorder{
		manager: m,
		logger:  m.logger.With(zap.String("recorder", "redis")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RunRecorder) runKey(runID string) string   { return r.manager.Key("run", runID) }
func (r *RunRecorder) stepsKey(runID string) string { return r.manager.Key("run", runID, "steps") }
func (r *RunRecorder) indexKey(name string) string  { return r.manager.Key("runs", name) }

func (r *RunRecorder) observe(err error) {
	if r.observer != nil {
		r.observer.RecordRecorderWrite("redis", err)
	}
}

// RecordStep 实现 workflow.Recorder
func (r *RunRecorder) RecordStep(ctx context.Context, runID string, step *workflow.NodeResult) (err error) {
	defer func() { r.observe(err) }()

	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("encode step %s: %w", step.ID, err)
	}

	key := r.stepsKey(runID)
	ttl := r.manager.TTL()
	err = r.manager.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, step.ID, data)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("record step failed", zap.String("run_id", runID), zap.String("node_id", step.ID), zap.Error(err))
		return fmt.Errorf("record step %s: %w", step.ID, err)
	}
	return nil
}

// RecordRun 实现 workflow.Recorder
func (r *RunRecorder) RecordRun(ctx context.Context, result *workflow.Result) (err error) {
	defer func() { r.observe(err) }()

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", result.RunID, err)
	}

	runKey := r.runKey(result.RunID)
	indexKey := r.indexKey(result.Workflow)
	ttl := r.manager.TTL()
	err = r.manager.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, runKey, data, ttl)
		pipe.ZAdd(ctx, indexKey, redis.Z{
			Score:  float64(result.StartedAt.UnixMilli()),
			Member: result.RunID,
		})
		if r.limit > 0 {
			pipe.ZRemRangeByRank(ctx, indexKey, 0, int64(-r.limit-1))
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("record run failed", zap.String("run_id", result.RunID), zap.Error(err))
		return fmt.Errorf("record run %s: %w", result.RunID, err)
	}
	return nil
}

// LoadRun 读取运行快照，不存在时返回 ErrCacheMiss
func (r *RunRecorder) LoadRun(ctx context.Context, runID string) (*RunSnapshot, error) {
	var snap RunSnapshot
	if err := r.manager.GetJSON(ctx, r.runKey(runID), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// LoadSteps 读取已记录的节点结果，运行仍在进行时也可读取
func (r *RunRecorder) LoadSteps(ctx context.Context, runID string) (map[string]*StepSnapshot, error) {
	raw, err := r.manager.HGetAll(ctx, r.stepsKey(runID))
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrCacheMiss
	}

	steps := make(map[string]*StepSnapshot, len(raw))
	var errs []error
	for id, v := range raw {
		var s StepSnapshot
		if err := json.Unmarshal([]byte(v), &s); err != nil {
			errs = append(errs, fmt.Errorf("decode step %s: %w", id, err))
			continue
		}
		steps[id] = &s
	}
	return steps, errors.Join(errs...)
}

// ListRuns 按开始时间倒序返回最近 n 次运行 ID，n<=0 返回全部
func (r *RunRecorder) ListRuns(ctx context.Context, workflowName string, n int) ([]string, error) {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n - 1)
	}
	ids, err := r.manager.ZRevRange(ctx, r.indexKey(workflowName), 0, stop)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return ids, nil
}
