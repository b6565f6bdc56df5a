package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agentflow-core/workflow"
)

// =============================================================================
// 📜 运行历史记录器
// =============================================================================

// RunRecord 一次运行的持久化记录。
// 节点记录先于运行记录写入，因此两表之间不建外键约束。
type RunRecord struct {
	RunID      string        `gorm:"primaryKey;size:128" json:"run_id"`
	Workflow   string        `gorm:"index;size:255;not null" json:"workflow"`
	Succeeded  bool          `json:"succeeded"`
	Error      string        `gorm:"type:text" json:"error,omitempty"`
	NodeCount  int           `json:"node_count"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	StartedAt  time.Time     `gorm:"index" json:"started_at"`
	DurationMS int64         `json:"duration_ms"`
	Context    string        `gorm:"type:text" json:"-"`
	Steps      []*StepRecord `gorm:"foreignKey:RunID;references:RunID" json:"steps,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// TableName 指定表名
func (RunRecord) TableName() string { return "flow_runs" }

// StepRecord 单个节点终态的持久化记录
type StepRecord struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	RunID      string    `gorm:"uniqueIndex:idx_run_node;size:128;not null" json:"run_id"`
	NodeID     string    `gorm:"uniqueIndex:idx_run_node;size:255;not null" json:"node_id"`
	NodeType   string    `gorm:"size:64" json:"node_type"`
	Status     string    `gorm:"size:32;index" json:"status"`
	ErrorCode  string    `gorm:"size:64" json:"error_code,omitempty"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
	Transition string    `gorm:"size:128" json:"transition,omitempty"`
	SkipReason string    `gorm:"size:64" json:"skip_reason,omitempty"`
	Outputs    string    `gorm:"type:text" json:"-"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// TableName 指定表名
func (StepRecord) TableName() string { return "flow_steps" }

// DecodeOutputs 解码节点输出
func (s *StepRecord) DecodeOutputs() (map[string]any, error) {
	if s.Outputs == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s.Outputs), &out); err != nil {
		return nil, fmt.Errorf("decode outputs of %s: %w", s.NodeID, err)
	}
	return out, nil
}

// WriteObserver 接收每次写入的结果
type WriteObserver interface {
	RecordRecorderWrite(recorder string, err error)
}

// HistoryRecorder 将运行与节点结果写入关系数据库，实现 workflow.Recorder
type HistoryRecorder struct {
	pool     *PoolManager
	observer WriteObserver
	logger   *zap.Logger
}

var _ workflow.Recorder = (*HistoryRecorder)(nil)

// NewHistoryRecorder 创建记录器并迁移表结构
func NewHistoryRecorder(ctx context.Context, pool *PoolManager, observer WriteObserver) (*HistoryRecorder, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if err := pool.DB().WithContext(ctx).AutoMigrate(&RunRecord{}, &StepRecord{}); err != nil {
		return nil, fmt.Errorf("migrate history tables: %w", err)
	}
	return &HistoryRecorder{
		pool:     pool,
		observer: observer,
		logger:   pool.logger.With(zap.String("recorder", "database")),
	}, nil
}

func (h *HistoryRecorder) observe(err error) {
	if h.observer != nil {
		h.observer.RecordRecorderWrite("database", err)
	}
}

func stepRecord(runID string, step *workflow.NodeResult) (*StepRecord, error) {
	rec := &StepRecord{
		RunID:      runID,
		NodeID:     step.ID,
		NodeType:   step.Type,
		Status:     string(step.Status),
		Attempts:   step.Attempts,
		Transition: step.Transition,
		SkipReason: string(step.SkipReason),
		StartedAt:  step.StartedAt,
		DurationMS: step.Duration.Milliseconds(),
	}
	if step.Err != nil {
		rec.Error = step.Err.Error()
		rec.ErrorCode = string(step.ErrorCode())
	}
	if len(step.Outputs) > 0 {
		data, err := json.Marshal(step.Outputs)
		if err != nil {
			return nil, fmt.Errorf("encode outputs of %s: %w", step.ID, err)
		}
		rec.Outputs = string(data)
	}
	return rec, nil
}

// upsertSteps 按 (run_id, node_id) 幂等写入
func upsertSteps(tx *gorm.DB, steps []*StepRecord) error {
	if len(steps) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "node_id"}},
		UpdateAll: true,
	}).Create(steps).Error
}

// RecordStep 实现 workflow.Recorder
func (h *HistoryRecorder) RecordStep(ctx context.Context, runID string, step *workflow.NodeResult) (err error) {
	defer func() { h.observe(err) }()

	rec, err := stepRecord(runID, step)
	if err != nil {
		return err
	}
	err = h.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		return upsertSteps(tx, []*StepRecord{rec})
	})
	if err != nil {
		h.logger.Warn("record step failed", zap.String("run_id", runID), zap.String("node_id", step.ID), zap.Error(err))
		return fmt.Errorf("record step %s: %w", step.ID, err)
	}
	return nil
}

// RecordRun 实现 workflow.Recorder。运行记录与全部节点记录在同一事务内写入。
func (h *HistoryRecorder) RecordRun(ctx context.Context, result *workflow.Result) (err error) {
	defer func() { h.observe(err) }()

	run := &RunRecord{
		RunID:      result.RunID,
		Workflow:   result.Workflow,
		Succeeded:  result.Succeeded(),
		NodeCount:  len(result.Nodes),
		Failed:     len(result.Failed()),
		Skipped:    len(result.Skipped()),
		StartedAt:  result.StartedAt,
		DurationMS: result.Duration.Milliseconds(),
	}
	if runErr := result.Err(); runErr != nil {
		run.Error = runErr.Error()
	}
	if len(result.Context) > 0 {
		data, err := json.Marshal(result.Context)
		if err != nil {
			return fmt.Errorf("encode context of run %s: %w", result.RunID, err)
		}
		run.Context = string(data)
	}

	steps := make([]*StepRecord, 0, len(result.Order))
	for _, id := range result.Order {
		n, ok := result.Nodes[id]
		if !ok {
			continue
		}
		rec, err := stepRecord(result.RunID, n)
		if err != nil {
			return err
		}
		steps = append(steps, rec)
	}

	err = h.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(run).Error; err != nil {
			return err
		}
		return upsertSteps(tx, steps)
	})
	if err != nil {
		h.logger.Warn("record run failed", zap.String("run_id", result.RunID), zap.Error(err))
		return fmt.Errorf("record run %s: %w", result.RunID, err)
	}
	return nil
}

// ErrRunNotFound 运行记录不存在
var ErrRunNotFound = errors.New("run not found")

// GetRun 读取运行记录及其节点记录（按开始时间排序）
func (h *HistoryRecorder) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var run RunRecord
	err := h.pool.DB().WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("started_at, id") }).
		First(&run, "run_id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return &run, nil
}

// ListRuns 按开始时间倒序列出工作流的运行，limit<=0 返回全部
func (h *HistoryRecorder) ListRuns(ctx context.Context, workflowName string, limit int) ([]*RunRecord, error) {
	q := h.pool.DB().WithContext(ctx).
		Where("workflow = ?", workflowName).
		Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var runs []*RunRecord
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("list runs of %s: %w", workflowName, err)
	}
	return runs, nil
}

// Prune 只保留工作流最近 keep 次运行，返回删除的运行数
func (h *HistoryRecorder) Prune(ctx context.Context, workflowName string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	var deleted int64
	err := h.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&RunRecord{}).
			Where("workflow = ?", workflowName).
			Order("started_at DESC").
			Pluck("run_id", &ids).Error; err != nil {
			return err
		}
		if len(ids) <= keep {
			return nil
		}
		stale := ids[keep:]
		if err := tx.Where("run_id IN ?", stale).Delete(&StepRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("run_id IN ?", stale).Delete(&RunRecord{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("prune runs of %s: %w", workflowName, err)
	}
	return deleted, nil
}
