package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// Recorder 接收每个节点的终态结果与整次运行结果。
// 记录只用于观测，引擎不会从记录中恢复运行。
type Recorder interface {
	RecordStep(ctx context.Context, runID string, step *NodeResult) error
	RecordRun(ctx context.Context, result *Result) error
}

// MultiRecorder 依次调用多个记录器，汇总全部错误
type MultiRecorder []Recorder

// RecordStep 实现 Recorder
func (m MultiRecorder) RecordStep(ctx context.Context, runID string, step *NodeResult) error {
	var errs []error
	for _, r := range m {
		if err := r.RecordStep(ctx, runID, step); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordRun 实现 Recorder
func (m MultiRecorder) RecordRun(ctx context.Context, result *Result) error {
	var errs []error
	for _, r := range m {
		if err := r.RecordRun(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileRecorder 将结果写入 <dir>/<run_id>/<node>_outputs.json 与 result.json
type FileRecorder struct {
	dir string
}

// NewFileRecorder 创建文件记录器，dir 为空时使用 ~/.agentflow/runs
func NewFileRecorder(dir string) (*FileRecorder, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".agentflow", "runs")
	}
	return &FileRecorder{dir: dir}, nil
}

// Dir 返回根目录
func (r *FileRecorder) Dir() string { return r.dir }

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func (r *FileRecorder) runDir(runID string) (string, error) {
	dir := filepath.Join(r.dir, unsafePathChars.ReplaceAllString(runID, "_"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run directory: %w", err)
	}
	return dir, nil
}

// RecordStep 实现 Recorder
func (r *FileRecorder) RecordStep(_ context.Context, runID string, step *NodeResult) error {
	dir, err := r.runDir(runID)
	if err != nil {
		return err
	}
	name := unsafePathChars.ReplaceAllString(step.ID, "_") + "_outputs.json"
	return writeJSON(filepath.Join(dir, name), step)
}

// RecordRun 实现 Recorder
func (r *FileRecorder) RecordRun(_ context.Context, result *Result) error {
	dir, err := r.runDir(result.RunID)
	if err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "result.json"), result)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

// HistoryRecorder 将每次运行的执行历史保存到内存中的 ExecutionHistoryStore
type HistoryRecorder struct {
	Store *ExecutionHistoryStore
}

// RecordStep 实现 Recorder
func (HistoryRecorder) RecordStep(context.Context, string, *NodeResult) error { return nil }

// RecordRun 实现 Recorder
func (h HistoryRecorder) RecordRun(_ context.Context, result *Result) error {
	if h.Store != nil && result.History != nil {
		h.Store.Save(result.History)
	}
	return nil
}
