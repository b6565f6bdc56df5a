package state

import (
	"errors"
	"fmt"
	"math"
)

// Limits 约束一次运行的上下文存储规模，零值表示不限
type Limits struct {
	// 全部值序列化后的总字节数上限
	MaxStateSize int `yaml:"max_state_size" json:"max_state_size"`
	// 单个值序列化后的字节数上限
	MaxValueSize int `yaml:"max_value_size" json:"max_value_size"`
	// 键数量上限
	MaxEntries int `yaml:"max_entries" json:"max_entries"`
	// 占用达到 MaxStateSize 的该比例时发出告警，AutoCleanup 时也是清理目标
	CleanupThreshold float64 `yaml:"cleanup_threshold" json:"cleanup_threshold"`
	// 超限时按最久未访问顺序淘汰旧键，而不是拒绝写入
	AutoCleanup bool `yaml:"auto_cleanup" json:"auto_cleanup"`
}

// DefaultLimits 返回默认限制：状态 100MB，单值 10MB，1000 个键
func DefaultLimits() Limits {
	return Limits{
		MaxStateSize:     100 * 1024 * 1024,
		MaxValueSize:     10 * 1024 * 1024,
		MaxEntries:       1000,
		CleanupThreshold: 0.8,
	}
}

// Enabled 判断是否配置了任一限制
func (l Limits) Enabled() bool {
	return l.MaxStateSize > 0 || l.MaxValueSize > 0 || l.MaxEntries > 0
}

// Validate 校验限制取值
func (l Limits) Validate() error {
	var errs []error
	if l.MaxStateSize < 0 {
		errs = append(errs, errors.New("max_state_size must not be negative"))
	}
	if l.MaxValueSize < 0 {
		errs = append(errs, errors.New("max_value_size must not be negative"))
	}
	if l.MaxEntries < 0 {
		errs = append(errs, errors.New("max_entries must not be negative"))
	}
	if l.MaxStateSize > 0 && l.MaxValueSize > l.MaxStateSize {
		errs = append(errs, errors.New("max_value_size cannot exceed max_state_size"))
	}
	if l.CleanupThreshold < 0 || l.CleanupThreshold > 1 {
		errs = append(errs, errors.New("cleanup_threshold must be between 0 and 1"))
	}
	return errors.Join(errs...)
}

// CleanupThresholdBytes 返回告警阈值对应的字节数
func (l Limits) CleanupThresholdBytes() int {
	if l.MaxStateSize <= 0 || l.CleanupThreshold <= 0 {
		return 0
	}
	return int(float64(l.MaxStateSize) * l.CleanupThreshold)
}

// ShouldCleanup 判断当前占用是否已达到阈值
func (l Limits) ShouldCleanup(size int) bool {
	threshold := l.CleanupThresholdBytes()
	return threshold > 0 && size >= threshold
}

func (l Limits) exceedsState(size int) bool {
	return l.MaxStateSize > 0 && size > l.MaxStateSize
}

func (l Limits) exceedsValue(size int) bool {
	return l.MaxValueSize > 0 && size > l.MaxValueSize
}

func (l Limits) exceedsEntries(n int) bool {
	return l.MaxEntries > 0 && n > l.MaxEntries
}

func (l Limits) String() string {
	return fmt.Sprintf("state=%s value=%s entries=%d cleanup=%d%% auto_cleanup=%t",
		formatBytes(l.MaxStateSize), formatBytes(l.MaxValueSize), l.MaxEntries,
		int(math.Round(l.CleanupThreshold*100)), l.AutoCleanup)
}

func formatBytes(n int) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case n <= 0:
		return "unlimited"
	case n >= gb:
		return fmt.Sprintf("%.2f GB", float64(n)/gb)
	case n >= mb:
		return fmt.Sprintf("%.2f MB", float64(n)/mb)
	case n >= kb:
		return fmt.Sprintf("%.2f KB", float64(n)/kb)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
