package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/BaSui01/agentflow-core/types"
)

// 受限资源名称
const (
	ResourceStateSize = "state_size"
	ResourceValueSize = "value_size"
	ResourceEntries   = "entries"
)

// AlertKind 资源告警类型
type AlertKind string

const (
	// AlertApproachingLimit 占用达到清理阈值
	AlertApproachingLimit AlertKind = "approaching_limit"
	// AlertLimitExceeded 写入因超限被拒绝
	AlertLimitExceeded AlertKind = "limit_exceeded"
	// AlertCleanup 按最久未访问顺序淘汰了旧键
	AlertCleanup AlertKind = "cleanup"
)

// maxAlerts 告警缓冲上限，超出后丢弃最旧的告警
const maxAlerts = 64

// Alert 上下文存储资源告警
type Alert struct {
	Kind     AlertKind `json:"kind"`
	Resource string    `json:"resource,omitempty"`
	Key      string    `json:"key,omitempty"`
	Current  int       `json:"current,omitempty"`
	Limit    int       `json:"limit,omitempty"`
	Freed    int       `json:"freed,omitempty"`
	Removed  int       `json:"removed,omitempty"`
}

func (a Alert) String() string {
	switch a.Kind {
	case AlertApproachingLimit:
		return fmt.Sprintf("approaching %s limit: %s of %s", a.Resource, formatBytes(a.Current), formatBytes(a.Limit))
	case AlertLimitExceeded:
		if a.Resource == ResourceEntries {
			return fmt.Sprintf("key %q rejected: %d entries exceed limit %d", a.Key, a.Current, a.Limit)
		}
		return fmt.Sprintf("key %q rejected: %s %s exceeds limit %s", a.Key, a.Resource, formatBytes(a.Current), formatBytes(a.Limit))
	case AlertCleanup:
		return fmt.Sprintf("cleanup freed %s, removed %d entries", formatBytes(a.Freed), a.Removed)
	default:
		return string(a.Kind)
	}
}

// ResourceStats 上下文存储资源占用快照。
// 未配置限制时只统计键数量。
type ResourceStats struct {
	CurrentSize           int     `json:"current_size"`
	PeakSize              int     `json:"peak_size"`
	MaxStateSize          int     `json:"max_state_size"`
	UsagePercentage       float64 `json:"usage_percentage"`
	Entries               int     `json:"entries"`
	MaxEntries            int     `json:"max_entries"`
	CleanupThresholdBytes int     `json:"cleanup_threshold_bytes"`
	ShouldCleanup         bool    `json:"should_cleanup"`
	Rejected              int     `json:"rejected"`
	Evicted               int     `json:"evicted"`
}

func (s ResourceStats) String() string {
	cleanup := "NO"
	if s.ShouldCleanup {
		cleanup = "YES"
	}
	return fmt.Sprintf("memory %s/%s (%.1f%%), entries %d/%d, rejected %d, evicted %d, cleanup %s",
		formatBytes(s.CurrentSize), formatBytes(s.MaxStateSize), s.UsagePercentage*100,
		s.Entries, s.MaxEntries, s.Rejected, s.Evicted, cleanup)
}

// monitor 跟踪每个键的序列化大小与访问顺序。
// 锁顺序：Store.mu 先于 monitor.mu。
type monitor struct {
	limits Limits

	mu       sync.Mutex
	sizes    map[string]int
	access   map[string]uint64
	clock    uint64
	total    int
	peak     int
	rejected int
	evicted  int
	warned   bool
	alerts   []Alert
}

func newMonitor(l Limits) *monitor {
	return &monitor{
		limits: l,
		sizes:  make(map[string]int),
		access: make(map[string]uint64),
	}
}

// encodedSize 以 JSON 编码长度衡量值的大小
func encodedSize(v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// admit 校验一次写入，返回为腾出空间需要淘汰的键。
// entries 为写入后的键数量。返回错误时不修改任何统计。
func (m *monitor) admit(key string, size, entries int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.limits
	if l.exceedsValue(size) {
		return nil, m.rejectLocked(Alert{Kind: AlertLimitExceeded, Resource: ResourceValueSize, Key: key, Current: size, Limit: l.MaxValueSize})
	}

	total := m.total - m.sizes[key] + size
	var evict []string
	freed := 0
	if l.AutoCleanup && (l.exceedsState(total) || l.exceedsEntries(entries)) {
		target := l.MaxStateSize
		if t := l.CleanupThresholdBytes(); t > 0 {
			target = t
		}
		needState := l.exceedsState(total)
		for _, k := range m.lruLocked() {
			if k == key {
				continue
			}
			if (!needState || total <= target) && !l.exceedsEntries(entries) {
				break
			}
			evict = append(evict, k)
			freed += m.sizes[k]
			total -= m.sizes[k]
			entries--
		}
	}
	if l.exceedsState(total) {
		return nil, m.rejectLocked(Alert{Kind: AlertLimitExceeded, Resource: ResourceStateSize, Key: key, Current: total, Limit: l.MaxStateSize})
	}
	if l.exceedsEntries(entries) {
		return nil, m.rejectLocked(Alert{Kind: AlertLimitExceeded, Resource: ResourceEntries, Key: key, Current: entries, Limit: l.MaxEntries})
	}

	for _, k := range evict {
		delete(m.sizes, k)
		delete(m.access, k)
	}
	if len(evict) > 0 {
		m.evicted += len(evict)
		m.alertLocked(Alert{Kind: AlertCleanup, Freed: freed, Removed: len(evict)})
	}

	m.sizes[key] = size
	m.total = total
	m.touchLocked(key)
	m.afterGrowthLocked()
	return evict, nil
}

func (m *monitor) rejectLocked(a Alert) error {
	m.rejected++
	m.alertLocked(a)
	return types.NewError(types.ErrContextStore, a.String()).WithRetryable(false)
}

func (m *monitor) afterGrowthLocked() {
	if m.total > m.peak {
		m.peak = m.total
	}
	if !m.limits.ShouldCleanup(m.total) {
		m.warned = false
		return
	}
	if !m.warned {
		m.warned = true
		m.alertLocked(Alert{Kind: AlertApproachingLimit, Resource: ResourceStateSize, Current: m.total, Limit: m.limits.MaxStateSize})
	}
}

func (m *monitor) alertLocked(a Alert) {
	if len(m.alerts) >= maxAlerts {
		m.alerts = m.alerts[1:]
	}
	m.alerts = append(m.alerts, a)
}

func (m *monitor) touch(key string) {
	m.mu.Lock()
	m.touchLocked(key)
	m.mu.Unlock()
}

func (m *monitor) touchLocked(key string) {
	if _, ok := m.sizes[key]; !ok {
		return
	}
	m.clock++
	m.access[key] = m.clock
}

func (m *monitor) release(key string) {
	m.mu.Lock()
	m.total -= m.sizes[key]
	delete(m.sizes, key)
	delete(m.access, key)
	if !m.limits.ShouldCleanup(m.total) {
		m.warned = false
	}
	m.mu.Unlock()
}

// reset 按给定数据重建统计，不做限制校验
func (m *monitor) reset(data map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizes = make(map[string]int, len(data))
	m.access = make(map[string]uint64, len(data))
	m.total = 0
	m.warned = false
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		size, err := encodedSize(data[k])
		if err != nil {
			continue
		}
		m.sizes[k] = size
		m.total += size
		m.touchLocked(k)
	}
	m.afterGrowthLocked()
}

// lruLocked 返回按最近访问时间升序排列的键
func (m *monitor) lruLocked() []string {
	keys := make([]string, 0, len(m.access))
	for k := range m.access {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return m.access[keys[i]] < m.access[keys[j]] })
	return keys
}

// victims 选出将总占用降到 target 以下需要淘汰的键
func (m *monitor) victims(target int) (keys []string, freed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.total
	for _, k := range m.lruLocked() {
		if total <= target {
			break
		}
		keys = append(keys, k)
		freed += m.sizes[k]
		total -= m.sizes[k]
	}
	for _, k := range keys {
		delete(m.sizes, k)
		delete(m.access, k)
	}
	m.total = total
	if len(keys) > 0 {
		m.evicted += len(keys)
		m.alertLocked(Alert{Kind: AlertCleanup, Freed: freed, Removed: len(keys)})
	}
	if !m.limits.ShouldCleanup(m.total) {
		m.warned = false
	}
	return keys, freed
}

func (m *monitor) stats(entries int) ResourceStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.limits
	s := ResourceStats{
		CurrentSize:           m.total,
		PeakSize:              m.peak,
		MaxStateSize:          l.MaxStateSize,
		Entries:               entries,
		MaxEntries:            l.MaxEntries,
		CleanupThresholdBytes: l.CleanupThresholdBytes(),
		ShouldCleanup:         l.ShouldCleanup(m.total) || l.exceedsEntries(entries),
		Rejected:              m.rejected,
		Evicted:               m.evicted,
	}
	if l.MaxStateSize > 0 {
		s.UsagePercentage = min(float64(m.total)/float64(l.MaxStateSize), 1)
	}
	return s
}

func (m *monitor) drainAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.alerts
	m.alerts = nil
	return out
}

func (m *monitor) lru(n int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.lruLocked()
	if n >= 0 && n < len(keys) {
		keys = keys[:n]
	}
	return keys
}

// =============================================================================
// Store 上的资源监控接口
// =============================================================================

// Limits 返回存储配置的限制，未配置时为零值
func (s *Store) Limits() Limits {
	if s.mon == nil {
		return Limits{}
	}
	return s.mon.limits
}

// Stats 返回资源占用快照
func (s *Store) Stats() ResourceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mon == nil {
		return ResourceStats{Entries: len(s.data)}
	}
	return s.mon.stats(len(s.data))
}

// Alerts 取出并清空累积的资源告警
func (s *Store) Alerts() []Alert {
	if s.mon == nil {
		return nil
	}
	return s.mon.drainAlerts()
}

// LRUKeys 返回最久未访问的 n 个键，n < 0 返回全部
func (s *Store) LRUKeys(n int) []string {
	if s.mon == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mon.lru(n)
}

// Cleanup 按最久未访问顺序淘汰键，直到占用不超过 MaxStateSize 的 target 比例。
// 返回释放的字节数与淘汰的键数量；未配置 MaxStateSize 时不做任何事。
func (s *Store) Cleanup(target float64) (freed, removed int) {
	if s.mon == nil || s.mon.limits.MaxStateSize <= 0 {
		return 0, 0
	}
	target = min(max(target, 0), 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, freed := s.mon.victims(int(float64(s.mon.limits.MaxStateSize) * target))
	for _, k := range keys {
		delete(s.data, k)
	}
	return freed, len(keys)
}
