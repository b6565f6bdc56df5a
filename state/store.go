package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/BaSui01/agentflow-core/types"
)

// Store 是一次运行的共享上下文存储
type Store struct {
	mu   sync.RWMutex
	data map[string]any
	mon  *monitor
}

// Option 配置 Store
type Option func(*Store)

// WithLimits 启用资源限制与占用监控。超限的写入返回 CONTEXT_STORE_ERROR，
// 开启 AutoCleanup 时先按最久未访问顺序淘汰旧键再重试。
func WithLimits(l Limits) Option {
	return func(s *Store) {
		if l.Enabled() {
			s.mon = newMonitor(l)
		}
	}
}

// New 创建空存储
func New(opts ...Option) *Store {
	s := &Store{data: make(map[string]any)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FromMap 用已有数据创建存储，无法规范化的值以字符串形式保存
func FromMap(m map[string]any) *Store {
	s := New()
	for k, v := range m {
		s.Insert(k, v)
	}
	return s
}

// Set 写入键值，覆盖已有值。值会被规范化为 JSON 兼容形式并深拷贝。
// 无法规范化或超出资源限制时返回 CONTEXT_STORE_ERROR，存储保持不变。
func (s *Store) Set(key string, value any) error {
	normalized, err := types.NormalizeJSON(value)
	if err != nil {
		return types.NewError(types.ErrContextStore, fmt.Sprintf("cannot store key %q", key)).
			WithCause(err).
			WithRetryable(false)
	}
	return s.put(key, types.DeepCopy(normalized))
}

// Insert 写入键值，不返回错误。无法规范化的值以 fmt 字符串形式保存；
// 超出资源限制的写入被丢弃，计入 Stats().Rejected。
func (s *Store) Insert(key string, value any) {
	normalized, err := types.NormalizeJSON(value)
	if err != nil {
		_ = s.put(key, fmt.Sprint(value))
		return
	}
	_ = s.put(key, types.DeepCopy(normalized))
}

func (s *Store) put(key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = make(map[string]any)
	}
	if s.mon != nil {
		size, err := encodedSize(v)
		if err != nil {
			return types.NewError(types.ErrContextStore, fmt.Sprintf("cannot measure key %q", key)).
				WithCause(err).
				WithRetryable(false)
		}
		entries := len(s.data)
		if _, exists := s.data[key]; !exists {
			entries++
		}
		evict, err := s.mon.admit(key, size, entries)
		if err != nil {
			return err
		}
		for _, k := range evict {
			delete(s.data, k)
		}
	}
	s.data[key] = v
	return nil
}

// InsertValue 写入 FlowValue
func (s *Store) InsertValue(key string, value types.FlowValue) {
	s.Insert(key, value.ToContext())
}

// Get 返回键对应值的深拷贝
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if s.mon != nil {
		s.mon.touch(key)
	}
	return types.DeepCopy(v), true
}

// GetValue 以 FlowValue 形式返回值
func (s *Store) GetValue(key string) (types.FlowValue, bool) {
	v, ok := s.Get(key)
	if !ok {
		return types.FlowValue{}, false
	}
	return types.FromContext(v), true
}

// GetString 返回字符串值，非字符串返回 false
func (s *Store) GetString(key string) (string, bool) {
	v, ok := s.Get(key)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// Contains 判断键是否存在
func (s *Store) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok
}

// Remove 删除键并返回旧值的深拷贝
func (s *Store) Remove(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	delete(s.data, key)
	if s.mon != nil {
		s.mon.release(key)
	}
	return types.DeepCopy(v), true
}

// Len 返回键数量
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// IsEmpty 判断存储是否为空
func (s *Store) IsEmpty() bool {
	return s.Len() == 0
}

// Keys 返回排序后的键列表
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Snapshot 返回全部数据的深拷贝
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		out[k] = types.DeepCopy(v)
	}
	return out
}

// Lookup 按键或点号路径查找值。
// 先按原样匹配，再以最长前缀键为根逐段导航（对象字段或数组下标）。
// nodes.<id>.outputs.<rest> 等价于 <id>.<rest>。
func (s *Store) Lookup(path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.lookupLocked(path); ok {
		return types.DeepCopy(v), true
	}
	if alias, ok := nodeOutputAlias(path); ok {
		if v, ok := s.lookupLocked(alias); ok {
			return types.DeepCopy(v), true
		}
	}
	return nil, false
}

// lookupLocked 查找路径，命中时刷新根键的访问时间
func (s *Store) lookupLocked(path string) (any, bool) {
	if v, ok := s.data[path]; ok {
		s.touchLocked(path)
		return v, true
	}
	for i := strings.LastIndex(path, "."); i > 0; i = strings.LastIndex(path[:i], ".") {
		root, ok := s.data[path[:i]]
		if !ok {
			continue
		}
		if v, ok := navigate(root, strings.Split(path[i+1:], ".")); ok {
			s.touchLocked(path[:i])
			return v, true
		}
	}
	return nil, false
}

func (s *Store) touchLocked(key string) {
	if s.mon != nil {
		s.mon.touch(key)
	}
}

// nodeOutputAlias 将 nodes.<id>.outputs.<rest> 改写为 <id>.<rest>
func nodeOutputAlias(path string) (string, bool) {
	const prefix = "nodes."
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rest := path[len(prefix):]
	idx := strings.Index(rest, ".outputs.")
	if idx <= 0 {
		return "", false
	}
	return rest[:idx] + "." + rest[idx+len(".outputs."):], true
}

func navigate(cur any, segments []string) (any, bool) {
	for _, seg := range segments {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// MarshalJSON 实现 json.Marshaler
func (s *Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// UnmarshalJSON 实现 json.Unmarshaler，替换全部内容
func (s *Store) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return types.NewError(types.ErrSerialization, "invalid context snapshot").WithCause(err)
	}
	normalized, err := types.NormalizeJSON(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = normalized.(map[string]any)
	if s.mon != nil {
		s.mon.reset(s.data)
	}
	s.mu.Unlock()
	return nil
}

// =============================================================================
// context 传递
// =============================================================================

type storeKey struct{}

// WithStore 将存储放入 context，供生命周期节点在 Prep / Post 阶段访问
func WithStore(ctx context.Context, s *Store) context.Context {
	return context.WithValue(ctx, storeKey{}, s)
}

// FromContext 取出 context 中的存储
func FromContext(ctx context.Context) (*Store, bool) {
	s, ok := ctx.Value(storeKey{}).(*Store)
	return s, ok && s != nil
}
