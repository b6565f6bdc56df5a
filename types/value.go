package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// ValueKind 标识 FlowValue 的变体
type ValueKind string

const (
	KindJSON ValueKind = "json"
	KindFile ValueKind = "file"
	KindURL  ValueKind = "url"
)

// typeTag 是 File / URL 序列化时使用的判别字段
const typeTag = "$type"

// describeLimit 是诊断输出中 JSON 值的最大长度
const describeLimit = 500

// FlowValue 是节点之间传递的数据单元。
// 只有三种变体：任意 JSON 值、文件引用、URL 引用。引擎从不读取文件或请求 URL。
type FlowValue struct {
	kind     ValueKind
	json     any
	ref      string
	mimeType string
	hasMime  bool
}

// JSON 创建 JSON 变体。v 应当是 JSON 兼容的值（nil、bool、数字、字符串、切片、map）。
func JSON(v any) FlowValue {
	return FlowValue{kind: KindJSON, json: v}
}

// File 创建文件引用。mimeType 为空表示未知。
func File(path, mimeType string) FlowValue {
	return FlowValue{kind: KindFile, ref: path, mimeType: mimeType, hasMime: mimeType != ""}
}

// URL 创建 URL 引用。mimeType 为空表示未知。
func URL(url, mimeType string) FlowValue {
	return FlowValue{kind: KindURL, ref: url, mimeType: mimeType, hasMime: mimeType != ""}
}

// Kind 返回变体类型。零值按 JSON null 处理。
func (v FlowValue) Kind() ValueKind {
	if v.kind == "" {
		return KindJSON
	}
	return v.kind
}

// JSONValue 返回 JSON 负载
func (v FlowValue) JSONValue() (any, bool) {
	if v.Kind() != KindJSON {
		return nil, false
	}
	return v.json, true
}

// FilePath 返回文件路径
func (v FlowValue) FilePath() (string, bool) {
	if v.kind != KindFile {
		return "", false
	}
	return v.ref, true
}

// URLString 返回 URL
func (v FlowValue) URLString() (string, bool) {
	if v.kind != KindURL {
		return "", false
	}
	return v.ref, true
}

// MimeType 返回 File / URL 的 MIME 类型，JSON 变体或未设置时返回空串
func (v FlowValue) MimeType() string {
	return v.mimeType
}

// IsNull 判断是否为 JSON null
func (v FlowValue) IsNull() bool {
	return v.Kind() == KindJSON && v.json == nil
}

// Equal 比较两个值的变体与负载
func (v FlowValue) Equal(other FlowValue) bool {
	if v.Kind() != other.Kind() {
		return false
	}
	if v.Kind() != KindJSON {
		return v.ref == other.ref && v.mimeType == other.mimeType
	}
	a, errA := json.Marshal(v.json)
	b, errB := json.Marshal(other.json)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// ToContext 返回写入上下文存储的 JSON 兼容形式。
// File / URL 使用与序列化相同的带标签对象。
func (v FlowValue) ToContext() any {
	switch v.Kind() {
	case KindFile:
		m := map[string]any{typeTag: string(KindFile), "path": v.ref}
		if v.hasMime {
			m["mime_type"] = v.mimeType
		}
		return m
	case KindURL:
		m := map[string]any{typeTag: string(KindURL), "url": v.ref}
		if v.hasMime {
			m["mime_type"] = v.mimeType
		}
		return m
	default:
		return v.json
	}
}

// FromContext 是 ToContext 的逆操作：识别带标签对象，其余按 JSON 处理
func FromContext(raw any) FlowValue {
	m, ok := raw.(map[string]any)
	if !ok {
		return JSON(raw)
	}
	tag, _ := m[typeTag].(string)
	mime, _ := m["mime_type"].(string)
	switch ValueKind(tag) {
	case KindFile:
		if p, ok := m["path"].(string); ok {
			return File(p, mime)
		}
	case KindURL:
		if u, ok := m["url"].(string); ok {
			return URL(u, mime)
		}
	}
	return JSON(raw)
}

// MarshalJSON 实现 json.Marshaler
func (v FlowValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToContext())
}

// UnmarshalJSON 实现 json.Unmarshaler
func (v *FlowValue) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return NewError(ErrSerialization, "invalid flow value").WithCause(err)
	}
	*v = FromContext(normalizeNumbers(raw))
	return nil
}

// MarshalYAML 与 JSON 表示保持一致
func (v FlowValue) MarshalYAML() (any, error) {
	return v.ToContext(), nil
}

// UnmarshalYAML 解码 YAML 节点
func (v *FlowValue) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	normalized, err := NormalizeJSON(raw)
	if err != nil {
		return err
	}
	*v = FromContext(normalized)
	return nil
}

// Clone 深拷贝值
func (v FlowValue) Clone() FlowValue {
	if v.Kind() != KindJSON {
		return v
	}
	out := v
	out.json = DeepCopy(v.json)
	return out
}

// Describe 返回用于诊断的单行描述，过长的 JSON 会被截断
func (v FlowValue) Describe() string {
	switch v.Kind() {
	case KindFile:
		return fmt.Sprintf("<file: %s (%s)>", v.ref, v.describeMime())
	case KindURL:
		return fmt.Sprintf("<url: %s (%s)>", v.ref, v.describeMime())
	}
	data, err := json.Marshal(v.json)
	if err != nil {
		return fmt.Sprintf("<unserializable: %v>", err)
	}
	if len(data) > describeLimit {
		cut := describeLimit
		for cut > 0 && !utf8.RuneStart(data[cut]) {
			cut--
		}
		return fmt.Sprintf("%s... (truncated, %d bytes)", data[:cut], len(data))
	}
	return string(data)
}

func (v FlowValue) describeMime() string {
	if !v.hasMime {
		return "unknown"
	}
	return v.mimeType
}

// String 实现 fmt.Stringer
func (v FlowValue) String() string {
	return v.Describe()
}

// =============================================================================
// Values
// =============================================================================

// Values 是命名的输入或输出集合
type Values map[string]FlowValue

// Clone 深拷贝集合
func (vs Values) Clone() Values {
	if vs == nil {
		return nil
	}
	out := make(Values, len(vs))
	for k, v := range vs {
		out[k] = v.Clone()
	}
	return out
}

// Merge 用 other 覆盖同名键，返回新集合
func (vs Values) Merge(other Values) Values {
	out := make(Values, len(vs)+len(other))
	for k, v := range vs {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Get 返回指定键的值
func (vs Values) Get(key string) (FlowValue, bool) {
	v, ok := vs[key]
	return v, ok
}

// ToContext 将集合转为 JSON 兼容对象
func (vs Values) ToContext() map[string]any {
	out := make(map[string]any, len(vs))
	for k, v := range vs {
		out[k] = v.ToContext()
	}
	return out
}

// ValuesFromMap 将普通 map 转为 Values，已是 FlowValue 的条目保持原样
func ValuesFromMap(m map[string]any) Values {
	out := make(Values, len(m))
	for k, raw := range m {
		if fv, ok := raw.(FlowValue); ok {
			out[k] = fv
			continue
		}
		out[k] = FromContext(raw)
	}
	return out
}
