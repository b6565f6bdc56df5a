package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// NormalizeJSON 将任意 Go 值转换为 JSON 兼容形式：
// nil、bool、string、int64、float64、[]any、map[string]any。
// 整数统一为 int64，浮点统一为 float64，结构体等其他类型经 JSON 往返转换。
func NormalizeJSON(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case json.Number:
		return normalizeNumbers(x), nil
	case FlowValue:
		return NormalizeJSON(x.ToContext())
	case Values:
		return NormalizeJSON(x.ToContext())
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			n, err := NormalizeJSON(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			n, err := NormalizeJSON(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			n, err := NormalizeJSON(item)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = n
		}
		return out, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, NewError(ErrSerialization, fmt.Sprintf("value of type %s is not JSON compatible", reflect.TypeOf(v))).
			WithCause(err)
	}
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, NewError(ErrSerialization, "decode normalized value").WithCause(err)
	}
	return normalizeNumbers(raw), nil
}

// normalizeNumbers 将 json.Number 转为 int64 或 float64
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		for i := range x {
			x[i] = normalizeNumbers(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = normalizeNumbers(x[k])
		}
		return x
	default:
		return v
	}
}

// DeepCopy 深拷贝 JSON 兼容值，标量原样返回
func DeepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = DeepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = DeepCopy(item)
		}
		return out
	default:
		return v
	}
}
