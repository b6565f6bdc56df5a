package dsl

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/BaSui01/agentflow-core/types"
	"github.com/BaSui01/agentflow-core/workflow"
)

// ResolveInputs 按声明类型解析命令行传入的原始字符串输入。
// 未声明的输入按字符串透传；缺失的必填输入报错；缺失的可选输入使用默认值。
func ResolveInputs(def *WorkflowDSL, raw map[string]string) (types.Values, error) {
	out := make(types.Values, len(raw)+len(def.Inputs))

	for name, text := range raw {
		in, declared := def.Inputs[name]
		if !declared {
			out[name] = types.JSON(text)
			continue
		}
		v, err := parseInput(in.Type, text)
		if err != nil {
			return nil, inputError(name, err)
		}
		out[name] = types.JSON(v)
	}

	var missing []string
	for _, name := range sortedNames(def.Inputs) {
		if _, ok := out[name]; ok {
			continue
		}
		in := def.Inputs[name]
		if in.Default != nil {
			v, err := coerceDefault(in.Type, in.Default)
			if err != nil {
				return nil, inputError(name, err)
			}
			out[name] = types.JSON(v)
			continue
		}
		if in.Required {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, types.NewError(types.ErrNodeInput, fmt.Sprintf("missing required input(s): %s", strings.Join(missing, ", ")))
	}
	return out, nil
}

func inputError(name string, err error) error {
	return types.NewError(types.ErrNodeInput, fmt.Sprintf("input %q: %v", name, err)).WithCause(err)
}

// parseInput 把字符串解析为声明类型的 JSON 值
func parseInput(typ, text string) (any, error) {
	switch typ {
	case "", "string":
		return text, nil
	case "number":
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return nil, fmt.Errorf("expected number, got %q", text)
		}
		return f, nil
	case "integer":
		n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %q", text)
		}
		return n, nil
	case "boolean":
		b, err := strconv.ParseBool(strings.TrimSpace(text))
		if err != nil {
			return nil, fmt.Errorf("expected boolean, got %q", text)
		}
		return b, nil
	case "object", "array":
		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			return nil, fmt.Errorf("expected JSON %s: %w", typ, err)
		}
		return checkKind(typ, v)
	default:
		return nil, fmt.Errorf("unsupported input type %q", typ)
	}
}

// coerceDefault 校验并规范化声明中的默认值
func coerceDefault(typ string, v any) (any, error) {
	normalized, err := types.NormalizeJSON(v)
	if err != nil {
		return nil, fmt.Errorf("default is not JSON-compatible: %w", err)
	}
	switch typ {
	case "":
		return normalized, nil
	case "string":
		if s, ok := normalized.(string); ok {
			return s, nil
		}
	case "number":
		switch n := normalized.(type) {
		case int64:
			return float64(n), nil
		case float64:
			return n, nil
		}
	case "integer":
		switch n := normalized.(type) {
		case int64:
			return n, nil
		case float64:
			if n == math.Trunc(n) {
				return int64(n), nil
			}
		}
	case "boolean":
		if b, ok := normalized.(bool); ok {
			return b, nil
		}
	case "object", "array":
		return checkKind(typ, normalized)
	default:
		return nil, fmt.Errorf("unsupported input type %q", typ)
	}
	return nil, fmt.Errorf("default %v is not a %s", v, typ)
}

func checkKind(typ string, v any) (any, error) {
	switch v.(type) {
	case map[string]any:
		if typ == "object" {
			return v, nil
		}
	case []any:
		if typ == "array" {
			return v, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", typ, v)
}

// CollectOutputs 从运行结果的最终上下文中收集声明的工作流输出。
// 来源节点未完成或字段缺失时对应输出为 nil。
func CollectOutputs(def *WorkflowDSL, result *workflow.Result) map[string]any {
	out := make(map[string]any, len(def.Outputs))
	for name, od := range def.Outputs {
		nodeID, field, ok := splitOutputFrom(od.From)
		if !ok || result == nil {
			out[name] = nil
			continue
		}
		var value any
		if obj, ok := result.Context[nodeID].(map[string]any); ok {
			value = obj[field]
		}
		out[name] = value
	}
	return out
}
