package state

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// placeholderPattern 匹配单行内的 {{ key }}
var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}\n]+?)\s*\}\}`)

// ResolveTemplate 替换 text 中所有可解析的占位符，无法解析的保持原样
func (s *Store) ResolveTemplate(text string) string {
	out, _ := s.ResolveTemplateStrict(text)
	return out
}

// ResolveTemplateStrict 与 ResolveTemplate 相同，并返回未解析的键（按出现顺序，去重）
func (s *Store) ResolveTemplateStrict(text string) (string, []string) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	var missing []string
	seen := make(map[string]bool)
	out := placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := strings.TrimSpace(placeholderPattern.FindStringSubmatch(match)[1])
		v, ok := s.Lookup(key)
		if !ok {
			if !seen[key] {
				seen[key] = true
				missing = append(missing, key)
			}
			return match
		}
		return Stringify(v)
	})
	return out, missing
}

// Placeholders 返回文本中引用的全部键
func Placeholders(text string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(text, -1)
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		keys = append(keys, strings.TrimSpace(m[1]))
	}
	return keys
}

// Stringify 将 JSON 兼容值转为模板输出形式：
// 字符串不加引号，数字使用自然形式，null 输出 null，其余输出紧凑 JSON。
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return formatFloat(x)
	case float32:
		return formatFloat(float64(x))
	case json.Number:
		return x.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
