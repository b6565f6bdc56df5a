package workflow

import (
	"strings"

	"github.com/BaSui01/agentflow-core/state"
)

// EvaluateGuard 对 run_if 求值。
//
// 支持三种形式：
//   - 模板或路径：{{ key }}、nodes.<id>.outputs.<field>，按真值规则判断
//   - 比较：<lhs> == <rhs>、<lhs> != <rhs>，两侧解析为字符串后比较
//   - 字面量：直接按真值规则判断
//
// 真值规则：空串、"false"（不区分大小写）、"0" 为假，其余为真。
// 引用了存储中不存在的键时结果为假。
func EvaluateGuard(store *state.Store, expr string) bool {
	expr = unwrapTemplate(strings.TrimSpace(expr))
	if expr == "" {
		return true
	}

	if lhs, op, rhs, found := splitComparison(expr); found {
		left, ok := resolveOperand(store, lhs)
		if !ok {
			return false
		}
		right, ok := resolveOperand(store, rhs)
		if !ok {
			return false
		}
		if op == "==" {
			return left == right
		}
		return left != right
	}

	value, ok := resolveOperand(store, expr)
	if !ok {
		return false
	}
	return Truthy(value)
}

// Truthy 实现守卫与循环条件共用的真值规则
func Truthy(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && !strings.EqualFold(s, "false") && s != "0"
}

// unwrapTemplate 去掉包裹整个比较表达式的 {{ }}，例如 "{{ nodes.a.outputs.x == 1 }}"
func unwrapTemplate(expr string) string {
	if !strings.HasPrefix(expr, "{{") || !strings.HasSuffix(expr, "}}") {
		return expr
	}
	inner := strings.TrimSpace(expr[2 : len(expr)-2])
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return expr
	}
	if _, _, _, found := splitComparison(inner); found {
		return inner
	}
	return expr
}

// splitComparison 查找第一个位于引号字面量与 {{ }} 之外的 == 或 != 运算符
func splitComparison(expr string) (lhs, op, rhs string, found bool) {
	var quote byte
	depth := 0
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case strings.HasPrefix(expr[i:], "{{"):
			depth++
			i++
		case depth > 0:
			if strings.HasPrefix(expr[i:], "}}") {
				depth--
				i++
			}
		case (c == '"' || c == '\'') && opensQuote(expr, i):
			quote = c
		case strings.HasPrefix(expr[i:], "==") || strings.HasPrefix(expr[i:], "!="):
			return expr[:i], expr[i : i+2], expr[i+2:], true
		}
	}
	return "", "", "", false
}

// opensQuote 引号只在操作数开头才开启字面量，避免 don't 之类的撇号吞掉运算符
func opensQuote(expr string, i int) bool {
	if i == 0 {
		return true
	}
	switch expr[i-1] {
	case ' ', '\t', '=':
		return true
	}
	return false
}

// resolveOperand 将操作数解析为字符串，ok=false 表示引用了缺失的键
func resolveOperand(store *state.Store, raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1], true
	}
	if strings.Contains(s, "{{") {
		resolved, missing := store.ResolveTemplateStrict(s)
		return resolved, len(missing) == 0
	}
	if isNodeOutputPath(s) {
		v, ok := store.Lookup(s)
		if !ok {
			return "", false
		}
		return state.Stringify(v), true
	}
	if v, ok := store.Lookup(s); ok && s != "" && !isLiteralWord(s) {
		return state.Stringify(v), true
	}
	return s, true
}

func isNodeOutputPath(s string) bool {
	return strings.HasPrefix(s, "nodes.") && strings.Contains(s, ".outputs.")
}

// isLiteralWord 判断是否为始终按字面量处理的词
func isLiteralWord(s string) bool {
	switch strings.ToLower(s) {
	case "true", "false", "null":
		return true
	}
	return false
}
