// Package expr implements FlowSync's condition and template expression
// language: path resolution against execution context ($input.a.b,
// $nodeId.a.b), a small comparison operator set, and {{$ref}} template
// substitution.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Context is the lookup scope an expression evaluates against: the
// execution's original input, plus one result map per completed node,
// keyed by node ID.
type Context struct {
	Input       map[string]interface{}
	NodeResults map[string]map[string]interface{}
}

// operators in strict scan order: longest-match operators must be tried
// before their single-character prefixes, or ">=" would be misparsed as
// ">" followed by a stray "=".
var operators = []string{">=", "<=", "!=", "==", ">", "<"}

// Evaluate parses and runs a single comparison expression such as
// `$input.amount >= 100` or `$stepA.status == "ok"`, returning its boolean
// result. An expression with no recognized operator is treated as a bare
// truthiness check of the resolved value.
func Evaluate(expression string, ctx Context) bool {
	expression = strings.TrimSpace(expression)

	for _, op := range operators {
		idx := strings.Index(expression, op)
		if idx < 0 {
			continue
		}
		left := strings.TrimSpace(expression[:idx])
		right := strings.TrimSpace(expression[idx+len(op):])
		return compare(resolveToken(left, ctx), resolveToken(right, ctx), op)
	}

	return truthy(resolveToken(expression, ctx))
}

// resolveToken resolves one side of a comparison: a path reference
// ($input.x, $nodeId.x), a quoted string literal, a numeric literal, a
// boolean literal, or an unrecognized bare token (treated as undefined).
func resolveToken(tok string, ctx Context) interface{} {
	tok = strings.TrimSpace(tok)
	switch {
	case strings.HasPrefix(tok, "$"):
		return resolvePath(tok, ctx)
	case len(tok) >= 2 && tok[0] == '"' && tok[len(tok)-1] == '"':
		return tok[1 : len(tok)-1]
	case len(tok) >= 2 && tok[0] == '\'' && tok[len(tok)-1] == '\'':
		return tok[1 : len(tok)-1]
	case tok == "true":
		return true
	case tok == "false":
		return false
	case tok == "null" || tok == "":
		return nil
	default:
		if f, err := strconv.ParseFloat(tok, 64); err == nil {
			return f
		}
		return nil
	}
}

// resolvePath walks a $input.a.b or $nodeId.a.b reference through ctx.
// $input refers to the execution's original input; any other root name is
// looked up among completed node results. A path segment missing at any
// point resolves to nil (undefined), never an error.
func resolvePath(path string, ctx Context) interface{} {
	path = strings.TrimPrefix(path, "$")
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return nil
	}

	root := parts[0]
	var cur interface{}
	if root == "input" {
		cur = toAny(ctx.Input)
	} else if res, ok := ctx.NodeResults[root]; ok {
		cur = toAny(res)
	} else {
		return nil
	}

	for _, seg := range parts[1:] {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

func toAny(m map[string]interface{}) interface{} {
	if m == nil {
		return nil
	}
	return map[string]interface{}(m)
}

// compare applies op to left/right. Equality (==, !=) always compares as
// strings. Ordering (>=, <=, >, <) always compares as numbers; if either
// side fails to resolve to a number the comparison is false, never a
// string fallback — an unresolved ordering comparison is never true.
func compare(left, right interface{}, op string) bool {
	lf, lok := asFloat(left)
	rf, rok := asFloat(right)

	if lok && rok {
		switch op {
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		case "!=":
			return lf != rf
		case "==":
			return lf == rf
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		}
	}

	ls, rs := stringify(left), stringify(right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">=", "<=", ">", "<":
		// Ordering always compares as numbers; either side failing to
		// resolve to a number makes the comparison false, never a
		// string fallback.
		return false
	}
	return false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}

// Template substitutes every {{$ref}} occurrence in s by resolving ref
// against ctx and stringifying the result; an unresolved reference
// substitutes as an empty string.
func Template(s string, ctx Context) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			b.WriteString(s)
			break
		}
		end += start

		b.WriteString(s[:start])
		ref := strings.TrimSpace(s[start+2 : end])
		b.WriteString(stringify(resolveToken(ref, ctx)))
		s = s[end+2:]
	}
	return b.String()
}
