package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// Supported comparison operators.
const (
	OpEqual        = "=="
	OpNotEqual     = "!="
	OpGreater      = ">"
	OpLess         = "<"
	OpGreaterEqual = ">="
	OpLessEqual    = "<="
)

// Resolve substitutes a variable reference or parses a literal. "${name}" and
// "$name" read from vars; other operands parse as number, then bool, then
// stay a string (surrounding quotes are removed).
func Resolve(operand string, vars map[string]any) (any, error) {
	s := strings.TrimSpace(operand)

	if name, ok := varName(s); ok {
		v, found := vars[name]
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrUnknownVariable, name)
		}
		return v, nil
	}

	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1], nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b, nil
	}
	return s, nil
}

func varName(s string) (string, bool) {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return strings.TrimSpace(s[2 : len(s)-1]), true
	}
	if strings.HasPrefix(s, "$") && len(s) > 1 {
		return s[1:], true
	}
	return "", false
}

// Compare applies op to two values. Numbers compare numerically, everything
// else compares by its string form; ordering operators on non-numbers use
// lexical order.
func Compare(left any, op string, right any) (bool, error) {
	lf, lnum := toFloat(left)
	rf, rnum := toFloat(right)

	if lnum && rnum {
		switch op {
		case OpEqual:
			return lf == rf, nil
		case OpNotEqual:
			return lf != rf, nil
		case OpGreater:
			return lf > rf, nil
		case OpLess:
			return lf < rf, nil
		case OpGreaterEqual:
			return lf >= rf, nil
		case OpLessEqual:
			return lf <= rf, nil
		}
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}

	ls, rs := fmt.Sprint(left), fmt.Sprint(right)
	switch op {
	case OpEqual:
		return ls == rs, nil
	case OpNotEqual:
		return ls != rs, nil
	case OpGreater:
		return ls > rs, nil
	case OpLess:
		return ls < rs, nil
	case OpGreaterEqual:
		return ls >= rs, nil
	case OpLessEqual:
		return ls <= rs, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
