package condition

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultTimeout bounds a single expression evaluation.
const DefaultTimeout = 2 * time.Second

// StarlarkEvaluator evaluates boolean expressions written in Starlark.
// Context variables are predeclared by name.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates an evaluator. A zero timeout uses DefaultTimeout.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Eval evaluates expr and returns its Go value.
func (se *StarlarkEvaluator) Eval(ctx context.Context, expr string, vars map[string]any) (any, error) {
	v, err := se.eval(ctx, expr, vars)
	if err != nil {
		return nil, err
	}
	return fromStarlarkValue(v)
}

// Truth evaluates expr and returns its Starlark truth value.
func (se *StarlarkEvaluator) Truth(ctx context.Context, expr string, vars map[string]any) (bool, error) {
	v, err := se.eval(ctx, expr, vars)
	if err != nil {
		return false, err
	}
	return bool(v.Truth()), nil
}

func (se *StarlarkEvaluator) eval(ctx context.Context, expr string, vars map[string]any) (starlark.Value, error) {
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
	for name, val := range vars {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", name, err)
		}
		predeclared[name] = sv
	}

	thread := &starlark.Thread{
		Name:  "condition",
		Print: func(*starlark.Thread, string) {},
	}

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	type outcome struct {
		v   starlark.Value
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := starlark.Eval(thread, "condition", expr, predeclared)
		done <- outcome{v: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, fmt.Errorf("evaluate %q: %w", expr, o.err)
		}
		return o.v, nil
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		return nil, fmt.Errorf("evaluate %q: %w", expr, evalCtx.Err())
	}
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt(int(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case fmt.Stringer:
		return starlark.String(val.String()), nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, item := range val {
			gv, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = gv
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any)
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
