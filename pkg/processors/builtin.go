// Package processors provides the built-in algorithm library used by the
// vflow command. Real deployments register their own vision algorithms on
// an engine.MapRegistry next to these.
package processors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/visionflow/visionflow/pkg/engine"
	"github.com/visionflow/visionflow/pkg/graph"
)

// Algorithm types registered by Register.
const (
	Passthrough = "passthrough"
	Delay       = "delay"
	Fail        = "fail"
	Scale       = "scale"
	Threshold   = "threshold"
	Constant    = "constant"
)

// ErrNotNumeric is returned by numeric algorithms for non-numeric input.
var ErrNotNumeric = errors.New("input is not numeric")

// Register adds the built-in algorithms to r.
func Register(r *engine.MapRegistry) {
	r.RegisterFunc(Passthrough, passthrough)
	r.RegisterFunc(Delay, delay)
	r.RegisterFunc(Fail, fail)
	r.RegisterFunc(Scale, scale)
	r.RegisterFunc(Threshold, threshold)
	r.RegisterFunc(Constant, constant)
}

// NewRegistry returns a registry holding only the built-in algorithms.
func NewRegistry() *engine.MapRegistry {
	r := engine.NewMapRegistry()
	Register(r)
	return r
}

func passthrough(_ context.Context, input any, _ graph.Params) (any, error) {
	return input, nil
}

// delay waits "ms" milliseconds and passes its input through.
func delay(ctx context.Context, input any, params graph.Params) (any, error) {
	d := time.Duration(params.Int("ms", 10)) * time.Millisecond
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return input, nil
	}
}

func fail(_ context.Context, _ any, params graph.Params) (any, error) {
	return nil, errors.New(params.String("message", "forced failure"))
}

// scale multiplies a numeric input by "factor".
func scale(_ context.Context, input any, params graph.Params) (any, error) {
	x, err := toFloat(input)
	if err != nil {
		return nil, err
	}
	return x * params.Float("factor", 1), nil
}

// threshold compares a numeric input against "level". "invert" flips the
// comparison. The output is keyed so downstream nodes can bind to "pass".
func threshold(_ context.Context, input any, params graph.Params) (any, error) {
	x, err := toFloat(input)
	if err != nil {
		return nil, err
	}
	pass := x >= params.Float("level", 0.5)
	if params.Bool("invert", false) {
		pass = !pass
	}
	return map[string]any{"value": x, "pass": pass}, nil
}

// constant ignores its input and emits the "value" parameter.
func constant(_ context.Context, _ any, params graph.Params) (any, error) {
	v, ok := params["value"]
	if !ok {
		return nil, errors.New("constant requires a value parameter")
	}
	return v.Interface(), nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case map[string]any:
		// Keyed outputs of upstream numeric stages.
		if inner, ok := n["value"]; ok {
			return toFloat(inner)
		}
	}
	return 0, fmt.Errorf("%w: %T", ErrNotNumeric, v)
}
