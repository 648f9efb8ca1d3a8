// Package condition evaluates branch conditions for conditional nodes and
// condition-driven loops. A condition is either a binary comparison with
// variable substitution or a Starlark expression.
package condition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/visionflow/visionflow/pkg/graph"
)

var (
	// ErrUnknownOperator is returned for an unsupported comparison operator.
	ErrUnknownOperator = errors.New("unknown operator")

	// ErrUnknownVariable is returned when a referenced variable is not set.
	ErrUnknownVariable = errors.New("unknown variable")

	// ErrEmptyCondition is returned when a spec has neither an expression nor an operator.
	ErrEmptyCondition = errors.New("empty condition")
)

// Evaluator decides branch conditions and loop expressions against a set
// of variables.
type Evaluator interface {
	Evaluate(ctx context.Context, spec *graph.ConditionSpec, vars map[string]any) (Outcome, error)
	Truth(ctx context.Context, expr string, vars map[string]any) (bool, error)
}

var _ Evaluator = (*Default)(nil)

// Outcome is the result of evaluating a condition.
type Outcome struct {
	Selected bool
	BranchID string
	Value    any
}

// Default evaluates expressions with Starlark and everything else with Compare.
type Default struct {
	expressions *StarlarkEvaluator
}

// New returns the default evaluator.
func New(timeout time.Duration) *Default {
	return &Default{expressions: NewStarlarkEvaluator(timeout)}
}

// Evaluate implements Evaluator. The expression wins when both forms are set.
func (d *Default) Evaluate(ctx context.Context, spec *graph.ConditionSpec, vars map[string]any) (Outcome, error) {
	if spec == nil {
		return Outcome{}, ErrEmptyCondition
	}

	var (
		selected bool
		value    any
		err      error
	)
	switch {
	case strings.TrimSpace(spec.Expression) != "":
		value, err = d.expressions.Eval(ctx, spec.Expression, vars)
		if err == nil {
			selected = truthy(value)
		}
	case spec.Operator != "":
		var left, right any
		if left, err = Resolve(spec.Left, vars); err != nil {
			return Outcome{}, fmt.Errorf("left operand: %w", err)
		}
		if right, err = Resolve(spec.Right, vars); err != nil {
			return Outcome{}, fmt.Errorf("right operand: %w", err)
		}
		selected, err = Compare(left, spec.Operator, right)
		value = left
	default:
		return Outcome{}, ErrEmptyCondition
	}
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{Selected: selected, Value: value, BranchID: spec.FalseBranch}
	if selected {
		out.BranchID = spec.TrueBranch
	}
	return out, nil
}

// Truth evaluates a bare expression, as used by condition loops.
func (d *Default) Truth(ctx context.Context, expr string, vars map[string]any) (bool, error) {
	return d.expressions.Truth(ctx, expr, vars)
}

// truthy follows Starlark truth rules for converted Go values.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}
