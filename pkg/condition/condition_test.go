package condition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visionflow/visionflow/pkg/graph"
)

func TestResolve(t *testing.T) {
	vars := map[string]any{"score": 0.9, "label": "ok"}

	tests := []struct {
		operand string
		want    any
	}{
		{"${score}", 0.9},
		{"$label", "ok"},
		{"42", 42.0},
		{"true", true},
		{"'quoted'", "quoted"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.operand, func(t *testing.T) {
			got, err := Resolve(tt.operand, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Resolve("${missing}", vars)
	assert.True(t, errors.Is(err, ErrUnknownVariable))
}

func TestCompare(t *testing.T) {
	tests := []struct {
		left  any
		op    string
		right any
		want  bool
	}{
		{3, OpGreater, 2.5, true},
		{3, OpLessEqual, 3.0, true},
		{"10", OpEqual, 10, true},
		{"a", OpLess, "b", true},
		{"ok", OpNotEqual, "ng", true},
		{1, OpGreaterEqual, 2, false},
	}
	for _, tt := range tests {
		got, err := Compare(tt.left, tt.op, tt.right)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%v %s %v", tt.left, tt.op, tt.right)
	}

	_, err := Compare(1, "~=", 2)
	assert.True(t, errors.Is(err, ErrUnknownOperator))
}

func TestDefault_Comparison(t *testing.T) {
	d := New(time.Second)
	spec := &graph.ConditionSpec{
		Left: "${defects}", Operator: ">", Right: "0",
		TrueBranch: "reject", FalseBranch: "accept",
	}

	out, err := d.Evaluate(context.Background(), spec, map[string]any{"defects": 2})
	require.NoError(t, err)
	assert.True(t, out.Selected)
	assert.Equal(t, "reject", out.BranchID)
	assert.Equal(t, 2, out.Value)

	out, err = d.Evaluate(context.Background(), spec, map[string]any{"defects": 0})
	require.NoError(t, err)
	assert.False(t, out.Selected)
	assert.Equal(t, "accept", out.BranchID)
}

func TestDefault_Expression(t *testing.T) {
	d := New(time.Second)
	spec := &graph.ConditionSpec{
		Expression: "score > 0.8 and label in ['ok', 'good']",
		TrueBranch: "pass",
	}

	out, err := d.Evaluate(context.Background(), spec, map[string]any{"score": 0.93, "label": "ok"})
	require.NoError(t, err)
	assert.True(t, out.Selected)
	assert.Equal(t, "pass", out.BranchID)
	assert.Equal(t, true, out.Value)
}

func TestDefault_Errors(t *testing.T) {
	d := New(time.Second)

	_, err := d.Evaluate(context.Background(), &graph.ConditionSpec{}, nil)
	assert.True(t, errors.Is(err, ErrEmptyCondition))

	_, err = d.Evaluate(context.Background(), &graph.ConditionSpec{Expression: "undefined_name > 1"}, nil)
	assert.Error(t, err)
}

func TestStarlarkEvaluator_Truth(t *testing.T) {
	se := NewStarlarkEvaluator(0)

	ok, err := se.Truth(context.Background(), "i < limit", map[string]any{"i": 2, "limit": 3})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = se.Truth(context.Background(), "len(items)", map[string]any{"items": []any{}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStarlarkEvaluator_Eval(t *testing.T) {
	se := NewStarlarkEvaluator(time.Second)

	v, err := se.Eval(context.Background(), "{'n': n * 2, 'xs': [x + 1 for x in xs]}", map[string]any{
		"n":  int64(4),
		"xs": []any{1, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": int64(8), "xs": []any{int64(2), int64(3)}}, v)
}
