package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionContext_Variables(t *testing.T) {
	ec := NewExecutionContext(context.Background(), "run-1", "g")

	ec.SetVariable("exposure", 12.5)
	v, ok := ec.GetVariable("exposure")
	require.True(t, ok)
	assert.Equal(t, 12.5, v)
	assert.True(t, ec.HasVariable("exposure"))

	vars := ec.Variables()
	vars["exposure"] = 0
	v, _ = ec.GetVariable("exposure")
	assert.Equal(t, 12.5, v, "Variables must return a copy")

	ec.RemoveVariable("exposure")
	assert.False(t, ec.HasVariable("exposure"))

	ec.SetMetadata("camera", "cam-1")
	m, ok := ec.GetMetadata("camera")
	require.True(t, ok)
	assert.Equal(t, "cam-1", m)
}

func TestExecutionContext_ChildIsolation(t *testing.T) {
	parent := NewExecutionContext(context.Background(), "run-1", "outer")
	parent.SetVariable("roi", "full")

	child := parent.CreateChildContext("inner")
	assert.Equal(t, "inner", child.GraphID())
	assert.Equal(t, "run-1", child.RunID())
	assert.Equal(t, 1, child.CallDepth())

	v, ok := child.GetVariable("roi")
	require.True(t, ok)
	assert.Equal(t, "full", v)

	child.SetVariable("roi", "crop")
	child.SetVariable("count", 3)
	v, _ = parent.GetVariable("roi")
	assert.Equal(t, "full", v)
	assert.False(t, parent.HasVariable("count"))

	grandchild := child.CreateChildContext("leaf")
	assert.Equal(t, 2, grandchild.CallDepth())
}

func TestExecutionContext_CancelPropagatesToChildren(t *testing.T) {
	parent := NewExecutionContext(context.Background(), "run-1", "outer")
	child := parent.CreateChildContext("inner")

	child.Cancel()
	assert.False(t, parent.IsCancelled(), "child cancel must not reach the parent")

	other := parent.CreateChildContext("inner")
	parent.Cancel()
	assert.True(t, parent.IsCancelled())
	assert.True(t, other.IsCancelled())
}

func TestExecutionContext_ReleaseChild(t *testing.T) {
	parent := NewExecutionContext(context.Background(), "run-1", "outer")
	defer parent.Release()

	child := parent.CreateChildContext("inner")
	require.NoError(t, child.Context().Err())

	child.Release()
	child.Release()
	assert.ErrorIs(t, child.Context().Err(), context.Canceled)
	assert.NoError(t, parent.Context().Err())
	assert.False(t, parent.IsCancelled())

	next := parent.CreateChildContext("inner")
	defer next.Release()
	assert.NoError(t, next.Context().Err(), "a released sibling must not affect later children")
}

func TestExecutionContext_CallStack(t *testing.T) {
	ec := NewExecutionContext(context.Background(), "run-1", "outer")

	assert.Equal(t, 1, ec.PushFrame(CallFrame{GraphID: "inner", NodeID: "a"}))
	assert.Equal(t, 1, ec.PushFrame(CallFrame{GraphID: "inner", NodeID: "b"}))
	assert.Equal(t, 2, ec.Depth())

	frame, ok := ec.PopFrame("a")
	require.True(t, ok)
	assert.Equal(t, "a", frame.NodeID)
	assert.Equal(t, NodeStatusRunning, frame.Status)

	stack := ec.CallStack()
	require.Len(t, stack, 1)
	assert.Equal(t, "b", stack[0].NodeID)

	_, ok = ec.PopFrame("a")
	assert.False(t, ok)
}

func TestExecutionContext_NodeStatusTransitions(t *testing.T) {
	var transitions []string
	ec := NewExecutionContext(context.Background(), "run-1", "g",
		WithStatusListener(func(_ *ExecutionContext, nodeID string, from, to NodeStatus) {
			transitions = append(transitions, nodeID+":"+string(from)+">"+string(to))
		}),
	)
	ec.InitNodes([]string{"A", "B"})

	require.NoError(t, ec.SetNodeStatus("A", NodeStatusRunning))
	require.NoError(t, ec.SetNodeStatus("A", NodeStatusCompleted))
	require.NoError(t, ec.SetNodeStatus("B", NodeStatusSkipped))

	err := ec.SetNodeStatus("A", NodeStatusRunning)
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeInvalidTransition))

	assert.Equal(t, []string{
		"A:pending>running",
		"A:running>completed",
		"B:pending>skipped",
	}, transitions)

	states := ec.NodeStates()
	assert.False(t, states["A"].StartedAt.IsZero())
	assert.False(t, states["A"].EndedAt.IsZero())
	assert.Equal(t, NodeStatusPending, ec.NodeStatus("untracked"))
}

func TestExecutionContext_Diagnostics(t *testing.T) {
	var progress []int
	ec := NewExecutionContext(context.Background(), "run-1", "g",
		WithProgressListener(func(_ *ExecutionContext, _ string, current, _ int) {
			progress = append(progress, current)
		}),
	)

	ec.Log("info", "A", "started")
	ec.RecordPath("A", 0, true)
	ec.ReportProgress("loop", 1, 3)
	ec.ReportProgress("loop", 2, 3)

	require.Len(t, ec.Logs(), 1)
	assert.Equal(t, "started", ec.Logs()[0].Message)
	require.Len(t, ec.Path(), 1)
	assert.True(t, ec.Path()[0].Success)
	assert.Equal(t, []int{1, 2}, progress)
}
