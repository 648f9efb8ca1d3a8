package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visionflow/visionflow/pkg/graph"
	"github.com/visionflow/visionflow/pkg/telemetry"
)

// stageGraph builds a graph of plain nodes whose algorithm type equals the
// node id, connected by the given "a->b" edges.
func stageGraph(t *testing.T, id string, nodes []string, edges ...string) *graph.Graph {
	t.Helper()
	g := graph.New(id, id)
	for _, n := range nodes {
		node := graph.NewNode(n, graph.NodeKindPlain)
		node.AlgorithmType = n
		require.NoError(t, g.AddNode(node))
	}
	for _, e := range edges {
		parts := strings.Split(e, "->")
		require.NoError(t, g.ConnectNodes(parts[0], parts[1]))
	}
	return g
}

func newEngine(t *testing.T, reg *MapRegistry, graphs ...*graph.Graph) *Engine {
	t.Helper()
	catalog := graph.NewCatalog()
	for _, g := range graphs {
		require.NoError(t, catalog.Register(g))
	}
	e, err := New(catalog, Options{Processors: reg, MaxParallel: 4})
	require.NoError(t, err)
	return e
}

func addN(n int) func(context.Context, any, graph.Params) (any, error) {
	return func(_ context.Context, input any, _ graph.Params) (any, error) {
		return input.(int) + n, nil
	}
}

func identity(_ context.Context, input any, _ graph.Params) (any, error) {
	return input, nil
}

// gate is a processor that signals when it starts and blocks until released.
type gate struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) Process(_ context.Context, input any, _ graph.Params) (any, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return input, nil
}

func TestNew_RequiresCatalog(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
}

func TestEngine_DiamondPassesOrderedInputs(t *testing.T) {
	g := stageGraph(t, "diamond", []string{"B", "C", "D"})
	entry := graph.NewNode("A", graph.NodeKindEntry)
	require.NoError(t, g.AddNode(entry))
	for _, e := range [][2]string{{"A", "B"}, {"A", "C"}, {"B", "D"}, {"C", "D"}} {
		require.NoError(t, g.ConnectNodes(e[0], e[1]))
	}

	reg := NewMapRegistry()
	reg.RegisterFunc("B", addN(1))
	reg.RegisterFunc("C", addN(10))
	reg.RegisterFunc("D", identity)
	e := newEngine(t, reg, g)

	result, err := e.ExecuteWorkflow(context.Background(), "diamond", 1)
	require.NoError(t, err)

	assert.Equal(t, RunStateCompleted, result.Status)
	assert.True(t, result.Success)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, result.Outputs["A"])
	assert.Equal(t, []any{2, 11}, result.FinalOutput())
	require.Len(t, result.Groups, 3)
	assert.ElementsMatch(t, []string{"B", "C"}, result.Groups[1].NodeIDs)
	for _, id := range []string{"A", "B", "C", "D"} {
		assert.Equal(t, NodeStatusCompleted, result.NodeResults[id].Status, id)
	}
	assert.Equal(t, RunStateCompleted, e.State())
}

func TestEngine_RejectsCycleBeforeExecution(t *testing.T) {
	var calls atomic.Int32
	reg := NewMapRegistry()
	count := func(_ context.Context, input any, _ graph.Params) (any, error) {
		calls.Add(1)
		return input, nil
	}
	reg.RegisterFunc("A", count)
	reg.RegisterFunc("B", count)
	reg.RegisterFunc("C", count)

	g := stageGraph(t, "cyclic", []string{"A", "B", "C"}, "A->B", "B->A")
	e := newEngine(t, reg, g)

	result, err := e.ExecuteWorkflow(context.Background(), "cyclic", nil)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, IsStructural(err))
	assert.True(t, HasCode(err, ErrCodeCycleDetected))
	assert.Contains(t, err.Error(), "A -> B -> A")
	assert.Zero(t, calls.Load())
	assert.Equal(t, RunStateIdle, e.State())
}

func TestEngine_UnknownGraph(t *testing.T) {
	e := newEngine(t, NewMapRegistry())

	_, err := e.ExecuteWorkflow(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeUnknownGraph))
	assert.True(t, errors.Is(err, graph.ErrUnknownGraph))
}

func TestEngine_BusyWhileRunning(t *testing.T) {
	gt := newGate()
	reg := NewMapRegistry()
	reg.Register("A", gt)
	e := newEngine(t, reg, stageGraph(t, "slow", []string{"A"}))

	done := make(chan *RunResult, 1)
	go func() {
		result, _ := e.ExecuteWorkflow(context.Background(), "slow", "frame")
		done <- result
	}()
	<-gt.started

	_, err := e.ExecuteWorkflow(context.Background(), "slow", "frame")
	require.Error(t, err)
	assert.True(t, IsBusy(err))
	assert.True(t, IsDispatch(err))

	close(gt.release)
	result := <-done
	assert.Equal(t, RunStateCompleted, result.Status)

	_, err = e.ExecuteWorkflow(context.Background(), "slow", "frame")
	assert.NoError(t, err)
}

func TestEngine_StopSkipsRemainingNodes(t *testing.T) {
	gt := newGate()
	var bCalls atomic.Int32
	reg := NewMapRegistry()
	reg.Register("A", gt)
	reg.RegisterFunc("B", func(_ context.Context, input any, _ graph.Params) (any, error) {
		bCalls.Add(1)
		return input, nil
	})
	e := newEngine(t, reg, stageGraph(t, "chain", []string{"A", "B"}, "A->B"))

	type outcome struct {
		result *RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := e.ExecuteWorkflow(context.Background(), "chain", 1)
		done <- outcome{result, err}
	}()
	<-gt.started

	e.Stop()
	close(gt.release)
	out := <-done

	require.NoError(t, out.err)
	assert.Equal(t, RunStateStopped, out.result.Status)
	assert.False(t, out.result.Success)
	assert.Equal(t, NodeStatusCompleted, out.result.NodeResults["A"].Status)
	assert.Equal(t, NodeStatusSkipped, out.result.NodeResults["B"].Status)
	assert.Zero(t, bCalls.Load())
	assert.Equal(t, RunStateStopped, e.State())

	e.Stop()
}

func TestEngine_PauseHoldsDispatchUntilResume(t *testing.T) {
	gt := newGate()
	var bCalls atomic.Int32
	reg := NewMapRegistry()
	reg.Register("A", gt)
	reg.RegisterFunc("B", func(_ context.Context, input any, _ graph.Params) (any, error) {
		bCalls.Add(1)
		return input, nil
	})
	e := newEngine(t, reg, stageGraph(t, "chain", []string{"A", "B"}, "A->B"))

	require.Error(t, e.Pause(), "pause without an active run")

	done := make(chan *RunResult, 1)
	go func() {
		result, _ := e.ExecuteWorkflow(context.Background(), "chain", 1)
		done <- result
	}()
	<-gt.started

	require.NoError(t, e.Pause())
	assert.Equal(t, RunStatePaused, e.State())
	close(gt.release)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, bCalls.Load())

	require.NoError(t, e.Resume())
	result := <-done
	assert.Equal(t, RunStateCompleted, result.Status)
	assert.Equal(t, int32(1), bCalls.Load())
	assert.Error(t, e.Resume())
}

func TestEngine_FailureStopsAfterGroup(t *testing.T) {
	reg := NewMapRegistry()
	reg.RegisterFunc("A", identity)
	reg.RegisterFunc("B", func(context.Context, any, graph.Params) (any, error) {
		return nil, errors.New("no contour found")
	})
	reg.RegisterFunc("C", identity)
	reg.RegisterFunc("D", identity)
	g := stageGraph(t, "inspect", []string{"A", "B", "C", "D"}, "A->B", "A->C", "B->D", "C->D")
	e := newEngine(t, reg, g)

	result, err := e.ExecuteWorkflow(context.Background(), "inspect", "img")
	require.NoError(t, err)

	assert.Equal(t, RunStateError, result.Status)
	assert.Equal(t, NodeStatusFailed, result.NodeResults["B"].Status)
	assert.Equal(t, NodeStatusCompleted, result.NodeResults["C"].Status)
	assert.Equal(t, NodeStatusSkipped, result.NodeResults["D"].Status)
	assert.Equal(t, []string{"B"}, result.FailedNodes())
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "node B")
	assert.Contains(t, result.Errors[0], "no contour found")
	assert.Equal(t, RunStateError, e.State())
}

func TestEngine_ProcessorNotFound(t *testing.T) {
	e := newEngine(t, NewMapRegistry(), stageGraph(t, "g", []string{"blur"}))

	result, err := e.ExecuteWorkflow(context.Background(), "g", nil)
	require.NoError(t, err)
	assert.Equal(t, RunStateError, result.Status)
	assert.Contains(t, result.NodeResults["blur"].Error, "no processor")
}

func TestEngine_MissingControlPlugin(t *testing.T) {
	g := graph.New("outer", "outer")
	node := graph.NewNode("sub", graph.NodeKindSubGraph)
	node.SubGraph = &graph.SubGraphSpec{GraphID: "inner"}
	require.NoError(t, g.AddNode(node))
	e := newEngine(t, NewMapRegistry(), g)

	result, err := e.ExecuteWorkflow(context.Background(), "outer", nil)
	require.Error(t, err)
	assert.True(t, IsDispatch(err))
	assert.True(t, HasCode(err, ErrCodeControlPluginMissing))
	require.NotNil(t, result)
	assert.Equal(t, RunStateError, result.Status)
}

func TestEngine_ParameterBindings(t *testing.T) {
	reg := NewMapRegistry()
	reg.RegisterFunc("calib", func(context.Context, any, graph.Params) (any, error) {
		return map[string]any{"threshold": 0.25}, nil
	})
	reg.RegisterFunc("binarize", func(_ context.Context, _ any, params graph.Params) (any, error) {
		return params.Float("threshold", -1), nil
	})
	g := stageGraph(t, "bind", []string{"calib", "binarize"}, "calib->binarize")
	n, _ := g.Node("binarize")
	n.Bindings = []graph.ParamBinding{{Param: "threshold", SourceNodeID: "calib", SourceKey: "threshold"}}
	e := newEngine(t, reg, g)

	result, err := e.ExecuteWorkflow(context.Background(), "bind", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.25, result.FinalOutput())
	assert.Empty(t, n.Params, "bindings must not mutate the node")
}

func TestEngine_BindingWithoutSourceOutputFails(t *testing.T) {
	reg := NewMapRegistry()
	reg.RegisterFunc("use", identity)
	g := stageGraph(t, "bind", []string{"src", "use"})
	src, _ := g.Node("src")
	src.Enabled = false
	use, _ := g.Node("use")
	use.Bindings = []graph.ParamBinding{{Param: "k", SourceNodeID: "src"}}
	e := newEngine(t, reg, g)

	result, err := e.ExecuteWorkflow(context.Background(), "bind", nil)
	require.NoError(t, err)
	assert.Equal(t, NodeStatusFailed, result.NodeResults["use"].Status)
	assert.Contains(t, result.NodeResults["use"].Error, "produced no output")
}

func TestEngine_NodeTimeout(t *testing.T) {
	reg := NewMapRegistry()
	reg.RegisterFunc("slow", func(ctx context.Context, input any, _ graph.Params) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
			return input, nil
		}
	})
	g := stageGraph(t, "g", []string{"slow"})
	n, _ := g.Node("slow")
	n.Timeout = 20 * time.Millisecond
	e := newEngine(t, reg, g)

	result, err := e.ExecuteWorkflow(context.Background(), "g", nil)
	require.NoError(t, err)
	assert.Equal(t, NodeStatusFailed, result.NodeResults["slow"].Status)
}

func TestEngine_ProcessorPanicBecomesFailure(t *testing.T) {
	reg := NewMapRegistry()
	reg.RegisterFunc("bad", func(context.Context, any, graph.Params) (any, error) {
		panic("nil image")
	})
	e := newEngine(t, reg, stageGraph(t, "g", []string{"bad"}))

	result, err := e.ExecuteWorkflow(context.Background(), "g", nil)
	require.NoError(t, err)
	assert.Equal(t, NodeStatusFailed, result.NodeResults["bad"].Status)
	assert.Contains(t, result.NodeResults["bad"].Error, "panicked")
}

func TestEngine_PublishesNodeStatusEvents(t *testing.T) {
	events := telemetry.NewSyncEventPublisher()
	var mu sync.Mutex
	var seen []string
	events.Subscribe(func(ev telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.NodeID+":"+ev.Data["to"].(string))
	}, telemetry.FilterByType(telemetry.EventTypeNodeStatusChanged))

	reg := NewMapRegistry()
	reg.RegisterFunc("A", identity)
	reg.RegisterFunc("B", identity)
	catalog := graph.NewCatalog()
	require.NoError(t, catalog.Register(stageGraph(t, "g", []string{"A", "B"}, "A->B")))
	e, err := New(catalog, Options{Processors: reg, Events: events})
	require.NoError(t, err)

	_, err = e.ExecuteWorkflow(context.Background(), "g", nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A:running", "A:completed", "B:running", "B:completed"}, seen)
}

// recurse is a control plugin that runs sub-graphs once in a child context.
type recurse struct{}

func (recurse) ExecuteSubGraph(ctx context.Context, req SubGraphRequest) (*SubGraphResult, error) {
	child := req.Context.CreateChildContext(req.Node.SubGraph.GraphID)
	defer child.Release()
	res, err := req.Runner.RunSubGraph(ctx, req.Node.SubGraph.GraphID, req.Input, child)
	if err != nil {
		return nil, err
	}
	return &SubGraphResult{Output: res.FinalOutput(), CurrentIteration: 1, Iterations: []*RunResult{res}}, nil
}

func (recurse) EvaluateCondition(context.Context, *graph.Node, *ExecutionContext) (*ConditionResult, error) {
	return &ConditionResult{Selected: true}, nil
}

func subGraphNode(id, graphID string) *graph.Node {
	n := graph.NewNode(id, graph.NodeKindSubGraph)
	n.SubGraph = &graph.SubGraphSpec{GraphID: graphID}
	return n
}

func TestEngine_RunsSubGraph(t *testing.T) {
	reg := NewMapRegistry()
	reg.RegisterFunc("double", func(_ context.Context, input any, _ graph.Params) (any, error) {
		return input.(int) * 2, nil
	})
	inner := stageGraph(t, "inner", []string{"double"})
	outer := graph.New("outer", "outer")
	require.NoError(t, outer.AddNode(subGraphNode("call", "inner")))

	e := newEngine(t, reg, inner, outer)
	e.SetControlPlugin(recurse{})

	result, err := e.ExecuteWorkflow(context.Background(), "outer", 21)
	require.NoError(t, err)
	assert.Equal(t, 42, result.FinalOutput())
	assert.Equal(t, 1, result.NodeResults["call"].Iterations)
}

func TestEngine_MaxCallDepth(t *testing.T) {
	self := graph.New("self", "self")
	require.NoError(t, self.AddNode(subGraphNode("again", "self")))

	catalog := graph.NewCatalog()
	require.NoError(t, catalog.Register(self))
	e, err := New(catalog, Options{Control: recurse{}, MaxCallDepth: 3})
	require.NoError(t, err)

	_, err = e.ExecuteWorkflow(context.Background(), "self", nil)
	require.Error(t, err)
	assert.True(t, IsStructural(err))
	assert.True(t, HasCode(err, ErrCodeMaxDepthExceeded))
	assert.Equal(t, RunStateError, e.State())
}

func TestEngine_ConditionalOutput(t *testing.T) {
	g := graph.New("cond", "cond")
	n := graph.NewNode("check", graph.NodeKindConditional)
	n.Condition = &graph.ConditionSpec{Expression: "True"}
	require.NoError(t, g.AddNode(n))

	e := newEngine(t, NewMapRegistry(), g)
	e.SetControlPlugin(recurse{})

	result, err := e.ExecuteWorkflow(context.Background(), "cond", nil)
	require.NoError(t, err)
	out, ok := result.FinalOutput().(*ConditionResult)
	require.True(t, ok)
	assert.True(t, out.Selected)
}
