package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/visionflow/visionflow/pkg/graph"
	"github.com/visionflow/visionflow/pkg/telemetry"
)

// runState holds outputs and results shared by the nodes of one run.
type runState struct {
	mu      sync.RWMutex
	outputs map[string]any
	results map[string]*NodeResult
}

func (s *runState) output(nodeID string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.outputs[nodeID]
	return v, ok
}

func (s *runState) update(nodeID string, fn func(*NodeResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.results[nodeID])
}

// resolveInput returns the primary input when no predecessor produced output,
// the single output when one did, and the ordered list otherwise.
func (s *runState) resolveInput(g *graph.Graph, nodeID string, primary any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inputs := make([]any, 0)
	for _, pred := range g.Predecessors(nodeID) {
		if out, ok := s.outputs[pred]; ok {
			inputs = append(inputs, out)
		}
	}
	switch len(inputs) {
	case 0:
		return primary
	case 1:
		return inputs[0]
	default:
		return inputs
	}
}

// run executes the parallel groups of g in order.
func (e *Engine) run(ctx context.Context, ec *ExecutionContext, g *graph.Graph, input any) (*RunResult, error) {
	start := time.Now()
	groups := g.GetParallelExecutionGroupsByChains()

	result := &RunResult{
		RunID:        ec.RunID(),
		GraphID:      g.ID,
		Status:       RunStateRunning,
		NodeResults:  make(map[string]*NodeResult),
		Outputs:      make(map[string]any),
		FinalOutputs: make(map[string]any),
		Groups:       make([]GroupResult, 0, len(groups)),
		StartedAt:    start,
	}
	st := &runState{outputs: make(map[string]any), results: result.NodeResults}

	ordered := make([]string, 0)
	for i, group := range groups {
		for _, id := range group {
			node, _ := g.Node(id)
			result.NodeResults[id] = &NodeResult{
				NodeID: id,
				Kind:   string(node.Kind),
				Status: NodeStatusPending,
				Group:  i,
			}
			ordered = append(ordered, id)
		}
	}
	ec.InitNodes(ordered)

	var runErr error
	stopped := false
	failed := false

	for i, group := range groups {
		if ec.IsCancelled() || e.waitIfPaused(ec.Context()) != nil {
			stopped = true
			break
		}

		gr, err := e.executeGroup(ctx, ec, g, i, group, input, st)
		result.Groups = append(result.Groups, gr)

		if err != nil {
			runErr = err
			break
		}
		if gr.Failed > 0 {
			failed = true
			break
		}
		if gr.Skipped > 0 {
			stopped = true
			break
		}

		final := make(map[string]any, len(group))
		for _, id := range group {
			if out, ok := st.output(id); ok {
				final[id] = out
			}
		}
		result.FinalOutputs = final
	}

	for _, id := range ordered {
		if ec.NodeStatus(id) == NodeStatusPending {
			_ = ec.SetNodeStatus(id, NodeStatusSkipped)
			result.NodeResults[id].Status = NodeStatusSkipped
		}
	}

	for _, id := range ordered {
		if nr := result.NodeResults[id]; nr.Status == NodeStatusFailed {
			result.Errors = append(result.Errors, fmt.Sprintf("node %s: %s", id, nr.Error))
		}
	}
	if runErr != nil && len(result.Errors) == 0 {
		result.Errors = append(result.Errors, runErr.Error())
	}

	st.mu.RLock()
	for id, out := range st.outputs {
		result.Outputs[id] = out
	}
	st.mu.RUnlock()

	switch {
	case runErr != nil || failed:
		result.Status = RunStateError
	case stopped:
		result.Status = RunStateStopped
		result.Errors = append(result.Errors, NewCancelledError("run stopped", nil).WithGraph(g.ID).Error())
	default:
		result.Status = RunStateCompleted
	}
	result.Success = result.Status == RunStateCompleted
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(start)
	return result, runErr
}

// executeGroup runs every node of a group. A group of one runs inline; larger
// groups run concurrently, bounded by maxParallel. Only dispatch and
// structural errors are returned; node failures are recorded in st.
func (e *Engine) executeGroup(
	ctx context.Context,
	ec *ExecutionContext,
	g *graph.Graph,
	index int,
	group graph.ParallelGroup,
	primary any,
	st *runState,
) (GroupResult, error) {
	ctx, span := e.tracer.StartGroupSpan(ctx, index, len(group))
	start := time.Now()

	var err error
	if len(group) == 1 {
		err = e.executeNode(ctx, ec, g, group[0], primary, st)
	} else {
		var eg errgroup.Group
		eg.SetLimit(e.maxParallel)
		for _, id := range group {
			if ec.IsCancelled() || e.waitIfPaused(ec.Context()) != nil {
				break
			}
			nodeID := id
			eg.Go(func() error {
				return e.executeNode(ctx, ec, g, nodeID, primary, st)
			})
		}
		err = eg.Wait()
	}

	gr := GroupResult{
		Index:    index,
		NodeIDs:  append([]string(nil), group...),
		Duration: time.Since(start),
	}
	for _, id := range group {
		switch ec.NodeStatus(id) {
		case NodeStatusFailed:
			gr.Failed++
		case NodeStatusSkipped, NodeStatusPending:
			gr.Skipped++
		}
	}

	telemetry.EndSpan(span, err)
	return gr, err
}

// executeNode runs one node and records its outcome.
func (e *Engine) executeNode(
	ctx context.Context,
	ec *ExecutionContext,
	g *graph.Graph,
	nodeID string,
	primary any,
	st *runState,
) error {
	node, ok := g.Node(nodeID)
	if !ok {
		return NewStructuralError("node disappeared during run", graph.ErrUnknownNode).
			WithCode(ErrCodeUnknownNode).
			WithGraph(g.ID).
			WithNode(nodeID)
	}

	ctx, span := e.tracer.StartNodeSpan(ctx, nodeID, string(node.Kind), node.AlgorithmType)
	if err := ec.SetNodeStatus(nodeID, NodeStatusRunning); err != nil {
		telemetry.EndSpan(span, err)
		return err
	}

	start := time.Now()
	input := st.resolveInput(g, nodeID, primary)
	output, iterations, err := e.dispatch(ctx, ec, node, input, st)
	duration := time.Since(start)

	status := NodeStatusCompleted
	switch {
	case err == nil:
	case IsCancelled(err):
		status = NodeStatusSkipped
	default:
		status = NodeStatusFailed
	}

	st.mu.Lock()
	nr := st.results[nodeID]
	nr.Status = status
	nr.Output = output
	nr.StartedAt = start
	nr.Duration = duration
	nr.Iterations = iterations
	if err != nil {
		nr.Error = err.Error()
	}
	if status == NodeStatusCompleted {
		st.outputs[nodeID] = output
	}
	st.mu.Unlock()

	_ = ec.SetNodeStatus(nodeID, status)
	ec.RecordPath(nodeID, duration, status == NodeStatusCompleted)
	e.metrics.RecordNodeExecution(string(node.Kind), node.AlgorithmType, string(status), duration)

	switch status {
	case NodeStatusFailed:
		ec.Log(telemetry.EventLevelError, nodeID, err.Error())
		e.recordError(err)
	case NodeStatusSkipped:
		ec.Log(telemetry.EventLevelWarning, nodeID, "node stopped before completion")
	default:
		ec.Log(telemetry.EventLevelInfo, nodeID, fmt.Sprintf("completed in %s", duration))
	}
	telemetry.EndSpan(span, err)

	if IsDispatch(err) || IsStructural(err) {
		return err
	}
	return nil
}

// dispatch executes a node by kind and returns its output and, for sub-graph
// nodes, the number of iterations run.
func (e *Engine) dispatch(ctx context.Context, ec *ExecutionContext, node *graph.Node, input any, st *runState) (any, int, error) {
	switch node.Kind {
	case graph.NodeKindEntry, graph.NodeKindPlain, "":
		if node.Kind == graph.NodeKindEntry && node.AlgorithmType == "" {
			return input, 0, nil
		}
		params, err := e.resolveParams(ctx, node, st)
		if err != nil {
			return nil, 0, err
		}
		out, err := e.invokeProcessor(ctx, node, input, params)
		return out, 0, err

	case graph.NodeKindSubGraph:
		control := e.controlPlugin()
		if control == nil {
			return nil, 0, NewDispatchError("control plugin not loaded", nil).
				WithCode(ErrCodeControlPluginMissing).
				WithGraph(ec.GraphID()).
				WithNode(node.ID)
		}
		if node.SubGraph == nil || node.SubGraph.GraphID == "" {
			return nil, 0, NewNodeError("sub-graph node has no graph id", nil).
				WithCode(ErrCodeValidation).
				WithNode(node.ID)
		}

		ec.PushFrame(CallFrame{GraphID: node.SubGraph.GraphID, NodeID: node.ID, Input: input})
		res, err := control.ExecuteSubGraph(ctx, SubGraphRequest{
			Node:    node,
			Context: ec,
			Input:   input,
			Runner:  e,
		})
		ec.PopFrame(node.ID)

		var out any
		iterations := 0
		if res != nil {
			out = res.Output
			iterations = res.CurrentIteration
		}
		return out, iterations, wrapNodeError(err, node.ID)

	case graph.NodeKindConditional:
		control := e.controlPlugin()
		if control == nil {
			return nil, 0, NewDispatchError("control plugin not loaded", nil).
				WithCode(ErrCodeControlPluginMissing).
				WithGraph(ec.GraphID()).
				WithNode(node.ID)
		}
		res, err := control.EvaluateCondition(ctx, node, ec)
		if err != nil {
			return nil, 0, wrapNodeError(err, node.ID)
		}
		return res, 0, nil

	default:
		return nil, 0, NewDispatchError(fmt.Sprintf("unsupported node kind %q", node.Kind), nil).
			WithCode(ErrCodeUnsupportedNodeKind).
			WithGraph(ec.GraphID()).
			WithNode(node.ID)
	}
}

// wrapNodeError classifies unclassified errors as node failures.
func wrapNodeError(err error, nodeID string) error {
	if err == nil {
		return nil
	}
	if _, _, ok := classOf(err); ok {
		return err
	}
	return NewNodeError("node failed", err).WithCode(ErrCodeProcessingFailed).WithNode(nodeID)
}

// resolveParams applies bindings on a copy of the node's parameters.
func (e *Engine) resolveParams(ctx context.Context, node *graph.Node, st *runState) (graph.Params, error) {
	params := node.Params.Clone()
	if params == nil {
		params = make(graph.Params)
	}
	for _, b := range node.Bindings {
		source, ok := st.output(b.SourceNodeID)
		if !ok {
			return nil, NewNodeError(fmt.Sprintf("binding %s: source %s produced no output", b.Param, b.SourceNodeID), nil).
				WithCode(ErrCodeValidation).
				WithNode(node.ID)
		}
		v, err := e.bindings.Resolve(ctx, node, b, source)
		if err != nil {
			return nil, NewNodeError(fmt.Sprintf("binding %s", b.Param), err).
				WithCode(ErrCodeValidation).
				WithNode(node.ID)
		}
		params[b.Param] = v
	}
	return params, nil
}

// invokeProcessor calls the node's processor, bounded by the node timeout.
// The processor context is detached from run cancellation: Stop never
// interrupts a node that already started.
func (e *Engine) invokeProcessor(ctx context.Context, node *graph.Node, input any, params graph.Params) (any, error) {
	if e.processors == nil {
		return nil, NewNodeError("no processor registry configured", nil).
			WithCode(ErrCodeProcessorNotFound).
			WithNode(node.ID)
	}
	p, ok := e.processors.Lookup(node.AlgorithmType)
	if !ok {
		return nil, NewNodeError(fmt.Sprintf("no processor for algorithm %q", node.AlgorithmType), nil).
			WithCode(ErrCodeProcessorNotFound).
			WithNode(node.ID)
	}

	timeout := node.Timeout
	if timeout <= 0 {
		timeout = e.nodeTimeout
	}

	pctx := context.WithoutCancel(ctx)
	if timeout <= 0 {
		out, err := callProcessor(pctx, p, input, params)
		return out, wrapProcessingError(err, node.ID)
	}

	pctx, cancel := context.WithTimeout(pctx, timeout)
	defer cancel()

	type outcome struct {
		out any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := callProcessor(pctx, p, input, params)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		return o.out, wrapProcessingError(o.err, node.ID)
	case <-pctx.Done():
		return nil, NewNodeError(fmt.Sprintf("processing timed out after %s", timeout), pctx.Err()).
			WithCode(ErrCodeProcessingFailed).
			WithNode(node.ID)
	}
}

// callProcessor converts a processor panic into an error.
func callProcessor(ctx context.Context, p Processor, input any, params graph.Params) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return p.Process(ctx, input, params)
}

func wrapProcessingError(err error, nodeID string) error {
	if err == nil {
		return nil
	}
	return NewNodeError("processing failed", err).WithCode(ErrCodeProcessingFailed).WithNode(nodeID)
}
