// Package control provides the default control plugin: sub-graph repetition
// and condition evaluation for the engine.
package control

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/visionflow/visionflow/pkg/condition"
	"github.com/visionflow/visionflow/pkg/engine"
	"github.com/visionflow/visionflow/pkg/graph"
	"github.com/visionflow/visionflow/pkg/telemetry"
)

const (
	// DefaultMaxIterations caps condition loops that set no limit.
	DefaultMaxIterations = 1000

	// ItemVariable receives the current element in data loops.
	ItemVariable = "item"

	// IterationVariable is always set to the zero-based iteration index for
	// condition loop expressions.
	IterationVariable = "iteration"

	// LastOutputVariable holds the previous iteration's output for condition
	// loop expressions.
	LastOutputVariable = "last_output"
)

// Options configures a Plugin.
type Options struct {
	// Conditions evaluates branch and loop conditions. Defaults to condition.New.
	Conditions condition.Evaluator

	// ConditionTimeout bounds one expression evaluation when Conditions is nil.
	ConditionTimeout time.Duration

	// MaxIterations caps condition loops. Defaults to DefaultMaxIterations.
	MaxIterations int

	Logger *telemetry.Logger
}

// Plugin implements engine.ControlPlugin.
type Plugin struct {
	conditions    condition.Evaluator
	maxIterations int
	logger        *telemetry.Logger
}

var _ engine.ControlPlugin = (*Plugin)(nil)

// New creates the control plugin.
func New(opts Options) *Plugin {
	p := &Plugin{
		conditions:    opts.Conditions,
		maxIterations: opts.MaxIterations,
		logger:        opts.Logger,
	}
	if p.conditions == nil {
		p.conditions = condition.New(opts.ConditionTimeout)
	}
	if p.maxIterations <= 0 {
		p.maxIterations = DefaultMaxIterations
	}
	if p.logger == nil {
		p.logger = telemetry.NewNopLogger()
	}
	p.logger = p.logger.NewComponentLogger("control")
	return p
}

// ExecuteSubGraph runs the node's referenced graph according to its loop mode.
// The loop stops early when the run is cancelled or an iteration fails.
func (p *Plugin) ExecuteSubGraph(ctx context.Context, req engine.SubGraphRequest) (*engine.SubGraphResult, error) {
	spec := req.Node.SubGraph
	if spec == nil || spec.GraphID == "" {
		return nil, engine.NewNodeError("sub-graph node has no graph id", nil).
			WithCode(engine.ErrCodeValidation).
			WithNode(req.Node.ID)
	}

	res := &engine.SubGraphResult{}
	var err error
	switch spec.Loop {
	case "", graph.LoopNone:
		err = p.runCount(ctx, req, 1, res)
	case graph.LoopFixed:
		if spec.Count < 0 {
			return nil, engine.NewNodeError(fmt.Sprintf("invalid loop count %d", spec.Count), nil).
				WithCode(engine.ErrCodeValidation).
				WithNode(req.Node.ID)
		}
		err = p.runCount(ctx, req, spec.Count, res)
	case graph.LoopCondition:
		err = p.runWhile(ctx, req, res)
	case graph.LoopData:
		err = p.runData(ctx, req, res)
	default:
		return nil, engine.NewNodeError(fmt.Sprintf("invalid loop mode %q", spec.Loop), nil).
			WithCode(engine.ErrCodeValidation).
			WithNode(req.Node.ID)
	}
	if err != nil {
		return res, err
	}

	if spec.OutputVariable != "" {
		req.Context.SetVariable(spec.OutputVariable, res.Output)
	}
	return res, nil
}

func (p *Plugin) runCount(ctx context.Context, req engine.SubGraphRequest, count int, res *engine.SubGraphResult) error {
	for i := 0; i < count; i++ {
		run, err := p.iterate(ctx, req, i, count, req.Input, nil, res)
		if err != nil {
			return err
		}
		res.Output = run.FinalOutput()
	}
	return nil
}

func (p *Plugin) runWhile(ctx context.Context, req engine.SubGraphRequest, res *engine.SubGraphResult) error {
	spec := req.Node.SubGraph
	if strings.TrimSpace(spec.Condition) == "" {
		return engine.NewNodeError("condition loop has no condition", nil).
			WithCode(engine.ErrCodeValidation).
			WithNode(req.Node.ID)
	}

	limit := spec.MaxIterations
	if limit <= 0 {
		limit = p.maxIterations
	}

	for i := 0; ; i++ {
		if i >= limit {
			p.logger.WithNodeID(req.Node.ID).
				WithField("limit", limit).
				Warn("condition loop reached iteration limit")
			return nil
		}

		vars := req.Context.Variables()
		vars[IterationVariable] = i
		vars[LastOutputVariable] = res.Output
		ok, err := p.conditions.Truth(ctx, spec.Condition, vars)
		if err != nil {
			return engine.NewNodeError("loop condition", err).
				WithCode(engine.ErrCodeValidation).
				WithNode(req.Node.ID)
		}
		if !ok {
			return nil
		}

		run, err := p.iterate(ctx, req, i, 0, req.Input, nil, res)
		if err != nil {
			return err
		}
		res.Output = run.FinalOutput()
	}
}

func (p *Plugin) runData(ctx context.Context, req engine.SubGraphRequest, res *engine.SubGraphResult) error {
	spec := req.Node.SubGraph
	source := req.Input
	if spec.DataVariable != "" {
		v, ok := req.Context.GetVariable(spec.DataVariable)
		if !ok {
			return engine.NewNodeError(fmt.Sprintf("data variable %s is not set", spec.DataVariable), nil).
				WithCode(engine.ErrCodeValidation).
				WithNode(req.Node.ID)
		}
		source = v
	}

	items, err := toList(source)
	if err != nil {
		return engine.NewNodeError("data loop", err).
			WithCode(engine.ErrCodeValidation).
			WithNode(req.Node.ID)
	}

	outputs := make([]any, 0, len(items))
	res.Output = outputs
	for i, item := range items {
		run, err := p.iterate(ctx, req, i, len(items), item, item, res)
		if err != nil {
			return err
		}
		outputs = append(outputs, run.FinalOutput())
		res.Output = outputs
	}
	return nil
}

// iterate runs one iteration in a fresh child context. total is zero when
// the iteration count is not known up front.
func (p *Plugin) iterate(
	ctx context.Context,
	req engine.SubGraphRequest,
	i, total int,
	input, item any,
	res *engine.SubGraphResult,
) (*engine.RunResult, error) {
	spec := req.Node.SubGraph
	if req.Context.IsCancelled() {
		return nil, engine.NewCancelledError(fmt.Sprintf("loop stopped before iteration %d", i), nil).
			WithGraph(spec.GraphID).
			WithNode(req.Node.ID)
	}

	child := req.Context.CreateChildContext(spec.GraphID)
	defer child.Release()
	if spec.IterationVariable != "" {
		child.SetVariable(spec.IterationVariable, i)
	}
	if item != nil {
		child.SetVariable(ItemVariable, item)
	}

	run, err := req.Runner.RunSubGraph(ctx, spec.GraphID, input, child)
	if run != nil {
		res.Iterations = append(res.Iterations, run)
		res.CurrentIteration = i + 1
	}
	if err != nil {
		return nil, err
	}

	req.Context.ReportProgress(req.Node.ID, i+1, total)

	switch run.Status {
	case engine.RunStateCompleted:
		return run, nil
	case engine.RunStateStopped:
		return nil, engine.NewCancelledError(fmt.Sprintf("iteration %d stopped", i), nil).
			WithGraph(spec.GraphID).
			WithNode(req.Node.ID)
	default:
		return nil, engine.NewNodeError(
			fmt.Sprintf("iteration %d of %s failed: %s", i, spec.GraphID, strings.Join(run.Errors, "; ")), nil).
			WithCode(engine.ErrCodeProcessingFailed).
			WithGraph(spec.GraphID).
			WithNode(req.Node.ID)
	}
}

// EvaluateCondition evaluates a conditional node against the context variables.
func (p *Plugin) EvaluateCondition(ctx context.Context, node *graph.Node, ec *engine.ExecutionContext) (*engine.ConditionResult, error) {
	out, err := p.conditions.Evaluate(ctx, node.Condition, ec.Variables())
	if err != nil {
		return nil, engine.NewNodeError("condition evaluation failed", err).
			WithCode(engine.ErrCodeValidation).
			WithNode(node.ID)
	}

	p.logger.WithNodeID(node.ID).
		WithField("selected", out.Selected).
		WithField("branch", out.BranchID).
		Debug("condition evaluated")
	return &engine.ConditionResult{
		Selected: out.Selected,
		BranchID: out.BranchID,
		Value:    out.Value,
	}, nil
}

// toList accepts any slice or array.
func toList(v any) ([]any, error) {
	if list, ok := v.([]any); ok {
		return list, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
