package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visionflow/visionflow/pkg/graph"
	"github.com/visionflow/visionflow/pkg/telemetry"
)

const (
	// DefaultMaxCallDepth bounds sub-graph nesting.
	DefaultMaxCallDepth = 16

	// InputVariable holds the run's primary input in the execution context.
	InputVariable = "input"
)

// Options configures an Engine. Every field is optional.
type Options struct {
	// Processors supplies plain-stage processing by algorithm type.
	Processors ProcessorRegistry

	// Control executes sub-graph and conditional nodes.
	Control ControlPlugin

	// Bindings resolves parameter bindings. Defaults to KeyBindingResolver.
	Bindings BindingResolver

	// MaxParallel bounds concurrent nodes within a group. Defaults to NumCPU.
	MaxParallel int

	// MaxCallDepth bounds sub-graph nesting. Defaults to DefaultMaxCallDepth.
	MaxCallDepth int

	// NodeTimeout bounds a processor call when the node sets no timeout.
	// Zero means no limit.
	NodeTimeout time.Duration

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher
}

// Engine runs graphs from a catalog, one top-level run at a time.
type Engine struct {
	catalog      *graph.Catalog
	processors   ProcessorRegistry
	bindings     BindingResolver
	maxParallel  int
	maxCallDepth int
	nodeTimeout  time.Duration

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	mu      sync.Mutex
	control ControlPlugin
	state   RunState
	current *ExecutionContext

	// resume is non-nil while paused and closed on resume.
	resume chan struct{}
}

// New creates an engine over the catalog.
func New(catalog *graph.Catalog, opts Options) (*Engine, error) {
	if catalog == nil {
		return nil, errors.New("engine: catalog is required")
	}

	e := &Engine{
		catalog:      catalog,
		processors:   opts.Processors,
		bindings:     opts.Bindings,
		maxParallel:  opts.MaxParallel,
		maxCallDepth: opts.MaxCallDepth,
		nodeTimeout:  opts.NodeTimeout,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		events:       opts.Events,
		control:      opts.Control,
		state:        RunStateIdle,
	}
	if e.bindings == nil {
		e.bindings = KeyBindingResolver{}
	}
	if e.maxParallel <= 0 {
		e.maxParallel = runtime.NumCPU()
	}
	if e.maxCallDepth <= 0 {
		e.maxCallDepth = DefaultMaxCallDepth
	}
	if e.logger == nil {
		e.logger = telemetry.NewNopLogger()
	}
	e.logger = e.logger.NewComponentLogger("engine")
	return e, nil
}

// Catalog returns the engine's graph catalog.
func (e *Engine) Catalog() *graph.Catalog { return e.catalog }

// SetControlPlugin installs or replaces the control plugin.
func (e *Engine) SetControlPlugin(p ControlPlugin) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.control = p
}

func (e *Engine) controlPlugin() ControlPlugin {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.control
}

// State returns the current run state.
func (e *Engine) State() RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CheckGraph looks a graph up and rejects it if it contains cycles.
func (e *Engine) CheckGraph(graphID string) (*graph.Graph, error) {
	g, ok := e.catalog.Get(graphID)
	if !ok {
		return nil, NewStructuralError("unknown graph", graph.ErrUnknownGraph).
			WithCode(ErrCodeUnknownGraph).
			WithGraph(graphID)
	}

	if cycles := g.DetectCycles(); len(cycles) > 0 {
		paths := make([]string, 0, len(cycles))
		for _, c := range cycles {
			paths = append(paths, graph.FormatCycle(c))
		}
		return nil, NewStructuralError("cycle detected: "+strings.Join(paths, "; "), nil).
			WithCode(ErrCodeCycleDetected).
			WithGraph(graphID).
			WithDetail("cycles", paths)
	}
	return g, nil
}

// ExecuteWorkflow runs a graph with the given primary input. A call while
// another run is active fails with ENGINE_BUSY. Structural errors are
// returned before anything runs. A dispatch error aborts the run after the
// current group and is returned together with the partial result. A stopped
// run returns a result with status Stopped and no error.
func (e *Engine) ExecuteWorkflow(ctx context.Context, graphID string, input any) (*RunResult, error) {
	e.mu.Lock()
	if e.state.IsActive() {
		e.mu.Unlock()
		return nil, NewDispatchError("engine is busy", nil).
			WithCode(ErrCodeEngineBusy).
			WithGraph(graphID)
	}

	g, err := e.CheckGraph(graphID)
	if err != nil {
		e.mu.Unlock()
		e.recordError(err)
		return nil, err
	}

	runID := uuid.New().String()
	spanCtx, span := e.tracer.StartRunSpan(ctx, runID, graphID)
	ec := NewExecutionContext(spanCtx, runID, graphID,
		WithLogger(e.logger.WithRunID(runID).WithGraphID(graphID)),
		WithStatusListener(e.publishNodeStatus),
	)
	e.state = RunStateRunning
	e.current = ec
	e.resume = nil
	e.mu.Unlock()

	ec.SetVariable(InputVariable, input)
	e.metrics.RecordRunStarted(graphID)
	e.logger.WithRunID(runID).WithGraphID(graphID).Info("run started")

	result, runErr := e.run(ec.Context(), ec, g, input)

	e.metrics.RecordRunCompleted(graphID, string(result.Status), result.Duration)
	if runErr != nil {
		e.recordError(runErr)
	}
	telemetry.EndSpan(span, runErr)

	e.mu.Lock()
	e.state = result.Status
	e.current = nil
	if e.resume != nil {
		close(e.resume)
		e.resume = nil
	}
	e.mu.Unlock()
	ec.Release()

	e.logger.WithRunID(runID).WithGraphID(graphID).
		WithField("status", result.Status).
		WithField("duration", result.Duration.String()).
		Info("run finished")
	return result, runErr
}

// RunSubGraph runs a referenced graph within ec, which is normally a child
// context created by the control plugin. It does not touch the engine state.
func (e *Engine) RunSubGraph(ctx context.Context, graphID string, input any, ec *ExecutionContext) (*RunResult, error) {
	if ec == nil {
		return nil, NewStructuralError("sub-graph run needs an execution context", nil).
			WithCode(ErrCodeValidation).
			WithGraph(graphID)
	}
	if depth := ec.CallDepth(); depth > e.maxCallDepth {
		return nil, NewStructuralError(fmt.Sprintf("call depth %d exceeds limit %d", depth, e.maxCallDepth), nil).
			WithCode(ErrCodeMaxDepthExceeded).
			WithGraph(graphID)
	}

	g, err := e.CheckGraph(graphID)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = ec.Context()
	}
	return e.run(ctx, ec, g, input)
}

// Pause suspends dispatch of new nodes. Nodes already running finish.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.CanTransitionTo(RunStatePaused) {
		return NewDispatchError(fmt.Sprintf("cannot pause from state %s", e.state), nil).
			WithCode(ErrCodeInvalidTransition)
	}
	e.state = RunStatePaused
	e.resume = make(chan struct{})
	e.logger.Info("run paused")
	return nil
}

// Resume continues a paused run.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != RunStatePaused {
		return NewDispatchError(fmt.Sprintf("cannot resume from state %s", e.state), nil).
			WithCode(ErrCodeInvalidTransition)
	}
	e.state = RunStateRunning
	if e.resume != nil {
		close(e.resume)
		e.resume = nil
	}
	e.logger.Info("run resumed")
	return nil
}

// Stop requests cancellation of the active run. Work not yet started is
// skipped; the run ends in state Stopped. Stop without an active run is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.IsActive() || e.current == nil {
		return
	}
	e.current.Cancel()
	e.logger.WithRunID(e.current.RunID()).Info("stop requested")
}

// waitIfPaused blocks while the engine is paused.
func (e *Engine) waitIfPaused(ctx context.Context) error {
	e.mu.Lock()
	ch := e.resume
	e.mu.Unlock()

	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) publishNodeStatus(ec *ExecutionContext, nodeID string, from, to NodeStatus) {
	level := telemetry.EventLevelInfo
	if to == NodeStatusFailed {
		level = telemetry.EventLevelError
	}
	_ = e.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeNodeStatusChanged,
		Source:  "engine",
		RunID:   ec.RunID(),
		GraphID: ec.GraphID(),
		NodeID:  nodeID,
		Level:   level,
		Message: fmt.Sprintf("node %s %s -> %s", nodeID, from, to),
		Data: map[string]interface{}{
			"from":  string(from),
			"to":    string(to),
			"depth": ec.CallDepth(),
		},
	})
}

func (e *Engine) recordError(err error) {
	var ee *EngineError
	if errors.As(err, &ee) {
		e.metrics.RecordError(string(ee.Class), ee.Code)
	}
}
