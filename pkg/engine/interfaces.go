package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/visionflow/visionflow/pkg/graph"
)

// Processor is the processing contract of a plain stage: given an input and
// resolved parameters, produce an output or fail. Implementations come from
// an external algorithm registry.
type Processor interface {
	Process(ctx context.Context, input any, params graph.Params) (any, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, input any, params graph.Params) (any, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, input any, params graph.Params) (any, error) {
	return f(ctx, input, params)
}

// ProcessorRegistry looks processors up by algorithm type.
type ProcessorRegistry interface {
	Lookup(algorithmType string) (Processor, bool)
}

// MapRegistry is an in-memory ProcessorRegistry.
type MapRegistry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

// NewMapRegistry creates an empty registry.
func NewMapRegistry() *MapRegistry {
	return &MapRegistry{processors: make(map[string]Processor)}
}

// Register adds or replaces the processor for an algorithm type.
func (r *MapRegistry) Register(algorithmType string, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[algorithmType] = p
}

// RegisterFunc registers a function as a processor.
func (r *MapRegistry) RegisterFunc(algorithmType string, fn func(ctx context.Context, input any, params graph.Params) (any, error)) {
	r.Register(algorithmType, ProcessorFunc(fn))
}

// Lookup implements ProcessorRegistry.
func (r *MapRegistry) Lookup(algorithmType string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[algorithmType]
	return p, ok
}

// Names returns the registered algorithm types in sorted order.
func (r *MapRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.processors))
	for name := range r.processors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SubGraphRunner runs a referenced graph within an existing context. The
// engine implements it; control plugins receive it in SubGraphRequest.
type SubGraphRunner interface {
	RunSubGraph(ctx context.Context, graphID string, input any, ec *ExecutionContext) (*RunResult, error)
}

// SubGraphRequest is the input to ControlPlugin.ExecuteSubGraph.
type SubGraphRequest struct {
	Node    *graph.Node
	Context *ExecutionContext
	Input   any
	Runner  SubGraphRunner
}

// SubGraphResult is the outcome of a sub-graph node.
type SubGraphResult struct {
	// Output is the node's output: the last iteration's result, or the list
	// of per-element results for data loops.
	Output any

	// CurrentIteration is the number of iterations that ran.
	CurrentIteration int

	// Iterations holds each iteration's run result.
	Iterations []*RunResult
}

// ConditionResult is the outcome of a conditional node. The engine does not
// redirect control flow; the host interprets the selected branch.
type ConditionResult struct {
	Selected bool   `json:"selected"`
	BranchID string `json:"branch_id,omitempty"`
	Value    any    `json:"value,omitempty"`
}

// ControlPlugin executes sub-graph and conditional nodes.
type ControlPlugin interface {
	ExecuteSubGraph(ctx context.Context, req SubGraphRequest) (*SubGraphResult, error)
	EvaluateCondition(ctx context.Context, node *graph.Node, ec *ExecutionContext) (*ConditionResult, error)
}

// BindingResolver resolves a parameter binding against the source node's output.
type BindingResolver interface {
	Resolve(ctx context.Context, node *graph.Node, binding graph.ParamBinding, source any) (graph.ParamValue, error)
}

// KeyBindingResolver is the default BindingResolver: an empty SourceKey binds
// the whole output, otherwise the key is read from a map-shaped output.
type KeyBindingResolver struct{}

// Resolve implements BindingResolver.
func (KeyBindingResolver) Resolve(_ context.Context, _ *graph.Node, binding graph.ParamBinding, source any) (graph.ParamValue, error) {
	if binding.SourceKey == "" {
		return graph.FromInterface(source)
	}
	switch m := source.(type) {
	case map[string]any:
		v, ok := m[binding.SourceKey]
		if !ok {
			return graph.ParamValue{}, fmt.Errorf("output of %s has no key %q", binding.SourceNodeID, binding.SourceKey)
		}
		return graph.FromInterface(v)
	case graph.Params:
		v, ok := m[binding.SourceKey]
		if !ok {
			return graph.ParamValue{}, fmt.Errorf("output of %s has no key %q", binding.SourceNodeID, binding.SourceKey)
		}
		return v, nil
	default:
		return graph.ParamValue{}, fmt.Errorf("output of %s is %T, not a keyed map", binding.SourceNodeID, source)
	}
}
