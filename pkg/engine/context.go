package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/visionflow/visionflow/pkg/telemetry"
)

// CallFrame records one sub-graph invocation on the call stack.
type CallFrame struct {
	GraphID   string     `json:"graph_id"`
	NodeID    string     `json:"node_id"`
	Depth     int        `json:"depth"`
	Input     any        `json:"-"`
	Output    any        `json:"-"`
	Status    NodeStatus `json:"status"`
	StartedAt time.Time  `json:"started_at"`
}

// LogEntry is one line of the execution log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	NodeID  string    `json:"node_id,omitempty"`
	Message string    `json:"message"`
}

// PathEntry records a finished node in execution order.
type PathEntry struct {
	NodeID    string        `json:"node_id"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// NodeState is the tracked status of one node with its timestamps.
type NodeState struct {
	Status    NodeStatus `json:"status"`
	StartedAt time.Time  `json:"started_at,omitempty"`
	EndedAt   time.Time  `json:"ended_at,omitempty"`
}

// StatusListener observes node status transitions.
type StatusListener func(ec *ExecutionContext, nodeID string, from, to NodeStatus)

// ProgressListener observes iteration progress reported by long-running nodes.
type ProgressListener func(ec *ExecutionContext, nodeID string, current, total int)

// ContextOption configures an ExecutionContext.
type ContextOption func(*ExecutionContext)

// WithLogger forwards execution log entries to logger.
func WithLogger(logger *telemetry.Logger) ContextOption {
	return func(ec *ExecutionContext) { ec.logger = logger }
}

// WithStatusListener registers a status listener.
func WithStatusListener(l StatusListener) ContextOption {
	return func(ec *ExecutionContext) { ec.onStatus = l }
}

// WithProgressListener registers a progress listener.
func WithProgressListener(l ProgressListener) ContextOption {
	return func(ec *ExecutionContext) { ec.onProgress = l }
}

// ExecutionContext is the mutable state of one run. It is owned by a single
// run and its sub-runs; sub-runs get a child context from CreateChildContext.
type ExecutionContext struct {
	runID   string
	graphID string

	mu        sync.RWMutex
	variables map[string]any
	metadata  map[string]any
	stack     []CallFrame
	baseDepth int
	status    map[string]*NodeState
	logs      []LogEntry
	path      []PathEntry

	ctx    context.Context
	cancel context.CancelFunc

	logger     *telemetry.Logger
	onStatus   StatusListener
	onProgress ProgressListener
}

// NewExecutionContext creates a context for one run. Cancelling parent also
// cancels the run.
func NewExecutionContext(parent context.Context, runID, graphID string, opts ...ContextOption) *ExecutionContext {
	ctx, cancel := context.WithCancel(parent)
	ec := &ExecutionContext{
		runID:     runID,
		graphID:   graphID,
		variables: make(map[string]any),
		metadata:  make(map[string]any),
		stack:     make([]CallFrame, 0),
		status:    make(map[string]*NodeState),
		logs:      make([]LogEntry, 0),
		path:      make([]PathEntry, 0),
		ctx:       ctx,
		cancel:    cancel,
		logger:    telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(ec)
	}
	if ec.logger == nil {
		ec.logger = telemetry.NewNopLogger()
	}
	return ec
}

// RunID returns the id of the run that owns this context.
func (ec *ExecutionContext) RunID() string { return ec.runID }

// GraphID returns the graph this context executes.
func (ec *ExecutionContext) GraphID() string { return ec.graphID }

// Context returns the run's cancellation context.
func (ec *ExecutionContext) Context() context.Context { return ec.ctx }

// Cancel requests cooperative cancellation of the run and its sub-runs.
func (ec *ExecutionContext) Cancel() { ec.cancel() }

// Release frees the context once its run has finished. The owner of a
// context, root or child, must call it; calling it more than once is safe.
// A released context reports itself cancelled but never affects its parent.
func (ec *ExecutionContext) Release() { ec.cancel() }

// IsCancelled reports whether cancellation was requested.
func (ec *ExecutionContext) IsCancelled() bool {
	return ec.ctx.Err() != nil
}

// Variables

// SetVariable sets a variable.
func (ec *ExecutionContext) SetVariable(name string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.variables[name] = value
}

// GetVariable returns a variable and whether it exists.
func (ec *ExecutionContext) GetVariable(name string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.variables[name]
	return v, ok
}

// HasVariable reports whether a variable exists.
func (ec *ExecutionContext) HasVariable(name string) bool {
	_, ok := ec.GetVariable(name)
	return ok
}

// RemoveVariable deletes a variable. Unknown names are ignored.
func (ec *ExecutionContext) RemoveVariable(name string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	delete(ec.variables, name)
}

// Variables returns a snapshot of all variables.
func (ec *ExecutionContext) Variables() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]any, len(ec.variables))
	for k, v := range ec.variables {
		out[k] = v
	}
	return out
}

// SetMetadata sets a metadata entry.
func (ec *ExecutionContext) SetMetadata(key string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.metadata[key] = value
}

// GetMetadata returns a metadata entry.
func (ec *ExecutionContext) GetMetadata(key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.metadata[key]
	return v, ok
}

// Call stack

// CallDepth is the nesting level of this context: 0 for a top-level run,
// parent level plus one for a child context.
func (ec *ExecutionContext) CallDepth() int {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.baseDepth
}

// Depth returns the nesting level plus the number of frames on this
// context's stack.
func (ec *ExecutionContext) Depth() int {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.baseDepth + len(ec.stack)
}

// PushFrame pushes an invocation frame and returns its depth.
func (ec *ExecutionContext) PushFrame(frame CallFrame) int {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	frame.Depth = ec.baseDepth + 1
	if frame.StartedAt.IsZero() {
		frame.StartedAt = time.Now()
	}
	if frame.Status == "" {
		frame.Status = NodeStatusRunning
	}
	ec.stack = append(ec.stack, frame)
	return frame.Depth
}

// PopFrame removes the topmost frame pushed for nodeID. Sibling sub-graph
// nodes in one group may push concurrently, so frames are matched by node.
func (ec *ExecutionContext) PopFrame(nodeID string) (CallFrame, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	for i := len(ec.stack) - 1; i >= 0; i-- {
		if ec.stack[i].NodeID == nodeID {
			frame := ec.stack[i]
			ec.stack = append(ec.stack[:i], ec.stack[i+1:]...)
			return frame, true
		}
	}
	return CallFrame{}, false
}

// CallStack returns a copy of the frames, bottom first.
func (ec *ExecutionContext) CallStack() []CallFrame {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return append([]CallFrame(nil), ec.stack...)
}

// CreateChildContext returns a context for a nested run of graphID. Variables
// and metadata are copied, the call stack starts empty one level deeper, and
// cancelling the parent cancels the child. The caller must Release the child
// when the nested run is done.
func (ec *ExecutionContext) CreateChildContext(graphID string) *ExecutionContext {
	ec.mu.RLock()
	variables := make(map[string]any, len(ec.variables))
	for k, v := range ec.variables {
		variables[k] = v
	}
	metadata := make(map[string]any, len(ec.metadata))
	for k, v := range ec.metadata {
		metadata[k] = v
	}
	depth := ec.baseDepth + 1
	ec.mu.RUnlock()

	ctx, cancel := context.WithCancel(ec.ctx)
	return &ExecutionContext{
		runID:      ec.runID,
		graphID:    graphID,
		variables:  variables,
		metadata:   metadata,
		stack:      make([]CallFrame, 0),
		baseDepth:  depth,
		status:     make(map[string]*NodeState),
		logs:       make([]LogEntry, 0),
		path:       make([]PathEntry, 0),
		ctx:        ctx,
		cancel:     cancel,
		logger:     ec.logger,
		onStatus:   ec.onStatus,
		onProgress: ec.onProgress,
	}
}

// Node status

// InitNodes sets every listed node to Pending.
func (ec *ExecutionContext) InitNodes(ids []string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for _, id := range ids {
		ec.status[id] = &NodeState{Status: NodeStatusPending}
	}
}

// SetNodeStatus moves a node to a new status, recording start and end times.
// Untracked nodes start from Pending.
func (ec *ExecutionContext) SetNodeStatus(nodeID string, next NodeStatus) error {
	ec.mu.Lock()
	state, ok := ec.status[nodeID]
	if !ok {
		state = &NodeState{Status: NodeStatusPending}
		ec.status[nodeID] = state
	}
	prev := state.Status
	if !prev.CanTransitionTo(next) {
		ec.mu.Unlock()
		return NewStructuralError(fmt.Sprintf("invalid status transition %s -> %s", prev, next), nil).
			WithCode(ErrCodeInvalidTransition).
			WithGraph(ec.graphID).
			WithNode(nodeID)
	}

	now := time.Now()
	state.Status = next
	if next == NodeStatusRunning {
		state.StartedAt = now
	}
	if next.IsTerminal() {
		state.EndedAt = now
	}
	listener := ec.onStatus
	ec.mu.Unlock()

	if listener != nil {
		listener(ec, nodeID, prev, next)
	}
	return nil
}

// NodeStatus returns the status of a node; untracked nodes report Pending.
func (ec *ExecutionContext) NodeStatus(nodeID string) NodeStatus {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	if state, ok := ec.status[nodeID]; ok {
		return state.Status
	}
	return NodeStatusPending
}

// NodeStates returns a snapshot of all tracked node states.
func (ec *ExecutionContext) NodeStates() map[string]NodeState {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]NodeState, len(ec.status))
	for id, s := range ec.status {
		out[id] = *s
	}
	return out
}

// Logging and diagnostics

// Log appends an entry to the execution log and forwards it to the logger.
func (ec *ExecutionContext) Log(level, nodeID, message string) {
	ec.mu.Lock()
	ec.logs = append(ec.logs, LogEntry{Time: time.Now(), Level: level, NodeID: nodeID, Message: message})
	ec.mu.Unlock()

	l := ec.logger
	if nodeID != "" {
		l = l.WithNodeID(nodeID)
	}
	switch level {
	case telemetry.EventLevelError:
		l.Error(message)
	case telemetry.EventLevelWarning:
		l.Warn(message)
	default:
		l.Debug(message)
	}
}

// Logs returns a copy of the execution log.
func (ec *ExecutionContext) Logs() []LogEntry {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return append([]LogEntry(nil), ec.logs...)
}

// RecordPath appends a finished node to the execution path.
func (ec *ExecutionContext) RecordPath(nodeID string, duration time.Duration, success bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.path = append(ec.path, PathEntry{
		NodeID:    nodeID,
		Duration:  duration,
		Success:   success,
		Timestamp: time.Now(),
	})
}

// Path returns a copy of the execution path.
func (ec *ExecutionContext) Path() []PathEntry {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return append([]PathEntry(nil), ec.path...)
}

// ReportProgress notifies the progress listener.
func (ec *ExecutionContext) ReportProgress(nodeID string, current, total int) {
	ec.logger.WithNodeID(nodeID).Debugf("progress %d/%d", current, total)
	if ec.onProgress != nil {
		ec.onProgress(ec, nodeID, current, total)
	}
}
