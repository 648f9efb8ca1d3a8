package engine

import (
	"errors"
	"fmt"
)

// ErrorClass groups engine errors by how they propagate.
type ErrorClass string

const (
	// ErrorClassStructural covers graph shape problems (cycles, unknown ids).
	// The run never starts.
	ErrorClassStructural ErrorClass = "structural"

	// ErrorClassDispatch covers missing control plugins and unsupported node kinds.
	ErrorClassDispatch ErrorClass = "dispatch"

	// ErrorClassNode covers a processing stage that failed or panicked.
	// Recorded per node; the run fails once the group finishes.
	ErrorClassNode ErrorClass = "node"

	// ErrorClassQueue covers overflow drops. Counted, never escalated.
	ErrorClassQueue ErrorClass = "queue"

	// ErrorClassCancelled marks a user-initiated stop.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// GraphID is the graph being run, if applicable.
	GraphID string `json:"graph_id,omitempty"`

	// NodeID is the node that caused the error, if applicable.
	NodeID string `json:"node_id,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.GraphID != "" && e.NodeID != "":
		msg += fmt.Sprintf(" (graph=%s, node=%s)", e.GraphID, e.NodeID)
	case e.NodeID != "":
		msg += fmt.Sprintf(" (node=%s)", e.NodeID)
	case e.GraphID != "":
		msg += fmt.Sprintf(" (graph=%s)", e.GraphID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewStructuralError creates a new structural error.
func NewStructuralError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassStructural, Message: message, Err: err}
}

// NewDispatchError creates a new dispatch error.
func NewDispatchError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassDispatch, Message: message, Err: err}
}

// NewNodeError creates a new node-level error.
func NewNodeError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassNode, Message: message, Err: err}
}

// NewQueueError creates a new queue-level error.
func NewQueueError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassQueue, Message: message, Err: err}
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassCancelled, Message: message, Err: err, Code: ErrCodeRunStopped}
}

// WithGraph adds graph context to an error.
func (e *EngineError) WithGraph(graphID string) *EngineError {
	e.GraphID = graphID
	return e
}

// WithNode adds node context to an error.
func (e *EngineError) WithNode(nodeID string) *EngineError {
	e.NodeID = nodeID
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, string, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, e.Code, true
	}
	return "", "", false
}

// IsStructural returns true if the error is classified as structural.
func IsStructural(err error) bool {
	class, _, ok := classOf(err)
	return ok && class == ErrorClassStructural
}

// IsDispatch returns true if the error is classified as a dispatch error.
func IsDispatch(err error) bool {
	class, _, ok := classOf(err)
	return ok && class == ErrorClassDispatch
}

// IsNodeFailure returns true if the error is a node-level failure.
func IsNodeFailure(err error) bool {
	class, _, ok := classOf(err)
	return ok && class == ErrorClassNode
}

// IsCancelled returns true if the error marks a user-initiated stop.
func IsCancelled(err error) bool {
	class, _, ok := classOf(err)
	return ok && class == ErrorClassCancelled
}

// IsBusy returns true if the engine rejected a run because another is active.
func IsBusy(err error) bool {
	_, code, ok := classOf(err)
	return ok && code == ErrCodeEngineBusy
}

// HasCode returns true if err carries the given code.
func HasCode(err error, code string) bool {
	_, c, ok := classOf(err)
	return ok && c == code
}

// Error codes.
const (
	ErrCodeCycleDetected        = "CYCLE_DETECTED"
	ErrCodeUnknownGraph         = "UNKNOWN_GRAPH"
	ErrCodeUnknownNode          = "UNKNOWN_NODE"
	ErrCodeDuplicateGraph       = "DUPLICATE_GRAPH"
	ErrCodeEngineBusy           = "ENGINE_BUSY"
	ErrCodeControlPluginMissing = "CONTROL_PLUGIN_MISSING"
	ErrCodeUnsupportedNodeKind  = "UNSUPPORTED_NODE_KIND"
	ErrCodeProcessorNotFound    = "PROCESSOR_NOT_FOUND"
	ErrCodeProcessingFailed     = "PROCESSING_FAILED"
	ErrCodeMaxDepthExceeded     = "MAX_DEPTH_EXCEEDED"
	ErrCodeRunStopped           = "RUN_STOPPED"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
)
