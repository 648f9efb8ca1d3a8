package engine

import (
	"encoding/json"
	"fmt"
)

// RunState is the engine's run state machine.
//
//	Idle -> Running -> {Completed, Error, Stopped}
//	Running <-> Paused
type RunState string

const (
	RunStateIdle      RunState = "idle"
	RunStateRunning   RunState = "running"
	RunStatePaused    RunState = "paused"
	RunStateCompleted RunState = "completed"
	RunStateError     RunState = "error"
	RunStateStopped   RunState = "stopped"
)

// IsTerminal returns true if the state ends a run.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateError || s == RunStateStopped
}

// IsActive returns true if a run is in progress (running or paused).
func (s RunState) IsActive() bool {
	return s == RunStateRunning || s == RunStatePaused
}

// Validate checks if the run state is valid.
func (s RunState) Validate() error {
	switch s {
	case RunStateIdle, RunStateRunning, RunStatePaused,
		RunStateCompleted, RunStateError, RunStateStopped:
		return nil
	default:
		return fmt.Errorf("invalid run state: %s", s)
	}
}

// CanTransitionTo reports whether next is a legal successor of s.
// A terminal state may start a new run.
func (s RunState) CanTransitionTo(next RunState) bool {
	switch s {
	case RunStateIdle:
		return next == RunStateRunning
	case RunStateRunning:
		return next == RunStatePaused || next.IsTerminal()
	case RunStatePaused:
		return next == RunStateRunning || next == RunStateStopped
	case RunStateCompleted, RunStateError, RunStateStopped:
		return next == RunStateRunning || next == RunStateIdle
	default:
		return false
	}
}

// NodeStatus is the per-node execution status.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// IsTerminal returns true if the node status is final.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed || s == NodeStatusSkipped
}

// Validate checks if the node status is valid.
func (s NodeStatus) Validate() error {
	switch s {
	case NodeStatusPending, NodeStatusRunning, NodeStatusCompleted,
		NodeStatusFailed, NodeStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid node status: %s", s)
	}
}

// CanTransitionTo reports whether next follows s in
// Pending -> Running -> {Completed, Failed, Skipped}. Pending may also go
// straight to Skipped.
func (s NodeStatus) CanTransitionTo(next NodeStatus) bool {
	switch s {
	case NodeStatusPending:
		return next == NodeStatusRunning || next == NodeStatusSkipped
	case NodeStatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler for RunState.
func (s RunState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for RunState.
func (s *RunState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := RunState(str)
	if err := state.Validate(); err != nil {
		return err
	}
	*s = state
	return nil
}

// MarshalJSON implements json.Marshaler for NodeStatus.
func (s NodeStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for NodeStatus.
func (s *NodeStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := NodeStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}
