package engine

import (
	"sort"
	"time"
)

// NodeResult is the outcome of one node in a run.
type NodeResult struct {
	NodeID    string        `json:"node_id"`
	Kind      string        `json:"kind"`
	Status    NodeStatus    `json:"status"`
	Output    any           `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Group     int           `json:"group"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Iterations is set for sub-graph nodes.
	Iterations int `json:"iterations,omitempty"`
}

// Succeeded reports whether the node completed without error.
func (r *NodeResult) Succeeded() bool {
	return r.Status == NodeStatusCompleted
}

// GroupResult summarizes one parallel group.
type GroupResult struct {
	Index    int           `json:"index"`
	NodeIDs  []string      `json:"node_ids"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// RunResult is the outcome of one run of a graph.
type RunResult struct {
	RunID   string   `json:"run_id"`
	GraphID string   `json:"graph_id"`
	Status  RunState `json:"status"`

	// Success is true iff every executed node succeeded and the run was not stopped.
	Success bool     `json:"success"`
	Errors  []string `json:"errors,omitempty"`

	// NodeResults holds every enabled node, including skipped ones.
	NodeResults map[string]*NodeResult `json:"node_results"`

	// Outputs maps node ids to produced outputs.
	Outputs map[string]any `json:"-"`

	// FinalOutputs are the outputs of the most recently completed group.
	FinalOutputs map[string]any `json:"-"`

	Groups []GroupResult `json:"groups"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// FinalOutput returns the single final output when the last completed group
// had exactly one output, or the FinalOutputs map otherwise.
func (r *RunResult) FinalOutput() any {
	if len(r.FinalOutputs) == 1 {
		for _, v := range r.FinalOutputs {
			return v
		}
	}
	return r.FinalOutputs
}

// FailedNodes returns the ids of failed nodes in sorted order.
func (r *RunResult) FailedNodes() []string {
	ids := make([]string, 0)
	for id, nr := range r.NodeResults {
		if nr.Status == NodeStatusFailed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
