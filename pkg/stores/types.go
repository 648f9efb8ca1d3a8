package stores

import (
	"context"
	"time"

	"github.com/visionflow/visionflow/pkg/runner"
	"github.com/visionflow/visionflow/pkg/telemetry"
)

// Run is one recorded pipeline run.
type Run struct {
	ID          string        `json:"id"`
	GraphID     string        `json:"graph_id"`
	TriggerID   string        `json:"trigger_id,omitempty"`
	ItemID      string        `json:"item_id,omitempty"`
	Status      string        `json:"status"`
	Success     bool          `json:"success"`
	Error       *string       `json:"error,omitempty"`
	Errors      []string      `json:"errors,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	CreatedAt   time.Time     `json:"created_at"`
}

// NodeResult is the recorded outcome of one node within a run.
type NodeResult struct {
	ID         int64         `json:"id"`
	RunID      string        `json:"run_id"`
	NodeID     string        `json:"node_id"`
	Kind       string        `json:"kind"`
	Status     string        `json:"status"`
	Group      int           `json:"group"`
	Iterations int           `json:"iterations,omitempty"`
	Output     *string       `json:"output,omitempty"` // JSON blob, nil when not encodable
	Error      *string       `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// Event is a persisted telemetry event.
type Event struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	RunID     *string   `json:"run_id,omitempty"`
	GraphID   *string   `json:"graph_id,omitempty"`
	NodeID    *string   `json:"node_id,omitempty"`
	TriggerID *string   `json:"trigger_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	GraphID   string
	TriggerID string
	Status    string
	Limit     int
	Offset    int
}

// EventFilter narrows GetEvents. Nil fields match everything.
type EventFilter struct {
	RunID *string
	Type  *string
	Level *string
	Limit int
}

// GraphSummary aggregates the recorded runs of one graph.
type GraphSummary struct {
	GraphID         string        `json:"graph_id"`
	Total           int           `json:"total"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	AverageDuration time.Duration `json:"average_duration"`
	LastRunAt       time.Time     `json:"last_run_at"`
}

// Store defines the interface for the run-history layer.
type Store interface {
	runner.RunRecorder

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Runs
	CreateRun(ctx context.Context, run *Run, nodes []*NodeResult) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	ListNodeResults(ctx context.Context, runID string) ([]*NodeResult, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, before time.Time) (int64, error)
	Summarize(ctx context.Context) ([]GraphSummary, error)

	// Events
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
	EventSink(ctx context.Context) telemetry.EventSubscriber

	// Utility
	HealthCheck(ctx context.Context) error
}
