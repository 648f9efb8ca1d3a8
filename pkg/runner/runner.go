// Package runner connects triggers to the engine: fired triggers are queued
// and a single background loop executes the bound graph for each of them.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/visionflow/visionflow/pkg/engine"
	"github.com/visionflow/visionflow/pkg/queue"
	"github.com/visionflow/visionflow/pkg/telemetry"
	"github.com/visionflow/visionflow/pkg/trigger"
)

const (
	// DefaultErrorCooldown is the pause after a failed iteration.
	DefaultErrorCooldown = 100 * time.Millisecond

	// DefaultStopTimeout bounds how long Stop waits for the loop to exit.
	DefaultStopTimeout = 5 * time.Second
)

// Executor runs a graph. *engine.Engine implements it.
type Executor interface {
	ExecuteWorkflow(ctx context.Context, graphID string, input any) (*engine.RunResult, error)
}

// TriggerSource delivers fired triggers. *trigger.Manager implements it.
type TriggerSource interface {
	Subscribe(cb trigger.Callback) (unsubscribe func())
}

// RunRecord is the history entry of one triggered run.
type RunRecord struct {
	RunID       string
	GraphID     string
	TriggerID   string
	ItemID      string
	Status      string
	Success     bool
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration

	// Result is nil when the engine rejected the run.
	Result *engine.RunResult
}

// RunRecorder persists run history.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// Options configures an EventDrivenRunner.
type Options struct {
	// GraphID is the graph executed for every work item.
	GraphID string

	Queue  *queue.Queue
	Engine Executor

	// Triggers, when set, feeds every fired trigger into Queue while the
	// runner is started.
	Triggers TriggerSource

	// Recorder, when set, receives every finished run.
	Recorder RunRecorder

	ErrorCooldown time.Duration
	StopTimeout   time.Duration

	Logger *telemetry.Logger
	Events *telemetry.EventPublisher
}

// Stats are the runner's running totals.
type Stats struct {
	Running         bool          `json:"running"`
	Total           uint64        `json:"total"`
	Succeeded       uint64        `json:"succeeded"`
	Failed          uint64        `json:"failed"`
	Dropped         uint64        `json:"dropped"`
	SuccessRate     float64       `json:"success_rate"`
	LastRunAt       time.Time     `json:"last_run_at,omitempty"`
	AverageDuration time.Duration `json:"average_duration"`
}

// EventDrivenRunner executes the bound graph for every queued trigger.
type EventDrivenRunner struct {
	queue    *queue.Queue
	engine   Executor
	triggers TriggerSource
	recorder RunRecorder
	cooldown time.Duration
	timeout  time.Duration
	logger   *telemetry.Logger
	events   *telemetry.EventPublisher

	mu          sync.Mutex
	graphID     string
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()

	statsMu       sync.Mutex
	stats         Stats
	totalDuration time.Duration
}

// New creates a runner.
func New(opts Options) (*EventDrivenRunner, error) {
	if opts.Queue == nil {
		return nil, errors.New("runner: queue is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("runner: engine is required")
	}

	r := &EventDrivenRunner{
		queue:    opts.Queue,
		engine:   opts.Engine,
		triggers: opts.Triggers,
		recorder: opts.Recorder,
		cooldown: opts.ErrorCooldown,
		timeout:  opts.StopTimeout,
		logger:   opts.Logger,
		events:   opts.Events,
		graphID:  opts.GraphID,
	}
	if r.cooldown <= 0 {
		r.cooldown = DefaultErrorCooldown
	}
	if r.timeout <= 0 {
		r.timeout = DefaultStopTimeout
	}
	if r.logger == nil {
		r.logger = telemetry.NewNopLogger()
	}
	r.logger = r.logger.NewComponentLogger("runner")
	return r, nil
}

// BindGraph changes the graph executed for subsequent items.
func (r *EventDrivenRunner) BindGraph(graphID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphID = graphID
}

// GraphID returns the bound graph.
func (r *EventDrivenRunner) GraphID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.graphID
}

// IsRunning reports whether the loop is active.
func (r *EventDrivenRunner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start subscribes to the trigger source and starts the loop. Starting a
// running runner does nothing.
func (r *EventDrivenRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true
	r.unsubscribe = func() {}
	if r.triggers != nil {
		r.unsubscribe = r.triggers.Subscribe(func(ev trigger.Event) {
			r.onTrigger(loopCtx, ev)
		})
	}

	go r.loop(loopCtx, r.done)

	r.logger.WithGraphID(r.graphID).Info("runner started")
	return nil
}

// Stop unsubscribes, cancels the loop and waits up to the stop timeout for
// it to exit. Stopping a stopped runner does nothing.
func (r *EventDrivenRunner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	unsubscribe, cancel, done := r.unsubscribe, r.cancel, r.done
	r.unsubscribe, r.cancel, r.done = nil, nil, nil
	r.mu.Unlock()

	unsubscribe()
	cancel()

	select {
	case <-done:
		r.logger.Info("runner stopped")
		return nil
	case <-time.After(r.timeout):
		return fmt.Errorf("runner did not stop within %s", r.timeout)
	}
}

// Submit queues a payload directly, bypassing the trigger source.
func (r *EventDrivenRunner) Submit(ctx context.Context, payload any, source string) bool {
	ok := r.queue.Enqueue(ctx, queue.NewWorkItem(payload, source))
	if !ok {
		r.statsMu.Lock()
		r.stats.Dropped++
		r.statsMu.Unlock()
	}
	return ok
}

func (r *EventDrivenRunner) onTrigger(ctx context.Context, ev trigger.Event) {
	if !r.Submit(ctx, ev, ev.TriggerID) {
		r.logger.WithTriggerID(ev.TriggerID).Warn("trigger dropped by queue")
	}
}

func (r *EventDrivenRunner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		item := r.queue.Dequeue(ctx)
		if item == nil {
			return
		}
		if err := r.process(ctx, item); err != nil {
			r.logger.WithError(err).Warn("run failed, cooling down")
			select {
			case <-time.After(r.cooldown):
			case <-ctx.Done():
				return
			}
		}
	}
}

// process runs the bound graph for one item and records the outcome.
func (r *EventDrivenRunner) process(ctx context.Context, item *queue.WorkItem) (err error) {
	graphID := r.GraphID()
	input, triggerID := unwrap(item)
	started := time.Now()
	var result *engine.RunResult

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("run panicked: %v", rec)
		}
		r.finish(ctx, item, graphID, triggerID, started, result, err)
	}()

	if graphID == "" {
		return errors.New("no graph bound")
	}

	_ = r.events.Publish(telemetry.Event{
		Type:      telemetry.EventTypeRunStarted,
		Source:    "runner",
		GraphID:   graphID,
		TriggerID: triggerID,
		Message:   fmt.Sprintf("run of %s started", graphID),
		Data: map[string]interface{}{
			"item_id":  item.ID,
			"sequence": item.Sequence,
			"waited":   started.Sub(item.EnqueuedAt).String(),
		},
	})

	result, err = r.engine.ExecuteWorkflow(ctx, graphID, input)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("run %s finished %s: %s", result.RunID, result.Status, strings.Join(result.Errors, "; "))
	}
	return nil
}

func (r *EventDrivenRunner) finish(
	ctx context.Context,
	item *queue.WorkItem,
	graphID, triggerID string,
	started time.Time,
	result *engine.RunResult,
	runErr error,
) {
	completed := time.Now()
	rec := RunRecord{
		GraphID:     graphID,
		TriggerID:   triggerID,
		ItemID:      item.ID,
		Status:      string(engine.RunStateError),
		Success:     runErr == nil,
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
		Result:      result,
	}
	if result != nil {
		rec.RunID = result.RunID
		rec.Status = string(result.Status)
		rec.Duration = result.Duration
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}

	r.statsMu.Lock()
	r.stats.Total++
	if rec.Success {
		r.stats.Succeeded++
	} else {
		r.stats.Failed++
	}
	r.stats.LastRunAt = completed
	r.totalDuration += rec.Duration
	r.statsMu.Unlock()

	level := telemetry.EventLevelInfo
	if !rec.Success {
		level = telemetry.EventLevelError
	}
	_ = r.events.Publish(telemetry.Event{
		Type:      telemetry.EventTypeRunCompleted,
		Source:    "runner",
		RunID:     rec.RunID,
		GraphID:   graphID,
		TriggerID: triggerID,
		Level:     level,
		Message:   fmt.Sprintf("run of %s finished %s", graphID, rec.Status),
		Data: map[string]interface{}{
			"item_id":     item.ID,
			"status":      rec.Status,
			"success":     rec.Success,
			"duration_ms": rec.Duration.Milliseconds(),
		},
		Payload: result,
	})

	if r.recorder != nil {
		recordCtx := context.WithoutCancel(ctx)
		if err := r.recorder.RecordRun(recordCtx, rec); err != nil {
			r.logger.WithError(err).WithRunID(rec.RunID).Error("failed to record run")
		}
	}
}

func unwrap(item *queue.WorkItem) (input any, triggerID string) {
	if ev, ok := item.Payload.(trigger.Event); ok {
		return ev.Payload, ev.TriggerID
	}
	return item.Payload, item.Source
}

// Stats returns the running totals.
func (r *EventDrivenRunner) Stats() Stats {
	r.statsMu.Lock()
	s := r.stats
	if s.Total > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Total)
		s.AverageDuration = r.totalDuration / time.Duration(s.Total)
	}
	r.statsMu.Unlock()

	s.Running = r.IsRunning()
	return s
}
