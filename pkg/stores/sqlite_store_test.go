package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/visionflow/visionflow/pkg/engine"
	"github.com/visionflow/visionflow/pkg/runner"
	"github.com/visionflow/visionflow/pkg/telemetry"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRecord(runID, graphID string, started time.Time, success bool) runner.RunRecord {
	status := engine.RunStateCompleted
	if !success {
		status = engine.RunStateError
	}
	rec := runner.RunRecord{
		RunID:       runID,
		GraphID:     graphID,
		TriggerID:   "camera-1",
		ItemID:      "item-" + runID,
		Status:      string(status),
		Success:     success,
		StartedAt:   started,
		CompletedAt: started.Add(20 * time.Millisecond),
		Duration:    20 * time.Millisecond,
		Result: &engine.RunResult{
			RunID:   runID,
			GraphID: graphID,
			Status:  status,
			Success: success,
			NodeResults: map[string]*engine.NodeResult{
				"capture": {
					NodeID: "capture", Kind: "plain", Status: engine.NodeStatusCompleted,
					Output: map[string]any{"width": 640}, Group: 0, StartedAt: started,
					Duration: 5 * time.Millisecond,
				},
				"threshold": {
					NodeID: "threshold", Kind: "plain", Status: engine.NodeStatusCompleted,
					Output: 0.5, Group: 1, StartedAt: started, Duration: 10 * time.Millisecond,
				},
			},
		},
	}
	if !success {
		rec.Error = "node threshold failed"
		rec.Result.Errors = []string{"node threshold failed"}
		rec.Result.NodeResults["threshold"].Status = engine.NodeStatusFailed
		rec.Result.NodeResults["threshold"].Error = "too dark"
		rec.Result.NodeResults["threshold"].Output = nil
	}
	return rec
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected an error for an empty path")
	}

	store, err := NewSQLiteStore(Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Fatal("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "node_results", "events"} {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration should be a no-op: %v", err)
	}
}

func TestRecordRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)

	if err := store.RecordRun(ctx, sampleRecord("run-001", "inspect", started, false)); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}

	run, err := store.GetRun(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.GraphID != "inspect" || run.TriggerID != "camera-1" || run.ItemID != "item-run-001" {
		t.Errorf("unexpected run identity: %+v", run)
	}
	if run.Success {
		t.Error("expected failed run")
	}
	if run.Status != string(engine.RunStateError) {
		t.Errorf("expected status error, got %s", run.Status)
	}
	if run.Error == nil || *run.Error != "node threshold failed" {
		t.Errorf("unexpected error: %v", run.Error)
	}
	if len(run.Errors) != 1 {
		t.Errorf("expected 1 run error, got %v", run.Errors)
	}
	if run.Duration != 20*time.Millisecond {
		t.Errorf("expected duration 20ms, got %s", run.Duration)
	}
	if !run.StartedAt.Equal(started) {
		t.Errorf("expected started %s, got %s", started, run.StartedAt)
	}

	nodes, err := store.ListNodeResults(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to list node results: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 node results, got %d", len(nodes))
	}
	if nodes[0].NodeID != "capture" || nodes[1].NodeID != "threshold" {
		t.Errorf("unexpected node order: %s, %s", nodes[0].NodeID, nodes[1].NodeID)
	}
	if nodes[0].Output == nil || *nodes[0].Output != `{"width":640}` {
		t.Errorf("unexpected capture output: %v", nodes[0].Output)
	}
	if nodes[1].Output != nil {
		t.Errorf("failed node should have no output, got %s", *nodes[1].Output)
	}
	if nodes[1].Error == nil || *nodes[1].Error != "too dark" {
		t.Errorf("unexpected node error: %v", nodes[1].Error)
	}
	if nodes[1].Status != string(engine.NodeStatusFailed) {
		t.Errorf("expected failed node status, got %s", nodes[1].Status)
	}
}

func TestRecordRun_WithoutResult(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := runner.RunRecord{
		GraphID:     "inspect",
		Status:      string(engine.RunStateError),
		Error:       "engine busy",
		StartedAt:   time.Now(),
		CompletedAt: time.Now(),
	}
	if err := store.RecordRun(ctx, rec); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}

	runs, err := store.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].ID == "" {
		t.Error("expected a generated run id")
	}
	if len(runs[0].Errors) != 0 {
		t.Errorf("expected no run errors, got %v", runs[0].Errors)
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	records := []runner.RunRecord{
		sampleRecord("run-1", "inspect", base, true),
		sampleRecord("run-2", "inspect", base.Add(time.Minute), false),
		sampleRecord("run-3", "measure", base.Add(2*time.Minute), true),
	}
	for _, rec := range records {
		if err := store.RecordRun(ctx, rec); err != nil {
			t.Fatalf("failed to record run: %v", err)
		}
	}

	all, err := store.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(all) != 3 || all[0].ID != "run-3" || all[2].ID != "run-1" {
		t.Errorf("expected newest first, got %d runs", len(all))
	}

	inspect, err := store.ListRuns(ctx, RunFilter{GraphID: "inspect"})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(inspect) != 2 {
		t.Errorf("expected 2 inspect runs, got %d", len(inspect))
	}

	failed, err := store.ListRuns(ctx, RunFilter{Status: string(engine.RunStateError)})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "run-2" {
		t.Errorf("expected run-2 as the only failed run")
	}

	page, err := store.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(page) != 1 || page[0].ID != "run-2" {
		t.Errorf("unexpected page")
	}
}

func TestDeleteAndPruneRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_ = store.RecordRun(ctx, sampleRecord("old", "inspect", now.Add(-48*time.Hour), true))
	_ = store.RecordRun(ctx, sampleRecord("new", "inspect", now, true))

	if err := store.DeleteRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	pruned, err := store.PruneRuns(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("failed to prune runs: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned run, got %d", pruned)
	}
	if _, err := store.GetRun(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected old run to be gone, got %v", err)
	}

	nodes, err := store.ListNodeResults(ctx, "old")
	if err != nil {
		t.Fatalf("failed to list node results: %v", err)
	}
	if len(nodes) != 0 {
		t.Errorf("expected node results to cascade, got %d", len(nodes))
	}

	if err := store.DeleteRun(ctx, "new"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
}

func TestSummarize(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	_ = store.RecordRun(ctx, sampleRecord("a", "inspect", base, true))
	_ = store.RecordRun(ctx, sampleRecord("b", "inspect", base.Add(time.Second), false))
	_ = store.RecordRun(ctx, sampleRecord("c", "measure", base, true))

	summaries, err := store.Summarize(ctx)
	if err != nil {
		t.Fatalf("failed to summarize: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}

	inspect := summaries[0]
	if inspect.GraphID != "inspect" || inspect.Total != 2 || inspect.Succeeded != 1 || inspect.Failed != 1 {
		t.Errorf("unexpected summary: %+v", inspect)
	}
	if inspect.AverageDuration != 20*time.Millisecond {
		t.Errorf("expected 20ms average, got %s", inspect.AverageDuration)
	}
	if !inspect.LastRunAt.Equal(base.Add(time.Second)) {
		t.Errorf("unexpected last run: %s", inspect.LastRunAt)
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	runID := "run-001"
	if err := store.AppendEvent(ctx, &Event{
		Type: telemetry.EventTypeRunStarted, Source: "runner", RunID: &runID,
		Level: telemetry.EventLevelInfo, Message: "started",
	}); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	publisher := telemetry.NewSyncEventPublisher()
	unsubscribe := publisher.Subscribe(store.EventSink(ctx), nil)
	defer unsubscribe()

	_ = publisher.Publish(telemetry.Event{
		Type:    telemetry.EventTypeNodeStatusChanged,
		Source:  "engine",
		RunID:   runID,
		NodeID:  "threshold",
		Level:   telemetry.EventLevelError,
		Message: "threshold failed",
		Data:    map[string]interface{}{"status": "failed"},
	})

	events, err := store.GetEvents(ctx, EventFilter{RunID: &runID})
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != telemetry.EventTypeNodeStatusChanged {
		t.Errorf("expected newest first, got %s", events[0].Type)
	}
	if events[0].NodeID == nil || *events[0].NodeID != "threshold" {
		t.Errorf("unexpected node id: %v", events[0].NodeID)
	}
	if events[0].Details == nil || *events[0].Details != `{"status":"failed"}` {
		t.Errorf("unexpected details: %v", events[0].Details)
	}
	if events[1].GraphID != nil {
		t.Errorf("expected empty graph id to be stored as NULL")
	}

	level := telemetry.EventLevelError
	errorsOnly, err := store.GetEvents(ctx, EventFilter{Level: &level})
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(errorsOnly) != 1 {
		t.Errorf("expected 1 error event, got %d", len(errorsOnly))
	}
}
