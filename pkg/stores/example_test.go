package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/visionflow/visionflow/pkg/runner"
	"github.com/visionflow/visionflow/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: stores.MemoryPath,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_RecordRun records a run the way the runner does and
// reads it back.
func ExampleSQLiteStore_RecordRun() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: stores.MemoryPath})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	now := time.Now()
	err := store.RecordRun(ctx, runner.RunRecord{
		RunID:       "run-001",
		GraphID:     "inspect-bottle-cap",
		TriggerID:   "conveyor-sensor",
		Status:      "completed",
		Success:     true,
		StartedAt:   now,
		CompletedAt: now.Add(35 * time.Millisecond),
		Duration:    35 * time.Millisecond,
	})
	if err != nil {
		log.Fatal(err)
	}

	runs, err := store.ListRuns(ctx, stores.RunFilter{GraphID: "inspect-bottle-cap"})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Run ID: %s, Trigger: %s, Status: %s\n", runs[0].ID, runs[0].TriggerID, runs[0].Status)
	// Output: Run ID: run-001, Trigger: conveyor-sensor, Status: completed
}
