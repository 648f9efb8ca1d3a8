package telemetry_test

import (
	"context"
	"fmt"

	"github.com/visionflow/visionflow/pkg/telemetry"
)

// Example_eventPublishing shows synchronous delivery to a filtered subscriber.
func Example_eventPublishing() {
	events := telemetry.NewSyncEventPublisher()
	defer events.Shutdown(context.Background())

	unsubscribe := events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.TriggerID)
	}, telemetry.FilterByType(telemetry.EventTypeTriggerFired))

	_ = events.Publish(telemetry.Event{Type: telemetry.EventTypeRunStarted, RunID: "r1"})
	_ = events.Publish(telemetry.Event{Type: telemetry.EventTypeTriggerFired, TriggerID: "cam-1"})

	unsubscribe()
	_ = events.Publish(telemetry.Event{Type: telemetry.EventTypeTriggerFired, TriggerID: "cam-2"})

	// Output:
	// trigger.fired cam-1
}

// Example_componentLogger shows a component logger with pipeline fields.
func Example_componentLogger() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Format = "json"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	logger := tel.Logger.NewComponentLogger("engine").
		WithGraphID("inspect").
		WithRunID("run-1")
	logger.Debug("group started")
}
