// Package telemetry provides observability for the pipeline scheduler.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event bus into one
// bundle that the engine, queue, trigger manager and runner share.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.StartMetricsServer(ctx)
//
// # Events
//
// The EventPublisher carries node.status_changed, run.started, run.completed,
// queue.status_changed and trigger.fired events. With EnableAsync unset,
// subscribers run on the publishing goroutine in subscription order. Channel
// subscriptions (SubscribeChan) never block the publisher; a full channel
// drops the event and increments Dropped.
//
// Every component accepts nil telemetry parts: a nil *Metrics, *Tracer or
// *EventPublisher is a no-op.
package telemetry
