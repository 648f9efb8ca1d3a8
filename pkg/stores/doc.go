// Package stores persists run history for visionflow.
// The SQLite store keeps runs, per-node results and telemetry events,
// applies its schema through embedded golang-migrate migrations and
// implements runner.RunRecorder.
package stores
