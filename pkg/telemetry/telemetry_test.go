package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventPublisher_SyncOrder(t *testing.T) {
	ep := NewSyncEventPublisher()
	defer ep.Shutdown(context.Background())

	var got []string
	ep.Subscribe(func(e Event) { got = append(got, e.RunID) }, nil)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, ep.Publish(Event{Type: EventTypeRunStarted, RunID: id}))
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestEventPublisher_DefaultsFields(t *testing.T) {
	ep := NewSyncEventPublisher()

	var got Event
	ep.Subscribe(func(e Event) { got = e }, nil)
	require.NoError(t, ep.Publish(Event{Type: EventTypeError}))

	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, EventLevelInfo, got.Level)
}

func TestEventPublisher_SubscribeChan(t *testing.T) {
	ep := NewSyncEventPublisher()

	ch, cancel := ep.SubscribeChan(FilterByGraphID("g1"))
	require.NoError(t, ep.Publish(Event{Type: EventTypeRunStarted, GraphID: "g2"}))
	require.NoError(t, ep.Publish(Event{Type: EventTypeRunStarted, GraphID: "g1"}))

	select {
	case e := <-ch:
		assert.Equal(t, "g1", e.GraphID)
	case <-time.After(time.Second):
		t.Fatal("expected an event on the channel")
	}

	cancel()
	_, open := <-ch
	assert.False(t, open, "channel should be closed after cancel")

	// Publishing after unsubscribe must not panic.
	require.NoError(t, ep.Publish(Event{Type: EventTypeRunStarted, GraphID: "g1"}))
}

func TestEventPublisher_Async(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16, MaxBatchSize: 4})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.NodeID)
		mu.Unlock()
	}, nil)

	for _, id := range []string{"n1", "n2", "n3"} {
		require.NoError(t, ep.Publish(Event{Type: EventTypeNodeStatusChanged, NodeID: id}))
	}
	require.NoError(t, ep.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"n1", "n2", "n3"}, got)
	assert.ErrorIs(t, ep.Publish(Event{Type: EventTypeError}), ErrPublisherStopped)
}

func TestEventPublisher_Nil(t *testing.T) {
	var ep *EventPublisher
	assert.NoError(t, ep.Publish(Event{Type: EventTypeError}))
	unsubscribe := ep.Subscribe(func(Event) {}, nil)
	unsubscribe()
	assert.NoError(t, ep.Shutdown(context.Background()))
}

func TestMetrics_Record(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	require.NoError(t, err)

	m.RecordRunStarted("inspect")
	m.RecordRunCompleted("inspect", "completed", 20*time.Millisecond)
	m.RecordQueueDropped("frames", "drop_newest")
	m.RecordQueueDropped("frames", "drop_newest")
	m.RecordTriggerFired("software")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsStarted.WithLabelValues("inspect")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeRuns))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.queueDropped.WithLabelValues("frames", "drop_newest")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "test_triggers_fired_total")
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	m.RecordRunStarted("x")
	m.SetQueueDepth("q", 3)
	assert.Nil(t, m.Registry())

	var nilMetrics *Metrics
	nilMetrics.RecordError("node", "PROCESSING_FAILED")
}

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("queue").WithGraphID("g1").Debug("dropped frame")

	out := buf.String()
	for _, want := range []string{`"component":"queue"`, `"graph_id":"g1"`, `"message":"dropped frame"`} {
		assert.True(t, strings.Contains(out, want), "expected %s in %s", want, out)
	}
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, ProductionConfig().Validate())

	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	assert.Error(t, cfg.Validate())
}

func TestTracer_Disabled(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: false}, "test", "dev", "test")
	require.NoError(t, err)

	ctx, span := tr.StartNodeSpan(context.Background(), "n1", "plain", "blur")
	EndSpan(span, nil)
	assert.Empty(t, TraceID(ctx))
	assert.NoError(t, tr.Shutdown(context.Background()))
}
