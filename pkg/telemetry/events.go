package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is a notification published on the scheduler's event bus.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the publishing component (engine, queue, trigger, runner).
	Source string `json:"source"`

	RunID     string `json:"run_id,omitempty"`
	GraphID   string `json:"graph_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
	TriggerID string `json:"trigger_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`

	// Payload carries a typed in-process value, such as a trigger event.
	Payload interface{} `json:"-"`
}

// Event types.
const (
	EventTypeRunStarted         = "run.started"
	EventTypeRunCompleted       = "run.completed"
	EventTypeNodeStatusChanged  = "node.status_changed"
	EventTypeQueueStatusChanged = "queue.status_changed"
	EventTypeTriggerFired       = "trigger.fired"
	EventTypeError              = "error"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherStopped is returned when publishing after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// ErrBufferFull is returned when the async buffer cannot take another event.
var ErrBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber is a function that handles events. Subscribers run on the
// delivering goroutine and must not block.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions. A nil publisher
// accepts and discards every event.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	nextID      uint64
	dropped     atomic.Int64
	stopped     atomic.Bool
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	id         uint64
	subscriber EventSubscriber
	filter     EventFilter
	ch         *chanSub
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config:      cfg,
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}
	if !cfg.Enabled {
		return ep, nil
	}

	if cfg.EnableAsync {
		if cfg.BufferSize <= 0 {
			cancel()
			return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
		}
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// NewSyncEventPublisher returns an enabled publisher that delivers on the
// publishing goroutine.
func NewSyncEventPublisher() *EventPublisher {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, SubscriberBufferSize: 256})
	return ep
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	if ep.stopped.Load() {
		return ErrPublisherStopped
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return ErrPublisherStopped
		default:
			ep.dropped.Add(1)
			return ErrBufferFull
		}
	}

	ep.deliverEvent(event)
	return nil
}

// Subscribe adds a callback subscriber and returns a function that removes it.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) (unsubscribe func()) {
	if ep == nil {
		return func() {}
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.nextID++
	id := ep.nextID
	ep.subscribers = append(ep.subscribers, subscriberEntry{
		id:         id,
		subscriber: subscriber,
		filter:     filter,
	})
	return func() { ep.unsubscribe(id) }
}

// SubscribeChan returns a buffered channel receiving matching events. Events
// are dropped when the channel is full. The returned function unsubscribes
// and closes the channel.
func (ep *EventPublisher) SubscribeChan(filter EventFilter) (<-chan Event, func()) {
	size := 256
	if ep != nil && ep.config.SubscriberBufferSize > 0 {
		size = ep.config.SubscriberBufferSize
	}
	sub := &chanSub{ch: make(chan Event, size)}
	if ep == nil {
		return sub.ch, sub.close
	}

	ep.mu.Lock()
	ep.nextID++
	id := ep.nextID
	ep.subscribers = append(ep.subscribers, subscriberEntry{id: id, filter: filter, ch: sub})
	ep.mu.Unlock()

	return sub.ch, func() {
		ep.unsubscribe(id)
		sub.close()
	}
}

func (ep *EventPublisher) unsubscribe(id uint64) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	for i, entry := range ep.subscribers {
		if entry.id == id {
			ep.subscribers = append(ep.subscribers[:i], ep.subscribers[i+1:]...)
			return
		}
	}
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.filters = append(ep.filters, filter)
}

// Dropped returns the number of events dropped because a buffer was full.
func (ep *EventPublisher) Dropped() int64 {
	if ep == nil {
		return 0
	}
	return ep.dropped.Load()
}

// processEvents delivers buffered events in batches.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batchSize := ep.config.MaxBatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	batch := make([]Event, 0, batchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			// Drain whatever is already queued up to the batch size.
			for len(batch) < batchSize && len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			ep.flushBatch(batch)
			batch = batch[:0]

		case <-ep.ctx.Done():
			for len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			ep.flushBatch(batch)
			return
		}
	}
}

func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers in subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := make([]subscriberEntry, len(ep.subscribers))
	copy(entries, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		if entry.ch != nil {
			if !entry.ch.send(event) {
				ep.dropped.Add(1)
			}
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher, delivering any buffered events first.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.stopped.CompareAndSwap(false, true) {
		return nil
	}
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}

	ep.mu.Lock()
	for _, entry := range ep.subscribers {
		if entry.ch != nil {
			entry.ch.close()
		}
	}
	ep.subscribers = nil
	ep.mu.Unlock()
	return nil
}

// chanSub is a channel subscription guarded against send-after-close.
type chanSub struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *chanSub) send(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

func (s *chanSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// FilterByGraphID creates a filter that only allows events for a specific graph.
func FilterByGraphID(graphID string) EventFilter {
	return func(event Event) bool {
		return event.GraphID == graphID
	}
}
