// Package queue provides a bounded, thread-safe work queue that decouples
// trigger arrival from pipeline execution. Overflow is handled by a policy
// chosen at construction.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visionflow/visionflow/pkg/telemetry"
)

// OverflowPolicy selects what Enqueue does when the queue is full.
type OverflowPolicy string

const (
	// DropNewest rejects the incoming item.
	DropNewest OverflowPolicy = "drop_newest"

	// DropOldest evicts the oldest queued item, then inserts.
	DropOldest OverflowPolicy = "drop_oldest"

	// Overwrite replaces the oldest item. It behaves exactly like DropOldest.
	Overwrite OverflowPolicy = "overwrite"

	// Block waits until a consumer frees a slot.
	Block OverflowPolicy = "block"
)

// Validate checks if the policy is valid.
func (p OverflowPolicy) Validate() error {
	switch p {
	case DropNewest, DropOldest, Overwrite, Block:
		return nil
	default:
		return fmt.Errorf("invalid overflow policy: %s", p)
	}
}

// WorkItem is one unit of work waiting for the runner.
type WorkItem struct {
	ID         string         `json:"id"`
	Payload    any            `json:"-"`
	Source     string         `json:"source,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	Sequence   uint64         `json:"sequence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewWorkItem creates a work item for payload.
func NewWorkItem(payload any, source string) *WorkItem {
	return &WorkItem{
		ID:       uuid.New().String(),
		Payload:  payload,
		Source:   source,
		Metadata: make(map[string]any),
	}
}

// Statistics is a consistent snapshot of the queue.
type Statistics struct {
	Name     string         `json:"name"`
	Policy   OverflowPolicy `json:"policy"`
	Capacity int            `json:"capacity"`
	Size     int            `json:"size"`
	IsFull   bool           `json:"is_full"`
	IsEmpty  bool           `json:"is_empty"`
	Enqueued uint64         `json:"enqueued"`
	Dequeued uint64         `json:"dequeued"`
	Dropped  uint64         `json:"dropped"`

	// DropRate is Dropped / (Enqueued + Dropped).
	DropRate float64 `json:"drop_rate"`
}

// Listener observes the queue after every mutating operation.
type Listener func(Statistics)

// Options configures a Queue.
type Options struct {
	Name     string
	Capacity int
	Policy   OverflowPolicy

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

// Queue is a bounded FIFO of work items.
type Queue struct {
	name     string
	capacity int
	policy   OverflowPolicy

	mu       sync.Mutex
	items    []*WorkItem
	seq      uint64
	enqueued uint64
	dequeued uint64
	dropped  uint64
	closed   bool

	// changed is closed and replaced on every mutation to wake waiters.
	changed chan struct{}

	listenerMu sync.RWMutex
	listeners  []Listener

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
}

// New creates a queue.
func New(opts Options) (*Queue, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", opts.Capacity)
	}
	if opts.Policy == "" {
		opts.Policy = DropOldest
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if opts.Name == "" {
		opts.Name = "work"
	}

	q := &Queue{
		name:     opts.Name,
		capacity: opts.Capacity,
		policy:   opts.Policy,
		items:    make([]*WorkItem, 0, opts.Capacity),
		changed:  make(chan struct{}),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		events:   opts.Events,
	}
	if q.logger == nil {
		q.logger = telemetry.NewNopLogger()
	}
	q.logger = q.logger.NewComponentLogger("queue").WithField("queue", q.name)
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Policy returns the overflow policy.
func (q *Queue) Policy() OverflowPolicy { return q.policy }

// Cap returns the capacity.
func (q *Queue) Cap() int { return q.capacity }

// AddListener registers a listener for status changes.
func (q *Queue) AddListener(l Listener) {
	q.listenerMu.Lock()
	defer q.listenerMu.Unlock()
	q.listeners = append(q.listeners, l)
}

// Enqueue adds an item and reports whether it was accepted. Only the Block
// policy waits; it gives up when ctx is done or the queue is closed.
func (q *Queue) Enqueue(ctx context.Context, item *WorkItem) bool {
	if item == nil {
		return false
	}

	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return false
		}
		if len(q.items) < q.capacity {
			break
		}

		switch q.policy {
		case DropNewest:
			q.dropped++
			stats := q.snapshotLocked()
			q.signalLocked()
			q.mu.Unlock()
			q.notifyDrop(stats, item, "queue full, item rejected")
			return false

		case DropOldest, Overwrite:
			evicted := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.dropped++
			stats := q.snapshotLocked()
			q.mu.Unlock()
			q.notifyDrop(stats, evicted, "queue full, oldest item evicted")
			q.mu.Lock()

		case Block:
			wait := q.changed
			q.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return false
			}
			q.mu.Lock()
		}
	}

	q.seq++
	item.Sequence = q.seq
	item.EnqueuedAt = time.Now()
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	q.items = append(q.items, item)
	q.enqueued++
	stats := q.snapshotLocked()
	q.signalLocked()
	q.mu.Unlock()

	q.metrics.RecordQueueEnqueued(q.name)
	q.notify(stats)
	return true
}

// Dequeue removes the oldest item, waiting until one is available. It
// returns nil when ctx is done or the queue is closed and empty.
func (q *Queue) Dequeue(ctx context.Context) *WorkItem {
	q.mu.Lock()
	for len(q.items) == 0 {
		if q.closed {
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil
		}
		q.mu.Lock()
	}

	item, stats := q.popLocked()
	q.mu.Unlock()

	q.notify(stats)
	return item
}

// TryDequeue removes the oldest item without waiting.
func (q *Queue) TryDequeue() (*WorkItem, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	item, stats := q.popLocked()
	q.mu.Unlock()

	q.notify(stats)
	return item, true
}

// TryPeek returns the oldest item without removing it.
func (q *Queue) TryPeek() (*WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsFull reports whether the queue is at capacity.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) >= q.capacity
}

// IsEmpty reports whether the queue holds no items.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Clear drops every queued item and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := len(q.items)
	if n == 0 {
		q.mu.Unlock()
		return 0
	}
	q.items = make([]*WorkItem, 0, q.capacity)
	q.dropped += uint64(n)
	stats := q.snapshotLocked()
	q.signalLocked()
	q.mu.Unlock()

	for i := 0; i < n; i++ {
		q.metrics.RecordQueueDropped(q.name, "clear")
	}
	q.logger.WithField("count", n).Info("queue cleared")
	q.notify(stats)
	return n
}

// Close wakes all waiters. Enqueue fails afterwards; Dequeue drains what is
// left and then returns nil.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.signalLocked()
	q.mu.Unlock()
}

// GetStatistics returns a snapshot of the queue.
func (q *Queue) GetStatistics() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) popLocked() (*WorkItem, Statistics) {
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.dequeued++
	stats := q.snapshotLocked()
	q.signalLocked()
	return item, stats
}

func (q *Queue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) snapshotLocked() Statistics {
	s := Statistics{
		Name:     q.name,
		Policy:   q.policy,
		Capacity: q.capacity,
		Size:     len(q.items),
		IsFull:   len(q.items) >= q.capacity,
		IsEmpty:  len(q.items) == 0,
		Enqueued: q.enqueued,
		Dequeued: q.dequeued,
		Dropped:  q.dropped,
	}
	if total := q.enqueued + q.dropped; total > 0 {
		s.DropRate = float64(q.dropped) / float64(total)
	}
	return s
}

func (q *Queue) notify(stats Statistics) {
	q.metrics.SetQueueDepth(q.name, stats.Size)

	q.listenerMu.RLock()
	listeners := append([]Listener(nil), q.listeners...)
	q.listenerMu.RUnlock()
	for _, l := range listeners {
		l(stats)
	}

	_ = q.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeQueueStatusChanged,
		Source:  "queue",
		Level:   telemetry.EventLevelInfo,
		Message: fmt.Sprintf("queue %s size %d/%d", q.name, stats.Size, stats.Capacity),
		Data:    stats.fields(),
	})
}

func (q *Queue) notifyDrop(stats Statistics, item *WorkItem, msg string) {
	q.metrics.RecordQueueDropped(q.name, string(q.policy))
	q.logger.WithField("item_id", item.ID).
		WithField("dropped", stats.Dropped).
		Warn(msg)

	data := stats.fields()
	data["item_id"] = item.ID
	_ = q.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeQueueStatusChanged,
		Source:  "queue",
		Level:   telemetry.EventLevelWarning,
		Message: msg,
		Data:    data,
	})
	q.notify(stats)
}

func (s Statistics) fields() map[string]interface{} {
	return map[string]interface{}{
		"queue":     s.Name,
		"policy":    string(s.Policy),
		"capacity":  s.Capacity,
		"size":      s.Size,
		"is_full":   s.IsFull,
		"is_empty":  s.IsEmpty,
		"enqueued":  s.Enqueued,
		"dequeued":  s.Dequeued,
		"dropped":   s.Dropped,
		"drop_rate": s.DropRate,
	}
}
