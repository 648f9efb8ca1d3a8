// Package trigger manages hardware, software and timer triggers and raises a
// uniform trigger-fired notification for each of them.
package trigger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/visionflow/visionflow/pkg/telemetry"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a standard five-field cron expression or a descriptor
// such as "@every 5s".
func ParseCron(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}
	schedule, err := cronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// Options configures a Manager.
type Options struct {
	// Callback is invoked for every fired trigger.
	Callback Callback

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

type state struct {
	kind      Kind
	enabled   bool
	fireCount uint64
	lastFired time.Time
}

type hardwareEntry struct {
	state
	cfg   HardwareConfig
	level int
	known bool
}

type softwareEntry struct {
	state
	cfg SoftwareConfig
}

type timerEntry struct {
	state
	cfg      TimerConfig
	schedule cron.Schedule
	cancel   context.CancelFunc
	done     chan struct{}
}

type callbackEntry struct {
	id uint64
	cb Callback
}

// Manager holds the three trigger registries.
type Manager struct {
	mu        sync.Mutex
	hardware  map[string]*hardwareEntry
	software  map[string]*softwareEntry
	timers    map[string]*timerEntry
	callbacks []callbackEntry
	nextCB    uint64

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
}

// NewManager creates an empty trigger manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		hardware: make(map[string]*hardwareEntry),
		software: make(map[string]*softwareEntry),
		timers:   make(map[string]*timerEntry),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		events:   opts.Events,
	}
	if opts.Callback != nil {
		m.Subscribe(opts.Callback)
	}
	if m.logger == nil {
		m.logger = telemetry.NewNopLogger()
	}
	m.logger = m.logger.NewComponentLogger("trigger")
	return m
}

// OnTrigger adds a callback for fired triggers.
func (m *Manager) OnTrigger(cb Callback) {
	m.Subscribe(cb)
}

// Subscribe adds a callback for fired triggers and returns a func that
// removes it. Callbacks run on the firing goroutine, in subscription order.
func (m *Manager) Subscribe(cb Callback) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCB++
	id := m.nextCB
	m.callbacks = append(m.callbacks, callbackEntry{id: id, cb: cb})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, e := range m.callbacks {
				if e.id == id {
					m.callbacks = append(m.callbacks[:i:i], m.callbacks[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *Manager) existsLocked(id string) bool {
	_, hw := m.hardware[id]
	_, sw := m.software[id]
	_, tm := m.timers[id]
	return hw || sw || tm
}

// RegisterHardwareTrigger adds a hardware trigger. Edge defaults to rising.
func (m *Manager) RegisterHardwareTrigger(cfg HardwareConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("hardware trigger id is required")
	}
	if cfg.Edge == "" {
		cfg.Edge = EdgeRising
	}
	if err := cfg.Edge.Validate(); err != nil {
		return fmt.Errorf("hardware trigger %s: %w", cfg.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsLocked(cfg.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicateTrigger, cfg.ID)
	}
	m.hardware[cfg.ID] = &hardwareEntry{
		state: state{kind: KindHardware, enabled: !cfg.Disabled},
		cfg:   cfg,
	}
	return nil
}

// RegisterSoftwareTrigger adds a software trigger.
func (m *Manager) RegisterSoftwareTrigger(cfg SoftwareConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("software trigger id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsLocked(cfg.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicateTrigger, cfg.ID)
	}
	m.software[cfg.ID] = &softwareEntry{
		state: state{kind: KindSoftware, enabled: !cfg.Disabled},
		cfg:   cfg,
	}
	return nil
}

// RegisterTimerTrigger adds a timer trigger. It needs a positive interval
// or a valid cron expression.
func (m *Manager) RegisterTimerTrigger(cfg TimerConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("timer trigger id is required")
	}

	var schedule cron.Schedule
	switch {
	case cfg.Cron != "":
		s, err := ParseCron(cfg.Cron)
		if err != nil {
			return fmt.Errorf("timer trigger %s: %w", cfg.ID, err)
		}
		schedule = s
	case cfg.Interval <= 0:
		return fmt.Errorf("timer trigger %s: interval must be positive", cfg.ID)
	}
	if cfg.InitialDelay < 0 {
		return fmt.Errorf("timer trigger %s: initial delay must not be negative", cfg.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsLocked(cfg.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicateTrigger, cfg.ID)
	}
	m.timers[cfg.ID] = &timerEntry{
		state:    state{kind: KindTimer, enabled: !cfg.Disabled},
		cfg:      cfg,
		schedule: schedule,
	}
	return nil
}

// Unregister removes a trigger from whichever registry holds it, stopping
// a running timer first.
func (m *Manager) Unregister(id string) bool {
	m.StopTimer(id)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.existsLocked(id) {
		return false
	}
	delete(m.hardware, id)
	delete(m.software, id)
	delete(m.timers, id)
	return true
}

// Enable enables a trigger.
func (m *Manager) Enable(id string) error { return m.setEnabled(id, true) }

// Disable disables a trigger. A disabled timer keeps running but does not fire.
func (m *Manager) Disable(id string) error { return m.setEnabled(id, false) }

func (m *Manager) setEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(id)
	if st == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTrigger, id)
	}
	st.enabled = enabled
	return nil
}

func (m *Manager) stateLocked(id string) *state {
	if e, ok := m.hardware[id]; ok {
		return &e.state
	}
	if e, ok := m.software[id]; ok {
		return &e.state
	}
	if e, ok := m.timers[id]; ok {
		return &e.state
	}
	return nil
}

// FireHardwareTrigger fires a hardware trigger unless it is inside its
// debounce window.
func (m *Manager) FireHardwareTrigger(id string, payload any) error {
	m.mu.Lock()
	e, ok := m.hardware[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: hardware %s", ErrUnknownTrigger, id)
	}
	if !e.enabled {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTriggerDisabled, id)
	}
	now := time.Now()
	if e.cfg.Debounce > 0 && !e.lastFired.IsZero() && now.Sub(e.lastFired) < e.cfg.Debounce {
		m.mu.Unlock()
		return ErrDebounced
	}
	source := fmt.Sprintf("pin:%d", e.cfg.Pin)
	ev := m.recordLocked(&e.state, id, source, payload, now)
	m.mu.Unlock()

	m.dispatch(ev)
	return nil
}

// SignalLevel reports a new input level for a hardware trigger and fires it
// when the transition matches the configured edge. The first reported level
// only sets the baseline.
func (m *Manager) SignalLevel(id string, level int) error {
	m.mu.Lock()
	e, ok := m.hardware[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: hardware %s", ErrUnknownTrigger, id)
	}
	prev, known := e.level, e.known
	e.level, e.known = level, true
	pin, edge := e.cfg.Pin, e.cfg.Edge
	m.mu.Unlock()

	if !known || !edge.Matches(prev, level) {
		return nil
	}
	observed := EdgeRising
	if level == 0 {
		observed = EdgeFalling
	}
	return m.FireHardwareTrigger(id, SignalPayload{Pin: pin, Level: level, Edge: observed})
}

// FireSoftwareTrigger fires a software trigger.
func (m *Manager) FireSoftwareTrigger(id string, payload any) error {
	m.mu.Lock()
	e, ok := m.software[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: software %s", ErrUnknownTrigger, id)
	}
	if !e.enabled {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTriggerDisabled, id)
	}
	source := "software"
	if e.cfg.Key != "" {
		source = "key:" + e.cfg.Key
	}
	ev := m.recordLocked(&e.state, id, source, payload, time.Now())
	m.mu.Unlock()

	m.dispatch(ev)
	return nil
}

// FireTimerTrigger fires a timer trigger once, outside its schedule.
func (m *Manager) FireTimerTrigger(id string) error {
	m.mu.Lock()
	e, ok := m.timers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: timer %s", ErrUnknownTrigger, id)
	}
	if !e.enabled {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTriggerDisabled, id)
	}
	ev := m.recordLocked(&e.state, id, "timer", nil, time.Now())
	m.mu.Unlock()

	m.dispatch(ev)
	return nil
}

func (m *Manager) recordLocked(st *state, id, source string, payload any, now time.Time) Event {
	st.fireCount++
	st.lastFired = now
	return Event{
		ID:        uuid.New().String(),
		TriggerID: id,
		Kind:      st.kind,
		Source:    source,
		Payload:   payload,
		Timestamp: now,
	}
}

// dispatch delivers ev to callbacks and the event publisher.
func (m *Manager) dispatch(ev Event) {
	m.mu.Lock()
	callbacks := append([]callbackEntry(nil), m.callbacks...)
	m.mu.Unlock()

	m.metrics.RecordTriggerFired(string(ev.Kind))
	m.logger.WithTriggerID(ev.TriggerID).
		WithField("kind", ev.Kind).
		WithField("source", ev.Source).
		Debug("trigger fired")

	for _, e := range callbacks {
		e.cb(ev)
	}

	_ = m.events.Publish(telemetry.Event{
		ID:        ev.ID,
		Timestamp: ev.Timestamp,
		Type:      telemetry.EventTypeTriggerFired,
		Source:    "trigger",
		TriggerID: ev.TriggerID,
		Level:     telemetry.EventLevelInfo,
		Message:   fmt.Sprintf("%s trigger %s fired", ev.Kind, ev.TriggerID),
		Data: map[string]interface{}{
			"kind":   string(ev.Kind),
			"source": ev.Source,
		},
		Payload: ev,
	})
}

// StartTimer starts the timer loop of a timer trigger. Starting a running
// timer logs a warning and does nothing.
func (m *Manager) StartTimer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.timers[id]
	if !ok {
		return fmt.Errorf("%w: timer %s", ErrUnknownTrigger, id)
	}
	if e.cancel != nil {
		m.logger.WithTriggerID(id).Warn("timer trigger already running")
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go m.runTimer(loopCtx, id, e.cfg, e.schedule, e.done)

	m.logger.WithTriggerID(id).Info("timer trigger started")
	return nil
}

// StopTimer stops a running timer and waits for its loop to exit.
func (m *Manager) StopTimer(id string) {
	m.mu.Lock()
	e, ok := m.timers[id]
	if !ok || e.cancel == nil {
		m.mu.Unlock()
		return
	}
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.WithTriggerID(id).Info("timer trigger stopped")
}

// StartTimers starts every registered timer.
func (m *Manager) StartTimers(ctx context.Context) error {
	for _, id := range m.timerIDs() {
		if err := m.StartTimer(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// StopTimers stops every running timer.
func (m *Manager) StopTimers() {
	for _, id := range m.timerIDs() {
		m.StopTimer(id)
	}
}

func (m *Manager) timerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.timers))
	for id := range m.timers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) runTimer(ctx context.Context, id string, cfg TimerConfig, schedule cron.Schedule, done chan struct{}) {
	defer close(done)

	fire := func() {
		if err := m.FireTimerTrigger(id); err != nil {
			m.logger.WithTriggerID(id).WithError(err).Debug("timer tick not fired")
		}
	}

	wait := func(d time.Duration) bool {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	if cfg.InitialDelay > 0 && !wait(cfg.InitialDelay) {
		return
	}

	if schedule != nil {
		for {
			now := time.Now()
			if !wait(schedule.Next(now).Sub(now)) {
				return
			}
			fire()
		}
	}

	for {
		fire()
		if !wait(cfg.Interval) {
			return
		}
	}
}

// Stats returns the statistics of one trigger.
func (m *Manager) Stats(id string) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(id)
	if st == nil {
		return Stats{}, false
	}
	s := Stats{
		TriggerID: id,
		Kind:      st.kind,
		Enabled:   st.enabled,
		FireCount: st.fireCount,
		LastFired: st.lastFired,
	}
	if e, ok := m.timers[id]; ok {
		s.Running = e.cancel != nil
	}
	return s, true
}

// AllStats returns statistics for every trigger, sorted by id.
func (m *Manager) AllStats() []Stats {
	m.mu.Lock()
	ids := make([]string, 0, len(m.hardware)+len(m.software)+len(m.timers))
	for id := range m.hardware {
		ids = append(ids, id)
	}
	for id := range m.software {
		ids = append(ids, id)
	}
	for id := range m.timers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	out := make([]Stats, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.Stats(id); ok {
			out = append(out, s)
		}
	}
	return out
}

// HardwareConfig returns the configuration of a hardware trigger.
func (m *Manager) HardwareConfig(id string) (HardwareConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.hardware[id]
	if !ok {
		return HardwareConfig{}, false
	}
	return e.cfg, true
}
