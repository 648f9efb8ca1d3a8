package trigger

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies a trigger registry.
type Kind string

const (
	KindHardware Kind = "hardware"
	KindSoftware Kind = "software"
	KindTimer    Kind = "timer"
)

// Edge selects which signal transitions fire a hardware trigger.
type Edge string

const (
	EdgeRising  Edge = "rising"
	EdgeFalling Edge = "falling"
	EdgeBoth    Edge = "both"
)

// Validate checks if the edge is valid.
func (e Edge) Validate() error {
	switch e {
	case EdgeRising, EdgeFalling, EdgeBoth:
		return nil
	default:
		return fmt.Errorf("invalid edge: %s", e)
	}
}

// Matches reports whether a prev -> next level change is an edge of this kind.
func (e Edge) Matches(prev, next int) bool {
	rising := prev == 0 && next != 0
	falling := prev != 0 && next == 0
	switch e {
	case EdgeRising:
		return rising
	case EdgeFalling:
		return falling
	case EdgeBoth:
		return rising || falling
	default:
		return false
	}
}

var (
	// ErrUnknownTrigger is returned for an id not in the addressed registry.
	ErrUnknownTrigger = errors.New("unknown trigger")

	// ErrDuplicateTrigger is returned when registering an id twice.
	ErrDuplicateTrigger = errors.New("duplicate trigger")

	// ErrTriggerDisabled is returned when firing a disabled trigger.
	ErrTriggerDisabled = errors.New("trigger disabled")

	// ErrDebounced is returned when a hardware trigger fires inside its debounce window.
	ErrDebounced = errors.New("trigger debounced")
)

// HardwareConfig declares a trigger raised by an input pin.
type HardwareConfig struct {
	ID       string        `json:"id" yaml:"id" validate:"required"`
	Name     string        `json:"name,omitempty" yaml:"name,omitempty"`
	Pin      int           `json:"pin" yaml:"pin" validate:"gte=0"`
	Edge     Edge          `json:"edge" yaml:"edge" validate:"omitempty,oneof=rising falling both"`
	Debounce time.Duration `json:"debounce,omitempty" yaml:"debounce,omitempty"`

	// ValuePath is a sysfs-style value file ("0"/"1") watched by SignalSource.
	ValuePath string `json:"value_path,omitempty" yaml:"value_path,omitempty"`

	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// SoftwareConfig declares a manually fired trigger.
type SoftwareConfig struct {
	ID       string `json:"id" yaml:"id" validate:"required"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Key      string `json:"key,omitempty" yaml:"key,omitempty"`
	Disabled bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// TimerConfig declares a periodic trigger. Cron, when set, replaces Interval.
type TimerConfig struct {
	ID           string        `json:"id" yaml:"id" validate:"required"`
	Name         string        `json:"name,omitempty" yaml:"name,omitempty"`
	Interval     time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	InitialDelay time.Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	Cron         string        `json:"cron,omitempty" yaml:"cron,omitempty"`
	Disabled     bool          `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Event is the uniform trigger-fired notification.
type Event struct {
	ID        string    `json:"id"`
	TriggerID string    `json:"trigger_id"`
	Kind      Kind      `json:"kind"`
	Source    string    `json:"source"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SignalPayload is the payload of hardware triggers raised by a level change.
type SignalPayload struct {
	Pin   int  `json:"pin"`
	Level int  `json:"level"`
	Edge  Edge `json:"edge"`
}

// Callback receives fired trigger events synchronously.
type Callback func(Event)

// Stats describes one registered trigger.
type Stats struct {
	TriggerID string    `json:"trigger_id"`
	Kind      Kind      `json:"kind"`
	Enabled   bool      `json:"enabled"`
	Running   bool      `json:"running,omitempty"`
	FireCount uint64    `json:"fire_count"`
	LastFired time.Time `json:"last_fired,omitempty"`
}
