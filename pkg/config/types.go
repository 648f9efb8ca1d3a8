package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/visionflow/visionflow/pkg/engine"
	"github.com/visionflow/visionflow/pkg/queue"
	"github.com/visionflow/visionflow/pkg/runner"
	"github.com/visionflow/visionflow/pkg/telemetry"
	"github.com/visionflow/visionflow/pkg/trigger"
)

// Config is the application configuration.
type Config struct {
	Telemetry  telemetry.Config `yaml:"telemetry" json:"telemetry"`
	Engine     EngineConfig     `yaml:"engine" json:"engine"`
	Queue      QueueConfig      `yaml:"queue" json:"queue"`
	Runner     RunnerConfig     `yaml:"runner" json:"runner"`
	Triggers   TriggersConfig   `yaml:"triggers" json:"triggers"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Policies   PoliciesConfig   `yaml:"policies" json:"policies"`
	Processors ProcessorsConfig `yaml:"processors" json:"processors"`

	// Graphs are graph document files or directories loaded at startup.
	Graphs []string `yaml:"graphs,omitempty" json:"graphs,omitempty"`
}

// EngineConfig configures the execution engine and its control plugin.
type EngineConfig struct {
	// MaxParallel bounds concurrent nodes within a group. Zero uses NumCPU.
	MaxParallel int `yaml:"max_parallel" json:"max_parallel" validate:"gte=0"`

	MaxCallDepth int           `yaml:"max_call_depth" json:"max_call_depth" validate:"gte=0"`
	NodeTimeout  time.Duration `yaml:"node_timeout" json:"node_timeout" validate:"gte=0"`

	// MaxIterations caps condition loops of sub-graph nodes.
	MaxIterations    int           `yaml:"max_iterations" json:"max_iterations" validate:"gte=0"`
	ConditionTimeout time.Duration `yaml:"condition_timeout" json:"condition_timeout" validate:"gte=0"`
}

// QueueConfig configures the runner's work queue.
type QueueConfig struct {
	Name     string `yaml:"name" json:"name"`
	Capacity int    `yaml:"capacity" json:"capacity" validate:"gte=1"`
	Policy   string `yaml:"policy" json:"policy" validate:"oneof=drop_newest drop_oldest overwrite block"`
}

// RunnerConfig configures the event-driven runner.
type RunnerConfig struct {
	// GraphID is the graph bound at startup.
	GraphID       string        `yaml:"graph_id" json:"graph_id"`
	ErrorCooldown time.Duration `yaml:"error_cooldown" json:"error_cooldown" validate:"gte=0"`
	StopTimeout   time.Duration `yaml:"stop_timeout" json:"stop_timeout" validate:"gte=0"`
}

// TriggersConfig declares the triggers registered at startup.
type TriggersConfig struct {
	Hardware []trigger.HardwareConfig `yaml:"hardware,omitempty" json:"hardware,omitempty" validate:"dive"`
	Software []trigger.SoftwareConfig `yaml:"software,omitempty" json:"software,omitempty" validate:"dive"`
	Timers   []trigger.TimerConfig    `yaml:"timers,omitempty" json:"timers,omitempty" validate:"dive"`
}

// StoreConfig configures the run-history store.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path" validate:"required_if=Enabled true"`

	// Retention prunes runs older than this on startup. Zero keeps everything.
	Retention time.Duration `yaml:"retention,omitempty" json:"retention,omitempty" validate:"gte=0"`
}

// PoliciesConfig configures graph admission policies.
type PoliciesConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Paths are .rego or .json policy files or directories loaded next to
	// the built-in policies.
	Paths []string `yaml:"paths,omitempty" json:"paths,omitempty"`

	// Disabled names policies to switch off, built-in ones included.
	Disabled []string `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// ProcessorsConfig configures WebAssembly processors loaded next to the
// built-in algorithms.
type ProcessorsConfig struct {
	// WASM are .wasm files or directories. Each module becomes an algorithm
	// type named after its file.
	WASM []string `yaml:"wasm,omitempty" json:"wasm,omitempty"`

	Timeout          time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"`
	MemoryLimitPages uint32        `yaml:"memory_limit_pages,omitempty" json:"memory_limit_pages,omitempty" validate:"lte=65536"`
}

// Default returns a runnable configuration.
func Default() *Config {
	return &Config{
		Telemetry: *telemetry.DefaultConfig(),
		Engine: EngineConfig{
			MaxCallDepth:     engine.DefaultMaxCallDepth,
			MaxIterations:    1000,
			ConditionTimeout: 2 * time.Second,
		},
		Queue: QueueConfig{
			Name:     "frames",
			Capacity: 16,
			Policy:   string(queue.DropOldest),
		},
		Runner: RunnerConfig{
			ErrorCooldown: runner.DefaultErrorCooldown,
			StopTimeout:   runner.DefaultStopTimeout,
		},
		Store: StoreConfig{
			Enabled: false,
			Path:    "visionflow.db",
		},
		Policies: PoliciesConfig{
			Enabled: true,
		},
	}
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	var errs []error
	seen := make(map[string]string)
	claim := func(kind, id string) {
		if prev, ok := seen[id]; ok {
			errs = append(errs, fmt.Errorf("trigger id %q declared as %s and %s", id, prev, kind))
			return
		}
		seen[id] = kind
	}
	for _, hw := range c.Triggers.Hardware {
		claim("hardware", hw.ID)
	}
	for _, sw := range c.Triggers.Software {
		claim("software", sw.ID)
	}
	for _, tm := range c.Triggers.Timers {
		claim("timer", tm.ID)
		if tm.Interval <= 0 && strings.TrimSpace(tm.Cron) == "" {
			errs = append(errs, fmt.Errorf("timer %q needs an interval or a cron expression", tm.ID))
		}
	}
	return errors.Join(errs...)
}

var validate = validator.New()

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "queue.capacity").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// Error implements error.
func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ParseError collects the validation errors of one source.
type ParseError struct {
	Source string
	Errors []ValidationError
}

// Error implements error.
func (e *ParseError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("%s: %s", e.Source, strings.Join(msgs, "; "))
}
