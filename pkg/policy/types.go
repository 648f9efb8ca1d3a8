package policy

import (
	"fmt"
	"time"

	"github.com/visionflow/visionflow/pkg/graph"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for findings that reject a graph.
	SeverityError Severity = "error"

	// SeverityCritical is for findings that reject a graph and need immediate attention.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity reject a graph.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Validate checks if the severity is valid.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return nil
	default:
		return &ValidationError{Field: "severity", Message: "unknown severity", Value: string(s)}
	}
}

// Policy is a Rego module whose deny set lists violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The module must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from. Empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny entry produced by a policy.
type Violation struct {
	Policy   string   `json:"policy"`
	GraphID  string   `json:"graph_id"`
	NodeID   string   `json:"node_id,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating all enabled policies against one graph.
type Result struct {
	GraphID string `json:"graph_id"`

	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Blocking returns the violations that reject the graph.
func (r *Result) Blocking() []Violation {
	out := make([]Violation, 0)
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Environment describes what a graph may refer to.
type Environment struct {
	// Catalog holds the ids of graphs available to sub-graph nodes.
	Catalog []string `json:"catalog"`

	// Algorithms holds the registered processor algorithm types.
	Algorithms []string `json:"algorithms"`
}

// Input is the document policies see as input.
type Input struct {
	Graph      *graph.Document `json:"graph"`
	Catalog    []string        `json:"catalog"`
	Algorithms []string        `json:"algorithms"`
	Operation  string          `json:"operation"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ValidationError represents a policy definition error.
type ValidationError struct {
	// Field is the field that failed validation.
	Field string `json:"field"`

	// Message describes the validation error.
	Message string `json:"message"`

	// Value is the invalid value.
	Value interface{} `json:"value,omitempty"`
}

// Error implements error.
func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Field, e.Message, e.Value)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
