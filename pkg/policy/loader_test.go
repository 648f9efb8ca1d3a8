package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/visionflow/visionflow/pkg/graph"
)

const sizePolicy = `# Graphs stay small.
# severity: error
package visionflow.policies.size

import rego.v1

deny contains msg if {
	count(input.graph.nodes) > 1
	msg := "too many nodes"
}
`

func writePolicyFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoader_LoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "size.rego", sizePolicy)
	writePolicyFile(t, dir, "labels.json", `{
  "description": "Nodes need names",
  "rego": "package visionflow.policies.labels\n\nimport rego.v1\n\ndeny contains msg if {\n\tsome node in input.graph.nodes\n\tnot node.name\n\tmsg := node.id\n}\n",
  "enabled": false
}`)
	writePolicyFile(t, dir, "README.md", "ignored")

	loader := NewLoader(nil)
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}

	labels, size := policies[0], policies[1]
	if labels.Name != "labels" || labels.Enabled || labels.Severity != SeverityWarning {
		t.Errorf("Unexpected JSON policy: %+v", labels)
	}
	if size.Name != "size" || !size.Enabled {
		t.Errorf("Unexpected Rego policy: %+v", size)
	}
	if size.Severity != SeverityError {
		t.Errorf("Expected severity from header, got %s", size.Severity)
	}
	if size.Description != "Graphs stay small." {
		t.Errorf("Unexpected description: %q", size.Description)
	}
	if size.Source != filepath.Join(dir, "size.rego") {
		t.Errorf("Unexpected source: %s", size.Source)
	}
}

func TestLoader_Errors(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(nil)

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}

	bad := writePolicyFile(t, dir, "bad.json", "{")
	if _, err := loader.LoadFromPaths(context.Background(), []string{bad}); err == nil {
		t.Error("Expected error for malformed JSON")
	}
}

func TestEngine_LoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "size.rego", sizePolicy)

	eng, err := NewEngine(nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	p, err := eng.GetPolicy("size")
	if err != nil {
		t.Fatalf("Expected size policy: %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", p.Severity)
	}

	doc := &graph.Document{ID: "pair", Nodes: []*graph.Node{
		plainNode("a", "threshold", time.Second),
		plainNode("b", "threshold", time.Second),
	}}
	res, err := eng.EvaluateGraph(context.Background(), doc, Environment{})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if res.Allowed || findViolation(res, "size", "") == nil {
		t.Errorf("Expected size violation, got %+v", res.Violations)
	}

	writePolicyFile(t, dir, "broken.rego", "package visionflow.policies.broken\n\ndeny contains if {")
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err == nil {
		t.Error("Expected compile error for broken policy")
	}
}
