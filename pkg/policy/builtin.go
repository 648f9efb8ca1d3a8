package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		knownAlgorithmsPolicy(),
		subGraphReferencesPolicy(),
		nodeNamingPolicy(),
		loopBoundsPolicy(),
		nodeTimeoutsPolicy(),
		enabledNodesPolicy(),
	}
}

// knownAlgorithmsPolicy rejects plain nodes whose processor is not registered.
func knownAlgorithmsPolicy() Policy {
	return Policy{
		Name:        "known-algorithms",
		Description: "Plain nodes must name a registered algorithm type",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"processors"},
		Rego: `package visionflow.policies.algorithms

import rego.v1

deny contains violation if {
	some node in input.graph.nodes
	node.enabled
	node.kind == "plain"
	not node.algorithm_type
	violation := {
		"message": sprintf("node %s has no algorithm type", [node.id]),
		"node": node.id,
	}
}

deny contains violation if {
	count(input.algorithms) > 0
	some node in input.graph.nodes
	node.enabled
	node.kind in {"plain", "entry"}
	node.algorithm_type
	not node.algorithm_type in input.algorithms
	violation := {
		"message": sprintf("node %s uses unknown algorithm '%s'", [node.id, node.algorithm_type]),
		"node": node.id,
	}
}
`,
	}
}

// subGraphReferencesPolicy rejects sub-graph nodes pointing at missing graphs
// or at their own graph.
func subGraphReferencesPolicy() Policy {
	return Policy{
		Name:        "subgraph-references",
		Description: "Sub-graph nodes must reference another graph in the catalog",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"subgraph"},
		Rego: `package visionflow.policies.subgraphs

import rego.v1

deny contains violation if {
	some node in input.graph.nodes
	node.kind == "subgraph"
	object.get(node, ["subgraph", "graph_id"], "") == ""
	violation := {
		"message": sprintf("sub-graph node %s has no graph id", [node.id]),
		"node": node.id,
	}
}

deny contains violation if {
	count(input.catalog) > 0
	some node in input.graph.nodes
	node.kind == "subgraph"
	ref := object.get(node, ["subgraph", "graph_id"], "")
	ref != ""
	not ref in input.catalog
	violation := {
		"message": sprintf("node %s references unknown graph '%s'", [node.id, ref]),
		"node": node.id,
	}
}

deny contains violation if {
	some node in input.graph.nodes
	node.kind == "subgraph"
	node.subgraph.graph_id == input.graph.id
	violation := {
		"message": sprintf("node %s invokes its own graph %s", [node.id, input.graph.id]),
		"node": node.id,
		"severity": "critical",
	}
}
`,
	}
}

// nodeNamingPolicy enforces node id conventions.
func nodeNamingPolicy() Policy {
	return Policy{
		Name:        "node-naming",
		Description: "Node ids use lowercase letters, digits, hyphens and underscores",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package visionflow.policies.naming

import rego.v1

deny contains violation if {
	some node in input.graph.nodes
	not regex.match("^[a-z0-9][a-z0-9_-]*$", node.id)
	violation := {
		"message": sprintf("node id '%s' should use lowercase letters, digits, '-' or '_'", [node.id]),
		"node": node.id,
	}
}
`,
	}
}

// loopBoundsPolicy flags condition loops that rely on the plugin-wide cap.
func loopBoundsPolicy() Policy {
	return Policy{
		Name:        "loop-bounds",
		Description: "Condition loops should set max_iterations",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"subgraph", "loops"},
		Rego: `package visionflow.policies.loops

import rego.v1

deny contains violation if {
	some node in input.graph.nodes
	node.kind == "subgraph"
	node.subgraph.loop == "condition"
	not node.subgraph.max_iterations
	violation := {
		"message": sprintf("condition loop %s has no max_iterations", [node.id]),
		"node": node.id,
	}
}

deny contains violation if {
	some node in input.graph.nodes
	node.kind == "subgraph"
	node.subgraph.loop == "fixed"
	object.get(node.subgraph, "count", 0) <= 0
	violation := {
		"message": sprintf("fixed loop %s needs a positive count", [node.id]),
		"node": node.id,
		"severity": "error",
	}
}
`,
	}
}

// nodeTimeoutsPolicy notes processing nodes without a per-node timeout.
func nodeTimeoutsPolicy() Policy {
	return Policy{
		Name:        "node-timeouts",
		Description: "Processing nodes without a timeout fall back to the engine default",
		Severity:    SeverityInfo,
		Enabled:     true,
		Tags:        []string{"timeouts"},
		Rego: `package visionflow.policies.timeouts

import rego.v1

deny contains violation if {
	some node in input.graph.nodes
	node.enabled
	node.kind == "plain"
	not node.timeout
	violation := {
		"message": sprintf("node %s has no timeout", [node.id]),
		"node": node.id,
	}
}
`,
	}
}

// enabledNodesPolicy flags graphs where nothing would run.
func enabledNodesPolicy() Policy {
	return Policy{
		Name:        "enabled-nodes",
		Description: "A graph should have at least one enabled node",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"structure"},
		Rego: `package visionflow.policies.structure

import rego.v1

deny contains violation if {
	enabled := [node | some node in input.graph.nodes; node.enabled]
	count(enabled) == 0
	violation := {"message": sprintf("graph %s has no enabled nodes", [input.graph.id])}
}
`,
	}
}
