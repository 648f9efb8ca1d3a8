// Package policy provides Open Policy Agent (OPA) admission checks for graphs.
//
// Every policy is a Rego module defining a deny set. Each deny entry is a
// string or an object with "message" and optional "node" and "severity"
// keys. Violations with severity error or critical reject the graph.
//
// # Architecture
//
//  1. Engine - Compiles Rego modules and evaluates them against graphs
//  2. Loader - Loads policies from .rego and .json files and directories
//  3. Built-in Policies - Checks for unknown algorithms, dangling sub-graph
//     references, naming, loop bounds, timeouts and empty graphs
//
// # Input Document
//
// Policies see the graph document plus its environment:
//
//	{
//	  "graph":      {"id": "...", "nodes": [...], "edges": [...]},
//	  "catalog":    ["inspect", "per-part"],
//	  "algorithms": ["threshold", "scale"],
//	  "operation":  "admit",
//	  "timestamp":  "..."
//	}
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"./policies"}); err != nil {
//	    return err
//	}
//
//	results, err := eng.EvaluateCatalog(ctx, catalog, registry.Names())
//
// # Custom Policies
//
//	# Inspection graphs must not exceed twenty nodes.
//	# severity: error
//	package visionflow.policies.size
//
//	import rego.v1
//
//	deny contains msg if {
//	    count(input.graph.nodes) > 20
//	    msg := sprintf("graph %s has %d nodes", [input.graph.id, count(input.graph.nodes)])
//	}
package policy
