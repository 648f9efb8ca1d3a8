// Package config loads visionflow configuration and graph documents.
//
// # Overview
//
// Configuration files are YAML or CUE. Both are read over Default(), so a
// file only names what it changes, and both end in the same validation:
// struct tags checked by go-playground/validator plus the cross-field
// rules of Config.Validate. CUE files are additionally unified with the
// built-in #Config schema before decoding, which reports errors with file
// positions.
//
// # Components
//
// CUEParser: Compiles CUE sources and decodes them through a named schema.
//
// SchemaRegistry: Holds the built-in #Config and #Graph schemas and any
// registered extensions.
//
// LoadGraphs: Reads graph documents (YAML, JSON or CUE) into a
// graph.Catalog. A file holds either one document or a "graphs" list.
//
// # Usage Example
//
//	cfg, err := config.Load("visionflow.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	catalog, err := config.LoadGraphs(cfg.Graphs...)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # CUE Configuration Structure
//
//	queue: {
//	    capacity: 8
//	    policy:   "drop_oldest"
//	}
//	runner: graph_id: "inspect"
//	triggers: timers: [{id: "tick", interval: "500ms"}]
//
// Durations are written as Go duration strings in both formats.
package config
