// Package config loads the description of a filter chain.
//
// A chain file is YAML (JSON also parses). Stages run in order. A stage
// names a filter by registry name or GUID and gets its own goroutine, or
// it groups several filters under "synchronous" so they run inside one
// synchronous pipe on the previous stage's goroutine:
//
//	version: 1.0.0
//	capacity: 64
//	metrics:
//	  enabled: true
//	  port: 9090
//	stages:
//	  - filter: generator
//	    parameters: {signal: ig, count: 288, interval: 5m}
//	  - synchronous:
//	      - filter: mapping
//	        parameters: {source: ig, target: bg}
//	      - filter: masking
//	        parameters: {signal: bg, mask: "11110000"}
//	  - filter: stats
//	  - filter: logger
//
// Loader merges several layers key by key, applies SCGMS_* environment
// overrides and validates. The command line passes the base file and any
// --overlay files as layers; --write-config saves the merged result with
// SaveToFile.
package config
