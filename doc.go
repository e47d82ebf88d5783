// Package scgms is a filter-chain runtime for glucose monitoring data.
//
// Events (levels, parameters, informational messages, segment markers and
// the final ShutDown) travel through a linear chain of filters connected by
// pipes. A chain is described in YAML and assembled by the pipeline driver:
//
//	┌──────────┐   async pipe   ┌──────────────────────────┐   async pipe   ┌─────────┐
//	│ generator├───────────────►│ sync group               ├───────────────►│ monitor │
//	│          │                │ masking → mapping → stats│                │         │
//	└──────────┘                └──────────────────────────┘                └─────────┘
//
// # Layout
//
//   - event: the event record, codes and payload ownership tracking
//   - pipe: asynchronous (queued, one goroutine per stage) and synchronous
//     (inline group) pipes
//   - filter: the Filter interface, configuration accessors and the registry
//   - filters/...: concrete filters
//   - filterregistry: installs every built-in filter
//   - pipeline: the driver that assembles, runs, drains and aborts a chain
//   - config: YAML chain configuration with environment overrides
//   - metric, health: Prometheus metrics and stage health
//   - natsclient: NATS connection used by the nats_bridge filter
//   - cmd/scgms: the command line runner
//
// # Lifecycle
//
// A chain ends when a ShutDown event has passed every stage. After the
// ShutDown, pipes refuse further events with errors.ErrPipeClosed. Abort
// tears a chain down without waiting; blocked Send and Receive calls return
// errors.ErrPipeAborted and queued events are released.
package scgms
