// Package metric provides the Prometheus registry and HTTP endpoint used by
// the filter chain.
//
// NewMetricsRegistry registers the chain-level metrics (stage status, event
// counters per stage and code, dropped events per pipe, synchronous execute
// latency, errors by class, outstanding payloads, NATS connectivity) plus the
// Go runtime collectors. Filters that want their own series register them
// through the MetricsRegistrar interface; registering the same owner and name
// twice returns an invalid-class error.
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry, nil)
//	go func() { _ = server.Start() }()
//	defer server.Stop()
//
//	registry.CoreMetrics().RecordEventSent("masking", "Level")
package metric
