// Package testutil provides shared fixtures for tests that drive whole
// chains: an in-memory NATS stand-in, event fixtures, a chain config
// builder, a scriptable processor and a sink that records what leaves a
// chain.
//
// Packages imported by testutil (config, event, filter) cannot use it from
// their own tests.
//
//	cfg := testutil.NewChain().
//	    Stage("generator", map[string]any{"count": 12, "terminate": true}).
//	    Group(testutil.Member("stats", nil)).
//	    Build()
//	out := testutil.NewCollector()
//	d, err := pipeline.NewDriver(cfg, registry, pipeline.WithSink(out.Sink))
package testutil
