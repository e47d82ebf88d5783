// Package pipeline assembles a filter chain from a config.Config and runs
// it.
//
// Every threaded stage gets one goroutine and an Async pipe on each side.
// A synchronous group becomes a Sync pipe between two threaded stages, so
// its filters run on the goroutine of the stage that sends into it (or on
// the caller of Driver.Send when the group opens the chain). Events leaving
// the last pipe go to the Sink and are then released.
//
//	d, err := pipeline.NewDriver(cfg, registry,
//	    pipeline.WithLogger(logger),
//	    pipeline.WithMetrics(metricsRegistry))
//	if err := d.Start(ctx); err != nil { ... }
//	...
//	err = d.Shutdown(5 * time.Second)
//
// Shutdown injects a ShutDown event at the head and waits for it to reach
// the sink; if that takes longer than the timeout every pipe is aborted.
// Cancelling the context given to Start aborts the chain, and so does any
// stage returning an error.
package pipeline
