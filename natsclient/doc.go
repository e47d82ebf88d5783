// Package natsclient manages the NATS connection shared by the bridging
// filters. It wraps nats.go with a circuit breaker around connection
// attempts, connection status tracking, health monitoring and Prometheus
// connection metrics.
//
// Connection lifecycle:
//
//	client, err := natsclient.NewClient(url,
//	    natsclient.WithName("scgms"),
//	    natsclient.WithMetrics(registry),
//	    natsclient.WithLogger(logger))
//	if err := client.Connect(ctx); err != nil { ... }
//	defer client.Close(context.Background())
//
// Connect attempts count towards a circuit breaker. After the configured
// number of consecutive failures the circuit opens and Connect returns
// ErrCircuitOpen until the backoff elapses. Once connected, reconnects are
// left to nats.go; status changes are mirrored in Status() and in the
// scgms_nats_connected gauge.
//
// Integration tests run against a NATS container (build tag integration).
package natsclient
