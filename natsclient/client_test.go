package natsclient

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/metric"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestConnectionStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, err := NewClient("nats://invalid:4222", WithMaxBackoff(time.Hour))
	require.NoError(t, err)
	client.backoff.Store(time.Hour)

	for i := 0; i < 4; i++ {
		client.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	client.backoff.Store(time.Hour)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestCircuitBreaker_ExponentialBackoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithMaxBackoff(4*time.Hour))
	require.NoError(t, err)
	client.backoff.Store(time.Hour)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 2*time.Hour, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 4*time.Hour, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 4*time.Hour, client.Backoff(), "capped at max backoff")
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(1))
	require.NoError(t, err)
	client.backoff.Store(10 * time.Millisecond)

	client.recordFailure()
	require.Equal(t, StatusCircuitOpen, client.Status())

	assert.Eventually(t, func() bool {
		return client.Status() == StatusDisconnected
	}, time.Second, 5*time.Millisecond)
}

func TestConnectFailureIsTransient(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(200*time.Millisecond),
		WithMaxReconnects(0),
		WithHealthInterval(0),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, int32(1), client.Failures())
	assert.NoError(t, client.Close(context.Background()))
}

func TestNotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, client.Publish(ctx, "scgms.events", []byte("x")), ErrNotConnected)
	assert.ErrorIs(t, client.Subscribe(ctx, "scgms.events", func(context.Context, []byte) {}), ErrNotConnected)
	assert.ErrorIs(t, client.Flush(ctx), ErrNotConnected)
	_, err = client.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, StatusDisconnected, client.GetStatus().Status)
}

func TestWaitForConnectionTimeout(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = client.WaitForConnection(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseIsIdempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCredentials("user", "pass"), WithToken("tok"))
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))
	assert.Empty(t, client.username)
	assert.Empty(t, client.token)

	err = client.Connect(context.Background())
	assert.True(t, errors.IsInvalid(err))
}

func TestConnectionOptions(t *testing.T) {
	bare, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	full, err := NewClient("nats://localhost:4222",
		WithCredentials("user", "pass"),
		WithToken("tok"),
		WithName("scgms"),
	)
	require.NoError(t, err)

	assert.Len(t, full.ConnectionOptions(), len(bare.ConnectionOptions())+3)
}

func TestConnectionTimings(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithReconnectWait(250*time.Millisecond),
		WithPingInterval(time.Minute),
		WithDrainTimeout(3*time.Second),
	)
	require.NoError(t, err)

	opts := nats.GetDefaultOptions()
	for _, opt := range client.ConnectionOptions() {
		require.NoError(t, opt(&opts))
	}
	assert.Equal(t, 250*time.Millisecond, opts.ReconnectWait)
	assert.Equal(t, time.Minute, opts.PingInterval)
	assert.Equal(t, 3*time.Second, opts.DrainTimeout)
}

func TestHealthChangeCallback(t *testing.T) {
	changes := make(chan bool, 2)
	client, err := NewClient("nats://localhost:4222",
		WithHealthChangeCallback(func(healthy bool) { changes <- healthy }))
	require.NoError(t, err)

	client.handleDisconnect(nil, stderrors.New("read: connection reset"))
	assert.Equal(t, StatusReconnecting, client.Status())
	assert.False(t, <-changes)

	client.handleReconnect(nil)
	assert.Equal(t, StatusConnected, client.Status())
	assert.True(t, <-changes)
}

func TestMetricsStatus(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	client, err := NewClient("nats://localhost:4222", WithMetrics(registry))
	require.NoError(t, err)

	client.setStatus(StatusConnected)
	client.handleReconnect(nil)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if g := m.GetGauge(); g != nil {
				values[mf.GetName()] = g.GetValue()
			}
			if c := m.GetCounter(); c != nil {
				values[mf.GetName()] = c.GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values["scgms_nats_connected"])
	assert.Equal(t, 1.0, values["scgms_nats_reconnects_total"])
}

func TestMessengerImplementation(t *testing.T) {
	var _ Messenger = (*Client)(nil)
}
