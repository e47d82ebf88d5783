package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/filter"
	"github.com/SmartCGMS/core-sub005/metric"
	"github.com/SmartCGMS/core-sub005/pipe"
	"github.com/SmartCGMS/core-sub005/pkg/tlsutil"
	"github.com/SmartCGMS/core-sub005/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewMessage(t *testing.T) {
	level := NewMessage(event.NewLevel(testutil.Device, event.SignalIG, testutil.DeviceTime, 6.25, 2))
	assert.Equal(t, "Level", level.Code)
	assert.Equal(t, "ig", level.Signal)
	require.NotNil(t, level.Level)
	assert.Equal(t, 6.25, *level.Level)
	assert.Equal(t, "2023-07-15T00:00:00Z", level.Time)

	info := testutil.Info("hello")
	defer info.Release()
	m := NewMessage(info)
	assert.Equal(t, "hello", m.Info)
	assert.Nil(t, m.Level)

	data, err := json.Marshal(NewMessage(event.NewSegmentStop(testutil.Device, 4)))
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"level"`)
	assert.Contains(t, string(data), `"segment":4`)
}

func TestStreamsToViewers(t *testing.T) {
	in, err := pipe.NewAsync(pipe.WithName("in"))
	require.NoError(t, err)
	out, err := pipe.NewAsync(pipe.WithName("out"))
	require.NoError(t, err)

	registry := metric.NewMetricsRegistry()
	m := New(in, out, filter.Dependencies{Stage: "monitor", MetricsRegistry: registry})
	done := make(chan error, 1)
	go func() {
		done <- m.Run(context.Background(), filter.NewConfiguration(map[string]any{"listen": "127.0.0.1:0"}, nil))
	}()
	addr := m.Addr()
	require.NotNil(t, addr)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr.String()+"/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return m.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, in.Send(event.NewLevel(testutil.Device, event.SignalBG, testutil.DeviceTime, 7.5, 1)))
	require.NoError(t, in.Send(testutil.Info("viewer note")))

	var msg Message
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "Level", msg.Code)
	assert.Equal(t, "bg", msg.Signal)
	require.NotNil(t, msg.Level)
	assert.Equal(t, 7.5, *msg.Level)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "Information", msg.Code)
	assert.Equal(t, "viewer note", msg.Info)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() == "scgms_monitor_clients_connected" {
			found = true
			assert.Equal(t, 1.0, mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found)

	require.NoError(t, in.Send(event.NewShutDown(testutil.Device)))
	require.NoError(t, <-done)

	// The viewer sees the shutdown event, then a close frame.
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "ShutDown", msg.Code)
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)

	forwarded := 0
	for {
		e, err := out.Receive()
		if err != nil {
			break
		}
		forwarded++
		_ = e.Release()
	}
	assert.Equal(t, 3, forwarded)
}

func TestListenFailure(t *testing.T) {
	in, _ := pipe.NewAsync()
	out, _ := pipe.NewAsync()
	m := New(in, out, filter.Dependencies{})
	err := m.Run(context.Background(), filter.NewConfiguration(map[string]any{"listen": "256.0.0.1:bad"}, nil))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Nil(t, m.Addr())
}

func TestInvalidOutbox(t *testing.T) {
	in, _ := pipe.NewAsync()
	out, _ := pipe.NewAsync()
	err := New(in, out, filter.Dependencies{}).Run(context.Background(),
		filter.NewConfiguration(map[string]any{"outbox": 0}, nil))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestSecureViewer(t *testing.T) {
	pki := testutil.NewTestPKI(t)
	cert, key := pki.Issue(t, "monitor")

	in, _ := pipe.NewAsync()
	out, _ := pipe.NewAsync()
	m := New(in, out, filter.Dependencies{Stage: "monitor"})
	done := make(chan error, 1)
	go func() {
		done <- m.Run(context.Background(), filter.NewConfiguration(map[string]any{
			"listen":   "127.0.0.1:0",
			"tls_cert": cert,
			"tls_key":  key,
		}, nil))
	}()
	addr := m.Addr()
	require.NotNil(t, addr)

	clientTLS, err := tlsutil.LoadClientTLSConfig(tlsutil.ClientConfig{Enabled: true, CAFiles: []string{pki.CAFile}})
	require.NoError(t, err)
	dialer := websocket.Dialer{TLSClientConfig: clientTLS, HandshakeTimeout: 5 * time.Second}

	_, _, err = websocket.DefaultDialer.Dial("ws://"+addr.String()+"/events", nil)
	assert.Error(t, err, "plain websocket is refused")

	conn, _, err := dialer.Dial("wss://"+addr.String()+"/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return m.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, in.Send(event.NewLevel(testutil.Device, event.SignalIG, testutil.DeviceTime, 5.5, 1)))
	var msg Message
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "ig", msg.Signal)

	require.NoError(t, in.Send(event.NewShutDown(testutil.Device)))
	require.NoError(t, <-done)
	for {
		e, err := out.Receive()
		if err != nil {
			break
		}
		_ = e.Release()
	}
}

func TestInvalidTLS(t *testing.T) {
	in, _ := pipe.NewAsync()
	out, _ := pipe.NewAsync()
	err := New(in, out, filter.Dependencies{}).Run(context.Background(),
		filter.NewConfiguration(map[string]any{"tls_cert": "/nonexistent/cert.pem", "tls_key": "/nonexistent/key.pem"}, nil))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}
