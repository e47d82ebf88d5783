package metric

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SmartCGMS/core-sub005/errors"
)

func gathered(t *testing.T, r *MetricsRegistry, name string) bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return true
		}
	}
	return false
}

func TestMetricsRegistry_Register(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "c"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "g"})
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_histogram", Help: "h"})
	counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_counter_vec", Help: "cv"}, []string{"l"})
	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_gauge_vec", Help: "gv"}, []string{"l"})
	histogramVec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_histogram_vec", Help: "hv"}, []string{"l"})

	require.NoError(t, registry.RegisterCounter("stage", "test_counter", counter))
	require.NoError(t, registry.RegisterGauge("stage", "test_gauge", gauge))
	require.NoError(t, registry.RegisterHistogram("stage", "test_histogram", histogram))
	require.NoError(t, registry.RegisterCounterVec("stage", "test_counter_vec", counterVec))
	require.NoError(t, registry.RegisterGaugeVec("stage", "test_gauge_vec", gaugeVec))
	require.NoError(t, registry.RegisterHistogramVec("stage", "test_histogram_vec", histogramVec))

	counter.Inc()
	gauge.Set(1)
	histogram.Observe(0.1)
	counterVec.WithLabelValues("a").Inc()
	gaugeVec.WithLabelValues("a").Set(1)
	histogramVec.WithLabelValues("a").Observe(0.1)

	for _, name := range []string{
		"test_counter", "test_gauge", "test_histogram",
		"test_counter_vec", "test_gauge_vec", "test_histogram_vec",
	} {
		assert.True(t, gathered(t, registry, name), name)
	}
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "c"})
	second := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "c"})

	require.NoError(t, registry.RegisterCounter("stage", "dup", first))

	err := registry.RegisterCounter("stage", "dup", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Contains(t, err.Error(), "duplicate metric registration")

	err = registry.RegisterCounter("other", "dup", second)
	require.Error(t, err, "prometheus rejects the same fully qualified name")
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "temp_gauge", Help: "g"})

	require.NoError(t, registry.RegisterGauge("stage", "temp", gauge))
	assert.True(t, registry.Unregister("stage", "temp"))
	assert.False(t, registry.Unregister("stage", "temp"))
	assert.False(t, gathered(t, registry, "temp_gauge"))

	require.NoError(t, registry.RegisterGauge("stage", "temp", gauge), "re-register after unregister")
}

func TestMetricsRegistry_ThreadSafety(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := prometheus.NewCounter(prometheus.CounterOpts{
				Name: fmt.Sprintf("concurrent_counter_%d", i),
				Help: "c",
			})
			assert.NoError(t, registry.RegisterCounter("stage", fmt.Sprintf("c%d", i), c))
		}(i)
	}
	wg.Wait()

	assert.True(t, gathered(t, registry, "concurrent_counter_19"))
}

func TestMetricsRegistrar_Interface(t *testing.T) {
	var _ MetricsRegistrar = NewMetricsRegistry()
}

func TestCoreMetrics_Record(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()
	require.Same(t, registry.Metrics, m)

	m.RecordStageStatus("masking", 2)
	m.RecordEventReceived("masking", "Level")
	m.RecordEventSent("masking", "Level")
	m.RecordEventDropped("pipe-0", "closed", 3)
	m.RecordExecuteDuration("sync-0", 5*time.Millisecond)
	m.RecordError("masking", "fatal")
	m.RecordHealthStatus("driver", true)
	m.RecordPayloadsOutstanding(4)
	m.RecordNATSStatus(true)
	m.RecordNATSReconnect()

	for _, name := range []string{
		"scgms_stage_status",
		"scgms_events_received_total",
		"scgms_events_sent_total",
		"scgms_events_dropped_total",
		"scgms_sync_execute_duration_seconds",
		"scgms_errors_total",
		"scgms_health_status",
		"scgms_events_payloads_outstanding",
		"scgms_nats_connected",
		"scgms_nats_reconnects_total",
	} {
		assert.True(t, gathered(t, registry, name), name)
	}
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordEventSent("logger", "Level")

	healthy := true
	server := NewServer(0, "", registry, func() (bool, string) {
		if healthy {
			return true, "OK"
		}
		return false, "stage failed"
	})
	assert.Equal(t, "http://localhost:9090/metrics", server.Address())

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "scgms_events_sent_total")

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	healthy = false
	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "stage failed", string(body))
}

func TestServer_StopWithoutStart(t *testing.T) {
	server := NewServer(19090, "/m", NewMetricsRegistry(), nil)
	assert.NoError(t, server.Stop())
}
