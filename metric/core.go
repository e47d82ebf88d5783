package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric the module exports.
const Namespace = "scgms"

// Metrics contains the chain-level metrics shared by every stage. Filter
// specific metrics are registered through MetricsRegistrar.
type Metrics struct {
	StageStatus         *prometheus.GaugeVec
	EventsReceived      *prometheus.CounterVec
	EventsSent          *prometheus.CounterVec
	EventsDropped       *prometheus.CounterVec
	ExecuteDuration     *prometheus.HistogramVec
	ErrorsTotal         *prometheus.CounterVec
	HealthCheckStatus   *prometheus.GaugeVec
	PayloadsOutstanding prometheus.Gauge

	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates the chain-level metrics. They are registered by
// NewMetricsRegistry.
func NewMetrics() *Metrics {
	return &Metrics{
		StageStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "stage",
				Name:      "status",
				Help:      "Stage status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"stage"},
		),

		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "events",
				Name:      "received_total",
				Help:      "Total number of events received by a stage",
			},
			[]string{"stage", "code"},
		),

		EventsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "events",
				Name:      "sent_total",
				Help:      "Total number of events a stage pushed downstream",
			},
			[]string{"stage", "code"},
		),

		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Events refused after shutdown or discarded by abort",
			},
			[]string{"pipe", "reason"},
		),

		ExecuteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "sync",
				Name:      "execute_duration_seconds",
				Help:      "Duration of one synchronous pipe Send, all composed filters included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pipe"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"stage", "class"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),

		PayloadsOutstanding: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "events",
				Name:      "payloads_outstanding",
				Help:      "Text and parameter payloads not yet released",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.StageStatus,
		c.EventsReceived,
		c.EventsSent,
		c.EventsDropped,
		c.ExecuteDuration,
		c.ErrorsTotal,
		c.HealthCheckStatus,
		c.PayloadsOutstanding,
		c.NATSConnected,
		c.NATSReconnects,
	}
}

// RecordStageStatus updates the status gauge of a stage.
func (c *Metrics) RecordStageStatus(stage string, status int) {
	c.StageStatus.WithLabelValues(stage).Set(float64(status))
}

// RecordEventReceived counts one event taken from a stage's input.
func (c *Metrics) RecordEventReceived(stage, code string) {
	c.EventsReceived.WithLabelValues(stage, code).Inc()
}

// RecordEventSent counts one event pushed to a stage's output.
func (c *Metrics) RecordEventSent(stage, code string) {
	c.EventsSent.WithLabelValues(stage, code).Inc()
}

// RecordEventDropped counts events a pipe refused or discarded.
func (c *Metrics) RecordEventDropped(pipe, reason string, n int) {
	c.EventsDropped.WithLabelValues(pipe, reason).Add(float64(n))
}

// RecordExecuteDuration records one synchronous pipe Send.
func (c *Metrics) RecordExecuteDuration(pipe string, d time.Duration) {
	c.ExecuteDuration.WithLabelValues(pipe).Observe(d.Seconds())
}

// RecordError increments the error counter.
func (c *Metrics) RecordError(stage, class string) {
	c.ErrorsTotal.WithLabelValues(stage, class).Inc()
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthCheckStatus.WithLabelValues(component).Set(value)
}

// RecordPayloadsOutstanding sets the live payload gauge.
func (c *Metrics) RecordPayloadsOutstanding(n int64) {
	c.PayloadsOutstanding.Set(float64(n))
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}
