package netbridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/filter"
	"github.com/SmartCGMS/core-sub005/metric"
)

// UDPIngressID identifies the datagram ingress filter.
var UDPIngressID = uuid.MustParse("9e4b2f70-1c6d-4a83-b5e9-d2f3a4b5c6d7")

// UDPIngressDescriptor documents the datagram ingress parameters.
var UDPIngressDescriptor = filter.Descriptor{
	ID:          UDPIngressID,
	Name:        "udp_ingress",
	Description: "Injects events received as one record per UDP datagram",
	Parameters: []filter.ParameterDescriptor{
		{Name: "listen", Type: "string", Description: "Listen address host:port", Required: true},
		{Name: "read_buffer", Type: "integer", Description: "Socket receive buffer in bytes", Default: 2 << 20},
	},
}

type udpMetrics struct {
	owner           string
	packetsReceived prometheus.Counter
	bytesReceived   prometheus.Counter
	packetsDropped  prometheus.Counter
	socketErrors    prometheus.Counter
	lastActivity    prometheus.Gauge
}

// newUDPMetrics returns nil without a registry.
func newUDPMetrics(registry *metric.MetricsRegistry, stage string) *udpMetrics {
	if registry == nil {
		return nil
	}
	labels := prometheus.Labels{"stage": stage}
	m := &udpMetrics{
		owner: "udp_" + stage,
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "udp", Name: "packets_received_total",
			Help: "Datagrams received", ConstLabels: labels,
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "udp", Name: "bytes_received_total",
			Help: "Bytes received in datagrams", ConstLabels: labels,
		}),
		packetsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "udp", Name: "packets_dropped_total",
			Help: "Datagrams dropped because they were not a valid record", ConstLabels: labels,
		}),
		socketErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "udp", Name: "socket_errors_total",
			Help: "Socket read errors", ConstLabels: labels,
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "udp", Name: "last_activity_timestamp",
			Help: "Unix time of the last datagram", ConstLabels: labels,
		}),
	}

	_ = registry.RegisterCounter(m.owner, "packets_received", m.packetsReceived)
	_ = registry.RegisterCounter(m.owner, "bytes_received", m.bytesReceived)
	_ = registry.RegisterCounter(m.owner, "packets_dropped", m.packetsDropped)
	_ = registry.RegisterCounter(m.owner, "socket_errors", m.socketErrors)
	_ = registry.RegisterGauge(m.owner, "last_activity", m.lastActivity)
	return m
}

func (m *udpMetrics) unregister(registry *metric.MetricsRegistry) {
	for _, name := range []string{"packets_received", "bytes_received", "packets_dropped", "socket_errors", "last_activity"} {
		registry.Unregister(m.owner, name)
	}
}

// UDPIngress injects records that arrive as datagrams. Datagrams that are
// not exactly one valid record are dropped and counted. A remote ShutDown
// is injected and stops the reader.
type UDPIngress struct {
	injector
	registry *metric.MetricsRegistry

	ready chan struct{}
	addr  net.Addr

	received atomic.Int64
	dropped  atomic.Int64
}

// NewUDPIngress binds a datagram ingress to its pipes.
func NewUDPIngress(in filter.Receiver, out filter.Sender, deps filter.Dependencies) *UDPIngress {
	return &UDPIngress{
		injector: newInjector(in, out, deps),
		registry: deps.MetricsRegistry,
		ready:    make(chan struct{}),
	}
}

// Addr blocks until Run is bound and returns the local address, or nil
// when Run failed before binding.
func (u *UDPIngress) Addr() net.Addr {
	<-u.ready
	return u.addr
}

// Received returns the number of records injected.
func (u *UDPIngress) Received() int64 { return u.received.Load() }

// Dropped returns the number of datagrams discarded.
func (u *UDPIngress) Dropped() int64 { return u.dropped.Load() }

// Run binds the socket and forwards local input until it ends.
func (u *UDPIngress) Run(ctx context.Context, cfg filter.Configuration) error {
	readyOnce := sync.OnceFunc(func() { close(u.ready) })
	defer readyOnce()

	if u.in == nil || u.out == nil {
		return errors.WrapFatal(errors.ErrInvalidArgument, "UDPIngress", "Run", "pipe endpoints")
	}
	cfg.Require("listen")
	address := cfg.String("listen", "")
	readBuffer := cfg.Int("read_buffer", 2<<20)
	if readBuffer < RecordSize {
		cfg.Errors().Add("parameter \"read_buffer\": must be at least %d, got %d", RecordSize, readBuffer)
	}
	if err := cfg.Err(); err != nil {
		return errors.WrapInvalid(err, "UDPIngress", "Run", "configure "+u.name)
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", address)
	if err != nil {
		return errors.WrapTransient(err, "UDPIngress", "Run", "listen "+address)
	}
	conn := pc.(*net.UDPConn)
	if err := conn.SetReadBuffer(readBuffer); err != nil {
		// Some systems cap the buffer size.
		u.logger.Warn("Could not set UDP buffer size", "buffer_size", readBuffer, "error", err)
	}
	u.addr = conn.LocalAddr()
	readyOnce()
	u.logger.Info("Listening for datagrams", "address", u.addr.String())

	metrics := newUDPMetrics(u.registry, u.name)
	if metrics != nil {
		defer metrics.unregister(u.registry)
	}

	return u.pump(ctx, "UDPIngress", func(ctx context.Context) error {
		return u.readLoop(ctx, conn, metrics)
	})
}

func (u *UDPIngress) readLoop(ctx context.Context, conn *net.UDPConn, metrics *udpMetrics) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	// One byte more than a record detects oversized datagrams.
	buf := make([]byte, RecordSize+1)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if metrics != nil {
				metrics.socketErrors.Inc()
			}
			if !errors.IsTransient(err) {
				return errors.WrapTransient(err, "UDPIngress", "readLoop", "read datagram")
			}
			continue
		}
		if metrics != nil {
			metrics.packetsReceived.Inc()
			metrics.bytesReceived.Add(float64(n))
			metrics.lastActivity.Set(float64(time.Now().Unix()))
		}

		if n != RecordSize {
			u.drop(metrics, fmt.Errorf("datagram of %d bytes from %s", n, from))
			continue
		}
		var rec Record
		copy(rec[:], buf[:n])
		e, err := Decode(rec)
		if err != nil {
			u.drop(metrics, err)
			continue
		}

		shutdown := e.IsShutDown()
		if err := u.send(e); err != nil {
			if errors.IsEndOfStream(err) {
				return nil
			}
			return errors.Wrap(err, "UDPIngress", "readLoop", "inject")
		}
		u.received.Add(1)
		if shutdown {
			return nil
		}
	}
}

func (u *UDPIngress) drop(metrics *udpMetrics, reason error) {
	u.dropped.Add(1)
	if metrics != nil {
		metrics.packetsDropped.Inc()
	}
	u.logger.Debug("Datagram dropped", "reason", reason)
}
