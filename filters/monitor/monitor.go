// Package monitor serves a websocket endpoint that streams every passing
// event as JSON to connected viewers while forwarding it unchanged.
//
// Slow viewers never hold the chain back: each client has a bounded outbox
// that drops its oldest message when full.
package monitor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/filter"
	"github.com/SmartCGMS/core-sub005/metric"
	"github.com/SmartCGMS/core-sub005/pkg/buffer"
	"github.com/SmartCGMS/core-sub005/pkg/timestamp"
	"github.com/SmartCGMS/core-sub005/pkg/tlsutil"
)

// ID identifies the monitor filter.
var ID = uuid.MustParse("e7a1b2c3-d4e5-4f60-8a9b-0c1d2e3f4a5b")

// Descriptor documents the filter parameters.
var Descriptor = filter.Descriptor{
	ID:          ID,
	Name:        "monitor",
	Description: "Streams events as JSON to websocket clients and forwards them",
	Parameters: []filter.ParameterDescriptor{
		{Name: "listen", Type: "string", Description: "HTTP listen address", Default: "127.0.0.1:8081"},
		{Name: "path", Type: "string", Description: "Websocket endpoint path", Default: "/events"},
		{Name: "outbox", Type: "integer", Description: "Messages queued per client before the oldest is dropped", Default: 256},
		{Name: "tls_cert", Type: "string", Description: "PEM certificate; serves wss:// instead of ws://"},
		{Name: "tls_key", Type: "string", Description: "PEM private key of tls_cert"},
		{Name: "tls_min_version", Type: "string", Description: "Minimum TLS version, 1.2 or 1.3", Default: "1.2"},
	},
}

// Register installs the filter in r.
func Register(r *filter.Registry) error {
	return r.Register(Descriptor, func(in filter.Receiver, out filter.Sender, deps filter.Dependencies) (filter.Filter, error) {
		return New(in, out, deps), nil
	})
}

// Message is the JSON form of an event.
type Message struct {
	Code        string    `json:"code"`
	Device      string    `json:"device"`
	Signal      string    `json:"signal,omitempty"`
	DeviceTime  float64   `json:"device_time"`
	Time        string    `json:"time"`
	LogicalTime int64     `json:"logical_time"`
	Segment     uint64    `json:"segment"`
	Level       *float64  `json:"level,omitempty"`
	Info        string    `json:"info,omitempty"`
	Parameters  []float64 `json:"parameters,omitempty"`
}

// NewMessage captures e. It must be called before e is forwarded.
func NewMessage(e *event.Event) Message {
	m := Message{
		Code:        e.Code.String(),
		Device:      e.DeviceID.String(),
		DeviceTime:  e.DeviceTime,
		Time:        timestamp.ToTime(e.DeviceTime).Format(time.RFC3339Nano),
		LogicalTime: e.LogicalTime,
		Segment:     e.SegmentID,
	}
	switch {
	case e.Code.IsLevel():
		level := e.Level
		m.Level = &level
		m.Signal = event.SignalName(e.SignalID)
	case e.Code.IsInfo():
		m.Info = e.Info()
	case e.Code.IsParameters():
		m.Signal = event.SignalName(e.SignalID)
		m.Parameters = append([]float64(nil), e.Parameters()...)
	}
	return m
}

type client struct {
	conn      *websocket.Conn
	outbox    buffer.Buffer[[]byte]
	stopping  atomic.Bool
	closeOnce sync.Once
}

// Monitor is the filter.
type Monitor struct {
	name     string
	in       filter.Receiver
	out      filter.Sender
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics

	upgrader  websocket.Upgrader
	outboxCap int

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]*client
	closed    bool
	wg        sync.WaitGroup

	connected prometheus.Gauge

	ready chan struct{}
	addr  net.Addr
}

// New binds a monitor to its pipes.
func New(in filter.Receiver, out filter.Sender, deps filter.Dependencies) *Monitor {
	return &Monitor{
		name:     deps.Stage,
		in:       in,
		out:      out,
		logger:   deps.GetLoggerWithComponent(deps.Stage),
		registry: deps.MetricsRegistry,
		metrics:  deps.CoreMetrics(),
		upgrader: websocket.Upgrader{
			// Viewers are local dashboards.
			CheckOrigin:     func(_ *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*websocket.Conn]*client),
		ready:   make(chan struct{}),
	}
}

// Addr blocks until Run is listening and returns the bound address, or
// nil when Run failed first.
func (m *Monitor) Addr() net.Addr {
	<-m.ready
	return m.addr
}

// Clients returns the number of connected viewers.
func (m *Monitor) Clients() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}

func (m *Monitor) registerMetrics() {
	if m.registry == nil {
		return
	}
	m.connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   metric.Namespace,
		Subsystem:   "monitor",
		Name:        "clients_connected",
		Help:        "Websocket viewers connected to a monitor stage",
		ConstLabels: prometheus.Labels{"stage": m.name},
	})
	if err := m.registry.RegisterGauge(m.name, "monitor_clients_connected", m.connected); err != nil {
		m.logger.Warn("Monitor metrics not registered", "error", err)
		m.connected = nil
	}
}

// Run serves viewers and forwards input until it ends.
func (m *Monitor) Run(ctx context.Context, cfg filter.Configuration) error {
	readyOnce := sync.OnceFunc(func() { close(m.ready) })
	defer readyOnce()

	if m.in == nil || m.out == nil {
		return errors.WrapFatal(errors.ErrInvalidArgument, "Monitor", "Run", "pipe endpoints")
	}
	address := cfg.String("listen", "127.0.0.1:8081")
	path := cfg.String("path", "/events")
	m.outboxCap = cfg.Int("outbox", 256)
	if m.outboxCap <= 0 {
		cfg.Errors().Add("parameter \"outbox\": must be positive, got %d", m.outboxCap)
	}
	tlsConfig, err := tlsutil.LoadServerTLSConfig(tlsutil.ServerConfig{
		CertFile:   cfg.String("tls_cert", ""),
		KeyFile:    cfg.String("tls_key", ""),
		MinVersion: cfg.String("tls_min_version", ""),
	})
	if err != nil {
		cfg.Errors().Add("tls: %v", err)
	}
	if err := cfg.Err(); err != nil {
		return errors.WrapInvalid(err, "Monitor", "Run", "configure "+m.name)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return errors.WrapTransient(err, "Monitor", "Run", "listen "+address)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	m.addr = ln.Addr()
	m.registerMetrics()
	if m.registry != nil && m.connected != nil {
		defer m.registry.Unregister(m.name, "monitor_clients_connected")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, m.handleWebSocket)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Monitor server failed", "error", err)
		}
	}()
	readyOnce()
	m.logger.Info("Monitor listening", "address", m.addr.String(), "path", path, "tls", tlsConfig != nil)

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		<-serveDone
		m.closeAll()
		m.wg.Wait()
	}()

	for {
		e, err := m.in.Receive()
		if err != nil {
			if errors.IsEndOfStream(err) {
				return nil
			}
			return errors.Wrap(err, "Monitor", "Run", "receive")
		}

		data, jsonErr := json.Marshal(NewMessage(e))
		code := e.Code
		if err := m.out.Send(e); err != nil && !errors.IsEndOfStream(err) {
			return errors.Wrap(err, "Monitor", "Run", "forward")
		} else if err == nil && m.metrics != nil {
			m.metrics.RecordEventSent(m.name, code.String())
		}

		if jsonErr != nil {
			m.logger.Warn("Event not serializable", "error", jsonErr)
			continue
		}
		m.broadcast(data)
	}
}

func (m *Monitor) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Debug("Websocket upgrade failed", "error", err)
		return
	}

	outbox, err := buffer.NewCircularBuffer[[]byte](m.outboxCap,
		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest))
	if err != nil {
		_ = conn.Close()
		return
	}
	c := &client{conn: conn, outbox: outbox}

	m.clientsMu.Lock()
	if m.closed {
		m.clientsMu.Unlock()
		_ = conn.Close()
		return
	}
	m.clients[conn] = c
	if m.connected != nil {
		m.connected.Set(float64(len(m.clients)))
	}
	m.wg.Add(2)
	m.clientsMu.Unlock()

	m.logger.Debug("Viewer connected", "remote", conn.RemoteAddr().String())

	go m.readLoop(c)
	go m.writeLoop(c)
}

// readLoop consumes control frames until the viewer goes away.
func (m *Monitor) readLoop(c *client) {
	defer m.wg.Done()
	defer m.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop sends queued messages. When the monitor stops it flushes the
// outbox and says goodbye with a close frame.
func (m *Monitor) writeLoop(c *client) {
	defer m.wg.Done()
	defer m.remove(c)

	write := func(data []byte) bool {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return c.conn.WriteMessage(websocket.TextMessage, data) == nil
	}
	for {
		data, ok := c.outbox.Take()
		if !ok {
			break
		}
		if !write(data) {
			return
		}
	}

	if !c.stopping.Load() {
		return
	}
	for _, data := range c.outbox.Drain() {
		if !write(data) {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "chain stopped"),
		time.Now().Add(time.Second))
}

func (m *Monitor) broadcast(data []byte) {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for _, c := range m.clients {
		_ = c.outbox.Write(data)
	}
}

func (m *Monitor) remove(c *client) {
	c.closeOnce.Do(func() {
		m.clientsMu.Lock()
		delete(m.clients, c.conn)
		if m.connected != nil {
			m.connected.Set(float64(len(m.clients)))
		}
		m.clientsMu.Unlock()

		_ = c.outbox.Close()
		_ = c.conn.Close()
	})
}

// closeAll stops every viewer once its outbox is flushed.
func (m *Monitor) closeAll() {
	m.clientsMu.Lock()
	m.closed = true
	for _, c := range m.clients {
		c.stopping.Store(true)
		_ = c.outbox.Close()
	}
	m.clientsMu.Unlock()
}
