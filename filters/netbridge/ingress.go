package netbridge

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/filter"
	"github.com/SmartCGMS/core-sub005/metric"
)

// IngressID identifies the ingress filter.
var IngressID = uuid.MustParse("b6f1c9e4-2d3a-4f57-8e61-9a0b1c2d3e4f")

// IngressDescriptor documents the ingress parameters.
var IngressDescriptor = filter.Descriptor{
	ID:          IngressID,
	Name:        "net_ingress",
	Description: "Accepts one TCP peer and injects the events it sends",
	Parameters: append([]filter.ParameterDescriptor{
		{Name: "listen", Type: "string", Description: "Listen address host:port", Required: true},
	}, serverTLSParameters...),
}

// Register installs the egress and both ingress filters in r.
func Register(r *filter.Registry) error {
	if err := r.Register(EgressDescriptor, func(in filter.Receiver, out filter.Sender, deps filter.Dependencies) (filter.Filter, error) {
		return NewEgress(in, out, deps), nil
	}); err != nil {
		return err
	}
	if err := r.Register(UDPIngressDescriptor, func(in filter.Receiver, out filter.Sender, deps filter.Dependencies) (filter.Filter, error) {
		return NewUDPIngress(in, out, deps), nil
	}); err != nil {
		return err
	}
	return r.Register(IngressDescriptor, func(in filter.Receiver, out filter.Sender, deps filter.Dependencies) (filter.Filter, error) {
		return NewIngress(in, out, deps), nil
	})
}

// injector merges remotely received events with the local stream. Both
// share the output, so every Send happens under sendMu.
type injector struct {
	name    string
	in      filter.Receiver
	out     filter.Sender
	logger  *slog.Logger
	metrics *metric.Metrics

	sendMu sync.Mutex
}

func newInjector(in filter.Receiver, out filter.Sender, deps filter.Dependencies) injector {
	return injector{
		name:    deps.Stage,
		in:      in,
		out:     out,
		logger:  deps.GetLoggerWithComponent(deps.Stage),
		metrics: deps.CoreMetrics(),
	}
}

func (j *injector) send(e *event.Event) error {
	j.sendMu.Lock()
	defer j.sendMu.Unlock()

	code := e.Code
	if err := j.out.Send(e); err != nil {
		return err
	}
	if j.metrics != nil {
		j.metrics.RecordEventSent(j.name, code.String())
	}
	return nil
}

// pump runs serve in the background and forwards upstream events until
// the input ends. An upstream ShutDown stops serve before it is
// forwarded, so nothing remote follows it.
func (j *injector) pump(ctx context.Context, component string, serve func(context.Context) error) error {
	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- serve(serveCtx)
	}()
	waited := false
	stop := func() error {
		cancel()
		if waited {
			return nil
		}
		waited = true
		return <-done
	}
	defer func() { _ = stop() }()

	for {
		e, err := j.in.Receive()
		if err != nil {
			if serveErr := stop(); serveErr != nil {
				return serveErr
			}
			if errors.IsEndOfStream(err) {
				return nil
			}
			return errors.Wrap(err, component, "Run", "receive")
		}

		if e.IsShutDown() {
			if serveErr := stop(); serveErr != nil {
				_ = e.Release()
				return serveErr
			}
		}
		if err := j.send(e); err != nil && !errors.IsEndOfStream(err) {
			return errors.Wrap(err, component, "Run", "forward")
		}
	}
}

// Ingress is the receiving half of the TCP bridge.
type Ingress struct {
	injector

	ready chan struct{}
	addr  net.Addr
}

// NewIngress binds an ingress filter to its pipes.
func NewIngress(in filter.Receiver, out filter.Sender, deps filter.Dependencies) *Ingress {
	return &Ingress{
		injector: newInjector(in, out, deps),
		ready:    make(chan struct{}),
	}
}

// Addr blocks until Run is listening and returns the bound address. It
// returns nil when Run failed before listening.
func (i *Ingress) Addr() net.Addr {
	<-i.ready
	return i.addr
}

// Run listens, serves one peer and forwards its input.
func (i *Ingress) Run(ctx context.Context, cfg filter.Configuration) error {
	readyOnce := sync.OnceFunc(func() { close(i.ready) })
	defer readyOnce()

	if i.in == nil || i.out == nil {
		return errors.WrapFatal(errors.ErrInvalidArgument, "Ingress", "Run", "pipe endpoints")
	}
	cfg.Require("listen")
	address := cfg.String("listen", "")
	tlsConfig, err := serverTLS(cfg)
	if err != nil {
		cfg.Errors().Add("tls: %v", err)
	}
	if err := cfg.Err(); err != nil {
		return errors.WrapInvalid(err, "Ingress", "Run", "configure "+i.name)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return errors.WrapTransient(err, "Ingress", "Run", "listen "+address)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	i.addr = ln.Addr()
	readyOnce()
	i.logger.Info("Listening for peer", "address", i.addr.String(), "tls", tlsConfig != nil)

	return i.pump(ctx, "Ingress", func(ctx context.Context) error {
		return i.serve(ctx, ln)
	})
}

// serve accepts one peer and reads records until EOF, a remote ShutDown or
// cancellation. Cancellation closes the listener and the connection.
func (i *Ingress) serve(ctx context.Context, ln net.Listener) error {
	var (
		mu   sync.Mutex
		conn net.Conn
	)
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		mu.Lock()
		if conn != nil {
			_ = conn.Close()
		}
		mu.Unlock()
	})
	defer stop()
	defer ln.Close()

	c, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.WrapTransient(err, "Ingress", "serve", "accept")
	}
	mu.Lock()
	conn = c
	mu.Unlock()
	if ctx.Err() != nil {
		_ = c.Close()
		return nil
	}
	defer c.Close()
	i.logger.Info("Peer connected", "remote", c.RemoteAddr().String())

	var rec Record
	for {
		if _, err := io.ReadFull(c, rec[:]); err != nil {
			if ctx.Err() != nil || err == io.EOF {
				i.logger.Info("Peer disconnected", "remote", c.RemoteAddr().String())
				return nil
			}
			return errors.WrapTransient(err, "Ingress", "serve", "read record")
		}
		e, err := Decode(rec)
		if err != nil {
			return err
		}

		shutdown := e.IsShutDown()
		if err := i.send(e); err != nil {
			if errors.IsEndOfStream(err) {
				return nil
			}
			return errors.Wrap(err, "Ingress", "serve", "inject")
		}
		if shutdown {
			return nil
		}
	}
}
