package netbridge

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/filter"
	"github.com/SmartCGMS/core-sub005/metric"
	"github.com/SmartCGMS/core-sub005/pkg/retry"
)

// EgressID identifies the egress filter.
var EgressID = uuid.MustParse("5d0a3b62-8a7f-4a39-8d36-3b7e4c1f2a90")

// EgressDescriptor documents the egress parameters.
var EgressDescriptor = filter.Descriptor{
	ID:          EgressID,
	Name:        "net_egress",
	Description: "Writes events to a TCP or UDP peer as fixed size records and forwards them",
	Parameters: append([]filter.ParameterDescriptor{
		{Name: "address", Type: "string", Description: "Peer host:port", Required: true},
		{Name: "network", Type: "string", Description: "tcp, or udp for one datagram per record", Default: "tcp"},
		{Name: "attempts", Type: "integer", Description: "Dial attempts before giving up", Default: 10},
		{Name: "dial_timeout", Type: "duration", Description: "Timeout of a single dial", Default: "5s"},
		{Name: "write_timeout", Type: "duration", Description: "Timeout of a single record write", Default: "10s"},
	}, clientTLSParameters...),
}

// Egress is the sending half of the bridge.
type Egress struct {
	name    string
	in      filter.Receiver
	out     filter.Sender
	logger  *slog.Logger
	metrics *metric.Metrics

	address      string
	network      string
	policy       errors.RetryConfig
	dialTimeout  time.Duration
	writeTimeout time.Duration
	tls          *tls.Config
}

// NewEgress binds an egress filter to its pipes.
func NewEgress(in filter.Receiver, out filter.Sender, deps filter.Dependencies) *Egress {
	return &Egress{
		name:    deps.Stage,
		in:      in,
		out:     out,
		logger:  deps.GetLoggerWithComponent(deps.Stage),
		metrics: deps.CoreMetrics(),
	}
}

func (g *Egress) configure(cfg filter.Configuration) error {
	cfg.Require("address")
	g.address = cfg.String("address", "")
	g.network = cfg.String("network", "tcp")
	g.policy = dialPolicy(cfg.Int("attempts", 10))
	if g.policy.MaxRetries < 0 {
		cfg.Errors().Add("parameter \"attempts\": must be at least 1")
	}
	g.dialTimeout = cfg.Duration("dial_timeout", 5*time.Second)
	g.writeTimeout = cfg.Duration("write_timeout", 10*time.Second)
	if g.address != "" {
		if _, _, err := net.SplitHostPort(g.address); err != nil {
			cfg.Errors().Add("parameter \"address\": %v", err)
		}
	}
	tlsConfig, err := clientTLS(cfg)
	if err != nil {
		cfg.Errors().Add("tls: %v", err)
	}
	g.tls = tlsConfig
	switch g.network {
	case "tcp":
	case "udp":
		if g.tls != nil {
			cfg.Errors().Add("parameter \"tls\": not available over udp")
		}
	default:
		cfg.Errors().Add("parameter \"network\": must be tcp or udp, got %q", g.network)
	}
	return cfg.Err()
}

func (g *Egress) dial(ctx context.Context) (net.Conn, error) {
	var dialer interface {
		DialContext(ctx context.Context, network, address string) (net.Conn, error)
	} = &net.Dialer{Timeout: g.dialTimeout}
	if g.tls != nil {
		dialer = &tls.Dialer{NetDialer: &net.Dialer{Timeout: g.dialTimeout}, Config: g.tls}
	}
	attempt := 0
	return retry.DoWithResult(ctx, g.policy.ToRetryConfig(), func() (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, g.network, g.address)
		if err == nil {
			return conn, nil
		}
		if !g.retryable(err, attempt) {
			return nil, retry.NonRetryable(err)
		}
		g.logger.Debug("Dial failed, retrying", "address", g.address, "error", err,
			"attempt", attempt+1, "base_delay", g.policy.BackoffDelay(attempt))
		attempt++
		return nil, err
	})
}

// dialPolicy retries quickly, for peers that are still starting up.
func dialPolicy(attempts int) errors.RetryConfig {
	policy := errors.DefaultRetryConfig()
	policy.MaxRetries = attempts - 1
	policy.InitialDelay = 50 * time.Millisecond
	policy.MaxDelay = time.Second
	policy.BackoffFactor = 1.5
	return policy
}

// retryable reports whether a failed dial is worth repeating. Refused or
// timed out connections are; name resolution and certificate failures
// are not.
func (g *Egress) retryable(err error, attempt int) bool {
	return g.policy.ShouldRetry(err, attempt)
}

// Run dials the peer, then writes and forwards until the input ends.
func (g *Egress) Run(ctx context.Context, cfg filter.Configuration) error {
	if g.in == nil || g.out == nil {
		return errors.WrapFatal(errors.ErrInvalidArgument, "Egress", "Run", "pipe endpoints")
	}
	if err := g.configure(cfg); err != nil {
		return errors.WrapInvalid(err, "Egress", "Run", "configure "+g.name)
	}

	conn, err := g.dial(ctx)
	if err != nil {
		return errors.WrapTransient(err, "Egress", "Run", "dial "+g.address)
	}
	defer conn.Close()
	g.logger.Info("Connected to peer", "address", g.address, "network", g.network, "tls", g.tls != nil)

	// Abort wakes a blocked write.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		e, err := g.in.Receive()
		if err != nil {
			if errors.IsEndOfStream(err) {
				return nil
			}
			return errors.Wrap(err, "Egress", "Run", "receive")
		}

		if Encodable(e) {
			if err := g.write(conn, e); err != nil {
				_ = e.Release()
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}

		code := e.Code
		if err := g.out.Send(e); err != nil {
			if errors.IsEndOfStream(err) {
				continue
			}
			return errors.Wrap(err, "Egress", "Run", "forward")
		}
		if g.metrics != nil {
			g.metrics.RecordEventSent(g.name, code.String())
		}
	}
}

func (g *Egress) write(conn net.Conn, e *event.Event) error {
	rec, err := Encode(e)
	if err != nil {
		// Out of range values are dropped from the wire only.
		g.logger.Warn("Event not encodable", "event", e.String(), "error", err)
		return nil
	}
	if err := conn.SetWriteDeadline(time.Now().Add(g.writeTimeout)); err != nil {
		return errors.WrapTransient(err, "Egress", "write", "set deadline")
	}
	if _, err := conn.Write(rec[:]); err != nil {
		return errors.WrapTransient(err, "Egress", "write", "record")
	}
	return nil
}
