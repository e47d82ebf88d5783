// Package filterregistry installs the built-in filters.
package filterregistry

import (
	"errors"

	pkgerrors "github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/filter"
	"github.com/SmartCGMS/core-sub005/filters/eventlog"
	"github.com/SmartCGMS/core-sub005/filters/generator"
	"github.com/SmartCGMS/core-sub005/filters/logger"
	"github.com/SmartCGMS/core-sub005/filters/mapping"
	"github.com/SmartCGMS/core-sub005/filters/masking"
	"github.com/SmartCGMS/core-sub005/filters/monitor"
	"github.com/SmartCGMS/core-sub005/filters/natsbridge"
	"github.com/SmartCGMS/core-sub005/filters/netbridge"
	"github.com/SmartCGMS/core-sub005/filters/stats"
)

// Register installs every built-in filter:
//
// Synchronous capable:
//   - mapping (signal re-labelling)
//   - masking (cyclic bitmask drop)
//   - logger (structured event log)
//   - stats (per-segment summaries)
//
// Threaded only:
//   - generator (synthetic segments)
//   - net_egress / net_ingress / udp_ingress (record bridge)
//   - nats_bridge (NATS publish and inject)
//   - monitor (websocket viewer stream)
//   - event_log (csv or jsonl file)
func Register(registry *filter.Registry) error {
	// Nil registry is a programming error (fatal), not invalid input
	if registry == nil {
		return pkgerrors.WrapFatal(
			errors.New("registry cannot be nil"),
			"FilterRegistry", "Register", "registry validation")
	}

	installs := []struct {
		name     string
		register func(*filter.Registry) error
	}{
		{"mapping", mapping.Register},
		{"masking", masking.Register},
		{"logger", logger.Register},
		{"stats", stats.Register},
		{"generator", generator.Register},
		{"netbridge", netbridge.Register},
		{"natsbridge", natsbridge.Register},
		{"monitor", monitor.Register},
		{"eventlog", eventlog.Register},
	}
	for _, f := range installs {
		if err := f.register(registry); err != nil {
			return pkgerrors.WrapInvalid(err, "FilterRegistry", "Register", f.name+" filter registration")
		}
	}
	return nil
}

// New returns a registry holding every built-in filter.
func New() (*filter.Registry, error) {
	r := filter.NewRegistry()
	if err := Register(r); err != nil {
		return nil, err
	}
	return r, nil
}
