// Package main runs a filter chain described by a configuration file.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SmartCGMS/core-sub005/config"
	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/filter"
	"github.com/SmartCGMS/core-sub005/filterregistry"
	"github.com/SmartCGMS/core-sub005/health"
	"github.com/SmartCGMS/core-sub005/metric"
	"github.com/SmartCGMS/core-sub005/natsclient"
	"github.com/SmartCGMS/core-sub005/pipeline"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "scgms"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	cliCfg, fs, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil
	}

	filters, err := filterregistry.New()
	if err != nil {
		return fmt.Errorf("register filters: %w", err)
	}
	if cliCfg.ListFilters {
		return listFilters(stdout, filters)
	}

	logger := setupLogger(os.Stderr, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting scgms",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.WriteConfig != "" {
		if err := cfg.SaveToFile(cliCfg.WriteConfig); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		logger.Info("Configuration written", "path", cliCfg.WriteConfig, "stages", len(cfg.Stages))
		return nil
	}

	if cliCfg.Validate {
		return validateChain(cfg, filters, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runChain(ctx, cfg, filters, logger, cliCfg.ShutdownTimeout)
}

// loadConfig loads the chain definition and applies CLI overrides.
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	loader.AddLayer(cliCfg.ConfigPath)
	for _, path := range cliCfg.Overlays {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.MetricsPort > 0 {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Port = cliCfg.MetricsPort
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return cfg, nil
}

// validateChain assembles the chain without starting it, which resolves
// every filter name against the registry.
func validateChain(cfg *config.Config, filters *filter.Registry, logger *slog.Logger) error {
	driver, err := pipeline.NewDriver(cfg, filters, pipeline.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("assemble chain: %w", err)
	}
	driver.Abort()
	logger.Info("Configuration is valid", "stages", len(driver.Stages()))
	return nil
}

func listFilters(w io.Writer, filters *filter.Registry) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(filters.Descriptors()); err != nil {
		return fmt.Errorf("encode filter list: %w", err)
	}
	return enc.Close()
}

// runChain runs the chain until it stops on its own or ctx is cancelled,
// in which case it shuts the chain down gracefully and aborts it after
// shutdownTimeout.
func runChain(
	ctx context.Context,
	cfg *config.Config,
	filters *filter.Registry,
	logger *slog.Logger,
	shutdownTimeout time.Duration,
) error {
	registry := metric.NewMetricsRegistry()

	var natsHealthy atomic.Bool
	natsHealthy.Store(true)
	natsClient, err := connectToNATS(ctx, cfg.NATS, registry, logger, func(healthy bool) {
		natsHealthy.Store(healthy)
		logger.Info("NATS health changed", "healthy", healthy)
	})
	if err != nil {
		return err
	}
	if natsClient != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := natsClient.Close(closeCtx); err != nil {
				logger.Warn("NATS close failed", "error", err)
			}
		}()
	}

	var leaving atomic.Int64
	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(registry),
		pipeline.WithNATSClient(natsClient),
		pipeline.WithSink(func(e *event.Event) {
			leaving.Add(1)
			logger.Debug("Event left chain", "code", e.Code.String(), "logical_time", e.LogicalTime)
		}),
	}
	if natsClient != nil {
		opts = append(opts, pipeline.WithHealthCheck("nats", func() health.Status {
			if natsHealthy.Load() {
				return health.NewHealthy("nats", "connected")
			}
			return health.NewUnhealthy("nats", "disconnected")
		}))
	}
	driver, err := pipeline.NewDriver(cfg, filters, opts...)
	if err != nil {
		return fmt.Errorf("assemble chain: %w", err)
	}

	if cfg.Metrics.Enabled {
		server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, driver.HealthFunc())
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
		defer func() { _ = server.Stop() }()
		logger.Info("Metrics server started", "address", server.Address())
	}

	// The chain runs on its own context so that a signal leads to a
	// graceful shutdown rather than an immediate abort.
	if err := driver.Start(context.Background()); err != nil {
		return fmt.Errorf("start chain: %w", err)
	}
	logger.Info("Chain running", "stages", strings.Join(driver.Stages(), ","))

	select {
	case <-driver.Done():
		logger.Info("Chain stopped on its own")
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
		if err := driver.Shutdown(shutdownTimeout); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	if err := driver.Wait(); err != nil {
		return fmt.Errorf("chain failed: %w", err)
	}
	logger.Info("scgms shutdown complete", "events", leaving.Load())
	return nil
}

// connectToNATS connects when the configuration names servers and returns
// nil otherwise.
func connectToNATS(
	ctx context.Context,
	cfg config.NATSConfig,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
	onHealthChange func(healthy bool),
) (*natsclient.Client, error) {
	if len(cfg.URLs) == 0 {
		return nil, nil
	}

	opts, err := natsOptions(cfg, registry, logger, onHealthChange)
	if err != nil {
		return nil, err
	}

	client, err := natsclient.NewClient(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "urls", cfg.URLs)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

// natsOptions maps the nats section of the chain file onto client options.
func natsOptions(
	cfg config.NATSConfig,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
	onHealthChange func(healthy bool),
) ([]natsclient.ClientOption, error) {
	timings, err := cfg.Timings()
	if err != nil {
		return nil, err
	}

	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(registry),
	}
	if onHealthChange != nil {
		opts = append(opts, natsclient.WithHealthChangeCallback(onHealthChange))
	}
	if cfg.Name != "" {
		opts = append(opts, natsclient.WithName(cfg.Name))
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, natsclient.WithMaxReconnects(cfg.MaxReconnects))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	if timings.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(timings.ReconnectWait))
	}
	if timings.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(timings.PingInterval))
	}
	if timings.DrainTimeout > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(timings.DrainTimeout))
	}
	return opts, nil
}
