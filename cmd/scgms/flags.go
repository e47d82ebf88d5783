package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	Overlays        []string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	MetricsPort     int
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
	WriteConfig     string
	ListFilters     bool
}

func parseFlags(args []string) (*CLIConfig, *flag.FlagSet, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	// Define flags with environment variable fallback
	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("SCGMS_CONFIG", "configs/chain.yaml"),
		"Path to chain configuration file (env: SCGMS_CONFIG)")

	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("SCGMS_CONFIG", "configs/chain.yaml"),
		"Path to chain configuration file (env: SCGMS_CONFIG)")

	var overlays string
	fs.StringVar(&overlays, "overlay",
		getEnv("SCGMS_CONFIG_OVERLAY", ""),
		"Comma-separated config files merged over --config, later files win (env: SCGMS_CONFIG_OVERLAY)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("SCGMS_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: SCGMS_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("SCGMS_LOG_FORMAT", "json"),
		"Log format: json, text (env: SCGMS_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("SCGMS_DEBUG", false),
		"Enable debug mode (env: SCGMS_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("SCGMS_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout before the chain is aborted (env: SCGMS_SHUTDOWN_TIMEOUT)")

	fs.IntVar(&cfg.MetricsPort, "metrics-port",
		getEnvInt("SCGMS_METRICS_PORT", 0),
		"Override the metrics port from the config, 0 keeps it (env: SCGMS_METRICS_PORT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")
	fs.BoolVar(&cfg.ListFilters, "list-filters", false, "List registered filters and exit")
	fs.StringVar(&cfg.WriteConfig, "write-config", "", "Write the merged configuration to this file and exit")

	fs.Usage = func() {
		printDetailedHelp(fs)
	}

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	for _, path := range strings.Split(overlays, ",") {
		if path = strings.TrimSpace(path); path != "" {
			cfg.Overlays = append(cfg.Overlays, path)
		}
	}

	return cfg, fs, nil
}

func validateFlags(cfg *CLIConfig) error {
	// Skip validation for special flags
	if cfg.ShowVersion || cfg.ShowHelp || cfg.ListFilters {
		return nil
	}

	for _, path := range append([]string{cfg.ConfigPath}, cfg.Overlays...) {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - filter chain runner

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run a chain
  %s --config=/path/to/chain.yaml

  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Run with environment variables
  export SCGMS_CONFIG=/etc/scgms/chain.yaml
  export SCGMS_NATS_URLS=nats://localhost:4222
  %s

  # Validate configuration only
  %s --validate

  # Merge a site overlay over the base chain and save the result
  %s --config=chain.yaml --overlay=site.yaml --write-config=effective.yaml

  # Show the filters a chain can use
  %s --list-filters

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
