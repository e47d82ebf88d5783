package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits on the pipe capacity.
const (
	DefaultCapacity = 64
	MaxCapacity     = 1 << 16
)

// UnsupportedVersion is the first chain file version this build rejects.
const UnsupportedVersion = "2.0.0"

// Config describes one filter chain.
type Config struct {
	Version  string        `yaml:"version" json:"version"`
	Capacity int           `yaml:"capacity,omitempty" json:"capacity,omitempty"`
	Metrics  MetricsConfig `yaml:"metrics" json:"metrics"`
	NATS     NATSConfig    `yaml:"nats,omitempty" json:"nats,omitempty"`
	Stages   []Stage       `yaml:"stages" json:"stages"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port,omitempty" json:"port,omitempty"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
}

// NATSConfig is the connection used by bridging filters. Empty URLs means
// no connection is made.
type NATSConfig struct {
	URLs          []string `yaml:"urls,omitempty" json:"urls,omitempty"`
	Name          string   `yaml:"name,omitempty" json:"name,omitempty"`
	Username      string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string   `yaml:"password,omitempty" json:"password,omitempty"`
	Token         string   `yaml:"token,omitempty" json:"token,omitempty"`
	MaxReconnects int      `yaml:"max_reconnects,omitempty" json:"max_reconnects,omitempty"`
	ReconnectWait string   `yaml:"reconnect_wait,omitempty" json:"reconnect_wait,omitempty"`
	PingInterval  string   `yaml:"ping_interval,omitempty" json:"ping_interval,omitempty"`
	DrainTimeout  string   `yaml:"drain_timeout,omitempty" json:"drain_timeout,omitempty"`
}

// NATSTimings are the parsed durations of a NATSConfig. Zero means the
// client default.
type NATSTimings struct {
	ReconnectWait time.Duration
	PingInterval  time.Duration
	DrainTimeout  time.Duration
}

// Timings parses the duration fields.
func (n NATSConfig) Timings() (NATSTimings, error) {
	var t NATSTimings
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"reconnect_wait", n.ReconnectWait, &t.ReconnectWait},
		{"ping_interval", n.PingInterval, &t.PingInterval},
		{"drain_timeout", n.DrainTimeout, &t.DrainTimeout},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return NATSTimings{}, fmt.Errorf("nats.%s: %w", f.name, err)
		}
		if d <= 0 {
			return NATSTimings{}, fmt.Errorf("nats.%s: must be positive, got %s", f.name, f.value)
		}
		*f.dst = d
	}
	return t, nil
}

// Stage is either a threaded filter (Filter set) or a group of filters
// composed into one synchronous pipe (Synchronous set).
type Stage struct {
	Name        string         `yaml:"name,omitempty" json:"name,omitempty"`
	Filter      string         `yaml:"filter,omitempty" json:"filter,omitempty"`
	Parameters  map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Synchronous []Stage        `yaml:"synchronous,omitempty" json:"synchronous,omitempty"`
}

// IsSynchronous reports whether s is a synchronous group.
func (s Stage) IsSynchronous() bool {
	return len(s.Synchronous) > 0
}

// Clone returns a copy of c that shares no stage slices or parameter maps
// with it.
func (c *Config) Clone() *Config {
	out := *c
	out.NATS.URLs = slices.Clone(c.NATS.URLs)
	out.Stages = cloneStages(c.Stages)
	return &out
}

func cloneStages(stages []Stage) []Stage {
	if stages == nil {
		return nil
	}
	out := make([]Stage, len(stages))
	for i, st := range stages {
		out[i] = st
		out[i].Parameters = maps.Clone(st.Parameters)
		out[i].Synchronous = cloneStages(st.Synchronous)
	}
	return out
}

// ApplyDefaults fills zero values and names unnamed stages
// "<filter>-<index>".
func (c *Config) ApplyDefaults() {
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	for i := range c.Stages {
		st := &c.Stages[i]
		if st.Name == "" && st.Filter != "" {
			st.Name = fmt.Sprintf("%s-%d", st.Filter, i)
		}
		if st.Name == "" && st.IsSynchronous() {
			st.Name = fmt.Sprintf("sync-%d", i)
		}
		for j := range st.Synchronous {
			sub := &st.Synchronous[j]
			if sub.Name == "" {
				sub.Name = fmt.Sprintf("%s-%d.%d", sub.Filter, i, j)
			}
		}
	}
}

// Validate checks the structure of the chain. It does not resolve filter
// names; that happens when the chain is assembled.
func (c *Config) Validate() error {
	cmp, err := CompareVersions(c.Version, UnsupportedVersion)
	if err != nil {
		return fmt.Errorf("version: %w", err)
	}
	if cmp >= 0 {
		return fmt.Errorf("version %s not supported, must be below %s", c.Version, UnsupportedVersion)
	}
	if c.Capacity < 0 || c.Capacity > MaxCapacity {
		return fmt.Errorf("capacity %d out of range 1..%d", c.Capacity, MaxCapacity)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}
	if _, err := c.NATS.Timings(); err != nil {
		return err
	}
	if len(c.Stages) == 0 {
		return errors.New("at least one stage is required")
	}

	names := make(map[string]bool)
	checkName := func(name string) error {
		if name == "" {
			return nil
		}
		if names[name] {
			return fmt.Errorf("duplicate stage name %q", name)
		}
		names[name] = true
		return nil
	}

	for i, st := range c.Stages {
		if err := checkName(st.Name); err != nil {
			return err
		}
		switch {
		case st.Filter != "" && st.IsSynchronous():
			return fmt.Errorf("stage %d: filter and synchronous are mutually exclusive", i)
		case st.Filter == "" && !st.IsSynchronous():
			return fmt.Errorf("stage %d: either filter or synchronous is required", i)
		case st.IsSynchronous():
			if i > 0 && c.Stages[i-1].IsSynchronous() {
				return fmt.Errorf("stage %d: adjacent synchronous groups must be merged", i)
			}
			if len(st.Parameters) > 0 {
				return fmt.Errorf("stage %d: a synchronous group takes no parameters", i)
			}
			for j, sub := range st.Synchronous {
				if sub.Filter == "" {
					return fmt.Errorf("stage %d.%d: filter is required", i, j)
				}
				if sub.IsSynchronous() {
					return fmt.Errorf("stage %d.%d: synchronous groups cannot nest", i, j)
				}
				if err := checkName(sub.Name); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// String returns the YAML representation of the config
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// SaveToFile writes the configuration as YAML.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}

// Loader reads one or more YAML layers, later layers overriding earlier
// ones key by key, then applies environment overrides.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  "SCGMS",
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges all layers, applies defaults and environment overrides and
// validates the result.
func (l *Loader) Load() (*Config, error) {
	merged := map[string]any{}
	for _, path := range l.layers {
		raw, err := loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("re-encode merged layers: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Parse decodes a single YAML (or JSON) document without environment
// overrides.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// deepMergeMaps merges override into base. Nested maps merge recursively;
// lists and scalars are replaced.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	env := func(suffix string) (string, error) {
		return lookupEnv(l.envPrefix + "_" + suffix)
	}
	atoi := func(suffix string, dst *int) (bool, error) {
		val, err := env(suffix)
		if err != nil || val == "" {
			return false, err
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return false, fmt.Errorf("%s_%s: %w", l.envPrefix, suffix, err)
		}
		*dst = n
		return true, nil
	}

	if _, err := atoi("PIPE_CAPACITY", &cfg.Capacity); err != nil {
		return err
	}
	set, err := atoi("METRICS_PORT", &cfg.Metrics.Port)
	if err != nil {
		return err
	}
	if set {
		cfg.Metrics.Enabled = true
	}

	urls, err := env("NATS_URLS")
	if err != nil {
		return err
	}
	if urls != "" {
		cfg.NATS.URLs = strings.Split(urls, ",")
	}
	for suffix, dst := range map[string]*string{
		"NATS_USERNAME": &cfg.NATS.Username,
		"NATS_PASSWORD": &cfg.NATS.Password,
		"NATS_TOKEN":    &cfg.NATS.Token,
	} {
		val, err := env(suffix)
		if err != nil {
			return err
		}
		if val != "" {
			*dst = val
		}
	}
	return nil
}

// CompareVersions compares two semver version strings and returns -1, 0
// or 1.
func CompareVersions(v1, v2 string) (int, error) {
	a1, b1, c1, err := parseSemVer(v1)
	if err != nil {
		return 0, fmt.Errorf("invalid version '%s': %w", v1, err)
	}
	a2, b2, c2, err := parseSemVer(v2)
	if err != nil {
		return 0, fmt.Errorf("invalid version '%s': %w", v2, err)
	}

	for _, pair := range [][2]int{{a1, a2}, {b1, b2}, {c1, c2}} {
		switch {
		case pair[0] > pair[1]:
			return 1, nil
		case pair[0] < pair[1]:
			return -1, nil
		}
	}
	return 0, nil
}

// parseSemVer parses "major.minor.patch" with an optional "v" prefix.
func parseSemVer(version string) (int, int, int, error) {
	if version == "" {
		return 0, 0, 0, errors.New("version cannot be empty")
	}

	parts := strings.Split(strings.TrimPrefix(version, "v"), ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("version must be in format 'major.minor.patch', got '%s'", version)
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("invalid version component '%s'", p)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}
