package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/therealutkarshpriyadarshi/spanship/internal/parser"
	"github.com/therealutkarshpriyadarshi/spanship/internal/profiling"
	"github.com/therealutkarshpriyadarshi/spanship/internal/reliability"
	"github.com/therealutkarshpriyadarshi/spanship/internal/sink"
	"gopkg.in/yaml.v3"
)

// Environment variables recognised by the original exporter. They override
// the file so existing deployments keep working.
const (
	EnvLogPath   = "NABU_TRACING_LOG_PATH"
	EnvStatePath = "LOG_EXPORTER_STATE_PATH"
)

// Default values
const (
	DefaultRoot            = "/var/log/nabu"
	DefaultCheckpointDir   = "/var/lib/spanship/checkpoints"
	DefaultSuffix          = ".log"
	DefaultMaxFileSize     = ByteSize(200 * humanize.MiByte)
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultMaxPollInterval = 2 * time.Second
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "auto"
	DefaultShutdownTimeout = 30 * time.Second
)

// Config represents the main configuration
type Config struct {
	Watch           WatchConfig      `yaml:"watch"`
	Checkpoint      CheckpointConfig `yaml:"checkpoint"`
	Tail            TailConfig       `yaml:"tail"`
	Parser          ParserConfig     `yaml:"parser"`
	Sink            sink.Config      `yaml:"sink"`
	Retry           RetryConfig      `yaml:"retry"`
	DeadLetter      DeadLetterConfig `yaml:"dead_letter"`
	Dispatcher      DispatcherConfig `yaml:"dispatcher"`
	Logging         LoggingConfig    `yaml:"logging"`
	Metrics         MetricsConfig    `yaml:"metrics"`
	Health          HealthConfig     `yaml:"health"`
	Tracing         TracingConfig    `yaml:"tracing"`
	Profiling       profiling.Config `yaml:"profiling"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
}

// WatchConfig selects which files are tailed
type WatchConfig struct {
	Root   string `yaml:"root"`
	Suffix string `yaml:"suffix"`

	// MaxFileSize marks files at or above it as already processed
	MaxFileSize ByteSize `yaml:"max_file_size"`
}

// CheckpointConfig holds checkpoint storage configuration
type CheckpointConfig struct {
	Dir string `yaml:"dir"`
}

// TailConfig tunes the per-file idle polling
type TailConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollInterval time.Duration `yaml:"max_poll_interval"`
}

// ParserConfig holds parser configuration
type ParserConfig struct {
	Format parser.Format `yaml:"format"` // tsv or json

	// Unparseable is forward or drop
	Unparseable string `yaml:"unparseable"`
}

// RetryConfig holds sink retry configuration
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	Multiplier     float64       `yaml:"multiplier,omitempty"`
	Jitter         bool          `yaml:"jitter"`
}

// Reliability converts to the retry policy used by workers
func (r RetryConfig) Reliability() reliability.RetryConfig {
	return reliability.RetryConfig{
		MaxRetries:     r.MaxRetries,
		InitialBackoff: r.InitialBackoff,
		MaxBackoff:     r.MaxBackoff,
		Multiplier:     r.Multiplier,
		Jitter:         r.Jitter,
	}
}

// DeadLetterConfig holds skipped-line journal configuration
type DeadLetterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`

	// MaxEntries caps the journal; 0 means unlimited
	MaxEntries int64 `yaml:"max_entries,omitempty"`
}

// DispatcherConfig holds dispatcher configuration
type DispatcherConfig struct {
	MaxFiles int `yaml:"max_files"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console or auto
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path,omitempty"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// SinkFailureThreshold is the number of consecutive delivery failures
	// after which the sink is reported unhealthy; 0 keeps it degraded
	SinkFailureThreshold int64 `yaml:"sink_failure_threshold,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// ByteSize is a size in bytes that reads human units such as "200MiB"
type ByteSize uint64

// UnmarshalYAML accepts plain integers or humanized sizes
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML writes the size in binary units
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Load loads configuration from a YAML file with environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := []byte(os.ExpandEnv(string(data)))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(expandedData, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path when it is set, otherwise the defaults with
// environment overrides applied
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}

	cfg := DefaultConfig()
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvLogPath); v != "" {
		c.Watch.Root = v
	}
	if v := os.Getenv(EnvStatePath); v != "" {
		c.Checkpoint.Dir = v
	}
}

// applyDefaults fills settings a config file explicitly emptied
func (c *Config) applyDefaults() {
	if c.Watch.Suffix == "" {
		c.Watch.Suffix = DefaultSuffix
	}
	if c.Watch.MaxFileSize == 0 {
		c.Watch.MaxFileSize = DefaultMaxFileSize
	}
	if c.Tail.PollInterval == 0 {
		c.Tail.PollInterval = DefaultPollInterval
	}
	if c.Tail.MaxPollInterval == 0 {
		c.Tail.MaxPollInterval = DefaultMaxPollInterval
	}
	if c.Parser.Format == "" {
		c.Parser.Format = parser.FormatTSV
	}
	if c.Parser.Unparseable == "" {
		c.Parser.Unparseable = "forward"
	}
	if c.DeadLetter.Dir == "" {
		c.DeadLetter.Dir = filepath.Join(c.Checkpoint.Dir, "dead-letter")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Watch.Root == "" {
		return fmt.Errorf("watch.root is required (or set %s)", EnvLogPath)
	}
	if c.Checkpoint.Dir == "" {
		return fmt.Errorf("checkpoint.dir is required (or set %s)", EnvStatePath)
	}

	root, err := filepath.Abs(c.Watch.Root)
	if err != nil {
		return fmt.Errorf("watch.root: %w", err)
	}
	dir, err := filepath.Abs(c.Checkpoint.Dir)
	if err != nil {
		return fmt.Errorf("checkpoint.dir: %w", err)
	}
	if dir == root || strings.HasPrefix(dir, root+string(filepath.Separator)) {
		return fmt.Errorf("checkpoint.dir %s must not be inside watch.root %s", c.Checkpoint.Dir, c.Watch.Root)
	}

	if c.Tail.MaxPollInterval < c.Tail.PollInterval {
		return fmt.Errorf("tail.max_poll_interval %v is shorter than tail.poll_interval %v",
			c.Tail.MaxPollInterval, c.Tail.PollInterval)
	}

	if _, err := parser.New(c.Parser.Format); err != nil {
		return err
	}
	if c.Parser.Unparseable != "forward" && c.Parser.Unparseable != "drop" {
		return fmt.Errorf("invalid parser.unparseable: %s (want forward or drop)", c.Parser.Unparseable)
	}

	validSinks := map[string]bool{
		"http": true, "kafka": true, "redis": true, "elasticsearch": true, "stdout": true,
	}
	if !validSinks[c.Sink.Type] {
		return fmt.Errorf("invalid sink type: %s", c.Sink.Type)
	}
	if c.Sink.RateLimit < 0 {
		return fmt.Errorf("sink.rate_limit must not be negative")
	}
	if c.Sink.CircuitBreaker.Failures < 0 || c.Sink.CircuitBreaker.Cooldown < 0 {
		return fmt.Errorf("sink.circuit_breaker settings must not be negative")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Dispatcher.MaxFiles < 0 {
		return fmt.Errorf("dispatcher.max_files must not be negative")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true, "auto": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}
	if c.Health.Enabled && c.Health.Address == "" {
		return fmt.Errorf("health.address is required when health checks are enabled")
	}
	if c.Profiling.Enabled && c.Profiling.Address == "" {
		return fmt.Errorf("profiling.address is required when profiling is enabled")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	retry := reliability.DefaultRetryConfig()

	return &Config{
		Watch: WatchConfig{
			Root:        DefaultRoot,
			Suffix:      DefaultSuffix,
			MaxFileSize: DefaultMaxFileSize,
		},
		Checkpoint: CheckpointConfig{
			Dir: DefaultCheckpointDir,
		},
		Tail: TailConfig{
			PollInterval:    DefaultPollInterval,
			MaxPollInterval: DefaultMaxPollInterval,
		},
		Parser: ParserConfig{
			Format:      parser.FormatTSV,
			Unparseable: "forward",
		},
		Sink: sink.DefaultConfig(),
		Retry: RetryConfig{
			MaxRetries:     retry.MaxRetries,
			InitialBackoff: retry.InitialBackoff,
			MaxBackoff:     retry.MaxBackoff,
			Multiplier:     retry.Multiplier,
			Jitter:         retry.Jitter,
		},
		DeadLetter: DeadLetterConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Metrics: MetricsConfig{
			Address: ":9090",
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Address:              ":8080",
			Timeout:              5 * time.Second,
			SinkFailureThreshold: 100,
		},
		Tracing: TracingConfig{
			Endpoint:   "localhost:4317",
			SampleRate: 1.0,
		},
		Profiling:       profiling.DefaultConfig(),
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}
