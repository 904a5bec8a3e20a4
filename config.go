package orchestra

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Storage drivers understood by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

// Config is the runtime configuration read by LoadConfig and used by Open.
type Config struct {
	// HostID identifies this process as a lock owner. Empty generates one.
	HostID  string        `yaml:"host_id"`
	Engine  EngineConfig  `yaml:"engine"`
	Storage StorageConfig `yaml:"storage"`
	Events  EventsConfig  `yaml:"events"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// EngineConfig tunes the controller.
type EngineConfig struct {
	WorkerIdleTimeout time.Duration `yaml:"worker_idle_timeout"`
	// LockExpiration applies to definitions that don't set one.
	LockExpiration time.Duration `yaml:"lock_expiration"`
	AwaitPublish   bool          `yaml:"await_publish"`
	// SweepSchedule is a cron spec, e.g. "@every 30s" or "*/5 * * * *".
	SweepSchedule string `yaml:"sweep_schedule"`
	QueueCapacity int    `yaml:"queue_capacity"`
}

// StorageConfig selects the backend for instances, events and leases.
type StorageConfig struct {
	// Driver is one of memory, sqlite, postgres, redis, mongo.
	Driver string `yaml:"driver"`
	// DSN is a file path or URI for sqlite, a connection string for
	// postgres, a redis:// URL, or a mongodb:// URI.
	DSN string `yaml:"dsn"`
	// Prefix namespaces Redis keys.
	Prefix string `yaml:"prefix"`
	// Database names the MongoDB database.
	Database string `yaml:"database"`
}

// EventsConfig controls out-of-band event delivery.
type EventsConfig struct {
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// LoggingConfig configures the slog logger built by NewLogger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
	// Output is stdout, stderr, or a file path.
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// MetricsConfig enables the Prometheus publisher.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// LoadConfig reads the YAML config file at path, applies defaults and
// validates it.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	return ParseConfig(f)
}

// ParseConfig decodes YAML from r. Unknown keys are rejected.
func ParseConfig(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode YAML config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults sets reasonable default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Engine.WorkerIdleTimeout <= 0 {
		c.Engine.WorkerIdleTimeout = DefaultWorkerIdleTimeout
	}
	if c.Engine.LockExpiration <= 0 {
		c.Engine.LockExpiration = DefaultLockExpiration
	}
	if c.Engine.SweepSchedule == "" {
		c.Engine.SweepSchedule = "@every 1m"
	}
	if c.Engine.QueueCapacity <= 0 {
		c.Engine.QueueCapacity = 1024
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Storage.Driver == DriverMongo && c.Storage.Database == "" {
		c.Storage.Database = "orchestra"
	}
	if c.Events.Workers <= 0 {
		c.Events.Workers = 1
	}
	if c.Events.MaxAttempts <= 0 {
		c.Events.MaxAttempts = 3
	}
	if c.Events.Backoff <= 0 {
		c.Events.Backoff = time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// Validate checks the configuration after defaults were applied.
func (c *Config) Validate() error {
	var errs []error
	drivers := []string{DriverMemory, DriverSQLite, DriverPostgres, DriverRedis, DriverMongo}
	if !slices.Contains(drivers, c.Storage.Driver) {
		errs = append(errs, fmt.Errorf("storage.driver must be one of: %s", strings.Join(drivers, ", ")))
	}
	if c.Storage.Driver != DriverMemory && c.Storage.DSN == "" {
		errs = append(errs, fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver))
	}
	if c.Engine.SweepSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Engine.SweepSchedule); err != nil {
			errs = append(errs, fmt.Errorf("engine.sweep_schedule: %w", err))
		}
	}
	levels := []string{"debug", "info", "warn", "error"}
	if c.Logging.Level != "" && !slices.Contains(levels, strings.ToLower(c.Logging.Level)) {
		errs = append(errs, fmt.Errorf("logging.level must be one of: %s", strings.Join(levels, ", ")))
	}
	formats := []string{"json", "text"}
	if c.Logging.Format != "" && !slices.Contains(formats, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format must be one of: %s", strings.Join(formats, ", ")))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// NewLogger builds a slog logger from cfg. The returned closer releases
// the log file when Output is a path; it is a no-op otherwise.
func NewLogger(cfg LoggingConfig) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var (
		w      io.Writer
		closer io.Closer = nopCloser{}
	)
	switch cfg.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		w, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}
	var handler slog.Handler
	switch cfg.Format {
	case "", "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		closer.Close()
		return nil, nil, fmt.Errorf("unsupported log format: %s", cfg.Format)
	}
	return slog.New(handler), closer, nil
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", level)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
