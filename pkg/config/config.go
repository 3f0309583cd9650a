// Package config loads the storefront cache configuration from a YAML file
// with STOREFRONT_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/storefront-cache/pkg/cache"
	"github.com/Sternrassler/storefront-cache/pkg/logging"
	"github.com/Sternrassler/storefront-cache/pkg/monitor"
	"github.com/Sternrassler/storefront-cache/pkg/resilience"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STOREFRONT_"

// Common errors returned by the config package.
var (
	ErrInvalidDuration = errors.New("config: invalid duration")
	ErrInvalidConfig   = errors.New("config: invalid configuration")
)

// Duration is a time.Duration that accepts day and week units in YAML and
// environment values ("1d12h", "300ms").
type Duration time.Duration

// ParseDuration parses s with day and week support.
func ParseDuration(s string) (Duration, error) {
	d, err := str2duration.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w %q: %v", ErrInvalidDuration, s, err)
	}
	return Duration(d), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String formats the duration with day and week units.
func (d Duration) String() string {
	return str2duration.String(time.Duration(d))
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Config is the root configuration.
type Config struct {
	Log      logging.Config `yaml:"log"`
	Server   Server         `yaml:"server"`
	Redis    Redis          `yaml:"redis"`
	Cache    Cache          `yaml:"cache"`
	Executor Executor       `yaml:"executor"`
	Monitor  Monitor        `yaml:"monitor"`
}

// Server configures the HTTP surface.
type Server struct {
	Addr            string   `yaml:"addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	RequestTimeout  Duration `yaml:"request_timeout"`
}

// Redis configures the catalog store.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Cache configures the in-process cache and the freshness window of each
// read model.
type Cache struct {
	SweepInterval Duration `yaml:"sweep_interval"`
	Products      Policy   `yaml:"products"`
	Banners       Policy   `yaml:"banners"`
	Dashboard     Policy   `yaml:"dashboard"`
}

// Policy is a TTL plus the window after it in which a stale value is served.
type Policy struct {
	TTL            Duration `yaml:"ttl"`
	StaleExtension Duration `yaml:"stale_extension"`
}

// Executor holds the defaults of every upstream executor.
type Executor struct {
	MaxRetries         int      `yaml:"max_retries"`
	Timeout            Duration `yaml:"timeout"`
	RetryDelay         Duration `yaml:"retry_delay"`
	ExponentialBackoff bool     `yaml:"exponential_backoff"`
	MaxBackoff         Duration `yaml:"max_backoff"`
	Jitter             float64  `yaml:"jitter"`
	FailureThreshold   int      `yaml:"failure_threshold"`
	Cooldown           Duration `yaml:"cooldown"`
	DedupGrace         Duration `yaml:"dedup_grace"`
}

// Monitor configures the query performance monitor.
type Monitor struct {
	Enabled       bool     `yaml:"enabled"`
	SlowThreshold Duration `yaml:"slow_threshold"`
	Retention     int      `yaml:"retention"`
}

// Default returns the default configuration.
func Default() Config {
	exec := resilience.DefaultConfig()
	mon := monitor.DefaultConfig()

	return Config{
		Log: logging.DefaultConfig(),
		Server: Server{
			Addr:            ":8080",
			ShutdownTimeout: Duration(15 * time.Second),
			RequestTimeout:  Duration(30 * time.Second),
		},
		Redis: Redis{
			Addr: "localhost:6379",
		},
		Cache: Cache{
			SweepInterval: Duration(cache.DefaultSweepInterval),
			Products:      Policy{TTL: Duration(60 * time.Second), StaleExtension: Duration(120 * time.Second)},
			Banners:       Policy{TTL: Duration(5 * time.Minute), StaleExtension: Duration(10 * time.Minute)},
			Dashboard:     Policy{TTL: Duration(30 * time.Second), StaleExtension: Duration(60 * time.Second)},
		},
		Executor: Executor{
			MaxRetries:         exec.MaxRetries,
			Timeout:            Duration(exec.Timeout),
			RetryDelay:         Duration(exec.RetryDelay),
			ExponentialBackoff: exec.ExponentialBackoff,
			MaxBackoff:         Duration(exec.MaxBackoff),
			FailureThreshold:   exec.FailureThreshold,
			Cooldown:           Duration(exec.Cooldown),
			DedupGrace:         Duration(exec.DedupGrace),
		},
		Monitor: Monitor{
			Enabled:       mon.Enabled,
			SlowThreshold: Duration(mon.SlowThreshold),
			Retention:     mon.Retention,
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr is required")
	check(c.Server.ShutdownTimeout >= 0, "server.shutdown_timeout must not be negative")
	check(c.Redis.Addr != "", "redis.addr is required")
	check(c.Redis.DB >= 0, "redis.db must not be negative")
	check(c.Cache.SweepInterval >= 0, "cache.sweep_interval must not be negative")
	for name, p := range map[string]Policy{"products": c.Cache.Products, "banners": c.Cache.Banners, "dashboard": c.Cache.Dashboard} {
		check(p.TTL >= 0, "cache.%s.ttl must not be negative", name)
		check(p.StaleExtension >= 0, "cache.%s.stale_extension must not be negative", name)
	}
	check(c.Executor.MaxRetries >= 1, "executor.max_retries must be at least 1")
	check(c.Executor.Timeout > 0, "executor.timeout must be positive")
	check(c.Executor.RetryDelay > 0, "executor.retry_delay must be positive")
	check(c.Executor.FailureThreshold >= 1, "executor.failure_threshold must be at least 1")
	check(c.Executor.Cooldown > 0, "executor.cooldown must be positive")
	check(c.Executor.Jitter >= 0 && c.Executor.Jitter < 1, "executor.jitter must be in [0, 1)")
	check(c.Monitor.Retention >= 0, "monitor.retention must not be negative")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ExecutorConfig returns the executor configuration for the named upstream.
func (c Config) ExecutorConfig(name string, reg prometheus.Registerer) resilience.Config {
	e := c.Executor
	return resilience.Config{
		Name:               name,
		MaxRetries:         e.MaxRetries,
		Timeout:            e.Timeout.Std(),
		RetryDelay:         e.RetryDelay.Std(),
		ExponentialBackoff: e.ExponentialBackoff,
		MaxBackoff:         e.MaxBackoff.Std(),
		Jitter:             e.Jitter,
		FailureThreshold:   e.FailureThreshold,
		Cooldown:           e.Cooldown.Std(),
		DedupGrace:         e.DedupGrace.Std(),
		Registerer:         reg,
	}
}

// CacheOptions returns the cache options for the named cache.
func (c Config) CacheOptions(name string, reg prometheus.Registerer) []cache.Option {
	return []cache.Option{
		cache.WithName(name),
		cache.WithSweepInterval(c.Cache.SweepInterval.Std()),
		cache.WithRegisterer(reg),
	}
}

// MonitorConfig returns the monitor configuration.
func (c Config) MonitorConfig(reg prometheus.Registerer) monitor.Config {
	return monitor.Config{
		Enabled:       c.Monitor.Enabled,
		SlowThreshold: c.Monitor.SlowThreshold.Std(),
		Retention:     c.Monitor.Retention,
		Registerer:    reg,
	}
}

// applyEnv applies STOREFRONT_* overrides.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	var level string
	str("LOG_LEVEL", &level)
	if level != "" {
		c.Log.Level = logging.LogLevel(level)
	}
	boolean("LOG_PRETTY", &c.Log.Pretty)

	str("ADDR", &c.Server.Addr)
	duration("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	duration("REQUEST_TIMEOUT", &c.Server.RequestTimeout)

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	integer("REDIS_DB", &c.Redis.DB)

	duration("CACHE_SWEEP_INTERVAL", &c.Cache.SweepInterval)
	duration("CACHE_PRODUCTS_TTL", &c.Cache.Products.TTL)
	duration("CACHE_PRODUCTS_STALE_EXTENSION", &c.Cache.Products.StaleExtension)
	duration("CACHE_BANNERS_TTL", &c.Cache.Banners.TTL)
	duration("CACHE_BANNERS_STALE_EXTENSION", &c.Cache.Banners.StaleExtension)
	duration("CACHE_DASHBOARD_TTL", &c.Cache.Dashboard.TTL)
	duration("CACHE_DASHBOARD_STALE_EXTENSION", &c.Cache.Dashboard.StaleExtension)

	integer("EXECUTOR_MAX_RETRIES", &c.Executor.MaxRetries)
	duration("EXECUTOR_TIMEOUT", &c.Executor.Timeout)
	duration("EXECUTOR_RETRY_DELAY", &c.Executor.RetryDelay)
	boolean("EXECUTOR_EXPONENTIAL_BACKOFF", &c.Executor.ExponentialBackoff)
	integer("EXECUTOR_FAILURE_THRESHOLD", &c.Executor.FailureThreshold)
	duration("EXECUTOR_COOLDOWN", &c.Executor.Cooldown)
	duration("EXECUTOR_DEDUP_GRACE", &c.Executor.DedupGrace)

	boolean("MONITOR_ENABLED", &c.Monitor.Enabled)
	duration("MONITOR_SLOW_THRESHOLD", &c.Monitor.SlowThreshold)
	integer("MONITOR_RETENTION", &c.Monitor.Retention)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
