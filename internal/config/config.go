// Package config loads the engine configuration. Values come from built-in
// defaults, then an optional YAML file, then a .env file and finally
// CHANNELSYNC_* environment variables, later sources winning.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHANNELSYNC_"

// Config is the complete engine configuration.
type Config struct {
	Database   Database   `yaml:"database"`
	Broker     Broker     `yaml:"broker"`
	Dispatcher Dispatcher `yaml:"dispatcher"`
	Retry      Retry      `yaml:"retry"`
	RateLimit  RateLimit  `yaml:"rate_limit"`
	Retention  Retention  `yaml:"retention"`
	HTTP       HTTP       `yaml:"http"`
	Log        Log        `yaml:"log"`
	Channels   Channels   `yaml:"channels"`
}

// Database selects the gorm dialect.
type Database struct {
	// Driver is sqlite, postgres or mysql.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Broker selects how wake-ups travel between dispatchers.
type Broker struct {
	// Kind is none, memory or kafka.
	Kind    string   `yaml:"kind"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// Dispatcher mirrors dispatcher.Config.
type Dispatcher struct {
	Concurrency   int           `yaml:"concurrency"`
	BatchSize     int           `yaml:"batch_size"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
}

// Retry mirrors retry.Policy.
type Retry struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	Factor     float64       `yaml:"factor"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// RateLimit configures the quota limiter.
type RateLimit struct {
	// ReservePercent of an account's daily limit is kept back for
	// interactive use.
	ReservePercent int `yaml:"reserve_percent"`
	// DiscoveryWait is how long calls for an unseen account wait while its
	// first call is still outstanding. Zero keeps the limiter default.
	DiscoveryWait time.Duration `yaml:"discovery_wait"`
}

// Retention configures pruning of terminal tasks.
type Retention struct {
	Window   time.Duration `yaml:"window"`
	Interval time.Duration `yaml:"interval"`
	Disabled bool          `yaml:"disabled"`
}

// HTTP configures the status API.
type HTTP struct {
	Addr         string   `yaml:"addr"`
	AllowOrigins []string `yaml:"allow_origins"`
	ServerTiming bool     `yaml:"server_timing"`
}

// Log configures the slog handler.
type Log struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// Channels holds the channel API endpoints.
type Channels struct {
	EtsyBaseURL    string `yaml:"etsy_base_url"`
	EtsyAPIKey     string `yaml:"etsy_api_key"`
	ShopifyBaseURL string `yaml:"shopify_base_url"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Database: Database{Driver: "sqlite", DSN: "channelsync.db"},
		Broker:   Broker{Kind: "memory", Topic: "channelsync-wakeups", GroupID: "channelsync-dispatchers"},
		Dispatcher: Dispatcher{
			Concurrency:   8,
			BatchSize:     50,
			PollInterval:  time.Second,
			LeaseDuration: 5 * time.Minute,
		},
		Retry: Retry{
			MaxRetries: 5,
			BaseDelay:  2 * time.Second,
			Factor:     2,
			MaxDelay:   5 * time.Minute,
		},
		RateLimit: RateLimit{ReservePercent: 10},
		Retention: Retention{Window: 7 * 24 * time.Hour, Interval: time.Hour},
		HTTP:      HTTP{Addr: ":8080"},
		Log:       Log{Level: "info", Format: "text"},
		Channels: Channels{
			EtsyBaseURL:    "https://openapi.etsy.com",
			ShopifyBaseURL: "https://{shop}.myshopify.com",
		},
	}
}

// Load builds the configuration. path may be empty; a missing .env file is
// not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("config: load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = splitList(v)
		}
	}

	str("DATABASE_DRIVER", &c.Database.Driver)
	str("DATABASE_DSN", &c.Database.DSN)
	str("BROKER_KIND", &c.Broker.Kind)
	list("KAFKA_BROKERS", &c.Broker.Brokers)
	str("KAFKA_TOPIC", &c.Broker.Topic)
	str("KAFKA_GROUP_ID", &c.Broker.GroupID)
	integer("DISPATCHER_CONCURRENCY", &c.Dispatcher.Concurrency)
	integer("DISPATCHER_BATCH_SIZE", &c.Dispatcher.BatchSize)
	duration("DISPATCHER_POLL_INTERVAL", &c.Dispatcher.PollInterval)
	duration("DISPATCHER_LEASE", &c.Dispatcher.LeaseDuration)
	integer("RETRY_MAX", &c.Retry.MaxRetries)
	duration("RETRY_BASE_DELAY", &c.Retry.BaseDelay)
	float("RETRY_FACTOR", &c.Retry.Factor)
	duration("RETRY_MAX_DELAY", &c.Retry.MaxDelay)
	integer("QUOTA_RESERVE_PERCENT", &c.RateLimit.ReservePercent)
	duration("QUOTA_DISCOVERY_WAIT", &c.RateLimit.DiscoveryWait)
	duration("RETENTION_WINDOW", &c.Retention.Window)
	duration("RETENTION_INTERVAL", &c.Retention.Interval)
	boolean("RETENTION_DISABLED", &c.Retention.Disabled)
	str("HTTP_ADDR", &c.HTTP.Addr)
	list("HTTP_ALLOW_ORIGINS", &c.HTTP.AllowOrigins)
	boolean("HTTP_SERVER_TIMING", &c.HTTP.ServerTiming)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("ETSY_BASE_URL", &c.Channels.EtsyBaseURL)
	str("ETSY_API_KEY", &c.Channels.EtsyAPIKey)
	str("SHOPIFY_BASE_URL", &c.Channels.ShopifyBaseURL)

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every configuration mistake at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Errorf("config: unknown database driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("config: database dsn is required"))
	}
	switch c.Broker.Kind {
	case "none", "memory":
	case "kafka":
		if len(c.Broker.Brokers) == 0 || c.Broker.Topic == "" || c.Broker.GroupID == "" {
			errs = append(errs, errors.New("config: kafka broker needs brokers, topic and group id"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown broker kind %q", c.Broker.Kind))
	}
	if c.Dispatcher.Concurrency < 1 {
		errs = append(errs, errors.New("config: dispatcher concurrency must be at least 1"))
	}
	if c.Dispatcher.BatchSize < 1 {
		errs = append(errs, errors.New("config: dispatcher batch size must be at least 1"))
	}
	if c.Dispatcher.PollInterval <= 0 || c.Dispatcher.LeaseDuration <= 0 {
		errs = append(errs, errors.New("config: dispatcher poll interval and lease must be positive"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("config: max retries must not be negative"))
	}
	if c.RateLimit.ReservePercent < 0 || c.RateLimit.ReservePercent > 100 {
		errs = append(errs, fmt.Errorf("config: quota reserve %d%% is out of range", c.RateLimit.ReservePercent))
	}
	if !c.Retention.Disabled && (c.Retention.Window <= 0 || c.Retention.Interval <= 0) {
		errs = append(errs, errors.New("config: retention window and interval must be positive"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log format %q", c.Log.Format))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
