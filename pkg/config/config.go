package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "WEBTESTOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultWorkers is the default number of concurrent run coordinators.
	DefaultWorkers = 5

	// DefaultMaxAttempts bounds attempts for infrastructure failures.
	DefaultMaxAttempts = 3

	// DefaultBackoffBase is the first retry delay; it doubles per attempt.
	DefaultBackoffBase = 2 * time.Second

	// DefaultPollInterval is how often paused runs and idle workers poll.
	DefaultPollInterval = time.Second

	// DefaultSnapshotTTL is how long a paused run stays resumable.
	DefaultSnapshotTTL = 24 * time.Hour

	// DefaultControlTTL is how long the latest control message is kept.
	DefaultControlTTL = 10 * time.Minute

	// DefaultStepTimeout bounds a single step when a run sets none.
	DefaultStepTimeout = 30 * time.Second

	// DefaultKeyPrefix namespaces redis keys and channels.
	DefaultKeyPrefix = "webtestoor"

	// DefaultBrowserImage is the container image for docker-hosted browsers.
	DefaultBrowserImage = "chromedp/headless-shell:latest"

	// DefaultBrowserNetwork is the docker network browser containers join.
	DefaultBrowserNetwork = "webtestoor"

	// DefaultScreenshotDir is where local screenshots are written.
	DefaultScreenshotDir = "./screenshots"
)

// Config is the root configuration for webtestoor.
type Config struct {
	Global      GlobalConfig      `yaml:"global" mapstructure:"global"`
	API         APIConfig         `yaml:"api" mapstructure:"api"`
	Database    DatabaseConfig    `yaml:"database" mapstructure:"database"`
	Redis       RedisConfig       `yaml:"redis" mapstructure:"redis"`
	Control     ControlConfig     `yaml:"control" mapstructure:"control"`
	Scheduler   SchedulerConfig   `yaml:"scheduler" mapstructure:"scheduler"`
	Browser     BrowserConfig     `yaml:"browser" mapstructure:"browser"`
	Screenshots ScreenshotsConfig `yaml:"screenshots" mapstructure:"screenshots"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// RedisConfig configures the shared redis connection used by the state
// store, the control channel and the job queue.
type RedisConfig struct {
	URL       string `yaml:"url" mapstructure:"url"`
	Cluster   bool   `yaml:"cluster" mapstructure:"cluster"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// Enabled reports whether a redis URL is configured.
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

// ControlConfig selects the control channel transport.
type ControlConfig struct {
	// Driver is one of "redis", "nats" or "memory".
	Driver string     `yaml:"driver" mapstructure:"driver"`
	NATS   NATSConfig `yaml:"nats" mapstructure:"nats"`
}

// NATSConfig contains NATS connection settings.
type NATSConfig struct {
	URL  string `yaml:"url" mapstructure:"url"`
	Name string `yaml:"name" mapstructure:"name"`
}

// SchedulerConfig configures the worker pool.
type SchedulerConfig struct {
	Workers      int           `yaml:"workers" mapstructure:"workers"`
	MaxAttempts  int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base" mapstructure:"backoff_base"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	SnapshotTTL  time.Duration `yaml:"snapshot_ttl" mapstructure:"snapshot_ttl"`
	ControlTTL   time.Duration `yaml:"control_ttl" mapstructure:"control_ttl"`
	StepTimeout  time.Duration `yaml:"step_timeout" mapstructure:"step_timeout"`
}

// BrowserConfig configures how browser sessions are acquired.
type BrowserConfig struct {
	// Driver is one of "local", "remote" or "docker".
	Driver    string              `yaml:"driver" mapstructure:"driver"`
	ExecPath  string              `yaml:"exec_path" mapstructure:"exec_path"`
	Headless  bool                `yaml:"headless" mapstructure:"headless"`
	RemoteURL string              `yaml:"remote_url" mapstructure:"remote_url"`
	Docker    BrowserDockerConfig `yaml:"docker" mapstructure:"docker"`
	// MinFreeMemory refuses new sessions below this much available host
	// memory (e.g. "512MiB"). Empty disables the check.
	MinFreeMemory string `yaml:"min_free_memory" mapstructure:"min_free_memory"`
}

// BrowserDockerConfig configures docker-hosted browsers.
type BrowserDockerConfig struct {
	Image       string `yaml:"image" mapstructure:"image"`
	Network     string `yaml:"network" mapstructure:"network"`
	PullPolicy  string `yaml:"pull_policy" mapstructure:"pull_policy"`
	MemoryLimit string `yaml:"memory_limit" mapstructure:"memory_limit"`
}

// ScreenshotsConfig selects the screenshot storage backend.
type ScreenshotsConfig struct {
	Local LocalScreenshotConfig `yaml:"local" mapstructure:"local"`
	S3    S3Config              `yaml:"s3" mapstructure:"s3"`
}

// LocalScreenshotConfig stores screenshots on the local filesystem.
type LocalScreenshotConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// S3Config contains S3 settings for screenshot uploads.
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url" mapstructure:"endpoint_url"`
	Region          string `yaml:"region" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// defaults are registered with viper so every key can be overridden from
// the environment even when absent from the config files.
var defaults = map[string]any{
	"global.log_level": DefaultLogLevel,

	"api.server.listen":                         DefaultListen,
	"api.server.cors_origins":                   []string{},
	"api.server.rate_limit.enabled":             false,
	"api.server.rate_limit.requests_per_minute": 600,

	"database.driver":            "sqlite",
	"database.sqlite.path":       "webtestoor.db",
	"database.postgres.host":     "",
	"database.postgres.port":     5432,
	"database.postgres.user":     "",
	"database.postgres.password": "",
	"database.postgres.database": "",
	"database.postgres.ssl_mode": "disable",

	"redis.url":        "",
	"redis.cluster":    false,
	"redis.key_prefix": DefaultKeyPrefix,

	"control.driver":    "",
	"control.nats.url":  "",
	"control.nats.name": "webtestoor",

	"scheduler.workers":       DefaultWorkers,
	"scheduler.max_attempts":  DefaultMaxAttempts,
	"scheduler.backoff_base":  DefaultBackoffBase,
	"scheduler.poll_interval": DefaultPollInterval,
	"scheduler.snapshot_ttl":  DefaultSnapshotTTL,
	"scheduler.control_ttl":   DefaultControlTTL,
	"scheduler.step_timeout":  DefaultStepTimeout,

	"browser.driver":              "local",
	"browser.exec_path":           "",
	"browser.headless":            true,
	"browser.remote_url":          "",
	"browser.docker.image":        DefaultBrowserImage,
	"browser.docker.network":      DefaultBrowserNetwork,
	"browser.docker.pull_policy":  "if-not-present",
	"browser.docker.memory_limit": "",
	"browser.min_free_memory":     "",

	"screenshots.local.dir":            DefaultScreenshotDir,
	"screenshots.s3.enabled":           false,
	"screenshots.s3.endpoint_url":      "",
	"screenshots.s3.region":            "",
	"screenshots.s3.bucket":            "",
	"screenshots.s3.prefix":            "",
	"screenshots.s3.access_key_id":     "",
	"screenshots.s3.secret_access_key": "",
	"screenshots.s3.force_path_style":  false,
}

// Load reads and merges the given configuration files in order, applies
// WEBTESTOOR_* environment overrides and fills in defaults. With no paths
// the configuration is built from defaults and the environment alone.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets values that depend on other settings.
func (c *Config) applyDefaults() {
	if c.Control.Driver == "" {
		if c.Redis.Enabled() {
			c.Control.Driver = "redis"
		} else {
			c.Control.Driver = "memory"
		}
	}

	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = DefaultWorkers
	}

	if c.Scheduler.MaxAttempts <= 0 {
		c.Scheduler.MaxAttempts = DefaultMaxAttempts
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = DefaultKeyPrefix
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Control.Driver {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			return fmt.Errorf("control driver redis requires redis.url")
		}
	case "nats":
		if c.Control.NATS.URL == "" {
			return fmt.Errorf("control driver nats requires control.nats.url")
		}
	default:
		return fmt.Errorf("unknown control driver %q", c.Control.Driver)
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	switch c.Browser.Driver {
	case "local":
	case "remote":
		if c.Browser.RemoteURL == "" {
			return fmt.Errorf("browser driver remote requires browser.remote_url")
		}
	case "docker":
		if c.Browser.Docker.Image == "" {
			return fmt.Errorf("browser driver docker requires browser.docker.image")
		}

		if c.Browser.Docker.MemoryLimit != "" {
			if _, err := units.RAMInBytes(c.Browser.Docker.MemoryLimit); err != nil {
				return fmt.Errorf("invalid browser.docker.memory_limit: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown browser driver %q", c.Browser.Driver)
	}

	if c.Browser.MinFreeMemory != "" {
		if _, err := units.RAMInBytes(c.Browser.MinFreeMemory); err != nil {
			return fmt.Errorf("invalid browser.min_free_memory: %w", err)
		}
	}

	if c.Screenshots.S3.Enabled && c.Screenshots.S3.Bucket == "" {
		return fmt.Errorf("screenshots.s3.bucket is required when s3 is enabled")
	}

	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive")
	}

	if c.Scheduler.SnapshotTTL < c.Scheduler.PollInterval {
		return fmt.Errorf("scheduler.snapshot_ttl must be at least the poll interval")
	}

	return nil
}
