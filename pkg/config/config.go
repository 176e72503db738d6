// Package config loads and validates the ingestion core configuration from a
// YAML file with environment-variable overrides. It provides typed structs for
// every subsystem (Server, Postgres, Redis, Kafka, Scheduler, Monitor, Gaps).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Gaps       GapsConfig       `yaml:"gaps"`
	Connectors ConnectorsConfig `yaml:"connectors"`
	Notifier   NotifierConfig   `yaml:"notifier"`
}

// ServerConfig holds HTTP server settings for the operator API.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// AllowOrigins enables CORS for the listed dashboard origins.
	AllowOrigins []string `yaml:"allowOrigins"`
}

// PostgresConfig holds PostgreSQL connection parameters. URL, when set,
// takes precedence over the discrete fields.
type PostgresConfig struct {
	URL             string        `yaml:"url"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis connection parameters. An empty Addr disables the
// Redis-backed registry cache and health state store.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"poolSize"`
	KeyPrefix string        `yaml:"keyPrefix"`
	CacheTTL  time.Duration `yaml:"cacheTTL"`
}

// KafkaConfig holds Kafka broker and topic settings. An empty broker list
// disables alert and run-event publishing.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	SourceAlerts string `yaml:"sourceAlerts"`
	RunEvents    string `yaml:"runEvents"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// BackoffConfig controls optional per-source backoff after consecutive
// connector failures.
type BackoffConfig struct {
	Enabled      bool          `yaml:"enabled"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// SchedulerConfig holds the tier cadence table and dispatch limits.
type SchedulerConfig struct {
	TickInterval    time.Duration            `yaml:"tickInterval"`
	TierIntervals   map[string]time.Duration `yaml:"tierIntervals"`
	TierConcurrency map[string]int           `yaml:"tierConcurrency"`
	ReapInterval    time.Duration            `yaml:"reapInterval"`
	StuckTimeout    time.Duration            `yaml:"stuckTimeout"`
	StatusUpcoming  int                      `yaml:"statusUpcoming"`
	AutoStart       bool                     `yaml:"autoStart"`
	Backoff         BackoffConfig            `yaml:"backoff"`
}

// MonitorConfig holds the staleness thresholds for health classification.
type MonitorConfig struct {
	Interval               time.Duration `yaml:"interval"`
	StaleDataThresholdDays int           `yaml:"staleDataThresholdDays"`
	CriticalThresholdDays  int           `yaml:"criticalThresholdDays"`
	EnableAlerts           bool          `yaml:"enableAlerts"`
	Parallelism            int           `yaml:"parallelism"`
}

// GapsConfig controls the coverage scan.
type GapsConfig struct {
	Interval         time.Duration `yaml:"interval"`
	ExpectationsFile string        `yaml:"expectationsFile"`
}

// ConnectorsConfig holds defaults for the generic HTTP connector adapters.
type ConnectorsConfig struct {
	Timeout          time.Duration     `yaml:"timeout"`
	Endpoints        map[string]string `yaml:"endpoints"`
	FailureThreshold int               `yaml:"failureThreshold"`
	ResetTimeout     time.Duration     `yaml:"resetTimeout"`
}

// NotifierConfig controls the alert relay binary.
type NotifierConfig struct {
	WebhookURL string        `yaml:"webhookUrl"`
	Timeout    time.Duration `yaml:"timeout"`
}

var validTiers = []string{"T1", "T2", "T3", "T4"}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints that YAML decoding cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, errors.New("scheduler.tickInterval must be positive"))
	}
	if c.Scheduler.ReapInterval <= 0 {
		errs = append(errs, errors.New("scheduler.reapInterval must be positive"))
	}
	if c.Scheduler.StuckTimeout <= 0 {
		errs = append(errs, errors.New("scheduler.stuckTimeout must be positive"))
	}
	for tier, d := range c.Scheduler.TierIntervals {
		if !isTier(tier) {
			errs = append(errs, fmt.Errorf("scheduler.tierIntervals: unknown tier %q", tier))
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("scheduler.tierIntervals.%s must be positive", tier))
		}
	}
	for tier, n := range c.Scheduler.TierConcurrency {
		if !isTier(tier) {
			errs = append(errs, fmt.Errorf("scheduler.tierConcurrency: unknown tier %q", tier))
		} else if n <= 0 {
			errs = append(errs, fmt.Errorf("scheduler.tierConcurrency.%s must be positive", tier))
		}
	}
	for _, tier := range validTiers {
		if _, ok := c.Scheduler.TierIntervals[tier]; !ok {
			errs = append(errs, fmt.Errorf("scheduler.tierIntervals.%s is required", tier))
		}
	}
	if c.Monitor.StaleDataThresholdDays <= 0 {
		errs = append(errs, errors.New("monitor.staleDataThresholdDays must be positive"))
	}
	if c.Monitor.CriticalThresholdDays < c.Monitor.StaleDataThresholdDays {
		errs = append(errs, errors.New("monitor.criticalThresholdDays must not be below staleDataThresholdDays"))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, errors.New("monitor.interval must be positive"))
	}
	if c.Gaps.Interval <= 0 {
		errs = append(errs, errors.New("gaps.interval must be positive"))
	}
	if c.Scheduler.Backoff.Enabled && c.Scheduler.Backoff.Multiplier < 1 {
		errs = append(errs, errors.New("scheduler.backoff.multiplier must be at least 1"))
	}
	return errors.Join(errs...)
}

func isTier(s string) bool {
	for _, t := range validTiers {
		if s == t {
			return true
		}
	}
	return false
}

// defaultConfig returns a Config with defaults suitable for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8090,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "yeto",
			User:            "yeto",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "ingestcore:",
			CacheTTL:  10 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "ingestcore-notifier",
			Topics: KafkaTopics{
				SourceAlerts: "source-alerts",
				RunEvents:    "ingestion-run-events",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9091,
		},
		Scheduler: SchedulerConfig{
			TickInterval: 2 * time.Minute,
			TierIntervals: map[string]time.Duration{
				"T1": 24 * time.Hour,
				"T2": 84 * time.Hour,
				"T3": 7 * 24 * time.Hour,
				"T4": 14 * 24 * time.Hour,
			},
			TierConcurrency: map[string]int{
				"T1": 8,
				"T2": 4,
				"T3": 2,
				"T4": 2,
			},
			ReapInterval:   15 * time.Minute,
			StuckTimeout:   60 * time.Minute,
			StatusUpcoming: 10,
			AutoStart:      true,
			Backoff: BackoffConfig{
				Enabled:      false,
				InitialDelay: 2 * time.Minute,
				MaxDelay:     24 * time.Hour,
				Multiplier:   2,
			},
		},
		Monitor: MonitorConfig{
			Interval:               15 * time.Minute,
			StaleDataThresholdDays: 7,
			CriticalThresholdDays:  14,
			EnableAlerts:           true,
			Parallelism:            8,
		},
		Gaps: GapsConfig{
			Interval:         time.Hour,
			ExpectationsFile: "configs/expectations.yaml",
		},
		Connectors: ConnectorsConfig{
			Timeout:          5 * time.Minute,
			Endpoints:        map[string]string{},
			FailureThreshold: 5,
			ResetTimeout:     10 * time.Minute,
		},
		Notifier: NotifierConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// applyEnvOverrides reads YI_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("YI_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("YI_DATABASE_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("YI_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("YI_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("YI_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("YI_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("YI_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("YI_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v, ok := os.LookupEnv("YI_REDIS_ADDR"); ok {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("YI_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v, ok := os.LookupEnv("YI_KAFKA_BROKERS"); ok {
		cfg.Kafka.Brokers = splitNonEmpty(v)
	}
	if v := os.Getenv("YI_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("YI_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("YI_SCHEDULER_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.TickInterval = d
		}
	}
	if v := os.Getenv("YI_NOTIFIER_WEBHOOK_URL"); v != "" {
		cfg.Notifier.WebhookURL = v
	}
	if v, ok := os.LookupEnv("YI_SERVER_ALLOW_ORIGINS"); ok {
		cfg.Server.AllowOrigins = splitNonEmpty(v)
	}
}

func splitNonEmpty(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
