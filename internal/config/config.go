// Package config loads the monitor daemon configuration from defaults, an
// optional YAML file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Backend   BackendConfig   `yaml:"backend"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Admin     AdminConfig     `yaml:"admin"`
	Backlog   BacklogConfig   `yaml:"backlog"`

	// Endpoints become HTTP endpoint checks.
	Endpoints []EndpointConfig `yaml:"endpoints"`

	// Queries become cached backend queries watched by the freshness check.
	Queries []QueryConfig `yaml:"queries"`
}

// AppConfig holds process-level settings.
type AppConfig struct {
	Port     string `yaml:"port"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
}

// MonitorConfig holds the request tracker and supervisor options.
type MonitorConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	SlowThreshold       time.Duration `yaml:"slow_threshold"`
	DecayWindow         time.Duration `yaml:"decay_window"`
	EscalationThreshold int           `yaml:"escalation_threshold"`
	IntensiveInterval   time.Duration `yaml:"intensive_interval"`
	IntensiveCycles     int           `yaml:"intensive_cycles"`
	RegularInterval     time.Duration `yaml:"regular_interval"`

	// EventQueueSize and EventDeliveryTimeout bound the buffer between the
	// monitor and its event sinks.
	EventQueueSize       int           `yaml:"event_queue_size"`
	EventDeliveryTimeout time.Duration `yaml:"event_delivery_timeout"`
}

// BackendConfig points at the hosted backend.
type BackendConfig struct {
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	MaxRetries uint64 `yaml:"max_retries"`
}

// DatabaseConfig enables the Postgres event store and ping check. Connection
// settings come from the DB_* variables read by the database package.
type DatabaseConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RedisConfig enables the cache health check.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// PubSubConfig enables alert publication and the command listener.
type PubSubConfig struct {
	ProjectID           string `yaml:"project_id"`
	AlertTopic          string `yaml:"alert_topic"`
	CommandSubscription string `yaml:"command_subscription"`
	MinSeverity         string `yaml:"min_severity"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// AdminConfig protects the mutating diagnostics endpoints.
type AdminConfig struct {
	JWTSigningKey string `yaml:"jwt_signing_key"`
}

// BacklogConfig bounds the in-flight request set.
type BacklogConfig struct {
	MaxInFlight int           `yaml:"max_in_flight"`
	MaxAge      time.Duration `yaml:"max_age"`
}

// EndpointConfig describes one HTTP endpoint check.
type EndpointConfig struct {
	ID      string `yaml:"id"`
	URL     string `yaml:"url"`
	Message string `yaml:"message"`
}

// QueryConfig describes one cached backend query.
type QueryConfig struct {
	Key        string        `yaml:"key"`
	Path       string        `yaml:"path"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		App: AppConfig{
			Port:     "8080",
			Env:      "development",
			LogLevel: "info",
		},
		Monitor: MonitorConfig{
			Timeout:             5 * time.Second,
			SlowThreshold:       2 * time.Second,
			DecayWindow:         5 * time.Minute,
			EscalationThreshold: 3,
			IntensiveInterval:   30 * time.Second,
			IntensiveCycles:     10,
			RegularInterval:     30 * time.Minute,

			EventQueueSize:       1024,
			EventDeliveryTimeout: 5 * time.Second,
		},
		Backend: BackendConfig{
			MaxRetries: 2,
		},
		PubSub: PubSubConfig{
			MinSeverity: "warning",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
		},
		Backlog: BacklogConfig{
			MaxInFlight: 50,
			MaxAge:      30 * time.Second,
		},
	}
}

// Load builds the configuration. path names an optional YAML file; when
// empty, MONITOR_CONFIG is consulted.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("MONITOR_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.App.Port = getEnvOrDefault("APP_PORT", c.App.Port)
	c.App.Env = getEnvOrDefault("APP_ENV", c.App.Env)
	c.App.LogLevel = getEnvOrDefault("LOG_LEVEL", c.App.LogLevel)

	c.Backend.URL = getEnvOrDefault("BACKEND_URL", c.Backend.URL)
	c.Backend.APIKey = getEnvOrDefault("BACKEND_API_KEY", c.Backend.APIKey)
	c.Redis.Addr = getEnvOrDefault("REDIS_ADDR", c.Redis.Addr)
	c.PubSub.ProjectID = getEnvOrDefault("PUBSUB_PROJECT_ID", c.PubSub.ProjectID)
	c.PubSub.AlertTopic = getEnvOrDefault("PUBSUB_ALERT_TOPIC", c.PubSub.AlertTopic)
	c.PubSub.CommandSubscription = getEnvOrDefault("PUBSUB_COMMAND_SUBSCRIPTION", c.PubSub.CommandSubscription)
	c.Telemetry.OTLPEndpoint = getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Admin.JWTSigningKey = getEnvOrDefault("ADMIN_JWT_SIGNING_KEY", c.Admin.JWTSigningKey)

	var errs []error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"MONITOR_TIMEOUT", &c.Monitor.Timeout},
		{"MONITOR_SLOW_THRESHOLD", &c.Monitor.SlowThreshold},
		{"MONITOR_DECAY_WINDOW", &c.Monitor.DecayWindow},
		{"MONITOR_INTENSIVE_INTERVAL", &c.Monitor.IntensiveInterval},
		{"MONITOR_REGULAR_INTERVAL", &c.Monitor.RegularInterval},
		{"MONITOR_EVENT_DELIVERY_TIMEOUT", &c.Monitor.EventDeliveryTimeout},
	}
	for _, d := range durations {
		errs = append(errs, envDuration(d.key, d.dst))
	}
	errs = append(errs,
		envInt("MONITOR_ESCALATION_THRESHOLD", &c.Monitor.EscalationThreshold),
		envInt("MONITOR_INTENSIVE_CYCLES", &c.Monitor.IntensiveCycles),
		envInt("MONITOR_EVENT_QUEUE_SIZE", &c.Monitor.EventQueueSize),
		envBool("DB_ENABLED", &c.Database.Enabled),
		envBool("OTEL_ENABLED", &c.Telemetry.Enabled),
	)
	return errors.Join(errs...)
}

// Validate rejects settings the monitor cannot run with.
func (c Config) Validate() error {
	var errs []error
	m := c.Monitor

	if m.Timeout <= 0 {
		errs = append(errs, errors.New("monitor.timeout must be positive"))
	}
	if m.SlowThreshold <= 0 || m.SlowThreshold >= m.Timeout {
		errs = append(errs, errors.New("monitor.slow_threshold must be positive and below monitor.timeout"))
	}
	if m.DecayWindow <= 0 {
		errs = append(errs, errors.New("monitor.decay_window must be positive"))
	}
	if m.EscalationThreshold < 1 {
		errs = append(errs, errors.New("monitor.escalation_threshold must be at least 1"))
	}
	if m.IntensiveInterval <= 0 || m.RegularInterval <= 0 {
		errs = append(errs, errors.New("monitor intervals must be positive"))
	}
	if m.IntensiveCycles < 1 {
		errs = append(errs, errors.New("monitor.intensive_cycles must be at least 1"))
	}
	if m.EventQueueSize < 1 || m.EventDeliveryTimeout <= 0 {
		errs = append(errs, errors.New("monitor.event_queue_size and monitor.event_delivery_timeout must be positive"))
	}

	for i, e := range c.Endpoints {
		if e.ID == "" || e.URL == "" {
			errs = append(errs, fmt.Errorf("endpoints[%d]: id and url are required", i))
		}
	}
	for i, q := range c.Queries {
		if q.Key == "" || q.Path == "" {
			errs = append(errs, fmt.Errorf("queries[%d]: key and path are required", i))
		}
	}
	if len(c.Queries) > 0 && c.Backend.URL == "" {
		errs = append(errs, errors.New("queries require backend.url"))
	}

	return errors.Join(errs...)
}

// IsProduction reports whether the daemon runs in production.
func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envDuration(key string, dst *time.Duration) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func envInt(key string, dst *int) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
