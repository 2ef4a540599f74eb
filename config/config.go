// Package config loads the engine configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name
const ConfigFileName = "cqrs.yaml"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
)

// Config is the engine configuration.
type Config struct {
	// Version of the config file format
	Version string `yaml:"version"`

	Project       ProjectConfig       `yaml:"project" envPrefix:"CQRS_PROJECT_"`
	Store         StoreConfig         `yaml:"store" envPrefix:"CQRS_STORE_"`
	State         StateConfig         `yaml:"state" envPrefix:"CQRS_STATE_"`
	Projector     ProjectorConfig     `yaml:"projector" envPrefix:"CQRS_PROJECTOR_"`
	Relay         RelayConfig         `yaml:"relay" envPrefix:"CQRS_RELAY_"`
	Identity      IdentityConfig      `yaml:"identity" envPrefix:"CQRS_IDENTITY_"`
	Observability ObservabilityConfig `yaml:"observability" envPrefix:"CQRS_"`
	Log           LogConfig           `yaml:"log" envPrefix:"CQRS_LOG_"`
}

// ProjectConfig contains project-level settings
type ProjectConfig struct {
	// Name identifies the deployment in metrics and traces.
	Name string `yaml:"name" env:"NAME"`
}

// StoreConfig selects the event log.
type StoreConfig struct {
	// Driver is memory, postgres or sqlite.
	Driver string `yaml:"driver" env:"DRIVER"`

	// URL is the postgres connection string or the sqlite file path.
	URL string `yaml:"url,omitempty" env:"URL"`

	// Schema is the postgres schema.
	Schema string `yaml:"schema" env:"SCHEMA"`

	// MaxConnections bounds the postgres pool.
	MaxConnections int `yaml:"max_connections" env:"MAX_CONNECTIONS"`
}

// StateConfig selects the state store.
type StateConfig struct {
	// Driver is memory, postgres, sqlite or redis. postgres and sqlite
	// share the event log's database.
	Driver string `yaml:"driver" env:"DRIVER"`

	// URL is the redis URL.
	URL string `yaml:"url,omitempty" env:"URL"`

	// Prefix namespaces redis keys.
	Prefix string `yaml:"prefix,omitempty" env:"PREFIX"`

	// Serializer is json, msgpack or protobuf.
	Serializer string `yaml:"serializer" env:"SERIALIZER"`
}

// ProjectorConfig tunes the projector.
type ProjectorConfig struct {
	Name         string        `yaml:"name" env:"NAME"`
	Shards       int           `yaml:"shards" env:"SHARDS"`
	QueueSize    int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	BatchSize    int           `yaml:"batch_size" env:"BATCH_SIZE"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	GapParking   bool          `yaml:"gap_parking" env:"GAP_PARKING"`
}

// RelayConfig configures event publishing. Empty sections are disabled.
type RelayConfig struct {
	Name    string        `yaml:"name" env:"NAME"`
	Kafka   KafkaConfig   `yaml:"kafka" envPrefix:"KAFKA_"`
	SNS     SNSConfig     `yaml:"sns" envPrefix:"SNS_"`
	Webhook WebhookConfig `yaml:"webhook" envPrefix:"WEBHOOK_"`
}

// Enabled reports whether any destination is configured.
func (r RelayConfig) Enabled() bool {
	return r.Kafka.Topic != "" || r.SNS.TopicARN != "" || r.Webhook.URL != ""
}

// KafkaConfig configures the kafka publisher.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers,omitempty" env:"BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic,omitempty" env:"TOPIC"`
}

// SNSConfig configures the SNS publisher.
type SNSConfig struct {
	TopicARN string `yaml:"topic_arn,omitempty" env:"TOPIC_ARN"`
	Region   string `yaml:"region,omitempty" env:"REGION"`
}

// WebhookConfig configures the webhook publisher.
type WebhookConfig struct {
	URL string `yaml:"url,omitempty" env:"URL"`
}

// IdentityConfig points at the identity service used by person registration.
// An empty endpoint selects the in-memory provisioner.
type IdentityConfig struct {
	Endpoint string        `yaml:"endpoint,omitempty" env:"ENDPOINT"`
	Token    string        `yaml:"-" env:"TOKEN"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ObservabilityConfig enables metrics and tracing.
type ObservabilityConfig struct {
	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr,omitempty" env:"METRICS_ADDR"`

	// Tracing writes spans to stderr.
	Tracing bool `yaml:"tracing" env:"TRACING"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Env is "production" for JSON logs; anything else logs for humans.
	Env string `yaml:"env" env:"ENV"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Project: ProjectConfig{
			Name: "people",
		},
		Store: StoreConfig{
			Driver: DriverPostgres,
			URL:    "${DATABASE_URL}",
			Schema: "cqrs",
		},
		State: StateConfig{
			Driver:     DriverPostgres,
			Prefix:     "cqrs:",
			Serializer: "json",
		},
		Projector: ProjectorConfig{
			Name:         "people",
			Shards:       4,
			QueueSize:    256,
			BatchSize:    100,
			PollInterval: 100 * time.Millisecond,
			GapParking:   true,
		},
		Relay: RelayConfig{
			Name: "relay",
		},
		Identity: IdentityConfig{
			Timeout: 10 * time.Second,
		},
		Log: LogConfig{
			Env: "development",
		},
	}
}

// Load loads configuration from the specified directory
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile loads configuration from a file, applies environment overrides
// and expands ${VAR} references in connection strings.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CQRS_* environment variables and expands
// ${VAR} references in URLs.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	c.Store.URL = os.ExpandEnv(c.Store.URL)
	c.State.URL = os.ExpandEnv(c.State.URL)
	c.Identity.Endpoint = os.ExpandEnv(c.Identity.Endpoint)
	return nil
}

// Save saves the configuration to the specified directory
func (c *Config) Save(dir string) error {
	return c.SaveFile(filepath.Join(dir, ConfigFileName))
}

// SaveFile saves the configuration to a specific file path
func (c *Config) SaveFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Exists checks if a config file exists in the directory
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// FindConfig searches for a config file starting from dir and going up
func FindConfig(dir string) (string, *Config, error) {
	current := dir
	for {
		configPath := filepath.Join(current, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			cfg, err := LoadFile(configPath)
			if err != nil {
				return "", nil, err
			}
			return current, cfg, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", nil, os.ErrNotExist
		}
		current = parent
	}
}

// Validate validates the configuration
func (c *Config) Validate() []string {
	var errors []string

	if c.Project.Name == "" {
		errors = append(errors, "project.name is required")
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if c.Store.URL == "" || strings.Contains(c.Store.URL, "${") {
			errors = append(errors, fmt.Sprintf("store.url is required for %s driver", c.Store.Driver))
		}
	case "":
		errors = append(errors, "store.driver is required")
	default:
		errors = append(errors, "store.driver must be 'memory', 'postgres' or 'sqlite'")
	}

	switch c.State.Driver {
	case DriverMemory:
		if c.Store.Driver != DriverMemory {
			errors = append(errors, "state.driver 'memory' loses state on restart; use it with store.driver 'memory' only")
		}
	case DriverPostgres, DriverSQLite:
		if c.State.Driver != c.Store.Driver {
			errors = append(errors, fmt.Sprintf("state.driver %s requires store.driver %s", c.State.Driver, c.State.Driver))
		}
	case DriverRedis:
		if c.State.URL == "" {
			errors = append(errors, "state.url is required for redis driver")
		}
	default:
		errors = append(errors, "state.driver must be 'memory', 'postgres', 'sqlite' or 'redis'")
	}

	switch c.State.Serializer {
	case "json", "msgpack", "protobuf":
	default:
		errors = append(errors, "state.serializer must be 'json', 'msgpack' or 'protobuf'")
	}

	if c.Projector.Shards < 1 {
		errors = append(errors, "projector.shards must be at least 1")
	}

	if c.Relay.Kafka.Topic != "" && len(c.Relay.Kafka.Brokers) == 0 {
		errors = append(errors, "relay.kafka.brokers is required when relay.kafka.topic is set")
	}

	return errors
}

// GenerateYAML generates YAML content with comments
func GenerateYAML(cfg *Config) string {
	return `# cqrs configuration
# Every value can be overridden by a CQRS_* environment variable,
# e.g. CQRS_STORE_URL or CQRS_RELAY_KAFKA_BROKERS.

version: "1"

project:
  name: "` + cfg.Project.Name + `"

# Event log: memory, postgres or sqlite
store:
  driver: "` + cfg.Store.Driver + `"
  # postgres connection string or sqlite file path
  url: "` + cfg.Store.URL + `"
  # postgres only
  schema: "` + cfg.Store.Schema + `"

# Projected state: memory, postgres, sqlite (same database as the store) or redis
state:
  driver: "` + cfg.State.Driver + `"
  # json, msgpack or protobuf
  serializer: "` + cfg.State.Serializer + `"

projector:
  name: "` + cfg.Projector.Name + `"
  shards: ` + fmt.Sprint(cfg.Projector.Shards) + `
  queue_size: ` + fmt.Sprint(cfg.Projector.QueueSize) + `
  batch_size: ` + fmt.Sprint(cfg.Projector.BatchSize) + `
  poll_interval: ` + cfg.Projector.PollInterval.String() + `
  gap_parking: ` + fmt.Sprint(cfg.Projector.GapParking) + `

# Event publishing; leave a section empty to disable it
relay:
  name: "` + cfg.Relay.Name + `"
  kafka:
    brokers: []
    topic: ""
  sns:
    topic_arn: ""
  webhook:
    url: ""

# Identity service for person registration; empty uses an in-memory stub
identity:
  endpoint: ""
  timeout: ` + cfg.Identity.Timeout.String() + `

observability:
  metrics_addr: ""
  tracing: false

log:
  # production logs JSON
  env: "` + cfg.Log.Env + `"
`
}
