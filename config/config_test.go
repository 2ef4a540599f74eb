package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "1", cfg.Version)
	assert.Equal(t, "people", cfg.Project.Name)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "cqrs", cfg.Store.Schema)
	assert.Equal(t, "json", cfg.State.Serializer)
	assert.Equal(t, 4, cfg.Projector.Shards)
	assert.False(t, cfg.Relay.Enabled())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name       string
		modify     func(*Config)
		wantErrors int
	}{
		{
			name:       "postgres with URL",
			modify:     func(c *Config) { c.Store.URL = "postgres://localhost/db" },
			wantErrors: 0,
		},
		{
			name:       "unexpanded URL",
			modify:     func(c *Config) {},
			wantErrors: 1,
		},
		{
			name: "all memory",
			modify: func(c *Config) {
				c.Store.Driver = DriverMemory
				c.State.Driver = DriverMemory
			},
			wantErrors: 0,
		},
		{
			name: "memory state over durable log",
			modify: func(c *Config) {
				c.Store.URL = "postgres://localhost/db"
				c.State.Driver = DriverMemory
			},
			wantErrors: 1,
		},
		{
			name: "sqlite state needs sqlite log",
			modify: func(c *Config) {
				c.Store.URL = "postgres://localhost/db"
				c.State.Driver = DriverSQLite
			},
			wantErrors: 1,
		},
		{
			name: "redis without URL",
			modify: func(c *Config) {
				c.Store.URL = "postgres://localhost/db"
				c.State.Driver = DriverRedis
			},
			wantErrors: 1,
		},
		{
			name:       "missing project name",
			modify:     func(c *Config) { c.Project.Name = ""; c.Store.URL = "postgres://localhost/db" },
			wantErrors: 1,
		},
		{
			name:       "missing driver",
			modify:     func(c *Config) { c.Store.Driver = "" },
			wantErrors: 2, // missing store driver and postgres state without postgres log
		},
		{
			name:       "invalid serializer",
			modify:     func(c *Config) { c.Store.URL = "x"; c.State.Serializer = "xml" },
			wantErrors: 1,
		},
		{
			name:       "kafka topic without brokers",
			modify:     func(c *Config) { c.Store.URL = "x"; c.Relay.Kafka.Topic = "people" },
			wantErrors: 1,
		},
		{
			name:       "no shards",
			modify:     func(c *Config) { c.Store.URL = "x"; c.Projector.Shards = 0 },
			wantErrors: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			errors := cfg.Validate()
			assert.Equal(t, tt.wantErrors, len(errors), "errors: %v", errors)
		})
	}
}

func TestConfig_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Store.Driver = DriverSQLite
	cfg.Store.URL = filepath.Join(dir, "events.db")
	cfg.State.Driver = DriverSQLite
	cfg.Projector.PollInterval = 250 * time.Millisecond
	cfg.Relay.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Relay.Kafka.Topic = "people"

	require.NoError(t, cfg.Save(dir))
	assert.True(t, Exists(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.Store, loaded.Store)
	assert.Equal(t, cfg.Projector, loaded.Projector)
	assert.Equal(t, cfg.Relay, loaded.Relay)
	assert.True(t, loaded.Relay.Enabled())
	assert.Empty(t, loaded.Validate())
}

func TestLoadFile_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(`
version: "1"
project:
  name: people
store:
  driver: postgres
  url: "${TEST_CQRS_DB}"
projector:
  shards: 2
`), 0644))

	t.Setenv("TEST_CQRS_DB", "postgres://db/people")
	t.Setenv("CQRS_PROJECTOR_SHARDS", "8")
	t.Setenv("CQRS_RELAY_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("CQRS_LOG_ENV", "production")
	t.Setenv("CQRS_TRACING", "true")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "postgres://db/people", cfg.Store.URL)
	assert.Equal(t, 8, cfg.Projector.Shards)
	assert.Equal(t, 256, cfg.Projector.QueueSize, "unset keys keep defaults")
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Relay.Kafka.Brokers)
	assert.Equal(t, "production", cfg.Log.Env)
	assert.True(t, cfg.Observability.Tracing)
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(dir)
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("store: [unterminated"), 0644))
	_, err = LoadFile(path)
	assert.ErrorContains(t, err, "config: parse")

	require.NoError(t, os.WriteFile(path, []byte("version: \"1\"\n"), 0644))
	t.Setenv("CQRS_PROJECTOR_SHARDS", "many")
	_, err = LoadFile(path)
	assert.ErrorContains(t, err, "config: parse env")
}

func TestFindConfig(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))
	require.NoError(t, DefaultConfig().Save(root))

	found, cfg, err := FindConfig(nested)
	require.NoError(t, err)
	assert.Equal(t, root, found)
	assert.Equal(t, "people", cfg.Project.Name)

	_, _, err = FindConfig(t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestGenerateYAML(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Store.Driver = DriverMemory
	cfg.Store.URL = ""
	cfg.State.Driver = DriverMemory

	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(GenerateYAML(cfg)), 0644))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Store.Driver, loaded.Store.Driver)
	assert.Equal(t, cfg.Projector, loaded.Projector)
	assert.Equal(t, cfg.Identity.Timeout, loaded.Identity.Timeout)
	assert.Empty(t, loaded.Validate())
}
