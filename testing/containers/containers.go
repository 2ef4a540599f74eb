// Package containers provides database environments for integration tests.
// It connects to the PostgreSQL instance started by docker-compose.test.yml
// (or named by TEST_DATABASE_URL) and gives every test its own schema.
package containers

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/access-news/cqrs"
	"github.com/access-news/cqrs/adapters/postgres"
	"github.com/access-news/cqrs/domain"
	"github.com/access-news/cqrs/identity"
	"github.com/access-news/cqrs/testing/testutil"
)

// PostgresContainer describes a reachable PostgreSQL server.
type PostgresContainer struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
	connStr  string
}

// PostgresOption configures a PostgreSQL container.
type PostgresOption func(*postgresConfig)

type postgresConfig struct {
	url      string
	host     string
	database string
	user     string
	password string
	port     string
	attempts uint
}

// WithPostgresURL sets the full connection string, overriding the other
// options.
func WithPostgresURL(connStr string) PostgresOption {
	return func(c *postgresConfig) {
		c.url = connStr
	}
}

// WithPostgresHost sets the database host.
func WithPostgresHost(host string) PostgresOption {
	return func(c *postgresConfig) {
		c.host = host
	}
}

// WithPostgresDatabase sets the database name.
func WithPostgresDatabase(database string) PostgresOption {
	return func(c *postgresConfig) {
		c.database = database
	}
}

// WithPostgresUser sets the database user.
func WithPostgresUser(user string) PostgresOption {
	return func(c *postgresConfig) {
		c.user = user
	}
}

// WithPostgresPassword sets the database password.
func WithPostgresPassword(password string) PostgresOption {
	return func(c *postgresConfig) {
		c.password = password
	}
}

// WithPostgresPort sets the host port.
func WithPostgresPort(port string) PostgresOption {
	return func(c *postgresConfig) {
		c.port = port
	}
}

// WithConnectAttempts sets how many times the server is pinged before the
// test is skipped.
func WithConnectAttempts(n uint) PostgresOption {
	return func(c *postgresConfig) {
		c.attempts = n
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// defaultPostgresConfig reads the environment, falling back to the values in
// docker-compose.test.yml.
//
// Environment variables:
//   - TEST_DATABASE_URL: full connection string
//   - TEST_POSTGRES_HOST (default: localhost)
//   - TEST_POSTGRES_DB (default: cqrs_test)
//   - TEST_POSTGRES_USER (default: postgres)
//   - TEST_POSTGRES_PASSWORD (default: postgres)
//   - TEST_POSTGRES_PORT (default: 5432)
func defaultPostgresConfig() *postgresConfig {
	return &postgresConfig{
		url:      os.Getenv("TEST_DATABASE_URL"),
		host:     getEnvOrDefault("TEST_POSTGRES_HOST", "localhost"),
		database: getEnvOrDefault("TEST_POSTGRES_DB", "cqrs_test"),
		user:     getEnvOrDefault("TEST_POSTGRES_USER", "postgres"),
		password: getEnvOrDefault("TEST_POSTGRES_PASSWORD", "postgres"),
		port:     getEnvOrDefault("TEST_POSTGRES_PORT", "5432"),
		attempts: 10,
	}
}

func (c *postgresConfig) container() (*PostgresContainer, error) {
	if c.url == "" {
		return &PostgresContainer{
			Host:     c.host,
			Port:     c.port,
			Database: c.database,
			User:     c.user,
			Password: c.password,
		}, nil
	}

	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("containers: invalid connection string: %w", err)
	}
	password, _ := u.User.Password()
	return &PostgresContainer{
		Host:     u.Hostname(),
		Port:     u.Port(),
		Database: trimSlash(u.Path),
		User:     u.User.Username(),
		Password: password,
		connStr:  c.url,
	}, nil
}

func trimSlash(path string) string {
	if len(path) > 0 && path[0] == '/' {
		return path[1:]
	}
	return path
}

// StartPostgres waits for the configured server and skips the test when it
// cannot be reached.
func StartPostgres(t testing.TB, opts ...PostgresOption) *PostgresContainer {
	t.Helper()

	cfg := defaultPostgresConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	container, err := cfg.container()
	if err != nil {
		t.Fatalf("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := testutil.PostgresDB(ctx, container.ConnectionString(), cfg.attempts)
	if err != nil {
		t.Skipf("PostgreSQL not available (run docker-compose -f docker-compose.test.yml up -d): %v", err)
	}
	db.Close()

	return container
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresContainer) ConnectionString() string {
	if c.connStr != "" {
		return c.connStr
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// DB returns a database connection.
func (c *PostgresContainer) DB(ctx context.Context) (*sql.DB, error) {
	db, err := testutil.PostgresDB(ctx, c.ConnectionString(), 1)
	if err != nil {
		return nil, fmt.Errorf("containers: %w", err)
	}
	return db, nil
}

// CreateSchema creates a unique test schema.
func (c *PostgresContainer) CreateSchema(ctx context.Context, db *sql.DB, prefix string) (string, error) {
	schema := testutil.UniqueSchema(prefix)
	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(schema)); err != nil {
		return "", fmt.Errorf("containers: failed to create schema: %w", err)
	}
	return schema, nil
}

// DropSchema drops a test schema.
func (c *PostgresContainer) DropSchema(ctx context.Context, db *sql.DB, schema string) error {
	return testutil.CleanupSchema(ctx, db, schema)
}

// =============================================================================
// Integration Test Helper
// =============================================================================

// IntegrationTest owns a connection and a throwaway schema for one test.
type IntegrationTest struct {
	t         testing.TB
	ctx       context.Context
	container *PostgresContainer
	db        *sql.DB
	schema    string
}

// IntegrationTestOption configures an integration test.
type IntegrationTestOption func(*integrationTestConfig)

type integrationTestConfig struct {
	schemaPrefix string
	timeout      time.Duration
	postgres     []PostgresOption
}

// WithSchemaPrefix sets the schema prefix.
func WithSchemaPrefix(prefix string) IntegrationTestOption {
	return func(c *integrationTestConfig) {
		c.schemaPrefix = prefix
	}
}

// WithTimeout sets the test timeout.
func WithTimeout(timeout time.Duration) IntegrationTestOption {
	return func(c *integrationTestConfig) {
		c.timeout = timeout
	}
}

// WithPostgres passes options to StartPostgres.
func WithPostgres(opts ...PostgresOption) IntegrationTestOption {
	return func(c *integrationTestConfig) {
		c.postgres = append(c.postgres, opts...)
	}
}

// NewIntegrationTest creates a new integration test environment. The schema
// is dropped when the test ends.
func NewIntegrationTest(t testing.TB, opts ...IntegrationTestOption) *IntegrationTest {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &integrationTestConfig{
		schemaPrefix: "test",
		timeout:      30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	container := StartPostgres(t, cfg.postgres...)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	t.Cleanup(cancel)

	db, err := container.DB(ctx)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	schema, err := container.CreateSchema(ctx, db, cfg.schemaPrefix)
	if err != nil {
		db.Close()
		t.Fatalf("Failed to create schema: %v", err)
	}

	t.Cleanup(func() {
		if err := container.DropSchema(context.Background(), db, schema); err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schema, err)
		}
		db.Close()
	})

	return &IntegrationTest{
		t:         t,
		ctx:       ctx,
		container: container,
		db:        db,
		schema:    schema,
	}
}

// Context returns the test context.
func (it *IntegrationTest) Context() context.Context {
	return it.ctx
}

// DB returns the database connection.
func (it *IntegrationTest) DB() *sql.DB {
	return it.db
}

// Schema returns the test schema name.
func (it *IntegrationTest) Schema() string {
	return it.schema
}

// Container returns the PostgreSQL container.
func (it *IntegrationTest) Container() *PostgresContainer {
	return it.container
}

// Exec executes a SQL statement.
func (it *IntegrationTest) Exec(query string, args ...interface{}) {
	it.t.Helper()
	if _, err := it.db.ExecContext(it.ctx, query, args...); err != nil {
		it.t.Fatalf("Failed to execute SQL: %v", err)
	}
}

// QueryInt runs a query returning a single integer.
func (it *IntegrationTest) QueryInt(query string, args ...interface{}) int64 {
	it.t.Helper()
	var n int64
	if err := it.db.QueryRowContext(it.ctx, query, args...).Scan(&n); err != nil {
		it.t.Fatalf("Failed to execute query: %v", err)
	}
	return n
}

// Table returns the quoted, schema-qualified name of a table.
func (it *IntegrationTest) Table(name string) string {
	return pq.QuoteIdentifier(it.schema) + "." + pq.QuoteIdentifier(name)
}

// =============================================================================
// Full Stack Test
// =============================================================================

// FullStackTest wires the event store, dispatcher, projector and people
// service to a migrated PostgreSQL schema.
type FullStackTest struct {
	*IntegrationTest

	Adapter     *postgres.PostgresAdapter
	Store       *cqrs.EventStore
	Dispatcher  *cqrs.Dispatcher
	Projector   *cqrs.Projector
	Provisioner *identity.MemoryProvisioner
	People      *domain.People
}

// NewFullStackTest creates a new full stack test environment.
func NewFullStackTest(t testing.TB, opts ...IntegrationTestOption) *FullStackTest {
	t.Helper()

	it := NewIntegrationTest(t, append([]IntegrationTestOption{WithSchemaPrefix("fullstack")}, opts...)...)

	// The adapter shares the integration connection, which is closed by
	// the schema cleanup.
	adapter := postgres.NewAdapterWithDB(it.DB(), postgres.WithSchema(it.Schema()))
	if err := adapter.Initialize(it.Context()); err != nil {
		t.Fatalf("Failed to migrate schema %s: %v", it.Schema(), err)
	}

	store := cqrs.NewEventStore(adapter)
	dispatcher := cqrs.NewDispatcher(store, domain.NewRegistry())
	provisioner := identity.NewMemoryProvisioner()

	return &FullStackTest{
		IntegrationTest: it,
		Adapter:         adapter,
		Store:           store,
		Dispatcher:      dispatcher,
		Projector:       cqrs.NewProjector(adapter.StateStore(), domain.Handlers()),
		Provisioner:     provisioner,
		People:          domain.NewPeople(dispatcher, provisioner),
	}
}

// Project applies every stored event to the projector.
func (fst *FullStackTest) Project() {
	fst.t.Helper()

	events, err := fst.Store.LoadEventsFromPosition(fst.ctx, 0, 10000)
	if err != nil {
		fst.t.Fatalf("Failed to load events: %v", err)
	}
	for _, e := range events {
		if _, err := fst.Projector.Apply(fst.ctx, e); err != nil {
			fst.t.Fatalf("Failed to project %s to %s: %v", e.Name, e.StreamID, err)
		}
	}
}
