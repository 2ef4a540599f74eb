// Package postgres provides a PostgreSQL implementation of the event log,
// state store and checkpoint adapters.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/access-news/cqrs/adapters"
)

// Sentinel errors for the postgres adapter.
// These are aliases to the adapters package errors for compatibility with errors.Is().
var (
	ErrAdapterClosed       = adapters.ErrAdapterClosed
	ErrEmptyStreamID       = adapters.ErrEmptyStreamID
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict
	ErrStreamNotFound      = adapters.ErrStreamNotFound
	ErrInvalidSeq          = adapters.ErrInvalidSeq
)

// Ensure PostgresAdapter implements required interfaces.
var (
	_ adapters.EventLog            = (*PostgresAdapter)(nil)
	_ adapters.SubscriptionAdapter = (*PostgresAdapter)(nil)
	_ adapters.StreamQueryAdapter  = (*PostgresAdapter)(nil)
	_ adapters.CheckpointAdapter   = (*PostgresAdapter)(nil)
	_ adapters.HealthChecker       = (*PostgresAdapter)(nil)
)

// DefaultSchema is the schema used when none is configured.
const DefaultSchema = "cqrs"

// PostgresAdapter is a PostgreSQL implementation of adapters.EventLog.
type PostgresAdapter struct {
	db     *sql.DB
	schema string
	closed atomic.Bool
}

// Option configures a PostgresAdapter.
type Option func(*PostgresAdapter)

// WithSchema sets the database schema name.
func WithSchema(schema string) Option {
	return func(a *PostgresAdapter) {
		a.schema = schema
	}
}

// WithMaxConnections sets the maximum number of open connections.
func WithMaxConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxOpenConns(n)
	}
}

// WithMaxIdleConnections sets the maximum number of idle connections.
func WithMaxIdleConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxIdleConns(n)
	}
}

// WithConnectionMaxLifetime sets the maximum connection lifetime.
func WithConnectionMaxLifetime(d time.Duration) Option {
	return func(a *PostgresAdapter) {
		a.db.SetConnMaxLifetime(d)
	}
}

// NewAdapter opens a connection pool and returns an adapter using it.
func NewAdapter(connStr string, opts ...Option) (*PostgresAdapter, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("cqrs/postgres: failed to open database: %w", err)
	}
	return NewAdapterWithDB(db, opts...), nil
}

// NewAdapterWithDB creates a new adapter with an existing database connection.
func NewAdapterWithDB(db *sql.DB, opts ...Option) *PostgresAdapter {
	adapter := &PostgresAdapter{
		db:     db,
		schema: DefaultSchema,
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// DB returns the underlying connection pool.
func (a *PostgresAdapter) DB() *sql.DB {
	return a.db
}

// Schema returns the configured schema name.
func (a *PostgresAdapter) Schema() string {
	return a.schema
}

// positionLockKey names the advisory lock that orders appends within the
// schema.
func (a *PostgresAdapter) positionLockKey() string {
	return a.table("event_store")
}

// table returns the quoted, schema-qualified name of a table.
func (a *PostgresAdapter) table(name string) string {
	return qualify(a.schema, name)
}

func qualify(schema, name string) string {
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(name)
}

// Initialize creates the required database schema and tables.
func (a *PostgresAdapter) Initialize(ctx context.Context) error {
	return a.Migrate(ctx)
}

// Migrate creates the schema, tables and indexes. It is idempotent.
func (a *PostgresAdapter) Migrate(ctx context.Context) error {
	if a.closed.Load() {
		return ErrAdapterClosed
	}

	for _, stmt := range migrationStatements(a.schema) {
		if _, err := a.db.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("cqrs/postgres: failed to create %s: %w", stmt.what, classify("migrate", err))
		}
	}
	return nil
}

type migration struct {
	what string
	sql  string
}

func migrationStatements(schema string) []migration {
	t := func(name string) string { return qualify(schema, name) }

	return []migration{
		{"schema", fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pq.QuoteIdentifier(schema))},
		{"streams table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				stream_id       VARCHAR(500) PRIMARY KEY,
				aggregate       VARCHAR(250) NOT NULL,
				last_seq        BIGINT NOT NULL DEFAULT 0,
				event_count     BIGINT NOT NULL DEFAULT 0,
				created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, t("streams"))},
		{"event_store table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				global_position BIGSERIAL PRIMARY KEY,
				event_id        UUID NOT NULL DEFAULT gen_random_uuid(),
				aggregate       VARCHAR(250) NOT NULL,
				stream_id       VARCHAR(500) NOT NULL,
				name            VARCHAR(250) NOT NULL,
				data            JSONB NOT NULL,
				version         INT NOT NULL DEFAULT 0,
				seq             BIGINT NOT NULL,
				timestamp       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE(stream_id, seq)
			)`, t("event_store"))},
		{"state_store table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				stream_id       VARCHAR(500) PRIMARY KEY,
				aggregate       VARCHAR(250) NOT NULL,
				seq             BIGINT NOT NULL,
				data            BYTEA NOT NULL,
				document        JSONB,
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, t("state_store"))},
		{"checkpoints table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				projection_name VARCHAR(500) PRIMARY KEY,
				position        BIGINT NOT NULL DEFAULT 0,
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, t("checkpoints"))},
		{"index", fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_streams_aggregate ON %s(aggregate)`, t("streams"))},
		{"index", fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_event_store_name ON %s(name)`, t("event_store"))},
		{"index", fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_event_store_timestamp ON %s(timestamp)`, t("event_store"))},
		{"index", fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_state_store_aggregate ON %s(aggregate)`, t("state_store"))},
	}
}

// Append stores one event. The stream row is locked with FOR UPDATE, the
// requested seq is checked against it, and the event and the new last seq
// are committed together.
func (a *PostgresAdapter) Append(ctx context.Context, record adapters.EventRecord) (adapters.StoredEvent, error) {
	if a.closed.Load() {
		return adapters.StoredEvent{}, ErrAdapterClosed
	}
	if record.StreamID == "" {
		return adapters.StoredEvent{}, ErrEmptyStreamID
	}
	if record.Seq < 0 {
		return adapters.StoredEvent{}, ErrInvalidSeq
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return adapters.StoredEvent{}, fmt.Errorf("cqrs/postgres: failed to begin transaction: %w", classify("append", err))
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	streamExists := true
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT last_seq FROM %s
		WHERE stream_id = $1
		FOR UPDATE`, a.table("streams")), record.StreamID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		streamExists = false
		last = 0
	} else if err != nil {
		return adapters.StoredEvent{}, fmt.Errorf("cqrs/postgres: failed to read stream seq: %w", classify("append", err))
	}

	seq, err := adapters.NextSeq(record.StreamID, record.Seq, last)
	if err != nil {
		return adapters.StoredEvent{}, err
	}

	if !streamExists {
		// Two first appends race on the primary key; the loser sees 23505.
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (stream_id, aggregate, last_seq, event_count)
			VALUES ($1, $2, 0, 0)`, a.table("streams")), record.StreamID, record.Aggregate)
		if err != nil {
			return adapters.StoredEvent{}, a.appendError(record, seq, err)
		}
	}

	// Positions must become visible in order, otherwise a poller that has
	// read position n+1 never sees n. The lock is held until commit.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, a.positionLockKey()); err != nil {
		return adapters.StoredEvent{}, fmt.Errorf("cqrs/postgres: failed to lock positions: %w", classify("append", err))
	}

	stored := adapters.StoredEvent{
		Aggregate: record.Aggregate,
		StreamID:  record.StreamID,
		Name:      record.Name,
		Data:      record.Data,
		Version:   record.Version,
		Seq:       seq,
	}

	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (aggregate, stream_id, name, data, version, seq)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING global_position, event_id, timestamp`, a.table("event_store")),
		record.Aggregate, record.StreamID, record.Name, record.Data, record.Version, seq,
	).Scan(&stored.GlobalPosition, &stored.ID, &stored.Timestamp)
	if err != nil {
		return adapters.StoredEvent{}, a.appendError(record, seq, err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET last_seq = $1, event_count = event_count + 1, updated_at = NOW()
		WHERE stream_id = $2`, a.table("streams")), seq, record.StreamID)
	if err != nil {
		return adapters.StoredEvent{}, fmt.Errorf("cqrs/postgres: failed to update stream seq: %w", classify("append", err))
	}

	if err := tx.Commit(); err != nil {
		return adapters.StoredEvent{}, a.appendError(record, seq, err)
	}

	return stored, nil
}

func (a *PostgresAdapter) appendError(record adapters.EventRecord, seq int64, err error) error {
	if isUniqueViolation(err) {
		return adapters.NewConcurrencyError(record.StreamID, seq, seq)
	}
	return fmt.Errorf("cqrs/postgres: failed to append event: %w", classify("append", err))
}

// Load retrieves the events of a stream with seq greater than fromSeq.
func (a *PostgresAdapter) Load(ctx context.Context, streamID string, fromSeq int64) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, ErrAdapterClosed
	}
	if streamID == "" {
		return nil, ErrEmptyStreamID
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE stream_id = $1 AND seq > $2
		ORDER BY seq`, eventColumns, a.table("event_store")), streamID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("cqrs/postgres: failed to load events: %w", classify("load", err))
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LastSeq returns the highest seq stored for a stream, or 0.
func (a *PostgresAdapter) LastSeq(ctx context.Context, streamID string) (int64, error) {
	if a.closed.Load() {
		return 0, ErrAdapterClosed
	}
	if streamID == "" {
		return 0, ErrEmptyStreamID
	}

	var last int64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT last_seq FROM %s
		WHERE stream_id = $1`, a.table("streams")), streamID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cqrs/postgres: failed to read stream seq: %w", classify("last seq", err))
	}
	return last, nil
}

// GetStreamInfo returns metadata about a stream.
func (a *PostgresAdapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if a.closed.Load() {
		return nil, ErrAdapterClosed
	}

	var info adapters.StreamInfo
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT stream_id, aggregate, last_seq, event_count, created_at, updated_at
		FROM %s
		WHERE stream_id = $1`, a.table("streams")), streamID).Scan(
		&info.StreamID,
		&info.Aggregate,
		&info.LastSeq,
		&info.EventCount,
		&info.CreatedAt,
		&info.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	if err != nil {
		return nil, fmt.Errorf("cqrs/postgres: failed to get stream info: %w", classify("stream info", err))
	}

	return &info, nil
}

// GetLastPosition returns the global position of the last stored event.
func (a *PostgresAdapter) GetLastPosition(ctx context.Context) (uint64, error) {
	if a.closed.Load() {
		return 0, ErrAdapterClosed
	}

	var pos sql.NullInt64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT MAX(global_position) FROM %s`, a.table("event_store"))).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("cqrs/postgres: failed to get last position: %w", classify("last position", err))
	}

	if pos.Valid {
		return uint64(pos.Int64), nil
	}
	return 0, nil
}

// GetCheckpoint returns the last processed position for a projection.
func (a *PostgresAdapter) GetCheckpoint(ctx context.Context, projectionName string) (uint64, error) {
	if a.closed.Load() {
		return 0, ErrAdapterClosed
	}

	var pos int64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT position FROM %s
		WHERE projection_name = $1`, a.table("checkpoints")), projectionName).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cqrs/postgres: failed to get checkpoint: %w", classify("get checkpoint", err))
	}

	return uint64(pos), nil
}

// SetCheckpoint stores the last processed position for a projection.
// A position lower than the stored one is ignored.
func (a *PostgresAdapter) SetCheckpoint(ctx context.Context, projectionName string, position uint64) error {
	if a.closed.Load() {
		return ErrAdapterClosed
	}

	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s AS c (projection_name, position, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET
			position = GREATEST(c.position, EXCLUDED.position),
			updated_at = NOW()`, a.table("checkpoints")), projectionName, int64(position))
	if err != nil {
		return fmt.Errorf("cqrs/postgres: failed to set checkpoint: %w", classify("set checkpoint", err))
	}

	return nil
}

// Ping checks database connectivity.
func (a *PostgresAdapter) Ping(ctx context.Context) error {
	if a.closed.Load() {
		return ErrAdapterClosed
	}
	if err := a.db.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close releases the database connection.
func (a *PostgresAdapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	return a.db.Close()
}
