// Package sqlite provides an embedded SQLite event log, state store and
// checkpoint store backed by modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/access-news/cqrs/adapters"
)

var (
	_ adapters.EventLog            = (*Adapter)(nil)
	_ adapters.SubscriptionAdapter = (*Adapter)(nil)
	_ adapters.StreamQueryAdapter  = (*Adapter)(nil)
	_ adapters.CheckpointAdapter   = (*Adapter)(nil)
	_ adapters.HealthChecker       = (*Adapter)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS streams (
	stream_id   TEXT PRIMARY KEY,
	aggregate   TEXT NOT NULL,
	last_seq    INTEGER NOT NULL DEFAULT 0,
	event_count INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS event_store (
	global_position INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id        TEXT NOT NULL UNIQUE,
	aggregate       TEXT NOT NULL,
	stream_id       TEXT NOT NULL,
	name            TEXT NOT NULL,
	data            BLOB NOT NULL,
	version         INTEGER NOT NULL DEFAULT 0,
	seq             INTEGER NOT NULL,
	timestamp       INTEGER NOT NULL,
	UNIQUE(stream_id, seq)
);
CREATE TABLE IF NOT EXISTS state_store (
	stream_id  TEXT PRIMARY KEY,
	aggregate  TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_state_store_aggregate ON state_store(aggregate);
CREATE TABLE IF NOT EXISTS checkpoints (
	projection_name TEXT PRIMARY KEY,
	position        INTEGER NOT NULL DEFAULT 0,
	updated_at      INTEGER NOT NULL
);
`

// Adapter is a single-file event log.
type Adapter struct {
	db     *sql.DB
	now    func() time.Time
	closed atomic.Bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClock overrides the clock used for stored timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

// Open opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, opts ...Option) (*Adapter, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cqrs/sqlite: storage path is required")
	}

	if path != ":memory:" {
		path = filepath.Clean(path)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cqrs/sqlite: open db: %w", err)
	}
	// One writer at a time; this also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)

	a := &Adapter{db: db, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.Initialize(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// DB returns the underlying connection pool.
func (a *Adapter) DB() *sql.DB {
	return a.db
}

// Initialize applies the schema. It is idempotent.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("cqrs/sqlite: apply schema: %w", classify("migrate", err))
	}
	return nil
}

// Append stores one event after checking the requested seq against the
// stream's last seq inside an immediate transaction.
func (a *Adapter) Append(ctx context.Context, record adapters.EventRecord) (adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return adapters.StoredEvent{}, err
	}
	if a.closed.Load() {
		return adapters.StoredEvent{}, adapters.ErrAdapterClosed
	}
	if record.StreamID == "" {
		return adapters.StoredEvent{}, adapters.ErrEmptyStreamID
	}
	if record.Seq < 0 {
		return adapters.StoredEvent{}, adapters.ErrInvalidSeq
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return adapters.StoredEvent{}, fmt.Errorf("cqrs/sqlite: begin tx: %w", classify("append", err))
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	err = tx.QueryRowContext(ctx, `SELECT last_seq FROM streams WHERE stream_id = ?`, record.StreamID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return adapters.StoredEvent{}, fmt.Errorf("cqrs/sqlite: read stream seq: %w", classify("append", err))
	}

	seq, err := adapters.NextSeq(record.StreamID, record.Seq, last)
	if err != nil {
		return adapters.StoredEvent{}, err
	}

	now := a.now().UTC().Truncate(time.Millisecond)

	stored := adapters.StoredEvent{
		ID:        uuid.New().String(),
		Aggregate: record.Aggregate,
		StreamID:  record.StreamID,
		Name:      record.Name,
		Data:      record.Data,
		Version:   record.Version,
		Seq:       seq,
		Timestamp: now,
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO event_store (event_id, aggregate, stream_id, name, data, version, seq, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.Aggregate, stored.StreamID, stored.Name, stored.Data, stored.Version, seq, now.UnixMilli())
	if err != nil {
		if isConstraintError(err) {
			return adapters.StoredEvent{}, adapters.NewConcurrencyError(record.StreamID, seq, seq)
		}
		return adapters.StoredEvent{}, fmt.Errorf("cqrs/sqlite: append event: %w", classify("append", err))
	}
	position, err := res.LastInsertId()
	if err != nil {
		return adapters.StoredEvent{}, fmt.Errorf("cqrs/sqlite: read position: %w", err)
	}
	stored.GlobalPosition = uint64(position)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO streams (stream_id, aggregate, last_seq, event_count, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(stream_id) DO UPDATE SET
			last_seq = excluded.last_seq,
			event_count = streams.event_count + 1,
			updated_at = excluded.updated_at`,
		record.StreamID, record.Aggregate, seq, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return adapters.StoredEvent{}, fmt.Errorf("cqrs/sqlite: update stream seq: %w", classify("append", err))
	}

	if err := tx.Commit(); err != nil {
		return adapters.StoredEvent{}, fmt.Errorf("cqrs/sqlite: commit: %w", classify("append", err))
	}
	return stored, nil
}

// Load retrieves the events of a stream with seq greater than fromSeq.
func (a *Adapter) Load(ctx context.Context, streamID string, fromSeq int64) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM event_store
		WHERE stream_id = ? AND seq > ?
		ORDER BY seq`, streamID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("cqrs/sqlite: load events: %w", classify("load", err))
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LastSeq returns the highest seq stored for a stream, or 0.
func (a *Adapter) LastSeq(ctx context.Context, streamID string) (int64, error) {
	if a.closed.Load() {
		return 0, adapters.ErrAdapterClosed
	}
	if streamID == "" {
		return 0, adapters.ErrEmptyStreamID
	}

	var last int64
	err := a.db.QueryRowContext(ctx, `SELECT last_seq FROM streams WHERE stream_id = ?`, streamID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cqrs/sqlite: read stream seq: %w", classify("last seq", err))
	}
	return last, nil
}

// GetStreamInfo returns metadata about a stream.
func (a *Adapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	var info adapters.StreamInfo
	var created, updated int64
	err := a.db.QueryRowContext(ctx, `
		SELECT stream_id, aggregate, last_seq, event_count, created_at, updated_at
		FROM streams WHERE stream_id = ?`, streamID).Scan(
		&info.StreamID, &info.Aggregate, &info.LastSeq, &info.EventCount, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	if err != nil {
		return nil, fmt.Errorf("cqrs/sqlite: stream info: %w", classify("stream info", err))
	}
	info.CreatedAt = fromMillis(created)
	info.UpdatedAt = fromMillis(updated)
	return &info, nil
}

// GetLastPosition returns the global position of the last stored event.
func (a *Adapter) GetLastPosition(ctx context.Context) (uint64, error) {
	if a.closed.Load() {
		return 0, adapters.ErrAdapterClosed
	}

	var pos sql.NullInt64
	if err := a.db.QueryRowContext(ctx, `SELECT MAX(global_position) FROM event_store`).Scan(&pos); err != nil {
		return 0, fmt.Errorf("cqrs/sqlite: last position: %w", classify("last position", err))
	}
	if pos.Valid {
		return uint64(pos.Int64), nil
	}
	return 0, nil
}

// GetCheckpoint returns the last processed position for a projection.
func (a *Adapter) GetCheckpoint(ctx context.Context, projectionName string) (uint64, error) {
	if a.closed.Load() {
		return 0, adapters.ErrAdapterClosed
	}

	var pos int64
	err := a.db.QueryRowContext(ctx, `SELECT position FROM checkpoints WHERE projection_name = ?`, projectionName).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cqrs/sqlite: get checkpoint: %w", classify("get checkpoint", err))
	}
	return uint64(pos), nil
}

// SetCheckpoint stores the last processed position for a projection.
// A position lower than the stored one is ignored.
func (a *Adapter) SetCheckpoint(ctx context.Context, projectionName string, position uint64) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO checkpoints (projection_name, position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(projection_name) DO UPDATE SET
			position = MAX(checkpoints.position, excluded.position),
			updated_at = excluded.updated_at`,
		projectionName, int64(position), a.now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("cqrs/sqlite: set checkpoint: %w", classify("set checkpoint", err))
	}
	return nil
}

// Ping checks the database is reachable.
func (a *Adapter) Ping(ctx context.Context) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	return a.db.PingContext(ctx)
}

// Close releases the database. It is safe to call more than once.
func (a *Adapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	return a.db.Close()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
