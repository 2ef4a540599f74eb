package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/access-news/cqrs/adapters"
)

var _ adapters.StateStore = (*StateStore)(nil)

// StateStore keeps one projected state row per stream in the state_store
// table. Records whose data is JSON are mirrored into a JSONB column so they
// can be queried with SQL.
type StateStore struct {
	adapter *PostgresAdapter
}

// StateStore returns a state store sharing the adapter's connection pool and schema.
func (a *PostgresAdapter) StateStore() *StateStore {
	return &StateStore{adapter: a}
}

// Get returns the record for a stream, or nil, nil when absent.
func (s *StateStore) Get(ctx context.Context, streamID string) (*adapters.StateRecord, error) {
	a := s.adapter
	if a.closed.Load() {
		return nil, ErrAdapterClosed
	}

	var rec adapters.StateRecord
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT stream_id, aggregate, seq, data, updated_at
		FROM %s
		WHERE stream_id = $1`, a.table("state_store")), streamID).Scan(
		&rec.StreamID, &rec.Aggregate, &rec.Seq, &rec.Data, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cqrs/postgres: failed to get state: %w", classify("get state", err))
	}
	return &rec, nil
}

// Put upserts the full record for a stream.
func (s *StateStore) Put(ctx context.Context, record adapters.StateRecord) error {
	a := s.adapter
	if a.closed.Load() {
		return ErrAdapterClosed
	}
	if record.StreamID == "" {
		return ErrEmptyStreamID
	}

	var document interface{}
	if json.Valid(record.Data) {
		document = record.Data
	}

	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (stream_id, aggregate, seq, data, document, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (stream_id) DO UPDATE SET
			aggregate = EXCLUDED.aggregate,
			seq = EXCLUDED.seq,
			data = EXCLUDED.data,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`, a.table("state_store")),
		record.StreamID, record.Aggregate, record.Seq, record.Data, document, record.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("cqrs/postgres: failed to put state: %w", classify("put state", err))
	}
	return nil
}

// List returns all records of an aggregate type, or every record when
// aggregate is empty, ordered by stream ID.
func (s *StateStore) List(ctx context.Context, aggregate string) ([]adapters.StateRecord, error) {
	a := s.adapter
	if a.closed.Load() {
		return nil, ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT stream_id, aggregate, seq, data, updated_at
		FROM %s
		WHERE $1 = '' OR aggregate = $1
		ORDER BY stream_id`, a.table("state_store")), aggregate)
	if err != nil {
		return nil, fmt.Errorf("cqrs/postgres: failed to list states: %w", classify("list states", err))
	}
	defer rows.Close()

	var records []adapters.StateRecord
	for rows.Next() {
		var rec adapters.StateRecord
		if err := rows.Scan(&rec.StreamID, &rec.Aggregate, &rec.Seq, &rec.Data, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("cqrs/postgres: failed to scan state: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cqrs/postgres: row iteration error: %w", classify("list states", err))
	}
	return records, nil
}

// Clear removes every record.
func (s *StateStore) Clear(ctx context.Context) error {
	a := s.adapter
	if a.closed.Load() {
		return ErrAdapterClosed
	}

	if _, err := a.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, a.table("state_store"))); err != nil {
		return fmt.Errorf("cqrs/postgres: failed to clear states: %w", classify("clear states", err))
	}
	return nil
}
