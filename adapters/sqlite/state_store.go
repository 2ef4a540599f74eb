package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/access-news/cqrs/adapters"
)

var _ adapters.StateStore = (*StateStore)(nil)

// StateStore persists projected state in the state_store table of the
// adapter's database.
type StateStore struct {
	adapter *Adapter
}

// StateStore returns a state store sharing the adapter's database.
func (a *Adapter) StateStore() *StateStore {
	return &StateStore{adapter: a}
}

// Get returns the record for a stream, or nil, nil when absent.
func (s *StateStore) Get(ctx context.Context, streamID string) (*adapters.StateRecord, error) {
	if s.adapter.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	var rec adapters.StateRecord
	var updated int64
	err := s.adapter.db.QueryRowContext(ctx, `
		SELECT stream_id, aggregate, seq, data, updated_at
		FROM state_store WHERE stream_id = ?`, streamID).Scan(
		&rec.StreamID, &rec.Aggregate, &rec.Seq, &rec.Data, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cqrs/sqlite: get state: %w", classify("get state", err))
	}
	rec.UpdatedAt = fromMillis(updated)
	return &rec, nil
}

// Put upserts the full record for a stream.
func (s *StateStore) Put(ctx context.Context, record adapters.StateRecord) error {
	if s.adapter.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	if record.StreamID == "" {
		return adapters.ErrEmptyStreamID
	}

	_, err := s.adapter.db.ExecContext(ctx, `
		INSERT INTO state_store (stream_id, aggregate, seq, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(stream_id) DO UPDATE SET
			aggregate = excluded.aggregate,
			seq = excluded.seq,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		record.StreamID, record.Aggregate, record.Seq, record.Data, record.UpdatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("cqrs/sqlite: put state: %w", classify("put state", err))
	}
	return nil
}

// List returns the records of an aggregate type, or every record when
// aggregate is empty, ordered by stream ID.
func (s *StateStore) List(ctx context.Context, aggregate string) ([]adapters.StateRecord, error) {
	if s.adapter.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	rows, err := s.adapter.db.QueryContext(ctx, `
		SELECT stream_id, aggregate, seq, data, updated_at
		FROM state_store
		WHERE ? = '' OR aggregate = ?
		ORDER BY stream_id`, aggregate, aggregate)
	if err != nil {
		return nil, fmt.Errorf("cqrs/sqlite: list states: %w", classify("list states", err))
	}
	defer rows.Close()

	var records []adapters.StateRecord
	for rows.Next() {
		var rec adapters.StateRecord
		var updated int64
		if err := rows.Scan(&rec.StreamID, &rec.Aggregate, &rec.Seq, &rec.Data, &updated); err != nil {
			return nil, fmt.Errorf("cqrs/sqlite: scan state: %w", err)
		}
		rec.UpdatedAt = fromMillis(updated)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cqrs/sqlite: iterate states: %w", classify("list states", err))
	}
	return records, nil
}

// Clear removes every record.
func (s *StateStore) Clear(ctx context.Context) error {
	if s.adapter.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	if _, err := s.adapter.db.ExecContext(ctx, `DELETE FROM state_store`); err != nil {
		return fmt.Errorf("cqrs/sqlite: clear states: %w", classify("clear states", err))
	}
	return nil
}
