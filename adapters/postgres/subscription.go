package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/access-news/cqrs/adapters"
)

// Default polling interval for subscriptions.
const defaultPollInterval = 100 * time.Millisecond

const eventColumns = `event_id, aggregate, stream_id, name, data, version, seq, global_position, timestamp`

// LoadFromPosition loads events with a global position greater than fromPosition.
func (a *PostgresAdapter) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE global_position > $1
		ORDER BY global_position ASC
		LIMIT $2`, eventColumns, a.table("event_store")),
		int64(fromPosition), adapters.DefaultLimit(limit, 1000))
	if err != nil {
		return nil, fmt.Errorf("cqrs/postgres: failed to load events: %w", classify("load from position", err))
	}
	defer rows.Close()

	return scanEvents(rows)
}

// SubscribeAll polls for events after fromPosition and delivers them in
// global order. Sends block on a slow consumer. Poll errors are reported
// to OnError and retried on the next tick.
func (a *PostgresAdapter) SubscribeAll(ctx context.Context, fromPosition uint64, opts ...adapters.SubscriptionOptions) (<-chan adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, ErrAdapterClosed
	}

	opt := adapters.SubscriptionOptions{BufferSize: 100, PollInterval: defaultPollInterval}
	if len(opts) > 0 {
		if opts[0].BufferSize > 0 {
			opt.BufferSize = opts[0].BufferSize
		}
		if opts[0].PollInterval > 0 {
			opt.PollInterval = opts[0].PollInterval
		}
		opt.OnError = opts[0].OnError
	}

	ch := make(chan adapters.StoredEvent, opt.BufferSize)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(opt.PollInterval)
		defer ticker.Stop()

		currentPosition := fromPosition

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			events, err := a.LoadFromPosition(ctx, currentPosition, opt.BufferSize)
			if err != nil {
				if ctx.Err() != nil || a.closed.Load() {
					return
				}
				if opt.OnError != nil {
					opt.OnError(err)
				}
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					continue
				}
			}

			for _, event := range events {
				select {
				case ch <- event:
					currentPosition = event.GlobalPosition
				case <-ctx.Done():
					return
				}
			}

			// A full page means there is probably more; poll again at once.
			if len(events) < opt.BufferSize {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}
	}()

	return ch, nil
}

// scanEvents scans rows selected with eventColumns.
func scanEvents(rows *sql.Rows) ([]adapters.StoredEvent, error) {
	var events []adapters.StoredEvent

	for rows.Next() {
		var event adapters.StoredEvent
		var position int64

		err := rows.Scan(
			&event.ID,
			&event.Aggregate,
			&event.StreamID,
			&event.Name,
			&event.Data,
			&event.Version,
			&event.Seq,
			&position,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("cqrs/postgres: failed to scan event: %w", err)
		}
		event.GlobalPosition = uint64(position)

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cqrs/postgres: row iteration error: %w", classify("scan", err))
	}

	return events, nil
}
