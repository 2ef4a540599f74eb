package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/access-news/cqrs/adapters"
)

const defaultPollInterval = 100 * time.Millisecond

const eventColumns = `event_id, aggregate, stream_id, name, data, version, seq, global_position, timestamp`

// LoadFromPosition loads events with a global position greater than fromPosition.
func (a *Adapter) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM event_store
		WHERE global_position > ?
		ORDER BY global_position
		LIMIT ?`, int64(fromPosition), adapters.DefaultLimit(limit, 1000))
	if err != nil {
		return nil, fmt.Errorf("cqrs/sqlite: load from position: %w", classify("load from position", err))
	}
	defer rows.Close()

	return scanEvents(rows)
}

// SubscribeAll polls for events after fromPosition until ctx is done.
func (a *Adapter) SubscribeAll(ctx context.Context, fromPosition uint64, opts ...adapters.SubscriptionOptions) (<-chan adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
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

		pos := fromPosition
		for {
			events, err := a.LoadFromPosition(ctx, pos, opt.BufferSize)
			if err != nil {
				if ctx.Err() != nil || a.closed.Load() {
					return
				}
				if opt.OnError != nil {
					opt.OnError(err)
				}
			}

			for _, event := range events {
				select {
				case ch <- event:
					pos = event.GlobalPosition
				case <-ctx.Done():
					return
				}
			}
			if len(events) == opt.BufferSize {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return ch, nil
}

func scanEvents(rows *sql.Rows) ([]adapters.StoredEvent, error) {
	var events []adapters.StoredEvent
	for rows.Next() {
		var event adapters.StoredEvent
		var position, ts int64
		if err := rows.Scan(
			&event.ID,
			&event.Aggregate,
			&event.StreamID,
			&event.Name,
			&event.Data,
			&event.Version,
			&event.Seq,
			&position,
			&ts,
		); err != nil {
			return nil, fmt.Errorf("cqrs/sqlite: scan event: %w", err)
		}
		event.GlobalPosition = uint64(position)
		event.Timestamp = fromMillis(ts)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cqrs/sqlite: iterate events: %w", classify("scan", err))
	}
	return events, nil
}
