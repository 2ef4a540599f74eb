package cqrs

import (
	"context"
	"fmt"

	"github.com/access-news/cqrs/adapters"
)

// EventStore wraps an EventLog adapter and converts between Events and
// the adapter's stored records.
type EventStore struct {
	adapter adapters.EventLog
	logger  Logger
}

// Logger defines the logging interface used across the package.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// noopLogger is a no-op logger implementation.
type noopLogger struct{}

func (l *noopLogger) Debug(msg string, args ...interface{}) {}
func (l *noopLogger) Info(msg string, args ...interface{})  {}
func (l *noopLogger) Warn(msg string, args ...interface{})  {}
func (l *noopLogger) Error(msg string, args ...interface{}) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return &noopLogger{}
}

// Option configures an EventStore.
type Option func(*EventStore)

// WithLogger sets a custom logger.
func WithLogger(l Logger) Option {
	return func(es *EventStore) {
		es.logger = l
	}
}

// NewEventStore creates a new EventStore with the given adapter and options.
func NewEventStore(adapter adapters.EventLog, opts ...Option) *EventStore {
	es := &EventStore{
		adapter: adapter,
		logger:  &noopLogger{},
	}

	for _, opt := range opts {
		opt(es)
	}

	return es
}

// Adapter returns the underlying adapter.
func (s *EventStore) Adapter() adapters.EventLog {
	return s.adapter
}

// Append stores one event and returns it with the log-assigned ID,
// timestamp, seq and position filled in.
func (s *EventStore) Append(ctx context.Context, event Event) (Event, error) {
	if event.StreamID == "" {
		return Event{}, ErrEmptyStreamID
	}

	record, err := toRecord(event)
	if err != nil {
		return Event{}, err
	}

	stored, err := s.adapter.Append(ctx, record)
	if err != nil {
		return Event{}, err
	}

	event.ID = stored.ID
	event.Timestamp = stored.Timestamp
	event.Seq = stored.Seq
	event.Position = stored.GlobalPosition

	s.logger.Debug("Event appended",
		"stream", event.StreamID,
		"event", event.Name,
		"seq", event.Seq,
		"position", event.Position,
	)

	return event, nil
}

// Load retrieves all events of a stream.
func (s *EventStore) Load(ctx context.Context, streamID string) ([]Event, error) {
	return s.LoadFrom(ctx, streamID, 0)
}

// LoadFrom retrieves the events of a stream with seq greater than fromSeq.
func (s *EventStore) LoadFrom(ctx context.Context, streamID string, fromSeq int64) ([]Event, error) {
	if streamID == "" {
		return nil, ErrEmptyStreamID
	}

	stored, err := s.adapter.Load(ctx, streamID, fromSeq)
	if err != nil {
		return nil, err
	}

	return eventsFromStored(stored)
}

// LastSeq returns the highest seq stored for a stream, or 0.
func (s *EventStore) LastSeq(ctx context.Context, streamID string) (int64, error) {
	if streamID == "" {
		return 0, ErrEmptyStreamID
	}
	return s.adapter.LastSeq(ctx, streamID)
}

// GetLastPosition returns the global position of the last stored event.
func (s *EventStore) GetLastPosition(ctx context.Context) (uint64, error) {
	return s.adapter.GetLastPosition(ctx)
}

// Initialize sets up the required storage schema.
func (s *EventStore) Initialize(ctx context.Context) error {
	return s.adapter.Initialize(ctx)
}

// Close releases resources held by the event store.
func (s *EventStore) Close() error {
	return s.adapter.Close()
}

// LoadEventsFromPosition loads events after a global position.
// Returns ErrSubscriptionNotSupported if the adapter cannot read by position.
func (s *EventStore) LoadEventsFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]Event, error) {
	subAdapter, ok := s.adapter.(adapters.SubscriptionAdapter)
	if !ok {
		return nil, ErrSubscriptionNotSupported
	}

	stored, err := subAdapter.LoadFromPosition(ctx, fromPosition, limit)
	if err != nil {
		return nil, err
	}

	return eventsFromStored(stored)
}

func eventsFromStored(stored []adapters.StoredEvent) ([]Event, error) {
	events := make([]Event, len(stored))
	for i, st := range stored {
		e, err := EventFromStored(st)
		if err != nil {
			return nil, fmt.Errorf("cqrs: event %d: %w", i, err)
		}
		events[i] = e
	}
	return events, nil
}
