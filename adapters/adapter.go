// Package adapters provides interfaces for event log and state store backends.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for adapter implementations.
// Adapters should return these (or errors that match via errors.Is)
// so callers can handle failures consistently across backends.
var (
	// ErrConcurrencyConflict is returned when the seq compare-and-swap fails.
	ErrConcurrencyConflict = errors.New("cqrs: concurrency conflict")

	// ErrStreamNotFound is returned when a stream does not exist.
	ErrStreamNotFound = errors.New("cqrs: stream not found")

	// ErrEmptyStreamID is returned when an empty stream ID is provided.
	ErrEmptyStreamID = errors.New("cqrs: stream ID is required")

	// ErrInvalidSeq is returned when a negative seq is supplied.
	ErrInvalidSeq = errors.New("cqrs: invalid seq")

	// ErrAdapterClosed is returned when operations are attempted on a closed adapter.
	ErrAdapterClosed = errors.New("cqrs: adapter is closed")

	// ErrTransientStore marks a store failure that is safe to retry.
	ErrTransientStore = errors.New("cqrs: transient store failure")
)

// TransientError wraps a backend failure that is expected to go away on retry,
// such as a dropped connection or a lock timeout.
type TransientError struct {
	Op    string
	Cause error
}

// NewTransientError creates a new TransientError.
func NewTransientError(op string, cause error) *TransientError {
	return &TransientError{Op: op, Cause: cause}
}

// Error returns the error message.
func (e *TransientError) Error() string {
	return fmt.Sprintf("cqrs: transient failure during %s: %v", e.Op, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *TransientError) Is(target error) bool {
	return target == ErrTransientStore
}

// Unwrap returns the underlying cause.
func (e *TransientError) Unwrap() error {
	return e.Cause
}

// EventRecord is an event to be appended to the log.
// Data holds the JSON-encoded field map.
type EventRecord struct {
	Aggregate string
	StreamID  string
	Name      string
	Data      []byte
	Version   int

	// Seq is the caller's expected position in the stream.
	// Zero asks the log to assign the next seq.
	Seq int64
}

// StoredEvent represents a persisted event with its storage metadata.
type StoredEvent struct {
	// ID is the unique event identifier.
	ID string

	// Aggregate is the aggregate type tag (person, session, ...).
	Aggregate string

	// StreamID is the aggregate instance this event belongs to.
	StreamID string

	// Name is the past-tense event name.
	Name string

	// Data is the JSON-encoded field map.
	Data []byte

	// Version is the event schema version.
	Version int

	// Seq is the position within the stream (1-based).
	Seq int64

	// GlobalPosition is the append order across all streams.
	GlobalPosition uint64

	// Timestamp is when the log stored the event.
	Timestamp time.Time
}

// StreamInfo contains metadata about an event stream.
type StreamInfo struct {
	StreamID   string
	Aggregate  string
	LastSeq    int64
	EventCount int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EventLog is the interface that event log backends must implement.
type EventLog interface {
	// Append stores one event. The event and the stream's seq index are
	// written together or not at all.
	//
	// record.Seq must be exactly the stream's last seq plus one, otherwise a
	// ConcurrencyError is returned. A zero Seq is assigned by the log.
	Append(ctx context.Context, record EventRecord) (StoredEvent, error)

	// Load retrieves the events of a stream with seq greater than fromSeq.
	Load(ctx context.Context, streamID string, fromSeq int64) ([]StoredEvent, error)

	// LastSeq returns the highest seq stored for a stream, or 0.
	LastSeq(ctx context.Context, streamID string) (int64, error)

	// GetLastPosition returns the global position of the last stored event.
	// Returns 0 if no events exist.
	GetLastPosition(ctx context.Context) (uint64, error)

	// Initialize sets up the required storage schema.
	Initialize(ctx context.Context) error

	// Close releases any resources held by the adapter.
	Close() error
}

// SubscriptionOptions configures subscription behavior.
type SubscriptionOptions struct {
	// BufferSize is the size of the event channel buffer.
	// Default: 100
	BufferSize int

	// PollInterval is how often to poll for new events.
	// Default: 100ms
	PollInterval time.Duration

	// OnError is called when an error occurs during subscription.
	OnError func(err error)
}

// SubscriptionAdapter delivers new records roughly in append order,
// at least once, resuming from a global position.
type SubscriptionAdapter interface {
	// LoadFromPosition loads events with a global position greater than fromPosition.
	LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]StoredEvent, error)

	// SubscribeAll streams every event after fromPosition until ctx is done.
	// Delivery blocks when the consumer is slow; events are never dropped.
	SubscribeAll(ctx context.Context, fromPosition uint64, opts ...SubscriptionOptions) (<-chan StoredEvent, error)
}

// StateRecord is the durable form of one stream's projected state.
type StateRecord struct {
	StreamID  string
	Aggregate string
	Seq       int64
	Data      []byte
	UpdatedAt time.Time
}

// StateStore holds projected state, one record per stream.
type StateStore interface {
	// Get returns the record for a stream, or nil, nil when absent.
	Get(ctx context.Context, streamID string) (*StateRecord, error)

	// Put upserts the full record for a stream.
	Put(ctx context.Context, record StateRecord) error

	// List returns all records of an aggregate type, or every record
	// when aggregate is empty.
	List(ctx context.Context, aggregate string) ([]StateRecord, error)

	// Clear removes every record. Used before a full rebuild.
	Clear(ctx context.Context) error
}

// CheckpointAdapter manages projector checkpoints.
type CheckpointAdapter interface {
	// GetCheckpoint returns the last processed position for a projection.
	// Returns 0 if no checkpoint exists.
	GetCheckpoint(ctx context.Context, projectionName string) (uint64, error)

	// SetCheckpoint stores the last processed position for a projection.
	SetCheckpoint(ctx context.Context, projectionName string, position uint64) error
}

// HealthChecker provides health check capabilities.
type HealthChecker interface {
	// Ping checks if the adapter can connect to its backend.
	Ping(ctx context.Context) error
}

// StreamQueryAdapter lets tools inspect streams without direct SQL access.
type StreamQueryAdapter interface {
	// GetStreamInfo returns metadata about a stream.
	// Returns ErrStreamNotFound if the stream does not exist.
	GetStreamInfo(ctx context.Context, streamID string) (*StreamInfo, error)
}
