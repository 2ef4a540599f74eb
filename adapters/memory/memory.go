// Package memory provides in-memory implementations of the event log, the
// state store and the checkpoint store.
// These adapters are primarily intended for testing and development purposes.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/access-news/cqrs/adapters"
	"github.com/google/uuid"
)

// Ensure MemoryAdapter implements all required interfaces.
var (
	_ adapters.EventLog            = (*MemoryAdapter)(nil)
	_ adapters.SubscriptionAdapter = (*MemoryAdapter)(nil)
	_ adapters.StreamQueryAdapter  = (*MemoryAdapter)(nil)
	_ adapters.CheckpointAdapter   = (*MemoryAdapter)(nil)
	_ adapters.HealthChecker       = (*MemoryAdapter)(nil)
)

// MemoryAdapter is an in-memory implementation of EventLog.
// It is thread-safe and suitable for unit testing.
type MemoryAdapter struct {
	mu             sync.RWMutex
	streams        map[string]*streamData
	globalEvents   []adapters.StoredEvent
	globalPosition uint64
	checkpoints    map[string]uint64
	closed         bool

	// appended is closed and replaced on every append to wake subscribers.
	appended chan struct{}
	done     chan struct{}

	now func() time.Time
}

type streamData struct {
	info   adapters.StreamInfo
	events []adapters.StoredEvent
}

// Option configures a MemoryAdapter.
type Option func(*MemoryAdapter)

// WithClock sets the clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *MemoryAdapter) {
		a.now = now
	}
}

// NewAdapter creates a new in-memory event log.
func NewAdapter(opts ...Option) *MemoryAdapter {
	adapter := &MemoryAdapter{
		streams:      make(map[string]*streamData),
		globalEvents: make([]adapters.StoredEvent, 0),
		checkpoints:  make(map[string]uint64),
		appended:     make(chan struct{}),
		done:         make(chan struct{}),
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// Initialize is a no-op for the memory adapter.
func (a *MemoryAdapter) Initialize(ctx context.Context) error {
	return nil
}

// Append stores one event, enforcing the seq compare-and-swap.
func (a *MemoryAdapter) Append(ctx context.Context, record adapters.EventRecord) (adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return adapters.StoredEvent{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.StoredEvent{}, adapters.ErrAdapterClosed
	}

	if record.StreamID == "" {
		return adapters.StoredEvent{}, adapters.ErrEmptyStreamID
	}

	stream, exists := a.streams[record.StreamID]
	var last int64
	if exists {
		last = stream.info.LastSeq
	}

	seq, err := adapters.NextSeq(record.StreamID, record.Seq, last)
	if err != nil {
		return adapters.StoredEvent{}, err
	}

	now := a.now()
	if !exists {
		stream = &streamData{
			info: adapters.StreamInfo{
				StreamID:  record.StreamID,
				Aggregate: record.Aggregate,
				CreatedAt: now,
			},
		}
		a.streams[record.StreamID] = stream
	}

	a.globalPosition++
	stored := adapters.StoredEvent{
		ID:             uuid.New().String(),
		Aggregate:      record.Aggregate,
		StreamID:       record.StreamID,
		Name:           record.Name,
		Data:           append([]byte(nil), record.Data...),
		Version:        record.Version,
		Seq:            seq,
		GlobalPosition: a.globalPosition,
		Timestamp:      now,
	}

	stream.events = append(stream.events, stored)
	a.globalEvents = append(a.globalEvents, stored)

	stream.info.LastSeq = seq
	stream.info.EventCount = int64(len(stream.events))
	stream.info.UpdatedAt = now

	close(a.appended)
	a.appended = make(chan struct{})

	return stored, nil
}

// Load retrieves the events of a stream with seq greater than fromSeq.
func (a *MemoryAdapter) Load(ctx context.Context, streamID string, fromSeq int64) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}

	stream, exists := a.streams[streamID]
	if !exists {
		return []adapters.StoredEvent{}, nil
	}

	events := make([]adapters.StoredEvent, 0, len(stream.events))
	for _, event := range stream.events {
		if event.Seq > fromSeq {
			events = append(events, event)
		}
	}

	return events, nil
}

// LastSeq returns the highest seq of a stream, or 0 if it has no events.
func (a *MemoryAdapter) LastSeq(ctx context.Context, streamID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return 0, adapters.ErrAdapterClosed
	}

	if stream, ok := a.streams[streamID]; ok {
		return stream.info.LastSeq, nil
	}
	return 0, nil
}

// GetStreamInfo returns metadata about a stream.
func (a *MemoryAdapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	stream, exists := a.streams[streamID]
	if !exists {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}

	info := stream.info
	return &info, nil
}

// GetLastPosition returns the global position of the last stored event.
func (a *MemoryAdapter) GetLastPosition(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return 0, adapters.ErrAdapterClosed
	}

	return a.globalPosition, nil
}

// Close releases any resources held by the adapter and ends subscriptions.
func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	close(a.done)
	return nil
}

// LoadFromPosition loads events with a global position greater than fromPosition.
func (a *MemoryAdapter) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	return a.after(fromPosition, adapters.DefaultLimit(limit, 1000)), nil
}

// after returns up to limit events past pos. Positions are dense and start
// at 1, so the slice index is pos. Callers hold a.mu.
func (a *MemoryAdapter) after(pos uint64, limit int) []adapters.StoredEvent {
	if pos >= uint64(len(a.globalEvents)) {
		return nil
	}
	end := int(pos) + limit
	if end > len(a.globalEvents) {
		end = len(a.globalEvents)
	}
	out := make([]adapters.StoredEvent, end-int(pos))
	copy(out, a.globalEvents[pos:end])
	return out
}

// SubscribeAll streams every event after fromPosition, historical ones
// first, then new appends as they happen. Sends block on a slow consumer.
// The channel is closed when ctx is done or the adapter is closed.
func (a *MemoryAdapter) SubscribeAll(ctx context.Context, fromPosition uint64, opts ...adapters.SubscriptionOptions) (<-chan adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return nil, adapters.ErrAdapterClosed
	}

	bufferSize := 100
	if len(opts) > 0 && opts[0].BufferSize > 0 {
		bufferSize = opts[0].BufferSize
	}

	ch := make(chan adapters.StoredEvent, bufferSize)
	go func() {
		defer close(ch)

		pos := fromPosition
		for {
			a.mu.RLock()
			batch := a.after(pos, bufferSize)
			wake := a.appended
			a.mu.RUnlock()

			for _, event := range batch {
				select {
				case ch <- event:
					pos = event.GlobalPosition
				case <-ctx.Done():
					return
				case <-a.done:
					return
				}
			}
			if len(batch) > 0 {
				continue
			}

			select {
			case <-wake:
			case <-ctx.Done():
				return
			case <-a.done:
				return
			}
		}
	}()

	return ch, nil
}

// GetCheckpoint returns the last processed position for a projection.
func (a *MemoryAdapter) GetCheckpoint(ctx context.Context, projectionName string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return 0, adapters.ErrAdapterClosed
	}

	return a.checkpoints[projectionName], nil
}

// SetCheckpoint stores the last processed position for a projection.
func (a *MemoryAdapter) SetCheckpoint(ctx context.Context, projectionName string, position uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}

	a.checkpoints[projectionName] = position
	return nil
}

// Ping checks if the adapter is healthy.
func (a *MemoryAdapter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}

	return nil
}

// Reset clears all data. Useful for testing.
func (a *MemoryAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.streams = make(map[string]*streamData)
	a.globalEvents = make([]adapters.StoredEvent, 0)
	a.globalPosition = 0
	a.checkpoints = make(map[string]uint64)
}

// EventCount returns the total number of events stored.
func (a *MemoryAdapter) EventCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.globalEvents)
}

// StreamCount returns the number of streams.
func (a *MemoryAdapter) StreamCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.streams)
}
