package testutil

import (
	"context"
	"sync"

	"github.com/access-news/cqrs/adapters"
	"github.com/access-news/cqrs/adapters/memory"
)

// FaultyLog is an event log that fails on demand. Calls that are not
// failing go to an in-memory log.
type FaultyLog struct {
	*memory.MemoryAdapter

	mu                  sync.Mutex
	appendErr           error
	failAppends         int
	appendCalls         int
	LoadErr             error
	LastPositionErr     error
	LoadFromPositionErr error
}

// NewFaultyLog returns a FaultyLog over an empty in-memory log.
func NewFaultyLog() *FaultyLog {
	return &FaultyLog{MemoryAdapter: memory.NewAdapter()}
}

// FailAppends makes the next n appends return err. A negative n fails
// every append until the next call.
func (l *FaultyLog) FailAppends(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failAppends = n
	l.appendErr = err
}

// AppendCalls returns the number of Append calls, failed ones included.
func (l *FaultyLog) AppendCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendCalls
}

// Append implements adapters.EventLog.
func (l *FaultyLog) Append(ctx context.Context, record adapters.EventRecord) (adapters.StoredEvent, error) {
	l.mu.Lock()
	l.appendCalls++
	if l.failAppends != 0 {
		if l.failAppends > 0 {
			l.failAppends--
		}
		err := l.appendErr
		l.mu.Unlock()
		return adapters.StoredEvent{}, err
	}
	l.mu.Unlock()

	return l.MemoryAdapter.Append(ctx, record)
}

// Load implements adapters.EventLog.
func (l *FaultyLog) Load(ctx context.Context, streamID string, fromSeq int64) ([]adapters.StoredEvent, error) {
	if l.LoadErr != nil {
		return nil, l.LoadErr
	}
	return l.MemoryAdapter.Load(ctx, streamID, fromSeq)
}

// GetLastPosition implements adapters.EventLog.
func (l *FaultyLog) GetLastPosition(ctx context.Context) (uint64, error) {
	if l.LastPositionErr != nil {
		return 0, l.LastPositionErr
	}
	return l.MemoryAdapter.GetLastPosition(ctx)
}

// LoadFromPosition implements adapters.SubscriptionAdapter.
func (l *FaultyLog) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if l.LoadFromPositionErr != nil {
		return nil, l.LoadFromPositionErr
	}
	return l.MemoryAdapter.LoadFromPosition(ctx, fromPosition, limit)
}

var (
	_ adapters.EventLog            = (*FaultyLog)(nil)
	_ adapters.SubscriptionAdapter = (*FaultyLog)(nil)
	_ adapters.CheckpointAdapter   = (*FaultyLog)(nil)
)
