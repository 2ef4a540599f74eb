package cqrs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/access-news/cqrs/adapters"
)

// SubscriptionOptions configures a catch-up subscription.
type SubscriptionOptions struct {
	// BufferSize is the size of the event channel buffer.
	// Default: 256
	BufferSize int

	// BatchSize is how many events are read from the log per query.
	// Default: 100
	BatchSize int

	// Filter optionally restricts which events are delivered.
	Filter func(Event) bool

	// RetryOnError keeps polling after a failed read instead of closing.
	// Default: true
	RetryOnError bool
}

// DefaultSubscriptionOptions returns the default subscription options.
func DefaultSubscriptionOptions() SubscriptionOptions {
	return SubscriptionOptions{
		BufferSize:   256,
		BatchSize:    100,
		RetryOnError: true,
	}
}

// AggregateFilter delivers only events of the given aggregate types.
func AggregateFilter(aggregates ...string) func(Event) bool {
	set := make(map[string]struct{}, len(aggregates))
	for _, a := range aggregates {
		set[a] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Aggregate]
		return ok
	}
}

// CatchupSubscription reads the log from a position, then keeps polling
// for new events. Delivery blocks on a slow consumer; nothing is dropped.
type CatchupSubscription struct {
	store *EventStore
	opts  SubscriptionOptions

	eventCh chan Event
	stopCh  chan struct{}

	mu       sync.RWMutex
	position uint64
	err      error
	closed   bool
	started  bool
}

// NewCatchupSubscription creates a new catch-up subscription.
// Call Start() to begin receiving events after fromPosition.
func NewCatchupSubscription(store *EventStore, fromPosition uint64, opts ...SubscriptionOptions) *CatchupSubscription {
	options := DefaultSubscriptionOptions()
	if len(opts) > 0 {
		options = opts[0]
	}
	if options.BufferSize <= 0 {
		options.BufferSize = 256
	}
	options.BatchSize = adapters.DefaultLimit(options.BatchSize, 100)

	return &CatchupSubscription{
		store:    store,
		opts:     options,
		position: fromPosition,
		eventCh:  make(chan Event, options.BufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the subscription with the specified poll interval.
func (s *CatchupSubscription) Start(ctx context.Context, pollInterval time.Duration) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	if s.closed {
		s.mu.Unlock()
		return ErrAdapterClosed
	}
	s.started = true
	s.mu.Unlock()

	if _, ok := s.store.Adapter().(adapters.SubscriptionAdapter); !ok {
		return ErrSubscriptionNotSupported
	}

	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}

	go s.run(ctx, pollInterval)
	return nil
}

func (s *CatchupSubscription) run(ctx context.Context, pollInterval time.Duration) {
	defer close(s.eventCh)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		// Drain everything available before waiting for the next tick.
		for {
			n, err := s.deliverBatch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					s.setErr(ctx.Err())
					return
				}
				if err == errStopped {
					return
				}
				if !s.opts.RetryOnError {
					s.setErr(err)
					return
				}
				break
			}
			if n < s.opts.BatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}

var errStopped = errors.New("subscription stopped")

func (s *CatchupSubscription) deliverBatch(ctx context.Context) (int, error) {
	events, err := s.store.LoadEventsFromPosition(ctx, s.Position(), s.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, event := range events {
		if s.opts.Filter == nil || s.opts.Filter(event) {
			select {
			case s.eventCh <- event:
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-s.stopCh:
				return 0, errStopped
			}
		}
		s.mu.Lock()
		s.position = event.Position
		s.mu.Unlock()
	}

	return len(events), nil
}

// Events returns the channel for receiving events.
func (s *CatchupSubscription) Events() <-chan Event {
	return s.eventCh
}

// Close stops the subscription.
func (s *CatchupSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	close(s.stopCh)
	return nil
}

// Err returns any error that caused the subscription to close.
func (s *CatchupSubscription) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Position returns the global position of the last event read.
func (s *CatchupSubscription) Position() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position
}

func (s *CatchupSubscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
