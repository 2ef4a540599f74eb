// Package projections provides testing utilities for projector handlers.
// It includes a fixture that applies events directly and one that follows
// an event log through a subscription.
package projections

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/access-news/cqrs"
	"github.com/access-news/cqrs/adapters"
	"github.com/access-news/cqrs/adapters/memory"
)

// TB is an alias for testing.TB to enable easier mocking in tests.
type TB = testing.TB

// ProjectorFixture applies events to a projector backed by a state store.
type ProjectorFixture struct {
	t          TB
	ctx        context.Context
	projector  *cqrs.Projector
	states     adapters.StateStore
	serializer cqrs.StateSerializer
	position   uint64
	err        error
}

// TestProjector creates a fixture with an in-memory state store.
func TestProjector(t TB, handlers cqrs.HandlerTable, opts ...cqrs.ProjectorOption) *ProjectorFixture {
	t.Helper()
	return TestProjectorOn(t, memory.NewStateStore(), cqrs.NewJSONSerializer(), handlers, opts...)
}

// TestProjectorOn creates a fixture over states, encoding with serializer.
func TestProjectorOn(t TB, states adapters.StateStore, serializer cqrs.StateSerializer, handlers cqrs.HandlerTable, opts ...cqrs.ProjectorOption) *ProjectorFixture {
	t.Helper()

	opts = append([]cqrs.ProjectorOption{cqrs.WithStateSerializer(serializer)}, opts...)
	return &ProjectorFixture{
		t:          t,
		ctx:        context.Background(),
		projector:  cqrs.NewProjector(states, handlers, opts...),
		states:     states,
		serializer: serializer,
	}
}

// WithContext sets a custom context.
func (f *ProjectorFixture) WithContext(ctx context.Context) *ProjectorFixture {
	f.ctx = ctx
	return f
}

// GivenEvents applies events and fails the test on the first error.
// Events without a position get the next one.
func (f *ProjectorFixture) GivenEvents(events ...cqrs.Event) *ProjectorFixture {
	f.t.Helper()

	for _, e := range events {
		if _, err := f.projector.Apply(f.ctx, f.positioned(e)); err != nil {
			f.t.Fatalf("Failed to apply %s to %s: %v", e.Name, e.StreamID, err)
		}
	}
	return f
}

// WhenEvents applies events and keeps the first error for ThenError.
func (f *ProjectorFixture) WhenEvents(events ...cqrs.Event) *ProjectorFixture {
	f.t.Helper()

	for _, e := range events {
		if _, err := f.projector.Apply(f.ctx, f.positioned(e)); err != nil {
			f.err = err
			return f
		}
	}
	return f
}

func (f *ProjectorFixture) positioned(e cqrs.Event) cqrs.Event {
	if e.Position == 0 {
		f.position++
		e.Position = f.position
	} else if e.Position > f.position {
		f.position = e.Position
	}
	return e
}

// ThenState runs check against the in-memory state of a stream.
func (f *ProjectorFixture) ThenState(streamID string, check func(t TB, s *cqrs.State)) {
	f.t.Helper()

	s, ok := f.projector.State(streamID)
	if !ok {
		f.t.Fatalf("State %s not found", streamID)
	}
	check(f.t, s)
}

// ThenPersisted asserts that the stored record of a stream decodes to the
// in-memory state, then runs check against it.
func (f *ProjectorFixture) ThenPersisted(streamID string, check func(t TB, s *cqrs.State)) {
	f.t.Helper()

	rec, err := f.states.Get(f.ctx, streamID)
	if err != nil {
		f.t.Fatalf("Failed to get state %s: %v", streamID, err)
	}
	if rec == nil {
		f.t.Fatalf("State %s was not persisted", streamID)
	}

	stored, err := cqrs.DecodeState(f.serializer, *rec)
	if err != nil {
		f.t.Fatalf("Failed to decode state %s: %v", streamID, err)
	}

	if current, ok := f.projector.State(streamID); ok {
		if docString(current) != docString(stored) {
			f.t.Errorf("Persisted state %s differs from memory:\nMemory: %s\nStored: %s",
				streamID, docString(current), docString(stored))
		}
	}
	if check != nil {
		check(f.t, stored)
	}
}

// ThenSeq asserts the last applied seq of a stream.
func (f *ProjectorFixture) ThenSeq(streamID string, expected int64) {
	f.t.Helper()

	s, ok := f.projector.State(streamID)
	if !ok {
		f.t.Fatalf("State %s not found", streamID)
	}
	if s.Meta.Seq != expected {
		f.t.Errorf("Expected %s at seq %d, got %d", streamID, expected, s.Meta.Seq)
	}
}

// ThenNoState asserts that a stream has no state.
func (f *ProjectorFixture) ThenNoState(streamID string) {
	f.t.Helper()

	if s, ok := f.projector.State(streamID); ok {
		f.t.Errorf("Expected no state for %s, found seq %d", streamID, s.Meta.Seq)
	}
}

// ThenStatus runs check against the projector status.
func (f *ProjectorFixture) ThenStatus(check func(t TB, s cqrs.ProjectionStatus)) {
	f.t.Helper()
	check(f.t, f.projector.Status())
}

// ThenSkipped asserts how many events were skipped as already applied.
func (f *ProjectorFixture) ThenSkipped(expected uint64) {
	f.t.Helper()

	if got := f.projector.Status().EventsSkipped; got != expected {
		f.t.Errorf("Expected %d skipped events, got %d", expected, got)
	}
}

// ThenParked asserts how many events wait for an earlier seq.
func (f *ProjectorFixture) ThenParked(expected int) {
	f.t.Helper()

	if got := f.projector.Status().Parked; got != expected {
		f.t.Errorf("Expected %d parked events, got %d", expected, got)
	}
}

// ThenError asserts that WhenEvents stopped with an error matching
// expectedErr.
func (f *ProjectorFixture) ThenError(expectedErr error) {
	f.t.Helper()

	if f.err == nil {
		f.t.Fatal("Expected error but every event applied")
	}
	if !errors.Is(f.err, expectedErr) {
		f.t.Errorf("Expected error %v, got %v", expectedErr, f.err)
	}
}

// Projector returns the projector under test.
func (f *ProjectorFixture) Projector() *cqrs.Projector {
	return f.projector
}

// States returns the state store.
func (f *ProjectorFixture) States() adapters.StateStore {
	return f.states
}

func docString(s *cqrs.State) string {
	return fmt.Sprintf("%v", s.Document())
}

// =============================================================================
// Subscription Test Fixture
// =============================================================================

// SubscriptionFixture runs a projector subscribed to an in-memory log.
type SubscriptionFixture struct {
	t         TB
	ctx       context.Context
	log       *memory.MemoryAdapter
	store     *cqrs.EventStore
	projector *cqrs.Projector
	cancel    context.CancelFunc
	done      chan error
}

// TestSubscription creates a subscription fixture.
func TestSubscription(t TB, handlers cqrs.HandlerTable, opts ...cqrs.ProjectorOption) *SubscriptionFixture {
	t.Helper()

	log := memory.NewAdapter()
	opts = append([]cqrs.ProjectorOption{cqrs.WithPollInterval(10 * time.Millisecond)}, opts...)
	return &SubscriptionFixture{
		t:         t,
		ctx:       context.Background(),
		log:       log,
		store:     cqrs.NewEventStore(log),
		projector: cqrs.NewProjector(memory.NewStateStore(), handlers, opts...),
	}
}

// Start subscribes the projector in the background.
func (f *SubscriptionFixture) Start() *SubscriptionFixture {
	f.t.Helper()

	ctx, cancel := context.WithCancel(f.ctx)
	f.cancel = cancel
	f.done = make(chan error, 1)
	go func() {
		f.done <- f.projector.Subscribe(ctx, f.store, f.log)
	}()
	f.t.Cleanup(func() { f.Stop() })
	return f
}

// Stop cancels the subscription and waits for it to return.
func (f *SubscriptionFixture) Stop() *SubscriptionFixture {
	if f.cancel == nil {
		return f
	}
	f.cancel()
	f.cancel = nil
	<-f.done
	return f
}

// AppendEvents appends events to the log.
func (f *SubscriptionFixture) AppendEvents(events ...cqrs.Event) *SubscriptionFixture {
	f.t.Helper()

	for _, e := range events {
		if _, err := f.store.Append(f.ctx, e); err != nil {
			f.t.Fatalf("Failed to append %s to %s: %v", e.Name, e.StreamID, err)
		}
	}
	return f
}

// WaitForCheckpoint waits until the projector checkpoint reaches the log
// head.
func (f *SubscriptionFixture) WaitForCheckpoint(timeout time.Duration) *SubscriptionFixture {
	f.t.Helper()

	head, err := f.store.GetLastPosition(f.ctx)
	if err != nil {
		f.t.Fatalf("Failed to read log head: %v", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		pos, err := f.log.GetCheckpoint(f.ctx, f.projector.Name())
		if err == nil && pos >= head {
			return f
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.t.Fatalf("Projector %s did not reach position %d within %s", f.projector.Name(), head, timeout)
	return f
}

// Projector returns the projector under test.
func (f *SubscriptionFixture) Projector() *cqrs.Projector {
	return f.projector
}

// Store returns the event store.
func (f *SubscriptionFixture) Store() *cqrs.EventStore {
	return f.store
}
