package cqrs

// Shared test doubles and fixtures for the cqrs package tests.

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/access-news/cqrs/adapters"
	"github.com/access-news/cqrs/adapters/memory"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Shared Test Logger
// =============================================================================

type testLogger struct {
	mu        sync.Mutex
	debugLogs []string
	infoLogs  []string
	warnLogs  []string
	errorLogs []string
}

func newTestLogger() *testLogger {
	return &testLogger{}
}

func (l *testLogger) Debug(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugLogs = append(l.debugLogs, msg)
}

func (l *testLogger) Info(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infoLogs = append(l.infoLogs, msg)
}

func (l *testLogger) Warn(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnLogs = append(l.warnLogs, msg)
}

func (l *testLogger) Error(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errorLogs = append(l.errorLogs, msg)
}

func (l *testLogger) warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warnLogs...)
}

// =============================================================================
// Fixtures
// =============================================================================

// newTestRegistry mirrors a slice of the person aggregate.
func newTestRegistry() *Registry {
	reg := NewRegistry()
	group := OneOf("group", "admins", "listeners", "readers")

	reg.Register("person", "add_person", CommandDefinition{
		EventName:      "person_added",
		RequiredFields: []string{"first_name", "last_name"},
	})
	reg.Register("person", "change_person_name", CommandDefinition{
		EventName:      "person_name_changed",
		RequiredFields: []string{"first_name", "last_name", "reason"},
	})
	reg.Register("person", "add_email", CommandDefinition{
		EventName:      "email_added",
		RequiredFields: []string{"email"},
	})
	reg.Register("person", "update_email", CommandDefinition{
		EventName:      "email_updated",
		RequiredFields: []string{"from", "to", "reason"},
	})
	reg.Register("person", "delete_email", CommandDefinition{
		EventName:      "email_deleted",
		RequiredFields: []string{"email", "reason"},
	})
	reg.Register("person", "add_to_group", CommandDefinition{
		EventName:      "added_to_group",
		RequiredFields: []string{"group"},
		Constraint:     group,
	})
	reg.Register("person", "remove_from_group", CommandDefinition{
		EventName:      "removed_from_group",
		RequiredFields: []string{"group", "reason"},
		Constraint:     group,
	})
	reg.Register("session", "start_session", CommandDefinition{
		EventName:      "session_started",
		RequiredFields: []string{"user_id"},
	})

	return reg
}

func testHandlers() HandlerTable {
	return HandlerTable{
		"person_added":        ScalarOverwrite("name", "reason"),
		"person_name_changed": ScalarOverwrite("name", "reason"),
		"email_added":         MultiValued("emails", SetAdd, MarkEventID),
		"email_updated":       MultiValued("emails", SetUpdate, MarkEventID),
		"email_deleted":       MultiValued("emails", SetDelete, MarkEventID),
		"added_to_group":      MultiValued("groups", SetAdd, MarkTrue),
		"removed_from_group":  MultiValued("groups", SetDelete, MarkTrue),
		"session_started":     MergeFields(),
	}
}

type testStack struct {
	log        *memory.MemoryAdapter
	store      *EventStore
	dispatcher *Dispatcher
	states     *memory.StateStore
	projector  *Projector
}

func newTestStack(t *testing.T, opts ...ProjectorOption) *testStack {
	t.Helper()

	log := memory.NewAdapter()
	store := NewEventStore(log)
	states := memory.NewStateStore()

	return &testStack{
		log:        log,
		store:      store,
		dispatcher: NewDispatcher(store, newTestRegistry()),
		states:     states,
		projector:  NewProjector(states, testHandlers(), opts...),
	}
}

// execute runs a command and waits for its append.
func (s *testStack) execute(t *testing.T, req ExecuteRequest) Event {
	t.Helper()

	future, err := s.dispatcher.Execute(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	event, err := future.Wait(ctx)
	require.NoError(t, err)
	return event
}

// testEvent builds an already-stored event for projector tests.
func testEvent(streamID, name string, seq int64, fields Fields) Event {
	return Event{
		ID:        streamID + "-" + name + "-" + time.Duration(seq).String(),
		Aggregate: "person",
		StreamID:  streamID,
		Name:      name,
		Fields:    fields,
		Timestamp: time.Date(2024, 1, 1, 0, 0, int(seq), 0, time.UTC),
		Seq:       seq,
		Position:  uint64(seq),
	}
}

// =============================================================================
// Flaky State Store
// =============================================================================

// flakyStateStore fails a number of Puts before passing through.
type flakyStateStore struct {
	*memory.StateStore

	mu       sync.Mutex
	failures int
	err      error
	puts     int
}

func newFlakyStateStore(failures int, err error) *flakyStateStore {
	return &flakyStateStore{
		StateStore: memory.NewStateStore(),
		failures:   failures,
		err:        err,
	}
}

func (s *flakyStateStore) Put(ctx context.Context, record adapters.StateRecord) error {
	s.mu.Lock()
	s.puts++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return s.err
	}
	s.mu.Unlock()
	return s.StateStore.Put(ctx, record)
}

func (s *flakyStateStore) attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

// fastRetry keeps retry tests quick.
func fastRetry(attempts int) PersistRetry {
	return PersistRetry{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}
}
