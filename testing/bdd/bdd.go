// Package bdd provides Given-When-Then fixtures for commands.
//
// A fixture starts from a fresh in-memory event log holding the given
// events, runs one command or chain through a Dispatcher, and asserts on the
// events it appended or the error it returned.
package bdd

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/access-news/cqrs"
	"github.com/access-news/cqrs/adapters/memory"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// CommandFixture runs commands against a registry.
type CommandFixture struct {
	t          TB
	ctx        context.Context
	store      *cqrs.EventStore
	dispatcher *cqrs.Dispatcher
	given      []cqrs.Event
	prepared   bool
	events     []cqrs.Event
	err        error
	executed   bool
}

// Given creates a fixture whose log holds events before the command runs.
// Events are appended in order at their own seq.
func Given(t TB, registry *cqrs.Registry, events ...cqrs.Event) *CommandFixture {
	t.Helper()

	store := cqrs.NewEventStore(memory.NewAdapter())
	return &CommandFixture{
		t:          t,
		ctx:        context.Background(),
		store:      store,
		dispatcher: cqrs.NewDispatcher(store, registry),
		given:      events,
	}
}

// WithContext sets a custom context for the command execution.
func (f *CommandFixture) WithContext(ctx context.Context) *CommandFixture {
	f.ctx = ctx
	return f
}

// WithMiddleware adds dispatcher middleware.
func (f *CommandFixture) WithMiddleware(middleware ...cqrs.Middleware) *CommandFixture {
	f.dispatcher.Use(middleware...)
	return f
}

func (f *CommandFixture) prepare() {
	f.t.Helper()
	if f.prepared {
		return
	}
	f.prepared = true

	for _, e := range f.given {
		if _, err := f.store.Append(f.ctx, e); err != nil {
			f.t.Fatalf("Failed to append given event %s to %s: %v", e.Name, e.StreamID, err)
		}
	}
}

// When executes one command. A zero Seq appends at the stream's next seq.
func (f *CommandFixture) When(req cqrs.ExecuteRequest) *CommandFixture {
	f.t.Helper()
	f.prepare()

	future, err := f.dispatcher.Execute(f.ctx, req)
	if err == nil {
		var event cqrs.Event
		event, err = future.Wait(f.ctx)
		if err == nil {
			f.events = append(f.events, event)
		}
	}
	f.err = err
	f.executed = true
	return f
}

// WhenCommand is When for the common case of a command without a seq.
func (f *CommandFixture) WhenCommand(aggregate, streamID, command string, payload cqrs.Fields) *CommandFixture {
	f.t.Helper()
	return f.When(cqrs.ExecuteRequest{
		Aggregate: aggregate,
		StreamID:  streamID,
		Command:   command,
		Payload:   payload,
	})
}

// WhenChain executes a chain. Events appended before a failing step are
// kept for Then.
func (f *CommandFixture) WhenChain(req cqrs.ChainRequest) *CommandFixture {
	f.t.Helper()
	f.prepare()

	future, err := f.dispatcher.Chain(f.ctx, req)
	if err == nil {
		var events []cqrs.Event
		events, err = future.Wait(f.ctx)
		f.events = append(f.events, events...)
	}
	f.err = err
	f.executed = true
	return f
}

func (f *CommandFixture) mustHaveRun(assertion string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatalf("bdd: %s must be called after When", assertion)
	}
}

// Then asserts that the command succeeded and appended the expected events
// in order. Events compare by stream, name and field values.
func (f *CommandFixture) Then(expected ...cqrs.Event) {
	f.t.Helper()
	f.mustHaveRun("Then")

	if f.err != nil {
		f.t.Fatalf("Expected success but got error: %v", f.err)
	}
	f.thenEvents(expected)
}

// ThenPartial asserts that the command failed with err after appending
// the expected events.
func (f *CommandFixture) ThenPartial(err error, expected ...cqrs.Event) {
	f.t.Helper()
	f.mustHaveRun("ThenPartial")

	if !errors.Is(f.err, err) {
		f.t.Fatalf("Expected error %v, got %v", err, f.err)
	}
	f.thenEvents(expected)
}

func (f *CommandFixture) thenEvents(expected []cqrs.Event) {
	f.t.Helper()

	if len(f.events) != len(expected) {
		f.t.Fatalf("Expected %d events, got %d.\nExpected: %s\nActual: %s",
			len(expected), len(f.events), names(expected), names(f.events))
	}

	for i, want := range expected {
		got := f.events[i]
		if !want.Same(got) {
			f.t.Errorf("Event %d mismatch:\nExpected: %s %v\nActual: %s %v",
				i, want.Name, want.Fields, got.Name, got.Fields)
		}
		if want.Seq != 0 && want.Seq != got.Seq {
			f.t.Errorf("Event %d seq mismatch: expected %d, got %d", i, want.Seq, got.Seq)
		}
	}
}

// ThenError asserts that the command failed with an error matching
// expectedErr.
func (f *CommandFixture) ThenError(expectedErr error) {
	f.t.Helper()
	f.mustHaveRun("ThenError")

	if f.err == nil {
		f.t.Fatal("Expected error but got success")
	}
	if !errors.Is(f.err, expectedErr) {
		f.t.Errorf("Expected error %v, got %v", expectedErr, f.err)
	}
}

// ThenErrorContains asserts that the error message contains a substring.
func (f *CommandFixture) ThenErrorContains(substring string) {
	f.t.Helper()
	f.mustHaveRun("ThenErrorContains")

	if f.err == nil {
		f.t.Fatal("Expected error but got success")
	}
	if !strings.Contains(f.err.Error(), substring) {
		f.t.Errorf("Expected error containing %q, got %q", substring, f.err.Error())
	}
}

// ThenNoEvents asserts that nothing was appended, whatever the outcome.
func (f *CommandFixture) ThenNoEvents() {
	f.t.Helper()
	f.mustHaveRun("ThenNoEvents")

	if len(f.events) > 0 {
		f.t.Errorf("Expected no events, got %d: %s", len(f.events), names(f.events))
	}

	head, err := f.store.GetLastPosition(f.ctx)
	if err != nil {
		f.t.Fatalf("Failed to read log head: %v", err)
	}
	if head != uint64(len(f.given)) {
		f.t.Errorf("Expected log head at %d, got %d", len(f.given), head)
	}
}

// ThenStream asserts the full contents of a stream after the command.
func (f *CommandFixture) ThenStream(streamID string, expected ...cqrs.Event) {
	f.t.Helper()
	f.mustHaveRun("ThenStream")

	events, err := f.store.Load(f.ctx, streamID)
	if err != nil {
		f.t.Fatalf("Failed to load stream %s: %v", streamID, err)
	}
	if len(events) != len(expected) {
		f.t.Fatalf("Expected %d events in %s, got %d: %s", len(expected), streamID, len(events), names(events))
	}
	for i, want := range expected {
		if !want.Same(events[i]) {
			f.t.Errorf("Stream %s event %d mismatch:\nExpected: %s %v\nActual: %s %v",
				streamID, i, want.Name, want.Fields, events[i].Name, events[i].Fields)
		}
	}
}

// Events returns the events appended by When.
func (f *CommandFixture) Events() []cqrs.Event {
	return f.events
}

// Err returns the error When produced.
func (f *CommandFixture) Err() error {
	return f.err
}

// Store returns the fixture's event store.
func (f *CommandFixture) Store() *cqrs.EventStore {
	return f.store
}

func names(events []cqrs.Event) string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Name
	}
	return "[" + strings.Join(out, " ") + "]"
}
